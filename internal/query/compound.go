package query

import (
	"math"
	"strings"

	"github.com/RoaringBitmap/roaring"

	"asterengine/internal/apperr"
	"asterengine/internal/mapping"
)

func (q Bool) eval(e *evaluator, c *scopeCtx) (*matches, error) {
	if err := e.check(); err != nil {
		return nil, err
	}
	boost := boostOr1(q.Boost)

	var required *roaring.Bitmap
	scores := map[uint32]float64{}
	intersect := func(m *matches) {
		if required == nil {
			required = m.docs.Clone()
		} else {
			required.And(m.docs)
		}
	}

	for _, sub := range q.Must {
		m, err := sub.eval(e, c)
		if err != nil {
			return nil, err
		}
		intersect(m)
		for ord, s := range m.scores {
			scores[ord] += s
		}
	}
	for _, sub := range q.Filter {
		m, err := sub.eval(e, c)
		if err != nil {
			return nil, err
		}
		intersect(m)
	}

	var should []*matches
	for _, sub := range q.Should {
		m, err := sub.eval(e, c)
		if err != nil {
			return nil, err
		}
		should = append(should, m)
	}

	fallback := 0
	if required == nil && len(should) > 0 {
		fallback = 1
	}
	msm, err := MinimumShouldMatch(q.MinimumShouldMatch, len(should), fallback)
	if err != nil {
		return nil, err
	}

	var docs *roaring.Bitmap
	switch {
	case required != nil:
		docs = required
	case len(should) > 0:
		docs = roaring.New()
		for _, m := range should {
			docs.Or(m.docs)
		}
	default:
		docs = c.scope.All()
	}

	if len(should) > 0 {
		counts := map[uint32]int{}
		for _, m := range should {
			it := m.docs.Iterator()
			for it.HasNext() {
				ord := it.Next()
				if docs.Contains(ord) {
					counts[ord]++
					scores[ord] += m.scores[ord]
				}
			}
		}
		if msm > 0 {
			keep := roaring.New()
			for ord, n := range counts {
				if n >= msm {
					keep.Add(ord)
				}
			}
			docs.And(keep)
		}
	}

	for _, sub := range q.MustNot {
		m, err := sub.eval(e, c)
		if err != nil {
			return nil, err
		}
		docs.AndNot(m.docs)
	}

	out := &matches{docs: docs, scores: make(map[uint32]float64, docs.GetCardinality())}
	it := docs.Iterator()
	for it.HasNext() {
		ord := it.Next()
		s := scores[ord]
		if len(q.Must) == 0 && len(should) == 0 && len(q.Filter) == 0 {
			s = 1
		}
		out.scores[ord] = boost * s
	}
	return out, nil
}

func (q Nested) eval(e *evaluator, c *scopeCtx) (*matches, error) {
	if err := e.check(); err != nil {
		return nil, err
	}
	fm, err := e.snap.Mapping.Resolve(q.Path)
	if err != nil {
		if e.strict && !q.IgnoreUnmapped {
			return nil, apperr.NotFoundf("[nested] failed to find nested object under path [%s]", q.Path)
		}
		return emptyMatches(), nil
	}
	if fm.Type != mapping.FieldTypeNested {
		return nil, apperr.Validationf("[nested] nested object under path [%s] is not of nested type", q.Path)
	}
	if c.path() != "" && !strings.HasPrefix(q.Path, c.path()+".") {
		return nil, apperr.Validationf("[nested] path [%s] is not below the enclosing nested path [%s]", q.Path, c.path())
	}

	inner := c.view.Segment.Scope(q.Path)
	if inner == nil || q.Query == nil {
		return emptyMatches(), nil
	}
	m, err := q.Query.eval(e, &scopeCtx{seg: c.seg, view: c.view, scope: inner})
	if err != nil {
		return nil, err
	}

	mode := q.ScoreMode
	if mode == "" {
		mode = ScoreModeAvg
	}
	for inner.Path != c.path() {
		parent := c.view.Segment.Scope(inner.ParentPath)
		if parent == nil {
			return emptyMatches(), nil
		}
		m = liftToParent(m, inner.Parent, mode)
		inner = parent
	}
	return m, nil
}

// liftToParent maps matched nested ordinals onto their parent ordinals, folding the scores
// of sibling elements with mode.
func liftToParent(m *matches, parent []uint32, mode ScoreMode) *matches {
	type agg struct {
		sum, min, max float64
		n             int
	}
	folded := map[uint32]*agg{}
	out := emptyMatches()
	it := m.docs.Iterator()
	for it.HasNext() {
		ord := it.Next()
		p := parent[ord]
		s := m.scores[ord]
		a, ok := folded[p]
		if !ok {
			a = &agg{min: math.Inf(1), max: math.Inf(-1)}
			folded[p] = a
		}
		a.sum += s
		a.n++
		a.min = math.Min(a.min, s)
		a.max = math.Max(a.max, s)
		out.docs.Add(p)
	}
	for p, a := range folded {
		switch mode {
		case ScoreModeSum:
			out.scores[p] = a.sum
		case ScoreModeMax:
			out.scores[p] = a.max
		case ScoreModeMin:
			out.scores[p] = a.min
		case ScoreModeNone:
			out.scores[p] = 0
		default:
			out.scores[p] = a.sum / float64(a.n)
		}
	}
	return out
}
