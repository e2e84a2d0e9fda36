package query

import (
	"cmp"
	"context"
	"encoding/json"
	"math"
	"sort"
	"time"

	"github.com/RoaringBitmap/roaring"

	"asterengine/internal/apperr"
	"asterengine/internal/index"
	"asterengine/internal/mapping"
)

const defaultSize = 10

// SortField orders hits by one key. Field is "_score", "_id", "_doc" or a field with doc
// values.
type SortField struct {
	Field        string
	Order        string
	MissingFirst bool
}

func (s SortField) descending() bool {
	if s.Order == "" {
		return s.Field == "_score"
	}
	return s.Order == "desc"
}

// Request is a parsed search request.
type Request struct {
	Query     Query
	From      int
	Size      *int
	Sort      []SortField
	Highlight *Highlight
	MinScore  *float64
	Timeout   time.Duration
	// Strict turns references to unmapped fields into not-found errors.
	Strict bool
	// Now anchors date math; zero means the wall clock.
	Now time.Time
}

// Hit is one returned document.
type Hit struct {
	ID        string              `json:"_id"`
	Score     float64             `json:"_score"`
	Routing   string              `json:"_routing,omitempty"`
	Version   int64               `json:"_version,omitempty"`
	Source    json.RawMessage     `json:"_source"`
	Sort      []any               `json:"sort,omitempty"`
	Highlight map[string][]string `json:"highlight,omitempty"`
}

type Total struct {
	Value    int    `json:"value"`
	Relation string `json:"relation"`
}

type Hits struct {
	Total    Total    `json:"total"`
	MaxScore *float64 `json:"max_score"`
	Hits     []Hit    `json:"hits"`
}

// Response is the result of Search. Matched holds every matching root document, for
// aggregations.
type Response struct {
	Took     int64        `json:"took"`
	TimedOut bool         `json:"timed_out"`
	Hits     Hits         `json:"hits"`
	Matched  index.DocSet `json:"-"`
}

// candidate is one matching document with its resolved sort keys.
type candidate struct {
	seg   int
	ord   uint32
	id    string
	score float64
	keys  []sortKey
}

type sortKey struct {
	missing bool
	num     float64
	str     string
	isStr   bool
}

// Search evaluates req against snap. The snapshot is never modified, so an aborted search
// leaves nothing behind.
func Search(ctx context.Context, snap *index.Snapshot, req Request) (*Response, error) {
	start := time.Now()
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}
	now := req.Now
	if now.IsZero() {
		now = time.Now()
	}
	e := &evaluator{ctx: ctx, snap: snap, strict: req.Strict, now: now}

	q := req.Query
	if q == nil {
		q = MatchAll{}
	}

	matched := make(index.DocSet, len(snap.Segments))
	var candidates []candidate
	for i, view := range snap.Segments {
		c := &scopeCtx{seg: i, view: view, scope: view.Segment.Root()}
		m, err := q.eval(e, c)
		if err != nil {
			return nil, err
		}
		m.docs.And(view.Live(c.scope))
		if req.MinScore != nil {
			below := roaring.New()
			it := m.docs.Iterator()
			for it.HasNext() {
				ord := it.Next()
				if m.scores[ord] < *req.MinScore {
					below.Add(ord)
				}
			}
			m.docs.AndNot(below)
		}
		matched[i] = m.docs
		it := m.docs.Iterator()
		for it.HasNext() {
			ord := it.Next()
			candidates = append(candidates, candidate{seg: i, ord: ord, id: view.Segment.Docs[ord].ID, score: m.scores[ord]})
		}
	}
	if err := e.check(); err != nil {
		return nil, err
	}

	sorts := req.Sort
	if len(sorts) == 0 {
		sorts = []SortField{{Field: "_score", Order: "desc"}}
	}
	if err := e.resolveSortKeys(candidates, sorts); err != nil {
		return nil, err
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return lessCandidate(candidates[i], candidates[j], sorts)
	})

	resp := &Response{Matched: matched}
	resp.Hits.Total = Total{Value: len(candidates), Relation: "eq"}
	if len(candidates) > 0 {
		best := math.Inf(-1)
		for _, c := range candidates {
			best = math.Max(best, c.score)
		}
		resp.Hits.MaxScore = &best
	}

	size := defaultSize
	if req.Size != nil {
		size = *req.Size
	}
	from := max(req.From, 0)
	if size < 0 || from > len(candidates) {
		size = 0
	}
	end := min(from+size, len(candidates))
	var hl *highlighter
	if req.Highlight != nil {
		hl = newHighlighter(e, q, *req.Highlight)
	}
	resp.Hits.Hits = make([]Hit, 0, max(end-from, 0))
	for _, c := range candidates[min(from, len(candidates)):end] {
		doc := snap.Doc(c.seg, c.ord)
		hit := Hit{ID: doc.ID, Score: c.score, Routing: doc.Routing, Version: doc.Version, Source: doc.Source}
		if len(req.Sort) > 0 {
			hit.Sort = sortValues(c, sorts)
		}
		if hl != nil {
			hit.Highlight = hl.highlight(doc.Source)
		}
		resp.Hits.Hits = append(resp.Hits.Hits, hit)
	}
	resp.Took = time.Since(start).Milliseconds()
	return resp, nil
}

// Filter returns the live root documents matching q, ignoring scores.
func Filter(ctx context.Context, snap *index.Snapshot, q Query, now time.Time) (index.DocSet, error) {
	if now.IsZero() {
		now = time.Now()
	}
	e := &evaluator{ctx: ctx, snap: snap, now: now}
	out := make(index.DocSet, len(snap.Segments))
	for i, view := range snap.Segments {
		c := &scopeCtx{seg: i, view: view, scope: view.Segment.Root()}
		m, err := q.eval(e, c)
		if err != nil {
			return nil, err
		}
		m.docs.And(view.Live(c.scope))
		out[i] = m.docs
	}
	return out, nil
}

func (e *evaluator) resolveSortKeys(candidates []candidate, sorts []SortField) error {
	for k, s := range sorts {
		switch s.Field {
		case "_score", "_id", "_doc":
			continue
		}
		fm, ok, err := e.field(s.Field)
		if err != nil {
			return err
		}
		if ok && (fm.Type == mapping.FieldTypeText || fm.Type.IsContainer()) {
			return apperr.Validationf("field [%s] of type [%s] cannot be used for sorting", s.Field, fm.Type)
		}
		desc := s.descending()
		for i := range candidates {
			if i%1024 == 0 {
				if err := e.check(); err != nil {
					return err
				}
			}
			c := &candidates[i]
			if c.keys == nil {
				c.keys = make([]sortKey, len(sorts))
			}
			c.keys[k] = sortKey{missing: true}
			if !ok {
				continue
			}
			fi := e.snap.Segments[c.seg].Segment.Root().Field(s.Field)
			if fi == nil {
				continue
			}
			if nums := fi.Numbers[c.ord]; len(nums) > 0 {
				v := nums[0]
				for _, n := range nums[1:] {
					if (desc && n > v) || (!desc && n < v) {
						v = n
					}
				}
				c.keys[k] = sortKey{num: v}
			} else if strs := fi.Strings[c.ord]; len(strs) > 0 {
				v := strs[0]
				for _, str := range strs[1:] {
					if (desc && str > v) || (!desc && str < v) {
						v = str
					}
				}
				c.keys[k] = sortKey{str: v, isStr: true}
			}
		}
	}
	return nil
}

func lessCandidate(a, b candidate, sorts []SortField) bool {
	for k, s := range sorts {
		var c int
		switch s.Field {
		case "_score":
			c = cmp.Compare(a.score, b.score)
		case "_id":
			c = cmp.Compare(a.id, b.id)
		case "_doc":
			c = cmp.Compare(float64(a.seg), float64(b.seg))
			if c == 0 {
				c = cmp.Compare(float64(a.ord), float64(b.ord))
			}
		default:
			ka, kb := a.keys[k], b.keys[k]
			if ka.missing || kb.missing {
				if ka.missing == kb.missing {
					continue
				}
				// Missing values go last regardless of direction unless asked otherwise.
				return kb.missing != s.MissingFirst
			}
			if ka.isStr {
				c = cmp.Compare(ka.str, kb.str)
			} else {
				c = cmp.Compare(ka.num, kb.num)
			}
		}
		if c == 0 {
			continue
		}
		if s.descending() {
			return c > 0
		}
		return c < 0
	}
	// Ties break on id.
	return a.id < b.id
}

func sortValues(c candidate, sorts []SortField) []any {
	out := make([]any, len(sorts))
	for k, s := range sorts {
		switch s.Field {
		case "_score":
			out[k] = c.score
		case "_id":
			out[k] = c.id
		case "_doc":
			out[k] = c.ord
		default:
			key := c.keys[k]
			switch {
			case key.missing:
				out[k] = nil
			case key.isStr:
				out[k] = key.str
			default:
				out[k] = key.num
			}
		}
	}
	return out
}
