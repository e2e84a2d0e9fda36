package query

import (
	"context"
	"math"
	"net/netip"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/RoaringBitmap/roaring"

	"asterengine/internal/apperr"
	"asterengine/internal/index"
	"asterengine/internal/mapping"
	"asterengine/internal/suggest"
)

const defaultMaxExpansions = 50

// matches is the result of one node over one scope of one segment.
type matches struct {
	docs   *roaring.Bitmap
	scores map[uint32]float64
}

func emptyMatches() *matches {
	return &matches{docs: roaring.New(), scores: map[uint32]float64{}}
}

func constantMatches(docs *roaring.Bitmap, score float64) *matches {
	m := &matches{docs: docs, scores: make(map[uint32]float64, docs.GetCardinality())}
	it := docs.Iterator()
	for it.HasNext() {
		m.scores[it.Next()] = score
	}
	return m
}

// scopeCtx is the evaluation position: one segment and one of its scopes.
type scopeCtx struct {
	seg   int
	view  index.SegmentView
	scope *index.Scope
}

func (c *scopeCtx) path() string {
	return c.scope.Path
}

type evaluator struct {
	ctx    context.Context
	snap   *index.Snapshot
	strict bool
	now    time.Time
}

func (e *evaluator) check() error {
	if err := e.ctx.Err(); err != nil {
		return apperr.Newf(apperr.ErrTimeout, "search timed out: %v", err)
	}
	return nil
}

// field resolves a field mapping. Unmapped fields report ok=false unless the search is
// strict, in which case they are an error.
func (e *evaluator) field(path string) (mapping.FieldMapping, bool, error) {
	fm, err := e.snap.Mapping.Resolve(path)
	if err != nil {
		if e.strict {
			return mapping.FieldMapping{}, false, apperr.NotFoundf("no mapping found for field [%s]", path)
		}
		return mapping.FieldMapping{}, false, nil
	}
	return fm, true, nil
}

// termScorer computes BM25 for one term of one field over the whole snapshot.
type termScorer struct {
	idf   float64
	k1    float64
	b     float64
	avgdl float64
	boost float64
}

func (e *evaluator) scorer(scope, field, term string, boost float64) termScorer {
	stats := e.snap.FieldStats(scope, field)
	df := float64(e.snap.DocFreq(scope, field, term))
	n := float64(stats.DocCount)
	return termScorer{
		idf:   math.Log(1 + (n-df+0.5)/(df+0.5)),
		k1:    e.snap.Similarity.K1,
		b:     e.snap.Similarity.B,
		avgdl: stats.AvgLength(),
		boost: boost,
	}
}

func (t termScorer) score(tf, length int) float64 {
	if tf == 0 {
		return 0
	}
	f := float64(tf)
	norm := t.k1 * (1 - t.b + t.b*float64(length)/t.avgdl)
	return t.boost * t.idf * (f * (t.k1 + 1)) / (f + norm)
}

// scoreTerm matches one posting list with BM25 scores.
func (e *evaluator) scoreTerm(c *scopeCtx, field, term string, boost float64) *matches {
	fi := c.scope.Field(field)
	p := fi.Posting(term)
	if p == nil {
		return emptyMatches()
	}
	sc := e.scorer(c.path(), field, term, boost)
	m := &matches{docs: p.Docs.Clone(), scores: make(map[uint32]float64, p.Docs.GetCardinality())}
	it := p.Docs.Iterator()
	for it.HasNext() {
		ord := it.Next()
		m.scores[ord] = sc.score(p.Freqs[ord], fi.Lengths[ord])
	}
	return m
}

// union merges o into m, summing scores.
func (m *matches) union(o *matches) {
	m.docs.Or(o.docs)
	for ord, s := range o.scores {
		m.scores[ord] += s
	}
}

func (m *matches) restrict(docs *roaring.Bitmap) {
	m.docs.And(docs)
	for ord := range m.scores {
		if !m.docs.Contains(ord) {
			delete(m.scores, ord)
		}
	}
}

func (q MatchAll) eval(e *evaluator, c *scopeCtx) (*matches, error) {
	if err := e.check(); err != nil {
		return nil, err
	}
	return constantMatches(c.scope.All(), boostOr1(q.Boost)), nil
}

func (MatchNone) eval(e *evaluator, _ *scopeCtx) (*matches, error) {
	if err := e.check(); err != nil {
		return nil, err
	}
	return emptyMatches(), nil
}

func (q Term) eval(e *evaluator, c *scopeCtx) (*matches, error) {
	if err := e.check(); err != nil {
		return nil, err
	}
	fm, ok, err := e.field(q.Field)
	if err != nil || !ok {
		return emptyMatches(), err
	}
	term, err := index.EncodeTerm(fm, q.Value)
	if err != nil {
		return nil, err
	}
	if q.CaseInsensitive {
		fi := c.scope.Field(q.Field)
		out := emptyMatches()
		for _, t := range fi.SortedTerms() {
			if strings.EqualFold(t, term) {
				out.union(e.scoreTerm(c, q.Field, t, boostOr1(q.Boost)))
			}
		}
		return out, nil
	}
	if fm.Type == mapping.FieldTypeText || fm.Type == mapping.FieldTypeKeyword {
		return e.scoreTerm(c, q.Field, term, boostOr1(q.Boost)), nil
	}
	p := c.scope.Field(q.Field).Posting(term)
	if p == nil {
		return emptyMatches(), nil
	}
	return constantMatches(p.Docs.Clone(), boostOr1(q.Boost)), nil
}

func (q Terms) eval(e *evaluator, c *scopeCtx) (*matches, error) {
	if err := e.check(); err != nil {
		return nil, err
	}
	fm, ok, err := e.field(q.Field)
	if err != nil || !ok {
		return emptyMatches(), err
	}
	fi := c.scope.Field(q.Field)
	docs := roaring.New()
	for _, v := range q.Values {
		term, err := index.EncodeTerm(fm, v)
		if err != nil {
			return nil, err
		}
		if p := fi.Posting(term); p != nil {
			docs.Or(p.Docs)
		}
	}
	return constantMatches(docs, boostOr1(q.Boost)), nil
}

func (q Prefix) eval(e *evaluator, c *scopeCtx) (*matches, error) {
	return e.dictionaryScan(c, q.Field, q.Boost, func(fi *index.FieldIndex) []string {
		if !q.CaseInsensitive {
			return fi.TermsWithPrefix(q.Value)
		}
		prefix := strings.ToLower(q.Value)
		var out []string
		for _, t := range fi.SortedTerms() {
			if strings.HasPrefix(strings.ToLower(t), prefix) {
				out = append(out, t)
			}
		}
		return out
	})
}

func (q Wildcard) eval(e *evaluator, c *scopeCtx) (*matches, error) {
	pattern := q.Value
	if q.CaseInsensitive {
		pattern = strings.ToLower(pattern)
	}
	return e.dictionaryScan(c, q.Field, q.Boost, func(fi *index.FieldIndex) []string {
		candidates := fi.SortedTerms()
		if lit := literalPrefix(pattern); lit != "" && !q.CaseInsensitive {
			candidates = fi.TermsWithPrefix(lit)
		}
		var out []string
		for _, t := range candidates {
			s := t
			if q.CaseInsensitive {
				s = strings.ToLower(t)
			}
			if wildcardMatch(pattern, s) {
				out = append(out, t)
			}
		}
		return out
	})
}

// dictionaryScan unions the postings of every dictionary term selected by pick with a
// constant score.
func (e *evaluator) dictionaryScan(c *scopeCtx, field string, boost float64, pick func(*index.FieldIndex) []string) (*matches, error) {
	if err := e.check(); err != nil {
		return nil, err
	}
	if _, ok, err := e.field(field); err != nil || !ok {
		return emptyMatches(), err
	}
	fi := c.scope.Field(field)
	if fi == nil {
		return emptyMatches(), nil
	}
	docs := roaring.New()
	for _, t := range pick(fi) {
		docs.Or(fi.Terms[t].Docs)
	}
	return constantMatches(docs, boostOr1(boost)), nil
}

func literalPrefix(pattern string) string {
	if i := strings.IndexAny(pattern, "*?"); i >= 0 {
		return pattern[:i]
	}
	return pattern
}

// wildcardMatch reports whether s matches pattern, where '?' is exactly one rune and '*'
// any run of runes.
func wildcardMatch(pattern, s string) bool {
	p, str := []rune(pattern), []rune(s)
	pi, si := 0, 0
	star, mark := -1, 0
	for si < len(str) {
		switch {
		case pi < len(p) && (p[pi] == '?' || p[pi] == str[si]):
			pi++
			si++
		case pi < len(p) && p[pi] == '*':
			star, mark = pi, si
			pi++
		case star >= 0:
			pi = star + 1
			mark++
			si = mark
		default:
			return false
		}
	}
	for pi < len(p) && p[pi] == '*' {
		pi++
	}
	return pi == len(p)
}

// expansion is a dictionary term within edit distance of a query term.
type expansion struct {
	term     string
	distance int
}

// expand returns the dictionary terms of fi within edits of term that share its first
// prefixLength runes, closest first.
func expand(fi *index.FieldIndex, term string, edits, prefixLength, maxExpansions int) []expansion {
	if edits == 0 {
		if fi.Posting(term) == nil {
			return nil
		}
		return []expansion{{term: term}}
	}
	prefix := term
	if utf8.RuneCountInString(term) > prefixLength {
		prefix = string([]rune(term)[:prefixLength])
	}
	target := []rune(term)
	var out []expansion
	for _, t := range fi.TermsWithPrefix(prefix) {
		if d, ok := suggest.BoundedLevenshtein(target, []rune(t), edits); ok {
			out = append(out, expansion{term: t, distance: d})
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].distance != out[j].distance {
			return out[i].distance < out[j].distance
		}
		return out[i].term < out[j].term
	})
	if maxExpansions <= 0 {
		maxExpansions = defaultMaxExpansions
	}
	if len(out) > maxExpansions {
		out = out[:maxExpansions]
	}
	return out
}

// scoreExpansions unions the BM25 matches of every expansion, damping scores by edit
// distance.
func (e *evaluator) scoreExpansions(c *scopeCtx, field string, exps []expansion, boost float64) *matches {
	out := emptyMatches()
	for _, x := range exps {
		m := e.scoreTerm(c, field, x.term, boost/float64(1+x.distance))
		for ord, s := range m.scores {
			if s > out.scores[ord] {
				out.scores[ord] = s
			}
		}
		out.docs.Or(m.docs)
	}
	return out
}

func (q Fuzzy) eval(e *evaluator, c *scopeCtx) (*matches, error) {
	if err := e.check(); err != nil {
		return nil, err
	}
	if _, ok, err := e.field(q.Field); err != nil || !ok {
		return emptyMatches(), err
	}
	fuzziness := q.Fuzziness
	if fuzziness == "" {
		fuzziness = "AUTO"
	}
	edits, err := ResolveFuzziness(fuzziness, q.Value)
	if err != nil {
		return nil, err
	}
	exps := expand(c.scope.Field(q.Field), q.Value, edits, q.PrefixLength, q.MaxExpansions)
	return e.scoreExpansions(c, q.Field, exps, boostOr1(q.Boost)), nil
}

func (q Exists) eval(e *evaluator, c *scopeCtx) (*matches, error) {
	if err := e.check(); err != nil {
		return nil, err
	}
	if _, ok, err := e.field(q.Field); err != nil || !ok {
		return emptyMatches(), err
	}
	docs := roaring.New()
	prefix := q.Field + "."
	for path, fi := range c.scope.Fields {
		if path == q.Field || strings.HasPrefix(path, prefix) {
			docs.Or(fi.Docs)
		}
	}
	return constantMatches(docs, 1), nil
}

func (q IDs) eval(e *evaluator, c *scopeCtx) (*matches, error) {
	if err := e.check(); err != nil {
		return nil, err
	}
	docs := roaring.New()
	if c.path() == "" {
		for _, id := range q.Values {
			if ord, ok := c.view.Segment.Ordinal(id); ok {
				docs.Add(ord)
			}
		}
	}
	return constantMatches(docs, 1), nil
}

func (q Range) eval(e *evaluator, c *scopeCtx) (*matches, error) {
	if err := e.check(); err != nil {
		return nil, err
	}
	fm, ok, err := e.field(q.Field)
	if err != nil || !ok {
		return emptyMatches(), err
	}
	fi := c.scope.Field(q.Field)
	if fi == nil {
		return emptyMatches(), nil
	}

	var docs *roaring.Bitmap
	switch {
	case fm.Type.IsNumeric() || fm.Type == mapping.FieldTypeDate || fm.Type == mapping.FieldTypeBoolean:
		b, err := q.numericBounds(e, fm)
		if err != nil {
			return nil, err
		}
		docs = matchNumbers(fi, b)
	case fm.Type == mapping.FieldTypeDateRange:
		b, err := q.numericBounds(e, fm)
		if err != nil {
			return nil, err
		}
		docs = matchRanges(fi, b, q.Relation)
	case fm.Type == mapping.FieldTypeIP:
		docs, err = q.matchIPs(fi)
		if err != nil {
			return nil, err
		}
	case fm.Type == mapping.FieldTypeText || fm.Type == mapping.FieldTypeKeyword:
		docs = q.matchTerms(fi)
	default:
		return nil, apperr.Validationf("field [%s] of type [%s] does not support range queries", q.Field, fm.Type)
	}
	return constantMatches(docs, boostOr1(q.Boost)), nil
}

// bounds is a closed numeric interval.
type bounds struct {
	lo, hi float64
}

func (b bounds) contains(v float64) bool {
	return v >= b.lo && v <= b.hi
}

func (q Range) numericBounds(e *evaluator, fm mapping.FieldMapping) (bounds, error) {
	b := bounds{lo: math.Inf(-1), hi: math.Inf(1)}
	format := q.Format
	if format == "" {
		format = fm.Format
	}
	dateLike := fm.Type == mapping.FieldTypeDate || fm.Type == mapping.FieldTypeDateRange
	// Dates are whole milliseconds, so exclusive bounds step by one.
	step := func(v float64, up bool) float64 {
		if dateLike {
			if up {
				return v + 1
			}
			return v - 1
		}
		if up {
			return math.Nextafter(v, math.Inf(1))
		}
		return math.Nextafter(v, math.Inf(-1))
	}
	parse := func(v any) (float64, error) {
		if dateLike {
			return mapping.ResolveDateMath(v, format, e.now)
		}
		if fm.Type == mapping.FieldTypeBoolean {
			if bv, ok := v.(bool); ok {
				if bv {
					return 1, nil
				}
				return 0, nil
			}
		}
		if n, ok := mapping.ToFloat(v); ok {
			return n, nil
		}
		if s, ok := v.(string); ok {
			if n, err := strconv.ParseFloat(strings.TrimSpace(s), 64); err == nil {
				return n, nil
			}
		}
		return 0, apperr.Validationf("invalid range bound [%v] for field [%s]", v, fm.Path)
	}

	if q.GTE != nil {
		v, err := parse(q.GTE)
		if err != nil {
			return b, err
		}
		b.lo = math.Max(b.lo, v)
	}
	if q.GT != nil {
		v, err := parse(q.GT)
		if err != nil {
			return b, err
		}
		b.lo = math.Max(b.lo, step(v, true))
	}
	if q.LTE != nil {
		v, err := parse(q.LTE)
		if err != nil {
			return b, err
		}
		b.hi = math.Min(b.hi, v)
	}
	if q.LT != nil {
		v, err := parse(q.LT)
		if err != nil {
			return b, err
		}
		b.hi = math.Min(b.hi, step(v, false))
	}
	return b, nil
}

func matchNumbers(fi *index.FieldIndex, b bounds) *roaring.Bitmap {
	docs := roaring.New()
	for ord, values := range fi.Numbers {
		for _, v := range values {
			if b.contains(v) {
				docs.Add(ord)
				break
			}
		}
	}
	return docs
}

func matchRanges(fi *index.FieldIndex, b bounds, rel Relation) *roaring.Bitmap {
	docs := roaring.New()
	for ord, ranges := range fi.Ranges {
		for _, r := range ranges {
			var hit bool
			switch rel {
			case RelationWithin:
				hit = r.Gte >= b.lo && r.Lte <= b.hi
			case RelationContains:
				hit = r.Gte <= b.lo && r.Lte >= b.hi
			default:
				hit = r.Gte <= b.hi && r.Lte >= b.lo
			}
			if hit {
				docs.Add(ord)
				break
			}
		}
	}
	return docs
}

func (q Range) matchIPs(fi *index.FieldIndex) (*roaring.Bitmap, error) {
	parse := func(v any) (netip.Addr, error) {
		s, _ := v.(string)
		addr, err := netip.ParseAddr(strings.TrimSpace(s))
		if err != nil {
			return netip.Addr{}, apperr.Validationf("[%v] is not an IP string literal", v)
		}
		return addr.Unmap(), nil
	}
	type bound struct {
		addr      netip.Addr
		set       bool
		inclusive bool
	}
	var lo, hi bound
	for _, c := range []struct {
		v         any
		dst       *bound
		inclusive bool
	}{{q.GTE, &lo, true}, {q.GT, &lo, false}, {q.LTE, &hi, true}, {q.LT, &hi, false}} {
		if c.v == nil {
			continue
		}
		addr, err := parse(c.v)
		if err != nil {
			return nil, err
		}
		*c.dst = bound{addr: addr, set: true, inclusive: c.inclusive}
	}

	docs := roaring.New()
	for ord, values := range fi.Strings {
		for _, s := range values {
			addr, err := netip.ParseAddr(s)
			if err != nil {
				continue
			}
			addr = addr.Unmap()
			if lo.set {
				cmp := addr.Compare(lo.addr)
				if cmp < 0 || (cmp == 0 && !lo.inclusive) {
					continue
				}
			}
			if hi.set {
				cmp := addr.Compare(hi.addr)
				if cmp > 0 || (cmp == 0 && !hi.inclusive) {
					continue
				}
			}
			docs.Add(ord)
			break
		}
	}
	return docs, nil
}

// matchTerms applies lexicographic bounds to the term dictionary.
func (q Range) matchTerms(fi *index.FieldIndex) *roaring.Bitmap {
	str := func(v any) (string, bool) {
		if v == nil {
			return "", false
		}
		if s, ok := v.(string); ok {
			return s, true
		}
		if n, ok := mapping.ToFloat(v); ok {
			return index.NumericTerm(n), true
		}
		return "", false
	}
	docs := roaring.New()
	gte, hasGTE := str(q.GTE)
	gt, hasGT := str(q.GT)
	lte, hasLTE := str(q.LTE)
	lt, hasLT := str(q.LT)
	for _, t := range fi.SortedTerms() {
		if (hasGTE && t < gte) || (hasGT && t <= gt) || (hasLTE && t > lte) || (hasLT && t >= lt) {
			continue
		}
		docs.Or(fi.Terms[t].Docs)
	}
	return docs
}
