package query

import (
	"math"
	"sort"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/RoaringBitmap/roaring"

	"asterengine/internal/analysis"
	"asterengine/internal/apperr"
	"asterengine/internal/index"
	"asterengine/internal/mapping"
)

// ResolveFuzziness turns a fuzziness setting into an edit budget for term. AUTO allows no
// edits up to two runes, one edit up to five and two beyond; AUTO:low,high moves those
// thresholds.
func ResolveFuzziness(spec, term string) (int, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return 0, nil
	}
	if strings.HasPrefix(strings.ToUpper(spec), "AUTO") {
		low, high := 3, 6
		if rest := spec[len("AUTO"):]; rest != "" {
			parts := strings.Split(strings.TrimPrefix(rest, ":"), ",")
			if len(parts) != 2 {
				return 0, apperr.Validationf("invalid fuzziness [%s]", spec)
			}
			l, err1 := strconv.Atoi(parts[0])
			h, err2 := strconv.Atoi(parts[1])
			if err1 != nil || err2 != nil || l > h {
				return 0, apperr.Validationf("invalid fuzziness [%s]", spec)
			}
			low, high = l, h
		}
		n := utf8.RuneCountInString(term)
		switch {
		case n < low:
			return 0, nil
		case n < high:
			return 1, nil
		default:
			return 2, nil
		}
	}
	n, err := strconv.ParseFloat(spec, 64)
	if err != nil || n < 0 {
		return 0, apperr.Validationf("invalid fuzziness [%s]", spec)
	}
	return min(int(n), 2), nil
}

// MinimumShouldMatch resolves a minimum_should_match setting against the number of
// optional clauses. It accepts an integer, a percentage, or negative forms of either
// meaning "all but". The result is clamped to [0, optional].
func MinimumShouldMatch(spec string, optional, fallback int) (int, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return fallback, nil
	}
	var n int
	if pct, ok := strings.CutSuffix(spec, "%"); ok {
		p, err := strconv.ParseFloat(pct, 64)
		if err != nil {
			return 0, apperr.Validationf("invalid minimum_should_match [%s]", spec)
		}
		if p < 0 {
			n = optional - int(math.Floor(float64(optional)*-p/100))
		} else {
			n = int(math.Floor(float64(optional) * p / 100))
		}
	} else {
		v, err := strconv.Atoi(spec)
		if err != nil {
			return 0, apperr.Validationf("invalid minimum_should_match [%s]", spec)
		}
		if v < 0 {
			n = optional + v
		} else {
			n = v
		}
	}
	return max(0, min(n, optional)), nil
}

// queryText renders a match query value as text.
func queryText(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case bool:
		return index.BoolTerm(t)
	}
	if n, ok := mapping.ToFloat(v); ok {
		return index.NumericTerm(n)
	}
	return ""
}

func (e *evaluator) analyzer(fm mapping.FieldMapping, override string) (*analysis.Analyzer, error) {
	name := override
	if name == "" {
		name = fm.QueryAnalyzer()
	}
	return e.snap.Analyzers.Get(name)
}

// clause is one query position; tokens sharing a position are synonyms.
type clause struct {
	offset int
	terms  []string
}

func groupByPosition(tokens []analysis.Token) []clause {
	var out []clause
	byPos := map[int]int{}
	for _, tok := range tokens {
		i, ok := byPos[tok.Position]
		if !ok {
			i = len(out)
			byPos[tok.Position] = i
			out = append(out, clause{offset: tok.Position})
		}
		out[i].terms = append(out[i].terms, tok.Term)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].offset < out[j].offset })
	if len(out) > 0 {
		base := out[0].offset
		for i := range out {
			out[i].offset -= base
		}
	}
	return out
}

func (q Match) eval(e *evaluator, c *scopeCtx) (*matches, error) {
	if err := e.check(); err != nil {
		return nil, err
	}
	fm, ok, err := e.field(q.Field)
	if err != nil || !ok {
		return emptyMatches(), err
	}
	boost := boostOr1(q.Boost)

	if !fm.Type.Analyzed() {
		if fm.Type == mapping.FieldTypeKeyword && q.Fuzziness != "" {
			return Fuzzy{Field: q.Field, Value: queryText(q.Query), Fuzziness: q.Fuzziness, PrefixLength: q.PrefixLength, MaxExpansions: q.MaxExpansions, Boost: boost}.eval(e, c)
		}
		return Term{Field: q.Field, Value: q.Query, Boost: boost}.eval(e, c)
	}

	a, err := e.analyzer(fm, q.Analyzer)
	if err != nil {
		return nil, err
	}
	groups := groupByPosition(a.Analyze(queryText(q.Query)))
	if len(groups) == 0 {
		if q.ZeroTermsAll {
			return MatchAll{Boost: boost}.eval(e, c)
		}
		return emptyMatches(), nil
	}

	fi := c.scope.Field(q.Field)
	perClause := make([]*matches, len(groups))
	for i, g := range groups {
		m := emptyMatches()
		for _, term := range g.terms {
			edits, err := ResolveFuzziness(q.Fuzziness, term)
			if err != nil {
				return nil, err
			}
			if edits == 0 {
				m.union(e.scoreTerm(c, q.Field, term, boost))
				continue
			}
			m.union(e.scoreExpansions(c, q.Field, expand(fi, term, edits, q.PrefixLength, q.MaxExpansions), boost))
		}
		perClause[i] = m
	}

	required := len(groups)
	if q.Operator != OperatorAnd {
		required, err = MinimumShouldMatch(q.MinimumShouldMatch, len(groups), 1)
		if err != nil {
			return nil, err
		}
		required = max(required, 1)
	}
	return atLeast(perClause, required), nil
}

// atLeast keeps ordinals matched by at least required of the clause results, summing their
// scores.
func atLeast(results []*matches, required int) *matches {
	counts := map[uint32]int{}
	all := emptyMatches()
	for _, m := range results {
		it := m.docs.Iterator()
		for it.HasNext() {
			counts[it.Next()]++
		}
		all.union(m)
	}
	if required <= 1 {
		return all
	}
	keep := roaring.New()
	for ord, n := range counts {
		if n >= required {
			keep.Add(ord)
		}
	}
	all.restrict(keep)
	return all
}

func (q MatchPhrase) eval(e *evaluator, c *scopeCtx) (*matches, error) {
	if err := e.check(); err != nil {
		return nil, err
	}
	fm, ok, err := e.field(q.Field)
	if err != nil || !ok {
		return emptyMatches(), err
	}
	boost := boostOr1(q.Boost)
	if !fm.Type.Analyzed() {
		return Term{Field: q.Field, Value: q.Query, Boost: boost}.eval(e, c)
	}
	a, err := e.analyzer(fm, q.Analyzer)
	if err != nil {
		return nil, err
	}
	groups := groupByPosition(a.Analyze(q.Query))
	if len(groups) == 0 {
		return emptyMatches(), nil
	}

	fi := c.scope.Field(q.Field)
	if fi == nil {
		return emptyMatches(), nil
	}
	// Candidates hold every position group.
	var candidates *roaring.Bitmap
	for _, g := range groups {
		docs := roaring.New()
		for _, term := range g.terms {
			if p := fi.Posting(term); p != nil {
				docs.Or(p.Docs)
			}
		}
		if candidates == nil {
			candidates = docs
		} else {
			candidates.And(docs)
		}
	}

	scorers := make([][]termScorer, len(groups))
	for i, g := range groups {
		for _, term := range g.terms {
			scorers[i] = append(scorers[i], e.scorer(c.path(), q.Field, term, boost))
		}
	}

	out := emptyMatches()
	it := candidates.Iterator()
	for it.HasNext() {
		ord := it.Next()
		freq := phraseFreq(fi, ord, groups, q.Slop)
		if freq == 0 {
			continue
		}
		out.docs.Add(ord)
		var score float64
		for i := range groups {
			best := 0.0
			for _, sc := range scorers[i] {
				best = math.Max(best, sc.score(freq, fi.Lengths[ord]))
			}
			score += best
		}
		out.scores[ord] = score
	}
	return out, nil
}

// phraseFreq counts the start positions at which every group occurs at its relative
// offset, each group allowed to move by up to slop positions.
func phraseFreq(fi *index.FieldIndex, ord uint32, groups []clause, slop int) int {
	positions := make([]map[int]bool, len(groups))
	for i, g := range groups {
		positions[i] = map[int]bool{}
		for _, term := range g.terms {
			if p := fi.Posting(term); p != nil {
				for _, pos := range p.Positions[ord] {
					positions[i][pos] = true
				}
			}
		}
	}

	freq := 0
	for start := range positions[0] {
		matched := true
		for i := 1; i < len(groups) && matched; i++ {
			want := start + groups[i].offset
			matched = false
			for d := 0; d <= slop && !matched; d++ {
				matched = positions[i][want+d] || positions[i][want-d]
			}
		}
		if matched {
			freq++
		}
	}
	return freq
}

func (q MultiMatch) eval(e *evaluator, c *scopeCtx) (*matches, error) {
	if err := e.check(); err != nil {
		return nil, err
	}
	fields, err := e.expandFields(q.Fields)
	if err != nil {
		return nil, err
	}

	results := make([]*matches, 0, len(fields))
	for _, f := range fields {
		var sub Query
		switch q.Type {
		case "phrase":
			sub = MatchPhrase{Field: f.path, Query: q.Query, Boost: f.boost}
		default:
			sub = Match{Field: f.path, Query: q.Query, Operator: q.Operator, Fuzziness: q.Fuzziness, MinimumShouldMatch: q.MinimumShouldMatch, Boost: f.boost}
		}
		m, err := sub.eval(e, c)
		if err != nil {
			return nil, err
		}
		results = append(results, m)
	}

	out := emptyMatches()
	for _, m := range results {
		out.docs.Or(m.docs)
	}
	boost := boostOr1(q.Boost)
	it := out.docs.Iterator()
	for it.HasNext() {
		ord := it.Next()
		var best, sum float64
		for _, m := range results {
			s := m.scores[ord]
			sum += s
			best = math.Max(best, s)
		}
		if q.Type == "most_fields" {
			out.scores[ord] = boost * sum
		} else {
			out.scores[ord] = boost * (best + q.TieBreaker*(sum-best))
		}
	}
	return out, nil
}

type boostedField struct {
	path  string
	boost float64
}

// expandFields resolves "name^2" boosts and wildcard patterns. An empty list searches every
// text and keyword field.
func (e *evaluator) expandFields(specs []string) ([]boostedField, error) {
	if len(specs) == 0 {
		specs = []string{"*"}
	}
	var out []boostedField
	seen := map[string]bool{}
	for _, spec := range specs {
		name, boost := spec, 1.0
		if i := strings.LastIndexByte(spec, '^'); i >= 0 {
			b, err := strconv.ParseFloat(spec[i+1:], 64)
			if err != nil {
				return nil, apperr.Validationf("invalid field boost [%s]", spec)
			}
			name, boost = spec[:i], b
		}
		paths := []string{name}
		if strings.Contains(name, "*") {
			paths = nil
			for _, p := range e.snap.Mapping.Match(name) {
				fm, err := e.snap.Mapping.Resolve(p)
				if err == nil && (fm.Type == mapping.FieldTypeText || fm.Type == mapping.FieldTypeKeyword) {
					paths = append(paths, p)
				}
			}
		}
		for _, p := range paths {
			if seen[p] {
				continue
			}
			seen[p] = true
			out = append(out, boostedField{path: p, boost: boost})
		}
	}
	return out, nil
}
