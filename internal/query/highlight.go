package query

import (
	"encoding/json"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"

	"asterengine/internal/index"
	"asterengine/internal/mapping"
	"asterengine/internal/suggest"
)

const (
	defaultPreTag            = "<em>"
	defaultPostTag           = "</em>"
	defaultFragmentSize      = 100
	defaultNumberOfFragments = 5
)

// Highlight requests fragments of matching field values with the matched terms wrapped in
// tags. Fields may contain wildcards.
type Highlight struct {
	Fields            []string
	PreTag            string
	PostTag           string
	FragmentSize      int
	NumberOfFragments int
	// WholeValue returns every matching value in full instead of fragments.
	WholeValue bool
}

// termMatcher recognizes the indexed terms a query matched in one field.
type termMatcher struct {
	exact map[string]bool
	preds []func(string) bool
}

func (m *termMatcher) match(term string) bool {
	if m.exact[term] {
		return true
	}
	for _, p := range m.preds {
		if p(term) {
			return true
		}
	}
	return false
}

type highlighter struct {
	e      *evaluator
	opts   Highlight
	fields map[string]*termMatcher
}

func newHighlighter(e *evaluator, q Query, opts Highlight) *highlighter {
	if opts.PreTag == "" {
		opts.PreTag = defaultPreTag
	}
	if opts.PostTag == "" {
		opts.PostTag = defaultPostTag
	}
	if opts.FragmentSize <= 0 {
		opts.FragmentSize = defaultFragmentSize
	}
	if opts.NumberOfFragments <= 0 {
		opts.NumberOfFragments = defaultNumberOfFragments
	}
	h := &highlighter{e: e, opts: opts, fields: map[string]*termMatcher{}}
	h.collect(q)
	return h
}

func (h *highlighter) matcher(field string) *termMatcher {
	m, ok := h.fields[field]
	if !ok {
		m = &termMatcher{exact: map[string]bool{}}
		h.fields[field] = m
	}
	return m
}

func (h *highlighter) analyzedTerms(field, text, override string) []string {
	fm, err := h.e.snap.Mapping.Resolve(field)
	if err != nil {
		return nil
	}
	if !fm.Type.Analyzed() {
		return []string{text}
	}
	a, err := h.e.analyzer(fm, override)
	if err != nil {
		return nil
	}
	return a.Terms(text)
}

// collect walks the scoring and filtering clauses of q. must_not clauses never highlight.
func (h *highlighter) collect(q Query) {
	switch q := q.(type) {
	case Term:
		if fm, err := h.e.snap.Mapping.Resolve(q.Field); err == nil {
			if term, err := index.EncodeTerm(fm, q.Value); err == nil {
				if q.CaseInsensitive {
					h.matcher(q.Field).preds = append(h.matcher(q.Field).preds, func(t string) bool { return strings.EqualFold(t, term) })
				} else {
					h.matcher(q.Field).exact[term] = true
				}
			}
		}
	case Terms:
		if fm, err := h.e.snap.Mapping.Resolve(q.Field); err == nil {
			for _, v := range q.Values {
				if term, err := index.EncodeTerm(fm, v); err == nil {
					h.matcher(q.Field).exact[term] = true
				}
			}
		}
	case Match:
		h.collectText(q.Field, queryText(q.Query), q.Analyzer, q.Fuzziness, q.PrefixLength)
	case MatchPhrase:
		h.collectText(q.Field, q.Query, q.Analyzer, "", 0)
	case MultiMatch:
		fields, err := h.e.expandFields(q.Fields)
		if err != nil {
			return
		}
		for _, f := range fields {
			h.collectText(f.path, q.Query, "", q.Fuzziness, 0)
		}
	case Prefix:
		value, ci := q.Value, q.CaseInsensitive
		h.addPred(q.Field, func(t string) bool {
			if ci {
				return strings.HasPrefix(strings.ToLower(t), strings.ToLower(value))
			}
			return strings.HasPrefix(t, value)
		})
	case Wildcard:
		pattern, ci := q.Value, q.CaseInsensitive
		if ci {
			pattern = strings.ToLower(pattern)
		}
		h.addPred(q.Field, func(t string) bool {
			if ci {
				t = strings.ToLower(t)
			}
			return wildcardMatch(pattern, t)
		})
	case Fuzzy:
		fuzziness := q.Fuzziness
		if fuzziness == "" {
			fuzziness = "AUTO"
		}
		h.addFuzzy(q.Field, q.Value, fuzziness, q.PrefixLength)
	case Bool:
		for _, group := range [][]Query{q.Must, q.Should, q.Filter} {
			for _, sub := range group {
				h.collect(sub)
			}
		}
	case Nested:
		if q.Query != nil {
			h.collect(q.Query)
		}
	}
}

func (h *highlighter) addPred(field string, p func(string) bool) {
	m := h.matcher(field)
	m.preds = append(m.preds, p)
}

func (h *highlighter) collectText(field, text, analyzer, fuzziness string, prefixLength int) {
	for _, term := range h.analyzedTerms(field, text, analyzer) {
		if fuzziness == "" {
			h.matcher(field).exact[term] = true
			continue
		}
		h.addFuzzy(field, term, fuzziness, prefixLength)
	}
}

func (h *highlighter) addFuzzy(field, term, fuzziness string, prefixLength int) {
	edits, err := ResolveFuzziness(fuzziness, term)
	if err != nil {
		return
	}
	target := []rune(term)
	prefix := term
	if len(target) > prefixLength {
		prefix = string(target[:prefixLength])
	}
	h.addPred(field, func(t string) bool {
		if !strings.HasPrefix(t, prefix) {
			return false
		}
		_, ok := suggest.BoundedLevenshtein(target, []rune(t), edits)
		return ok
	})
}

// requested expands the requested field patterns against the mapping.
func (h *highlighter) requested() []string {
	var out []string
	seen := map[string]bool{}
	for _, pattern := range h.opts.Fields {
		paths := []string{pattern}
		if strings.Contains(pattern, "*") {
			paths = h.e.snap.Mapping.Match(pattern)
		}
		for _, p := range paths {
			if !seen[p] {
				seen[p] = true
				out = append(out, p)
			}
		}
	}
	return out
}

func (h *highlighter) highlight(source json.RawMessage) map[string][]string {
	var doc map[string]any
	if err := json.Unmarshal(source, &doc); err != nil {
		return nil
	}
	out := map[string][]string{}
	for _, field := range h.requested() {
		m, ok := h.fields[field]
		if !ok {
			continue
		}
		fm, err := h.e.snap.Mapping.Resolve(field)
		if err != nil || (fm.Type != mapping.FieldTypeText && fm.Type != mapping.FieldTypeKeyword) {
			continue
		}
		sourcePath := field
		if fm.MultiFieldOf != "" {
			sourcePath = fm.MultiFieldOf
		}
		var fragments []string
		for _, value := range sourceStrings(doc, sourcePath) {
			spans := h.spans(fm, value, m)
			if len(spans) == 0 {
				continue
			}
			fragments = append(fragments, h.fragments(value, spans)...)
			if !h.opts.WholeValue && len(fragments) >= h.opts.NumberOfFragments {
				fragments = fragments[:h.opts.NumberOfFragments]
				break
			}
		}
		if len(fragments) > 0 {
			out[field] = fragments
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

type span struct {
	start, end int
}

// spans returns the merged byte ranges of value whose tokens matched.
func (h *highlighter) spans(fm mapping.FieldMapping, value string, m *termMatcher) []span {
	var out []span
	if fm.Type == mapping.FieldTypeKeyword {
		if m.match(value) {
			out = append(out, span{0, len(value)})
		}
		return out
	}
	a, err := h.e.snap.Analyzers.Get(fm.IndexAnalyzer())
	if err != nil {
		return nil
	}
	for _, tok := range a.Analyze(value) {
		if m.match(tok.Term) && tok.EndOffset <= len(value) && tok.StartOffset < tok.EndOffset {
			out = append(out, span{tok.StartOffset, tok.EndOffset})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].start < out[j].start })
	merged := out[:0]
	for _, s := range out {
		if n := len(merged); n > 0 && s.start <= merged[n-1].end {
			merged[n-1].end = max(merged[n-1].end, s.end)
			continue
		}
		merged = append(merged, s)
	}
	return merged
}

func (h *highlighter) fragments(value string, spans []span) []string {
	if h.opts.WholeValue || len(value) <= h.opts.FragmentSize {
		return []string{h.wrap(value, 0, len(value), spans)}
	}
	var out []string
	i := 0
	for i < len(spans) && len(out) < h.opts.NumberOfFragments {
		start := wordStart(value, max(0, spans[i].start-h.opts.FragmentSize/4))
		end := wordEnd(value, min(len(value), start+h.opts.FragmentSize))
		end = max(end, spans[i].end)
		j := i
		for j < len(spans) && spans[j].end <= end {
			j++
		}
		out = append(out, h.wrap(value, start, end, spans[i:j]))
		i = j
	}
	return out
}

func (h *highlighter) wrap(value string, start, end int, spans []span) string {
	var b strings.Builder
	pos := start
	for _, s := range spans {
		if s.start < start || s.end > end {
			continue
		}
		b.WriteString(value[pos:s.start])
		b.WriteString(h.opts.PreTag)
		b.WriteString(value[s.start:s.end])
		b.WriteString(h.opts.PostTag)
		pos = s.end
	}
	b.WriteString(value[pos:end])
	return strings.TrimSpace(b.String())
}

// wordStart moves i forward to the start of the word it falls in, unless it is already at
// one.
func wordStart(s string, i int) int {
	if i == 0 {
		return 0
	}
	for i < len(s) {
		r, _ := utf8.DecodeLastRuneInString(s[:i])
		if unicode.IsSpace(r) {
			return i
		}
		_, size := utf8.DecodeRuneInString(s[i:])
		i += size
	}
	return i
}

// wordEnd moves i back to the end of the previous whole word.
func wordEnd(s string, i int) int {
	if i >= len(s) {
		return len(s)
	}
	for j := i; j > 0; {
		r, size := utf8.DecodeLastRuneInString(s[:j])
		if unicode.IsSpace(r) {
			return j - size
		}
		j -= size
	}
	return i
}

// sourceStrings collects the string values at a dotted path, descending through arrays.
func sourceStrings(doc any, path string) []string {
	if path == "" {
		switch v := doc.(type) {
		case string:
			return []string{v}
		case []any:
			var out []string
			for _, item := range v {
				out = append(out, sourceStrings(item, "")...)
			}
			return out
		}
		return nil
	}
	switch v := doc.(type) {
	case map[string]any:
		if child, ok := v[path]; ok {
			return sourceStrings(child, "")
		}
		head, rest, found := strings.Cut(path, ".")
		if !found {
			return nil
		}
		return sourceStrings(v[head], rest)
	case []any:
		var out []string
		for _, item := range v {
			out = append(out, sourceStrings(item, path)...)
		}
		return out
	}
	return nil
}
