package query

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"asterengine/internal/apperr"
	"asterengine/internal/index"
	"asterengine/internal/mapping"
)

// Parse converts the JSON form of a query ({"match": {"title": "quick fox"}}) into a Query.
// Numbers are expected as float64, as produced by encoding/json.
func Parse(raw any) (Query, error) {
	obj, ok := raw.(map[string]any)
	if !ok || len(obj) != 1 {
		return nil, apperr.Validationf("query must be an object with exactly one query type")
	}
	for kind, body := range obj {
		return parseKind(kind, body)
	}
	return nil, nil
}

func parseKind(kind string, body any) (Query, error) {
	switch kind {
	case "match_all":
		p, err := objectParams(kind, body)
		if err != nil {
			return nil, err
		}
		q := MatchAll{Boost: p.float("boost")}
		return q, p.err
	case "match_none":
		return MatchNone{}, nil
	case "term":
		return parseTerm(body)
	case "terms":
		return parseTerms(body)
	case "match":
		return parseMatch(body)
	case "match_phrase":
		return parseMatchPhrase(body)
	case "multi_match":
		return parseMultiMatch(body)
	case "range":
		return parseRange(body)
	case "bool":
		return parseBool(body)
	case "prefix":
		f, p, err := fieldParams(kind, body, "value")
		if err != nil {
			return nil, err
		}
		q := Prefix{Field: f, Value: p.str("value"), CaseInsensitive: p.bool("case_insensitive"), Boost: p.float("boost")}
		return q, p.err
	case "wildcard":
		f, p, err := fieldParams(kind, body, "value")
		if err != nil {
			return nil, err
		}
		value := p.str("value")
		if value == "" {
			value = p.str("wildcard")
		}
		q := Wildcard{Field: f, Value: value, CaseInsensitive: p.bool("case_insensitive"), Boost: p.float("boost")}
		return q, p.err
	case "fuzzy":
		f, p, err := fieldParams(kind, body, "value")
		if err != nil {
			return nil, err
		}
		q := Fuzzy{
			Field:         f,
			Value:         p.str("value"),
			Fuzziness:     p.loose("fuzziness"),
			PrefixLength:  p.int("prefix_length"),
			MaxExpansions: p.int("max_expansions"),
			Boost:         p.float("boost"),
		}
		return q, p.err
	case "exists":
		p, err := objectParams(kind, body)
		if err != nil {
			return nil, err
		}
		q := Exists{Field: p.str("field")}
		if p.err == nil && q.Field == "" {
			return nil, apperr.Validationf("[exists] requires a field")
		}
		return q, p.err
	case "ids":
		p, err := objectParams(kind, body)
		if err != nil {
			return nil, err
		}
		values, err := stringList(p.m["values"])
		if err != nil {
			return nil, apperr.Validationf("[ids] values: %v", err)
		}
		return IDs{Values: values}, nil
	case "nested":
		return parseNested(body)
	}
	return nil, apperr.Validationf("unknown query [%s]", kind)
}

// params reads typed query parameters, remembering the first type error.
type params struct {
	kind string
	m    map[string]any
	err  error
}

func (p *params) fail(key string, want string) {
	if p.err == nil {
		p.err = apperr.Validationf("[%s] parameter [%s] must be %s", p.kind, key, want)
	}
}

func (p *params) str(key string) string {
	v, ok := p.m[key]
	if !ok || v == nil {
		return ""
	}
	s, ok := v.(string)
	if !ok {
		p.fail(key, "a string")
	}
	return s
}

// loose accepts strings and numbers, for settings like fuzziness and
// minimum_should_match.
func (p *params) loose(key string) string {
	v, ok := p.m[key]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	if n, ok := mapping.ToFloat(v); ok {
		return index.NumericTerm(n)
	}
	p.fail(key, "a string or a number")
	return ""
}

func (p *params) float(key string) float64 {
	v, ok := p.m[key]
	if !ok || v == nil {
		return 0
	}
	n, ok := mapping.ToFloat(v)
	if !ok {
		if s, isStr := v.(string); isStr {
			if f, err := strconv.ParseFloat(s, 64); err == nil {
				return f
			}
		}
		p.fail(key, "a number")
	}
	return n
}

func (p *params) int(key string) int {
	return int(p.float(key))
}

func (p *params) bool(key string) bool {
	v, ok := p.m[key]
	if !ok || v == nil {
		return false
	}
	switch b := v.(type) {
	case bool:
		return b
	case string:
		if b == "true" || b == "false" {
			return b == "true"
		}
	}
	p.fail(key, "a boolean")
	return false
}

func objectParams(kind string, body any) (*params, error) {
	if body == nil {
		return &params{kind: kind, m: map[string]any{}}, nil
	}
	obj, ok := body.(map[string]any)
	if !ok {
		return nil, apperr.Validationf("[%s] query must be an object", kind)
	}
	return &params{kind: kind, m: obj}, nil
}

// fieldParams unpacks the {"field": value} and {"field": {...}} forms. A bare value is
// stored under shorthand.
func fieldParams(kind string, body any, shorthand string) (string, *params, error) {
	obj, ok := body.(map[string]any)
	if !ok {
		return "", nil, apperr.Validationf("[%s] query must be an object", kind)
	}
	var field string
	var value any
	n := 0
	for k, v := range obj {
		if k == "boost" || k == "_name" {
			continue
		}
		field, value = k, v
		n++
	}
	if n != 1 {
		return "", nil, apperr.Validationf("[%s] query requires exactly one field", kind)
	}
	if inner, ok := value.(map[string]any); ok {
		return field, &params{kind: kind, m: inner}, nil
	}
	p := &params{kind: kind, m: map[string]any{shorthand: value}}
	if b, ok := obj["boost"]; ok {
		p.m["boost"] = b
	}
	return field, p, nil
}

func parseTerm(body any) (Query, error) {
	f, p, err := fieldParams("term", body, "value")
	if err != nil {
		return nil, err
	}
	value, ok := p.m["value"]
	if !ok {
		return nil, apperr.Validationf("[term] query requires a value for field [%s]", f)
	}
	q := Term{Field: f, Value: value, CaseInsensitive: p.bool("case_insensitive"), Boost: p.float("boost")}
	return q, p.err
}

func parseTerms(body any) (Query, error) {
	obj, ok := body.(map[string]any)
	if !ok {
		return nil, apperr.Validationf("[terms] query must be an object")
	}
	p := &params{kind: "terms", m: obj}
	q := Terms{Boost: p.float("boost")}
	for k, v := range obj {
		if k == "boost" || k == "_name" {
			continue
		}
		if q.Field != "" {
			return nil, apperr.Validationf("[terms] query requires exactly one field")
		}
		values, ok := v.([]any)
		if !ok {
			return nil, apperr.Validationf("[terms] values for field [%s] must be an array", k)
		}
		q.Field, q.Values = k, values
	}
	if q.Field == "" {
		return nil, apperr.Validationf("[terms] query requires exactly one field")
	}
	return q, p.err
}

func parseMatch(body any) (Query, error) {
	f, p, err := fieldParams("match", body, "query")
	if err != nil {
		return nil, err
	}
	op, err := parseOperator(p.str("operator"))
	if err != nil {
		return nil, err
	}
	q := Match{
		Field:              f,
		Query:              p.m["query"],
		Operator:           op,
		Fuzziness:          p.loose("fuzziness"),
		PrefixLength:       p.int("prefix_length"),
		MaxExpansions:      p.int("max_expansions"),
		MinimumShouldMatch: p.loose("minimum_should_match"),
		Analyzer:           p.str("analyzer"),
		ZeroTermsAll:       strings.EqualFold(p.str("zero_terms_query"), "all"),
		Boost:              p.float("boost"),
	}
	if q.Query == nil {
		return nil, apperr.Validationf("[match] query requires a query for field [%s]", f)
	}
	if _, err := ResolveFuzziness(q.Fuzziness, ""); err != nil {
		return nil, err
	}
	return q, p.err
}

func parseOperator(s string) (Operator, error) {
	switch strings.ToLower(s) {
	case "", "or":
		return OperatorOr, nil
	case "and":
		return OperatorAnd, nil
	}
	return "", apperr.Validationf("unknown operator [%s]", s)
}

func parseMatchPhrase(body any) (Query, error) {
	f, p, err := fieldParams("match_phrase", body, "query")
	if err != nil {
		return nil, err
	}
	q := MatchPhrase{Field: f, Query: p.str("query"), Slop: p.int("slop"), Analyzer: p.str("analyzer"), Boost: p.float("boost")}
	return q, p.err
}

func parseMultiMatch(body any) (Query, error) {
	p, err := objectParams("multi_match", body)
	if err != nil {
		return nil, err
	}
	fields, err := stringList(p.m["fields"])
	if err != nil {
		return nil, apperr.Validationf("[multi_match] fields: %v", err)
	}
	op, err := parseOperator(p.str("operator"))
	if err != nil {
		return nil, err
	}
	q := MultiMatch{
		Query:              p.str("query"),
		Fields:             fields,
		Type:               p.str("type"),
		Operator:           op,
		Fuzziness:          p.loose("fuzziness"),
		MinimumShouldMatch: p.loose("minimum_should_match"),
		TieBreaker:         p.float("tie_breaker"),
		Boost:              p.float("boost"),
	}
	switch q.Type {
	case "", "best_fields", "most_fields", "phrase":
	default:
		return nil, apperr.Validationf("[multi_match] unsupported type [%s]", q.Type)
	}
	return q, p.err
}

func parseRange(body any) (Query, error) {
	f, p, err := fieldParams("range", body, "")
	if err != nil {
		return nil, err
	}
	if _, ok := p.m[""]; ok {
		return nil, apperr.Validationf("[range] query for field [%s] must be an object", f)
	}
	q := Range{
		Field:    f,
		GT:       p.m["gt"],
		GTE:      p.m["gte"],
		LT:       p.m["lt"],
		LTE:      p.m["lte"],
		Format:   p.str("format"),
		Relation: Relation(strings.ToLower(p.str("relation"))),
		Boost:    p.float("boost"),
	}
	// Legacy from/to bounds.
	if v, ok := p.m["from"]; ok && q.GTE == nil && q.GT == nil {
		if p.m["include_lower"] == false {
			q.GT = v
		} else {
			q.GTE = v
		}
	}
	if v, ok := p.m["to"]; ok && q.LTE == nil && q.LT == nil {
		if p.m["include_upper"] == false {
			q.LT = v
		} else {
			q.LTE = v
		}
	}
	switch q.Relation {
	case "", RelationIntersects, RelationWithin, RelationContains:
	default:
		return nil, apperr.Validationf("[range] unknown relation [%s]", q.Relation)
	}
	return q, p.err
}

func parseClauses(kind string, v any) ([]Query, error) {
	if v == nil {
		return nil, nil
	}
	items, ok := v.([]any)
	if !ok {
		items = []any{v}
	}
	out := make([]Query, 0, len(items))
	for _, item := range items {
		q, err := Parse(item)
		if err != nil {
			return nil, fmt.Errorf("[bool] %s: %w", kind, err)
		}
		out = append(out, q)
	}
	return out, nil
}

func parseBool(body any) (Query, error) {
	p, err := objectParams("bool", body)
	if err != nil {
		return nil, err
	}
	var q Bool
	for _, c := range []struct {
		key string
		dst *[]Query
	}{{"must", &q.Must}, {"should", &q.Should}, {"must_not", &q.MustNot}, {"filter", &q.Filter}} {
		clauses, err := parseClauses(c.key, p.m[c.key])
		if err != nil {
			return nil, err
		}
		*c.dst = clauses
	}
	q.MinimumShouldMatch = p.loose("minimum_should_match")
	q.Boost = p.float("boost")
	for k := range p.m {
		switch k {
		case "must", "should", "must_not", "filter", "minimum_should_match", "boost", "_name":
		default:
			return nil, apperr.Validationf("[bool] unknown clause [%s]", k)
		}
	}
	return q, p.err
}

func parseNested(body any) (Query, error) {
	p, err := objectParams("nested", body)
	if err != nil {
		return nil, err
	}
	q := Nested{
		Path:           p.str("path"),
		ScoreMode:      ScoreMode(strings.ToLower(p.str("score_mode"))),
		IgnoreUnmapped: p.bool("ignore_unmapped"),
	}
	if p.err != nil {
		return nil, p.err
	}
	if q.Path == "" {
		return nil, apperr.Validationf("[nested] requires a path")
	}
	switch q.ScoreMode {
	case "", ScoreModeAvg, ScoreModeMax, ScoreModeMin, ScoreModeSum, ScoreModeNone:
	default:
		return nil, apperr.Validationf("[nested] unknown score_mode [%s]", q.ScoreMode)
	}
	inner, ok := p.m["query"]
	if !ok {
		return nil, apperr.Validationf("[nested] requires a query")
	}
	q.Query, err = Parse(inner)
	if err != nil {
		return nil, err
	}
	return q, nil
}

func stringList(v any) ([]string, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case string:
		return []string{t}, nil
	case []any:
		out := make([]string, 0, len(t))
		for _, item := range t {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("expected strings, got %v", item)
			}
			out = append(out, s)
		}
		return out, nil
	case []string:
		return t, nil
	}
	return nil, fmt.Errorf("expected a string or an array of strings")
}

// ParseRequest reads the query part of a search body. Keys that belong to other
// components (aggs, suggest) are left to their callers.
func ParseRequest(body map[string]any) (Request, error) {
	var req Request
	p := &params{kind: "search", m: body}
	for k, v := range body {
		switch k {
		case "query":
			q, err := Parse(v)
			if err != nil {
				return req, err
			}
			req.Query = q
		case "from":
			req.From = p.int("from")
		case "size":
			size := p.int("size")
			req.Size = &size
		case "min_score":
			score := p.float("min_score")
			req.MinScore = &score
		case "timeout":
			d, err := ParseDuration(v)
			if err != nil {
				return req, err
			}
			req.Timeout = d
		case "sort":
			sorts, err := parseSort(v)
			if err != nil {
				return req, err
			}
			req.Sort = sorts
		case "highlight":
			h, err := parseHighlight(v)
			if err != nil {
				return req, err
			}
			req.Highlight = h
		case "strict":
			req.Strict = p.bool("strict")
		case "aggs", "aggregations", "suggest", "track_total_hits", "_source":
		default:
			return req, apperr.Validationf("unknown search parameter [%s]", k)
		}
	}
	if req.From < 0 {
		return req, apperr.Validationf("[from] must be >= 0")
	}
	if req.Size != nil && *req.Size < 0 {
		return req, apperr.Validationf("[size] must be >= 0")
	}
	return req, p.err
}

// ParseDuration accepts durations such as "250ms", "5s", "2m", "1d" or a number of
// milliseconds.
func ParseDuration(v any) (time.Duration, error) {
	if n, ok := mapping.ToFloat(v); ok {
		return time.Duration(n * float64(time.Millisecond)), nil
	}
	s, ok := v.(string)
	if !ok {
		return 0, apperr.Validationf("invalid duration [%v]", v)
	}
	if days, ok := strings.CutSuffix(s, "d"); ok {
		n, err := strconv.ParseFloat(days, 64)
		if err != nil {
			return 0, apperr.Validationf("invalid duration [%s]", s)
		}
		return time.Duration(n * float64(24*time.Hour)), nil
	}
	if ms, err := strconv.ParseFloat(s, 64); err == nil {
		return time.Duration(ms * float64(time.Millisecond)), nil
	}
	d, err := time.ParseDuration(strings.Replace(s, "micros", "us", 1))
	if err != nil {
		return 0, apperr.Validationf("invalid duration [%s]", s)
	}
	return d, nil
}

func parseSort(v any) ([]SortField, error) {
	items, ok := v.([]any)
	if !ok {
		items = []any{v}
	}
	var out []SortField
	for _, item := range items {
		switch t := item.(type) {
		case string:
			out = append(out, SortField{Field: t})
		case map[string]any:
			if len(t) != 1 {
				return nil, apperr.Validationf("sort entries must name exactly one field")
			}
			for field, spec := range t {
				sf := SortField{Field: field}
				switch s := spec.(type) {
				case string:
					sf.Order = strings.ToLower(s)
				case map[string]any:
					p := &params{kind: "sort", m: s}
					sf.Order = strings.ToLower(p.str("order"))
					sf.MissingFirst = p.str("missing") == "_first"
					if p.err != nil {
						return nil, p.err
					}
				default:
					return nil, apperr.Validationf("invalid sort for field [%s]", field)
				}
				if sf.Order != "" && sf.Order != "asc" && sf.Order != "desc" {
					return nil, apperr.Validationf("unknown sort order [%s]", sf.Order)
				}
				out = append(out, sf)
			}
		default:
			return nil, apperr.Validationf("invalid sort entry [%v]", item)
		}
	}
	return out, nil
}

func parseHighlight(v any) (*Highlight, error) {
	obj, ok := v.(map[string]any)
	if !ok {
		return nil, apperr.Validationf("[highlight] must be an object")
	}
	p := &params{kind: "highlight", m: obj}
	h := &Highlight{
		FragmentSize:      p.int("fragment_size"),
		NumberOfFragments: p.int("number_of_fragments"),
	}
	if n, ok := obj["number_of_fragments"]; ok {
		if f, _ := mapping.ToFloat(n); f == 0 {
			h.WholeValue = true
		}
	}
	if tags, err := stringList(obj["pre_tags"]); err == nil && len(tags) > 0 {
		h.PreTag = tags[0]
	}
	if tags, err := stringList(obj["post_tags"]); err == nil && len(tags) > 0 {
		h.PostTag = tags[0]
	}
	switch fields := obj["fields"].(type) {
	case map[string]any:
		for f := range fields {
			h.Fields = append(h.Fields, f)
		}
		sort.Strings(h.Fields)
	case []any:
		for _, item := range fields {
			switch t := item.(type) {
			case string:
				h.Fields = append(h.Fields, t)
			case map[string]any:
				for f := range t {
					h.Fields = append(h.Fields, f)
				}
			}
		}
	default:
		return nil, apperr.Validationf("[highlight] requires fields")
	}
	return h, p.err
}
