package aggs

import (
	"strings"

	"asterengine/internal/apperr"
	"asterengine/internal/mapping"
	"asterengine/internal/query"
)

// Parse converts the "aggs" object of a request into aggregation definitions. Every entry
// holds exactly one aggregation type, optionally with "aggs" (or "aggregations") and
// "meta".
func Parse(raw any) (Aggs, error) {
	if raw == nil {
		return nil, nil
	}
	obj, ok := raw.(map[string]any)
	if !ok {
		return nil, apperr.Validationf("aggregations must be an object")
	}
	out := make(Aggs, len(obj))
	for name, body := range obj {
		if name == "" || strings.ContainsAny(name, "[]>") {
			return nil, apperr.Validationf("invalid aggregation name [%s]", name)
		}
		agg, err := parseOne(name, body)
		if err != nil {
			return nil, err
		}
		out[name] = agg
	}
	return out, nil
}

func parseOne(name string, body any) (Aggregation, error) {
	def, ok := body.(map[string]any)
	if !ok {
		return nil, apperr.Validationf("aggregation [%s] must be an object", name)
	}
	var (
		kind    string
		params  any
		subsRaw any
	)
	for k, v := range def {
		switch k {
		case "aggs", "aggregations":
			subsRaw = v
		case "meta":
		default:
			if kind != "" {
				return nil, apperr.Validationf("found two aggregation types [%s] and [%s] in [%s]", kind, k, name)
			}
			kind, params = k, v
		}
	}
	if kind == "" {
		return nil, apperr.Validationf("missing aggregation type in [%s]", name)
	}
	subs, err := Parse(subsRaw)
	if err != nil {
		return nil, err
	}
	p, err := newArgs(kind, params)
	if err != nil {
		return nil, err
	}

	var agg Aggregation
	bucket := false
	switch kind {
	case "sum", "avg", "min", "max", "value_count":
		agg = MetricAgg{Type: MetricType(kind), Field: p.field(), Missing: p.optFloat("missing")}
	case "stats":
		agg = StatsAgg{Field: p.field(), Missing: p.optFloat("missing")}
	case "extended_stats":
		agg = ExtendedStatsAgg{Field: p.field(), Missing: p.optFloat("missing"), Sigma: p.optFloat("sigma")}
	case "cardinality":
		agg = CardinalityAgg{Field: p.field(), PrecisionThreshold: p.int("precision_threshold")}
	case "percentiles":
		agg = PercentilesAgg{Field: p.field(), Percents: p.floats("percents"), Keyed: p.keyed(true)}
	case "percentile_ranks":
		agg = PercentileRanksAgg{Field: p.field(), Values: p.floats("values"), Keyed: p.keyed(true)}
	case "geo_bounds":
		agg = GeoBoundsAgg{Field: p.field()}
	case "terms":
		bucket = true
		t := TermsAgg{Field: p.field(), Size: p.int("size"), ShardSize: p.int("shard_size"), Missing: p.m["missing"], Aggs: subs}
		if _, ok := p.m["min_doc_count"]; ok {
			n := p.int("min_doc_count")
			t.MinDocCount = &n
		}
		if t.Order, err = parseOrder(p.m["order"]); err != nil {
			return nil, err
		}
		agg = t
	case "range":
		bucket = true
		ra := RangeAgg{Field: p.field(), Keyed: p.keyed(false), Aggs: subs}
		for _, rp := range p.objects("ranges") {
			ra.Ranges = append(ra.Ranges, RangeSpec{Key: rp.str("key"), From: rp.optFloat("from"), To: rp.optFloat("to")})
			p.absorb(rp)
		}
		agg = ra
	case "date_range":
		bucket = true
		dr := DateRangeAgg{Field: p.field(), Format: p.str("format"), Keyed: p.keyed(false), Aggs: subs}
		for _, rp := range p.objects("ranges") {
			dr.Ranges = append(dr.Ranges, DateRangeSpec{Key: rp.str("key"), From: rp.m["from"], To: rp.m["to"]})
			p.absorb(rp)
		}
		agg = dr
	case "histogram":
		bucket = true
		agg = HistogramAgg{Field: p.field(), Interval: p.float("interval"), Offset: p.float("offset"), MinDocCount: p.int("min_doc_count"), Keyed: p.keyed(false), Aggs: subs}
	case "filter":
		bucket = true
		q, err := query.Parse(params)
		if err != nil {
			return nil, err
		}
		agg = FilterAgg{Query: q, Aggs: subs}
	case "missing":
		bucket = true
		agg = MissingAgg{Field: p.field(), Aggs: subs}
	default:
		return nil, apperr.Validationf("unknown aggregation type [%s] in [%s]", kind, name)
	}
	if p.err != nil {
		return nil, p.err
	}
	if !bucket && len(subs) > 0 {
		return nil, apperr.Validationf("aggregator [%s] of type [%s] cannot accept sub-aggregations", name, kind)
	}
	return agg, nil
}

func parseOrder(v any) ([]BucketOrder, error) {
	var entries []map[string]any
	switch t := v.(type) {
	case nil:
		return nil, nil
	case map[string]any:
		entries = []map[string]any{t}
	case []any:
		for _, e := range t {
			m, ok := e.(map[string]any)
			if !ok {
				return nil, apperr.Validationf("[order] entries must be objects")
			}
			entries = append(entries, m)
		}
	default:
		return nil, apperr.Validationf("[order] must be an object or an array")
	}
	var out []BucketOrder
	for _, e := range entries {
		for key, dir := range e {
			s, _ := dir.(string)
			switch strings.ToLower(s) {
			case "asc":
				out = append(out, BucketOrder{Key: key})
			case "desc":
				out = append(out, BucketOrder{Key: key, Desc: true})
			default:
				return nil, apperr.Validationf("unknown order direction [%v] for [%s]", dir, key)
			}
		}
	}
	return out, nil
}

// args reads typed parameters of one aggregation body, recording the first error.
type args struct {
	kind string
	m    map[string]any
	err  error
}

func newArgs(kind string, body any) (*args, error) {
	if kind == "filter" {
		return &args{kind: kind, m: map[string]any{}}, nil
	}
	m, ok := body.(map[string]any)
	if !ok {
		return nil, apperr.Validationf("[%s] aggregation body must be an object", kind)
	}
	return &args{kind: kind, m: m}, nil
}

func (a *args) fail(key, want string) {
	if a.err == nil {
		a.err = apperr.Validationf("[%s] parameter [%s] must be %s", a.kind, key, want)
	}
}

func (a *args) absorb(other *args) {
	if a.err == nil {
		a.err = other.err
	}
}

func (a *args) str(key string) string {
	v, ok := a.m[key]
	if !ok || v == nil {
		return ""
	}
	s, ok := v.(string)
	if !ok {
		a.fail(key, "a string")
	}
	return s
}

func (a *args) field() string {
	f := a.str("field")
	if f == "" && a.err == nil {
		a.err = apperr.Validationf("[%s] aggregation requires [field]", a.kind)
	}
	return f
}

func (a *args) optFloat(key string) *float64 {
	v, ok := a.m[key]
	if !ok || v == nil {
		return nil
	}
	f, ok := mapping.ToFloat(v)
	if !ok {
		a.fail(key, "a number")
		return nil
	}
	return &f
}

func (a *args) float(key string) float64 {
	if f := a.optFloat(key); f != nil {
		return *f
	}
	return 0
}

func (a *args) int(key string) int {
	return int(a.float(key))
}

func (a *args) keyed(def bool) bool {
	v, ok := a.m["keyed"]
	if !ok || v == nil {
		return def
	}
	b, ok := v.(bool)
	if !ok {
		a.fail("keyed", "a boolean")
	}
	return b
}

func (a *args) floats(key string) []float64 {
	v, ok := a.m[key]
	if !ok || v == nil {
		return nil
	}
	list, ok := v.([]any)
	if !ok {
		a.fail(key, "an array of numbers")
		return nil
	}
	out := make([]float64, 0, len(list))
	for _, e := range list {
		f, ok := mapping.ToFloat(e)
		if !ok {
			a.fail(key, "an array of numbers")
			return nil
		}
		out = append(out, f)
	}
	return out
}

func (a *args) objects(key string) []*args {
	list, ok := a.m[key].([]any)
	if !ok {
		a.fail(key, "an array of objects")
		return nil
	}
	out := make([]*args, 0, len(list))
	for _, e := range list {
		m, ok := e.(map[string]any)
		if !ok {
			a.fail(key, "an array of objects")
			return nil
		}
		out = append(out, &args{kind: a.kind, m: m})
	}
	return out
}
