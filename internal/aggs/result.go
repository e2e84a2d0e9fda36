package aggs

import (
	"encoding/json"
	"strconv"

	"asterengine/internal/mapping"
)

// Result is the output of one aggregation. The set of variants is closed: SingleValue,
// Stats, ExtendedStats, Cardinality, Percentiles, GeoBounds, Buckets and SingleBucket.
type Result interface {
	result()
}

// Results maps aggregation names to their results.
type Results map[string]Result

// SingleValue is the result of sum, avg, min, max and value_count. Value is nil when no
// values were seen.
type SingleValue struct {
	Value         *float64 `json:"value"`
	ValueAsString string   `json:"value_as_string,omitempty"`
}

type Stats struct {
	Count int      `json:"count"`
	Min   *float64 `json:"min"`
	Max   *float64 `json:"max"`
	Avg   *float64 `json:"avg"`
	Sum   float64  `json:"sum"`
}

// StdDeviationBounds are mean ± sigma·σ for each variance flavour.
type StdDeviationBounds struct {
	Upper           float64 `json:"upper"`
	Lower           float64 `json:"lower"`
	UpperPopulation float64 `json:"upper_population"`
	LowerPopulation float64 `json:"lower_population"`
	UpperSampling   float64 `json:"upper_sampling"`
	LowerSampling   float64 `json:"lower_sampling"`
}

// ExtendedStats adds spread measures to Stats. Variance and StdDeviation use the
// population formula.
type ExtendedStats struct {
	Stats
	SumOfSquares           float64             `json:"sum_of_squares"`
	Variance               *float64            `json:"variance"`
	VariancePopulation     *float64            `json:"variance_population"`
	VarianceSampling       *float64            `json:"variance_sampling"`
	StdDeviation           *float64            `json:"std_deviation"`
	StdDeviationPopulation *float64            `json:"std_deviation_population"`
	StdDeviationSampling   *float64            `json:"std_deviation_sampling"`
	Bounds                 *StdDeviationBounds `json:"std_deviation_bounds,omitempty"`
	Sigma                  float64             `json:"-"`
}

// Cardinality is a distinct-value count. Above the precision threshold it is a
// HyperLogLog++ estimate, flagged by Approximate with its standard relative error.
type Cardinality struct {
	Value         uint64  `json:"value"`
	Approximate   bool    `json:"approximate"`
	RelativeError float64 `json:"relative_error,omitempty"`
}

type PercentileValue struct {
	Key   float64
	Value *float64
}

// Percentiles holds percentiles or percentile ranks in request order.
type Percentiles struct {
	Values []PercentileValue
	Keyed  bool
}

func (p Percentiles) MarshalJSON() ([]byte, error) {
	if p.Keyed {
		values := make(map[string]*float64, len(p.Values))
		for _, v := range p.Values {
			values[formatDouble(v.Key)] = v.Value
		}
		return json.Marshal(map[string]any{"values": values})
	}
	type entry struct {
		Key   float64  `json:"key"`
		Value *float64 `json:"value"`
	}
	values := make([]entry, len(p.Values))
	for i, v := range p.Values {
		values[i] = entry{Key: v.Key, Value: v.Value}
	}
	return json.Marshal(map[string]any{"values": values})
}

// Get returns the value recorded for key.
func (p Percentiles) Get(key float64) (float64, bool) {
	for _, v := range p.Values {
		if v.Key == key && v.Value != nil {
			return *v.Value, true
		}
	}
	return 0, false
}

// GeoBounds is the bounding box of all geo points. Both corners are nil when there were
// none.
type GeoBounds struct {
	TopLeft     *mapping.GeoPoint
	BottomRight *mapping.GeoPoint
}

func (g GeoBounds) MarshalJSON() ([]byte, error) {
	if g.TopLeft == nil {
		return []byte(`{}`), nil
	}
	return json.Marshal(map[string]any{"bounds": map[string]any{
		"top_left":     g.TopLeft,
		"bottom_right": g.BottomRight,
	}})
}

// Bucket is one partition of a bucket aggregation.
type Bucket struct {
	Key          any
	KeyAsString  string
	From         *float64
	To           *float64
	FromAsString string
	ToAsString   string
	DocCount     int
	Aggs         Results
}

func (b Bucket) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, 4+len(b.Aggs))
	for name, r := range b.Aggs {
		out[name] = r
	}
	if b.Key != nil {
		out["key"] = b.Key
	}
	if b.KeyAsString != "" {
		out["key_as_string"] = b.KeyAsString
	}
	if b.From != nil {
		out["from"] = *b.From
	}
	if b.To != nil {
		out["to"] = *b.To
	}
	if b.FromAsString != "" {
		out["from_as_string"] = b.FromAsString
	}
	if b.ToAsString != "" {
		out["to_as_string"] = b.ToAsString
	}
	out["doc_count"] = b.DocCount
	return json.Marshal(out)
}

// Buckets is the result of terms, range, date_range and histogram. The error bound and
// other-count are only reported by terms.
type Buckets struct {
	Buckets                 []Bucket
	DocCountErrorUpperBound *int
	SumOtherDocCount        *int
	Keyed                   bool
}

func (b Buckets) MarshalJSON() ([]byte, error) {
	out := map[string]any{}
	if b.DocCountErrorUpperBound != nil {
		out["doc_count_error_upper_bound"] = *b.DocCountErrorUpperBound
	}
	if b.SumOtherDocCount != nil {
		out["sum_other_doc_count"] = *b.SumOtherDocCount
	}
	if b.Keyed {
		keyed := make(map[string]Bucket, len(b.Buckets))
		for _, bucket := range b.Buckets {
			k := bucket.KeyAsString
			if s, ok := bucket.Key.(string); ok {
				k = s
			}
			bucket.Key = nil
			keyed[k] = bucket
		}
		out["buckets"] = keyed
	} else {
		out["buckets"] = b.Buckets
	}
	return json.Marshal(out)
}

// Bucket returns the bucket whose key (or key_as_string) equals key.
func (b Buckets) Bucket(key string) (Bucket, bool) {
	for _, bucket := range b.Buckets {
		if bucket.KeyAsString == key || bucket.Key == key {
			return bucket, true
		}
		if f, ok := bucket.Key.(float64); ok && formatDouble(f) == key {
			return bucket, true
		}
	}
	return Bucket{}, false
}

// SingleBucket is the result of filter and missing.
type SingleBucket struct {
	DocCount int
	Aggs     Results
}

func (s SingleBucket) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, 1+len(s.Aggs))
	for name, r := range s.Aggs {
		out[name] = r
	}
	out["doc_count"] = s.DocCount
	return json.Marshal(out)
}

func (SingleValue) result()   {}
func (Stats) result()         {}
func (ExtendedStats) result() {}
func (Cardinality) result()   {}
func (Percentiles) result()   {}
func (GeoBounds) result()     {}
func (Buckets) result()       {}
func (SingleBucket) result()  {}

// formatDouble renders keys the way range and percentile keys are spelled: whole numbers
// keep one decimal.
func formatDouble(f float64) string {
	if f == float64(int64(f)) {
		return strconv.FormatFloat(f, 'f', 1, 64)
	}
	return strconv.FormatFloat(f, 'f', -1, 64)
}

// metricValue reads a numeric property of a metric result for bucket ordering. prop is ""
// or "value" for single-value results, or a stats field name.
func metricValue(r Result, prop string) (float64, bool) {
	deref := func(p *float64) (float64, bool) {
		if p == nil {
			return 0, false
		}
		return *p, true
	}
	switch r := r.(type) {
	case SingleValue:
		if prop == "" || prop == "value" {
			return deref(r.Value)
		}
	case Stats:
		return statsValue(r, prop)
	case ExtendedStats:
		switch prop {
		case "variance":
			return deref(r.Variance)
		case "std_deviation":
			return deref(r.StdDeviation)
		case "sum_of_squares":
			return r.SumOfSquares, true
		}
		return statsValue(r.Stats, prop)
	case Cardinality:
		if prop == "" || prop == "value" {
			return float64(r.Value), true
		}
	case Percentiles:
		if k, err := strconv.ParseFloat(prop, 64); err == nil {
			return r.Get(k)
		}
	case SingleBucket:
		if prop == "" || prop == "doc_count" {
			return float64(r.DocCount), true
		}
	case GeoBounds, Buckets:
	}
	return 0, false
}

func statsValue(s Stats, prop string) (float64, bool) {
	pick := func(p *float64) (float64, bool) {
		if p == nil {
			return 0, false
		}
		return *p, true
	}
	switch prop {
	case "count":
		return float64(s.Count), true
	case "sum":
		return s.Sum, true
	case "min":
		return pick(s.Min)
	case "max":
		return pick(s.Max)
	case "avg":
		return pick(s.Avg)
	}
	return 0, false
}
