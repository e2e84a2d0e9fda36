package aggs

import (
	"math"
	"slices"
	"strconv"

	"github.com/axiomhq/hyperloglog"
	"github.com/cespare/xxhash/v2"
	"gonum.org/v1/gonum/stat"

	"asterengine/internal/apperr"
	"asterengine/internal/index"
	"asterengine/internal/mapping"
)

const (
	defaultSigma              = 2.0
	defaultPrecisionThreshold = 3000
	maxPrecisionThreshold     = 40000
	// hllRelativeError is the standard error of a precision-14 HyperLogLog sketch,
	// 1.04/sqrt(2^14).
	hllRelativeError = 0.008125
)

var defaultPercents = []float64{1, 5, 25, 50, 75, 95, 99}

// MetricType names the single-value metrics.
type MetricType string

const (
	MetricSum        MetricType = "sum"
	MetricAvg        MetricType = "avg"
	MetricMin        MetricType = "min"
	MetricMax        MetricType = "max"
	MetricValueCount MetricType = "value_count"
)

// MetricAgg reduces the values of Field to one number.
type MetricAgg struct {
	Type    MetricType
	Field   string
	Missing *float64
}

type StatsAgg struct {
	Field   string
	Missing *float64
}

// ExtendedStatsAgg reports stats plus variance, standard deviation and bounds at Sigma
// standard deviations from the mean (default 2).
type ExtendedStatsAgg struct {
	Field   string
	Missing *float64
	Sigma   *float64
}

// CardinalityAgg counts distinct values exactly up to PrecisionThreshold and estimates
// beyond it.
type CardinalityAgg struct {
	Field              string
	PrecisionThreshold int
}

// PercentilesAgg reports the smallest observed value whose cumulative share reaches each
// percent, the inverse of the empirical CDF used by PercentileRanksAgg.
type PercentilesAgg struct {
	Field    string
	Percents []float64
	Keyed    bool
}

// PercentileRanksAgg reports, for each of Values, the percentage of observed values less
// than or equal to it.
type PercentileRanksAgg struct {
	Field  string
	Values []float64
	Keyed  bool
}

type GeoBoundsAgg struct {
	Field string
}

func (a MetricAgg) run(r *runner, docs index.DocSet) (Result, error) {
	if a.Type == MetricValueCount {
		return a.valueCount(r, docs)
	}
	fm, ok, err := r.numericField(a.Field, string(a.Type))
	if err != nil {
		return nil, err
	}
	var values []float64
	if ok {
		values, err = r.numbers(docs, a.Field, a.Missing)
		if err != nil {
			return nil, err
		}
	}

	var res SingleValue
	switch a.Type {
	case MetricSum:
		sum := 0.0
		for _, v := range values {
			sum += v
		}
		res.Value = &sum
	case MetricAvg:
		if len(values) > 0 {
			avg := stat.Mean(values, nil)
			res.Value = &avg
		}
	case MetricMin:
		if len(values) > 0 {
			m := slices.Min(values)
			res.Value = &m
		}
	case MetricMax:
		if len(values) > 0 {
			m := slices.Max(values)
			res.Value = &m
		}
	default:
		return nil, apperr.Validationf("unknown metric [%s]", a.Type)
	}
	if res.Value != nil && fm.Type == mapping.FieldTypeDate && a.Type != MetricSum {
		res.ValueAsString = mapping.FormatDate(*res.Value)
	}
	return res, nil
}

func (a MetricAgg) valueCount(r *runner, docs index.DocSet) (Result, error) {
	_, ok, err := r.field(a.Field, string(a.Type))
	if err != nil {
		return nil, err
	}
	count := 0.0
	if ok {
		err = r.eachDoc(docs, a.Field, func(_ int, ord uint32, fi *index.FieldIndex) {
			if fi == nil {
				return
			}
			count += float64(len(fi.Numbers[ord]) + len(fi.Strings[ord]) + len(fi.Geo[ord]) + len(fi.Ranges[ord]))
		})
		if err != nil {
			return nil, err
		}
	}
	return SingleValue{Value: &count}, nil
}

func computeStats(values []float64) Stats {
	s := Stats{Count: len(values)}
	for _, v := range values {
		s.Sum += v
	}
	if len(values) > 0 {
		lo, hi := slices.Min(values), slices.Max(values)
		avg := s.Sum / float64(len(values))
		s.Min, s.Max, s.Avg = &lo, &hi, &avg
	}
	return s
}

func (a StatsAgg) run(r *runner, docs index.DocSet) (Result, error) {
	_, ok, err := r.numericField(a.Field, "stats")
	if err != nil || !ok {
		return Stats{}, err
	}
	values, err := r.numbers(docs, a.Field, a.Missing)
	if err != nil {
		return nil, err
	}
	return computeStats(values), nil
}

func (a ExtendedStatsAgg) run(r *runner, docs index.DocSet) (Result, error) {
	sigma := defaultSigma
	if a.Sigma != nil {
		sigma = *a.Sigma
	}
	if sigma < 0 {
		return nil, apperr.Validationf("[sigma] must be greater than or equal to 0, found [%v]", sigma)
	}
	res := ExtendedStats{Sigma: sigma}
	_, ok, err := r.numericField(a.Field, "extended_stats")
	if err != nil || !ok {
		return res, err
	}
	values, err := r.numbers(docs, a.Field, a.Missing)
	if err != nil {
		return nil, err
	}
	res.Stats = computeStats(values)
	for _, v := range values {
		res.SumOfSquares += v * v
	}
	if len(values) == 0 {
		return res, nil
	}

	mean, popVar := stat.PopMeanVariance(values, nil)
	sampleVar := 0.0
	if len(values) > 1 {
		sampleVar = stat.Variance(values, nil)
	}
	popStd, sampleStd := math.Sqrt(popVar), math.Sqrt(sampleVar)
	res.Variance, res.VariancePopulation, res.VarianceSampling = &popVar, &popVar, &sampleVar
	res.StdDeviation, res.StdDeviationPopulation, res.StdDeviationSampling = &popStd, &popStd, &sampleStd
	res.Bounds = &StdDeviationBounds{
		Upper:           mean + sigma*popStd,
		Lower:           mean - sigma*popStd,
		UpperPopulation: mean + sigma*popStd,
		LowerPopulation: mean - sigma*popStd,
		UpperSampling:   mean + sigma*sampleStd,
		LowerSampling:   mean - sigma*sampleStd,
	}
	return res, nil
}

func (a CardinalityAgg) run(r *runner, docs index.DocSet) (Result, error) {
	_, ok, err := r.field(a.Field, "cardinality")
	if err != nil || !ok {
		return Cardinality{}, err
	}
	threshold := a.PrecisionThreshold
	if threshold <= 0 {
		threshold = defaultPrecisionThreshold
	}
	threshold = min(threshold, maxPrecisionThreshold)

	hashes := make(map[uint64]struct{})
	err = r.eachDoc(docs, a.Field, func(_ int, ord uint32, fi *index.FieldIndex) {
		if fi == nil {
			return
		}
		for _, v := range fi.Numbers[ord] {
			hashes[xxhash.Sum64String(strconv.FormatFloat(v, 'g', -1, 64))] = struct{}{}
		}
		for _, s := range fi.Strings[ord] {
			hashes[xxhash.Sum64String(s)] = struct{}{}
		}
	})
	if err != nil {
		return nil, err
	}

	if len(hashes) <= threshold {
		return Cardinality{Value: uint64(len(hashes))}, nil
	}
	sketch := hyperloglog.New14()
	for h := range hashes {
		sketch.InsertHash(h)
	}
	return Cardinality{Value: sketch.Estimate(), Approximate: true, RelativeError: hllRelativeError}, nil
}

func (r *runner) sortedNumbers(docs index.DocSet, path, kind string) ([]float64, error) {
	_, ok, err := r.numericField(path, kind)
	if err != nil || !ok {
		return nil, err
	}
	values, err := r.numbers(docs, path, nil)
	if err != nil {
		return nil, err
	}
	slices.Sort(values)
	return values, nil
}

func (a PercentilesAgg) run(r *runner, docs index.DocSet) (Result, error) {
	percents := a.Percents
	if len(percents) == 0 {
		percents = defaultPercents
	}
	for _, p := range percents {
		if p < 0 || p > 100 {
			return nil, apperr.Validationf("percent [%v] must be between 0 and 100", p)
		}
	}
	values, err := r.sortedNumbers(docs, a.Field, "percentiles")
	if err != nil {
		return nil, err
	}
	res := Percentiles{Keyed: a.Keyed, Values: make([]PercentileValue, len(percents))}
	for i, p := range percents {
		res.Values[i].Key = p
		if len(values) > 0 {
			q := stat.Quantile(p/100, stat.Empirical, values, nil)
			res.Values[i].Value = &q
		}
	}
	return res, nil
}

func (a PercentileRanksAgg) run(r *runner, docs index.DocSet) (Result, error) {
	if len(a.Values) == 0 {
		return nil, apperr.Validationf("[percentile_ranks] requires values")
	}
	values, err := r.sortedNumbers(docs, a.Field, "percentile_ranks")
	if err != nil {
		return nil, err
	}
	res := Percentiles{Keyed: a.Keyed, Values: make([]PercentileValue, len(a.Values))}
	for i, v := range a.Values {
		res.Values[i].Key = v
		if len(values) > 0 {
			rank := 100 * stat.CDF(v, stat.Empirical, values, nil)
			res.Values[i].Value = &rank
		}
	}
	return res, nil
}

func (a GeoBoundsAgg) run(r *runner, docs index.DocSet) (Result, error) {
	fm, ok, err := r.field(a.Field, "geo_bounds")
	if err != nil || !ok {
		return GeoBounds{}, err
	}
	if fm.Type != mapping.FieldTypeGeoPoint {
		return nil, apperr.Validationf("field [%s] of type [%s] is not supported for aggregation [geo_bounds]", a.Field, fm.Type)
	}
	top, bottom := math.Inf(-1), math.Inf(1)
	left, right := math.Inf(1), math.Inf(-1)
	seen := false
	err = r.eachDoc(docs, a.Field, func(_ int, ord uint32, fi *index.FieldIndex) {
		if fi == nil {
			return
		}
		for _, p := range fi.Geo[ord] {
			seen = true
			top, bottom = math.Max(top, p.Lat), math.Min(bottom, p.Lat)
			left, right = math.Min(left, p.Lon), math.Max(right, p.Lon)
		}
	})
	if err != nil || !seen {
		return GeoBounds{}, err
	}
	return GeoBounds{
		TopLeft:     &mapping.GeoPoint{Lat: top, Lon: left},
		BottomRight: &mapping.GeoPoint{Lat: bottom, Lon: right},
	}, nil
}
