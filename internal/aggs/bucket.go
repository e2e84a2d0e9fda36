package aggs

import (
	"cmp"
	"math"
	"slices"
	"strconv"
	"strings"

	"github.com/RoaringBitmap/roaring"

	"asterengine/internal/apperr"
	"asterengine/internal/index"
	"asterengine/internal/mapping"
	"asterengine/internal/query"
)

const (
	defaultTermsSize = 10
	maxBuckets       = 65536
)

// BucketOrder orders terms buckets. Key is "_count", "_key", or a sub-aggregation
// reference "name" or "name.property".
type BucketOrder struct {
	Key  string
	Desc bool
}

// TermsAgg groups documents by the distinct values of Field. Each segment contributes at
// most ShardSize candidates when ordering by count; the error this truncation can
// introduce is reported as doc_count_error_upper_bound.
type TermsAgg struct {
	Field       string
	Size        int
	ShardSize   int
	MinDocCount *int
	Order       []BucketOrder
	Missing     any
	Aggs        Aggs
}

type RangeSpec struct {
	Key  string
	From *float64
	To   *float64
}

// RangeAgg buckets documents by numeric ranges. From is inclusive and To exclusive.
type RangeAgg struct {
	Field  string
	Ranges []RangeSpec
	Keyed  bool
	Aggs   Aggs
}

// DateRangeSpec bounds are date strings, epoch millis or date math such as "now-1M/M".
type DateRangeSpec struct {
	Key  string
	From any
	To   any
}

type DateRangeAgg struct {
	Field  string
	Format string
	Ranges []DateRangeSpec
	Keyed  bool
	Aggs   Aggs
}

// HistogramAgg buckets numeric values into fixed-width intervals. With MinDocCount 0 the
// empty buckets between the first and last key are returned too.
type HistogramAgg struct {
	Field       string
	Interval    float64
	Offset      float64
	MinDocCount int
	Keyed       bool
	Aggs        Aggs
}

// FilterAgg is a single bucket of the documents that also match Query.
type FilterAgg struct {
	Query query.Query
	Aggs  Aggs
}

// MissingAgg is a single bucket of the documents without a value for Field.
type MissingAgg struct {
	Field string
	Aggs  Aggs
}

// restrict builds a DocSet aligned with docs from a per-segment function.
func restrict(docs index.DocSet, fn func(seg int, bm *roaring.Bitmap) *roaring.Bitmap) index.DocSet {
	out := make(index.DocSet, len(docs))
	for seg, bm := range docs {
		if bm == nil {
			continue
		}
		out[seg] = fn(seg, bm)
	}
	return out
}

// termKey is one distinct value of a terms aggregation field.
type termKey struct {
	term string
	num  float64
}

type termCount struct {
	termKey
	count int
}

func (a TermsAgg) run(r *runner, docs index.DocSet) (Result, error) {
	zero := 0
	fm, ok, err := r.field(a.Field, "terms")
	if err != nil {
		return nil, err
	}
	if ok && (fm.Type == mapping.FieldTypeGeoPoint || fm.Type == mapping.FieldTypeDateRange) {
		return nil, apperr.Validationf("field [%s] of type [%s] is not supported for aggregation [terms]", a.Field, fm.Type)
	}
	res := Buckets{DocCountErrorUpperBound: &zero, SumOtherDocCount: &zero, Buckets: []Bucket{}}
	if !ok {
		return res, nil
	}

	size := a.Size
	if size <= 0 {
		size = defaultTermsSize
	}
	shardSize := a.ShardSize
	if shardSize < size {
		shardSize = size + size/2 + 10
	}
	minDocCount := 1
	if a.MinDocCount != nil {
		minDocCount = *a.MinDocCount
	}

	var missingTerm string
	hasMissing := a.Missing != nil
	if hasMissing {
		if missingTerm, err = index.EncodeTerm(fm, a.Missing); err != nil {
			return nil, err
		}
	}
	keyOf := func(term string) termKey {
		k := termKey{term: term}
		switch {
		case fm.Type == mapping.FieldTypeBoolean:
			if term == "true" {
				k.num = 1
			}
		case fm.Type.IsNumeric() || fm.Type == mapping.FieldTypeDate:
			k.num, _ = strconv.ParseFloat(term, 64)
		}
		return k
	}

	// Collect per-segment counts.
	perSeg := make([][]termCount, len(docs))
	missingDocs := make(index.DocSet, len(docs))
	totalPairs := 0
	for seg, bm := range docs {
		if bm == nil {
			continue
		}
		if err := r.check(); err != nil {
			return nil, err
		}
		counts := make(map[string]int)
		fi := r.fieldIndex(seg, a.Field)
		if fi != nil {
			for _, term := range fi.SortedTerms() {
				n := int(fi.Terms[term].Docs.AndCardinality(bm))
				if n > 0 || minDocCount == 0 {
					counts[term] = n
				}
			}
		}
		if hasMissing {
			m := bm.Clone()
			if fi != nil {
				m.AndNot(fi.Docs)
			}
			if n := int(m.GetCardinality()); n > 0 {
				missingDocs[seg] = m
				counts[missingTerm] += n
			}
		}
		list := make([]termCount, 0, len(counts))
		for term, n := range counts {
			list = append(list, termCount{termKey: keyOf(term), count: n})
			totalPairs += n
		}
		perSeg[seg] = list
	}

	byCount := len(a.Order) == 0 || (len(a.Order) == 1 && a.Order[0].Key == "_count" && a.Order[0].Desc)
	numeric := fm.Type != mapping.FieldTypeKeyword && fm.Type != mapping.FieldTypeIP
	compareKeys := func(x, y termKey) int {
		if numeric {
			return cmp.Compare(x.num, y.num)
		}
		return strings.Compare(x.term, y.term)
	}
	countOrder := func(x, y termCount) int {
		if c := cmp.Compare(y.count, x.count); c != 0 {
			return c
		}
		return compareKeys(x.termKey, y.termKey)
	}

	merged := make(map[string]*termCount)
	errBound := 0
	for _, list := range perSeg {
		if byCount && len(list) > shardSize {
			slices.SortFunc(list, countOrder)
			errBound += list[shardSize-1].count
			list = list[:shardSize]
		}
		for _, tc := range list {
			if m, ok := merged[tc.term]; ok {
				m.count += tc.count
			} else {
				c := tc
				merged[tc.term] = &c
			}
		}
	}

	buckets := make([]Bucket, 0, len(merged))
	candidates := make([]termCount, 0, len(merged))
	for _, tc := range merged {
		if tc.count >= minDocCount {
			candidates = append(candidates, *tc)
		}
	}

	bucketDocs := func(term string) index.DocSet {
		return restrict(docs, func(seg int, bm *roaring.Bitmap) *roaring.Bitmap {
			out := roaring.New()
			if fi := r.fieldIndex(seg, a.Field); fi != nil {
				if p := fi.Posting(term); p != nil {
					out = roaring.And(p.Docs, bm)
				}
			}
			if hasMissing && term == missingTerm && missingDocs[seg] != nil {
				out.Or(missingDocs[seg])
			}
			return out
		})
	}
	makeBucket := func(tc termCount) (Bucket, error) {
		b := Bucket{DocCount: tc.count}
		switch {
		case fm.Type == mapping.FieldTypeBoolean:
			b.Key, b.KeyAsString = tc.num, tc.term
		case fm.Type == mapping.FieldTypeDate:
			b.Key, b.KeyAsString = tc.num, mapping.FormatDate(tc.num)
		case numeric:
			b.Key = tc.num
		default:
			b.Key = tc.term
		}
		if len(a.Aggs) > 0 {
			subs, err := r.runSubs(a.Aggs, bucketDocs(tc.term))
			if err != nil {
				return Bucket{}, err
			}
			b.Aggs = subs
		}
		return b, nil
	}

	if byCount {
		slices.SortFunc(candidates, countOrder)
		candidates = candidates[:min(size, len(candidates))]
		for _, tc := range candidates {
			b, err := makeBucket(tc)
			if err != nil {
				return nil, err
			}
			buckets = append(buckets, b)
		}
	} else {
		for _, tc := range candidates {
			b, err := makeBucket(tc)
			if err != nil {
				return nil, err
			}
			buckets = append(buckets, b)
		}
		if err := a.sortBuckets(buckets, candidates, compareKeys); err != nil {
			return nil, err
		}
		buckets = buckets[:min(size, len(buckets))]
	}

	returned := 0
	for _, b := range buckets {
		returned += b.DocCount
	}
	other := totalPairs - returned
	res.Buckets = buckets
	res.DocCountErrorUpperBound = &errBound
	res.SumOtherDocCount = &other
	return res, nil
}

// sortBuckets orders buckets (aligned with keys) by a.Order, breaking ties by key.
func (a TermsAgg) sortBuckets(buckets []Bucket, keys []termCount, compareKeys func(x, y termKey) int) error {
	type entry struct {
		b Bucket
		k termKey
	}
	entries := make([]entry, len(buckets))
	for i := range buckets {
		entries[i] = entry{buckets[i], keys[i].termKey}
	}
	for _, o := range a.Order {
		switch o.Key {
		case "_count", "_key":
			continue
		}
		name, _, _ := strings.Cut(o.Key, ".")
		if _, ok := a.Aggs[name]; !ok {
			return apperr.Validationf("invalid terms order path [%s]: unknown aggregation [%s]", o.Key, name)
		}
	}

	slices.SortStableFunc(entries, func(x, y entry) int {
		for _, o := range a.Order {
			var c int
			switch o.Key {
			case "_count":
				c = cmp.Compare(x.b.DocCount, y.b.DocCount)
			case "_key":
				c = compareKeys(x.k, y.k)
			default:
				name, prop, _ := strings.Cut(o.Key, ".")
				xv, xok := metricValue(x.b.Aggs[name], prop)
				yv, yok := metricValue(y.b.Aggs[name], prop)
				switch {
				case xok && yok:
					c = cmp.Compare(xv, yv)
				case xok != yok:
					// Buckets without a value sort last either way.
					if xok {
						return -1
					}
					return 1
				}
			}
			if o.Desc {
				c = -c
			}
			if c != 0 {
				return c
			}
		}
		return compareKeys(x.k, y.k)
	})
	for i, e := range entries {
		buckets[i] = e.b
	}
	return nil
}

type numericRange struct {
	key        string
	from, to   *float64
	fromS, toS string
}

func (rg numericRange) contains(v float64) bool {
	return (rg.from == nil || v >= *rg.from) && (rg.to == nil || v < *rg.to)
}

// runRanges buckets docs by ranges over the numeric values of path. A document falls in
// every range that contains at least one of its values.
func (r *runner) runRanges(path string, ranges []numericRange, keyed bool, subs Aggs, docs index.DocSet) (Result, error) {
	sets := make([]index.DocSet, len(ranges))
	for i := range sets {
		sets[i] = make(index.DocSet, len(docs))
	}
	err := r.eachDoc(docs, path, func(seg int, ord uint32, fi *index.FieldIndex) {
		if fi == nil {
			return
		}
		for i, rg := range ranges {
			for _, v := range fi.Numbers[ord] {
				if rg.contains(v) {
					if sets[i][seg] == nil {
						sets[i][seg] = roaring.New()
					}
					sets[i][seg].Add(ord)
					break
				}
			}
		}
	})
	if err != nil {
		return nil, err
	}

	res := Buckets{Keyed: keyed, Buckets: make([]Bucket, 0, len(ranges))}
	for i, rg := range ranges {
		b := Bucket{Key: rg.key, From: rg.from, To: rg.to, FromAsString: rg.fromS, ToAsString: rg.toS, DocCount: sets[i].Cardinality()}
		if len(subs) > 0 {
			for seg := range docs {
				if docs[seg] != nil && sets[i][seg] == nil {
					sets[i][seg] = roaring.New()
				}
			}
			if b.Aggs, err = r.runSubs(subs, sets[i]); err != nil {
				return nil, err
			}
		}
		res.Buckets = append(res.Buckets, b)
	}
	return res, nil
}

func rangeKey(from, to string) string {
	if from == "" {
		from = "*"
	}
	if to == "" {
		to = "*"
	}
	return from + "-" + to
}

func (a RangeAgg) run(r *runner, docs index.DocSet) (Result, error) {
	if len(a.Ranges) == 0 {
		return nil, apperr.Validationf("[range] aggregation requires at least one range")
	}
	ranges := make([]numericRange, len(a.Ranges))
	for i, spec := range a.Ranges {
		rg := numericRange{key: spec.Key, from: spec.From, to: spec.To}
		if rg.key == "" {
			var from, to string
			if spec.From != nil {
				from = formatDouble(*spec.From)
			}
			if spec.To != nil {
				to = formatDouble(*spec.To)
			}
			rg.key = rangeKey(from, to)
		}
		ranges[i] = rg
	}
	_, ok, err := r.numericField(a.Field, "range")
	if err != nil {
		return nil, err
	}
	if !ok {
		return r.runRanges(a.Field, ranges, a.Keyed, a.Aggs, make(index.DocSet, len(docs)))
	}
	return r.runRanges(a.Field, ranges, a.Keyed, a.Aggs, docs)
}

func (a DateRangeAgg) run(r *runner, docs index.DocSet) (Result, error) {
	if len(a.Ranges) == 0 {
		return nil, apperr.Validationf("[date_range] aggregation requires at least one range")
	}
	fm, ok, err := r.field(a.Field, "date_range")
	if err != nil {
		return nil, err
	}
	if ok && fm.Type != mapping.FieldTypeDate {
		return nil, apperr.Validationf("field [%s] of type [%s] is not supported for aggregation [date_range]", a.Field, fm.Type)
	}
	format := a.Format
	if format == "" {
		format = fm.Format
	}
	bound := func(v any) (*float64, string, error) {
		if v == nil {
			return nil, "", nil
		}
		millis, err := mapping.ResolveDateMath(v, format, r.now)
		if err != nil {
			return nil, "", apperr.Validationf("failed to parse date range bound [%v]: %v", v, err)
		}
		return &millis, mapping.FormatDate(millis), nil
	}

	ranges := make([]numericRange, len(a.Ranges))
	for i, spec := range a.Ranges {
		rg := numericRange{key: spec.Key}
		if rg.from, rg.fromS, err = bound(spec.From); err != nil {
			return nil, err
		}
		if rg.to, rg.toS, err = bound(spec.To); err != nil {
			return nil, err
		}
		if rg.key == "" {
			rg.key = rangeKey(rg.fromS, rg.toS)
		}
		ranges[i] = rg
	}
	if !ok {
		return r.runRanges(a.Field, ranges, a.Keyed, a.Aggs, make(index.DocSet, len(docs)))
	}
	return r.runRanges(a.Field, ranges, a.Keyed, a.Aggs, docs)
}

func (a HistogramAgg) run(r *runner, docs index.DocSet) (Result, error) {
	if a.Interval <= 0 {
		return nil, apperr.Validationf("[interval] must be greater than 0 for histogram aggregation [%s]", a.Field)
	}
	fm, ok, err := r.numericField(a.Field, "histogram")
	if err != nil {
		return nil, err
	}
	res := Buckets{Keyed: a.Keyed, Buckets: []Bucket{}}
	if !ok {
		return res, nil
	}

	keyOf := func(v float64) float64 {
		return math.Floor((v-a.Offset)/a.Interval)*a.Interval + a.Offset
	}
	sets := make(map[float64]index.DocSet)
	err = r.eachDoc(docs, a.Field, func(seg int, ord uint32, fi *index.FieldIndex) {
		if fi == nil {
			return
		}
		for _, v := range fi.Numbers[ord] {
			k := keyOf(v)
			ds, ok := sets[k]
			if !ok {
				ds = make(index.DocSet, len(docs))
				sets[k] = ds
			}
			if ds[seg] == nil {
				ds[seg] = roaring.New()
			}
			ds[seg].Add(ord)
		}
	})
	if err != nil {
		return nil, err
	}
	if len(sets) == 0 {
		return res, nil
	}

	keys := make([]float64, 0, len(sets))
	for k := range sets {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	if a.MinDocCount == 0 {
		lo, hi := keys[0], keys[len(keys)-1]
		if (hi-lo)/a.Interval >= maxBuckets {
			return nil, apperr.Validationf("histogram on [%s] would create more than %d buckets", a.Field, maxBuckets)
		}
		keys = keys[:0]
		for i := 0; ; i++ {
			k := keyOf(lo + (float64(i)+0.5)*a.Interval)
			if k > hi {
				break
			}
			keys = append(keys, k)
		}
	}

	for _, k := range keys {
		ds, ok := sets[k]
		if !ok {
			ds = make(index.DocSet, len(docs))
		}
		count := ds.Cardinality()
		if count < a.MinDocCount {
			continue
		}
		b := Bucket{Key: k, DocCount: count}
		if fm.Type == mapping.FieldTypeDate {
			b.KeyAsString = mapping.FormatDate(k)
		} else if a.Keyed {
			b.KeyAsString = formatDouble(k)
		}
		if len(a.Aggs) > 0 {
			for seg := range docs {
				if docs[seg] != nil && ds[seg] == nil {
					ds[seg] = roaring.New()
				}
			}
			if b.Aggs, err = r.runSubs(a.Aggs, ds); err != nil {
				return nil, err
			}
		}
		res.Buckets = append(res.Buckets, b)
	}
	return res, nil
}

func (a FilterAgg) run(r *runner, docs index.DocSet) (Result, error) {
	matched, err := query.Filter(r.ctx, r.snap, a.Query, r.now)
	if err != nil {
		return nil, err
	}
	bucket := restrict(docs, func(seg int, bm *roaring.Bitmap) *roaring.Bitmap {
		return roaring.And(bm, matched[seg])
	})
	return r.singleBucket(bucket, a.Aggs)
}

func (a MissingAgg) run(r *runner, docs index.DocSet) (Result, error) {
	fm, err := r.snap.Mapping.Resolve(a.Field)
	if err == nil && fm.Type.IsContainer() {
		return nil, apperr.Validationf("field [%s] of type [%s] is not supported for aggregation [missing]", a.Field, fm.Type)
	}
	bucket := restrict(docs, func(seg int, bm *roaring.Bitmap) *roaring.Bitmap {
		out := bm.Clone()
		if fi := r.fieldIndex(seg, a.Field); fi != nil {
			out.AndNot(fi.Docs)
		}
		return out
	})
	return r.singleBucket(bucket, a.Aggs)
}

func (r *runner) singleBucket(docs index.DocSet, subs Aggs) (Result, error) {
	if err := r.check(); err != nil {
		return nil, err
	}
	res := SingleBucket{DocCount: docs.Cardinality()}
	var err error
	if res.Aggs, err = r.runSubs(subs, docs); err != nil {
		return nil, err
	}
	return res, nil
}
