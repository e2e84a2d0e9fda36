package index

import (
	"sort"
	"sync"

	"github.com/RoaringBitmap/roaring"

	"asterengine/internal/analysis"
	"asterengine/internal/mapping"
	"asterengine/internal/suggest"
)

// Similarity holds the BM25 parameters of an index.
type Similarity struct {
	K1 float64 `json:"k1"`
	B  float64 `json:"b"`
}

// DefaultSimilarity mirrors the usual BM25 defaults.
var DefaultSimilarity = Similarity{K1: 1.2, B: 0.75}

// SegmentView pairs an immutable segment with the deletions visible to one snapshot.
type SegmentView struct {
	Segment *Segment
	Deleted *roaring.Bitmap
}

// IsLive reports whether the root ordinal is visible.
func (v SegmentView) IsLive(ord uint32) bool {
	return int(ord) < v.Segment.Len() && !v.Deleted.Contains(ord)
}

// Live returns the visible ordinals of scope. A nested element is visible when its root
// document is.
func (v SegmentView) Live(scope *Scope) *roaring.Bitmap {
	if scope == nil {
		return roaring.New()
	}
	if scope.Path == "" {
		live := scope.All()
		live.AndNot(v.Deleted)
		return live
	}
	live := roaring.New()
	for ord, root := range scope.Root {
		if !v.Deleted.Contains(root) {
			live.Add(uint32(ord))
		}
	}
	return live
}

// DocSet holds matched root ordinals per segment, aligned with Snapshot.Segments.
type DocSet []*roaring.Bitmap

// Cardinality returns the number of documents in the set.
func (d DocSet) Cardinality() int {
	total := 0
	for _, bm := range d {
		if bm != nil {
			total += int(bm.GetCardinality())
		}
	}
	return total
}

// FieldStats are the live-document statistics BM25 needs for one field.
type FieldStats struct {
	DocCount  int
	SumLength int
}

// AvgLength returns the mean field length over documents holding the field.
func (s FieldStats) AvgLength() float64 {
	if s.DocCount == 0 {
		return 1
	}
	avg := float64(s.SumLength) / float64(s.DocCount)
	if avg == 0 {
		return 1
	}
	return avg
}

// Snapshot is an immutable point-in-time view of an index. Readers hold a Snapshot for the
// whole evaluation; later writes publish a new one and never change this one.
type Snapshot struct {
	Segments   []SegmentView
	Mapping    *mapping.Registry
	Analyzers  *analysis.Registry
	Similarity Similarity
	Generation uint64

	statsMu sync.Mutex
	stats   map[string]FieldStats
}

// DocCount returns the number of live documents.
func (s *Snapshot) DocCount() int {
	total := 0
	for _, v := range s.Segments {
		total += v.Segment.Len() - int(v.Deleted.GetCardinality())
	}
	return total
}

// DeletedCount returns the number of tombstoned versions still held by segments.
func (s *Snapshot) DeletedCount() int {
	total := 0
	for _, v := range s.Segments {
		total += int(v.Deleted.GetCardinality())
	}
	return total
}

// AllDocs returns every live root document.
func (s *Snapshot) AllDocs() DocSet {
	docs := make(DocSet, len(s.Segments))
	for i, v := range s.Segments {
		docs[i] = v.Live(v.Segment.Root())
	}
	return docs
}

// Get returns the live version of a document.
func (s *Snapshot) Get(id string) (StoredDoc, bool) {
	for i := len(s.Segments) - 1; i >= 0; i-- {
		v := s.Segments[i]
		if ord, ok := v.Segment.Ordinal(id); ok && v.IsLive(ord) {
			return v.Segment.Docs[ord], true
		}
	}
	return StoredDoc{}, false
}

// Doc returns the stored document at a root ordinal of segment seg.
func (s *Snapshot) Doc(seg int, ord uint32) StoredDoc {
	return s.Segments[seg].Segment.Docs[ord]
}

// DocFreq returns the number of live ordinals of scope holding term in field.
func (s *Snapshot) DocFreq(scope, field, term string) int {
	total := 0
	for _, v := range s.Segments {
		sc := v.Segment.Scope(scope)
		p := sc.Field(field).Posting(term)
		if p == nil {
			continue
		}
		total += v.liveCardinality(sc, p.Docs)
	}
	return total
}

func (v SegmentView) liveCardinality(scope *Scope, docs *roaring.Bitmap) int {
	if scope.Path == "" {
		return int(docs.GetCardinality() - docs.AndCardinality(v.Deleted))
	}
	n := 0
	it := docs.Iterator()
	for it.HasNext() {
		if !v.Deleted.Contains(scope.Root[it.Next()]) {
			n++
		}
	}
	return n
}

// FieldStats returns live document count and summed field length for field in scope.
// Results are cached for the lifetime of the snapshot.
func (s *Snapshot) FieldStats(scope, field string) FieldStats {
	key := scope + "\x00" + field
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	if st, ok := s.stats[key]; ok {
		return st
	}

	var st FieldStats
	for _, v := range s.Segments {
		sc := v.Segment.Scope(scope)
		fi := sc.Field(field)
		if fi == nil {
			continue
		}
		it := fi.Docs.Iterator()
		for it.HasNext() {
			ord := it.Next()
			root := ord
			if sc.Path != "" {
				root = sc.Root[ord]
			}
			if v.Deleted.Contains(root) {
				continue
			}
			st.DocCount++
			st.SumLength += fi.Lengths[ord]
		}
	}

	if s.stats == nil {
		s.stats = make(map[string]FieldStats)
	}
	s.stats[key] = st
	return st
}

// TermStats returns the merged term dictionary of a root field with live document
// frequencies, sorted by term.
func (s *Snapshot) TermStats(field string) []suggest.TermStat {
	freqs := make(map[string]int)
	for _, v := range s.Segments {
		root := v.Segment.Root()
		fi := root.Field(field)
		if fi == nil {
			continue
		}
		for term, p := range fi.Terms {
			if n := v.liveCardinality(root, p.Docs); n > 0 {
				freqs[term] += n
			}
		}
	}

	stats := make([]suggest.TermStat, 0, len(freqs))
	for term, n := range freqs {
		stats = append(stats, suggest.TermStat{Term: term, DocFreq: n})
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].Term < stats[j].Term })
	return stats
}

// Completions calls fn for every live completion entry of field whose analyzed input
// starts with prefix.
func (s *Snapshot) Completions(field, prefix string, fn func(doc StoredDoc, e suggest.Entry)) {
	for _, v := range s.Segments {
		v.Segment.Completion(field).Lookup(prefix, func(e suggest.Entry) {
			if v.IsLive(e.Doc) {
				fn(v.Segment.Docs[e.Doc], e)
			}
		})
	}
}
