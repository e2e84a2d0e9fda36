package index

import (
	"encoding/json"
	"fmt"
	"net/netip"
	"sort"
	"strconv"
	"strings"

	"github.com/RoaringBitmap/roaring"

	"asterengine/internal/analysis"
	"asterengine/internal/apperr"
	"asterengine/internal/mapping"
	"asterengine/internal/suggest"
)

// positionGap separates the token positions of consecutive values of a multi-valued text
// field so phrases never match across values.
const positionGap = 100

// StoredDoc is the retrievable form of one document version.
type StoredDoc struct {
	ID      string          `json:"id"`
	Version int64           `json:"version"`
	Routing string          `json:"routing,omitempty"`
	Source  json.RawMessage `json:"source"`
}

// PostingList records which ordinals of a scope contain a term, with per-ordinal
// frequencies and positions.
type PostingList struct {
	Docs      *roaring.Bitmap
	Freqs     map[uint32]int
	Positions map[uint32][]int
}

func newPostingList() *PostingList {
	return &PostingList{Docs: roaring.New(), Freqs: make(map[uint32]int), Positions: make(map[uint32][]int)}
}

func (p *PostingList) add(ord uint32, position int) {
	p.Docs.Add(ord)
	p.Freqs[ord]++
	if position >= 0 {
		p.Positions[ord] = append(p.Positions[ord], position)
	}
}

// FieldIndex holds the postings and doc values of one field within one scope of a segment.
type FieldIndex struct {
	Type        mapping.FieldType
	Terms       map[string]*PostingList
	Lengths     map[uint32]int
	TotalLength int
	// Docs is every ordinal holding at least one value for the field.
	Docs    *roaring.Bitmap
	Numbers map[uint32][]float64
	Strings map[uint32][]string
	Geo     map[uint32][]mapping.GeoPoint
	Ranges  map[uint32][]mapping.Range

	sortedTerms []string
}

func newFieldIndex(t mapping.FieldType) *FieldIndex {
	return &FieldIndex{
		Type:    t,
		Terms:   make(map[string]*PostingList),
		Lengths: make(map[uint32]int),
		Docs:    roaring.New(),
		Numbers: make(map[uint32][]float64),
		Strings: make(map[uint32][]string),
		Geo:     make(map[uint32][]mapping.GeoPoint),
		Ranges:  make(map[uint32][]mapping.Range),
	}
}

// SortedTerms returns the term dictionary in lexicographic order.
func (f *FieldIndex) SortedTerms() []string {
	if f == nil {
		return nil
	}
	return f.sortedTerms
}

// Posting returns the posting list of term, or nil.
func (f *FieldIndex) Posting(term string) *PostingList {
	if f == nil {
		return nil
	}
	return f.Terms[term]
}

// TermsWithPrefix returns the dictionary entries starting with prefix.
func (f *FieldIndex) TermsWithPrefix(prefix string) []string {
	terms := f.SortedTerms()
	start := sort.SearchStrings(terms, prefix)
	end := start
	for end < len(terms) && strings.HasPrefix(terms[end], prefix) {
		end++
	}
	return terms[start:end]
}

// Scope is either the root document space of a segment or the element space of one
// nested path. Ordinals of a nested scope point at their parent through Parent.
type Scope struct {
	Path       string
	ParentPath string
	Size       int
	Parent     []uint32
	Root       []uint32
	Fields     map[string]*FieldIndex
}

// Field returns the index of path within the scope, or nil.
func (s *Scope) Field(path string) *FieldIndex {
	if s == nil {
		return nil
	}
	return s.Fields[path]
}

// All returns every ordinal of the scope.
func (s *Scope) All() *roaring.Bitmap {
	all := roaring.New()
	if s.Size > 0 {
		all.AddRange(0, uint64(s.Size))
	}
	return all
}

func (s *Scope) field(path string, t mapping.FieldType) *FieldIndex {
	fi, ok := s.Fields[path]
	if !ok {
		fi = newFieldIndex(t)
		s.Fields[path] = fi
	}
	return fi
}

// Segment is an immutable batch of documents. Deletions are tracked outside the segment
// by the snapshot that references it.
type Segment struct {
	ID     string
	Docs   []StoredDoc
	Parsed []*mapping.ParsedDocument

	idOrd       map[string]uint32
	root        *Scope
	nested      map[string]*Scope
	completions map[string]*suggest.Completion
}

// Len returns the number of documents stored in the segment, deleted or not.
func (s *Segment) Len() int {
	return len(s.Docs)
}

// Root returns the root document scope.
func (s *Segment) Root() *Scope {
	return s.root
}

// Scope returns the scope for a nested path, or the root scope for "".
func (s *Segment) Scope(path string) *Scope {
	if path == "" {
		return s.root
	}
	return s.nested[path]
}

// Ordinal returns the ordinal of the document stored under id.
func (s *Segment) Ordinal(id string) (uint32, bool) {
	ord, ok := s.idOrd[id]
	return ord, ok
}

// Completion returns the completion automaton of a field, or nil.
func (s *Segment) Completion(field string) *suggest.Completion {
	return s.completions[field]
}

type segmentBuilder struct {
	seg       *Segment
	mappings  *mapping.Registry
	analyzers *analysis.Registry
	fieldMaps map[string]mapping.FieldMapping
}

// buildSegment indexes parsed documents into a new immutable segment. docs and parsed are
// aligned by ordinal.
func buildSegment(id string, docs []StoredDoc, parsed []*mapping.ParsedDocument, mappings *mapping.Registry, analyzers *analysis.Registry) (*Segment, error) {
	if len(docs) != len(parsed) {
		return nil, fmt.Errorf("segment %s: %d documents but %d parsed", id, len(docs), len(parsed))
	}

	b := &segmentBuilder{
		seg: &Segment{
			ID:          id,
			Docs:        docs,
			Parsed:      parsed,
			idOrd:       make(map[string]uint32, len(docs)),
			root:        &Scope{Fields: make(map[string]*FieldIndex)},
			nested:      make(map[string]*Scope),
			completions: make(map[string]*suggest.Completion),
		},
		mappings:  mappings,
		analyzers: analyzers,
		fieldMaps: make(map[string]mapping.FieldMapping),
	}

	for i, doc := range parsed {
		ord := uint32(i)
		b.seg.idOrd[docs[i].ID] = ord
		b.seg.root.Size++
		if err := b.addValues(b.seg.root, ord, ord, doc.Values); err != nil {
			return nil, err
		}
		if err := b.addNested(doc, "", ord, ord); err != nil {
			return nil, err
		}
	}

	b.finish(b.seg.root)
	for _, scope := range b.seg.nested {
		b.finish(scope)
	}
	return b.seg, nil
}

func (b *segmentBuilder) addNested(doc *mapping.ParsedDocument, parentPath string, parentOrd, rootOrd uint32) error {
	for _, child := range doc.Nested {
		scope, ok := b.seg.nested[child.Path]
		if !ok {
			scope = &Scope{Path: child.Path, ParentPath: parentPath, Fields: make(map[string]*FieldIndex)}
			b.seg.nested[child.Path] = scope
		}
		ord := uint32(scope.Size)
		scope.Size++
		scope.Parent = append(scope.Parent, parentOrd)
		scope.Root = append(scope.Root, rootOrd)
		if err := b.addValues(scope, ord, rootOrd, child.Values); err != nil {
			return err
		}
		if err := b.addNested(child, child.Path, ord, rootOrd); err != nil {
			return err
		}
	}
	return nil
}

func (b *segmentBuilder) fieldMapping(path string) (mapping.FieldMapping, error) {
	if fm, ok := b.fieldMaps[path]; ok {
		return fm, nil
	}
	fm, err := b.mappings.Resolve(path)
	if err != nil {
		return mapping.FieldMapping{}, err
	}
	b.fieldMaps[path] = fm
	return fm, nil
}

func (b *segmentBuilder) addValues(scope *Scope, ord, rootOrd uint32, values []mapping.Value) error {
	nextPosition := make(map[string]int)
	for _, v := range values {
		fi := scope.field(v.Path, v.Type)
		fi.Docs.Add(ord)

		switch v.Type {
		case mapping.FieldTypeText:
			fm, err := b.fieldMapping(v.Path)
			if err != nil {
				return err
			}
			analyzer, err := b.analyzers.Get(fm.IndexAnalyzer())
			if err != nil {
				return err
			}
			base := nextPosition[v.Path]
			last := base - 1
			count := 0
			for _, tok := range analyzer.Analyze(v.Text) {
				pos := base + tok.Position
				fi.posting(tok.Term).add(ord, pos)
				if pos > last {
					last = pos
				}
				count++
			}
			fi.Lengths[ord] += count
			fi.TotalLength += count
			nextPosition[v.Path] = last + positionGap

		case mapping.FieldTypeKeyword:
			fi.posting(v.Text).add(ord, -1)
			fi.Strings[ord] = append(fi.Strings[ord], v.Text)
			fi.Lengths[ord]++
			fi.TotalLength++

		case mapping.FieldTypeIP:
			fi.posting(v.Text).add(ord, -1)
			fi.Strings[ord] = append(fi.Strings[ord], v.Text)

		case mapping.FieldTypeBoolean:
			fi.posting(BoolTerm(v.Number != 0)).add(ord, -1)
			fi.Numbers[ord] = append(fi.Numbers[ord], v.Number)

		case mapping.FieldTypeInteger, mapping.FieldTypeLong, mapping.FieldTypeFloat, mapping.FieldTypeDouble, mapping.FieldTypeDate:
			fi.posting(NumericTerm(v.Number)).add(ord, -1)
			fi.Numbers[ord] = append(fi.Numbers[ord], v.Number)

		case mapping.FieldTypeGeoPoint:
			fi.Geo[ord] = append(fi.Geo[ord], v.Geo)

		case mapping.FieldTypeDateRange:
			fi.Ranges[ord] = append(fi.Ranges[ord], v.Range)

		case mapping.FieldTypeCompletion:
			fm, err := b.fieldMapping(v.Path)
			if err != nil {
				return err
			}
			analyzer, err := b.analyzers.Get(fm.IndexAnalyzer())
			if err != nil {
				return err
			}
			c, ok := b.seg.completions[v.Path]
			if !ok {
				c = suggest.NewCompletion()
				b.seg.completions[v.Path] = c
			}
			c.Add(strings.Join(analyzer.Terms(v.Text), " "), suggest.Entry{Text: v.Text, Weight: v.Weight, Doc: rootOrd})
		}
	}
	return nil
}

func (f *FieldIndex) posting(term string) *PostingList {
	p, ok := f.Terms[term]
	if !ok {
		p = newPostingList()
		f.Terms[term] = p
	}
	return p
}

func (b *segmentBuilder) finish(scope *Scope) {
	for _, fi := range scope.Fields {
		fi.sortedTerms = make([]string, 0, len(fi.Terms))
		for term, p := range fi.Terms {
			fi.sortedTerms = append(fi.sortedTerms, term)
			p.Docs.RunOptimize()
		}
		sort.Strings(fi.sortedTerms)
	}
}

// NumericTerm is the indexed term of a numeric, date or boolean-as-number value.
func NumericTerm(n float64) string {
	return strconv.FormatFloat(n, 'f', -1, 64)
}

// BoolTerm is the indexed term of a boolean value.
func BoolTerm(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

// EncodeTerm converts an unanalyzed query value into the term a field of type t indexes.
// It returns a validation error when the value cannot be represented in the field.
func EncodeTerm(fm mapping.FieldMapping, value any) (string, error) {
	switch fm.Type {
	case mapping.FieldTypeBoolean:
		switch v := value.(type) {
		case bool:
			return BoolTerm(v), nil
		case string:
			if v == "true" || v == "false" {
				return v, nil
			}
		}
		return "", apperr.Validationf("cannot parse [%v] as a boolean for field [%s]", value, fm.Path)
	case mapping.FieldTypeInteger, mapping.FieldTypeLong, mapping.FieldTypeFloat, mapping.FieldTypeDouble:
		if n, ok := mapping.ToFloat(value); ok {
			return NumericTerm(n), nil
		}
		if s, ok := value.(string); ok {
			if n, err := strconv.ParseFloat(strings.TrimSpace(s), 64); err == nil {
				return NumericTerm(n), nil
			}
		}
		return "", apperr.Validationf("cannot parse [%v] as a number for field [%s]", value, fm.Path)
	case mapping.FieldTypeDate:
		millis, err := mapping.ParseDateValue(value, fm.Format)
		if err != nil {
			return "", apperr.Validationf("cannot parse [%v] as a date for field [%s]", value, fm.Path)
		}
		return NumericTerm(millis), nil
	case mapping.FieldTypeIP:
		s, _ := value.(string)
		addr, err := netip.ParseAddr(strings.TrimSpace(s))
		if err != nil {
			return "", apperr.Validationf("[%v] is not an IP string literal", value)
		}
		return addr.Unmap().String(), nil
	}

	switch v := value.(type) {
	case string:
		return v, nil
	case bool:
		return BoolTerm(v), nil
	case nil:
		return "", apperr.Validationf("term value for field [%s] cannot be null", fm.Path)
	}
	if n, ok := mapping.ToFloat(value); ok {
		return NumericTerm(n), nil
	}
	return "", apperr.Validationf("unsupported term value [%v] for field [%s]", value, fm.Path)
}
