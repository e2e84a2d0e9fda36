// Package mapping declares the typed schema of an index. It resolves field paths to their
// declared types, infers mappings for unseen fields and validates document values against
// the declared types before anything reaches the index.
package mapping

import (
	"encoding/json"
	"sort"
	"strings"
	"sync"

	"asterengine/internal/apperr"
)

// FieldType represents the supported field data types.
type FieldType string

const (
	FieldTypeKeyword    FieldType = "keyword"
	FieldTypeText       FieldType = "text"
	FieldTypeInteger    FieldType = "integer"
	FieldTypeLong       FieldType = "long"
	FieldTypeFloat      FieldType = "float"
	FieldTypeDouble     FieldType = "double"
	FieldTypeBoolean    FieldType = "boolean"
	FieldTypeDate       FieldType = "date"
	FieldTypeGeoPoint   FieldType = "geo_point"
	FieldTypeIP         FieldType = "ip"
	FieldTypeNested     FieldType = "nested"
	FieldTypeObject     FieldType = "object"
	FieldTypeCompletion FieldType = "completion"
	FieldTypeDateRange  FieldType = "date_range"
)

var knownTypes = map[FieldType]struct{}{
	FieldTypeKeyword: {}, FieldTypeText: {}, FieldTypeInteger: {}, FieldTypeLong: {},
	FieldTypeFloat: {}, FieldTypeDouble: {}, FieldTypeBoolean: {}, FieldTypeDate: {},
	FieldTypeGeoPoint: {}, FieldTypeIP: {}, FieldTypeNested: {}, FieldTypeObject: {},
	FieldTypeCompletion: {}, FieldTypeDateRange: {},
}

// IsNumeric reports whether values of t are stored as numbers.
func (t FieldType) IsNumeric() bool {
	switch t {
	case FieldTypeInteger, FieldTypeLong, FieldTypeFloat, FieldTypeDouble:
		return true
	}
	return false
}

// IsContainer reports whether t only groups child fields.
func (t FieldType) IsContainer() bool {
	return t == FieldTypeObject || t == FieldTypeNested
}

// Analyzed reports whether values of t go through an analyzer.
func (t FieldType) Analyzed() bool {
	return t == FieldTypeText || t == FieldTypeCompletion
}

// Dynamic controls what happens to fields that have no mapping.
type Dynamic string

const (
	DynamicTrue   Dynamic = "true"
	DynamicFalse  Dynamic = "false"
	DynamicStrict Dynamic = "strict"
)

func (d *Dynamic) UnmarshalJSON(data []byte) error {
	var b bool
	if err := json.Unmarshal(data, &b); err == nil {
		if b {
			*d = DynamicTrue
		} else {
			*d = DynamicFalse
		}
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return apperr.Configurationf("dynamic must be true, false or \"strict\"")
	}
	switch Dynamic(s) {
	case DynamicTrue, DynamicFalse, DynamicStrict:
		*d = Dynamic(s)
		return nil
	}
	return apperr.Configurationf("unknown dynamic mode %q", s)
}

// StringList accepts a single string or an array of strings.
type StringList []string

func (l *StringList) UnmarshalJSON(data []byte) error {
	var one string
	if err := json.Unmarshal(data, &one); err == nil {
		*l = StringList{one}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return apperr.Configurationf("expected a string or an array of strings")
	}
	*l = many
	return nil
}

// FieldMapping describes how a single field is validated and indexed.
type FieldMapping struct {
	Path           string                  `json:"-"`
	Type           FieldType               `json:"type,omitempty"`
	Analyzer       string                  `json:"analyzer,omitempty"`
	SearchAnalyzer string                  `json:"search_analyzer,omitempty"`
	NullValue      any                     `json:"null_value,omitempty"`
	CopyTo         StringList              `json:"copy_to,omitempty"`
	Fields         map[string]FieldMapping `json:"fields,omitempty"`
	Properties     map[string]FieldMapping `json:"properties,omitempty"`
	Format         string                  `json:"format,omitempty"`
	IgnoreAbove    int                     `json:"ignore_above,omitempty"`

	// MultiFieldOf is set on sub-fields declared under "fields"; they are fed from the
	// parent's value instead of from the document.
	MultiFieldOf string `json:"-"`
}

// IndexAnalyzer returns the analyzer used at index time ("" selects the index default).
func (m FieldMapping) IndexAnalyzer() string {
	if m.Analyzer == "" && m.Type == FieldTypeCompletion {
		return "simple"
	}
	return m.Analyzer
}

// QueryAnalyzer returns the analyzer used at query time; it defaults to the index analyzer.
func (m FieldMapping) QueryAnalyzer() string {
	if m.SearchAnalyzer != "" {
		return m.SearchAnalyzer
	}
	return m.IndexAnalyzer()
}

// Mapping is the root mapping of an index.
type Mapping struct {
	Dynamic    Dynamic                 `json:"dynamic,omitempty"`
	Properties map[string]FieldMapping `json:"properties,omitempty"`
}

// AnalyzerSet resolves analyzer names; *analysis.Registry satisfies it.
type AnalyzerSet interface {
	Has(name string) bool
}

// Registry holds the flattened field mappings of one index. It is safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	dynamic   Dynamic
	fields    map[string]FieldMapping
	analyzers AnalyzerSet
}

// NewRegistry builds a registry from an explicit mapping. analyzers may be nil, in which
// case analyzer names are not checked.
func NewRegistry(m Mapping, analyzers AnalyzerSet) (*Registry, error) {
	r := &Registry{
		dynamic:   DynamicTrue,
		fields:    make(map[string]FieldMapping),
		analyzers: analyzers,
	}
	if m.Dynamic != "" {
		r.dynamic = m.Dynamic
	}
	if err := r.PutMapping(m); err != nil {
		return nil, err
	}
	return r, nil
}

// Dynamic returns the root dynamic mode.
func (r *Registry) Dynamic() Dynamic {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.dynamic
}

// Declare registers a single field (and its children). Redeclaring an existing field with
// the same type merges new multi-fields and copy_to targets; a different type fails with
// a mapping conflict.
func (r *Registry) Declare(path string, fm FieldMapping) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	staged := r.stage()
	if err := staged.declare(path, fm, ""); err != nil {
		return err
	}
	r.fields = staged.fields
	return nil
}

// PutMapping declares every property of m. It is all-or-nothing.
func (r *Registry) PutMapping(m Mapping) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	staged := r.stage()
	for _, name := range sortedKeys(m.Properties) {
		if err := staged.declare(name, m.Properties[name], ""); err != nil {
			return err
		}
	}
	r.fields = staged.fields
	if m.Dynamic != "" {
		r.dynamic = m.Dynamic
	}
	return nil
}

// Resolve returns the mapping declared for path.
func (r *Registry) Resolve(path string) (FieldMapping, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	fm, ok := r.fields[path]
	if !ok {
		return FieldMapping{}, apperr.NotFoundf("no mapping for field [%s]", path)
	}
	return fm, nil
}

// Fields returns every declared leaf and container mapping ordered by path.
func (r *Registry) Fields() []FieldMapping {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]FieldMapping, 0, len(r.fields))
	for _, path := range sortedKeys(r.fields) {
		out = append(out, r.fields[path])
	}
	return out
}

// Match returns the paths of all declared non-container fields matching pattern, which may
// contain '*' wildcards.
func (r *Registry) Match(pattern string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []string
	for _, path := range sortedKeys(r.fields) {
		if r.fields[path].Type.IsContainer() {
			continue
		}
		if globMatch(pattern, path) {
			out = append(out, path)
		}
	}
	return out
}

// NestedScope returns the innermost nested path enclosing path, or "" for the root.
func (r *Registry) NestedScope(path string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.nestedScope(path)
}

func (r *Registry) nestedScope(path string) string {
	for {
		idx := strings.LastIndexByte(path, '.')
		if idx < 0 {
			return ""
		}
		path = path[:idx]
		if fm, ok := r.fields[path]; ok && fm.Type == FieldTypeNested {
			return path
		}
	}
}

// Mapping rebuilds the nested property tree, as returned by the mapping API.
func (r *Registry) Mapping() Mapping {
	r.mu.RLock()
	defer r.mu.RUnlock()

	root := Mapping{Dynamic: r.dynamic, Properties: map[string]FieldMapping{}}
	for _, path := range sortedKeys(r.fields) {
		fm := r.fields[path]
		if fm.MultiFieldOf != "" {
			continue
		}
		insertTree(root.Properties, strings.Split(path, "."), r.tree(fm))
	}
	return root
}

func (r *Registry) tree(fm FieldMapping) FieldMapping {
	out := fm
	out.Properties = nil
	out.Fields = nil
	for _, path := range sortedKeys(r.fields) {
		sub := r.fields[path]
		if sub.MultiFieldOf == fm.Path {
			if out.Fields == nil {
				out.Fields = map[string]FieldMapping{}
			}
			out.Fields[strings.TrimPrefix(path, fm.Path+".")] = r.tree(sub)
		}
	}
	return out
}

func insertTree(props map[string]FieldMapping, parts []string, fm FieldMapping) {
	if len(parts) == 1 {
		existing, ok := props[parts[0]]
		if ok && existing.Properties != nil {
			fm.Properties = existing.Properties
		}
		props[parts[0]] = fm
		return
	}
	parent := props[parts[0]]
	if parent.Properties == nil {
		parent.Properties = map[string]FieldMapping{}
	}
	insertTree(parent.Properties, parts[1:], fm)
	props[parts[0]] = parent
}

// stage copies the field table so a declaration can be applied atomically.
func (r *Registry) stage() *Registry {
	fields := make(map[string]FieldMapping, len(r.fields))
	for k, v := range r.fields {
		fields[k] = v
	}
	return &Registry{dynamic: r.dynamic, fields: fields, analyzers: r.analyzers}
}

func (r *Registry) declare(path string, fm FieldMapping, multiOf string) error {
	path = strings.TrimSpace(path)
	if path == "" || strings.HasPrefix(path, ".") || strings.HasSuffix(path, ".") || strings.HasPrefix(path, "_") {
		return apperr.Validationf("invalid field name [%s]", path)
	}
	if fm.Type == "" {
		if len(fm.Properties) > 0 {
			fm.Type = FieldTypeObject
		} else {
			return apperr.Configurationf("no type specified for field [%s]", path)
		}
	}
	if _, ok := knownTypes[fm.Type]; !ok {
		return apperr.Configurationf("unknown field type [%s] for field [%s]", fm.Type, path)
	}
	if err := r.checkAnalyzers(path, fm); err != nil {
		return err
	}
	if fm.Type.IsContainer() && len(fm.Fields) > 0 {
		return apperr.Configurationf("field [%s] of type [%s] cannot declare multi-fields", path, fm.Type)
	}
	if err := r.ensureParents(path, multiOf); err != nil {
		return err
	}

	children, subFields := fm.Properties, fm.Fields
	fm.Path = path
	fm.MultiFieldOf = multiOf
	fm.Properties = nil
	fm.Fields = nil

	if existing, ok := r.fields[path]; ok {
		if existing.Type != fm.Type {
			return apperr.Newf(apperr.ErrMappingConflict,
				"mapper [%s] cannot be changed from type [%s] to [%s]", path, existing.Type, fm.Type)
		}
		existing.CopyTo = mergeStrings(existing.CopyTo, fm.CopyTo)
		fm = existing
	}
	r.fields[path] = fm

	for _, name := range sortedKeys(children) {
		if err := r.declare(path+"."+name, children[name], ""); err != nil {
			return err
		}
	}
	for _, name := range sortedKeys(subFields) {
		sub := subFields[name]
		if sub.Type.IsContainer() {
			return apperr.Configurationf("multi-field [%s.%s] cannot be of type [%s]", path, name, sub.Type)
		}
		if err := r.declare(path+"."+name, sub, path); err != nil {
			return err
		}
	}
	return nil
}

func (r *Registry) checkAnalyzers(path string, fm FieldMapping) error {
	if fm.Analyzer == "" && fm.SearchAnalyzer == "" {
		return nil
	}
	if !fm.Type.Analyzed() {
		return apperr.Configurationf("field [%s] of type [%s] does not support analyzers", path, fm.Type)
	}
	if r.analyzers == nil {
		return nil
	}
	for _, name := range []string{fm.Analyzer, fm.SearchAnalyzer} {
		if name != "" && !r.analyzers.Has(name) {
			return apperr.Configurationf("analyzer [%s] not found for field [%s]", name, path)
		}
	}
	return nil
}

// ensureParents declares missing intermediate objects and rejects paths that would
// descend into a leaf field.
func (r *Registry) ensureParents(path, multiOf string) error {
	parts := strings.Split(path, ".")
	for i := 1; i < len(parts); i++ {
		parent := strings.Join(parts[:i], ".")
		existing, ok := r.fields[parent]
		if !ok {
			r.fields[parent] = FieldMapping{Path: parent, Type: FieldTypeObject}
			continue
		}
		if !existing.Type.IsContainer() && parent != multiOf {
			return apperr.Newf(apperr.ErrMappingConflict,
				"cannot add field [%s] below [%s] of type [%s]", path, parent, existing.Type)
		}
	}
	return nil
}

func mergeStrings(a, b []string) []string {
	out := append([]string(nil), a...)
	for _, s := range b {
		found := false
		for _, existing := range out {
			if existing == s {
				found = true
				break
			}
		}
		if !found {
			out = append(out, s)
		}
	}
	return out
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// globMatch matches s against a pattern where '*' spans any run of characters.
func globMatch(pattern, s string) bool {
	if !strings.Contains(pattern, "*") {
		return pattern == s
	}
	parts := strings.Split(pattern, "*")
	if !strings.HasPrefix(s, parts[0]) {
		return false
	}
	s = s[len(parts[0]):]
	for i := 1; i < len(parts)-1; i++ {
		idx := strings.Index(s, parts[i])
		if idx < 0 {
			return false
		}
		s = s[idx+len(parts[i]):]
	}
	return strings.HasSuffix(s, parts[len(parts)-1])
}
