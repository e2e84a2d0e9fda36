package mapping

import (
	"math"
	"strings"

	"asterengine/internal/apperr"
)

// ParsedDocument is a validated document split into indexable values. The root document
// has an empty Path; every element of a nested array becomes its own ParsedDocument whose
// Path is the nested field's path.
type ParsedDocument struct {
	Path   string
	Values []Value
	Nested []*ParsedDocument
}

// ValuesOf returns the values recorded for path in this scope only.
func (d *ParsedDocument) ValuesOf(path string) []Value {
	var out []Value
	for _, v := range d.Values {
		if v.Path == path {
			out = append(out, v)
		}
	}
	return out
}

// Parse validates source against the mapping and normalizes every field. Mappings inferred
// for unseen fields are committed only when the whole document parses.
func (r *Registry) Parse(source map[string]any) (*ParsedDocument, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	staged := r.stage()
	p := &parser{reg: staged, root: &ParsedDocument{}}
	p.indexMultiFields()
	if err := p.object(p.root, "", source); err != nil {
		return nil, err
	}
	r.fields = staged.fields
	return p.root, nil
}

type parser struct {
	reg   *Registry
	root  *ParsedDocument
	multi map[string][]FieldMapping
}

func (p *parser) indexMultiFields() {
	p.multi = make(map[string][]FieldMapping)
	for _, path := range sortedKeys(p.reg.fields) {
		fm := p.reg.fields[path]
		if fm.MultiFieldOf != "" {
			p.multi[fm.MultiFieldOf] = append(p.multi[fm.MultiFieldOf], fm)
		}
	}
}

func (p *parser) object(scope *ParsedDocument, prefix string, obj map[string]any) error {
	for _, key := range sortedKeys(obj) {
		path := key
		if prefix != "" {
			path = prefix + "." + key
		}
		if err := p.field(scope, path, obj[key]); err != nil {
			return err
		}
	}
	return nil
}

func (p *parser) field(scope *ParsedDocument, path string, raw any) error {
	if strings.HasPrefix(path, "_") {
		return apperr.Validationf("field [%s] is a metadata field and cannot be set in the document", path)
	}
	fm, ok := p.reg.fields[path]
	if !ok {
		mapped, skip, err := p.dynamic(path, raw)
		if err != nil || skip {
			return err
		}
		fm = mapped
	}

	switch fm.Type {
	case FieldTypeNested:
		elements, err := objects(fm, raw)
		if err != nil {
			return err
		}
		for _, elem := range elements {
			child := &ParsedDocument{Path: path}
			if err := p.object(child, path, elem); err != nil {
				return err
			}
			scope.Nested = append(scope.Nested, child)
		}
		return nil
	case FieldTypeObject:
		elements, err := objects(fm, raw)
		if err != nil {
			return err
		}
		for _, elem := range elements {
			if err := p.object(scope, path, elem); err != nil {
				return err
			}
		}
		return nil
	}
	return p.leaf(scope, fm, raw, true)
}

func objects(fm FieldMapping, raw any) ([]map[string]any, error) {
	switch v := raw.(type) {
	case nil:
		return nil, nil
	case map[string]any:
		return []map[string]any{v}, nil
	case []any:
		out := make([]map[string]any, 0, len(v))
		for _, item := range v {
			if item == nil {
				continue
			}
			obj, ok := item.(map[string]any)
			if !ok {
				return nil, apperr.Validationf("field [%s] of type [%s] expects objects, found %s", fm.Path, fm.Type, describe(item))
			}
			out = append(out, obj)
		}
		return out, nil
	}
	return nil, apperr.Validationf("field [%s] of type [%s] expects an object, found %s", fm.Path, fm.Type, describe(raw))
}

func (p *parser) leaf(scope *ParsedDocument, fm FieldMapping, raw any, followCopy bool) error {
	if raw == nil {
		if fm.NullValue == nil {
			return nil
		}
		raw = fm.NullValue
	}
	if list, ok := raw.([]any); ok && !(fm.Type == FieldTypeGeoPoint && isGeoPair(list)) && fm.Type != FieldTypeCompletion {
		for _, item := range list {
			if _, nestedList := item.([]any); nestedList && fm.Type != FieldTypeGeoPoint {
				return apperr.Validationf("field [%s] does not support arrays of arrays", fm.Path)
			}
			if err := p.leaf(scope, fm, item, followCopy); err != nil {
				return err
			}
		}
		return nil
	}
	if _, isObj := raw.(map[string]any); isObj && fm.Type != FieldTypeGeoPoint && fm.Type != FieldTypeCompletion && fm.Type != FieldTypeDateRange {
		return apperr.Validationf("field [%s] of type [%s] cannot hold an object", fm.Path, fm.Type)
	}

	values, err := normalize(fm, raw)
	if err != nil {
		return err
	}
	scope.Values = append(scope.Values, values...)

	for _, sub := range p.multi[fm.Path] {
		subValues, err := normalize(sub, raw)
		if err != nil {
			// a multi-field that cannot represent the value is skipped, the parent is authoritative
			continue
		}
		scope.Values = append(scope.Values, subValues...)
	}

	if !followCopy {
		return nil
	}
	for _, dest := range fm.CopyTo {
		destFm, ok := p.reg.fields[dest]
		if !ok {
			mapped, skip, err := p.dynamic(dest, raw)
			if err != nil {
				return err
			}
			if skip {
				continue
			}
			destFm = mapped
		}
		if destFm.Type.IsContainer() {
			return apperr.Validationf("copy_to target [%s] of field [%s] is an %s", dest, fm.Path, destFm.Type)
		}
		target := p.root
		if p.reg.nestedScope(dest) == scope.Path {
			target = scope
		}
		if err := p.leaf(target, destFm, raw, false); err != nil {
			return err
		}
	}
	return nil
}

// dynamic maps an unseen field according to the dynamic mode. skip is true when the value
// should only live in _source.
func (p *parser) dynamic(path string, raw any) (FieldMapping, bool, error) {
	if raw == nil {
		return FieldMapping{}, true, nil
	}
	switch p.reg.dynamic {
	case DynamicStrict:
		return FieldMapping{}, false, apperr.Validationf("mapping set to strict, dynamic introduction of [%s] is not allowed", path)
	case DynamicFalse:
		return FieldMapping{}, true, nil
	}
	fm, ok := Infer(raw)
	if !ok {
		return FieldMapping{}, true, nil
	}
	if err := p.reg.declare(path, fm, ""); err != nil {
		return FieldMapping{}, false, err
	}
	p.indexMultiFields()
	return p.reg.fields[path], false, nil
}

// Infer proposes a mapping for a JSON value. Arrays take the type of their first non-null
// element; empty arrays and nulls cannot be inferred.
func Infer(raw any) (FieldMapping, bool) {
	switch v := raw.(type) {
	case bool:
		return FieldMapping{Type: FieldTypeBoolean}, true
	case string:
		if LooksLikeDate(v) {
			return FieldMapping{Type: FieldTypeDate}, true
		}
		return FieldMapping{
			Type:   FieldTypeText,
			Fields: map[string]FieldMapping{"keyword": {Type: FieldTypeKeyword, IgnoreAbove: 256}},
		}, true
	case map[string]any:
		return FieldMapping{Type: FieldTypeObject}, true
	case []any:
		for _, item := range v {
			if item != nil {
				return Infer(item)
			}
		}
		return FieldMapping{}, false
	}
	if n, ok := toFloat(raw); ok {
		if n == math.Trunc(n) {
			return FieldMapping{Type: FieldTypeLong}, true
		}
		return FieldMapping{Type: FieldTypeFloat}, true
	}
	return FieldMapping{}, false
}
