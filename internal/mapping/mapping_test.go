package mapping

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"asterengine/internal/apperr"
)

type analyzerNames map[string]bool

func (a analyzerNames) Has(name string) bool { return a[name] }

func mustRegistry(t *testing.T, m Mapping) *Registry {
	t.Helper()
	reg, err := NewRegistry(m, analyzerNames{"standard": true, "simple": true, "english": true})
	require.NoError(t, err)
	return reg
}

func TestIntegerFieldRejectsNonNumericValues(t *testing.T) {
	reg := mustRegistry(t, Mapping{Properties: map[string]FieldMapping{"age": {Type: FieldTypeInteger}}})

	doc, err := reg.Parse(map[string]any{"age": float64(30)})
	require.NoError(t, err)
	require.Len(t, doc.Values, 1)
	assert.Equal(t, float64(30), doc.Values[0].Number)

	for _, bad := range []any{"thirty", "30", 3.5, true, float64(1 << 40)} {
		_, err := reg.Parse(map[string]any{"age": bad})
		assert.ErrorIs(t, err, apperr.ErrValidation, "value %v", bad)
	}

	fm, err := reg.Resolve("age")
	require.NoError(t, err)
	assert.Equal(t, FieldTypeInteger, fm.Type)
}

func TestDynamicInference(t *testing.T) {
	reg := mustRegistry(t, Mapping{})

	_, err := reg.Parse(map[string]any{
		"count":   float64(5),
		"price":   9.5,
		"active":  true,
		"created": "2024-01-15",
		"title":   "hello world",
		"tags":    []any{"a", "b"},
		"owner":   map[string]any{"name": "ann"},
	})
	require.NoError(t, err)

	want := map[string]FieldType{
		"count":         FieldTypeLong,
		"price":         FieldTypeFloat,
		"active":        FieldTypeBoolean,
		"created":       FieldTypeDate,
		"title":         FieldTypeText,
		"title.keyword": FieldTypeKeyword,
		"tags":          FieldTypeText,
		"owner":         FieldTypeObject,
		"owner.name":    FieldTypeText,
	}
	for path, typ := range want {
		fm, err := reg.Resolve(path)
		require.NoError(t, err, path)
		assert.Equal(t, typ, fm.Type, path)
	}

	// the inferred long type is now binding
	_, err = reg.Parse(map[string]any{"count": "five"})
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestDynamicMappingsCommittedOnlyOnSuccess(t *testing.T) {
	reg := mustRegistry(t, Mapping{Properties: map[string]FieldMapping{"count": {Type: FieldTypeLong}}})

	_, err := reg.Parse(map[string]any{"aaa": "x", "count": "bad"})
	require.ErrorIs(t, err, apperr.ErrValidation)

	_, err = reg.Resolve("aaa")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestDeclareConflicts(t *testing.T) {
	reg := mustRegistry(t, Mapping{})

	require.NoError(t, reg.Declare("title", FieldMapping{Type: FieldTypeText}))
	err := reg.Declare("title", FieldMapping{Type: FieldTypeKeyword})
	assert.ErrorIs(t, err, apperr.ErrMappingConflict)

	require.NoError(t, reg.Declare("title", FieldMapping{Type: FieldTypeText, CopyTo: StringList{"all"}}))
	fm, err := reg.Resolve("title")
	require.NoError(t, err)
	assert.Equal(t, []string{"all"}, []string(fm.CopyTo))

	err = reg.Declare("title.inner", FieldMapping{Type: FieldTypeKeyword})
	assert.ErrorIs(t, err, apperr.ErrMappingConflict)

	err = reg.Declare("body", FieldMapping{Type: FieldTypeText, Analyzer: "missing"})
	assert.ErrorIs(t, err, apperr.ErrConfiguration)

	err = reg.Declare("n", FieldMapping{Type: "vector"})
	assert.ErrorIs(t, err, apperr.ErrConfiguration)
}

func TestDynamicModes(t *testing.T) {
	strict := mustRegistry(t, Mapping{Dynamic: DynamicStrict, Properties: map[string]FieldMapping{"name": {Type: FieldTypeKeyword}}})
	_, err := strict.Parse(map[string]any{"name": "a", "other": float64(1)})
	assert.ErrorIs(t, err, apperr.ErrValidation)

	off := mustRegistry(t, Mapping{Dynamic: DynamicFalse})
	doc, err := off.Parse(map[string]any{"other": float64(1)})
	require.NoError(t, err)
	assert.Empty(t, doc.Values)
	_, err = off.Resolve("other")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestCopyToAndNullValue(t *testing.T) {
	reg := mustRegistry(t, Mapping{Properties: map[string]FieldMapping{
		"first_name": {Type: FieldTypeText, CopyTo: StringList{"full_name"}},
		"last_name":  {Type: FieldTypeText, CopyTo: StringList{"full_name"}},
		"full_name":  {Type: FieldTypeText},
		"status":     {Type: FieldTypeKeyword, NullValue: "NULL"},
	}})

	doc, err := reg.Parse(map[string]any{"first_name": "John", "last_name": "Smith", "status": nil})
	require.NoError(t, err)

	var full []string
	for _, v := range doc.ValuesOf("full_name") {
		full = append(full, v.Text)
	}
	assert.Equal(t, []string{"John", "Smith"}, full)

	status := doc.ValuesOf("status")
	require.Len(t, status, 1)
	assert.Equal(t, "NULL", status[0].Text)
}

func TestNestedElementsStayIsolated(t *testing.T) {
	reg := mustRegistry(t, Mapping{Properties: map[string]FieldMapping{
		"companies": {Type: FieldTypeNested, Properties: map[string]FieldMapping{
			"companyName": {Type: FieldTypeKeyword},
			"companyCd":   {Type: FieldTypeKeyword},
		}},
		"offices": {Type: FieldTypeObject, Properties: map[string]FieldMapping{
			"city": {Type: FieldTypeKeyword},
		}},
	}})

	doc, err := reg.Parse(map[string]any{
		"companies": []any{
			map[string]any{"companyCd": "1", "companyName": "X"},
			map[string]any{"companyCd": "2", "companyName": "Y"},
		},
		"offices": []any{map[string]any{"city": "Oslo"}, map[string]any{"city": "Bergen"}},
	})
	require.NoError(t, err)

	require.Len(t, doc.Nested, 2)
	assert.Equal(t, "companies", doc.Nested[0].Path)
	assert.Equal(t, "1", doc.Nested[0].ValuesOf("companies.companyCd")[0].Text)
	assert.Equal(t, "X", doc.Nested[0].ValuesOf("companies.companyName")[0].Text)
	assert.Equal(t, "Y", doc.Nested[1].ValuesOf("companies.companyName")[0].Text)
	assert.Empty(t, doc.ValuesOf("companies.companyName"))

	assert.Len(t, doc.ValuesOf("offices.city"), 2)
	assert.Equal(t, "companies", reg.NestedScope("companies.companyName"))
	assert.Equal(t, "", reg.NestedScope("offices.city"))
}

func TestSpecialFieldTypes(t *testing.T) {
	reg := mustRegistry(t, Mapping{Properties: map[string]FieldMapping{
		"location": {Type: FieldTypeGeoPoint},
		"addr":     {Type: FieldTypeIP},
		"period":   {Type: FieldTypeDateRange},
		"suggest":  {Type: FieldTypeCompletion},
		"born":     {Type: FieldTypeDate, Format: "yyyy/MM/dd||epoch_millis"},
	}})

	doc, err := reg.Parse(map[string]any{
		"location": "41.12,-71.34",
		"addr":     "::ffff:192.168.0.1",
		"period":   map[string]any{"gte": "2024-01-01", "lt": "2024-02-01"},
		"suggest":  map[string]any{"input": []any{"Fall", "love"}, "weight": float64(3)},
		"born":     "2015/01/01",
	})
	require.NoError(t, err)

	loc := doc.ValuesOf("location")[0].Geo
	assert.InDelta(t, 41.12, loc.Lat, 1e-9)
	assert.InDelta(t, -71.34, loc.Lon, 1e-9)
	assert.Equal(t, "192.168.0.1", doc.ValuesOf("addr")[0].Text)

	period := doc.ValuesOf("period")[0].Range
	assert.Equal(t, float64(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC).UnixMilli()), period.Gte)
	assert.Equal(t, float64(time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC).UnixMilli()-1), period.Lte)

	suggest := doc.ValuesOf("suggest")
	require.Len(t, suggest, 1)
	assert.Equal(t, "Fall love", suggest[0].Text)
	assert.Equal(t, 3, suggest[0].Weight)

	assert.Equal(t, float64(time.Date(2015, 1, 1, 0, 0, 0, 0, time.UTC).UnixMilli()), doc.ValuesOf("born")[0].Number)

	doc, err = reg.Parse(map[string]any{"suggest": []any{"Nevermind", "Nirvana"}, "location": []any{-71.34, 41.12}})
	require.NoError(t, err)
	assert.InDelta(t, 41.12, doc.ValuesOf("location")[0].Geo.Lat, 1e-9)

	for field, bad := range map[string]any{"location": "north", "addr": "not-an-ip", "born": "yesterday"} {
		_, err := reg.Parse(map[string]any{field: bad})
		assert.ErrorIs(t, err, apperr.ErrValidation, field)
	}
}

func TestCompletionArrayFormsAgree(t *testing.T) {
	reg := mustRegistry(t, Mapping{Properties: map[string]FieldMapping{"suggest": {Type: FieldTypeCompletion}}})

	texts := func(raw any) []string {
		t.Helper()
		doc, err := reg.Parse(map[string]any{"suggest": raw})
		require.NoError(t, err)
		var out []string
		for _, v := range doc.ValuesOf("suggest") {
			out = append(out, v.Text)
		}
		return out
	}

	bare := texts([]any{"Fall", "love"})
	assert.Equal(t, []string{"Fall love"}, bare)
	assert.Equal(t, bare, texts(map[string]any{"input": []any{"Fall", "love"}}))

	assert.Equal(t, []string{"Nevermind", "Nirvana"}, texts([]any{
		map[string]any{"input": "Nevermind"},
		map[string]any{"input": []any{"Nirvana"}, "weight": float64(2)},
	}))

	_, err := reg.Parse(map[string]any{"suggest": []any{"Fall", map[string]any{"input": "love"}}})
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestMappingRoundTripsThroughJSON(t *testing.T) {
	raw := `{
		"dynamic": "strict",
		"properties": {
			"title": {"type": "text", "analyzer": "english", "fields": {"raw": {"type": "keyword"}}},
			"author": {"properties": {"name": {"type": "keyword", "copy_to": "all"}}},
			"all": {"type": "text"}
		}
	}`
	var m Mapping
	require.NoError(t, json.Unmarshal([]byte(raw), &m))

	reg := mustRegistry(t, m)
	assert.Equal(t, DynamicStrict, reg.Dynamic())

	out := reg.Mapping()
	assert.Equal(t, FieldTypeKeyword, out.Properties["title"].Fields["raw"].Type)
	assert.Equal(t, "english", out.Properties["title"].Analyzer)
	assert.Equal(t, FieldTypeObject, out.Properties["author"].Type)
	assert.Equal(t, []string{"all"}, []string(out.Properties["author"].Properties["name"].CopyTo))

	raw2, err := json.Marshal(out)
	require.NoError(t, err)
	var again Mapping
	require.NoError(t, json.Unmarshal(raw2, &again))
	assert.Equal(t, FieldTypeKeyword, again.Properties["title"].Fields["raw"].Type)

	assert.Equal(t, []string{"title", "title.raw"}, reg.Match("title*"))
}

func TestResolveDateMath(t *testing.T) {
	now := time.Date(2024, 3, 15, 13, 45, 0, 0, time.UTC)
	cases := []struct {
		expr string
		want time.Time
	}{
		{"now", now},
		{"now-1d", now.AddDate(0, 0, -1)},
		{"now/d", time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC)},
		{"now-1M/M", time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)},
		{"2024-01-01||+1M", time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)},
		{"2024-01-10", time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC)},
	}
	for _, tc := range cases {
		t.Run(tc.expr, func(t *testing.T) {
			got, err := ResolveDateMath(tc.expr, "", now)
			require.NoError(t, err)
			assert.Equal(t, float64(tc.want.UnixMilli()), got)
		})
	}

	_, err := ResolveDateMath("now-1x", "", now)
	assert.ErrorIs(t, err, apperr.ErrValidation)
}
