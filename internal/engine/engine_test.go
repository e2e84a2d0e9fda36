package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"asterengine/internal/aggs"
	"asterengine/internal/analysis"
	"asterengine/internal/apperr"
	"asterengine/internal/index"
	"asterengine/internal/mapping"
	"asterengine/internal/query"
	"asterengine/internal/suggest"
)

func newEngine(t *testing.T, dir string) *Engine {
	t.Helper()
	e, err := New(Options{
		DataDir:        dir,
		MergeThreshold: 1000,
		MergeInterval:  time.Hour,
		Logger:         slog.New(slog.NewJSONHandler(io.Discard, nil)),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func createIndex(t *testing.T, e *Engine, name string, props map[string]mapping.FieldMapping) {
	t.Helper()
	_, err := e.CreateIndex(index.CreateRequest{Name: name, Mappings: mapping.Mapping{Properties: props}})
	require.NoError(t, err)
}

func indexDoc(t *testing.T, e *Engine, name, id, source string) {
	t.Helper()
	_, err := e.IndexDocument(context.Background(), name, index.IndexRequest{ID: id, Source: json.RawMessage(source)})
	require.NoError(t, err)
}

func search(t *testing.T, e *Engine, name, body string) *SearchResponse {
	t.Helper()
	var raw map[string]any
	require.NoError(t, json.Unmarshal([]byte(body), &raw))
	req, err := ParseSearch(raw)
	require.NoError(t, err)
	resp, err := e.Search(context.Background(), name, req)
	require.NoError(t, err)
	return resp
}

func optionTexts(s Suggestion) []string {
	out := make([]string, 0, len(s.Options))
	for _, o := range s.Options {
		out = append(out, o.Text)
	}
	return out
}

func TestIndexLifecycle(t *testing.T) {
	e := newEngine(t, "")
	createIndex(t, e, "articles", map[string]mapping.FieldMapping{"title": {Type: mapping.FieldTypeText}})

	info, err := e.GetIndex("articles")
	require.NoError(t, err)
	assert.Equal(t, "articles", info.Name)
	assert.Contains(t, info.Mappings.Properties, "title")

	_, err = e.CreateIndex(index.CreateRequest{Name: "articles"})
	assert.ErrorIs(t, err, apperr.ErrAlreadyExists)
	_, err = e.CreateIndex(index.CreateRequest{Name: "Bad"})
	assert.ErrorIs(t, err, apperr.ErrValidation)

	require.NoError(t, e.DeleteIndex("articles"))
	_, err = e.GetIndex("articles")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
	assert.ErrorIs(t, e.DeleteIndex("articles"), apperr.ErrNotFound)
	assert.Empty(t, e.ListIndexes())
}

func TestStoreLogsCarryOneComponent(t *testing.T) {
	var buf bytes.Buffer
	e, err := New(Options{
		MergeInterval: time.Hour,
		Logger:        slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})),
	})
	require.NoError(t, err)
	createIndex(t, e, "logs", map[string]mapping.FieldMapping{"msg": {Type: mapping.FieldTypeText}})
	indexDoc(t, e, "logs", "1", `{"msg":"hello"}`)
	require.NoError(t, e.Close())

	storeLines := 0
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		assert.Equal(t, 1, strings.Count(line, `"component"`), line)
		if strings.Contains(line, `"component":"store"`) {
			storeLines++
			assert.Contains(t, line, `"index":"logs"`)
		}
	}
	assert.Positive(t, storeLines)
}

func TestOperationsOnMissingIndexReturnNotFound(t *testing.T) {
	e := newEngine(t, "")
	ctx := context.Background()

	_, err := e.IndexDocument(ctx, "nope", index.IndexRequest{ID: "1", Source: json.RawMessage(`{}`)})
	assert.ErrorIs(t, err, apperr.ErrNotFound)
	_, err = e.GetDocument("nope", "1")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
	_, err = e.Search(ctx, "nope", SearchRequest{})
	assert.ErrorIs(t, err, apperr.ErrNotFound)
	_, err = e.Aggregate(ctx, "nope", nil, nil)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
	_, err = e.SuggestCompletion("nope", "f", "x", 0, false)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
	_, err = e.Bulk(ctx, "nope", nil)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
	_, err = e.PutMapping("nope", mapping.Mapping{})
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestCreateIndexFailsFastOnUnknownComponents(t *testing.T) {
	e := newEngine(t, "")
	_, err := e.CreateIndex(index.CreateRequest{
		Name: "broken",
		Settings: index.Settings{Analysis: analysis.Settings{Analyzer: map[string]analysis.AnalyzerConfig{
			"mine": {Tokenizer: "standard", Filter: []string{"does_not_exist"}},
		}}},
	})
	require.ErrorIs(t, err, apperr.ErrConfiguration)

	_, err = e.CreateIndex(index.CreateRequest{
		Name:     "broken",
		Mappings: mapping.Mapping{Properties: map[string]mapping.FieldMapping{"title": {Type: mapping.FieldTypeText, Analyzer: "unknown"}}},
	})
	require.ErrorIs(t, err, apperr.ErrConfiguration)

	_, err = e.GetIndex("broken")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestTypedFieldsRejectMismatchedValues(t *testing.T) {
	e := newEngine(t, "")
	createIndex(t, e, "people", map[string]mapping.FieldMapping{"age": {Type: mapping.FieldTypeInteger}})
	indexDoc(t, e, "people", "1", `{"age":30}`)

	_, err := e.IndexDocument(context.Background(), "people", index.IndexRequest{ID: "2", Source: json.RawMessage(`{"age":"thirty"}`)})
	require.ErrorIs(t, err, apperr.ErrValidation)

	stats, err := e.Stats("people")
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Docs)

	_, err = e.PutMapping("people", mapping.Mapping{Properties: map[string]mapping.FieldMapping{"age": {Type: mapping.FieldTypeKeyword}}})
	assert.ErrorIs(t, err, apperr.ErrMappingConflict)
}

func TestDocumentRoundTrip(t *testing.T) {
	e := newEngine(t, "")
	createIndex(t, e, "docs", nil)
	ctx := context.Background()
	source := `{"title":"Hello","tags":["a","b"],"nested":{"n":1.5}}`
	indexDoc(t, e, "docs", "1", source)

	doc, err := e.GetDocument("docs", "1")
	require.NoError(t, err)
	assert.True(t, doc.Found)
	assert.Equal(t, int64(1), doc.Version)
	assert.JSONEq(t, source, string(doc.Source))

	res, err := e.UpdateDocument(ctx, "docs", index.UpdateRequest{ID: "1", Doc: json.RawMessage(`{"title":"Bye"}`)})
	require.NoError(t, err)
	assert.Equal(t, index.ResultUpdated, res.Result)
	doc, err = e.GetDocument("docs", "1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"title":"Bye","tags":["a","b"],"nested":{"n":1.5}}`, string(doc.Source))

	_, err = e.DeleteDocument(ctx, "docs", index.DeleteRequest{ID: "1"})
	require.NoError(t, err)
	_, err = e.GetDocument("docs", "1")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestBulkReportsEveryItem(t *testing.T) {
	e := newEngine(t, "")
	createIndex(t, e, "nums", map[string]mapping.FieldMapping{"n": {Type: mapping.FieldTypeLong}})

	items, err := index.ParseBulk(strings.NewReader(`{"index":{"_id":"1"}}
{"n":1}
{"index":{"_id":"2"}}
{"n":"not a number"}
{"create":{"_id":"1"}}
{"n":3}
{"delete":{"_id":"1"}}
`))
	require.NoError(t, err)
	resp, err := e.Bulk(context.Background(), "nums", items)
	require.NoError(t, err)
	require.Len(t, resp.Items, 4)
	assert.True(t, resp.Errors)

	statuses := make([]int, len(resp.Items))
	for i, item := range resp.Items {
		statuses[i] = item.Status
	}
	assert.Equal(t, 201, statuses[0])
	assert.Equal(t, 400, statuses[1])
	assert.Equal(t, 409, statuses[2])
	assert.Equal(t, 200, statuses[3])
}

func TestSearchWithAggregationsAndSuggestions(t *testing.T) {
	e := newEngine(t, "")
	createIndex(t, e, "shop", map[string]mapping.FieldMapping{
		"title":    {Type: mapping.FieldTypeText},
		"category": {Type: mapping.FieldTypeKeyword},
		"price":    {Type: mapping.FieldTypeDouble},
	})
	indexDoc(t, e, "shop", "1", `{"title":"red lover shoes","category":"shoes","price":50}`)
	indexDoc(t, e, "shop", "2", `{"title":"blue running shoes","category":"shoes","price":80}`)
	indexDoc(t, e, "shop", "3", `{"title":"red hat","category":"hats","price":20}`)

	resp := search(t, e, "shop", `{
		"query":{"match":{"title":"red"}},
		"size":1,
		"aggs":{"cats":{"terms":{"field":"category"},"aggs":{"avg":{"avg":{"field":"price"}}}}},
		"suggest":{"fix":{"text":"shoez","term":{"field":"title"}}}}`)

	assert.Equal(t, 2, resp.Hits.Total.Value)
	assert.Len(t, resp.Hits.Hits, 1)

	cats := resp.Aggregations["cats"].(aggs.Buckets)
	require.Len(t, cats.Buckets, 2)
	assert.Equal(t, "hats", cats.Buckets[0].Key)
	assert.Equal(t, "shoes", cats.Buckets[1].Key)
	assert.Equal(t, 1, cats.Buckets[1].DocCount)

	fix := resp.Suggest["fix"]
	require.Len(t, fix, 1)
	assert.Equal(t, []string{"shoes"}, optionTexts(fix[0]))

	out, err := json.Marshal(resp)
	require.NoError(t, err)
	assert.Contains(t, string(out), `"aggregations"`)
	assert.Contains(t, string(out), `"sum_other_doc_count":0`)
	assert.NotContains(t, string(out), "Matched")
}

func TestTermSuggestionRanksByDistance(t *testing.T) {
	e := newEngine(t, "")
	createIndex(t, e, "words", map[string]mapping.FieldMapping{"word": {Type: mapping.FieldTypeText}})
	for i, w := range []string{"lover", "lovely", "lovestory", "Fall love"} {
		indexDoc(t, e, "words", string(rune('a'+i)), `{"word":"`+w+`"}`)
	}

	entries, err := e.SuggestTerm("words", "word", "lave", suggest.TermOptions{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	texts := optionTexts(entries[0])
	require.Contains(t, texts, "lover")
	assert.Equal(t, "love", texts[0])
	if i := slices.Index(texts, "lovestory"); i >= 0 {
		assert.Less(t, slices.Index(texts, "lover"), i)
	}
}

func TestSearchSuggestersShareTheQuerySnapshot(t *testing.T) {
	e := newEngine(t, "")
	createIndex(t, e, "words", map[string]mapping.FieldMapping{"word": {Type: mapping.FieldTypeText}})
	indexDoc(t, e, "words", "1", `{"word":"love"}`)

	idx, err := e.Index("words")
	require.NoError(t, err)
	snap := idx.Snapshot()
	indexDoc(t, e, "words", "2", `{"word":"lover"}`)

	var raw map[string]any
	require.NoError(t, json.Unmarshal([]byte(`{"suggest":{"fix":{"text":"lave","term":{"field":"word"}}}}`), &raw))
	req, err := ParseSearch(raw)
	require.NoError(t, err)

	stale, err := idx.search(context.Background(), snap, req)
	require.NoError(t, err)
	assert.Equal(t, 1, stale.Hits.Total.Value)
	require.Len(t, stale.Suggest["fix"], 1)
	assert.Equal(t, []string{"love"}, optionTexts(stale.Suggest["fix"][0]))

	fresh, err := e.Search(context.Background(), "words", req)
	require.NoError(t, err)
	assert.Equal(t, 2, fresh.Hits.Total.Value)
	require.Len(t, fresh.Suggest["fix"], 1)
	assert.Contains(t, optionTexts(fresh.Suggest["fix"][0]), "lover")
}

func TestCompletionIsPrefixAnchored(t *testing.T) {
	e := newEngine(t, "")
	createIndex(t, e, "songs", map[string]mapping.FieldMapping{"suggest": {Type: mapping.FieldTypeCompletion}})
	indexDoc(t, e, "songs", "1", `{"suggest":{"input":["Fall","love"]}}`)
	indexDoc(t, e, "songs", "2", `{"suggest":{"input":"lovestory","weight":5}}`)
	indexDoc(t, e, "songs", "3", `{"suggest":{"input":"lover","weight":2}}`)

	love, err := e.SuggestCompletion("songs", "suggest", "love", 0, false)
	require.NoError(t, err)
	assert.Equal(t, []string{"lovestory", "lover"}, optionTexts(love))

	fall, err := e.SuggestCompletion("songs", "suggest", "Fall", 0, false)
	require.NoError(t, err)
	require.Len(t, fall.Options, 1)
	assert.Equal(t, "1", fall.Options[0].ID)

	none, err := e.SuggestCompletion("songs", "suggest", "ove", 0, false)
	require.NoError(t, err)
	assert.Empty(t, none.Options)

	_, err = e.SuggestCompletion("songs", "missing", "x", 0, false)
	assert.NoError(t, err)
}

func TestAggregateWithQuery(t *testing.T) {
	e := newEngine(t, "")
	createIndex(t, e, "m", map[string]mapping.FieldMapping{
		"v":   {Type: mapping.FieldTypeLong},
		"tag": {Type: mapping.FieldTypeKeyword},
	})
	indexDoc(t, e, "m", "1", `{"v":10,"tag":"x"}`)
	indexDoc(t, e, "m", "2", `{"v":20,"tag":"x"}`)
	indexDoc(t, e, "m", "3", `{"v":30,"tag":"y"}`)

	defs := aggs.Aggs{"s": aggs.StatsAgg{Field: "v"}}
	all, err := e.Aggregate(context.Background(), "m", nil, defs)
	require.NoError(t, err)
	assert.Equal(t, 60.0, all["s"].(aggs.Stats).Sum)

	onlyX, err := e.Aggregate(context.Background(), "m", query.Term{Field: "tag", Value: "x"}, defs)
	require.NoError(t, err)
	assert.Equal(t, 30.0, onlyX["s"].(aggs.Stats).Sum)
}

func TestAnalyze(t *testing.T) {
	e := newEngine(t, "")
	_, err := e.CreateIndex(index.CreateRequest{
		Name: "text",
		Settings: index.Settings{Analysis: analysis.Settings{Analyzer: map[string]analysis.AnalyzerConfig{
			"shout": {Tokenizer: "whitespace", Filter: []string{"uppercase"}},
		}}},
		Mappings: mapping.Mapping{Properties: map[string]mapping.FieldMapping{
			"body": {Type: mapping.FieldTypeText, Analyzer: "shout"},
			"code": {Type: mapping.FieldTypeKeyword},
		}},
	})
	require.NoError(t, err)

	terms := func(tokens []analysis.Token) []string {
		out := make([]string, len(tokens))
		for i, tok := range tokens {
			out[i] = tok.Term
		}
		return out
	}

	tokens, err := e.Analyze("text", AnalyzeRequest{Text: "Quick Brown-Fox"})
	require.NoError(t, err)
	assert.Equal(t, []string{"quick", "brown", "fox"}, terms(tokens))

	tokens, err = e.Analyze("text", AnalyzeRequest{Text: "Quick Brown-Fox", Field: "body"})
	require.NoError(t, err)
	assert.Equal(t, []string{"QUICK", "BROWN-FOX"}, terms(tokens))

	tokens, err = e.Analyze("text", AnalyzeRequest{Text: "Quick Brown", Field: "code"})
	require.NoError(t, err)
	assert.Equal(t, []string{"Quick Brown"}, terms(tokens))

	tokens, err = e.Analyze("text", AnalyzeRequest{Text: "A B", Tokenizer: "whitespace", Filter: []string{"lowercase"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, terms(tokens))

	_, err = e.Analyze("text", AnalyzeRequest{Text: "x", Analyzer: "nope"})
	assert.ErrorIs(t, err, apperr.ErrConfiguration)

	first, err := e.Analyze("text", AnalyzeRequest{Text: "Same input", Analyzer: "shout"})
	require.NoError(t, err)
	second, err := e.Analyze("text", AnalyzeRequest{Text: "Same input", Analyzer: "shout"})
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestSearchDeadline(t *testing.T) {
	e := newEngine(t, "")
	createIndex(t, e, "t", map[string]mapping.FieldMapping{"v": {Type: mapping.FieldTypeLong}})
	indexDoc(t, e, "t", "1", `{"v":1}`)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := e.Search(ctx, "t", SearchRequest{})
	assert.ErrorIs(t, err, apperr.ErrTimeout)

	doc, err := e.GetDocument("t", "1")
	require.NoError(t, err)
	assert.True(t, doc.Found)
}

func TestReopenRestoresIndexes(t *testing.T) {
	dir := t.TempDir()
	first, err := New(Options{DataDir: dir, Logger: slog.New(slog.NewJSONHandler(io.Discard, nil))})
	require.NoError(t, err)
	_, err = first.CreateIndex(index.CreateRequest{Name: "keep", Mappings: mapping.Mapping{Properties: map[string]mapping.FieldMapping{
		"title": {Type: mapping.FieldTypeText},
	}}})
	require.NoError(t, err)
	_, err = first.IndexDocument(context.Background(), "keep", index.IndexRequest{ID: "1", Source: json.RawMessage(`{"title":"persisted","extra":7}`)})
	require.NoError(t, err)
	require.NoError(t, first.Close())

	second := newEngine(t, dir)
	doc, err := second.GetDocument("keep", "1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"title":"persisted","extra":7}`, string(doc.Source))

	info, err := second.GetIndex("keep")
	require.NoError(t, err)
	assert.Equal(t, mapping.FieldTypeLong, info.Mappings.Properties["extra"].Type)

	resp := search(t, second, "keep", `{"query":{"match":{"title":"persisted"}}}`)
	assert.Equal(t, 1, resp.Hits.Total.Value)
}
