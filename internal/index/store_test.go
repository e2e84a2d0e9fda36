package index

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"asterengine/internal/analysis"
	"asterengine/internal/apperr"
	"asterengine/internal/mapping"
	"asterengine/internal/suggest"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func openTestStore(t *testing.T, m mapping.Mapping, dataDir string) *Store {
	t.Helper()
	analyzers, err := analysis.NewRegistry(analysis.Settings{})
	require.NoError(t, err)
	mappings, err := mapping.NewRegistry(m, analyzers)
	require.NoError(t, err)
	store, err := Open("test", mappings, analyzers, Options{
		DataDir:        dataDir,
		MergeThreshold: 1000,
		MergeInterval:  time.Hour,
		Logger:         quietLogger(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func index(t *testing.T, s *Store, id, source string) WriteResult {
	t.Helper()
	res, err := s.Index(context.Background(), IndexRequest{ID: id, Source: json.RawMessage(source)})
	require.NoError(t, err)
	return res
}

func TestIndexGetRoundTrip(t *testing.T) {
	s := openTestStore(t, mapping.Mapping{}, "")
	source := `{"title":"Quick brown fox","tags":["a","b"],"price":12.5,"nested":{"x":1}}`

	res, err := s.Index(context.Background(), IndexRequest{ID: "1", Source: json.RawMessage(source), Routing: "user-7"})
	require.NoError(t, err)
	assert.Equal(t, WriteResult{ID: "1", Version: 1, Result: ResultCreated}, res)

	doc, err := s.Get("1")
	require.NoError(t, err)
	assert.True(t, doc.Found)
	assert.Equal(t, int64(1), doc.Version)
	assert.Equal(t, "user-7", doc.Routing)
	assert.JSONEq(t, source, string(doc.Source))

	_, err = s.Get("missing")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestIndexGeneratesID(t *testing.T) {
	s := openTestStore(t, mapping.Mapping{}, "")
	res := index(t, s, "", `{"a":1}`)
	require.NotEmpty(t, res.ID)

	doc, err := s.Get(res.ID)
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":1}`, string(doc.Source))
}

func TestReindexIncrementsVersion(t *testing.T) {
	s := openTestStore(t, mapping.Mapping{}, "")
	index(t, s, "1", `{"title":"first"}`)
	res := index(t, s, "1", `{"title":"second"}`)
	assert.Equal(t, int64(2), res.Version)
	assert.Equal(t, ResultUpdated, res.Result)

	snap := s.Snapshot()
	assert.Equal(t, 1, snap.DocCount())
	assert.Equal(t, 0, snap.DocFreq("", "title", "first"))
	assert.Equal(t, 1, snap.DocFreq("", "title", "second"))
}

func TestUpdateMergesPartialDocument(t *testing.T) {
	s := openTestStore(t, mapping.Mapping{}, "")
	index(t, s, "1", `{"title":"hello","meta":{"views":1,"owner":"ann"}}`)

	res, err := s.Update(context.Background(), UpdateRequest{ID: "1", Doc: json.RawMessage(`{"meta":{"views":2}}`)})
	require.NoError(t, err)
	assert.Equal(t, int64(2), res.Version)

	doc, err := s.Get("1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"title":"hello","meta":{"views":2,"owner":"ann"}}`, string(doc.Source))

	res, err = s.Update(context.Background(), UpdateRequest{ID: "1", Doc: json.RawMessage(`{"title":"hello"}`)})
	require.NoError(t, err)
	assert.Equal(t, ResultNoop, res.Result)
	assert.Equal(t, int64(2), res.Version)

	_, err = s.Update(context.Background(), UpdateRequest{ID: "nope", Doc: json.RawMessage(`{"a":1}`)})
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	res, err = s.Update(context.Background(), UpdateRequest{ID: "nope", Doc: json.RawMessage(`{"a":1}`), DocAsUpsert: true})
	require.NoError(t, err)
	assert.Equal(t, ResultCreated, res.Result)
}

func TestDeleteTombstonesDocument(t *testing.T) {
	s := openTestStore(t, mapping.Mapping{}, "")
	index(t, s, "1", `{"title":"gone soon"}`)

	res, err := s.Delete(context.Background(), DeleteRequest{ID: "1"})
	require.NoError(t, err)
	assert.Equal(t, ResultDeleted, res.Result)

	_, err = s.Get("1")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
	assert.Equal(t, 0, s.Snapshot().DocCount())
	assert.Equal(t, 1, s.Snapshot().DeletedCount())
	assert.Equal(t, 0, s.Snapshot().DocFreq("", "title", "gone"))

	_, err = s.Delete(context.Background(), DeleteRequest{ID: "1"})
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestVersionConflicts(t *testing.T) {
	s := openTestStore(t, mapping.Mapping{}, "")
	index(t, s, "1", `{"a":1}`)

	_, err := s.Index(context.Background(), IndexRequest{ID: "1", Source: json.RawMessage(`{"a":2}`), OpType: OpCreate})
	assert.ErrorIs(t, err, apperr.ErrVersionConflict)

	stale := int64(7)
	_, err = s.Index(context.Background(), IndexRequest{ID: "1", Source: json.RawMessage(`{"a":2}`), IfVersion: &stale})
	assert.ErrorIs(t, err, apperr.ErrVersionConflict)

	current := int64(1)
	res, err := s.Index(context.Background(), IndexRequest{ID: "1", Source: json.RawMessage(`{"a":2}`), IfVersion: &current})
	require.NoError(t, err)
	assert.Equal(t, int64(2), res.Version)
}

func TestIntegerFieldRejectsStrings(t *testing.T) {
	s := openTestStore(t, mapping.Mapping{Properties: map[string]mapping.FieldMapping{
		"count": {Type: mapping.FieldTypeInteger},
	}}, "")
	index(t, s, "1", `{"count":3}`)

	_, err := s.Index(context.Background(), IndexRequest{ID: "2", Source: json.RawMessage(`{"count":"three"}`)})
	require.Error(t, err)
	assert.ErrorIs(t, err, apperr.ErrValidation)

	fm, err := s.Snapshot().Mapping.Resolve("count")
	require.NoError(t, err)
	assert.Equal(t, mapping.FieldTypeInteger, fm.Type)
	assert.Equal(t, 1, s.Snapshot().DocCount())
}

func TestSnapshotIsolation(t *testing.T) {
	s := openTestStore(t, mapping.Mapping{}, "")
	index(t, s, "1", `{"title":"old text"}`)
	before := s.Snapshot()

	index(t, s, "1", `{"title":"new text"}`)
	index(t, s, "2", `{"title":"another"}`)
	_, err := s.Delete(context.Background(), DeleteRequest{ID: "2"})
	require.NoError(t, err)

	doc, ok := before.Get("1")
	require.True(t, ok)
	assert.JSONEq(t, `{"title":"old text"}`, string(doc.Source))
	assert.Equal(t, 1, before.DocCount())
	assert.Equal(t, 1, before.DocFreq("", "title", "old"))
	assert.Equal(t, 0, before.DocFreq("", "title", "new"))

	after := s.Snapshot()
	assert.Greater(t, after.Generation, before.Generation)
	assert.Equal(t, 1, after.DocCount())
	assert.Equal(t, 1, after.DocFreq("", "title", "new"))
}

func TestBulkReportsEveryItem(t *testing.T) {
	s := openTestStore(t, mapping.Mapping{Properties: map[string]mapping.FieldMapping{
		"n": {Type: mapping.FieldTypeInteger},
	}}, "")
	index(t, s, "existing", `{"n":1}`)

	resp := s.Bulk(context.Background(), []BulkItem{
		{Action: OpIndex, ID: "a", Source: json.RawMessage(`{"n":1}`)},
		{Action: OpIndex, ID: "b", Source: json.RawMessage(`{"n":"bad"}`)},
		{Action: OpDelete, ID: "missing"},
		{Action: OpUpdate, ID: "existing", Source: json.RawMessage(`{"n":5}`)},
		{Action: OpIndex, ID: "a", Source: json.RawMessage(`{"n":2}`)},
		{Action: OpDelete, ID: "existing"},
	})

	require.Len(t, resp.Items, 6)
	assert.True(t, resp.Errors)

	statuses := make([]int, len(resp.Items))
	for i, item := range resp.Items {
		statuses[i] = item.Status
	}
	assert.Equal(t, []int{http.StatusCreated, http.StatusBadRequest, http.StatusNotFound, http.StatusOK, http.StatusOK, http.StatusOK}, statuses)
	assert.Equal(t, "validation_error", resp.Items[1].Error.Type)
	assert.True(t, errors.Is(resp.Items[1].Err(), apperr.ErrValidation))
	assert.Equal(t, int64(2), resp.Items[4].Version)
	assert.Equal(t, int64(3), resp.Items[5].Version)

	snap := s.Snapshot()
	assert.Equal(t, 1, snap.DocCount())
	doc, ok := snap.Get("a")
	require.True(t, ok)
	assert.JSONEq(t, `{"n":2}`, string(doc.Source))

	encoded, err := json.Marshal(resp.Items[0])
	require.NoError(t, err)
	assert.JSONEq(t, `{"index":{"_id":"a","_version":1,"result":"created","status":201}}`, string(encoded))
}

func TestParseBulk(t *testing.T) {
	body := strings.Join([]string{
		`{"index":{"_id":"1"}}`,
		`{"title":"one"}`,
		``,
		`{"delete":{"_id":"2"}}`,
		`{"update":{"_id":"3","routing":"r"}}`,
		`{"doc":{"title":"three"},"doc_as_upsert":true}`,
		`{"create":{}}`,
		`{"title":"generated"}`,
	}, "\n")

	items, err := ParseBulk(strings.NewReader(body))
	require.NoError(t, err)
	require.Len(t, items, 4)
	assert.Equal(t, OpIndex, items[0].Action)
	assert.JSONEq(t, `{"title":"one"}`, string(items[0].Source))
	assert.Equal(t, OpDelete, items[1].Action)
	assert.Nil(t, items[1].Source)
	assert.Equal(t, "r", items[2].Routing)
	assert.True(t, items[2].DocAsUpsert)
	assert.JSONEq(t, `{"title":"three"}`, string(items[2].Source))
	assert.Equal(t, OpCreate, items[3].Action)
	assert.Empty(t, items[3].ID)

	_, err = ParseBulk(strings.NewReader(`{"index":{"_id":"1"}}`))
	assert.ErrorIs(t, err, apperr.ErrValidation)
	_, err = ParseBulk(strings.NewReader(`{"upsert":{}}` + "\n{}"))
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestNestedDocumentsBuildIsolatedScope(t *testing.T) {
	s := openTestStore(t, mapping.Mapping{Properties: map[string]mapping.FieldMapping{
		"companies": {Type: mapping.FieldTypeNested, Properties: map[string]mapping.FieldMapping{
			"companyCd":   {Type: mapping.FieldTypeKeyword},
			"companyName": {Type: mapping.FieldTypeKeyword},
		}},
	}}, "")
	index(t, s, "1", `{"companies":[{"companyCd":"1","companyName":"X"},{"companyCd":"2","companyName":"Y"}]}`)

	snap := s.Snapshot()
	require.Len(t, snap.Segments, 1)
	seg := snap.Segments[0].Segment
	scope := seg.Scope("companies")
	require.NotNil(t, scope)
	assert.Equal(t, 2, scope.Size)
	assert.Equal(t, []uint32{0, 0}, scope.Root)

	name := scope.Field("companies.companyName")
	require.NotNil(t, name)
	assert.True(t, name.Posting("X").Docs.Contains(0))
	assert.True(t, name.Posting("Y").Docs.Contains(1))
	assert.Nil(t, seg.Root().Field("companies.companyName"), "nested values stay out of the root scope")

	assert.Equal(t, 1, snap.DocFreq("companies", "companies.companyCd", "2"))
}

func TestCompletionsSkipDeletedDocuments(t *testing.T) {
	s := openTestStore(t, mapping.Mapping{Properties: map[string]mapping.FieldMapping{
		"suggest": {Type: mapping.FieldTypeCompletion},
	}}, "")
	index(t, s, "1", `{"suggest":{"input":["Nevermind"],"weight":5}}`)
	index(t, s, "2", `{"suggest":"Nirvana"}`)
	_, err := s.Delete(context.Background(), DeleteRequest{ID: "2"})
	require.NoError(t, err)

	var got []string
	s.Snapshot().Completions("suggest", "n", func(doc StoredDoc, e suggest.Entry) {
		got = append(got, doc.ID+":"+e.Text)
	})
	assert.Equal(t, []string{"1:Nevermind"}, got)
}

func TestTermStatsUseLiveFrequencies(t *testing.T) {
	s := openTestStore(t, mapping.Mapping{}, "")
	index(t, s, "1", `{"body":"lover lovely"}`)
	index(t, s, "2", `{"body":"lover"}`)
	index(t, s, "3", `{"body":"lovestory"}`)
	_, err := s.Delete(context.Background(), DeleteRequest{ID: "3"})
	require.NoError(t, err)

	stats := s.Snapshot().TermStats("body")
	assert.Equal(t, []suggest.TermStat{{Term: "lovely", DocFreq: 1}, {Term: "lover", DocFreq: 2}}, stats)
}

func TestCanceledContextAbortsWrite(t *testing.T) {
	s := openTestStore(t, mapping.Mapping{}, "")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.Index(ctx, IndexRequest{ID: "1", Source: json.RawMessage(`{"a":1}`)})
	assert.ErrorIs(t, err, apperr.ErrTimeout)
	assert.Equal(t, 0, s.Snapshot().DocCount())
}
