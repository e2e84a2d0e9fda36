package query

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"asterengine/internal/analysis"
	"asterengine/internal/apperr"
	"asterengine/internal/index"
	"asterengine/internal/mapping"
)

func openStore(t *testing.T, m mapping.Mapping) *index.Store {
	t.Helper()
	analyzers, err := analysis.NewRegistry(analysis.Settings{})
	require.NoError(t, err)
	mappings, err := mapping.NewRegistry(m, analyzers)
	require.NoError(t, err)
	store, err := index.Open("test", mappings, analyzers, index.Options{
		MergeThreshold: 1000,
		MergeInterval:  time.Hour,
		Logger:         slog.New(slog.NewJSONHandler(io.Discard, nil)),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func put(t *testing.T, s *index.Store, id, source string) {
	t.Helper()
	_, err := s.Index(context.Background(), index.IndexRequest{ID: id, Source: json.RawMessage(source)})
	require.NoError(t, err)
}

func runSearch(t *testing.T, s *index.Store, body string) (*Response, error) {
	t.Helper()
	var raw map[string]any
	require.NoError(t, json.Unmarshal([]byte(body), &raw))
	req, err := ParseRequest(raw)
	if err != nil {
		return nil, err
	}
	req.Now = time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC)
	return Search(context.Background(), s.Snapshot(), req)
}

func mustSearch(t *testing.T, s *index.Store, body string) *Response {
	t.Helper()
	resp, err := runSearch(t, s, body)
	require.NoError(t, err)
	return resp
}

func hitIDs(resp *Response) []string {
	out := make([]string, 0, len(resp.Hits.Hits))
	for _, h := range resp.Hits.Hits {
		out = append(out, h.ID)
	}
	return out
}

func scoreOf(t *testing.T, resp *Response, id string) float64 {
	t.Helper()
	for _, h := range resp.Hits.Hits {
		if h.ID == id {
			return h.Score
		}
	}
	t.Fatalf("hit %s not found in %v", id, hitIDs(resp))
	return 0
}

var companiesMapping = mapping.Mapping{Properties: map[string]mapping.FieldMapping{
	"companies": {Type: mapping.FieldTypeNested, Properties: map[string]mapping.FieldMapping{
		"companyName": {Type: mapping.FieldTypeKeyword},
		"companyCd":   {Type: mapping.FieldTypeKeyword},
	}},
	"offices": {Type: mapping.FieldTypeObject, Properties: map[string]mapping.FieldMapping{
		"companyName": {Type: mapping.FieldTypeKeyword},
		"companyCd":   {Type: mapping.FieldTypeKeyword},
	}},
}}

func TestNestedQueryRequiresSameElement(t *testing.T) {
	s := openStore(t, companiesMapping)
	put(t, s, "1", `{
		"companies":[{"companyCd":"1","companyName":"X"},{"companyCd":"2","companyName":"Y"}],
		"offices":[{"companyCd":"1","companyName":"X"},{"companyCd":"2","companyName":"Y"}]}`)
	put(t, s, "2", `{
		"companies":[{"companyCd":"2","companyName":"X"}],
		"offices":[{"companyCd":"2","companyName":"X"}]}`)

	nested := mustSearch(t, s, `{"query":{"nested":{"path":"companies","score_mode":"none","query":{"bool":{"must":[
		{"term":{"companies.companyName":"X"}},
		{"term":{"companies.companyCd":"2"}}]}}}}}`)
	assert.Equal(t, []string{"2"}, hitIDs(nested))
	assert.Equal(t, 0.0, nested.Hits.Hits[0].Score)

	flattened := mustSearch(t, s, `{"query":{"bool":{"must":[
		{"term":{"offices.companyName":"X"}},
		{"term":{"offices.companyCd":"2"}}]}},"sort":["_id"]}`)
	assert.Equal(t, []string{"1", "2"}, hitIDs(flattened))

	// Nested fields are invisible outside a nested query.
	root := mustSearch(t, s, `{"query":{"term":{"companies.companyName":"X"}}}`)
	assert.Empty(t, root.Hits.Hits)
}

func TestNestedScoreModes(t *testing.T) {
	s := openStore(t, companiesMapping)
	put(t, s, "1", `{"companies":[{"companyName":"X","companyCd":"3"},{"companyName":"X","companyCd":"4"}]}`)
	put(t, s, "2", `{"companies":[{"companyName":"Y","companyCd":"5"}]}`)

	body := func(mode string) string {
		return `{"query":{"nested":{"path":"companies","score_mode":"` + mode + `","query":{"term":{"companies.companyName":"X"}}}}}`
	}
	avg := scoreOf(t, mustSearch(t, s, body("avg")), "1")
	sum := scoreOf(t, mustSearch(t, s, body("sum")), "1")
	maxScore := scoreOf(t, mustSearch(t, s, body("max")), "1")
	assert.Positive(t, avg)
	assert.InDelta(t, 2*avg, sum, 1e-9)
	assert.InDelta(t, avg, maxScore, 1e-9)

	_, err := runSearch(t, s, `{"query":{"nested":{"path":"companies.companyName","query":{"match_all":{}}}}}`)
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func seedArticles(t *testing.T) *index.Store {
	t.Helper()
	s := openStore(t, mapping.Mapping{Properties: map[string]mapping.FieldMapping{
		"title":     {Type: mapping.FieldTypeText, Fields: map[string]mapping.FieldMapping{"keyword": {Type: mapping.FieldTypeKeyword}}},
		"category":  {Type: mapping.FieldTypeKeyword},
		"price":     {Type: mapping.FieldTypeDouble},
		"published": {Type: mapping.FieldTypeDate},
	}})
	put(t, s, "1", `{"title":"quick brown fox","category":"animals","price":10,"published":"2024-01-01"}`)
	put(t, s, "2", `{"title":"quick dog","category":"animals","price":20,"published":"2024-06-14"}`)
	put(t, s, "3", `{"title":"lazy brown dog","category":"pets","price":30,"published":"2024-06-01"}`)
	put(t, s, "4", `{"title":"slow turtle","category":"pets"}`)
	return s
}

func TestBoolScoringIsMonotonic(t *testing.T) {
	s := seedArticles(t)

	base := mustSearch(t, s, `{"query":{"bool":{"must":[{"match":{"title":"quick"}}]}}}`)
	withShould := mustSearch(t, s, `{"query":{"bool":{"must":[{"match":{"title":"quick"}}],"should":[{"match":{"title":"brown"}}]}}}`)
	assert.ElementsMatch(t, hitIDs(base), hitIDs(withShould))
	assert.Greater(t, scoreOf(t, withShould, "1"), scoreOf(t, base, "1"))
	assert.InDelta(t, scoreOf(t, base, "2"), scoreOf(t, withShould, "2"), 1e-9)

	excluded := mustSearch(t, s, `{"query":{"bool":{"must":[{"match":{"title":"quick"}}],"must_not":[{"term":{"title":"fox"}}]}}}`)
	assert.Equal(t, []string{"2"}, hitIDs(excluded))

	filtered := mustSearch(t, s, `{"query":{"bool":{"filter":[{"term":{"category":"pets"}}]}},"sort":["_id"]}`)
	assert.Equal(t, []string{"3", "4"}, hitIDs(filtered))
	assert.Equal(t, 0.0, filtered.Hits.Hits[0].Score)

	shouldOnly := mustSearch(t, s, `{"query":{"bool":{"should":[{"term":{"title":"fox"}},{"term":{"title":"turtle"}}]}},"sort":["_id"]}`)
	assert.Equal(t, []string{"1", "4"}, hitIDs(shouldOnly))

	msm := mustSearch(t, s, `{"query":{"bool":{"should":[{"term":{"title":"brown"}},{"term":{"title":"dog"}},{"term":{"title":"quick"}}],"minimum_should_match":2}},"sort":["_id"]}`)
	assert.Equal(t, []string{"1", "2", "3"}, hitIDs(msm))
}

func TestMatchOperatorAndMinimumShouldMatch(t *testing.T) {
	s := seedArticles(t)

	or := mustSearch(t, s, `{"query":{"match":{"title":"quick brown fox"}}}`)
	assert.ElementsMatch(t, []string{"1", "2", "3"}, hitIDs(or))
	assert.Equal(t, "1", or.Hits.Hits[0].ID)

	and := mustSearch(t, s, `{"query":{"match":{"title":{"query":"quick brown","operator":"and"}}}}`)
	assert.Equal(t, []string{"1"}, hitIDs(and))

	atLeastTwo := mustSearch(t, s, `{"query":{"match":{"title":{"query":"quick lazy dog","minimum_should_match":"2"}}},"sort":["_id"]}`)
	assert.Equal(t, []string{"2", "3"}, hitIDs(atLeastTwo))

	fuzzy := mustSearch(t, s, `{"query":{"match":{"title":{"query":"quack","fuzziness":"AUTO"}}},"sort":["_id"]}`)
	assert.Equal(t, []string{"1", "2"}, hitIDs(fuzzy))

	exact := mustSearch(t, s, `{"query":{"match":{"title":{"query":"quack","fuzziness":0}}}}`)
	assert.Empty(t, exact.Hits.Hits)

	fuzzyAnd := mustSearch(t, s, `{"query":{"match":{"title":{"query":"quack browm","operator":"and","fuzziness":1}}}}`)
	assert.Equal(t, []string{"1"}, hitIDs(fuzzyAnd))
}

func TestMatchPhrase(t *testing.T) {
	s := seedArticles(t)

	assert.Equal(t, []string{"1"}, hitIDs(mustSearch(t, s, `{"query":{"match_phrase":{"title":"brown fox"}}}`)))
	assert.Empty(t, mustSearch(t, s, `{"query":{"match_phrase":{"title":"fox brown"}}}`).Hits.Hits)
	assert.Empty(t, mustSearch(t, s, `{"query":{"match_phrase":{"title":"quick fox"}}}`).Hits.Hits)
	assert.Equal(t, []string{"1"}, hitIDs(mustSearch(t, s, `{"query":{"match_phrase":{"title":{"query":"quick fox","slop":1}}}}`)))
}

func TestTermLevelQueries(t *testing.T) {
	s := seedArticles(t)

	cases := []struct {
		name string
		body string
		want []string
	}{
		{"prefix", `{"prefix":{"title":"qu"}}`, []string{"1", "2"}},
		{"wildcard", `{"wildcard":{"title":"br?wn"}}`, []string{"1", "3"}},
		{"wildcard keyword", `{"wildcard":{"title.keyword":"*dog"}}`, []string{"2", "3"}},
		{"case insensitive term", `{"term":{"category":{"value":"PETS","case_insensitive":true}}}`, []string{"3", "4"}},
		{"terms", `{"terms":{"category":["pets","birds"]}}`, []string{"3", "4"}},
		{"fuzzy", `{"fuzzy":{"title":{"value":"dgo","fuzziness":2}}}`, []string{"2", "3"}},
		{"exists", `{"exists":{"field":"price"}}`, []string{"1", "2", "3"}},
		{"ids", `{"ids":{"values":["3","1","missing"]}}`, []string{"1", "3"}},
		{"numeric term", `{"term":{"price":20}}`, []string{"2"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := mustSearch(t, s, `{"query":`+tc.body+`,"sort":["_id"]}`)
			assert.Equal(t, tc.want, hitIDs(resp))
		})
	}
}

func TestRangeQueries(t *testing.T) {
	s := seedArticles(t)

	cases := []struct {
		name string
		body string
		want []string
	}{
		{"gte lt", `{"range":{"price":{"gte":10,"lt":30}}}`, []string{"1", "2"}},
		{"gt", `{"range":{"price":{"gt":10}}}`, []string{"2", "3"}},
		{"string bounds", `{"range":{"price":{"gte":"15","lte":"30"}}}`, []string{"2", "3"}},
		{"date", `{"range":{"published":{"gte":"2024-03-01"}}}`, []string{"2", "3"}},
		{"date math", `{"range":{"published":{"gte":"now-7d"}}}`, []string{"2"}},
		{"keyword", `{"range":{"category":{"gt":"animals"}}}`, []string{"3", "4"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := mustSearch(t, s, `{"query":`+tc.body+`,"sort":["_id"]}`)
			assert.Equal(t, tc.want, hitIDs(resp))
		})
	}

	_, err := runSearch(t, s, `{"query":{"range":{"price":{"gte":"cheap"}}}}`)
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestDateRangeRelations(t *testing.T) {
	s := openStore(t, mapping.Mapping{Properties: map[string]mapping.FieldMapping{
		"window": {Type: mapping.FieldTypeDateRange},
	}})
	put(t, s, "1", `{"window":{"gte":"2024-01-01","lte":"2024-01-31"}}`)
	put(t, s, "2", `{"window":{"gte":"2024-01-10","lte":"2024-01-20"}}`)

	body := func(rel string) string {
		return `{"query":{"range":{"window":{"gte":"2024-01-05","lte":"2024-01-25","relation":"` + rel + `"}}},"sort":["_id"]}`
	}
	assert.Equal(t, []string{"1", "2"}, hitIDs(mustSearch(t, s, body("intersects"))))
	assert.Equal(t, []string{"2"}, hitIDs(mustSearch(t, s, body("within"))))
	assert.Equal(t, []string{"1"}, hitIDs(mustSearch(t, s, body("contains"))))
}

func TestSortingAndPagination(t *testing.T) {
	s := seedArticles(t)

	desc := mustSearch(t, s, `{"sort":[{"price":"desc"}]}`)
	assert.Equal(t, []string{"3", "2", "1", "4"}, hitIDs(desc))
	assert.Equal(t, []any{30.0}, desc.Hits.Hits[0].Sort)
	assert.Equal(t, []any{nil}, desc.Hits.Hits[3].Sort)

	asc := mustSearch(t, s, `{"sort":[{"price":{"order":"asc"}}]}`)
	assert.Equal(t, []string{"1", "2", "3", "4"}, hitIDs(asc))

	missingFirst := mustSearch(t, s, `{"sort":[{"price":{"order":"asc","missing":"_first"}}]}`)
	assert.Equal(t, "4", missingFirst.Hits.Hits[0].ID)

	multi := mustSearch(t, s, `{"sort":[{"category":"desc"},{"price":"asc"}]}`)
	assert.Equal(t, []string{"3", "4", "1", "2"}, hitIDs(multi))

	page := mustSearch(t, s, `{"sort":["_id"],"from":1,"size":2}`)
	assert.Equal(t, []string{"2", "3"}, hitIDs(page))
	assert.Equal(t, 4, page.Hits.Total.Value)
	assert.Equal(t, "eq", page.Hits.Total.Relation)
	assert.Equal(t, 4, page.Matched.Cardinality())

	beyond := mustSearch(t, s, `{"from":10}`)
	assert.Empty(t, beyond.Hits.Hits)
	assert.Equal(t, 4, beyond.Hits.Total.Value)

	_, err := runSearch(t, s, `{"sort":[{"title":"asc"}]}`)
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestUnmappedFields(t *testing.T) {
	s := seedArticles(t)

	resp := mustSearch(t, s, `{"query":{"term":{"nope":"x"}}}`)
	assert.Empty(t, resp.Hits.Hits)
	assert.Nil(t, resp.Hits.MaxScore)

	_, err := runSearch(t, s, `{"query":{"term":{"nope":"x"}},"strict":true}`)
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	sorted := mustSearch(t, s, `{"sort":[{"nope":"asc"},"_id"]}`)
	assert.Equal(t, []string{"1", "2", "3", "4"}, hitIDs(sorted))
}

func TestDeletedDocumentsAreNotReturned(t *testing.T) {
	s := seedArticles(t)
	_, err := s.Delete(context.Background(), index.DeleteRequest{ID: "1"})
	require.NoError(t, err)
	put(t, s, "2", `{"title":"renamed hound","category":"animals","price":25}`)

	resp := mustSearch(t, s, `{"query":{"match":{"title":"quick"}}}`)
	assert.Empty(t, resp.Hits.Hits)

	hound := mustSearch(t, s, `{"query":{"match":{"title":"hound"}}}`)
	require.Equal(t, []string{"2"}, hitIDs(hound))
	assert.Equal(t, int64(2), hound.Hits.Hits[0].Version)
}

func TestSearchHonoursDeadline(t *testing.T) {
	s := seedArticles(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Search(ctx, s.Snapshot(), Request{Query: Match{Field: "title", Query: "quick"}})
	assert.ErrorIs(t, err, apperr.ErrTimeout)
	assert.Equal(t, "timeout", apperr.Kind(err))
}

func TestHighlight(t *testing.T) {
	s := seedArticles(t)

	resp := mustSearch(t, s, `{"query":{"match":{"title":"fox"}},"highlight":{"fields":{"title":{}}}}`)
	require.Len(t, resp.Hits.Hits, 1)
	assert.Equal(t, map[string][]string{"title": {"quick brown <em>fox</em>"}}, resp.Hits.Hits[0].Highlight)

	tagged := mustSearch(t, s, `{"query":{"bool":{"must":[{"prefix":{"title":"bro"}}],"must_not":[{"term":{"title":"lazy"}}]}},
		"highlight":{"fields":["title"],"pre_tags":["<b>"],"post_tags":["</b>"]}}`)
	require.Len(t, tagged.Hits.Hits, 1)
	assert.Equal(t, []string{"quick <b>brown</b> fox"}, tagged.Hits.Hits[0].Highlight["title"])
}

func TestHighlightFragmentsLongValues(t *testing.T) {
	s := openStore(t, mapping.Mapping{Properties: map[string]mapping.FieldMapping{
		"body": {Type: mapping.FieldTypeText},
	}})
	long := "alpha beta gamma delta epsilon zeta eta theta iota kappa lambda mu nu xi omicron pi rho sigma tau upsilon phi chi psi omega target end"
	put(t, s, "1", `{"body":"`+long+`"}`)

	resp := mustSearch(t, s, `{"query":{"match":{"body":"target"}},"highlight":{"fields":["body"],"fragment_size":40}}`)
	require.Len(t, resp.Hits.Hits, 1)
	fragments := resp.Hits.Hits[0].Highlight["body"]
	require.Len(t, fragments, 1)
	assert.Contains(t, fragments[0], "<em>target</em>")
	assert.Less(t, len(fragments[0]), len(long))

	whole := mustSearch(t, s, `{"query":{"match":{"body":"target"}},"highlight":{"fields":["body"],"fragment_size":40,"number_of_fragments":0}}`)
	assert.Equal(t, len(long)+len("<em></em>"), len(whole.Hits.Hits[0].Highlight["body"][0]))
}

func TestMultiMatch(t *testing.T) {
	s := openStore(t, mapping.Mapping{Properties: map[string]mapping.FieldMapping{
		"title": {Type: mapping.FieldTypeText},
		"body":  {Type: mapping.FieldTypeText},
	}})
	put(t, s, "1", `{"title":"search engines","body":"about databases"}`)
	put(t, s, "2", `{"title":"databases","body":"about search engines"}`)

	boosted := mustSearch(t, s, `{"query":{"multi_match":{"query":"search","fields":["title^3","body"]}}}`)
	assert.Equal(t, []string{"1", "2"}, hitIDs(boosted))

	flipped := mustSearch(t, s, `{"query":{"multi_match":{"query":"search","fields":["title","body^3"]}}}`)
	assert.Equal(t, []string{"2", "1"}, hitIDs(flipped))

	wildcard := mustSearch(t, s, `{"query":{"multi_match":{"query":"databases","fields":["*"],"type":"most_fields"}},"sort":["_id"]}`)
	assert.Equal(t, []string{"1", "2"}, hitIDs(wildcard))
}

func TestMinScore(t *testing.T) {
	s := seedArticles(t)
	all := mustSearch(t, s, `{"query":{"match":{"title":"quick brown fox"}}}`)
	top := all.Hits.Hits[0].Score

	resp := mustSearch(t, s, `{"query":{"match":{"title":"quick brown fox"}},"min_score":`+jsonNumber(top)+`}`)
	assert.Equal(t, []string{"1"}, hitIDs(resp))
}

func jsonNumber(f float64) string {
	b, _ := json.Marshal(f)
	return string(b)
}
