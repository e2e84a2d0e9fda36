package engine

import (
	"context"
	"strings"
	"time"

	"asterengine/internal/aggs"
	"asterengine/internal/analysis"
	"asterengine/internal/apperr"
	"asterengine/internal/index"
	"asterengine/internal/query"
)

// SearchRequest is a full search body: the query part plus aggregations and suggesters.
type SearchRequest struct {
	query.Request
	Aggs    aggs.Aggs
	Suggest []Suggester
}

// SearchResponse adds aggregation and suggestion results to the hits.
type SearchResponse struct {
	query.Response
	Aggregations aggs.Results            `json:"aggregations,omitempty"`
	Suggest      map[string][]Suggestion `json:"suggest,omitempty"`
}

// ParseSearch decodes a search body.
func ParseSearch(body map[string]any) (SearchRequest, error) {
	var req SearchRequest
	var err error
	if req.Request, err = query.ParseRequest(body); err != nil {
		return SearchRequest{}, err
	}
	raw := body["aggs"]
	if raw == nil {
		raw = body["aggregations"]
	}
	if req.Aggs, err = aggs.Parse(raw); err != nil {
		return SearchRequest{}, err
	}
	if req.Suggest, err = ParseSuggest(body["suggest"]); err != nil {
		return SearchRequest{}, err
	}
	return req, nil
}

// Search runs the query, then aggregations over every matching document and finally the
// suggesters, all against one snapshot. The request timeout bounds the whole call.
func (e *Engine) Search(ctx context.Context, name string, req SearchRequest) (*SearchResponse, error) {
	idx, err := e.Index(name)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	ctx, cancel := withTimeout(ctx, req.Timeout)
	defer cancel()

	out, err := idx.search(ctx, idx.Snapshot(), req)
	if err != nil {
		return nil, err
	}
	out.Took = time.Since(start).Milliseconds()
	e.logger.Debug("search executed", "index", name, "hits", out.Hits.Total.Value, "aggs", len(req.Aggs), "duration_ms", out.Took)
	return out, nil
}

func (idx *Index) search(ctx context.Context, snap *index.Snapshot, req SearchRequest) (*SearchResponse, error) {
	resp, err := query.Search(ctx, snap, req.Request)
	if err != nil {
		return nil, err
	}
	out := &SearchResponse{Response: *resp}

	if len(req.Aggs) > 0 {
		out.Aggregations, err = aggs.Aggregate(ctx, aggs.Input{Snapshot: snap, Docs: resp.Matched, Now: req.Now}, req.Aggs)
		if err != nil {
			return nil, err
		}
	}
	if len(req.Suggest) > 0 {
		out.Suggest = make(map[string][]Suggestion, len(req.Suggest))
		for _, s := range req.Suggest {
			entries, err := idx.runSuggester(snap, s)
			if err != nil {
				return nil, err
			}
			out.Suggest[s.Name] = entries
		}
	}
	return out, nil
}

// Aggregate runs defs over the documents matching q, or over every live document when q
// is nil.
func (e *Engine) Aggregate(ctx context.Context, name string, q query.Query, defs aggs.Aggs) (aggs.Results, error) {
	idx, err := e.Index(name)
	if err != nil {
		return nil, err
	}
	snap := idx.Snapshot()
	in := aggs.Input{Snapshot: snap}
	if q != nil {
		if in.Docs, err = query.Filter(ctx, snap, q, time.Time{}); err != nil {
			return nil, err
		}
	}
	return aggs.Aggregate(ctx, in, defs)
}

// AnalyzeRequest selects an analyzer by name, by field, or inline from components.
type AnalyzeRequest struct {
	Text       string   `json:"text"`
	Analyzer   string   `json:"analyzer,omitempty"`
	Field      string   `json:"field,omitempty"`
	Tokenizer  string   `json:"tokenizer,omitempty"`
	Filter     []string `json:"filter,omitempty"`
	CharFilter []string `json:"char_filter,omitempty"`
}

// Analyze runs text through an analyzer of the index. Inline tokenizer and filter names
// resolve against the index's analysis settings as well as the built-ins.
func (e *Engine) Analyze(name string, req AnalyzeRequest) ([]analysis.Token, error) {
	idx, err := e.Index(name)
	if err != nil {
		return nil, err
	}
	switch {
	case req.Tokenizer != "" || len(req.Filter) > 0 || len(req.CharFilter) > 0:
		if req.Analyzer != "" || req.Field != "" {
			return nil, apperr.Validationf("cannot combine [analyzer] or [field] with inline analysis components")
		}
		tokenizer := req.Tokenizer
		if tokenizer == "" {
			tokenizer = "standard"
		}
		settings := idx.def.Settings.Analysis
		return analysis.AnalyzeWith(settings, analysis.AnalyzerConfig{
			Tokenizer:  tokenizer,
			Filter:     req.Filter,
			CharFilter: req.CharFilter,
		}, req.Text)
	case req.Field != "":
		fm, err := idx.mappings.Resolve(req.Field)
		if err != nil {
			return nil, err
		}
		if !fm.Type.Analyzed() {
			return []analysis.Token{{Term: req.Text, EndOffset: len(req.Text), Type: "word"}}, nil
		}
		return idx.analyzers.Analyze(fm.IndexAnalyzer(), req.Text)
	default:
		return idx.analyzers.Analyze(strings.TrimSpace(req.Analyzer), req.Text)
	}
}
