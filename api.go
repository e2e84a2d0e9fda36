package main

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"

	"asterengine/internal/apperr"
	"asterengine/internal/engine"
	"asterengine/internal/index"
	"asterengine/internal/mapping"
)

type apiServer struct {
	engine        *engine.Engine
	telemetry     *telemetry
	logger        *slog.Logger
	searchTimeout time.Duration
	maxBodyBytes  int64
	logRequests   bool
}

type serverOptions struct {
	searchTimeout time.Duration
	maxBodyBytes  int64
	logRequests   bool
}

func newAPIServer(eng *engine.Engine, t *telemetry, logger *slog.Logger, opts serverOptions) *apiServer {
	return &apiServer{
		engine:        eng,
		telemetry:     t,
		logger:        logger.With("component", "api"),
		searchTimeout: opts.searchTimeout,
		maxBodyBytes:  opts.maxBodyBytes,
		logRequests:   opts.logRequests,
	}
}

func (s *apiServer) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.Recoverer)
	r.Use(withTelemetry(s.telemetry, s.logRequests))
	r.Use(s.limitBody)

	r.Get("/_health", s.handleHealth)
	r.Get("/_metrics", s.telemetry.handleMetrics)
	r.Get("/_indices", s.listIndexes)

	r.Route("/{index}", func(r chi.Router) {
		r.Put("/", s.createIndex)
		r.Get("/", s.getIndex)
		r.Delete("/", s.deleteIndex)
		r.Put("/_mapping", s.putMapping)
		r.Get("/_mapping", s.getMapping)
		r.Get("/_stats", s.indexStats)
		r.Post("/_refresh", s.refresh)

		r.Post("/_doc", s.indexDocument)
		r.Put("/_doc/{id}", s.indexDocument)
		r.Post("/_doc/{id}", s.indexDocument)
		r.Get("/_doc/{id}", s.getDocument)
		r.Delete("/_doc/{id}", s.deleteDocument)
		r.Post("/_update/{id}", s.updateDocument)
		r.Post("/_bulk", s.bulk)

		r.Post("/_search", s.search)
		r.Get("/_search", s.search)
		r.Post("/_analyze", s.analyze)
	})
	return r
}

func (s *apiServer) limitBody(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.maxBodyBytes > 0 {
			r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
		}
		next.ServeHTTP(w, r)
	})
}

func (s *apiServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respond(w, http.StatusOK, map[string]any{"status": "ok", "indexes": len(s.engine.ListIndexes())})
}

func (s *apiServer) listIndexes(w http.ResponseWriter, _ *http.Request) {
	respond(w, http.StatusOK, map[string]any{"indexes": s.engine.ListIndexes()})
}

func (s *apiServer) createIndex(w http.ResponseWriter, r *http.Request) {
	var req index.CreateRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, err)
		return
	}
	req.Name = chi.URLParam(r, "index")

	def, err := s.engine.CreateIndex(req)
	if err != nil {
		respondError(w, err)
		return
	}
	s.observe(def.Name)
	respond(w, http.StatusOK, map[string]any{"acknowledged": true, "index": def.Name, "uuid": def.UUID})
}

func (s *apiServer) getIndex(w http.ResponseWriter, r *http.Request) {
	info, err := s.engine.GetIndex(chi.URLParam(r, "index"))
	if err != nil {
		respondError(w, err)
		return
	}
	respond(w, http.StatusOK, info)
}

func (s *apiServer) deleteIndex(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "index")
	if err := s.engine.DeleteIndex(name); err != nil {
		respondError(w, err)
		return
	}
	s.telemetry.forgetIndex(name)
	respond(w, http.StatusOK, map[string]any{"acknowledged": true})
}

func (s *apiServer) putMapping(w http.ResponseWriter, r *http.Request) {
	var m mapping.Mapping
	if err := decodeBody(r, &m); err != nil {
		respondError(w, err)
		return
	}
	if _, err := s.engine.PutMapping(chi.URLParam(r, "index"), m); err != nil {
		respondError(w, err)
		return
	}
	respond(w, http.StatusOK, map[string]any{"acknowledged": true})
}

func (s *apiServer) getMapping(w http.ResponseWriter, r *http.Request) {
	info, err := s.engine.GetIndex(chi.URLParam(r, "index"))
	if err != nil {
		respondError(w, err)
		return
	}
	respond(w, http.StatusOK, map[string]any{"mappings": info.Mappings})
}

func (s *apiServer) indexStats(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "index")
	stats, err := s.engine.Stats(name)
	if err != nil {
		respondError(w, err)
		return
	}
	s.telemetry.observeIndex(name, stats)
	respond(w, http.StatusOK, stats)
}

func (s *apiServer) refresh(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "index")
	if err := s.engine.Refresh(name); err != nil {
		respondError(w, err)
		return
	}
	s.observe(name)
	respond(w, http.StatusOK, map[string]any{"acknowledged": true})
}

type docResponse struct {
	Index string `json:"_index"`
	index.WriteResult
}

func (s *apiServer) indexDocument(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	name := chi.URLParam(r, "index")
	source, err := readBody(r)
	if err != nil {
		respondError(w, err)
		return
	}
	ifVersion, err := parseIfVersion(r)
	if err != nil {
		respondError(w, err)
		return
	}
	req := index.IndexRequest{
		ID:        chi.URLParam(r, "id"),
		Source:    source,
		Routing:   r.URL.Query().Get("routing"),
		OpType:    index.OpType(r.URL.Query().Get("op_type")),
		IfVersion: ifVersion,
	}

	res, err := s.engine.IndexDocument(r.Context(), name, req)
	s.afterWrite(r, name, 1, err, start)
	if err != nil {
		respondError(w, err)
		return
	}
	status := http.StatusOK
	if res.Result == index.ResultCreated {
		status = http.StatusCreated
	}
	respond(w, status, docResponse{Index: name, WriteResult: res})
}

func (s *apiServer) updateDocument(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	name := chi.URLParam(r, "index")
	var body struct {
		Doc         json.RawMessage `json:"doc"`
		DocAsUpsert bool            `json:"doc_as_upsert"`
	}
	if err := decodeBody(r, &body); err != nil {
		respondError(w, err)
		return
	}
	ifVersion, err := parseIfVersion(r)
	if err != nil {
		respondError(w, err)
		return
	}

	res, err := s.engine.UpdateDocument(r.Context(), name, index.UpdateRequest{
		ID:          chi.URLParam(r, "id"),
		Doc:         body.Doc,
		DocAsUpsert: body.DocAsUpsert,
		Routing:     r.URL.Query().Get("routing"),
		IfVersion:   ifVersion,
	})
	s.afterWrite(r, name, 1, err, start)
	if err != nil {
		respondError(w, err)
		return
	}
	status := http.StatusOK
	if res.Result == index.ResultCreated {
		status = http.StatusCreated
	}
	respond(w, status, docResponse{Index: name, WriteResult: res})
}

func (s *apiServer) deleteDocument(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	name := chi.URLParam(r, "index")
	ifVersion, err := parseIfVersion(r)
	if err != nil {
		respondError(w, err)
		return
	}
	res, err := s.engine.DeleteDocument(r.Context(), name, index.DeleteRequest{ID: chi.URLParam(r, "id"), IfVersion: ifVersion})
	s.afterWrite(r, name, 1, err, start)
	if err != nil {
		respondError(w, err)
		return
	}
	respond(w, http.StatusOK, docResponse{Index: name, WriteResult: res})
}

func (s *apiServer) getDocument(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "index")
	doc, err := s.engine.GetDocument(name, chi.URLParam(r, "id"))
	if errors.Is(err, apperr.ErrNotFound) {
		if _, indexErr := s.engine.Index(name); indexErr == nil {
			respond(w, http.StatusNotFound, map[string]any{"_index": name, "_id": chi.URLParam(r, "id"), "found": false})
			return
		}
	}
	if err != nil {
		respondError(w, err)
		return
	}
	respond(w, http.StatusOK, struct {
		Index string `json:"_index"`
		index.Document
	}{Index: name, Document: doc})
}

func (s *apiServer) bulk(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	name := chi.URLParam(r, "index")
	items, err := index.ParseBulk(r.Body)
	if err != nil {
		respondError(w, err)
		return
	}

	resp, err := s.engine.Bulk(r.Context(), name, items)
	if err != nil {
		respondError(w, err)
		return
	}
	failed := 0
	for _, item := range resp.Items {
		if item.Error != nil {
			failed++
		}
	}
	s.telemetry.recordIndexing(r.Context(), name, len(items), failed, time.Since(start))
	s.observe(name)
	s.logger.Info("bulk request processed", "index", name, "items", len(items), "failed", failed, "duration_ms", time.Since(start).Milliseconds())
	respond(w, http.StatusOK, resp)
}

func (s *apiServer) search(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	name := chi.URLParam(r, "index")
	var body map[string]any
	if err := decodeBody(r, &body); err != nil {
		respondError(w, err)
		return
	}
	if body == nil {
		body = map[string]any{}
	}
	req, err := engine.ParseSearch(body)
	if err != nil {
		respondError(w, err)
		return
	}
	if req.Timeout <= 0 {
		req.Timeout = s.searchTimeout
	}

	resp, err := s.engine.Search(r.Context(), name, req)
	if err != nil {
		respondError(w, err)
		return
	}
	s.telemetry.recordSearch(r.Context(), name, time.Since(start))
	respond(w, http.StatusOK, resp)
}

func (s *apiServer) analyze(w http.ResponseWriter, r *http.Request) {
	var req engine.AnalyzeRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, err)
		return
	}
	tokens, err := s.engine.Analyze(chi.URLParam(r, "index"), req)
	if err != nil {
		respondError(w, err)
		return
	}
	respond(w, http.StatusOK, map[string]any{"tokens": tokens})
}

// afterWrite records a single-document write and refreshes the index gauges.
func (s *apiServer) afterWrite(r *http.Request, name string, operations int, err error, start time.Time) {
	failed := 0
	if err != nil {
		failed = operations
	}
	s.telemetry.recordIndexing(r.Context(), name, operations, failed, time.Since(start))
	if err == nil {
		s.observe(name)
	}
}

func (s *apiServer) observe(name string) {
	if stats, err := s.engine.Stats(name); err == nil {
		s.telemetry.observeIndex(name, stats)
	}
}

func parseIfVersion(r *http.Request) (*int64, error) {
	raw := r.URL.Query().Get("if_version")
	if raw == "" {
		return nil, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return nil, apperr.Validationf("invalid if_version [%s]", raw)
	}
	return &v, nil
}

func readBody(r *http.Request) (json.RawMessage, error) {
	data, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, apperr.Validationf("read body: %v", err)
	}
	if !json.Valid(data) {
		return nil, apperr.Validationf("request body is not valid JSON")
	}
	return data, nil
}

// decodeBody decodes a JSON body into dst. An empty body leaves dst untouched.
func decodeBody(r *http.Request, dst any) error {
	err := json.NewDecoder(r.Body).Decode(dst)
	if err == nil || errors.Is(err, io.EOF) {
		return nil
	}
	return apperr.Validationf("invalid json payload: %v", err)
}

func respond(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, err error) {
	status := apperr.HTTPStatus(err)
	respond(w, status, map[string]any{
		"error":  map[string]any{"type": apperr.Kind(err), "reason": err.Error()},
		"status": status,
	})
}
