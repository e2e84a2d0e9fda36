package main

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	prometheusotel "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"asterengine/internal/index"
)

type telemetry struct {
	enabled bool
	logger  *slog.Logger

	registry       *prometheus.Registry
	metricsHandler http.Handler

	httpRequests  metric.Int64Counter
	httpErrors    metric.Int64Counter
	httpLatency   metric.Float64Histogram
	indexDocs     metric.Int64Counter
	indexErrors   metric.Int64Counter
	indexLatency  metric.Float64Histogram
	searchOps     metric.Int64Counter
	searchLatency metric.Float64Histogram

	docsGauge    *prometheus.GaugeVec
	segmentGauge *prometheus.GaugeVec
	walGauge     *prometheus.GaugeVec
}

func newTelemetry(ctx context.Context, logger *slog.Logger, enabled bool) *telemetry {
	t := &telemetry{enabled: enabled, logger: logger}
	if !enabled {
		return t
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	exporter, err := prometheusotel.New(prometheusotel.WithRegisterer(registry))
	if err != nil {
		logger.Error("failed to initialize prometheus exporter", "error", err)
		t.enabled = false
		return t
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(provider)
	meter := provider.Meter("asterengine")

	t.httpRequests, _ = meter.Int64Counter("http_requests_total", metric.WithDescription("Total HTTP requests"))
	t.httpErrors, _ = meter.Int64Counter("http_errors_total", metric.WithDescription("HTTP requests that returned an error status"))
	t.httpLatency, _ = meter.Float64Histogram("http_request_duration_ms", metric.WithDescription("Latency of HTTP requests in milliseconds"), metric.WithUnit("ms"))
	t.indexDocs, _ = meter.Int64Counter("index_operations_total", metric.WithDescription("Document operations applied by the write path"))
	t.indexErrors, _ = meter.Int64Counter("index_operation_errors_total", metric.WithDescription("Document operations rejected by the write path"))
	t.indexLatency, _ = meter.Float64Histogram("index_latency_ms", metric.WithDescription("Latency of index mutations"), metric.WithUnit("ms"))
	t.searchOps, _ = meter.Int64Counter("search_requests_total", metric.WithDescription("Search operations executed"))
	t.searchLatency, _ = meter.Float64Histogram("search_latency_ms", metric.WithDescription("Latency of search operations"), metric.WithUnit("ms"))

	t.docsGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{Namespace: "asterengine", Name: "documents", Help: "Live documents per index"}, []string{"index"})
	t.segmentGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{Namespace: "asterengine", Name: "segments", Help: "Segments currently tracked per index"}, []string{"index"})
	t.walGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{Namespace: "asterengine", Name: "wal_offset_bytes", Help: "Last recorded WAL offset"}, []string{"index"})
	registry.MustRegister(t.docsGauge, t.segmentGauge, t.walGauge)

	t.registry = registry
	t.metricsHandler = promhttp.HandlerFor(registry, promhttp.HandlerOpts{})

	t.logger.Info("telemetry initialized", "prometheus", true)
	t.httpRequests.Add(ctx, 0) // ensure metric is created eagerly
	return t
}

func (t *telemetry) recordRequest(ctx context.Context, method, route string, status int, duration time.Duration) {
	if !t.enabled {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("route", route),
		attribute.Int("status", status),
	)
	t.httpRequests.Add(ctx, 1, attrs)
	t.httpLatency.Record(ctx, float64(duration.Milliseconds()), attrs)
	if status >= http.StatusBadRequest {
		t.httpErrors.Add(ctx, 1, attrs)
	}
}

func (t *telemetry) recordIndexing(ctx context.Context, indexName string, operations, errs int, duration time.Duration) {
	if !t.enabled {
		return
	}

	attrs := metric.WithAttributes(attribute.String("index", indexName))
	t.indexDocs.Add(ctx, int64(operations-errs), attrs)
	t.indexLatency.Record(ctx, float64(duration.Milliseconds()), attrs)
	if errs > 0 {
		t.indexErrors.Add(ctx, int64(errs), attrs)
	}
}

func (t *telemetry) recordSearch(ctx context.Context, indexName string, duration time.Duration) {
	if !t.enabled {
		return
	}

	attrs := metric.WithAttributes(attribute.String("index", indexName))
	t.searchOps.Add(ctx, 1, attrs)
	t.searchLatency.Record(ctx, float64(duration.Milliseconds()), attrs)
}

// observeIndex publishes the current shape of an index.
func (t *telemetry) observeIndex(indexName string, stats index.Stats) {
	if !t.enabled {
		return
	}

	t.docsGauge.WithLabelValues(indexName).Set(float64(stats.Docs))
	t.segmentGauge.WithLabelValues(indexName).Set(float64(stats.Segments))
	t.walGauge.WithLabelValues(indexName).Set(float64(stats.WALOffset))
}

func (t *telemetry) forgetIndex(indexName string) {
	if !t.enabled {
		return
	}

	t.docsGauge.DeleteLabelValues(indexName)
	t.segmentGauge.DeleteLabelValues(indexName)
	t.walGauge.DeleteLabelValues(indexName)
}

func (t *telemetry) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if !t.enabled || t.registry == nil {
		respond(w, http.StatusOK, map[string]any{"enabled": false})
		return
	}

	t.metricsHandler.ServeHTTP(w, r)
}

type responseRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (r *responseRecorder) WriteHeader(status int) {
	if !r.wroteHeader {
		r.status = status
		r.wroteHeader = true
	}
	r.ResponseWriter.WriteHeader(status)
}

// withTelemetry records every request under its chi route pattern.
func withTelemetry(t *telemetry, logRequests bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			recorder := &responseRecorder{ResponseWriter: w, status: http.StatusOK}
			start := time.Now()
			next.ServeHTTP(recorder, r)
			duration := time.Since(start)

			route := "unknown"
			if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
				route = rc.RoutePattern()
			}
			t.recordRequest(r.Context(), r.Method, route, recorder.status, duration)
			if logRequests {
				t.logger.Info("request completed", "method", r.Method, "path", r.URL.Path, "route", route, "status", recorder.status, "duration_ms", duration.Milliseconds())
			}
		})
	}
}
