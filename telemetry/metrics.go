// Package telemetry provides OpenTelemetry metrics for the tmplscout data layer.
package telemetry

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"
)

const (
	meterName = "github.com/tmplscout/tmplscout"
)

// MetricsConfig configures the metrics system.
type MetricsConfig struct {
	// ServiceName is the name of the service for resource attributes.
	ServiceName string

	// ServiceVersion is the version of the service.
	ServiceVersion string

	// OTLPEndpoint is the OTLP gRPC endpoint (e.g., "localhost:4317").
	// If empty, OTLP export is disabled.
	OTLPEndpoint string

	// EnablePrometheus enables the Prometheus /metrics endpoint.
	EnablePrometheus bool

	// FlushInterval is how often to export metrics (default: 10s).
	FlushInterval time.Duration
}

// Metrics holds the OpenTelemetry metric instruments.
type Metrics struct {
	cacheOpsTotal        metric.Int64Counter
	cacheEvictionsTotal  metric.Int64Counter
	cacheBytesSavedTotal metric.Int64Counter
	cacheGetDuration     metric.Float64Histogram
	cleanupDeletedTotal  metric.Int64Counter
	cleanupDuration      metric.Float64Histogram

	requestsTotal      metric.Int64Counter
	requestDuration    metric.Float64Histogram
	requestDedupTotal  metric.Int64Counter
	requestRetryTotal  metric.Int64Counter
	batchDispatchTotal metric.Int64Counter
	batchedCallsTotal  metric.Int64Counter

	searchTotal      metric.Int64Counter
	syncRunsTotal    metric.Int64Counter
	syncRecordsTotal metric.Int64Counter
	storeOnline      metric.Int64Gauge

	meterProvider *sdkmetric.MeterProvider
	promHandler   http.Handler
}

var (
	globalMetrics *Metrics
	initOnce      sync.Once
	initErr       error
)

// InitMetrics initializes the OpenTelemetry metrics system.
// Returns a shutdown function that should be called on application exit.
// Uses sync.Once to ensure single initialisation.
func InitMetrics(ctx context.Context, cfg MetricsConfig) (shutdown func(context.Context) error, err error) {
	initOnce.Do(func() {
		initErr = doInitMetrics(ctx, cfg)
	})

	if initErr != nil {
		return nil, initErr
	}

	return shutdownMetrics, nil
}

func doInitMetrics(ctx context.Context, cfg MetricsConfig) error {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "tmplscout"
	}
	if cfg.FlushInterval == 0 {
		cfg.FlushInterval = 10 * time.Second
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return err
	}

	var readers []sdkmetric.Reader
	var promHandler http.Handler

	if cfg.OTLPEndpoint != "" {
		otlpExporter, err := otlpmetricgrpc.New(ctx,
			otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint),
			otlpmetricgrpc.WithInsecure(),
		)
		if err != nil {
			return err
		}
		readers = append(readers, sdkmetric.NewPeriodicReader(otlpExporter,
			sdkmetric.WithInterval(cfg.FlushInterval),
		))
	}

	if cfg.EnablePrometheus {
		promExp, err := promexporter.New()
		if err != nil {
			return err
		}
		readers = append(readers, promExp)
		promHandler = promhttp.Handler()
	}

	// If no exporters configured, use a no-op periodic reader to still collect metrics
	if len(readers) == 0 {
		readers = append(readers, sdkmetric.NewPeriodicReader(noopExporter{},
			sdkmetric.WithInterval(cfg.FlushInterval),
		))
	}

	opts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	for _, r := range readers {
		opts = append(opts, sdkmetric.WithReader(r))
	}

	mp := sdkmetric.NewMeterProvider(opts...)
	otel.SetMeterProvider(mp)

	meter := mp.Meter(meterName)

	cacheOpsTotal, err := meter.Int64Counter(
		"tmplscout_cache_ops_total",
		metric.WithDescription("Cache operations by tier and result"),
		metric.WithUnit("{op}"),
	)
	if err != nil {
		return err
	}

	cacheEvictionsTotal, err := meter.Int64Counter(
		"tmplscout_cache_evictions_total",
		metric.WithDescription("Entries evicted from a cache tier"),
		metric.WithUnit("{entry}"),
	)
	if err != nil {
		return err
	}

	cacheBytesSavedTotal, err := meter.Int64Counter(
		"tmplscout_cache_compression_bytes_saved_total",
		metric.WithDescription("Bytes saved by disk-tier compression"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return err
	}

	cacheGetDuration, err := meter.Float64Histogram(
		"tmplscout_cache_get_duration_seconds",
		metric.WithDescription("Cache get duration"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.00001, 0.0001, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1),
	)
	if err != nil {
		return err
	}

	cleanupDeletedTotal, err := meter.Int64Counter(
		"tmplscout_cache_cleanup_deleted_total",
		metric.WithDescription("Entries deleted by cleanup cycles"),
		metric.WithUnit("{entry}"),
	)
	if err != nil {
		return err
	}

	cleanupDuration, err := meter.Float64Histogram(
		"tmplscout_cache_cleanup_duration_seconds",
		metric.WithDescription("Duration of cleanup cycles"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10),
	)
	if err != nil {
		return err
	}

	requestsTotal, err := meter.Int64Counter(
		"tmplscout_requests_total",
		metric.WithDescription("Outbound requests by outcome"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return err
	}

	requestDuration, err := meter.Float64Histogram(
		"tmplscout_request_duration_seconds",
		metric.WithDescription("Outbound request duration"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	)
	if err != nil {
		return err
	}

	requestDedupTotal, err := meter.Int64Counter(
		"tmplscout_request_dedup_total",
		metric.WithDescription("Requests attached to an identical in-flight call"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return err
	}

	requestRetryTotal, err := meter.Int64Counter(
		"tmplscout_request_retries_total",
		metric.WithDescription("Retry attempts for transient failures"),
		metric.WithUnit("{attempt}"),
	)
	if err != nil {
		return err
	}

	batchDispatchTotal, err := meter.Int64Counter(
		"tmplscout_batch_dispatch_total",
		metric.WithDescription("Batched dispatches sent"),
		metric.WithUnit("{dispatch}"),
	)
	if err != nil {
		return err
	}

	batchedCallsTotal, err := meter.Int64Counter(
		"tmplscout_batched_calls_total",
		metric.WithDescription("Logical calls folded into batched dispatches"),
		metric.WithUnit("{call}"),
	)
	if err != nil {
		return err
	}

	searchTotal, err := meter.Int64Counter(
		"tmplscout_store_search_total",
		metric.WithDescription("Store searches by serving source"),
		metric.WithUnit("{search}"),
	)
	if err != nil {
		return err
	}

	syncRunsTotal, err := meter.Int64Counter(
		"tmplscout_store_sync_runs_total",
		metric.WithDescription("Background sync cycles by outcome"),
		metric.WithUnit("{run}"),
	)
	if err != nil {
		return err
	}

	syncRecordsTotal, err := meter.Int64Counter(
		"tmplscout_store_sync_records_total",
		metric.WithDescription("Records merged by background sync"),
		metric.WithUnit("{record}"),
	)
	if err != nil {
		return err
	}

	storeOnline, err := meter.Int64Gauge(
		"tmplscout_store_online",
		metric.WithDescription("Whether the remote store is reachable (1) or not (0)"),
	)
	if err != nil {
		return err
	}

	globalMetrics = &Metrics{
		cacheOpsTotal:        cacheOpsTotal,
		cacheEvictionsTotal:  cacheEvictionsTotal,
		cacheBytesSavedTotal: cacheBytesSavedTotal,
		cacheGetDuration:     cacheGetDuration,
		cleanupDeletedTotal:  cleanupDeletedTotal,
		cleanupDuration:      cleanupDuration,
		requestsTotal:        requestsTotal,
		requestDuration:      requestDuration,
		requestDedupTotal:    requestDedupTotal,
		requestRetryTotal:    requestRetryTotal,
		batchDispatchTotal:   batchDispatchTotal,
		batchedCallsTotal:    batchedCallsTotal,
		searchTotal:          searchTotal,
		syncRunsTotal:        syncRunsTotal,
		syncRecordsTotal:     syncRecordsTotal,
		storeOnline:          storeOnline,
		meterProvider:        mp,
		promHandler:          promHandler,
	}

	return nil
}

func shutdownMetrics(ctx context.Context) error {
	if globalMetrics == nil || globalMetrics.meterProvider == nil {
		return nil
	}
	return globalMetrics.meterProvider.Shutdown(ctx)
}

// PrometheusHandler returns the Prometheus metrics HTTP handler.
// Returns a handler that returns 404 if Prometheus export is not enabled,
// allowing safe registration regardless of initialization order.
func PrometheusHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if globalMetrics == nil || globalMetrics.promHandler == nil {
			http.NotFound(w, r)
			return
		}
		globalMetrics.promHandler.ServeHTTP(w, r)
	})
}

// RecordCacheOp records a cache lookup or write outcome.
// tier is "fast", "persist" or "disk"; result is "hit", "miss" or "error".
func RecordCacheOp(ctx context.Context, tier, op, result string) {
	if globalMetrics == nil {
		return
	}
	attrs := []attribute.KeyValue{
		attribute.String("tier", tier),
		attribute.String("op", op),
		attribute.String("result", result),
	}
	globalMetrics.cacheOpsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordCacheGetDuration records the total duration of one Engine.Get.
func RecordCacheGetDuration(ctx context.Context, duration time.Duration) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.cacheGetDuration.Record(ctx, duration.Seconds())
}

// RecordCacheEviction records entries evicted from a tier.
func RecordCacheEviction(ctx context.Context, tier string, count int) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.cacheEvictionsTotal.Add(ctx, int64(count),
		metric.WithAttributes(attribute.String("tier", tier)))
}

// RecordCompressionSaved records bytes saved by compressing a disk payload.
func RecordCompressionSaved(ctx context.Context, bytes int64) {
	if globalMetrics == nil || bytes <= 0 {
		return
	}
	globalMetrics.cacheBytesSavedTotal.Add(ctx, bytes)
}

// RecordCleanupCycle records one cleanup cycle's deleted count and duration.
func RecordCleanupCycle(ctx context.Context, tier string, deleted int, duration time.Duration) {
	if globalMetrics == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("tier", tier))
	globalMetrics.cleanupDeletedTotal.Add(ctx, int64(deleted), attrs)
	globalMetrics.cleanupDuration.Record(ctx, duration.Seconds(), attrs)
}

// RecordRequest records a completed outbound request.
// outcome is "success", "failed", "canceled" or "cache_hit".
func RecordRequest(ctx context.Context, outcome string, duration time.Duration) {
	if globalMetrics == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	globalMetrics.requestsTotal.Add(ctx, 1, attrs)
	globalMetrics.requestDuration.Record(ctx, duration.Seconds(), attrs)
}

// RecordRequestDedup records a caller attached to an in-flight identical request.
func RecordRequestDedup(ctx context.Context) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.requestDedupTotal.Add(ctx, 1)
}

// RecordRequestRetry records a retry attempt.
func RecordRequestRetry(ctx context.Context) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.requestRetryTotal.Add(ctx, 1)
}

// RecordBatchDispatch records a batched dispatch covering n logical calls.
func RecordBatchDispatch(ctx context.Context, calls int) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.batchDispatchTotal.Add(ctx, 1)
	globalMetrics.batchedCallsTotal.Add(ctx, int64(calls))
}

// RecordSearch records a store search by serving source:
// "cache", "local", "remote" or "empty".
func RecordSearch(ctx context.Context, source string) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.searchTotal.Add(ctx, 1,
		metric.WithAttributes(attribute.String("source", source)))
}

// RecordSyncRun records one background sync cycle.
func RecordSyncRun(ctx context.Context, table, outcome string, records int) {
	if globalMetrics == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("table", table),
		attribute.String("outcome", outcome),
	)
	globalMetrics.syncRunsTotal.Add(ctx, 1, attrs)
	if records > 0 {
		globalMetrics.syncRecordsTotal.Add(ctx, int64(records), attrs)
	}
}

// UpdateOnlineState records the current remote connectivity state.
func UpdateOnlineState(ctx context.Context, online bool) {
	if globalMetrics == nil {
		return
	}
	var v int64
	if online {
		v = 1
	}
	globalMetrics.storeOnline.Record(ctx, v)
}

// noopExporter is a no-op metrics exporter for when no exporters are configured.
type noopExporter struct{}

func (noopExporter) Temporality(_ sdkmetric.InstrumentKind) metricdata.Temporality {
	return metricdata.CumulativeTemporality
}

func (noopExporter) Aggregation(_ sdkmetric.InstrumentKind) sdkmetric.Aggregation {
	return nil
}

func (noopExporter) Export(_ context.Context, _ *metricdata.ResourceMetrics) error {
	return nil
}

func (noopExporter) ForceFlush(_ context.Context) error {
	return nil
}

func (noopExporter) Shutdown(_ context.Context) error {
	return nil
}
