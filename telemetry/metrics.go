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
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

const (
	meterName = "github.com/wolfeidau/dat-gateway"
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
	requestsTotal           metric.Int64Counter
	responseBytesTotal      metric.Int64Counter
	requestDuration         metric.Float64Histogram
	requestsByEndpointTotal metric.Int64Counter

	upstreamFetchDuration   metric.Float64Histogram
	upstreamFetchTotal      metric.Int64Counter
	upstreamFetchBytesTotal metric.Int64Counter

	backendRequestDuration metric.Float64Histogram
	backendRequestsTotal   metric.Int64Counter
	backendBytesTotal      metric.Int64Counter

	// Registry (archive cache) metrics.
	registryResident          metric.Int64Gauge
	registryAdmissionsTotal   metric.Int64Counter
	registryAdmissionDuration metric.Float64Histogram
	registryEvictionsTotal    metric.Int64Counter
	registryRejectionsTotal   metric.Int64Counter

	// Sweeper metrics.
	sweepRemovedTotal metric.Int64Counter
	sweepDuration     metric.Float64Histogram

	// WebSocket front end metrics.
	wsConnections  metric.Int64Gauge
	wsBytesTotal   metric.Int64Counter
	wsSessionTotal metric.Int64Counter

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
		cfg.ServiceName = "dat-gateway"
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

	requestsTotal, err := meter.Int64Counter(
		"dat_gateway_http_requests_total",
		metric.WithDescription("Total number of HTTP requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return err
	}

	responseBytesTotal, err := meter.Int64Counter(
		"dat_gateway_http_response_bytes_total",
		metric.WithDescription("Total bytes sent in HTTP responses"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return err
	}

	requestDuration, err := meter.Float64Histogram(
		"dat_gateway_http_request_duration_seconds",
		metric.WithDescription("HTTP request duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	)
	if err != nil {
		return err
	}

	requestsByEndpointTotal, err := meter.Int64Counter(
		"dat_gateway_http_requests_by_endpoint_total",
		metric.WithDescription("Total number of HTTP requests by endpoint (detail metric)"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return err
	}

	upstreamFetchDuration, err := meter.Float64Histogram(
		"dat_gateway_upstream_fetch_duration_seconds",
		metric.WithDescription("Duration of upstream fetch requests (DNS/.well-known lookups)"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 40, 60),
	)
	if err != nil {
		return err
	}

	upstreamFetchTotal, err := meter.Int64Counter(
		"dat_gateway_upstream_fetch_total",
		metric.WithDescription("Total number of upstream fetch requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return err
	}

	upstreamFetchBytesTotal, err := meter.Int64Counter(
		"dat_gateway_upstream_fetch_bytes_total",
		metric.WithDescription("Total bytes fetched from upstream"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return err
	}

	backendRequestDuration, err := meter.Float64Histogram(
		"dat_gateway_backend_request_duration_seconds",
		metric.WithDescription("Duration of backend storage operations"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5),
	)
	if err != nil {
		return err
	}

	backendRequestsTotal, err := meter.Int64Counter(
		"dat_gateway_backend_requests_total",
		metric.WithDescription("Total number of backend storage operations"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return err
	}

	backendBytesTotal, err := meter.Int64Counter(
		"dat_gateway_backend_bytes_total",
		metric.WithDescription("Total bytes transferred in backend operations"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return err
	}

	registryResident, err := meter.Int64Gauge(
		"dat_gateway_registry_resident_archives",
		metric.WithDescription("Current number of resident archives in the registry"),
		metric.WithUnit("{archive}"),
	)
	if err != nil {
		return err
	}

	registryAdmissionsTotal, err := meter.Int64Counter(
		"dat_gateway_registry_admissions_total",
		metric.WithDescription("Total archive admissions, by outcome"),
		metric.WithUnit("{admission}"),
	)
	if err != nil {
		return err
	}

	registryAdmissionDuration, err := meter.Float64Histogram(
		"dat_gateway_registry_admission_duration_seconds",
		metric.WithDescription("Duration of archive admission (join + materialize)"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 3, 5, 10, 30),
	)
	if err != nil {
		return err
	}

	registryEvictionsTotal, err := meter.Int64Counter(
		"dat_gateway_registry_evictions_total",
		metric.WithDescription("Total archives evicted from the registry, by reason"),
		metric.WithUnit("{archive}"),
	)
	if err != nil {
		return err
	}

	registryRejectionsTotal, err := meter.Int64Counter(
		"dat_gateway_registry_rejections_total",
		metric.WithDescription("Total admission attempts rejected, by reason"),
		metric.WithUnit("{admission}"),
	)
	if err != nil {
		return err
	}

	sweepRemovedTotal, err := meter.Int64Counter(
		"dat_gateway_sweep_removed_total",
		metric.WithDescription("Total archives removed by the TTL sweeper"),
		metric.WithUnit("{archive}"),
	)
	if err != nil {
		return err
	}

	sweepDuration, err := meter.Float64Histogram(
		"dat_gateway_sweep_duration_seconds",
		metric.WithDescription("Duration of sweeper cycles"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30),
	)
	if err != nil {
		return err
	}

	wsConnections, err := meter.Int64Gauge(
		"dat_gateway_ws_connections",
		metric.WithDescription("Current number of open WebSocket replication sessions"),
		metric.WithUnit("{connection}"),
	)
	if err != nil {
		return err
	}

	wsBytesTotal, err := meter.Int64Counter(
		"dat_gateway_ws_bytes_total",
		metric.WithDescription("Total bytes transferred over WebSocket replication sessions"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return err
	}

	wsSessionTotal, err := meter.Int64Counter(
		"dat_gateway_ws_sessions_total",
		metric.WithDescription("Total WebSocket replication sessions opened, by outcome"),
		metric.WithUnit("{session}"),
	)
	if err != nil {
		return err
	}

	globalMetrics = &Metrics{
		requestsTotal:             requestsTotal,
		responseBytesTotal:        responseBytesTotal,
		requestDuration:           requestDuration,
		requestsByEndpointTotal:   requestsByEndpointTotal,
		upstreamFetchDuration:     upstreamFetchDuration,
		upstreamFetchTotal:        upstreamFetchTotal,
		upstreamFetchBytesTotal:   upstreamFetchBytesTotal,
		backendRequestDuration:    backendRequestDuration,
		backendRequestsTotal:      backendRequestsTotal,
		backendBytesTotal:         backendBytesTotal,
		registryResident:          registryResident,
		registryAdmissionsTotal:   registryAdmissionsTotal,
		registryAdmissionDuration: registryAdmissionDuration,
		registryEvictionsTotal:    registryEvictionsTotal,
		registryRejectionsTotal:   registryRejectionsTotal,
		sweepRemovedTotal:         sweepRemovedTotal,
		sweepDuration:             sweepDuration,
		wsConnections:             wsConnections,
		wsBytesTotal:              wsBytesTotal,
		wsSessionTotal:            wsSessionTotal,
		meterProvider:             mp,
		promHandler:               promHandler,
	}

	return nil
}

// shutdownMetrics shuts down the metrics provider and clears the global state.
func shutdownMetrics(ctx context.Context) error {
	if globalMetrics == nil {
		return nil
	}
	err := globalMetrics.meterProvider.Shutdown(ctx)
	globalMetrics = nil
	return err
}

// RecordHTTP records HTTP request metrics.
// Call this from the logging middleware after the request completes.
func RecordHTTP(ctx context.Context, r *http.Request, status int, bytesSent int64, duration time.Duration) {
	if globalMetrics == nil {
		return
	}

	tags := GetTags(r)

	protocol := "unknown"
	residency := string(ResidencyBypass)
	endpoint := ""
	if tags != nil {
		if tags.Protocol != "" {
			protocol = tags.Protocol
		}
		if tags.Residency != "" {
			residency = string(tags.Residency)
		}
		endpoint = tags.Endpoint
	}

	statusClass := StatusClass(status)

	sharedAttrs := []attribute.KeyValue{
		attribute.String("protocol", protocol),
		attribute.String("status_class", statusClass),
		attribute.String("residency", residency),
	}
	globalMetrics.requestsTotal.Add(ctx, 1, metric.WithAttributes(sharedAttrs...))
	globalMetrics.responseBytesTotal.Add(ctx, bytesSent, metric.WithAttributes(sharedAttrs...))
	globalMetrics.requestDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(sharedAttrs...))

	if endpoint != "" {
		detailAttrs := []attribute.KeyValue{
			attribute.String("protocol", protocol),
			attribute.String("endpoint", endpoint),
			attribute.String("status_class", statusClass),
			attribute.String("residency", residency),
		}
		globalMetrics.requestsByEndpointTotal.Add(ctx, 1, metric.WithAttributes(detailAttrs...))
	}
}

// RecordBackendOp records backend operation metrics.
func RecordBackendOp(ctx context.Context, backend, op, outcome string, duration time.Duration, bytes int64) {
	if globalMetrics == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("backend", backend),
		attribute.String("op", op),
		attribute.String("outcome", outcome),
	}
	globalMetrics.backendRequestsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	globalMetrics.backendRequestDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
	if bytes > 0 {
		globalMetrics.backendBytesTotal.Add(ctx, bytes, metric.WithAttributes(attrs...))
	}
}

// RecordUpstreamFetch records an upstream fetch request (e.g. a DNS well-known lookup).
func RecordUpstreamFetch(ctx context.Context, protocol string, duration time.Duration, bytesRead int64, outcome string) {
	if globalMetrics == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("protocol", protocol),
		attribute.String("outcome", outcome),
	}
	globalMetrics.upstreamFetchDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
	globalMetrics.upstreamFetchTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	if bytesRead > 0 {
		globalMetrics.upstreamFetchBytesTotal.Add(ctx, bytesRead, metric.WithAttributes(attrs...))
	}
}

// RecordRegistryAdmission records the outcome and duration of an admission attempt.
// outcome is one of "resident", "admitted", "timeout", "error".
func RecordRegistryAdmission(ctx context.Context, outcome string, duration time.Duration) {
	if globalMetrics == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	globalMetrics.registryAdmissionsTotal.Add(ctx, 1, attrs)
	if outcome == "admitted" {
		globalMetrics.registryAdmissionDuration.Record(ctx, duration.Seconds())
	}
}

// RecordRegistryRejection records a failed admission attempt, by reason
// (the registry reports "adapter_error" when the swarm join fails and
// "not_ready" when the archive does not materialize in time).
func RecordRegistryRejection(ctx context.Context, reason string) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.registryRejectionsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordRegistryEviction records an archive leaving the registry.
// The registry reports reason "capacity" for an LRU eviction made to admit
// another key, and "leave_error" when leaving the swarm for it failed.
func RecordRegistryEviction(ctx context.Context, reason string) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.registryEvictionsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// SetRegistryResident records the current resident archive count.
func SetRegistryResident(ctx context.Context, count int) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.registryResident.Record(ctx, int64(count))
}

// RecordSweepCycle records one sweeper cycle's removed count and duration.
func RecordSweepCycle(ctx context.Context, removed int, duration time.Duration) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.sweepRemovedTotal.Add(ctx, int64(removed))
	globalMetrics.sweepDuration.Record(ctx, duration.Seconds())
}

// RecordWSSessionStart records a WebSocket session opening.
func RecordWSSessionStart(ctx context.Context, current int) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.wsSessionTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "opened")))
	globalMetrics.wsConnections.Record(ctx, int64(current))
}

// RecordWSSessionEnd records a WebSocket session closing.
func RecordWSSessionEnd(ctx context.Context, current int, outcome string) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.wsSessionTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	globalMetrics.wsConnections.Record(ctx, int64(current))
}

// RecordWSBytes records bytes transferred over a WebSocket replication session.
func RecordWSBytes(ctx context.Context, direction string, n int64) {
	if globalMetrics == nil || n <= 0 {
		return
	}
	globalMetrics.wsBytesTotal.Add(ctx, n, metric.WithAttributes(attribute.String("direction", direction)))
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

// StatusClass returns the HTTP status class (2xx, 3xx, 4xx, 5xx).
func StatusClass(status int) string {
	switch {
	case status >= 200 && status < 300:
		return "2xx"
	case status >= 300 && status < 400:
		return "3xx"
	case status >= 400 && status < 500:
		return "4xx"
	case status >= 500:
		return "5xx"
	default:
		return "unknown"
	}
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
