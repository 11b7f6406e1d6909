// Package telemetry instruments the controller with OpenTelemetry metrics
// exported through Prometheus, plus optional Jaeger tracing. The exporter
// server also carries the health endpoint: the daemon is healthy exactly
// when the process is up.
package telemetry

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/jaeger"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
)

// Config holds telemetry configuration.
type Config struct {
	Enabled        bool    `mapstructure:"enabled"`
	ServiceName    string  `mapstructure:"service_name"`
	ServiceVersion string  `mapstructure:"service_version"`
	ListenPort     int     `mapstructure:"listen_port"`
	JaegerEndpoint string  `mapstructure:"jaeger_endpoint"`
	SampleRate     float64 `mapstructure:"sample_rate"`
}

// Telemetry owns the OpenTelemetry providers, the scaling instruments and
// the metrics/health HTTP server.
type Telemetry struct {
	config         Config
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	tracer         trace.Tracer
	meter          metric.Meter
	server         *http.Server

	decisions     metric.Int64Counter
	actions       metric.Int64Counter
	mutations     metric.Int64Counter
	queryDuration metric.Float64Histogram
}

// New creates a telemetry instance. A disabled config yields an inert
// instance whose recording methods are no-ops.
func New(config Config) (*Telemetry, error) {
	t := &Telemetry{config: config}
	if !config.Enabled {
		return t, nil
	}

	if err := t.initTracing(); err != nil {
		return nil, fmt.Errorf("failed to initialize tracing: %w", err)
	}
	if err := t.initMetrics(); err != nil {
		return nil, fmt.Errorf("failed to initialize metrics: %w", err)
	}
	if err := t.initInstruments(); err != nil {
		return nil, fmt.Errorf("failed to initialize instruments: %w", err)
	}
	return t, nil
}

func (t *Telemetry) initTracing() error {
	res, err := resource.New(context.Background(),
		resource.WithAttributes(
			semconv.ServiceName(t.config.ServiceName),
			semconv.ServiceVersion(t.config.ServiceVersion),
		),
	)
	if err != nil {
		return fmt.Errorf("failed to create resource: %w", err)
	}

	var exporter sdktrace.SpanExporter
	if t.config.JaegerEndpoint != "" {
		exporter, err = jaeger.New(jaeger.WithCollectorEndpoint(jaeger.WithEndpoint(t.config.JaegerEndpoint)))
		if err != nil {
			return fmt.Errorf("failed to create Jaeger exporter: %w", err)
		}
	}

	opts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}
	if exporter != nil {
		sampleRate := t.config.SampleRate
		if sampleRate == 0 {
			sampleRate = 1.0
		}
		opts = append(opts, sdktrace.WithBatcher(exporter))
		opts = append(opts, sdktrace.WithSampler(sdktrace.TraceIDRatioBased(sampleRate)))
	}

	t.tracerProvider = sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(t.tracerProvider)
	otel.SetTextMapPropagator(propagation.TraceContext{})
	t.tracer = otel.Tracer(t.config.ServiceName)

	return nil
}

func (t *Telemetry) initMetrics() error {
	exporter, err := otelprom.New()
	if err != nil {
		return fmt.Errorf("failed to create Prometheus exporter: %w", err)
	}

	res, err := resource.New(context.Background(),
		resource.WithAttributes(
			semconv.ServiceName(t.config.ServiceName),
			semconv.ServiceVersion(t.config.ServiceVersion),
		),
	)
	if err != nil {
		return fmt.Errorf("failed to create resource: %w", err)
	}

	t.meterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(exporter),
	)
	otel.SetMeterProvider(t.meterProvider)
	t.meter = otel.Meter(t.config.ServiceName)

	return nil
}

func (t *Telemetry) initInstruments() error {
	var err error

	t.decisions, err = t.meter.Int64Counter("scaling_decisions_total",
		metric.WithDescription("Scaling decisions reached by stream monitors, by direction"))
	if err != nil {
		return err
	}

	t.actions, err = t.meter.Int64Counter("scaling_actions_total",
		metric.WithDescription("Completed scaling actions, by direction and end status"))
	if err != nil {
		return err
	}

	t.mutations, err = t.meter.Int64Counter("shard_mutations_total",
		metric.WithDescription("Shard mutations issued against the control plane"))
	if err != nil {
		return err
	}

	t.queryDuration, err = t.meter.Float64Histogram("metric_query_duration_seconds",
		metric.WithDescription("Duration of stream utilisation metric queries"))
	if err != nil {
		return err
	}

	return nil
}

// Start serves /metrics and /healthz when a listen port is configured.
func (t *Telemetry) Start(ctx context.Context) error {
	if !t.config.Enabled || t.config.ListenPort <= 0 {
		return nil
	}

	router := mux.NewRouter()
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	router.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}).Methods(http.MethodGet)

	t.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", t.config.ListenPort),
		Handler: router,
	}

	go func() {
		if err := t.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			fmt.Printf("telemetry server error: %v\n", err)
		}
	}()

	return nil
}

// Stop shuts the HTTP server and both providers down.
func (t *Telemetry) Stop(ctx context.Context) error {
	if !t.config.Enabled {
		return nil
	}

	if t.server != nil {
		if err := t.server.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to shutdown telemetry server: %w", err)
		}
	}
	if t.tracerProvider != nil {
		if err := t.tracerProvider.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to shutdown tracer provider: %w", err)
		}
	}
	if t.meterProvider != nil {
		if err := t.meterProvider.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to shutdown meter provider: %w", err)
		}
	}
	return nil
}

// StartSpan starts a span for a scaling action or monitor cycle.
func (t *Telemetry) StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	if t.tracer == nil {
		return trace.NewNoopTracerProvider().Tracer("").Start(ctx, name)
	}
	return t.tracer.Start(ctx, name, opts...)
}

// RecordDecision counts one monitor decision.
func (t *Telemetry) RecordDecision(ctx context.Context, streamName, direction string) {
	if t.decisions == nil {
		return
	}
	t.decisions.Add(ctx, 1,
		metric.WithAttributes(attribute.String("stream", streamName), attribute.String("direction", direction)))
}

// RecordAction counts one completed scaling action.
func (t *Telemetry) RecordAction(ctx context.Context, streamName, direction, status string, operations int) {
	if t.actions == nil {
		return
	}
	t.actions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("stream", streamName),
		attribute.String("direction", direction),
		attribute.String("status", status)))
	if t.mutations != nil && operations > 0 {
		t.mutations.Add(ctx, int64(operations),
			metric.WithAttributes(attribute.String("stream", streamName)))
	}
}

// ObserveMetricQuery records the latency of one utilisation query.
func (t *Telemetry) ObserveMetricQuery(ctx context.Context, streamName string, d time.Duration) {
	if t.queryDuration == nil {
		return
	}
	t.queryDuration.Record(ctx, d.Seconds(),
		metric.WithAttributes(attribute.String("stream", streamName)))
}
