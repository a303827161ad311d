// Package telemetry holds the bot's Prometheus metrics, correlation-id helpers and the
// OpenTelemetry spans for sync cycles, render dispatches, completion socket sessions and
// HTTP requests.
package telemetry

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
)

// Tracer names, one per subsystem.
const (
	TracerSync     = "osu-tender/leaderboard"
	TracerRender   = "osu-tender/render"
	TracerListener = "osu-tender/listener"
	TracerHTTP     = "osu-tender/http"
)

var tracingEnabled atomic.Bool

// TracingConfig is the exporter setup read from the environment.
type TracingConfig struct {
	Endpoint string
	Insecure bool
	// SampleRatio is the share of root traces kept, within 0..1.
	SampleRatio float64
}

// LoadTracingConfig reads OTEL_EXPORTER_OTLP_ENDPOINT, OTEL_EXPORTER_OTLP_INSECURE
// (default true) and OTEL_TRACES_SAMPLER_RATIO (default 1).
func LoadTracingConfig() (TracingConfig, error) {
	cfg := TracingConfig{
		Endpoint:    os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		Insecure:    true,
		SampleRatio: 1,
	}
	if v := os.Getenv("OTEL_EXPORTER_OTLP_INSECURE"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return cfg, fmt.Errorf("invalid OTEL_EXPORTER_OTLP_INSECURE: %w", err)
		}
		cfg.Insecure = b
	}
	if v := os.Getenv("OTEL_TRACES_SAMPLER_RATIO"); v != "" {
		r, err := strconv.ParseFloat(v, 64)
		if err != nil || r < 0 || r > 1 {
			return cfg, fmt.Errorf("invalid OTEL_TRACES_SAMPLER_RATIO %q: want a number within 0..1", v)
		}
		cfg.SampleRatio = r
	}
	return cfg, nil
}

// sampler keeps a ratio of root traces and follows the parent's decision otherwise.
func (c TracingConfig) sampler() sdktrace.Sampler {
	if c.SampleRatio >= 1 {
		return sdktrace.ParentBased(sdktrace.AlwaysSample())
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(c.SampleRatio))
}

// InitTracing installs an OTLP/gRPC tracer provider. Without an endpoint tracing stays a
// no-op. The returned function flushes and shuts the provider down.
func InitTracing(serviceName, serviceVersion string) (func(), error) {
	cfg, err := LoadTracingConfig()
	if err != nil {
		return nil, err
	}
	if cfg.Endpoint == "" {
		slog.Info("tracing disabled: OTEL_EXPORTER_OTLP_ENDPOINT not set", slog.String("component", "telemetry"))
		return func() {}, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create trace exporter: %w", err)
	}

	attrs := []attribute.KeyValue{
		semconv.ServiceName(serviceName),
		semconv.ServiceVersion(serviceVersion),
	}
	if host, err := os.Hostname(); err == nil {
		attrs = append(attrs, attribute.String("service.instance.id", host))
	}
	res, err := resource.New(ctx, resource.WithAttributes(attrs...))
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(cfg.sampler()),
	)
	otel.SetTracerProvider(tp)
	tracingEnabled.Store(true)
	slog.Info("tracing initialized",
		slog.String("service", serviceName),
		slog.String("endpoint", cfg.Endpoint),
		slog.Float64("sample_ratio", cfg.SampleRatio),
		slog.String("component", "telemetry"))

	return func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		tracingEnabled.Store(false)
		if err := tp.Shutdown(shutdownCtx); err != nil {
			slog.Error("failed to shutdown tracer provider", slog.Any("err", err), slog.String("component", "telemetry"))
		}
	}, nil
}

// TracingEnabled reports whether spans are being exported.
func TracingEnabled() bool { return tracingEnabled.Load() }

// StartSpan starts a span on tracerName, tagged with the context's correlation id.
func StartSpan(ctx context.Context, tracerName, spanName string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if corr := GetCorrelation(ctx); corr != "" {
		attrs = append(attrs, attribute.String("correlation_id", corr))
	}
	return otel.Tracer(tracerName).Start(ctx, spanName, trace.WithAttributes(attrs...))
}

// StartSyncSpan starts the span covering one leaderboard sync cycle.
func StartSyncSpan(ctx context.Context) (context.Context, trace.Span) {
	return StartSpan(ctx, TracerSync, "sync.cycle")
}

// StartDispatchSpan starts the span covering one render submission.
func StartDispatchSpan(ctx context.Context, replayHash, identityID string) (context.Context, trace.Span) {
	return StartSpan(ctx, TracerRender, "render.dispatch",
		attribute.String("render.replay_hash", replayHash),
		attribute.String("chat.identity", identityID))
}

// StartListenerSession starts the span covering one completion socket connection.
func StartListenerSession(ctx context.Context, url string) (context.Context, trace.Span) {
	return StartSpan(ctx, TracerListener, "listener.session", attribute.String("socket.url", url))
}

// SyncEntriesAttr is the number of entries a sync cycle published.
func SyncEntriesAttr(n int) attribute.KeyValue { return attribute.Int("sync.entries", n) }

// RenderIDAttr is the render service's id for an accepted job.
func RenderIDAttr(id int64) attribute.KeyValue { return attribute.Int64("render.id", id) }

// RecordError marks span as failed with err.
func RecordError(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// SetSpanSuccess marks span as OK.
func SetSpanSuccess(span trace.Span) {
	span.SetStatus(codes.Ok, "")
}

// HTTPMethodAttr returns the request method attribute.
func HTTPMethodAttr(method string) attribute.KeyValue {
	return attribute.String("http.method", method)
}

// HTTPRouteAttr returns the route attribute.
func HTTPRouteAttr(route string) attribute.KeyValue {
	return attribute.String("http.route", route)
}

// SetSpanHTTPStatus records the response status code and marks 4xx/5xx spans as errors.
func SetSpanHTTPStatus(span trace.Span, status int) {
	span.SetAttributes(attribute.Int("http.status_code", status))
	if status >= 400 {
		span.SetStatus(codes.Error, fmt.Sprintf("HTTP %d", status))
	}
}
