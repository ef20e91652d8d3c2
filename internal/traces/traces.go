// Package traces provides OpenTelemetry tracing for the auction service.
//
// Every auction command runs in one span named "auction.<command>" carrying
// the record, signer and command attributes. Without an OTLP endpoint the
// global no-op provider stays in place and spans cost nothing.
package traces

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

const (
	tracerName  = "github.com/yoshidan/anchor-auction"
	serviceName = "anchor-auction"
)

// Config selects the exporter and sampling.
type Config struct {
	Endpoint    string  // OTLP gRPC host:port; empty disables export
	SampleRatio float64 // fraction of root spans kept, 0 < r <= 1
	Version     string
	Environment string
}

// ShutdownFunc flushes and stops the provider.
type ShutdownFunc func(context.Context) error

func noop(context.Context) error { return nil }

// Init installs a batching OTLP provider as the global tracer provider.
func Init(ctx context.Context, cfg Config, logger *slog.Logger) (ShutdownFunc, error) {
	if cfg.Endpoint == "" {
		logger.Info("tracing disabled, no OTLP endpoint")
		return noop, nil
	}

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(cfg.Endpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(newResource(cfg)),
		sdktrace.WithSampler(sampler(cfg.SampleRatio)),
	)
	otel.SetTracerProvider(tp)

	logger.Info("tracing enabled", "endpoint", cfg.Endpoint, "sample_ratio", cfg.SampleRatio)
	return tp.Shutdown, nil
}

func newResource(cfg Config) *resource.Resource {
	return resource.NewWithAttributes(semconv.SchemaURL,
		semconv.ServiceName(serviceName),
		semconv.ServiceVersion(cfg.Version),
		semconv.DeploymentEnvironment(cfg.Environment),
	)
}

// sampler honors the parent's decision and samples new traces at ratio.
func sampler(ratio float64) sdktrace.Sampler {
	if ratio <= 0 || ratio >= 1 {
		return sdktrace.ParentBased(sdktrace.AlwaysSample())
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))
}

// StartSpan starts a span on the global provider.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, name, trace.WithAttributes(attrs...))
}

// End records err on span, if any, and ends it.
func End(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// Span attribute keys.
const (
	KeyAuction = attribute.Key("auction.record")
	KeySigner  = attribute.Key("auction.signer")
	KeyCommand = attribute.Key("auction.command")
	KeyAmount  = attribute.Key("auction.amount")
	KeyResult  = attribute.Key("auction.result")
)

func AuctionAddr(addr string) attribute.KeyValue { return KeyAuction.String(addr) }

func Signer(addr string) attribute.KeyValue { return KeySigner.String(addr) }

func Command(name string) attribute.KeyValue { return KeyCommand.String(name) }

// Amount records FT base units. Values above MaxInt64 are clamped.
func Amount(amount uint64) attribute.KeyValue {
	if amount > 1<<63-1 {
		amount = 1<<63 - 1
	}
	return KeyAmount.Int64(int64(amount))
}

// Result records the error code a command finished with.
func Result(code string) attribute.KeyValue { return KeyResult.String(code) }
