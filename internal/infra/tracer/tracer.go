// Package tracer wires OpenTelemetry for the engine and the tool gateway.
package tracer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/aymankanso/agent/internal/infra/config"
)

const scope = "github.com/aymankanso/agent"

// Setup installs the global tracer provider described by cfg and returns
// its shutdown func. Disabled tracing or the noop exporter installs a noop
// provider.
func Setup(ctx context.Context, cfg config.TracerConfig) (func(context.Context) error, error) {
	if !cfg.Enabled || cfg.Exporter == "" || cfg.Exporter == "noop" {
		otel.SetTracerProvider(noop.NewTracerProvider())
		return func(context.Context) error { return nil }, nil
	}

	var (
		w     io.Writer
		close func() error
	)
	switch cfg.Exporter {
	case "stdout":
		w = os.Stdout
	case "file":
		f, err := os.OpenFile(cfg.Path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
		if err != nil {
			return nil, fmt.Errorf("open trace file: %w", err)
		}
		w, close = f, f.Close
	default:
		return nil, fmt.Errorf("unsupported trace exporter %q", cfg.Exporter)
	}

	opts := []stdouttrace.Option{stdouttrace.WithWriter(w)}
	if cfg.Exporter == "stdout" {
		opts = append(opts, stdouttrace.WithPrettyPrint())
	}
	exp, err := stdouttrace.New(opts...)
	if err != nil {
		if close != nil {
			close()
		}
		return nil, fmt.Errorf("create trace exporter: %w", err)
	}

	tp := Provider(cfg, sdktrace.WithBatcher(exp))
	otel.SetTracerProvider(tp)

	return func(ctx context.Context) error {
		err := tp.Shutdown(ctx)
		if close != nil {
			err = errors.Join(err, close())
		}
		return err
	}, nil
}

// Provider builds an SDK provider with the service resource and sampler
// from cfg. Extra options add span processors.
func Provider(cfg config.TracerConfig, opts ...sdktrace.TracerProviderOption) *sdktrace.TracerProvider {
	name := cfg.ServiceName
	if name == "" {
		name = "swarm"
	}
	sampler := sdktrace.AlwaysSample()
	if cfg.SampleRatio > 0 && cfg.SampleRatio < 1 {
		sampler = sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRatio))
	}
	base := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(resource.NewSchemaless(attribute.String("service.name", name))),
		sdktrace.WithSampler(sampler),
	}
	return sdktrace.NewTracerProvider(append(base, opts...)...)
}

// StartStep opens the span around one routing iteration.
func StartStep(ctx context.Context, sessionID, agent string, iteration int) (context.Context, trace.Span) {
	return otel.Tracer(scope).Start(ctx, "swarm.step", trace.WithAttributes(
		attribute.String("swarm.session_id", sessionID),
		attribute.String("swarm.agent", agent),
		attribute.Int("swarm.iteration", iteration),
	))
}

// ToolCall identifies a gateway invocation on its span.
type ToolCall struct {
	SessionID string
	Agent     string
	ToolID    string
	CallID    string
	RiskTier  string
}

// StartToolCall opens the span around one gateway invocation.
func StartToolCall(ctx context.Context, c ToolCall) (context.Context, trace.Span) {
	return otel.Tracer(scope).Start(ctx, "gateway.invoke", trace.WithAttributes(
		attribute.String("swarm.session_id", c.SessionID),
		attribute.String("swarm.agent", c.Agent),
		attribute.String("tool.id", c.ToolID),
		attribute.String("tool.call_id", c.CallID),
		attribute.String("tool.risk_tier", c.RiskTier),
	))
}

// ToolOutcome records how an invocation ended.
func ToolOutcome(span trace.Span, outcome string, attempts int) {
	span.SetAttributes(
		attribute.String("tool.outcome", outcome),
		attribute.Int("tool.attempts", attempts),
	)
}

// End marks the span failed when err is non-nil, otherwise ok, and ends it.
func End(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
