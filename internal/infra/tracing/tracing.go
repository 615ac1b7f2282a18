package tracing

import (
	"context"
	"fmt"
	"io"
	"os"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const ServiceName = "ahiretrieve"

type Config struct {
	Enabled bool
	// Path receives spans as JSON. Empty writes to stderr.
	Path    string
	Version string
}

// Provider wraps the tracer provider with its shutdown hook.
type Provider struct {
	trace.TracerProvider
	shutdown func(context.Context) error
}

// Tracer returns the retriever's named tracer.
func (p *Provider) Tracer() trace.Tracer {
	return p.TracerProvider.Tracer(ServiceName)
}

// Shutdown flushes pending spans.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.shutdown == nil {
		return nil
	}
	return p.shutdown(ctx)
}

// Noop returns a provider that records nothing.
func Noop() *Provider {
	return &Provider{TracerProvider: noop.NewTracerProvider()}
}

// Setup builds a stdout trace exporter when tracing is enabled, and a noop
// provider otherwise.
func Setup(cfg Config) (*Provider, error) {
	if !cfg.Enabled {
		return Noop(), nil
	}

	var w io.Writer = os.Stderr
	var file *os.File
	if cfg.Path != "" {
		f, err := os.OpenFile(cfg.Path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return nil, fmt.Errorf("open trace file: %w", err)
		}
		w, file = f, f
	}

	return setupWriter(cfg, w, file)
}

func setupWriter(cfg Config, w io.Writer, closer io.Closer) (*Provider, error) {
	exp, err := stdouttrace.New(stdouttrace.WithWriter(w))
	if err != nil {
		return nil, fmt.Errorf("create trace exporter: %w", err)
	}

	res := resource.NewSchemaless(
		attribute.String("service.name", ServiceName),
		attribute.String("service.version", cfg.Version),
	)

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
	)

	return &Provider{
		TracerProvider: tp,
		shutdown: func(ctx context.Context) error {
			err := tp.Shutdown(ctx)
			if closer != nil {
				if cerr := closer.Close(); err == nil {
					err = cerr
				}
			}
			return err
		},
	}, nil
}
