// Copyright © 2025 jackelyj <dreamerlyj@gmail.com>
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in
// all copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
// THE SOFTWARE.
//

// Package tracing sets up the OpenTelemetry tracer provider the
// orchestrator reports its spans to.
package tracing

import (
	"context"
	"fmt"
	"io"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	oteltrace "go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Provider owns the tracer provider and its exporter.
type Provider struct {
	sdk  *trace.TracerProvider
	noop oteltrace.TracerProvider
}

// Option customises Setup.
type Option func(*setupOptions)

type setupOptions struct {
	console   io.Writer
	setGlobal bool
}

// WithConsoleWriter redirects the console exporter, which writes to stdout by default.
func WithConsoleWriter(w io.Writer) Option {
	return func(o *setupOptions) { o.console = w }
}

// WithoutGlobal keeps the provider out of otel's global state.
func WithoutGlobal() Option {
	return func(o *setupOptions) { o.setGlobal = false }
}

// Setup creates the tracer provider described by config. A disabled
// configuration yields a no-op provider.
func Setup(ctx context.Context, config *Config, opts ...Option) (*Provider, error) {
	if config == nil {
		return nil, fmt.Errorf("tracing config cannot be nil")
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid tracing config: %w", err)
	}
	o := setupOptions{console: os.Stdout, setGlobal: true}
	for _, opt := range opts {
		opt(&o)
	}

	if !config.Enabled {
		return &Provider{noop: noop.NewTracerProvider()}, nil
	}

	res, err := newResource(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}
	exporter, err := newExporter(ctx, config.Exporter, o.console)
	if err != nil {
		return nil, fmt.Errorf("failed to create exporter: %w", err)
	}

	var processor trace.SpanProcessor
	if config.Exporter.Type == ExporterConsole {
		processor = trace.NewSimpleSpanProcessor(exporter)
	} else {
		processor = trace.NewBatchSpanProcessor(exporter,
			trace.WithMaxExportBatchSize(512),
			trace.WithMaxQueueSize(2048),
		)
	}

	tp := trace.NewTracerProvider(
		trace.WithResource(res),
		trace.WithSpanProcessor(processor),
		trace.WithSampler(trace.ParentBased(newSampler(config.Sampling))),
	)
	if o.setGlobal {
		otel.SetTracerProvider(tp)
		otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
			propagation.TraceContext{}, propagation.Baggage{},
		))
	}
	return &Provider{sdk: tp}, nil
}

func newResource(config *Config) (*resource.Resource, error) {
	attrs := []attribute.KeyValue{semconv.ServiceName(config.ServiceName)}
	for key, value := range config.ResourceAttributes {
		attrs = append(attrs, attribute.String(key, value))
	}
	return resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(semconv.SchemaURL, attrs...),
	)
}

func newSampler(config SamplingConfig) trace.Sampler {
	switch config.Type {
	case SamplerAlwaysOn:
		return trace.AlwaysSample()
	case SamplerAlwaysOff:
		return trace.NeverSample()
	default:
		return trace.TraceIDRatioBased(config.Rate)
	}
}

// TracerProvider returns the provider to hand to instrumented components.
func (p *Provider) TracerProvider() oteltrace.TracerProvider {
	if p.sdk == nil {
		return p.noop
	}
	return p.sdk
}

// Enabled reports whether spans are exported.
func (p *Provider) Enabled() bool {
	return p.sdk != nil
}

// Shutdown flushes pending spans and stops the exporter.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.sdk == nil {
		return nil
	}
	return p.sdk.Shutdown(ctx)
}
