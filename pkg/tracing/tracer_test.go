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

package tracing

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"disabled_default", func(*Config) {}, false},
		{"enabled_console", func(c *Config) { c.Enabled = true }, false},
		{"missing_service", func(c *Config) { c.Enabled = true; c.ServiceName = "" }, true},
		{"bad_rate", func(c *Config) { c.Enabled = true; c.Sampling.Rate = 2 }, true},
		{"bad_sampler", func(c *Config) { c.Enabled = true; c.Sampling.Type = "sometimes" }, true},
		{"otlp_without_endpoint", func(c *Config) { c.Enabled = true; c.Exporter.Type = "otlp" }, true},
		{"otlp_bad_protocol", func(c *Config) {
			c.Enabled = true
			c.Exporter = ExporterConfig{Type: "otlp", Endpoint: "localhost:4317", Protocol: "smtp"}
		}, true},
		{"bad_compression", func(c *Config) { c.Enabled = true; c.Exporter.Compression = "zstd" }, true},
		{"unknown_exporter", func(c *Config) { c.Enabled = true; c.Exporter.Type = "jaeger" }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			if tt.wantErr {
				assert.Error(t, cfg.Validate())
			} else {
				assert.NoError(t, cfg.Validate())
			}
		})
	}
}

func TestSetup_Disabled(t *testing.T) {
	p, err := Setup(context.Background(), DefaultConfig(), WithoutGlobal())
	require.NoError(t, err)
	assert.False(t, p.Enabled())
	assert.NotNil(t, p.TracerProvider())
	assert.NoError(t, p.Shutdown(context.Background()))

	_, err = Setup(context.Background(), nil)
	assert.Error(t, err)
}

func TestSetup_Console(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Enabled = true
	cfg.Sampling = SamplingConfig{Type: "always_on"}

	var buf bytes.Buffer
	p, err := Setup(context.Background(), cfg, WithConsoleWriter(&buf), WithoutGlobal())
	require.NoError(t, err)
	require.True(t, p.Enabled())

	_, span := p.TracerProvider().Tracer("test").Start(context.Background(), "saga.Handle")
	span.End()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, p.Shutdown(ctx))
	assert.Contains(t, buf.String(), "saga.Handle")
}

func TestSetup_OTLPIsLazy(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Enabled = true
	cfg.Exporter = ExporterConfig{Type: "otlp", Endpoint: "127.0.0.1:4318", Protocol: "http", Insecure: true}

	p, err := Setup(context.Background(), cfg, WithoutGlobal())
	require.NoError(t, err)
	assert.True(t, p.Enabled())

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_ = p.Shutdown(ctx)
}
