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
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// Sampler names.
const (
	SamplerAlwaysOn     = "always_on"
	SamplerAlwaysOff    = "always_off"
	SamplerTraceIDRatio = "traceidratio"
)

// Exporter names.
const (
	ExporterConsole = "console"
	ExporterOTLP    = "otlp"
)

const defaultExportTimeout = 10 * time.Second

var validate = validator.New()

// Config selects how orchestrator spans are sampled and where they go.
// Nothing is checked while Enabled is false.
type Config struct {
	Enabled     bool   `yaml:"enabled" mapstructure:"enabled"`
	ServiceName string `yaml:"service_name" mapstructure:"service_name" validate:"required"`

	Sampling SamplingConfig `yaml:"sampling" mapstructure:"sampling"`
	Exporter ExporterConfig `yaml:"exporter" mapstructure:"exporter"`

	ResourceAttributes map[string]string `yaml:"resource_attributes" mapstructure:"resource_attributes"`
}

type SamplingConfig struct {
	Type string  `yaml:"type" mapstructure:"type" validate:"oneof=always_on always_off traceidratio"`
	Rate float64 `yaml:"rate" mapstructure:"rate" validate:"gte=0,lte=1"`
}

// ExporterConfig describes the span exporter. Endpoint is required for otlp,
// Protocol picks between the grpc and http otlp clients.
type ExporterConfig struct {
	Type        string            `yaml:"type" mapstructure:"type" validate:"oneof=console otlp"`
	Endpoint    string            `yaml:"endpoint" mapstructure:"endpoint" validate:"required_if=Type otlp"`
	Protocol    string            `yaml:"protocol" mapstructure:"protocol" validate:"omitempty,oneof=grpc http"`
	Insecure    bool              `yaml:"insecure" mapstructure:"insecure"`
	Headers     map[string]string `yaml:"headers" mapstructure:"headers"`
	Compression string            `yaml:"compression" mapstructure:"compression" validate:"omitempty,oneof=gzip none"`
	Timeout     time.Duration     `yaml:"timeout" mapstructure:"timeout"`
}

// DefaultConfig keeps tracing off and samples a tenth of sagas once enabled.
func DefaultConfig() *Config {
	return &Config{
		ServiceName: "docflow",
		Sampling:    SamplingConfig{Type: SamplerTraceIDRatio, Rate: 0.1},
		Exporter: ExporterConfig{
			Type:     ExporterConsole,
			Protocol: "grpc",
			Timeout:  defaultExportTimeout,
		},
	}
}

func (c *Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("tracing: %w", err)
	}
	return nil
}

func (e *ExporterConfig) timeout() time.Duration {
	if e.Timeout <= 0 {
		return defaultExportTimeout
	}
	return e.Timeout
}
