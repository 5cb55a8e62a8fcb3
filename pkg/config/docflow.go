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

package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/innovationmech/docflow/pkg/discovery"
	"github.com/innovationmech/docflow/pkg/saga/monitoring"
	"github.com/innovationmech/docflow/pkg/saga/storage"
	"github.com/innovationmech/docflow/pkg/saga/transport"
	"github.com/innovationmech/docflow/pkg/tracing"
)

// Config is the complete docflow service configuration.
type Config struct {
	Log          LogConfig               `mapstructure:"log"`
	Storage      StorageConfig           `mapstructure:"storage"`
	Transport    transport.Config        `mapstructure:"transport"`
	Orchestrator OrchestratorConfig      `mapstructure:"orchestrator"`
	Families     FamiliesConfig          `mapstructure:"families"`
	Admin        AdminConfig             `mapstructure:"admin"`
	Metrics      MetricsConfig           `mapstructure:"metrics"`
	Audit        AuditConfig             `mapstructure:"audit"`
	Sentry       monitoring.SentryConfig `mapstructure:"sentry"`
	Tracing      tracing.Config          `mapstructure:"tracing" validate:"-"`
	Discovery    discovery.Config        `mapstructure:"discovery"`
}

// LogConfig selects the log level; it is hot reloaded.
type LogConfig struct {
	Level string `mapstructure:"level" validate:"oneof=debug info warn error dpanic panic fatal"`
}

// StorageConfig selects the saga state store.
type StorageConfig struct {
	Driver string              `mapstructure:"driver" validate:"oneof=memory sql redis"`
	SQL    storage.SQLConfig   `mapstructure:"sql"`
	Redis  storage.RedisConfig `mapstructure:"redis"`
}

// OrchestratorConfig tunes the coordinator.
type OrchestratorConfig struct {
	// Shards is the number of dispatcher workers.
	Shards    int `mapstructure:"shards" validate:"gte=1,lte=1024"`
	QueueSize int `mapstructure:"queue_size" validate:"gte=1"`

	MaxConflictRetries int           `mapstructure:"max_conflict_retries" validate:"gte=1"`
	RetryInitialDelay  time.Duration `mapstructure:"retry_initial_delay"`
	RetryMaxDelay      time.Duration `mapstructure:"retry_max_delay"`

	AppliedKeyWindow int           `mapstructure:"applied_key_window" validate:"gte=1"`
	DefaultTimeout   time.Duration `mapstructure:"default_timeout" validate:"gte=0"`
	SweepInterval    time.Duration `mapstructure:"sweep_interval" validate:"gte=0"`
	RecoverInterval  time.Duration `mapstructure:"recover_interval" validate:"gte=0"`
}

// FamiliesConfig holds per family settings.
type FamiliesConfig struct {
	Generation GenerationConfig `mapstructure:"generation"`
	Ingestion  IngestionConfig  `mapstructure:"ingestion"`
	Review     ReviewConfig     `mapstructure:"review"`
	Validation ValidationConfig `mapstructure:"validation"`
}

type GenerationConfig struct {
	FailureTolerance int           `mapstructure:"failure_tolerance" validate:"gte=0"`
	Timeout          time.Duration `mapstructure:"timeout" validate:"gte=0"`
}

type IngestionConfig struct {
	Stages  []string      `mapstructure:"stages" validate:"omitempty,dive,required"`
	Timeout time.Duration `mapstructure:"timeout" validate:"gte=0"`
}

type ReviewConfig struct {
	FailureTolerance int           `mapstructure:"failure_tolerance" validate:"gte=0"`
	Timeout          time.Duration `mapstructure:"timeout" validate:"gte=0"`
}

type ValidationConfig struct {
	// PipelinesFile is a YAML file of named validation pipelines.
	PipelinesFile   string        `mapstructure:"pipelines_file"`
	DefaultPipeline string        `mapstructure:"default_pipeline"`
	Timeout         time.Duration `mapstructure:"timeout" validate:"gte=0"`
}

// AdminConfig configures the admin HTTP server.
type AdminConfig struct {
	Enabled                 bool `mapstructure:"enabled"`
	monitoring.ServerConfig `mapstructure:",squash"`
}

// MetricsConfig configures the Prometheus collector.
type MetricsConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	Namespace     string        `mapstructure:"namespace"`
	StatsInterval time.Duration `mapstructure:"stats_interval" validate:"gte=0"`
}

// AuditConfig configures the MySQL transition audit sink.
type AuditConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	DSN         string `mapstructure:"dsn" validate:"required_if=Enabled true"`
	AutoMigrate bool   `mapstructure:"auto_migrate"`
	QueueSize   int    `mapstructure:"queue_size" validate:"gte=0"`
}

// SetDefaults registers the default value of every key so that each can
// be overridden by a DOCFLOW_* environment variable.
func SetDefaults(m *Manager) {
	sql := storage.DefaultSQLConfig()
	redis := storage.DefaultRedisConfig()
	tr := transport.DefaultConfig()
	admin := monitoring.DefaultServerConfig()
	tc := tracing.DefaultConfig()
	dc := discovery.DefaultConfig()

	defaults := map[string]interface{}{
		"log.level": "info",

		"storage.driver":                 "memory",
		"storage.sql.driver":             sql.Driver,
		"storage.sql.dsn":                "",
		"storage.sql.max_open_conns":     sql.MaxOpenConns,
		"storage.sql.max_idle_conns":     sql.MaxIdleConns,
		"storage.sql.conn_max_lifetime":  sql.ConnMaxLifetime,
		"storage.sql.connection_timeout": sql.ConnectionTimeout,
		"storage.sql.auto_migrate":       false,
		"storage.redis.addr":             redis.Addr,
		"storage.redis.username":         "",
		"storage.redis.password":         "",
		"storage.redis.db":               redis.DB,
		"storage.redis.key_prefix":       redis.KeyPrefix,
		"storage.redis.dial_timeout":     redis.DialTimeout,
		"storage.redis.read_timeout":     redis.ReadTimeout,
		"storage.redis.write_timeout":    redis.WriteTimeout,
		"storage.redis.pool_size":        redis.PoolSize,
		"storage.redis.max_retries":      redis.MaxRetries,

		"transport.kind":             tr.Kind,
		"transport.prefix":           tr.Prefix,
		"transport.urls":             []string{},
		"transport.group":            tr.Group,
		"transport.jetstream":        tr.JetStream,
		"transport.stream":           tr.Stream,
		"transport.exchange":         tr.Exchange,
		"transport.queue_size":       tr.QueueSize,
		"transport.max_attempts":     tr.MaxAttempts,
		"transport.redelivery_delay": tr.RedeliveryDelay,
		"transport.dial_timeout":     tr.DialTimeout,

		"orchestrator.shards":               16,
		"orchestrator.queue_size":           64,
		"orchestrator.max_conflict_retries": 5,
		"orchestrator.retry_initial_delay":  10 * time.Millisecond,
		"orchestrator.retry_max_delay":      time.Second,
		"orchestrator.applied_key_window":   256,
		"orchestrator.default_timeout":      24 * time.Hour,
		"orchestrator.sweep_interval":       30 * time.Second,
		"orchestrator.recover_interval":     time.Minute,

		"families.generation.failure_tolerance": 0,
		"families.generation.timeout":           0,
		"families.ingestion.stages":             []string{},
		"families.ingestion.timeout":            0,
		"families.review.failure_tolerance":     0,
		"families.review.timeout":               0,
		"families.validation.pipelines_file":    "",
		"families.validation.default_pipeline":  "default",
		"families.validation.timeout":           0,

		"admin.enabled":                true,
		"admin.address":                admin.Address,
		"admin.read_timeout":           admin.ReadTimeout,
		"admin.write_timeout":          admin.WriteTimeout,
		"admin.shutdown_timeout":       admin.ShutdownTimeout,
		"admin.gin_mode":               admin.GinMode,
		"admin.cors.allow_origins":     admin.CORS.AllowOrigins,
		"admin.cors.allow_methods":     admin.CORS.AllowMethods,
		"admin.cors.allow_headers":     admin.CORS.AllowHeaders,
		"admin.cors.allow_credentials": admin.CORS.AllowCredentials,
		"admin.cors.max_age":           admin.CORS.MaxAge,

		"metrics.enabled":        true,
		"metrics.namespace":      "docflow",
		"metrics.stats_interval": 15 * time.Second,

		"audit.enabled":      false,
		"audit.dsn":          "",
		"audit.auto_migrate": false,
		"audit.queue_size":   1024,

		"sentry.enabled":       false,
		"sentry.dsn":           "",
		"sentry.environment":   "",
		"sentry.release":       "",
		"sentry.sample_rate":   1.0,
		"sentry.flush_timeout": 2 * time.Second,

		"tracing.enabled":           tc.Enabled,
		"tracing.service_name":      tc.ServiceName,
		"tracing.sampling.type":     tc.Sampling.Type,
		"tracing.sampling.rate":     tc.Sampling.Rate,
		"tracing.exporter.type":     tc.Exporter.Type,
		"tracing.exporter.endpoint": "",
		"tracing.exporter.protocol": tc.Exporter.Protocol,
		"tracing.exporter.insecure": false,
		"tracing.exporter.timeout":  tc.Exporter.Timeout,

		"discovery.enabled":          false,
		"discovery.address":          "",
		"discovery.service_name":     dc.ServiceName,
		"discovery.service_address":  "",
		"discovery.tags":             []string{},
		"discovery.check_interval":   dc.CheckInterval,
		"discovery.check_timeout":    dc.CheckTimeout,
		"discovery.deregister_after": dc.DeregisterAfter,
	}
	for key, value := range defaults {
		m.SetDefault(key, value)
	}
}

// Load reads the layered configuration described by options.
func Load(options Options) (*Config, *Manager, error) {
	m := NewManager(options)
	SetDefaults(m)
	if err := m.Load(); err != nil {
		return nil, nil, err
	}
	cfg, err := Decode(m)
	if err != nil {
		return nil, nil, err
	}
	return cfg, m, nil
}

// Decode binds and validates the current settings of m.
func Decode(m *Manager) (*Config, error) {
	var cfg Config
	if err := m.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

var validate = validator.New()

// Validate checks the configuration and the sections that validate themselves.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	var errs []error
	switch c.Storage.Driver {
	case "sql":
		errs = append(errs, c.Storage.SQL.Validate())
	case "redis":
		errs = append(errs, c.Storage.Redis.Validate())
	}
	errs = append(errs, c.Transport.Validate(), c.Tracing.Validate())
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}
