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

// Package transport carries envelopes between the orchestrator and the step
// executors. Every adapter publishes an envelope on the subject
// <prefix>.<kind>.<type> and hands consumed envelopes to a Handler, usually
// the Dispatch method of a coordinator.Dispatcher.
package transport

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/innovationmech/docflow/pkg/logger"
	"github.com/innovationmech/docflow/pkg/saga"
	"github.com/innovationmech/docflow/pkg/saga/envelope"
	"github.com/innovationmech/docflow/pkg/saga/retry"
)

var (
	// ErrTransportClosed is returned after Close.
	ErrTransportClosed = errors.New("transport is closed")

	// ErrUnknownKind is returned by New for an unsupported transport kind.
	ErrUnknownKind = errors.New("unknown transport kind")
)

// Transport kinds.
const (
	KindMemory = "memory"
	KindNATS   = "nats"
	KindKafka  = "kafka"
	KindAMQP   = "amqp"
)

// Handler consumes one envelope. A retryable saga error asks the transport
// to deliver the message again.
type Handler func(ctx context.Context, env envelope.Envelope) error

// Transport publishes envelopes and consumes the ones a handler subscribes to.
type Transport interface {
	// Publish sends env on its topic.
	Publish(ctx context.Context, env envelope.Envelope) error

	// Subscribe consumes msgTypes until ctx is done or the transport closes.
	// It returns once the subscription is established.
	Subscribe(ctx context.Context, msgTypes []string, h Handler) error

	Close() error
}

// Config selects and tunes a transport.
type Config struct {
	Kind   string   `json:"kind" yaml:"kind" mapstructure:"kind" validate:"required,oneof=memory nats kafka amqp"`
	Prefix string   `json:"prefix" yaml:"prefix" mapstructure:"prefix"`
	URLs   []string `json:"urls" yaml:"urls" mapstructure:"urls" validate:"required_unless=Kind memory,dive,required"`

	// Group is the consumer group (NATS queue, Kafka group, AMQP queue).
	Group string `json:"group" yaml:"group" mapstructure:"group"`

	// JetStream enables persistent NATS streams with manual acks.
	JetStream bool   `json:"jetstream" yaml:"jetstream" mapstructure:"jetstream"`
	Stream    string `json:"stream" yaml:"stream" mapstructure:"stream"`

	// Exchange is the AMQP topic exchange.
	Exchange string `json:"exchange" yaml:"exchange" mapstructure:"exchange"`

	// QueueSize bounds the per subscription buffer of the memory bus.
	QueueSize int `json:"queue_size" yaml:"queue_size" mapstructure:"queue_size" validate:"gte=0"`

	// MaxAttempts bounds in-place delivery attempts for retryable failures.
	MaxAttempts     int           `json:"max_attempts" yaml:"max_attempts" mapstructure:"max_attempts" validate:"gte=0"`
	RedeliveryDelay time.Duration `json:"redelivery_delay" yaml:"redelivery_delay" mapstructure:"redelivery_delay"`
	DialTimeout     time.Duration `json:"dial_timeout" yaml:"dial_timeout" mapstructure:"dial_timeout"`
}

// DefaultConfig returns an in-memory transport configuration.
func DefaultConfig() Config {
	return Config{
		Kind:            KindMemory,
		Prefix:          "docflow",
		Group:           "docflow-orchestrator",
		Stream:          "DOCFLOW",
		Exchange:        "docflow",
		QueueSize:       256,
		MaxAttempts:     3,
		RedeliveryDelay: 500 * time.Millisecond,
		DialTimeout:     5 * time.Second,
	}
}

// ApplyDefaults fills unset fields from DefaultConfig.
func (c *Config) ApplyDefaults() {
	d := DefaultConfig()
	if c.Kind == "" {
		c.Kind = d.Kind
	}
	if c.Group == "" {
		c.Group = d.Group
	}
	if c.Stream == "" {
		c.Stream = d.Stream
	}
	if c.Exchange == "" {
		c.Exchange = d.Exchange
	}
	if c.QueueSize == 0 {
		c.QueueSize = d.QueueSize
	}
	if c.MaxAttempts == 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.RedeliveryDelay == 0 {
		c.RedeliveryDelay = d.RedeliveryDelay
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = d.DialTimeout
	}
}

var validate = validator.New()

// Validate checks the configuration.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid transport config: %w", err)
	}
	return nil
}

// New builds the transport selected by cfg.Kind.
func New(ctx context.Context, cfg Config, log *zap.Logger) (Transport, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = logger.GetLogger()
	}
	log = log.Named("transport").With(zap.String("kind", cfg.Kind))

	switch cfg.Kind {
	case KindMemory:
		return NewMemoryBus(cfg, log), nil
	case KindNATS:
		return NewNATS(cfg, log)
	case KindKafka:
		return NewKafka(cfg, log)
	case KindAMQP:
		return NewAMQP(cfg, log)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownKind, cfg.Kind)
	}
}

// TopicsFor returns the topics carrying msgTypes.
func TopicsFor(prefix string, msgTypes []string) []string {
	out := make([]string, len(msgTypes))
	for i, t := range msgTypes {
		out[i] = envelope.TopicFor(prefix, envelope.KindOf(t), t)
	}
	return out
}

// outcome is the result of handing one message to a handler.
type outcome int

const (
	handled outcome = iota
	discarded
	failed
)

// consumer decodes raw messages and runs the handler with bounded retries.
type consumer struct {
	handler Handler
	retrier *retry.Executor
	logger  *zap.Logger
}

func newConsumer(cfg Config, h Handler, log *zap.Logger) *consumer {
	attempts := cfg.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	return &consumer{
		handler: h,
		retrier: retry.NewExecutor(retry.NewFixed(&retry.RetryConfig{
			MaxAttempts:  attempts,
			InitialDelay: cfg.RedeliveryDelay,
			Retryable:    saga.IsRetryableError,
		}, cfg.RedeliveryDelay), retry.WithLogger(log)),
		logger:  log,
	}
}

// process hands data to the handler. Malformed messages and permanent
// failures are discarded; retryable failures that outlast the attempts are
// reported as failed so the broker can redeliver later.
func (c *consumer) process(ctx context.Context, data []byte) outcome {
	env, err := envelope.Unmarshal(data)
	if err != nil {
		c.logger.Warn("discarding malformed message", zap.Error(err))
		return discarded
	}

	_, err = c.retrier.Do(ctx, func(ctx context.Context) error {
		return c.handler(ctx, env)
	})
	if err == nil {
		return handled
	}

	fields := []zap.Field{
		logger.CorrelationID(env.CorrelationID),
		logger.EventType(env.Type),
		zap.Error(err),
	}
	if saga.IsRetryableError(err) || errors.Is(err, retry.ErrMaxRetriesExceeded) {
		c.logger.Warn("message handling failed, leaving it for redelivery", fields...)
		return failed
	}
	c.logger.Error("message handling failed permanently", fields...)
	return discarded
}
