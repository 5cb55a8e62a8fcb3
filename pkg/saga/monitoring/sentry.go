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

package monitoring

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/getsentry/sentry-go"
	"go.uber.org/zap"

	"github.com/innovationmech/docflow/pkg/saga"
	"github.com/innovationmech/docflow/pkg/saga/coordinator"
	"github.com/innovationmech/docflow/pkg/saga/envelope"
)

// SentryConfig holds Sentry reporting options.
type SentryConfig struct {
	Enabled      bool              `mapstructure:"enabled"`
	DSN          string            `mapstructure:"dsn" validate:"required_if=Enabled true"`
	Environment  string            `mapstructure:"environment"`
	Release      string            `mapstructure:"release"`
	SampleRate   float64           `mapstructure:"sample_rate" validate:"gte=0,lte=1"`
	FlushTimeout time.Duration     `mapstructure:"flush_timeout"`
	Tags         map[string]string `mapstructure:"tags"`
}

// SentryReporter reports failed sagas and rejected messages to Sentry. It
// implements coordinator.Observer and uses its own hub, so several reporters
// can live in one process.
type SentryReporter struct {
	coordinator.NopObserver

	hub     *sentry.Hub
	timeout time.Duration
	logger  *zap.Logger
}

var _ coordinator.Observer = (*SentryReporter)(nil)

// NewSentryReporter creates a reporter. beforeSend, if not nil, sees every
// event before it is sent and may drop it by returning nil.
func NewSentryReporter(config SentryConfig, log *zap.Logger, beforeSend func(*sentry.Event, *sentry.EventHint) *sentry.Event) (*SentryReporter, error) {
	if config.DSN == "" {
		return nil, errors.New("sentry DSN is required when enabled")
	}
	if log == nil {
		log = zap.NewNop()
	}

	client, err := sentry.NewClient(sentry.ClientOptions{
		Dsn:         config.DSN,
		Environment: config.Environment,
		Release:     config.Release,
		SampleRate:  config.SampleRate,
		BeforeSend: func(event *sentry.Event, hint *sentry.EventHint) *sentry.Event {
			log.Debug("Sending event to Sentry",
				zap.String("event_id", string(event.EventID)),
				zap.String("level", string(event.Level)),
				zap.String("message", event.Message))
			if beforeSend != nil {
				return beforeSend(event, hint)
			}
			return event
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize Sentry: %w", err)
	}

	scope := sentry.NewScope()
	for k, v := range config.Tags {
		scope.SetTag(k, v)
	}

	timeout := config.FlushTimeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	log.Info("Sentry reporting initialized", zap.String("environment", config.Environment))
	return &SentryReporter{hub: sentry.NewHub(client, scope), timeout: timeout, logger: log}, nil
}

// OnTransition reports transitions into Failed.
func (r *SentryReporter) OnTransition(_ context.Context, inst *saga.Instance, rec saga.TransitionRecord) {
	if rec.To != saga.StateFailed {
		return
	}
	r.hub.WithScope(func(scope *sentry.Scope) {
		scope.SetLevel(sentry.LevelError)
		scope.SetTag("saga.family", string(rec.Family))
		scope.SetTag("saga.from", string(rec.From))
		scope.SetTag("saga.event_type", rec.EventType)
		scope.SetFingerprint([]string{"saga-failed", string(rec.Family), string(rec.From)})
		scope.SetContext("saga", sentry.Context{
			"correlation_id": rec.CorrelationID,
			"version":        rec.Version,
			"reason":         rec.Reason,
			"created_at":     inst.CreatedAt,
		})
		r.hub.CaptureMessage(fmt.Sprintf("%s saga failed: %s", rec.Family, rec.Reason))
	})
}

// OnDropped reports protocol violations. Duplicates and stale messages are
// expected under at-least-once delivery and are not reported.
func (r *SentryReporter) OnDropped(_ context.Context, env envelope.Envelope, reason coordinator.DropReason, err error) {
	if reason != coordinator.DropProtocolViolation || err == nil {
		return
	}
	r.hub.WithScope(func(scope *sentry.Scope) {
		scope.SetLevel(sentry.LevelWarning)
		scope.SetTag("message.type", env.Type)
		scope.SetTag("drop.reason", string(reason))
		scope.SetContext("message", sentry.Context{
			"correlation_id":  env.CorrelationID,
			"id":              env.ID,
			"idempotency_key": env.IdempotencyKey,
		})
		r.hub.CaptureException(err)
	})
}

// Flush waits for buffered events to be delivered.
func (r *SentryReporter) Flush() bool {
	ok := r.hub.Flush(r.timeout)
	if !ok {
		r.logger.Warn("Sentry flush timed out", zap.Duration("timeout", r.timeout))
	}
	return ok
}
