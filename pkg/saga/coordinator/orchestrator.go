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

// Package coordinator provides the orchestration-based saga coordinator.
// It drives instances of every registered workflow family through their
// transition tables, persists each transition with an optimistic version
// check and publishes the decided commands through a transactional outbox.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/innovationmech/docflow/pkg/logger"
	"github.com/innovationmech/docflow/pkg/saga"
	"github.com/innovationmech/docflow/pkg/saga/envelope"
	"github.com/innovationmech/docflow/pkg/saga/retry"
	"github.com/innovationmech/docflow/pkg/saga/storage"
)

const tracerName = "github.com/innovationmech/docflow/pkg/saga/coordinator"

var (
	// ErrStateStorageNotConfigured indicates Store is not configured.
	ErrStateStorageNotConfigured = errors.New("state storage not configured")

	// ErrEventPublisherNotConfigured indicates Publisher is not configured.
	ErrEventPublisherNotConfigured = errors.New("event publisher not configured")

	// ErrSagaFinished marks control events that arrive after the saga ended.
	ErrSagaFinished = errors.New("saga already finished")

	// ErrStaleDeadline marks a DeadlineExpired whose deadline was re-armed
	// or cleared in the meantime.
	ErrStaleDeadline = errors.New("deadline is no longer current")
)

// OrchestratorConfig contains configuration options for the orchestrator.
type OrchestratorConfig struct {
	// Store is required for persisting saga state.
	Store storage.Store

	// Publisher is required for sending commands and terminal notifications.
	Publisher Publisher

	// Tables are the workflow families handled by the orchestrator.
	Tables []*saga.Table

	// Timeouts bound the time an instance may spend between transitions,
	// per family. Families without an entry use DefaultTimeout; zero
	// disables deadlines.
	Timeouts       map[saga.Family]time.Duration
	DefaultTimeout time.Duration

	// RetryPolicy controls how stale saves are retried. Defaults to
	// DefaultConflictPolicy.
	RetryPolicy retry.Policy

	// AppliedKeyWindow bounds the idempotency keys kept per instance.
	AppliedKeyWindow int

	Observers      []Observer
	Logger         *zap.Logger
	TracerProvider trace.TracerProvider

	// Now returns the current time. Defaults to time.Now in UTC.
	Now func() time.Time
}

// DefaultConflictPolicy retries concurrency conflicts five times with a
// short jittered exponential backoff.
func DefaultConflictPolicy() retry.Policy {
	return ConflictPolicy(5, 5*time.Millisecond, 200*time.Millisecond)
}

// ConflictPolicy returns a policy that retries only concurrency conflicts.
func ConflictPolicy(maxAttempts int, initialDelay, maxDelay time.Duration) retry.Policy {
	return retry.NewExponential(&retry.RetryConfig{
		MaxAttempts:     maxAttempts,
		InitialDelay:    initialDelay,
		MaxDelay:        maxDelay,
		RetryableErrors: []error{storage.ErrConcurrencyConflict},
	}, 2.0, 0.5)
}

// Orchestrator applies inbound envelopes to saga instances. Work on one
// correlation id is serialized in process by a keyed mutex and across
// processes by the store's version check.
type Orchestrator struct {
	store     storage.Store
	publisher Publisher

	tables   map[saga.Family]*saga.Table
	triggers map[string]*saga.Table

	timeouts       map[saga.Family]time.Duration
	defaultTimeout time.Duration
	window         int

	retrier   *retry.Executor
	observers observers
	logger    *zap.Logger
	tracer    trace.Tracer
	now       func() time.Time
	locks     *keyedMutex

	closed bool
	mu     sync.RWMutex
}

// NewOrchestrator creates an orchestrator and registers config.Tables.
func NewOrchestrator(config *OrchestratorConfig) (*Orchestrator, error) {
	if config == nil || config.Store == nil {
		return nil, ErrStateStorageNotConfigured
	}
	if config.Publisher == nil {
		return nil, ErrEventPublisherNotConfigured
	}

	o := &Orchestrator{
		store:          config.Store,
		publisher:      config.Publisher,
		tables:         make(map[saga.Family]*saga.Table),
		triggers:       make(map[string]*saga.Table),
		timeouts:       make(map[saga.Family]time.Duration, len(config.Timeouts)),
		defaultTimeout: config.DefaultTimeout,
		window:         config.AppliedKeyWindow,
		observers:      slices.Clone(config.Observers),
		logger:         config.Logger,
		now:            config.Now,
		locks:          newKeyedMutex(),
	}
	for f, d := range config.Timeouts {
		o.timeouts[f] = d
	}
	if o.window <= 0 {
		o.window = saga.DefaultAppliedKeyWindow
	}
	if o.logger == nil {
		o.logger = logger.GetLogger().Named("orchestrator")
	}
	if o.now == nil {
		o.now = func() time.Time { return time.Now().UTC() }
	}
	tp := config.TracerProvider
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	o.tracer = tp.Tracer(tracerName)

	policy := config.RetryPolicy
	if policy == nil {
		policy = DefaultConflictPolicy()
	}
	o.retrier = retry.NewExecutor(policy, retry.WithLogger(o.logger))

	for _, t := range config.Tables {
		if err := o.Register(t); err != nil {
			return nil, err
		}
	}
	return o, nil
}

// Register adds the transition table of one family.
func (o *Orchestrator) Register(table *saga.Table) error {
	if table == nil {
		return saga.NewConfigurationError("nil transition table")
	}
	built, err := table.Build()
	if err != nil {
		return err
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if _, ok := o.tables[built.Family()]; ok {
		return saga.NewConfigurationError(fmt.Sprintf("family %s registered twice", built.Family()))
	}
	if other, ok := o.triggers[built.Trigger()]; ok {
		return saga.NewConfigurationError(fmt.Sprintf("trigger %s already starts %s", built.Trigger(), other.Family()))
	}
	o.tables[built.Family()] = built
	o.triggers[built.Trigger()] = built
	return nil
}

// Families returns the registered families in a stable order.
func (o *Orchestrator) Families() []saga.Family {
	o.mu.RLock()
	defer o.mu.RUnlock()

	out := make([]saga.Family, 0, len(o.tables))
	for _, f := range saga.Families {
		if _, ok := o.tables[f]; ok {
			out = append(out, f)
		}
	}
	return out
}

// TriggerFor returns the message type that starts family.
func (o *Orchestrator) TriggerFor(family saga.Family) (string, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()

	t, ok := o.tables[family]
	if !ok {
		return "", false
	}
	return t.Trigger(), true
}

// Subscriptions returns every inbound message type of the registered
// families, triggers included.
func (o *Orchestrator) Subscriptions() []string {
	o.mu.RLock()
	defer o.mu.RUnlock()

	var out []string
	for _, f := range saga.Families {
		if t, ok := o.tables[f]; ok {
			for _, ev := range t.Events() {
				if !slices.Contains(out, ev) {
					out = append(out, ev)
				}
			}
		}
	}
	return out
}

func (o *Orchestrator) table(f saga.Family) (*saga.Table, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	t, ok := o.tables[f]
	return t, ok
}

func (o *Orchestrator) tableForTrigger(msgType string) (*saga.Table, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	t, ok := o.triggers[msgType]
	return t, ok
}

func (o *Orchestrator) isClosed() bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.closed
}

// Start creates the instance for trigger and applies its start edge. A
// trigger for an existing correlation id is a no-op that returns the
// existing instance. When the instance was stored but its first commands
// could not be published, both the instance and a retryable publish error
// are returned; the commands stay in the outbox.
func (o *Orchestrator) Start(ctx context.Context, trigger envelope.Envelope) (*saga.Instance, error) {
	if o.isClosed() {
		return nil, saga.NewOrchestratorStoppedError()
	}
	if err := trigger.Validate(); err != nil {
		return nil, saga.NewValidationError(err.Error())
	}
	table, ok := o.tableForTrigger(trigger.Type)
	if !ok {
		return nil, saga.NewValidationError(fmt.Sprintf("no workflow is started by %s", trigger.Type))
	}

	ctx, span := o.tracer.Start(ctx, "saga.Start", trace.WithAttributes(
		attribute.String("saga.correlation_id", trigger.CorrelationID),
		attribute.String("saga.family", string(table.Family())),
		attribute.String("saga.event_type", trigger.Type),
	))
	defer span.End()

	unlock := o.locks.Lock(trigger.CorrelationID)
	defer unlock()

	existing, err := o.store.Load(ctx, trigger.CorrelationID)
	switch {
	case err == nil:
		o.logger.Debug("duplicate trigger ignored",
			logger.CorrelationID(trigger.CorrelationID),
			logger.Family(string(existing.Family)))
		o.observers.dropped(ctx, trigger, DropDuplicate, saga.NewSagaAlreadyExistsError(trigger.CorrelationID))
		return o.flush(ctx, existing)
	case !errors.Is(err, storage.ErrNotFound):
		return nil, o.fail(span, saga.NewStorageError("load", err))
	}

	data, err := saga.NewData(table.Family())
	if err != nil {
		return nil, o.fail(span, err)
	}
	now := o.now()
	inst := saga.NewInstance(trigger.CorrelationID, table.Family(), data, now)

	edge, _ := table.Lookup(saga.StateCreated, trigger.Type)
	claims := newClaimJournal(o.store, inst.CorrelationID)
	tc := saga.NewTransitionContext(inst, trigger, now, claims)
	target, err := edge.Handle(ctx, tc)
	if err != nil {
		o.settleClaims(ctx, claims, nil, true)
		if saga.IsProtocolViolation(err) || saga.IsDuplicateEvent(err) {
			return nil, o.fail(span, saga.WrapError(err, saga.ErrCodeValidationError,
				"invalid "+trigger.Type, saga.ErrorTypeValidation, false))
		}
		return nil, o.fail(span, err)
	}
	if !edge.Allows(target) {
		o.settleClaims(ctx, claims, nil, true)
		return nil, o.fail(span, saga.NewProtocolViolation("%s: start edge may not reach %s", table.Family(), target))
	}

	rec, err := o.commit(inst, saga.StateCreated, target, tc)
	if err != nil {
		o.settleClaims(ctx, claims, nil, true)
		return nil, o.fail(span, err)
	}
	if err := o.store.Create(ctx, inst, rec); err != nil {
		o.settleClaims(ctx, claims, nil, false)
		if errors.Is(err, storage.ErrAlreadyExists) {
			o.logger.Debug("instance created concurrently", logger.CorrelationID(inst.CorrelationID))
			return o.Get(ctx, inst.CorrelationID)
		}
		return nil, o.fail(span, saga.NewStorageError("create", err))
	}
	span.SetAttributes(attribute.String("saga.to", string(inst.State)))

	o.logTransition(rec)
	o.observers.transition(ctx, inst, rec)
	return o.flush(ctx, inst)
}

// Handle applies one inbound envelope. Triggers are routed to Start.
// Duplicates, events that do not apply in the current state and control
// events for finished sagas are logged and dropped with a nil error.
// Exhausted conflict retries yield a retryable RETRY_EXHAUSTED error so
// the transport can redeliver.
func (o *Orchestrator) Handle(ctx context.Context, env envelope.Envelope) error {
	if o.isClosed() {
		return saga.NewOrchestratorStoppedError()
	}
	if err := env.Validate(); err != nil {
		return saga.NewValidationError(err.Error())
	}
	if env.Kind() == envelope.KindTrigger {
		_, err := o.Start(ctx, env)
		return err
	}

	ctx, span := o.tracer.Start(ctx, "saga.Handle", trace.WithAttributes(
		attribute.String("saga.correlation_id", env.CorrelationID),
		attribute.String("saga.event_type", env.Type),
	))
	defer span.End()

	if !env.Kind().Inbound() {
		err := saga.NewProtocolViolation("%s messages are not consumed by the orchestrator", env.Type)
		o.drop(ctx, env, err)
		return nil
	}

	unlock := o.locks.Lock(env.CorrelationID)
	defer unlock()

	var committed *saga.Instance
	claims := newClaimJournal(o.store, env.CorrelationID)
	attempt := 0
	attempts, err := o.retrier.Do(ctx, func(ctx context.Context) error {
		attempt++
		inst, err := o.apply(ctx, env, attempt, claims)
		committed = inst
		return err
	})
	o.settleClaims(ctx, claims, committed, err == nil)

	switch {
	case err == nil:
	case errors.Is(err, retry.ErrMaxRetriesExceeded):
		return o.fail(span, saga.NewRetryExhaustedError("handle "+env.Type, attempts, err))
	case saga.IsProtocolViolation(err), saga.IsDuplicateEvent(err):
		o.drop(ctx, env, err)
		return nil
	default:
		return o.fail(span, err)
	}

	span.SetAttributes(
		attribute.String("saga.family", string(committed.Family)),
		attribute.String("saga.to", string(committed.State)),
		attribute.Int("saga.attempts", attempts),
	)
	if _, err := o.flush(ctx, committed); err != nil {
		return o.fail(span, err)
	}
	return nil
}

// apply loads the instance, runs the matching edge on a working copy and
// saves the result with the loaded version. Outbox messages left by an
// earlier transition are published first and cleared with the next save.
// Claims taken by the edge go through claims.
func (o *Orchestrator) apply(ctx context.Context, env envelope.Envelope, attempt int, claims saga.Claimer) (*saga.Instance, error) {
	inst, err := o.store.Load(ctx, env.CorrelationID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, saga.NewSagaNotFoundError(env.CorrelationID)
		}
		return nil, saga.NewStorageError("load", err)
	}
	table, ok := o.table(inst.Family)
	if !ok {
		return nil, saga.NewConfigurationError(fmt.Sprintf("family %s is not registered", inst.Family))
	}

	expected := inst.Version
	working := inst.Clone()
	flushed := false
	if len(working.Outbox) > 0 {
		for _, msg := range working.Outbox {
			if err := o.publish(ctx, msg); err != nil {
				return nil, err
			}
		}
		o.logger.Debug("republished pending outbox",
			logger.CorrelationID(working.CorrelationID),
			zap.Int("messages", len(working.Outbox)))
		working.Outbox = nil
		flushed = true
	}

	// drop acknowledges a flushed outbox and reports cause.
	drop := func(cause error) (*saga.Instance, error) {
		if flushed {
			if err := o.store.Save(ctx, working, expected); err != nil {
				return nil, o.saveError(err, working, attempt)
			}
		}
		return working, cause
	}

	if working.HasApplied(env.IdempotencyKey) {
		return drop(saga.NewDuplicateEvent("%s %s already applied", env.Type, env.IdempotencyKey))
	}
	if working.State.IsTerminal() {
		return drop(saga.WrapDuplicateEvent(ErrSagaFinished, fmt.Sprintf("%s is %s", working.CorrelationID, working.State)))
	}
	if env.Type == envelope.TypeDeadlineExpired {
		var p envelope.DeadlineExpired
		if err := env.Decode(&p); err != nil {
			return drop(saga.WrapProtocolViolation(err, "malformed "+env.Type))
		}
		if working.Deadline == nil || !working.Deadline.Equal(p.Deadline) {
			return drop(saga.WrapDuplicateEvent(ErrStaleDeadline, "deadline of "+working.CorrelationID+" was re-armed"))
		}
	}

	edge, ok := table.Lookup(working.State, env.Type)
	if !ok {
		return drop(saga.NewProtocolViolation("%s: no transition for %s in state %s",
			working.Family, env.Type, working.State))
	}

	from := working.State
	next := working.Clone()
	tc := saga.NewTransitionContext(next, env, o.now(), claims)
	target, err := edge.Handle(ctx, tc)
	if err != nil {
		if saga.IsProtocolViolation(err) || saga.IsDuplicateEvent(err) {
			return drop(err)
		}
		return nil, err
	}
	if !edge.Allows(target) {
		return drop(saga.NewProtocolViolation("%s: %s in state %s may not reach %s",
			working.Family, env.Type, from, target))
	}

	rec, err := o.commit(next, from, target, tc)
	if err != nil {
		return nil, err
	}
	if err := o.store.Save(ctx, next, expected, rec); err != nil {
		return nil, o.saveError(err, next, attempt)
	}

	o.logTransition(rec)
	o.observers.transition(ctx, next, rec)
	return next, nil
}

// commit moves inst to target and turns the queued emissions into outbox
// envelopes. The returned record describes the transition.
func (o *Orchestrator) commit(inst *saga.Instance, from, target saga.State, tc *saga.TransitionContext) (saga.TransitionRecord, error) {
	now := tc.Now
	cause := tc.Event
	version := inst.Version + 1

	inst.State = target
	if target == saga.StateFailed && inst.FailureReason == "" {
		inst.FailureReason = fmt.Sprintf("failed in state %s", from)
	}
	if target.IsTerminal() {
		inst.Deadline = nil
		inst.Phase = ""
	} else if d := o.timeoutFor(inst.Family); d > 0 {
		deadline := now.Add(d)
		inst.Deadline = &deadline
	} else {
		inst.Deadline = nil
	}

	emissions := slices.Clone(tc.Emitted())
	switch {
	case target == saga.StateCompleted:
		emissions = append(emissions, saga.Emission{
			Type:    envelope.TypeWorkflowCompleted,
			Payload: envelope.WorkflowCompleted{Family: string(inst.Family), Summary: tc.Summary()},
		})
	case target == saga.StateFailed:
		emissions = append(emissions, saga.Emission{
			Type:    envelope.TypeWorkflowFailed,
			Payload: envelope.WorkflowFailed{Family: string(inst.Family), Reason: inst.FailureReason},
		})
	}

	for n, em := range emissions {
		env, err := envelope.New(em.Type, inst.CorrelationID, em.Payload)
		if err != nil {
			return saga.TransitionRecord{}, saga.WrapError(err, saga.ErrCodeValidationError,
				"cannot encode "+em.Type, saga.ErrorTypeData, false)
		}
		env.IdempotencyKey = envelope.DerivedKey(inst.CorrelationID, version, n)
		env.CausationID = cause.ID
		env.Family = string(inst.Family)
		env.OccurredAt = now
		inst.Outbox = append(inst.Outbox, env)
	}

	inst.MarkApplied(cause.IdempotencyKey, o.window)
	inst.UpdatedAt = now

	rec := saga.TransitionRecord{
		CorrelationID:  inst.CorrelationID,
		Family:         inst.Family,
		From:           from,
		To:             target,
		Phase:          inst.Phase,
		EventType:      cause.Type,
		EventID:        cause.ID,
		IdempotencyKey: cause.IdempotencyKey,
		Version:        version,
		At:             now,
	}
	switch target {
	case saga.StateFailed, saga.StateCompensating:
		rec.Reason = inst.FailureReason
	case saga.StateCompleted:
		rec.Reason = tc.Summary()
	}
	return rec, nil
}

func (o *Orchestrator) timeoutFor(f saga.Family) time.Duration {
	if d, ok := o.timeouts[f]; ok {
		return d
	}
	return o.defaultTimeout
}

func (o *Orchestrator) saveError(err error, inst *saga.Instance, attempt int) error {
	switch {
	case errors.Is(err, storage.ErrConcurrencyConflict):
		o.logger.Debug("stale save, reloading",
			logger.CorrelationID(inst.CorrelationID),
			zap.Int("attempt", attempt))
		o.observers.conflict(inst.Family, attempt)
		return err
	case errors.Is(err, storage.ErrNotFound):
		return saga.NewSagaNotFoundError(inst.CorrelationID)
	default:
		return saga.NewStorageError("save", err)
	}
}

// flush publishes the outbox of a committed instance in order and
// acknowledges the published prefix. A stale acknowledgement means another
// writer already published and cleared the messages.
func (o *Orchestrator) flush(ctx context.Context, inst *saga.Instance) (*saga.Instance, error) {
	if len(inst.Outbox) == 0 {
		return inst, nil
	}

	sent := 0
	var pubErr error
	for _, msg := range inst.Outbox {
		if err := o.publish(ctx, msg); err != nil {
			pubErr = err
			break
		}
		sent++
	}
	if sent == 0 {
		return inst, pubErr
	}

	acked := inst.Clone()
	acked.Outbox = nil
	if sent < len(inst.Outbox) {
		acked.Outbox = slices.Clone(inst.Outbox[sent:])
	}
	if err := o.store.Save(ctx, acked, inst.Version); err != nil {
		if errors.Is(err, storage.ErrConcurrencyConflict) {
			o.logger.Debug("outbox acknowledged by another writer",
				logger.CorrelationID(inst.CorrelationID))
			return inst, pubErr
		}
		o.logger.Warn("failed to acknowledge outbox",
			logger.CorrelationID(inst.CorrelationID),
			zap.Error(err))
		return inst, pubErr
	}
	return acked, pubErr
}

func (o *Orchestrator) publish(ctx context.Context, msg envelope.Envelope) error {
	start := time.Now()
	err := o.publisher.Publish(ctx, msg)
	o.observers.published(msg, err, time.Since(start))
	if err != nil {
		o.logger.Warn("failed to publish message",
			logger.CorrelationID(msg.CorrelationID),
			logger.EventType(msg.Type),
			zap.Error(err))
		return saga.NewEventPublishError(msg.Type, err)
	}
	return nil
}

func (o *Orchestrator) drop(ctx context.Context, env envelope.Envelope, err error) {
	reason := DropProtocolViolation
	switch {
	case errors.Is(err, ErrSagaFinished), errors.Is(err, ErrStaleDeadline):
		reason = DropStale
	case saga.IsDuplicateEvent(err):
		reason = DropDuplicate
	}

	fields := []zap.Field{
		logger.CorrelationID(env.CorrelationID),
		logger.EventType(env.Type),
		zap.String("reason", string(reason)),
		zap.Error(err),
	}
	if reason == DropProtocolViolation {
		o.logger.Warn("protocol violation dropped", fields...)
	} else {
		o.logger.Debug("event dropped", fields...)
	}
	trace.SpanFromContext(ctx).SetAttributes(attribute.String("saga.dropped", string(reason)))
	o.observers.dropped(ctx, env, reason, err)
}

func (o *Orchestrator) fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

func (o *Orchestrator) logTransition(rec saga.TransitionRecord) {
	fields := []zap.Field{
		logger.CorrelationID(rec.CorrelationID),
		logger.Family(string(rec.Family)),
		logger.EventType(rec.EventType),
		zap.String("from", string(rec.From)),
		zap.String("to", string(rec.To)),
		zap.Int64("version", rec.Version),
	}
	if rec.Phase != "" {
		fields = append(fields, zap.String("phase", rec.Phase))
	}
	if rec.Reason != "" {
		fields = append(fields, zap.String("reason", rec.Reason))
	}
	if rec.To.IsTerminal() {
		o.logger.Info("saga finished", fields...)
		return
	}
	o.logger.Debug("saga transition", fields...)
}

// Cancel stops a running saga with reason. Cancelling a finished saga is a
// no-op. The instance after the cancellation is returned.
func (o *Orchestrator) Cancel(ctx context.Context, correlationID, reason string) (*saga.Instance, error) {
	if reason == "" {
		return nil, saga.NewValidationError("cancel reason is required")
	}
	env, err := envelope.New(envelope.TypeCancelRequested, correlationID, envelope.CancelRequested{Reason: reason})
	if err != nil {
		return nil, err
	}
	if err := o.Handle(ctx, env); err != nil {
		return nil, err
	}
	return o.Get(ctx, correlationID)
}

// Get returns the current snapshot of a saga.
func (o *Orchestrator) Get(ctx context.Context, correlationID string) (*saga.Instance, error) {
	inst, err := o.store.Load(ctx, correlationID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, saga.NewSagaNotFoundError(correlationID)
		}
		return nil, saga.NewStorageError("load", err)
	}
	return inst, nil
}

// History returns the transition log of a saga.
func (o *Orchestrator) History(ctx context.Context, correlationID string) ([]saga.TransitionRecord, error) {
	log, err := o.store.History(ctx, correlationID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, saga.NewSagaNotFoundError(correlationID)
		}
		return nil, saga.NewStorageError("history", err)
	}
	return log, nil
}

// List returns the instances matching filter.
func (o *Orchestrator) List(ctx context.Context, filter storage.Filter) ([]*saga.Instance, error) {
	out, err := o.store.List(ctx, filter)
	if err != nil {
		return nil, saga.NewStorageError("list", err)
	}
	return out, nil
}

// Stats returns the number of instances per family and state.
func (o *Orchestrator) Stats(ctx context.Context) (storage.Counts, error) {
	counts, err := o.store.Counts(ctx)
	if err != nil {
		return nil, saga.NewStorageError("counts", err)
	}
	return counts, nil
}

// Recover republishes every persisted outbox that was not acknowledged,
// e.g. after a crash between commit and publish. It returns the number of
// messages published.
func (o *Orchestrator) Recover(ctx context.Context) (int, error) {
	if o.isClosed() {
		return 0, saga.NewOrchestratorStoppedError()
	}
	pending, err := o.store.List(ctx, storage.Filter{HasOutbox: true})
	if err != nil {
		return 0, saga.NewStorageError("list", err)
	}

	published := 0
	var errs []error
	for _, p := range pending {
		n, err := o.recoverOne(ctx, p.CorrelationID)
		published += n
		if err != nil {
			errs = append(errs, err)
		}
	}
	if published > 0 {
		o.logger.Info("recovered pending outbox messages", zap.Int("messages", published))
	}
	return published, errors.Join(errs...)
}

func (o *Orchestrator) recoverOne(ctx context.Context, correlationID string) (int, error) {
	unlock := o.locks.Lock(correlationID)
	defer unlock()

	inst, err := o.store.Load(ctx, correlationID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return 0, nil
		}
		return 0, saga.NewStorageError("load", err)
	}
	after, err := o.flush(ctx, inst)
	return len(inst.Outbox) - len(after.Outbox), err
}

// SweepDeadlines injects DeadlineExpired into every running saga whose
// deadline is before now and returns the number of sagas it reached.
func (o *Orchestrator) SweepDeadlines(ctx context.Context, now time.Time) (int, error) {
	if o.isClosed() {
		return 0, saga.NewOrchestratorStoppedError()
	}
	due, err := o.store.List(ctx, storage.Filter{
		States:         saga.NonTerminalStates(),
		DeadlineBefore: &now,
	})
	if err != nil {
		return 0, saga.NewStorageError("list", err)
	}

	swept := 0
	var errs []error
	for _, inst := range due {
		env, err := envelope.New(envelope.TypeDeadlineExpired, inst.CorrelationID,
			envelope.DeadlineExpired{Deadline: *inst.Deadline})
		if err != nil {
			errs = append(errs, err)
			continue
		}
		env = env.WithIdempotencyKey(deadlineKey(inst))
		env.Family = string(inst.Family)
		if err := o.Handle(ctx, env); err != nil {
			errs = append(errs, fmt.Errorf("expire %s: %w", inst.CorrelationID, err))
			continue
		}
		swept++
	}
	if swept > 0 {
		o.logger.Info("expired sagas swept", zap.Int("count", swept))
	}
	return swept, errors.Join(errs...)
}

// deadlineKey is stable per armed deadline so overlapping sweeps collapse.
func deadlineKey(inst *saga.Instance) string {
	return fmt.Sprintf("deadline/%s/%d", inst.CorrelationID, inst.Deadline.UnixNano())
}

// RunOptions configures the background loops of Run.
type RunOptions struct {
	SweepInterval   time.Duration
	RecoverInterval time.Duration
}

// Run recovers pending outboxes once and then sweeps deadlines and
// outboxes periodically until ctx is done.
func (o *Orchestrator) Run(ctx context.Context, opts RunOptions) error {
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = 10 * time.Second
	}
	if opts.RecoverInterval <= 0 {
		opts.RecoverInterval = 30 * time.Second
	}

	if _, err := o.Recover(ctx); err != nil {
		o.logger.Warn("outbox recovery failed", zap.Error(err))
	}

	sweep := time.NewTicker(opts.SweepInterval)
	defer sweep.Stop()
	recoverTicker := time.NewTicker(opts.RecoverInterval)
	defer recoverTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-sweep.C:
			if _, err := o.SweepDeadlines(ctx, o.now()); err != nil && ctx.Err() == nil {
				o.logger.Warn("deadline sweep failed", zap.Error(err))
			}
		case <-recoverTicker.C:
			if _, err := o.Recover(ctx); err != nil && ctx.Err() == nil {
				o.logger.Warn("outbox recovery failed", zap.Error(err))
			}
		}
	}
}

// Close stops accepting new work.
func (o *Orchestrator) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.closed = true
	return nil
}
