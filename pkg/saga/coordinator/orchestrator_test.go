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

package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap"

	"github.com/innovationmech/docflow/pkg/saga"
	"github.com/innovationmech/docflow/pkg/saga/envelope"
	"github.com/innovationmech/docflow/pkg/saga/storage"
	"github.com/innovationmech/docflow/pkg/saga/workflows"
)

var (
	t0        = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	errBroker = errors.New("broker unavailable")
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

// recordingPublisher collects published envelopes and fails while broken.
type recordingPublisher struct {
	mu     sync.Mutex
	sent   []envelope.Envelope
	broken bool
}

func (p *recordingPublisher) Publish(_ context.Context, env envelope.Envelope) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.broken {
		return errBroker
	}
	p.sent = append(p.sent, env)
	return nil
}

func (p *recordingPublisher) setBroken(b bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.broken = b
}

func (p *recordingPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.sent))
	for i, env := range p.sent {
		out[i] = env.Type
	}
	return out
}

func (p *recordingPublisher) ofType(msgType string) []envelope.Envelope {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []envelope.Envelope
	for _, env := range p.sent {
		if env.Type == msgType {
			out = append(out, env)
		}
	}
	return out
}

type recordingObserver struct {
	NopObserver
	mu          sync.Mutex
	transitions []saga.TransitionRecord
	drops       []DropReason
	conflicts   []int
}

func (r *recordingObserver) OnTransition(_ context.Context, _ *saga.Instance, rec saga.TransitionRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transitions = append(r.transitions, rec)
}

func (r *recordingObserver) OnDropped(_ context.Context, _ envelope.Envelope, reason DropReason, _ error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.drops = append(r.drops, reason)
}

func (r *recordingObserver) OnConflict(_ saga.Family, attempt int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conflicts = append(r.conflicts, attempt)
}

func (r *recordingObserver) dropReasons() []DropReason {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]DropReason(nil), r.drops...)
}

// conflictingStore fails the next n transition saves with a version conflict.
type conflictingStore struct {
	*storage.MemoryStore
	mu        sync.Mutex
	conflicts int
}

func (s *conflictingStore) Save(ctx context.Context, inst *saga.Instance, expected int64, log ...saga.TransitionRecord) error {
	s.mu.Lock()
	if s.conflicts > 0 && len(log) > 0 {
		s.conflicts--
		s.mu.Unlock()
		return fmt.Errorf("%w: injected", storage.ErrConcurrencyConflict)
	}
	s.mu.Unlock()
	return s.MemoryStore.Save(ctx, inst, expected, log...)
}

type fixture struct {
	orch      *Orchestrator
	store     storage.Store
	publisher *recordingPublisher
	observer  *recordingObserver
	clock     *fakeClock
	spans     *tracetest.SpanRecorder
}

func newFixture(t *testing.T, store storage.Store) *fixture {
	t.Helper()
	if store == nil {
		store = storage.NewMemoryStore()
	}
	f := &fixture{
		store:     store,
		publisher: &recordingPublisher{},
		observer:  &recordingObserver{},
		clock:     &fakeClock{now: t0},
		spans:     tracetest.NewSpanRecorder(),
	}

	orch, err := NewOrchestrator(&OrchestratorConfig{
		Store:          store,
		Publisher:      f.publisher,
		Tables:         workflows.Tables(workflows.DefaultOptions()),
		DefaultTimeout: time.Hour,
		RetryPolicy:    ConflictPolicy(3, time.Millisecond, 2*time.Millisecond),
		Observers:      []Observer{f.observer},
		Logger:         zap.NewNop(),
		TracerProvider: sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(f.spans)),
		Now:            f.clock.Now,
	})
	require.NoError(t, err)
	f.orch = orch
	return f
}

func (f *fixture) startGeneration(t *testing.T, id string) *saga.Instance {
	t.Helper()
	inst, err := f.orch.Start(context.Background(), envelope.MustNew(envelope.TypeGenerateDocumentRequested, id,
		envelope.GenerateDocumentRequested{DocumentProcessName: "contracts", DocumentTitle: "Master agreement"}))
	require.NoError(t, err)
	return inst
}

func (f *fixture) handle(t *testing.T, id, msgType string, payload any) {
	t.Helper()
	require.NoError(t, f.orch.Handle(context.Background(), envelope.MustNew(msgType, id, payload)))
}

func (f *fixture) state(t *testing.T, id string) *saga.Instance {
	t.Helper()
	inst, err := f.orch.Get(context.Background(), id)
	require.NoError(t, err)
	return inst
}

func outline(nodes ...string) envelope.DocumentOutlineGenerated {
	specs := make([]envelope.NodeSpec, len(nodes))
	for i, n := range nodes {
		specs[i] = envelope.NodeSpec{NodeID: n, Order: i}
	}
	return envelope.DocumentOutlineGenerated{Nodes: specs}
}

func (f *fixture) fanOut(t *testing.T, id string, nodes ...string) {
	t.Helper()
	f.startGeneration(t, id)
	f.handle(t, id, envelope.TypeGeneratedDocumentCreated, envelope.GeneratedDocumentCreated{MetadataID: "meta-" + id})
	f.handle(t, id, envelope.TypeDocumentOutlineGenerated, outline(nodes...))
}

func TestNewOrchestrator_Validation(t *testing.T) {
	_, err := NewOrchestrator(nil)
	assert.ErrorIs(t, err, ErrStateStorageNotConfigured)

	_, err = NewOrchestrator(&OrchestratorConfig{Store: storage.NewMemoryStore()})
	assert.ErrorIs(t, err, ErrEventPublisherNotConfigured)

	tables := workflows.Tables(workflows.DefaultOptions())
	_, err = NewOrchestrator(&OrchestratorConfig{
		Store:     storage.NewMemoryStore(),
		Publisher: PublisherFunc(func(context.Context, envelope.Envelope) error { return nil }),
		Tables:    append(tables, workflows.Generation(workflows.DefaultOptions())),
		Logger:    zap.NewNop(),
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "registered twice")
}

func TestOrchestrator_Registry(t *testing.T) {
	f := newFixture(t, nil)

	assert.Equal(t, saga.Families, f.orch.Families())

	trigger, ok := f.orch.TriggerFor(saga.FamilyReview)
	assert.True(t, ok)
	assert.Equal(t, envelope.TypeExecuteReviewRequested, trigger)

	subs := f.orch.Subscriptions()
	for _, want := range []string{
		envelope.TypeGenerateDocumentRequested,
		envelope.TypeContentNodeGenerated,
		envelope.TypeIngestionCompensated,
		envelope.TypeValidationStepCompleted,
		envelope.TypeCancelRequested,
		envelope.TypeDeadlineExpired,
	} {
		assert.Contains(t, subs, want)
	}
	assert.NotContains(t, subs, envelope.TypeGenerateContentNode)
}

func TestOrchestrator_GenerationFlow(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	trigger := envelope.MustNew(envelope.TypeGenerateDocumentRequested, "gen-1",
		envelope.GenerateDocumentRequested{DocumentProcessName: "contracts", DocumentTitle: "Master agreement"})
	inst, err := f.orch.Start(ctx, trigger)
	require.NoError(t, err)
	assert.Equal(t, saga.StateInProgress, inst.State)
	assert.Empty(t, inst.Outbox)
	require.NotNil(t, inst.Deadline)
	assert.Equal(t, t0.Add(time.Hour), *inst.Deadline)

	cmds := f.publisher.ofType(envelope.TypeCreateGeneratedDocument)
	require.Len(t, cmds, 1)
	assert.Equal(t, trigger.ID, cmds[0].CausationID)
	assert.Equal(t, envelope.DerivedKey("gen-1", 1, 0), cmds[0].IdempotencyKey)
	assert.Equal(t, string(saga.FamilyGeneration), cmds[0].Family)

	f.handle(t, "gen-1", envelope.TypeGeneratedDocumentCreated, envelope.GeneratedDocumentCreated{MetadataID: "meta-1"})
	f.handle(t, "gen-1", envelope.TypeDocumentOutlineGenerated, outline("n1", "n2", "n3"))
	assert.Len(t, f.publisher.ofType(envelope.TypeGenerateContentNode), 3)

	f.handle(t, "gen-1", envelope.TypeContentNodeGenerated, envelope.ContentNodeGenerated{NodeID: "n1"})
	f.handle(t, "gen-1", envelope.TypeContentNodeGenerated, envelope.ContentNodeGenerated{NodeID: "n1"})
	f.handle(t, "gen-1", envelope.TypeContentNodeGenerated, envelope.ContentNodeGenerated{NodeID: "n3"})
	f.handle(t, "gen-1", envelope.TypeContentNodeGenerated, envelope.ContentNodeGenerated{NodeID: "n2"})

	final := f.state(t, "gen-1")
	assert.Equal(t, saga.StateCompleted, final.State)
	assert.Nil(t, final.Deadline)
	assert.Empty(t, final.Outbox)

	done := f.publisher.ofType(envelope.TypeWorkflowCompleted)
	require.Len(t, done, 1)
	var payload envelope.WorkflowCompleted
	require.NoError(t, done[0].Decode(&payload))
	assert.Equal(t, "generation", payload.Family)
	assert.Equal(t, "generated 3 of 3 content nodes", payload.Summary)

	history, err := f.orch.History(ctx, "gen-1")
	require.NoError(t, err)
	require.Len(t, history, 6)
	assert.Equal(t, saga.StateCreated, history[0].From)
	assert.Equal(t, saga.StateCompleted, history[5].To)
	assert.Equal(t, "generated 3 of 3 content nodes", history[5].Reason)

	assert.Equal(t, []DropReason{DropDuplicate}, f.observer.dropReasons())
}

func TestOrchestrator_RedeliveryIsDropped(t *testing.T) {
	f := newFixture(t, nil)
	f.fanOut(t, "gen-1", "n1", "n2")
	before := f.state(t, "gen-1")

	ev := envelope.MustNew(envelope.TypeContentNodeGenerated, "gen-1", envelope.ContentNodeGenerated{NodeID: "n1"})
	require.NoError(t, f.orch.Handle(context.Background(), ev))
	afterFirst := f.state(t, "gen-1")
	require.NoError(t, f.orch.Handle(context.Background(), ev))
	afterSecond := f.state(t, "gen-1")

	assert.Equal(t, before.Version+1, afterFirst.Version)
	assert.Equal(t, afterFirst.Version, afterSecond.Version)
	assert.Equal(t, 1, afterSecond.Data.(*saga.GenerationData).Generated())
	assert.Equal(t, []DropReason{DropDuplicate}, f.observer.dropReasons())
}

func TestOrchestrator_ProtocolViolationIsDropped(t *testing.T) {
	f := newFixture(t, nil)
	f.startGeneration(t, "gen-1")

	f.handle(t, "gen-1", envelope.TypeContentNodeGenerated, envelope.ContentNodeGenerated{NodeID: "n1"})
	f.handle(t, "gen-1", envelope.TypeGenerateContentNode, envelope.GenerateContentNode{MetadataID: "m"})

	assert.Equal(t, saga.StateInProgress, f.state(t, "gen-1").State)
	assert.Equal(t, []DropReason{DropProtocolViolation, DropProtocolViolation}, f.observer.dropReasons())

	var dropped bool
	for _, s := range f.spans.Ended() {
		for _, kv := range s.Attributes() {
			if kv.Key == "saga.dropped" && kv.Value.AsString() == string(DropProtocolViolation) {
				dropped = true
			}
		}
	}
	assert.True(t, dropped)
}

func TestOrchestrator_UnknownSaga(t *testing.T) {
	f := newFixture(t, nil)
	err := f.orch.Handle(context.Background(), envelope.MustNew(envelope.TypeContentNodeGenerated, "ghost",
		envelope.ContentNodeGenerated{NodeID: "n1"}))
	assert.True(t, saga.IsSagaNotFound(err))

	_, err = f.orch.Get(context.Background(), "ghost")
	assert.True(t, saga.IsSagaNotFound(err))
}

func TestOrchestrator_InvalidEnvelope(t *testing.T) {
	f := newFixture(t, nil)
	env := envelope.MustNew(envelope.TypeContentNodeGenerated, "bad id with spaces", envelope.ContentNodeGenerated{NodeID: "n1"})
	err := f.orch.Handle(context.Background(), env)
	require.Error(t, err)

	var se *saga.SagaError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, saga.ErrCodeValidationError, se.Code)
}

func TestOrchestrator_Cancel(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.fanOut(t, "gen-1", "n1", "n2")

	_, err := f.orch.Cancel(ctx, "gen-1", "")
	require.Error(t, err)

	inst, err := f.orch.Cancel(ctx, "gen-1", "author withdrew")
	require.NoError(t, err)
	assert.Equal(t, saga.StateFailed, inst.State)
	assert.Equal(t, "cancelled: author withdrew", inst.FailureReason)

	failed := f.publisher.ofType(envelope.TypeWorkflowFailed)
	require.Len(t, failed, 1)
	var payload envelope.WorkflowFailed
	require.NoError(t, failed[0].Decode(&payload))
	assert.Equal(t, "cancelled: author withdrew", payload.Reason)

	f.handle(t, "gen-1", envelope.TypeContentNodeGenerated, envelope.ContentNodeGenerated{NodeID: "n1"})
	inst, err = f.orch.Cancel(ctx, "gen-1", "again")
	require.NoError(t, err)
	assert.Equal(t, "cancelled: author withdrew", inst.FailureReason)

	assert.Equal(t, []DropReason{DropStale, DropStale}, f.observer.dropReasons())
	assert.Len(t, f.publisher.ofType(envelope.TypeWorkflowFailed), 1)
}

func TestOrchestrator_DuplicateTrigger(t *testing.T) {
	f := newFixture(t, nil)
	first := f.startGeneration(t, "gen-1")
	second := f.startGeneration(t, "gen-1")

	assert.Equal(t, first.CorrelationID, second.CorrelationID)
	assert.Equal(t, first.Version, second.Version)
	assert.Len(t, f.publisher.ofType(envelope.TypeCreateGeneratedDocument), 1)
	assert.Equal(t, []DropReason{DropDuplicate}, f.observer.dropReasons())
}

func TestOrchestrator_InvalidTrigger(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.orch.Start(context.Background(), envelope.MustNew(envelope.TypeStartValidationPipeline, "val-1",
		envelope.StartValidationPipeline{GeneratedDocumentID: "gen-1", PipelineName: "missing"}))
	require.Error(t, err)

	var se *saga.SagaError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, saga.ErrCodeValidationError, se.Code)

	_, err = f.orch.Get(context.Background(), "val-1")
	assert.True(t, saga.IsSagaNotFound(err))

	_, err = f.orch.Start(context.Background(), envelope.MustNew(envelope.TypeContentNodeGenerated, "x",
		envelope.ContentNodeGenerated{NodeID: "n"}))
	require.ErrorAs(t, err, &se)
	assert.Equal(t, saga.ErrCodeValidationError, se.Code)
}

func TestOrchestrator_RetriesConcurrencyConflicts(t *testing.T) {
	store := &conflictingStore{MemoryStore: storage.NewMemoryStore()}
	f := newFixture(t, store)
	f.startGeneration(t, "gen-1")

	store.mu.Lock()
	store.conflicts = 2
	store.mu.Unlock()

	f.handle(t, "gen-1", envelope.TypeGeneratedDocumentCreated, envelope.GeneratedDocumentCreated{MetadataID: "meta-1"})

	assert.Equal(t, workflows.PhaseOutlining, f.state(t, "gen-1").Phase)
	assert.Equal(t, []int{1, 2}, f.observer.conflicts)
	assert.Len(t, f.publisher.ofType(envelope.TypeGenerateDocumentOutline), 1)

	var attempts int64
	for _, s := range f.spans.Ended() {
		if s.Name() != "saga.Handle" {
			continue
		}
		for _, kv := range s.Attributes() {
			if kv.Key == "saga.attempts" {
				attempts = kv.Value.AsInt64()
			}
		}
	}
	assert.Equal(t, int64(3), attempts)
}

func TestOrchestrator_RetryExhausted(t *testing.T) {
	store := &conflictingStore{MemoryStore: storage.NewMemoryStore()}
	f := newFixture(t, store)
	f.startGeneration(t, "gen-1")

	store.mu.Lock()
	store.conflicts = 10
	store.mu.Unlock()

	err := f.orch.Handle(context.Background(), envelope.MustNew(envelope.TypeGeneratedDocumentCreated, "gen-1",
		envelope.GeneratedDocumentCreated{MetadataID: "meta-1"}))
	require.Error(t, err)
	assert.True(t, saga.IsRetryExhausted(err))
	assert.True(t, saga.IsRetryableError(err))
	assert.Equal(t, workflows.PhaseCreating, f.state(t, "gen-1").Phase)
}

func TestOrchestrator_OutboxSurvivesPublishFailure(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.publisher.setBroken(true)

	inst, err := f.orch.Start(ctx, envelope.MustNew(envelope.TypeGenerateDocumentRequested, "gen-1",
		envelope.GenerateDocumentRequested{DocumentProcessName: "p", DocumentTitle: "t"}))
	require.Error(t, err)
	assert.ErrorIs(t, err, errBroker)
	require.NotNil(t, inst)
	assert.Len(t, inst.Outbox, 1)
	assert.Len(t, f.state(t, "gen-1").Outbox, 1)

	n, err := f.orch.Recover(ctx)
	assert.Error(t, err)
	assert.Equal(t, 0, n)

	f.publisher.setBroken(false)
	n, err = f.orch.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Empty(t, f.state(t, "gen-1").Outbox)

	n, err = f.orch.Recover(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, []string{envelope.TypeCreateGeneratedDocument}, f.publisher.types())
}

func TestOrchestrator_PendingOutboxPublishedBeforeNextTransition(t *testing.T) {
	f := newFixture(t, nil)
	f.publisher.setBroken(true)
	_, err := f.orch.Start(context.Background(), envelope.MustNew(envelope.TypeGenerateDocumentRequested, "gen-1",
		envelope.GenerateDocumentRequested{DocumentProcessName: "p", DocumentTitle: "t"}))
	require.Error(t, err)

	f.publisher.setBroken(false)
	f.handle(t, "gen-1", envelope.TypeGeneratedDocumentCreated, envelope.GeneratedDocumentCreated{MetadataID: "meta-1"})

	assert.Equal(t, []string{
		envelope.TypeCreateGeneratedDocument,
		envelope.TypeGenerateDocumentOutline,
	}, f.publisher.types())
	assert.Empty(t, f.state(t, "gen-1").Outbox)
}

func TestOrchestrator_SweepDeadlines(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.startGeneration(t, "gen-1")

	n, err := f.orch.SweepDeadlines(ctx, t0.Add(30*time.Minute))
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = f.orch.SweepDeadlines(ctx, t0.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	inst := f.state(t, "gen-1")
	assert.Equal(t, saga.StateFailed, inst.State)
	assert.Equal(t, "timed out in state InProgress", inst.FailureReason)
	assert.Nil(t, inst.Deadline)
	assert.Len(t, f.publisher.ofType(envelope.TypeWorkflowFailed), 1)

	n, err = f.orch.SweepDeadlines(ctx, t0.Add(3*time.Hour))
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestOrchestrator_StaleDeadlineIsDropped(t *testing.T) {
	f := newFixture(t, nil)
	f.startGeneration(t, "gen-1")

	f.clock.Set(t0.Add(10 * time.Minute))
	f.handle(t, "gen-1", envelope.TypeGeneratedDocumentCreated, envelope.GeneratedDocumentCreated{MetadataID: "meta-1"})
	inst := f.state(t, "gen-1")
	require.NotNil(t, inst.Deadline)
	assert.Equal(t, t0.Add(70*time.Minute), *inst.Deadline)

	f.handle(t, "gen-1", envelope.TypeDeadlineExpired, envelope.DeadlineExpired{Deadline: t0.Add(time.Hour)})

	assert.Equal(t, saga.StateInProgress, f.state(t, "gen-1").State)
	assert.Equal(t, []DropReason{DropStale}, f.observer.dropReasons())
}

func TestOrchestrator_Spans(t *testing.T) {
	f := newFixture(t, nil)
	f.startGeneration(t, "gen-1")
	f.handle(t, "gen-1", envelope.TypeGeneratedDocumentCreated, envelope.GeneratedDocumentCreated{MetadataID: "meta-1"})

	spans := f.spans.Ended()
	require.Len(t, spans, 2)
	assert.Equal(t, "saga.Start", spans[0].Name())
	assert.Equal(t, "saga.Handle", spans[1].Name())

	attrs := attribute.NewSet(spans[1].Attributes()...)
	v, ok := attrs.Value("saga.correlation_id")
	require.True(t, ok)
	assert.Equal(t, "gen-1", v.AsString())
	v, ok = attrs.Value("saga.family")
	require.True(t, ok)
	assert.Equal(t, "generation", v.AsString())
	v, ok = attrs.Value("saga.to")
	require.True(t, ok)
	assert.Equal(t, string(saga.StateInProgress), v.AsString())
}

func TestOrchestrator_ListAndStats(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.startGeneration(t, "gen-1")
	f.startGeneration(t, "gen-2")
	_, err := f.orch.Cancel(ctx, "gen-2", "no longer needed")
	require.NoError(t, err)

	running, err := f.orch.List(ctx, storage.Filter{States: saga.NonTerminalStates()})
	require.NoError(t, err)
	require.Len(t, running, 1)
	assert.Equal(t, "gen-1", running[0].CorrelationID)

	counts, err := f.orch.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[saga.FamilyGeneration][saga.StateInProgress])
	assert.Equal(t, 1, counts[saga.FamilyGeneration][saga.StateFailed])
}

func TestOrchestrator_Run(t *testing.T) {
	f := newFixture(t, nil)
	f.startGeneration(t, "gen-1")
	f.clock.Set(t0.Add(2 * time.Hour))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- f.orch.Run(ctx, RunOptions{SweepInterval: 5 * time.Millisecond, RecoverInterval: 5 * time.Millisecond})
	}()

	require.Eventually(t, func() bool {
		inst, err := f.orch.Get(context.Background(), "gen-1")
		return err == nil && inst.State == saga.StateFailed
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestOrchestrator_Close(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, f.orch.Close())

	_, err := f.orch.Start(context.Background(), envelope.MustNew(envelope.TypeGenerateDocumentRequested, "gen-1",
		envelope.GenerateDocumentRequested{DocumentProcessName: "p", DocumentTitle: "t"}))
	var se *saga.SagaError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, saga.ErrCodeOrchestratorStopped, se.Code)
}

func TestOrchestrator_IngestionCompensation(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, err := f.orch.Start(ctx, envelope.MustNew(envelope.TypeIngestDocumentRequested, "ing-1",
		envelope.IngestDocumentRequested{
			Source:    envelope.SourceSpec{Kind: envelope.SourceDocumentProcess, DocumentProcessName: "contracts"},
			FileName:  "msa.docx",
			SourceRef: "blob://uploads/msa.docx",
		}))
	require.NoError(t, err)

	outcome := func(index int, status, hash, doc string) envelope.IngestionCompleted {
		return envelope.IngestionCompleted{Outcome: envelope.IngestionOutcome{
			Stage:      workflows.DefaultIngestionStages[index],
			StageIndex: index,
			Status:     status,
			FileHash:   hash,
			DocumentID: doc,
		}}
	}
	f.handle(t, "ing-1", envelope.TypeIngestionCompleted, outcome(0, "succeeded", "sha256:1", ""))
	f.handle(t, "ing-1", envelope.TypeIngestionCompleted, outcome(1, "succeeded", "", "doc-1"))
	f.handle(t, "ing-1", envelope.TypeIngestionCompleted, outcome(2, "failed", "", ""))

	inst := f.state(t, "ing-1")
	assert.Equal(t, saga.StateCompensating, inst.State)
	require.Len(t, f.publisher.ofType(envelope.TypeDiscardIngestedDocument), 1)
	assert.Empty(t, f.publisher.ofType(envelope.TypeWorkflowFailed))

	f.handle(t, "ing-1", envelope.TypeIngestionCompensated, envelope.IngestionCompensated{DocumentID: "doc-1"})
	inst = f.state(t, "ing-1")
	assert.Equal(t, saga.StateFailed, inst.State)
	assert.Equal(t, "stage classify failed", inst.FailureReason)
	assert.Len(t, f.publisher.ofType(envelope.TypeWorkflowFailed), 1)

	history, err := f.orch.History(ctx, "ing-1")
	require.NoError(t, err)
	assert.Equal(t, saga.StateCompensating, history[len(history)-1].From)
}
