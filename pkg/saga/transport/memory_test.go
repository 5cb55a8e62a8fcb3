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

package transport

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/innovationmech/docflow/pkg/saga"
	"github.com/innovationmech/docflow/pkg/saga/coordinator"
	"github.com/innovationmech/docflow/pkg/saga/envelope"
	"github.com/innovationmech/docflow/pkg/saga/storage"
	"github.com/innovationmech/docflow/pkg/saga/workflows"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.RedeliveryDelay = time.Millisecond
	return cfg
}

// collector records envelopes handed to it.
type collector struct {
	mu   sync.Mutex
	envs []envelope.Envelope
}

func (c *collector) handle(_ context.Context, env envelope.Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.envs = append(c.envs, env)
	return nil
}

func (c *collector) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.envs)
}

func TestConfig_Validate(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	cfg.Kind = "carrier-pigeon"
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.Kind = KindNATS
	assert.Error(t, cfg.Validate(), "nats needs urls")
	cfg.URLs = []string{"nats://localhost:4222"}
	assert.NoError(t, cfg.Validate())
}

func TestNew_Memory(t *testing.T) {
	tr, err := New(context.Background(), Config{Kind: KindMemory}, zap.NewNop())
	require.NoError(t, err)
	assert.IsType(t, &MemoryBus{}, tr)
	require.NoError(t, tr.Close())

	_, err = New(context.Background(), Config{Kind: "smoke"}, zap.NewNop())
	assert.Error(t, err)
}

func TestTopicsFor(t *testing.T) {
	assert.Equal(t, []string{
		"docflow.command.GenerateContentNode",
		"docflow.event.ContentNodeGenerated",
		"docflow.control.CancelRequested",
	}, TopicsFor("docflow", []string{
		envelope.TypeGenerateContentNode,
		envelope.TypeContentNodeGenerated,
		envelope.TypeCancelRequested,
	}))
}

func TestMemoryBus_RoutesByType(t *testing.T) {
	bus := NewMemoryBus(testConfig(), zap.NewNop())
	defer bus.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events, commands := &collector{}, &collector{}
	require.NoError(t, bus.Subscribe(ctx, []string{envelope.TypeContentNodeGenerated}, events.handle))
	require.NoError(t, bus.Subscribe(ctx, []string{envelope.TypeGenerateContentNode}, commands.handle))

	require.NoError(t, bus.Publish(ctx, envelope.MustNew(envelope.TypeContentNodeGenerated, "saga-1",
		envelope.ContentNodeGenerated{NodeID: "n1"})))
	require.NoError(t, bus.Publish(ctx, envelope.MustNew(envelope.TypeContentNodeGenerated, "saga-1",
		envelope.ContentNodeGenerated{NodeID: "n2"})))
	require.NoError(t, bus.Publish(ctx, envelope.MustNew(envelope.TypeGenerateContentNode, "saga-1",
		envelope.GenerateContentNode{MetadataID: "m"})))

	require.Eventually(t, func() bool { return events.len() == 2 && commands.len() == 1 },
		time.Second, 5*time.Millisecond)

	events.mu.Lock()
	defer events.mu.Unlock()
	var first envelope.ContentNodeGenerated
	require.NoError(t, events.envs[0].Decode(&first))
	assert.Equal(t, "n1", first.NodeID)
}

func TestMemoryBus_RedeliversRetryableErrors(t *testing.T) {
	bus := NewMemoryBus(testConfig(), zap.NewNop())
	defer bus.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var calls atomic.Int32
	require.NoError(t, bus.Subscribe(ctx, []string{envelope.TypeContentNodeGenerated}, func(context.Context, envelope.Envelope) error {
		if calls.Add(1) < 5 {
			return saga.NewRetryExhaustedError("handle", 3, errors.New("conflict"))
		}
		return nil
	}))

	require.NoError(t, bus.Publish(ctx, envelope.MustNew(envelope.TypeContentNodeGenerated, "saga-1",
		envelope.ContentNodeGenerated{NodeID: "n1"})))
	require.Eventually(t, func() bool { return calls.Load() == 5 }, time.Second, time.Millisecond)
}

func TestMemoryBus_DiscardsPermanentErrors(t *testing.T) {
	bus := NewMemoryBus(testConfig(), zap.NewNop())
	defer bus.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var calls atomic.Int32
	require.NoError(t, bus.Subscribe(ctx, []string{envelope.TypeContentNodeGenerated}, func(_ context.Context, env envelope.Envelope) error {
		calls.Add(1)
		if env.CorrelationID == "bad" {
			return saga.NewSagaNotFoundError("bad")
		}
		return nil
	}))

	require.NoError(t, bus.Publish(ctx, envelope.MustNew(envelope.TypeContentNodeGenerated, "bad",
		envelope.ContentNodeGenerated{NodeID: "n1"})))
	require.NoError(t, bus.Publish(ctx, envelope.MustNew(envelope.TypeContentNodeGenerated, "good",
		envelope.ContentNodeGenerated{NodeID: "n1"})))

	require.Eventually(t, func() bool { return calls.Load() == 2 }, time.Second, time.Millisecond)
}

func TestMemoryBus_RejectsInvalidEnvelope(t *testing.T) {
	bus := NewMemoryBus(testConfig(), zap.NewNop())
	defer bus.Close()

	env := envelope.MustNew(envelope.TypeContentNodeGenerated, "saga-1", envelope.ContentNodeGenerated{NodeID: "n1"})
	env.IdempotencyKey = ""
	assert.Error(t, bus.Publish(context.Background(), env))
}

func TestMemoryBus_Close(t *testing.T) {
	bus := NewMemoryBus(testConfig(), zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, bus.Subscribe(ctx, []string{envelope.TypeContentNodeGenerated}, (&collector{}).handle))

	require.NoError(t, bus.Close())
	require.NoError(t, bus.Close())

	env := envelope.MustNew(envelope.TypeContentNodeGenerated, "saga-1", envelope.ContentNodeGenerated{NodeID: "n1"})
	assert.ErrorIs(t, bus.Publish(ctx, env), ErrTransportClosed)
	assert.ErrorIs(t, bus.Subscribe(ctx, []string{envelope.TypeContentNodeGenerated}, (&collector{}).handle), ErrTransportClosed)
}

// generationExecutor answers generation commands the way real executors would.
func generationExecutor(bus Transport, nodes ...string) Handler {
	return func(ctx context.Context, cmd envelope.Envelope) error {
		reply := func(msgType string, payload any) error {
			env := envelope.MustNew(msgType, cmd.CorrelationID, payload).WithCausation(cmd.ID)
			return bus.Publish(ctx, env)
		}
		switch cmd.Type {
		case envelope.TypeCreateGeneratedDocument:
			return reply(envelope.TypeGeneratedDocumentCreated, envelope.GeneratedDocumentCreated{MetadataID: "meta-1"})
		case envelope.TypeGenerateDocumentOutline:
			specs := make([]envelope.NodeSpec, len(nodes))
			for i, n := range nodes {
				specs[i] = envelope.NodeSpec{NodeID: n, Order: i}
			}
			return reply(envelope.TypeDocumentOutlineGenerated, envelope.DocumentOutlineGenerated{Nodes: specs})
		case envelope.TypeGenerateContentNode:
			var p envelope.GenerateContentNode
			if err := cmd.Decode(&p); err != nil {
				return err
			}
			return reply(envelope.TypeContentNodeGenerated, envelope.ContentNodeGenerated{NodeID: p.Node.NodeID})
		}
		return nil
	}
}

func TestMemoryBus_GenerationRoundTrip(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := NewMemoryBus(testConfig(), zap.NewNop())
	defer bus.Close()

	orch, err := coordinator.NewOrchestrator(&coordinator.OrchestratorConfig{
		Store:     storage.NewMemoryStore(),
		Publisher: bus,
		Tables:    workflows.Tables(workflows.DefaultOptions()),
		Logger:    zap.NewNop(),
	})
	require.NoError(t, err)

	dispatcher, err := coordinator.NewDispatcher(4, 16, orch.Handle)
	require.NoError(t, err)
	defer dispatcher.Close()

	require.NoError(t, bus.Subscribe(ctx, orch.Subscriptions(), dispatcher.Dispatch))
	require.NoError(t, bus.Subscribe(ctx, []string{
		envelope.TypeCreateGeneratedDocument,
		envelope.TypeGenerateDocumentOutline,
		envelope.TypeGenerateContentNode,
	}, generationExecutor(bus, "intro", "terms", "signatures")))

	done := &collector{}
	require.NoError(t, bus.Subscribe(ctx, []string{envelope.TypeWorkflowCompleted}, done.handle))

	require.NoError(t, bus.Publish(ctx, envelope.MustNew(envelope.TypeGenerateDocumentRequested, "gen-42",
		envelope.GenerateDocumentRequested{DocumentProcessName: "contracts", DocumentTitle: "MSA"})))

	require.Eventually(t, func() bool { return done.len() == 1 }, 2*time.Second, 5*time.Millisecond)

	inst, err := orch.Get(ctx, "gen-42")
	require.NoError(t, err)
	assert.Equal(t, saga.StateCompleted, inst.State)
	assert.Equal(t, 3, inst.Data.(*saga.GenerationData).Generated())
}
