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
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/innovationmech/docflow/pkg/saga"
	"github.com/innovationmech/docflow/pkg/saga/coordinator"
	"github.com/innovationmech/docflow/pkg/saga/envelope"
	"github.com/innovationmech/docflow/pkg/saga/storage"
)

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func TestNewCollector(t *testing.T) {
	c, err := NewCollector(nil)
	require.NoError(t, err)
	assert.NotNil(t, c.Registry())

	reg := prometheus.NewRegistry()
	_, err = NewCollector(&MetricsConfig{Registry: reg})
	require.NoError(t, err)
	_, err = NewCollector(&MetricsConfig{Registry: reg})
	assert.Error(t, err, "duplicate registration")
}

func TestCollector_Observer(t *testing.T) {
	c, err := NewCollector(nil)
	require.NoError(t, err)
	ctx := context.Background()

	c.OnTransition(ctx, nil, saga.TransitionRecord{Family: saga.FamilyGeneration, From: saga.StateCreated, To: saga.StateInProgress})
	c.OnTransition(ctx, nil, saga.TransitionRecord{Family: saga.FamilyGeneration, From: saga.StateFanningOut, To: saga.StateCompleted})
	c.OnTransition(ctx, nil, saga.TransitionRecord{Family: saga.FamilyIngestion, From: saga.StateCompensating, To: saga.StateFailed})

	assert.Equal(t, 1.0, testutil.ToFloat64(c.transitions.WithLabelValues("generation", "Created", "InProgress")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.finished.WithLabelValues("generation", "Completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.finished.WithLabelValues("ingestion", "Failed")))

	env := envelope.MustNew(envelope.TypeContentNodeGenerated, "gen-1", envelope.ContentNodeGenerated{NodeID: "n1"})
	c.OnDropped(ctx, env, coordinator.DropDuplicate, nil)
	c.OnDropped(ctx, env, coordinator.DropDuplicate, nil)
	assert.Equal(t, 2.0, testutil.ToFloat64(c.dropped.WithLabelValues(envelope.TypeContentNodeGenerated, "duplicate")))

	c.OnConflict(saga.FamilyReview, 1)
	assert.Equal(t, 1.0, testutil.ToFloat64(c.conflicts.WithLabelValues("review")))

	c.OnPublished(env, nil, 3*time.Millisecond)
	c.OnPublished(env, errors.New("down"), time.Millisecond)
	assert.Equal(t, 1.0, testutil.ToFloat64(c.published.WithLabelValues(envelope.TypeContentNodeGenerated, "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.published.WithLabelValues(envelope.TypeContentNodeGenerated, "error")))
	assert.Equal(t, 1, testutil.CollectAndCount(c.publishLatency))
}

func TestCollector_SetCounts(t *testing.T) {
	c, err := NewCollector(nil)
	require.NoError(t, err)

	counts := storage.Counts{}
	counts.Add(saga.FamilyGeneration, saga.StateInProgress, 3)
	counts.Add(saga.FamilyReview, saga.StateCompleting, 1)
	c.SetCounts(counts)
	assert.Equal(t, 3.0, testutil.ToFloat64(c.inFlight.WithLabelValues("generation", "InProgress")))
	assert.Equal(t, 2, testutil.CollectAndCount(c.inFlight))

	c.SetCounts(storage.Counts{})
	assert.Equal(t, 0, testutil.CollectAndCount(c.inFlight))
}

type countingStats struct {
	calls atomic.Int32
}

func (s *countingStats) Stats(context.Context) (storage.Counts, error) {
	s.calls.Add(1)
	counts := storage.Counts{}
	counts.Add(saga.FamilyValidation, saga.StateSequencing, 2)
	return counts, nil
}

func TestCollector_Poll(t *testing.T) {
	c, err := NewCollector(nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	src := &countingStats{}
	done := make(chan struct{})
	go func() {
		c.Poll(ctx, src, time.Millisecond, nil)
		close(done)
	}()

	require.Eventually(t, func() bool { return src.calls.Load() >= 3 }, time.Second, time.Millisecond)
	cancel()
	<-done
	assert.Equal(t, 2.0, testutil.ToFloat64(c.inFlight.WithLabelValues("validation", "Sequencing")))
}

func findFamily(families []*dto.MetricFamily, name string) *dto.MetricFamily {
	for _, mf := range families {
		if mf.GetName() == name {
			return mf
		}
	}
	return nil
}

func TestCollector_Gather(t *testing.T) {
	c, err := NewCollector(&MetricsConfig{Namespace: "test", Subsystem: "saga"})
	require.NoError(t, err)

	c.OnTransition(context.Background(), nil, saga.TransitionRecord{Family: saga.FamilyReview, From: saga.StateCreated, To: saga.StateFanningOut})
	env := envelope.MustNew(envelope.TypeContentNodeGenerated, "gen-1", envelope.ContentNodeGenerated{NodeID: "n1"})
	c.OnPublished(env, nil, 20*time.Millisecond)

	families, err := c.Registry().Gather()
	require.NoError(t, err)

	transitions := findFamily(families, "test_saga_transitions_total")
	require.NotNil(t, transitions)
	assert.Equal(t, dto.MetricType_COUNTER, transitions.GetType())
	require.Len(t, transitions.GetMetric(), 1)
	labels := map[string]string{}
	for _, lp := range transitions.GetMetric()[0].GetLabel() {
		labels[lp.GetName()] = lp.GetValue()
	}
	assert.Equal(t, map[string]string{"family": "review", "from": "Created", "to": "FanningOut"}, labels)

	latency := findFamily(families, "test_saga_publish_duration_seconds")
	require.NotNil(t, latency)
	assert.Equal(t, dto.MetricType_HISTOGRAM, latency.GetType())
	assert.Equal(t, uint64(1), latency.GetMetric()[0].GetHistogram().GetSampleCount())
}
