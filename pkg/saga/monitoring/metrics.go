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

// Package monitoring exposes the orchestrator to operators: Prometheus
// metrics fed by orchestrator observer callbacks, and a gin admin API for
// starting, inspecting and cancelling sagas.
package monitoring

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/innovationmech/docflow/pkg/saga"
	"github.com/innovationmech/docflow/pkg/saga/coordinator"
	"github.com/innovationmech/docflow/pkg/saga/envelope"
	"github.com/innovationmech/docflow/pkg/saga/storage"
)

// MetricsConfig contains configuration options for Collector.
type MetricsConfig struct {
	// Namespace for Prometheus metrics (default: "docflow")
	Namespace string

	// Subsystem for Prometheus metrics (default: "saga")
	Subsystem string

	// Registry for Prometheus metrics. If nil, a new registry is created.
	Registry *prometheus.Registry

	// LatencyBuckets for the publish histogram, in seconds.
	LatencyBuckets []float64
}

// DefaultMetricsConfig returns the default collector configuration.
func DefaultMetricsConfig() *MetricsConfig {
	return &MetricsConfig{
		Namespace:      "docflow",
		Subsystem:      "saga",
		LatencyBuckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 5.0},
	}
}

// Collector records orchestrator activity as Prometheus metrics. It
// implements coordinator.Observer.
type Collector struct {
	registry *prometheus.Registry

	transitions    *prometheus.CounterVec
	finished       *prometheus.CounterVec
	dropped        *prometheus.CounterVec
	conflicts      *prometheus.CounterVec
	published      *prometheus.CounterVec
	publishLatency *prometheus.HistogramVec
	inFlight       *prometheus.GaugeVec
}

var _ coordinator.Observer = (*Collector)(nil)

// NewCollector creates the metrics and registers them with config.Registry.
func NewCollector(config *MetricsConfig) (*Collector, error) {
	if config == nil {
		config = DefaultMetricsConfig()
	}
	def := DefaultMetricsConfig()
	if config.Namespace == "" {
		config.Namespace = def.Namespace
	}
	if config.Subsystem == "" {
		config.Subsystem = def.Subsystem
	}
	if config.LatencyBuckets == nil {
		config.LatencyBuckets = def.LatencyBuckets
	}
	if config.Registry == nil {
		config.Registry = prometheus.NewRegistry()
	}

	ns, sub := config.Namespace, config.Subsystem
	c := &Collector{
		registry: config.Registry,
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub,
			Name: "transitions_total",
			Help: "Committed saga transitions",
		}, []string{"family", "from", "to"}),
		finished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub,
			Name: "finished_total",
			Help: "Sagas that reached a terminal state",
		}, []string{"family", "state"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub,
			Name: "dropped_messages_total",
			Help: "Inbound messages that changed nothing",
		}, []string{"type", "reason"}),
		conflicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub,
			Name: "concurrency_conflicts_total",
			Help: "Transitions retried after a stale save",
		}, []string{"family"}),
		published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub,
			Name: "published_messages_total",
			Help: "Outbound messages handed to the transport",
		}, []string{"type", "result"}),
		publishLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: ns, Subsystem: sub,
			Name:    "publish_duration_seconds",
			Help:    "Time spent publishing one outbound message",
			Buckets: config.LatencyBuckets,
		}, []string{"type"}),
		inFlight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: ns, Subsystem: sub,
			Name: "instances",
			Help: "Stored saga instances by family and state",
		}, []string{"family", "state"}),
	}

	for _, m := range []prometheus.Collector{
		c.transitions, c.finished, c.dropped, c.conflicts,
		c.published, c.publishLatency, c.inFlight,
	} {
		if err := c.registry.Register(m); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Registry returns the registry the metrics live in.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		ErrorHandling:     promhttp.ContinueOnError,
	})
}

func (c *Collector) OnTransition(_ context.Context, _ *saga.Instance, rec saga.TransitionRecord) {
	c.transitions.WithLabelValues(string(rec.Family), string(rec.From), string(rec.To)).Inc()
	if rec.To.IsTerminal() && !rec.From.IsTerminal() {
		c.finished.WithLabelValues(string(rec.Family), string(rec.To)).Inc()
	}
}

func (c *Collector) OnDropped(_ context.Context, env envelope.Envelope, reason coordinator.DropReason, _ error) {
	c.dropped.WithLabelValues(env.Type, string(reason)).Inc()
}

func (c *Collector) OnConflict(family saga.Family, _ int) {
	c.conflicts.WithLabelValues(string(family)).Inc()
}

func (c *Collector) OnPublished(env envelope.Envelope, err error, elapsed time.Duration) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	c.published.WithLabelValues(env.Type, result).Inc()
	c.publishLatency.WithLabelValues(env.Type).Observe(elapsed.Seconds())
}

// SetCounts replaces the instance gauge with counts.
func (c *Collector) SetCounts(counts storage.Counts) {
	c.inFlight.Reset()
	for family, states := range counts {
		for state, n := range states {
			c.inFlight.WithLabelValues(string(family), string(state)).Set(float64(n))
		}
	}
}

// StatsSource returns per family and state instance counts.
type StatsSource interface {
	Stats(ctx context.Context) (storage.Counts, error)
}

// Poll refreshes the instance gauge from src every interval until ctx is done.
func (c *Collector) Poll(ctx context.Context, src StatsSource, interval time.Duration, log *zap.Logger) {
	if log == nil {
		log = zap.NewNop()
	}
	refresh := func() {
		counts, err := src.Stats(ctx)
		if err != nil {
			if ctx.Err() == nil {
				log.Warn("failed to refresh saga counts", zap.Error(err))
			}
			return
		}
		c.SetCounts(counts)
	}

	refresh()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			refresh()
		}
	}
}
