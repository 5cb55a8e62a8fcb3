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
	"time"

	"github.com/innovationmech/docflow/pkg/saga"
	"github.com/innovationmech/docflow/pkg/saga/envelope"
)

// Publisher sends outbound commands and terminal notifications.
type Publisher interface {
	Publish(ctx context.Context, env envelope.Envelope) error
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ctx context.Context, env envelope.Envelope) error

// Publish calls f.
func (f PublisherFunc) Publish(ctx context.Context, env envelope.Envelope) error {
	return f(ctx, env)
}

// DropReason classifies an inbound envelope that changed nothing.
type DropReason string

const (
	DropDuplicate         DropReason = "duplicate"
	DropProtocolViolation DropReason = "protocol_violation"
	DropStale             DropReason = "stale"
)

// Observer receives notifications about the orchestrator's work. Calls
// happen on the handling goroutine after the store committed, so
// implementations must not block.
type Observer interface {
	// OnTransition is called for every committed transition.
	OnTransition(ctx context.Context, inst *saga.Instance, rec saga.TransitionRecord)

	// OnDropped is called for envelopes that were not applied.
	OnDropped(ctx context.Context, env envelope.Envelope, reason DropReason, err error)

	// OnConflict is called before a transition is retried after a stale save.
	OnConflict(family saga.Family, attempt int)

	// OnPublished is called after an outbound message was handed to the transport.
	OnPublished(env envelope.Envelope, err error, elapsed time.Duration)
}

// NopObserver implements Observer with no-ops. Embed it to implement a
// subset of the callbacks.
type NopObserver struct{}

func (NopObserver) OnTransition(context.Context, *saga.Instance, saga.TransitionRecord) {}

func (NopObserver) OnDropped(context.Context, envelope.Envelope, DropReason, error) {}

func (NopObserver) OnConflict(saga.Family, int) {}

func (NopObserver) OnPublished(envelope.Envelope, error, time.Duration) {}

type observers []Observer

func (os observers) transition(ctx context.Context, inst *saga.Instance, rec saga.TransitionRecord) {
	for _, o := range os {
		o.OnTransition(ctx, inst, rec)
	}
}

func (os observers) dropped(ctx context.Context, env envelope.Envelope, reason DropReason, err error) {
	for _, o := range os {
		o.OnDropped(ctx, env, reason, err)
	}
}

func (os observers) conflict(family saga.Family, attempt int) {
	for _, o := range os {
		o.OnConflict(family, attempt)
	}
}

func (os observers) published(env envelope.Envelope, err error, elapsed time.Duration) {
	for _, o := range os {
		o.OnPublished(env, err, elapsed)
	}
}
