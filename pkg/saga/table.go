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

package saga

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"time"

	"github.com/innovationmech/docflow/pkg/saga/envelope"
)

// Claimer grants exclusive ownership of deduplication keys.
type Claimer interface {
	// Claim records owner for key unless the key is already owned and
	// returns the owner in effect afterwards.
	Claim(ctx context.Context, key, owner string) (string, error)
	// Release drops key if it is still owned by owner.
	Release(ctx context.Context, key, owner string) error
}

// Emission is a message decided by a transition.
type Emission struct {
	Type    string
	Payload any
}

// TransitionContext is handed to a Handler. Handlers mutate Instance, which
// is a private working copy, and describe side effects through Emit. Nothing
// leaves the orchestrator until the resulting snapshot is persisted.
type TransitionContext struct {
	Instance *Instance
	Event    envelope.Envelope
	Now      time.Time
	Claims   Claimer

	emitted []Emission
	summary string
}

// NewTransitionContext prepares the context for applying event to inst.
func NewTransitionContext(inst *Instance, event envelope.Envelope, now time.Time, claims Claimer) *TransitionContext {
	return &TransitionContext{Instance: inst, Event: event, Now: now, Claims: claims}
}

// Emit queues a command for publication after the transition commits.
func (tc *TransitionContext) Emit(msgType string, payload any) {
	tc.emitted = append(tc.emitted, Emission{Type: msgType, Payload: payload})
}

// Emitted returns the queued emissions in order.
func (tc *TransitionContext) Emitted() []Emission { return tc.emitted }

// Summary returns the completion summary set by Complete.
func (tc *TransitionContext) Summary() string { return tc.summary }

// SetPhase records the family specific sub-step.
func (tc *TransitionContext) SetPhase(phase string) { tc.Instance.Phase = phase }

// Complete returns StateCompleted after recording summary.
func (tc *TransitionContext) Complete(summary string) State {
	tc.summary = summary
	tc.Instance.Phase = ""
	return StateCompleted
}

// Fail returns StateFailed after recording reason.
func (tc *TransitionContext) Fail(reason string) State {
	tc.setReason(reason)
	tc.Instance.Phase = ""
	return StateFailed
}

// Compensate returns StateCompensating after recording reason.
func (tc *TransitionContext) Compensate(reason string) State {
	tc.setReason(reason)
	tc.Instance.Phase = "compensating"
	return StateCompensating
}

func (tc *TransitionContext) setReason(reason string) {
	if reason == "" {
		reason = "unspecified failure"
	}
	if tc.Instance.FailureReason == "" {
		tc.Instance.FailureReason = reason
	}
}

// Decode decodes the event payload, reporting malformed payloads as
// protocol violations.
func Decode[T any](tc *TransitionContext) (T, error) {
	var v T
	if err := tc.Event.Decode(&v); err != nil {
		return v, WrapProtocolViolation(err, "malformed "+tc.Event.Type)
	}
	return v, nil
}

// Handler applies one event to the working copy and returns the target state.
type Handler func(ctx context.Context, tc *TransitionContext) (State, error)

// Edge is one legal (state, event) pair of a family.
type Edge struct {
	From    State
	Event   string
	Targets []State
	Handle  Handler
}

// Allows reports whether target is a declared target of the edge.
func (e *Edge) Allows(target State) bool {
	return slices.Contains(e.Targets, target)
}

type edgeKey struct {
	from  State
	event string
}

// Table is the explicit transition table of one family.
type Table struct {
	family  Family
	trigger string
	edges   map[edgeKey]*Edge
	order   []edgeKey

	abort        Handler
	abortTargets []State
	built        bool
}

// NewTable starts a table for family created by trigger.
func NewTable(family Family, trigger string) *Table {
	return &Table{
		family:       family,
		trigger:      trigger,
		edges:        make(map[edgeKey]*Edge),
		abort:        DefaultAbort,
		abortTargets: []State{StateFailed},
	}
}

// OnStart registers the edge applying the trigger to a Created instance.
func (t *Table) OnStart(h Handler, targets ...State) *Table {
	return t.On(StateCreated, t.trigger, h, targets...)
}

// On registers the edge (from, event). Registering an edge twice replaces it.
func (t *Table) On(from State, event string, h Handler, targets ...State) *Table {
	k := edgeKey{from, event}
	if _, ok := t.edges[k]; !ok {
		t.order = append(t.order, k)
	}
	t.edges[k] = &Edge{From: from, Event: event, Targets: targets, Handle: h}
	return t
}

// OnAbort overrides how cancel and timeout events are handled. The default
// moves the instance to Failed.
func (t *Table) OnAbort(h Handler, targets ...State) *Table {
	t.abort = h
	t.abortTargets = targets
	return t
}

// Build validates the table and registers the control edges for cancel and
// timeout in every non-terminal state that does not define its own.
func (t *Table) Build() (*Table, error) {
	if t.built {
		return t, nil
	}
	if !t.family.Valid() {
		return nil, NewConfigurationError(fmt.Sprintf("unknown family %q", t.family))
	}
	if _, ok := t.edges[edgeKey{StateCreated, t.trigger}]; !ok {
		return nil, NewConfigurationError(fmt.Sprintf("%s: no start edge for %s", t.family, t.trigger))
	}
	for _, k := range t.order {
		e := t.edges[k]
		if e.Handle == nil {
			return nil, NewConfigurationError(fmt.Sprintf("%s: edge %s/%s has no handler", t.family, e.From, e.Event))
		}
		if e.From.IsTerminal() {
			return nil, NewConfigurationError(fmt.Sprintf("%s: edge %s/%s leaves a terminal state", t.family, e.From, e.Event))
		}
		if len(e.Targets) == 0 {
			return nil, NewConfigurationError(fmt.Sprintf("%s: edge %s/%s has no targets", t.family, e.From, e.Event))
		}
		for _, s := range e.Targets {
			if !s.Valid() || s == StateCreated {
				return nil, NewConfigurationError(fmt.Sprintf("%s: edge %s/%s targets %q", t.family, e.From, e.Event, s))
			}
		}
	}
	for _, s := range NonTerminalStates() {
		if s == StateCreated {
			continue
		}
		for _, ev := range []string{envelope.TypeCancelRequested, envelope.TypeDeadlineExpired} {
			if _, ok := t.edges[edgeKey{s, ev}]; !ok {
				t.On(s, ev, t.abort, t.abortTargets...)
			}
		}
	}
	t.built = true
	return t, nil
}

// MustBuild is Build for statically defined tables.
func (t *Table) MustBuild() *Table {
	built, err := t.Build()
	if err != nil {
		panic(err)
	}
	return built
}

// Family returns the family the table belongs to.
func (t *Table) Family() Family { return t.family }

// Trigger returns the message type creating an instance.
func (t *Table) Trigger() string { return t.trigger }

// Lookup returns the edge for event in state from.
func (t *Table) Lookup(from State, event string) (*Edge, bool) {
	e, ok := t.edges[edgeKey{from, event}]
	return e, ok
}

// Events returns every inbound message type the table handles, sorted.
func (t *Table) Events() []string {
	seen := make(map[string]struct{})
	for k := range t.edges {
		seen[k.event] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for ev := range seen {
		out = append(out, ev)
	}
	sort.Strings(out)
	return out
}

// Edges returns the registered edges in registration order.
func (t *Table) Edges() []Edge {
	out := make([]Edge, 0, len(t.order))
	for _, k := range t.order {
		out = append(out, *t.edges[k])
	}
	return out
}

// DefaultAbort fails the instance with the cancel or timeout reason.
func DefaultAbort(_ context.Context, tc *TransitionContext) (State, error) {
	return tc.Fail(AbortReason(tc)), nil
}

// AbortReason describes why a cancel or timeout event stops the instance.
func AbortReason(tc *TransitionContext) string {
	switch tc.Event.Type {
	case envelope.TypeCancelRequested:
		var p envelope.CancelRequested
		if err := tc.Event.Decode(&p); err == nil {
			return "cancelled: " + p.Reason
		}
		return "cancelled"
	case envelope.TypeDeadlineExpired:
		return fmt.Sprintf("timed out in state %s", tc.Instance.State)
	default:
		return "aborted by " + tc.Event.Type
	}
}
