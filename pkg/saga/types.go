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

// Package saga holds the core model of the document workflow orchestrator:
// workflow families, states, instances with their optimistic version, the
// transition tables that drive them and the typed errors they report.
package saga

import (
	"encoding/json"
	"fmt"
	"slices"
	"time"

	"github.com/innovationmech/docflow/pkg/saga/envelope"
)

// Family identifies one workflow family.
type Family string

const (
	FamilyGeneration Family = "generation"
	FamilyIngestion  Family = "ingestion"
	FamilyReview     Family = "review"
	FamilyValidation Family = "validation"
)

// Families lists every known family in a stable order.
var Families = []Family{FamilyGeneration, FamilyIngestion, FamilyReview, FamilyValidation}

// Valid reports whether f is a known family.
func (f Family) Valid() bool {
	return slices.Contains(Families, f)
}

// State is the symbolic state of a saga instance, shared by every family.
type State string

const (
	// StateCreated is the state of an instance that has not applied its trigger yet.
	StateCreated State = "Created"

	// StateInProgress covers the sequential setup work before a parallel or
	// pipelined phase.
	StateInProgress State = "InProgress"

	// StateFanningOut waits for the sub-units of a parallel phase.
	StateFanningOut State = "FanningOut"

	// StateSequencing drives an ordered pipeline one step at a time.
	StateSequencing State = "Sequencing"

	// StateCompleting waits for the last gate before completion.
	StateCompleting State = "Completing"

	// StateCompleted is terminal.
	StateCompleted State = "Completed"

	// StateFailed is terminal and always carries a failure reason.
	StateFailed State = "Failed"

	// StateCompensating runs rollback actions before the instance fails.
	StateCompensating State = "Compensating"
)

// States lists every state.
var States = []State{
	StateCreated, StateInProgress, StateFanningOut, StateSequencing,
	StateCompleting, StateCompleted, StateFailed, StateCompensating,
}

// String returns the state name.
func (s State) String() string { return string(s) }

// Valid reports whether s is a known state.
func (s State) Valid() bool { return slices.Contains(States, s) }

// IsTerminal returns true for Completed and Failed.
func (s State) IsTerminal() bool {
	return s == StateCompleted || s == StateFailed
}

// NonTerminalStates lists every state an instance can still leave.
func NonTerminalStates() []State {
	out := make([]State, 0, len(States))
	for _, s := range States {
		if !s.IsTerminal() {
			out = append(out, s)
		}
	}
	return out
}

// DefaultAppliedKeyWindow bounds the idempotency keys kept per instance.
const DefaultAppliedKeyWindow = 256

// Instance is the persisted snapshot of one saga.
type Instance struct {
	CorrelationID string `json:"correlationId"`
	Family        Family `json:"family"`
	State         State  `json:"state"`

	// Phase names a family specific sub-step within State.
	Phase string `json:"phase,omitempty"`

	// Version is the optimistic concurrency token. Create stores 1 and every
	// successful Save increments it.
	Version int64 `json:"version"`

	FailureReason string     `json:"failureReason,omitempty"`
	Deadline      *time.Time `json:"deadline,omitempty"`

	// AppliedKeys holds the idempotency keys of the most recently applied
	// events, oldest first.
	AppliedKeys []string `json:"appliedKeys,omitempty"`

	// Outbox holds messages decided by committed transitions that have not
	// been acknowledged as published yet.
	Outbox []envelope.Envelope `json:"outbox,omitempty"`

	Data Data `json:"-"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// NewInstance returns a Created instance of family carrying data.
func NewInstance(correlationID string, family Family, data Data, now time.Time) *Instance {
	return &Instance{
		CorrelationID: correlationID,
		Family:        family,
		State:         StateCreated,
		Data:          data,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// HasApplied reports whether the event with idempotency key was already applied.
func (i *Instance) HasApplied(key string) bool {
	return key != "" && slices.Contains(i.AppliedKeys, key)
}

// MarkApplied records key, evicting the oldest keys beyond window.
func (i *Instance) MarkApplied(key string, window int) {
	if key == "" || i.HasApplied(key) {
		return
	}
	if window <= 0 {
		window = DefaultAppliedKeyWindow
	}
	i.AppliedKeys = append(i.AppliedKeys, key)
	if over := len(i.AppliedKeys) - window; over > 0 {
		i.AppliedKeys = slices.Clone(i.AppliedKeys[over:])
	}
}

// Clone returns a deep copy of the instance.
func (i *Instance) Clone() *Instance {
	if i == nil {
		return nil
	}
	c := *i
	c.AppliedKeys = slices.Clone(i.AppliedKeys)
	c.Outbox = slices.Clone(i.Outbox)
	if i.Deadline != nil {
		d := *i.Deadline
		c.Deadline = &d
	}
	if i.Data != nil {
		c.Data = i.Data.Clone()
	}
	return &c
}

// MarshalJSON encodes the instance together with its family data.
func (i Instance) MarshalJSON() ([]byte, error) {
	type plain Instance
	var data json.RawMessage
	if i.Data != nil {
		raw, err := json.Marshal(i.Data)
		if err != nil {
			return nil, fmt.Errorf("marshal %s data: %w", i.Family, err)
		}
		data = raw
	}
	return json.Marshal(struct {
		plain
		Data json.RawMessage `json:"data,omitempty"`
	}{plain(i), data})
}

// UnmarshalJSON decodes an instance, choosing the data type from its family.
func (i *Instance) UnmarshalJSON(b []byte) error {
	type plain Instance
	var doc struct {
		plain
		Data json.RawMessage `json:"data,omitempty"`
	}
	if err := json.Unmarshal(b, &doc); err != nil {
		return err
	}
	*i = Instance(doc.plain)
	if len(doc.Data) == 0 || string(doc.Data) == "null" {
		return nil
	}
	data, err := NewData(i.Family)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(doc.Data, data); err != nil {
		return fmt.Errorf("unmarshal %s data: %w", i.Family, err)
	}
	i.Data = data
	return nil
}

// TransitionRecord is one entry of the append-only transition log.
type TransitionRecord struct {
	CorrelationID  string    `json:"correlationId"`
	Family         Family    `json:"family"`
	From           State     `json:"from"`
	To             State     `json:"to"`
	Phase          string    `json:"phase,omitempty"`
	EventType      string    `json:"eventType"`
	EventID        string    `json:"eventId,omitempty"`
	IdempotencyKey string    `json:"idempotencyKey,omitempty"`
	Reason         string    `json:"reason,omitempty"`
	Version        int64     `json:"version"`
	At             time.Time `json:"at"`
}
