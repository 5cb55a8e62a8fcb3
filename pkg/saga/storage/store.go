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

// Package storage persists saga snapshots keyed by correlation id.
//
// Every backend implements the same contract: Create inserts a new instance
// or fails with ErrAlreadyExists, Load returns the snapshot with its version
// token, and Save is an atomic check-and-set on that token that fails with
// ErrConcurrencyConflict instead of overwriting a newer snapshot. Transition
// records passed to Create and Save are appended to the instance history in
// the same atomic step.
package storage

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/innovationmech/docflow/pkg/saga"
)

var (
	// ErrNotFound indicates that no instance exists for the correlation id.
	ErrNotFound = errors.New("saga instance not found")

	// ErrAlreadyExists indicates that Create found an existing instance.
	ErrAlreadyExists = errors.New("saga instance already exists")

	// ErrConcurrencyConflict indicates that Save was called with a stale version.
	ErrConcurrencyConflict = errors.New("saga instance was modified concurrently")

	// ErrStorageClosed indicates the store has been closed.
	ErrStorageClosed = errors.New("storage is closed")

	// ErrInvalidInstance indicates a nil instance or a missing identity.
	ErrInvalidInstance = errors.New("invalid saga instance")
)

// Filter selects instances for List. Zero fields do not filter.
type Filter struct {
	Family saga.Family
	States []saga.State

	// DeadlineBefore keeps instances whose deadline is set and earlier.
	DeadlineBefore *time.Time

	// HasOutbox keeps instances with unacknowledged outbound messages.
	HasOutbox bool

	Limit int
}

// Counts holds the number of instances per family and state.
type Counts map[saga.Family]map[saga.State]int

// Add increments the count of (family, state) by n.
func (c Counts) Add(f saga.Family, s saga.State, n int) {
	if c[f] == nil {
		c[f] = make(map[saga.State]int)
	}
	c[f][s] += n
}

// Store is the saga state store. Only the orchestrator calls Save.
type Store interface {
	saga.Claimer

	// Create inserts inst with version 1.
	Create(ctx context.Context, inst *saga.Instance, log ...saga.TransitionRecord) error

	// Load returns the snapshot of correlationID.
	Load(ctx context.Context, correlationID string) (*saga.Instance, error)

	// Save replaces the snapshot if its stored version equals expected and
	// sets inst.Version to expected+1.
	Save(ctx context.Context, inst *saga.Instance, expected int64, log ...saga.TransitionRecord) error

	// List returns the instances matching filter ordered by creation time.
	List(ctx context.Context, filter Filter) ([]*saga.Instance, error)

	// Counts returns the number of instances per family and state.
	Counts(ctx context.Context) (Counts, error)

	// History returns the transition log of correlationID, oldest first.
	History(ctx context.Context, correlationID string) ([]saga.TransitionRecord, error)

	// Ping checks that the backend is reachable.
	Ping(ctx context.Context) error

	// Close releases the backend.
	Close() error
}

func checkInstance(inst *saga.Instance) error {
	if inst == nil || inst.CorrelationID == "" {
		return ErrInvalidInstance
	}
	if !inst.Family.Valid() {
		return ErrInvalidInstance
	}
	return nil
}

// stampRecords fills identity and version of log records.
func stampRecords(inst *saga.Instance, version int64, log []saga.TransitionRecord) []saga.TransitionRecord {
	out := make([]saga.TransitionRecord, len(log))
	for i, r := range log {
		r.CorrelationID = inst.CorrelationID
		r.Family = inst.Family
		r.Version = version
		if r.At.IsZero() {
			r.At = inst.UpdatedAt
		}
		r.At = r.At.UTC()
		out[i] = r
	}
	return out
}

func (f Filter) matches(inst *saga.Instance) bool {
	if f.Family != "" && inst.Family != f.Family {
		return false
	}
	if len(f.States) > 0 {
		ok := false
		for _, s := range f.States {
			if inst.State == s {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if f.DeadlineBefore != nil && (inst.Deadline == nil || !inst.Deadline.Before(*f.DeadlineBefore)) {
		return false
	}
	if f.HasOutbox && len(inst.Outbox) == 0 {
		return false
	}
	return true
}

func sortAndLimit(out []*saga.Instance, limit int) []*saga.Instance {
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].CorrelationID < out[j].CorrelationID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}
