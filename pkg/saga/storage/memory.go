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

package storage

import (
	"context"
	"fmt"
	"sync"

	"github.com/innovationmech/docflow/pkg/saga"
)

// MemoryStore keeps instances in process memory. It is suitable for tests
// and single process deployments where durability across restarts is not
// required. Instances are deep-copied on the way in and out.
type MemoryStore struct {
	mu        sync.RWMutex
	instances map[string]*saga.Instance
	history   map[string][]saga.TransitionRecord
	claims    map[string]string
	closed    bool
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		instances: make(map[string]*saga.Instance, 100),
		history:   make(map[string][]saga.TransitionRecord, 100),
		claims:    make(map[string]string),
	}
}

func (m *MemoryStore) Create(ctx context.Context, inst *saga.Instance, log ...saga.TransitionRecord) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err := checkInstance(inst); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStorageClosed
	}
	if _, ok := m.instances[inst.CorrelationID]; ok {
		return fmt.Errorf("%w: %s", ErrAlreadyExists, inst.CorrelationID)
	}

	inst.Version = 1
	m.instances[inst.CorrelationID] = inst.Clone()
	m.history[inst.CorrelationID] = append(m.history[inst.CorrelationID], stampRecords(inst, 1, log)...)
	return nil
}

func (m *MemoryStore) Load(ctx context.Context, correlationID string) (*saga.Instance, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStorageClosed
	}
	inst, ok := m.instances[correlationID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, correlationID)
	}
	return inst.Clone(), nil
}

func (m *MemoryStore) Save(ctx context.Context, inst *saga.Instance, expected int64, log ...saga.TransitionRecord) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err := checkInstance(inst); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStorageClosed
	}
	current, ok := m.instances[inst.CorrelationID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, inst.CorrelationID)
	}
	if current.Version != expected {
		return fmt.Errorf("%w: %s stored version %d, expected %d",
			ErrConcurrencyConflict, inst.CorrelationID, current.Version, expected)
	}

	next := expected + 1
	inst.Version = next
	m.instances[inst.CorrelationID] = inst.Clone()
	m.history[inst.CorrelationID] = append(m.history[inst.CorrelationID], stampRecords(inst, next, log)...)
	return nil
}

func (m *MemoryStore) List(ctx context.Context, filter Filter) ([]*saga.Instance, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStorageClosed
	}
	out := make([]*saga.Instance, 0)
	for _, inst := range m.instances {
		if filter.matches(inst) {
			out = append(out, inst.Clone())
		}
	}
	return sortAndLimit(out, filter.Limit), nil
}

func (m *MemoryStore) Counts(ctx context.Context) (Counts, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStorageClosed
	}
	counts := make(Counts)
	for _, inst := range m.instances {
		counts.Add(inst.Family, inst.State, 1)
	}
	return counts, nil
}

func (m *MemoryStore) History(ctx context.Context, correlationID string) ([]saga.TransitionRecord, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStorageClosed
	}
	if _, ok := m.instances[correlationID]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, correlationID)
	}
	return append([]saga.TransitionRecord(nil), m.history[correlationID]...), nil
}

func (m *MemoryStore) Claim(ctx context.Context, key, owner string) (string, error) {
	if ctx.Err() != nil {
		return "", ctx.Err()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return "", ErrStorageClosed
	}
	if current, ok := m.claims[key]; ok {
		return current, nil
	}
	m.claims[key] = owner
	return owner, nil
}

func (m *MemoryStore) Release(ctx context.Context, key, owner string) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStorageClosed
	}
	if m.claims[key] == owner {
		delete(m.claims, key)
	}
	return nil
}

func (m *MemoryStore) Ping(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrStorageClosed
	}
	return ctx.Err()
}

// Close marks the store closed. Subsequent calls fail with ErrStorageClosed.
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
