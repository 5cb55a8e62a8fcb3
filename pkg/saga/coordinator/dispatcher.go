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
	"sync"

	"github.com/cespare/xxhash/v2"

	"github.com/innovationmech/docflow/pkg/saga/envelope"
)

var (
	// ErrDispatcherClosed indicates that the dispatcher has been closed.
	ErrDispatcherClosed = errors.New("dispatcher is closed")

	// ErrInvalidShardCount indicates a dispatcher without shards.
	ErrInvalidShardCount = errors.New("shard count must be greater than 0")
)

// HandlerFunc handles one inbound envelope.
type HandlerFunc func(ctx context.Context, env envelope.Envelope) error

// dispatchTask represents an envelope queued on a shard.
type dispatchTask struct {
	ctx  context.Context
	env  envelope.Envelope
	done chan error
}

// Dispatcher is a pool of shard workers. Envelopes are routed by a hash of
// their correlation id, so messages of one saga are handled by a single
// goroutine in arrival order while different sagas run in parallel.
type Dispatcher struct {
	handler HandlerFunc
	shards  []chan dispatchTask

	closed bool
	mu     sync.RWMutex
	wg     sync.WaitGroup
}

// NewDispatcher starts shards workers, each with a queue of queueSize envelopes.
func NewDispatcher(shards, queueSize int, handler HandlerFunc) (*Dispatcher, error) {
	if shards <= 0 {
		return nil, ErrInvalidShardCount
	}
	if queueSize < 0 {
		queueSize = 0
	}
	if handler == nil {
		return nil, errors.New("dispatcher handler is required")
	}

	d := &Dispatcher{
		handler: handler,
		shards:  make([]chan dispatchTask, shards),
	}
	for i := range d.shards {
		d.shards[i] = make(chan dispatchTask, queueSize)
		d.wg.Add(1)
		go d.worker(d.shards[i])
	}
	return d, nil
}

func (d *Dispatcher) worker(queue <-chan dispatchTask) {
	defer d.wg.Done()

	for task := range queue {
		select {
		case <-task.ctx.Done():
			task.done <- task.ctx.Err()
			continue
		default:
		}
		task.done <- d.handler(task.ctx, task.env)
	}
}

// ShardFor returns the shard index serving correlationID.
func (d *Dispatcher) ShardFor(correlationID string) int {
	return int(xxhash.Sum64String(correlationID) % uint64(len(d.shards)))
}

// Dispatch queues env on its shard and waits for the handler result.
func (d *Dispatcher) Dispatch(ctx context.Context, env envelope.Envelope) error {
	task := dispatchTask{
		ctx:  ctx,
		env:  env,
		done: make(chan error, 1),
	}

	d.mu.RLock()
	if d.closed {
		d.mu.RUnlock()
		return ErrDispatcherClosed
	}
	select {
	case d.shards[d.ShardFor(env.CorrelationID)] <- task:
	case <-ctx.Done():
		d.mu.RUnlock()
		return ctx.Err()
	}
	d.mu.RUnlock()

	select {
	case err := <-task.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting envelopes and waits for queued ones to finish.
func (d *Dispatcher) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	for _, q := range d.shards {
		close(q)
	}
	d.mu.Unlock()

	d.wg.Wait()
	return nil
}

// Size returns the number of shards.
func (d *Dispatcher) Size() int {
	return len(d.shards)
}
