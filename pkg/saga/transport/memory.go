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
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/innovationmech/docflow/pkg/saga/envelope"
)

// MemoryBus is an in-process Transport. Each subscription owns a buffered
// queue drained by one goroutine, so handlers may publish without blocking
// the publisher that fed them.
type MemoryBus struct {
	cfg    Config
	logger *zap.Logger

	mu     sync.RWMutex
	subs   map[string][]*memorySubscription
	closed bool
	wg     sync.WaitGroup
}

type memorySubscription struct {
	queue    chan []byte
	consumer *consumer
	done     chan struct{}
	stop     sync.Once
}

func (s *memorySubscription) close() {
	s.stop.Do(func() { close(s.done) })
}

// NewMemoryBus creates an in-process bus.
func NewMemoryBus(cfg Config, log *zap.Logger) *MemoryBus {
	cfg.ApplyDefaults()
	if log == nil {
		log = zap.NewNop()
	}
	return &MemoryBus{
		cfg:    cfg,
		logger: log,
		subs:   make(map[string][]*memorySubscription),
	}
}

// Publish copies env to every subscription of its topic. It blocks while a
// subscriber queue is full.
func (b *MemoryBus) Publish(ctx context.Context, env envelope.Envelope) error {
	data, err := envelope.Marshal(env)
	if err != nil {
		return err
	}
	topic := envelope.Topic(b.cfg.Prefix, env)

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrTransportClosed
	}
	for _, s := range b.subs[topic] {
		select {
		case s.queue <- data:
		case <-s.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Subscribe registers h for msgTypes.
func (b *MemoryBus) Subscribe(ctx context.Context, msgTypes []string, h Handler) error {
	sub := &memorySubscription{
		queue:    make(chan []byte, b.cfg.QueueSize),
		consumer: newConsumer(b.cfg, h, b.logger),
		done:     make(chan struct{}),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrTransportClosed
	}
	topics := TopicsFor(b.cfg.Prefix, msgTypes)
	for _, t := range topics {
		b.subs[t] = append(b.subs[t], sub)
	}
	b.wg.Add(1)
	b.mu.Unlock()

	go b.drain(ctx, sub, topics)
	return nil
}

func (b *MemoryBus) drain(ctx context.Context, sub *memorySubscription, topics []string) {
	defer b.wg.Done()
	defer b.unsubscribe(sub, topics)

	for {
		select {
		case <-ctx.Done():
			return
		case <-sub.done:
			return
		case data := <-sub.queue:
			for sub.consumer.process(ctx, data) == failed {
				if !b.pause(ctx, sub) {
					return
				}
			}
		}
	}
}

// pause waits one redelivery delay and reports whether the subscription is
// still active.
func (b *MemoryBus) pause(ctx context.Context, sub *memorySubscription) bool {
	timer := time.NewTimer(b.cfg.RedeliveryDelay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-sub.done:
		return false
	case <-timer.C:
		return true
	}
}

func (b *MemoryBus) unsubscribe(sub *memorySubscription, topics []string) {
	sub.close()

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, t := range topics {
		subs := b.subs[t]
		for i, s := range subs {
			if s == sub {
				b.subs[t] = append(subs[:i:i], subs[i+1:]...)
				break
			}
		}
		if len(b.subs[t]) == 0 {
			delete(b.subs, t)
		}
	}
}

// Close stops every subscription and waits for in-flight handlers.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	var subs []*memorySubscription
	for _, list := range b.subs {
		subs = append(subs, list...)
	}
	b.mu.Unlock()

	for _, s := range subs {
		s.close()
	}
	b.wg.Wait()
	return nil
}
