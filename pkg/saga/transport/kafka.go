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
	"io"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/innovationmech/docflow/pkg/saga/envelope"
)

// KafkaTransport publishes one Kafka message per envelope, keyed by
// correlation id so the messages of one saga share a partition and keep
// their order.
type KafkaTransport struct {
	writer *kafka.Writer
	cfg    Config
	logger *zap.Logger

	mu      sync.Mutex
	readers []*kafka.Reader
	closed  bool
	wg      sync.WaitGroup
}

// NewKafka creates a writer for cfg.URLs. Readers are created per Subscribe.
func NewKafka(cfg Config, log *zap.Logger) (*KafkaTransport, error) {
	cfg.ApplyDefaults()
	if log == nil {
		log = zap.NewNop()
	}
	w := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.URLs...),
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
		BatchTimeout:           10 * time.Millisecond,
	}
	return &KafkaTransport{writer: w, cfg: cfg, logger: log}, nil
}

// Publish writes env synchronously.
func (t *KafkaTransport) Publish(ctx context.Context, env envelope.Envelope) error {
	data, err := envelope.Marshal(env)
	if err != nil {
		return err
	}

	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return ErrTransportClosed
	}

	return t.writer.WriteMessages(ctx, kafka.Message{
		Topic: envelope.Topic(t.cfg.Prefix, env),
		Key:   []byte(env.CorrelationID),
		Value: data,
		Headers: []kafka.Header{
			{Key: "idempotency-key", Value: []byte(env.IdempotencyKey)},
			{Key: "type", Value: []byte(env.Type)},
		},
	})
}

// Subscribe starts a group reader over the topics of msgTypes. Offsets are
// committed only after the handler settles a message.
func (t *KafkaTransport) Subscribe(ctx context.Context, msgTypes []string, h Handler) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrTransportClosed
	}

	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     t.cfg.URLs,
		GroupID:     t.cfg.Group,
		GroupTopics: TopicsFor(t.cfg.Prefix, msgTypes),
		MinBytes:    1,
		MaxBytes:    10e6,
		MaxWait:     time.Second,
		StartOffset: kafka.FirstOffset,
	})
	t.readers = append(t.readers, r)

	t.wg.Add(1)
	go t.consume(ctx, r, newConsumer(t.cfg, h, t.logger))
	return nil
}

func (t *KafkaTransport) consume(ctx context.Context, r *kafka.Reader, c *consumer) {
	defer t.wg.Done()

	for {
		m, err := r.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) {
				return
			}
			t.logger.Warn("kafka fetch failed", zap.Error(err))
			if !sleep(ctx, t.cfg.RedeliveryDelay) {
				return
			}
			continue
		}

		for c.process(ctx, m.Value) == failed {
			if !sleep(ctx, t.cfg.RedeliveryDelay) {
				return
			}
		}
		if err := r.CommitMessages(ctx, m); err != nil && ctx.Err() == nil {
			t.logger.Warn("kafka commit failed",
				zap.String("topic", m.Topic),
				zap.Int64("offset", m.Offset),
				zap.Error(err))
		}
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// Close closes the readers and the writer.
func (t *KafkaTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	readers := t.readers
	t.readers = nil
	t.mu.Unlock()

	var errs []error
	for _, r := range readers {
		if err := r.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	t.wg.Wait()
	if err := t.writer.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
