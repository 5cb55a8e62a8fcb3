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
	"fmt"
	"sync"

	"github.com/streadway/amqp"
	"go.uber.org/zap"

	"github.com/innovationmech/docflow/pkg/saga/envelope"
)

// AMQPTransport publishes to a durable topic exchange with the subject as
// routing key. Every Subscribe consumes one durable queue named after the
// group and bound to the requested subjects.
type AMQPTransport struct {
	conn   *amqp.Connection
	cfg    Config
	logger *zap.Logger

	mu       sync.Mutex
	pub      *amqp.Channel
	channels []*amqp.Channel
	closed   bool
	wg       sync.WaitGroup
}

// NewAMQP dials cfg.URLs[0] and declares the exchange.
func NewAMQP(cfg Config, log *zap.Logger) (*AMQPTransport, error) {
	cfg.ApplyDefaults()
	if log == nil {
		log = zap.NewNop()
	}
	if len(cfg.URLs) == 0 {
		return nil, errors.New("amqp url is required")
	}

	conn, err := amqp.DialConfig(cfg.URLs[0], amqp.Config{
		Dial: amqp.DefaultDial(cfg.DialTimeout),
	})
	if err != nil {
		return nil, fmt.Errorf("amqp dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("amqp channel: %w", err)
	}
	if err := ch.ExchangeDeclare(cfg.Exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("amqp declare exchange %s: %w", cfg.Exchange, err)
	}
	return &AMQPTransport{conn: conn, pub: ch, cfg: cfg, logger: log}, nil
}

// Publish sends env as a persistent message.
func (t *AMQPTransport) Publish(_ context.Context, env envelope.Envelope) error {
	data, err := envelope.Marshal(env)
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrTransportClosed
	}
	err = t.pub.Publish(t.cfg.Exchange, envelope.Topic(t.cfg.Prefix, env), false, false, amqp.Publishing{
		ContentType:   "application/json",
		DeliveryMode:  amqp.Persistent,
		MessageId:     env.IdempotencyKey,
		CorrelationId: env.CorrelationID,
		Type:          env.Type,
		Timestamp:     env.OccurredAt,
		Body:          data,
	})
	if err != nil {
		return fmt.Errorf("amqp publish: %w", err)
	}
	return nil
}

// Subscribe declares the group queue, binds it and starts consuming.
// Messages failing twice are rejected without requeue so a dead letter
// exchange configured on the queue can take them.
func (t *AMQPTransport) Subscribe(ctx context.Context, msgTypes []string, h Handler) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrTransportClosed
	}

	ch, err := t.conn.Channel()
	if err != nil {
		return fmt.Errorf("amqp channel: %w", err)
	}
	q, err := ch.QueueDeclare(t.cfg.Group, true, false, false, false, nil)
	if err != nil {
		ch.Close()
		return fmt.Errorf("amqp declare queue %s: %w", t.cfg.Group, err)
	}
	for _, key := range TopicsFor(t.cfg.Prefix, msgTypes) {
		if err := ch.QueueBind(q.Name, key, t.cfg.Exchange, false, nil); err != nil {
			ch.Close()
			return fmt.Errorf("amqp bind %s: %w", key, err)
		}
	}
	if err := ch.Qos(t.cfg.QueueSize, 0, false); err != nil {
		ch.Close()
		return fmt.Errorf("amqp qos: %w", err)
	}
	deliveries, err := ch.Consume(q.Name, "", false, false, false, false, nil)
	if err != nil {
		ch.Close()
		return fmt.Errorf("amqp consume %s: %w", q.Name, err)
	}
	t.channels = append(t.channels, ch)

	t.wg.Add(1)
	go t.consume(ctx, ch, deliveries, newConsumer(t.cfg, h, t.logger))
	return nil
}

func (t *AMQPTransport) consume(ctx context.Context, ch *amqp.Channel, deliveries <-chan amqp.Delivery, c *consumer) {
	defer t.wg.Done()

	for {
		select {
		case <-ctx.Done():
			_ = ch.Close()
			return
		case d, ok := <-deliveries:
			if !ok {
				return
			}
			switch c.process(ctx, d.Body) {
			case failed:
				_ = d.Nack(false, !d.Redelivered)
			default:
				_ = d.Ack(false)
			}
		}
	}
}

// Close closes the channels and the connection.
func (t *AMQPTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	channels := t.channels
	t.channels = nil
	t.mu.Unlock()

	for _, ch := range channels {
		_ = ch.Close()
	}
	t.wg.Wait()
	if err := t.conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		return err
	}
	return nil
}
