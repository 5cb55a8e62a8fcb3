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
	"strings"
	"sync"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/innovationmech/docflow/pkg/saga/envelope"
)

// NATSTransport publishes on NATS subjects. With JetStream enabled messages
// are persisted in one stream, deduplicated by idempotency key and acked
// manually; otherwise core NATS queue groups are used.
type NATSTransport struct {
	conn   *nats.Conn
	js     nats.JetStreamContext
	cfg    Config
	logger *zap.Logger

	mu     sync.Mutex
	subs   []*nats.Subscription
	closed bool
}

// NewNATS connects to cfg.URLs.
func NewNATS(cfg Config, log *zap.Logger) (*NATSTransport, error) {
	cfg.ApplyDefaults()
	if log == nil {
		log = zap.NewNop()
	}

	conn, err := nats.Connect(strings.Join(cfg.URLs, ","),
		nats.Name("docflow"),
		nats.Timeout(cfg.DialTimeout),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("nats disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info("nats reconnected", zap.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	t := &NATSTransport{conn: conn, cfg: cfg, logger: log}
	if cfg.JetStream {
		if err := t.setupStream(); err != nil {
			conn.Close()
			return nil, err
		}
	}
	return t, nil
}

func (t *NATSTransport) setupStream() error {
	js, err := t.conn.JetStream()
	if err != nil {
		return fmt.Errorf("nats jetstream: %w", err)
	}
	subjects := []string{">"}
	if t.cfg.Prefix != "" {
		subjects = []string{t.cfg.Prefix + ".>"}
	}
	_, err = js.AddStream(&nats.StreamConfig{
		Name:     t.cfg.Stream,
		Subjects: subjects,
		Storage:  nats.FileStorage,
	})
	if err != nil && !errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
		return fmt.Errorf("nats add stream %s: %w", t.cfg.Stream, err)
	}
	t.js = js
	return nil
}

// Publish sends env on its subject. JetStream drops repeats of the same
// idempotency key within its duplicate window.
func (t *NATSTransport) Publish(ctx context.Context, env envelope.Envelope) error {
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

	msg := nats.NewMsg(envelope.Topic(t.cfg.Prefix, env))
	msg.Data = data
	msg.Header.Set(nats.MsgIdHdr, env.IdempotencyKey)
	msg.Header.Set("Docflow-Correlation-Id", env.CorrelationID)

	if t.js != nil {
		if _, err := t.js.PublishMsg(msg, nats.Context(ctx)); err != nil {
			return fmt.Errorf("nats jetstream publish: %w", err)
		}
		return nil
	}
	if err := t.conn.PublishMsg(msg); err != nil {
		return fmt.Errorf("nats publish: %w", err)
	}
	return t.conn.FlushWithContext(ctx)
}

// Subscribe joins the consumer group on every subject of msgTypes.
func (t *NATSTransport) Subscribe(ctx context.Context, msgTypes []string, h Handler) error {
	c := newConsumer(t.cfg, h, t.logger)

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrTransportClosed
	}

	var subs []*nats.Subscription
	for i, subject := range TopicsFor(t.cfg.Prefix, msgTypes) {
		sub, err := t.subscribe(ctx, subject, msgTypes[i], c)
		if err != nil {
			for _, s := range subs {
				_ = s.Unsubscribe()
			}
			return err
		}
		subs = append(subs, sub)
	}
	t.subs = append(t.subs, subs...)

	go func() {
		<-ctx.Done()
		for _, s := range subs {
			_ = s.Drain()
		}
	}()
	return nil
}

func (t *NATSTransport) subscribe(ctx context.Context, subject, msgType string, c *consumer) (*nats.Subscription, error) {
	if t.js == nil {
		sub, err := t.conn.QueueSubscribe(subject, t.cfg.Group, func(m *nats.Msg) {
			if c.process(ctx, m.Data) == failed {
				t.logger.Warn("core nats cannot redeliver, message lost", zap.String("subject", m.Subject))
			}
		})
		if err != nil {
			return nil, fmt.Errorf("nats subscribe %s: %w", subject, err)
		}
		return sub, nil
	}

	sub, err := t.js.QueueSubscribe(subject, t.cfg.Group, func(m *nats.Msg) {
		switch c.process(ctx, m.Data) {
		case failed:
			_ = m.NakWithDelay(t.cfg.RedeliveryDelay)
		default:
			_ = m.Ack()
		}
	}, nats.Durable(durableName(t.cfg.Group, msgType)), nats.ManualAck(), nats.DeliverAll())
	if err != nil {
		return nil, fmt.Errorf("nats jetstream subscribe %s: %w", subject, err)
	}
	return sub, nil
}

// durableName derives a consumer name; JetStream names may not contain dots.
func durableName(group, msgType string) string {
	return strings.NewReplacer(".", "_", "*", "_", ">", "_").Replace(group + "_" + msgType)
}

// Close drains the subscriptions and the connection.
func (t *NATSTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.subs = nil
	t.mu.Unlock()

	if err := t.conn.Drain(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
		return err
	}
	return nil
}
