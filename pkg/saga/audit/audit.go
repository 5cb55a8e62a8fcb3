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

// Package audit keeps a relational trail of committed saga transitions.
//
// The Sink is registered as an orchestrator observer. Records are queued in
// memory and written by a single background goroutine so the handling path
// never waits on the audit database; a full queue drops the record and logs
// it instead.
package audit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"

	"github.com/innovationmech/docflow/pkg/logger"
	"github.com/innovationmech/docflow/pkg/saga"
	"github.com/innovationmech/docflow/pkg/saga/coordinator"
)

// ErrSinkClosed is returned by Record after Close.
var ErrSinkClosed = errors.New("audit sink is closed")

// TransitionRecord is the persisted form of saga.TransitionRecord.
type TransitionRecord struct {
	ID             uint      `gorm:"primaryKey;autoIncrement"`
	CorrelationID  string    `gorm:"size:128;not null;index:idx_saga_transitions_correlation"`
	Family         string    `gorm:"size:32;not null;index"`
	FromState      string    `gorm:"size:32"`
	ToState        string    `gorm:"size:32;not null"`
	Phase          string    `gorm:"size:64"`
	EventType      string    `gorm:"size:128;not null"`
	EventID        string    `gorm:"size:64"`
	IdempotencyKey string    `gorm:"size:255"`
	Reason         string    `gorm:"type:text"`
	Version        int64     `gorm:"not null"`
	OccurredAt     time.Time `gorm:"not null"`
	CreatedAt      time.Time
}

// TableName overrides the gorm default.
func (TransitionRecord) TableName() string {
	return "saga_transitions"
}

// FromTransition converts a committed transition.
func FromTransition(rec saga.TransitionRecord) TransitionRecord {
	return TransitionRecord{
		CorrelationID:  rec.CorrelationID,
		Family:         string(rec.Family),
		FromState:      string(rec.From),
		ToState:        string(rec.To),
		Phase:          rec.Phase,
		EventType:      rec.EventType,
		EventID:        rec.EventID,
		IdempotencyKey: rec.IdempotencyKey,
		Reason:         rec.Reason,
		Version:        rec.Version,
		OccurredAt:     rec.At,
	}
}

// Transition converts r back to the domain record.
func (r TransitionRecord) Transition() saga.TransitionRecord {
	return saga.TransitionRecord{
		CorrelationID:  r.CorrelationID,
		Family:         saga.Family(r.Family),
		From:           saga.State(r.FromState),
		To:             saga.State(r.ToState),
		Phase:          r.Phase,
		EventType:      r.EventType,
		EventID:        r.EventID,
		IdempotencyKey: r.IdempotencyKey,
		Reason:         r.Reason,
		Version:        r.Version,
		At:             r.OccurredAt,
	}
}

// Options configures a Sink.
type Options struct {
	// QueueSize bounds the records waiting to be written.
	QueueSize int
	// WriteTimeout bounds one insert.
	WriteTimeout time.Duration
	// AutoMigrate creates or updates the table on construction.
	AutoMigrate bool
	Logger      *zap.Logger
}

// DefaultOptions returns the options used when none are given.
func DefaultOptions() Options {
	return Options{
		QueueSize:    1024,
		WriteTimeout: 5 * time.Second,
	}
}

// Sink writes transition records through gorm.
type Sink struct {
	coordinator.NopObserver

	db     *gorm.DB
	opts   Options
	logger *zap.Logger

	queue chan TransitionRecord
	mu    sync.RWMutex
	done  chan struct{}
	stop  sync.Once
	wg    sync.WaitGroup
}

var _ coordinator.Observer = (*Sink)(nil)

// Open connects to a MySQL audit database and returns a Sink over it.
func Open(dsn string, opts Options) (*Sink, error) {
	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("open audit database: %w", err)
	}
	return NewSink(db, opts)
}

// NewSink returns a Sink writing through db and starts its writer.
func NewSink(db *gorm.DB, opts Options) (*Sink, error) {
	if db == nil {
		return nil, errors.New("audit database is required")
	}
	def := DefaultOptions()
	if opts.QueueSize <= 0 {
		opts.QueueSize = def.QueueSize
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = def.WriteTimeout
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}

	if opts.AutoMigrate {
		if err := db.AutoMigrate(&TransitionRecord{}); err != nil {
			return nil, fmt.Errorf("migrate audit table: %w", err)
		}
	}

	s := &Sink{
		db:     db,
		opts:   opts,
		logger: log,
		queue:  make(chan TransitionRecord, opts.QueueSize),
		done:   make(chan struct{}),
	}
	s.wg.Add(1)
	go s.run()
	return s, nil
}

// OnTransition queues rec for writing.
func (s *Sink) OnTransition(_ context.Context, _ *saga.Instance, rec saga.TransitionRecord) {
	if err := s.Record(rec); err != nil {
		s.logger.Warn("audit record dropped",
			logger.CorrelationID(rec.CorrelationID),
			logger.EventType(rec.EventType),
			zap.Error(err))
	}
}

// Record queues rec without blocking.
func (s *Sink) Record(rec saga.TransitionRecord) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	select {
	case <-s.done:
		return ErrSinkClosed
	default:
	}
	select {
	case s.queue <- FromTransition(rec):
		return nil
	default:
		return errors.New("audit queue is full")
	}
}

func (s *Sink) run() {
	defer s.wg.Done()
	for rec := range s.queue {
		s.write(rec)
	}
}

func (s *Sink) write(rec TransitionRecord) {
	ctx, cancel := context.WithTimeout(context.Background(), s.opts.WriteTimeout)
	defer cancel()
	if err := s.db.WithContext(ctx).Create(&rec).Error; err != nil {
		s.logger.Error("failed to write audit record",
			logger.CorrelationID(rec.CorrelationID),
			zap.String("to", rec.ToState),
			zap.Error(err))
	}
}

// Transitions returns the audited transitions of correlationID in write order.
func (s *Sink) Transitions(ctx context.Context, correlationID string) ([]saga.TransitionRecord, error) {
	var rows []TransitionRecord
	err := s.db.WithContext(ctx).
		Where("correlation_id = ?", correlationID).
		Order("id").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make([]saga.TransitionRecord, len(rows))
	for i, r := range rows {
		out[i] = r.Transition()
	}
	return out, nil
}

// Close stops accepting records and waits until the queued ones are written.
func (s *Sink) Close() error {
	s.stop.Do(func() {
		close(s.done)
		s.mu.Lock()
		close(s.queue)
		s.mu.Unlock()
	})
	s.wg.Wait()
	return nil
}
