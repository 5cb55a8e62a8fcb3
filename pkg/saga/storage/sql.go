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
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"           // PostgreSQL driver
	_ "github.com/mattn/go-sqlite3" // SQLite driver
	"go.uber.org/zap"

	"github.com/innovationmech/docflow/pkg/logger"
	"github.com/innovationmech/docflow/pkg/saga"
	"github.com/innovationmech/docflow/pkg/saga/migrations"
)

// SQLStore persists saga instances in one typed table per family, indexed
// through the saga_registry table. Save is a version-checked UPDATE executed
// in the same transaction as the transition log inserts.
type SQLStore struct {
	db      *sql.DB
	dialect migrations.Dialect
	logger  *zap.Logger

	mu     sync.RWMutex
	closed bool
}

// NewSQLStore opens the database described by config, checks connectivity and
// optionally applies pending migrations.
func NewSQLStore(ctx context.Context, config *SQLConfig) (*SQLStore, error) {
	if config == nil {
		config = DefaultSQLConfig()
	}
	config.ApplyDefaults()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid sql config: %w", err)
	}
	dialect, _ := config.Dialect()

	db, err := sql.Open(dialect.DriverName(), config.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s connection: %w", dialect, err)
	}

	if dialect == migrations.SQLite {
		// SQLite allows a single writer.
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(config.MaxOpenConns)
		db.SetMaxIdleConns(config.MaxIdleConns)
	}
	db.SetConnMaxLifetime(config.ConnMaxLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, config.ConnectionTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping %s database: %w", dialect, err)
	}

	if config.AutoMigrate {
		if _, err := migrations.NewMigrator(db, dialect).Migrate(ctx); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to run schema migrations: %w", err)
		}
	}

	return NewSQLStoreWithDB(db, dialect), nil
}

// NewSQLStoreWithDB wraps an open database. The schema must already exist.
func NewSQLStoreWithDB(db *sql.DB, dialect migrations.Dialect) *SQLStore {
	return &SQLStore{
		db:      db,
		dialect: dialect,
		logger:  logger.GetLogger().Named("storage.sql"),
	}
}

// DB returns the underlying database handle.
func (s *SQLStore) DB() *sql.DB { return s.db }

func (s *SQLStore) checkClosed() error {
	if s.closed {
		return ErrStorageClosed
	}
	return nil
}

func (s *SQLStore) q(query string) string { return s.dialect.Rebind(query) }

func (s *SQLStore) Create(ctx context.Context, inst *saga.Instance, log ...saga.TransitionRecord) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err := checkInstance(inst); err != nil {
		return err
	}
	table, err := tableOf(inst.Family)
	if err != nil {
		return err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkClosed(); err != nil {
		return err
	}

	next := *inst
	next.Version = 1
	values, err := table.rowValues(&next)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin create %s: %w", inst.CorrelationID, err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx,
		s.q("INSERT INTO saga_registry (correlation_id, family, created_at) VALUES (?, ?, ?) ON CONFLICT (correlation_id) DO NOTHING"),
		inst.CorrelationID, string(inst.Family), inst.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("register %s: %w", inst.CorrelationID, err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return fmt.Errorf("register %s: %w", inst.CorrelationID, err)
	} else if n == 0 {
		return fmt.Errorf("%w: %s", ErrAlreadyExists, inst.CorrelationID)
	}

	if _, err := tx.ExecContext(ctx, s.q(table.insertSQL()), values...); err != nil {
		return fmt.Errorf("insert %s: %w", inst.CorrelationID, err)
	}
	if err := s.appendHistory(ctx, tx, stampRecords(inst, 1, log)); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit create %s: %w", inst.CorrelationID, err)
	}
	inst.Version = 1
	return nil
}

func (s *SQLStore) Load(ctx context.Context, correlationID string) (*saga.Instance, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkClosed(); err != nil {
		return nil, err
	}

	family, err := s.familyOf(ctx, s.db, correlationID)
	if err != nil {
		return nil, err
	}
	table, err := tableOf(family)
	if err != nil {
		return nil, err
	}
	row := s.db.QueryRowContext(ctx, s.q(table.selectSQL()+" WHERE correlation_id = ?"), correlationID)
	inst, err := table.scanRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, correlationID)
	}
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", correlationID, err)
	}
	return inst, nil
}

func (s *SQLStore) Save(ctx context.Context, inst *saga.Instance, expected int64, log ...saga.TransitionRecord) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err := checkInstance(inst); err != nil {
		return err
	}
	table, err := tableOf(inst.Family)
	if err != nil {
		return err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkClosed(); err != nil {
		return err
	}

	next := *inst
	next.Version = expected + 1
	values, err := table.rowValues(&next)
	if err != nil {
		return err
	}
	// The key column leads the row; the UPDATE takes it after the SET list.
	args := append(values[1:], inst.CorrelationID, expected)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin save %s: %w", inst.CorrelationID, err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, s.q(table.updateSQL()), args...)
	if err != nil {
		return fmt.Errorf("update %s: %w", inst.CorrelationID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update %s: %w", inst.CorrelationID, err)
	}
	if n == 0 {
		if _, err := s.familyOf(ctx, tx, inst.CorrelationID); err != nil {
			return err
		}
		s.logger.Debug("stale save rejected",
			logger.CorrelationID(inst.CorrelationID),
			zap.Int64("expected_version", expected))
		return fmt.Errorf("%w: %s expected version %d", ErrConcurrencyConflict, inst.CorrelationID, expected)
	}

	if err := s.appendHistory(ctx, tx, stampRecords(inst, expected+1, log)); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit save %s: %w", inst.CorrelationID, err)
	}
	inst.Version = expected + 1
	return nil
}

func (s *SQLStore) List(ctx context.Context, filter Filter) ([]*saga.Instance, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkClosed(); err != nil {
		return nil, err
	}

	families := saga.Families
	if filter.Family != "" {
		families = []saga.Family{filter.Family}
	}

	var where []string
	var args []any
	if len(filter.States) > 0 {
		where = append(where, "current_state IN ("+placeholders(len(filter.States))+")")
		for _, st := range filter.States {
			args = append(args, string(st))
		}
	}
	if filter.DeadlineBefore != nil {
		where = append(where, "deadline IS NOT NULL AND deadline < ?")
		args = append(args, filter.DeadlineBefore.UTC())
	}
	if filter.HasOutbox {
		where = append(where, "outbox IS NOT NULL")
	}
	suffix := ""
	if len(where) > 0 {
		suffix = " WHERE " + strings.Join(where, " AND ")
	}
	suffix += " ORDER BY created_at, correlation_id"
	if filter.Limit > 0 {
		suffix += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	out := make([]*saga.Instance, 0)
	for _, f := range families {
		table, err := tableOf(f)
		if err != nil {
			return nil, err
		}
		found, err := s.query(ctx, table, s.q(table.selectSQL()+suffix), args...)
		if err != nil {
			return nil, err
		}
		out = append(out, found...)
	}
	return sortAndLimit(out, filter.Limit), nil
}

func (s *SQLStore) query(ctx context.Context, table *familyTable, query string, args ...any) ([]*saga.Instance, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", table.family, err)
	}
	defer rows.Close()

	var out []*saga.Instance
	for rows.Next() {
		inst, err := table.scanRow(rows)
		if err != nil {
			return nil, fmt.Errorf("list %s: %w", table.family, err)
		}
		out = append(out, inst)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list %s: %w", table.family, err)
	}
	return out, nil
}

func (s *SQLStore) Counts(ctx context.Context) (Counts, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkClosed(); err != nil {
		return nil, err
	}

	counts := make(Counts)
	for _, f := range saga.Families {
		table, _ := tableOf(f)
		rows, err := s.db.QueryContext(ctx,
			"SELECT current_state, COUNT(*) FROM "+table.table+" GROUP BY current_state")
		if err != nil {
			return nil, fmt.Errorf("count %s: %w", f, err)
		}
		for rows.Next() {
			var (
				state string
				n     int
			)
			if err := rows.Scan(&state, &n); err != nil {
				rows.Close()
				return nil, fmt.Errorf("count %s: %w", f, err)
			}
			counts.Add(f, saga.State(state), n)
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return nil, fmt.Errorf("count %s: %w", f, err)
		}
	}
	return counts, nil
}

func (s *SQLStore) History(ctx context.Context, correlationID string) ([]saga.TransitionRecord, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkClosed(); err != nil {
		return nil, err
	}

	if _, err := s.familyOf(ctx, s.db, correlationID); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT correlation_id, family, from_state, to_state, phase, event_type,
       event_id, idempotency_key, reason, row_version, occurred_at
FROM saga_transitions WHERE correlation_id = ? ORDER BY id`), correlationID)
	if err != nil {
		return nil, fmt.Errorf("history %s: %w", correlationID, err)
	}
	defer rows.Close()

	out := make([]saga.TransitionRecord, 0)
	for rows.Next() {
		var (
			r        saga.TransitionRecord
			family   string
			from, to string
		)
		if err := rows.Scan(&r.CorrelationID, &family, &from, &to, &r.Phase, &r.EventType,
			&r.EventID, &r.IdempotencyKey, &r.Reason, &r.Version, &r.At); err != nil {
			return nil, fmt.Errorf("history %s: %w", correlationID, err)
		}
		r.Family = saga.Family(family)
		r.From = saga.State(from)
		r.To = saga.State(to)
		r.At = r.At.UTC()
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("history %s: %w", correlationID, err)
	}
	return out, nil
}

func (s *SQLStore) Claim(ctx context.Context, key, owner string) (string, error) {
	if ctx.Err() != nil {
		return "", ctx.Err()
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkClosed(); err != nil {
		return "", err
	}

	if _, err := s.db.ExecContext(ctx,
		s.q("INSERT INTO saga_dedup_keys (dedup_key, owner_correlation_id, claimed_at) VALUES (?, ?, ?) ON CONFLICT (dedup_key) DO NOTHING"),
		key, owner, time.Now().UTC()); err != nil {
		return "", fmt.Errorf("claim %s: %w", key, err)
	}
	var current string
	if err := s.db.QueryRowContext(ctx,
		s.q("SELECT owner_correlation_id FROM saga_dedup_keys WHERE dedup_key = ?"), key).Scan(&current); err != nil {
		return "", fmt.Errorf("claim %s: %w", key, err)
	}
	return current, nil
}

func (s *SQLStore) Release(ctx context.Context, key, owner string) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkClosed(); err != nil {
		return err
	}

	if _, err := s.db.ExecContext(ctx,
		s.q("DELETE FROM saga_dedup_keys WHERE dedup_key = ? AND owner_correlation_id = ?"), key, owner); err != nil {
		return fmt.Errorf("release %s: %w", key, err)
	}
	return nil
}

func (s *SQLStore) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkClosed(); err != nil {
		return err
	}
	return s.db.PingContext(ctx)
}

// Close closes the database connection. It is safe to call more than once.
func (s *SQLStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *SQLStore) familyOf(ctx context.Context, db queryer, correlationID string) (saga.Family, error) {
	var family string
	err := db.QueryRowContext(ctx,
		s.q("SELECT family FROM saga_registry WHERE correlation_id = ?"), correlationID).Scan(&family)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("%w: %s", ErrNotFound, correlationID)
	}
	if err != nil {
		return "", fmt.Errorf("lookup %s: %w", correlationID, err)
	}
	return saga.Family(family), nil
}

func (s *SQLStore) appendHistory(ctx context.Context, tx *sql.Tx, log []saga.TransitionRecord) error {
	if len(log) == 0 {
		return nil
	}
	insert := s.q(`INSERT INTO saga_transitions (correlation_id, family, from_state, to_state, phase, event_type,
    event_id, idempotency_key, reason, row_version, occurred_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	for _, r := range log {
		if _, err := tx.ExecContext(ctx, insert, r.CorrelationID, string(r.Family), string(r.From), string(r.To),
			r.Phase, r.EventType, r.EventID, r.IdempotencyKey, r.Reason, r.Version, r.At); err != nil {
			return fmt.Errorf("append transition of %s: %w", r.CorrelationID, err)
		}
	}
	return nil
}
