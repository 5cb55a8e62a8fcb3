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

// Package migrations provides database migration management for saga storage.
package migrations

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/innovationmech/docflow/pkg/logger"
)

//go:embed sql/postgres/*.sql sql/sqlite/*.sql
var scripts embed.FS

const versionTable = "saga_schema_migrations"

// Migration is one embedded schema script.
type Migration struct {
	Version int
	Name    string
	Script  string
}

// MigrationStatus represents the status of a migration.
type MigrationStatus struct {
	Version   int        `json:"version"`
	Name      string     `json:"name"`
	Applied   bool       `json:"applied"`
	AppliedAt *time.Time `json:"applied_at,omitempty"`
}

// Migrator handles database schema migrations for saga storage.
type Migrator struct {
	db      *sql.DB
	dialect Dialect
	logger  *zap.Logger
}

// NewMigrator creates a new database migrator.
func NewMigrator(db *sql.DB, dialect Dialect) *Migrator {
	return &Migrator{
		db:      db,
		dialect: dialect,
		logger:  logger.GetLogger().Named("migrations"),
	}
}

// Migrations returns the embedded migrations of dialect ordered by version.
// Script files are named NNNN_description.sql.
func Migrations(dialect Dialect) ([]Migration, error) {
	if !dialect.Valid() {
		return nil, fmt.Errorf("unsupported dialect %q", dialect)
	}
	dir := path.Join("sql", dialect.scriptDir())
	entries, err := scripts.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read migrations: %w", err)
	}

	out := make([]Migration, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".sql") {
			continue
		}
		prefix, rest, ok := strings.Cut(strings.TrimSuffix(name, ".sql"), "_")
		if !ok {
			return nil, fmt.Errorf("migration %s: missing version prefix", name)
		}
		version, err := strconv.Atoi(prefix)
		if err != nil {
			return nil, fmt.Errorf("migration %s: invalid version: %w", name, err)
		}
		body, err := scripts.ReadFile(path.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("read migration %s: %w", name, err)
		}
		out = append(out, Migration{Version: version, Name: rest, Script: string(body)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

// Initialize creates the version bookkeeping table.
func (m *Migrator) Initialize(ctx context.Context) error {
	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
    version    INTEGER      PRIMARY KEY,
    name       VARCHAR(255) NOT NULL,
    applied_at TIMESTAMP    NOT NULL
)`, versionTable)
	if _, err := m.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("failed to initialize migration infrastructure: %w", err)
	}
	return nil
}

// GetCurrentVersion returns the highest applied version, 0 if none.
func (m *Migrator) GetCurrentVersion(ctx context.Context) (int, error) {
	var version int
	query := fmt.Sprintf("SELECT COALESCE(MAX(version), 0) FROM %s", versionTable)
	if err := m.db.QueryRowContext(ctx, query).Scan(&version); err != nil {
		return 0, fmt.Errorf("failed to get current schema version: %w", err)
	}
	return version, nil
}

// IsMigrationApplied checks if a specific migration version has been applied.
func (m *Migrator) IsMigrationApplied(ctx context.Context, version int) (bool, error) {
	var n int
	query := m.dialect.Rebind(fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE version = ?", versionTable))
	if err := m.db.QueryRowContext(ctx, query, version).Scan(&n); err != nil {
		return false, fmt.Errorf("failed to check migration status: %w", err)
	}
	return n > 0, nil
}

// ApplyMigration runs one migration and records it in the same transaction.
func (m *Migrator) ApplyMigration(ctx context.Context, mig Migration) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration V%d: %w", mig.Version, err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, mig.Script); err != nil {
		return fmt.Errorf("failed to apply migration V%d (%s): %w", mig.Version, mig.Name, err)
	}
	insert := m.dialect.Rebind(fmt.Sprintf("INSERT INTO %s (version, name, applied_at) VALUES (?, ?, ?)", versionTable))
	if _, err := tx.ExecContext(ctx, insert, mig.Version, mig.Name, time.Now().UTC()); err != nil {
		return fmt.Errorf("failed to record migration V%d: %w", mig.Version, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration V%d: %w", mig.Version, err)
	}
	return nil
}

// Migrate applies every pending migration and returns how many were applied.
func (m *Migrator) Migrate(ctx context.Context) (int, error) {
	if err := m.Initialize(ctx); err != nil {
		return 0, err
	}
	all, err := Migrations(m.dialect)
	if err != nil {
		return 0, err
	}
	current, err := m.GetCurrentVersion(ctx)
	if err != nil {
		return 0, err
	}

	applied := 0
	for _, mig := range all {
		if mig.Version <= current {
			continue
		}
		start := time.Now()
		if err := m.ApplyMigration(ctx, mig); err != nil {
			return applied, err
		}
		applied++
		m.logger.Info("applied migration",
			zap.Int("version", mig.Version),
			zap.String("name", mig.Name),
			zap.String("dialect", string(m.dialect)),
			zap.Duration("took", time.Since(start)))
	}
	return applied, nil
}

// GetMigrationStatus returns the status of every embedded migration.
func (m *Migrator) GetMigrationStatus(ctx context.Context) ([]MigrationStatus, error) {
	all, err := Migrations(m.dialect)
	if err != nil {
		return nil, err
	}
	rows, err := m.db.QueryContext(ctx, fmt.Sprintf("SELECT version, applied_at FROM %s", versionTable))
	if err != nil {
		return nil, fmt.Errorf("failed to get migration status: %w", err)
	}
	defer rows.Close()

	appliedAt := make(map[int]time.Time)
	for rows.Next() {
		var (
			v  int
			at time.Time
		)
		if err := rows.Scan(&v, &at); err != nil {
			return nil, fmt.Errorf("failed to scan migration status: %w", err)
		}
		appliedAt[v] = at
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating migration status: %w", err)
	}

	statuses := make([]MigrationStatus, 0, len(all))
	for _, mig := range all {
		st := MigrationStatus{Version: mig.Version, Name: mig.Name}
		if at, ok := appliedAt[mig.Version]; ok {
			st.Applied = true
			st.AppliedAt = &at
		}
		statuses = append(statuses, st)
	}
	return statuses, nil
}

// ValidateMigrations verifies that all required migrations have been applied.
func (m *Migrator) ValidateMigrations(ctx context.Context, requiredVersion int) error {
	currentVersion, err := m.GetCurrentVersion(ctx)
	if err != nil {
		return fmt.Errorf("failed to get current version: %w", err)
	}
	if currentVersion < requiredVersion {
		return fmt.Errorf(
			"schema version mismatch: required version %d, current version %d. "+
				"Please run migrations to upgrade the schema",
			requiredVersion, currentVersion,
		)
	}
	return nil
}

// LatestVersion returns the highest embedded version for dialect.
func LatestVersion(dialect Dialect) (int, error) {
	all, err := Migrations(dialect)
	if err != nil {
		return 0, err
	}
	if len(all) == 0 {
		return 0, nil
	}
	return all[len(all)-1].Version, nil
}
