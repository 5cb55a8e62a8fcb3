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

// Package migrate provides the schema migration command for the SQL
// state store.
package migrate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/spf13/cobra"

	"github.com/innovationmech/docflow/pkg/saga/migrations"
)

type options struct {
	driver  string
	dsn     string
	action  string
	version int
	timeout time.Duration
}

// NewMigrateCmd creates the migrate command.
func NewMigrateCmd() *cobra.Command {
	opts := options{}

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the saga store schema",
		Long: `Apply, inspect or validate the schema of the SQL saga store.

Actions:
  migrate   apply every pending migration (default)
  status    list the migrations and whether they are applied
  validate  fail unless the schema is at --version or later (default: latest)

The DSN is read from --dsn, DOCFLOW_STORAGE_SQL_DSN or DATABASE_URL.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cmd.OutOrStdout(), opts)
		},
	}

	cmd.Flags().StringVar(&opts.driver, "driver", "postgres", "database driver (postgres, sqlite3)")
	cmd.Flags().StringVar(&opts.dsn, "dsn", "", "database connection string")
	cmd.Flags().StringVar(&opts.action, "action", "migrate", "action to perform: migrate, status, validate")
	cmd.Flags().IntVar(&opts.version, "version", 0, "required schema version for validate")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 30*time.Second, "operation timeout")
	return cmd
}

func run(ctx context.Context, out io.Writer, opts options) error {
	dialect, ok := migrations.ParseDialect(opts.driver)
	if !ok {
		return fmt.Errorf("unsupported driver %q", opts.driver)
	}

	dsn := opts.dsn
	if dsn == "" {
		dsn = os.Getenv("DOCFLOW_STORAGE_SQL_DSN")
	}
	if dsn == "" {
		dsn = os.Getenv("DATABASE_URL")
	}
	if dsn == "" {
		return errors.New("dsn not provided: use --dsn or DOCFLOW_STORAGE_SQL_DSN/DATABASE_URL")
	}

	db, err := sql.Open(dialect.DriverName(), dsn)
	if err != nil {
		return fmt.Errorf("failed to open database connection: %w", err)
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(ctx, opts.timeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	migrator := migrations.NewMigrator(db, dialect)
	switch strings.ToLower(opts.action) {
	case "migrate":
		n, err := migrator.Migrate(ctx)
		if err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
		current, err := migrator.GetCurrentVersion(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "applied %d migration(s), schema version %d\n", n, current)
		return nil

	case "status":
		if err := migrator.Initialize(ctx); err != nil {
			return err
		}
		return printStatus(ctx, out, migrator)

	case "validate":
		required := opts.version
		if required <= 0 {
			if required, err = migrations.LatestVersion(dialect); err != nil {
				return err
			}
		}
		if err := migrator.ValidateMigrations(ctx, required); err != nil {
			return err
		}
		fmt.Fprintf(out, "schema is at version %d or later\n", required)
		return nil

	default:
		return fmt.Errorf("unknown action %q (valid: migrate, status, validate)", opts.action)
	}
}

func printStatus(ctx context.Context, out io.Writer, migrator *migrations.Migrator) error {
	statuses, err := migrator.GetMigrationStatus(ctx)
	if err != nil {
		return err
	}

	applied := color.New(color.FgGreen).SprintFunc()
	pending := color.New(color.FgYellow).SprintFunc()

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "VERSION\tNAME\tSTATUS\tAPPLIED AT")
	for _, st := range statuses {
		status, at := pending("pending"), "-"
		if st.Applied {
			status = applied("applied")
			at = st.AppliedAt.Format(time.RFC3339)
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", st.Version, st.Name, status, at)
	}
	return w.Flush()
}
