// SPDX-License-Identifier: Apache-2.0

// Package sqlite opens the embedded SQLite database that backs pause and
// progress state when no PostgreSQL server is configured.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	embeddedmigrations "github.com/adiadia/op-distributor/migrations"
	_ "modernc.org/sqlite"
)

// Progress must be on disk before the next grant goes out, so synchronous
// is FULL rather than NORMAL.
const dsnPragmas = "?_pragma=foreign_keys(1)" +
	"&_pragma=journal_mode(WAL)" +
	"&_pragma=busy_timeout(5000)" +
	"&_pragma=synchronous(FULL)" +
	"&_txlock=immediate"

// ErrMigrationDrift means an applied migration file no longer matches the
// checksum recorded when it ran.
var ErrMigrationDrift = errors.New("applied migration was modified")

// Open opens the database at path and applies embedded migrations.
func Open(ctx context.Context, path string, logger *slog.Logger) (*sql.DB, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sql.Open("sqlite", filepath.Clean(path)+dsnPragmas)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// A single writer connection keeps transactions from tripping SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := EnsureSchema(ctx, db, logger); err != nil {
		_ = db.Close()
		return nil, err
	}

	return db, nil
}

// EnsureSchema applies every embedded SQLite migration at most once.
func EnsureSchema(ctx context.Context, db *sql.DB, logger *slog.Logger) error {
	if db == nil {
		return errors.New("nil sqlite db")
	}
	if logger == nil {
		logger = slog.Default()
	}

	if _, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			filename TEXT PRIMARY KEY,
			checksum TEXT NOT NULL DEFAULT '',
			applied_at INTEGER NOT NULL
		)
	`); err != nil {
		return fmt.Errorf("create schema_migrations table: %w", err)
	}

	migrations, err := embeddedmigrations.Ordered(embeddedmigrations.SQLite)
	if err != nil {
		return fmt.Errorf("load embedded migrations: %w", err)
	}
	if len(migrations) == 0 {
		return errors.New("no embedded migrations found")
	}

	applied := 0
	for _, migration := range migrations {
		var recorded string
		err := db.QueryRowContext(ctx,
			`SELECT checksum FROM schema_migrations WHERE filename = ?`,
			migration.Name,
		).Scan(&recorded)
		if err == nil {
			if recorded != "" && recorded != migration.Checksum() {
				return fmt.Errorf("%w: %s", ErrMigrationDrift, migration.Name)
			}
			continue
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("check migration %s: %w", migration.Name, err)
		}

		upSQL := extractUp(migration.SQL)
		if strings.TrimSpace(upSQL) == "" {
			continue
		}

		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin migration %s: %w", migration.Name, err)
		}
		if _, err := tx.ExecContext(ctx, upSQL); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("apply migration %s: %w", migration.Name, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO schema_migrations (filename, checksum, applied_at) VALUES (?, ?, ?)`,
			migration.Name,
			migration.Checksum(),
			time.Now().UTC().UnixMilli(),
		); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("record migration %s: %w", migration.Name, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %s: %w", migration.Name, err)
		}

		logger.Info("migration applied", "file", migration.Name, "dialect", "sqlite")
		applied++
	}

	if applied > 0 {
		logger.Info("sqlite schema bootstrap complete", "applied", applied)
	}
	return nil
}

func extractUp(content string) string {
	const up, down = "-- +migrate Up", "-- +migrate Down"

	upIdx := strings.Index(content, up)
	if upIdx == -1 {
		return content
	}
	body := content[upIdx+len(up):]
	if downIdx := strings.Index(body, down); downIdx != -1 {
		body = body[:downIdx]
	}
	return body
}
