// SPDX-License-Identifier: Apache-2.0

// Package repository selects and opens the durable store that holds pause
// flags and distribution progress.
package repository

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/adiadia/op-distributor/internal/domain"
	pgdb "github.com/adiadia/op-distributor/internal/persistence/postgres"
	sqlitedb "github.com/adiadia/op-distributor/internal/persistence/sqlite"
	pgrepo "github.com/adiadia/op-distributor/internal/repository/postgres"
	sqliterepo "github.com/adiadia/op-distributor/internal/repository/sqlite"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

type PauseStore interface {
	Pause(ctx context.Context, eventID string) (bool, error)
	Resume(ctx context.Context, eventID string) (bool, error)
	IsPaused(ctx context.Context, eventID string) (bool, error)
	PauseDuration(ctx context.Context, eventID string) (time.Duration, error)
	ListPaused(ctx context.Context) ([]domain.PauseRecord, error)
}

type ProgressStore interface {
	Start(ctx context.Context, eventID string, distributions []domain.Distribution) (domain.ProgressRecord, error)
	Advance(ctx context.Context, eventID string, cursor domain.Cursor, creditedRecipientID string) error
	Get(ctx context.Context, eventID string) (domain.ProgressRecord, bool, error)
	Remove(ctx context.Context, eventID string) (bool, error)
}

type Options struct {
	Driver      string
	SQLitePath  string
	DatabaseURL string
	MaxConns    int32
	AutoMigrate bool
}

// Stores bundles both state stores over one database handle.
type Stores struct {
	Pauses   PauseStore
	Progress ProgressStore
	Driver   string

	check func(ctx context.Context) error
	close func()
}

func Open(ctx context.Context, opts Options, logger *slog.Logger) (*Stores, error) {
	if logger == nil {
		logger = slog.Default()
	}

	switch strings.ToLower(strings.TrimSpace(opts.Driver)) {
	case "", DriverSQLite:
		db, err := sqlitedb.Open(ctx, opts.SQLitePath, logger)
		if err != nil {
			return nil, err
		}
		logger.Info("state store opened", "driver", DriverSQLite, "path", opts.SQLitePath)
		return newSQLiteStores(db, logger), nil

	case DriverPostgres:
		pool, err := pgdb.NewPool(ctx, opts.DatabaseURL, pgdb.PoolOptions{MaxConns: opts.MaxConns})
		if err != nil {
			return nil, fmt.Errorf("db connect: %w", err)
		}
		if opts.AutoMigrate {
			if err := pgdb.EnsureSchema(ctx, pool, logger); err != nil {
				pool.Close()
				return nil, fmt.Errorf("schema bootstrap: %w", err)
			}
		} else if err := pgdb.SchemaReady(ctx, pool); err != nil {
			pool.Close()
			return nil, fmt.Errorf("schema not ready: %w", err)
		}
		logger.Info("state store opened", "driver", DriverPostgres)
		return newPostgresStores(pool, logger), nil

	default:
		return nil, fmt.Errorf("unsupported store driver %q", opts.Driver)
	}
}

func newSQLiteStores(db *sql.DB, logger *slog.Logger) *Stores {
	return &Stores{
		Pauses:   sqliterepo.NewPauseRepository(db, logger),
		Progress: sqliterepo.NewProgressRepository(db, logger),
		Driver:   DriverSQLite,
		check:    db.PingContext,
		close:    func() { _ = db.Close() },
	}
}

func newPostgresStores(pool *pgxpool.Pool, logger *slog.Logger) *Stores {
	return &Stores{
		Pauses:   pgrepo.NewPauseRepository(pool, logger),
		Progress: pgrepo.NewProgressRepository(pool, logger),
		Driver:   DriverPostgres,
		check:    pgdb.NewSchemaHealthChecker(pool).Check,
		close:    pool.Close,
	}
}

// Check reports whether the underlying database is reachable.
func (s *Stores) Check(ctx context.Context) error {
	if s == nil || s.check == nil {
		return fmt.Errorf("state store not configured")
	}
	return s.check(ctx)
}

func (s *Stores) Close() {
	if s == nil || s.close == nil {
		return
	}
	s.close()
}
