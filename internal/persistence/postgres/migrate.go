// SPDX-License-Identifier: Apache-2.0

package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	embeddedmigrations "github.com/adiadia/op-distributor/migrations"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const schemaMigrationLockID int64 = 0x4f50445f4d494752 // "OPD_MIGR"

// requiredSchema lists, per table, the columns the stores read or write.
var requiredSchema = map[string][]string{
	"paused_events":         {"event_id", "paused_at"},
	"distribution_progress": {"event_id", "run_id", "distributions", "current_dist_index", "current_recipient_index"},
	"progress_recipients":   {"seq", "event_id", "recipient_id"},
}

// ErrMigrationDrift means an applied migration file no longer matches the
// checksum recorded when it ran.
var ErrMigrationDrift = errors.New("applied migration was modified")

type SchemaHealthChecker struct {
	pool *pgxpool.Pool
}

func NewSchemaHealthChecker(pool *pgxpool.Pool) *SchemaHealthChecker {
	return &SchemaHealthChecker{pool: pool}
}

func (h *SchemaHealthChecker) Check(ctx context.Context) error {
	return SchemaReady(ctx, h.pool)
}

// EnsureSchema applies pending embedded migrations under an advisory lock so
// that concurrently starting API processes do not race.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool, logger *slog.Logger) error {
	if pool == nil {
		return errors.New("nil database pool")
	}
	if logger == nil {
		logger = slog.Default()
	}

	migrations, err := embeddedmigrations.Ordered(embeddedmigrations.Postgres)
	if err != nil {
		return fmt.Errorf("load embedded migrations: %w", err)
	}
	if len(migrations) == 0 {
		return errors.New("no embedded migrations found")
	}

	started := time.Now()
	conn, err := pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire db connection for schema bootstrap: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, `SELECT pg_advisory_lock($1)`, schemaMigrationLockID); err != nil {
		return fmt.Errorf("acquire schema bootstrap lock: %w", err)
	}
	defer func() {
		unlockCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if _, err := conn.Exec(unlockCtx, `SELECT pg_advisory_unlock($1)`, schemaMigrationLockID); err != nil {
			logger.Error("schema bootstrap unlock failed", "error", err)
		}
	}()

	if _, err := conn.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			filename TEXT PRIMARY KEY,
			checksum TEXT NOT NULL DEFAULT '',
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`); err != nil {
		return fmt.Errorf("create schema_migrations table: %w", err)
	}

	applied, err := appliedChecksums(ctx, conn)
	if err != nil {
		return err
	}

	count := 0
	for _, m := range migrations {
		sum, ok := applied[m.Name]
		if ok {
			if sum != "" && sum != m.Checksum() {
				return fmt.Errorf("%w: %s", ErrMigrationDrift, m.Name)
			}
			continue
		}

		err := pgx.BeginFunc(ctx, conn, func(tx pgx.Tx) error {
			if _, err := tx.Exec(ctx, m.SQL, pgx.QueryExecModeSimpleProtocol); err != nil {
				return err
			}
			_, err := tx.Exec(ctx,
				`INSERT INTO schema_migrations (filename, checksum) VALUES ($1, $2)`,
				m.Name, m.Checksum(),
			)
			return err
		})
		if err != nil {
			return fmt.Errorf("apply migration %s: %w", m.Name, err)
		}
		logger.Info("migration applied", "file", m.Name, "dialect", "postgres")
		count++
	}

	logger.Info("schema bootstrap complete",
		"applied", count,
		"known", len(migrations),
		"duration_ms", time.Since(started).Milliseconds(),
	)
	return SchemaReady(ctx, pool)
}

func appliedChecksums(ctx context.Context, conn *pgxpool.Conn) (map[string]string, error) {
	rows, err := conn.Query(ctx, `SELECT filename, checksum FROM schema_migrations`)
	if err != nil {
		return nil, fmt.Errorf("list applied migrations: %w", err)
	}

	type appliedRow struct {
		Filename string
		Checksum string
	}
	list, err := pgx.CollectRows(rows, pgx.RowToStructByName[appliedRow])
	if err != nil {
		return nil, fmt.Errorf("scan applied migrations: %w", err)
	}

	out := make(map[string]string, len(list))
	for _, r := range list {
		out[r.Filename] = r.Checksum
	}
	return out, nil
}

// SchemaReady reports missing tables or columns the stores depend on.
func SchemaReady(ctx context.Context, pool *pgxpool.Pool) error {
	if pool == nil {
		return errors.New("nil database pool")
	}

	tables := make([]string, 0, len(requiredSchema))
	for table := range requiredSchema {
		tables = append(tables, table)
	}
	slices.Sort(tables)

	var missing []string
	for _, table := range tables {
		rows, err := pool.Query(ctx, `
			SELECT column_name
			FROM information_schema.columns
			WHERE table_schema = 'public' AND table_name = $1
		`, table)
		if err != nil {
			return fmt.Errorf("inspect table %s: %w", table, err)
		}
		columns, err := pgx.CollectRows(rows, pgx.RowTo[string])
		if err != nil {
			return fmt.Errorf("inspect table %s: %w", table, err)
		}

		if len(columns) == 0 {
			missing = append(missing, table)
			continue
		}
		for _, col := range requiredSchema[table] {
			if !slices.Contains(columns, col) {
				missing = append(missing, table+"."+col)
			}
		}
	}

	if len(missing) > 0 {
		return fmt.Errorf("schema incomplete, missing: %s", strings.Join(missing, ", "))
	}
	return nil
}
