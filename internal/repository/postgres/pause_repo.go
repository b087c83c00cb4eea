// SPDX-License-Identifier: Apache-2.0

// Package postgres implements the pause registry and progress store on PostgreSQL.
package postgres

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/adiadia/op-distributor/internal/domain"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type PauseRepository struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
	now    func() time.Time
}

func NewPauseRepository(pool *pgxpool.Pool, logger *slog.Logger) *PauseRepository {
	if logger == nil {
		logger = slog.Default()
	}

	return &PauseRepository{
		pool:   pool,
		logger: logger,
		now:    time.Now,
	}
}

func (r *PauseRepository) Pause(ctx context.Context, eventID string) (bool, error) {
	eventID, err := domain.NormalizeEventID(eventID)
	if err != nil {
		return false, err
	}

	tag, err := r.pool.Exec(ctx, `
		INSERT INTO paused_events (event_id, paused_at)
		VALUES ($1, $2)
		ON CONFLICT (event_id) DO NOTHING
	`, eventID, r.now().UTC())
	if err != nil {
		r.logger.Error("pause insert failed", "event_id", eventID, "error", err)
		return false, err
	}

	return tag.RowsAffected() == 1, nil
}

func (r *PauseRepository) Resume(ctx context.Context, eventID string) (bool, error) {
	eventID, err := domain.NormalizeEventID(eventID)
	if err != nil {
		return false, err
	}

	tag, err := r.pool.Exec(ctx, `DELETE FROM paused_events WHERE event_id = $1`, eventID)
	if err != nil {
		r.logger.Error("pause delete failed", "event_id", eventID, "error", err)
		return false, err
	}

	return tag.RowsAffected() == 1, nil
}

func (r *PauseRepository) IsPaused(ctx context.Context, eventID string) (bool, error) {
	_, ok, err := r.pausedAt(ctx, eventID)
	return ok, err
}

func (r *PauseRepository) PauseDuration(ctx context.Context, eventID string) (time.Duration, error) {
	pausedAt, ok, err := r.pausedAt(ctx, eventID)
	if err != nil || !ok {
		return 0, err
	}

	d := r.now().Sub(pausedAt)
	if d < 0 {
		return 0, nil
	}
	return d, nil
}

func (r *PauseRepository) ListPaused(ctx context.Context) ([]domain.PauseRecord, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT event_id, paused_at
		FROM paused_events
		ORDER BY paused_at ASC, event_id ASC
	`)
	if err != nil {
		r.logger.Error("list paused events failed", "error", err)
		return nil, err
	}
	defer rows.Close()

	out := make([]domain.PauseRecord, 0, 4)
	for rows.Next() {
		var rec domain.PauseRecord
		if err := rows.Scan(&rec.EventID, &rec.PausedAt); err != nil {
			return nil, err
		}
		rec.PausedAt = rec.PausedAt.UTC()
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (r *PauseRepository) pausedAt(ctx context.Context, eventID string) (time.Time, bool, error) {
	eventID, err := domain.NormalizeEventID(eventID)
	if err != nil {
		return time.Time{}, false, err
	}

	var pausedAt time.Time
	err = r.pool.QueryRow(ctx,
		`SELECT paused_at FROM paused_events WHERE event_id = $1`, eventID,
	).Scan(&pausedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		r.logger.Error("pause lookup failed", "event_id", eventID, "error", err)
		return time.Time{}, false, err
	}
	return pausedAt.UTC(), true, nil
}
