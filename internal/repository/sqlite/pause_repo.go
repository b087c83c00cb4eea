// SPDX-License-Identifier: Apache-2.0

// Package sqlite implements the pause registry and progress store on an
// embedded SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"time"

	"github.com/adiadia/op-distributor/internal/domain"
)

type PauseRepository struct {
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time
}

func NewPauseRepository(db *sql.DB, logger *slog.Logger) *PauseRepository {
	if logger == nil {
		logger = slog.Default()
	}

	return &PauseRepository{
		db:     db,
		logger: logger,
		now:    time.Now,
	}
}

// Pause records the event as paused. It reports false when it already was.
func (r *PauseRepository) Pause(ctx context.Context, eventID string) (bool, error) {
	eventID, err := domain.NormalizeEventID(eventID)
	if err != nil {
		return false, err
	}

	res, err := r.db.ExecContext(ctx, `
		INSERT INTO paused_events (event_id, paused_at)
		VALUES (?, ?)
		ON CONFLICT (event_id) DO NOTHING
	`, eventID, toMillis(r.now()))
	if err != nil {
		r.logger.Error("pause insert failed", "event_id", eventID, "error", err)
		return false, err
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Resume clears the pause flag. It reports false when the event was not paused.
func (r *PauseRepository) Resume(ctx context.Context, eventID string) (bool, error) {
	eventID, err := domain.NormalizeEventID(eventID)
	if err != nil {
		return false, err
	}

	res, err := r.db.ExecContext(ctx, `DELETE FROM paused_events WHERE event_id = ?`, eventID)
	if err != nil {
		r.logger.Error("pause delete failed", "event_id", eventID, "error", err)
		return false, err
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r *PauseRepository) IsPaused(ctx context.Context, eventID string) (bool, error) {
	_, ok, err := r.get(ctx, eventID)
	return ok, err
}

// PauseDuration is zero when the event is not paused.
func (r *PauseRepository) PauseDuration(ctx context.Context, eventID string) (time.Duration, error) {
	rec, ok, err := r.get(ctx, eventID)
	if err != nil || !ok {
		return 0, err
	}

	d := r.now().Sub(rec.PausedAt)
	if d < 0 {
		return 0, nil
	}
	return d, nil
}

func (r *PauseRepository) ListPaused(ctx context.Context) ([]domain.PauseRecord, error) {
	rows, err := r.db.QueryContext(ctx, `
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
		var (
			rec      domain.PauseRecord
			pausedAt int64
		)
		if err := rows.Scan(&rec.EventID, &pausedAt); err != nil {
			return nil, err
		}
		rec.PausedAt = fromMillis(pausedAt)
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (r *PauseRepository) get(ctx context.Context, eventID string) (domain.PauseRecord, bool, error) {
	eventID, err := domain.NormalizeEventID(eventID)
	if err != nil {
		return domain.PauseRecord{}, false, err
	}

	var pausedAt int64
	err = r.db.QueryRowContext(ctx,
		`SELECT paused_at FROM paused_events WHERE event_id = ?`, eventID,
	).Scan(&pausedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.PauseRecord{}, false, nil
	}
	if err != nil {
		r.logger.Error("pause lookup failed", "event_id", eventID, "error", err)
		return domain.PauseRecord{}, false, err
	}

	return domain.PauseRecord{EventID: eventID, PausedAt: fromMillis(pausedAt)}, true, nil
}

func toMillis(t time.Time) int64 {
	return t.UTC().UnixMilli()
}

func fromMillis(v int64) time.Time {
	return time.UnixMilli(v).UTC()
}
