// SPDX-License-Identifier: Apache-2.0

package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/adiadia/op-distributor/internal/domain"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type ProgressRepository struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
	now    func() time.Time
}

func NewProgressRepository(pool *pgxpool.Pool, logger *slog.Logger) *ProgressRepository {
	if logger == nil {
		logger = slog.Default()
	}

	return &ProgressRepository{
		pool:   pool,
		logger: logger,
		now:    time.Now,
	}
}

func (r *ProgressRepository) Start(ctx context.Context, eventID string, distributions []domain.Distribution) (domain.ProgressRecord, error) {
	eventID, err := domain.NormalizeEventID(eventID)
	if err != nil {
		return domain.ProgressRecord{}, err
	}

	snapshot, err := json.Marshal(distributions)
	if err != nil {
		return domain.ProgressRecord{}, fmt.Errorf("encode distributions: %w", err)
	}

	now := r.now().UTC()
	if _, err := r.pool.Exec(ctx, `
		INSERT INTO distribution_progress (
			event_id, run_id, distributions,
			current_dist_index, current_recipient_index,
			started_at, updated_at
		)
		VALUES ($1, $2, $3, 0, 0, $4, $4)
		ON CONFLICT (event_id) DO NOTHING
	`, eventID, uuid.New(), snapshot, now); err != nil {
		r.logger.Error("progress start failed", "event_id", eventID, "error", err)
		return domain.ProgressRecord{}, err
	}

	rec, ok, err := r.Get(ctx, eventID)
	if err != nil {
		return domain.ProgressRecord{}, err
	}
	if !ok {
		return domain.ProgressRecord{}, domain.ErrProgressNotFound
	}
	return rec, nil
}

func (r *ProgressRepository) Advance(ctx context.Context, eventID string, cursor domain.Cursor, creditedRecipientID string) error {
	eventID, err := domain.NormalizeEventID(eventID)
	if err != nil {
		return err
	}
	if cursor.Distribution < 0 || cursor.Recipient < 0 {
		return fmt.Errorf("invalid cursor %d/%d", cursor.Distribution, cursor.Recipient)
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	now := r.now().UTC()
	tag, err := tx.Exec(ctx, `
		UPDATE distribution_progress
		SET current_dist_index = $2,
		    current_recipient_index = $3,
		    updated_at = $4
		WHERE event_id = $1
	`, eventID, cursor.Distribution, cursor.Recipient, now)
	if err != nil {
		r.logger.Error("progress cursor update failed", "event_id", eventID, "error", err)
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrProgressNotFound
	}

	if id := strings.TrimSpace(creditedRecipientID); id != "" {
		if _, err := tx.Exec(ctx, `
			INSERT INTO progress_recipients (event_id, recipient_id, credited_at)
			VALUES ($1, $2, $3)
			ON CONFLICT (event_id, recipient_id) DO NOTHING
		`, eventID, id, now); err != nil {
			r.logger.Error("progress recipient insert failed",
				"event_id", eventID,
				"recipient_id", id,
				"error", err,
			)
			return err
		}
	}

	return tx.Commit(ctx)
}

func (r *ProgressRepository) Get(ctx context.Context, eventID string) (domain.ProgressRecord, bool, error) {
	eventID, err := domain.NormalizeEventID(eventID)
	if err != nil {
		return domain.ProgressRecord{}, false, err
	}

	var (
		rec      domain.ProgressRecord
		snapshot []byte
	)
	err = r.pool.QueryRow(ctx, `
		SELECT run_id, distributions, current_dist_index, current_recipient_index, started_at, updated_at
		FROM distribution_progress
		WHERE event_id = $1
	`, eventID).Scan(
		&rec.RunID,
		&snapshot,
		&rec.Cursor.Distribution,
		&rec.Cursor.Recipient,
		&rec.StartedAt,
		&rec.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.ProgressRecord{}, false, nil
	}
	if err != nil {
		r.logger.Error("progress lookup failed", "event_id", eventID, "error", err)
		return domain.ProgressRecord{}, false, err
	}

	rec.EventID = eventID
	rec.StartedAt = rec.StartedAt.UTC()
	rec.UpdatedAt = rec.UpdatedAt.UTC()
	if err := json.Unmarshal(snapshot, &rec.Distributions); err != nil {
		return domain.ProgressRecord{}, false, fmt.Errorf("decode distributions: %w", err)
	}

	rows, err := r.pool.Query(ctx, `
		SELECT recipient_id
		FROM progress_recipients
		WHERE event_id = $1
		ORDER BY seq ASC
	`, eventID)
	if err != nil {
		return domain.ProgressRecord{}, false, err
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return domain.ProgressRecord{}, false, err
	}
	rec.CompletedRecipients = ids

	return rec, true, nil
}

func (r *ProgressRepository) Remove(ctx context.Context, eventID string) (bool, error) {
	eventID, err := domain.NormalizeEventID(eventID)
	if err != nil {
		return false, err
	}

	tag, err := r.pool.Exec(ctx, `DELETE FROM distribution_progress WHERE event_id = $1`, eventID)
	if err != nil {
		r.logger.Error("progress delete failed", "event_id", eventID, "error", err)
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}
