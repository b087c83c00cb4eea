// SPDX-License-Identifier: Apache-2.0

package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/adiadia/op-distributor/internal/domain"
	"github.com/google/uuid"
)

type ProgressRepository struct {
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time
}

func NewProgressRepository(db *sql.DB, logger *slog.Logger) *ProgressRepository {
	if logger == nil {
		logger = slog.Default()
	}

	return &ProgressRepository{
		db:     db,
		logger: logger,
		now:    time.Now,
	}
}

// Start creates a zeroed record unless one exists, and returns whichever
// record is stored afterwards.
func (r *ProgressRepository) Start(ctx context.Context, eventID string, distributions []domain.Distribution) (domain.ProgressRecord, error) {
	eventID, err := domain.NormalizeEventID(eventID)
	if err != nil {
		return domain.ProgressRecord{}, err
	}

	snapshot, err := json.Marshal(distributions)
	if err != nil {
		return domain.ProgressRecord{}, fmt.Errorf("encode distributions: %w", err)
	}

	now := toMillis(r.now())
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO distribution_progress (
			event_id, run_id, distributions,
			current_dist_index, current_recipient_index,
			started_at, updated_at
		)
		VALUES (?, ?, ?, 0, 0, ?, ?)
		ON CONFLICT (event_id) DO NOTHING
	`, eventID, uuid.NewString(), string(snapshot), now, now)
	if err != nil {
		r.logger.Error("progress start failed", "event_id", eventID, "error", err)
		return domain.ProgressRecord{}, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		r.logger.Debug("progress already started", "event_id", eventID)
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

// Advance moves the cursor and, for a non-empty id, adds it to the credited
// set. Both writes commit together.
func (r *ProgressRepository) Advance(ctx context.Context, eventID string, cursor domain.Cursor, creditedRecipientID string) error {
	eventID, err := domain.NormalizeEventID(eventID)
	if err != nil {
		return err
	}
	if cursor.Distribution < 0 || cursor.Recipient < 0 {
		return fmt.Errorf("invalid cursor %d/%d", cursor.Distribution, cursor.Recipient)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback()
	}()

	now := toMillis(r.now())
	res, err := tx.ExecContext(ctx, `
		UPDATE distribution_progress
		SET current_dist_index = ?,
		    current_recipient_index = ?,
		    updated_at = ?
		WHERE event_id = ?
	`, cursor.Distribution, cursor.Recipient, now, eventID)
	if err != nil {
		r.logger.Error("progress cursor update failed", "event_id", eventID, "error", err)
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return domain.ErrProgressNotFound
	}

	if id := strings.TrimSpace(creditedRecipientID); id != "" {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO progress_recipients (event_id, recipient_id, credited_at)
			VALUES (?, ?, ?)
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

	return tx.Commit()
}

func (r *ProgressRepository) Get(ctx context.Context, eventID string) (domain.ProgressRecord, bool, error) {
	eventID, err := domain.NormalizeEventID(eventID)
	if err != nil {
		return domain.ProgressRecord{}, false, err
	}

	var (
		rec       domain.ProgressRecord
		runID     string
		snapshot  string
		startedAt int64
		updatedAt int64
	)
	err = r.db.QueryRowContext(ctx, `
		SELECT run_id, distributions, current_dist_index, current_recipient_index, started_at, updated_at
		FROM distribution_progress
		WHERE event_id = ?
	`, eventID).Scan(
		&runID,
		&snapshot,
		&rec.Cursor.Distribution,
		&rec.Cursor.Recipient,
		&startedAt,
		&updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ProgressRecord{}, false, nil
	}
	if err != nil {
		r.logger.Error("progress lookup failed", "event_id", eventID, "error", err)
		return domain.ProgressRecord{}, false, err
	}

	rec.EventID = eventID
	rec.StartedAt = fromMillis(startedAt)
	rec.UpdatedAt = fromMillis(updatedAt)
	if rec.RunID, err = uuid.Parse(runID); err != nil {
		return domain.ProgressRecord{}, false, fmt.Errorf("decode run id: %w", err)
	}
	if err := json.Unmarshal([]byte(snapshot), &rec.Distributions); err != nil {
		return domain.ProgressRecord{}, false, fmt.Errorf("decode distributions: %w", err)
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT recipient_id
		FROM progress_recipients
		WHERE event_id = ?
		ORDER BY seq ASC
	`, eventID)
	if err != nil {
		return domain.ProgressRecord{}, false, err
	}
	defer rows.Close()

	rec.CompletedRecipients = make([]string, 0, 16)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return domain.ProgressRecord{}, false, err
		}
		rec.CompletedRecipients = append(rec.CompletedRecipients, id)
	}
	if err := rows.Err(); err != nil {
		return domain.ProgressRecord{}, false, err
	}

	return rec, true, nil
}

// Remove deletes the record. It reports false when there was nothing to delete.
func (r *ProgressRepository) Remove(ctx context.Context, eventID string) (bool, error) {
	eventID, err := domain.NormalizeEventID(eventID)
	if err != nil {
		return false, err
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if _, err := tx.ExecContext(ctx, `DELETE FROM progress_recipients WHERE event_id = ?`, eventID); err != nil {
		return false, err
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM distribution_progress WHERE event_id = ?`, eventID)
	if err != nil {
		r.logger.Error("progress delete failed", "event_id", eventID, "error", err)
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}

	if err := tx.Commit(); err != nil {
		return false, err
	}
	return n == 1, nil
}
