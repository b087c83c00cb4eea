// SPDX-License-Identifier: Apache-2.0

package domain

import (
	"time"

	"github.com/google/uuid"
)

// Cursor names the next (distribution, recipient) position to process.
type Cursor struct {
	Distribution int `json:"distribution"`
	Recipient    int `json:"recipient"`
}

type PauseRecord struct {
	EventID  string    `json:"event_id"`
	PausedAt time.Time `json:"paused_at"`
}

// ProgressRecord is the durable state of an unfinished run.
type ProgressRecord struct {
	EventID             string         `json:"event_id"`
	RunID               uuid.UUID      `json:"run_id"`
	Distributions       []Distribution `json:"distributions"`
	Cursor              Cursor         `json:"cursor"`
	CompletedRecipients []string       `json:"completed_recipients"`
	StartedAt           time.Time      `json:"started_at"`
	UpdatedAt           time.Time      `json:"updated_at"`
}

func (p ProgressRecord) HasCompleted(recipientID string) bool {
	for _, id := range p.CompletedRecipients {
		if id == recipientID {
			return true
		}
	}
	return false
}

// ProgressSummary is the operator view of a stored ProgressRecord.
type ProgressSummary struct {
	EventID            string    `json:"event_id"`
	RunID              uuid.UUID `json:"run_id"`
	Distribution       int       `json:"distribution"`
	TotalDistributions int       `json:"total_distributions"`
	Recipient          int       `json:"recipient"`
	CompletedCount     int       `json:"completed_count"`
	StartedAt          time.Time `json:"started_at"`
	UpdatedAt          time.Time `json:"updated_at"`
	Paused             bool      `json:"paused"`
}

func (p ProgressRecord) Summary() ProgressSummary {
	return ProgressSummary{
		EventID:            p.EventID,
		RunID:              p.RunID,
		Distribution:       p.Cursor.Distribution + 1,
		TotalDistributions: len(p.Distributions),
		Recipient:          p.Cursor.Recipient,
		CompletedCount:     len(p.CompletedRecipients),
		StartedAt:          p.StartedAt,
		UpdatedAt:          p.UpdatedAt,
	}
}

type PauseStatus struct {
	EventID     string        `json:"event_id"`
	NewlyPaused bool          `json:"newly_paused"`
	PausedFor   time.Duration `json:"-"`
}
