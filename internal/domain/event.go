// SPDX-License-Identifier: Apache-2.0

package domain

import (
	"fmt"
	"strings"
	"time"
)

type EventStatus string

const (
	EventPending   EventStatus = "Pending"
	EventCompleted EventStatus = "Completed"
	EventRejected  EventStatus = "Rejected"
)

// ParseEventStatus accepts any casing of a known status and returns its canonical form.
func ParseEventStatus(raw string) (EventStatus, error) {
	for _, s := range []EventStatus{EventPending, EventCompleted, EventRejected} {
		if strings.EqualFold(strings.TrimSpace(raw), string(s)) {
			return s, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidStatus, raw)
}

func (s EventStatus) IsPending() bool {
	return strings.EqualFold(string(s), string(EventPending))
}

// Event is an externally managed reward request. The engine only reads it,
// apart from the final status transition.
type Event struct {
	ID            string         `json:"id"`
	Title         string         `json:"title"`
	Requestor     string         `json:"requestor"`
	Region        string         `json:"region,omitempty"`
	EventDate     time.Time      `json:"event_date"`
	Status        EventStatus    `json:"status"`
	LastEditor    string         `json:"last_editor,omitempty"`
	Distributions []Distribution `json:"distributions"`
}

// Distribution grants the same amount of points to every recipient token in order.
type Distribution struct {
	Points     int      `json:"points"`
	Recipients []string `json:"recipients"`
	Remark     string   `json:"remark,omitempty"`
}

// ParseNameList splits a newline-delimited roster into raw tokens. Blank
// lines are kept so that recipient indexes stay stable across reloads.
func ParseNameList(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}

	lines := strings.Split(strings.ReplaceAll(raw, "\r\n", "\n"), "\n")
	for i := range lines {
		lines[i] = strings.TrimSpace(lines[i])
	}
	return lines
}

// NormalizeEventID trims an event id and rejects blank ones.
func NormalizeEventID(raw string) (string, error) {
	id := strings.TrimSpace(raw)
	if id == "" {
		return "", ErrInvalidEventID
	}
	return id, nil
}
