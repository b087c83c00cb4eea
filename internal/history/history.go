// SPDX-License-Identifier: Apache-2.0

// Package history totals the points a recipient has been listed for across
// completed events.
package history

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/adiadia/op-distributor/internal/directory"
	"github.com/adiadia/op-distributor/internal/domain"
)

// TopEntries caps Summary.Top.
const TopEntries = 10

type Entry struct {
	EventID   string    `json:"event_id"`
	Title     string    `json:"title"`
	EventDate time.Time `json:"event_date,omitempty"`
	Points    int       `json:"points"`
}

type Summary struct {
	RecipientID string   `json:"recipient_id"`
	Aliases     []string `json:"aliases"`
	TotalPoints int      `json:"total_points"`
	EntryCount  int      `json:"entry_count"`
	Top         []Entry  `json:"top"`
}

// Build scans the roster of every completed event for any of the aliases.
// Each matching distribution counts once.
func Build(events []domain.Event, aliases []string) Summary {
	names := make(map[string]struct{}, len(aliases))
	for _, a := range aliases {
		if a = strings.TrimSpace(a); a != "" {
			names[a] = struct{}{}
		}
	}

	var s Summary
	var entries []Entry
	for _, ev := range events {
		if ev.Status != domain.EventCompleted {
			continue
		}
		for _, d := range ev.Distributions {
			if !listed(d.Recipients, names) {
				continue
			}
			s.TotalPoints += d.Points
			entries = append(entries, Entry{
				EventID:   ev.ID,
				Title:     ev.Title,
				EventDate: ev.EventDate,
				Points:    d.Points,
			})
		}
	}

	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].Points > entries[j].Points
	})

	s.EntryCount = len(entries)
	if len(entries) > TopEntries {
		entries = entries[:TopEntries]
	}
	s.Top = entries
	return s
}

func listed(tokens []string, names map[string]struct{}) bool {
	for _, tok := range tokens {
		if _, ok := names[strings.TrimSpace(tok)]; ok {
			return true
		}
	}
	return false
}

type EventLister interface {
	FetchEvents(ctx context.Context) ([]domain.Event, error)
}

type ProfileLookup interface {
	Lookup(ctx context.Context, userID string) (directory.Profile, error)
}

type Service struct {
	events   EventLister
	profiles ProfileLookup
	logger   *slog.Logger
}

func NewService(events EventLister, profiles ProfileLookup, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{events: events, profiles: profiles, logger: logger}
}

// ForRecipient resolves the user's known names and builds their summary.
func (s *Service) ForRecipient(ctx context.Context, userID string) (Summary, error) {
	profile, err := s.profiles.Lookup(ctx, userID)
	if err != nil {
		return Summary{}, err
	}

	events, err := s.events.FetchEvents(ctx)
	if err != nil {
		return Summary{}, fmt.Errorf("fetch events: %w", err)
	}

	aliases := profile.Aliases()
	summary := Build(events, aliases)
	summary.RecipientID = profile.ID
	summary.Aliases = aliases

	s.logger.Info("history built",
		"recipient_id", profile.ID,
		"entries", summary.EntryCount,
		"total_points", summary.TotalPoints,
	)
	return summary, nil
}
