// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"context"
	"time"

	"github.com/adiadia/op-distributor/internal/domain"
)

// EventSource supplies event definitions and accepts status transitions.
type EventSource interface {
	FetchEvent(ctx context.Context, eventID string) (domain.Event, error)
	FetchPendingEvents(ctx context.Context) ([]domain.Event, error)
	SetStatus(ctx context.Context, eventID string, status domain.EventStatus) error
}

// RecipientResolver maps a roster token to a recipient. Any error is treated
// as an unresolvable token.
type RecipientResolver interface {
	Resolve(ctx context.Context, token string) (domain.Recipient, error)
}

type RewardClient interface {
	Grant(ctx context.Context, recipientID string, points int) error
}

type PauseRegistry interface {
	Pause(ctx context.Context, eventID string) (bool, error)
	Resume(ctx context.Context, eventID string) (bool, error)
	IsPaused(ctx context.Context, eventID string) (bool, error)
	PauseDuration(ctx context.Context, eventID string) (time.Duration, error)
}

type ProgressStore interface {
	Start(ctx context.Context, eventID string, distributions []domain.Distribution) (domain.ProgressRecord, error)
	Advance(ctx context.Context, eventID string, cursor domain.Cursor, creditedRecipientID string) error
	Get(ctx context.Context, eventID string) (domain.ProgressRecord, bool, error)
	Remove(ctx context.Context, eventID string) (bool, error)
}

// Sink receives every recipient outcome as soon as it is known.
type Sink interface {
	Emit(ctx context.Context, outcome domain.RecipientOutcome)
}

// ReportSink is implemented by sinks that also want each per-event report
// during a mass run.
type ReportSink interface {
	Sink
	Report(ctx context.Context, report domain.RunReport)
}

type SinkFunc func(ctx context.Context, outcome domain.RecipientOutcome)

func (f SinkFunc) Emit(ctx context.Context, outcome domain.RecipientOutcome) { f(ctx, outcome) }

type discardSink struct{}

func (discardSink) Emit(context.Context, domain.RecipientOutcome) {}

// RunNotifier is told about every finished run.
type RunNotifier interface {
	Notify(ctx context.Context, report domain.RunReport) error
}
