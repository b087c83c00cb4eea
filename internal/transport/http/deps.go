// SPDX-License-Identifier: Apache-2.0

package httptransport

import (
	"context"

	"github.com/adiadia/op-distributor/internal/domain"
	"github.com/adiadia/op-distributor/internal/engine"
	"github.com/adiadia/op-distributor/internal/history"
)

type Distributor interface {
	Run(ctx context.Context, eventID string, sink engine.Sink) (domain.RunReport, error)
	Resume(ctx context.Context, eventID string, sink engine.Sink) (domain.RunReport, bool, error)
	MassRun(ctx context.Context, sink engine.Sink) (domain.MassRunReport, error)
	Pause(ctx context.Context, eventID string) (domain.PauseStatus, error)
	SetStatus(ctx context.Context, eventID string, status domain.EventStatus) error
	Progress(ctx context.Context, eventID string) (domain.ProgressSummary, error)
	Abandon(ctx context.Context, eventID string) error
}

type HistoryProvider interface {
	ForRecipient(ctx context.Context, userID string) (history.Summary, error)
}

type HealthChecker interface {
	Check(ctx context.Context) error
}
