// SPDX-License-Identifier: Apache-2.0

// Package engine walks an event's distributions, credits each resolved
// recipient, and keeps enough durable progress to resume after a pause or a
// restart without crediting anyone twice.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/adiadia/op-distributor/internal/domain"
	"github.com/adiadia/op-distributor/internal/metrics"
)

const (
	defaultGrantDelay    = 500 * time.Millisecond
	defaultEventCooldown = time.Second
	notifyTimeout        = 30 * time.Second
)

type Deps struct {
	Events   EventSource
	Resolver RecipientResolver
	Rewards  RewardClient
	Pauses   PauseRegistry
	Progress ProgressStore
	Notifier RunNotifier
	Logger   *slog.Logger

	// GrantDelay is waited before every grant call.
	GrantDelay time.Duration
	// EventCooldown is waited between events of a mass run.
	EventCooldown time.Duration

	Sleep func(ctx context.Context, d time.Duration) error
	Now   func() time.Time
}

type Engine struct {
	events        EventSource
	resolver      RecipientResolver
	rewards       RewardClient
	pauses        PauseRegistry
	progress      ProgressStore
	notifier      RunNotifier
	logger        *slog.Logger
	grantDelay    time.Duration
	eventCooldown time.Duration
	sleep         func(ctx context.Context, d time.Duration) error
	now           func() time.Time
	locks         *keyedLock
}

func New(deps Deps) (*Engine, error) {
	switch {
	case deps.Events == nil:
		return nil, errors.New("engine: event source is required")
	case deps.Resolver == nil:
		return nil, errors.New("engine: recipient resolver is required")
	case deps.Rewards == nil:
		return nil, errors.New("engine: reward client is required")
	case deps.Pauses == nil:
		return nil, errors.New("engine: pause registry is required")
	case deps.Progress == nil:
		return nil, errors.New("engine: progress store is required")
	}

	l := deps.Logger
	if l == nil {
		l = slog.Default()
	}

	grantDelay := deps.GrantDelay
	if grantDelay <= 0 {
		grantDelay = defaultGrantDelay
	}
	cooldown := deps.EventCooldown
	if cooldown <= 0 {
		cooldown = defaultEventCooldown
	}

	sleep := deps.Sleep
	if sleep == nil {
		sleep = sleepContext
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}

	return &Engine{
		events:        deps.Events,
		resolver:      deps.Resolver,
		rewards:       deps.Rewards,
		pauses:        deps.Pauses,
		progress:      deps.Progress,
		notifier:      deps.Notifier,
		logger:        l,
		grantDelay:    grantDelay,
		eventCooldown: cooldown,
		sleep:         sleep,
		now:           now,
		locks:         newKeyedLock(),
	}, nil
}

// Run distributes an event, resuming stored progress when there is any.
// Precondition failures and per-recipient failures are part of the report;
// the error is non-nil only when the run was aborted by a store failure or
// interrupted by ctx.
func (e *Engine) Run(ctx context.Context, eventID string, sink Sink) (domain.RunReport, error) {
	id, err := domain.NormalizeEventID(eventID)
	if err != nil {
		return domain.RunReport{}, err
	}
	if sink == nil {
		sink = discardSink{}
	}

	report := domain.NewRunReport(id, e.now())

	unlock, err := e.locks.Lock(ctx, id)
	if err != nil {
		report.Result = domain.RunInterrupted
		report.Detail = err.Error()
		report.FinishedAt = e.now()
		return report, err
	}
	defer unlock()

	runErr := e.execute(ctx, id, sink, &report)
	report.FinishedAt = e.now()
	// The event is free again before the notifier runs; unlock is idempotent.
	unlock()

	metrics.IncRunResult(report.Result)
	metrics.ObserveRunDuration(report.FinishedAt.Sub(report.StartedAt))

	e.logger.Info("distribution run finished",
		"event_id", id,
		"run_id", report.RunID,
		"result", report.Result,
		"resumed", report.Resumed,
		"total", report.Total,
		"credited", report.Credited,
		"not_member", report.NotMemberCount(),
		"unresolvable", report.UnresolvableCount(),
		"credit_failed", report.CreditFailedCount(),
		"status_updated", report.StatusUpdated,
	)

	e.notify(ctx, report)
	return report, runErr
}

func (e *Engine) execute(ctx context.Context, id string, sink Sink, report *domain.RunReport) error {
	paused, err := e.pauses.IsPaused(ctx, id)
	if err != nil {
		return e.abort(ctx, report, nil, fmt.Errorf("check pause: %w", err))
	}
	if paused {
		report.Result = domain.RunPaused
		report.Detail = "event is paused"
		return nil
	}

	event, err := e.events.FetchEvent(ctx, id)
	if err != nil {
		if ctx.Err() != nil {
			return e.abort(ctx, report, nil, ctx.Err())
		}
		report.Result = domain.RunFetchFailed
		report.Detail = err.Error()
		return nil
	}

	report.EventTitle = event.Title
	report.Requestor = event.Requestor
	report.EventDate = event.EventDate

	if !event.Status.IsPending() {
		report.Result = domain.RunNotPending
		report.Detail = fmt.Sprintf("event status is %s", event.Status)
		return nil
	}
	if len(event.Distributions) == 0 {
		report.Result = domain.RunEmpty
		report.Detail = "event has no distributions"
		return nil
	}

	rec, found, err := e.progress.Get(ctx, id)
	if err != nil {
		return e.abort(ctx, report, nil, fmt.Errorf("load progress: %w", err))
	}
	if found {
		report.Resumed = true
		from := rec.Cursor
		report.ResumedFrom = &from
	} else {
		rec, err = e.progress.Start(ctx, id, event.Distributions)
		if err != nil {
			return e.abort(ctx, report, nil, fmt.Errorf("start progress: %w", err))
		}
	}
	report.RunID = rec.RunID

	e.logger.Info("distribution run started",
		"event_id", id,
		"run_id", rec.RunID,
		"resumed", found,
		"distribution", rec.Cursor.Distribution,
		"recipient", rec.Cursor.Recipient,
	)

	// The stored snapshot is authoritative so that cursor indexes keep
	// pointing at the roster they were recorded against.
	dists := rec.Distributions
	if len(dists) == 0 {
		dists = event.Distributions
	}

	completed := make(map[string]struct{}, len(rec.CompletedRecipients))
	for _, rid := range rec.CompletedRecipients {
		completed[rid] = struct{}{}
	}

	for d := rec.Cursor.Distribution; d < len(dists); d++ {
		start := 0
		if d == rec.Cursor.Distribution {
			start = rec.Cursor.Recipient
		}

		dist := dists[d]
		for r := start; r < len(dist.Recipients); r++ {
			token := strings.TrimSpace(dist.Recipients[r])
			if token == "" {
				continue
			}
			pos := domain.Cursor{Distribution: d, Recipient: r}

			if err := ctx.Err(); err != nil {
				return e.abort(ctx, report, &pos, err)
			}

			paused, err := e.pauses.IsPaused(ctx, id)
			if err != nil {
				return e.abort(ctx, report, &pos, fmt.Errorf("check pause: %w", err))
			}
			if paused {
				report.Result = domain.RunPausedMidRun
				report.Detail = "event was paused during the run"
				report.StoppedAt = &pos
				e.logger.Info("distribution run paused",
					"event_id", id,
					"distribution", d,
					"recipient", r,
				)
				return nil
			}

			outcome, err := e.processRecipient(ctx, id, token, dist.Points, pos, completed)
			if outcome.Kind != "" {
				report.Record(outcome)
				metrics.IncRecipientOutcome(outcome.Kind)
				sink.Emit(ctx, outcome)
			}
			if err != nil {
				return e.abort(ctx, report, &pos, err)
			}
		}
	}

	report.Result = domain.RunCompleted

	err = e.events.SetStatus(ctx, id, domain.EventCompleted)
	metrics.IncStatusUpdate(err == nil)
	if err != nil {
		report.StatusError = err.Error()
		e.logger.Warn("event status update failed",
			"event_id", id,
			"run_id", report.RunID,
			"error", err,
		)
		return nil
	}
	report.StatusUpdated = true

	if _, err := e.progress.Remove(ctx, id); err != nil {
		report.Detail = "progress record not removed: " + err.Error()
		e.logger.Error("remove progress failed",
			"event_id", id,
			"run_id", report.RunID,
			"error", err,
		)
	}
	return nil
}

func (e *Engine) processRecipient(
	ctx context.Context,
	eventID string,
	token string,
	points int,
	pos domain.Cursor,
	completed map[string]struct{},
) (domain.RecipientOutcome, error) {
	out := domain.RecipientOutcome{
		EventID:  eventID,
		Token:    token,
		Points:   points,
		Position: pos,
	}

	recipient, err := e.resolver.Resolve(ctx, token)
	if err != nil {
		if ctx.Err() != nil {
			return domain.RecipientOutcome{}, ctx.Err()
		}
		out.Kind = domain.OutcomeUnresolvable
		out.Detail = err.Error()
		return out, nil
	}

	out.RecipientID = recipient.ID
	if !recipient.IsMember {
		out.Kind = domain.OutcomeNotMember
		out.Detail = "not a member of the community"
		return out, nil
	}

	next := domain.Cursor{Distribution: pos.Distribution, Recipient: pos.Recipient + 1}

	if _, ok := completed[recipient.ID]; ok {
		out.Kind = domain.OutcomeCredited
		out.AlreadyCredited = true
		if err := e.progress.Advance(ctx, eventID, next, ""); err != nil {
			return out, fmt.Errorf("advance progress: %w", err)
		}
		return out, nil
	}

	if err := e.sleep(ctx, e.grantDelay); err != nil {
		return domain.RecipientOutcome{}, err
	}

	if err := e.rewards.Grant(ctx, recipient.ID, points); err != nil {
		if ctx.Err() != nil {
			return domain.RecipientOutcome{}, ctx.Err()
		}
		out.Kind = domain.OutcomeCreditFailed
		out.Detail = err.Error()
		e.logger.Warn("grant failed",
			"event_id", eventID,
			"recipient_id", recipient.ID,
			"points", points,
			"error", err,
		)
		return out, nil
	}

	out.Kind = domain.OutcomeCredited
	completed[recipient.ID] = struct{}{}

	// The grant already happened; record it even if the caller is going away.
	if err := e.progress.Advance(context.WithoutCancel(ctx), eventID, next, recipient.ID); err != nil {
		return out, fmt.Errorf("advance progress: %w", err)
	}
	return out, nil
}

func (e *Engine) abort(ctx context.Context, report *domain.RunReport, pos *domain.Cursor, err error) error {
	if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		report.Result = domain.RunInterrupted
	} else {
		report.Result = domain.RunAborted
	}
	report.Detail = err.Error()
	report.StoppedAt = pos

	e.logger.Error("distribution run stopped",
		"event_id", report.EventID,
		"run_id", report.RunID,
		"result", report.Result,
		"error", err,
	)
	return err
}

func (e *Engine) notify(ctx context.Context, report domain.RunReport) {
	if e.notifier == nil {
		return
	}

	nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), notifyTimeout)
	defer cancel()

	if err := e.notifier.Notify(nctx, report); err != nil {
		e.logger.Warn("run report notification failed",
			"event_id", report.EventID,
			"run_id", report.RunID,
			"error", err,
		)
	}
}

// Resume clears the pause flag and reruns the event. The bool is false when
// the event was not paused, in which case nothing runs.
func (e *Engine) Resume(ctx context.Context, eventID string, sink Sink) (domain.RunReport, bool, error) {
	id, err := domain.NormalizeEventID(eventID)
	if err != nil {
		return domain.RunReport{}, false, err
	}

	resumed, err := e.pauses.Resume(ctx, id)
	if err != nil {
		return domain.RunReport{}, false, fmt.Errorf("resume event: %w", err)
	}
	if !resumed {
		return domain.RunReport{}, false, nil
	}

	e.logger.Info("event resumed", "event_id", id)

	report, err := e.Run(ctx, id, sink)
	return report, true, err
}

// MassRun runs every pending event in listed order with a cooldown between
// events. One event's failure never stops the others.
func (e *Engine) MassRun(ctx context.Context, sink Sink) (domain.MassRunReport, error) {
	if sink == nil {
		sink = discardSink{}
	}
	reportSink, _ := sink.(ReportSink)

	var summary domain.MassRunReport

	events, err := e.events.FetchPendingEvents(ctx)
	if err != nil {
		return summary, fmt.Errorf("fetch pending events: %w", err)
	}

	for _, ev := range events {
		if !ev.Status.IsPending() {
			continue
		}

		if summary.Attempted > 0 {
			if err := e.sleep(ctx, e.eventCooldown); err != nil {
				return summary, err
			}
		}

		report, err := e.Run(ctx, ev.ID, sink)
		summary.Attempted++
		if report.Result == domain.RunCompleted {
			summary.Completed++
		}
		summary.Reports = append(summary.Reports, report)
		if reportSink != nil {
			reportSink.Report(ctx, report)
		}

		if err != nil {
			if ctx.Err() != nil {
				return summary, err
			}
			e.logger.Warn("mass run event failed", "event_id", ev.ID, "error", err)
		}
	}

	e.logger.Info("mass run finished",
		"attempted", summary.Attempted,
		"completed", summary.Completed,
	)
	return summary, nil
}

// Pause flags an existing event. Pausing an already paused event is not an
// error; the status then carries how long it has been paused.
func (e *Engine) Pause(ctx context.Context, eventID string) (domain.PauseStatus, error) {
	id, err := domain.NormalizeEventID(eventID)
	if err != nil {
		return domain.PauseStatus{}, err
	}

	if _, err := e.events.FetchEvent(ctx, id); err != nil {
		return domain.PauseStatus{}, err
	}

	newly, err := e.pauses.Pause(ctx, id)
	if err != nil {
		return domain.PauseStatus{}, fmt.Errorf("pause event: %w", err)
	}

	status := domain.PauseStatus{EventID: id, NewlyPaused: newly}
	if !newly {
		d, err := e.pauses.PauseDuration(ctx, id)
		if err != nil {
			return domain.PauseStatus{}, fmt.Errorf("pause duration: %w", err)
		}
		status.PausedFor = d
	}

	e.logger.Info("event paused", "event_id", id, "newly_paused", newly)
	return status, nil
}

// SetStatus is the manual status override.
func (e *Engine) SetStatus(ctx context.Context, eventID string, status domain.EventStatus) error {
	id, err := domain.NormalizeEventID(eventID)
	if err != nil {
		return err
	}
	canonical, err := domain.ParseEventStatus(string(status))
	if err != nil {
		return err
	}

	err = e.events.SetStatus(ctx, id, canonical)
	metrics.IncStatusUpdate(err == nil)
	if err != nil {
		return err
	}

	e.logger.Info("event status set", "event_id", id, "status", canonical)
	return nil
}

// Progress summarizes the stored progress of an unfinished run.
func (e *Engine) Progress(ctx context.Context, eventID string) (domain.ProgressSummary, error) {
	id, err := domain.NormalizeEventID(eventID)
	if err != nil {
		return domain.ProgressSummary{}, err
	}

	rec, found, err := e.progress.Get(ctx, id)
	if err != nil {
		return domain.ProgressSummary{}, fmt.Errorf("load progress: %w", err)
	}
	if !found {
		return domain.ProgressSummary{}, domain.ErrProgressNotFound
	}

	summary := rec.Summary()
	summary.Paused, err = e.pauses.IsPaused(ctx, id)
	if err != nil {
		return domain.ProgressSummary{}, fmt.Errorf("check pause: %w", err)
	}
	return summary, nil
}

// Abandon drops stored progress so the next run starts fresh. It refuses
// while a run for the event is active.
func (e *Engine) Abandon(ctx context.Context, eventID string) error {
	id, err := domain.NormalizeEventID(eventID)
	if err != nil {
		return err
	}

	unlock, ok := e.locks.TryLock(id)
	if !ok {
		return domain.ErrRunInProgress
	}
	defer unlock()

	removed, err := e.progress.Remove(ctx, id)
	if err != nil {
		return fmt.Errorf("remove progress: %w", err)
	}
	if !removed {
		return domain.ErrProgressNotFound
	}

	e.logger.Info("progress abandoned", "event_id", id)
	return nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
