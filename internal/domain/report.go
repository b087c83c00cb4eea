// SPDX-License-Identifier: Apache-2.0

package domain

import (
	"time"

	"github.com/google/uuid"
)

type RunResult string

const (
	RunCompleted    RunResult = "completed"
	RunPausedMidRun RunResult = "paused_mid_run"
	RunInterrupted  RunResult = "interrupted"
	RunAborted      RunResult = "aborted"

	// Precondition failures. Nothing was credited and no progress was written.
	RunPaused      RunResult = "paused"
	RunFetchFailed RunResult = "fetch_failed"
	RunNotPending  RunResult = "not_pending"
	RunEmpty       RunResult = "empty"
)

func (r RunResult) PreconditionFailed() bool {
	switch r {
	case RunPaused, RunFetchFailed, RunNotPending, RunEmpty:
		return true
	default:
		return false
	}
}

// Failure is one recipient reported under a failure variant.
type Failure struct {
	Token       string `json:"token"`
	RecipientID string `json:"recipient_id,omitempty"`
	Detail      string `json:"detail,omitempty"`
}

// RunReport aggregates one invocation of a distribution run. Failure groups
// are keyed by points amount.
type RunReport struct {
	RunID           uuid.UUID         `json:"run_id"`
	EventID         string            `json:"event_id"`
	EventTitle      string            `json:"event_title,omitempty"`
	Requestor       string            `json:"requestor,omitempty"`
	EventDate       time.Time         `json:"event_date,omitempty"`
	Result          RunResult         `json:"result"`
	Detail          string            `json:"detail,omitempty"`
	Resumed         bool              `json:"resumed"`
	ResumedFrom     *Cursor           `json:"resumed_from,omitempty"`
	StoppedAt       *Cursor           `json:"stopped_at,omitempty"`
	Total           int               `json:"total"`
	Credited        int               `json:"credited"`
	AlreadyCredited int               `json:"already_credited"`
	PointsCredited  int               `json:"points_credited"`
	NotMember       map[int][]Failure `json:"not_member,omitempty"`
	Unresolvable    map[int][]Failure `json:"unresolvable,omitempty"`
	CreditFailed    map[int][]Failure `json:"credit_failed,omitempty"`
	StatusUpdated   bool              `json:"status_updated"`
	StatusError     string            `json:"status_error,omitempty"`
	StartedAt       time.Time         `json:"started_at"`
	FinishedAt      time.Time         `json:"finished_at"`
}

func NewRunReport(eventID string, startedAt time.Time) RunReport {
	return RunReport{
		EventID:      eventID,
		StartedAt:    startedAt,
		NotMember:    make(map[int][]Failure),
		Unresolvable: make(map[int][]Failure),
		CreditFailed: make(map[int][]Failure),
	}
}

// Record folds one outcome into the aggregate counters.
func (r *RunReport) Record(o RecipientOutcome) {
	if r.NotMember == nil {
		r.NotMember = make(map[int][]Failure)
	}
	if r.Unresolvable == nil {
		r.Unresolvable = make(map[int][]Failure)
	}
	if r.CreditFailed == nil {
		r.CreditFailed = make(map[int][]Failure)
	}

	r.Total++
	failure := Failure{Token: o.Token, RecipientID: o.RecipientID, Detail: o.Detail}

	switch o.Kind {
	case OutcomeCredited:
		r.Credited++
		if o.AlreadyCredited {
			r.AlreadyCredited++
		} else {
			r.PointsCredited += o.Points
		}
	case OutcomeNotMember:
		r.NotMember[o.Points] = append(r.NotMember[o.Points], failure)
	case OutcomeUnresolvable:
		r.Unresolvable[o.Points] = append(r.Unresolvable[o.Points], failure)
	case OutcomeCreditFailed:
		r.CreditFailed[o.Points] = append(r.CreditFailed[o.Points], failure)
	}
}

func (r RunReport) NotMemberCount() int    { return countFailures(r.NotMember) }
func (r RunReport) UnresolvableCount() int { return countFailures(r.Unresolvable) }
func (r RunReport) CreditFailedCount() int { return countFailures(r.CreditFailed) }

func countFailures(groups map[int][]Failure) int {
	n := 0
	for _, g := range groups {
		n += len(g)
	}
	return n
}

// MassRunReport aggregates a sequential run over every pending event.
type MassRunReport struct {
	Attempted int         `json:"attempted"`
	Completed int         `json:"completed"`
	Reports   []RunReport `json:"reports"`
}
