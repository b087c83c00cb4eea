// SPDX-License-Identifier: Apache-2.0

package domain

type OutcomeKind string

const (
	OutcomeCredited     OutcomeKind = "credited"
	OutcomeNotMember    OutcomeKind = "not_member"
	OutcomeUnresolvable OutcomeKind = "unresolvable"
	OutcomeCreditFailed OutcomeKind = "credit_failed"
)

// Recipient is the result of resolving a free-text roster token.
type Recipient struct {
	ID       string `json:"id"`
	Name     string `json:"name,omitempty"`
	IsMember bool   `json:"is_member"`
}

// RecipientOutcome is the per-recipient result of a run. Failures are values
// here, not errors.
type RecipientOutcome struct {
	EventID         string      `json:"event_id"`
	Kind            OutcomeKind `json:"kind"`
	Token           string      `json:"token"`
	RecipientID     string      `json:"recipient_id,omitempty"`
	Points          int         `json:"points"`
	Position        Cursor      `json:"position"`
	AlreadyCredited bool        `json:"already_credited,omitempty"`
	Detail          string      `json:"detail,omitempty"`
}
