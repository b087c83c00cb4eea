// SPDX-License-Identifier: Apache-2.0

package httptransport

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"

	"github.com/adiadia/op-distributor/internal/domain"
)

const (
	lineOutcome = "outcome"
	lineReport  = "report"
	lineSummary = "summary"
	lineError   = "error"
)

type streamLine struct {
	Type    string                   `json:"type"`
	Outcome *domain.RecipientOutcome `json:"outcome,omitempty"`
	Report  *domain.RunReport        `json:"report,omitempty"`
	Summary *domain.MassRunReport    `json:"summary,omitempty"`
	Error   string                   `json:"error,omitempty"`
}

// ndjsonStream writes one JSON document per line and flushes after each.
// The response header is only sent with the first line, so a handler can
// still answer with a plain error when nothing was streamed.
type ndjsonStream struct {
	mu      sync.Mutex
	w       http.ResponseWriter
	enc     *json.Encoder
	logger  *slog.Logger
	started bool
	failed  bool
}

func newNDJSONStream(w http.ResponseWriter, logger *slog.Logger) *ndjsonStream {
	return &ndjsonStream{w: w, enc: json.NewEncoder(w), logger: logger}
}

func (s *ndjsonStream) Emit(_ context.Context, o domain.RecipientOutcome) {
	s.write(streamLine{Type: lineOutcome, Outcome: &o})
}

func (s *ndjsonStream) Report(_ context.Context, r domain.RunReport) {
	s.write(streamLine{Type: lineReport, Report: &r})
}

func (s *ndjsonStream) summary(m domain.MassRunReport) {
	// Per-event reports were already streamed.
	m.Reports = nil
	s.write(streamLine{Type: lineSummary, Summary: &m})
}

func (s *ndjsonStream) fail(err error) {
	s.write(streamLine{Type: lineError, Error: err.Error()})
}

func (s *ndjsonStream) Started() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started
}

func (s *ndjsonStream) write(line streamLine) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failed {
		return
	}
	if !s.started {
		s.w.Header().Set("Content-Type", "application/x-ndjson")
		s.w.Header().Set("Cache-Control", "no-cache")
		s.w.Header().Set("X-Accel-Buffering", "no")
		s.w.WriteHeader(http.StatusOK)
		s.started = true
	}

	if err := s.enc.Encode(line); err != nil {
		// The client went away; the run itself carries on until ctx ends.
		s.failed = true
		s.logger.Warn("stream write failed", "type", line.Type, "error", err)
		return
	}
	if flusher, ok := s.w.(http.Flusher); ok {
		flusher.Flush()
	}
}
