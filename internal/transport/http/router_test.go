// SPDX-License-Identifier: Apache-2.0

package httptransport

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/adiadia/op-distributor/internal/auth"
	"github.com/adiadia/op-distributor/internal/domain"
	"github.com/adiadia/op-distributor/internal/engine"
	"github.com/adiadia/op-distributor/internal/history"
)

const testToken = "op-secret"

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type mockEngine struct {
	runReport   domain.RunReport
	runErr      error
	outcomes    []domain.RecipientOutcome
	resumed     bool
	resumeErr   error
	massReport  domain.MassRunReport
	massErr     error
	pauseStatus domain.PauseStatus
	pauseErr    error
	statusErr   error
	progress    domain.ProgressSummary
	progressErr error
	abandonErr  error

	lastOperator string
	lastStatus   domain.EventStatus
}

func (m *mockEngine) Run(ctx context.Context, eventID string, sink engine.Sink) (domain.RunReport, error) {
	m.lastOperator, _ = auth.OperatorFromContext(ctx)
	for _, o := range m.outcomes {
		sink.Emit(ctx, o)
	}
	r := m.runReport
	r.EventID = eventID
	return r, m.runErr
}

func (m *mockEngine) Resume(ctx context.Context, eventID string, sink engine.Sink) (domain.RunReport, bool, error) {
	if !m.resumed {
		return domain.RunReport{}, false, m.resumeErr
	}
	r, err := m.Run(ctx, eventID, sink)
	return r, true, err
}

func (m *mockEngine) MassRun(ctx context.Context, sink engine.Sink) (domain.MassRunReport, error) {
	if rs, ok := sink.(engine.ReportSink); ok {
		for _, r := range m.massReport.Reports {
			rs.Report(ctx, r)
		}
	}
	return m.massReport, m.massErr
}

func (m *mockEngine) Pause(_ context.Context, eventID string) (domain.PauseStatus, error) {
	if m.pauseErr != nil {
		return domain.PauseStatus{}, m.pauseErr
	}
	s := m.pauseStatus
	s.EventID = eventID
	return s, nil
}

func (m *mockEngine) SetStatus(ctx context.Context, _ string, status domain.EventStatus) error {
	m.lastOperator, _ = auth.OperatorFromContext(ctx)
	m.lastStatus = status
	return m.statusErr
}

func (m *mockEngine) Progress(context.Context, string) (domain.ProgressSummary, error) {
	return m.progress, m.progressErr
}

func (m *mockEngine) Abandon(context.Context, string) error { return m.abandonErr }

type mockHistory struct {
	summary history.Summary
	err     error
}

func (m mockHistory) ForRecipient(context.Context, string) (history.Summary, error) {
	return m.summary, m.err
}

func newTestRouter(eng *mockEngine) http.Handler {
	return NewRouter(Deps{
		Engine:    eng,
		History:   mockHistory{summary: history.Summary{RecipientID: "12", TotalPoints: 40}},
		Operators: map[string]string{testToken: "alice"},
		Logger:    discardLogger(),
	})
}

func doRequest(h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Authorization", "Bearer "+testToken)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func readLines(t *testing.T, body io.Reader) []streamLine {
	t.Helper()

	var lines []streamLine
	sc := bufio.NewScanner(body)
	for sc.Scan() {
		var line streamLine
		if err := json.Unmarshal(sc.Bytes(), &line); err != nil {
			t.Fatalf("decode line %q: %v", sc.Text(), err)
		}
		lines = append(lines, line)
	}
	return lines
}

func TestRouter_RequiresOperatorToken(t *testing.T) {
	router := newTestRouter(&mockEngine{})

	req := httptest.NewRequest(http.MethodPost, "/events/1/run", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected status 401 got %d", rec.Code)
	}
}

func TestRouter_HealthAndVersionArePublic(t *testing.T) {
	router := NewRouter(Deps{Engine: &mockEngine{}, Logger: discardLogger(), Version: "1.2.3"})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected healthz 200 got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/version", nil))
	var resp map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode version: %v", err)
	}
	if resp["version"] != "1.2.3" || resp["commit"] != "none" {
		t.Fatalf("unexpected version response %v", resp)
	}
}

type failingHealth struct{}

func (failingHealth) Check(context.Context) error { return errors.New("db down") }

func TestRouter_HealthReportsStoreFailure(t *testing.T) {
	router := NewRouter(Deps{Engine: &mockEngine{}, Health: failingHealth{}, Logger: discardLogger()})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 got %d", rec.Code)
	}
}

func TestRouter_RunStreamsOutcomesThenReport(t *testing.T) {
	eng := &mockEngine{
		outcomes: []domain.RecipientOutcome{
			{Kind: domain.OutcomeCredited, Token: "alice", Points: 100},
			{Kind: domain.OutcomeUnresolvable, Token: "ghost", Points: 100},
		},
		runReport: domain.RunReport{Result: domain.RunCompleted, Total: 2, Credited: 1},
	}
	router := newTestRouter(eng)

	rec := doRequest(router, http.MethodPost, "/events/E1/run", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200 got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/x-ndjson" {
		t.Fatalf("expected ndjson content type got %q", ct)
	}

	lines := readLines(t, rec.Body)
	if len(lines) != 3 {
		t.Fatalf("expected 3 lines got %d", len(lines))
	}
	if lines[0].Type != lineOutcome || lines[0].Outcome.Token != "alice" {
		t.Fatalf("unexpected first line %+v", lines[0])
	}
	if lines[2].Type != lineReport || lines[2].Report.EventID != "E1" || lines[2].Report.Result != domain.RunCompleted {
		t.Fatalf("unexpected report line %+v", lines[2])
	}
	if eng.lastOperator != "alice" {
		t.Fatalf("expected operator alice on context got %q", eng.lastOperator)
	}
}

func TestRouter_RunErrorAppendsErrorLine(t *testing.T) {
	eng := &mockEngine{
		runReport: domain.RunReport{Result: domain.RunAborted},
		runErr:    errors.New("advance progress: disk full"),
	}
	router := newTestRouter(eng)

	lines := readLines(t, doRequest(router, http.MethodPost, "/events/E1/run", "").Body)
	if len(lines) != 2 || lines[1].Type != lineError || !strings.Contains(lines[1].Error, "disk full") {
		t.Fatalf("expected report then error line, got %+v", lines)
	}
}

func TestRouter_RunPending(t *testing.T) {
	eng := &mockEngine{massReport: domain.MassRunReport{
		Attempted: 2,
		Completed: 1,
		Reports: []domain.RunReport{
			{EventID: "E4", Result: domain.RunCompleted},
			{EventID: "E6", Result: domain.RunPaused},
		},
	}}
	router := newTestRouter(eng)

	lines := readLines(t, doRequest(router, http.MethodPost, "/events/run-pending", "").Body)
	if len(lines) != 3 {
		t.Fatalf("expected 3 lines got %d", len(lines))
	}
	last := lines[2]
	if last.Type != lineSummary || last.Summary.Attempted != 2 || last.Summary.Completed != 1 {
		t.Fatalf("unexpected summary line %+v", last)
	}
	if len(last.Summary.Reports) != 0 {
		t.Fatalf("expected summary without repeated reports")
	}
}

func TestRouter_RunPendingFetchFailure(t *testing.T) {
	router := newTestRouter(&mockEngine{massErr: errors.New("backend down")})

	rec := doRequest(router, http.MethodPost, "/events/run-pending", "")
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("expected status 502 got %d", rec.Code)
	}
}

func TestRouter_Pause(t *testing.T) {
	eng := &mockEngine{pauseStatus: domain.PauseStatus{NewlyPaused: false, PausedFor: 90 * time.Second}}
	router := newTestRouter(eng)

	rec := doRequest(router, http.MethodPost, "/events/E2/pause", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200 got %d", rec.Code)
	}

	var resp pauseResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.EventID != "E2" || resp.NewlyPaused || resp.PausedForSeconds != 90 {
		t.Fatalf("unexpected response %+v", resp)
	}

	eng.pauseErr = domain.ErrEventNotFound
	if rec := doRequest(router, http.MethodPost, "/events/nope/pause", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("expected status 404 got %d", rec.Code)
	}
}

func TestRouter_ResumeNotPaused(t *testing.T) {
	router := newTestRouter(&mockEngine{resumed: false})

	rec := doRequest(router, http.MethodPost, "/events/E2/resume", "")
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected status 409 got %d", rec.Code)
	}
}

func TestRouter_ResumeStreamsRun(t *testing.T) {
	eng := &mockEngine{resumed: true, runReport: domain.RunReport{Result: domain.RunCompleted, Resumed: true}}
	router := newTestRouter(eng)

	lines := readLines(t, doRequest(router, http.MethodPost, "/events/E2/resume", "").Body)
	if len(lines) != 1 || lines[0].Type != lineReport || !lines[0].Report.Resumed {
		t.Fatalf("unexpected lines %+v", lines)
	}
}

func TestRouter_SetStatus(t *testing.T) {
	eng := &mockEngine{}
	router := newTestRouter(eng)

	rec := doRequest(router, http.MethodPut, "/events/E1/status", `{"status":"completed"}`)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected status 204 got %d", rec.Code)
	}
	if eng.lastStatus != domain.EventCompleted || eng.lastOperator != "alice" {
		t.Fatalf("unexpected status call %q by %q", eng.lastStatus, eng.lastOperator)
	}

	if rec := doRequest(router, http.MethodPut, "/events/E1/status", `{"status":"done"}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400 got %d", rec.Code)
	}
	if rec := doRequest(router, http.MethodPut, "/events/E1/status", `{"status":"Pending","extra":1}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400 for unknown field got %d", rec.Code)
	}

	eng.statusErr = errors.New("backend 500")
	if rec := doRequest(router, http.MethodPut, "/events/E1/status", `{"status":"Rejected"}`); rec.Code != http.StatusBadGateway {
		t.Fatalf("expected status 502 got %d", rec.Code)
	}
}

func TestRouter_Progress(t *testing.T) {
	eng := &mockEngine{progress: domain.ProgressSummary{EventID: "E1", Distribution: 2, TotalDistributions: 3, CompletedCount: 7}}
	router := newTestRouter(eng)

	rec := doRequest(router, http.MethodGet, "/events/E1/progress", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200 got %d", rec.Code)
	}
	var summary domain.ProgressSummary
	if err := json.NewDecoder(rec.Body).Decode(&summary); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if summary.CompletedCount != 7 || summary.Distribution != 2 {
		t.Fatalf("unexpected summary %+v", summary)
	}

	eng.progressErr = domain.ErrProgressNotFound
	if rec := doRequest(router, http.MethodGet, "/events/E1/progress", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("expected status 404 got %d", rec.Code)
	}
}

func TestRouter_AbandonProgress(t *testing.T) {
	eng := &mockEngine{}
	router := newTestRouter(eng)

	if rec := doRequest(router, http.MethodDelete, "/events/E1/progress", ""); rec.Code != http.StatusNoContent {
		t.Fatalf("expected status 204 got %d", rec.Code)
	}

	eng.abandonErr = domain.ErrRunInProgress
	if rec := doRequest(router, http.MethodDelete, "/events/E1/progress", ""); rec.Code != http.StatusConflict {
		t.Fatalf("expected status 409 got %d", rec.Code)
	}

	eng.abandonErr = domain.ErrProgressNotFound
	if rec := doRequest(router, http.MethodDelete, "/events/E1/progress", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("expected status 404 got %d", rec.Code)
	}
}

func TestRouter_History(t *testing.T) {
	router := newTestRouter(&mockEngine{})

	rec := doRequest(router, http.MethodGet, "/recipients/12/history", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200 got %d", rec.Code)
	}
	var summary history.Summary
	if err := json.NewDecoder(rec.Body).Decode(&summary); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if summary.TotalPoints != 40 {
		t.Fatalf("expected 40 points got %d", summary.TotalPoints)
	}
}
