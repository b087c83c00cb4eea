// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/adiadia/op-distributor/internal/domain"
)

func executeCLI(t *testing.T, srv *httptest.Server, args ...string) (string, error) {
	t.Helper()

	var out, errOut bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(append([]string{"--server", srv.URL, "--token", "op-token"}, args...))

	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func writeLines(t *testing.T, w http.ResponseWriter, lines ...map[string]any) {
	t.Helper()
	w.Header().Set("Content-Type", "application/x-ndjson")
	enc := json.NewEncoder(w)
	for _, l := range lines {
		if err := enc.Encode(l); err != nil {
			t.Fatalf("encode line: %v", err)
		}
	}
}

func TestRunPrintsOutcomesAndReport(t *testing.T) {
	report := domain.NewRunReport("E1", time.Time{})
	report.EventTitle = "Raid night"
	report.Result = domain.RunCompleted
	report.Record(domain.RecipientOutcome{Kind: domain.OutcomeCredited, Token: "alice", Points: 100})
	report.Record(domain.RecipientOutcome{Kind: domain.OutcomeNotMember, Token: "bob", Points: 100})
	report.StatusUpdated = true

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/events/E1/run" {
			t.Fatalf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer op-token" {
			t.Fatalf("expected bearer token, got %q", got)
		}
		writeLines(t, w,
			map[string]any{"type": "outcome", "outcome": domain.RecipientOutcome{Kind: domain.OutcomeCredited, Token: "alice", Points: 100}},
			map[string]any{"type": "outcome", "outcome": domain.RecipientOutcome{Kind: domain.OutcomeNotMember, Token: "bob", Points: 100}},
			map[string]any{"type": "report", "report": report},
		)
	}))
	defer srv.Close()

	out, err := executeCLI(t, srv, "run", "E1")
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	for _, want := range []string{
		"+ alice credited 100 OP",
		"- bob is not a member",
		"Event E1 (Raid night): completed",
		"credited 1 of 2, 100 OP sent",
		"not a member (100 OP): bob",
		"status: Completed",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected output to contain %q, got:\n%s", want, out)
		}
	}
}

func TestRunPreconditionPrintsOnlyResult(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeLines(t, w, map[string]any{"type": "report", "report": domain.RunReport{
			EventID: "E2",
			Result:  domain.RunPaused,
			Detail:  "event is paused",
		}})
	}))
	defer srv.Close()

	out, err := executeCLI(t, srv, "run", "E2")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !strings.Contains(out, "Event E2: paused") {
		t.Fatalf("expected paused result, got:\n%s", out)
	}
	if strings.Contains(out, "credited") {
		t.Fatalf("expected no counters for precondition result, got:\n%s", out)
	}
}

func TestResumeNotPaused(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"error":"event is not paused"}`))
	}))
	defer srv.Close()

	_, err := executeCLI(t, srv, "resume", "E3")
	if err == nil || !strings.Contains(err.Error(), "event E3 is not paused") {
		t.Fatalf("expected not paused error, got %v", err)
	}
}

func TestSetStatusRejectsUnknownStatusLocally(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer srv.Close()

	if _, err := executeCLI(t, srv, "set-status", "E1", "Archived"); err == nil {
		t.Fatalf("expected invalid status error")
	}
	if called {
		t.Fatalf("expected no request for an invalid status")
	}
}

func TestPauseAlreadyPaused(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"event_id":"E1","newly_paused":false,"paused_for_seconds":90}`))
	}))
	defer srv.Close()

	out, err := executeCLI(t, srv, "pause", "E1")
	if err != nil {
		t.Fatalf("pause: %v", err)
	}
	if !strings.Contains(out, "already paused for 1m30s") {
		t.Fatalf("expected pause duration, got:\n%s", out)
	}
}

func TestMissingTokenFails(t *testing.T) {
	t.Setenv(envToken, "")

	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs([]string{"--server", "http://localhost:1", "abandon", "E1"})

	err := cmd.ExecuteContext(context.Background())
	if err == nil || !strings.Contains(err.Error(), "operator token is required") {
		t.Fatalf("expected token error, got %v", err)
	}
}
