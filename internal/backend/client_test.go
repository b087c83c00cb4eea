// SPDX-License-Identifier: Apache-2.0

package backend

import (
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
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c, err := New(Options{
		BaseURL: srv.URL,
		APIKey:  "backend-key",
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return c
}

func TestFetchEventDecodesWireFormat(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/bot/events/42" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("x-api-key"); got != "backend-key" {
			t.Fatalf("expected api key header got %q", got)
		}
		_, _ = io.WriteString(w, `{
			"id": 42,
			"title": "Raid Night",
			"eventDate": "2026-05-20T00:00:00.000Z",
			"requestor": "captain",
			"status": "pending",
			"distributions": [
				{"xpAmount": 100, "nameList": "alice\n\n@bob\n"},
				{"xpAmount": 50, "nameList": "123456789012345678", "remark": "hosts"}
			]
		}`)
	})

	ev, err := c.FetchEvent(context.Background(), "42")
	if err != nil {
		t.Fatalf("fetch event: %v", err)
	}
	if ev.ID != "42" || ev.Title != "Raid Night" || ev.Requestor != "captain" {
		t.Fatalf("unexpected event metadata %+v", ev)
	}
	if ev.Status != domain.EventPending {
		t.Fatalf("expected canonical Pending status got %q", ev.Status)
	}
	if want := time.Date(2026, 5, 20, 0, 0, 0, 0, time.UTC); !ev.EventDate.Equal(want) {
		t.Fatalf("expected event date %s got %s", want, ev.EventDate)
	}
	if len(ev.Distributions) != 2 {
		t.Fatalf("expected 2 distributions got %d", len(ev.Distributions))
	}
	if got := ev.Distributions[0].Recipients; len(got) != 4 || got[0] != "alice" || got[1] != "" || got[2] != "@bob" {
		t.Fatalf("unexpected recipients %q", got)
	}
	if ev.Distributions[1].Points != 50 || ev.Distributions[1].Remark != "hosts" {
		t.Fatalf("unexpected second distribution %+v", ev.Distributions[1])
	}
}

func TestFetchEventNotFound(t *testing.T) {
	cases := map[string]http.HandlerFunc{
		"404": func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "missing", http.StatusNotFound)
		},
		"null body": func(w http.ResponseWriter, r *http.Request) {
			_, _ = io.WriteString(w, "null")
		},
		"empty body": func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		},
	}

	for name, handler := range cases {
		t.Run(name, func(t *testing.T) {
			c := newTestClient(t, handler)
			if _, err := c.FetchEvent(context.Background(), "7"); !errors.Is(err, domain.ErrEventNotFound) {
				t.Fatalf("expected ErrEventNotFound got %v", err)
			}
		})
	}
}

func TestFetchEventServerError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	})

	_, err := c.FetchEvent(context.Background(), "7")
	var statusErr *StatusError
	if !errors.As(err, &statusErr) {
		t.Fatalf("expected StatusError got %v", err)
	}
	if statusErr.StatusCode != http.StatusBadGateway {
		t.Fatalf("expected 502 got %d", statusErr.StatusCode)
	}
}

func TestFetchPendingEventsFiltersAndKeepsOrder(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/bot/events" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		if r.URL.Query().Get("length") == "" {
			t.Fatal("expected page length query")
		}
		_, _ = io.WriteString(w, `{"data": [
			{"id": "4", "title": "a", "status": "Pending", "distributions": []},
			{"id": 5, "title": "b", "status": "Completed", "distributions": []},
			{"id": 6, "title": "c", "status": "Pending", "distributions": []},
			{"title": "no id", "status": "Pending"}
		]}`)
	})

	events, err := c.FetchPendingEvents(context.Background())
	if err != nil {
		t.Fatalf("fetch pending: %v", err)
	}
	if len(events) != 2 || events[0].ID != "4" || events[1].ID != "6" {
		t.Fatalf("expected pending [4 6] got %+v", events)
	}
}

func TestFetchEventsTreatsRedirectAsError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/login", http.StatusFound)
	})

	_, err := c.FetchEvents(context.Background())
	var statusErr *StatusError
	if !errors.As(err, &statusErr) || statusErr.StatusCode != http.StatusFound {
		t.Fatalf("expected 302 StatusError got %v", err)
	}
}

func TestSetStatusSendsEditor(t *testing.T) {
	var got statusUpdate
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut || r.URL.Path != "/api/bot/events/42" {
			t.Fatalf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Fatalf("decode body: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	})

	if err := c.SetStatus(context.Background(), "42", domain.EventCompleted); err != nil {
		t.Fatalf("set status: %v", err)
	}
	if got.Status != "Completed" || got.Editor != "Bot" || got.Changes != "Status updated to Completed" {
		t.Fatalf("unexpected body %+v", got)
	}

	ctx := auth.WithOperator(context.Background(), "alice")
	if err := c.SetStatus(ctx, "42", domain.EventRejected); err != nil {
		t.Fatalf("set status as operator: %v", err)
	}
	if got.Editor != "alice" {
		t.Fatalf("expected operator as editor got %q", got.Editor)
	}
}

func TestSetStatusRejectsUnknownStatus(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("expected no request for invalid status")
	})

	if err := c.SetStatus(context.Background(), "42", "Archived"); !errors.Is(err, domain.ErrInvalidStatus) {
		t.Fatalf("expected ErrInvalidStatus got %v", err)
	}
}

func TestSetStatusFailure(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, strings.Repeat("x", 2048), http.StatusInternalServerError)
	})

	err := c.SetStatus(context.Background(), "42", domain.EventCompleted)
	var statusErr *StatusError
	if !errors.As(err, &statusErr) {
		t.Fatalf("expected StatusError got %v", err)
	}
	if len(statusErr.Body) > maxErrorBody {
		t.Fatalf("expected error body truncated to %d got %d", maxErrorBody, len(statusErr.Body))
	}
}

func TestNewRejectsInvalidBaseURL(t *testing.T) {
	if _, err := New(Options{BaseURL: "not a url"}); err == nil {
		t.Fatal("expected invalid URL error")
	}
}
