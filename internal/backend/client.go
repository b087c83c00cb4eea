// SPDX-License-Identifier: Apache-2.0

// Package backend is the EventSource client for the event management API.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/adiadia/op-distributor/internal/auth"
	"github.com/adiadia/op-distributor/internal/domain"
)

const (
	headerAPIKey    = "x-api-key"
	maxErrorBody    = 512
	eventsPath      = "/api/bot/events"
	defaultEditor   = "Bot"
	defaultPageSize = 100
)

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s: unexpected status %d", e.Op, e.StatusCode)
	}
	return fmt.Sprintf("%s: unexpected status %d: %s", e.Op, e.StatusCode, e.Body)
}

type Options struct {
	BaseURL    string
	APIKey     string
	Editor     string
	Timeout    time.Duration
	HTTPClient *http.Client
	Logger     *slog.Logger
}

type Client struct {
	baseURL    string
	apiKey     string
	editor     string
	httpClient *http.Client
	logger     *slog.Logger
}

func New(opts Options) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	parsed, err := url.Parse(base)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("invalid backend URL %q", opts.BaseURL)
	}

	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	// The listing endpoint answers with a redirect to a login page when the
	// key is rejected; surface that as an error instead of following it.
	redirectSafe := *httpClient
	redirectSafe.CheckRedirect = func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	editor := strings.TrimSpace(opts.Editor)
	if editor == "" {
		editor = defaultEditor
	}

	return &Client{
		baseURL:    base,
		apiKey:     opts.APIKey,
		editor:     editor,
		httpClient: &redirectSafe,
		logger:     logger,
	}, nil
}

// FetchEvent returns domain.ErrEventNotFound when the backend has no such event.
func (c *Client) FetchEvent(ctx context.Context, eventID string) (domain.Event, error) {
	eventID, err := domain.NormalizeEventID(eventID)
	if err != nil {
		return domain.Event{}, err
	}

	var payload json.RawMessage
	status, err := c.do(ctx, http.MethodGet, eventsPath+"/"+url.PathEscape(eventID), nil, &payload)
	if status == http.StatusNotFound {
		return domain.Event{}, fmt.Errorf("%w: %s", domain.ErrEventNotFound, eventID)
	}
	if err != nil {
		return domain.Event{}, err
	}

	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return domain.Event{}, fmt.Errorf("%w: %s", domain.ErrEventNotFound, eventID)
	}

	// Some deployments wrap single events in {"data": {...}}.
	var wrapped struct {
		Data *apiEvent `json:"data"`
	}
	if err := json.Unmarshal(trimmed, &wrapped); err == nil && wrapped.Data != nil {
		return wrapped.Data.toDomain()
	}

	var ev apiEvent
	if err := json.Unmarshal(trimmed, &ev); err != nil {
		return domain.Event{}, fmt.Errorf("decode event %s: %w", eventID, err)
	}
	if ev.ID == "" {
		return domain.Event{}, fmt.Errorf("%w: %s", domain.ErrEventNotFound, eventID)
	}
	return ev.toDomain()
}

// FetchEvents lists every event the backend returns in a single page.
func (c *Client) FetchEvents(ctx context.Context) ([]domain.Event, error) {
	q := url.Values{}
	q.Set("draw", "1")
	q.Set("start", "0")
	q.Set("length", fmt.Sprint(defaultPageSize))

	var page struct {
		Data []apiEvent `json:"data"`
	}
	if _, err := c.do(ctx, http.MethodGet, eventsPath+"?"+q.Encode(), nil, &page); err != nil {
		return nil, err
	}

	out := make([]domain.Event, 0, len(page.Data))
	for _, raw := range page.Data {
		ev, err := raw.toDomain()
		if err != nil {
			c.logger.Warn("skipping malformed event", "event_id", raw.ID, "error", err)
			continue
		}
		out = append(out, ev)
	}
	return out, nil
}

// FetchPendingEvents lists events whose status is Pending, in backend order.
func (c *Client) FetchPendingEvents(ctx context.Context) ([]domain.Event, error) {
	events, err := c.FetchEvents(ctx)
	if err != nil {
		return nil, err
	}

	pending := events[:0]
	for _, ev := range events {
		if ev.Status.IsPending() {
			pending = append(pending, ev)
		}
	}
	return pending, nil
}

// SetStatus records the operator from ctx as editor, falling back to the
// configured editor name.
func (c *Client) SetStatus(ctx context.Context, eventID string, status domain.EventStatus) error {
	eventID, err := domain.NormalizeEventID(eventID)
	if err != nil {
		return err
	}
	if _, err := domain.ParseEventStatus(string(status)); err != nil {
		return err
	}

	body := statusUpdate{
		Status:  string(status),
		Editor:  auth.OperatorOr(ctx, c.editor),
		Changes: "Status updated to " + string(status),
	}
	code, err := c.do(ctx, http.MethodPut, eventsPath+"/"+url.PathEscape(eventID), body, nil)
	if code == http.StatusNotFound {
		return fmt.Errorf("%w: %s", domain.ErrEventNotFound, eventID)
	}
	if err != nil {
		return err
	}

	c.logger.Info("event status updated", "event_id", eventID, "status", status, "editor", body.Editor)
	return nil
}

type statusUpdate struct {
	Status  string `json:"status"`
	Editor  string `json:"editor"`
	Changes string `json:"changes"`
}

func (c *Client) do(ctx context.Context, method, path string, in any, out any) (int, error) {
	op := method + " " + strings.SplitN(path, "?", 2)[0]

	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return 0, fmt.Errorf("%s: encode body: %w", op, err)
		}
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return 0, fmt.Errorf("%s: build request: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set(headerAPIKey, c.apiKey)
	}

	started := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Warn("backend request failed", "op", op, "error", err)
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	defer resp.Body.Close()

	c.logger.Debug("backend request completed",
		"op", op,
		"status", resp.StatusCode,
		"duration_ms", time.Since(started).Milliseconds(),
	)

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return resp.StatusCode, &StatusError{
			Op:         op,
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(snippet)),
		}
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return resp.StatusCode, nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return resp.StatusCode, fmt.Errorf("%s: decode response: %w", op, err)
	}
	return resp.StatusCode, nil
}
