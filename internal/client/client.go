// SPDX-License-Identifier: Apache-2.0

// Package client talks to the distributor command API. The operator CLI and
// the scheduling worker both use it so that the API process stays the only
// owner of the distribution engine.
package client

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

	"github.com/adiadia/op-distributor/internal/domain"
	"github.com/adiadia/op-distributor/internal/history"
)

// ErrNotPaused is returned by Resume when the event was not paused.
var ErrNotPaused = errors.New("event is not paused")

const maxErrorBody = 512

// APIError carries a non-success response from the command API.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("command api: status %d: %s", e.StatusCode, e.Message)
}

// StreamHandler receives streamed lines as they arrive. Nil callbacks are
// skipped.
type StreamHandler struct {
	OnOutcome func(domain.RecipientOutcome)
	OnReport  func(domain.RunReport)
}

type streamLine struct {
	Type    string                   `json:"type"`
	Outcome *domain.RecipientOutcome `json:"outcome,omitempty"`
	Report  *domain.RunReport        `json:"report,omitempty"`
	Summary *domain.MassRunReport    `json:"summary,omitempty"`
	Error   string                   `json:"error,omitempty"`
}

type PauseResult struct {
	EventID          string  `json:"event_id"`
	NewlyPaused      bool    `json:"newly_paused"`
	PausedForSeconds float64 `json:"paused_for_seconds"`
}

func (p PauseResult) PausedFor() time.Duration {
	return time.Duration(p.PausedForSeconds * float64(time.Second))
}

type Options struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
	Logger     *slog.Logger
}

type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	logger     *slog.Logger
}

func New(opts Options) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if base == "" {
		return nil, errors.New("command api url is required")
	}
	if _, err := url.ParseRequestURI(base); err != nil {
		return nil, fmt.Errorf("invalid command api url: %w", err)
	}
	if strings.TrimSpace(opts.Token) == "" {
		return nil, errors.New("operator token is required")
	}

	l := opts.Logger
	if l == nil {
		l = slog.Default()
	}
	// Runs stream for as long as they take, so no client-wide timeout.
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}

	return &Client{
		baseURL:    base,
		token:      strings.TrimSpace(opts.Token),
		httpClient: httpClient,
		logger:     l,
	}, nil
}

func (c *Client) Run(ctx context.Context, eventID string, h StreamHandler) (domain.RunReport, error) {
	resp, err := c.do(ctx, http.MethodPost, eventPath(eventID, "run"), nil)
	if err != nil {
		return domain.RunReport{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return domain.RunReport{}, readAPIError(resp)
	}
	return readRunStream(resp.Body, h)
}

func (c *Client) Resume(ctx context.Context, eventID string, h StreamHandler) (domain.RunReport, error) {
	resp, err := c.do(ctx, http.MethodPost, eventPath(eventID, "resume"), nil)
	if err != nil {
		return domain.RunReport{}, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		return readRunStream(resp.Body, h)
	case http.StatusConflict:
		_, _ = io.Copy(io.Discard, resp.Body)
		return domain.RunReport{}, ErrNotPaused
	default:
		return domain.RunReport{}, readAPIError(resp)
	}
}

// RunPending triggers a mass run. The returned summary carries every
// per-event report that was streamed.
func (c *Client) RunPending(ctx context.Context, h StreamHandler) (domain.MassRunReport, error) {
	resp, err := c.do(ctx, http.MethodPost, "/events/run-pending", nil)
	if err != nil {
		return domain.MassRunReport{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return domain.MassRunReport{}, readAPIError(resp)
	}

	var (
		summary    domain.MassRunReport
		reports    []domain.RunReport
		gotSummary bool
		streamErr  error
	)
	err = decodeStream(resp.Body, func(line streamLine) {
		switch line.Type {
		case "outcome":
			if line.Outcome != nil && h.OnOutcome != nil {
				h.OnOutcome(*line.Outcome)
			}
		case "report":
			if line.Report != nil {
				reports = append(reports, *line.Report)
				if h.OnReport != nil {
					h.OnReport(*line.Report)
				}
			}
		case "summary":
			if line.Summary != nil {
				summary = *line.Summary
				gotSummary = true
			}
		case "error":
			streamErr = errors.New(line.Error)
		}
	})
	summary.Reports = reports
	if err != nil {
		return summary, err
	}
	if streamErr != nil {
		return summary, fmt.Errorf("mass run: %w", streamErr)
	}
	if !gotSummary {
		return summary, errors.New("mass run stream ended without a summary")
	}
	return summary, nil
}

func (c *Client) Pause(ctx context.Context, eventID string) (PauseResult, error) {
	var out PauseResult
	if err := c.doJSON(ctx, http.MethodPost, eventPath(eventID, "pause"), nil, &out); err != nil {
		return PauseResult{}, err
	}
	return out, nil
}

func (c *Client) SetStatus(ctx context.Context, eventID, status string) error {
	return c.doJSON(ctx, http.MethodPut, eventPath(eventID, "status"), map[string]string{"status": status}, nil)
}

func (c *Client) Progress(ctx context.Context, eventID string) (domain.ProgressSummary, error) {
	var out domain.ProgressSummary
	if err := c.doJSON(ctx, http.MethodGet, eventPath(eventID, "progress"), nil, &out); err != nil {
		return domain.ProgressSummary{}, err
	}
	return out, nil
}

func (c *Client) Abandon(ctx context.Context, eventID string) error {
	return c.doJSON(ctx, http.MethodDelete, eventPath(eventID, "progress"), nil, nil)
}

func (c *Client) History(ctx context.Context, userID string) (history.Summary, error) {
	var out history.Summary
	path := "/recipients/" + url.PathEscape(strings.TrimSpace(userID)) + "/history"
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &out); err != nil {
		return history.Summary{}, err
	}
	return out, nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, in, out any) error {
	resp, err := c.do(ctx, method, path, in)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return readAPIError(resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, in any) (*http.Response, error) {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	c.logger.Debug("command api response", "method", method, "path", path, "status", resp.StatusCode)
	return resp, nil
}

func eventPath(eventID, action string) string {
	return "/events/" + url.PathEscape(strings.TrimSpace(eventID)) + "/" + action
}

func readRunStream(r io.Reader, h StreamHandler) (domain.RunReport, error) {
	var (
		report    domain.RunReport
		gotReport bool
		streamErr error
	)
	err := decodeStream(r, func(line streamLine) {
		switch line.Type {
		case "outcome":
			if line.Outcome != nil && h.OnOutcome != nil {
				h.OnOutcome(*line.Outcome)
			}
		case "report":
			if line.Report != nil {
				report = *line.Report
				gotReport = true
				if h.OnReport != nil {
					h.OnReport(report)
				}
			}
		case "error":
			streamErr = errors.New(line.Error)
		}
	})
	if err != nil {
		return report, err
	}
	if streamErr != nil {
		return report, fmt.Errorf("run: %w", streamErr)
	}
	if !gotReport {
		return report, errors.New("run stream ended without a report")
	}
	return report, nil
}

func decodeStream(r io.Reader, fn func(streamLine)) error {
	dec := json.NewDecoder(r)
	for {
		var line streamLine
		if err := dec.Decode(&line); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("decode stream: %w", err)
		}
		fn(line)
	}
}

func readAPIError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(raw))}
}
