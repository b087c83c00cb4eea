// SPDX-License-Identifier: Apache-2.0

package directory

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	maxAttempts    = 4
	initialBackoff = 500 * time.Millisecond
	maxBackoff     = 10 * time.Second
	maxErrorBody   = 512
)

// APIError is returned for responses that are neither success, not-found,
// nor retryable.
type APIError struct {
	Path       string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("discord %s: status %d: %s", e.Path, e.StatusCode, e.Body)
}

type apiClient struct {
	baseURL    string
	botToken   string
	httpClient *http.Client
	logger     *slog.Logger
	sleep      func(ctx context.Context, d time.Duration) error
}

func newAPIClient(baseURL, botToken string, httpClient *http.Client, logger *slog.Logger) *apiClient {
	return &apiClient{
		baseURL:    baseURL,
		botToken:   botToken,
		httpClient: httpClient,
		logger:     logger,
		sleep:      sleepContext,
	}
}

// get decodes a 200 response into out and reports false on 404. Rate
// limits and server errors are retried.
func (c *apiClient) get(ctx context.Context, path string, query map[string]string, out any) (bool, error) {
	endpoint := c.baseURL + path
	if len(query) > 0 {
		values := url.Values{}
		for k, v := range query {
			values.Set(k, v)
		}
		endpoint += "?" + values.Encode()
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return false, fmt.Errorf("build discord request: %w", err)
		}
		req.Header.Set("Authorization", "Bot "+c.botToken)
		req.Header.Set("Accept", "application/json")

		wait := backoff(attempt)
		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return false, ctx.Err()
			}
			lastErr = fmt.Errorf("discord %s: %w", path, err)
		} else {
			body, readErr := io.ReadAll(resp.Body)
			_ = resp.Body.Close()

			switch {
			case resp.StatusCode == http.StatusOK:
				if readErr != nil {
					return false, fmt.Errorf("read discord %s: %w", path, readErr)
				}
				if err := json.Unmarshal(body, out); err != nil {
					return false, fmt.Errorf("decode discord %s: %w", path, err)
				}
				return true, nil
			case resp.StatusCode == http.StatusNotFound:
				return false, nil
			case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
				if d, ok := retryAfter(resp.Header, body); ok {
					wait = d
				}
				lastErr = &APIError{Path: path, StatusCode: resp.StatusCode, Body: truncate(body)}
			default:
				return false, &APIError{Path: path, StatusCode: resp.StatusCode, Body: truncate(body)}
			}
		}

		if attempt == maxAttempts {
			break
		}

		c.logger.Warn("discord request retry",
			"path", path,
			"attempt", attempt,
			"wait", wait.String(),
			"error", lastErr,
		)
		if err := c.sleep(ctx, wait); err != nil {
			return false, err
		}
	}

	return false, lastErr
}

func backoff(attempt int) time.Duration {
	d := time.Duration(float64(initialBackoff) * math.Pow(2, float64(attempt-1)))
	if d > maxBackoff {
		return maxBackoff
	}
	return d
}

// retryAfter reads the wait from the Retry-After header or the JSON
// retry_after field of a rate limit body, both in seconds.
func retryAfter(h http.Header, body []byte) (time.Duration, bool) {
	if raw := strings.TrimSpace(h.Get("Retry-After")); raw != "" {
		if secs, err := strconv.ParseFloat(raw, 64); err == nil && secs >= 0 {
			return capWait(secs), true
		}
	}

	var payload struct {
		RetryAfter *float64 `json:"retry_after"`
	}
	if json.Unmarshal(body, &payload) == nil && payload.RetryAfter != nil && *payload.RetryAfter >= 0 {
		return capWait(*payload.RetryAfter), true
	}
	return 0, false
}

func capWait(secs float64) time.Duration {
	d := time.Duration(secs * float64(time.Second))
	if d > maxBackoff {
		return maxBackoff
	}
	return d
}

func truncate(body []byte) string {
	s := strings.TrimSpace(string(body))
	if len(s) > maxErrorBody {
		return s[:maxErrorBody]
	}
	return s
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
