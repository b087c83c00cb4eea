// SPDX-License-Identifier: Apache-2.0

// Package rewards credits points through the rewards (Engage) API.
package rewards

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/adiadia/op-distributor/internal/metrics"
	"github.com/adiadia/op-distributor/internal/ratelimit"
)

const (
	headerAPIKey = "x-api-key"
	maxErrorBody = 512
	limiterKey   = "rewards"
)

// GrantError reports a grant the rewards API did not accept. StatusCode is
// zero when no response was received.
type GrantError struct {
	RecipientID string
	Points      int
	StatusCode  int
	Body        string
	Err         error
}

func (e *GrantError) Error() string {
	switch {
	case e.Err != nil:
		return fmt.Sprintf("grant %d points to %s: %v", e.Points, e.RecipientID, e.Err)
	case e.Body != "":
		return fmt.Sprintf("grant %d points to %s: status %d: %s", e.Points, e.RecipientID, e.StatusCode, e.Body)
	default:
		return fmt.Sprintf("grant %d points to %s: status %d", e.Points, e.RecipientID, e.StatusCode)
	}
}

func (e *GrantError) Unwrap() error { return e.Err }

type Options struct {
	URL               string
	APIKey            string
	Timeout           time.Duration
	MaxRequestsPerMin int
	HTTPClient        *http.Client
	Limiter           *ratelimit.Limiter
	Logger            *slog.Logger
}

type Client struct {
	endpoint   *url.URL
	apiKey     string
	perMinute  int
	limiter    *ratelimit.Limiter
	httpClient *http.Client
	logger     *slog.Logger
}

func New(opts Options) (*Client, error) {
	endpoint, err := url.Parse(strings.TrimSpace(opts.URL))
	if err != nil || endpoint.Scheme == "" || endpoint.Host == "" {
		return nil, fmt.Errorf("invalid rewards URL %q", opts.URL)
	}

	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	limiter := opts.Limiter
	if limiter == nil && opts.MaxRequestsPerMin > 0 {
		limiter = ratelimit.New()
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		endpoint:   endpoint,
		apiKey:     opts.APIKey,
		perMinute:  opts.MaxRequestsPerMin,
		limiter:    limiter,
		httpClient: httpClient,
		logger:     logger,
	}, nil
}

// Grant issues one credit request. Only HTTP 200 counts as success; the call
// is never retried.
func (c *Client) Grant(ctx context.Context, recipientID string, points int) error {
	recipientID = strings.TrimSpace(recipientID)
	if recipientID == "" {
		return &GrantError{Points: points, Err: errors.New("empty recipient id")}
	}
	if points < 0 {
		return &GrantError{RecipientID: recipientID, Points: points, Err: errors.New("negative points")}
	}

	if err := c.limiter.Wait(ctx, limiterKey, c.perMinute); err != nil {
		return &GrantError{RecipientID: recipientID, Points: points, Err: err}
	}

	u := *c.endpoint
	q := u.Query()
	q.Set("userId", recipientID)
	q.Set("points", strconv.Itoa(points))
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return &GrantError{RecipientID: recipientID, Points: points, Err: err}
	}
	if c.apiKey != "" {
		req.Header.Set(headerAPIKey, c.apiKey)
	}

	started := time.Now()
	resp, err := c.httpClient.Do(req)
	metrics.ObserveGrantDuration(time.Since(started))
	if err != nil {
		c.logger.Warn("grant request failed",
			"recipient_id", recipientID,
			"points", points,
			"error", err,
		)
		return &GrantError{RecipientID: recipientID, Points: points, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		c.logger.Warn("grant rejected",
			"recipient_id", recipientID,
			"points", points,
			"response_status", resp.StatusCode,
		)
		return &GrantError{
			RecipientID: recipientID,
			Points:      points,
			StatusCode:  resp.StatusCode,
			Body:        strings.TrimSpace(string(snippet)),
		}
	}
	_, _ = io.Copy(io.Discard, resp.Body)

	c.logger.Debug("grant accepted", "recipient_id", recipientID, "points", points)
	return nil
}
