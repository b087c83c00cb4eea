// SPDX-License-Identifier: Apache-2.0

// Package notify delivers finished run reports to an operator webhook.
package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/adiadia/op-distributor/internal/domain"
)

const (
	webhookRetryAttempts = 3
	webhookRetryBase     = 300 * time.Millisecond
	webhookHeaderSig     = "X-Signature"

	eventRunFinished = "distribution.run_finished"
)

type webhookPayload struct {
	Event  string           `json:"event"`
	Report domain.RunReport `json:"report"`
}

type Options struct {
	URL        string
	Secret     string
	HTTPClient *http.Client
	Logger     *slog.Logger
}

type Webhook struct {
	url        string
	secret     string
	httpClient *http.Client
	logger     *slog.Logger
	retryBase  time.Duration
}

// NewWebhook returns nil when no URL is configured.
func NewWebhook(opts Options) *Webhook {
	url := strings.TrimSpace(opts.URL)
	if url == "" {
		return nil
	}

	l := opts.Logger
	if l == nil {
		l = slog.Default()
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}

	return &Webhook{
		url:        url,
		secret:     opts.Secret,
		httpClient: client,
		logger:     l,
		retryBase:  webhookRetryBase,
	}
}

// Notify posts the report, retrying failures with exponential backoff.
func (w *Webhook) Notify(ctx context.Context, report domain.RunReport) error {
	if w == nil {
		return nil
	}

	body, err := json.Marshal(webhookPayload{Event: eventRunFinished, Report: report})
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}

	signature := signPayload(w.secret, body)

	var lastErr error
	for attempt := 1; attempt <= webhookRetryAttempts; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("build webhook request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		if signature != "" {
			req.Header.Set(webhookHeaderSig, signature)
		}

		resp, err := w.httpClient.Do(req)
		if err != nil {
			lastErr = err
			w.logger.Warn("webhook failure",
				"event_id", report.EventID,
				"run_id", report.RunID,
				"attempt", attempt,
				"error", err,
			)
		} else {
			_, _ = io.Copy(io.Discard, resp.Body)
			resp.Body.Close()

			if resp.StatusCode >= http.StatusOK && resp.StatusCode < http.StatusMultipleChoices {
				w.logger.Info("webhook success",
					"event_id", report.EventID,
					"run_id", report.RunID,
					"attempt", attempt,
					"response_status", resp.StatusCode,
				)
				return nil
			}

			lastErr = fmt.Errorf("non-2xx response: %d", resp.StatusCode)
			w.logger.Warn("webhook failure",
				"event_id", report.EventID,
				"run_id", report.RunID,
				"attempt", attempt,
				"response_status", resp.StatusCode,
			)
		}

		if attempt < webhookRetryAttempts {
			wait := w.retryBase * time.Duration(1<<(attempt-1))
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return errors.Join(lastErr, ctx.Err())
			case <-timer.C:
			}
		}
	}

	return fmt.Errorf("webhook retries exhausted: %w", lastErr)
}

func signPayload(secret string, payload []byte) string {
	if strings.TrimSpace(secret) == "" {
		return ""
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}
