// SPDX-License-Identifier: Apache-2.0

package httptransport

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/adiadia/op-distributor/internal/domain"
	"github.com/adiadia/op-distributor/internal/metrics"
	"github.com/adiadia/op-distributor/internal/transport/middleware"
)

type setStatusRequest struct {
	Status string `json:"status"`
}

type pauseResponse struct {
	EventID          string  `json:"event_id"`
	NewlyPaused      bool    `json:"newly_paused"`
	PausedForSeconds float64 `json:"paused_for_seconds"`
}

type Deps struct {
	Engine    Distributor
	History   HistoryProvider
	Health    HealthChecker
	Operators map[string]string
	Logger    *slog.Logger
	Version   string
	Commit    string
	BuildDate string
}

func NewRouter(deps Deps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	metrics.Init()
	version := valueOrDefault(deps.Version, "dev")
	commit := valueOrDefault(deps.Commit, "none")
	buildDate := valueOrDefault(deps.BuildDate, "unknown")

	r := chi.NewRouter()
	r.Use(requestIDMiddleware())
	r.Use(requestLoggingMiddleware(logger))

	// ---------------- HEALTH ----------------

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if deps.Health != nil {
			if err := deps.Health.Check(r.Context()); err != nil {
				logger.Warn("health check failed", "error", err)
				http.Error(w, "unhealthy", http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	// ---------------- METRICS ----------------

	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		promhttp.Handler().ServeHTTP(w, r)
	})

	// ---------------- VERSION ----------------

	r.Get("/version", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{
			"version":    version,
			"commit":     commit,
			"build_date": buildDate,
		})
	})

	// ---------------- OPERATOR ROUTES ----------------

	r.Group(func(r chi.Router) {
		r.Use(middleware.OperatorTokenAuth(deps.Operators, logger))
		r.Use(recordOperator())

		// ---------------- RUN ----------------

		r.Post("/events/{id}/run", func(w http.ResponseWriter, r *http.Request) {
			eventID, ok := eventIDParam(w, r)
			if !ok {
				return
			}

			stream := newNDJSONStream(w, logger)
			report, err := deps.Engine.Run(r.Context(), eventID, stream)
			stream.Report(r.Context(), report)
			if err != nil {
				stream.fail(err)
			}
		})

		// ---------------- MASS RUN ----------------

		r.Post("/events/run-pending", func(w http.ResponseWriter, r *http.Request) {
			stream := newNDJSONStream(w, logger)
			summary, err := deps.Engine.MassRun(r.Context(), stream)
			if err != nil {
				logger.Error("mass run failed", "error", err)
				if !stream.Started() {
					http.Error(w, "failed to run pending events", http.StatusBadGateway)
					return
				}
				stream.fail(err)
			}
			stream.summary(summary)
		})

		// ---------------- PAUSE ----------------

		r.Post("/events/{id}/pause", func(w http.ResponseWriter, r *http.Request) {
			eventID, ok := eventIDParam(w, r)
			if !ok {
				return
			}

			status, err := deps.Engine.Pause(r.Context(), eventID)
			if err != nil {
				writeDomainError(w, logger, err, "failed to pause event", "event_id", eventID)
				return
			}

			writeJSON(w, http.StatusOK, pauseResponse{
				EventID:          status.EventID,
				NewlyPaused:      status.NewlyPaused,
				PausedForSeconds: status.PausedFor.Seconds(),
			})
		})

		// ---------------- RESUME ----------------

		r.Post("/events/{id}/resume", func(w http.ResponseWriter, r *http.Request) {
			eventID, ok := eventIDParam(w, r)
			if !ok {
				return
			}

			stream := newNDJSONStream(w, logger)
			report, resumed, err := deps.Engine.Resume(r.Context(), eventID, stream)
			if !resumed {
				if err != nil {
					writeDomainError(w, logger, err, "failed to resume event", "event_id", eventID)
					return
				}
				http.Error(w, "event is not paused", http.StatusConflict)
				return
			}

			stream.Report(r.Context(), report)
			if err != nil {
				stream.fail(err)
			}
		})

		// ---------------- SET STATUS ----------------

		r.Put("/events/{id}/status", func(w http.ResponseWriter, r *http.Request) {
			eventID, ok := eventIDParam(w, r)
			if !ok {
				return
			}

			status, err := decodeSetStatusRequest(r)
			if err != nil {
				http.Error(w, "invalid request body", http.StatusBadRequest)
				return
			}

			if err := deps.Engine.SetStatus(r.Context(), eventID, status); err != nil {
				if errors.Is(err, domain.ErrInvalidStatus) || errors.Is(err, domain.ErrEventNotFound) {
					writeDomainError(w, logger, err, "", "event_id", eventID)
					return
				}
				logger.Error("set status failed", "event_id", eventID, "error", err)
				http.Error(w, "failed to update event status", http.StatusBadGateway)
				return
			}

			w.WriteHeader(http.StatusNoContent)
		})

		// ---------------- PROGRESS ----------------

		r.Get("/events/{id}/progress", func(w http.ResponseWriter, r *http.Request) {
			eventID, ok := eventIDParam(w, r)
			if !ok {
				return
			}

			summary, err := deps.Engine.Progress(r.Context(), eventID)
			if err != nil {
				writeDomainError(w, logger, err, "failed to load progress", "event_id", eventID)
				return
			}
			writeJSON(w, http.StatusOK, summary)
		})

		r.Delete("/events/{id}/progress", func(w http.ResponseWriter, r *http.Request) {
			eventID, ok := eventIDParam(w, r)
			if !ok {
				return
			}

			if err := deps.Engine.Abandon(r.Context(), eventID); err != nil {
				writeDomainError(w, logger, err, "failed to abandon progress", "event_id", eventID)
				return
			}

			logger.Info("progress abandoned via API", "event_id", eventID)
			w.WriteHeader(http.StatusNoContent)
		})

		// ---------------- HISTORY ----------------

		if deps.History != nil {
			r.Get("/recipients/{id}/history", func(w http.ResponseWriter, r *http.Request) {
				userID := strings.TrimSpace(chi.URLParam(r, "id"))

				summary, err := deps.History.ForRecipient(r.Context(), userID)
				if err != nil {
					writeDomainError(w, logger, err, "failed to build history", "recipient_id", userID)
					return
				}
				writeJSON(w, http.StatusOK, summary)
			})
		}
	})

	return r
}

func eventIDParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	id, err := domain.NormalizeEventID(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid event ID", http.StatusBadRequest)
		return "", false
	}
	return id, true
}

// writeDomainError maps known domain errors to client statuses and logs the
// rest as server failures.
func writeDomainError(w http.ResponseWriter, logger *slog.Logger, err error, msg string, attrs ...any) {
	switch {
	case errors.Is(err, domain.ErrInvalidEventID):
		http.Error(w, "invalid event ID", http.StatusBadRequest)
	case errors.Is(err, domain.ErrInvalidStatus):
		http.Error(w, "invalid status", http.StatusBadRequest)
	case errors.Is(err, domain.ErrEventNotFound):
		http.Error(w, "event not found", http.StatusNotFound)
	case errors.Is(err, domain.ErrProgressNotFound):
		http.Error(w, "progress not found", http.StatusNotFound)
	case errors.Is(err, domain.ErrUnresolved):
		http.Error(w, "recipient not found", http.StatusNotFound)
	case errors.Is(err, domain.ErrRunInProgress):
		http.Error(w, "distribution run in progress", http.StatusConflict)
	default:
		logger.Error(msg, append(attrs, "error", err)...)
		http.Error(w, msg, http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func decodeSetStatusRequest(r *http.Request) (domain.EventStatus, error) {
	if r == nil || r.Body == nil || r.Body == http.NoBody {
		return "", domain.ErrInvalidStatus
	}

	var req setStatusRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		return "", err
	}

	// Ensure there is only one JSON object.
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return "", errors.New("request body must contain exactly one JSON object")
	}

	return domain.ParseEventStatus(req.Status)
}

func valueOrDefault(value, defaultValue string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return defaultValue
	}
	return trimmed
}
