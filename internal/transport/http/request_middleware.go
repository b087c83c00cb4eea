// SPDX-License-Identifier: Apache-2.0

package httptransport

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/adiadia/op-distributor/internal/auth"
)

const (
	headerRequestID    = "X-Request-Id"
	maxRequestIDLength = 128
)

type requestIDContextKey struct{}
type requestMetaContextKey struct{}

// requestMeta is filled in by inner middleware and read back by the access
// log once the handler returns.
type requestMeta struct {
	operator string
}

// responseRecorder tracks status and body size. Runs stream for minutes, so
// Flush must reach the underlying writer.
type responseRecorder struct {
	http.ResponseWriter
	status      int
	bytes       int64
	wroteHeader bool
}

func (rw *responseRecorder) WriteHeader(code int) {
	if rw.wroteHeader {
		return
	}
	rw.status = code
	rw.wroteHeader = true
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseRecorder) Write(p []byte) (int, error) {
	if !rw.wroteHeader {
		rw.WriteHeader(http.StatusOK)
	}
	n, err := rw.ResponseWriter.Write(p)
	rw.bytes += int64(n)
	return n, err
}

func (rw *responseRecorder) Flush() {
	if flusher, ok := rw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func requestIDFromContext(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(requestIDContextKey{}).(string)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

// validRequestID accepts caller ids made of printable ASCII without spaces.
func validRequestID(id string) bool {
	if id == "" || len(id) > maxRequestIDLength {
		return false
	}
	for i := 0; i < len(id); i++ {
		if id[i] <= ' ' || id[i] > '~' {
			return false
		}
	}
	return true
}

func requestIDMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			reqID := strings.TrimSpace(r.Header.Get(headerRequestID))
			if !validRequestID(reqID) {
				reqID = uuid.NewString()
			}

			w.Header().Set(headerRequestID, reqID)
			ctx := context.WithValue(r.Context(), requestIDContextKey{}, reqID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// recordOperator copies the authenticated operator into the access log
// metadata. It must run after OperatorTokenAuth.
func recordOperator() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if meta, ok := r.Context().Value(requestMetaContextKey{}).(*requestMeta); ok {
				meta.operator = auth.OperatorOr(r.Context(), "")
			}
			next.ServeHTTP(w, r)
		})
	}
}

func requestLoggingMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &responseRecorder{ResponseWriter: w, status: http.StatusOK}
			meta := &requestMeta{}

			next.ServeHTTP(rec, r.WithContext(context.WithValue(r.Context(), requestMetaContextKey{}, meta)))

			reqID, _ := requestIDFromContext(r.Context())
			attrs := []any{
				"request_id", reqID,
				"method", r.Method,
				"path", r.URL.Path,
				"status", rec.status,
				"bytes", rec.bytes,
				"duration_ms", time.Since(start).Milliseconds(),
			}
			if meta.operator != "" {
				attrs = append(attrs, "operator", meta.operator)
			}

			switch {
			case rec.status >= http.StatusInternalServerError:
				logger.Warn("request failed", attrs...)
			case r.Context().Err() != nil:
				logger.Info("request cancelled by client", attrs...)
			default:
				logger.Info("request completed", attrs...)
			}
		})
	}
}
