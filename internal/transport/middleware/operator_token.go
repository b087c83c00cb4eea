// SPDX-License-Identifier: Apache-2.0

package middleware

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"

	"github.com/adiadia/op-distributor/internal/auth"
)

// OperatorTokenAuth admits requests carrying one of the configured operator
// bearer tokens and stores the matching operator name on the context.
// operators maps token to operator name.
func OperatorTokenAuth(operators map[string]string, logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}

	type credential struct {
		token []byte
		name  string
	}
	creds := make([]credential, 0, len(operators))
	for token, name := range operators {
		if strings.TrimSpace(token) == "" {
			continue
		}
		creds = append(creds, credential{token: []byte(token), name: name})
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if len(creds) == 0 {
				logger.Error("operator tokens not configured")
				http.Error(w, "operator auth not configured", http.StatusInternalServerError)
				return
			}

			token, ok := bearerToken(r.Header.Get("Authorization"))
			if !ok {
				logger.Warn("request blocked by operator token middleware",
					"path", r.URL.Path,
					"remote_addr", r.RemoteAddr,
				)
				w.Header().Set("WWW-Authenticate", "Bearer")
				http.Error(w, "missing or invalid operator token", http.StatusUnauthorized)
				return
			}

			// Compare against every credential so timing does not reveal which one matched.
			operator := ""
			for _, c := range creds {
				if subtle.ConstantTimeCompare([]byte(token), c.token) == 1 {
					operator = c.name
				}
			}
			if operator == "" {
				logger.Warn("request blocked by operator token lookup",
					"path", r.URL.Path,
					"remote_addr", r.RemoteAddr,
				)
				w.Header().Set("WWW-Authenticate", "Bearer")
				http.Error(w, "missing or invalid operator token", http.StatusUnauthorized)
				return
			}

			// Update the request in place so outer middleware (request logging)
			// can read the operator after next returns.
			*r = *r.WithContext(auth.WithOperator(r.Context(), operator))
			next.ServeHTTP(w, r)
		})
	}
}

func bearerToken(header string) (string, bool) {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return "", false
	}
	return token, true
}
