// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"context"
	"strings"
)

type operatorContextKey struct{}

var ctxOperatorKey operatorContextKey

// WithOperator stores the authenticated operator name on the context.
func WithOperator(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, ctxOperatorKey, strings.TrimSpace(name))
}

// OperatorFromContext reads the authenticated operator name from context.
func OperatorFromContext(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(ctxOperatorKey).(string)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

// OperatorOr returns the operator on ctx, or fallback when none is set.
func OperatorOr(ctx context.Context, fallback string) string {
	if name, ok := OperatorFromContext(ctx); ok {
		return name
	}
	return fallback
}
