// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"net"
	"net/http"
	"time"
)

// newServer builds the API server. Request contexts derive from ctx, so a
// shutdown signal reaches streaming runs and they stop at their next safe
// point instead of outliving Shutdown's deadline.
func newServer(ctx context.Context, addr string, handler http.Handler) *http.Server {
	// No write timeout: run endpoints stream until the distribution ends.
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
}
