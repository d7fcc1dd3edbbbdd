/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package prober

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/chainguard-dev/clog"
	"github.com/sethvargo/go-envconfig"

	"github.com/chainguard-dev/engine-broker/pkg/httpmetrics"
)

// Interface is implemented by probers to encapsulate their probing logic.
type Interface interface {
	// Probe performs a single probe and is passed the HTTP request context.
	Probe(context.Context) error
}

// Func is a convenience wrapper for turning a function into an Interface.
type Func func(context.Context) error

// Probe implements Interface
func (pf Func) Probe(ctx context.Context) error {
	return pf(ctx)
}

// Handler runs a probe for every request carrying the expected
// Authorization header.
func Handler(authz string, i Interface) http.Handler {
	return httpmetrics.Handler("probe", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		log := clog.FromContext(r.Context())
		if auth := r.Header.Get("Authorization"); auth != authz {
			log.Error("request was not authorized")
			http.Error(w, "not authorized", http.StatusUnauthorized)
			return
		}
		if err := i.Probe(r.Context()); err != nil {
			log.Errorf("probe failed: %v", err)
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
}

// Go launches the prober process, and does not return.
// On errors it terminates the process.
func Go(ctx context.Context, i Interface) {
	var env struct {
		Port          int    `env:"PORT, default=8080"`
		Authorization string `env:"AUTHORIZATION, required"`
	}
	if err := envconfig.Process(ctx, &env); err != nil {
		clog.FatalContextf(ctx, "Expected AUTHORIZATION environment variable to be configured: %v", err)
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", env.Port),
		ReadHeaderTimeout: 10 * time.Second,
		Handler:           Handler(env.Authorization, i),
	}
	clog.FatalContextf(ctx, "ListenAndServe: %v", srv.ListenAndServe())
}
