/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package profiler

import (
	"context"

	"cloud.google.com/go/profiler"
	"github.com/sethvargo/go-envconfig"

	"github.com/chainguard-dev/clog"
)

type config struct {
	EnableProfiler bool   `env:"ENABLE_PROFILER, default=false"`
	Service        string `env:"K_SERVICE"`
	Version        string `env:"K_REVISION"`
}

// SetupProfiler starts the Cloud Profiler agent when ENABLE_PROFILER is set.
// The service name falls back to name outside Cloud Run.
func SetupProfiler(ctx context.Context, name string) {
	var env config
	if err := envconfig.Process(ctx, &env); err != nil {
		clog.FromContext(ctx).Fatalf("failed to process profiler env: %v", err)
	}
	if !env.EnableProfiler {
		return
	}
	cfg := profilerConfig(env, name)
	if err := profiler.Start(cfg); err != nil {
		clog.FromContext(ctx).Fatalf("failed to start profiler: %v", err)
	}
	clog.FromContext(ctx).Infof("Started profiler for %s", cfg.Service)
}

func profilerConfig(env config, name string) profiler.Config {
	cfg := profiler.Config{
		Service:        env.Service,
		ServiceVersion: env.Version,
	}
	if cfg.Service == "" {
		cfg.Service = name
	}
	return cfg
}
