/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/chainguard-dev/clog"
	_ "github.com/chainguard-dev/clog/gcp/init"
	"github.com/sethvargo/go-envconfig"
	"golang.org/x/time/rate"

	"github.com/chainguard-dev/engine-broker/pkg/engine"
	"github.com/chainguard-dev/engine-broker/pkg/provider"
	"github.com/chainguard-dev/engine-broker/pkg/uci"
)

type envConfig struct {
	BrokerURL      string `env:"BROKER_URL, default=http://localhost:8080"`
	ProviderSecret string `env:"PROVIDER_SECRET, required"`
	EngineCommand  string `env:"ENGINE_COMMAND, required"`
	EngineDepth    int    `env:"ENGINE_DEPTH, default=25"`

	// RequestRate caps requests per second to the broker; zero means no cap.
	RequestRate float64 `env:"REQUEST_RATE, default=0"`
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	ctx = clog.WithLogger(ctx, clog.New(slog.Default().Handler()))

	var env envConfig
	envconfig.MustProcess(ctx, &env)

	e := uci.New(env.EngineCommand, env.EngineDepth)
	defer e.Close()

	var opts []provider.Option
	if env.RequestRate > 0 {
		opts = append(opts, provider.WithRequestRate(rate.Limit(env.RequestRate)))
	}
	c := provider.New(env.BrokerURL, engine.ProviderSecret(env.ProviderSecret), e, opts...)
	if err := c.Run(ctx); err != nil {
		clog.FatalContextf(ctx, "provider exited: %v", err)
	}
}
