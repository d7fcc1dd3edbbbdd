/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package main

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/chainguard-dev/clog"
	_ "github.com/chainguard-dev/clog/gcp/init"
	"github.com/sethvargo/go-envconfig"

	"github.com/chainguard-dev/engine-broker/pkg/engine"
	"github.com/chainguard-dev/engine-broker/pkg/httpmetrics"
	"github.com/chainguard-dev/engine-broker/pkg/prober"
	"github.com/chainguard-dev/engine-broker/pkg/provider"
)

var env = envconfig.MustProcess(context.Background(), &struct {
	BrokerURL      string `env:"BROKER_URL, required"`
	EngineID       string `env:"PROBE_ENGINE_ID, required"`
	ClientSecret   string `env:"PROBE_CLIENT_SECRET, required"`
	ProviderSecret string `env:"PROBE_PROVIDER_SECRET, required"`
}{})

func main() {
	ctx := clog.WithLogger(context.Background(), clog.New(slog.Default().Handler()))

	go httpmetrics.ServeMetrics()
	defer httpmetrics.SetupTracer(ctx)()

	prober.Go(ctx, &provider.Probe{
		BrokerURL:      env.BrokerURL,
		EngineID:       engine.EngineID(env.EngineID),
		ClientSecret:   engine.ClientSecret(env.ClientSecret),
		ProviderSecret: engine.ProviderSecret(env.ProviderSecret),
		HTTP:           &http.Client{Transport: httpmetrics.Transport},
	})
}
