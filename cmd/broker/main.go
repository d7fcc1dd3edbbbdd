/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/chainguard-dev/clog"
	_ "github.com/chainguard-dev/clog/gcp/init"
	"github.com/sethvargo/go-envconfig"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
	"golang.org/x/sync/errgroup"

	"github.com/chainguard-dev/engine-broker/pkg/broker"
	"github.com/chainguard-dev/engine-broker/pkg/httpmetrics"
	"github.com/chainguard-dev/engine-broker/pkg/hub"
	"github.com/chainguard-dev/engine-broker/pkg/profiler"
	"github.com/chainguard-dev/engine-broker/pkg/repo"
)

type envConfig struct {
	Port     int    `env:"PORT, default=8080"`
	StoreURL string `env:"ENGINE_STORE_URL, required"`

	Shards        int           `env:"HUB_SHARDS, default=64"`
	QueueCapacity int           `env:"HUB_QUEUE_CAPACITY, default=1024"`
	SweepInterval time.Duration `env:"HUB_SWEEP_INTERVAL, default=10s"`

	PollTimeout   time.Duration `env:"WORK_POLL_TIMEOUT, default=10s"`
	PickupTimeout time.Duration `env:"PICKUP_TIMEOUT, default=20s"`
	StreamTimeout time.Duration `env:"STREAM_TIMEOUT, default=5m"`
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	ctx = clog.WithLogger(ctx, clog.New(slog.Default().Handler()))

	var env envConfig
	envconfig.MustProcess(ctx, &env)

	profiler.SetupProfiler(ctx, "engine-broker")
	go httpmetrics.ServeMetrics()
	defer httpmetrics.SetupTracer(ctx)()

	store, err := repo.Open(ctx, env.StoreURL)
	if err != nil {
		clog.FatalContextf(ctx, "failed to open engine store: %v", err)
	}
	defer store.Close()

	s := broker.NewServer(store, broker.Options{
		PollTimeout:   env.PollTimeout,
		PickupTimeout: env.PickupTimeout,
		StreamTimeout: env.StreamTimeout,
		HubOptions: []hub.Option{
			hub.WithShards(env.Shards),
			hub.WithCapacity(env.QueueCapacity),
			hub.WithSweepInterval(env.SweepInterval),
		},
	})

	srv := newHTTPServer(ctx, env.Port, h2c.NewHandler(s, &http2.Server{}))

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		return s.Sweep(ctx)
	})
	eg.Go(func() error {
		clog.InfoContextf(ctx, "Listening on %s", srv.Addr)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	eg.Go(func() error {
		<-ctx.Done()
		// Long polls end on their own within the poll timeout.
		return shutdown(ctx, srv, env.PollTimeout+5*time.Second)
	})
	if err := eg.Wait(); err != nil {
		clog.FatalContextf(ctx, "broker exited: %v", err)
	}
}

// newHTTPServer serves h on port. Requests inherit ctx's values but not its
// cancellation, so in-flight polls and streams drain during Shutdown.
func newHTTPServer(ctx context.Context, port int, h http.Handler) *http.Server {
	base := context.WithoutCancel(ctx)
	return &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		ReadHeaderTimeout: 10 * time.Second,
		Handler:           h,
		BaseContext:       func(net.Listener) context.Context { return base },
	}
}

// shutdown stops srv, giving in-flight requests up to timeout. Requests
// still running after that are logged, not treated as a failure.
func shutdown(ctx context.Context, srv *http.Server, timeout time.Duration) error {
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); errors.Is(err, context.DeadlineExceeded) {
		clog.WarnContextf(ctx, "Shutdown left requests in flight: %v", err)
	} else if err != nil {
		return err
	}
	return nil
}
