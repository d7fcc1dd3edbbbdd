/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package broker connects analysis clients with external engine providers
// over HTTP.
//
// A client's analysis request becomes a Job queued under the provider
// selector of the engine it targets. A provider long-polls for jobs with its
// secret, runs the engine, and posts the engine output back, where it is
// queued as a Stream under the job's id for the waiting client to pick up.
package broker

import (
	"context"
	"net/http"
	"slices"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"github.com/chainguard-dev/engine-broker/pkg/engine"
	"github.com/chainguard-dev/engine-broker/pkg/httpmetrics"
	"github.com/chainguard-dev/engine-broker/pkg/hub"
	"github.com/chainguard-dev/engine-broker/pkg/repo"
)

const (
	DefaultPollTimeout   = 10 * time.Second
	DefaultPickupTimeout = 20 * time.Second
	DefaultStreamTimeout = 5 * time.Minute

	// maxRequestBody bounds the JSON bodies of analysis and poll requests.
	maxRequestBody = 1 << 20
)

// Options tunes a Server. Zero values select the defaults.
type Options struct {
	// PollTimeout is how long a provider's poll waits for a job before
	// getting 204 No Content.
	PollTimeout time.Duration

	// PickupTimeout is how long a client waits for a provider to start
	// streaming before getting 503.
	PickupTimeout time.Duration

	// StreamTimeout is how long a provider's output waits to be picked up
	// by the client before the provider gets 504. Once picked up, the
	// stream runs for as long as both sides stay connected.
	StreamTimeout time.Duration

	// HubOptions are applied to both hubs. Names are set by the Server.
	HubOptions []hub.Option
}

// Server serves the external engine API.
type Server struct {
	repo    repo.Interface
	jobs    *hub.Hub[engine.ProviderSelector, *engine.Job]
	streams *hub.Hub[engine.JobID, *engine.Stream]
	clock   clockwork.Clock
	opts    Options

	mux        *http.ServeMux
	analyse    http.HandlerFunc
	submitWork http.HandlerFunc
}

var _ http.Handler = (*Server)(nil)

// NewServer creates a Server backed by r. Call Sweep to keep the hubs clean.
func NewServer(r repo.Interface, opts Options) *Server {
	if opts.PollTimeout <= 0 {
		opts.PollTimeout = DefaultPollTimeout
	}
	if opts.PickupTimeout <= 0 {
		opts.PickupTimeout = DefaultPickupTimeout
	}
	if opts.StreamTimeout <= 0 {
		opts.StreamTimeout = DefaultStreamTimeout
	}

	s := &Server{
		repo:    r,
		jobs:    hub.New[engine.ProviderSelector, *engine.Job](append(slices.Clone(opts.HubOptions), hub.WithName("jobs"))...),
		streams: hub.New[engine.JobID, *engine.Stream](append(slices.Clone(opts.HubOptions), hub.WithName("streams"))...),
		clock:   clockwork.NewRealClock(),
		opts:    opts,
		mux:     http.NewServeMux(),
	}
	s.analyse = httpmetrics.HandlerFunc("analyse", s.handleAnalyse)
	s.submitWork = httpmetrics.HandlerFunc("submit-work", s.handleSubmitWork)

	s.mux.Handle("POST /api/external-engine/work", httpmetrics.HandlerFunc("acquire-work", s.handleAcquireWork))
	// "{id}/analyse" and "work/{id}" overlap as patterns, so one route
	// serves both and dispatches on the literal segment.
	s.mux.HandleFunc("POST /api/external-engine/{first}/{second}", s.route)
	s.mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) route(w http.ResponseWriter, r *http.Request) {
	first, second := r.PathValue("first"), r.PathValue("second")
	switch {
	case first == "work":
		r.SetPathValue("id", second)
		s.submitWork(w, r)
	case second == "analyse":
		r.SetPathValue("id", first)
		s.analyse(w, r)
	default:
		http.NotFound(w, r)
	}
}

// Sweep garbage collects both hubs until ctx is done.
func (s *Server) Sweep(ctx context.Context) error {
	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		hub.GarbageCollect(ctx, s.jobs)
		return nil
	})
	eg.Go(func() error {
		hub.GarbageCollect(ctx, s.streams)
		return nil
	})
	return eg.Wait()
}
