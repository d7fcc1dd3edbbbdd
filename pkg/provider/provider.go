/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package provider implements the provider side of the external engine
// protocol: it polls the broker for jobs, runs them on a local engine and
// streams the engine's output back.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/chainguard-dev/clog"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/chainguard-dev/engine-broker/pkg/broker"
	"github.com/chainguard-dev/engine-broker/pkg/engine"
	"github.com/chainguard-dev/engine-broker/pkg/httpmetrics"
	"github.com/chainguard-dev/engine-broker/pkg/httpratelimit"
)

// DefaultRetryDelay is how long the client waits after a failed poll.
const DefaultRetryDelay = 5 * time.Second

// Analyser runs one job, writing the engine's output to out.
type Analyser interface {
	Analyse(ctx context.Context, work engine.Work, out io.Writer) error
}

// Client serves jobs for one provider secret.
type Client struct {
	baseURL    string
	secret     engine.ProviderSecret
	analyser   Analyser
	http       *http.Client
	clock      clockwork.Clock
	retryDelay time.Duration
}

// Option customises a Client.
type Option func(*Client)

// WithHTTPClient replaces the default instrumented, rate limited client.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) {
		cl.http = c
	}
}

// WithRequestRate caps how many requests per second the default client
// sends to the broker.
func WithRequestRate(limit rate.Limit) Option {
	return func(cl *Client) {
		cl.http = newHTTPClient(httpratelimit.WithRate(limit, 1))
	}
}

// WithClock sets the clock used to pace retries.
func WithClock(clock clockwork.Clock) Option {
	return func(cl *Client) {
		cl.clock = clock
	}
}

// WithRetryDelay sets the pause after a failed poll.
func WithRetryDelay(d time.Duration) Option {
	return func(cl *Client) {
		cl.retryDelay = d
	}
}

// New creates a Client for the broker at baseURL.
func New(baseURL string, secret engine.ProviderSecret, a Analyser, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		secret:     secret,
		analyser:   a,
		http:       newHTTPClient(),
		clock:      clockwork.NewRealClock(),
		retryDelay: DefaultRetryDelay,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func newHTTPClient(opts ...httpratelimit.Option) *http.Client {
	return &http.Client{
		Transport: httpratelimit.NewTransport(httpmetrics.WrapTransport(http.DefaultTransport), DefaultRetryDelay, opts...),
	}
}

// Run serves jobs until ctx is done.
func (c *Client) Run(ctx context.Context) error {
	log := clog.FromContext(ctx)
	log.Infof("Serving jobs from %s", c.baseURL)

	for ctx.Err() == nil {
		job, err := c.Poll(ctx)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			log.Warnf("Polling for work failed, retrying in %v: %v", c.retryDelay, err)
			select {
			case <-ctx.Done():
			case <-c.clock.After(c.retryDelay):
			}
			continue
		}
		if job == nil {
			continue
		}
		if err := c.Handle(ctx, job); err != nil {
			log.With("job", job.ID).Warnf("Job failed: %v", err)
		}
	}
	log.Infof("Stopped serving jobs: %v", ctx.Err())
	return nil
}

// Poll waits for the next job. It returns nil without an error when the
// broker had nothing to hand out.
func (c *Client) Poll(ctx context.Context) (*broker.WorkResponse, error) {
	body, err := json.Marshal(map[string]engine.ProviderSecret{"providerSecret": c.secret})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/external-engine/work", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusNoContent:
		return nil, nil
	case http.StatusOK:
		var job broker.WorkResponse
		if err := json.NewDecoder(resp.Body).Decode(&job); err != nil {
			return nil, fmt.Errorf("decoding job: %w", err)
		}
		return &job, nil
	default:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("polling for work: %s: %s", resp.Status, strings.TrimSpace(string(msg)))
	}
}

// Handle runs job on the analyser and streams its output to the broker.
func (c *Client) Handle(ctx context.Context, job *broker.WorkResponse) error {
	log := clog.FromContext(ctx).With("job", job.ID)
	log.Infof("Handling job for engine %s", job.Engine.ID)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	pr, pw := io.Pipe()
	var eg errgroup.Group
	eg.Go(func() error {
		err := c.analyser.Analyse(ctx, job.Work, pw)
		pw.CloseWithError(err)
		return err
	})

	err := c.submit(ctx, job.ID, pr)
	// Once the upload is over nobody reads the pipe, so make the analyser
	// notice and stop.
	pr.CloseWithError(io.ErrClosedPipe)
	if err != nil {
		cancel()
	}
	aerr := eg.Wait()

	switch {
	case err != nil:
		return err
	case aerr != nil && !errors.Is(aerr, io.ErrClosedPipe):
		return fmt.Errorf("analysis: %w", aerr)
	}
	return nil
}

func (c *Client) submit(ctx context.Context, id engine.JobID, body io.Reader) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/external-engine/work/"+string(id), body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "text/plain; charset=utf-8")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("streaming analysis: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("streaming analysis: %s", resp.Status)
	}
	return nil
}
