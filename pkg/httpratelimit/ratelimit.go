/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package httpratelimit

import (
	"context"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/chainguard-dev/clog"
	"golang.org/x/time/rate"
)

// HeaderRetryAfter carries either a number of seconds or an HTTP date.
const HeaderRetryAfter = "Retry-After"

// Transport wraps an http.RoundTripper and backs off when the server says it
// is overloaded (429 or 503). Every request through the transport is held
// while a pause is active, and requests whose body can be replayed are
// retried once the pause ends.
type Transport struct {
	base              http.RoundTripper
	limiter           *limiter
	defaultRetryAfter time.Duration
}

// Option customises a Transport.
type Option func(*Transport)

// WithRate caps the steady request rate, independently of any pause.
func WithRate(limit rate.Limit, burst int) Option {
	return func(rt *Transport) {
		rt.limiter.base = rate.NewLimiter(limit, burst)
	}
}

// NewTransport creates a new rate limiting transport wrapper.
// The defaultRetryAfter specifies how long to wait when rate limited but no
// Retry-After header is provided (defaults to 1 minute).
func NewTransport(base http.RoundTripper, defaultRetryAfter time.Duration, opts ...Option) *Transport {
	if base == nil {
		base = http.DefaultTransport
	}
	if defaultRetryAfter == 0 {
		defaultRetryAfter = time.Minute
	}

	rt := &Transport{
		base: base,
		limiter: &limiter{
			base: rate.NewLimiter(rate.Inf, 100),
		},
		defaultRetryAfter: defaultRetryAfter,
	}
	for _, opt := range opts {
		opt(rt)
	}
	return rt
}

// NewClient creates a new HTTP client with rate limiting enabled.
// This is a convenience function that wraps the given base transport.
func NewClient(base http.RoundTripper) *http.Client {
	return &http.Client{
		Transport: NewTransport(base, time.Minute),
	}
}

// RoundTrip implements http.RoundTripper and adds rate limiting logic.
func (rt *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	ctx := req.Context()

	for {
		// Wait if we're currently paused due to rate limiting
		if err := rt.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		resp, err := rt.base.RoundTrip(req)
		if err != nil {
			return resp, err
		}

		if !rt.processRateLimit(ctx, resp) {
			return resp, nil
		}

		// The pause applies to later requests either way, but only a
		// request we can rewind is sent again.
		retry, err := rewind(req)
		if err != nil || retry == nil {
			return resp, nil
		}
		drain(resp)
		req = retry
	}
}

// rewind returns a copy of req with a fresh body, or nil if the body cannot
// be replayed.
func rewind(req *http.Request) (*http.Request, error) {
	if req.Body == nil || req.Body == http.NoBody {
		return req, nil
	}
	if req.GetBody == nil {
		return nil, nil
	}
	body, err := req.GetBody()
	if err != nil {
		return nil, err
	}
	retry := req.Clone(req.Context())
	retry.Body = body
	return retry, nil
}

func drain(resp *http.Response) {
	if resp.Body == nil {
		return
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	_ = resp.Body.Close()
}

// processRateLimit checks if the response indicates rate limiting and pauses future requests.
// Returns true if the request should be retried after the pause.
func (rt *Transport) processRateLimit(ctx context.Context, resp *http.Response) bool {
	log := clog.FromContext(ctx)

	// Check for rate limit status codes
	if resp.StatusCode != http.StatusTooManyRequests &&
		resp.StatusCode != http.StatusServiceUnavailable {
		return false
	}

	retryAfter := rt.defaultRetryAfter
	if v := resp.Header.Get(HeaderRetryAfter); v != "" {
		if seconds, err := strconv.Atoi(v); err == nil {
			retryAfter = time.Duration(seconds) * time.Second
		} else if at, err := http.ParseTime(v); err == nil {
			retryAfter = time.Until(at)
		} else {
			log.Warnf("Failed to parse retry-after header %q, using default", v)
		}
	}
	if retryAfter <= 0 {
		retryAfter = rt.defaultRetryAfter
	}

	log.With("status", resp.StatusCode, "retry_after", retryAfter).
		Warn("Server asked us to back off, pausing requests")
	rt.limiter.PauseFor(retryAfter)
	return true
}

// limiter provides a pausable rate limiter that can temporarily block all requests.
type limiter struct {
	base       *rate.Limiter
	mu         sync.Mutex
	pauseUntil time.Time
	pauseCh    chan struct{}
}

// Wait blocks until the limiter allows a request to proceed.
// It respects both the underlying rate limiter and any active pause.
func (l *limiter) Wait(ctx context.Context) error {
	// If we're paused, wait for the pause to end. A pause that gets
	// extended closes its old channel, so look again after every wakeup.
	for {
		l.mu.Lock()
		pauseCh := l.pauseCh
		l.mu.Unlock()
		if pauseCh == nil {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-pauseCh:
		}
	}

	// Wait for rate limiter to allow the request
	return l.base.Wait(ctx)
}

// PauseFor pauses all requests for the specified duration.
// If already paused, extends the pause only if the new duration is longer.
func (l *limiter) PauseFor(d time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	until := time.Now().Add(d)

	// Only update if this extends the current pause
	if until.After(l.pauseUntil) {
		l.pauseUntil = until

		// Close existing pause channel if any
		if l.pauseCh != nil {
			close(l.pauseCh)
		}
		l.pauseCh = make(chan struct{})

		// Start goroutine to end the pause after duration
		go func(ch chan struct{}) {
			timer := time.NewTimer(d)
			defer timer.Stop()

			<-timer.C

			l.mu.Lock()
			// Only clear if this is still the active pause channel
			if ch == l.pauseCh {
				close(ch)
				l.pauseCh = nil
				l.pauseUntil = time.Time{}
			}
			l.mu.Unlock()
		}(l.pauseCh)
	}
}
