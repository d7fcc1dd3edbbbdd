/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package httpratelimit

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/time/rate"
)

type testRT struct {
	responses []*http.Response
	mu        sync.Mutex
	callCount int
	bodies    []string
}

func (t *testRT) RoundTrip(req *http.Request) (*http.Response, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if req.Body != nil {
		b, err := io.ReadAll(req.Body)
		if err != nil {
			return nil, err
		}
		t.bodies = append(t.bodies, string(b))
	}
	if t.callCount >= len(t.responses) {
		return nil, fmt.Errorf("no more responses")
	}
	resp := t.responses[t.callCount]
	t.callCount++
	return resp, nil
}

func TestTransport_RateLimiting(t *testing.T) {
	defaultRetryAfter := 1 * time.Second

	tests := []struct {
		name           string
		responses      func(baseTime time.Time) []*http.Response
		expectedCalls  int
		expectedStatus int
		expectedWait   time.Duration
	}{
		{
			name: "No rate limit",
			responses: func(_ time.Time) []*http.Response {
				return []*http.Response{{StatusCode: http.StatusOK}}
			},
			expectedCalls:  1,
			expectedWait:   0,
			expectedStatus: http.StatusOK,
		},
		{
			name: "No content is not a rate limit",
			responses: func(_ time.Time) []*http.Response {
				return []*http.Response{{StatusCode: http.StatusNoContent}}
			},
			expectedCalls:  1,
			expectedWait:   0,
			expectedStatus: http.StatusNoContent,
		},
		{
			name: "Retry-After in seconds",
			responses: func(_ time.Time) []*http.Response {
				return []*http.Response{
					{
						StatusCode: http.StatusTooManyRequests,
						Header: http.Header{
							HeaderRetryAfter: {"2"},
						},
					},
					{StatusCode: http.StatusOK},
				}
			},
			expectedCalls:  2,
			expectedWait:   2 * time.Second,
			expectedStatus: http.StatusOK,
		},
		{
			name: "Retry-After as a date",
			responses: func(baseTime time.Time) []*http.Response {
				return []*http.Response{
					{
						StatusCode: http.StatusServiceUnavailable,
						Header: http.Header{
							HeaderRetryAfter: {baseTime.Add(3 * time.Second).UTC().Format(http.TimeFormat)},
						},
					},
					{StatusCode: http.StatusOK},
				}
			},
			expectedCalls:  2,
			// HTTP dates have second precision.
			expectedWait:   2500 * time.Millisecond,
			expectedStatus: http.StatusOK,
		},
		{
			name: "Rate limited without headers uses the default retry-after",
			responses: func(_ time.Time) []*http.Response {
				return []*http.Response{
					{
						StatusCode: http.StatusServiceUnavailable,
						Header:     http.Header{},
					},
					{StatusCode: http.StatusOK},
				}
			},
			expectedCalls:  2,
			expectedWait:   defaultRetryAfter,
			expectedStatus: http.StatusOK,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			baseTime := time.Now()

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			trt := &testRT{
				responses: tt.responses(baseTime),
			}

			client := &http.Client{
				Transport: NewTransport(trt, defaultRetryAfter),
			}

			req, err := http.NewRequestWithContext(ctx, http.MethodPost, "https://broker.example/api/external-engine/work", strings.NewReader(`{"providerSecret":"x"}`))
			if err != nil {
				t.Fatalf("failed to create request: %v", err)
			}

			resp, err := client.Do(req)
			if err != nil {
				t.Fatalf("failed to make request: %v", err)
			}
			elapsed := time.Since(baseTime)

			if resp != nil && resp.StatusCode != tt.expectedStatus {
				t.Fatalf("expected status %d, got %d", tt.expectedStatus, resp.StatusCode)
			}

			if trt.callCount != tt.expectedCalls {
				t.Fatalf("expected %d calls, got %d", tt.expectedCalls, trt.callCount)
			}
			for i, b := range trt.bodies {
				if b != `{"providerSecret":"x"}` {
					t.Errorf("attempt %d sent body %q", i, b)
				}
			}

			// Apply some buffer to account for timing variations
			if tt.expectedWait == 0 {
				if elapsed > 100*time.Millisecond {
					t.Fatalf("expected no significant wait, but got %s", elapsed)
				}
			} else {
				buffer := tt.expectedWait / 2
				minExpectedWait := tt.expectedWait - buffer
				maxExpectedWait := tt.expectedWait + buffer

				if elapsed < minExpectedWait || elapsed > maxExpectedWait {
					t.Fatalf("expected wait time between %s and %s, got %s", minExpectedWait, maxExpectedWait, elapsed)
				}
			}
		})
	}
}

func TestTransport_UnreplayableBodyIsNotRetried(t *testing.T) {
	trt := &testRT{
		responses: []*http.Response{{
			StatusCode: http.StatusServiceUnavailable,
			Header:     http.Header{HeaderRetryAfter: {"1"}},
		}},
	}
	rt := NewTransport(trt, time.Second)

	// A bare reader gives the request no GetBody.
	body := io.NopCloser(bytes.NewBufferString("info depth 1\n"))
	req, err := http.NewRequest(http.MethodPost, "https://broker.example/api/external-engine/work/123", body)
	if err != nil {
		t.Fatalf("failed to create request: %v", err)
	}

	resp, err := rt.RoundTrip(req)
	if err != nil {
		t.Fatalf("RoundTrip() = %v", err)
	}
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("expected status 503, got %d", resp.StatusCode)
	}
	if trt.callCount != 1 {
		t.Errorf("expected 1 call, got %d", trt.callCount)
	}

	// The pause still holds back the next request.
	rt.limiter.mu.Lock()
	paused := rt.limiter.pauseCh != nil
	rt.limiter.mu.Unlock()
	if !paused {
		t.Error("expected the transport to be paused")
	}
}

func TestNewClient(t *testing.T) {
	client := NewClient(nil)
	require := func(cond bool, msg string) {
		if !cond {
			t.Fatal(msg)
		}
	}

	require(client != nil, "expected non-nil client")

	transport, ok := client.Transport.(*Transport)
	require(ok, "expected transport to be *Transport")

	if transport.defaultRetryAfter != time.Minute {
		t.Fatalf("expected default retry after to be 1 minute, got %v", transport.defaultRetryAfter)
	}
}

func TestLimiter_ConcurrentPause(t *testing.T) {
	l := &limiter{
		base: nil, // Not used in this test
	}

	var wg sync.WaitGroup
	pauseDurations := []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 50 * time.Millisecond}

	// Pause concurrently with different durations
	for _, d := range pauseDurations {
		wg.Add(1)
		go func(duration time.Duration) {
			defer wg.Done()
			l.PauseFor(duration)
		}(d)
	}

	wg.Wait()

	// The longest pause should win
	expectedPauseUntil := time.Now().Add(200 * time.Millisecond)
	l.mu.Lock()
	actualPauseUntil := l.pauseUntil
	l.mu.Unlock()

	// Allow some timing variance
	diff := actualPauseUntil.Sub(expectedPauseUntil)
	if diff < -50*time.Millisecond || diff > 50*time.Millisecond {
		t.Fatalf("expected pause until around %v, got %v (diff: %v)", expectedPauseUntil, actualPauseUntil, diff)
	}
}

func TestLimiter_ExtendedPauseHoldsWaiters(t *testing.T) {
	l := &limiter{base: rate.NewLimiter(rate.Inf, 1)}
	start := time.Now()
	l.PauseFor(50 * time.Millisecond)

	done := make(chan error, 1)
	go func() {
		done <- l.Wait(context.Background())
	}()
	// Extending the pause releases the old channel; the waiter must keep
	// waiting for the new one.
	l.PauseFor(300 * time.Millisecond)

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Wait() = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("pause never ended")
	}
	if elapsed := time.Since(start); elapsed < 250*time.Millisecond {
		t.Errorf("Wait() returned after %v, wanted at least 250ms", elapsed)
	}
}

func TestLimiter_WaitHonoursContext(t *testing.T) {
	l := &limiter{base: rate.NewLimiter(rate.Inf, 1)}
	l.PauseFor(time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := l.Wait(ctx); err != context.DeadlineExceeded {
		t.Errorf("Wait() = %v, wanted %v", err, context.DeadlineExceeded)
	}
}

func TestWithRate(t *testing.T) {
	rt := NewTransport(&testRT{}, time.Second, WithRate(rate.Limit(2), 1))
	if got := rt.limiter.base.Limit(); got != 2 {
		t.Errorf("Limit() = %v, wanted 2", got)
	}
	if got := rt.limiter.base.Burst(); got != 1 {
		t.Errorf("Burst() = %d, wanted 1", got)
	}

	// The burst is spent by the first wait; the second cannot fit in a 10ms
	// deadline at 2 requests per second.
	if err := rt.limiter.Wait(context.Background()); err != nil {
		t.Fatalf("first Wait() = %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := rt.limiter.Wait(ctx); err == nil {
		t.Error("second Wait() = nil, wanted the rate limit to hold it")
	}
}
