/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/jonboulle/clockwork"
	"gocloud.dev/docstore/memdocstore"

	"github.com/chainguard-dev/engine-broker/pkg/engine"
	"github.com/chainguard-dev/engine-broker/pkg/hub"
	"github.com/chainguard-dev/engine-broker/pkg/repo"
)

const (
	engineID       = "eei_test"
	clientSecret   = "ees_client"
	providerSecret = "provider"
)

func newTestRepo(t *testing.T) repo.Interface {
	t.Helper()
	coll, err := memdocstore.OpenCollection("_id", nil)
	if err != nil {
		t.Fatalf("OpenCollection() = %v", err)
	}
	r := repo.NewDocstore(coll)
	t.Cleanup(func() { r.Close() })

	if err := r.Put(context.Background(), &repo.Record{
		ID:             engineID,
		Name:           "Stockfish",
		ClientSecret:   clientSecret,
		UserID:         "someone",
		MaxThreads:     4,
		MaxHash:        512,
		Variants:       []string{"chess"},
		ProviderSecret: providerSecret,
	}); err != nil {
		t.Fatalf("Put() = %v", err)
	}
	return r
}

func newTestServer(t *testing.T, opts Options) (*Server, *httptest.Server) {
	t.Helper()
	opts.HubOptions = append(opts.HubOptions, hub.WithShards(4))
	s := NewServer(newTestRepo(t), opts)
	srv := httptest.NewServer(s)
	t.Cleanup(srv.Close)
	return s, srv
}

func testWork() engine.Work {
	return engine.Work{
		SessionID:  "session",
		Threads:    2,
		Hash:       128,
		MultiPV:    1,
		Variant:    engine.VariantChess,
		InitialFen: "rnbqkbnr/pppppppp/8/8/8/8/PPPPPPPP/RNBQKBNR w KQkq - 0 1",
		Moves:      []string{"e2e4"},
	}
}

func postJSON(t *testing.T, ctx context.Context, url string, body any) (*http.Response, error) {
	t.Helper()
	b, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("Marshal() = %v", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		t.Fatalf("NewRequest() = %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return http.DefaultClient.Do(req)
}

func analyse(t *testing.T, ctx context.Context, srv *httptest.Server, id, secret string, work engine.Work) (*http.Response, error) {
	t.Helper()
	return postJSON(t, ctx, srv.URL+"/api/external-engine/"+id+"/analyse", analyseRequest{
		ClientSecret: engine.ClientSecret(secret),
		Work:         work,
	})
}

func acquire(t *testing.T, ctx context.Context, srv *httptest.Server, secret string) (*http.Response, error) {
	t.Helper()
	return postJSON(t, ctx, srv.URL+"/api/external-engine/work", acquireRequest{
		ProviderSecret: engine.ProviderSecret(secret),
	})
}

type result struct {
	status int
	body   string
	err    error
}

func readAll(resp *http.Response, err error) result {
	if err != nil {
		return result{err: err}
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	return result{status: resp.StatusCode, body: string(b), err: err}
}

func TestRoundTrip(t *testing.T) {
	_, srv := newTestServer(t, Options{})
	ctx := context.Background()

	// The provider is already polling when the client arrives.
	polled := make(chan result, 1)
	go func() {
		polled <- readAll(acquire(t, ctx, srv, providerSecret))
	}()

	analysed := make(chan result, 1)
	go func() {
		analysed <- readAll(analyse(t, ctx, srv, engineID, clientSecret, testWork()))
	}()

	var got result
	select {
	case got = <-polled:
	case <-time.After(5 * time.Second):
		t.Fatal("provider never received the job")
	}
	if got.err != nil || got.status != http.StatusOK {
		t.Fatalf("acquire = (%d, %v), wanted 200", got.status, got.err)
	}
	var work WorkResponse
	if err := json.Unmarshal([]byte(got.body), &work); err != nil {
		t.Fatalf("Unmarshal() = %v", err)
	}
	if diff := cmp.Diff(testWork(), work.Work); diff != "" {
		t.Errorf("work (-want, +got):\n%s", diff)
	}
	if work.Engine.ID != engineID || work.Engine.ClientSecret != "" {
		t.Errorf("engine = %+v, wanted %s without its client secret", work.Engine, engineID)
	}
	if strings.Contains(got.body, clientSecret) {
		t.Errorf("acquire response leaks the client secret: %s", got.body)
	}

	output := "info depth 1 score cp 30 pv e7e5\nbestmove e7e5\n"
	submitted := readAll(http.Post(srv.URL+"/api/external-engine/work/"+string(work.ID), "text/plain", strings.NewReader(output)))
	if submitted.err != nil || submitted.status != http.StatusOK {
		t.Fatalf("submit = (%d, %v), wanted 200", submitted.status, submitted.err)
	}

	select {
	case got = <-analysed:
	case <-time.After(5 * time.Second):
		t.Fatal("client never received the analysis")
	}
	if got.err != nil || got.status != http.StatusOK {
		t.Fatalf("analyse = (%d, %v), wanted 200", got.status, got.err)
	}
	if got.body != output {
		t.Errorf("analyse body = %q, wanted %q", got.body, output)
	}
}

func TestAnalyseStreamsIncrementally(t *testing.T) {
	s, srv := newTestServer(t, Options{})
	ctx := context.Background()

	resp := make(chan *http.Response, 1)
	go func() {
		r, err := analyse(t, ctx, srv, engineID, clientSecret, testWork())
		if err != nil {
			t.Errorf("analyse() = %v", err)
			return
		}
		resp <- r
	}()

	acquireCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	job, err := s.jobs.Acquire(acquireCtx, engine.ProviderSecret(providerSecret).Selector())
	if err != nil {
		t.Fatalf("Acquire() = %v", err)
	}

	pr, pw := io.Pipe()
	submitted := make(chan result, 1)
	go func() {
		submitted <- readAll(http.Post(srv.URL+"/api/external-engine/work/"+string(job.ID), "text/plain", pr))
	}()

	io.WriteString(pw, "info depth 1\n")
	var r *http.Response
	select {
	case r = <-resp:
	case <-time.After(5 * time.Second):
		t.Fatal("no response headers before the stream ended")
	}
	defer r.Body.Close()
	if got := r.Header.Get("Content-Type"); !strings.HasPrefix(got, "text/plain") {
		t.Errorf("Content-Type = %q, wanted text/plain", got)
	}

	buf := make([]byte, len("info depth 1\n"))
	if _, err := io.ReadFull(r.Body, buf); err != nil {
		t.Fatalf("reading first line: %v", err)
	}
	if string(buf) != "info depth 1\n" {
		t.Errorf("first line = %q", buf)
	}

	io.WriteString(pw, "bestmove e2e4\n")
	pw.Close()
	rest, err := io.ReadAll(r.Body)
	if err != nil {
		t.Fatalf("ReadAll() = %v", err)
	}
	if string(rest) != "bestmove e2e4\n" {
		t.Errorf("rest = %q", rest)
	}
	if got := <-submitted; got.status != http.StatusOK {
		t.Errorf("submit = (%d, %v), wanted 200", got.status, got.err)
	}
}

func TestStreamOutlivesPickupDeadline(t *testing.T) {
	const streamTimeout = 300 * time.Millisecond
	s, srv := newTestServer(t, Options{StreamTimeout: streamTimeout})
	ctx := context.Background()

	analysed := make(chan result, 1)
	go func() {
		analysed <- readAll(analyse(t, ctx, srv, engineID, clientSecret, testWork()))
	}()

	acquireCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	job, err := s.jobs.Acquire(acquireCtx, engine.ProviderSecret(providerSecret).Selector())
	if err != nil {
		t.Fatalf("Acquire() = %v", err)
	}

	pr, pw := io.Pipe()
	submitted := make(chan result, 1)
	go func() {
		submitted <- readAll(http.Post(srv.URL+"/api/external-engine/work/"+string(job.ID), "text/plain", pr))
	}()

	// Keep sending for twice the stream timeout.
	var want strings.Builder
	for i := 1; i <= 6; i++ {
		line := fmt.Sprintf("info depth %d\n", i)
		want.WriteString(line)
		if _, err := io.WriteString(pw, line); err != nil {
			t.Fatalf("writing line %d: %v", i, err)
		}
		time.Sleep(streamTimeout / 3)
	}
	want.WriteString("bestmove e2e4\n")
	if _, err := io.WriteString(pw, "bestmove e2e4\n"); err != nil {
		t.Fatalf("writing bestmove: %v", err)
	}
	pw.Close()

	var got result
	select {
	case got = <-analysed:
	case <-time.After(5 * time.Second):
		t.Fatal("client never received the analysis")
	}
	if got.err != nil || got.status != http.StatusOK {
		t.Fatalf("analyse = (%d, %v), wanted 200", got.status, got.err)
	}
	if got.body != want.String() {
		t.Errorf("analyse body = %q, wanted %q", got.body, want.String())
	}
	if sub := <-submitted; sub.err != nil || sub.status != http.StatusOK {
		t.Errorf("submit = (%d, %v), wanted 200", sub.status, sub.err)
	}
}

func TestAnalyseSkipsAbandonedStreams(t *testing.T) {
	s, _ := newTestServer(t, Options{})

	gone, cancel := context.WithCancel(context.Background())
	cancel()
	s.streams.Submit("job", engine.NewStream(gone, strings.NewReader("stale")))
	live := engine.NewStream(context.Background(), strings.NewReader("live"))
	s.streams.Submit("job", live)

	ctx, cancelWait := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelWait()
	got, err := s.acquireStream(ctx, "job")
	if err != nil {
		t.Fatalf("acquireStream() = %v", err)
	}
	if got != live {
		t.Error("acquireStream() returned the abandoned stream")
	}
}

func TestAnalyseErrors(t *testing.T) {
	_, srv := newTestServer(t, Options{PickupTimeout: 50 * time.Millisecond})
	ctx := context.Background()

	tooManyThreads := testWork()
	tooManyThreads.Threads = 64

	tests := []struct {
		name   string
		id     string
		secret string
		work   engine.Work
		want   int
	}{{
		name:   "unknown engine",
		id:     "eei_missing",
		secret: clientSecret,
		work:   testWork(),
		want:   http.StatusNotFound,
	}, {
		name:   "wrong secret",
		id:     engineID,
		secret: "ees_wrong",
		work:   testWork(),
		want:   http.StatusNotFound,
	}, {
		name:   "invalid work",
		id:     engineID,
		secret: clientSecret,
		work:   tooManyThreads,
		want:   http.StatusBadRequest,
	}, {
		name:   "no provider",
		id:     engineID,
		secret: clientSecret,
		work:   testWork(),
		want:   http.StatusServiceUnavailable,
	}}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := readAll(analyse(t, ctx, srv, tt.id, tt.secret, tt.work))
			if got.err != nil {
				t.Fatalf("analyse() = %v", got.err)
			}
			if got.status != tt.want {
				t.Errorf("status = %d, wanted %d (%s)", got.status, tt.want, got.body)
			}
		})
	}
}

func TestMalformedRequests(t *testing.T) {
	_, srv := newTestServer(t, Options{})

	for _, path := range []string{
		"/api/external-engine/work",
		"/api/external-engine/" + engineID + "/analyse",
	} {
		got := readAll(http.Post(srv.URL+path, "application/json", strings.NewReader("{")))
		if got.err != nil || got.status != http.StatusBadRequest {
			t.Errorf("POST %s = (%d, %v), wanted 400", path, got.status, got.err)
		}
	}

	got := readAll(acquire(t, context.Background(), srv, ""))
	if got.status != http.StatusBadRequest {
		t.Errorf("acquire without secret = %d, wanted 400", got.status)
	}

	got = readAll(http.Post(srv.URL+"/api/external-engine/foo/bar", "text/plain", nil))
	if got.status != http.StatusNotFound {
		t.Errorf("unknown route = %d, wanted 404", got.status)
	}
}

func TestPollTimesOut(t *testing.T) {
	s, srv := newTestServer(t, Options{})
	clock := clockwork.NewFakeClock()
	s.clock = clock

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	polled := make(chan result, 1)
	go func() {
		polled <- readAll(acquire(t, ctx, srv, providerSecret))
	}()

	if err := clock.BlockUntilContext(ctx, 1); err != nil {
		t.Fatalf("BlockUntilContext() = %v", err)
	}
	clock.Advance(DefaultPollTimeout)

	got := <-polled
	if got.err != nil || got.status != http.StatusNoContent {
		t.Errorf("acquire = (%d, %v), wanted 204", got.status, got.err)
	}
}

func TestPollSkipsAbandonedJobs(t *testing.T) {
	s, srv := newTestServer(t, Options{PollTimeout: time.Second})

	gone, cancel := context.WithCancel(context.Background())
	cancel()
	stale := engine.NewJob(gone, testWork(), engine.Engine{ID: "stale"})
	live := engine.NewJob(context.Background(), testWork(), engine.Engine{ID: engineID})

	selector := engine.ProviderSecret(providerSecret).Selector()
	s.jobs.Submit(selector, stale)
	s.jobs.Submit(selector, live)

	got := readAll(acquire(t, context.Background(), srv, providerSecret))
	if got.status != http.StatusOK {
		t.Fatalf("acquire = (%d, %v), wanted 200", got.status, got.err)
	}
	var work WorkResponse
	if err := json.Unmarshal([]byte(got.body), &work); err != nil {
		t.Fatalf("Unmarshal() = %v", err)
	}
	if work.ID != live.ID {
		t.Errorf("acquired %s, wanted the live job %s", work.ID, live.ID)
	}
}

func TestSubmitWorkTimesOut(t *testing.T) {
	_, srv := newTestServer(t, Options{StreamTimeout: 50 * time.Millisecond})

	got := readAll(http.Post(srv.URL+"/api/external-engine/work/nobody-waits", "text/plain", strings.NewReader("bestmove e2e4\n")))
	if got.err != nil || got.status != http.StatusGatewayTimeout {
		t.Errorf("submit = (%d, %v), wanted 504", got.status, got.err)
	}
}

func TestHealthz(t *testing.T) {
	_, srv := newTestServer(t, Options{})
	got := readAll(http.Get(srv.URL + "/healthz"))
	if got.err != nil || got.status != http.StatusOK {
		t.Errorf("healthz = (%d, %v), wanted 200", got.status, got.err)
	}
}

func TestSweepStopsWithContext(t *testing.T) {
	s, _ := newTestServer(t, Options{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- s.Sweep(ctx)
	}()
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Sweep() = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Sweep did not return after cancel")
	}
}
