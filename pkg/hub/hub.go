/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package hub

import (
	"context"
	"hash/maphash"
	"time"

	"github.com/jonboulle/clockwork"
)

// Validator is implemented by payloads that can go stale while queued.
// It is only consulted by GarbageCollect.
type Validator interface {
	// Valid reports whether the payload is still worth delivering.
	Valid() bool
}

// Hub matches payloads submitted for a selector with consumers acquiring
// that selector.
type Hub[S comparable, R any] struct {
	name     string
	seed     maphash.Seed
	shards   []*shard[S, R]
	capacity int

	sweepInterval time.Duration
	clock         clockwork.Clock
	metrics       *hubMetrics
}

// New creates a Hub. The routing seed is chosen here and never changes, so
// a selector maps to the same shard for the lifetime of the Hub.
func New[S comparable, R any](opts ...Option) *Hub[S, R] {
	o := options{
		name:          "default",
		shards:        DefaultShards,
		capacity:      DefaultCapacity,
		sweepInterval: DefaultSweepInterval,
		clock:         clockwork.NewRealClock(),
	}
	for _, opt := range opts {
		opt(&o)
	}

	shards := make([]*shard[S, R], o.shards)
	for i := range shards {
		shards[i] = newShard[S, R]()
	}
	return &Hub[S, R]{
		name:          o.name,
		seed:          maphash.MakeSeed(),
		shards:        shards,
		capacity:      o.capacity,
		sweepInterval: o.sweepInterval,
		clock:         o.clock,
		metrics:       newHubMetrics(o.name),
	}
}

// Name returns the name the hub was created with.
func (h *Hub[S, R]) Name() string {
	return h.name
}

// Submit queues payload for selector and returns immediately. If the
// selector's backlog is full the payload is silently dropped.
func (h *Hub[S, R]) Submit(selector S, payload R) {
	if h.shardFor(selector).submit(selector, payload, h.capacity) {
		h.metrics.submitted.Inc()
	} else {
		h.metrics.dropped.Inc()
	}
}

// Acquire returns the oldest payload queued for selector, suspending until
// one is submitted if necessary. It has no timeout of its own: it returns
// early only when ctx is done, with ctx.Err(), and in that case nothing is
// taken from the queue.
func (h *Hub[S, R]) Acquire(ctx context.Context, selector S) (R, error) {
	s := h.shardFor(selector)

	var waited *queue[R]
	for {
		item, q, ok := s.tryAcquire(selector, waited)
		if ok {
			h.metrics.acquired.Inc()
			return item, nil
		}

		// q.signal was captured under the shard lock; anything submitted
		// from here on notifies it, even before we start waiting.
		h.metrics.waiting.Inc()
		err := q.signal.wait(ctx)
		h.metrics.waiting.Dec()
		if err != nil {
			s.leave(q)
			var zero R
			return zero, err
		}
		// A wakeup is only a hint; another consumer may have won the item.
		waited = q
	}
}

// Selectors lists every selector that currently has a queue, across all
// shards. Each shard is locked in turn, so the result is not an atomic
// snapshot of the whole hub.
func (h *Hub[S, R]) Selectors() []S {
	var out []S
	for _, s := range h.shards {
		out = append(out, s.selectors()...)
	}
	return out
}

func (h *Hub[S, R]) shardFor(selector S) *shard[S, R] {
	return h.shards[h.shardIndex(selector)]
}

func (h *Hub[S, R]) shardIndex(selector S) int {
	return int(maphash.Comparable(h.seed, selector) % uint64(len(h.shards)))
}
