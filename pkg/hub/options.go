/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package hub

import (
	"time"

	"github.com/jonboulle/clockwork"
)

const (
	// DefaultShards is the number of independently locked partitions.
	DefaultShards = 64

	// DefaultCapacity bounds the backlog of a single selector.
	DefaultCapacity = 1024

	// DefaultSweepInterval is the pause GarbageCollect takes after each shard.
	DefaultSweepInterval = 10 * time.Second
)

type options struct {
	name          string
	shards        int
	capacity      int
	sweepInterval time.Duration
	clock         clockwork.Clock
}

// Option customises a Hub.
type Option func(*options)

// WithName sets the name used to label the hub's metrics and logs.
func WithName(name string) Option {
	return func(o *options) {
		o.name = name
	}
}

// WithShards overrides the number of shards (default 64).
func WithShards(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.shards = n
		}
	}
}

// WithCapacity overrides the per-selector backlog bound (default 1024).
func WithCapacity(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.capacity = n
		}
	}
}

// WithSweepInterval overrides the pause between shards in GarbageCollect
// (default 10s).
func WithSweepInterval(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.sweepInterval = d
		}
	}
}

// WithClock sets the clock GarbageCollect uses to pace itself.
func WithClock(clock clockwork.Clock) Option {
	return func(o *options) {
		if clock != nil {
			o.clock = clock
		}
	}
}
