/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package hub

import "context"

// signal is a single-permit wakeup. A notify with nobody waiting is kept for
// the next wait; further notifies before that wait are coalesced.
type signal struct {
	ch chan struct{}
}

func newSignal() *signal {
	return &signal{ch: make(chan struct{}, 1)}
}

// notify wakes at most one waiter, or leaves a permit if there is none.
func (s *signal) notify() {
	select {
	case s.ch <- struct{}{}:
	default:
		// A permit is already pending.
	}
}

// wait blocks until a permit is available or ctx is done. A permit is never
// consumed when ctx wins, so it stays available to the next waiter.
func (s *signal) wait(ctx context.Context) error {
	select {
	case <-s.ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
