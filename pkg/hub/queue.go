/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package hub

// queue is the backlog for a single selector. It is only touched while
// holding the owning shard's lock.
type queue[R any] struct {
	items  []R
	signal *signal

	// waiters counts Acquire calls that captured signal and have not yet
	// come back for the lock. The sweep keeps queues with waiters, so a
	// waiter is never left holding a signal nobody will notify.
	waiters int
}

func newQueue[R any]() *queue[R] {
	return &queue[R]{signal: newSignal()}
}

func (q *queue[R]) push(item R) {
	q.items = append(q.items, item)
}

func (q *queue[R]) pop() (R, bool) {
	var zero R
	if len(q.items) == 0 {
		return zero, false
	}
	item := q.items[0]
	q.items[0] = zero
	q.items = q.items[1:]
	if len(q.items) == 0 {
		// Drop the backing array so a drained queue does not pin it.
		q.items = nil
	}
	return item, true
}

// retain keeps the items for which keep returns true, preserving order, and
// returns how many were removed.
func (q *queue[R]) retain(keep func(R) bool) int {
	kept := q.items[:0]
	for _, item := range q.items {
		if keep(item) {
			kept = append(kept, item)
		}
	}
	removed := len(q.items) - len(kept)
	var zero R
	for i := len(kept); i < len(q.items); i++ {
		q.items[i] = zero
	}
	q.items = kept
	if len(q.items) == 0 {
		q.items = nil
	}
	return removed
}
