/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package hub

import "sync"

// shard owns the queues for its slice of the selector keyspace.
type shard[S comparable, R any] struct {
	// mu guards queues and everything reachable from it, but is never held
	// while waiting on a signal.
	mu     sync.Mutex
	queues map[S]*queue[R]
}

func newShard[S comparable, R any]() *shard[S, R] {
	return &shard[S, R]{queues: make(map[S]*queue[R])}
}

// entry returns the queue for selector, creating it if absent.
// Callers must hold mu.
func (s *shard[S, R]) entry(selector S) *queue[R] {
	q, ok := s.queues[selector]
	if !ok {
		q = newQueue[R]()
		s.queues[selector] = q
	}
	return q
}

// submit appends item to the selector's queue and wakes one waiter. It
// reports false when the queue is full and the item was discarded.
func (s *shard[S, R]) submit(selector S, item R, capacity int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	q := s.entry(selector)
	if len(q.items) >= capacity {
		return false
	}
	q.push(item)
	q.signal.notify()
	return true
}

// tryAcquire pops the front item for selector. On a miss it returns the
// queue whose signal the caller should wait on, registered as a waiter.
//
// prev is the queue returned by the previous miss of the same Acquire call
// (nil on the first attempt); its waiter registration is released here,
// under the same lock as the retry.
func (s *shard[S, R]) tryAcquire(selector S, prev *queue[R]) (R, *queue[R], bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if prev != nil {
		prev.waiters--
	}
	q := s.entry(selector)
	if item, ok := q.pop(); ok {
		if len(q.items) > 0 && q.waiters > 0 {
			// Notifies coalesce, so pass the wakeup on while items remain.
			q.signal.notify()
		}
		return item, nil, true
	}
	q.waiters++
	var zero R
	return zero, q, false
}

// leave releases a waiter registration without retrying.
func (s *shard[S, R]) leave(q *queue[R]) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q.waiters--
}

// selectors lists the selectors that currently have a queue.
func (s *shard[S, R]) selectors() []S {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]S, 0, len(s.queues))
	for sel := range s.queues {
		out = append(out, sel)
	}
	return out
}

// sweepShard drops invalid items from every queue in s and removes queues
// left empty. Queues with registered waiters are kept so their signal stays
// reachable by producers.
func sweepShard[S comparable, R Validator](s *shard[S, R]) (pruned, reclaimed int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for sel, q := range s.queues {
		pruned += q.retain(func(item R) bool { return item.Valid() })
		if len(q.items) == 0 && q.waiters == 0 {
			delete(s.queues, sel)
			reclaimed++
		}
	}
	return pruned, reclaimed
}
