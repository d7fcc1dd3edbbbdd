/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package engine

import (
	"context"
	"io"
	"sync"

	"github.com/google/uuid"
)

// JobID identifies one analysis request while it is in flight.
type JobID string

// NewJobID returns a fresh random JobID.
func NewJobID() JobID {
	return JobID(uuid.NewString())
}

// Job is an analysis request waiting for a provider.
type Job struct {
	ID     JobID
	Work   Work
	Engine Engine

	// done is closed once the requesting client stops waiting.
	done <-chan struct{}
}

// NewJob creates a job that stays valid for as long as ctx, the requesting
// client's context, is live.
func NewJob(ctx context.Context, work Work, e Engine) *Job {
	return &Job{
		ID:     NewJobID(),
		Work:   work,
		Engine: e,
		done:   ctx.Done(),
	}
}

// Valid reports whether the client is still waiting for the result.
func (j *Job) Valid() bool {
	return isOpen(j.done)
}

// Stream is a provider's output for a single job, handed to the client that
// asked for it.
type Stream struct {
	Body io.Reader

	gone       <-chan struct{}
	pickedUp   chan struct{}
	finished   chan struct{}
	pickupOnce sync.Once
	finishOnce sync.Once
}

// NewStream wraps body. The stream stays valid for as long as ctx, the
// provider's request context, is live.
func NewStream(ctx context.Context, body io.Reader) *Stream {
	return &Stream{
		Body:     body,
		gone:     ctx.Done(),
		pickedUp: make(chan struct{}),
		finished: make(chan struct{}),
	}
}

// PickUp marks the stream as claimed by the client that reads it. It is
// safe to call more than once.
func (s *Stream) PickUp() {
	s.pickupOnce.Do(func() { close(s.pickedUp) })
}

// PickedUp is closed once PickUp has been called.
func (s *Stream) PickedUp() <-chan struct{} {
	return s.pickedUp
}

// Finish marks the stream as fully consumed. It is safe to call more than
// once.
func (s *Stream) Finish() {
	s.finishOnce.Do(func() { close(s.finished) })
}

// Finished is closed once Finish has been called.
func (s *Stream) Finished() <-chan struct{} {
	return s.finished
}

// Valid reports whether the provider is still sending and nobody has
// finished reading yet.
func (s *Stream) Valid() bool {
	return isOpen(s.gone) && isOpen(s.finished)
}

func isOpen(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return false
	default:
		return true
	}
}
