/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package engine

import (
	"errors"
	"fmt"
)

const (
	// MaxMultiPV is the largest number of principal variations a client may
	// ask for.
	MaxMultiPV = 5

	// MaxMoves bounds the length of the move list following InitialFen.
	MaxMoves = 600
)

// ErrInvalidWork is wrapped by every error returned from Work.Validate.
var ErrInvalidWork = errors.New("invalid work")

// Work is one analysis request as sent by the client and relayed to the
// provider.
type Work struct {
	SessionID  string   `json:"sessionId"`
	Threads    int      `json:"threads"`
	Hash       int      `json:"hash"`
	Infinite   bool     `json:"infinite,omitempty"`
	MultiPV    int      `json:"multiPv"`
	Variant    Variant  `json:"variant"`
	InitialFen string   `json:"initialFen"`
	Moves      []string `json:"moves"`
}

// Validate checks the request against the limits of e.
func (w *Work) Validate(e *Engine) error {
	switch {
	case w.SessionID == "":
		return fmt.Errorf("%w: missing sessionId", ErrInvalidWork)
	case w.Threads < 1 || w.Threads > e.MaxThreads:
		return fmt.Errorf("%w: threads %d not in 1..%d", ErrInvalidWork, w.Threads, e.MaxThreads)
	case w.Hash < 1 || w.Hash > e.MaxHash:
		return fmt.Errorf("%w: hash %d not in 1..%d", ErrInvalidWork, w.Hash, e.MaxHash)
	case w.MultiPV < 1 || w.MultiPV > MaxMultiPV:
		return fmt.Errorf("%w: multiPv %d not in 1..%d", ErrInvalidWork, w.MultiPV, MaxMultiPV)
	case !e.Supports(w.Variant):
		return fmt.Errorf("%w: variant %q not supported by engine %s", ErrInvalidWork, w.Variant, e.ID)
	case w.InitialFen == "":
		return fmt.Errorf("%w: missing initialFen", ErrInvalidWork)
	case len(w.Moves) > MaxMoves:
		return fmt.Errorf("%w: %d moves exceeds %d", ErrInvalidWork, len(w.Moves), MaxMoves)
	}
	return nil
}
