/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package engine

import (
	"crypto/sha256"
	"encoding/hex"
	"slices"
)

// EngineID identifies a registered external engine.
type EngineID string

// UserID identifies the owner of an engine registration.
type UserID string

// ClientSecret authorizes analysis requests against one engine.
type ClientSecret string

// ProviderSecret authorizes a provider to pick up work.
type ProviderSecret string

// ProviderSelector is the routing key work is queued under.
type ProviderSelector string

// Selector derives the routing key for the secret. Every engine registered
// with the same provider secret shares a selector.
func (s ProviderSecret) Selector() ProviderSelector {
	sum := sha256.Sum256([]byte(s))
	return ProviderSelector(hex.EncodeToString(sum[:]))
}

// Variant names a chess variant an engine can analyse.
type Variant string

const (
	VariantChess         Variant = "chess"
	VariantCrazyhouse    Variant = "crazyhouse"
	VariantAntichess     Variant = "antichess"
	VariantAtomic        Variant = "atomic"
	VariantHorde         Variant = "horde"
	VariantKingOfTheHill Variant = "kingofthehill"
	VariantRacingKings   Variant = "racingkings"
	VariantThreeCheck    Variant = "3check"
)

// Engine is the public view of a registration, as handed to providers.
type Engine struct {
	ID           EngineID     `json:"id"`
	Name         string       `json:"name"`
	ClientSecret ClientSecret `json:"-"`
	UserID       UserID       `json:"userId"`
	MaxThreads   int          `json:"maxThreads"`
	MaxHash      int          `json:"maxHash"`
	Variants     []Variant    `json:"variants"`
	ProviderData *string      `json:"providerData,omitempty"`
}

// Supports reports whether v is among the engine's variants.
func (e *Engine) Supports(v Variant) bool {
	return slices.Contains(e.Variants, v)
}
