/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package engine holds the types exchanged between analysis clients, the
// broker and external engine providers.
//
// A registered external engine has two secrets. Clients present the
// ClientSecret together with the engine id to request analysis. Providers
// present the ProviderSecret to pick up work, and the broker routes work to
// them by the ProviderSelector derived from it, so the secret itself is
// never used as a lookup key.
package engine
