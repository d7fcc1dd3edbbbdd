/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package hub implements a sharded, in-process rendezvous between producers
// and consumers of work keyed by a selector.
//
// Producers Submit a (selector, payload) pair and return immediately.
// Consumers Acquire the next payload for a selector, suspending until one is
// available. Each selector owns a bounded FIFO backlog; submissions beyond
// the bound are dropped rather than blocking the producer.
//
// Selectors are routed to one of a fixed number of independently locked
// shards using a hash seeded randomly per Hub:
//
//	maphash(seed, selector) % shards -> shard index
//
// A Hub whose payloads implement Validator can be swept by GarbageCollect,
// which walks the shards one at a time, discarding payloads that are no
// longer valid and reclaiming selectors with nothing left to deliver.
package hub
