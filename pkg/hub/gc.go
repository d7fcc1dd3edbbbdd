/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package hub

import (
	"context"

	"github.com/chainguard-dev/clog"
)

// GarbageCollect sweeps h until ctx is done. Shards are visited round-robin,
// pausing for the hub's sweep interval after each one, so a full cycle takes
// interval × shards. Each sweep drops payloads that are no longer Valid and
// removes selectors left with nothing queued and nobody waiting.
//
// It is meant to run as one long-lived goroutine per Hub, owned by whatever
// owns the Hub.
func GarbageCollect[S comparable, R Validator](ctx context.Context, h *Hub[S, R]) {
	log := clog.FromContext(ctx).With("hub", h.name)
	log.Infof("Starting sweep of %d shards every %v", len(h.shards), h.sweepInterval)

	for {
		for i, s := range h.shards {
			pruned, reclaimed := sweepShard(s)
			h.metrics.pruned.Add(float64(pruned))
			h.metrics.reclaimed.Add(float64(reclaimed))
			if pruned > 0 || reclaimed > 0 {
				log.Infof("Swept shard %d: dropped %d stale payloads, reclaimed %d queues", i, pruned, reclaimed)
			} else {
				log.Debugf("Swept shard %d: nothing to do", i)
			}

			select {
			case <-ctx.Done():
				log.Infof("Stopping sweep: %v", ctx.Err())
				return
			case <-h.clock.After(h.sweepInterval):
			}
		}
	}
}
