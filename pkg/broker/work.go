/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package broker

import (
	"encoding/json"
	"net/http"

	"github.com/chainguard-dev/clog"
	"github.com/jonboulle/clockwork"

	"github.com/chainguard-dev/engine-broker/pkg/engine"
)

type acquireRequest struct {
	ProviderSecret engine.ProviderSecret `json:"providerSecret"`
}

// WorkResponse is handed to a provider that picked up a job.
type WorkResponse struct {
	ID     engine.JobID  `json:"id"`
	Work   engine.Work   `json:"work"`
	Engine engine.Engine `json:"engine"`
}

// handleAcquireWork long-polls for a job on behalf of a provider.
func (s *Server) handleAcquireWork(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req acquireRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&req); err != nil {
		http.Error(w, "malformed request: "+err.Error(), http.StatusBadRequest)
		return
	}
	if req.ProviderSecret == "" {
		http.Error(w, "missing providerSecret", http.StatusBadRequest)
		return
	}
	selector := req.ProviderSecret.Selector()

	pollCtx, cancel := clockwork.WithTimeout(ctx, s.clock, s.opts.PollTimeout)
	defer cancel()
	for {
		job, err := s.jobs.Acquire(pollCtx, selector)
		if err != nil {
			if ctx.Err() == nil {
				w.WriteHeader(http.StatusNoContent)
			}
			return
		}
		if !job.Valid() {
			clog.FromContext(ctx).Debugf("Skipping job %s, its client is gone", job.ID)
			continue
		}

		clog.FromContext(ctx).With("job", job.ID, "engine", job.Engine.ID).Infof("Handing job to provider")
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(WorkResponse{
			ID:     job.ID,
			Work:   job.Work,
			Engine: job.Engine,
		}); err != nil {
			clog.FromContext(ctx).Warnf("Failed to send job %s: %v", job.ID, err)
		}
		return
	}
}

// handleSubmitWork hands the provider's request body to the client waiting
// on the job, and holds the request open until the client has read it all.
// StreamTimeout only bounds the wait for a client to pick the stream up.
func (s *Server) handleSubmitWork(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := engine.JobID(r.PathValue("id"))
	log := clog.FromContext(ctx).With("job", id)

	stream := engine.NewStream(ctx, r.Body)
	s.streams.Submit(id, stream)

	waitCtx, cancel := clockwork.WithTimeout(ctx, s.clock, s.opts.StreamTimeout)
	defer cancel()
	select {
	case <-stream.PickedUp():
	case <-waitCtx.Done():
		select {
		case <-stream.PickedUp():
			// Picked up just as the deadline passed.
		default:
			if ctx.Err() != nil {
				log.Debugf("Provider left before the stream was picked up")
				return
			}
			log.Warnf("Nobody picked up the stream within %v", s.opts.StreamTimeout)
			http.Error(w, "nobody picked up the analysis", http.StatusGatewayTimeout)
			return
		}
	}

	select {
	case <-stream.Finished():
		w.WriteHeader(http.StatusOK)
	case <-ctx.Done():
		log.Debugf("Provider left while the client was reading")
	}
}
