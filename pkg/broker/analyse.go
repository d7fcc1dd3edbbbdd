/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package broker

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/chainguard-dev/clog"
	"github.com/jonboulle/clockwork"

	"github.com/chainguard-dev/engine-broker/pkg/engine"
	"github.com/chainguard-dev/engine-broker/pkg/repo"
)

type analyseRequest struct {
	ClientSecret engine.ClientSecret `json:"clientSecret"`
	Work         engine.Work         `json:"work"`
}

// handleAnalyse queues a job for the engine's provider and relays the
// provider's output to the client as it arrives.
func (s *Server) handleAnalyse(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := engine.EngineID(r.PathValue("id"))
	log := clog.FromContext(ctx).With("engine", id)

	var req analyseRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&req); err != nil {
		http.Error(w, "malformed request: "+err.Error(), http.StatusBadRequest)
		return
	}

	rec, err := s.repo.Find(ctx, id, req.ClientSecret)
	if errors.Is(err, repo.ErrNotFound) {
		http.Error(w, "engine not found", http.StatusNotFound)
		return
	} else if err != nil {
		log.Errorf("Failed to look up engine: %v", err)
		http.Error(w, "engine lookup failed", http.StatusInternalServerError)
		return
	}

	e := rec.Engine()
	if err := req.Work.Validate(&e); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	// The job lives exactly as long as this request.
	job := engine.NewJob(ctx, req.Work, e)
	log = log.With("job", job.ID)
	s.jobs.Submit(rec.Selector(), job)

	pickupCtx, cancel := clockwork.WithTimeout(ctx, s.clock, s.opts.PickupTimeout)
	stream, err := s.acquireStream(pickupCtx, job.ID)
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			log.Debugf("Client left before a provider picked up the job")
			return
		}
		log.Warnf("No provider picked up the job within %v", s.opts.PickupTimeout)
		http.Error(w, "no provider picked up the job", http.StatusServiceUnavailable)
		return
	}
	stream.PickUp()
	defer stream.Finish()

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	if err := relay(w, stream.Body); err != nil {
		log.Infof("Analysis stream ended early: %v", err)
	}
}

// acquireStream returns the first stream for id whose provider is still
// connected.
func (s *Server) acquireStream(ctx context.Context, id engine.JobID) (*engine.Stream, error) {
	for {
		stream, err := s.streams.Acquire(ctx, id)
		if err != nil {
			return nil, err
		}
		if stream.Valid() {
			return stream, nil
		}
	}
}

// relay copies src to w, flushing after every read so that engine output
// reaches the client line by line.
func relay(w http.ResponseWriter, src io.Reader) error {
	rc := http.NewResponseController(w)
	buf := make([]byte, 32*1024)
	for {
		n, err := src.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return werr
			}
			if ferr := rc.Flush(); ferr != nil {
				return ferr
			}
		}
		if errors.Is(err, io.EOF) {
			return nil
		} else if err != nil {
			return err
		}
	}
}
