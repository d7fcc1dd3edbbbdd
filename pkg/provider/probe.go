/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/chainguard-dev/engine-broker/pkg/engine"
)

const (
	probeTimeout = 30 * time.Second
	startFen     = "rnbqkbnr/pppppppp/8/8/8/8/PPPPPPPP/RNBQKBNR w KQkq - 0 1"
	probeAnswer  = "bestmove e2e4"
)

// Probe checks a broker end to end. It asks for analysis on an engine
// registered for probing and answers that request itself, acting as the
// engine's provider.
type Probe struct {
	BrokerURL      string
	EngineID       engine.EngineID
	ClientSecret   engine.ClientSecret
	ProviderSecret engine.ProviderSecret

	// HTTP defaults to http.DefaultClient.
	HTTP *http.Client
}

type cannedAnalyser struct{}

func (cannedAnalyser) Analyse(_ context.Context, _ engine.Work, out io.Writer) error {
	_, err := io.WriteString(out, "info depth 1 score cp 0 pv e2e4\n"+probeAnswer+"\n")
	return err
}

// Probe implements prober.Interface.
func (p *Probe) Probe(ctx context.Context) error {
	client := p.HTTP
	if client == nil {
		client = http.DefaultClient
	}

	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	eg, ctx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		return p.analyse(ctx, client)
	})
	eg.Go(func() error {
		c := New(p.BrokerURL, p.ProviderSecret, cannedAnalyser{}, WithHTTPClient(client))
		for {
			job, err := c.Poll(ctx)
			if err != nil {
				return err
			}
			if job != nil {
				return c.Handle(ctx, job)
			}
		}
	})
	return eg.Wait()
}

func (p *Probe) analyse(ctx context.Context, client *http.Client) error {
	body, err := json.Marshal(map[string]any{
		"clientSecret": p.ClientSecret,
		"work": engine.Work{
			SessionID:  "probe",
			Threads:    1,
			Hash:       1,
			MultiPV:    1,
			Variant:    engine.VariantChess,
			InitialFen: startFen,
		},
	})
	if err != nil {
		return err
	}
	url := strings.TrimSuffix(p.BrokerURL, "/") + "/api/external-engine/" + string(p.EngineID) + "/analyse"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("requesting analysis: %w", err)
	}
	defer resp.Body.Close()
	out, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading analysis: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("requesting analysis: %s: %s", resp.Status, strings.TrimSpace(string(out)))
	}
	if !strings.Contains(string(out), probeAnswer) {
		return fmt.Errorf("analysis did not finish: %q", out)
	}
	return nil
}
