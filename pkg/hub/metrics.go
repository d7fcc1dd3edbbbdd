/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package hub

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	mSubmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hub_submitted_total",
			Help: "The number of payloads accepted into a selector queue.",
		},
		[]string{"hub"},
	)
	mDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hub_dropped_total",
			Help: "The number of payloads discarded because the selector queue was full.",
		},
		[]string{"hub"},
	)
	mAcquired = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hub_acquired_total",
			Help: "The number of payloads handed to a consumer.",
		},
		[]string{"hub"},
	)
	mWaiting = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "hub_waiting_consumers",
			Help: "The number of Acquire calls currently suspended.",
		},
		[]string{"hub"},
	)
	mPruned = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hub_swept_payloads_total",
			Help: "The number of queued payloads discarded by the sweep as no longer valid.",
		},
		[]string{"hub"},
	)
	mReclaimed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hub_reclaimed_queues_total",
			Help: "The number of empty selector queues removed by the sweep.",
		},
		[]string{"hub"},
	)
)

// hubMetrics holds the metric children for one hub, resolved once.
type hubMetrics struct {
	submitted prometheus.Counter
	dropped   prometheus.Counter
	acquired  prometheus.Counter
	waiting   prometheus.Gauge
	pruned    prometheus.Counter
	reclaimed prometheus.Counter
}

func newHubMetrics(name string) *hubMetrics {
	labels := prometheus.Labels{"hub": name}
	return &hubMetrics{
		submitted: mSubmitted.With(labels),
		dropped:   mDropped.With(labels),
		acquired:  mAcquired.With(labels),
		waiting:   mWaiting.With(labels),
		pruned:    mPruned.With(labels),
		reclaimed: mReclaimed.With(labels),
	}
}
