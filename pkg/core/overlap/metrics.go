// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package overlap

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exported by the engine, labelled by rank.
type Metrics struct {
	ChunksLanded *prometheus.CounterVec
	BytesMoved   *prometheus.CounterVec
	Folds        *prometheus.CounterVec
	StepDuration *prometheus.HistogramVec
	StepFailures *prometheus.CounterVec
}

// NewMetrics creates the engine metrics and registers them with reg, if it is not nil.
// Engines of different ranks can share the same Metrics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ChunksLanded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cosma",
			Subsystem: "overlap",
			Name:      "chunks_landed_total",
			Help:      "Number of remote chunks that landed, by rank.",
		}, []string{"rank"}),
		BytesMoved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cosma",
			Subsystem: "overlap",
			Name:      "bytes_moved_total",
			Help:      "Bytes moved by one-sided transfers issued by the rank, by operation (get or put).",
		}, []string{"rank", "op"}),
		Folds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cosma",
			Subsystem: "overlap",
			Name:      "folds_total",
			Help:      "Number of chunks folded into C, by rank.",
		}, []string{"rank"}),
		StepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "cosma",
			Subsystem: "overlap",
			Name:      "step_duration_seconds",
			Help:      "Duration of successful steps, by rank and communication pattern.",
			Buckets:   prometheus.ExponentialBuckets(1e-4, 4, 10),
		}, []string{"rank", "pattern"}),
		StepFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cosma",
			Subsystem: "overlap",
			Name:      "step_failures_total",
			Help:      "Number of failed steps, by rank and kind of failure.",
		}, []string{"rank", "kind"}),
	}
	if reg != nil {
		reg.MustRegister(m.ChunksLanded, m.BytesMoved, m.Folds, m.StepDuration, m.StepFailures)
	}
	return m
}

// observe records the stats of a successful step.
func (m *Metrics) observe(stats *Stats) {
	if m == nil {
		return
	}
	rank := strconv.Itoa(stats.Rank)
	m.ChunksLanded.WithLabelValues(rank).Add(float64(stats.RemoteChunks))
	m.BytesMoved.WithLabelValues(rank, "get").Add(float64(stats.BytesFetched))
	m.BytesMoved.WithLabelValues(rank, "put").Add(float64(stats.BytesPushed))
	m.Folds.WithLabelValues(rank).Add(float64(stats.Folds))
	m.StepDuration.WithLabelValues(rank, stats.Pattern.String()).Observe(stats.Elapsed.Seconds())
}

// failed records a failed step.
func (m *Metrics) failed(rank int, err error) {
	if m == nil {
		return
	}
	m.StepFailures.WithLabelValues(strconv.Itoa(rank), failureKind(err)).Inc()
}
