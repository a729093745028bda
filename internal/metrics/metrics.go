// Copyright (C) 2021-2025 Intel Corporation
// SPDX-License-Identifier: BSD-3-Clause

// Package metrics records Prometheus instrumentation for the solver
// driver: a counter of solve calls broken down by verdict, and a
// histogram of wall-clock solve time. There is no HTTP server here —
// only an in-process registry that --debug gathers to Prometheus text
// format and writes alongside the other dump files.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"snicheck/internal/solver"
)

const namespace = "snicheck"

// Recorder owns one private Prometheus registry, so that recording
// solver outcomes never depends on (or pollutes) the global default
// registry — every Recorder is independent and safe to construct more
// than once, which this package's tests rely on.
type Recorder struct {
	registry   *prometheus.Registry
	solveTotal *prometheus.CounterVec
	solveTime  prometheus.Histogram
}

// NewRecorder builds a Recorder with its own registry and registers its
// collectors into it.
func NewRecorder() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		solveTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "solve_total",
				Help:      "Number of SMT solver invocations, by verdict.",
			},
			[]string{"verdict"},
		),
		solveTime: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "solve_seconds",
				Help:      "Wall-clock duration of SMT solver invocations.",
				Buckets:   prometheus.DefBuckets,
			},
		),
	}
	r.registry.MustRegister(r.solveTotal, r.solveTime)
	return r
}

// Observe records the outcome of one solver.Run call.
func (r *Recorder) Observe(result *solver.Result) {
	if result == nil {
		return
	}
	r.solveTotal.WithLabelValues(result.Verdict.String()).Inc()
	r.solveTime.Observe(result.Duration.Seconds())
}

// Registry exposes the Recorder's private registry for gathering.
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}
