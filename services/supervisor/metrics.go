// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package supervisor

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// Prometheus Metrics for Service Supervision
// =============================================================================

var (
	// stateTransitions counts state machine transitions.
	// Labels: service, from, to
	stateTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bldr",
		Subsystem: "supervisor",
		Name:      "state_transitions_total",
		Help:      "Total supervisor state transitions",
	}, []string{"service", "from", "to"})

	// currentState exposes the current state as its numeric value.
	// Labels: service
	currentState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "bldr",
		Subsystem: "supervisor",
		Name:      "state",
		Help:      "Current supervisor state (0=stopped 1=starting 2=running 3=reconfiguring 4=failed)",
	}, []string{"service"})

	// restarts counts restarts after unexpected exits.
	// Labels: service
	restarts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bldr",
		Subsystem: "supervisor",
		Name:      "restarts_total",
		Help:      "Total process restarts after failures",
	}, []string{"service"})

	// reconfigurations counts configuration changes handled while running.
	// Labels: service, outcome (restarted, unchanged, render_failed)
	reconfigurations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bldr",
		Subsystem: "supervisor",
		Name:      "reconfigurations_total",
		Help:      "Total reconfigurations by outcome",
	}, []string{"service", "outcome"})

	// renderFailures counts failed template renders.
	// Labels: service
	renderFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bldr",
		Subsystem: "supervisor",
		Name:      "render_failures_total",
		Help:      "Total template render failures",
	}, []string{"service"})

	// stopDuration measures graceful stops, including the kill fallback.
	// Labels: service, forced (true, false)
	stopDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "bldr",
		Subsystem: "supervisor",
		Name:      "stop_duration_seconds",
		Help:      "Time to stop the service process",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
	}, []string{"service", "forced"})
)
