//
// Copyright (C) 2026 TaskPilot Authors.
// All rights reserved.
//
// taskpilot is licensed under the Apache License Version 2.0.
//
//

// Package metric exposes the process-wide Prometheus collectors.
package metric

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// RunsStarted counts thread advances by kind (submit or resume).
	RunsStarted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskpilot_runs_started_total",
			Help: "Thread advances started, by kind.",
		},
		[]string{"kind"},
	)

	// RunsCompleted counts terminal outcomes by status (done or error).
	RunsCompleted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskpilot_runs_completed_total",
			Help: "Thread advances that reached a terminal state, by status.",
		},
		[]string{"status"},
	)

	// NodeExecutions counts node executions by node name.
	NodeExecutions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskpilot_node_executions_total",
			Help: "Workflow node executions, by node.",
		},
		[]string{"node"},
	)

	// Interrupts counts thread suspensions awaiting external input.
	Interrupts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "taskpilot_interrupts_total",
			Help: "Thread suspensions pending an approval decision.",
		},
	)

	// StaleResumes counts resume decisions rejected for not matching the
	// pending interrupt.
	StaleResumes = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "taskpilot_stale_resumes_total",
			Help: "Resume decisions rejected as stale.",
		},
	)
)

func init() {
	prometheus.MustRegister(RunsStarted, RunsCompleted, NodeExecutions, Interrupts, StaleResumes)
}

// Handler returns the HTTP handler serving the Prometheus text exposition.
func Handler() http.Handler {
	return promhttp.Handler()
}
