// Package telemetry exposes the prometheus metrics and the otel tracer
// used across the engine.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SessionsActive tracks currently connected sessions.
	SessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "shellgate",
		Name:      "sessions_active_total",
		Help:      "Number of connected shell sessions.",
	})

	// SessionReconnects counts reconnect attempts.
	SessionReconnects = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "shellgate",
		Name:      "session_reconnects_total",
		Help:      "Reconnect attempts across all sessions.",
	})

	// CommandsClassified counts classified commands per tier.
	CommandsClassified = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "shellgate",
		Name:      "commands_classified_total",
		Help:      "Commands classified, labeled by risk tier.",
	}, []string{"tier"})

	// ApprovalsDecided counts resolved approvals per outcome.
	ApprovalsDecided = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "shellgate",
		Name:      "approvals_decided_total",
		Help:      "Approval decisions, labeled by outcome.",
	}, []string{"outcome"})

	// WorkflowSteps counts executed workflow steps per outcome.
	WorkflowSteps = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "shellgate",
		Name:      "workflow_steps_total",
		Help:      "Workflow steps processed, labeled by outcome.",
	}, []string{"outcome"})

	// RemotePolls counts remote command status polls per result.
	RemotePolls = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "shellgate",
		Name:      "remote_polls_total",
		Help:      "Remote approval status polls, labeled by result.",
	}, []string{"result"})
)
