package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	StateTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cmsagent_state_transitions_total",
		Help: "Total orchestrator state transitions by target state.",
	}, []string{"state"})
	ConnectAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cmsagent_connect_attempts_total",
		Help: "Total connection attempts by outcome.",
	}, []string{"outcome"})
	CommandsExecuted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cmsagent_commands_executed_total",
		Help: "Total commands executed by outcome.",
	}, []string{"outcome"})
	CommandDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "cmsagent_command_duration_seconds",
		Help:    "Duration of command executions.",
		Buckets: prometheus.DefBuckets,
	})
	CommandQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "cmsagent_command_queue_depth",
		Help: "Commands waiting in the intake queue.",
	})
	OfflineQueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "cmsagent_offline_queue_depth",
		Help: "Items persisted in the offline queue by kind.",
	}, []string{"kind"})
	OfflineEvictions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cmsagent_offline_evictions_total",
		Help: "Offline queue items evicted by reason.",
	}, []string{"kind", "reason"})
	StatusReportsSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cmsagent_status_reports_sent_total",
		Help: "Status reports delivered live over the session.",
	})
	UpdateOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cmsagent_update_outcomes_total",
		Help: "Update pipeline terminations by outcome.",
	}, []string{"outcome"})
	ErrorReports = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cmsagent_error_reports_total",
		Help: "Error reports produced by kind.",
	}, []string{"kind"})
)
