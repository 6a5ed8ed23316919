package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var eventProcessDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name: "lithium_event_duration_sec",
	Help: "Total duration of pipeline event processing",
}, []string{"type"})

var eventProcessCount = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "lithium_events_processed",
	Help: "Number of events processed",
}, []string{"type"})

var eventSkipCount = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "lithium_events_skipped",
	Help: "Number of events dropped before enforcement, by reason",
}, []string{"type", "reason"})

var pipelineErrors = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "lithium_pipeline_errors",
	Help: "Number of events which failed processing",
}, []string{"type"})

var enforcementCount = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "lithium_enforcements",
	Help: "Number of cases created by automated enforcement, by case action",
}, []string{"action"})

var reviewQueuedCount = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "lithium_reviews_queued",
	Help: "Number of policy matches routed to human review",
}, []string{"reason"})

var raidDetectedCount = promauto.NewCounter(prometheus.CounterOpts{
	Name: "lithium_raids_detected",
	Help: "Number of join bursts that triggered an automatic lockdown",
})

var promotionCount = promauto.NewCounter(prometheus.CounterOpts{
	Name: "lithium_newcomer_promotions",
	Help: "Number of newcomers promoted to verified",
})
