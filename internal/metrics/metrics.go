package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	StateTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "assistant_state_transitions_total",
			Help: "Core state machine transitions",
		},
		[]string{"from", "to"},
	)

	QueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "assistant_queue_depth",
			Help: "Current depth of IPC and pool queues",
		},
		[]string{"queue"},
	)

	Interrupts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "assistant_interrupts_total",
			Help: "Barge-in interrupts sent by Core",
		},
	)

	DroppedMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "assistant_dropped_messages_total",
			Help: "Messages dropped because a queue was full or a result was stale",
		},
		[]string{"reason"},
	)

	RouterDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "assistant_router_decisions_total",
			Help: "Hybrid routing decisions by mode",
		},
		[]string{"mode"},
	)

	ToolJobs = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "assistant_tool_jobs_total",
			Help: "Tool jobs by tool and outcome",
		},
		[]string{"tool", "status"},
	)

	ToolLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "assistant_tool_latency_seconds",
			Help:    "Tool execution latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	StageLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "assistant_stage_latency_seconds",
			Help: "Brain request stage latency in seconds",
		},
		[]string{"stage"},
	)

	SpeechSegments = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "assistant_speech_segments_total",
			Help: "Speech segments by outcome",
		},
		[]string{"outcome"},
	)
)
