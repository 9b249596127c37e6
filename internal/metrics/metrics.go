package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Messaging metrics
	WebsocketConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "unpod_websocket_connections",
			Help: "Number of open messaging websockets",
		},
	)

	WebsocketEventsReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "unpod_websocket_events_received_total",
			Help: "Total inbound websocket events by type",
		},
		[]string{"event"},
	)

	BroadcastsPublished = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "unpod_broadcasts_published_total",
			Help: "Total events published through the broadcaster",
		},
	)

	BroadcastsDelivered = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "unpod_broadcasts_delivered_total",
			Help: "Total events delivered to websocket subscribers",
		},
	)

	// Call session metrics
	CallsStarted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "unpod_calls_started_total",
			Help: "Total voice call sessions started",
		},
		[]string{"llm_provider"},
	)

	CallsEnded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "unpod_calls_ended_total",
			Help: "Total voice call sessions ended by terminal status",
		},
		[]string{"status", "reason"},
	)

	CallDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "unpod_call_duration_seconds",
			Help:    "Voice call duration in seconds",
			Buckets: []float64{15, 30, 60, 120, 300, 600, 1800},
		},
	)

	TurnLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "unpod_turn_latency_ms",
			Help:    "Wall-clock latency of a conversational turn in milliseconds",
			Buckets: []float64{250, 500, 1000, 2000, 4000, 8000, 15000},
		},
		[]string{"llm_provider"},
	)

	LLMTimeToFirstToken = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "unpod_llm_ttft_ms",
			Help:    "LLM time-to-first-token in milliseconds",
			Buckets: []float64{100, 250, 500, 1000, 2000, 5000},
		},
		[]string{"provider"},
	)

	TTSTimeToFirstByte = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "unpod_tts_ttfb_ms",
			Help:    "TTS time-to-first-audio-byte in milliseconds",
			Buckets: []float64{50, 100, 250, 500, 1000, 2500},
		},
		[]string{"provider"},
	)

	ProviderErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "unpod_provider_errors_total",
			Help: "Total STT/LLM/TTS provider errors",
		},
		[]string{"kind", "provider"},
	)

	CallCostUSD = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "unpod_call_cost_usd",
			Help:    "Cost in USD per completed call",
			Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5},
		},
	)

	// Task dispatch metrics
	TasksClaimed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "unpod_tasks_claimed_total",
			Help: "Total tasks claimed from the queue by tier",
		},
		[]string{"tier", "provider"},
	)

	TasksRequeued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "unpod_tasks_requeued_total",
			Help: "Total tasks returned to the queue by reason",
		},
		[]string{"tier", "reason"},
	)

	TaskQueueLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "unpod_task_queue_latency_ms",
			Help:    "Submission-to-start latency in milliseconds",
			Buckets: []float64{100, 500, 1000, 5000, 15000, 60000, 300000},
		},
		[]string{"tier"},
	)

	TaskDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "unpod_task_duration_seconds",
			Help:    "End-to-end task execution duration in seconds",
			Buckets: []float64{1, 5, 15, 60, 180, 600, 1800},
		},
		[]string{"tier", "status"},
	)

	ActiveWorkers = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "unpod_active_workers",
			Help: "Workers currently executing tasks, by tier",
		},
		[]string{"tier"},
	)

	TasksReconciled = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "unpod_tasks_reconciled_total",
			Help: "Stuck tasks returned to pending by the reconciler",
		},
	)

	// Post-call metrics
	PostCallRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "unpod_postcall_runs_total",
			Help: "Post-call flow invocations by outcome",
		},
		[]string{"outcome"},
	)

	WebhookAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "unpod_webhook_attempts_total",
			Help: "Webhook delivery attempts by result",
		},
		[]string{"result"},
	)

	FollowupsScheduled = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "unpod_followups_scheduled_total",
			Help: "Follow-up calls scheduled by the post-call flow",
		},
	)

	// Identity cache metrics
	IdentityCacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "unpod_identity_cache_hits_total",
			Help: "Identity cache hits",
		},
	)

	IdentityCacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "unpod_identity_cache_misses_total",
			Help: "Identity cache misses",
		},
	)

	// Knowledge retrieval metrics
	KnowledgeQueries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "unpod_knowledge_queries_total",
			Help: "Knowledge retrieval queries by source",
		},
		[]string{"source"},
	)

	KnowledgeQueryDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "unpod_knowledge_query_duration_ms",
			Help:    "Knowledge retrieval duration in milliseconds",
			Buckets: []float64{10, 50, 100, 250, 500, 1000, 2500},
		},
	)
)
