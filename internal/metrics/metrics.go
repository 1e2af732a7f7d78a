package metrics

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTP metrics
var (
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "groupwarden_http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "groupwarden_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
	}, []string{"method", "path"})
)

// Bot API metrics
var (
	UpdatesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "groupwarden_updates_total",
		Help: "Total number of inbound updates by event kind",
	}, []string{"kind"})

	TelegramRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "groupwarden_telegram_requests_total",
		Help: "Total number of Bot API calls by method and outcome",
	}, []string{"method", "outcome"})

	TelegramRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "groupwarden_telegram_request_duration_seconds",
		Help:    "Bot API call duration in seconds",
		Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	}, []string{"method"})

	PollingState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "groupwarden_polling_state",
		Help: "Long polling state (1=receiving, 0=failing or webhook mode)",
	})
)

// Moderation metrics
var (
	CountedMessagesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "groupwarden_counted_messages_total",
		Help: "Total number of group messages counted toward restriction",
	})

	RestrictionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "groupwarden_restrictions_total",
		Help: "Total number of restriction attempts by outcome",
	}, []string{"outcome"})

	UnrestrictionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "groupwarden_unrestrictions_total",
		Help: "Total number of unrestriction attempts by source and outcome",
	}, []string{"source", "outcome"})

	ReconcileDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "groupwarden_reconcile_duration_seconds",
		Help:    "Duration of reconciliation passes in seconds",
		Buckets: prometheus.DefBuckets,
	})
)

// Panel metrics
var (
	PanelsAttachedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "groupwarden_panels_attached_total",
		Help: "Total number of action panels attached by outcome",
	}, []string{"outcome"})

	ComplaintsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "groupwarden_complaints_total",
		Help: "Total number of complaints by outcome",
	}, []string{"outcome"})

	QuorumDeletionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "groupwarden_quorum_deletions_total",
		Help: "Total number of messages deleted after reaching complaint quorum",
	})

	PanelEvictionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "groupwarden_panel_evictions_total",
		Help: "Total number of cached panel messages evicted by reason",
	}, []string{"reason"})
)

// Relay metrics
var (
	RelaysTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "groupwarden_relays_total",
		Help: "Total number of private messages relayed into topics by outcome",
	}, []string{"outcome"})
)

// Background task metrics
var (
	TaskRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "groupwarden_task_runs_total",
		Help: "Total number of background task runs by task and outcome",
	}, []string{"task", "outcome"})
)

// Business metrics (gauges updated periodically by collector)
var (
	TrackedUsersTotal = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "groupwarden_tracked_users_total",
		Help: "Number of users with a message counter in the moderated group",
	})

	RestrictedUsersTotal = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "groupwarden_restricted_users_total",
		Help: "Number of users currently believed restricted",
	})

	PanelCacheSize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "groupwarden_panel_cache_size",
		Help: "Number of messages held in the action panel cache",
	})
)

// NormalizePath reduces path labels to a bounded set. The webhook path
// embeds a secret and must never reach a label verbatim.
func NormalizePath(path string) string {
	if strings.HasPrefix(path, "/webhook/") {
		return "/webhook/:secret"
	}

	switch path {
	case "/", "/healthz", "/metrics":
		return path
	}
	return "/other"
}
