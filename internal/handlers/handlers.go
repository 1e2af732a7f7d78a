package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"groupwarden/internal/moderation"

	"github.com/rs/zerolog/log"
)

// Delivery modes shown on the status page.
const (
	DeliveryWebhook = "webhook"
	DeliveryPolling = "polling"
)

// DefaultRecentLimit is how many recently active users the status page lists.
const DefaultRecentLimit = 10

// Config holds handler configuration options
type Config struct {
	// GroupID is the moderated group the page reports on.
	GroupID int64

	// Backend names the storage backend, e.g. "bolt" or "postgres".
	Backend string

	// DeliveryMode is DeliveryWebhook or DeliveryPolling.
	DeliveryMode string

	Threshold   int
	Quorum      int
	RecentLimit int
	Version     string
}

// StatsSource is the part of the record store the status page reads.
type StatsSource interface {
	Stats(ctx context.Context, groupID int64) (moderation.Stats, error)
	RecentUsers(ctx context.Context, groupID int64, limit int) ([]moderation.UserRecord, error)
}

// Handler serves the status page and health probe.
// Dependencies are injected via the constructor for better testability.
type Handler struct {
	stats   StatsSource
	config  Config
	started time.Time

	// Optional runtime state
	receiving  func() bool
	panelsOn   func() bool
	topicCount func() int
}

// NewHandler creates a new Handler with all required dependencies.
func NewHandler(stats StatsSource, config Config) *Handler {
	if config.RecentLimit <= 0 {
		config.RecentLimit = DefaultRecentLimit
	}
	return &Handler{
		stats:   stats,
		config:  config,
		started: time.Now(),
	}
}

// SetReceiving reports whether updates are currently arriving. In polling
// mode this is the poller's last result; webhooks are always considered live.
func (h *Handler) SetReceiving(fn func() bool) {
	h.receiving = fn
}

// SetDeliveryMode records whether updates arrive by webhook or polling.
func (h *Handler) SetDeliveryMode(mode string) {
	h.config.DeliveryMode = mode
}

// SetPanelState exposes the panel toggle and topic registry size.
func (h *Handler) SetPanelState(panelsOn func() bool, topicCount func() int) {
	h.panelsOn = panelsOn
	h.topicCount = topicCount
}

func (h *Handler) isReceiving() bool {
	if h.receiving == nil {
		return true
	}
	return h.receiving()
}

// HandleHealthz answers liveness probes. It never touches storage.
func (h *Handler) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{
		"status":    "ok",
		"delivery":  h.config.DeliveryMode,
		"receiving": h.isReceiving(),
		"uptime":    time.Since(h.started).Round(time.Second).String(),
	}
	if !h.isReceiving() {
		body["status"] = "degraded"
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Error().Err(err).Msg("handlers: failed to encode health response")
	}
}
