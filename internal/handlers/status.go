package handlers

import (
	"bytes"
	"context"
	"embed"
	"html/template"
	"math"
	"net/http"
	"time"

	"groupwarden/internal/middleware"
	"groupwarden/internal/moderation"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

//go:embed templates/status.html
var templateFS embed.FS

var statusTemplate = template.Must(template.ParseFS(templateFS, "templates/status.html"))

// statusTimeout bounds the storage reads behind one page render.
const statusTimeout = 5 * time.Second

type statusPage struct {
	Nonce        string
	Receiving    bool
	GroupID      int64
	Backend      string
	DeliveryMode string
	PanelsOn     bool
	Topics       int

	Stats   moderation.Stats
	Average int64
	Recent  []moderation.UserRecord
	Error   string

	Threshold int
	Quorum    int
	Version   string
	Uptime    string
}

// HandleStatus renders the HTML status page.
func (h *Handler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), statusTimeout)
	defer cancel()

	page := statusPage{
		Nonce:        middleware.CSPNonceFromContext(r.Context()),
		Receiving:    h.isReceiving(),
		GroupID:      h.config.GroupID,
		Backend:      h.config.Backend,
		DeliveryMode: h.config.DeliveryMode,
		PanelsOn:     h.panelsOn != nil && h.panelsOn(),
		Threshold:    h.config.Threshold,
		Quorum:       h.config.Quorum,
		Version:      h.config.Version,
		Uptime:       time.Since(h.started).Round(time.Second).String(),
	}
	if h.topicCount != nil {
		page.Topics = h.topicCount()
	}

	// Stats and the recent list are independent reads
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		stats, err := h.stats.Stats(gctx, h.config.GroupID)
		page.Stats = stats
		return err
	})
	g.Go(func() error {
		recent, err := h.stats.RecentUsers(gctx, h.config.GroupID, h.config.RecentLimit)
		page.Recent = recent
		return err
	})

	status := http.StatusOK
	if err := g.Wait(); err != nil {
		log.Error().Err(err).Int64("group_id", h.config.GroupID).Msg("handlers: failed to load status")
		page.Error = "could not read statistics"
		page.Recent = nil
		status = http.StatusServiceUnavailable
	}
	page.Average = int64(math.Round(page.Stats.AverageCount))

	var buf bytes.Buffer
	if err := statusTemplate.Execute(&buf, page); err != nil {
		log.Error().Err(err).Msg("handlers: failed to render status page")
		http.Error(w, "Failed to render page", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_, _ = buf.WriteTo(w)
}
