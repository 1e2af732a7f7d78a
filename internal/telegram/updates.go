package telegram

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"groupwarden/internal/metrics"

	"github.com/rs/zerolog/log"
)

// AllowedUpdates lists the update kinds the relay subscribes to.
var AllowedUpdates = []string{"message", "edited_message", "callback_query"}

// UpdateHandler consumes updates regardless of how they were delivered.
type UpdateHandler interface {
	HandleUpdate(ctx context.Context, u Update)
}

// UpdateHandlerFunc adapts a function to UpdateHandler.
type UpdateHandlerFunc func(ctx context.Context, u Update)

func (f UpdateHandlerFunc) HandleUpdate(ctx context.Context, u Update) { f(ctx, u) }

// Updater is the part of the Client the poller uses.
type Updater interface {
	GetUpdates(ctx context.Context, params GetUpdatesParams) ([]Update, error)
	DeleteWebhook(ctx context.Context, dropPending bool) error
}

// PollerConfig configures long polling.
type PollerConfig struct {
	// Timeout is the server-side long-poll timeout in seconds.
	Timeout int
	Limit   int
}

// Poller pulls updates with getUpdates and hands them to a handler.
type Poller struct {
	client  Updater
	handler UpdateHandler
	config  PollerConfig

	offset  atomic.Int64
	polling atomic.Bool

	// Stats
	updatesReceived atomic.Int64

	// Control
	cancel context.CancelFunc
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewPoller creates a Poller.
func NewPoller(client Updater, handler UpdateHandler, config PollerConfig) *Poller {
	if config.Timeout <= 0 {
		config.Timeout = 25
	}
	if config.Limit <= 0 {
		config.Limit = 100
	}
	return &Poller{
		client:  client,
		handler: handler,
		config:  config,
		stopCh:  make(chan struct{}),
	}
}

// Start begins polling in a background goroutine. Any registered webhook is
// removed first, since Telegram refuses getUpdates while one is set.
func (p *Poller) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)

	if err := p.client.DeleteWebhook(ctx, false); err != nil {
		log.Warn().Err(err).Msg("telegram: failed to delete webhook before polling")
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.run(ctx)
	}()
}

// Stop cancels the in-flight poll and waits for the loop to exit.
func (p *Poller) Stop() {
	close(p.stopCh)
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
}

// IsPolling reports whether the last poll succeeded.
func (p *Poller) IsPolling() bool {
	return p.polling.Load()
}

// Stats returns the number of updates received so far.
func (p *Poller) Stats() int64 {
	return p.updatesReceived.Load()
}

func (p *Poller) run(ctx context.Context) {
	backoff := time.Second
	maxBackoff := 30 * time.Second
	allowed, _ := json.Marshal(AllowedUpdates)

	log.Info().Int("timeout", p.config.Timeout).Msg("telegram: polling started")

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("telegram: context cancelled, stopping poller")
			return
		case <-p.stopCh:
			log.Info().Msg("telegram: stop requested, stopping poller")
			return
		default:
		}

		updates, err := p.client.GetUpdates(ctx, GetUpdatesParams{
			Offset:         p.offset.Load(),
			Limit:          p.config.Limit,
			Timeout:        p.config.Timeout,
			AllowedUpdates: string(allowed),
		})
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			p.polling.Store(false)
			log.Warn().Err(err).Dur("backoff", backoff).Msg("telegram: polling error")

			select {
			case <-ctx.Done():
				return
			case <-p.stopCh:
				return
			case <-time.After(backoff):
			}

			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}

		backoff = time.Second
		p.polling.Store(true)

		for _, u := range updates {
			if u.UpdateID >= p.offset.Load() {
				p.offset.Store(u.UpdateID + 1)
			}
			p.updatesReceived.Add(1)
			p.handler.HandleUpdate(ctx, u)
		}
	}
}

// SecretTokenHeader carries the webhook secret set with setWebhook.
const SecretTokenHeader = "X-Telegram-Bot-Api-Secret-Token"

// WebhookHandler receives pushed updates.
type WebhookHandler struct {
	secret  string
	handler UpdateHandler
}

// NewWebhookHandler creates an http.Handler for push delivery. When secret is
// non-empty, requests without the matching secret header are rejected.
func NewWebhookHandler(secret string, handler UpdateHandler) *WebhookHandler {
	return &WebhookHandler{secret: secret, handler: handler}
}

func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if h.secret != "" {
		got := r.Header.Get(SecretTokenHeader)
		if subtle.ConstantTimeCompare([]byte(got), []byte(h.secret)) != 1 {
			log.Warn().Str("remote_addr", r.RemoteAddr).Msg("telegram: webhook secret mismatch")
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
	}

	var u Update
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&u); err != nil {
		metrics.UpdatesTotal.WithLabelValues("invalid").Inc()
		http.Error(w, "invalid update", http.StatusBadRequest)
		return
	}

	h.handler.HandleUpdate(r.Context(), u)
	w.WriteHeader(http.StatusOK)
}
