package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"groupwarden/internal/bot"
	"groupwarden/internal/database"
	"groupwarden/internal/handlers"
	"groupwarden/internal/metrics"
	"groupwarden/internal/moderation"
	"groupwarden/internal/panel"
	"groupwarden/internal/relay"
	"groupwarden/internal/routing"
	"groupwarden/internal/scheduler"
	"groupwarden/internal/telegram"
	"groupwarden/internal/tracing"

	_ "github.com/joho/godotenv/autoload"
	"github.com/rs/zerolog/log"
	cli "github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

const (
	shutdownTimeout  = 15 * time.Second
	reconcileTimeout = 2 * time.Minute
)

func main() {
	if err := newApp(run).Run(os.Args); err != nil {
		log.Error().Err(err).Msg("exiting")
		os.Exit(1)
	}
}

func newApp(action func(ctx context.Context, cfg *config) error) *cli.App {
	return &cli.App{
		Name:    "groupwarden",
		Usage:   "Telegram group moderation and topic relay bot",
		Version: version,
		Flags:   flags,
		Action: func(cctx *cli.Context) error {
			cfg, err := loadConfig(cctx)
			if err != nil {
				return err
			}
			setupLogging(cfg.LogLevel, cfg.LogFormat, os.Stdout)
			return action(cctx.Context, cfg)
		},
	}
}

func run(ctx context.Context, cfg *config) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info().Str("version", version).Int64("group_id", cfg.GroupID).Msg("Starting groupwarden")

	if cfg.OTLPEndpoint != "" {
		tp, err := tracing.Init(ctx, tracing.Config{Endpoint: cfg.OTLPEndpoint, Version: version})
		if err != nil {
			return fmt.Errorf("failed to set up tracing: %w", err)
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			if err := tp.Shutdown(ctx); err != nil {
				log.Error().Err(err).Msg("Failed to shut down tracer provider")
			}
		}()
		log.Info().Str("endpoint", cfg.OTLPEndpoint).Msg("Tracing enabled")
	}

	backend, err := database.Open(ctx, database.Config{
		URL:         cfg.DatabaseURL,
		Logger:      log.Logger,
		MaxConns:    cfg.DBMaxConns,
		RedisPrefix: cfg.RedisPrefix,
	})
	if err != nil {
		return fmt.Errorf("failed to open storage: %w", err)
	}
	defer func() {
		if err := backend.Close(); err != nil {
			log.Error().Err(err).Msg("Failed to close storage")
		}
	}()
	log.Info().Str("backend", backend.Name).Msg("Storage opened")

	burst := int(cfg.APIRate)
	if burst < 1 {
		burst = 1
	}
	client := telegram.NewClient(telegram.Config{
		Token:    cfg.Token,
		Timeout:  cfg.TransportTimeout,
		RetryMax: 3,
		Rate:     cfg.APIRate,
		Burst:    burst,
	})

	var botUsername string
	me, err := client.GetMe(ctx)
	switch {
	case err == nil:
		botUsername = me.Username
		log.Info().Str("username", me.Username).Int64("id", me.ID).Msg("Authenticated with Bot API")
	case isUnauthorized(err):
		return &ConfigError{Setting: "BOT_TOKEN", Reason: "rejected by the Bot API"}
	default:
		log.Warn().Err(err).Msg("Bot API unreachable at startup, continuing")
	}

	policy, err := moderation.NewPolicy(cfg.RolesFile)
	if err != nil {
		return &ConfigError{Setting: "ROLES_FILE", Reason: err.Error()}
	}

	engine := moderation.NewEngine(backend.Records, client, moderation.EngineConfig{
		GroupID:          cfg.GroupID,
		Threshold:        cfg.Threshold,
		TransportTimeout: cfg.TransportTimeout,
	})
	panels, err := panel.NewManager(client, panel.Config{
		GroupID:          cfg.GroupID,
		Mode:             cfg.PanelMode,
		Quorum:           cfg.Quorum,
		CacheSize:        cfg.PanelCacheSize,
		TransportTimeout: cfg.TransportTimeout,
	})
	if err != nil {
		return fmt.Errorf("failed to create panel manager: %w", err)
	}
	registry := relay.NewRegistry(cfg.Topics)
	router := relay.NewRouter(backend.Selections, client, registry, relay.Config{
		GroupID:          cfg.GroupID,
		TransportTimeout: cfg.TransportTimeout,
	})

	b := bot.New(client, engine, panels, router, policy, bot.Config{
		GroupID:          cfg.GroupID,
		TransportTimeout: cfg.TransportTimeout,
	})
	dispatcher := bot.NewDispatcher(b, bot.DispatcherConfig{
		Workers:     cfg.Workers,
		BotUsername: botUsername,
	})

	// Queued events are still handled after a shutdown signal, so handlers
	// get a context that outlives ctx until the dispatcher has drained.
	workCtx, cancelWork := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelWork()
	dispatcher.Start(workCtx)

	h := handlers.NewHandler(backend.Records, handlers.Config{
		GroupID:   cfg.GroupID,
		Backend:   backend.Name,
		Threshold: cfg.Threshold,
		Quorum:    cfg.Quorum,
		Version:   version,
	})
	h.SetPanelState(panels.Enabled, registry.Len)

	routes := routing.Config{Handlers: h, Logger: log.Logger}
	var poller *telegram.Poller
	if cfg.webhookEnabled() {
		if err := client.SetWebhook(ctx, telegram.SetWebhookParams{
			URL:            cfg.webhookEndpoint(),
			SecretToken:    cfg.WebhookSecret,
			AllowedUpdates: telegram.AllowedUpdates,
		}); err != nil {
			return fmt.Errorf("failed to register webhook: %w", err)
		}
		routes.Webhook = telegram.NewWebhookHandler(cfg.WebhookSecret, dispatcher)
		routes.WebhookPath = cfg.WebhookSecret
		h.SetDeliveryMode(handlers.DeliveryWebhook)
		log.Info().Str("base_url", cfg.WebhookURL).Msg("Webhook registered")
	} else {
		poller = telegram.NewPoller(client, dispatcher, telegram.PollerConfig{})
		h.SetDeliveryMode(handlers.DeliveryPolling)
		h.SetReceiving(poller.IsPolling)
	}

	sched := scheduler.New()
	for _, task := range backgroundTasks(cfg, engine, panels, client) {
		if err := sched.Add(task); err != nil {
			return &ConfigError{Setting: task.Name, Reason: err.Error()}
		}
	}

	metrics.StartCollector(ctx, collectorSource(backend.Records, cfg.GroupID, panels, poller), cfg.MetricsInterval)

	go reloadPolicyOnHangup(ctx, policy)

	srv := &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.Port),
		Handler:           routing.SetupRouter(routes),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("address", srv.Addr).Msg("Starting HTTP server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return sched.Run(gctx)
	})
	if poller != nil {
		poller.Start(gctx)
	}
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("Shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("HTTP server shutdown failed")
		}
		if poller != nil {
			poller.Stop()
		}
		dispatcher.Stop()
		cancelWork()
		return nil
	})

	return g.Wait()
}

// backgroundTasks are the periodic jobs run alongside update handling.
func backgroundTasks(cfg *config, engine *moderation.Engine, panels *panel.Manager, client *telegram.Client) []scheduler.Task {
	return []scheduler.Task{
		{
			Name:    "reconcile",
			Cron:    cfg.ReconcileSchedule,
			Timeout: reconcileTimeout,
			Run: func(ctx context.Context) error {
				res, err := engine.Reconcile(ctx)
				if err != nil {
					return err
				}
				log.Info().
					Int("checked", res.Checked).
					Int("lifted", res.Lifted).
					Int("failed", res.Failed).
					Msg("reconcile: pass complete")
				return nil
			},
		},
		{
			Name: "panel-sweep",
			Cron: cfg.PanelSweepSchedule,
			Run: func(context.Context) error {
				if n := panels.SweepExpired(cfg.PanelRetention); n > 0 {
					log.Info().Int("evicted", n).Msg("panel: sweep complete")
				}
				return nil
			},
		},
		{
			Name:    "keepalive",
			Every:   cfg.KeepaliveInterval,
			Timeout: cfg.TransportTimeout,
			Run: func(ctx context.Context) error {
				_, err := client.GetMe(ctx)
				return err
			},
		},
	}
}

// collectorSource feeds the gauge collector. Both user gauges come from one
// Stats read; storage failures report -1 so the previous values are kept.
func collectorSource(store moderation.Store, groupID int64, panels *panel.Manager, poller *telegram.Poller) metrics.StatsSource {
	src := metrics.StatsSource{
		Users: func() (int, int) {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			s, err := store.Stats(ctx, groupID)
			if err != nil {
				log.Warn().Err(err).Msg("metrics: failed to read stats")
				return -1, -1
			}
			return s.TotalUsers, s.RestrictedUsers
		},
		PanelCacheSize: panels.Len,
	}
	if poller != nil {
		src.Polling = poller.IsPolling
	}
	return src
}

// reloadPolicyOnHangup re-reads the roles file on SIGHUP.
func reloadPolicyOnHangup(ctx context.Context, policy *moderation.Policy) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			if err := policy.Reload(); err != nil {
				log.Error().Err(err).Msg("moderation: failed to reload roles file")
				continue
			}
			log.Info().Msg("moderation: roles file reloaded")
		}
	}
}

func isUnauthorized(err error) bool {
	var apiErr *telegram.APIError
	return errors.As(err, &apiErr) && apiErr.Code == http.StatusUnauthorized
}
