package main

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"

	"groupwarden/internal/panel"
	"groupwarden/internal/relay"

	"github.com/adhocore/gronx"
	cli "github.com/urfave/cli/v2"
)

// ConfigError reports a missing or invalid setting. It is the only error
// that stops the process at startup.
type ConfigError struct {
	Setting string
	Reason  string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Setting, e.Reason)
}

// config is the validated process configuration.
type config struct {
	Token       string
	GroupID     int64
	DatabaseURL string
	DBMaxConns  int
	RedisPrefix string

	WebhookURL    string
	WebhookSecret string
	Port          int

	Threshold          int
	Quorum             int
	ReconcileSchedule  string
	PanelSweepSchedule string
	PanelRetention     time.Duration
	PanelCacheSize     int
	PanelMode          panel.Mode
	KeepaliveInterval  time.Duration
	TransportTimeout   time.Duration
	APIRate            float64

	Topics    map[int64]string
	RolesFile string
	Workers   int

	LogLevel        string
	LogFormat       string
	OTLPEndpoint    string
	MetricsInterval time.Duration
}

var flags = []cli.Flag{
	&cli.StringFlag{
		Name:    "bot-token",
		Usage:   "Bot API token",
		EnvVars: []string{"BOT_TOKEN"},
	},
	&cli.Int64Flag{
		Name:    "group-id",
		Usage:   "id of the moderated group",
		EnvVars: []string{"GROUP_ID"},
	},
	&cli.StringFlag{
		Name:    "database-url",
		Usage:   "postgres://, sqlite://, redis:// or a bbolt file path",
		EnvVars: []string{"DATABASE_URL"},
	},
	&cli.IntFlag{
		Name:    "db-max-conns",
		Usage:   "postgres connection pool size",
		Value:   10,
		EnvVars: []string{"DB_MAX_CONNS"},
	},
	&cli.StringFlag{
		Name:    "redis-prefix",
		Usage:   "key prefix for the redis backend",
		Value:   "groupwarden/",
		EnvVars: []string{"REDIS_PREFIX"},
	},
	&cli.StringFlag{
		Name:    "webhook-url",
		Usage:   "public https base URL; enables webhook delivery instead of long polling",
		EnvVars: []string{"WEBHOOK_URL"},
	},
	&cli.StringFlag{
		Name:    "webhook-secret",
		Usage:   "webhook path and secret token; derived from the bot token when empty",
		EnvVars: []string{"WEBHOOK_SECRET"},
	},
	&cli.IntFlag{
		Name:    "port",
		Usage:   "HTTP listen port",
		Value:   3001,
		EnvVars: []string{"PORT"},
	},
	&cli.IntFlag{
		Name:    "threshold",
		Usage:   "message count at which a user is restricted",
		Value:   3,
		EnvVars: []string{"THRESHOLD"},
	},
	&cli.IntFlag{
		Name:    "complaint-quorum",
		Usage:   "distinct complaints that delete a message",
		Value:   5,
		EnvVars: []string{"COMPLAINT_QUORUM"},
	},
	&cli.StringFlag{
		Name:    "reconcile-schedule",
		Usage:   "cron expression for restriction reconciliation",
		Value:   "*/5 * * * *",
		EnvVars: []string{"RECONCILE_SCHEDULE"},
	},
	&cli.StringFlag{
		Name:    "panel-sweep-schedule",
		Usage:   "cron expression for evicting old panel messages",
		Value:   "*/30 * * * *",
		EnvVars: []string{"PANEL_SWEEP_SCHEDULE"},
	},
	&cli.DurationFlag{
		Name:    "panel-retention",
		Usage:   "how long a message stays actionable from its panel",
		Value:   time.Hour,
		EnvVars: []string{"PANEL_RETENTION"},
	},
	&cli.IntFlag{
		Name:    "panel-cache-size",
		Usage:   "maximum number of cached panel messages",
		Value:   10000,
		EnvVars: []string{"PANEL_CACHE_SIZE"},
	},
	&cli.StringFlag{
		Name:    "panel-mode",
		Usage:   "reply (panel under the original) or repost (bot republishes the message)",
		Value:   string(panel.ModeReply),
		EnvVars: []string{"PANEL_MODE"},
	},
	&cli.DurationFlag{
		Name:    "keepalive-interval",
		Usage:   "interval between getMe probes",
		Value:   25 * time.Minute,
		EnvVars: []string{"KEEPALIVE_INTERVAL"},
	},
	&cli.DurationFlag{
		Name:    "transport-timeout",
		Usage:   "timeout for each Bot API call",
		Value:   10 * time.Second,
		EnvVars: []string{"TRANSPORT_TIMEOUT"},
	},
	&cli.Float64Flag{
		Name:    "api-rate",
		Usage:   "maximum Bot API calls per second, 0 disables limiting",
		Value:   25,
		EnvVars: []string{"API_RATE"},
	},
	&cli.StringFlag{
		Name:    "topics",
		Usage:   "relay topics as id:name,id:name",
		EnvVars: []string{"TOPICS"},
	},
	&cli.StringFlag{
		Name:    "roles-file",
		Usage:   "YAML file granting moderation permissions to users",
		EnvVars: []string{"ROLES_FILE"},
	},
	&cli.IntFlag{
		Name:    "workers",
		Usage:   "number of update worker lanes",
		Value:   8,
		EnvVars: []string{"WORKERS"},
	},
	&cli.StringFlag{
		Name:    "log-level",
		Usage:   "debug, info, warn or error",
		Value:   "info",
		EnvVars: []string{"LOG_LEVEL"},
	},
	&cli.StringFlag{
		Name:    "log-format",
		Usage:   "json or console",
		Value:   "console",
		EnvVars: []string{"LOG_FORMAT"},
	},
	&cli.StringFlag{
		Name:    "otlp-endpoint",
		Usage:   "OTLP HTTP collector; tracing is off when empty",
		EnvVars: []string{"OTEL_EXPORTER_OTLP_ENDPOINT"},
	},
	&cli.DurationFlag{
		Name:    "metrics-interval",
		Usage:   "interval between gauge refreshes",
		Value:   time.Minute,
		EnvVars: []string{"METRICS_INTERVAL"},
	},
}

func loadConfig(cctx *cli.Context) (*config, error) {
	cfg := &config{
		Token:              strings.TrimSpace(cctx.String("bot-token")),
		GroupID:            cctx.Int64("group-id"),
		DatabaseURL:        cctx.String("database-url"),
		DBMaxConns:         cctx.Int("db-max-conns"),
		RedisPrefix:        cctx.String("redis-prefix"),
		WebhookURL:         strings.TrimRight(cctx.String("webhook-url"), "/"),
		WebhookSecret:      cctx.String("webhook-secret"),
		Port:               cctx.Int("port"),
		Threshold:          cctx.Int("threshold"),
		Quorum:             cctx.Int("complaint-quorum"),
		ReconcileSchedule:  cctx.String("reconcile-schedule"),
		PanelSweepSchedule: cctx.String("panel-sweep-schedule"),
		PanelRetention:     cctx.Duration("panel-retention"),
		PanelCacheSize:     cctx.Int("panel-cache-size"),
		KeepaliveInterval:  cctx.Duration("keepalive-interval"),
		TransportTimeout:   cctx.Duration("transport-timeout"),
		APIRate:            cctx.Float64("api-rate"),
		RolesFile:          cctx.String("roles-file"),
		Workers:            cctx.Int("workers"),
		LogLevel:           cctx.String("log-level"),
		LogFormat:          cctx.String("log-format"),
		OTLPEndpoint:       cctx.String("otlp-endpoint"),
		MetricsInterval:    cctx.Duration("metrics-interval"),
	}

	mode, err := panel.ParseMode(cctx.String("panel-mode"))
	if err != nil {
		return nil, &ConfigError{Setting: "PANEL_MODE", Reason: err.Error()}
	}
	cfg.PanelMode = mode

	topics, err := relay.ParseTopics(cctx.String("topics"))
	if err != nil {
		return nil, &ConfigError{Setting: "TOPICS", Reason: err.Error()}
	}
	cfg.Topics = topics

	if cfg.WebhookURL != "" && cfg.WebhookSecret == "" {
		cfg.WebhookSecret = deriveWebhookSecret(cfg.Token)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Telegram accepts only these characters in a webhook secret token.
var secretPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,256}$`)

func (c *config) validate() error {
	switch {
	case c.Token == "":
		return &ConfigError{Setting: "BOT_TOKEN", Reason: "required"}
	case c.GroupID == 0:
		return &ConfigError{Setting: "GROUP_ID", Reason: "required"}
	case c.Threshold <= 0:
		return &ConfigError{Setting: "THRESHOLD", Reason: "must be positive"}
	case c.Quorum <= 0:
		return &ConfigError{Setting: "COMPLAINT_QUORUM", Reason: "must be positive"}
	case !gronx.IsValid(c.ReconcileSchedule):
		return &ConfigError{Setting: "RECONCILE_SCHEDULE", Reason: fmt.Sprintf("invalid cron expression %q", c.ReconcileSchedule)}
	case !gronx.IsValid(c.PanelSweepSchedule):
		return &ConfigError{Setting: "PANEL_SWEEP_SCHEDULE", Reason: fmt.Sprintf("invalid cron expression %q", c.PanelSweepSchedule)}
	case c.PanelRetention <= 0:
		return &ConfigError{Setting: "PANEL_RETENTION", Reason: "must be positive"}
	case c.KeepaliveInterval <= 0:
		return &ConfigError{Setting: "KEEPALIVE_INTERVAL", Reason: "must be positive"}
	case c.TransportTimeout <= 0:
		return &ConfigError{Setting: "TRANSPORT_TIMEOUT", Reason: "must be positive"}
	case c.MetricsInterval <= 0:
		return &ConfigError{Setting: "METRICS_INTERVAL", Reason: "must be positive"}
	case c.APIRate < 0:
		return &ConfigError{Setting: "API_RATE", Reason: "must not be negative"}
	case c.Port <= 0 || c.Port > 65535:
		return &ConfigError{Setting: "PORT", Reason: fmt.Sprintf("out of range: %d", c.Port)}
	}

	if c.WebhookURL != "" {
		u, err := url.Parse(c.WebhookURL)
		if err != nil || u.Scheme != "https" || u.Host == "" {
			return &ConfigError{Setting: "WEBHOOK_URL", Reason: "must be an absolute https URL"}
		}
		if !secretPattern.MatchString(c.WebhookSecret) {
			return &ConfigError{Setting: "WEBHOOK_SECRET", Reason: "only letters, digits, '_' and '-' are allowed"}
		}
	}
	return nil
}

// webhookEnabled reports whether updates are pushed instead of polled.
func (c *config) webhookEnabled() bool {
	return c.WebhookURL != ""
}

// webhookEndpoint is the URL registered with setWebhook.
func (c *config) webhookEndpoint() string {
	return c.WebhookURL + "/webhook/" + c.WebhookSecret
}

// deriveWebhookSecret gives a stable secret per bot so restarts keep the
// registered URL valid.
func deriveWebhookSecret(token string) string {
	sum := sha256.Sum256([]byte("groupwarden-webhook:" + token))
	return hex.EncodeToString(sum[:16])
}
