// Package telegram is a small Bot API client covering the methods the
// moderation relay needs: sending, copying, editing and deleting messages,
// restricting members, answering callback queries and receiving updates.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"groupwarden/internal/metrics"
	"groupwarden/internal/tracing"

	"github.com/google/go-querystring/query"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

// DefaultBaseURL is the public Bot API endpoint.
const DefaultBaseURL = "https://api.telegram.org"

// Config configures a Client.
type Config struct {
	Token   string
	BaseURL string

	// Timeout bounds every call. Long polling adds its own poll timeout on top.
	Timeout time.Duration

	// RetryMax is the number of retries for idempotent reads.
	// Mutating calls are never retried by the client.
	RetryMax int

	// Rate and Burst bound outbound calls per second. Zero disables limiting.
	Rate  float64
	Burst int
}

// Client talks to the Bot API over HTTPS with JSON bodies.
type Client struct {
	baseURL string
	token   string
	timeout time.Duration
	http    *retryablehttp.Client
	limiter *rate.Limiter
}

// NewClient creates a Client. Reads go through a retrying HTTP client;
// writes use the same transport without retries so a restrict or delete is
// attempted at most once per call.
func NewClient(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}

	rc := retryablehttp.NewClient()
	rc.RetryMax = cfg.RetryMax
	rc.RetryWaitMin = 1 * time.Second
	rc.RetryWaitMax = 10 * time.Second
	rc.Logger = retryLogger{token: cfg.Token}

	var limiter *rate.Limiter
	if cfg.Rate > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.Rate), burst)
	}

	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		token:   cfg.Token,
		timeout: cfg.Timeout,
		http:    rc,
		limiter: limiter,
	}
}

// call describes one Bot API request.
type call struct {
	method string
	params any
	// read selects a GET with query-string parameters and enables retries.
	read bool
	// extra extends the per-call timeout (used by long polling).
	extra time.Duration
}

func (c *Client) do(ctx context.Context, cl call, out any) (err error) {
	ctx, span := tracing.APISpan(ctx, cl.method)
	defer func() {
		tracing.EndWithError(span, err)
		span.End()
	}()

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("telegram: %s rate limit wait: %w", cl.method, err)
		}
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout+cl.extra)
	defer cancel()

	start := time.Now()
	body, err := c.send(ctx, cl)
	metrics.TelegramRequestDuration.WithLabelValues(cl.method).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.TelegramRequestsTotal.WithLabelValues(cl.method, "error").Inc()
		return err
	}

	var resp response
	if err := json.Unmarshal(body, &resp); err != nil {
		metrics.TelegramRequestsTotal.WithLabelValues(cl.method, "error").Inc()
		return fmt.Errorf("telegram: failed to decode %s response: %w", cl.method, err)
	}
	if !resp.OK {
		metrics.TelegramRequestsTotal.WithLabelValues(cl.method, "rejected").Inc()
		apiErr := &APIError{Method: cl.method, Code: resp.ErrorCode, Description: resp.Description}
		if resp.Parameters != nil {
			apiErr.RetryAfter = resp.Parameters.RetryAfter
		}
		return apiErr
	}
	metrics.TelegramRequestsTotal.WithLabelValues(cl.method, "ok").Inc()

	if out == nil || len(resp.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(resp.Result, out); err != nil {
		return fmt.Errorf("telegram: failed to decode %s result: %w", cl.method, err)
	}
	return nil
}

func (c *Client) send(ctx context.Context, cl call) ([]byte, error) {
	endpoint := c.baseURL + "/bot" + c.token + "/" + cl.method

	var resp *http.Response
	var err error
	if cl.read {
		if cl.params != nil {
			values, qerr := query.Values(cl.params)
			if qerr != nil {
				return nil, fmt.Errorf("telegram: failed to encode %s parameters: %w", cl.method, qerr)
			}
			if len(values) > 0 {
				endpoint += "?" + values.Encode()
			}
		}
		req, rerr := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if rerr != nil {
			return nil, fmt.Errorf("telegram: failed to create %s request: %w", cl.method, rerr)
		}
		resp, err = c.http.Do(req)
	} else {
		payload, merr := json.Marshal(cl.params)
		if merr != nil {
			return nil, fmt.Errorf("telegram: failed to encode %s body: %w", cl.method, merr)
		}
		req, rerr := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
		if rerr != nil {
			return nil, fmt.Errorf("telegram: failed to create %s request: %w", cl.method, rerr)
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err = c.http.HTTPClient.Do(req)
	}
	if err != nil {
		return nil, fmt.Errorf("telegram: %s request failed: %w", cl.method, c.redact(err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, fmt.Errorf("telegram: failed to read %s response: %w", cl.method, err)
	}
	return body, nil
}

// redact strips the bot token from URLs embedded in transport errors.
func (c *Client) redact(err error) error {
	var urlErr *url.Error
	if c.token != "" && errors.As(err, &urlErr) {
		urlErr.URL = strings.ReplaceAll(urlErr.URL, c.token, "<token>")
	}
	return err
}

// ========== Reads ==========

// GetMe returns the bot's own user. It doubles as a keep-alive probe.
func (c *Client) GetMe(ctx context.Context) (*User, error) {
	var u User
	if err := c.do(ctx, call{method: "getMe", read: true}, &u); err != nil {
		return nil, err
	}
	return &u, nil
}

// GetUpdatesParams are the long-polling parameters.
type GetUpdatesParams struct {
	Offset int64 `url:"offset,omitempty"`
	Limit  int   `url:"limit,omitempty"`
	// Timeout is the long-poll timeout in seconds.
	Timeout int `url:"timeout,omitempty"`
	// AllowedUpdates is a JSON-encoded array, as the Bot API expects.
	AllowedUpdates string `url:"allowed_updates,omitempty"`
}

// GetUpdates long-polls for new updates.
func (c *Client) GetUpdates(ctx context.Context, params GetUpdatesParams) ([]Update, error) {
	var updates []Update
	err := c.do(ctx, call{
		method: "getUpdates",
		params: params,
		read:   true,
		extra:  time.Duration(params.Timeout) * time.Second,
	}, &updates)
	return updates, err
}

type getChatMemberParams struct {
	ChatID int64 `url:"chat_id"`
	UserID int64 `url:"user_id"`
}

// GetChatMember returns a user's membership in a chat.
func (c *Client) GetChatMember(ctx context.Context, chatID, userID int64) (*ChatMember, error) {
	var m ChatMember
	err := c.do(ctx, call{
		method: "getChatMember",
		params: getChatMemberParams{ChatID: chatID, UserID: userID},
		read:   true,
	}, &m)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// ========== Webhook management ==========

// SetWebhookParams configures push delivery.
type SetWebhookParams struct {
	URL                string   `json:"url"`
	SecretToken        string   `json:"secret_token,omitempty"`
	AllowedUpdates     []string `json:"allowed_updates,omitempty"`
	DropPendingUpdates bool     `json:"drop_pending_updates,omitempty"`
}

// SetWebhook registers the webhook URL.
func (c *Client) SetWebhook(ctx context.Context, params SetWebhookParams) error {
	return c.do(ctx, call{method: "setWebhook", params: params}, nil)
}

// DeleteWebhook switches the bot back to getUpdates delivery.
func (c *Client) DeleteWebhook(ctx context.Context, dropPending bool) error {
	return c.do(ctx, call{
		method: "deleteWebhook",
		params: map[string]bool{"drop_pending_updates": dropPending},
	}, nil)
}

// ========== Messages ==========

// ReplyParameters points a sent message at the message it answers.
type ReplyParameters struct {
	MessageID                int64 `json:"message_id"`
	AllowSendingWithoutReply bool  `json:"allow_sending_without_reply,omitempty"`
}

// SendMessageParams are the parameters of sendMessage.
type SendMessageParams struct {
	ChatID              int64                 `json:"chat_id"`
	MessageThreadID     int64                 `json:"message_thread_id,omitempty"`
	Text                string                `json:"text"`
	ParseMode           string                `json:"parse_mode,omitempty"`
	ReplyParameters     *ReplyParameters      `json:"reply_parameters,omitempty"`
	ReplyMarkup         *InlineKeyboardMarkup `json:"reply_markup,omitempty"`
	DisableNotification bool                  `json:"disable_notification,omitempty"`
}

// SendMessage sends a text message.
func (c *Client) SendMessage(ctx context.Context, params SendMessageParams) (*Message, error) {
	var m Message
	if err := c.do(ctx, call{method: "sendMessage", params: params}, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// SendMediaParams resend an already-uploaded file by its file id.
type SendMediaParams struct {
	ChatID          int64
	MessageThreadID int64
	Kind            MediaKind
	FileID          string
	Caption         string
	ReplyMarkup     *InlineKeyboardMarkup
}

var mediaMethods = map[MediaKind]string{
	MediaPhoto:    "sendPhoto",
	MediaDocument: "sendDocument",
	MediaVideo:    "sendVideo",
	MediaVoice:    "sendVoice",
	MediaSticker:  "sendSticker",
}

// SendMedia sends a photo, document, video, voice note or sticker.
// Stickers carry no caption.
func (c *Client) SendMedia(ctx context.Context, params SendMediaParams) (*Message, error) {
	method, ok := mediaMethods[params.Kind]
	if !ok {
		return nil, fmt.Errorf("telegram: unsupported media kind %q", params.Kind)
	}

	body := map[string]any{"chat_id": params.ChatID}
	body[string(params.Kind)] = params.FileID
	if params.MessageThreadID != 0 {
		body["message_thread_id"] = params.MessageThreadID
	}
	if params.Caption != "" && params.Kind != MediaSticker {
		body["caption"] = params.Caption
	}
	if params.ReplyMarkup != nil {
		body["reply_markup"] = params.ReplyMarkup
	}

	var m Message
	if err := c.do(ctx, call{method: method, params: body}, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// CopyMessageParams are the parameters of copyMessage.
type CopyMessageParams struct {
	ChatID          int64                 `json:"chat_id"`
	FromChatID      int64                 `json:"from_chat_id"`
	MessageID       int64                 `json:"message_id"`
	MessageThreadID int64                 `json:"message_thread_id,omitempty"`
	Caption         string                `json:"caption,omitempty"`
	ParseMode       string                `json:"parse_mode,omitempty"`
	ReplyMarkup     *InlineKeyboardMarkup `json:"reply_markup,omitempty"`
}

// CopyMessage re-posts a message under the bot's identity.
func (c *Client) CopyMessage(ctx context.Context, params CopyMessageParams) (int64, error) {
	var id MessageID
	if err := c.do(ctx, call{method: "copyMessage", params: params}, &id); err != nil {
		return 0, err
	}
	return id.MessageID, nil
}

// EditMessageTextParams are the parameters of editMessageText.
type EditMessageTextParams struct {
	ChatID      int64                 `json:"chat_id"`
	MessageID   int64                 `json:"message_id"`
	Text        string                `json:"text"`
	ParseMode   string                `json:"parse_mode,omitempty"`
	ReplyMarkup *InlineKeyboardMarkup `json:"reply_markup,omitempty"`
}

// EditMessageText replaces the text of a message.
func (c *Client) EditMessageText(ctx context.Context, params EditMessageTextParams) error {
	return c.do(ctx, call{method: "editMessageText", params: params}, nil)
}

type editReplyMarkupParams struct {
	ChatID      int64                 `json:"chat_id"`
	MessageID   int64                 `json:"message_id"`
	ReplyMarkup *InlineKeyboardMarkup `json:"reply_markup,omitempty"`
}

// EditMessageReplyMarkup replaces the inline keyboard of a message.
func (c *Client) EditMessageReplyMarkup(ctx context.Context, chatID, messageID int64, markup *InlineKeyboardMarkup) error {
	return c.do(ctx, call{
		method: "editMessageReplyMarkup",
		params: editReplyMarkupParams{ChatID: chatID, MessageID: messageID, ReplyMarkup: markup},
	}, nil)
}

type deleteMessageParams struct {
	ChatID    int64 `json:"chat_id"`
	MessageID int64 `json:"message_id"`
}

// DeleteMessage deletes a message.
func (c *Client) DeleteMessage(ctx context.Context, chatID, messageID int64) error {
	return c.do(ctx, call{
		method: "deleteMessage",
		params: deleteMessageParams{ChatID: chatID, MessageID: messageID},
	}, nil)
}

// ========== Members and callbacks ==========

type restrictParams struct {
	ChatID                        int64           `json:"chat_id"`
	UserID                        int64           `json:"user_id"`
	Permissions                   ChatPermissions `json:"permissions"`
	UseIndependentChatPermissions bool            `json:"use_independent_chat_permissions"`
}

// RestrictChatMember applies permissions to a group member.
func (c *Client) RestrictChatMember(ctx context.Context, chatID, userID int64, perms ChatPermissions) error {
	return c.do(ctx, call{
		method: "restrictChatMember",
		params: restrictParams{
			ChatID:                        chatID,
			UserID:                        userID,
			Permissions:                   perms,
			UseIndependentChatPermissions: true,
		},
	}, nil)
}

// AnswerCallbackQueryParams are the parameters of answerCallbackQuery.
type AnswerCallbackQueryParams struct {
	CallbackQueryID string `json:"callback_query_id"`
	Text            string `json:"text,omitempty"`
	ShowAlert       bool   `json:"show_alert,omitempty"`
}

// AnswerCallbackQuery shows a short notice to the user who pressed a button.
func (c *Client) AnswerCallbackQuery(ctx context.Context, params AnswerCallbackQueryParams) error {
	return c.do(ctx, call{method: "answerCallbackQuery", params: params}, nil)
}

// retryLogger routes retryablehttp's leveled logging into zerolog.
type retryLogger struct {
	token string
}

// scrub removes the bot token from logged request URLs.
func (l retryLogger) scrub(kv []interface{}) []interface{} {
	if l.token == "" {
		return kv
	}
	out := make([]interface{}, len(kv))
	for i, v := range kv {
		switch val := v.(type) {
		case string:
			out[i] = strings.ReplaceAll(val, l.token, "<token>")
		case *url.URL:
			out[i] = strings.ReplaceAll(val.String(), l.token, "<token>")
		default:
			out[i] = v
		}
	}
	return out
}

func (l retryLogger) Error(msg string, kv ...interface{}) {
	log.Error().Fields(l.scrub(kv)).Msg("telegram: " + msg)
}

func (l retryLogger) Info(msg string, kv ...interface{}) {
	log.Debug().Fields(l.scrub(kv)).Msg("telegram: " + msg)
}

func (l retryLogger) Debug(msg string, kv ...interface{}) {
	log.Trace().Fields(l.scrub(kv)).Msg("telegram: " + msg)
}

func (l retryLogger) Warn(msg string, kv ...interface{}) {
	log.Warn().Fields(l.scrub(kv)).Msg("telegram: " + msg)
}
