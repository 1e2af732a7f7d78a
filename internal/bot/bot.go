// Package bot turns inbound Telegram updates into typed events and routes
// them to the restriction engine, the action panel and the topic relay.
package bot

import (
	"context"
	"time"

	"groupwarden/internal/moderation"
	"groupwarden/internal/panel"
	"groupwarden/internal/relay"
	"groupwarden/internal/telegram"

	"github.com/rs/zerolog/log"
)

// DefaultTransportTimeout bounds replies and callback answers.
const DefaultTransportTimeout = 10 * time.Second

// Transport is the subset of the Bot API the handlers call directly.
type Transport interface {
	SendMessage(ctx context.Context, params telegram.SendMessageParams) (*telegram.Message, error)
	EditMessageText(ctx context.Context, params telegram.EditMessageTextParams) error
	DeleteMessage(ctx context.Context, chatID, messageID int64) error
	AnswerCallbackQuery(ctx context.Context, params telegram.AnswerCallbackQueryParams) error
	GetChatMember(ctx context.Context, chatID, userID int64) (*telegram.ChatMember, error)
}

// Config configures a Bot.
type Config struct {
	GroupID          int64
	TransportTimeout time.Duration
}

// Bot handles events. It owns no state of its own beyond its collaborators.
type Bot struct {
	transport Transport
	engine    *moderation.Engine
	panels    *panel.Manager
	relay     *relay.Router
	policy    *moderation.Policy
	config    Config
}

// New creates a Bot.
func New(transport Transport, engine *moderation.Engine, panels *panel.Manager, router *relay.Router, policy *moderation.Policy, config Config) *Bot {
	if config.TransportTimeout <= 0 {
		config.TransportTimeout = DefaultTransportTimeout
	}
	return &Bot{
		transport: transport,
		engine:    engine,
		panels:    panels,
		relay:     router,
		policy:    policy,
		config:    config,
	}
}

// Handle routes ev by variant.
func (b *Bot) Handle(ctx context.Context, ev Event) {
	switch ev := ev.(type) {
	case CommandMessage:
		if ev.Edited {
			return
		}
		b.handleCommand(ctx, ev)
	case CallbackAction:
		b.handleCallback(ctx, ev)
	case TextMessage:
		b.handleContent(ctx, ev.Envelope, relay.Payload{Text: ev.Text})
	case MediaMessage:
		b.handleContent(ctx, ev.Envelope, relay.Payload{Kind: ev.Kind, FileID: ev.FileID, Caption: ev.Caption})
	}
}

// handleContent covers both text and media: counted in the group, relayed
// from private chats, ignored elsewhere.
func (b *Bot) handleContent(ctx context.Context, env Envelope, payload relay.Payload) {
	if env.Edited || env.IsBot {
		return
	}

	switch {
	case env.ChatID == b.config.GroupID:
		b.handleGroupMessage(ctx, env)
	case env.IsPrivate():
		b.handleRelay(ctx, env, payload)
	}
}

func (b *Bot) handleGroupMessage(ctx context.Context, env Envelope) {
	rec, err := b.engine.OnCountedMessage(ctx, env.Sender.ID, env.ChatID)
	if err != nil {
		log.Warn().Err(err).
			Int64("user_id", env.Sender.ID).
			Int64("group_id", env.ChatID).
			Int("count", rec.MessageCount).
			Msg("bot: counting message failed")
	}

	if !b.panels.Enabled() || env.Message == nil {
		return
	}
	if _, err := b.panels.AttachPanel(ctx, env.Message); err != nil {
		log.Warn().Err(err).
			Int64("message_id", env.MessageID).
			Msg("bot: attaching panel failed")
	}
}

func (b *Bot) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, b.config.TransportTimeout)
}

// reply sends text into chatID, optionally as a reply. Failures are logged.
func (b *Bot) reply(ctx context.Context, chatID, replyTo int64, text string, markup *telegram.InlineKeyboardMarkup) {
	ctx, cancel := b.withTimeout(ctx)
	defer cancel()

	params := telegram.SendMessageParams{ChatID: chatID, Text: text, ReplyMarkup: markup}
	if replyTo != 0 {
		params.ReplyParameters = &telegram.ReplyParameters{MessageID: replyTo, AllowSendingWithoutReply: true}
	}
	if _, err := b.transport.SendMessage(ctx, params); err != nil {
		log.Warn().Err(err).Int64("chat_id", chatID).Msg("bot: reply failed")
	}
}

// authorized reports whether userID may perform perm: either the roles file
// grants it, or the user administers the moderated group.
func (b *Bot) authorized(ctx context.Context, userID int64, perm moderation.Permission) bool {
	if b.policy != nil && b.policy.HasPermission(userID, perm) {
		return true
	}

	ctx, cancel := b.withTimeout(ctx)
	defer cancel()

	member, err := b.transport.GetChatMember(ctx, b.config.GroupID, userID)
	if err != nil {
		log.Warn().Err(err).Int64("user_id", userID).Msg("bot: admin check failed")
		return false
	}
	return member.IsAdmin()
}
