package bot

import (
	"context"
	"errors"
	"strconv"
	"strings"

	"groupwarden/internal/callback"
	"groupwarden/internal/moderation"
	"groupwarden/internal/relay"
	"groupwarden/internal/telegram"

	"github.com/rs/zerolog/log"
)

func (b *Bot) handleCommand(ctx context.Context, cmd CommandMessage) {
	switch cmd.Name {
	case "start":
		b.cmdStart(ctx, cmd)
	case "setup":
		b.cmdSetup(ctx, cmd)
	case "id":
		b.reply(ctx, cmd.ChatID, 0, msgChatID(cmd.ChatID), nil)
	case "reduce":
		b.cmdReduce(ctx, cmd)
	case "moderation":
		b.cmdModeration(ctx, cmd)
	default:
		log.Debug().Str("command", cmd.Name).Int64("chat_id", cmd.ChatID).Msg("bot: unknown command")
	}
}

// topicKeyboard has one button per registered topic.
func topicKeyboard(topics []relay.Topic) *telegram.InlineKeyboardMarkup {
	rows := make([][]telegram.InlineKeyboardButton, 0, len(topics))
	for _, t := range topics {
		rows = append(rows, []telegram.InlineKeyboardButton{{
			Text:         t.Name,
			CallbackData: callback.Encode(callback.KindTopic, t.ID),
		}})
	}
	return &telegram.InlineKeyboardMarkup{InlineKeyboard: rows}
}

func (b *Bot) cmdStart(ctx context.Context, cmd CommandMessage) {
	topics := b.relay.Registry().Topics()
	if len(topics) == 0 {
		b.reply(ctx, cmd.ChatID, 0, msgNoTopics, nil)
		return
	}
	b.reply(ctx, cmd.ChatID, 0, msgChooseTopic, topicKeyboard(topics))
}

// cmdSetup extends the topic registry: /setup 27:General,28:Dev
func (b *Bot) cmdSetup(ctx context.Context, cmd CommandMessage) {
	if !b.authorized(ctx, cmd.Sender.ID, moderation.PermissionConfigureTopics) {
		b.reply(ctx, cmd.ChatID, cmd.MessageID, msgAdminsOnly, nil)
		return
	}

	topics, err := relay.ParseTopics(strings.Join(cmd.Args, " "))
	if err != nil || len(topics) == 0 {
		b.reply(ctx, cmd.ChatID, cmd.MessageID, msgSetupUsage, nil)
		return
	}

	n := b.relay.Registry().Merge(topics)
	log.Info().Int64("user_id", cmd.Sender.ID).Int("topics", n).Msg("bot: topics configured")
	b.reply(ctx, cmd.ChatID, cmd.MessageID, msgTopicsConfigured(b.relay.Registry().Topics()), nil)
}

// parseReduceArgs reads "<userId> [n]". n defaults to 1 and must be positive.
func parseReduceArgs(args []string) (userID int64, n int, ok bool) {
	if len(args) < 1 || len(args) > 2 {
		return 0, 0, false
	}
	userID, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil || userID <= 0 {
		return 0, 0, false
	}
	n = 1
	if len(args) == 2 {
		n, err = strconv.Atoi(args[1])
		if err != nil || n <= 0 {
			return 0, 0, false
		}
	}
	return userID, n, true
}

// cmdReduce lowers a user's count by n. On success the command message is
// removed and nothing is posted; failures are answered in the group.
func (b *Bot) cmdReduce(ctx context.Context, cmd CommandMessage) {
	if cmd.ChatID != b.config.GroupID {
		b.reply(ctx, cmd.ChatID, cmd.MessageID, msgGroupOnly, nil)
		return
	}
	if !b.authorized(ctx, cmd.Sender.ID, moderation.PermissionAdjustCount) {
		b.reply(ctx, cmd.ChatID, cmd.MessageID, msgAdminsOnly, nil)
		return
	}

	target, n, ok := parseReduceArgs(cmd.Args)
	if !ok {
		b.reply(ctx, cmd.ChatID, cmd.MessageID, msgReduceUsage, nil)
		return
	}

	rec, err := b.engine.ApplyManualAdjustment(ctx, target, cmd.ChatID, -n)
	if err != nil {
		log.Warn().Err(err).
			Int64("user_id", target).
			Int64("admin_id", cmd.Sender.ID).
			Msg("bot: manual adjustment failed")
		b.reply(ctx, cmd.ChatID, cmd.MessageID, msgReduceFailed(target, reduceFailureReason(err)), nil)
		return
	}

	log.Info().
		Int64("user_id", target).
		Int64("admin_id", cmd.Sender.ID).
		Int("count", rec.MessageCount).
		Bool("restricted", rec.IsRestricted).
		Msg("bot: manual adjustment applied")

	dctx, cancel := b.withTimeout(ctx)
	defer cancel()
	if err := b.transport.DeleteMessage(dctx, cmd.ChatID, cmd.MessageID); err != nil && !telegram.IsMessageGone(err) {
		log.Debug().Err(err).Int64("message_id", cmd.MessageID).Msg("bot: failed to delete command message")
	}
}

func reduceFailureReason(err error) string {
	switch {
	case errors.Is(err, moderation.ErrNotFound):
		return "no record for this user"
	case errors.Is(err, moderation.ErrTransport):
		return "count lowered but the restriction could not be lifted"
	case errors.Is(err, moderation.ErrPersistence):
		return "storage error, try again"
	default:
		return "unexpected error"
	}
}

func (b *Bot) cmdModeration(ctx context.Context, cmd CommandMessage) {
	if cmd.ChatID != b.config.GroupID {
		b.reply(ctx, cmd.ChatID, cmd.MessageID, msgGroupOnly, nil)
		return
	}
	if !b.authorized(ctx, cmd.Sender.ID, moderation.PermissionTogglePanel) {
		b.reply(ctx, cmd.ChatID, cmd.MessageID, msgAdminsOnly, nil)
		return
	}
	if len(cmd.Args) != 1 {
		b.reply(ctx, cmd.ChatID, cmd.MessageID, msgModerationUsage, nil)
		return
	}

	switch strings.ToLower(cmd.Args[0]) {
	case "on":
		b.panels.SetEnabled(true)
		b.reply(ctx, cmd.ChatID, 0, msgPanelOn, nil)
	case "off":
		b.panels.SetEnabled(false)
		b.reply(ctx, cmd.ChatID, 0, msgPanelOff, nil)
	default:
		b.reply(ctx, cmd.ChatID, cmd.MessageID, msgModerationUsage, nil)
	}
}

// handleRelay forwards a private message into the selected topic.
func (b *Bot) handleRelay(ctx context.Context, env Envelope, payload relay.Payload) {
	_, err := b.relay.Relay(ctx, env.ChatID, payload)
	switch {
	case err == nil:
		b.reply(ctx, env.ChatID, env.MessageID, msgRelayed, nil)
	case errors.Is(err, relay.ErrNoTopicSelected):
		b.reply(ctx, env.ChatID, 0, msgUseStart, nil)
	case errors.Is(err, relay.ErrThreadNotFound):
		b.reply(ctx, env.ChatID, 0, msgThreadNotFound, nil)
	case errors.Is(err, relay.ErrChatNotFound):
		b.reply(ctx, env.ChatID, 0, msgChatNotFound, nil)
	default:
		log.Warn().Err(err).Int64("chat_id", env.ChatID).Msg("bot: relay failed")
		b.reply(ctx, env.ChatID, 0, msgRelayFailed, nil)
	}
}
