package bot

import (
	"context"
	"errors"

	"groupwarden/internal/callback"
	"groupwarden/internal/panel"
	"groupwarden/internal/relay"
	"groupwarden/internal/telegram"

	"github.com/rs/zerolog/log"
)

func (b *Bot) handleCallback(ctx context.Context, cb CallbackAction) {
	var notice string

	switch cb.Kind {
	case callback.KindTopic:
		notice = b.onTopic(ctx, cb)
	case callback.KindComplain:
		notice = b.onComplain(ctx, cb)
	case callback.KindHide:
		notice = b.onHide(ctx, cb)
	case callback.KindShare:
		notice = panelNotice(b.panels.Share(ctx, cb.TargetID, cb.Sender.ID))
	case callback.KindContact:
		notice = panelNotice(b.panels.ContactAuthor(ctx, cb.TargetID, cb.Sender.ID))
	default:
		notice = msgUnknownAction
	}

	b.answer(ctx, cb.QueryID, notice)
}

func (b *Bot) answer(ctx context.Context, queryID, text string) {
	if queryID == "" {
		return
	}
	ctx, cancel := b.withTimeout(ctx)
	defer cancel()

	err := b.transport.AnswerCallbackQuery(ctx, telegram.AnswerCallbackQueryParams{
		CallbackQueryID: queryID,
		Text:            text,
	})
	if err != nil {
		log.Debug().Err(err).Msg("bot: answering callback failed")
	}
}

func (b *Bot) onTopic(ctx context.Context, cb CallbackAction) string {
	sel, err := b.relay.SelectTopic(ctx, cb.ChatID, cb.TargetID)
	switch {
	case errors.Is(err, relay.ErrUnknownTopic):
		return msgTopicGone
	case err != nil:
		log.Warn().Err(err).Int64("chat_id", cb.ChatID).Msg("bot: topic selection failed")
		return msgSelectionFailed
	}

	if cb.MessageID != 0 {
		ectx, cancel := b.withTimeout(ctx)
		defer cancel()
		err := b.transport.EditMessageText(ectx, telegram.EditMessageTextParams{
			ChatID:    cb.ChatID,
			MessageID: cb.MessageID,
			Text:      msgTopicSelected(sel.TopicName),
		})
		if err != nil && !telegram.IsNotModified(err) {
			log.Debug().Err(err).Msg("bot: failed to edit topic keyboard")
		}
	}
	return ""
}

func (b *Bot) onComplain(ctx context.Context, cb CallbackAction) string {
	outcome, err := b.panels.RegisterComplaint(ctx, cb.TargetID, cb.Sender.ID)
	switch {
	case errors.Is(err, panel.ErrNotFound):
		return msgUnavailable
	case err != nil:
		return msgDeleteFailed
	}

	switch outcome.Status {
	case panel.AlreadyComplained:
		return msgAlreadyComplained
	case panel.QuorumReached:
		return msgDeletedByQuorum
	default:
		return msgComplaintAccepted(outcome.Count, outcome.Quorum)
	}
}

func (b *Bot) onHide(ctx context.Context, cb CallbackAction) string {
	err := b.panels.HideForMe(ctx, cb.ChatID, cb.MessageID, cb.TargetID)
	if errors.Is(err, panel.ErrPanelIsContent) {
		return msgHideRefused
	}
	if err != nil {
		log.Debug().Err(err).Int64("message_id", cb.MessageID).Msg("bot: hide failed")
		return msgHideFailed
	}
	return msgPanelHidden
}

// panelNotice maps a share or contact result to the notice shown to the requester.
func panelNotice(err error) string {
	switch {
	case err == nil:
		return msgSentPrivately
	case errors.Is(err, panel.ErrPrivateChatUnavailable):
		return msgStartPrivateChat
	case errors.Is(err, panel.ErrNotFound):
		return msgUnavailable
	default:
		log.Warn().Err(err).Msg("bot: panel action failed")
		return msgActionFailed
	}
}
