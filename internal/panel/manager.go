// Package panel attaches the action panel (complain, hide, share, contact)
// to messages in the moderated group and runs the complaint quorum.
package panel

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"groupwarden/internal/metrics"
	"groupwarden/internal/telegram"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog/log"
)

// Mode selects how the panel is presented.
type Mode string

const (
	// ModeReply sends an invisible reply carrying the keyboard.
	ModeReply Mode = "reply"
	// ModeRepost copies the message under the bot's identity with the
	// keyboard attached and deletes the original.
	ModeRepost Mode = "repost"
)

// ParseMode validates a mode name.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(s)) {
	case ModeReply, "":
		return ModeReply, nil
	case ModeRepost:
		return ModeRepost, nil
	}
	return "", fmt.Errorf("panel: unknown mode %q", s)
}

// Defaults used when Config leaves a field zero.
const (
	DefaultQuorum           = 5
	DefaultCacheSize        = 10000
	DefaultTransportTimeout = 10 * time.Second
)

// Transport is the subset of the Bot API the panel needs.
type Transport interface {
	SendMessage(ctx context.Context, params telegram.SendMessageParams) (*telegram.Message, error)
	CopyMessage(ctx context.Context, params telegram.CopyMessageParams) (int64, error)
	EditMessageReplyMarkup(ctx context.Context, chatID, messageID int64, markup *telegram.InlineKeyboardMarkup) error
	DeleteMessage(ctx context.Context, chatID, messageID int64) error
}

// Config configures a Manager.
type Config struct {
	GroupID          int64
	Mode             Mode
	Quorum           int
	CacheSize        int
	TransportTimeout time.Duration
}

// Author identifies who wrote a cached message.
type Author struct {
	UserID    int64
	FirstName string
	LastName  string
	Username  string
}

// DisplayName renders the author as shown in reposts.
func (a Author) DisplayName() string {
	name := strings.TrimSpace(a.FirstName + " " + a.LastName)
	if name == "" {
		name = "User"
	}
	if a.Username != "" {
		name += " (@" + a.Username + ")"
	}
	return name
}

// CachedMessage is what the panel remembers about a message it decorated.
type CachedMessage struct {
	// MessageID is the visible message the panel acts on.
	MessageID int64
	// PanelMessageID carries the keyboard. Equal to MessageID in repost mode.
	PanelMessageID int64
	// OriginalMessageID is the deleted source message in repost mode.
	OriginalMessageID int64
	Author            Author
	Snapshot          string
	CreatedAt         time.Time
}

// ComplaintStatus is the result kind of RegisterComplaint.
type ComplaintStatus int

const (
	Accepted ComplaintStatus = iota + 1
	AlreadyComplained
	QuorumReached
)

func (s ComplaintStatus) String() string {
	switch s {
	case Accepted:
		return "accepted"
	case AlreadyComplained:
		return "duplicate"
	case QuorumReached:
		return "quorum"
	}
	return "unknown"
}

// ComplaintOutcome reports the complaint count after registration.
type ComplaintOutcome struct {
	Status ComplaintStatus
	Count  int
	Quorum int
}

type entry struct {
	mu           sync.Mutex
	msg          CachedMessage
	complainants map[int64]struct{}

	// purged is set once the entry leaves the cache for any reason.
	purged atomic.Bool
}

// Manager owns the panel cache and the complaint sets. Entries are bounded
// by an LRU capacity and by SweepExpired; eviction drops the complaint set
// with the entry.
type Manager struct {
	transport Transport
	config    Config
	cache     *lru.Cache[int64, *entry]
	enabled   atomic.Bool
	now       func() time.Time
}

// NewManager creates a Manager with panels enabled.
func NewManager(transport Transport, config Config) (*Manager, error) {
	if config.Mode == "" {
		config.Mode = ModeReply
	}
	if config.Quorum <= 0 {
		config.Quorum = DefaultQuorum
	}
	if config.CacheSize <= 0 {
		config.CacheSize = DefaultCacheSize
	}
	if config.TransportTimeout <= 0 {
		config.TransportTimeout = DefaultTransportTimeout
	}

	m := &Manager{
		transport: transport,
		config:    config,
		now:       time.Now,
	}

	cache, err := lru.NewWithEvict(config.CacheSize, func(_ int64, e *entry) {
		if !e.purged.Swap(true) {
			metrics.PanelEvictionsTotal.WithLabelValues("capacity").Inc()
		}
	})
	if err != nil {
		return nil, fmt.Errorf("panel: create cache: %w", err)
	}
	m.cache = cache
	m.enabled.Store(true)

	return m, nil
}

// Enabled reports whether new messages get a panel.
func (m *Manager) Enabled() bool { return m.enabled.Load() }

// SetEnabled switches panel attachment on or off. Existing panels keep working.
func (m *Manager) SetEnabled(enabled bool) {
	m.enabled.Store(enabled)
	log.Info().Bool("enabled", enabled).Msg("panel: attachment toggled")
}

// Len returns the number of cached messages.
func (m *Manager) Len() int { return m.cache.Len() }

// Quorum returns the configured complaint quorum.
func (m *Manager) Quorum() int { return m.config.Quorum }

// Lookup returns the cached message, if present.
func (m *Manager) Lookup(messageID int64) (CachedMessage, bool) {
	e, ok := m.cache.Peek(messageID)
	if !ok || e.purged.Load() {
		return CachedMessage{}, false
	}
	return e.msg, true
}

func (m *Manager) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, m.config.TransportTimeout)
}

// AttachPanel decorates msg with the action panel and caches it. It returns
// the id of the message carrying the keyboard.
func (m *Manager) AttachPanel(ctx context.Context, msg *telegram.Message) (int64, error) {
	if !m.Enabled() {
		return 0, ErrDisabled
	}
	if msg == nil || msg.From == nil {
		return 0, fmt.Errorf("panel: message without sender")
	}

	cached := CachedMessage{
		Author: Author{
			UserID:    msg.From.ID,
			FirstName: msg.From.FirstName,
			LastName:  msg.From.LastName,
			Username:  msg.From.Username,
		},
		Snapshot:  snapshot(msg),
		CreatedAt: m.now(),
	}

	var err error
	switch m.config.Mode {
	case ModeRepost:
		err = m.repost(ctx, msg, &cached)
	default:
		err = m.reply(ctx, msg, &cached)
	}
	if err != nil {
		metrics.PanelsAttachedTotal.WithLabelValues("failed").Inc()
		return 0, err
	}

	m.cache.Add(cached.MessageID, &entry{
		msg:          cached,
		complainants: make(map[int64]struct{}),
	})
	metrics.PanelsAttachedTotal.WithLabelValues(string(m.config.Mode)).Inc()

	log.Debug().
		Int64("message_id", cached.MessageID).
		Int64("panel_message_id", cached.PanelMessageID).
		Int64("user_id", cached.Author.UserID).
		Str("mode", string(m.config.Mode)).
		Msg("panel: attached")

	return cached.PanelMessageID, nil
}

func (m *Manager) reply(ctx context.Context, msg *telegram.Message, cached *CachedMessage) error {
	ctx, cancel := m.withTimeout(ctx)
	defer cancel()

	sent, err := m.transport.SendMessage(ctx, telegram.SendMessageParams{
		ChatID:              m.config.GroupID,
		MessageThreadID:     msg.MessageThreadID,
		Text:                invisibleText,
		ReplyParameters:     &telegram.ReplyParameters{MessageID: msg.MessageID},
		ReplyMarkup:         keyboard(msg.MessageID, 0, m.config.Quorum),
		DisableNotification: true,
	})
	if err != nil {
		return fmt.Errorf("%w: send panel: %w", ErrTransport, err)
	}

	cached.MessageID = msg.MessageID
	cached.PanelMessageID = sent.MessageID
	return nil
}

// repost re-publishes msg under the bot identity. The keyboard is added in a
// second call because its callbacks must carry the new message id.
func (m *Manager) repost(ctx context.Context, msg *telegram.Message, cached *CachedMessage) error {
	ctx, cancel := m.withTimeout(ctx)
	defer cancel()

	framing := cached.Author.DisplayName() + ":"

	var newID int64
	if msg.Text != "" {
		sent, err := m.transport.SendMessage(ctx, telegram.SendMessageParams{
			ChatID:          m.config.GroupID,
			MessageThreadID: msg.MessageThreadID,
			Text:            framing + "\n" + msg.Text,
		})
		if err != nil {
			return fmt.Errorf("%w: repost text: %w", ErrTransport, err)
		}
		newID = sent.MessageID
	} else {
		caption := framing
		if msg.Caption != "" {
			caption += "\n" + msg.Caption
		}
		id, err := m.transport.CopyMessage(ctx, telegram.CopyMessageParams{
			ChatID:          m.config.GroupID,
			FromChatID:      msg.Chat.ID,
			MessageID:       msg.MessageID,
			MessageThreadID: msg.MessageThreadID,
			Caption:         caption,
		})
		if err != nil {
			return fmt.Errorf("%w: repost media: %w", ErrTransport, err)
		}
		newID = id
	}

	if err := m.transport.EditMessageReplyMarkup(ctx, m.config.GroupID, newID, keyboard(newID, 0, m.config.Quorum)); err != nil {
		if delErr := m.transport.DeleteMessage(ctx, m.config.GroupID, newID); delErr != nil {
			log.Warn().Err(delErr).Int64("message_id", newID).Msg("panel: failed to remove repost without keyboard")
		}
		return fmt.Errorf("%w: attach keyboard: %w", ErrTransport, err)
	}

	if err := m.transport.DeleteMessage(ctx, m.config.GroupID, msg.MessageID); err != nil {
		log.Warn().Err(err).Int64("message_id", msg.MessageID).Msg("panel: failed to delete reposted original")
	}

	cached.MessageID = newID
	cached.PanelMessageID = newID
	cached.OriginalMessageID = msg.MessageID
	return nil
}

// RegisterComplaint records userID's complaint against messageID. Repeat
// complaints from the same user never increment the count. Reaching the
// quorum deletes the message and purges its state; if that deletion fails
// the complaint stays recorded and ErrTransport is returned.
func (m *Manager) RegisterComplaint(ctx context.Context, messageID, userID int64) (ComplaintOutcome, error) {
	e, ok := m.cache.Get(messageID)
	if !ok {
		return ComplaintOutcome{}, ErrNotFound
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.purged.Load() {
		return ComplaintOutcome{}, ErrNotFound
	}

	if _, dup := e.complainants[userID]; dup {
		metrics.ComplaintsTotal.WithLabelValues(AlreadyComplained.String()).Inc()
		return ComplaintOutcome{Status: AlreadyComplained, Count: len(e.complainants), Quorum: m.config.Quorum}, nil
	}

	e.complainants[userID] = struct{}{}
	count := len(e.complainants)
	outcome := ComplaintOutcome{Status: Accepted, Count: count, Quorum: m.config.Quorum}

	if count < m.config.Quorum {
		metrics.ComplaintsTotal.WithLabelValues(Accepted.String()).Inc()
		m.updateCounter(ctx, e.msg, count)
		return outcome, nil
	}

	if err := m.deleteTarget(ctx, e.msg); err != nil {
		metrics.ComplaintsTotal.WithLabelValues("delete_failed").Inc()
		log.Warn().Err(err).
			Int64("message_id", messageID).
			Int("complaints", count).
			Msg("panel: quorum reached but deletion failed")
		return outcome, fmt.Errorf("%w: delete message %d: %w", ErrTransport, messageID, err)
	}

	e.purged.Store(true)
	m.cache.Remove(messageID)

	metrics.ComplaintsTotal.WithLabelValues(QuorumReached.String()).Inc()
	metrics.QuorumDeletionsTotal.Inc()
	metrics.PanelEvictionsTotal.WithLabelValues("quorum").Inc()

	log.Info().
		Int64("message_id", messageID).
		Int64("author_id", e.msg.Author.UserID).
		Int("complaints", count).
		Msg("panel: message deleted by complaint quorum")

	outcome.Status = QuorumReached
	return outcome, nil
}

// updateCounter shows the complaint count on the panel. Failures are logged only.
func (m *Manager) updateCounter(ctx context.Context, msg CachedMessage, count int) {
	ctx, cancel := m.withTimeout(ctx)
	defer cancel()

	err := m.transport.EditMessageReplyMarkup(ctx, m.config.GroupID, msg.PanelMessageID, keyboard(msg.MessageID, count, m.config.Quorum))
	if err != nil && !telegram.IsNotModified(err) {
		log.Debug().Err(err).Int64("message_id", msg.MessageID).Msg("panel: failed to update complaint counter")
	}
}

func (m *Manager) deleteTarget(ctx context.Context, msg CachedMessage) error {
	ctx, cancel := m.withTimeout(ctx)
	defer cancel()

	if err := m.transport.DeleteMessage(ctx, m.config.GroupID, msg.MessageID); err != nil && !telegram.IsMessageGone(err) {
		return err
	}
	if msg.PanelMessageID != msg.MessageID {
		if err := m.transport.DeleteMessage(ctx, m.config.GroupID, msg.PanelMessageID); err != nil && !telegram.IsMessageGone(err) {
			log.Debug().Err(err).Int64("message_id", msg.PanelMessageID).Msg("panel: failed to delete panel message")
		}
	}
	return nil
}

// HideForMe deletes the panel message the button was pressed on. targetID is
// the message the panel moderates. A reposted message carries its own panel,
// so hiding it is refused: only the complaint quorum may delete content.
func (m *Manager) HideForMe(ctx context.Context, chatID, panelMessageID, targetID int64) error {
	if panelMessageID == targetID {
		return ErrPanelIsContent
	}

	dctx, cancel := m.withTimeout(ctx)
	defer cancel()

	if err := m.transport.DeleteMessage(dctx, chatID, panelMessageID); err != nil && !telegram.IsMessageGone(err) {
		return fmt.Errorf("%w: hide panel: %w", ErrTransport, err)
	}

	// Without its panel the entry can no longer receive complaints.
	if e, ok := m.cache.Peek(targetID); ok && e.msg.PanelMessageID == panelMessageID {
		if !e.purged.Swap(true) {
			metrics.PanelEvictionsTotal.WithLabelValues("hidden").Inc()
		}
		m.cache.Remove(targetID)
	}
	return nil
}

// Share sends requesterID a link to the message in a private chat.
func (m *Manager) Share(ctx context.Context, messageID, requesterID int64) error {
	if _, ok := m.Lookup(messageID); !ok {
		return ErrNotFound
	}

	link := MessageLink(m.config.GroupID, messageID)
	return m.sendPrivate(ctx, requesterID, "Link to the message:\n"+link, urlButton(labelForward, forwardURL(link)))
}

// ContactAuthor sends requesterID a link that opens a chat with the author.
func (m *Manager) ContactAuthor(ctx context.Context, messageID, requesterID int64) error {
	cached, ok := m.Lookup(messageID)
	if !ok {
		return ErrNotFound
	}

	text := "Write to " + cached.Author.DisplayName() + ":"
	return m.sendPrivate(ctx, requesterID, text, urlButton(labelOpenChat, AuthorLink(cached.Author)))
}

func (m *Manager) sendPrivate(ctx context.Context, userID int64, text string, markup *telegram.InlineKeyboardMarkup) error {
	ctx, cancel := m.withTimeout(ctx)
	defer cancel()

	_, err := m.transport.SendMessage(ctx, telegram.SendMessageParams{
		ChatID:      userID,
		Text:        text,
		ReplyMarkup: markup,
	})
	switch {
	case err == nil:
		return nil
	case telegram.IsForbidden(err), telegram.IsChatNotFound(err):
		return ErrPrivateChatUnavailable
	default:
		return fmt.Errorf("%w: private message: %w", ErrTransport, err)
	}
}

// SweepExpired evicts entries older than maxAge together with their
// complaint sets and returns how many were evicted.
func (m *Manager) SweepExpired(maxAge time.Duration) int {
	cutoff := m.now().Add(-maxAge)
	evicted := 0

	for _, id := range m.cache.Keys() {
		e, ok := m.cache.Peek(id)
		if !ok || !e.msg.CreatedAt.Before(cutoff) {
			continue
		}

		e.mu.Lock()
		alreadyPurged := e.purged.Swap(true)
		e.mu.Unlock()
		if alreadyPurged {
			continue
		}

		m.cache.Remove(id)
		evicted++
	}

	if evicted > 0 {
		metrics.PanelEvictionsTotal.WithLabelValues("expired").Add(float64(evicted))
		log.Debug().Int("evicted", evicted).Int("remaining", m.cache.Len()).Msg("panel: swept expired entries")
	}
	return evicted
}

// snapshot is the content label kept for a cached message.
func snapshot(msg *telegram.Message) string {
	if msg.Text != "" {
		return msg.Text
	}
	if kind, _, ok := msg.Media(); ok {
		label := "[" + string(kind) + "]"
		if msg.Caption != "" {
			label += " " + msg.Caption
		}
		return label
	}
	return "[message]"
}

// IsUserFacing reports whether err should be shown to the requester as an
// "unavailable" notice rather than a generic failure.
func IsUserFacing(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, ErrPrivateChatUnavailable)
}
