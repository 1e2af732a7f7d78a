// Package relay forwards private messages into the forum topic each user
// selected.
package relay

import (
	"context"
	"errors"
	"fmt"
	"time"

	"groupwarden/internal/metrics"
	"groupwarden/internal/telegram"

	"github.com/rs/zerolog/log"
)

var (
	ErrUnknownTopic    = errors.New("relay: unknown topic")
	ErrNoTopicSelected = errors.New("relay: no topic selected")
	ErrThreadNotFound  = errors.New("relay: topic thread not found")
	ErrChatNotFound    = errors.New("relay: group not found")
	ErrTransport       = errors.New("relay: transport call failed")
	ErrPersistence     = errors.New("relay: persistence failed")
	ErrEmptyPayload    = errors.New("relay: nothing to relay")
)

// DefaultTransportTimeout bounds each relay call when Config leaves it zero.
const DefaultTransportTimeout = 10 * time.Second

// TopicSelection is the topic a private chat relays into.
type TopicSelection struct {
	ChatID     int64     `json:"chat_id"`
	TopicID    int64     `json:"topic_id"`
	TopicName  string    `json:"topic_name"`
	SelectedAt time.Time `json:"selected_at"`
}

// SelectionStore persists topic selections.
type SelectionStore interface {
	// GetSelection returns nil with no error when the chat has no selection.
	GetSelection(ctx context.Context, chatID int64) (*TopicSelection, error)
	PutSelection(ctx context.Context, sel TopicSelection) error
}

// Transport is the subset of the Bot API the router needs.
type Transport interface {
	SendMessage(ctx context.Context, params telegram.SendMessageParams) (*telegram.Message, error)
	SendMedia(ctx context.Context, params telegram.SendMediaParams) (*telegram.Message, error)
}

// Payload is what gets relayed: text, or a media reference with an optional caption.
type Payload struct {
	Text    string
	Kind    telegram.MediaKind
	FileID  string
	Caption string
}

// PayloadFromMessage extracts a relayable payload from msg.
func PayloadFromMessage(msg *telegram.Message) (Payload, bool) {
	if msg.Text != "" {
		return Payload{Text: msg.Text}, true
	}
	if kind, fileID, ok := msg.Media(); ok {
		return Payload{Kind: kind, FileID: fileID, Caption: msg.Caption}, true
	}
	return Payload{}, false
}

// MessageRef identifies the relayed copy.
type MessageRef struct {
	ChatID    int64
	ThreadID  int64
	MessageID int64
}

// Config configures a Router.
type Config struct {
	GroupID          int64
	TransportTimeout time.Duration
}

// Router maps private chats to topics and republishes their messages.
type Router struct {
	store     SelectionStore
	transport Transport
	registry  *Registry
	config    Config
}

// NewRouter creates a Router.
func NewRouter(store SelectionStore, transport Transport, registry *Registry, config Config) *Router {
	if config.TransportTimeout <= 0 {
		config.TransportTimeout = DefaultTransportTimeout
	}
	return &Router{
		store:     store,
		transport: transport,
		registry:  registry,
		config:    config,
	}
}

// Registry returns the topic registry.
func (r *Router) Registry() *Registry { return r.registry }

// SelectTopic stores chatID's topic choice, replacing any earlier one.
func (r *Router) SelectTopic(ctx context.Context, chatID, topicID int64) (TopicSelection, error) {
	topic, ok := r.registry.Lookup(topicID)
	if !ok {
		return TopicSelection{}, fmt.Errorf("%w: %d", ErrUnknownTopic, topicID)
	}

	sel := TopicSelection{
		ChatID:     chatID,
		TopicID:    topic.ID,
		TopicName:  topic.Name,
		SelectedAt: time.Now().UTC(),
	}
	if err := r.store.PutSelection(ctx, sel); err != nil {
		return TopicSelection{}, fmt.Errorf("%w: save selection: %w", ErrPersistence, err)
	}

	log.Info().
		Int64("chat_id", chatID).
		Int64("topic_id", topic.ID).
		Str("topic", topic.Name).
		Msg("relay: topic selected")

	return sel, nil
}

// Selection returns chatID's current selection, if any.
func (r *Router) Selection(ctx context.Context, chatID int64) (*TopicSelection, error) {
	sel, err := r.store.GetSelection(ctx, chatID)
	if err != nil {
		return nil, fmt.Errorf("%w: load selection: %w", ErrPersistence, err)
	}
	return sel, nil
}

// Relay republishes payload into chatID's selected topic.
func (r *Router) Relay(ctx context.Context, chatID int64, payload Payload) (MessageRef, error) {
	if payload.Text == "" && payload.FileID == "" {
		return MessageRef{}, ErrEmptyPayload
	}

	sel, err := r.Selection(ctx, chatID)
	if err != nil {
		return MessageRef{}, err
	}
	if sel == nil {
		metrics.RelaysTotal.WithLabelValues("no_topic").Inc()
		return MessageRef{}, ErrNoTopicSelected
	}

	sent, err := r.send(ctx, sel.TopicID, payload)
	if err != nil {
		mapped := classify(err)
		metrics.RelaysTotal.WithLabelValues(outcomeLabel(mapped)).Inc()
		log.Warn().Err(err).
			Int64("chat_id", chatID).
			Int64("topic_id", sel.TopicID).
			Msg("relay: send failed")
		return MessageRef{}, mapped
	}

	metrics.RelaysTotal.WithLabelValues("ok").Inc()
	return MessageRef{ChatID: r.config.GroupID, ThreadID: sel.TopicID, MessageID: sent.MessageID}, nil
}

func (r *Router) send(ctx context.Context, threadID int64, payload Payload) (*telegram.Message, error) {
	ctx, cancel := context.WithTimeout(ctx, r.config.TransportTimeout)
	defer cancel()

	if payload.FileID == "" {
		return r.transport.SendMessage(ctx, telegram.SendMessageParams{
			ChatID:          r.config.GroupID,
			MessageThreadID: threadID,
			Text:            payload.Text,
		})
	}
	return r.transport.SendMedia(ctx, telegram.SendMediaParams{
		ChatID:          r.config.GroupID,
		MessageThreadID: threadID,
		Kind:            payload.Kind,
		FileID:          payload.FileID,
		Caption:         payload.Caption,
	})
}

func classify(err error) error {
	switch {
	case telegram.IsThreadNotFound(err):
		return fmt.Errorf("%w: %w", ErrThreadNotFound, err)
	case telegram.IsChatNotFound(err):
		return fmt.Errorf("%w: %w", ErrChatNotFound, err)
	default:
		return fmt.Errorf("%w: %w", ErrTransport, err)
	}
}

func outcomeLabel(err error) string {
	switch {
	case errors.Is(err, ErrThreadNotFound):
		return "thread_not_found"
	case errors.Is(err, ErrChatNotFound):
		return "chat_not_found"
	default:
		return "failed"
	}
}
