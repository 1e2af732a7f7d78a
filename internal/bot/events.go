package bot

import (
	"strings"

	"groupwarden/internal/callback"
	"groupwarden/internal/telegram"
)

// Envelope carries what every inbound event shares.
type Envelope struct {
	ChatID    int64
	ChatType  string
	Sender    telegram.User
	MessageID int64
	ThreadID  int64
	// ReplyToID is the message this one answers, or zero.
	ReplyToID int64
	IsBot     bool
	Edited    bool

	// Message is the raw message, nil for callbacks without one.
	Message *telegram.Message
}

// IsPrivate reports whether the event came from a one-to-one chat.
func (e Envelope) IsPrivate() bool { return e.ChatType == telegram.ChatTypePrivate }

// Event is one of TextMessage, MediaMessage, CommandMessage or CallbackAction.
type Event interface {
	Env() Envelope
	kind() string
}

// TextMessage is a plain text message.
type TextMessage struct {
	Envelope
	Text string
}

// MediaMessage is a photo, document, video, voice note or sticker.
type MediaMessage struct {
	Envelope
	Kind    telegram.MediaKind
	FileID  string
	Caption string
}

// CommandMessage is a "/name args..." message addressed to this bot.
type CommandMessage struct {
	Envelope
	Name string
	Args []string
}

// CallbackAction is an inline keyboard press. Kind is empty when the
// callback data could not be decoded.
type CallbackAction struct {
	Envelope
	QueryID  string
	Kind     callback.Kind
	TargetID int64
}

func (e TextMessage) Env() Envelope    { return e.Envelope }
func (e MediaMessage) Env() Envelope   { return e.Envelope }
func (e CommandMessage) Env() Envelope { return e.Envelope }
func (e CallbackAction) Env() Envelope { return e.Envelope }

func (TextMessage) kind() string    { return "text" }
func (MediaMessage) kind() string   { return "media" }
func (CommandMessage) kind() string { return "command" }
func (CallbackAction) kind() string { return "callback" }

// Parse converts an update into an event. It returns false for updates the
// bot has no use for: service messages, channel posts, and commands aimed at
// another bot. botUsername is used to accept "/cmd@botUsername".
func Parse(u telegram.Update, botUsername string) (Event, bool) {
	switch {
	case u.CallbackQuery != nil:
		return parseCallback(u.CallbackQuery)
	case u.Message != nil:
		return parseMessage(u.Message, false, botUsername)
	case u.EditedMessage != nil:
		return parseMessage(u.EditedMessage, true, botUsername)
	}
	return nil, false
}

func envelope(msg *telegram.Message, edited bool) Envelope {
	env := Envelope{
		ChatID:    msg.Chat.ID,
		ChatType:  msg.Chat.Type,
		MessageID: msg.MessageID,
		ThreadID:  msg.MessageThreadID,
		Edited:    edited,
		Message:   msg,
	}
	if msg.From != nil {
		env.Sender = *msg.From
		env.IsBot = msg.From.IsBot
	}
	if msg.ReplyToMessage != nil {
		env.ReplyToID = msg.ReplyToMessage.MessageID
	}
	return env
}

func parseMessage(msg *telegram.Message, edited bool, botUsername string) (Event, bool) {
	if msg.From == nil {
		return nil, false
	}
	env := envelope(msg, edited)

	if strings.HasPrefix(msg.Text, "/") {
		name, args, ok := parseCommand(msg.Text, botUsername)
		if !ok {
			return nil, false
		}
		return CommandMessage{Envelope: env, Name: name, Args: args}, true
	}

	if msg.Text != "" {
		return TextMessage{Envelope: env, Text: msg.Text}, true
	}
	if kind, fileID, ok := msg.Media(); ok {
		return MediaMessage{Envelope: env, Kind: kind, FileID: fileID, Caption: msg.Caption}, true
	}
	return nil, false
}

// parseCommand splits "/name@bot a b" into ("name", ["a", "b"]). A command
// explicitly addressed to a different bot is rejected.
func parseCommand(text, botUsername string) (string, []string, bool) {
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return "", nil, false
	}

	name := strings.TrimPrefix(fields[0], "/")
	if n, target, found := strings.Cut(name, "@"); found {
		if botUsername != "" && !strings.EqualFold(target, botUsername) {
			return "", nil, false
		}
		name = n
	}
	if name == "" {
		return "", nil, false
	}
	return strings.ToLower(name), fields[1:], true
}

func parseCallback(q *telegram.CallbackQuery) (Event, bool) {
	ev := CallbackAction{
		Envelope: Envelope{Sender: q.From, IsBot: q.From.IsBot},
		QueryID:  q.ID,
	}
	if q.Message != nil {
		ev.Envelope = envelope(q.Message, false)
		ev.Sender = q.From
		ev.IsBot = q.From.IsBot
	}

	if data, err := callback.Decode(q.Data); err == nil {
		ev.Kind = data.Kind
		ev.TargetID = data.Target
	}
	return ev, true
}
