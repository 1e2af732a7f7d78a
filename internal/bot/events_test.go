package bot

import (
	"testing"

	"groupwarden/internal/callback"
	"groupwarden/internal/telegram"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func groupMessage(userID, messageID int64, text string) *telegram.Message {
	return &telegram.Message{
		MessageID: messageID,
		From:      &telegram.User{ID: userID, FirstName: "Ann"},
		Chat:      telegram.Chat{ID: testGroup, Type: telegram.ChatTypeSupergroup},
		Text:      text,
	}
}

func privateMessage(userID, messageID int64, text string) *telegram.Message {
	return &telegram.Message{
		MessageID: messageID,
		From:      &telegram.User{ID: userID, FirstName: "Ann"},
		Chat:      telegram.Chat{ID: userID, Type: telegram.ChatTypePrivate},
		Text:      text,
	}
}

func TestParse_Text(t *testing.T) {
	msg := groupMessage(7, 100, "hello")
	msg.MessageThreadID = 27
	msg.ReplyToMessage = &telegram.Message{MessageID: 99}

	ev, ok := Parse(telegram.Update{Message: msg}, "wardenbot")
	require.True(t, ok)

	text, ok := ev.(TextMessage)
	require.True(t, ok)
	assert.Equal(t, "hello", text.Text)
	assert.Equal(t, int64(7), text.Sender.ID)
	assert.Equal(t, testGroup, text.ChatID)
	assert.Equal(t, int64(27), text.ThreadID)
	assert.Equal(t, int64(99), text.ReplyToID)
	assert.False(t, text.Edited)
	assert.Same(t, msg, text.Message)
}

func TestParse_Media(t *testing.T) {
	msg := groupMessage(7, 100, "")
	msg.Photo = []telegram.PhotoSize{{FileID: "small"}, {FileID: "large"}}
	msg.Caption = "look"

	ev, ok := Parse(telegram.Update{Message: msg}, "")
	require.True(t, ok)

	media, ok := ev.(MediaMessage)
	require.True(t, ok)
	assert.Equal(t, telegram.MediaPhoto, media.Kind)
	assert.Equal(t, "large", media.FileID)
	assert.Equal(t, "look", media.Caption)
}

func TestParse_Edited(t *testing.T) {
	ev, ok := Parse(telegram.Update{EditedMessage: groupMessage(7, 100, "fixed")}, "")
	require.True(t, ok)
	assert.True(t, ev.Env().Edited)
}

func TestParse_Ignored(t *testing.T) {
	service := groupMessage(7, 100, "")
	channel := &telegram.Message{MessageID: 5, Chat: telegram.Chat{ID: -100, Type: telegram.ChatTypeChannel}, Text: "post"}

	for name, u := range map[string]telegram.Update{
		"empty update":    {},
		"service message": {Message: service},
		"no sender":       {Message: channel},
		"other bot":       {Message: groupMessage(7, 100, "/start@otherbot")},
	} {
		t.Run(name, func(t *testing.T) {
			_, ok := Parse(u, "wardenbot")
			assert.False(t, ok)
		})
	}
}

func TestParseCommand(t *testing.T) {
	tests := []struct {
		text string
		name string
		args []string
		ok   bool
	}{
		{"/start", "start", []string{}, true},
		{"/Reduce 42 2", "reduce", []string{"42", "2"}, true},
		{"/reduce@WardenBot 42", "reduce", []string{"42"}, true},
		{"/reduce@otherbot 42", "", nil, false},
		{"/setup 27:General, 28:Dev Chat", "setup", []string{"27:General,", "28:Dev", "Chat"}, true},
		{"/", "", nil, false},
		{"/@wardenbot", "", nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			name, args, ok := parseCommand(tt.text, "wardenbot")
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.Equal(t, tt.name, name)
				assert.Equal(t, tt.args, args)
			}
		})
	}
}

func TestParse_Command(t *testing.T) {
	ev, ok := Parse(telegram.Update{Message: groupMessage(7, 100, "/moderation off")}, "wardenbot")
	require.True(t, ok)

	cmd, ok := ev.(CommandMessage)
	require.True(t, ok)
	assert.Equal(t, "moderation", cmd.Name)
	assert.Equal(t, []string{"off"}, cmd.Args)
}

func TestParse_Callback(t *testing.T) {
	panelMsg := &telegram.Message{
		MessageID: 501,
		From:      &telegram.User{ID: 1, IsBot: true},
		Chat:      telegram.Chat{ID: testGroup, Type: telegram.ChatTypeSupergroup},
	}
	q := &telegram.CallbackQuery{
		ID:      "q1",
		From:    telegram.User{ID: 9, FirstName: "Bo"},
		Message: panelMsg,
		Data:    callback.Encode(callback.KindComplain, 500),
	}

	ev, ok := Parse(telegram.Update{CallbackQuery: q}, "")
	require.True(t, ok)

	cb, ok := ev.(CallbackAction)
	require.True(t, ok)
	assert.Equal(t, callback.KindComplain, cb.Kind)
	assert.Equal(t, int64(500), cb.TargetID)
	assert.Equal(t, "q1", cb.QueryID)
	assert.Equal(t, int64(9), cb.Sender.ID, "sender is the presser, not the panel author")
	assert.False(t, cb.IsBot)
	assert.Equal(t, int64(501), cb.MessageID)
	assert.Equal(t, testGroup, cb.ChatID)
}

func TestParse_MalformedCallback(t *testing.T) {
	q := &telegram.CallbackQuery{ID: "q1", From: telegram.User{ID: 9}, Data: "complain_500"}

	ev, ok := Parse(telegram.Update{CallbackQuery: q}, "")
	require.True(t, ok)

	cb := ev.(CallbackAction)
	assert.Empty(t, cb.Kind)
	assert.Equal(t, "q1", cb.QueryID)
}
