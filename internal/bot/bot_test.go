package bot

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"

	"groupwarden/internal/callback"
	"groupwarden/internal/database/boltstore"
	"groupwarden/internal/moderation"
	"groupwarden/internal/panel"
	"groupwarden/internal/relay"
	"groupwarden/internal/telegram"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testGroup int64 = -1001234567890
	adminID   int64 = 1
)

type restrictCall struct {
	userID  int64
	allowed bool
}

// fakeAPI stands in for the Bot API for every component the bot wires.
type fakeAPI struct {
	mu        sync.Mutex
	nextID    int64
	sent      []telegram.SendMessageParams
	media     []telegram.SendMediaParams
	edits     []telegram.EditMessageTextParams
	deleted   []int64
	answers   []string
	restricts []restrictCall
	admins    map[int64]bool

	sendErr func(params telegram.SendMessageParams) error
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{nextID: 5000, admins: map[int64]bool{adminID: true}}
}

func (f *fakeAPI) SendMessage(_ context.Context, params telegram.SendMessageParams) (*telegram.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		if err := f.sendErr(params); err != nil {
			return nil, err
		}
	}
	f.sent = append(f.sent, params)
	f.nextID++
	return &telegram.Message{MessageID: f.nextID, Chat: telegram.Chat{ID: params.ChatID}}, nil
}

func (f *fakeAPI) SendMedia(_ context.Context, params telegram.SendMediaParams) (*telegram.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.media = append(f.media, params)
	f.nextID++
	return &telegram.Message{MessageID: f.nextID}, nil
}

func (f *fakeAPI) CopyMessage(_ context.Context, _ telegram.CopyMessageParams) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	return f.nextID, nil
}

func (f *fakeAPI) EditMessageText(_ context.Context, params telegram.EditMessageTextParams) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.edits = append(f.edits, params)
	return nil
}

func (f *fakeAPI) EditMessageReplyMarkup(context.Context, int64, int64, *telegram.InlineKeyboardMarkup) error {
	return nil
}

func (f *fakeAPI) DeleteMessage(_ context.Context, _ int64, messageID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, messageID)
	return nil
}

func (f *fakeAPI) AnswerCallbackQuery(_ context.Context, params telegram.AnswerCallbackQueryParams) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.answers = append(f.answers, params.Text)
	return nil
}

func (f *fakeAPI) GetChatMember(_ context.Context, _ int64, userID int64) (*telegram.ChatMember, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	status := telegram.MemberMember
	if f.admins[userID] {
		status = telegram.MemberAdministrator
	}
	return &telegram.ChatMember{Status: status, User: telegram.User{ID: userID}}, nil
}

func (f *fakeAPI) RestrictChatMember(_ context.Context, _ int64, userID int64, perms telegram.ChatPermissions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.restricts = append(f.restricts, restrictCall{userID: userID, allowed: perms.CanSendMessages})
	return nil
}

func (f *fakeAPI) lastSent() telegram.SendMessageParams {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sent) == 0 {
		return telegram.SendMessageParams{}
	}
	return f.sent[len(f.sent)-1]
}

func (f *fakeAPI) lastAnswer() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.answers) == 0 {
		return ""
	}
	return f.answers[len(f.answers)-1]
}

type harness struct {
	api    *fakeAPI
	bot    *Bot
	store  *boltstore.Store
	engine *moderation.Engine
	panels *panel.Manager
	router *relay.Router
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	store, err := boltstore.Open(boltstore.Options{Path: filepath.Join(t.TempDir(), "bot.db")})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	api := newFakeAPI()
	engine := moderation.NewEngine(store.Records(), api, moderation.EngineConfig{GroupID: testGroup})
	panels, err := panel.NewManager(api, panel.Config{GroupID: testGroup})
	require.NoError(t, err)
	router := relay.NewRouter(store.Selections(), api, relay.NewRegistry(map[int64]string{27: "General"}), relay.Config{GroupID: testGroup})
	policy, err := moderation.NewPolicy("")
	require.NoError(t, err)

	return &harness{
		api:    api,
		bot:    New(api, engine, panels, router, policy, Config{GroupID: testGroup}),
		store:  store,
		engine: engine,
		panels: panels,
		router: router,
	}
}

func (h *harness) deliver(t *testing.T, u telegram.Update) {
	t.Helper()
	ev, ok := Parse(u, "wardenbot")
	require.True(t, ok)
	h.bot.Handle(context.Background(), ev)
}

func (h *harness) record(t *testing.T, userID int64) *moderation.UserRecord {
	t.Helper()
	rec, err := h.store.Records().Get(context.Background(), userID, testGroup)
	require.NoError(t, err)
	return rec
}

func pressButton(userID int64, chat telegram.Chat, messageID int64, kind callback.Kind, target int64) telegram.Update {
	return telegram.Update{CallbackQuery: &telegram.CallbackQuery{
		ID:      "q" + strconv.FormatInt(userID, 10),
		From:    telegram.User{ID: userID},
		Message: &telegram.Message{MessageID: messageID, Chat: chat},
		Data:    callback.Encode(kind, target),
	}}
}

func TestGroupMessages_RestrictThenReduce(t *testing.T) {
	h := newHarness(t)
	const user int64 = 42

	for i := int64(1); i <= 3; i++ {
		h.deliver(t, telegram.Update{Message: groupMessage(user, 100+i, "spam")})
	}

	rec := h.record(t, user)
	require.NotNil(t, rec)
	assert.Equal(t, 3, rec.MessageCount)
	assert.True(t, rec.IsRestricted)
	assert.Equal(t, []restrictCall{{userID: user, allowed: false}}, h.api.restricts)
	assert.Equal(t, 3, h.panels.Len(), "every counted message gets a panel")

	h.deliver(t, telegram.Update{Message: groupMessage(adminID, 200, "/reduce 42")})

	rec = h.record(t, user)
	assert.Equal(t, 2, rec.MessageCount)
	assert.False(t, rec.IsRestricted)
	assert.Equal(t, restrictCall{userID: user, allowed: true}, h.api.restricts[1])
	assert.Contains(t, h.api.deleted, int64(200), "command message removed")
}

func TestGroupMessages_NotCounted(t *testing.T) {
	h := newHarness(t)

	bot := groupMessage(77, 1, "beep")
	bot.From.IsBot = true
	h.deliver(t, telegram.Update{Message: bot})
	h.deliver(t, telegram.Update{EditedMessage: groupMessage(78, 2, "edited")})

	other := groupMessage(79, 3, "elsewhere")
	other.Chat.ID = -100999
	h.deliver(t, telegram.Update{Message: other})

	for _, id := range []int64{77, 78, 79} {
		assert.Nil(t, h.record(t, id))
	}
	assert.Zero(t, h.panels.Len())
}

func TestReduce(t *testing.T) {
	t.Run("requires admin", func(t *testing.T) {
		h := newHarness(t)
		h.deliver(t, telegram.Update{Message: groupMessage(50, 300, "/reduce 42")})
		assert.Equal(t, msgAdminsOnly, h.api.lastSent().Text)
	})

	t.Run("roles file grants permission", func(t *testing.T) {
		h := newHarness(t)
		path := filepath.Join(t.TempDir(), "roles.yaml")
		require.NoError(t, os.WriteFile(path, []byte(`
roles:
  moderator:
    permissions: [adjust_count]
users:
  - user_id: 50
    role: moderator
`), 0o644))
		policy, err := moderation.NewPolicy(path)
		require.NoError(t, err)
		h.bot.policy = policy

		_, err = h.store.Records().UpsertIncrement(context.Background(), 42, testGroup, 2)
		require.NoError(t, err)

		h.deliver(t, telegram.Update{Message: groupMessage(50, 301, "/reduce 42 5")})
		assert.Equal(t, 0, h.record(t, 42).MessageCount)
		assert.Contains(t, h.api.deleted, int64(301))
	})

	t.Run("group only", func(t *testing.T) {
		h := newHarness(t)
		h.deliver(t, telegram.Update{Message: privateMessage(adminID, 302, "/reduce 42")})
		assert.Equal(t, msgGroupOnly, h.api.lastSent().Text)
	})

	t.Run("bad arguments", func(t *testing.T) {
		h := newHarness(t)
		h.deliver(t, telegram.Update{Message: groupMessage(adminID, 303, "/reduce abc")})
		assert.Equal(t, msgReduceUsage, h.api.lastSent().Text)
	})

	t.Run("unknown user acknowledged", func(t *testing.T) {
		h := newHarness(t)
		h.deliver(t, telegram.Update{Message: groupMessage(adminID, 304, "/reduce 42")})
		assert.Equal(t, msgReduceFailed(42, "no record for this user"), h.api.lastSent().Text)
		assert.NotContains(t, h.api.deleted, int64(304))
	})
}

func TestParseReduceArgs(t *testing.T) {
	tests := []struct {
		args   []string
		userID int64
		n      int
		ok     bool
	}{
		{[]string{"42"}, 42, 1, true},
		{[]string{"42", "3"}, 42, 3, true},
		{[]string{}, 0, 0, false},
		{[]string{"42", "0"}, 0, 0, false},
		{[]string{"42", "-2"}, 0, 0, false},
		{[]string{"-42"}, 0, 0, false},
		{[]string{"42", "1", "x"}, 0, 0, false},
	}
	for _, tt := range tests {
		userID, n, ok := parseReduceArgs(tt.args)
		assert.Equal(t, tt.ok, ok, "%v", tt.args)
		if tt.ok {
			assert.Equal(t, tt.userID, userID)
			assert.Equal(t, tt.n, n)
		}
	}
}

func TestModerationToggle(t *testing.T) {
	h := newHarness(t)

	h.deliver(t, telegram.Update{Message: groupMessage(adminID, 10, "/moderation off")})
	assert.False(t, h.panels.Enabled())
	assert.Equal(t, msgPanelOff, h.api.lastSent().Text)

	h.deliver(t, telegram.Update{Message: groupMessage(42, 11, "no panel for me")})
	assert.Zero(t, h.panels.Len())
	assert.Equal(t, 1, h.record(t, 42).MessageCount, "still counted")

	h.deliver(t, telegram.Update{Message: groupMessage(50, 12, "/moderation on")})
	assert.False(t, h.panels.Enabled(), "non-admin cannot toggle")

	h.deliver(t, telegram.Update{Message: groupMessage(adminID, 13, "/moderation maybe")})
	assert.Equal(t, msgModerationUsage, h.api.lastSent().Text)

	h.deliver(t, telegram.Update{Message: groupMessage(adminID, 14, "/moderation on")})
	assert.True(t, h.panels.Enabled())
}

func TestRelayFlow(t *testing.T) {
	h := newHarness(t)
	const user int64 = 42
	chat := telegram.Chat{ID: user, Type: telegram.ChatTypePrivate}

	h.deliver(t, telegram.Update{Message: privateMessage(user, 1, "hello")})
	assert.Equal(t, msgUseStart, h.api.lastSent().Text)

	h.deliver(t, telegram.Update{Message: privateMessage(user, 2, "/start")})
	start := h.api.lastSent()
	assert.Equal(t, msgChooseTopic, start.Text)
	require.NotNil(t, start.ReplyMarkup)
	assert.Equal(t, "topic:27", start.ReplyMarkup.InlineKeyboard[0][0].CallbackData)

	h.deliver(t, pressButton(user, chat, 3, callback.KindTopic, 27))
	require.Len(t, h.api.edits, 1)
	assert.Equal(t, msgTopicSelected("General"), h.api.edits[0].Text)

	h.deliver(t, telegram.Update{Message: privateMessage(user, 4, "question")})
	relayed := h.api.sent[len(h.api.sent)-2]
	assert.Equal(t, testGroup, relayed.ChatID)
	assert.Equal(t, int64(27), relayed.MessageThreadID)
	assert.Equal(t, "question", relayed.Text)

	ack := h.api.lastSent()
	assert.Equal(t, msgRelayed, ack.Text)
	require.NotNil(t, ack.ReplyParameters)
	assert.Equal(t, int64(4), ack.ReplyParameters.MessageID)

	photo := privateMessage(user, 5, "")
	photo.Photo = []telegram.PhotoSize{{FileID: "f1"}}
	h.deliver(t, telegram.Update{Message: photo})
	require.Len(t, h.api.media, 1)
	assert.Equal(t, telegram.MediaPhoto, h.api.media[0].Kind)
}

func TestRelayFlow_Remediation(t *testing.T) {
	tests := []struct {
		desc string
		want string
	}{
		{"Bad Request: message thread not found", msgThreadNotFound},
		{"Bad Request: chat not found", msgChatNotFound},
		{"Internal Server Error", msgRelayFailed},
	}

	for _, tt := range tests {
		t.Run(tt.desc, func(t *testing.T) {
			h := newHarness(t)
			_, err := h.router.SelectTopic(context.Background(), 42, 27)
			require.NoError(t, err)

			h.api.sendErr = func(p telegram.SendMessageParams) error {
				if p.ChatID == testGroup {
					return &telegram.APIError{Method: "sendMessage", Code: 400, Description: tt.desc}
				}
				return nil
			}
			h.deliver(t, telegram.Update{Message: privateMessage(42, 1, "hi")})
			assert.Equal(t, tt.want, h.api.lastSent().Text)
		})
	}
}

func TestTopicCallback_Unknown(t *testing.T) {
	h := newHarness(t)
	h.deliver(t, pressButton(42, telegram.Chat{ID: 42, Type: telegram.ChatTypePrivate}, 3, callback.KindTopic, 99))
	assert.Equal(t, msgTopicGone, h.api.lastAnswer())
	assert.Empty(t, h.api.edits)
}

func TestSetup(t *testing.T) {
	h := newHarness(t)

	h.deliver(t, telegram.Update{Message: privateMessage(50, 1, "/setup 28:Dev")})
	assert.Equal(t, msgAdminsOnly, h.api.lastSent().Text)

	h.deliver(t, telegram.Update{Message: privateMessage(adminID, 2, "/setup nonsense")})
	assert.Equal(t, msgSetupUsage, h.api.lastSent().Text)

	h.deliver(t, telegram.Update{Message: privateMessage(adminID, 3, "/setup 28:Dev Chat, 29:Ops")})
	assert.Equal(t, "Topics configured:\n27: General\n28: Dev Chat\n29: Ops", h.api.lastSent().Text)
	assert.Equal(t, 3, h.router.Registry().Len())
}

func TestIDCommand(t *testing.T) {
	h := newHarness(t)
	h.deliver(t, telegram.Update{Message: groupMessage(42, 1, "/id")})
	assert.Equal(t, "Chat ID: -1001234567890", h.api.lastSent().Text)
}

func TestPanelCallbacks(t *testing.T) {
	h := newHarness(t)
	group := telegram.Chat{ID: testGroup, Type: telegram.ChatTypeSupergroup}

	h.deliver(t, telegram.Update{Message: groupMessage(42, 100, "hot take")})
	panelMsg := h.api.lastSent()
	require.NotNil(t, panelMsg.ReplyMarkup)
	panelID := h.api.nextID

	h.deliver(t, pressButton(9, group, panelID, callback.KindComplain, 100))
	assert.Equal(t, msgComplaintAccepted(1, panel.DefaultQuorum), h.api.lastAnswer())

	h.deliver(t, pressButton(9, group, panelID, callback.KindComplain, 100))
	assert.Equal(t, msgAlreadyComplained, h.api.lastAnswer())

	for u := int64(10); u < 10+panel.DefaultQuorum-1; u++ {
		h.deliver(t, pressButton(u, group, panelID, callback.KindComplain, 100))
	}
	assert.Equal(t, msgDeletedByQuorum, h.api.lastAnswer())
	assert.Contains(t, h.api.deleted, int64(100))

	h.deliver(t, pressButton(9, group, panelID, callback.KindShare, 100))
	assert.Equal(t, msgUnavailable, h.api.lastAnswer())
}

func TestPanelCallbacks_ShareAndContact(t *testing.T) {
	h := newHarness(t)
	group := telegram.Chat{ID: testGroup, Type: telegram.ChatTypeSupergroup}

	h.deliver(t, telegram.Update{Message: groupMessage(42, 100, "hello")})
	panelID := h.api.nextID

	h.deliver(t, pressButton(9, group, panelID, callback.KindShare, 100))
	assert.Equal(t, msgSentPrivately, h.api.lastAnswer())
	assert.Equal(t, int64(9), h.api.lastSent().ChatID)

	h.api.sendErr = func(p telegram.SendMessageParams) error {
		return &telegram.APIError{Method: "sendMessage", Code: 403, Description: "Forbidden: bot can't initiate conversation with a user"}
	}
	h.deliver(t, pressButton(10, group, panelID, callback.KindContact, 100))
	assert.Equal(t, msgStartPrivateChat, h.api.lastAnswer())

	h.api.sendErr = nil
	h.deliver(t, pressButton(9, group, panelID, callback.KindHide, 100))
	assert.Equal(t, msgPanelHidden, h.api.lastAnswer())
	assert.Contains(t, h.api.deleted, panelID)
}

func TestPanelCallbacks_HideRefusedOnRepost(t *testing.T) {
	h := newHarness(t)
	group := telegram.Chat{ID: testGroup, Type: telegram.ChatTypeSupergroup}

	h.deliver(t, pressButton(9, group, 1001, callback.KindHide, 1001))
	assert.Equal(t, msgHideRefused, h.api.lastAnswer())
	assert.NotContains(t, h.api.deleted, int64(1001))
}

func TestUnknownCallback(t *testing.T) {
	h := newHarness(t)
	h.deliver(t, telegram.Update{CallbackQuery: &telegram.CallbackQuery{ID: "q", From: telegram.User{ID: 1}, Data: "delete_5"}})
	assert.Equal(t, msgUnknownAction, h.api.lastAnswer())
}
