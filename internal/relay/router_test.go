package relay

import (
	"context"
	"errors"
	"sync"
	"testing"

	"groupwarden/internal/telegram"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testGroup int64 = -1001234567890

type memSelections struct {
	mu   sync.Mutex
	byID map[int64]TopicSelection
	err  error
}

func newMemSelections() *memSelections {
	return &memSelections{byID: make(map[int64]TopicSelection)}
}

func (s *memSelections) GetSelection(_ context.Context, chatID int64) (*TopicSelection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	sel, ok := s.byID[chatID]
	if !ok {
		return nil, nil
	}
	return &sel, nil
}

func (s *memSelections) PutSelection(_ context.Context, sel TopicSelection) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.byID[sel.ChatID] = sel
	return nil
}

type fakeTransport struct {
	texts []telegram.SendMessageParams
	media []telegram.SendMediaParams
	err   error
}

func (f *fakeTransport) SendMessage(_ context.Context, params telegram.SendMessageParams) (*telegram.Message, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.texts = append(f.texts, params)
	return &telegram.Message{MessageID: 900 + int64(len(f.texts))}, nil
}

func (f *fakeTransport) SendMedia(_ context.Context, params telegram.SendMediaParams) (*telegram.Message, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.media = append(f.media, params)
	return &telegram.Message{MessageID: 800 + int64(len(f.media))}, nil
}

func newTestRouter(store SelectionStore, transport Transport) *Router {
	registry := NewRegistry(map[int64]string{27: "General", 28: "Dev"})
	return NewRouter(store, transport, registry, Config{GroupID: testGroup})
}

func TestRelay_NoTopicSelected(t *testing.T) {
	transport := &fakeTransport{}
	r := newTestRouter(newMemSelections(), transport)

	_, err := r.Relay(context.Background(), 55, Payload{Text: "hi"})
	assert.ErrorIs(t, err, ErrNoTopicSelected)
	assert.Empty(t, transport.texts)
}

func TestRelay_AfterSelection(t *testing.T) {
	ctx := context.Background()
	transport := &fakeTransport{}
	r := newTestRouter(newMemSelections(), transport)

	sel, err := r.SelectTopic(ctx, 55, 28)
	require.NoError(t, err)
	assert.Equal(t, "Dev", sel.TopicName)

	ref, err := r.Relay(ctx, 55, Payload{Text: "hi"})
	require.NoError(t, err)
	assert.Equal(t, MessageRef{ChatID: testGroup, ThreadID: 28, MessageID: 901}, ref)

	require.Len(t, transport.texts, 1)
	assert.Equal(t, testGroup, transport.texts[0].ChatID)
	assert.Equal(t, int64(28), transport.texts[0].MessageThreadID)
	assert.Equal(t, "hi", transport.texts[0].Text)
}

func TestRelay_Media(t *testing.T) {
	ctx := context.Background()
	transport := &fakeTransport{}
	r := newTestRouter(newMemSelections(), transport)
	_, err := r.SelectTopic(ctx, 55, 27)
	require.NoError(t, err)

	msg := &telegram.Message{
		Document: &telegram.FileRef{FileID: "doc-1"},
		Caption:  "report",
	}
	payload, ok := PayloadFromMessage(msg)
	require.True(t, ok)

	_, err = r.Relay(ctx, 55, payload)
	require.NoError(t, err)

	require.Len(t, transport.media, 1)
	assert.Equal(t, telegram.SendMediaParams{
		ChatID:          testGroup,
		MessageThreadID: 27,
		Kind:            telegram.MediaDocument,
		FileID:          "doc-1",
		Caption:         "report",
	}, transport.media[0])
}

func TestRelay_Reselection(t *testing.T) {
	ctx := context.Background()
	transport := &fakeTransport{}
	r := newTestRouter(newMemSelections(), transport)

	_, err := r.SelectTopic(ctx, 55, 27)
	require.NoError(t, err)
	_, err = r.SelectTopic(ctx, 55, 28)
	require.NoError(t, err)

	ref, err := r.Relay(ctx, 55, Payload{Text: "hi"})
	require.NoError(t, err)
	assert.Equal(t, int64(28), ref.ThreadID)
}

func TestSelectTopic_Unknown(t *testing.T) {
	store := newMemSelections()
	r := newTestRouter(store, &fakeTransport{})

	_, err := r.SelectTopic(context.Background(), 55, 99)
	assert.ErrorIs(t, err, ErrUnknownTopic)
	assert.Empty(t, store.byID)
}

func TestSelectTopic_PersistenceFailure(t *testing.T) {
	store := newMemSelections()
	store.err = errors.New("disk full")
	r := newTestRouter(store, &fakeTransport{})

	_, err := r.SelectTopic(context.Background(), 55, 27)
	assert.ErrorIs(t, err, ErrPersistence)

	_, err = r.Relay(context.Background(), 55, Payload{Text: "hi"})
	assert.ErrorIs(t, err, ErrPersistence)
}

func TestRelay_ErrorMapping(t *testing.T) {
	tests := []struct {
		name        string
		description string
		want        error
	}{
		{"thread", "Bad Request: message thread not found", ErrThreadNotFound},
		{"chat", "Bad Request: chat not found", ErrChatNotFound},
		{"other", "Bad Request: message is too long", ErrTransport},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			transport := &fakeTransport{}
			r := newTestRouter(newMemSelections(), transport)
			_, err := r.SelectTopic(ctx, 55, 27)
			require.NoError(t, err)

			transport.err = &telegram.APIError{Method: "sendMessage", Code: 400, Description: tt.description}
			_, err = r.Relay(ctx, 55, Payload{Text: "hi"})
			assert.ErrorIs(t, err, tt.want)

			var apiErr *telegram.APIError
			assert.True(t, errors.As(err, &apiErr), "transport error stays inspectable")
		})
	}
}

func TestRelay_EmptyPayload(t *testing.T) {
	r := newTestRouter(newMemSelections(), &fakeTransport{})
	_, err := r.Relay(context.Background(), 55, Payload{})
	assert.ErrorIs(t, err, ErrEmptyPayload)
}

func TestPayloadFromMessage(t *testing.T) {
	_, ok := PayloadFromMessage(&telegram.Message{})
	assert.False(t, ok)

	p, ok := PayloadFromMessage(&telegram.Message{Photo: []telegram.PhotoSize{{FileID: "s"}, {FileID: "l"}}})
	require.True(t, ok)
	assert.Equal(t, telegram.MediaPhoto, p.Kind)
	assert.Equal(t, "l", p.FileID)
}
