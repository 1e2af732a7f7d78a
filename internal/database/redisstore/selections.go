package redisstore

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"groupwarden/internal/relay"

	"github.com/redis/go-redis/v9"
)

// SelectionStore implements relay.SelectionStore on Redis hashes.
type SelectionStore struct {
	client *redis.Client
	prefix string
}

var _ relay.SelectionStore = (*SelectionStore)(nil)

func (s *SelectionStore) key(chatID int64) string {
	return s.prefix + "sel/" + id(chatID)
}

func (s *SelectionStore) PutSelection(ctx context.Context, sel relay.TopicSelection) error {
	err := s.client.HSet(ctx, s.key(sel.ChatID),
		"topic_id", sel.TopicID,
		"topic_name", sel.TopicName,
		"selected_at", sel.SelectedAt.UTC().Format(time.RFC3339Nano),
	).Err()
	if err != nil {
		return fmt.Errorf("put topic selection: %w", err)
	}
	return nil
}

func (s *SelectionStore) GetSelection(ctx context.Context, chatID int64) (*relay.TopicSelection, error) {
	fields, err := s.client.HGetAll(ctx, s.key(chatID)).Result()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("get topic selection: %w", err)
	}
	if len(fields) == 0 {
		return nil, nil
	}

	sel := &relay.TopicSelection{ChatID: chatID, TopicName: fields["topic_name"]}
	sel.TopicID, _ = strconv.ParseInt(fields["topic_id"], 10, 64)
	sel.SelectedAt, _ = time.Parse(time.RFC3339Nano, fields["selected_at"])
	return sel, nil
}
