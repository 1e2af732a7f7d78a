package boltstore

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"groupwarden/internal/relay"

	bolt "go.etcd.io/bbolt"
)

// SelectionStore provides persistent storage for relay topic selections.
type SelectionStore struct {
	db *bolt.DB
}

var _ relay.SelectionStore = (*SelectionStore)(nil)

func selectionKey(chatID int64) []byte {
	return []byte(strconv.FormatInt(chatID, 10))
}

// PutSelection stores or replaces a chat's topic selection.
func (s *SelectionStore) PutSelection(ctx context.Context, sel relay.TopicSelection) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(BucketTopicSelections)
		if bucket == nil {
			return fmt.Errorf("bucket not found: %s", BucketTopicSelections)
		}

		data, err := json.Marshal(sel)
		if err != nil {
			return fmt.Errorf("failed to marshal topic selection: %w", err)
		}

		return bucket.Put(selectionKey(sel.ChatID), data)
	})
}

// GetSelection retrieves a chat's topic selection.
func (s *SelectionStore) GetSelection(ctx context.Context, chatID int64) (*relay.TopicSelection, error) {
	var sel *relay.TopicSelection

	err := s.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(BucketTopicSelections)
		if bucket == nil {
			return nil
		}

		data := bucket.Get(selectionKey(chatID))
		if data == nil {
			return nil
		}

		sel = &relay.TopicSelection{}
		return json.Unmarshal(data, sel)
	})

	return sel, err
}
