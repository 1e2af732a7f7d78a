package sqlitestore

import (
	"context"
	"database/sql"
	"fmt"

	"groupwarden/internal/relay"
)

// SelectionStore implements relay.SelectionStore using SQLite.
type SelectionStore struct {
	db *sql.DB
}

// NewSelectionStore creates a SelectionStore backed by the given database.
func NewSelectionStore(db *sql.DB) *SelectionStore {
	return &SelectionStore{db: db}
}

var _ relay.SelectionStore = (*SelectionStore)(nil)

func (s *SelectionStore) PutSelection(ctx context.Context, sel relay.TopicSelection) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO topic_selections (chat_id, topic_id, topic_name, selected_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(chat_id) DO UPDATE SET
			topic_id    = excluded.topic_id,
			topic_name  = excluded.topic_name,
			selected_at = excluded.selected_at
	`, sel.ChatID, sel.TopicID, sel.TopicName, formatTime(sel.SelectedAt))
	if err != nil {
		return fmt.Errorf("put topic selection: %w", err)
	}
	return nil
}

func (s *SelectionStore) GetSelection(ctx context.Context, chatID int64) (*relay.TopicSelection, error) {
	var sel relay.TopicSelection
	var selectedAt string
	err := s.db.QueryRowContext(ctx, `
		SELECT chat_id, topic_id, topic_name, selected_at
		FROM topic_selections WHERE chat_id = ?
	`, chatID).Scan(&sel.ChatID, &sel.TopicID, &sel.TopicName, &selectedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get topic selection: %w", err)
	}
	sel.SelectedAt = parseTime(selectedAt)
	return &sel, nil
}
