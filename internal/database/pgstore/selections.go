package pgstore

import (
	"context"
	"errors"
	"fmt"

	"groupwarden/internal/relay"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// SelectionStore implements relay.SelectionStore on PostgreSQL.
type SelectionStore struct {
	db *gorm.DB
}

var _ relay.SelectionStore = (*SelectionStore)(nil)

func (s *SelectionStore) PutSelection(ctx context.Context, sel relay.TopicSelection) error {
	row := topicSelectionRow{
		ChatID:     sel.ChatID,
		TopicID:    sel.TopicID,
		TopicName:  sel.TopicName,
		SelectedAt: sel.SelectedAt.UTC(),
	}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "chat_id"}},
			UpdateAll: true,
		}).
		Create(&row).Error
	if err != nil {
		return fmt.Errorf("put topic selection: %w", err)
	}
	return nil
}

func (s *SelectionStore) GetSelection(ctx context.Context, chatID int64) (*relay.TopicSelection, error) {
	var row topicSelectionRow
	err := s.db.WithContext(ctx).Where("chat_id = ?", chatID).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get topic selection: %w", err)
	}
	return &relay.TopicSelection{
		ChatID:     row.ChatID,
		TopicID:    row.TopicID,
		TopicName:  row.TopicName,
		SelectedAt: row.SelectedAt.UTC(),
	}, nil
}
