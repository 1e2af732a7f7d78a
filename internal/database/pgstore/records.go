package pgstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"groupwarden/internal/moderation"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// RecordStore implements moderation.Store on PostgreSQL.
type RecordStore struct {
	db *gorm.DB
}

var _ moderation.Store = (*RecordStore)(nil)

var recordKeyColumns = []clause.Column{{Name: "group_id"}, {Name: "user_id"}}

func (r userRecordRow) toModel() moderation.UserRecord {
	return moderation.UserRecord{
		UserID:       r.UserID,
		GroupID:      r.GroupID,
		MessageCount: r.MessageCount,
		IsRestricted: r.IsRestricted,
		LastUpdated:  r.LastUpdated.UTC(),
	}
}

func toModels(rows []userRecordRow) []moderation.UserRecord {
	out := make([]moderation.UserRecord, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toModel())
	}
	return out
}

func (s *RecordStore) Get(ctx context.Context, userID, groupID int64) (*moderation.UserRecord, error) {
	var row userRecordRow
	err := s.db.WithContext(ctx).
		Where("group_id = ? AND user_id = ?", groupID, userID).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get user record: %w", err)
	}
	rec := row.toModel()
	return &rec, nil
}

// UpsertIncrement relies on INSERT ... ON CONFLICT so the increment is a
// single statement.
func (s *RecordStore) UpsertIncrement(ctx context.Context, userID, groupID int64, delta int) (moderation.UserRecord, error) {
	row := userRecordRow{
		GroupID:      groupID,
		UserID:       userID,
		MessageCount: delta,
		LastUpdated:  time.Now().UTC(),
	}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: recordKeyColumns,
			DoUpdates: clause.Assignments(map[string]any{
				"message_count": gorm.Expr("user_records.message_count + EXCLUDED.message_count"),
				"last_updated":  gorm.Expr("EXCLUDED.last_updated"),
			}),
		}, clause.Returning{}).
		Create(&row).Error
	if err != nil {
		return moderation.UserRecord{}, fmt.Errorf("increment user record: %w", err)
	}
	return row.toModel(), nil
}

func (s *RecordStore) SetRestricted(ctx context.Context, userID, groupID int64, restricted bool) error {
	row := userRecordRow{
		GroupID:      groupID,
		UserID:       userID,
		IsRestricted: restricted,
		LastUpdated:  time.Now().UTC(),
	}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   recordKeyColumns,
			DoUpdates: clause.AssignmentColumns([]string{"is_restricted", "last_updated"}),
		}).
		Create(&row).Error
	if err != nil {
		return fmt.Errorf("set restricted: %w", err)
	}
	return nil
}

func (s *RecordStore) ListRestricted(ctx context.Context, groupID int64) ([]moderation.UserRecord, error) {
	var rows []userRecordRow
	err := s.db.WithContext(ctx).
		Where("group_id = ? AND is_restricted", groupID).
		Order("user_id").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("list restricted: %w", err)
	}
	return toModels(rows), nil
}

func (s *RecordStore) Stats(ctx context.Context, groupID int64) (moderation.Stats, error) {
	var out struct {
		TotalUsers      int
		RestrictedUsers int
		AverageCount    float64
	}
	err := s.db.WithContext(ctx).
		Model(&userRecordRow{}).
		Select(`COUNT(*) AS total_users,
			COALESCE(SUM(CASE WHEN is_restricted THEN 1 ELSE 0 END), 0) AS restricted_users,
			COALESCE(AVG(message_count), 0) AS average_count`).
		Where("group_id = ?", groupID).
		Scan(&out).Error
	if err != nil {
		return moderation.Stats{}, fmt.Errorf("record stats: %w", err)
	}
	return moderation.Stats{
		TotalUsers:      out.TotalUsers,
		RestrictedUsers: out.RestrictedUsers,
		AverageCount:    out.AverageCount,
	}, nil
}

func (s *RecordStore) RecentUsers(ctx context.Context, groupID int64, limit int) ([]moderation.UserRecord, error) {
	q := s.db.WithContext(ctx).
		Where("group_id = ?", groupID).
		Order("last_updated DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var rows []userRecordRow
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("recent users: %w", err)
	}
	return toModels(rows), nil
}
