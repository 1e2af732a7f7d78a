package sqlitestore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"groupwarden/internal/moderation"
)

// RecordStore implements moderation.Store using SQLite.
type RecordStore struct {
	db *sql.DB
}

// NewRecordStore creates a RecordStore backed by the given database.
// The database must already have the schema applied.
func NewRecordStore(db *sql.DB) *RecordStore {
	return &RecordStore{db: db}
}

var _ moderation.Store = (*RecordStore)(nil)

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (moderation.UserRecord, error) {
	var r moderation.UserRecord
	var restricted int
	var updated string
	if err := row.Scan(&r.GroupID, &r.UserID, &r.MessageCount, &restricted, &updated); err != nil {
		return moderation.UserRecord{}, err
	}
	r.IsRestricted = restricted == 1
	r.LastUpdated = parseTime(updated)
	return r, nil
}

const recordColumns = `group_id, user_id, message_count, is_restricted, last_updated`

func (s *RecordStore) Get(ctx context.Context, userID, groupID int64) (*moderation.UserRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+recordColumns+`
		FROM user_records WHERE group_id = ? AND user_id = ?
	`, groupID, userID)
	r, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get user record: %w", err)
	}
	return &r, nil
}

func (s *RecordStore) UpsertIncrement(ctx context.Context, userID, groupID int64, delta int) (moderation.UserRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO user_records (group_id, user_id, message_count, is_restricted, last_updated)
		VALUES (?, ?, ?, 0, ?)
		ON CONFLICT(group_id, user_id) DO UPDATE SET
			message_count = message_count + excluded.message_count,
			last_updated  = excluded.last_updated
		RETURNING `+recordColumns,
		groupID, userID, delta, formatTime(time.Now()))
	r, err := scanRecord(row)
	if err != nil {
		return moderation.UserRecord{}, fmt.Errorf("increment user record: %w", err)
	}
	return r, nil
}

func (s *RecordStore) SetRestricted(ctx context.Context, userID, groupID int64, restricted bool) error {
	flag := 0
	if restricted {
		flag = 1
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO user_records (group_id, user_id, message_count, is_restricted, last_updated)
		VALUES (?, ?, 0, ?, ?)
		ON CONFLICT(group_id, user_id) DO UPDATE SET
			is_restricted = excluded.is_restricted,
			last_updated  = excluded.last_updated
	`, groupID, userID, flag, formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("set restricted: %w", err)
	}
	return nil
}

func (s *RecordStore) queryRecords(ctx context.Context, query string, args ...any) ([]moderation.UserRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []moderation.UserRecord
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

func (s *RecordStore) ListRestricted(ctx context.Context, groupID int64) ([]moderation.UserRecord, error) {
	return s.queryRecords(ctx, `
		SELECT `+recordColumns+`
		FROM user_records WHERE group_id = ? AND is_restricted = 1
		ORDER BY user_id
	`, groupID)
}

func (s *RecordStore) Stats(ctx context.Context, groupID int64) (moderation.Stats, error) {
	var stats moderation.Stats
	var avg sql.NullFloat64
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(is_restricted), 0), AVG(message_count)
		FROM user_records WHERE group_id = ?
	`, groupID).Scan(&stats.TotalUsers, &stats.RestrictedUsers, &avg)
	if err != nil {
		return moderation.Stats{}, fmt.Errorf("record stats: %w", err)
	}
	stats.AverageCount = avg.Float64
	return stats, nil
}

func (s *RecordStore) RecentUsers(ctx context.Context, groupID int64, limit int) ([]moderation.UserRecord, error) {
	if limit <= 0 {
		limit = -1
	}
	return s.queryRecords(ctx, `
		SELECT `+recordColumns+`
		FROM user_records WHERE group_id = ?
		ORDER BY last_updated DESC
		LIMIT ?
	`, groupID, limit)
}
