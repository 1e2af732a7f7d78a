package database

import (
	"context"

	"groupwarden/internal/moderation"
	"groupwarden/internal/relay"
)

// MockStore is a mock implementation of the Store interface for testing.
// Uses function fields to allow tests to inject custom behavior.
type MockStore struct {
	// Record operations
	GetFunc             func(ctx context.Context, userID, groupID int64) (*moderation.UserRecord, error)
	UpsertIncrementFunc func(ctx context.Context, userID, groupID int64, delta int) (moderation.UserRecord, error)
	SetRestrictedFunc   func(ctx context.Context, userID, groupID int64, restricted bool) error
	ListRestrictedFunc  func(ctx context.Context, groupID int64) ([]moderation.UserRecord, error)
	StatsFunc           func(ctx context.Context, groupID int64) (moderation.Stats, error)
	RecentUsersFunc     func(ctx context.Context, groupID int64, limit int) ([]moderation.UserRecord, error)

	// Selection operations
	GetSelectionFunc func(ctx context.Context, chatID int64) (*relay.TopicSelection, error)
	PutSelectionFunc func(ctx context.Context, sel relay.TopicSelection) error
}

var _ Store = (*MockStore)(nil)

// Get calls the mock function or returns nil if not set
func (m *MockStore) Get(ctx context.Context, userID, groupID int64) (*moderation.UserRecord, error) {
	if m.GetFunc != nil {
		return m.GetFunc(ctx, userID, groupID)
	}
	return nil, nil
}

// UpsertIncrement calls the mock function or returns a record holding delta if not set
func (m *MockStore) UpsertIncrement(ctx context.Context, userID, groupID int64, delta int) (moderation.UserRecord, error) {
	if m.UpsertIncrementFunc != nil {
		return m.UpsertIncrementFunc(ctx, userID, groupID, delta)
	}
	return moderation.UserRecord{UserID: userID, GroupID: groupID, MessageCount: delta}, nil
}

// SetRestricted calls the mock function or returns nil if not set
func (m *MockStore) SetRestricted(ctx context.Context, userID, groupID int64, restricted bool) error {
	if m.SetRestrictedFunc != nil {
		return m.SetRestrictedFunc(ctx, userID, groupID, restricted)
	}
	return nil
}

// ListRestricted calls the mock function or returns nil if not set
func (m *MockStore) ListRestricted(ctx context.Context, groupID int64) ([]moderation.UserRecord, error) {
	if m.ListRestrictedFunc != nil {
		return m.ListRestrictedFunc(ctx, groupID)
	}
	return nil, nil
}

// Stats calls the mock function or returns zero stats if not set
func (m *MockStore) Stats(ctx context.Context, groupID int64) (moderation.Stats, error) {
	if m.StatsFunc != nil {
		return m.StatsFunc(ctx, groupID)
	}
	return moderation.Stats{}, nil
}

// RecentUsers calls the mock function or returns nil if not set
func (m *MockStore) RecentUsers(ctx context.Context, groupID int64, limit int) ([]moderation.UserRecord, error) {
	if m.RecentUsersFunc != nil {
		return m.RecentUsersFunc(ctx, groupID, limit)
	}
	return nil, nil
}

// GetSelection calls the mock function or returns nil if not set
func (m *MockStore) GetSelection(ctx context.Context, chatID int64) (*relay.TopicSelection, error) {
	if m.GetSelectionFunc != nil {
		return m.GetSelectionFunc(ctx, chatID)
	}
	return nil, nil
}

// PutSelection calls the mock function or returns nil if not set
func (m *MockStore) PutSelection(ctx context.Context, sel relay.TopicSelection) error {
	if m.PutSelectionFunc != nil {
		return m.PutSelectionFunc(ctx, sel)
	}
	return nil
}
