package moderation

import "context"

// Store defines the persistence interface for per-user counters.
// Implementations must be safe for concurrent use, and every method must be
// atomic for the row it touches.
type Store interface {
	// Get returns the record, or nil with no error when none exists.
	Get(ctx context.Context, userID, groupID int64) (*UserRecord, error)

	// UpsertIncrement adds delta to the count, creating the record with
	// count=delta when absent, and stamps LastUpdated. It returns the record
	// as stored after the change.
	UpsertIncrement(ctx context.Context, userID, groupID int64, delta int) (UserRecord, error)

	// SetRestricted updates the restriction belief without touching the count.
	SetRestricted(ctx context.Context, userID, groupID int64, restricted bool) error

	// ListRestricted returns every record in the group with IsRestricted set.
	ListRestricted(ctx context.Context, groupID int64) ([]UserRecord, error)

	// Stats and RecentUsers back the status page.
	Stats(ctx context.Context, groupID int64) (Stats, error)
	RecentUsers(ctx context.Context, groupID int64, limit int) ([]UserRecord, error)
}
