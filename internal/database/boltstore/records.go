package boltstore

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"groupwarden/internal/moderation"

	bolt "go.etcd.io/bbolt"
)

// RecordStore persists moderation counters. Keys are the big-endian group id
// followed by the big-endian user id, so one group's records are contiguous.
type RecordStore struct {
	db *bolt.DB
}

var _ moderation.Store = (*RecordStore)(nil)

func groupPrefix(groupID int64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(groupID))
	return b
}

func recordKey(userID, groupID int64) []byte {
	b := make([]byte, 16)
	binary.BigEndian.PutUint64(b[:8], uint64(groupID))
	binary.BigEndian.PutUint64(b[8:], uint64(userID))
	return b
}

func getRecord(bucket *bolt.Bucket, key []byte) (*moderation.UserRecord, error) {
	data := bucket.Get(key)
	if data == nil {
		return nil, nil
	}
	var rec moderation.UserRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal user record: %w", err)
	}
	return &rec, nil
}

func putRecord(bucket *bolt.Bucket, rec moderation.UserRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal user record: %w", err)
	}
	return bucket.Put(recordKey(rec.UserID, rec.GroupID), data)
}

// Get retrieves a user's record.
func (s *RecordStore) Get(ctx context.Context, userID, groupID int64) (*moderation.UserRecord, error) {
	var rec *moderation.UserRecord

	err := s.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(BucketUserRecords)
		if bucket == nil {
			return nil
		}

		var err error
		rec, err = getRecord(bucket, recordKey(userID, groupID))
		return err
	})

	return rec, err
}

// UpsertIncrement adds delta to the count inside a single write transaction.
func (s *RecordStore) UpsertIncrement(ctx context.Context, userID, groupID int64, delta int) (moderation.UserRecord, error) {
	var out moderation.UserRecord

	err := s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(BucketUserRecords)
		if bucket == nil {
			return fmt.Errorf("bucket not found: %s", BucketUserRecords)
		}

		rec, err := getRecord(bucket, recordKey(userID, groupID))
		if err != nil {
			return err
		}
		if rec == nil {
			rec = &moderation.UserRecord{UserID: userID, GroupID: groupID}
		}

		rec.MessageCount += delta
		rec.LastUpdated = time.Now().UTC()
		out = *rec

		return putRecord(bucket, *rec)
	})

	return out, err
}

// SetRestricted updates the restriction flag. A missing record is created
// with a zero count.
func (s *RecordStore) SetRestricted(ctx context.Context, userID, groupID int64, restricted bool) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(BucketUserRecords)
		if bucket == nil {
			return fmt.Errorf("bucket not found: %s", BucketUserRecords)
		}

		rec, err := getRecord(bucket, recordKey(userID, groupID))
		if err != nil {
			return err
		}
		if rec == nil {
			rec = &moderation.UserRecord{UserID: userID, GroupID: groupID}
		}

		rec.IsRestricted = restricted
		rec.LastUpdated = time.Now().UTC()
		return putRecord(bucket, *rec)
	})
}

// forEachInGroup walks every record of the group in key order.
func (s *RecordStore) forEachInGroup(groupID int64, fn func(rec moderation.UserRecord)) error {
	return s.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(BucketUserRecords)
		if bucket == nil {
			return nil
		}

		prefix := groupPrefix(groupID)
		c := bucket.Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var rec moderation.UserRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("failed to unmarshal user record: %w", err)
			}
			fn(rec)
		}
		return nil
	})
}

// ListRestricted returns every record in the group believed restricted.
func (s *RecordStore) ListRestricted(ctx context.Context, groupID int64) ([]moderation.UserRecord, error) {
	var records []moderation.UserRecord
	err := s.forEachInGroup(groupID, func(rec moderation.UserRecord) {
		if rec.IsRestricted {
			records = append(records, rec)
		}
	})
	return records, err
}

// Stats aggregates the group's records.
func (s *RecordStore) Stats(ctx context.Context, groupID int64) (moderation.Stats, error) {
	var stats moderation.Stats
	var sum int

	err := s.forEachInGroup(groupID, func(rec moderation.UserRecord) {
		stats.TotalUsers++
		sum += rec.MessageCount
		if rec.IsRestricted {
			stats.RestrictedUsers++
		}
	})
	if err != nil {
		return moderation.Stats{}, err
	}

	if stats.TotalUsers > 0 {
		stats.AverageCount = float64(sum) / float64(stats.TotalUsers)
	}
	return stats, nil
}

// RecentUsers returns the most recently updated records, newest first.
func (s *RecordStore) RecentUsers(ctx context.Context, groupID int64, limit int) ([]moderation.UserRecord, error) {
	var records []moderation.UserRecord
	if err := s.forEachInGroup(groupID, func(rec moderation.UserRecord) {
		records = append(records, rec)
	}); err != nil {
		return nil, err
	}

	sort.Slice(records, func(i, j int) bool {
		return records[i].LastUpdated.After(records[j].LastUpdated)
	})
	if limit > 0 && len(records) > limit {
		records = records[:limit]
	}
	return records, nil
}
