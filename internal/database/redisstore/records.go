package redisstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"groupwarden/internal/moderation"

	"github.com/redis/go-redis/v9"
)

const (
	fieldCount      = "count"
	fieldRestricted = "restricted"
	fieldUpdated    = "updated"
)

// RecordStore implements moderation.Store on Redis. Every write runs in a
// MULTI/EXEC transaction so the record and its indexes move together.
type RecordStore struct {
	client *redis.Client
	prefix string
}

var _ moderation.Store = (*RecordStore)(nil)

func (s *RecordStore) recordKey(userID, groupID int64) string {
	return s.prefix + "rec/" + id(groupID) + "/" + id(userID)
}

func (s *RecordStore) recentKey(groupID int64) string {
	return s.prefix + "recent/" + id(groupID)
}

func (s *RecordStore) restrictedKey(groupID int64) string {
	return s.prefix + "restricted/" + id(groupID)
}

func (s *RecordStore) sumKey(groupID int64) string {
	return s.prefix + "sum/" + id(groupID)
}

func decodeRecord(userID, groupID int64, fields map[string]string) moderation.UserRecord {
	rec := moderation.UserRecord{UserID: userID, GroupID: groupID}
	rec.MessageCount, _ = strconv.Atoi(fields[fieldCount])
	rec.IsRestricted = fields[fieldRestricted] == "1"
	if micros, err := strconv.ParseInt(fields[fieldUpdated], 10, 64); err == nil {
		rec.LastUpdated = time.UnixMicro(micros).UTC()
	}
	return rec
}

func (s *RecordStore) Get(ctx context.Context, userID, groupID int64) (*moderation.UserRecord, error) {
	fields, err := s.client.HGetAll(ctx, s.recordKey(userID, groupID)).Result()
	if err != nil {
		return nil, fmt.Errorf("get user record: %w", err)
	}
	if len(fields) == 0 {
		return nil, nil
	}
	rec := decodeRecord(userID, groupID, fields)
	return &rec, nil
}

func (s *RecordStore) UpsertIncrement(ctx context.Context, userID, groupID int64, delta int) (moderation.UserRecord, error) {
	key := s.recordKey(userID, groupID)
	now := time.Now().UTC()

	pipe := s.client.TxPipeline()
	count := pipe.HIncrBy(ctx, key, fieldCount, int64(delta))
	pipe.HSet(ctx, key, fieldUpdated, now.UnixMicro())
	restricted := pipe.HGet(ctx, key, fieldRestricted)
	pipe.ZAdd(ctx, s.recentKey(groupID), redis.Z{Score: float64(now.UnixMicro()), Member: id(userID)})
	pipe.IncrBy(ctx, s.sumKey(groupID), int64(delta))
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return moderation.UserRecord{}, fmt.Errorf("increment user record: %w", err)
	}

	return moderation.UserRecord{
		UserID:       userID,
		GroupID:      groupID,
		MessageCount: int(count.Val()),
		IsRestricted: restricted.Val() == "1",
		LastUpdated:  time.UnixMicro(now.UnixMicro()).UTC(),
	}, nil
}

func (s *RecordStore) SetRestricted(ctx context.Context, userID, groupID int64, restricted bool) error {
	key := s.recordKey(userID, groupID)
	now := time.Now().UTC()
	flag := "0"
	if restricted {
		flag = "1"
	}

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, fieldRestricted, flag, fieldUpdated, now.UnixMicro())
	pipe.HSetNX(ctx, key, fieldCount, 0)
	if restricted {
		pipe.SAdd(ctx, s.restrictedKey(groupID), id(userID))
	} else {
		pipe.SRem(ctx, s.restrictedKey(groupID), id(userID))
	}
	pipe.ZAdd(ctx, s.recentKey(groupID), redis.Z{Score: float64(now.UnixMicro()), Member: id(userID)})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("set restricted: %w", err)
	}
	return nil
}

// loadRecords fetches the hashes for the given user ids in one round-trip.
func (s *RecordStore) loadRecords(ctx context.Context, groupID int64, members []string) ([]moderation.UserRecord, error) {
	if len(members) == 0 {
		return nil, nil
	}

	ids := make([]int64, 0, len(members))
	cmds := make([]*redis.MapStringStringCmd, 0, len(members))
	pipe := s.client.Pipeline()
	for _, m := range members {
		userID, err := strconv.ParseInt(m, 10, 64)
		if err != nil {
			continue
		}
		ids = append(ids, userID)
		cmds = append(cmds, pipe.HGetAll(ctx, s.recordKey(userID, groupID)))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}

	records := make([]moderation.UserRecord, 0, len(cmds))
	for i, cmd := range cmds {
		fields := cmd.Val()
		if len(fields) == 0 {
			continue
		}
		records = append(records, decodeRecord(ids[i], groupID, fields))
	}
	return records, nil
}

func (s *RecordStore) ListRestricted(ctx context.Context, groupID int64) ([]moderation.UserRecord, error) {
	members, err := s.client.SMembers(ctx, s.restrictedKey(groupID)).Result()
	if err != nil {
		return nil, fmt.Errorf("list restricted: %w", err)
	}
	records, err := s.loadRecords(ctx, groupID, members)
	if err != nil {
		return nil, fmt.Errorf("list restricted: %w", err)
	}
	return records, nil
}

func (s *RecordStore) Stats(ctx context.Context, groupID int64) (moderation.Stats, error) {
	pipe := s.client.Pipeline()
	total := pipe.ZCard(ctx, s.recentKey(groupID))
	restricted := pipe.SCard(ctx, s.restrictedKey(groupID))
	sum := pipe.Get(ctx, s.sumKey(groupID))
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return moderation.Stats{}, fmt.Errorf("record stats: %w", err)
	}

	stats := moderation.Stats{
		TotalUsers:      int(total.Val()),
		RestrictedUsers: int(restricted.Val()),
	}
	if stats.TotalUsers > 0 {
		n, _ := sum.Int64()
		stats.AverageCount = float64(n) / float64(stats.TotalUsers)
	}
	return stats, nil
}

func (s *RecordStore) RecentUsers(ctx context.Context, groupID int64, limit int) ([]moderation.UserRecord, error) {
	stop := int64(limit) - 1
	if limit <= 0 {
		stop = -1
	}
	members, err := s.client.ZRevRange(ctx, s.recentKey(groupID), 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("recent users: %w", err)
	}
	records, err := s.loadRecords(ctx, groupID, members)
	if err != nil {
		return nil, fmt.Errorf("recent users: %w", err)
	}
	return records, nil
}
