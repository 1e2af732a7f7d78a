// Package redisstore keeps moderation counters and topic selections in Redis.
//
// Layout, under a configurable prefix:
//
//	rec/<group>/<user>         hash: count, restricted, updated (unix micros)
//	recent/<group>             sorted set of user ids scored by last update
//	restricted/<group>         set of restricted user ids
//	sum/<group>                running total of all counts in the group
//	sel/<chat>                 hash: topic_id, topic_name, selected_at
package redisstore

import (
	"context"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"
)

const DefaultPrefix = "groupwarden/"

// Store owns the Redis client shared by the record and selection stores.
type Store struct {
	client *redis.Client
	prefix string
}

// Open parses a redis:// URL, checks the connection and returns a store
// whose keys all start with prefix.
func Open(ctx context.Context, redisURL, prefix string) (*Store, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	rdb := redis.NewClient(opt)
	if _, err := rdb.Ping(ctx).Result(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Store{client: rdb, prefix: prefix}, nil
}

// Close closes the client.
func (s *Store) Close() error {
	return s.client.Close()
}

// Records returns the moderation counter store.
func (s *Store) Records() *RecordStore {
	return &RecordStore{client: s.client, prefix: s.prefix}
}

// Selections returns the topic selection store.
func (s *Store) Selections() *SelectionStore {
	return &SelectionStore{client: s.client, prefix: s.prefix}
}

func id(v int64) string {
	return strconv.FormatInt(v, 10)
}
