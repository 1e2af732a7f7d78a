// Package storetest holds behaviour tests shared by every storage backend.
package storetest

import (
	"context"
	"sync"
	"testing"
	"time"

	"groupwarden/internal/moderation"
	"groupwarden/internal/relay"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	group      int64 = -1001234567890
	otherGroup int64 = -1009999999999
)

// RunRecordStore exercises a moderation.Store. newStore must return an empty store.
func RunRecordStore(t *testing.T, newStore func(t *testing.T) moderation.Store) {
	ctx := context.Background()

	t.Run("get missing record", func(t *testing.T) {
		s := newStore(t)
		rec, err := s.Get(ctx, 1, group)
		require.NoError(t, err)
		assert.Nil(t, rec)
	})

	t.Run("upsert creates then increments", func(t *testing.T) {
		s := newStore(t)

		rec, err := s.UpsertIncrement(ctx, 1, group, 1)
		require.NoError(t, err)
		assert.Equal(t, 1, rec.MessageCount)
		assert.False(t, rec.IsRestricted)
		assert.Equal(t, int64(1), rec.UserID)
		assert.Equal(t, group, rec.GroupID)
		assert.False(t, rec.LastUpdated.IsZero())

		rec, err = s.UpsertIncrement(ctx, 1, group, 1)
		require.NoError(t, err)
		assert.Equal(t, 2, rec.MessageCount)

		rec, err = s.UpsertIncrement(ctx, 1, group, -2)
		require.NoError(t, err)
		assert.Equal(t, 0, rec.MessageCount)

		got, err := s.Get(ctx, 1, group)
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, 0, got.MessageCount)
	})

	t.Run("groups are separate", func(t *testing.T) {
		s := newStore(t)

		_, err := s.UpsertIncrement(ctx, 1, group, 3)
		require.NoError(t, err)
		_, err = s.UpsertIncrement(ctx, 1, otherGroup, 1)
		require.NoError(t, err)

		rec, err := s.Get(ctx, 1, group)
		require.NoError(t, err)
		assert.Equal(t, 3, rec.MessageCount)

		rec, err = s.Get(ctx, 1, otherGroup)
		require.NoError(t, err)
		assert.Equal(t, 1, rec.MessageCount)
	})

	t.Run("set restricted keeps count", func(t *testing.T) {
		s := newStore(t)

		_, err := s.UpsertIncrement(ctx, 1, group, 3)
		require.NoError(t, err)
		require.NoError(t, s.SetRestricted(ctx, 1, group, true))

		rec, err := s.Get(ctx, 1, group)
		require.NoError(t, err)
		assert.True(t, rec.IsRestricted)
		assert.Equal(t, 3, rec.MessageCount)

		rec2, err := s.UpsertIncrement(ctx, 1, group, 1)
		require.NoError(t, err)
		assert.True(t, rec2.IsRestricted)
		assert.Equal(t, 4, rec2.MessageCount)

		require.NoError(t, s.SetRestricted(ctx, 1, group, false))
		rec, err = s.Get(ctx, 1, group)
		require.NoError(t, err)
		assert.False(t, rec.IsRestricted)
	})

	t.Run("list restricted", func(t *testing.T) {
		s := newStore(t)

		for user := int64(1); user <= 4; user++ {
			_, err := s.UpsertIncrement(ctx, user, group, int(user))
			require.NoError(t, err)
		}
		require.NoError(t, s.SetRestricted(ctx, 2, group, true))
		require.NoError(t, s.SetRestricted(ctx, 4, group, true))

		_, err := s.UpsertIncrement(ctx, 9, otherGroup, 5)
		require.NoError(t, err)
		require.NoError(t, s.SetRestricted(ctx, 9, otherGroup, true))

		records, err := s.ListRestricted(ctx, group)
		require.NoError(t, err)

		ids := make([]int64, 0, len(records))
		for _, r := range records {
			assert.True(t, r.IsRestricted)
			assert.Equal(t, group, r.GroupID)
			ids = append(ids, r.UserID)
		}
		assert.ElementsMatch(t, []int64{2, 4}, ids)
	})

	t.Run("stats", func(t *testing.T) {
		s := newStore(t)

		stats, err := s.Stats(ctx, group)
		require.NoError(t, err)
		assert.Equal(t, moderation.Stats{}, stats)

		_, err = s.UpsertIncrement(ctx, 1, group, 1)
		require.NoError(t, err)
		_, err = s.UpsertIncrement(ctx, 2, group, 4)
		require.NoError(t, err)
		require.NoError(t, s.SetRestricted(ctx, 2, group, true))

		stats, err = s.Stats(ctx, group)
		require.NoError(t, err)
		assert.Equal(t, 2, stats.TotalUsers)
		assert.Equal(t, 1, stats.RestrictedUsers)
		assert.InDelta(t, 2.5, stats.AverageCount, 0.001)
	})

	t.Run("recent users newest first", func(t *testing.T) {
		s := newStore(t)

		for user := int64(1); user <= 3; user++ {
			_, err := s.UpsertIncrement(ctx, user, group, 1)
			require.NoError(t, err)
			time.Sleep(5 * time.Millisecond)
		}
		_, err := s.UpsertIncrement(ctx, 1, group, 1)
		require.NoError(t, err)

		recent, err := s.RecentUsers(ctx, group, 2)
		require.NoError(t, err)
		require.Len(t, recent, 2)
		assert.Equal(t, int64(1), recent[0].UserID)
		assert.Equal(t, int64(3), recent[1].UserID)
	})

	t.Run("concurrent increments are atomic", func(t *testing.T) {
		s := newStore(t)

		const n = 25
		var wg sync.WaitGroup
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := s.UpsertIncrement(ctx, 7, group, 1)
				assert.NoError(t, err)
			}()
		}
		wg.Wait()

		rec, err := s.Get(ctx, 7, group)
		require.NoError(t, err)
		assert.Equal(t, n, rec.MessageCount)
	})
}

// RunSelectionStore exercises a relay.SelectionStore. newStore must return an empty store.
func RunSelectionStore(t *testing.T, newStore func(t *testing.T) relay.SelectionStore) {
	ctx := context.Background()

	t.Run("missing selection", func(t *testing.T) {
		s := newStore(t)
		sel, err := s.GetSelection(ctx, 55)
		require.NoError(t, err)
		assert.Nil(t, sel)
	})

	t.Run("put and overwrite", func(t *testing.T) {
		s := newStore(t)
		at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

		require.NoError(t, s.PutSelection(ctx, relay.TopicSelection{ChatID: 55, TopicID: 27, TopicName: "General", SelectedAt: at}))
		require.NoError(t, s.PutSelection(ctx, relay.TopicSelection{ChatID: 56, TopicID: 27, TopicName: "General", SelectedAt: at}))
		require.NoError(t, s.PutSelection(ctx, relay.TopicSelection{ChatID: 55, TopicID: 28, TopicName: "Dev", SelectedAt: at}))

		sel, err := s.GetSelection(ctx, 55)
		require.NoError(t, err)
		require.NotNil(t, sel)
		assert.Equal(t, int64(28), sel.TopicID)
		assert.Equal(t, "Dev", sel.TopicName)
		assert.True(t, at.Equal(sel.SelectedAt))

		sel, err = s.GetSelection(ctx, 56)
		require.NoError(t, err)
		assert.Equal(t, int64(27), sel.TopicID)
	})
}
