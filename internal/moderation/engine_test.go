package moderation

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"groupwarden/internal/telegram"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testGroup int64 = -1001234567890

type recordKey struct{ user, group int64 }

// fakeStore is an in-memory Store with injectable failures.
type fakeStore struct {
	mu      sync.Mutex
	records map[recordKey]UserRecord

	upsertErr        error
	setRestrictedErr error
	getErr           error
}

func newFakeStore() *fakeStore {
	return &fakeStore{records: make(map[recordKey]UserRecord)}
}

func (s *fakeStore) Get(_ context.Context, userID, groupID int64) (*UserRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.getErr != nil {
		return nil, s.getErr
	}
	rec, ok := s.records[recordKey{userID, groupID}]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (s *fakeStore) UpsertIncrement(_ context.Context, userID, groupID int64, delta int) (UserRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.upsertErr != nil {
		return UserRecord{}, s.upsertErr
	}
	k := recordKey{userID, groupID}
	rec, ok := s.records[k]
	if !ok {
		rec = UserRecord{UserID: userID, GroupID: groupID}
	}
	rec.MessageCount += delta
	rec.LastUpdated = time.Now()
	s.records[k] = rec
	return rec, nil
}

func (s *fakeStore) SetRestricted(_ context.Context, userID, groupID int64, restricted bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.setRestrictedErr != nil {
		return s.setRestrictedErr
	}
	k := recordKey{userID, groupID}
	rec := s.records[k]
	rec.UserID, rec.GroupID = userID, groupID
	rec.IsRestricted = restricted
	s.records[k] = rec
	return nil
}

func (s *fakeStore) ListRestricted(_ context.Context, groupID int64) ([]UserRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []UserRecord
	for k, rec := range s.records {
		if k.group == groupID && rec.IsRestricted {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

func (s *fakeStore) Stats(_ context.Context, groupID int64) (Stats, error) {
	return Stats{}, nil
}

func (s *fakeStore) RecentUsers(_ context.Context, groupID int64, limit int) ([]UserRecord, error) {
	return nil, nil
}

func (s *fakeStore) put(rec UserRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[recordKey{rec.UserID, rec.GroupID}] = rec
}

func (s *fakeStore) record(userID int64) UserRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.records[recordKey{userID, testGroup}]
}

type restrictCall struct {
	userID  int64
	allowed bool
}

type fakeRestrictor struct {
	mu    sync.Mutex
	calls []restrictCall
	fail  func(userID int64, allowed bool) error
}

func (r *fakeRestrictor) RestrictChatMember(ctx context.Context, chatID, userID int64, perms telegram.ChatPermissions) error {
	if _, ok := ctx.Deadline(); !ok {
		return errors.New("transport call without deadline")
	}
	allowed := perms.CanSendMessages
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail != nil {
		if err := r.fail(userID, allowed); err != nil {
			return err
		}
	}
	r.calls = append(r.calls, restrictCall{userID: userID, allowed: allowed})
	return nil
}

func (r *fakeRestrictor) count(allowed bool) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.calls {
		if c.allowed == allowed {
			n++
		}
	}
	return n
}

func newTestEngine(store Store, transport Restrictor) *Engine {
	return NewEngine(store, transport, EngineConfig{
		GroupID:          testGroup,
		Threshold:        3,
		TransportTimeout: time.Second,
	})
}

func TestNewEngine_Defaults(t *testing.T) {
	e := NewEngine(newFakeStore(), &fakeRestrictor{}, EngineConfig{GroupID: testGroup})
	assert.Equal(t, DefaultThreshold, e.Threshold())
	assert.Equal(t, testGroup, e.GroupID())
	assert.Equal(t, DefaultTransportTimeout, e.config.TransportTimeout)
	assert.Equal(t, DefaultReconcileWorkers, e.config.ReconcileWorkers)
}

func TestOnCountedMessage_RestrictsAtThreshold(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	transport := &fakeRestrictor{}
	e := newTestEngine(store, transport)

	for i := 1; i <= 2; i++ {
		rec, err := e.OnCountedMessage(ctx, 42, testGroup)
		require.NoError(t, err)
		assert.Equal(t, i, rec.MessageCount)
		assert.False(t, rec.IsRestricted)
	}
	assert.Equal(t, 0, transport.count(false))

	rec, err := e.OnCountedMessage(ctx, 42, testGroup)
	require.NoError(t, err)
	assert.Equal(t, 3, rec.MessageCount)
	assert.True(t, rec.IsRestricted)
	assert.True(t, store.record(42).IsRestricted)
	assert.Equal(t, 1, transport.count(false))
}

func TestOnCountedMessage_RestrictsOnlyOnce(t *testing.T) {
	ctx := context.Background()
	transport := &fakeRestrictor{}
	e := newTestEngine(newFakeStore(), transport)

	for i := 0; i < 6; i++ {
		_, err := e.OnCountedMessage(ctx, 42, testGroup)
		require.NoError(t, err)
	}

	assert.Equal(t, 1, transport.count(false))
}

func TestOnCountedMessage_IgnoresOtherGroups(t *testing.T) {
	store := newFakeStore()
	e := newTestEngine(store, &fakeRestrictor{})

	_, err := e.OnCountedMessage(context.Background(), 42, -100999)
	assert.ErrorIs(t, err, ErrNotTargetGroup)

	rec, err := store.Get(context.Background(), 42, -100999)
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestOnCountedMessage_TransportFailureKeepsCount(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	failing := true
	transport := &fakeRestrictor{fail: func(int64, bool) error {
		if failing {
			return errors.New("bad request: not enough rights")
		}
		return nil
	}}
	e := newTestEngine(store, transport)

	store.put(UserRecord{UserID: 42, GroupID: testGroup, MessageCount: 2})

	rec, err := e.OnCountedMessage(ctx, 42, testGroup)
	assert.ErrorIs(t, err, ErrTransport)
	assert.Equal(t, 3, rec.MessageCount)
	assert.False(t, rec.IsRestricted)
	assert.False(t, store.record(42).IsRestricted)
	assert.Equal(t, 3, store.record(42).MessageCount)

	// The next counted message retries the restriction.
	failing = false
	rec, err = e.OnCountedMessage(ctx, 42, testGroup)
	require.NoError(t, err)
	assert.Equal(t, 4, rec.MessageCount)
	assert.True(t, rec.IsRestricted)
	assert.Equal(t, 1, transport.count(false))
}

func TestOnCountedMessage_PersistenceFailure(t *testing.T) {
	store := newFakeStore()
	store.upsertErr = errors.New("disk full")
	transport := &fakeRestrictor{}
	e := newTestEngine(store, transport)

	_, err := e.OnCountedMessage(context.Background(), 42, testGroup)
	assert.ErrorIs(t, err, ErrPersistence)
	assert.Equal(t, 0, transport.count(false))
}

func TestOnCountedMessage_FlagWriteFailure(t *testing.T) {
	store := newFakeStore()
	store.put(UserRecord{UserID: 42, GroupID: testGroup, MessageCount: 2})
	store.setRestrictedErr = errors.New("disk full")
	transport := &fakeRestrictor{}
	e := newTestEngine(store, transport)

	ctx := context.Background()
	rec, err := e.OnCountedMessage(ctx, 42, testGroup)
	assert.ErrorIs(t, err, ErrPersistence)
	assert.Equal(t, 3, rec.MessageCount)
	assert.False(t, rec.IsRestricted)
	assert.Equal(t, 1, transport.count(false))
	assert.Equal(t, 1, transport.count(true), "unrecorded restriction must be rolled back")

	store.setRestrictedErr = nil
	rec, err = e.ApplyManualAdjustment(ctx, 42, testGroup, -1)
	require.NoError(t, err)
	assert.Equal(t, 2, rec.MessageCount)
	assert.False(t, rec.IsRestricted)

	res, err := e.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, ReconcileResult{}, res)

	calls := transport.calls
	require.Len(t, calls, 2)
	assert.Equal(t, restrictCall{userID: 42, allowed: false}, calls[0])
	assert.Equal(t, restrictCall{userID: 42, allowed: true}, calls[1])
}

func TestOnCountedMessage_FlagWriteFailureRetriesOnNextMessage(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	store.put(UserRecord{UserID: 42, GroupID: testGroup, MessageCount: 2})
	store.setRestrictedErr = errors.New("disk full")
	transport := &fakeRestrictor{}
	e := newTestEngine(store, transport)

	_, err := e.OnCountedMessage(ctx, 42, testGroup)
	require.ErrorIs(t, err, ErrPersistence)

	store.setRestrictedErr = nil
	rec, err := e.OnCountedMessage(ctx, 42, testGroup)
	require.NoError(t, err)
	assert.Equal(t, 4, rec.MessageCount)
	assert.True(t, rec.IsRestricted)
	assert.True(t, store.record(42).IsRestricted)
	assert.Equal(t, 2, transport.count(false))
	assert.Equal(t, 1, transport.count(true))
}

func TestEngine_ReleasesUserLocks(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(newFakeStore(), &fakeRestrictor{})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(userID int64) {
			defer wg.Done()
			_, _ = e.OnCountedMessage(ctx, userID%5, testGroup)
		}(int64(i))
	}
	wg.Wait()

	assert.Equal(t, 0, e.locks.Size())
}

func TestOnCountedMessage_ConcurrentSameUser(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	transport := &fakeRestrictor{}
	e := newTestEngine(store, transport)

	const n = 50
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.OnCountedMessage(ctx, 42, testGroup)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	rec := store.record(42)
	assert.Equal(t, n, rec.MessageCount)
	assert.True(t, rec.IsRestricted)
	assert.Equal(t, 1, transport.count(false))
}

func TestApplyManualAdjustment_Unrestricts(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	store.put(UserRecord{UserID: 42, GroupID: testGroup, MessageCount: 5, IsRestricted: true})
	transport := &fakeRestrictor{}
	e := newTestEngine(store, transport)

	rec, err := e.ApplyManualAdjustment(ctx, 42, testGroup, -1)
	require.NoError(t, err)
	assert.Equal(t, 4, rec.MessageCount)
	assert.True(t, rec.IsRestricted)
	assert.Equal(t, 0, transport.count(true))

	rec, err = e.ApplyManualAdjustment(ctx, 42, testGroup, -2)
	require.NoError(t, err)
	assert.Equal(t, 2, rec.MessageCount)
	assert.False(t, rec.IsRestricted)
	assert.False(t, store.record(42).IsRestricted)
	assert.Equal(t, 1, transport.count(true))
}

func TestApplyManualAdjustment_ClampsAtZero(t *testing.T) {
	store := newFakeStore()
	store.put(UserRecord{UserID: 42, GroupID: testGroup, MessageCount: 1})
	e := newTestEngine(store, &fakeRestrictor{})

	rec, err := e.ApplyManualAdjustment(context.Background(), 42, testGroup, -10)
	require.NoError(t, err)
	assert.Equal(t, 0, rec.MessageCount)
	assert.Equal(t, 0, store.record(42).MessageCount)
}

func TestApplyManualAdjustment_UnknownUser(t *testing.T) {
	store := newFakeStore()
	e := newTestEngine(store, &fakeRestrictor{})

	_, err := e.ApplyManualAdjustment(context.Background(), 42, testGroup, -1)
	assert.ErrorIs(t, err, ErrNotFound)

	rec, err := store.Get(context.Background(), 42, testGroup)
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestApplyManualAdjustment_UnrestrictFailure(t *testing.T) {
	store := newFakeStore()
	store.put(UserRecord{UserID: 42, GroupID: testGroup, MessageCount: 3, IsRestricted: true})
	transport := &fakeRestrictor{fail: func(int64, bool) error { return errors.New("timeout") }}
	e := newTestEngine(store, transport)

	rec, err := e.ApplyManualAdjustment(context.Background(), 42, testGroup, -3)
	assert.ErrorIs(t, err, ErrTransport)
	assert.Equal(t, 0, rec.MessageCount)
	assert.True(t, rec.IsRestricted)
	assert.True(t, store.record(42).IsRestricted)
}

func TestApplyManualAdjustment_OtherGroup(t *testing.T) {
	e := newTestEngine(newFakeStore(), &fakeRestrictor{})
	_, err := e.ApplyManualAdjustment(context.Background(), 42, 7, -1)
	assert.ErrorIs(t, err, ErrNotTargetGroup)
}

func TestReconcile(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	store.put(UserRecord{UserID: 1, GroupID: testGroup, MessageCount: 1, IsRestricted: true})
	store.put(UserRecord{UserID: 2, GroupID: testGroup, MessageCount: 0, IsRestricted: true})
	store.put(UserRecord{UserID: 3, GroupID: testGroup, MessageCount: 7, IsRestricted: true})
	store.put(UserRecord{UserID: 4, GroupID: testGroup, MessageCount: 1})
	transport := &fakeRestrictor{}
	e := newTestEngine(store, transport)

	result, err := e.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, ReconcileResult{Checked: 3, Lifted: 2}, result)

	assert.False(t, store.record(1).IsRestricted)
	assert.False(t, store.record(2).IsRestricted)
	assert.True(t, store.record(3).IsRestricted)
	assert.Equal(t, 2, transport.count(true))

	// A second pass finds nothing to do.
	result, err = e.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, ReconcileResult{Checked: 1}, result)
}

func TestReconcile_PartialFailure(t *testing.T) {
	store := newFakeStore()
	store.put(UserRecord{UserID: 1, GroupID: testGroup, MessageCount: 1, IsRestricted: true})
	store.put(UserRecord{UserID: 2, GroupID: testGroup, MessageCount: 1, IsRestricted: true})
	transport := &fakeRestrictor{fail: func(userID int64, _ bool) error {
		if userID == 2 {
			return errors.New("user not found")
		}
		return nil
	}}
	e := newTestEngine(store, transport)

	result, err := e.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ReconcileResult{Checked: 2, Lifted: 1, Failed: 1}, result)
	assert.False(t, store.record(1).IsRestricted)
	assert.True(t, store.record(2).IsRestricted)
}

func TestReconcile_ListFailure(t *testing.T) {
	store := &failingListStore{fakeStore: newFakeStore()}
	e := newTestEngine(store, &fakeRestrictor{})

	_, err := e.Reconcile(context.Background())
	assert.ErrorIs(t, err, ErrPersistence)
}

type failingListStore struct {
	*fakeStore
}

func (s *failingListStore) ListRestricted(context.Context, int64) ([]UserRecord, error) {
	return nil, errors.New("connection refused")
}
