package moderation

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"groupwarden/internal/metrics"
	"groupwarden/internal/telegram"
	"groupwarden/internal/tracing"

	"github.com/puzpuzpuz/xsync/v4"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// Defaults used when EngineConfig leaves a field zero.
const (
	DefaultThreshold        = 3
	DefaultTransportTimeout = 10 * time.Second
	DefaultReconcileWorkers = 4
)

// Restrictor applies chat permissions to a group member.
type Restrictor interface {
	RestrictChatMember(ctx context.Context, chatID, userID int64, perms telegram.ChatPermissions) error
}

// EngineConfig configures the restriction engine.
type EngineConfig struct {
	// GroupID is the single moderated group.
	GroupID int64
	// Threshold is the message count at which a user is restricted.
	Threshold int
	// TransportTimeout bounds each restrict/unrestrict call.
	TransportTimeout time.Duration
	// ReconcileWorkers bounds concurrent unrestrict calls during reconciliation.
	ReconcileWorkers int
}

// Engine is the per-user restriction state machine. A user is either
// unrestricted or restricted; the stored belief only changes after the
// transport confirms the change.
type Engine struct {
	store     Store
	transport Restrictor
	config    EngineConfig

	// per-user mutation locks, dropped once no caller holds or waits on them
	locks *xsync.Map[int64, *userLock]
}

type userLock struct {
	mu sync.Mutex
	// refs is only touched inside locks.Compute.
	refs int
}

// NewEngine creates an Engine.
func NewEngine(store Store, transport Restrictor, config EngineConfig) *Engine {
	if config.Threshold <= 0 {
		config.Threshold = DefaultThreshold
	}
	if config.TransportTimeout <= 0 {
		config.TransportTimeout = DefaultTransportTimeout
	}
	if config.ReconcileWorkers <= 0 {
		config.ReconcileWorkers = DefaultReconcileWorkers
	}
	return &Engine{
		store:     store,
		transport: transport,
		config:    config,
		locks:     xsync.NewMap[int64, *userLock](),
	}
}

// GroupID returns the moderated group.
func (e *Engine) GroupID() int64 { return e.config.GroupID }

// Threshold returns the restriction threshold.
func (e *Engine) Threshold() int { return e.config.Threshold }

func (e *Engine) lock(userID int64) func() {
	ul, _ := e.locks.Compute(userID, func(old *userLock, loaded bool) (*userLock, xsync.ComputeOp) {
		if !loaded {
			old = &userLock{}
		}
		old.refs++
		return old, xsync.UpdateOp
	})
	ul.mu.Lock()

	return func() {
		ul.mu.Unlock()
		e.locks.Compute(userID, func(old *userLock, loaded bool) (*userLock, xsync.ComputeOp) {
			if !loaded {
				return nil, xsync.CancelOp
			}
			old.refs--
			if old.refs == 0 {
				return nil, xsync.DeleteOp
			}
			return old, xsync.UpdateOp
		})
	}
}

// OnCountedMessage records one message from the user and restricts them when
// the count first reaches the threshold.
//
// A rejected restrict call returns the updated record together with an error
// wrapping ErrTransport; the count change stands and the restriction is
// retried on the next counted message.
func (e *Engine) OnCountedMessage(ctx context.Context, userID, groupID int64) (rec UserRecord, err error) {
	if groupID != e.config.GroupID {
		return UserRecord{}, ErrNotTargetGroup
	}

	ctx, span := tracing.EngineSpan(ctx, "count", userID, groupID)
	defer func() {
		tracing.EndWithError(span, err)
		span.End()
	}()

	unlock := e.lock(userID)
	defer unlock()

	rec, err = e.store.UpsertIncrement(ctx, userID, groupID, 1)
	if err != nil {
		return UserRecord{}, fmt.Errorf("%w: count message: %w", ErrPersistence, err)
	}
	metrics.CountedMessagesTotal.Inc()

	log.Debug().
		Int64("user_id", userID).
		Int("count", rec.MessageCount).
		Int("threshold", e.config.Threshold).
		Msg("engine: message counted")

	if rec.MessageCount < e.config.Threshold || rec.IsRestricted {
		return rec, nil
	}

	if err := e.apply(ctx, userID, false); err != nil {
		metrics.RestrictionsTotal.WithLabelValues("failed").Inc()
		log.Warn().Err(err).
			Int64("user_id", userID).
			Int("count", rec.MessageCount).
			Msg("engine: restrict failed, will retry on next message")
		return rec, fmt.Errorf("%w: restrict user %d: %w", ErrTransport, userID, err)
	}
	metrics.RestrictionsTotal.WithLabelValues("applied").Inc()

	if err := e.store.SetRestricted(ctx, userID, groupID, true); err != nil {
		// Nothing scans for restrictions the store does not know about, so
		// undo the remote one; the next counted message retries.
		if uerr := e.apply(ctx, userID, true); uerr != nil {
			metrics.UnrestrictionsTotal.WithLabelValues("rollback", "failed").Inc()
			log.Error().Err(uerr).
				Int64("user_id", userID).
				Msg("engine: failed to roll back unrecorded restriction")
		} else {
			metrics.UnrestrictionsTotal.WithLabelValues("rollback", "applied").Inc()
		}
		return rec, fmt.Errorf("%w: mark restricted: %w", ErrPersistence, err)
	}
	rec.IsRestricted = true

	log.Info().
		Int64("user_id", userID).
		Int("count", rec.MessageCount).
		Msg("engine: user restricted")

	return rec, nil
}

// ApplyManualAdjustment adds delta to the user's count and lifts the
// restriction if the count falls below the threshold. The count never goes
// below zero.
func (e *Engine) ApplyManualAdjustment(ctx context.Context, userID, groupID int64, delta int) (rec UserRecord, err error) {
	if groupID != e.config.GroupID {
		return UserRecord{}, ErrNotTargetGroup
	}

	ctx, span := tracing.EngineSpan(ctx, "adjust", userID, groupID)
	defer func() {
		tracing.EndWithError(span, err)
		span.End()
	}()

	unlock := e.lock(userID)
	defer unlock()

	current, err := e.store.Get(ctx, userID, groupID)
	if err != nil {
		return UserRecord{}, fmt.Errorf("%w: load user: %w", ErrPersistence, err)
	}
	if current == nil {
		return UserRecord{}, ErrNotFound
	}

	if current.MessageCount+delta < 0 {
		delta = -current.MessageCount
	}

	rec, err = e.store.UpsertIncrement(ctx, userID, groupID, delta)
	if err != nil {
		return UserRecord{}, fmt.Errorf("%w: adjust count: %w", ErrPersistence, err)
	}

	log.Info().
		Int64("user_id", userID).
		Int("delta", delta).
		Int("count", rec.MessageCount).
		Msg("engine: count adjusted")

	if rec.MessageCount >= e.config.Threshold || !rec.IsRestricted {
		return rec, nil
	}
	return e.lift(ctx, rec, "manual")
}

// lift unrestricts a user whose count is below the threshold. Caller must
// hold the user's lock.
func (e *Engine) lift(ctx context.Context, rec UserRecord, source string) (UserRecord, error) {
	if err := e.apply(ctx, rec.UserID, true); err != nil {
		metrics.UnrestrictionsTotal.WithLabelValues(source, "failed").Inc()
		log.Warn().Err(err).
			Int64("user_id", rec.UserID).
			Str("source", source).
			Msg("engine: unrestrict failed")
		return rec, fmt.Errorf("%w: unrestrict user %d: %w", ErrTransport, rec.UserID, err)
	}
	metrics.UnrestrictionsTotal.WithLabelValues(source, "applied").Inc()

	if err := e.store.SetRestricted(ctx, rec.UserID, rec.GroupID, false); err != nil {
		return rec, fmt.Errorf("%w: clear restricted: %w", ErrPersistence, err)
	}
	rec.IsRestricted = false

	log.Info().
		Int64("user_id", rec.UserID).
		Int("count", rec.MessageCount).
		Str("source", source).
		Msg("engine: user unrestricted")

	return rec, nil
}

func (e *Engine) apply(ctx context.Context, userID int64, allowed bool) error {
	ctx, cancel := context.WithTimeout(ctx, e.config.TransportTimeout)
	defer cancel()
	return e.transport.RestrictChatMember(ctx, e.config.GroupID, userID, telegram.SendPermissions(allowed))
}

// ReconcileResult summarizes one reconciliation pass.
type ReconcileResult struct {
	// Checked is the number of records believed restricted.
	Checked int
	// Lifted is the number of users unrestricted during the pass.
	Lifted int
	// Failed is the number of users whose unrestrict call or write failed.
	Failed int
}

// Reconcile unrestricts every user believed restricted whose count is below
// the threshold. It only ever demotes: a user crossing the threshold during
// the pass is restricted by their next counted message instead.
func (e *Engine) Reconcile(ctx context.Context) (ReconcileResult, error) {
	start := time.Now()
	defer func() {
		metrics.ReconcileDuration.Observe(time.Since(start).Seconds())
	}()

	records, err := e.store.ListRestricted(ctx, e.config.GroupID)
	if err != nil {
		return ReconcileResult{}, fmt.Errorf("%w: list restricted: %w", ErrPersistence, err)
	}

	var lifted, failed atomic.Int64
	var g errgroup.Group
	g.SetLimit(e.config.ReconcileWorkers)

	for _, r := range records {
		if r.MessageCount >= e.config.Threshold {
			continue
		}
		userID := r.UserID
		g.Go(func() error {
			ok, err := e.reconcileUser(ctx, userID)
			switch {
			case err != nil:
				failed.Add(1)
			case ok:
				lifted.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()

	result := ReconcileResult{
		Checked: len(records),
		Lifted:  int(lifted.Load()),
		Failed:  int(failed.Load()),
	}

	if result.Lifted > 0 || result.Failed > 0 {
		log.Info().
			Int("checked", result.Checked).
			Int("lifted", result.Lifted).
			Int("failed", result.Failed).
			Msg("engine: reconciliation pass finished")
	}

	return result, nil
}

// reconcileUser re-reads the record under the user's lock so a concurrent
// adjustment is never overwritten.
func (e *Engine) reconcileUser(ctx context.Context, userID int64) (bool, error) {
	unlock := e.lock(userID)
	defer unlock()

	current, err := e.store.Get(ctx, userID, e.config.GroupID)
	if err != nil {
		log.Error().Err(err).Int64("user_id", userID).Msg("engine: failed to load user during reconciliation")
		return false, fmt.Errorf("%w: load user: %w", ErrPersistence, err)
	}
	if current == nil || !current.IsRestricted || current.MessageCount >= e.config.Threshold {
		return false, nil
	}

	if _, err := e.lift(ctx, *current, "reconcile"); err != nil {
		return false, err
	}
	return true, nil
}
