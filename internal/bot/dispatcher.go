package bot

import (
	"context"
	"errors"
	"sync"

	"groupwarden/internal/metrics"
	"groupwarden/internal/telegram"

	"github.com/puzpuzpuz/xsync/v4"
	"github.com/rs/zerolog/log"
)

// Dispatcher defaults.
const (
	DefaultWorkers   = 8
	DefaultQueueSize = 64
)

var ErrStopped = errors.New("bot: dispatcher stopped")

// Handler processes one event to completion.
type Handler interface {
	Handle(ctx context.Context, ev Event)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, ev Event)

func (f HandlerFunc) Handle(ctx context.Context, ev Event) { f(ctx, ev) }

// DispatcherConfig configures a Dispatcher.
type DispatcherConfig struct {
	Workers     int
	QueueSize   int
	BotUsername string
}

// Dispatcher fans updates out to a fixed set of worker lanes. Every event of
// a given sender lands on the same lane, so one user's events are handled in
// arrival order while different users proceed in parallel.
type Dispatcher struct {
	handler Handler
	config  DispatcherConfig

	mu      sync.RWMutex
	lanes   []chan Event
	stopped bool
	wg      sync.WaitGroup

	inFlight *xsync.Counter
}

// NewDispatcher creates a Dispatcher. Call Start before delivering updates.
func NewDispatcher(handler Handler, config DispatcherConfig) *Dispatcher {
	if config.Workers <= 0 {
		config.Workers = DefaultWorkers
	}
	if config.QueueSize <= 0 {
		config.QueueSize = DefaultQueueSize
	}
	return &Dispatcher{
		handler:  handler,
		config:   config,
		inFlight: xsync.NewCounter(),
	}
}

// Start launches the worker lanes. Handlers run with ctx, not with the
// context of whoever delivered the update.
func (d *Dispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.lanes = make([]chan Event, d.config.Workers)
	for i := range d.lanes {
		lane := make(chan Event, d.config.QueueSize)
		d.lanes[i] = lane
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			for ev := range lane {
				d.run(ctx, ev)
				d.inFlight.Dec()
			}
		}()
	}
	log.Info().Int("workers", d.config.Workers).Msg("bot: dispatcher started")
}

func (d *Dispatcher) run(ctx context.Context, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			env := ev.Env()
			log.Error().
				Interface("panic", r).
				Str("kind", ev.kind()).
				Int64("chat_id", env.ChatID).
				Int64("user_id", env.Sender.ID).
				Msg("bot: handler panicked")
		}
	}()
	d.handler.Handle(ctx, ev)
}

// Stop stops accepting updates, drains queued events and waits for the lanes.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	d.stopped = true
	for _, lane := range d.lanes {
		close(lane)
	}
	d.mu.Unlock()

	d.wg.Wait()
	log.Info().Msg("bot: dispatcher stopped")
}

// InFlight returns the number of queued or running events.
func (d *Dispatcher) InFlight() int64 {
	return d.inFlight.Value()
}

// HandleUpdate implements telegram.UpdateHandler. It blocks while the
// sender's lane is full, until ctx is done.
func (d *Dispatcher) HandleUpdate(ctx context.Context, u telegram.Update) {
	ev, ok := Parse(u, d.config.BotUsername)
	if !ok {
		metrics.UpdatesTotal.WithLabelValues("ignored").Inc()
		return
	}
	metrics.UpdatesTotal.WithLabelValues(ev.kind()).Inc()

	if err := d.Enqueue(ctx, ev); err != nil {
		log.Warn().Err(err).Int64("update_id", u.UpdateID).Msg("bot: dropped update")
	}
}

// Enqueue places ev on its sender's lane.
func (d *Dispatcher) Enqueue(ctx context.Context, ev Event) error {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.stopped || d.lanes == nil {
		return ErrStopped
	}

	lane := d.lanes[laneFor(ev.Env().Sender.ID, len(d.lanes))]
	d.inFlight.Inc()
	select {
	case lane <- ev:
		return nil
	case <-ctx.Done():
		d.inFlight.Dec()
		return ctx.Err()
	}
}

func laneFor(userID int64, n int) int {
	u := uint64(userID)
	return int(u % uint64(n))
}
