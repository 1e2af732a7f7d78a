// Package scheduler runs periodic background tasks: the reconcile pass, the
// panel cache sweep and the Bot API keep-alive.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"groupwarden/internal/metrics"

	"github.com/adhocore/gronx"
	"github.com/rs/zerolog/log"
)

var (
	ErrInvalidSchedule = errors.New("invalid schedule")
	ErrDuplicateTask   = errors.New("duplicate task name")
	ErrRunning         = errors.New("scheduler already running")
)

// retryDelay is how long a task loop waits after failing to compute its next tick.
const retryDelay = 30 * time.Second

// Task is a named job run either on a cron schedule or at a fixed interval.
// Exactly one of Cron or Every must be set.
type Task struct {
	Name  string
	Cron  string
	Every time.Duration

	// Timeout bounds a single run. Zero means the run only ends with the
	// scheduler's context.
	Timeout time.Duration

	Run func(ctx context.Context) error
}

func (t Task) validate() error {
	if t.Name == "" {
		return fmt.Errorf("%w: task without name", ErrInvalidSchedule)
	}
	if t.Run == nil {
		return fmt.Errorf("%w: task %s has no run func", ErrInvalidSchedule, t.Name)
	}
	switch {
	case t.Cron != "" && t.Every > 0:
		return fmt.Errorf("%w: task %s sets both cron and interval", ErrInvalidSchedule, t.Name)
	case t.Cron != "":
		if !gronx.IsValid(t.Cron) {
			return fmt.Errorf("%w: task %s: cron %q", ErrInvalidSchedule, t.Name, t.Cron)
		}
	case t.Every <= 0:
		return fmt.Errorf("%w: task %s needs a cron or a positive interval", ErrInvalidSchedule, t.Name)
	}
	return nil
}

// next returns the time of the run after now.
func (t Task) next(now time.Time) (time.Time, error) {
	if t.Cron != "" {
		return gronx.NextTickAfter(t.Cron, now, false)
	}
	return now.Add(t.Every), nil
}

// Scheduler owns a set of tasks. A task never overlaps with itself; distinct
// tasks run concurrently.
type Scheduler struct {
	mu      sync.Mutex
	tasks   []Task
	names   map[string]bool
	running bool

	now func() time.Time
}

// New returns an empty scheduler.
func New() *Scheduler {
	return &Scheduler{
		names: make(map[string]bool),
		now:   time.Now,
	}
}

// Add registers a task. It must be called before Run.
func (s *Scheduler) Add(t Task) error {
	if err := t.validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return ErrRunning
	}
	if s.names[t.Name] {
		return fmt.Errorf("%w: %s", ErrDuplicateTask, t.Name)
	}
	s.names[t.Name] = true
	s.tasks = append(s.tasks, t)
	return nil
}

// Tasks returns the registered task names in registration order.
func (s *Scheduler) Tasks() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	names := make([]string, 0, len(s.tasks))
	for _, t := range s.tasks {
		names = append(names, t.Name)
	}
	return names
}

// Run starts every task loop and blocks until ctx is cancelled and all
// in-flight runs have returned.
func (s *Scheduler) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrRunning
	}
	s.running = true
	tasks := append([]Task(nil), s.tasks...)
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	var wg sync.WaitGroup
	for _, t := range tasks {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.loop(ctx, t)
		}()
	}

	log.Info().Strs("tasks", s.Tasks()).Msg("scheduler: started")
	wg.Wait()
	log.Info().Msg("scheduler: stopped")
	return nil
}

func (s *Scheduler) loop(ctx context.Context, t Task) {
	for {
		next, err := t.next(s.now())
		if err != nil {
			log.Error().Err(err).Str("task", t.Name).Msg("scheduler: failed to compute next tick")
			if !sleep(ctx, retryDelay) {
				return
			}
			continue
		}

		if !sleep(ctx, next.Sub(s.now())) {
			return
		}
		s.RunOnce(ctx, t)
	}
}

// RunOnce executes a single run of t, recording its outcome.
func (s *Scheduler) RunOnce(ctx context.Context, t Task) {
	if t.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.Timeout)
		defer cancel()
	}

	start := s.now()
	err := runSafely(ctx, t)
	elapsed := s.now().Sub(start)

	if err != nil {
		metrics.TaskRunsTotal.WithLabelValues(t.Name, "error").Inc()
		log.Warn().Err(err).Str("task", t.Name).Dur("elapsed", elapsed).Msg("scheduler: task failed")
		return
	}
	metrics.TaskRunsTotal.WithLabelValues(t.Name, "ok").Inc()
	log.Debug().Str("task", t.Name).Dur("elapsed", elapsed).Msg("scheduler: task finished")
}

func runSafely(ctx context.Context, t Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task %s panicked: %v", t.Name, r)
		}
	}()
	return t.Run(ctx)
}

// sleep waits for d or until ctx is done, reporting whether the wait completed.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
