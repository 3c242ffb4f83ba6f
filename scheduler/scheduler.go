// Package scheduler runs named handlers on cron schedules.
package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorhill/cronexpr"

	"github.com/web3tea/doc-sentinel/pkg/clock"
	"github.com/web3tea/doc-sentinel/pkg/log"
)

const DefaultTimeZone = "UTC"

// Handler is one invocation of a scheduled task.
type Handler func(ctx context.Context, logger *log.Logger) error

type task struct {
	name     string
	expr     string
	cron     *cronexpr.Expression
	zone     string
	loc      *time.Location
	timeout  time.Duration
	handler  Handler
	lastRun  time.Time
	lastErr  error
	runCount int
}

// TaskOption customizes a task at registration.
type TaskOption func(*task)

// WithTimeZone evaluates the cron expression in the named IANA zone.
func WithTimeZone(zone string) TaskOption {
	return func(t *task) {
		t.zone = zone
	}
}

// WithTimeout bounds a single invocation.
func WithTimeout(d time.Duration) TaskOption {
	return func(t *task) {
		t.timeout = d
	}
}

type Option func(*Scheduler)

func WithClock(c clock.Clock) Option {
	return func(s *Scheduler) {
		s.clock = c
	}
}

// TaskStatus is a snapshot of a registered task.
type TaskStatus struct {
	Name     string
	Schedule string
	TimeZone string
	Next     time.Time
	LastRun  time.Time
	LastErr  error
	Runs     int
}

type Scheduler struct {
	logger *log.Logger
	clock  clock.Clock

	mu    sync.Mutex
	tasks map[string]*task
}

func New(logger *log.Logger, opts ...Option) *Scheduler {
	if logger == nil {
		logger = log.Nop()
	}
	s := &Scheduler{
		logger: logger.WithGroup("scheduler"),
		clock:  clock.Real{},
		tasks:  map[string]*task{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register adds a task. The cron expression accepts 5 fields (minute
// resolution), 6 (with year) or 7 (with seconds and year).
func (s *Scheduler) Register(name, expr string, handler Handler, opts ...TaskOption) error {
	if name == "" {
		return fmt.Errorf("register task: empty name")
	}
	if handler == nil {
		return fmt.Errorf("register task %s: nil handler", name)
	}
	cron, err := cronexpr.Parse(expr)
	if err != nil {
		return fmt.Errorf("register task %s: invalid schedule %q: %w", name, expr, err)
	}

	t := &task{name: name, expr: expr, cron: cron, zone: DefaultTimeZone, handler: handler}
	for _, opt := range opts {
		opt(t)
	}
	if t.loc, err = time.LoadLocation(t.zone); err != nil {
		return fmt.Errorf("register task %s: invalid time zone %q: %w", name, t.zone, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[name]; ok {
		return fmt.Errorf("register task %s: already registered", name)
	}
	s.tasks[name] = t

	s.logger.With("task", name).With("schedule", expr).With("time_zone", t.zone).
		Infof("scheduler started")
	return nil
}

// Next returns the next fire time of the task after the given instant.
func (s *Scheduler) Next(name string, after time.Time) (time.Time, error) {
	t, err := s.task(name)
	if err != nil {
		return time.Time{}, err
	}
	return t.cron.Next(after.In(t.loc)), nil
}

// Invoke runs the task once. The step timer is closed before the handler
// error, if any, is returned.
func (s *Scheduler) Invoke(ctx context.Context, name string) error {
	t, err := s.task(name)
	if err != nil {
		return err
	}

	logger := s.logger.With("task", name).With("invocation_id", uuid.NewString())
	logger.With("time_zone", t.zone).Infof("scheduler started")

	if t.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.timeout)
		defer cancel()
	}

	step := logger.StartStep(name)
	err = func() error {
		defer step.End()
		return t.handler(ctx, step.Logger())
	}()

	s.mu.Lock()
	t.lastRun = s.clock.Now()
	t.lastErr = err
	t.runCount++
	s.mu.Unlock()

	if err != nil {
		logger.Errorf("task %s failed: %v", name, err)
		return err
	}
	return nil
}

// Run fires every task at its cron times until ctx is done. Invocations of
// one task never overlap; fire times missed while it runs are skipped.
func (s *Scheduler) Run(ctx context.Context) error {
	s.mu.Lock()
	tasks := make([]*task, 0, len(s.tasks))
	for _, t := range s.tasks {
		tasks = append(tasks, t)
	}
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, t := range tasks {
		wg.Add(1)
		go func(t *task) {
			defer wg.Done()
			s.loop(ctx, t)
		}(t)
	}
	wg.Wait()
	return nil
}

func (s *Scheduler) loop(ctx context.Context, t *task) {
	for {
		now := s.clock.Now()
		next := t.cron.Next(now.In(t.loc))
		if next.IsZero() {
			s.logger.With("task", t.name).Warnf("schedule %q has no future fire time", t.expr)
			return
		}

		timer := time.NewTimer(next.Sub(now))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		// Errors are logged by Invoke; the next fire time retries.
		_ = s.Invoke(ctx, t.name)
	}
}

// Status lists tasks sorted by name.
func (s *Scheduler) Status() []TaskStatus {
	now := s.clock.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]TaskStatus, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, TaskStatus{
			Name:     t.name,
			Schedule: t.expr,
			TimeZone: t.zone,
			Next:     t.cron.Next(now.In(t.loc)),
			LastRun:  t.lastRun,
			LastErr:  t.lastErr,
			Runs:     t.runCount,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (s *Scheduler) task(name string) (*task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[name]
	if !ok {
		return nil, fmt.Errorf("task %s not registered", name)
	}
	return t, nil
}
