// Package scheduler runs the daemon's periodic maintenance tasks on a
// shared ticker: job history pruning, stale draft expiry, and the status
// cache freshness probe.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"protomedia/internal/logging"
)

// Task is one named maintenance routine. Tasks must be safe to run
// repeatedly and tolerate overlap with normal daemon work.
type Task struct {
	Name string
	Run  func(ctx context.Context) error
}

// Scheduler drives registered tasks at a fixed interval until stopped.
type Scheduler struct {
	interval time.Duration
	logger   *slog.Logger

	// ticks overrides the internal ticker when set. Tests drive the
	// loop deterministically through it.
	ticks <-chan time.Time

	mu      sync.Mutex
	tasks   []Task
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

// New creates a scheduler firing every interval.
func New(interval time.Duration, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		interval: interval,
		logger:   logging.NewComponentLogger(logger, "scheduler"),
	}
}

// NewWithTicks creates a scheduler driven by an external tick channel.
func NewWithTicks(ticks <-chan time.Time, logger *slog.Logger) *Scheduler {
	s := New(time.Hour, logger)
	s.ticks = ticks
	return s
}

// Register adds a task. Must be called before Start.
func (s *Scheduler) Register(name string, run func(ctx context.Context) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks = append(s.tasks, Task{Name: name, Run: run})
}

// Start launches the maintenance loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return errors.New("scheduler already running")
	}
	if len(s.tasks) == 0 {
		return errors.New("scheduler has no tasks")
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.running = true

	go s.loop(runCtx, s.done)

	s.logger.Info("maintenance scheduler started",
		logging.Int("tasks", len(s.tasks)),
		logging.Duration("interval", s.interval))
	return nil
}

// Stop halts the loop and waits for any in-flight pass to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	cancel := s.cancel
	done := s.done
	s.running = false
	s.cancel = nil
	s.mu.Unlock()

	cancel()
	<-done
	s.logger.Info("maintenance scheduler stopped")
}

// RunAll executes every registered task once, immediately. The daemon
// calls this at startup so retention bounds are enforced before the
// first interval elapses. Task failures are logged and do not abort the
// pass.
func (s *Scheduler) RunAll(ctx context.Context) {
	s.mu.Lock()
	tasks := make([]Task, len(s.tasks))
	copy(tasks, s.tasks)
	s.mu.Unlock()

	for _, task := range tasks {
		if ctx.Err() != nil {
			return
		}
		s.runTask(ctx, task)
	}
}

func (s *Scheduler) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticks := s.ticks
	if ticks == nil {
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		ticks = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticks:
			// A pass that has started runs to completion; Stop waits for
			// it rather than aborting it mid-way.
			s.RunAll(context.WithoutCancel(ctx))
		}
	}
}

func (s *Scheduler) runTask(ctx context.Context, task Task) {
	start := time.Now()
	if err := task.Run(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		s.logger.Warn("maintenance task failed",
			logging.String("task", task.Name),
			logging.Error(err),
			logging.String(logging.FieldEventType, "maintenance_task_failed"))
		return
	}
	s.logger.Debug("maintenance task finished",
		logging.String("task", task.Name),
		logging.Duration("elapsed", time.Since(start)))
}
