// Package scheduler runs the node's background work: announce, gossip,
// remote-follow sync, redelivery and maintenance sweeps. Every task body
// runs behind a recover boundary so a panicking task cannot take the
// node down.
package scheduler

import (
	"context"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"
)

// Task is one scheduled job. Interval zero means run once after Delay.
type Task struct {
	Name     string
	Delay    time.Duration // before the first run
	Interval time.Duration
	Run      func(ctx context.Context)
}

// Scheduler drives a fixed set of tasks on their own goroutines.
type Scheduler struct {
	log   *slog.Logger
	tasks []Task

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func New(log *slog.Logger, tasks ...Task) *Scheduler {
	if log == nil {
		log = slog.Default()
	}
	return &Scheduler{log: log.With("component", "scheduler"), tasks: tasks}
}

// Start launches all tasks. Calling Start twice is a no-op.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true

	ctx, s.cancel = context.WithCancel(ctx)
	for _, task := range s.tasks {
		s.wg.Add(1)
		go s.loop(ctx, task)
	}
	s.log.Info("scheduler started", "tasks", len(s.tasks))
}

// Stop cancels all tasks and waits for them to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	cancel := s.cancel
	s.mu.Unlock()

	cancel()
	s.wg.Wait()
	s.log.Info("scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context, task Task) {
	defer s.wg.Done()

	if task.Delay > 0 {
		t := time.NewTimer(task.Delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}

	s.runSafely(ctx, task)
	if task.Interval <= 0 {
		return
	}

	ticker := time.NewTicker(task.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runSafely(ctx, task)
		}
	}
}

func (s *Scheduler) runSafely(ctx context.Context, task Task) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("task panicked", "task", task.Name,
				"panic", r, "stack", string(debug.Stack()))
		}
	}()
	task.Run(ctx)
}
