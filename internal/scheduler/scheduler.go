// Package scheduler drives the engine's periodic jobs from one loop.
//
// The loop owns every timer. Each task runs in its own goroutine when due,
// and a task that is still running when its next tick arrives is skipped for
// that tick rather than run concurrently with itself.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/atmx/convergence-engine/internal/metrics"
)

// Task is one periodic job.
type Task struct {
	Name       string
	Interval   time.Duration
	Run        func(ctx context.Context) error
	RunAtStart bool
}

type entry struct {
	task    Task
	next    time.Time
	running bool
}

// Scheduler runs registered tasks until its context is cancelled.
type Scheduler struct {
	mu      sync.Mutex
	entries []*entry
	started bool
}

// New creates an empty scheduler.
func New() *Scheduler {
	return &Scheduler{}
}

// Add registers a task. It must be called before Run.
func (s *Scheduler) Add(t Task) error {
	if t.Name == "" || t.Run == nil {
		return errors.New("scheduler: task needs a name and a run func")
	}
	if t.Interval <= 0 {
		return fmt.Errorf("scheduler: task %s: interval must be positive", t.Name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return fmt.Errorf("scheduler: task %s added after start", t.Name)
	}
	for _, e := range s.entries {
		if e.task.Name == t.Name {
			return fmt.Errorf("scheduler: duplicate task %s", t.Name)
		}
	}
	s.entries = append(s.entries, &entry{task: t})
	return nil
}

// Run blocks until ctx is cancelled, then waits for in-flight tasks.
func (s *Scheduler) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return errors.New("scheduler: already running")
	}
	s.started = true
	now := time.Now()
	for _, e := range s.entries {
		if e.task.RunAtStart {
			e.next = now
		} else {
			e.next = now.Add(e.task.Interval)
		}
	}
	s.mu.Unlock()

	done := make(chan *entry)
	var wg sync.WaitGroup
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			slog.Info("scheduler stopped")
			return nil

		case e := <-done:
			e.running = false

		case now := <-timer.C:
			for _, e := range s.entries {
				if now.Before(e.next) {
					continue
				}
				e.next = now.Add(e.task.Interval)
				if e.running {
					slog.Warn("task still running, skipping tick", "task", e.task.Name)
					continue
				}
				e.running = true
				wg.Add(1)
				go func(e *entry) {
					defer wg.Done()
					s.execute(ctx, e.task)
					select {
					case done <- e:
					case <-ctx.Done():
					}
				}(e)
			}
		}
		timer.Reset(s.untilNext(time.Now()))
	}
}

func (s *Scheduler) untilNext(now time.Time) time.Duration {
	var earliest time.Time
	for _, e := range s.entries {
		if earliest.IsZero() || e.next.Before(earliest) {
			earliest = e.next
		}
	}
	if earliest.IsZero() {
		return time.Hour
	}
	if d := earliest.Sub(now); d > 0 {
		return d
	}
	return 0
}

func (s *Scheduler) execute(ctx context.Context, t Task) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			slog.Error("task panicked", "task", t.Name, "panic", r)
			metrics.ObserveTask(t.Name, start, fmt.Errorf("panic: %v", r))
		}
	}()

	err := t.Run(ctx)
	metrics.ObserveTask(t.Name, start, err)
	if err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("task failed", "task", t.Name, "err", err, "duration_ms", time.Since(start).Milliseconds())
		return
	}
	slog.Debug("task complete", "task", t.Name, "duration_ms", time.Since(start).Milliseconds())
}
