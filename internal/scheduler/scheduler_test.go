package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func runFor(t *testing.T, s *Scheduler, d time.Duration) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	if err := s.Run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}
}

func TestAdd_Validation(t *testing.T) {
	s := New()
	noop := func(context.Context) error { return nil }

	if err := s.Add(Task{Interval: time.Second, Run: noop}); err == nil {
		t.Error("expected error for missing name")
	}
	if err := s.Add(Task{Name: "x", Run: noop}); err == nil {
		t.Error("expected error for zero interval")
	}
	if err := s.Add(Task{Name: "x", Interval: time.Second, Run: noop}); err != nil {
		t.Fatal(err)
	}
	if err := s.Add(Task{Name: "x", Interval: time.Second, Run: noop}); err == nil {
		t.Error("expected error for duplicate name")
	}
}

func TestRun_RunsTasksPeriodically(t *testing.T) {
	s := New()
	var fast, slow atomic.Int32
	s.Add(Task{Name: "fast", Interval: 10 * time.Millisecond, Run: func(context.Context) error {
		fast.Add(1)
		return nil
	}})
	s.Add(Task{Name: "slow", Interval: time.Hour, Run: func(context.Context) error {
		slow.Add(1)
		return nil
	}})

	runFor(t, s, 120*time.Millisecond)

	if n := fast.Load(); n < 3 {
		t.Errorf("fast task ran %d times, want at least 3", n)
	}
	if n := slow.Load(); n != 0 {
		t.Errorf("slow task without RunAtStart ran %d times", n)
	}
}

func TestRun_RunAtStart(t *testing.T) {
	s := New()
	var n atomic.Int32
	s.Add(Task{Name: "boot", Interval: time.Hour, RunAtStart: true, Run: func(context.Context) error {
		n.Add(1)
		return nil
	}})

	runFor(t, s, 50*time.Millisecond)

	if n.Load() != 1 {
		t.Errorf("expected exactly one start run, got %d", n.Load())
	}
}

func TestRun_ErrorsDoNotStopLoop(t *testing.T) {
	s := New()
	var n atomic.Int32
	s.Add(Task{Name: "failing", Interval: 10 * time.Millisecond, RunAtStart: true, Run: func(context.Context) error {
		n.Add(1)
		return errors.New("upstream down")
	}})
	s.Add(Task{Name: "panicking", Interval: 10 * time.Millisecond, RunAtStart: true, Run: func(context.Context) error {
		panic("bad input")
	}})

	runFor(t, s, 100*time.Millisecond)

	if n.Load() < 2 {
		t.Errorf("failing task should keep being scheduled, ran %d times", n.Load())
	}
}

func TestRun_NoOverlappingRuns(t *testing.T) {
	s := New()
	var inFlight, maxInFlight atomic.Int32
	s.Add(Task{Name: "slowjob", Interval: 5 * time.Millisecond, RunAtStart: true, Run: func(ctx context.Context) error {
		cur := inFlight.Add(1)
		defer inFlight.Add(-1)
		for {
			old := maxInFlight.Load()
			if cur <= old || maxInFlight.CompareAndSwap(old, cur) {
				break
			}
		}
		select {
		case <-time.After(30 * time.Millisecond):
		case <-ctx.Done():
		}
		return nil
	}})

	runFor(t, s, 120*time.Millisecond)

	if maxInFlight.Load() != 1 {
		t.Errorf("task overlapped itself: max in flight %d", maxInFlight.Load())
	}
}

func TestRun_WaitsForInFlightTasks(t *testing.T) {
	s := New()
	var finished atomic.Bool
	s.Add(Task{Name: "drain", Interval: time.Hour, RunAtStart: true, Run: func(ctx context.Context) error {
		<-ctx.Done()
		time.Sleep(10 * time.Millisecond)
		finished.Store(true)
		return ctx.Err()
	}})

	runFor(t, s, 20*time.Millisecond)

	if !finished.Load() {
		t.Error("Run returned before the in-flight task finished")
	}
}

func TestRun_Twice(t *testing.T) {
	s := New()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s.Run(ctx)
	if err := s.Run(ctx); err == nil {
		t.Error("second Run should fail")
	}
	if err := s.Add(Task{Name: "late", Interval: time.Second, Run: func(context.Context) error { return nil }}); err == nil {
		t.Error("Add after start should fail")
	}
}
