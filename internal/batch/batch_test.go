package batch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestRun_VisitsEveryItemAndCountsFailures(t *testing.T) {
	items := []int{1, 2, 3, 4, 5, 6, 7}
	var (
		mu   sync.Mutex
		seen = map[int]bool{}
	)
	failed, err := Run(context.Background(), items, Options{Size: 3}, func(_ context.Context, i int) error {
		mu.Lock()
		seen[i] = true
		mu.Unlock()
		if i%2 == 0 {
			return errors.New("even")
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if failed != 3 {
		t.Errorf("failed = %d, want 3", failed)
	}
	if len(seen) != len(items) {
		t.Errorf("visited %d items, want %d", len(seen), len(items))
	}
}

func TestRun_BoundsConcurrency(t *testing.T) {
	var inFlight, peak atomic.Int32
	items := make([]int, 25)
	Run(context.Background(), items, Options{Size: 5}, func(context.Context, int) error {
		cur := inFlight.Add(1)
		defer inFlight.Add(-1)
		for {
			old := peak.Load()
			if cur <= old || peak.CompareAndSwap(old, cur) {
				break
			}
		}
		time.Sleep(2 * time.Millisecond)
		return nil
	})
	if peak.Load() > 5 {
		t.Errorf("peak concurrency %d exceeds batch size", peak.Load())
	}
}

func TestRun_DelaysBetweenBatches(t *testing.T) {
	start := time.Now()
	Run(context.Background(), []int{1, 2, 3}, Options{Size: 1, Delay: 20 * time.Millisecond},
		func(context.Context, int) error { return nil })
	if elapsed := time.Since(start); elapsed < 40*time.Millisecond {
		t.Errorf("expected two inter-batch delays, took %v", elapsed)
	}
}

func TestRun_StopsWhenCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var calls atomic.Int32
	_, err := Run(ctx, []int{1, 2, 3, 4}, Options{Size: 1, Delay: time.Hour}, func(context.Context, int) error {
		calls.Add(1)
		cancel()
		return nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	if calls.Load() != 1 {
		t.Errorf("expected one call before cancellation, got %d", calls.Load())
	}
}

func TestRun_Empty(t *testing.T) {
	failed, err := Run(context.Background(), []string(nil), DefaultOptions(), func(context.Context, string) error {
		t.Fatal("fn must not be called")
		return nil
	})
	if failed != 0 || err != nil {
		t.Errorf("failed=%d err=%v", failed, err)
	}
}
