package buffer

import (
	"sync"
	"testing"
	"time"
)

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func TestShouldFlush(t *testing.T) {
	p := Policy{MaxSize: 3, MaxAge: time.Minute}
	tests := []struct {
		name   string
		n      int
		oldest time.Time
		now    time.Time
		want   bool
	}{
		{"empty never flushes", 0, t0, t0.Add(time.Hour), false},
		{"below size and age", 2, t0, t0.Add(30 * time.Second), false},
		{"size reached", 3, t0, t0, true},
		{"age reached", 1, t0, t0.Add(time.Minute), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ShouldFlush(tt.n, tt.oldest, tt.now, p); got != tt.want {
				t.Errorf("ShouldFlush = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestShouldFlush_ZeroPolicyDisablesTriggers(t *testing.T) {
	if ShouldFlush(1000, t0, t0.Add(24*time.Hour), Policy{}) {
		t.Error("zero policy should never flush")
	}
}

func TestAdd_FlushesOnSize(t *testing.T) {
	b := New[int](Policy{MaxSize: 3})
	if out := b.Add(1, t0); out != nil {
		t.Fatalf("unexpected flush %v", out)
	}
	b.Add(2, t0)
	out := b.Add(3, t0)
	if len(out) != 3 || out[0] != 1 || out[2] != 3 {
		t.Fatalf("expected [1 2 3], got %v", out)
	}
	if b.Len() != 0 {
		t.Errorf("buffer should be empty after flush, len=%d", b.Len())
	}
}

func TestAdd_FlushesOnAge(t *testing.T) {
	b := New[string](Policy{MaxSize: 100, MaxAge: time.Minute})
	b.Add("a", t0)
	if b.Due(t0.Add(59 * time.Second)) {
		t.Error("should not be due yet")
	}
	if !b.Due(t0.Add(time.Minute)) {
		t.Error("should be due after MaxAge")
	}
	out := b.Add("b", t0.Add(2*time.Minute))
	if len(out) != 2 {
		t.Fatalf("expected age flush of 2, got %v", out)
	}

	// Age restarts with the next batch.
	b.Add("c", t0.Add(3*time.Minute))
	if b.Due(t0.Add(3*time.Minute + 30*time.Second)) {
		t.Error("new batch inherited old age")
	}
}

func TestDrain(t *testing.T) {
	b := New[int](Policy{MaxSize: 10})
	if b.Drain() != nil {
		t.Error("drain of empty buffer should be nil")
	}
	b.Add(1, t0)
	b.Add(2, t0)
	if out := b.Drain(); len(out) != 2 {
		t.Errorf("drain = %v", out)
	}
	if b.Len() != 0 {
		t.Error("drain must empty the buffer")
	}
}

func TestAdd_ConcurrentNoLoss(t *testing.T) {
	b := New[int](Policy{MaxSize: 7})
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		flushed int
	)
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if out := b.Add(i, t0); out != nil {
				mu.Lock()
				flushed += len(out)
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	flushed += len(b.Drain())
	if flushed != 100 {
		t.Errorf("expected 100 items across flushes, got %d", flushed)
	}
}
