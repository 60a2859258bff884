package ratelimit

import (
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"warden/pkg/clock"
)

func TestSlidingLimiterWindow(t *testing.T) {
	clk := clock.NewFake(time.Unix(1700000000, 0))
	limiter := NewSliding(clk)
	key := "in|chat|operator"

	first := limiter.Allow(key, 2, time.Minute)
	if !first.Allowed || first.Count != 1 || first.Remaining != 1 {
		t.Fatalf("unexpected first decision: %+v", first)
	}
	second := limiter.Allow(key, 2, time.Minute)
	if !second.Allowed || second.Count != 2 || second.Remaining != 0 {
		t.Fatalf("unexpected second decision: %+v", second)
	}
	third := limiter.Allow(key, 2, time.Minute)
	if third.Allowed {
		t.Fatalf("expected denial at limit, got %+v", third)
	}
	if third.RetryAfter <= 0 || third.RetryAfter > time.Minute {
		t.Fatalf("unexpected retry-after: %v", third.RetryAfter)
	}
	clk.Advance(61 * time.Second)
	reset := limiter.Allow(key, 2, time.Minute)
	if !reset.Allowed || reset.Count != 1 {
		t.Fatalf("expected slot after window slid, got %+v", reset)
	}
}

// A sliding log must not admit a burst across a bucket boundary the way a
// fixed-interval counter would.
func TestSlidingLimiterNoBoundaryBurst(t *testing.T) {
	clk := clock.NewFake(time.Unix(1700000000, 0))
	limiter := NewSliding(clk)
	key := "in|chat|operator"

	for i := 0; i < 3; i++ {
		if d := limiter.Allow(key, 3, time.Minute); !d.Allowed {
			t.Fatalf("admission %d should pass: %+v", i, d)
		}
		clk.Advance(15 * time.Second)
	}
	// 45s in: window still holds all three admissions
	if d := limiter.Allow(key, 3, time.Minute); d.Allowed {
		t.Fatalf("expected denial inside window, got %+v", d)
	}
	clk.Advance(16 * time.Second)
	// oldest admission has slid out, exactly one slot free
	if d := limiter.Allow(key, 3, time.Minute); !d.Allowed {
		t.Fatalf("expected one freed slot, got %+v", d)
	}
	if d := limiter.Allow(key, 3, time.Minute); d.Allowed {
		t.Fatalf("expected denial after consuming freed slot, got %+v", d)
	}
}

func TestSlidingLimiterUnbounded(t *testing.T) {
	limiter := NewSliding(clock.NewFake(time.Unix(1700000000, 0)))
	for i := 0; i < 1000; i++ {
		if d := limiter.Allow("alerts", Unbounded, time.Second); !d.Allowed {
			t.Fatalf("unbounded must always admit, denied at %d: %+v", i, d)
		}
	}
}

func TestSlidingLimiterConcurrentSoundness(t *testing.T) {
	limiter := NewSliding(clock.NewFake(time.Unix(1700000000, 0)))
	const limit = 10
	var admitted atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if limiter.Allow("contended", limit, time.Minute).Allowed {
				admitted.Add(1)
			}
		}()
	}
	wg.Wait()
	if got := admitted.Load(); got != limit {
		t.Fatalf("admitted %d, want exactly %d", got, limit)
	}
}

func TestSlidingLimiterPeekDoesNotConsume(t *testing.T) {
	clk := clock.NewFake(time.Unix(1700000000, 0))
	limiter := NewSliding(clk)
	key := "in|chat|operator"

	limiter.Allow(key, 3, time.Minute)
	before := limiter.Peek(key, 3, time.Minute)
	after := limiter.Peek(key, 3, time.Minute)
	if before.Remaining != 2 || after.Remaining != 2 {
		t.Fatalf("peek consumed capacity: before=%+v after=%+v", before, after)
	}
	unknown := limiter.Peek("never-seen", 5, time.Minute)
	if !unknown.Allowed || unknown.Remaining != 5 {
		t.Fatalf("unexpected peek on unknown key: %+v", unknown)
	}
}

// Idle-key eviction must respect each scope's own window: a long window that
// went quiet for a few minutes still holds its admissions, and churn on other
// keys must not flush it.
func TestSlidingLimiterSweepRespectsEntryWindow(t *testing.T) {
	clk := clock.NewFake(time.Unix(1700000000, 0))
	limiter := NewSliding(clk)
	key := "out|chat|household"

	if d := limiter.Allow(key, 1, time.Hour); !d.Allowed {
		t.Fatalf("first admission should pass: %+v", d)
	}
	clk.Advance(11 * time.Minute)
	for i := 0; i < 2048; i++ {
		limiter.Allow("churn|"+strconv.Itoa(i), 1, time.Minute)
	}
	if d := limiter.Allow(key, 1, time.Hour); d.Allowed {
		t.Fatalf("sweep forgot an admission inside its window: %+v", d)
	}

	// once idle past the full window the entry is eligible for eviction
	clk.Advance(time.Hour + time.Minute)
	for i := 0; i < 2048; i++ {
		limiter.Allow("churn2|"+strconv.Itoa(i), 1, time.Minute)
	}
	limiter.mu.Lock()
	_, kept := limiter.entries[key]
	limiter.mu.Unlock()
	if kept {
		t.Fatalf("entry idle past its window should have been evicted")
	}
}

func TestSlidingLimiterReset(t *testing.T) {
	clk := clock.NewFake(time.Unix(1700000000, 0))
	limiter := NewSliding(clk)
	key := "out|chat|assistant"

	for i := 0; i < 2; i++ {
		limiter.Allow(key, 2, time.Minute)
	}
	if d := limiter.Allow(key, 2, time.Minute); d.Allowed {
		t.Fatalf("expected denial before reset, got %+v", d)
	}
	limiter.Reset(key)
	if d := limiter.Allow(key, 2, time.Minute); !d.Allowed {
		t.Fatalf("expected admission after reset, got %+v", d)
	}
}
