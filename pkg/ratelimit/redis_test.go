package ratelimit

import (
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"warden/pkg/clock"
)

func testMember() func() string {
	var n int
	return func() string {
		n++
		return "m" + strconv.Itoa(n)
	}
}

func TestRedisLimiterSlidingWindow(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	clk := clock.NewFake(time.Unix(1700000000, 0))
	limiter := NewRedisLimiter(client, clk, testMember())
	key := "in|chat|operator"

	first := limiter.Allow(key, 2, time.Minute)
	if !first.Allowed || first.Count != 1 {
		t.Fatalf("unexpected first decision: %+v", first)
	}
	second := limiter.Allow(key, 2, time.Minute)
	if !second.Allowed || second.Count != 2 {
		t.Fatalf("unexpected second decision: %+v", second)
	}
	third := limiter.Allow(key, 2, time.Minute)
	if third.Allowed {
		t.Fatalf("expected denial at limit, got %+v", third)
	}
	if third.RetryAfter <= 0 {
		t.Fatalf("denial should carry retry-after, got %+v", third)
	}
	clk.Advance(61 * time.Second)
	reset := limiter.Allow(key, 2, time.Minute)
	if !reset.Allowed || reset.Count != 1 {
		t.Fatalf("expected window to slide, got %+v", reset)
	}
}

func TestRedisLimiterUnboundedSentinel(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	limiter := NewRedisLimiter(client, clock.NewFake(time.Unix(1700000000, 0)), testMember())
	for i := 0; i < 50; i++ {
		if d := limiter.Allow("alerts", Unbounded, time.Second); !d.Allowed {
			t.Fatalf("unbounded must always admit, denied at %d: %+v", i, d)
		}
	}
}

func TestRedisLimiterFallsBackWhenUnavailable(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:         "127.0.0.1:1",
		DialTimeout:  5 * time.Millisecond,
		ReadTimeout:  5 * time.Millisecond,
		WriteTimeout: 5 * time.Millisecond,
		MaxRetries:   0,
	})
	clk := clock.NewFake(time.Unix(1700000000, 0))
	limiter := NewRedisLimiter(client, clk, testMember())
	first := limiter.Allow("k", 1, time.Minute)
	if !first.Allowed {
		t.Fatalf("fallback should admit first call: %+v", first)
	}
	second := limiter.Allow("k", 1, time.Minute)
	if second.Allowed {
		t.Fatalf("fallback must still enforce the limit: %+v", second)
	}
}
