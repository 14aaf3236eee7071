package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/rs/zerolog"
)

func setupLimiter(t *testing.T, limit int, window time.Duration) (*Limiter, *miniredis.Miniredis) {
	t.Helper()
	s := miniredis.RunT(t)
	limiter, err := New("redis://"+s.Addr(), limit, window, zerolog.Nop())
	if err != nil {
		t.Fatalf("failed to create limiter: %v", err)
	}
	return limiter, s
}

func TestAllowWithinBudget(t *testing.T) {
	limiter, s := setupLimiter(t, 3, time.Minute)
	defer limiter.Close()
	defer s.Close()

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if !limiter.Allow(ctx, "u1") {
			t.Fatalf("attempt %d denied within budget", i+1)
		}
	}
	if limiter.Allow(ctx, "u1") {
		t.Fatal("attempt over budget allowed")
	}

	// Other users have their own budget.
	if !limiter.Allow(ctx, "u2") {
		t.Fatal("unrelated user denied")
	}
}

func TestWindowExpiry(t *testing.T) {
	limiter, s := setupLimiter(t, 1, time.Minute)
	defer limiter.Close()
	defer s.Close()

	ctx := context.Background()
	if !limiter.Allow(ctx, "u1") {
		t.Fatal("first attempt denied")
	}
	if limiter.Allow(ctx, "u1") {
		t.Fatal("second attempt in window allowed")
	}

	s.FastForward(2 * time.Minute)
	if !limiter.Allow(ctx, "u1") {
		t.Fatal("attempt after window expiry denied")
	}
}

func TestFailOpenWhenRedisDown(t *testing.T) {
	limiter, s := setupLimiter(t, 1, time.Minute)
	defer limiter.Close()

	s.Close()
	if !limiter.Allow(context.Background(), "u1") {
		t.Fatal("limiter failed closed with redis down")
	}
}

func TestNilLimiterAllows(t *testing.T) {
	var limiter *Limiter
	if !limiter.Allow(context.Background(), "u1") {
		t.Fatal("nil limiter denied")
	}
}
