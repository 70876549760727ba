package ratelimit

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/nerrad567/graygate/internal/apierr"
	"github.com/nerrad567/graygate/internal/infrastructure/config"
)

func TestInMemory_WindowAndReset(t *testing.T) {
	l := NewInMemory(time.Minute)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		d := l.Allow(ctx, "k", 3)
		if !d.Allowed {
			t.Fatalf("hit %d should be allowed", i)
		}
		if d.Remaining != 3-i {
			t.Errorf("hit %d Remaining = %d, want %d", i, d.Remaining, 3-i)
		}
	}
	if d := l.Allow(ctx, "k", 3); d.Allowed || d.Remaining != 0 {
		t.Errorf("4th hit = %+v, want denied with 0 remaining", d)
	}
	if d := l.Allow(ctx, "other", 3); !d.Allowed {
		t.Error("keys should be counted independently")
	}

	now = now.Add(61 * time.Second)
	if d := l.Allow(ctx, "k", 3); !d.Allowed || d.Count != 1 {
		t.Errorf("after window = %+v, want fresh count", d)
	}
}

func TestInMemory_NonPositiveLimit(t *testing.T) {
	l := NewInMemory(0)
	if l.window != time.Minute {
		t.Errorf("window = %v, want 1m", l.window)
	}
	if d := l.Allow(context.Background(), "k", 0); !d.Allowed || d.Limit != 1 {
		t.Errorf("first hit with limit 0 = %+v, want allowed with limit 1", d)
	}
}

func TestRedisLimiter(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	l := NewRedis(client, time.Minute)
	ctx := context.Background()

	for range 2 {
		if d := l.Allow(ctx, "user:1", 2); !d.Allowed {
			t.Fatalf("Allow() = %+v, want allowed", d)
		}
	}
	d := l.Allow(ctx, "user:1", 2)
	if d.Allowed {
		t.Errorf("third hit = %+v, want denied", d)
	}
	if d.Count != 3 {
		t.Errorf("Count = %d, want 3", d.Count)
	}
	if ttl := mr.TTL("graygate:rl:user:1"); ttl <= 0 || ttl > time.Minute {
		t.Errorf("key TTL = %v, want within one minute", ttl)
	}

	mr.FastForward(time.Minute + time.Second)
	if d := l.Allow(ctx, "user:1", 2); !d.Allowed {
		t.Errorf("after expiry = %+v, want allowed", d)
	}
}

func TestRedisLimiter_FallbackOnError(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer client.Close()
	mr.Close()

	l := NewRedis(client, time.Minute)
	l.Timeout = 200 * time.Millisecond
	ctx := context.Background()

	if d := l.Allow(ctx, "k", 1); !d.Allowed {
		t.Fatalf("first hit = %+v, want allowed via fallback", d)
	}
	if d := l.Allow(ctx, "k", 1); d.Allowed {
		t.Errorf("second hit = %+v, want denied via fallback", d)
	}
}

func TestRedisLimiter_NilClient(t *testing.T) {
	l := NewRedis(nil, 0)
	if l.Window != time.Minute {
		t.Errorf("Window = %v, want 1m", l.Window)
	}
	l.Fallback = nil
	if d := l.Allow(context.Background(), "k", 5); !d.Allowed || d.Remaining != 5 {
		t.Errorf("Allow() = %+v, want allowed without counting", d)
	}
}

// ─── Guard ─────────────────────────────────────────────────────────

func TestGuard(t *testing.T) {
	cfg := config.RateLimitConfig{
		Enabled:           true,
		RequestsPerMinute: 2,
		PerRole:           map[string]int{"admin": 0, "batch": 1},
	}
	g := NewGuard(cfg, NewInMemory(time.Minute))
	ctx := context.Background()

	for range 2 {
		if _, err := g.Check(ctx, "user", "u1"); err != nil {
			t.Fatalf("Check() error = %v", err)
		}
	}
	h, err := g.Check(ctx, "user", "u1")
	if err == nil {
		t.Fatal("third request should be rejected")
	}
	e := apierr.From(err)
	if e.Code != apierr.CodeRateLimited || e.Status != http.StatusTooManyRequests {
		t.Errorf("error = %s/%d, want %s/429", e.Code, e.Status, apierr.CodeRateLimited)
	}
	if h.Get("X-RateLimit-Remaining") != "0" {
		t.Errorf("X-RateLimit-Remaining = %q, want 0", h.Get("X-RateLimit-Remaining"))
	}

	if _, err := g.Check(ctx, "user", "u2"); err != nil {
		t.Errorf("other subject error = %v", err)
	}
	if _, err := g.Check(ctx, "batch", "u1"); err != nil {
		t.Errorf("batch first request error = %v", err)
	}
	if _, err := g.Check(ctx, "batch", "u1"); err == nil {
		t.Error("batch second request should be rejected")
	}
	for range 10 {
		if h, err := g.Check(ctx, "admin", "root"); err != nil || h != nil {
			t.Fatalf("admin Check() = %v, %v; want unlimited", h, err)
		}
	}
}

func TestGuard_Disabled(t *testing.T) {
	g := NewGuard(config.RateLimitConfig{RequestsPerMinute: 1}, nil)
	for range 5 {
		if _, err := g.Check(context.Background(), "user", "u"); err != nil {
			t.Fatalf("disabled guard error = %v", err)
		}
	}

	var nilGuard *Guard
	if _, err := nilGuard.Check(context.Background(), "user", "u"); err != nil {
		t.Errorf("nil guard error = %v", err)
	}
}
