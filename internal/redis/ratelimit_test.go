package redis

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func setupTestLimiter(t *testing.T) (*RateLimiter, *miniredis.Miniredis, func()) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	client := &Client{rdb: rdb, logger: zap.NewNop()}

	limiter := NewRateLimiter(client, zap.NewNop())

	return limiter, mr, func() {
		rdb.Close()
		mr.Close()
	}
}

func TestAllowSend_WithinLimit(t *testing.T) {
	limiter, _, cleanup := setupTestLimiter(t)
	defer cleanup()

	ctx := context.Background()

	for i := 0; i < 5; i++ {
		result, err := limiter.AllowSend(ctx, "tenant-a", 5)
		if err != nil {
			t.Fatalf("send %d failed: %v", i, err)
		}
		if !result.Allowed {
			t.Fatalf("send %d should be allowed", i)
		}
		if result.Remaining != 4-i {
			t.Errorf("send %d: expected remaining %d, got %d", i, 4-i, result.Remaining)
		}
	}
}

func TestAllowSend_BlocksOverLimit(t *testing.T) {
	limiter, _, cleanup := setupTestLimiter(t)
	defer cleanup()

	ctx := context.Background()

	for i := 0; i < 3; i++ {
		result, _ := limiter.AllowSend(ctx, "tenant-a", 3)
		if !result.Allowed {
			t.Fatalf("send %d should be allowed", i)
		}
	}

	result, err := limiter.AllowSend(ctx, "tenant-a", 3)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Allowed {
		t.Fatal("send over limit should be blocked")
	}
	if result.Remaining != 0 {
		t.Errorf("expected remaining 0, got %d", result.Remaining)
	}
}

func TestAllowSend_ConcurrentCallersNeverOvershoot(t *testing.T) {
	limiter, _, cleanup := setupTestLimiter(t)
	defer cleanup()

	ctx := context.Background()
	const limit = 5
	const callers = 20

	var allowed atomic.Int64
	var wg sync.WaitGroup

	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, err := limiter.AllowSend(ctx, "tenant-a", limit)
			if err != nil {
				t.Errorf("unexpected error: %v", err)
				return
			}
			if result.Allowed {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()

	if got := allowed.Load(); got != limit {
		t.Errorf("expected exactly %d admissions, got %d", limit, got)
	}
}

func TestAllowSend_SeparateTenants(t *testing.T) {
	limiter, _, cleanup := setupTestLimiter(t)
	defer cleanup()

	ctx := context.Background()

	for i := 0; i < 2; i++ {
		limiter.AllowSend(ctx, "tenant-a", 2)
	}

	result, _ := limiter.AllowSend(ctx, "tenant-b", 2)
	if !result.Allowed {
		t.Fatal("tenant-b should not share tenant-a's window")
	}
}

func TestAllowDaily_ConsumesQuota(t *testing.T) {
	limiter, _, cleanup := setupTestLimiter(t)
	defer cleanup()

	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ok, err := limiter.AllowDaily(ctx, "tenant-a", "2026-08-30", 3)
		if err != nil {
			t.Fatalf("send %d failed: %v", i, err)
		}
		if !ok {
			t.Fatalf("send %d should be within the daily cap", i)
		}
	}

	ok, err := limiter.AllowDaily(ctx, "tenant-a", "2026-08-30", 3)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatal("send over the daily cap should be rejected")
	}
}

func TestAllowDaily_RejectionDoesNotConsumeQuota(t *testing.T) {
	limiter, mr, cleanup := setupTestLimiter(t)
	defer cleanup()

	ctx := context.Background()

	limiter.AllowDaily(ctx, "tenant-a", "2026-08-30", 1)
	limiter.AllowDaily(ctx, "tenant-a", "2026-08-30", 1)

	// The rejected increment must have been rolled back.
	got, err := mr.Get("ratelimit:daily:tenant-a:2026-08-30")
	if err != nil {
		t.Fatalf("counter key missing: %v", err)
	}
	if got != "1" {
		t.Errorf("expected counter 1 after rollback, got %s", got)
	}
}

func TestAllowDaily_SeparateDates(t *testing.T) {
	limiter, _, cleanup := setupTestLimiter(t)
	defer cleanup()

	ctx := context.Background()

	limiter.AllowDaily(ctx, "tenant-a", "2026-08-30", 1)

	ok, err := limiter.AllowDaily(ctx, "tenant-a", "2026-08-31", 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok {
		t.Fatal("a new calendar day should start with fresh quota")
	}
}
