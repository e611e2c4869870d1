package ratelimit

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestTokenBucket(t *testing.T) {
	ctx := context.Background()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	bucket := NewTokenBucket(client, 2, 1, time.Minute)
	clock := time.UnixMilli(1_700_000_000_000)
	bucket.now = func() time.Time { return clock }

	d, err := bucket.Allow(ctx, "acct-1")
	if err != nil || !d.Allowed {
		t.Fatalf("expected first token allowed got allowed=%v err=%v", d.Allowed, err)
	}
	d, _ = bucket.Allow(ctx, "acct-1")
	if !d.Allowed {
		t.Fatalf("expected second token allowed")
	}
	d, _ = bucket.Allow(ctx, "acct-1")
	if d.Allowed {
		t.Fatalf("expected third token to be rejected")
	}
	if d.RetryAfter <= 0 || d.RetryAfter > time.Second {
		t.Fatalf("unexpected retry-after %s", d.RetryAfter)
	}

	// another account has its own bucket
	d, _ = bucket.Allow(ctx, "acct-2")
	if !d.Allowed {
		t.Fatalf("expected independent bucket per account")
	}

	clock = clock.Add(1500 * time.Millisecond)
	d, _ = bucket.Allow(ctx, "acct-1")
	if !d.Allowed {
		t.Fatalf("expected refill after 1.5s")
	}
}
