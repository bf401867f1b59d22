package ratelimit

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newBucket(t *testing.T, capacity int, refill float64) (*TokenBucket, *time.Time) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	bucket := NewTokenBucket(client, "ratelimit:payments", capacity, refill)
	clock := time.Unix(1_700_000_000, 0)
	bucket.now = func() time.Time { return clock }
	return bucket, &clock
}

func TestTokenBucketCapacity(t *testing.T) {
	ctx := context.Background()
	bucket, _ := newBucket(t, 2, 1)

	for i := 0; i < 2; i++ {
		d, err := bucket.AllowUser(ctx, 42)
		if err != nil || !d.Allowed {
			t.Fatalf("request %d: allowed=%v err=%v", i, d.Allowed, err)
		}
	}
	d, _ := bucket.AllowUser(ctx, 42)
	if d.Allowed {
		t.Fatalf("expected third request to be rejected")
	}
	if d, _ := bucket.AllowUser(ctx, 43); !d.Allowed {
		t.Fatalf("other users have their own bucket")
	}
}

func TestTokenBucketRefill(t *testing.T) {
	ctx := context.Background()
	bucket, clock := newBucket(t, 1, 0.5)

	if d, _ := bucket.AllowUser(ctx, 1); !d.Allowed {
		t.Fatalf("first request should pass")
	}
	*clock = clock.Add(time.Second)
	d, _ := bucket.AllowUser(ctx, 1)
	if d.Allowed || d.Remaining != 0.5 {
		t.Fatalf("half a token is not enough: %+v", d)
	}
	*clock = clock.Add(time.Second)
	if d, _ := bucket.AllowUser(ctx, 1); !d.Allowed {
		t.Fatalf("bucket should have refilled")
	}
}
