package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestSetGetInvalidate(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	c := New(client, "payroll", time.Minute)
	ctx := context.Background()

	type tx struct {
		ID     int64  `json:"id"`
		Status string `json:"status"`
	}
	key := c.TransactionKey(7)
	if key != "payroll:transaction:7" {
		t.Fatalf("key = %q", key)
	}

	var got tx
	if hit, err := c.Get(ctx, key, &got); err != nil || hit {
		t.Fatalf("expected miss, hit=%v err=%v", hit, err)
	}
	if err := c.Set(ctx, key, tx{ID: 7, Status: "PENDING"}); err != nil {
		t.Fatalf("set: %v", err)
	}
	if hit, _ := c.Get(ctx, key, &got); !hit || got.Status != "PENDING" {
		t.Fatalf("expected hit, got %+v", got)
	}
	if ttl := mr.TTL(key); ttl != time.Minute {
		t.Fatalf("ttl = %v", ttl)
	}

	if err := c.Invalidate(ctx, key, c.PeriodKey(3)); err != nil {
		t.Fatalf("invalidate: %v", err)
	}
	if mr.Exists(key) {
		t.Fatalf("key should be gone")
	}
}

func TestCorruptEntryIsAMiss(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	c := New(client, "payroll", time.Minute)
	_ = mr.Set("payroll:transaction:1", "{not json")

	var v map[string]any
	if hit, err := c.Get(context.Background(), "payroll:transaction:1", &v); hit || err != nil {
		t.Fatalf("expected miss, hit=%v err=%v", hit, err)
	}
	if mr.Exists("payroll:transaction:1") {
		t.Fatalf("corrupt entry should be deleted")
	}
}
