package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newBucket(t *testing.T, capacity int, refill float64) *TokenBucket {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewTokenBucket(client, capacity, refill, time.Minute)
}

func TestTokenBucket(t *testing.T) {
	ctx := context.Background()
	bucket := newBucket(t, 2, 1)

	allowed, _, err := bucket.Allow(ctx, "api:client")
	if err != nil || !allowed {
		t.Fatalf("expected first token allowed got allowed=%v err=%v", allowed, err)
	}
	allowed, _, _ = bucket.Allow(ctx, "api:client")
	if !allowed {
		t.Fatalf("expected second token allowed")
	}
	allowed, _, _ = bucket.Allow(ctx, "api:client")
	if allowed {
		t.Fatalf("expected third token to be rejected")
	}
	allowed, _, _ = bucket.Allow(ctx, "api:other")
	if !allowed {
		t.Fatalf("expected separate key to have its own budget")
	}
}

func TestTokenBucketWaitRefills(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	bucket := newBucket(t, 1, 10)

	if err := bucket.Wait(ctx, "llm"); err != nil {
		t.Fatalf("first wait: %v", err)
	}
	start := time.Now()
	if err := bucket.Wait(ctx, "llm"); err != nil {
		t.Fatalf("second wait: %v", err)
	}
	if time.Since(start) < minWait {
		t.Fatalf("expected second wait to block for a refill")
	}
}

func TestTokenBucketWaitHonorsContext(t *testing.T) {
	bucket := newBucket(t, 1, 0)
	if err := bucket.Wait(context.Background(), "llm"); err != nil {
		t.Fatalf("first wait: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := bucket.Wait(ctx, "llm")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}
