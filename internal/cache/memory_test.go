package cache

import (
	"context"
	"testing"
	"time"
)

func TestMemoryProviderExpiry(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	p := NewMemoryProvider().WithClock(func() time.Time { return now })
	ctx := context.Background()

	if err := p.Set(ctx, "session", []byte("a"), time.Hour); err != nil {
		t.Fatalf("set: %v", err)
	}
	now = now.Add(30 * time.Minute)
	if ok, _ := p.Replace(ctx, "session", []byte("b")); !ok {
		t.Fatalf("expected replace on live key")
	}
	got, err := p.Get(ctx, "session")
	if err != nil || string(got) != "b" {
		t.Fatalf("get = %q, %v", got, err)
	}

	// Replace keeps the original deadline.
	now = now.Add(30 * time.Minute)
	if _, err := p.Get(ctx, "session"); err != ErrCacheMiss {
		t.Fatalf("expected expiry after original ttl, got %v", err)
	}
	if ok, _ := p.Replace(ctx, "session", []byte("c")); ok {
		t.Fatalf("expected replace to miss expired key")
	}
}

func TestMemoryProviderSetNX(t *testing.T) {
	p := NewMemoryProvider()
	ctx := context.Background()
	if ok, _ := p.SetNX(ctx, "k", []byte("1"), 0); !ok {
		t.Fatalf("expected first SetNX to store")
	}
	if ok, _ := p.SetNX(ctx, "k", []byte("2"), 0); ok {
		t.Fatalf("expected second SetNX to be rejected")
	}
}

func TestMemoryProviderReturnsCopies(t *testing.T) {
	p := NewMemoryProvider()
	ctx := context.Background()
	value := []byte("abc")
	_ = p.Set(ctx, "k", value, 0)
	value[0] = 'z'
	got, _ := p.Get(ctx, "k")
	got[1] = 'z'
	again, _ := p.Get(ctx, "k")
	if string(again) != "abc" {
		t.Fatalf("expected stored value isolated from callers, got %q", again)
	}
}
