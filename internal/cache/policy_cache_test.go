package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"notebase/api/internal/store"
)

func setupTestCache(t *testing.T) (*PolicyCache, *miniredis.Miniredis) {
	s := miniredis.RunT(t)
	c, err := NewPolicyCache("redis://"+s.Addr(), 5*time.Minute)
	if err != nil {
		t.Fatalf("failed to create policy cache: %v", err)
	}
	return c, s
}

func TestPolicyCacheRoundTrip(t *testing.T) {
	c, s := setupTestCache(t)
	defer c.Close()
	defer s.Close()

	ctx := context.Background()
	prefs := store.UserPreferences{
		UserID:                "user-123",
		HistoryEnabled:        true,
		AutoVersionIntervalMs: 60000,
		HistoryMaxVersions:    25,
		HistoryRetentionDays:  30,
	}

	if _, ok, err := c.Get(ctx, "user-123"); err != nil || ok {
		t.Fatalf("expected clean miss, got ok=%v err=%v", ok, err)
	}

	if err := c.Set(ctx, prefs); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	got, ok, err := c.Get(ctx, "user-123")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !ok {
		t.Fatal("expected cache hit")
	}
	if got.HistoryMaxVersions != 25 || got.HistoryRetentionDays != 30 {
		t.Fatalf("unexpected cached policy: %+v", got)
	}
}

func TestPolicyCacheInvalidate(t *testing.T) {
	c, s := setupTestCache(t)
	defer c.Close()
	defer s.Close()

	ctx := context.Background()
	if err := c.Set(ctx, store.UserPreferences{UserID: "user-123", HistoryMaxVersions: 50}); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if err := c.Invalidate(ctx, "user-123"); err != nil {
		t.Fatalf("Invalidate failed: %v", err)
	}
	if _, ok, err := c.Get(ctx, "user-123"); err != nil || ok {
		t.Fatalf("expected miss after invalidate, got ok=%v err=%v", ok, err)
	}
}

func TestPolicyCacheExpiry(t *testing.T) {
	s := miniredis.RunT(t)
	defer s.Close()

	c, err := NewPolicyCache("redis://"+s.Addr(), time.Second)
	if err != nil {
		t.Fatalf("failed to create policy cache: %v", err)
	}
	defer c.Close()

	ctx := context.Background()
	if err := c.Set(ctx, store.UserPreferences{UserID: "user-123"}); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	s.FastForward(2 * time.Second)

	if _, ok, err := c.Get(ctx, "user-123"); err != nil || ok {
		t.Fatalf("expected miss after TTL, got ok=%v err=%v", ok, err)
	}
}
