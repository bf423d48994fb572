package cache

import (
	"testing"
	"time"
)

func TestTTLCacheExpires(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	c := newTTLCache[string, int](func() time.Time { return now })

	c.Set("PRO", 29900, time.Minute)
	if v, ok := c.Get("PRO"); !ok || v != 29900 {
		t.Fatalf("expected cached value, got %v %v", v, ok)
	}

	now = now.Add(time.Minute)
	if _, ok := c.Get("PRO"); ok {
		t.Fatalf("expected entry to expire")
	}
}

func TestTTLCacheNoExpiry(t *testing.T) {
	c := NewTTLCache[string, string]()
	c.Set("k", "v", 0)
	if v, ok := c.Get("k"); !ok || v != "v" {
		t.Fatalf("expected persistent entry")
	}
	c.Delete("k")
	if _, ok := c.Get("k"); ok {
		t.Fatalf("expected deleted entry")
	}
}
