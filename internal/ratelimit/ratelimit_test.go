package ratelimit

import (
	"testing"
	"time"
)

func TestAllowWithinLimit(t *testing.T) {
	l := New()
	limit := Limit{Max: 3, Window: time.Minute}
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		ok, _ := l.Allow("apikey:k1", limit, now.Add(time.Duration(i)*time.Second))
		if !ok {
			t.Fatalf("request %d should be allowed", i+1)
		}
	}

	ok, wait := l.Allow("apikey:k1", limit, now.Add(3*time.Second))
	if ok {
		t.Fatal("fourth request within window should be rejected")
	}
	if wait <= 0 {
		t.Fatalf("wait = %v, want positive retry-after hint", wait)
	}
}

func TestAllowAfterWindowElapsed(t *testing.T) {
	l := New()
	limit := Limit{Max: 1, Window: time.Minute}
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	if ok, _ := l.Allow("k", limit, now); !ok {
		t.Fatal("first request should pass")
	}
	if ok, _ := l.Allow("k", limit, now.Add(time.Second)); ok {
		t.Fatal("second request inside the window should fail")
	}
	if ok, _ := l.Allow("k", limit, now.Add(time.Minute+time.Second)); !ok {
		t.Fatal("request after the window elapsed should pass again")
	}
}

func TestAllowIsPerKey(t *testing.T) {
	l := New()
	limit := Limit{Max: 1, Window: time.Minute}
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	if ok, _ := l.Allow("a", limit, now); !ok {
		t.Fatal("key a should pass")
	}
	if ok, _ := l.Allow("b", limit, now); !ok {
		t.Fatal("key b must not be throttled by key a's usage")
	}
}

func TestWaitHint(t *testing.T) {
	l := New()
	limit := Limit{Max: 1, Window: time.Minute}
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	l.Allow("k", limit, now)
	_, wait := l.Allow("k", limit, now.Add(20*time.Second))
	if wait != 40*time.Second {
		t.Fatalf("wait = %v, want 40s (window remainder of the oldest request)", wait)
	}
}

func TestSweepDropsIdleKeys(t *testing.T) {
	l := New()
	limit := Limit{Max: 5, Window: time.Millisecond}

	l.Allow("stale", limit, time.Now().Add(-time.Hour))
	l.Allow("fresh", limit, time.Now())

	l.Sweep(time.Minute)

	l.mu.Lock()
	_, staleKept := l.keys["stale"]
	_, freshKept := l.keys["fresh"]
	l.mu.Unlock()

	if staleKept {
		t.Fatal("stale key should be swept")
	}
	if !freshKept {
		t.Fatal("fresh key should survive the sweep")
	}
}
