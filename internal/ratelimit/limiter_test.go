package ratelimit

import (
	"testing"
	"time"
)

func testLimiter(now *time.Time, rules map[string]Rule) *Limiter {
	l := New(rules)
	l.clock = func() time.Time { return *now }
	return l
}

func TestAllowWithinLimit(t *testing.T) {
	now := time.Now()
	l := testLimiter(&now, map[string]Rule{ClassBind: {Limit: 3, Window: time.Minute}})

	for i := 0; i < 3; i++ {
		if !l.Allow(ClassBind, "u1") {
			t.Fatalf("attempt %d: expected allow", i)
		}
	}
	if l.Allow(ClassBind, "u1") {
		t.Fatal("expected deny over limit")
	}
}

func TestWindowSlides(t *testing.T) {
	now := time.Now()
	l := testLimiter(&now, map[string]Rule{ClassToken: {Limit: 2, Window: time.Minute}})

	if !l.Allow(ClassToken, "ip-1") || !l.Allow(ClassToken, "ip-1") {
		t.Fatal("expected first two allowed")
	}
	if l.Allow(ClassToken, "ip-1") {
		t.Fatal("expected third denied")
	}

	now = now.Add(61 * time.Second)
	if !l.Allow(ClassToken, "ip-1") {
		t.Fatal("expected allow after window slid")
	}
}

func TestKeysAndClassesAreIndependent(t *testing.T) {
	now := time.Now()
	l := testLimiter(&now, map[string]Rule{
		ClassBind:  {Limit: 1, Window: time.Minute},
		ClassClaim: {Limit: 1, Window: time.Minute},
	})

	if !l.Allow(ClassBind, "u1") {
		t.Fatal("expected first allow")
	}
	if l.Allow(ClassBind, "u1") {
		t.Fatal("expected second denied")
	}
	if !l.Allow(ClassBind, "u2") {
		t.Fatal("expected other key allowed")
	}
	if !l.Allow(ClassClaim, "u1") {
		t.Fatal("expected other class allowed")
	}
}

func TestUnknownClassUnlimited(t *testing.T) {
	now := time.Now()
	l := testLimiter(&now, map[string]Rule{})

	for i := 0; i < 100; i++ {
		if !l.Allow("unknown", "k") {
			t.Fatalf("attempt %d: expected allow", i)
		}
	}
}

func TestRetryAfter(t *testing.T) {
	now := time.Now()
	l := testLimiter(&now, map[string]Rule{ClassAuthorize: {Limit: 1, Window: time.Minute}})

	if got := l.RetryAfter(ClassAuthorize, "ip-1"); got != 0 {
		t.Fatalf("expected zero before any events, got %v", got)
	}
	if !l.Allow(ClassAuthorize, "ip-1") {
		t.Fatal("expected allow")
	}

	now = now.Add(20 * time.Second)
	got := l.RetryAfter(ClassAuthorize, "ip-1")
	if got != 40*time.Second {
		t.Fatalf("expected 40s retry, got %v", got)
	}
}

func TestCleanupDropsIdleBuckets(t *testing.T) {
	now := time.Now()
	l := testLimiter(&now, map[string]Rule{ClassBind: {Limit: 5, Window: time.Minute}})

	l.Allow(ClassBind, "u1")
	l.Allow(ClassBind, "u2")
	if len(l.events) != 2 {
		t.Fatalf("expected 2 buckets, got %d", len(l.events))
	}

	l.Cleanup(now.Add(2 * time.Minute))
	if len(l.events) != 0 {
		t.Fatalf("expected buckets dropped, got %d", len(l.events))
	}
}
