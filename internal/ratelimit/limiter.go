// Package ratelimit provides a keyed sliding-window request limiter.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Classes of limited operations. Each class carries its own rule and its own
// key space, so a client IP exhausting one class does not touch another.
const (
	ClassAuthorize = "authorize"
	ClassToken     = "token"
	ClassBind      = "bind"
	ClassClaim     = "claim"
)

// Rule bounds a class to Limit events per Window.
type Rule struct {
	Limit  int
	Window time.Duration
}

// DefaultRules returns the shipped per-class limits.
func DefaultRules() map[string]Rule {
	return map[string]Rule{
		ClassAuthorize: {Limit: 10, Window: time.Minute},
		ClassToken:     {Limit: 20, Window: time.Minute},
		ClassBind:      {Limit: 5, Window: time.Minute},
		ClassClaim:     {Limit: 10, Window: time.Minute},
	}
}

// Limiter counts events per (class, key) over a sliding window.
type Limiter struct {
	mu     sync.Mutex
	clock  func() time.Time
	rules  map[string]Rule
	events map[string][]time.Time
}

// New builds a limiter with the given rules. Classes without a rule are
// unlimited.
func New(rules map[string]Rule) *Limiter {
	return &Limiter{
		clock:  time.Now,
		rules:  rules,
		events: make(map[string][]time.Time),
	}
}

// Allow records an event for (class, key) and reports whether it fits the
// class rule.
func (l *Limiter) Allow(class, key string) bool {
	if l == nil {
		return true
	}
	rule, ok := l.rules[class]
	if !ok || rule.Limit <= 0 {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock()
	bucket := class + "\x00" + key
	kept := pruneBefore(l.events[bucket], now.Add(-rule.Window))
	if len(kept) >= rule.Limit {
		l.events[bucket] = kept
		return false
	}
	l.events[bucket] = append(kept, now)
	return true
}

// RetryAfter reports how long until the oldest counted event leaves the
// window for (class, key). Zero means a request would be allowed now.
func (l *Limiter) RetryAfter(class, key string) time.Duration {
	if l == nil {
		return 0
	}
	rule, ok := l.rules[class]
	if !ok || rule.Limit <= 0 {
		return 0
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock()
	bucket := class + "\x00" + key
	kept := pruneBefore(l.events[bucket], now.Add(-rule.Window))
	l.events[bucket] = kept
	if len(kept) < rule.Limit {
		return 0
	}
	return kept[0].Add(rule.Window).Sub(now)
}

// Cleanup drops buckets whose events have all left their windows.
func (l *Limiter) Cleanup(now time.Time) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	var maxWindow time.Duration
	for _, rule := range l.rules {
		if rule.Window > maxWindow {
			maxWindow = rule.Window
		}
	}
	cutoff := now.Add(-maxWindow)
	for bucket, events := range l.events {
		if kept := pruneBefore(events, cutoff); len(kept) == 0 {
			delete(l.events, bucket)
		} else {
			l.events[bucket] = kept
		}
	}
}

// StartCleanup runs Cleanup on a ticker until the context ends.
func (l *Limiter) StartCleanup(ctx context.Context, interval time.Duration) {
	if l == nil || interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				l.Cleanup(l.clock())
			}
		}
	}()
}

func pruneBefore(events []time.Time, cutoff time.Time) []time.Time {
	idx := 0
	for idx < len(events) && !events[idx].After(cutoff) {
		idx++
	}
	return events[idx:]
}
