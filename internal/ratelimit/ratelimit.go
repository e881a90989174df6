// Package ratelimit provides sliding-window rate limiting for payment tools.
//
// Each (category, key) pair owns an independent window of request timestamps.
// Categories are global counters when the key is empty, or per-recipient when
// keyed by address. Unlike fixed calendar buckets, the window always ends
// "now", so a burst cannot straddle a bucket boundary.
package ratelimit

import (
	"fmt"
	"math"
	"strings"
	"sync"
	"time"
)

// storedCapMultiplier bounds how many timestamps one key may hold, as a
// multiple of its limit. Oldest entries are silently evicted beyond that,
// which bounds memory under sustained abuse.
const storedCapMultiplier = 2

// minStoredCap keeps the eviction cap sane for very small limits.
const minStoredCap = 16

// Rule is one category's window configuration.
type Rule struct {
	MaxRequests int
	Window      time.Duration
}

// Config maps category names to rules. A category with no rule is unlimited.
type Config map[string]Rule

// Result is the outcome of a non-mutating Check.
type Result struct {
	Allowed    bool
	Current    int
	Max        int
	ResetIn    time.Duration // until the oldest request leaves the window
	RetryAfter time.Duration // non-zero only when denied
}

// RateLimitedError is returned when a window is full. RetryAfter is computed
// from the oldest timestamp still inside the window.
type RateLimitedError struct {
	Category   string
	Key        string
	Max        int
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("ratelimit: %s limit reached (%d per window), retry in %s",
		e.Category, e.Max, e.RetryAfter.Round(time.Second))
}

// RetryAfterSeconds rounds RetryAfter up to whole seconds for callers
// surfacing remediation hints.
func (e *RateLimitedError) RetryAfterSeconds() int {
	return int(math.Ceil(e.RetryAfter.Seconds()))
}

type windowKey struct {
	category string
	key      string
}

// Limiter tracks request timestamps per (category, key).
// All methods are safe for concurrent use.
type Limiter struct {
	rules Config
	now   func() time.Time

	mu      sync.Mutex
	windows map[windowKey][]time.Time
}

// New creates a new rate limiter.
func New(rules Config) *Limiter {
	return &Limiter{
		rules:   rules,
		now:     time.Now,
		windows: make(map[windowKey][]time.Time),
	}
}

// WithClock overrides the time source. For tests.
func (l *Limiter) WithClock(now func() time.Time) *Limiter {
	l.now = now
	return l
}

// normalizeKey case-folds recipient keys so address casing cannot bypass a
// per-recipient limit.
func normalizeKey(key string) string {
	return strings.ToLower(strings.TrimSpace(key))
}

// pruneLocked drops timestamps older than the window and enforces the
// storage cap. Returns the surviving slice. Callers hold l.mu.
func (l *Limiter) pruneLocked(wk windowKey, rule Rule, now time.Time) []time.Time {
	ts := l.windows[wk]
	cutoff := now.Add(-rule.Window)

	// Timestamps are appended in order; find the first one inside the window.
	i := 0
	for i < len(ts) && !ts[i].After(cutoff) {
		i++
	}
	ts = ts[i:]

	limit := rule.MaxRequests * storedCapMultiplier
	if limit < minStoredCap {
		limit = minStoredCap
	}
	if len(ts) > limit {
		ts = ts[len(ts)-limit:]
	}

	if len(ts) == 0 {
		delete(l.windows, wk)
	} else {
		l.windows[wk] = ts
	}
	return ts
}

func resetIn(ts []time.Time, rule Rule, now time.Time) time.Duration {
	if len(ts) == 0 {
		return 0
	}
	d := ts[0].Add(rule.Window).Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

// Check reports whether a request would be allowed right now. It evicts
// expired timestamps but records nothing; do not pair it with a later Record
// where atomicity matters — use CheckAndRecord instead.
func (l *Limiter) Check(category, key string) Result {
	rule, ok := l.rules[category]
	if !ok || rule.MaxRequests <= 0 {
		return Result{Allowed: true}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	wk := windowKey{category: category, key: normalizeKey(key)}
	ts := l.pruneLocked(wk, rule, now)

	res := Result{
		Current: len(ts),
		Max:     rule.MaxRequests,
		ResetIn: resetIn(ts, rule, now),
	}
	res.Allowed = res.Current < rule.MaxRequests
	if !res.Allowed {
		res.RetryAfter = res.ResetIn
	}
	return res
}

// Record appends the current time to the window without checking the limit.
func (l *Limiter) Record(category, key string) {
	rule, ok := l.rules[category]
	if !ok || rule.MaxRequests <= 0 {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	wk := windowKey{category: category, key: normalizeKey(key)}
	l.pruneLocked(wk, rule, now)
	l.windows[wk] = append(l.windows[wk], now)
	l.pruneLocked(wk, rule, now)
}

// CheckAndRecord atomically records a request and checks the resulting count.
// The timestamp is written first; if the window is now over its limit the
// write is rolled back and a *RateLimitedError is returned. This ordering is
// what stops two concurrent callers from both seeing one free slot.
//
// On success the returned release function removes that specific timestamp,
// giving the slot back; calling it more than once is a no-op.
func (l *Limiter) CheckAndRecord(category, key string) (func(), error) {
	rule, ok := l.rules[category]
	if !ok || rule.MaxRequests <= 0 {
		return func() {}, nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	wk := windowKey{category: category, key: normalizeKey(key)}
	ts := l.pruneLocked(wk, rule, now)

	ts = append(ts, now)
	l.windows[wk] = ts

	if len(ts) > rule.MaxRequests {
		// Roll back the timestamp we just added.
		l.windows[wk] = ts[:len(ts)-1]
		return nil, &RateLimitedError{
			Category:   category,
			Key:        wk.key,
			Max:        rule.MaxRequests,
			RetryAfter: resetIn(ts, rule, now),
		}
	}

	stamp := now
	var once sync.Once
	release := func() {
		once.Do(func() {
			l.mu.Lock()
			defer l.mu.Unlock()
			cur := l.windows[wk]
			for i, t := range cur {
				if t.Equal(stamp) {
					l.windows[wk] = append(cur[:i], cur[i+1:]...)
					return
				}
			}
		})
	}
	return release, nil
}

// Validate fails with a *RateLimitedError if the window is currently full,
// without recording anything. Non-atomic; for paths where the caller records
// separately and a lost slot is acceptable.
func (l *Limiter) Validate(category, key string) error {
	res := l.Check(category, key)
	if res.Allowed {
		return nil
	}
	return &RateLimitedError{
		Category:   category,
		Key:        normalizeKey(key),
		Max:        res.Max,
		RetryAfter: res.RetryAfter,
	}
}
