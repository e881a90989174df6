package ratelimit

import (
	"errors"
	"sync"
	"testing"
	"time"
)

func testLimiter(maxReq int, window time.Duration) (*Limiter, *time.Time) {
	now := time.Date(2026, 8, 31, 10, 0, 0, 0, time.UTC)
	l := New(Config{
		"payment": {MaxRequests: maxReq, Window: window},
	}).WithClock(func() time.Time { return now })
	return l, &now
}

func TestCheckAndRecordExactLimit(t *testing.T) {
	l, _ := testLimiter(3, time.Minute)

	// Exactly maxRequests atomic records succeed.
	for i := 0; i < 3; i++ {
		if _, err := l.CheckAndRecord("payment", ""); err != nil {
			t.Fatalf("record %d failed: %v", i+1, err)
		}
	}

	// The maxRequests+1th fails and the stored count stays at the limit.
	_, err := l.CheckAndRecord("payment", "")
	var rle *RateLimitedError
	if !errors.As(err, &rle) {
		t.Fatalf("expected RateLimitedError, got %v", err)
	}
	if rle.RetryAfterSeconds() <= 0 {
		t.Errorf("retryAfter = %d, want > 0", rle.RetryAfterSeconds())
	}

	if res := l.Check("payment", ""); res.Current != 3 {
		t.Errorf("count after rollback = %d, want 3", res.Current)
	}
}

func TestWindowExpiry(t *testing.T) {
	l, now := testLimiter(2, time.Minute)

	l.Record("payment", "")
	l.Record("payment", "")
	if res := l.Check("payment", ""); res.Allowed {
		t.Fatal("window should be full")
	}

	*now = now.Add(time.Minute + time.Second)
	res := l.Check("payment", "")
	if !res.Allowed || res.Current != 0 {
		t.Errorf("after window: allowed=%v current=%d, want allowed with 0", res.Allowed, res.Current)
	}
}

func TestReleaseReturnsSlot(t *testing.T) {
	l, _ := testLimiter(1, time.Minute)

	release, err := l.CheckAndRecord("payment", "")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := l.CheckAndRecord("payment", ""); err == nil {
		t.Fatal("second record should be denied")
	}

	release()
	release() // idempotent

	if res := l.Check("payment", ""); res.Current != 0 {
		t.Errorf("count after release = %d, want 0", res.Current)
	}
	if _, err := l.CheckAndRecord("payment", ""); err != nil {
		t.Errorf("slot should be free again: %v", err)
	}
}

func TestPerKeyIndependence(t *testing.T) {
	l, _ := testLimiter(1, time.Minute)

	if _, err := l.CheckAndRecord("payment", "0xAAA"); err != nil {
		t.Fatal(err)
	}
	if _, err := l.CheckAndRecord("payment", "0xBBB"); err != nil {
		t.Errorf("different key should have its own window: %v", err)
	}
}

func TestKeyCaseFolding(t *testing.T) {
	l, _ := testLimiter(1, time.Minute)

	if _, err := l.CheckAndRecord("payment", "0xAbCd"); err != nil {
		t.Fatal(err)
	}
	// Same address in different casing must hit the same window.
	if _, err := l.CheckAndRecord("payment", "0xABCD"); err == nil {
		t.Error("case variation must not bypass the limit")
	}
}

func TestCategoryIndependence(t *testing.T) {
	now := time.Date(2026, 8, 31, 10, 0, 0, 0, time.UTC)
	l := New(Config{
		"payment": {MaxRequests: 1, Window: time.Minute},
		"query":   {MaxRequests: 5, Window: time.Minute},
	}).WithClock(func() time.Time { return now })

	if _, err := l.CheckAndRecord("payment", ""); err != nil {
		t.Fatal(err)
	}
	if _, err := l.CheckAndRecord("payment", ""); err == nil {
		t.Fatal("payment should be exhausted")
	}
	if _, err := l.CheckAndRecord("query", ""); err != nil {
		t.Errorf("query category must be unaffected: %v", err)
	}
}

func TestUnconfiguredCategoryUnlimited(t *testing.T) {
	l, _ := testLimiter(1, time.Minute)
	for i := 0; i < 100; i++ {
		if _, err := l.CheckAndRecord("unconfigured", ""); err != nil {
			t.Fatalf("unconfigured category should never limit: %v", err)
		}
	}
}

func TestStoredTimestampCap(t *testing.T) {
	l, _ := testLimiter(100, time.Hour)
	for i := 0; i < 1000; i++ {
		l.Record("payment", "")
	}
	res := l.Check("payment", "")
	if res.Current > 100*storedCapMultiplier {
		t.Errorf("stored %d timestamps, cap is %d", res.Current, 100*storedCapMultiplier)
	}
}

func TestValidateDoesNotRecord(t *testing.T) {
	l, _ := testLimiter(2, time.Minute)
	for i := 0; i < 5; i++ {
		if err := l.Validate("payment", ""); err != nil {
			t.Fatalf("validate must not consume slots: %v", err)
		}
	}
	l.Record("payment", "")
	l.Record("payment", "")
	if err := l.Validate("payment", ""); err == nil {
		t.Error("validate should fail once window is full")
	}
}

// Concurrent atomic records must grant exactly the limit. Uses the real
// clock: identical injected timestamps would collide on release bookkeeping.
func TestConcurrentCheckAndRecord(t *testing.T) {
	l := New(Config{"payment": {MaxRequests: 10, Window: time.Minute}})

	const workers = 50
	var wg sync.WaitGroup
	var mu sync.Mutex
	granted := 0

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := l.CheckAndRecord("payment", ""); err == nil {
				mu.Lock()
				granted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if granted != 10 {
		t.Errorf("granted %d, want exactly 10", granted)
	}
}
