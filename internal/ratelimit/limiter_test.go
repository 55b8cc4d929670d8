package ratelimit

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"agent-wallet/internal/core"
)

func newTestManager(limits Limits) (*Manager, *time.Time) {
	m := New(limits)
	m.baseDelay = time.Millisecond
	m.maxDelay = 5 * time.Millisecond
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }
	return m, &now
}

func TestAcquireNeverExceedsWindowLimit(t *testing.T) {
	m, _ := newTestManager(Limits{RequestWeightPerMin: 100, RawRequestsPerMin: 6000, OrdersPer10s: 50})

	granted := 0
	for i := 0; i < 50; i++ {
		ok, err := m.tryAcquire(10, RequestWeight)
		if err != nil {
			t.Fatalf("tryAcquire: %v", err)
		}
		if ok {
			granted += 10
		}
	}
	if granted != 100 {
		t.Fatalf("granted %d weight in one window, want exactly 100", granted)
	}
}

func TestAcquireConcurrentStaysUnderLimit(t *testing.T) {
	m, _ := newTestManager(Limits{RequestWeightPerMin: 200, RawRequestsPerMin: 6000, OrdersPer10s: 50})

	var wg sync.WaitGroup
	var mu sync.Mutex
	granted := 0
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := m.tryAcquire(5, RequestWeight)
			if err != nil || !ok {
				return
			}
			mu.Lock()
			granted += 5
			mu.Unlock()
		}()
	}
	wg.Wait()
	if granted > 200 {
		t.Fatalf("granted %d weight concurrently, limit is 200", granted)
	}
}

func TestAcquireWindowRollover(t *testing.T) {
	m, now := newTestManager(Limits{RequestWeightPerMin: 10, RawRequestsPerMin: 6000, OrdersPer10s: 50})

	if ok, _ := m.tryAcquire(10, RequestWeight); !ok {
		t.Fatal("first acquire should succeed")
	}
	if ok, _ := m.tryAcquire(1, RequestWeight); ok {
		t.Fatal("window exhausted, acquire should be denied")
	}
	*now = now.Add(61 * time.Second)
	if ok, _ := m.tryAcquire(10, RequestWeight); !ok {
		t.Fatal("acquire should succeed after window reset")
	}
}

func TestAcquireBlocksUntilCapacity(t *testing.T) {
	m := New(Limits{RequestWeightPerMin: 10, RawRequestsPerMin: 6000, OrdersPer10s: 50})
	m.baseDelay = time.Millisecond
	m.maxDelay = 5 * time.Millisecond
	// Shrink the window so the blocked Acquire frees within the test.
	m.buckets[RequestWeight].window = 50 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := m.Acquire(ctx, 10, RequestWeight); err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	start := time.Now()
	if err := m.Acquire(ctx, 10, RequestWeight); err != nil {
		t.Fatalf("second acquire: %v", err)
	}
	if time.Since(start) < 20*time.Millisecond {
		t.Fatal("second acquire should have waited for the window to reset")
	}
}

func TestAcquireContextExpiry(t *testing.T) {
	m, _ := newTestManager(Limits{RequestWeightPerMin: 10, RawRequestsPerMin: 6000, OrdersPer10s: 50})
	if ok, _ := m.tryAcquire(10, RequestWeight); !ok {
		t.Fatal("first acquire should succeed")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := m.Acquire(ctx, 10, RequestWeight)
	if !errors.Is(err, core.ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited on ctx expiry, got %v", err)
	}
}

func TestBanFailsFastThenExpires(t *testing.T) {
	m, now := newTestManager(DefaultLimits())

	h := http.Header{}
	h.Set("Retry-After", "60")
	if wait := m.HandleStatus(http.StatusTeapot, h); wait != 60*time.Second {
		t.Fatalf("ban duration = %v, want 60s", wait)
	}
	if !m.Banned() {
		t.Fatal("manager should be banned after 418")
	}

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		start := time.Now()
		err := m.Acquire(ctx, 1, RequestWeight)
		if !errors.Is(err, core.ErrBanned) {
			t.Fatalf("expected ErrBanned during ban, got %v", err)
		}
		if time.Since(start) > 50*time.Millisecond {
			t.Fatal("banned acquire must fail without waiting")
		}
	}

	*now = now.Add(61 * time.Second)
	if m.Banned() {
		t.Fatal("ban should have expired")
	}
	if err := m.Acquire(ctx, 1, RequestWeight); err != nil {
		t.Fatalf("acquire after ban expiry: %v", err)
	}
}

func TestBanDefaultDuration(t *testing.T) {
	m, _ := newTestManager(DefaultLimits())
	if wait := m.HandleStatus(http.StatusTeapot, http.Header{}); wait != time.Hour {
		t.Fatalf("default ban = %v, want 1h", wait)
	}
}

func TestTooManyRequestsPausesAcquires(t *testing.T) {
	m, now := newTestManager(DefaultLimits())

	h := http.Header{}
	h.Set("Retry-After", "30")
	if wait := m.HandleStatus(http.StatusTooManyRequests, h); wait != 30*time.Second {
		t.Fatalf("cooldown = %v, want 30s", wait)
	}
	if ok, err := m.tryAcquire(1, RequestWeight); ok || err != nil {
		t.Fatalf("acquire during cooldown: ok=%v err=%v, want denied without error", ok, err)
	}
	*now = now.Add(31 * time.Second)
	if ok, _ := m.tryAcquire(1, RequestWeight); !ok {
		t.Fatal("acquire should succeed after cooldown")
	}
}

func TestUpdateFromHeadersOverridesLocalCount(t *testing.T) {
	m, _ := newTestManager(DefaultLimits())
	for i := 0; i < 5; i++ {
		m.tryAcquire(10, RequestWeight)
	}

	h := http.Header{}
	h.Set("X-Mbx-Used-Weight-1m", "900")
	h.Set("X-Mbx-Order-Count-10s", "12")
	m.UpdateFromHeaders(h)

	status, banned := m.Status()
	if banned {
		t.Fatal("headers without Retry-After must not ban")
	}
	if got := status[RequestWeight].Usage; got != 900 {
		t.Fatalf("weight usage = %d, want server-reported 900", got)
	}
	if got := status[Orders].Usage; got != 12 {
		t.Fatalf("order count = %d, want server-reported 12", got)
	}
}

func TestRetryAfterHeaderTriggersBan(t *testing.T) {
	m, _ := newTestManager(DefaultLimits())
	h := http.Header{}
	h.Set("Retry-After", "15")
	m.UpdateFromHeaders(h)
	if !m.Banned() {
		t.Fatal("Retry-After in response headers should pause all requests")
	}
}

func TestOrdersChargeRawRequests(t *testing.T) {
	m, _ := newTestManager(DefaultLimits())
	m.tryAcquire(1, Orders)
	m.tryAcquire(5, RequestWeight)

	status, _ := m.Status()
	if got := status[RawRequests].Usage; got != 2 {
		t.Fatalf("raw request count = %d, want 2", got)
	}
}
