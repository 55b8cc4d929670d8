// Package ratelimit tracks consumption against the exchange's request
// quotas and blocks callers before they exceed them. Server-reported usage
// headers are authoritative and override local bookkeeping.
package ratelimit

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/jpillora/backoff"

	"agent-wallet/internal/core"
	"agent-wallet/internal/logger"
)

// Kind selects which quota a request is charged against.
type Kind string

const (
	// RequestWeight is the per-minute weighted quota most endpoints consume.
	RequestWeight Kind = "request_weight"
	// RawRequests is the per-minute unweighted request count.
	RawRequests Kind = "raw_requests"
	// Orders is the rolling 10-second order placement quota.
	Orders Kind = "orders"
)

// Limits holds the configured quota sizes.
type Limits struct {
	RequestWeightPerMin int
	RawRequestsPerMin   int
	OrdersPer10s        int
}

// DefaultLimits are the exchange's published spot limits.
func DefaultLimits() Limits {
	return Limits{
		RequestWeightPerMin: 1200,
		RawRequestsPerMin:   6000,
		OrdersPer10s:        50,
	}
}

type bucket struct {
	limit   int
	window  time.Duration
	usage   int
	resetAt time.Time
}

func (b *bucket) rollover(now time.Time) {
	if now.Before(b.resetAt) {
		return
	}
	b.usage = 0
	b.resetAt = now.Add(b.window)
}

func (b *bucket) remaining(now time.Time) int {
	if !now.Before(b.resetAt) {
		return b.limit
	}
	if b.usage >= b.limit {
		return 0
	}
	return b.limit - b.usage
}

// Manager is safe for concurrent use. Usage check and increment happen in a
// single critical section.
type Manager struct {
	mu            sync.Mutex
	buckets       map[Kind]*bucket
	bannedUntil   time.Time
	cooldownUntil time.Time

	baseDelay time.Duration
	maxDelay  time.Duration

	now func() time.Time
	log *logger.Entry
}

func New(limits Limits) *Manager {
	return &Manager{
		buckets: map[Kind]*bucket{
			RequestWeight: {limit: limits.RequestWeightPerMin, window: time.Minute},
			RawRequests:   {limit: limits.RawRequestsPerMin, window: time.Minute},
			Orders:        {limit: limits.OrdersPer10s, window: 10 * time.Second},
		},
		baseDelay: 250 * time.Millisecond,
		maxDelay:  5 * time.Second,
		now:       time.Now,
		log:       logger.GetLogger().WithComponent("ratelimit"),
	}
}

// Acquire charges weight against the given quota, waiting with capped
// exponential backoff until capacity frees or ctx expires. While banned it
// fails immediately with core.ErrBanned; a ctx expiry surfaces as the
// retryable core.ErrRateLimited.
func (m *Manager) Acquire(ctx context.Context, weight int, kind Kind) error {
	wait := &backoff.Backoff{Min: m.baseDelay, Max: m.maxDelay, Factor: 2, Jitter: true}
	for {
		ok, err := m.tryAcquire(weight, kind)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		timer := time.NewTimer(wait.Duration())
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("%w: quota %s not granted: %v", core.ErrRateLimited, kind, ctx.Err())
		case <-timer.C:
		}
	}
}

func (m *Manager) tryAcquire(weight int, kind Kind) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	if now.Before(m.bannedUntil) {
		return false, fmt.Errorf("%w until %s", core.ErrBanned, m.bannedUntil.Format(time.RFC3339))
	}
	if now.Before(m.cooldownUntil) {
		return false, nil
	}
	b, exists := m.buckets[kind]
	if !exists {
		return false, fmt.Errorf("%w: unknown quota %q", core.ErrRateLimited, kind)
	}
	b.rollover(now)
	if b.usage+weight > b.limit {
		return false, nil
	}
	b.usage += weight
	if kind != RawRequests {
		raw := m.buckets[RawRequests]
		raw.rollover(now)
		raw.usage++
	}
	return true, nil
}

// UpdateFromHeaders overwrites local counters with the server-reported
// values. The server's view wins to avoid drift.
func (m *Manager) UpdateFromHeaders(h http.Header) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	if v := headerInt(h, "X-Mbx-Used-Weight-1m", "X-Mbx-Used-Weight"); v >= 0 {
		b := m.buckets[RequestWeight]
		b.rollover(now)
		b.usage = v
	}
	if v := headerInt(h, "X-Mbx-Order-Count-10s"); v >= 0 {
		b := m.buckets[Orders]
		b.rollover(now)
		b.usage = v
	}
	if v := headerInt(h, "Retry-After"); v > 0 {
		m.bannedUntil = now.Add(time.Duration(v) * time.Second)
		m.log.WithFields(logger.Fields{"retry_after_sec": v}).Warn("server requested retry-after, pausing requests")
	}
}

// HandleStatus interprets a 429 or 418 response. 429 pauses acquisitions for
// the server-provided Retry-After (60s when absent); 418 enters the global
// banned state (3600s when absent) during which every Acquire fails fast.
// The returned duration is the recommended wait.
func (m *Manager) HandleStatus(status int, h http.Header) time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	switch status {
	case http.StatusTooManyRequests:
		wait := 60 * time.Second
		if v := headerInt(h, "Retry-After"); v > 0 {
			wait = time.Duration(v) * time.Second
		}
		m.cooldownUntil = now.Add(wait)
		m.log.WithFields(logger.Fields{"wait_sec": wait.Seconds()}).Warn("rate limit exceeded (429)")
		return wait
	case http.StatusTeapot:
		dur := time.Hour
		if v := headerInt(h, "Retry-After"); v > 0 {
			dur = time.Duration(v) * time.Second
		}
		m.bannedUntil = now.Add(dur)
		m.log.WithFields(logger.Fields{"ban_sec": dur.Seconds()}).Error("ip banned (418)")
		return dur
	}
	return 0
}

// Banned reports whether the manager is currently in the banned state.
func (m *Manager) Banned() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now().Before(m.bannedUntil)
}

// BucketStatus is a point-in-time view of one quota.
type BucketStatus struct {
	Limit     int
	Usage     int
	Remaining int
	ResetIn   time.Duration
}

// Status snapshots every quota plus the ban state.
func (m *Manager) Status() (map[Kind]BucketStatus, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	out := make(map[Kind]BucketStatus, len(m.buckets))
	for kind, b := range m.buckets {
		resetIn := time.Duration(0)
		usage := b.usage
		if now.Before(b.resetAt) {
			resetIn = b.resetAt.Sub(now)
		} else {
			usage = 0
		}
		out[kind] = BucketStatus{
			Limit:     b.limit,
			Usage:     usage,
			Remaining: b.remaining(now),
			ResetIn:   resetIn,
		}
	}
	return out, now.Before(m.bannedUntil)
}

func headerInt(h http.Header, keys ...string) int {
	for _, key := range keys {
		v := h.Get(key)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			continue
		}
		return n
	}
	return -1
}
