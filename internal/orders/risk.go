package orders

import (
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"agent-wallet/internal/core"
)

// RiskLimits bound what the order manager may submit. Zero values disable
// the corresponding check.
type RiskLimits struct {
	// MinOrderNotional rejects orders below a configured quote value. This
	// is independent of the exchange's MinNotional filter.
	MinOrderNotional decimal.Decimal
	// MaxOrderNotional caps the quote value of a single order.
	MaxOrderNotional decimal.Decimal
	// MaxPositionNotional caps the net bought quote value held at once.
	// Buys grow the position, sells shrink it.
	MaxPositionNotional decimal.Decimal
	// MaxDailyVolume caps the summed quote value traded in a rolling 24h
	// window.
	MaxDailyVolume decimal.Decimal
}

// riskTracker enforces RiskLimits. Admission reserves the order's estimated
// notional atomically; the reservation is committed with the filled notional
// or released if the order fails, so concurrent orders can never overshoot
// the daily cap between check and fill.
type riskTracker struct {
	limits RiskLimits

	mu           sync.Mutex
	windowStart  time.Time
	used         decimal.Decimal
	reserved     decimal.Decimal
	reservedBuys decimal.Decimal
	position     decimal.Decimal
	now          func() time.Time
}

func newRiskTracker(limits RiskLimits) *riskTracker {
	return &riskTracker{
		limits:       limits,
		used:         decimal.Zero,
		reserved:     decimal.Zero,
		reservedBuys: decimal.Zero,
		position:     decimal.Zero,
		now:          time.Now,
	}
}

// reservation holds admitted-but-unfilled notional against the daily and
// position caps.
type reservation struct {
	tracker *riskTracker
	side    core.Side
	amount  decimal.Decimal
	settled bool
}

func (t *riskTracker) rolloverLocked(now time.Time) {
	if t.windowStart.IsZero() {
		t.windowStart = now
		return
	}
	if now.Sub(t.windowStart) >= 24*time.Hour {
		t.windowStart = now
		t.used = decimal.Zero
	}
}

// reserve admits notional or rejects it. The check and the reservation are a
// single critical section.
func (t *riskTracker) reserve(side core.Side, notional decimal.Decimal) (*reservation, error) {
	if t.limits.MinOrderNotional.Cmp(decimal.Zero) > 0 && notional.Cmp(t.limits.MinOrderNotional) < 0 {
		return nil, fmt.Errorf("%w: order notional %s below configured minimum %s",
			core.ErrRiskLimit, notional, t.limits.MinOrderNotional)
	}
	if t.limits.MaxOrderNotional.Cmp(decimal.Zero) > 0 && notional.Cmp(t.limits.MaxOrderNotional) > 0 {
		return nil, fmt.Errorf("%w: order notional %s exceeds per-order cap %s",
			core.ErrRiskLimit, notional, t.limits.MaxOrderNotional)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.rolloverLocked(t.now())

	if side == core.Buy && t.limits.MaxPositionNotional.Cmp(decimal.Zero) > 0 {
		projected := t.position.Add(t.reservedBuys).Add(notional)
		if projected.Cmp(t.limits.MaxPositionNotional) > 0 {
			return nil, fmt.Errorf("%w: position %s of %s held, buy for %s rejected",
				core.ErrRiskLimit, t.position.Add(t.reservedBuys), t.limits.MaxPositionNotional, notional)
		}
	}
	if t.limits.MaxDailyVolume.Cmp(decimal.Zero) > 0 {
		projected := t.used.Add(t.reserved).Add(notional)
		if projected.Cmp(t.limits.MaxDailyVolume) > 0 {
			return nil, fmt.Errorf("%w: daily volume %s of %s used, order for %s rejected",
				core.ErrRiskLimit, t.used.Add(t.reserved), t.limits.MaxDailyVolume, notional)
		}
	}
	t.reserved = t.reserved.Add(notional)
	if side == core.Buy {
		t.reservedBuys = t.reservedBuys.Add(notional)
	}
	return &reservation{tracker: t, side: side, amount: notional}, nil
}

// commit settles the reservation with the actually filled notional. A partial
// fill charges only what executed.
func (r *reservation) commit(filled decimal.Decimal) {
	r.tracker.mu.Lock()
	defer r.tracker.mu.Unlock()
	if r.settled {
		return
	}
	r.settled = true
	r.tracker.reserved = r.tracker.reserved.Sub(r.amount)
	if r.side == core.Buy {
		r.tracker.reservedBuys = r.tracker.reservedBuys.Sub(r.amount)
	}
	if filled.Cmp(decimal.Zero) > 0 {
		r.tracker.used = r.tracker.used.Add(filled)
		switch r.side {
		case core.Buy:
			r.tracker.position = r.tracker.position.Add(filled)
		case core.Sell:
			r.tracker.position = r.tracker.position.Sub(filled)
			if r.tracker.position.Cmp(decimal.Zero) < 0 {
				r.tracker.position = decimal.Zero
			}
		}
	}
}

// release drops the reservation without charging anything.
func (r *reservation) release() {
	r.commit(decimal.Zero)
}

// DailyVolume reports the notional charged in the current window, reserved
// amounts included.
func (t *riskTracker) DailyVolume() decimal.Decimal {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rolloverLocked(t.now())
	return t.used.Add(t.reserved)
}
