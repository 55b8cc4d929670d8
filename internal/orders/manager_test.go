package orders

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"agent-wallet/internal/core"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// fakeExchange records placements and answers from canned data.
type fakeExchange struct {
	mu         sync.Mutex
	rules      map[string]core.Rules
	price      decimal.Decimal
	placeErr   error
	placed     []core.OrderRequest
	placedTest []bool
	result     core.OrderResult
}

func newFakeExchange() *fakeExchange {
	return &fakeExchange{
		rules: map[string]core.Rules{
			"BTCUSDT": {
				BaseAsset: "BTC", QuoteAsset: "USDT",
				MinQty: dec("0.00001"), MaxQty: dec("9000"), QtyStep: dec("0.00001"),
				MinPrice: dec("0.01"), MaxPrice: dec("1000000"), PriceTick: dec("0.01"),
				MinNotional: dec("5"),
			},
		},
		price: dec("50000"),
		result: core.OrderResult{
			Success: true, OrderID: "1", Status: core.OrderFilled,
			FilledQty: dec("0.001"), FilledPrice: dec("50000"), Time: time.Now(),
		},
	}
}

func (f *fakeExchange) Name() string { return "fake" }

func (f *fakeExchange) Rules(ctx context.Context, symbols []string) (map[string]core.Rules, error) {
	return f.rules, nil
}

func (f *fakeExchange) TickerPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	return f.price, nil
}

func (f *fakeExchange) PlaceOrder(ctx context.Context, req core.OrderRequest, test bool) (core.OrderResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.placeErr != nil {
		return core.OrderResult{}, f.placeErr
	}
	f.placed = append(f.placed, req)
	f.placedTest = append(f.placedTest, test)
	return f.result, nil
}

func (f *fakeExchange) CancelOrder(ctx context.Context, symbol, orderID, clientOrderID string) (core.OrderResult, error) {
	return core.OrderResult{Success: true, OrderID: orderID, Status: core.OrderCanceled}, nil
}

func (f *fakeExchange) QueryOrder(ctx context.Context, symbol, orderID, clientOrderID string) (core.OrderResult, error) {
	return f.result, nil
}

func (f *fakeExchange) Balances(ctx context.Context) (map[string]core.AssetBalance, error) {
	return map[string]core.AssetBalance{}, nil
}

func (f *fakeExchange) Close() error { return nil }

func newTestManager(t *testing.T, exch *fakeExchange, risk RiskLimits, testOrders bool) *Manager {
	t.Helper()
	m, err := NewManager(Options{
		Exchange:   exch,
		Symbols:    []string{"BTCUSDT"},
		Risk:       risk,
		TestOrders: testOrders,
	})
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	if err := m.Init(context.Background()); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	return m
}

func TestPlaceOrderNormalizesBeforeSubmission(t *testing.T) {
	exch := newFakeExchange()
	m := newTestManager(t, exch, RiskLimits{}, false)

	_, err := m.PlaceOrder(context.Background(), core.OrderRequest{
		Symbol: "BTCUSDT", Side: core.Buy, Type: core.Limit,
		Qty: dec("0.123456789"), Price: dec("50000.126"), TimeInForce: core.GTC,
	}, false)
	if err != nil {
		t.Fatalf("PlaceOrder() error = %v", err)
	}
	if len(exch.placed) != 1 {
		t.Fatalf("placed %d orders, want 1", len(exch.placed))
	}
	got := exch.placed[0]
	if !got.Qty.Equal(dec("0.12345")) {
		t.Fatalf("submitted qty = %s, want 0.12345", got.Qty)
	}
	if !got.Price.Equal(dec("50000.13")) {
		t.Fatalf("submitted price = %s, want 50000.13", got.Price)
	}
}

func TestPlaceOrderUnknownSymbol(t *testing.T) {
	exch := newFakeExchange()
	m := newTestManager(t, exch, RiskLimits{}, false)

	result, err := m.PlaceOrder(context.Background(), core.OrderRequest{
		Symbol: "NOPEUSDT", Side: core.Buy, Type: core.Market, Qty: dec("1"),
	}, false)
	if !errors.Is(err, core.ErrUnknownSymbol) {
		t.Fatalf("error = %v, want ErrUnknownSymbol", err)
	}
	if result.Success || result.ErrorMessage == "" {
		t.Fatalf("result = %+v, want failure with message", result)
	}
	if len(exch.placed) != 0 {
		t.Fatalf("rejected order reached the exchange")
	}
}

func TestPlaceOrderBelowMinNotional(t *testing.T) {
	exch := newFakeExchange()
	m := newTestManager(t, exch, RiskLimits{}, false)

	// 0.00005 BTC at 50000 = 2.5 USDT, below the 5 USDT minimum.
	_, err := m.BuyMarket(context.Background(), "BTCUSDT", dec("0.00005"), false)
	if !errors.Is(err, core.ErrValidation) {
		t.Fatalf("error = %v, want ErrValidation", err)
	}
	if len(exch.placed) != 0 {
		t.Fatalf("undersized order reached the exchange")
	}
}

func TestPlaceOrderBelowMinimumOrderSize(t *testing.T) {
	exch := newFakeExchange()
	m := newTestManager(t, exch, RiskLimits{MinOrderNotional: dec("10")}, false)

	// 0.0001 BTC at 50000 = 5 USDT clears the exchange's MinNotional but not
	// the configured 10 USDT floor.
	_, err := m.BuyMarket(context.Background(), "BTCUSDT", dec("0.0001"), false)
	if !errors.Is(err, core.ErrRiskLimit) {
		t.Fatalf("error = %v, want ErrRiskLimit", err)
	}
	if len(exch.placed) != 0 {
		t.Fatalf("undersized order reached the exchange")
	}

	// 0.0002 BTC = 10 USDT sits exactly on the floor and must pass.
	if _, err := m.BuyMarket(context.Background(), "BTCUSDT", dec("0.0002"), false); err != nil {
		t.Fatalf("order at the minimum rejected: %v", err)
	}
}

func TestPlaceOrderPositionCap(t *testing.T) {
	exch := newFakeExchange()
	exch.result.FilledQty = dec("0.002")
	exch.result.FilledPrice = dec("50000")
	m := newTestManager(t, exch, RiskLimits{MaxPositionNotional: dec("150")}, false)

	// First buy: 100 USDT position of 150 allowed.
	if _, err := m.BuyMarket(context.Background(), "BTCUSDT", dec("0.002"), false); err != nil {
		t.Fatalf("first buy: %v", err)
	}
	// Second buy would grow the position to 200.
	if _, err := m.BuyMarket(context.Background(), "BTCUSDT", dec("0.002"), false); !errors.Is(err, core.ErrRiskLimit) {
		t.Fatalf("second buy error = %v, want ErrRiskLimit", err)
	}
	// Selling shrinks the position, so the cap stops binding.
	if _, err := m.SellMarket(context.Background(), "BTCUSDT", dec("0.002"), false); err != nil {
		t.Fatalf("sell: %v", err)
	}
	if _, err := m.BuyMarket(context.Background(), "BTCUSDT", dec("0.002"), false); err != nil {
		t.Fatalf("buy after sell: %v", err)
	}
}

func TestPlaceOrderPerOrderCap(t *testing.T) {
	exch := newFakeExchange()
	m := newTestManager(t, exch, RiskLimits{MaxOrderNotional: dec("100")}, false)

	_, err := m.BuyMarket(context.Background(), "BTCUSDT", dec("0.01"), false) // 500 USDT
	if !errors.Is(err, core.ErrRiskLimit) {
		t.Fatalf("error = %v, want ErrRiskLimit", err)
	}
	if len(exch.placed) != 0 {
		t.Fatalf("oversized order reached the exchange")
	}
}

func TestPlaceOrderDailyVolumeCap(t *testing.T) {
	exch := newFakeExchange()
	exch.result.FilledQty = dec("0.002")
	exch.result.FilledPrice = dec("50000")
	m := newTestManager(t, exch, RiskLimits{MaxDailyVolume: dec("250")}, false)

	// First order: 0.002 * 50000 = 100 USDT of volume.
	if _, err := m.BuyMarket(context.Background(), "BTCUSDT", dec("0.002"), false); err != nil {
		t.Fatalf("first order: %v", err)
	}
	// Second: another 100, total 200 of 250.
	if _, err := m.BuyMarket(context.Background(), "BTCUSDT", dec("0.002"), false); err != nil {
		t.Fatalf("second order: %v", err)
	}
	// Third would reach 300, over the cap.
	if _, err := m.BuyMarket(context.Background(), "BTCUSDT", dec("0.002"), false); !errors.Is(err, core.ErrRiskLimit) {
		t.Fatalf("third order error = %v, want ErrRiskLimit", err)
	}
	if len(exch.placed) != 2 {
		t.Fatalf("placed %d orders, want 2", len(exch.placed))
	}
}

func TestFailedOrderReleasesReservation(t *testing.T) {
	exch := newFakeExchange()
	exch.placeErr = core.ErrTransport
	m := newTestManager(t, exch, RiskLimits{MaxDailyVolume: dec("150")}, false)

	if _, err := m.BuyMarket(context.Background(), "BTCUSDT", dec("0.002"), false); !errors.Is(err, core.ErrTransport) {
		t.Fatalf("error = %v, want ErrTransport", err)
	}
	// The failed order's 100 USDT must not count against the cap.
	exch.placeErr = nil
	if _, err := m.BuyMarket(context.Background(), "BTCUSDT", dec("0.002"), false); err != nil {
		t.Fatalf("order after failure: %v", err)
	}
}

func TestDryRunNeverReachesExchange(t *testing.T) {
	exch := newFakeExchange()
	m := newTestManager(t, exch, RiskLimits{}, false)

	result, err := m.BuyMarket(context.Background(), "BTCUSDT", dec("0.001"), true)
	if err != nil {
		t.Fatalf("dry-run order: %v", err)
	}
	if !result.Success || result.Status != core.OrderFilled {
		t.Fatalf("dry-run result = %+v, want simulated fill", result)
	}
	if !result.FilledPrice.Equal(dec("50000")) {
		t.Fatalf("simulated price = %s, want ticker price 50000", result.FilledPrice)
	}
	if len(exch.placed) != 0 {
		t.Fatalf("dry-run order reached the exchange")
	}
}

func TestDryRunStillEnforcesRisk(t *testing.T) {
	exch := newFakeExchange()
	m := newTestManager(t, exch, RiskLimits{MaxOrderNotional: dec("10")}, false)

	if _, err := m.BuyMarket(context.Background(), "BTCUSDT", dec("0.001"), true); !errors.Is(err, core.ErrRiskLimit) {
		t.Fatalf("error = %v, want ErrRiskLimit", err)
	}
}

func TestTestOrderRouting(t *testing.T) {
	exch := newFakeExchange()
	m := newTestManager(t, exch, RiskLimits{}, true)

	if _, err := m.BuyMarket(context.Background(), "BTCUSDT", dec("0.001"), false); err != nil {
		t.Fatalf("PlaceOrder() error = %v", err)
	}
	if len(exch.placedTest) != 1 || !exch.placedTest[0] {
		t.Fatalf("order not routed to the test endpoint: %v", exch.placedTest)
	}
}

func TestConcurrentOrdersRespectDailyCap(t *testing.T) {
	exch := newFakeExchange()
	exch.result.FilledQty = dec("0.002")
	m := newTestManager(t, exch, RiskLimits{MaxDailyVolume: dec("500")}, false)

	var wg sync.WaitGroup
	var rejected int32
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			// Each order reserves 100 USDT; at most 5 can be admitted.
			if _, err := m.BuyMarket(context.Background(), "BTCUSDT", dec("0.002"), false); err != nil {
				atomic.AddInt32(&rejected, 1)
			}
		}()
	}
	wg.Wait()
	if got := int(atomic.LoadInt32(&rejected)); got != 5 {
		t.Fatalf("rejected %d of 10 concurrent orders, want 5", got)
	}
}

func TestStatsAndHistory(t *testing.T) {
	exch := newFakeExchange()
	m := newTestManager(t, exch, RiskLimits{}, false)

	if _, err := m.BuyMarket(context.Background(), "BTCUSDT", dec("0.001"), false); err != nil {
		t.Fatalf("buy: %v", err)
	}
	if _, err := m.BuyMarket(context.Background(), "NOPEUSDT", dec("1"), false); err == nil {
		t.Fatalf("expected rejection for unknown symbol")
	}

	stats := m.Stats()
	if stats.Placed != 2 || stats.Succeeded != 1 || stats.Failed != 1 {
		t.Fatalf("stats = %+v, want 2/1/1", stats)
	}
	history := m.History()
	if len(history) != 2 {
		t.Fatalf("history length = %d, want 2", len(history))
	}
	if !history[0].Success || history[1].Success {
		t.Fatalf("history order wrong: %+v", history)
	}
}

func TestDailyWindowResets(t *testing.T) {
	tracker := newRiskTracker(RiskLimits{MaxDailyVolume: dec("100")})
	now := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	tracker.now = func() time.Time { return now }

	res, err := tracker.reserve(core.Buy, dec("100"))
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	res.commit(dec("100"))
	if _, err := tracker.reserve(core.Buy, dec("1")); !errors.Is(err, core.ErrRiskLimit) {
		t.Fatalf("error = %v, want ErrRiskLimit", err)
	}

	now = now.Add(25 * time.Hour)
	if _, err := tracker.reserve(core.Buy, dec("100")); err != nil {
		t.Fatalf("reserve after window reset: %v", err)
	}
}
