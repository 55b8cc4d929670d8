package adapter

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"agent-wallet/internal/core"
	"agent-wallet/internal/exchange"
	"agent-wallet/internal/ledger"
	"agent-wallet/internal/orders"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// stubExchange serves canned rules and prices and accepts every order.
type stubExchange struct {
	price  decimal.Decimal
	placed []core.OrderRequest
}

func (s *stubExchange) Name() string { return "stub" }

func (s *stubExchange) Rules(ctx context.Context, symbols []string) (map[string]core.Rules, error) {
	rules := make(map[string]core.Rules, len(symbols))
	for _, sym := range symbols {
		rules[sym] = core.Rules{
			MinQty: dec("0.00001"), QtyStep: dec("0.00001"),
			PriceTick: dec("0.01"), MinNotional: dec("5"),
		}
	}
	return rules, nil
}

func (s *stubExchange) TickerPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	return s.price, nil
}

func (s *stubExchange) PlaceOrder(ctx context.Context, req core.OrderRequest, test bool) (core.OrderResult, error) {
	s.placed = append(s.placed, req)
	return core.OrderResult{
		Success: true, OrderID: "1", Status: core.OrderFilled,
		FilledQty: req.Qty, FilledPrice: s.price, Time: time.Now(),
	}, nil
}

func (s *stubExchange) CancelOrder(ctx context.Context, symbol, orderID, clientOrderID string) (core.OrderResult, error) {
	return core.OrderResult{Success: true}, nil
}

func (s *stubExchange) QueryOrder(ctx context.Context, symbol, orderID, clientOrderID string) (core.OrderResult, error) {
	return core.OrderResult{Success: true}, nil
}

func (s *stubExchange) Balances(ctx context.Context) (map[string]core.AssetBalance, error) {
	return map[string]core.AssetBalance{"BTC": {Free: dec("1")}}, nil
}

func (s *stubExchange) Close() error { return nil }

var _ exchange.Exchange = (*stubExchange)(nil)

func newTestAdapter(t *testing.T, exch *stubExchange, paper bool) *Adapter {
	t.Helper()
	mgr, err := orders.NewManager(orders.Options{
		Exchange: exch,
		Symbols:  []string{"BTCUSDT", "ETHUSDT"},
	})
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	if err := mgr.Init(context.Background()); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	led, err := ledger.Open(filepath.Join(t.TempDir(), "trades.db"))
	if err != nil {
		t.Fatalf("ledger.Open() error = %v", err)
	}
	t.Cleanup(func() { led.Close() })

	a, err := New(Options{Orders: mgr, Exchange: exch, Ledger: led, Paper: paper})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return a
}

func TestSymbolConversion(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"bitcoin", "BTCUSDT"},
		{"Bitcoin", "BTCUSDT"},
		{"BTC", "BTCUSDT"},
		{"ethereum", "ETHUSDT"},
		{"kyber-network", "KNCUSDT"},
		{"0x", "ZRXUSDT"},
		{"tether", "USDT"},
		// Unknown assets fall back to TICKER+USDT.
		{"solana", "SOLANAUSDT"},
		{"SOL", "SOLUSDT"},
	}
	for _, tc := range cases {
		if got := ConvertSymbol(tc.in); got != tc.want {
			t.Errorf("ConvertSymbol(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestTickerToSlugRoundTrip(t *testing.T) {
	for _, slug := range KnownSlugs() {
		if got := TickerToSlug(SlugToTicker(slug)); got != slug {
			t.Errorf("round trip for %q = %q", slug, got)
		}
	}
	if got := TickerToSlug("SOL"); got != "sol" {
		t.Errorf("TickerToSlug(SOL) = %q, want sol", got)
	}
}

func TestGetPrice(t *testing.T) {
	exch := &stubExchange{price: dec("50000")}
	a := newTestAdapter(t, exch, false)

	price, err := a.GetPrice(context.Background(), "bitcoin")
	if err != nil {
		t.Fatalf("GetPrice() error = %v", err)
	}
	if !price.Equal(dec("50000")) {
		t.Fatalf("price = %s, want 50000", price)
	}
	// The quote asset is always worth exactly one of itself.
	one, err := a.GetPrice(context.Background(), "tether")
	if err != nil || !one.Equal(dec("1")) {
		t.Fatalf("GetPrice(tether) = %s, %v; want 1", one, err)
	}
}

func TestExecuteBuyRecordsLedger(t *testing.T) {
	exch := &stubExchange{price: dec("50000")}
	a := newTestAdapter(t, exch, false)

	msg := a.ExecuteBuy(context.Background(), "bitcoin", dec("0.001"), dec("50000"), dec("0.501"))
	if !strings.HasPrefix(msg, "Executed BUY for bitcoin") {
		t.Fatalf("message = %q", msg)
	}
	if len(exch.placed) != 1 || exch.placed[0].Symbol != "BTCUSDT" {
		t.Fatalf("placed = %+v, want one BTCUSDT order", exch.placed)
	}

	trades, err := a.ledger.Trades(context.Background(), "bitcoin", 0)
	if err != nil {
		t.Fatalf("Trades() error = %v", err)
	}
	if len(trades) != 1 {
		t.Fatalf("ledger has %d trades, want 1", len(trades))
	}
	if trades[0].Action != "buy" || !trades[0].RemainingBase.Equal(dec("0.501")) {
		t.Fatalf("ledger record = %+v", trades[0])
	}
}

func TestExecuteBuyFillsAtVenuePrice(t *testing.T) {
	exch := &stubExchange{price: dec("50000")}
	a := newTestAdapter(t, exch, false)

	// The quoted price is advisory; the market order fills at the venue
	// price and the message reports the actual fill.
	msg := a.ExecuteBuy(context.Background(), "bitcoin", dec("0.001"), dec("49000"), dec("0.501"))
	if !strings.Contains(msg, "@ $50000") {
		t.Fatalf("message = %q, want fill at the venue price", msg)
	}
	if len(exch.placed) != 1 || !exch.placed[0].Price.IsZero() {
		t.Fatalf("placed = %+v, want one market order without a price", exch.placed)
	}
}

func TestExecuteSellReportsFailure(t *testing.T) {
	exch := &stubExchange{price: dec("50000")}
	a := newTestAdapter(t, exch, false)

	// Below min notional: rejected locally.
	msg := a.ExecuteSell(context.Background(), "bitcoin", dec("0.00001"), dec("50000"), dec("100"))
	if !strings.HasPrefix(msg, "Error executing SELL for bitcoin") {
		t.Fatalf("message = %q", msg)
	}
	if len(exch.placed) != 0 {
		t.Fatalf("rejected order reached the exchange")
	}
	trades, err := a.ledger.Trades(context.Background(), "bitcoin", 0)
	if err != nil {
		t.Fatalf("Trades() error = %v", err)
	}
	if len(trades) != 0 {
		t.Fatalf("failed trade recorded to ledger")
	}
}

func TestExecuteHold(t *testing.T) {
	exch := &stubExchange{price: dec("50000")}
	a := newTestAdapter(t, exch, false)

	msg := a.ExecuteHold("bitcoin")
	if msg != "HOLD: No trade executed for bitcoin. Position unchanged." {
		t.Fatalf("message = %q", msg)
	}
	if len(exch.placed) != 0 {
		t.Fatalf("hold placed an order")
	}
}

func TestPaperModeNeverSubmits(t *testing.T) {
	exch := &stubExchange{price: dec("50000")}
	a := newTestAdapter(t, exch, true)

	msg := a.ExecuteBuy(context.Background(), "bitcoin", dec("0.001"), dec("50000"), dec("0.001"))
	if !strings.HasPrefix(msg, "Executed BUY for bitcoin") {
		t.Fatalf("message = %q", msg)
	}
	if len(exch.placed) != 0 {
		t.Fatalf("paper trade reached the exchange")
	}
}

func TestPaperBalancesFromLedger(t *testing.T) {
	exch := &stubExchange{price: dec("50000")}
	a := newTestAdapter(t, exch, true)
	ctx := context.Background()

	a.ExecuteBuy(ctx, "bitcoin", dec("0.002"), dec("50000"), dec("0.002"))
	a.ExecuteSell(ctx, "ethereum", dec("0.01"), dec("3000"), dec("730"))

	balances, err := a.Balances(ctx)
	if err != nil {
		t.Fatalf("Balances() error = %v", err)
	}
	if got := balances["BTC"]; !got.Free.Equal(dec("0.002")) {
		t.Fatalf("BTC balance = %s, want 0.002", got.Free)
	}
	if got := balances["USDT"]; !got.Free.Equal(dec("730")) {
		t.Fatalf("USDT balance = %s, want 730", got.Free)
	}
}

func TestValidateSymbols(t *testing.T) {
	exch := &stubExchange{price: dec("50000")}
	a := newTestAdapter(t, exch, false)

	if err := a.ValidateSymbols([]string{"bitcoin", "ethereum", "tether"}); err != nil {
		t.Fatalf("ValidateSymbols() error = %v", err)
	}
	if err := a.ValidateSymbols([]string{"solana"}); err == nil {
		t.Fatalf("unmapped symbol accepted")
	}
}
