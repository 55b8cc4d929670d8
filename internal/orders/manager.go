// Package orders validates, normalizes and routes orders. All risk checks
// happen here, before anything reaches the exchange.
package orders

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"agent-wallet/internal/core"
	"agent-wallet/internal/exchange"
	"agent-wallet/internal/logger"
)

type Options struct {
	Exchange exchange.Exchange
	// Symbols to fetch trading rules for at Init.
	Symbols []string
	Risk    RiskLimits
	// TestOrders routes every placement to the exchange's validation
	// endpoint. Chosen once at construction; a manager never switches
	// between test and real submission at runtime.
	TestOrders bool
}

// TradingStats summarizes the manager's activity since start.
type TradingStats struct {
	Placed      int
	Succeeded   int
	Failed      int
	DailyVolume decimal.Decimal
}

type Manager struct {
	exch       exchange.Exchange
	symbols    []string
	risk       *riskTracker
	testOrders bool
	log        *logger.Entry

	mu      sync.Mutex
	rules   map[string]core.Rules
	history []core.OrderResult
	placed  int
	failed  int
}

func NewManager(opts Options) (*Manager, error) {
	if opts.Exchange == nil {
		return nil, fmt.Errorf("%w: exchange required", core.ErrValidation)
	}
	return &Manager{
		exch:       opts.Exchange,
		symbols:    opts.Symbols,
		risk:       newRiskTracker(opts.Risk),
		testOrders: opts.TestOrders,
		rules:      make(map[string]core.Rules),
		log:        logger.GetLogger().WithComponent("orders"),
	}, nil
}

// Init fetches and caches trading rules. The cache is immutable afterwards;
// a symbol without rules cannot be traded.
func (m *Manager) Init(ctx context.Context) error {
	rules, err := m.exch.Rules(ctx, m.symbols)
	if err != nil {
		return fmt.Errorf("fetch trading rules: %w", err)
	}
	for _, symbol := range m.symbols {
		if _, ok := rules[symbol]; !ok {
			return fmt.Errorf("%w: %s not tradable", core.ErrUnknownSymbol, symbol)
		}
	}
	m.mu.Lock()
	m.rules = rules
	m.mu.Unlock()
	m.log.WithFields(logger.Fields{"symbols": len(rules)}).Info("trading rules cached")
	return nil
}

// RulesFor returns the cached rules for a symbol.
func (m *Manager) RulesFor(symbol string) (core.Rules, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rules, ok := m.rules[symbol]
	return rules, ok
}

// PlaceOrder runs the full admission pipeline: rules lookup, validation,
// normalization, minimum notional, risk reservation, then routing. With
// dryRun the order is simulated locally at the reference price and never
// leaves the process.
func (m *Manager) PlaceOrder(ctx context.Context, req core.OrderRequest, dryRun bool) (core.OrderResult, error) {
	rules, ok := m.RulesFor(req.Symbol)
	if !ok {
		return m.fail(req, fmt.Errorf("%w: no trading rules for %s", core.ErrUnknownSymbol, req.Symbol))
	}
	if err := core.ValidateRequest(req, rules); err != nil {
		return m.fail(req, err)
	}
	req, err := core.NormalizeRequest(req, rules)
	if err != nil {
		return m.fail(req, err)
	}

	refPrice := req.Price
	if refPrice.Cmp(decimal.Zero) <= 0 {
		refPrice, err = m.exch.TickerPrice(ctx, req.Symbol)
		if err != nil {
			return m.fail(req, fmt.Errorf("reference price for %s: %w", req.Symbol, err))
		}
	}
	notional := req.Qty.Mul(refPrice)
	if rules.MinNotional.Cmp(decimal.Zero) > 0 && notional.Cmp(rules.MinNotional) < 0 {
		return m.fail(req, fmt.Errorf("%w: notional %s below minimum %s",
			core.ErrValidation, notional, rules.MinNotional))
	}

	res, err := m.risk.reserve(req.Side, notional)
	if err != nil {
		return m.fail(req, err)
	}

	if dryRun {
		result := core.OrderResult{
			Success:       true,
			ClientOrderID: req.ClientOrderID,
			Status:        core.OrderFilled,
			FilledQty:     req.Qty,
			FilledPrice:   refPrice,
			Time:          time.Now(),
		}
		res.commit(notional)
		m.record(result)
		m.log.WithFields(logger.Fields{
			"symbol": req.Symbol, "side": req.Side, "qty": req.Qty.String(),
			"price": refPrice.String(), "dry_run": true,
		}).Info("order simulated")
		return result, nil
	}

	result, err := m.exch.PlaceOrder(ctx, req, m.testOrders)
	if err != nil {
		res.release()
		return m.fail(req, err)
	}
	charge := result.Notional()
	if charge.Cmp(decimal.Zero) <= 0 && result.Success {
		// Accepted but not yet filled; the reserved estimate stands until
		// the order settles.
		charge = notional
	}
	res.commit(charge)
	m.record(result)
	m.log.WithFields(logger.Fields{
		"symbol": req.Symbol, "side": req.Side, "qty": req.Qty.String(),
		"status": result.Status, "order_id": result.OrderID, "test": m.testOrders,
	}).Info("order placed")
	return result, nil
}

func (m *Manager) BuyMarket(ctx context.Context, symbol string, qty decimal.Decimal, dryRun bool) (core.OrderResult, error) {
	return m.PlaceOrder(ctx, core.OrderRequest{Symbol: symbol, Side: core.Buy, Type: core.Market, Qty: qty}, dryRun)
}

func (m *Manager) SellMarket(ctx context.Context, symbol string, qty decimal.Decimal, dryRun bool) (core.OrderResult, error) {
	return m.PlaceOrder(ctx, core.OrderRequest{Symbol: symbol, Side: core.Sell, Type: core.Market, Qty: qty}, dryRun)
}

func (m *Manager) BuyLimit(ctx context.Context, symbol string, qty, price decimal.Decimal, dryRun bool) (core.OrderResult, error) {
	return m.PlaceOrder(ctx, core.OrderRequest{
		Symbol: symbol, Side: core.Buy, Type: core.Limit, Qty: qty, Price: price, TimeInForce: core.GTC,
	}, dryRun)
}

func (m *Manager) SellLimit(ctx context.Context, symbol string, qty, price decimal.Decimal, dryRun bool) (core.OrderResult, error) {
	return m.PlaceOrder(ctx, core.OrderRequest{
		Symbol: symbol, Side: core.Sell, Type: core.Limit, Qty: qty, Price: price, TimeInForce: core.GTC,
	}, dryRun)
}

func (m *Manager) CancelOrder(ctx context.Context, symbol, orderID, clientOrderID string) (core.OrderResult, error) {
	result, err := m.exch.CancelOrder(ctx, symbol, orderID, clientOrderID)
	if err != nil {
		return core.OrderResult{Success: false, ErrorMessage: err.Error()}, err
	}
	m.record(result)
	return result, nil
}

func (m *Manager) OrderStatus(ctx context.Context, symbol, orderID, clientOrderID string) (core.OrderResult, error) {
	return m.exch.QueryOrder(ctx, symbol, orderID, clientOrderID)
}

// History returns a copy of all recorded results, oldest first.
func (m *Manager) History() []core.OrderResult {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]core.OrderResult, len(m.history))
	copy(out, m.history)
	return out
}

func (m *Manager) Stats() TradingStats {
	m.mu.Lock()
	placed := m.placed
	failed := m.failed
	m.mu.Unlock()
	return TradingStats{
		Placed:      placed,
		Succeeded:   placed - failed,
		Failed:      failed,
		DailyVolume: m.risk.DailyVolume(),
	}
}

func (m *Manager) record(result core.OrderResult) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.history = append(m.history, result)
	m.placed++
	if !result.Success {
		m.failed++
	}
}

// fail records a rejected order and surfaces both the uniform result and the
// classified error.
func (m *Manager) fail(req core.OrderRequest, err error) (core.OrderResult, error) {
	result := core.OrderResult{
		Success:       false,
		ClientOrderID: req.ClientOrderID,
		Status:        core.OrderRejected,
		ErrorMessage:  err.Error(),
		Time:          time.Now(),
	}
	m.record(result)
	m.log.WithError(err).WithFields(logger.Fields{
		"symbol": req.Symbol, "side": req.Side,
	}).Warn("order rejected")
	return result, err
}
