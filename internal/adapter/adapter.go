// Package adapter exposes the trading surface consumed by the upstream
// decision agents: price lookup plus buy/sell/hold execution keyed by asset
// slug. Results are human-readable strings, mirroring what the agents log
// and feed back into their prompts.
package adapter

import (
	"context"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"agent-wallet/internal/core"
	"agent-wallet/internal/exchange"
	"agent-wallet/internal/ledger"
	"agent-wallet/internal/logger"
	"agent-wallet/internal/orders"
)

type Options struct {
	Orders   *orders.Manager
	Exchange exchange.Exchange
	// Ledger is optional; with it, executed trades are recorded and paper
	// balances survive restarts.
	Ledger *ledger.Ledger
	// DryRun simulates every order locally.
	DryRun bool
	// Paper synthesizes balances from the ledger instead of the account
	// endpoint.
	Paper bool
}

type Adapter struct {
	orders *orders.Manager
	exch   exchange.Exchange
	ledger *ledger.Ledger
	dryRun bool
	paper  bool
	log    *logger.Entry
}

func New(opts Options) (*Adapter, error) {
	if opts.Orders == nil || opts.Exchange == nil {
		return nil, fmt.Errorf("%w: orders manager and exchange required", core.ErrValidation)
	}
	return &Adapter{
		orders: opts.Orders,
		exch:   opts.Exchange,
		ledger: opts.Ledger,
		dryRun: opts.DryRun || opts.Paper,
		paper:  opts.Paper,
		log:    logger.GetLogger().WithComponent("adapter"),
	}, nil
}

// ValidateSymbols checks that every configured trading pair has cached
// rules, so a bad mapping fails at startup instead of on the first order.
func (a *Adapter) ValidateSymbols(symbols []string) error {
	for _, symbol := range symbols {
		pair := ConvertSymbol(symbol)
		if pair == "USDT" {
			continue
		}
		if _, ok := a.orders.RulesFor(pair); !ok {
			return fmt.Errorf("%w: %s resolves to %s which has no trading rules", core.ErrUnknownSymbol, symbol, pair)
		}
	}
	return nil
}

// GetPrice returns the current USDT price for a slug or ticker.
func (a *Adapter) GetPrice(ctx context.Context, asset string) (decimal.Decimal, error) {
	pair := ConvertSymbol(asset)
	if pair == "USDT" {
		return decimal.NewFromInt(1), nil
	}
	return a.exch.TickerPrice(ctx, pair)
}

// ExecuteBuy places a market buy for the slug and reports the outcome as a
// message. price is the quote the caller decided on; market orders execute
// at the venue price regardless, so it is carried for logging only.
// remainingBase is the caller's post-trade base balance, recorded to the
// ledger alongside the fill.
func (a *Adapter) ExecuteBuy(ctx context.Context, slug string, amount, price, remainingBase decimal.Decimal) string {
	return a.execute(ctx, slug, core.Buy, amount, price, remainingBase, decimal.Zero)
}

// ExecuteSell places a market sell for the slug. remainingQuote is the
// caller's post-trade quote balance.
func (a *Adapter) ExecuteSell(ctx context.Context, slug string, amount, price, remainingQuote decimal.Decimal) string {
	return a.execute(ctx, slug, core.Sell, amount, price, decimal.Zero, remainingQuote)
}

// ExecuteHold records the decision without touching the exchange.
func (a *Adapter) ExecuteHold(slug string) string {
	message := fmt.Sprintf("HOLD: No trade executed for %s. Position unchanged.", slug)
	a.log.WithFields(logger.Fields{"asset": slug}).Info(message)
	return message
}

func (a *Adapter) execute(ctx context.Context, slug string, side core.Side, amount, quoted, remainingBase, remainingQuote decimal.Decimal) string {
	verb := strings.ToUpper(string(side))
	pair := ConvertSymbol(slug)
	if pair == "USDT" {
		return fmt.Sprintf("Error executing %s for %s: quote asset cannot be traded", verb, slug)
	}

	fields := logger.Fields{"asset": slug, "side": side}
	if quoted.Cmp(decimal.Zero) > 0 {
		fields["quoted_price"] = quoted.String()
	}

	var result core.OrderResult
	var err error
	if side == core.Buy {
		result, err = a.orders.BuyMarket(ctx, pair, amount, a.dryRun)
	} else {
		result, err = a.orders.SellMarket(ctx, pair, amount, a.dryRun)
	}
	if err != nil {
		a.log.WithError(err).WithFields(fields).Error("trade failed")
		return fmt.Sprintf("Error executing %s for %s: %s", verb, slug, err)
	}
	if !result.Success {
		fields["reason"] = result.ErrorMessage
		a.log.WithFields(fields).Error("trade rejected")
		return fmt.Sprintf("Failed to execute %s for %s: %s", verb, slug, result.ErrorMessage)
	}

	a.recordTrade(ctx, slug, side, result, remainingBase, remainingQuote)
	message := fmt.Sprintf("Executed %s for %s | %v @ $%v", verb, slug, result.FilledQty, result.FilledPrice)
	fields["qty"] = result.FilledQty.String()
	fields["price"] = result.FilledPrice.String()
	a.log.WithFields(fields).Info(message)
	return message
}

// recordTrade appends to the ledger. Failures are logged and swallowed: the
// trade already executed and must not be reported as failed.
func (a *Adapter) recordTrade(ctx context.Context, slug string, side core.Side, result core.OrderResult, remainingBase, remainingQuote decimal.Decimal) {
	if a.ledger == nil {
		return
	}
	rec := core.TradeRecord{
		Time:           result.Time,
		Action:         strings.ToLower(string(side)),
		Asset:          slug,
		Amount:         result.FilledQty,
		Price:          result.FilledPrice,
		RemainingBase:  remainingBase,
		RemainingQuote: remainingQuote,
	}
	if err := a.ledger.AppendTrade(ctx, rec); err != nil {
		a.log.WithError(err).WithFields(logger.Fields{"asset": slug}).Warn("ledger write failed")
	}
}

// Balances returns account balances. In paper mode they are reconstructed
// from the most recent ledger entry per asset.
func (a *Adapter) Balances(ctx context.Context) (map[string]core.AssetBalance, error) {
	if !a.paper {
		return a.exch.Balances(ctx)
	}
	balances := make(map[string]core.AssetBalance)
	if a.ledger == nil {
		return balances, nil
	}
	for _, slug := range KnownSlugs() {
		base, quote, ok, err := a.ledger.LatestBalances(ctx, slug)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		if base.Cmp(decimal.Zero) > 0 {
			balances[SlugToTicker(slug)] = core.AssetBalance{Free: base}
		}
		if quote.Cmp(decimal.Zero) > 0 {
			// Each asset's latest row snapshots the shared quote balance;
			// the freshest row wins only by chance, so keep the largest.
			if existing, ok := balances["USDT"]; !ok || quote.Cmp(existing.Free) > 0 {
				balances["USDT"] = core.AssetBalance{Free: quote}
			}
		}
	}
	return balances, nil
}

// Stats surfaces the order manager's counters for the agent's reporting.
func (a *Adapter) Stats() orders.TradingStats {
	return a.orders.Stats()
}
