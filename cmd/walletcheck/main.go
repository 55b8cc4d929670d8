// walletcheck exercises the full client stack against the configured
// exchange: signing, connectivity, trading rules, pricing, a dry-run order
// through the risk pipeline, and a short market data stream window. It is
// the preflight to run before pointing an agent at real funds.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"

	"agent-wallet/internal/adapter"
	"agent-wallet/internal/config"
	"agent-wallet/internal/core"
	"agent-wallet/internal/exchange/binance"
	"agent-wallet/internal/ledger"
	"agent-wallet/internal/logger"
	"agent-wallet/internal/orders"
	"agent-wallet/internal/ratelimit"
	"agent-wallet/internal/security"
)

type checkStatus string

const (
	statusPass checkStatus = "PASS"
	statusFail checkStatus = "FAIL"
)

type checkResult struct {
	Name       string      `json:"name"`
	Status     checkStatus `json:"status"`
	DurationMs int64       `json:"duration_ms"`
	Detail     string      `json:"detail,omitempty"`
	Error      string      `json:"error,omitempty"`
}

type report struct {
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
	Mode       config.Mode   `json:"mode"`
	Symbols    []string      `json:"symbols"`
	Checks     []checkResult `json:"checks"`
}

func main() {
	var (
		configPath  string
		timeoutSec  int
		streamWait  int
		outJSONPath string
		allowLive   bool
	)
	flag.StringVar(&configPath, "config", "config/config.yaml", "config yaml path")
	flag.IntVar(&timeoutSec, "timeout-sec", 120, "total timeout seconds")
	flag.IntVar(&streamWait, "stream-wait-sec", 10, "wait seconds for the market stream check")
	flag.StringVar(&outJSONPath, "out-json", "", "optional output report path")
	flag.BoolVar(&allowLive, "allow-live", false, "allow running checks when mode=live")
	flag.Parse()

	// Credentials commonly live in .env during development; absence is fine.
	_ = godotenv.Load()

	cfg, err := config.Load(configPath)
	if err != nil {
		fatal(err.Error())
	}
	if cfg.Mode == config.ModeLive && !allowLive {
		fatal("mode=live blocked by default; set -allow-live=true to continue")
	}
	if err := logger.GetLogger().Configure(cfg.Log.Level, cfg.Log.Format, cfg.Log.Output, cfg.Log.MaxAgeDays); err != nil {
		fatal(err.Error())
	}

	if timeoutSec < 30 {
		timeoutSec = 30
	}
	if streamWait < 3 {
		streamWait = 3
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(timeoutSec)*time.Second)
	defer cancel()

	signer, err := buildSigner(cfg)
	if err != nil {
		fatal(err.Error())
	}
	limits := ratelimit.New(ratelimit.Limits{
		RequestWeightPerMin: cfg.RateLimits.RequestWeightPerMin,
		RawRequestsPerMin:   cfg.RateLimits.RawRequestsPerMin,
		OrdersPer10s:        cfg.RateLimits.OrdersPer10s,
	})
	client, err := binance.NewClient(binance.Options{
		Signer:            signer,
		Limits:            limits,
		RestBaseURL:       cfg.Exchange.RestBaseURL,
		WSBaseURL:         cfg.Exchange.WSBaseURL,
		ClientOrderPrefix: cfg.Trading.ClientOrderPrefix,
		RecvWindowMs:      cfg.Exchange.RecvWindowMs,
		HTTPTimeoutSec:    cfg.Exchange.HTTPTimeoutSec,
	})
	if err != nil {
		fatal(err.Error())
	}
	defer client.Close()

	r := report{
		StartedAt: time.Now().UTC(),
		Mode:      cfg.Mode,
		Symbols:   cfg.Trading.Symbols,
	}

	run := func(name string, fn func() (string, error)) {
		start := time.Now()
		detail, err := fn()
		cr := checkResult{
			Name:       name,
			DurationMs: time.Since(start).Milliseconds(),
			Detail:     detail,
		}
		if err != nil {
			cr.Status = statusFail
			cr.Error = err.Error()
		} else {
			cr.Status = statusPass
		}
		r.Checks = append(r.Checks, cr)
		if cr.Status == statusPass {
			fmt.Printf("[PASS] %s (%dms)", name, cr.DurationMs)
			if cr.Detail != "" {
				fmt.Printf(" - %s", cr.Detail)
			}
			fmt.Println()
		} else {
			fmt.Printf("[FAIL] %s (%dms) - %s\n", name, cr.DurationMs, cr.Error)
		}
	}

	run("request_signing", func() (string, error) {
		params := security.NewParams().
			Set("symbol", cfg.Trading.Symbols[0]).
			Set("side", "BUY")
		signed, err := signer.SignedParams(params)
		if err != nil {
			return "", err
		}
		sig := signed.Get("signature")
		if sig == "" {
			return "", errors.New("empty signature")
		}
		if signer.Scheme() == security.SchemeHMAC && len(sig) != 64 {
			return "", fmt.Errorf("hmac signature length %d, want 64", len(sig))
		}
		return fmt.Sprintf("scheme=%s", signer.Scheme()), nil
	})

	run("rest_connectivity", func() (string, error) {
		if err := client.Ping(ctx); err != nil {
			return "", err
		}
		serverTime, err := client.ServerTime(ctx)
		if err != nil {
			return "", err
		}
		drift := time.Since(serverTime)
		if drift < 0 {
			drift = -drift
		}
		if drift > time.Duration(cfg.Exchange.RecvWindowMs)*time.Millisecond {
			return "", fmt.Errorf("clock drift %s exceeds recv window", drift)
		}
		return fmt.Sprintf("drift=%s", drift.Truncate(time.Millisecond)), nil
	})

	mgr, err := orders.NewManager(orders.Options{
		Exchange: client,
		Symbols:  cfg.Trading.Symbols,
		Risk: orders.RiskLimits{
			MinOrderNotional:    cfg.Risk.MinOrderNotional.Decimal,
			MaxOrderNotional:    cfg.Risk.MaxOrderNotional.Decimal,
			MaxPositionNotional: cfg.Risk.MaxPositionNotional.Decimal,
			MaxDailyVolume:      cfg.Risk.MaxDailyVolume.Decimal,
		},
		TestOrders: cfg.Mode == config.ModeTestnet,
	})
	if err != nil {
		fatal(err.Error())
	}

	var rules core.Rules
	run("trading_rules", func() (string, error) {
		if err := mgr.Init(ctx); err != nil {
			return "", err
		}
		var ok bool
		rules, ok = mgr.RulesFor(cfg.Trading.Symbols[0])
		if !ok {
			return "", fmt.Errorf("no rules cached for %s", cfg.Trading.Symbols[0])
		}
		return fmt.Sprintf("symbols=%d minQty=%s minNotional=%s",
			len(cfg.Trading.Symbols), rules.MinQty, rules.MinNotional), nil
	})

	// The dry-run order must not land in the configured ledger, so the
	// check writes to a throwaway database.
	ledgerPath := filepath.Join(os.TempDir(), fmt.Sprintf("walletcheck-%d.db", os.Getpid()))
	defer os.Remove(ledgerPath)
	led, err := ledger.Open(ledgerPath)
	if err != nil {
		fatal(err.Error())
	}
	defer led.Close()

	agent, err := adapter.New(adapter.Options{
		Orders:   mgr,
		Exchange: client,
		Ledger:   led,
		DryRun:   true,
		Paper:    cfg.Mode == config.ModePaper,
	})
	if err != nil {
		fatal(err.Error())
	}

	slug := adapter.TickerToSlug(strings.TrimSuffix(cfg.Trading.Symbols[0], "USDT"))

	var lastPrice decimal.Decimal
	run("ticker_price", func() (string, error) {
		price, err := agent.GetPrice(ctx, slug)
		if err != nil {
			return "", err
		}
		if price.Cmp(decimal.Zero) <= 0 {
			return "", fmt.Errorf("ticker price %s not positive", price)
		}
		lastPrice = price
		return fmt.Sprintf("%s=%s", slug, price), nil
	})

	run("dry_run_order", func() (string, error) {
		if lastPrice.Cmp(decimal.Zero) <= 0 {
			return "", errors.New("missing ticker price")
		}
		qty := tinyOrderQty(rules, lastPrice)
		msg := agent.ExecuteBuy(ctx, slug, qty, lastPrice, qty)
		if !strings.HasPrefix(msg, "Executed BUY") {
			return "", errors.New(msg)
		}
		trades, err := led.Trades(ctx, slug, 1)
		if err != nil {
			return "", err
		}
		if len(trades) != 1 {
			return "", errors.New("trade not recorded to ledger")
		}
		return msg, nil
	})

	run("account_balances", func() (string, error) {
		balances, err := agent.Balances(ctx)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("assets=%d", len(balances)), nil
	})

	run("market_stream", func() (string, error) {
		streams := binance.NewStreamManager(cfg.Exchange.WSBaseURL)
		defer streams.Close()

		frames := make(chan struct{}, 64)
		err := streams.Subscribe(ctx, binance.StreamConfig{
			Symbol: cfg.Trading.Symbols[0],
			Kind:   binance.StreamBookTicker,
		}, func(stream string, data json.RawMessage) {
			select {
			case frames <- struct{}{}:
			default:
			}
		})
		if err != nil {
			return "", err
		}

		deadline := time.After(time.Duration(streamWait) * time.Second)
		count := 0
		for {
			select {
			case <-frames:
				count++
			case <-streams.Done():
				return "", fmt.Errorf("stream terminated: %v", streams.Err())
			case <-ctx.Done():
				return "", ctx.Err()
			case <-deadline:
				if count == 0 {
					return "", fmt.Errorf("no frames within %ds", streamWait)
				}
				return fmt.Sprintf("frames=%d in %ds", count, streamWait), nil
			}
		}
	})

	run("rate_limit_status", func() (string, error) {
		status, banned := limits.Status()
		if banned {
			return "", errors.New("rate limiter reports an active ban")
		}
		weight := status[ratelimit.RequestWeight]
		return fmt.Sprintf("weight=%d/%d", weight.Usage, weight.Limit), nil
	})

	r.FinishedAt = time.Now().UTC()
	if outJSONPath != "" {
		if err := writeReport(outJSONPath, r); err != nil {
			fatal(err.Error())
		}
	}
	for _, c := range r.Checks {
		if c.Status == statusFail {
			os.Exit(1)
		}
	}
}

func buildSigner(cfg config.Config) (*security.Signer, error) {
	switch cfg.Exchange.Signing {
	case config.SigningEd25519:
		return security.NewEd25519Signer(cfg.Exchange.APIKey, cfg.Exchange.Ed25519KeyPath, cfg.Production())
	default:
		return security.NewHMACSigner(cfg.Exchange.APIKey, cfg.Exchange.APISecret, cfg.Production())
	}
}

// tinyOrderQty sizes the smallest order that clears the minimum notional
// with a 20% margin against price movement.
func tinyOrderQty(rules core.Rules, price decimal.Decimal) decimal.Decimal {
	qty := rules.MinNotional.Mul(decimal.RequireFromString("1.2")).Div(price)
	if rules.QtyStep.Cmp(decimal.Zero) > 0 {
		steps := qty.Div(rules.QtyStep).Ceil()
		qty = steps.Mul(rules.QtyStep)
	}
	if qty.Cmp(rules.MinQty) < 0 {
		qty = rules.MinQty
	}
	return qty
}

func writeReport(path string, r report) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func fatal(msg string) {
	fmt.Fprintln(os.Stderr, "walletcheck: "+msg)
	os.Exit(1)
}
