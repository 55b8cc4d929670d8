// Package ledger persists executed trades to a local sqlite database. The
// ledger is an audit trail, not a source of truth: writes are best-effort
// and a ledger failure never blocks an order.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"

	"agent-wallet/internal/core"
	"agent-wallet/internal/logger"
)

const schema = `
CREATE TABLE IF NOT EXISTS trades (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	timestamp TEXT NOT NULL,
	action TEXT NOT NULL,
	asset TEXT NOT NULL,
	amount TEXT NOT NULL,
	price TEXT NOT NULL,
	remaining_base TEXT NOT NULL,
	remaining_quote TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_trades_asset ON trades(asset);
CREATE INDEX IF NOT EXISTS idx_trades_timestamp ON trades(timestamp);
`

type Ledger struct {
	db  *sql.DB
	log *logger.Entry
}

func Open(path string) (*Ledger, error) {
	if path == "" {
		return nil, errors.New("ledger path is required")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("mkdir ledger dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate ledger: %w", err)
	}
	return &Ledger{
		db:  db,
		log: logger.GetLogger().WithComponent("ledger"),
	}, nil
}

func (l *Ledger) Close() error {
	return l.db.Close()
}

// AppendTrade records one executed trade. Errors are returned so callers can
// log them, but the trade itself has already happened.
func (l *Ledger) AppendTrade(ctx context.Context, rec core.TradeRecord) error {
	ts := rec.Time
	if ts.IsZero() {
		ts = time.Now()
	}
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO trades (timestamp, action, asset, amount, price, remaining_base, remaining_quote)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ts.UTC().Format(time.RFC3339), rec.Action, rec.Asset,
		rec.Amount.String(), rec.Price.String(),
		rec.RemainingBase.String(), rec.RemainingQuote.String(),
	)
	if err != nil {
		return fmt.Errorf("append trade: %w", err)
	}
	return nil
}

// Trades returns the recorded trades for one asset, newest first. A zero
// limit returns everything.
func (l *Ledger) Trades(ctx context.Context, asset string, limit int) ([]core.TradeRecord, error) {
	query := `SELECT timestamp, action, asset, amount, price, remaining_base, remaining_quote
		FROM trades WHERE asset = ? ORDER BY id DESC`
	args := []any{asset}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query trades: %w", err)
	}
	defer rows.Close()

	var out []core.TradeRecord
	for rows.Next() {
		rec, err := scanTrade(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// LatestBalances returns the remaining base and quote recorded with the most
// recent trade for the asset. Used to seed paper trading state across
// restarts.
func (l *Ledger) LatestBalances(ctx context.Context, asset string) (base, quote decimal.Decimal, ok bool, err error) {
	row := l.db.QueryRowContext(ctx,
		`SELECT remaining_base, remaining_quote FROM trades WHERE asset = ? ORDER BY id DESC LIMIT 1`, asset)
	var baseStr, quoteStr string
	switch err := row.Scan(&baseStr, &quoteStr); {
	case errors.Is(err, sql.ErrNoRows):
		return decimal.Zero, decimal.Zero, false, nil
	case err != nil:
		return decimal.Zero, decimal.Zero, false, fmt.Errorf("latest balances: %w", err)
	}
	base, err = decimal.NewFromString(baseStr)
	if err != nil {
		return decimal.Zero, decimal.Zero, false, fmt.Errorf("bad base balance %q: %w", baseStr, err)
	}
	quote, err = decimal.NewFromString(quoteStr)
	if err != nil {
		return decimal.Zero, decimal.Zero, false, fmt.Errorf("bad quote balance %q: %w", quoteStr, err)
	}
	return base, quote, true, nil
}

func scanTrade(rows *sql.Rows) (core.TradeRecord, error) {
	var tsStr, amountStr, priceStr, baseStr, quoteStr string
	var rec core.TradeRecord
	if err := rows.Scan(&tsStr, &rec.Action, &rec.Asset, &amountStr, &priceStr, &baseStr, &quoteStr); err != nil {
		return rec, fmt.Errorf("scan trade: %w", err)
	}
	ts, err := time.Parse(time.RFC3339, tsStr)
	if err != nil {
		return rec, fmt.Errorf("bad trade timestamp %q: %w", tsStr, err)
	}
	rec.Time = ts
	rec.Amount = mustDecimal(amountStr)
	rec.Price = mustDecimal(priceStr)
	rec.RemainingBase = mustDecimal(baseStr)
	rec.RemainingQuote = mustDecimal(quoteStr)
	return rec, nil
}

func mustDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}
