package adapter

import "strings"

// Upstream agents identify assets by slug ("bitcoin"); the exchange wants
// trading pairs ("BTCUSDT"). These tables cover the supported universe;
// anything else falls back to TICKER+"USDT".
var slugToTicker = map[string]string{
	"bitcoin":       "BTC",
	"ethereum":      "ETH",
	"pepe":          "PEPE",
	"dogecoin":      "DOGE",
	"tether":        "USDT",
	"litecoin":      "LTC",
	"binancecoin":   "BNB",
	"tron":          "TRX",
	"ripple":        "XRP",
	"neo":           "NEO",
	"qtum":          "QTUM",
	"gas":           "GAS",
	"loopring":      "LRC",
	"0x":            "ZRX",
	"kyber-network": "KNC",
	"iota":          "IOTA",
	"chainlink":     "LINK",
}

var tickerToPair = map[string]string{
	"BTC":  "BTCUSDT",
	"ETH":  "ETHUSDT",
	"PEPE": "PEPEUSDT",
	"DOGE": "DOGEUSDT",
	"LTC":  "LTCUSDT",
	"BNB":  "BNBUSDT",
	"TRX":  "TRXUSDT",
	"XRP":  "XRPUSDT",
	"NEO":  "NEOUSDT",
	"QTUM": "QTUMUSDT",
	"GAS":  "GASUSDT",
	"LRC":  "LRCUSDT",
	"ZRX":  "ZRXUSDT",
	"KNC":  "KNCUSDT",
	"IOTA": "IOTAUSDT",
	"LINK": "LINKUSDT",
	// The quote asset itself is never traded against a pair.
	"USDT": "USDT",
}

// SlugToTicker maps an asset slug to its exchange ticker. Unknown slugs pass
// through upper-cased, assuming the caller already has a ticker.
func SlugToTicker(slug string) string {
	if ticker, ok := slugToTicker[strings.ToLower(strings.TrimSpace(slug))]; ok {
		return ticker
	}
	return strings.ToUpper(strings.TrimSpace(slug))
}

// TickerToSlug is the reverse lookup, falling back to the lower-cased ticker.
func TickerToSlug(ticker string) string {
	upper := strings.ToUpper(strings.TrimSpace(ticker))
	for slug, mapped := range slugToTicker {
		if mapped == upper {
			return slug
		}
	}
	return strings.ToLower(strings.TrimSpace(ticker))
}

// TickerToPair maps a ticker to its USDT trading pair, appending USDT for
// tickers outside the table.
func TickerToPair(ticker string) string {
	upper := strings.ToUpper(strings.TrimSpace(ticker))
	if pair, ok := tickerToPair[upper]; ok {
		return pair
	}
	return upper + "USDT"
}

// ConvertSymbol accepts either a slug or a ticker and returns the trading
// pair.
func ConvertSymbol(symbol string) string {
	return TickerToPair(SlugToTicker(symbol))
}

// KnownSlugs lists every slug in the table, quote asset excluded.
func KnownSlugs() []string {
	out := make([]string, 0, len(slugToTicker))
	for slug, ticker := range slugToTicker {
		if ticker == "USDT" {
			continue
		}
		out = append(out, slug)
	}
	return out
}
