// Package market defines the shared MarketKey identity used across the
// catalog, processor, gap-fix, and resample subsystems.
package market

import "strings"

// Key is the (collector, exchange, symbol) identity of one market.
// Collector and exchange are case-folded to upper; symbol is kept as
// normalized by the (out-of-scope) indexer.
type Key struct {
	Collector string
	Exchange  string
	Symbol    string
}

// Normalize upper-cases collector/exchange, matching the indexer's contract.
func Normalize(collector, exchange, symbol string) Key {
	return Key{
		Collector: strings.ToUpper(collector),
		Exchange:  strings.ToUpper(exchange),
		Symbol:    symbol,
	}
}

// TimeframeMs returns the stride in milliseconds for a known timeframe
// token, or 0 if unrecognized.
func TimeframeMs(tf string) int64 {
	switch tf {
	case "1s":
		return 1000
	case "5s":
		return 5_000
	case "15s":
		return 15_000
	case "30s":
		return 30_000
	case "1m":
		return 60_000
	case "3m":
		return 3 * 60_000
	case "5m":
		return 5 * 60_000
	case "15m":
		return 15 * 60_000
	case "30m":
		return 30 * 60_000
	case "1h":
		return 3_600_000
	case "2h":
		return 2 * 3_600_000
	case "4h":
		return 4 * 3_600_000
	case "6h":
		return 6 * 3_600_000
	case "12h":
		return 12 * 3_600_000
	case "1d":
		return 24 * 3_600_000
	default:
		return 0
	}
}
