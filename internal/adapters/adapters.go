// Package adapters implements the recovery-adapter registry (C9): one
// strategy per upstream venue for fetching trades missing from the local
// archive, behind a single TradeRecoveryAdapter contract.
//
// HTTP/JSON adapters are grounded on the teacher's
// analytics/historical_data_fetcher.go per-exchange fetch/convert split;
// the bulk ZIP/CSV adapters are grounded on
// other_examples/ed7ce87b_bogdantimes-order-book-depth-loader's
// UTC-day iteration + signed-URL fetch + gunzip + CSV scan shape.
package adapters

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"candlestore/internal/trade"
)

// Window is an open recovery window (both bounds excluded): recovered
// trades must satisfy FromTs < ts < ToTs.
type Window struct {
	FromTs int64
	ToTs   int64
}

// Adapter fetches missing trades for a symbol over a set of windows.
type Adapter interface {
	Name() string
	Recover(ctx context.Context, symbol string, windows []Window) ([]trade.Trade, error)
}

// Registry resolves an adapter by upper-cased exchange name.
type Registry struct {
	byExchange map[string]Adapter
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{byExchange: make(map[string]Adapter)}
}

// Register associates exchange (case-insensitive) with an adapter.
func (r *Registry) Register(exchange string, a Adapter) {
	r.byExchange[strings.ToUpper(exchange)] = a
}

// Lookup returns the adapter registered for exchange, if any.
func (r *Registry) Lookup(exchange string) (Adapter, bool) {
	a, ok := r.byExchange[strings.ToUpper(exchange)]
	return a, ok
}

// ErrNoAdapter is returned by callers that need a sentinel for "no
// adapter registered for this exchange" (the orchestrator maps it to the
// missing_adapter status).
var ErrNoAdapter = fmt.Errorf("adapters: no recovery adapter registered")

// MergeWindows merges overlapping/adjacent windows into the ascending,
// non-overlapping set every adapter is contractually given.
func MergeWindows(windows []Window) []Window {
	if len(windows) == 0 {
		return nil
	}
	sorted := append([]Window(nil), windows...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].FromTs < sorted[j].FromTs })

	merged := []Window{sorted[0]}
	for _, w := range sorted[1:] {
		last := &merged[len(merged)-1]
		if w.FromTs <= last.ToTs {
			if w.ToTs > last.ToTs {
				last.ToTs = w.ToTs
			}
			continue
		}
		merged = append(merged, w)
	}
	return merged
}

// inWindows reports whether ts falls strictly inside any window.
func inWindows(ts int64, windows []Window) bool {
	for _, w := range windows {
		if ts > w.FromTs && ts < w.ToTs {
			return true
		}
	}
	return false
}

// utcDays enumerates the UTC calendar days (as midnight timestamps) that
// windows span, inclusive of both endpoints.
func utcDays(windows []Window) []time.Time {
	if len(windows) == 0 {
		return nil
	}
	minTs, maxTs := windows[0].FromTs, windows[0].ToTs
	for _, w := range windows[1:] {
		if w.FromTs < minTs {
			minTs = w.FromTs
		}
		if w.ToTs > maxTs {
			maxTs = w.ToTs
		}
	}
	start := time.UnixMilli(minTs).UTC().Truncate(24 * time.Hour)
	end := time.UnixMilli(maxTs).UTC().Truncate(24 * time.Hour)

	var days []time.Time
	for d := start; !d.After(end); d = d.AddDate(0, 0, 1) {
		days = append(days, d)
	}
	return days
}

// sortTrades sorts recovered trades ascending by ts, matching the
// contract's "sorted RecoveredTrade[]" return requirement.
func sortTrades(trades []trade.Trade) []trade.Trade {
	sort.SliceStable(trades, func(i, j int) bool { return trades[i].Ts < trades[j].Ts })
	return trades
}
