package adapters

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"candlestore/internal/config"
	"candlestore/internal/ratelimit"
	"candlestore/internal/trade"
)

// BitfinexAdapter recovers trades via Bitfinex's v2 public trades history,
// paginating forward by the last seen millisecond timestamp.
type BitfinexAdapter struct {
	baseURL string
	sched   *ratelimit.Scheduler
	policy  config.Host
	host    string
}

func NewBitfinexAdapter(baseURL string, sched *ratelimit.Scheduler, policy config.Host) *BitfinexAdapter {
	if baseURL == "" {
		baseURL = "https://api-pub.bitfinex.com"
	}
	return &BitfinexAdapter{baseURL: baseURL, sched: sched, policy: policy, host: "api-pub.bitfinex.com"}
}

func (a *BitfinexAdapter) Name() string { return "BITFINEX" }

const bitfinexPageLimit = 1000

func (a *BitfinexAdapter) Recover(ctx context.Context, symbol string, windows []Window) ([]trade.Trade, error) {
	merged := MergeWindows(windows)
	if len(merged) == 0 {
		return nil, nil
	}
	start := merged[0].FromTs
	end := merged[len(merged)-1].ToTs
	pair := strings.ToUpper(symbol)

	var out []trade.Trade
	for start < end {
		url := fmt.Sprintf("%s/v2/trades/%s/hist?start=%d&end=%d&limit=%d&sort=1",
			a.baseURL, pair, start, end, bitfinexPageLimit)
		body, err := fetchBody(ctx, a.sched, a.host, a.policy, url)
		if err != nil {
			return nil, fmt.Errorf("bitfinex: %w", err)
		}

		var rows [][]float64
		if err := json.Unmarshal(body, &rows); err != nil {
			return nil, fmt.Errorf("bitfinex: decode: %w", err)
		}
		if len(rows) == 0 {
			break
		}

		lastTs := start
		for _, row := range rows {
			if len(row) < 4 {
				continue
			}
			ts := int64(row[1])
			amount := row[2]
			price := row[3]
			if ts > lastTs {
				lastTs = ts
			}
			if !inWindows(ts, merged) {
				continue
			}
			side := trade.SideBuy
			if amount < 0 {
				side = trade.SideSell
			}
			out = append(out, trade.Trade{
				Ts: ts, Price: price, Size: math.Abs(amount), Side: side,
				Exchange: "BITFINEX", Symbol: symbol,
				PriceText: strconv.FormatFloat(price, 'f', -1, 64),
				SizeText:  strconv.FormatFloat(math.Abs(amount), 'f', -1, 64),
			})
		}
		if len(rows) < bitfinexPageLimit {
			break
		}
		start = lastTs + 1
	}
	return sortTrades(out), nil
}
