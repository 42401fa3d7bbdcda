package adapters

import (
	"context"
	"encoding/csv"
	"fmt"
	"strconv"
	"strings"
	"time"

	"candlestore/internal/config"
	"candlestore/internal/ratelimit"
	"candlestore/internal/trade"
)

// huobiDayShift accounts for Huobi's daily archives being cut on Beijing
// midnight (UTC+8), not UTC midnight.
const huobiDayShift = 8 * time.Hour

// HuobiAdapter recovers trades from Huobi's daily trade ZIPs, shared by
// the spot and linear-swap variants (only the dataset path differs).
type HuobiAdapter struct {
	dataset  string // e.g. "spot" or "linear-swap"
	exchange string // "HUOBI" or "HUOBI-SWAP"
	baseURL  string
	sched    *ratelimit.Scheduler
	policy   config.Host
	host     string
}

func NewHuobiSpot(baseURL string, sched *ratelimit.Scheduler, policy config.Host) *HuobiAdapter {
	return newHuobi("HUOBI", "spot", baseURL, sched, policy)
}

func NewHuobiLinearSwap(baseURL string, sched *ratelimit.Scheduler, policy config.Host) *HuobiAdapter {
	return newHuobi("HUOBI-SWAP", "linear-swap", baseURL, sched, policy)
}

func newHuobi(exchange, dataset, baseURL string, sched *ratelimit.Scheduler, policy config.Host) *HuobiAdapter {
	if baseURL == "" {
		baseURL = "https://futures.huobi.com/data"
	}
	return &HuobiAdapter{
		dataset: dataset, exchange: exchange, baseURL: baseURL,
		sched: sched, policy: policy, host: "futures.huobi.com",
	}
}

func (a *HuobiAdapter) Name() string { return a.exchange }

func (a *HuobiAdapter) Recover(ctx context.Context, symbol string, windows []Window) ([]trade.Trade, error) {
	merged := MergeWindows(windows)
	sym := strings.ToUpper(symbol)

	shifted := make([]Window, len(merged))
	for i, w := range merged {
		shifted[i] = Window{FromTs: w.FromTs + huobiDayShift.Milliseconds(), ToTs: w.ToTs + huobiDayShift.Milliseconds()}
	}

	var out []trade.Trade
	for _, day := range utcDays(shifted) {
		url := fmt.Sprintf("%s/%s/trade/%s/%s-trade-%s.zip",
			a.baseURL, a.dataset, sym, sym, day.Format("2006-01-02"))

		body, err := fetchBody(ctx, a.sched, a.host, a.policy, url)
		if err != nil {
			continue
		}
		csvBytes, err := unzipFirstEntry(body)
		if err != nil {
			return nil, fmt.Errorf("huobi: %s: %w", url, err)
		}
		trades, err := parseHuobiCSV(csvBytes, a.exchange, symbol, merged)
		if err != nil {
			return nil, fmt.Errorf("huobi: parse %s: %w", url, err)
		}
		out = append(out, trades...)
	}
	return sortTrades(out), nil
}

// parseHuobiCSV reads "id,price,amount,direction,ts" rows. Timestamps in
// the archive are Beijing-local milliseconds; windows passed in are UTC,
// so each row is shifted back before the window check.
func parseHuobiCSV(data []byte, exchange, symbol string, windows []Window) ([]trade.Trade, error) {
	r := csv.NewReader(strings.NewReader(string(data)))
	r.FieldsPerRecord = -1

	var out []trade.Trade
	for {
		rec, err := r.Read()
		if err != nil {
			break
		}
		if len(rec) < 5 || strings.EqualFold(rec[0], "id") {
			continue
		}
		rawTs, err := strconv.ParseInt(rec[4], 10, 64)
		if err != nil {
			continue
		}
		ts := rawTs - huobiDayShift.Milliseconds()
		if !inWindows(ts, windows) {
			continue
		}
		price, _ := strconv.ParseFloat(rec[1], 64)
		size, _ := strconv.ParseFloat(rec[2], 64)
		side := trade.SideBuy
		if strings.EqualFold(rec[3], "sell") {
			side = trade.SideSell
		}
		out = append(out, trade.Trade{
			Ts: ts, Price: price, Size: size, Side: side,
			Exchange: exchange, Symbol: symbol,
			PriceText: rec[1], SizeText: rec[2],
		})
	}
	return out, nil
}
