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

// BitmexAdapter recovers trades from BitMEX's daily gzipped public trade
// CSVs, keyed by compact UTC day (one file covers every symbol).
type BitmexAdapter struct {
	baseURL string
	sched   *ratelimit.Scheduler
	policy  config.Host
	host    string
}

func NewBitmexAdapter(baseURL string, sched *ratelimit.Scheduler, policy config.Host) *BitmexAdapter {
	if baseURL == "" {
		baseURL = "https://s3-eu-west-1.amazonaws.com/public.bitmex.com"
	}
	return &BitmexAdapter{baseURL: baseURL, sched: sched, policy: policy, host: "s3-eu-west-1.amazonaws.com"}
}

func (a *BitmexAdapter) Name() string { return "BITMEX" }

const bitmexTimeLayout = "2006-01-02T15:04:05.000000000"

func (a *BitmexAdapter) Recover(ctx context.Context, symbol string, windows []Window) ([]trade.Trade, error) {
	merged := MergeWindows(windows)
	sym := strings.ToUpper(symbol)

	var out []trade.Trade
	for _, day := range utcDays(merged) {
		url := fmt.Sprintf("%s/data/trade/%s.csv.gz", a.baseURL, day.Format("20060102"))

		body, err := fetchBody(ctx, a.sched, a.host, a.policy, url)
		if err != nil {
			continue
		}
		csvBytes, err := gunzip(body)
		if err != nil {
			return nil, fmt.Errorf("bitmex: %s: %w", url, err)
		}
		trades, err := parseBitmexCSV(csvBytes, sym, symbol, merged)
		if err != nil {
			return nil, fmt.Errorf("bitmex: parse %s: %w", url, err)
		}
		out = append(out, trades...)
	}
	return sortTrades(out), nil
}

// parseBitmexCSV reads "timestamp,symbol,side,size,price,..." rows,
// filtering to wantSymbol (the file multiplexes every listed instrument).
func parseBitmexCSV(data []byte, wantSymbol, symbol string, windows []Window) ([]trade.Trade, error) {
	r := csv.NewReader(strings.NewReader(string(data)))
	r.FieldsPerRecord = -1

	header, err := r.Read()
	if err != nil {
		return nil, nil
	}
	_ = header

	var out []trade.Trade
	for {
		rec, err := r.Read()
		if err != nil {
			break
		}
		if len(rec) < 5 || !strings.EqualFold(rec[1], wantSymbol) {
			continue
		}
		t, err := time.Parse(bitmexTimeLayout, strings.Replace(rec[0], "D", "T", 1))
		if err != nil {
			continue
		}
		ts := t.UnixMilli()
		if !inWindows(ts, windows) {
			continue
		}
		size, _ := strconv.ParseFloat(rec[3], 64)
		price, _ := strconv.ParseFloat(rec[4], 64)
		side := trade.SideBuy
		if strings.EqualFold(rec[2], "sell") {
			side = trade.SideSell
		}
		out = append(out, trade.Trade{
			Ts: ts, Price: price, Size: size, Side: side,
			Exchange: "BITMEX", Symbol: symbol,
			PriceText: rec[4], SizeText: rec[3],
		})
	}
	return out, nil
}
