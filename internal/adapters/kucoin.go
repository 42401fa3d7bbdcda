package adapters

import (
	"context"
	"encoding/csv"
	"fmt"
	"strconv"
	"strings"

	"candlestore/internal/config"
	"candlestore/internal/ratelimit"
	"candlestore/internal/trade"
)

// KucoinAdapter recovers trades from Kucoin's daily trade ZIPs.
type KucoinAdapter struct {
	baseURL string
	sched   *ratelimit.Scheduler
	policy  config.Host
	host    string
}

func NewKucoinAdapter(baseURL string, sched *ratelimit.Scheduler, policy config.Host) *KucoinAdapter {
	if baseURL == "" {
		baseURL = "https://historical-data.kucoin.com"
	}
	return &KucoinAdapter{baseURL: baseURL, sched: sched, policy: policy, host: "historical-data.kucoin.com"}
}

func (a *KucoinAdapter) Name() string { return "KUCOIN" }

func (a *KucoinAdapter) Recover(ctx context.Context, symbol string, windows []Window) ([]trade.Trade, error) {
	merged := MergeWindows(windows)
	sym := strings.ToUpper(symbol)

	var out []trade.Trade
	for _, day := range utcDays(merged) {
		url := fmt.Sprintf("%s/data/trades/daily/%s/%s-trades-%s.zip",
			a.baseURL, sym, sym, day.Format("2006-01-02"))

		body, err := fetchBody(ctx, a.sched, a.host, a.policy, url)
		if err != nil {
			continue
		}
		csvBytes, err := unzipFirstEntry(body)
		if err != nil {
			return nil, fmt.Errorf("kucoin: %s: %w", url, err)
		}
		trades, err := parseKucoinCSV(csvBytes, symbol, merged)
		if err != nil {
			return nil, fmt.Errorf("kucoin: parse %s: %w", url, err)
		}
		out = append(out, trades...)
	}
	return sortTrades(out), nil
}

// parseKucoinCSV reads "ts,side,price,size,tradeId" rows with "BUY"/"SELL"
// side tokens.
func parseKucoinCSV(data []byte, symbol string, windows []Window) ([]trade.Trade, error) {
	r := csv.NewReader(strings.NewReader(string(data)))
	r.FieldsPerRecord = -1

	var out []trade.Trade
	for {
		rec, err := r.Read()
		if err != nil {
			break
		}
		if len(rec) < 4 || strings.EqualFold(rec[0], "ts") {
			continue
		}
		ts, err := strconv.ParseInt(rec[0], 10, 64)
		if err != nil || !inWindows(ts, windows) {
			continue
		}
		price, _ := strconv.ParseFloat(rec[2], 64)
		size, _ := strconv.ParseFloat(rec[3], 64)
		side := trade.SideBuy
		if strings.EqualFold(rec[1], "SELL") {
			side = trade.SideSell
		}
		out = append(out, trade.Trade{
			Ts: ts, Price: price, Size: size, Side: side,
			Exchange: "KUCOIN", Symbol: symbol,
			PriceText: rec[2], SizeText: rec[3],
		})
	}
	return out, nil
}
