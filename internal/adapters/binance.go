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

// BinanceAdapter recovers trades from data.binance.vision's daily trade
// ZIPs, shared by the spot and USDT-margined futures variants (the only
// difference is the dataset path segment).
type BinanceAdapter struct {
	dataset  string // e.g. "spot" or "futures/um"
	exchange string // "BINANCE" or "BINANCE-FUTURES"
	baseURL  string
	sched    *ratelimit.Scheduler
	policy   config.Host
	host     string
}

// NewBinanceSpot builds the spot variant.
func NewBinanceSpot(baseURL string, sched *ratelimit.Scheduler, policy config.Host) *BinanceAdapter {
	return newBinance("BINANCE", "spot", baseURL, sched, policy)
}

// NewBinanceFutures builds the USDT-margined futures variant.
func NewBinanceFutures(baseURL string, sched *ratelimit.Scheduler, policy config.Host) *BinanceAdapter {
	return newBinance("BINANCE-FUTURES", "futures/um", baseURL, sched, policy)
}

func newBinance(exchange, dataset, baseURL string, sched *ratelimit.Scheduler, policy config.Host) *BinanceAdapter {
	if baseURL == "" {
		baseURL = "https://data.binance.vision"
	}
	return &BinanceAdapter{
		dataset: dataset, exchange: exchange, baseURL: baseURL,
		sched: sched, policy: policy, host: "data.binance.vision",
	}
}

func (a *BinanceAdapter) Name() string { return a.exchange }

func (a *BinanceAdapter) Recover(ctx context.Context, symbol string, windows []Window) ([]trade.Trade, error) {
	merged := MergeWindows(windows)
	sym := strings.ToUpper(symbol)

	var out []trade.Trade
	for _, day := range utcDays(merged) {
		url := fmt.Sprintf("%s/data/%s/daily/trades/%s/%s-trades-%s.zip",
			a.baseURL, a.dataset, sym, sym, day.Format("2006-01-02"))

		body, err := fetchBody(ctx, a.sched, a.host, a.policy, url)
		if err != nil {
			continue // a missing day (pre-listing or future) is not a hard failure
		}
		csvBytes, err := unzipFirstEntry(body)
		if err != nil {
			return nil, fmt.Errorf("binance: %s: %w", url, err)
		}

		trades, err := parseBinanceCSV(csvBytes, a.exchange, symbol, merged)
		if err != nil {
			return nil, fmt.Errorf("binance: parse %s: %w", url, err)
		}
		out = append(out, trades...)
	}
	return sortTrades(out), nil
}

// parseBinanceCSV reads "id,price,qty,quoteQty,time,isBuyerMaker,..." rows,
// keeping only trades that fall inside windows.
func parseBinanceCSV(data []byte, exchange, symbol string, windows []Window) ([]trade.Trade, error) {
	r := csv.NewReader(strings.NewReader(string(data)))
	r.FieldsPerRecord = -1

	var out []trade.Trade
	for {
		rec, err := r.Read()
		if err != nil {
			break
		}
		if len(rec) < 6 {
			continue
		}
		ts, err := strconv.ParseInt(rec[4], 10, 64)
		if err != nil || !inWindows(ts, windows) {
			continue
		}
		if strings.EqualFold(rec[0], "id") {
			continue // header row
		}

		side := trade.SideBuy
		if strings.EqualFold(rec[5], "true") {
			side = trade.SideSell
		}
		price, _ := strconv.ParseFloat(rec[1], 64)
		size, _ := strconv.ParseFloat(rec[2], 64)

		out = append(out, trade.Trade{
			Ts: ts, Price: price, Size: size, Side: side,
			Exchange: exchange, Symbol: symbol,
			PriceText: rec[1], SizeText: rec[2],
		})
	}
	return out, nil
}
