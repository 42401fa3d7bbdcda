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

// okxDirectZipsSince is the first day OKX's static daily ZIP archive is
// available; earlier windows are simply skipped (no recovery possible).
var okxDirectZipsSince = time.Date(2021, time.September, 2, 0, 0, 0, 0, time.UTC)

// OKXAdapter recovers trades from static.okx.com's daily trade ZIPs.
// CtVal/CtType scale contract counts to base-currency size for futures and
// swap instruments; spot instruments leave both at their zero value
// (CtVal defaults to 1, CtType "linear").
type OKXAdapter struct {
	baseURL string
	ctVal   float64
	ctType  string
	sched   *ratelimit.Scheduler
	policy  config.Host
	host    string
}

func NewOKXAdapter(baseURL string, ctVal float64, ctType string, sched *ratelimit.Scheduler, policy config.Host) *OKXAdapter {
	if baseURL == "" {
		baseURL = "https://static.okx.com"
	}
	if ctVal == 0 {
		ctVal = 1
	}
	if ctType == "" {
		ctType = "linear"
	}
	return &OKXAdapter{baseURL: baseURL, ctVal: ctVal, ctType: ctType, sched: sched, policy: policy, host: "static.okx.com"}
}

func (a *OKXAdapter) Name() string { return "OKX" }

func (a *OKXAdapter) Recover(ctx context.Context, symbol string, windows []Window) ([]trade.Trade, error) {
	merged := MergeWindows(windows)
	sym := strings.ToUpper(symbol)

	var out []trade.Trade
	for _, day := range utcDays(merged) {
		if day.Before(okxDirectZipsSince) {
			continue
		}
		url := fmt.Sprintf("%s/cdn/okex/traderecords/trades/daily/%s/%s-trades-%s.zip",
			a.baseURL, day.Format("20060102"), sym, day.Format("2006-01-02"))

		body, err := fetchBody(ctx, a.sched, a.host, a.policy, url)
		if err != nil {
			continue
		}
		csvBytes, err := unzipFirstEntry(body)
		if err != nil {
			return nil, fmt.Errorf("okx: %s: %w", url, err)
		}
		trades, err := a.parseCSV(csvBytes, symbol, merged)
		if err != nil {
			return nil, fmt.Errorf("okx: parse %s: %w", url, err)
		}
		out = append(out, trades...)
	}
	return sortTrades(out), nil
}

// parseCSV reads "trade_id,side,size,price,ts" rows, scaling contract
// size into base-currency size per CtVal/CtType.
func (a *OKXAdapter) parseCSV(data []byte, symbol string, windows []Window) ([]trade.Trade, error) {
	r := csv.NewReader(strings.NewReader(string(data)))
	r.FieldsPerRecord = -1

	var out []trade.Trade
	for {
		rec, err := r.Read()
		if err != nil {
			break
		}
		if len(rec) < 5 || strings.EqualFold(rec[0], "trade_id") {
			continue
		}
		ts, err := strconv.ParseInt(rec[4], 10, 64)
		if err != nil || !inWindows(ts, windows) {
			continue
		}
		price, _ := strconv.ParseFloat(rec[3], 64)
		contracts, _ := strconv.ParseFloat(rec[2], 64)

		size := contracts * a.ctVal
		if a.ctType == "inverse" && price != 0 {
			size = size / price
		}

		side := trade.SideBuy
		if strings.EqualFold(rec[1], "sell") {
			side = trade.SideSell
		}
		out = append(out, trade.Trade{
			Ts: ts, Price: price, Size: size, Side: side,
			Exchange: "OKX", Symbol: symbol,
			PriceText: rec[3], SizeText: strconv.FormatFloat(size, 'f', -1, 64),
		})
	}
	return out, nil
}
