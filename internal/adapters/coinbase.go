package adapters

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"candlestore/internal/config"
	"candlestore/internal/ratelimit"
	"candlestore/internal/trade"
)

// CoinbaseAdapter recovers trades via Coinbase's public brokerage +
// exchange REST APIs: an initial anchor from the brokerage ticker, then
// backward pagination through the exchange trades endpoint.
type CoinbaseAdapter struct {
	brokerageURL string
	exchangeURL  string
	sched        *ratelimit.Scheduler
	policy       config.Host
	host         string
}

func NewCoinbaseAdapter(brokerageURL, exchangeURL string, sched *ratelimit.Scheduler, policy config.Host) *CoinbaseAdapter {
	if brokerageURL == "" {
		brokerageURL = "https://api.coinbase.com/api/v3/brokerage"
	}
	if exchangeURL == "" {
		exchangeURL = "https://api.exchange.coinbase.com"
	}
	return &CoinbaseAdapter{brokerageURL: brokerageURL, exchangeURL: exchangeURL, sched: sched, policy: policy, host: "api.exchange.coinbase.com"}
}

func (a *CoinbaseAdapter) Name() string { return "COINBASE" }

type coinbaseTicker struct {
	TradeID int64  `json:"trade_id"`
	Price   string `json:"price"`
	Time    string `json:"time"`
}

type coinbaseTrade struct {
	TradeID int64  `json:"trade_id"`
	Price   string `json:"price"`
	Size    string `json:"size"`
	Time    string `json:"time"`
	Side    string `json:"side"`
}

func (a *CoinbaseAdapter) Recover(ctx context.Context, symbol string, windows []Window) ([]trade.Trade, error) {
	merged := MergeWindows(windows)
	if len(merged) == 0 {
		return nil, nil
	}
	lowerBound := merged[0].FromTs
	for _, w := range merged {
		if w.FromTs < lowerBound {
			lowerBound = w.FromTs
		}
	}

	pair := strings.ToUpper(symbol)
	tickerBody, err := fetchBody(ctx, a.sched, a.host, a.policy,
		fmt.Sprintf("%s/products/%s/ticker", a.brokerageURL, pair))
	if err != nil {
		return nil, fmt.Errorf("coinbase: ticker: %w", err)
	}
	var anchor coinbaseTicker
	if err := json.Unmarshal(tickerBody, &anchor); err != nil {
		return nil, fmt.Errorf("coinbase: decode ticker: %w", err)
	}

	var out []trade.Trade
	afterID := anchor.TradeID
	for afterID > 0 {
		url := fmt.Sprintf("%s/products/%s/trades?after=%d", a.exchangeURL, pair, afterID)
		body, err := fetchBody(ctx, a.sched, a.host, a.policy, url)
		if err != nil {
			return nil, fmt.Errorf("coinbase: trades page: %w", err)
		}
		var page []coinbaseTrade
		if err := json.Unmarshal(body, &page); err != nil {
			return nil, fmt.Errorf("coinbase: decode trades: %w", err)
		}
		if len(page) == 0 {
			break
		}

		crossedLowerBound := false
		minID := page[0].TradeID
		for _, row := range page {
			ts, err := coinbaseTimeMs(row.Time)
			if err != nil {
				continue
			}
			if row.TradeID < minID {
				minID = row.TradeID
			}
			if ts < lowerBound {
				crossedLowerBound = true
				continue
			}
			if !inWindows(ts, merged) {
				continue
			}
			side := trade.SideBuy
			if strings.EqualFold(row.Side, "sell") {
				side = trade.SideSell
			}
			price, _ := strconv.ParseFloat(row.Price, 64)
			size, _ := strconv.ParseFloat(row.Size, 64)
			out = append(out, trade.Trade{
				Ts: ts, Price: price, Size: size, Side: side,
				Exchange: "COINBASE", Symbol: symbol,
				PriceText: row.Price, SizeText: row.Size,
			})
		}
		if crossedLowerBound {
			break
		}
		afterID = minID - 1
	}
	return sortTrades(out), nil
}

func coinbaseTimeMs(value string) (int64, error) {
	t, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return 0, err
	}
	return t.UnixMilli(), nil
}
