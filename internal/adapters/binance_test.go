package adapters

import (
	"testing"

	"candlestore/internal/trade"
)

func TestParseBinanceCSV_KeepsOnlyRowsInsideWindows(t *testing.T) {
	data := []byte(
		"id,price,qty,quoteQty,time,isBuyerMaker\n" +
			"1,100.5,2,201,1000,true\n" +
			"2,101.0,1,101,5000,false\n", // outside the window below
	)
	windows := []Window{{FromTs: 0, ToTs: 2000}}

	trades, err := parseBinanceCSV(data, "BINANCE", "BTCUSDT", windows)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(trades) != 1 {
		t.Fatalf("expected 1 trade inside the window, got %d", len(trades))
	}
	tr := trades[0]
	if tr.Ts != 1000 || tr.PriceText != "100.5" || tr.SizeText != "2" {
		t.Fatalf("unexpected trade fields: %+v", tr)
	}
	if tr.Side != trade.SideSell {
		t.Fatalf("expected isBuyerMaker=true to map to the sell side, got %v", tr.Side)
	}
}

func TestParseBinanceCSV_SkipsShortRows(t *testing.T) {
	data := []byte("1,100.5,2\n")
	trades, err := parseBinanceCSV(data, "BINANCE", "BTCUSDT", []Window{{FromTs: 0, ToTs: 2000}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(trades) != 0 {
		t.Fatalf("expected a short row dropped, got %+v", trades)
	}
}
