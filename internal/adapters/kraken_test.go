package adapters

import (
	"encoding/json"
	"testing"

	"candlestore/internal/trade"
)

func TestScanKrakenCSV_InfersSideFromTickDirection(t *testing.T) {
	data := []byte(
		"time,price,volume\n" +
			"1.000,100,1\n" + // first trade: no prior tick, defaults to buy
			"2.000,105,1\n" + // uptick -> buy
			"3.000,95,1\n" + // downtick -> sell
			"4.000,95,1\n", // unchanged -> repeats previous side (sell)
	)
	windows := []Window{{FromTs: 0, ToTs: 10_000}}

	trades := scanKrakenCSV(data, "XBTUSD", windows)
	if len(trades) != 4 {
		t.Fatalf("expected 4 trades, got %d", len(trades))
	}
	want := []trade.Side{trade.SideBuy, trade.SideBuy, trade.SideSell, trade.SideSell}
	for i, w := range want {
		if trades[i].Side != w {
			t.Fatalf("trade %d: expected side %v, got %v", i, w, trades[i].Side)
		}
	}
}

func TestScanKrakenCSV_FiltersRowsOutsideWindows(t *testing.T) {
	data := []byte("1.000,100,1\n20.000,101,1\n")
	windows := []Window{{FromTs: 0, ToTs: 5000}}
	trades := scanKrakenCSV(data, "XBTUSD", windows)
	if len(trades) != 1 {
		t.Fatalf("expected 1 trade inside the window, got %d", len(trades))
	}
}

func TestDedupeKrakenByTs_CollapsesAdjacentDuplicates(t *testing.T) {
	sorted := []trade.Trade{
		{Ts: 1000, PriceText: "100", SizeText: "1", Side: trade.SideBuy},
		{Ts: 1000, PriceText: "100", SizeText: "1", Side: trade.SideBuy}, // exact duplicate from the tail overlap
		{Ts: 2000, PriceText: "101", SizeText: "1", Side: trade.SideBuy},
	}
	out := dedupeKrakenByTs(sorted)
	if len(out) != 2 {
		t.Fatalf("expected the adjacent duplicate collapsed, got %d trades: %+v", len(out), out)
	}
}

func TestDecodeKrakenTradesResult_ParsesPriceVolumeSideAndCursor(t *testing.T) {
	raw := map[string]json.RawMessage{
		"XXBTZUSD": json.RawMessage(`[["100.5","2.0",1700000000.123,"b","m",""]]`),
		"last":     json.RawMessage(`"1700000000123456789"`),
	}
	rows, lastNs, err := decodeKrakenTradesResult(raw, "XXBTZUSD")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected 1 row, got %d", len(rows))
	}
	if rows[0].Side != trade.SideBuy || rows[0].PriceText != "100.5" {
		t.Fatalf("unexpected row: %+v", rows[0])
	}
	if lastNs != 1700000000123456789 {
		t.Fatalf("expected the cursor parsed from the last field, got %d", lastNs)
	}
}

func TestDecodeKrakenTradesResult_SellSideToken(t *testing.T) {
	raw := map[string]json.RawMessage{
		"XXBTZUSD": json.RawMessage(`[["100.5","2.0",1700000000.0,"s"]]`),
	}
	rows, _, err := decodeKrakenTradesResult(raw, "XXBTZUSD")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rows[0].Side != trade.SideSell {
		t.Fatalf("expected sell side token mapped to SideSell, got %v", rows[0].Side)
	}
}
