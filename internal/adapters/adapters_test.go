package adapters

import (
	"testing"

	"candlestore/internal/config"
	"candlestore/internal/trade"
)

func TestMergeWindows_CoalescesOverlappingAndAdjacent(t *testing.T) {
	got := MergeWindows([]Window{
		{FromTs: 100, ToTs: 200},
		{FromTs: 150, ToTs: 300}, // overlaps the first
		{FromTs: 500, ToTs: 600}, // disjoint
	})
	if len(got) != 2 {
		t.Fatalf("expected 2 merged windows, got %d: %+v", len(got), got)
	}
	if got[0].FromTs != 100 || got[0].ToTs != 300 {
		t.Fatalf("expected the first two windows coalesced into [100,300], got %+v", got[0])
	}
	if got[1].FromTs != 500 || got[1].ToTs != 600 {
		t.Fatalf("expected the disjoint window preserved, got %+v", got[1])
	}
}

func TestInWindows_StrictlyInsideBounds(t *testing.T) {
	windows := []Window{{FromTs: 100, ToTs: 200}}
	if inWindows(100, windows) || inWindows(200, windows) {
		t.Fatalf("window bounds are exclusive on both ends")
	}
	if !inWindows(150, windows) {
		t.Fatalf("expected 150 inside (100,200)")
	}
}

func TestUtcDays_SpansInclusiveCalendarDays(t *testing.T) {
	// A window starting late on one UTC day and ending early the next.
	from := int64(1704150000000)
	to := int64(1704164400000)
	days := utcDays([]Window{{FromTs: from, ToTs: to}})
	if len(days) != 2 {
		t.Fatalf("expected 2 calendar days, got %d: %v", len(days), days)
	}
}

func TestSortTrades_OrdersAscendingByTs(t *testing.T) {
	trades := []trade.Trade{{Ts: 300}, {Ts: 100}, {Ts: 200}}
	sorted := sortTrades(trades)
	for i := 1; i < len(sorted); i++ {
		if sorted[i-1].Ts > sorted[i].Ts {
			t.Fatalf("expected ascending order, got %+v", sorted)
		}
	}
}

func TestRegistry_LookupIsCaseInsensitiveOnExchange(t *testing.T) {
	r := NewRegistry()
	r.Register("binance", NewBinanceSpot("", nil, config.Host{}))
	a, ok := r.Lookup("BINANCE")
	if !ok || a.Name() != "BINANCE" {
		t.Fatalf("expected a case-insensitive lookup hit, got ok=%v a=%v", ok, a)
	}
	if _, ok := r.Lookup("COINBASE"); ok {
		t.Fatalf("expected no adapter registered for coinbase")
	}
}
