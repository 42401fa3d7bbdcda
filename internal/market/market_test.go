package market

import "testing"

func TestNormalize_UppercasesCollectorAndExchangeOnly(t *testing.T) {
	k := Normalize("archive", "binance", "btcusdt")
	if k.Collector != "ARCHIVE" || k.Exchange != "BINANCE" {
		t.Fatalf("expected collector/exchange upper-cased, got %+v", k)
	}
	if k.Symbol != "btcusdt" {
		t.Fatalf("symbol must pass through unchanged, got %q", k.Symbol)
	}
}

func TestTimeframeMs_KnownAndUnknownTokens(t *testing.T) {
	if ms := TimeframeMs("1m"); ms != 60_000 {
		t.Fatalf("expected 1m = 60000ms, got %d", ms)
	}
	if ms := TimeframeMs("1h"); ms != 3_600_000 {
		t.Fatalf("expected 1h = 3600000ms, got %d", ms)
	}
	if ms := TimeframeMs("1d"); ms != 24*3_600_000 {
		t.Fatalf("expected 1d = 86400000ms, got %d", ms)
	}
	if ms := TimeframeMs("nope"); ms != 0 {
		t.Fatalf("expected 0 for an unknown token, got %d", ms)
	}
}
