package gapwindow

import (
	"os"
	"path/filepath"
	"testing"

	"candlestore/internal/catalog"
)

func writeLines(t *testing.T, lines ...string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "trades.txt")
	content := ""
	for _, l := range lines {
		content += l + "\n"
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	return path
}

func TestExtract_ResolvesWindowFromSurroundingValidTrades(t *testing.T) {
	path := writeLines(t,
		"1000 10 1 0", // line 1
		"9000 11 1 0", // line 2, gap event spans just this one anomalous line
	)
	events := []catalog.EventRow{
		{ID: 1, EventType: "gap", StartLine: 2, EndLine: 2},
	}

	res, err := Extract(path, "BINANCE", "BTCUSDT", events)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res.Unresolved) != 0 {
		t.Fatalf("expected the event resolved, got unresolved: %v", res.Unresolved)
	}
	if len(res.Windows) != 1 {
		t.Fatalf("expected 1 window, got %d", len(res.Windows))
	}
	w := res.Windows[0]
	if w.FromTs != 1000 || w.ToTs != 9000 {
		t.Fatalf("expected window [1000,9000], got [%d,%d]", w.FromTs, w.ToTs)
	}
}

func TestExtract_FallsBackToGapEndTsWhenReplayCannotResolve(t *testing.T) {
	// The event's own line range is unparseable and no valid trade follows
	// it before EOF, so the replay can never anchor a window; the
	// extractor must fall back to the event's own gap_end_ts/gap_ms.
	path := writeLines(t, "1000 10 1 0", "garbage")
	events := []catalog.EventRow{
		{ID: 7, EventType: "gap", StartLine: 2, EndLine: 2, GapMs: 5000, GapEndTs: 9000},
	}

	res, err := Extract(path, "BINANCE", "BTCUSDT", events)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res.Windows) != 1 {
		t.Fatalf("expected 1 fallback window, got %d", len(res.Windows))
	}
	w := res.Windows[0]
	if w.FromTs != 4000 || w.ToTs != 9000 {
		t.Fatalf("expected fallback window [4000,9000], got [%d,%d]", w.FromTs, w.ToTs)
	}
}

func TestExtract_ReportsUnresolvedWhenNoFallbackAvailable(t *testing.T) {
	// No trade in the file ever parses, so replay can never anchor a
	// window, and the event carries no gap_end_ts/gap_ms to fall back to.
	path := writeLines(t, "garbage")
	events := []catalog.EventRow{
		{ID: 3, EventType: "parts_short", StartLine: 1, EndLine: 1},
	}

	res, err := Extract(path, "BINANCE", "BTCUSDT", events)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res.Windows) != 0 || len(res.Unresolved) != 1 || res.Unresolved[0] != 3 {
		t.Fatalf("expected event 3 reported unresolved, got windows=%v unresolved=%v", res.Windows, res.Unresolved)
	}
}

func TestExtract_ResolvesMultipleAdjacentEventsInOnePass(t *testing.T) {
	path := writeLines(t,
		"1000 10 1 0", // line 1
		"2000 10 1 0", // line 2 anomalous
		"3000 10 1 0", // line 3 anomalous
		"4000 10 1 0", // line 4
	)
	events := []catalog.EventRow{
		{ID: 1, EventType: "gap", StartLine: 2, EndLine: 2},
		{ID: 2, EventType: "gap", StartLine: 3, EndLine: 3},
	}

	res, err := Extract(path, "BINANCE", "BTCUSDT", events)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res.Windows) != 2 {
		t.Fatalf("expected both events resolved, got %d windows (unresolved=%v)", len(res.Windows), res.Unresolved)
	}
}
