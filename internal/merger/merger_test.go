package merger

import (
	"bytes"
	"compress/gzip"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"candlestore/internal/trade"
)

func mustGzip(t *testing.T, content string) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write([]byte(content)); err != nil {
		t.Fatalf("gzip write: %v", err)
	}
	if err := gz.Close(); err != nil {
		t.Fatalf("gzip close: %v", err)
	}
	return buf.Bytes()
}

func mustGunzip(t *testing.T, path string) string {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open %s: %v", path, err)
	}
	defer f.Close()
	gz, err := gzip.NewReader(f)
	if err != nil {
		t.Fatalf("gunzip %s: %v", path, err)
	}
	defer gz.Close()
	data, err := io.ReadAll(gz)
	if err != nil {
		t.Fatalf("read gunzipped %s: %v", path, err)
	}
	return string(data)
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
	return path
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	return string(data)
}

func TestMerge_InsertsInSortedOrderAndDedupes(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "trades.txt", "1000 10 1 0\n3000 12 1 0\n")

	recovered := []trade.Trade{
		{Ts: 2000, PriceText: "11", SizeText: "1", Side: trade.SideBuy},
		// duplicate of the existing 1000 line by (ts, priceText, sizeText, side)
		{Ts: 1000, PriceText: "10", SizeText: "1", Side: trade.SideBuy},
	}

	res, err := Merge(path, "BINANCE", "BTCUSDT", recovered)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Inserted != 1 {
		t.Fatalf("expected exactly 1 new trade inserted (the duplicate dropped), got %d", res.Inserted)
	}

	got := readFile(t, path)
	lines := strings.Split(strings.TrimRight(got, "\n"), "\n")
	if len(lines) != 3 {
		t.Fatalf("expected 3 lines after merge, got %d: %v", len(lines), lines)
	}
	if !strings.HasPrefix(lines[1], "2000 ") {
		t.Fatalf("expected the recovered trade sorted between the two existing lines, got %v", lines)
	}
}

func TestMerge_NoSurvivingTradesLeavesFileUntouched(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "trades.txt", "1000 10 1 0\n")
	before := readFile(t, path)

	res, err := Merge(path, "BINANCE", "BTCUSDT", []trade.Trade{
		{Ts: 1000, PriceText: "10", SizeText: "1", Side: trade.SideBuy},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Inserted != 0 {
		t.Fatalf("expected 0 inserted when every recovered trade already exists, got %d", res.Inserted)
	}
	if readFile(t, path) != before {
		t.Fatalf("file must be left untouched when nothing new survives dedup")
	}
}

func TestMerge_PreservesInvalidLinesAsTrailingBlock(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "trades.txt", "1000 10 1 0\n# a comment line\n")

	_, err := Merge(path, "BINANCE", "BTCUSDT", []trade.Trade{
		{Ts: 2000, PriceText: "11", SizeText: "1", Side: trade.SideBuy},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got := readFile(t, path)
	if !strings.Contains(got, "# a comment line") {
		t.Fatalf("expected the invalid line preserved, got %q", got)
	}
	if !strings.HasSuffix(strings.TrimRight(got, "\n"), "# a comment line") {
		t.Fatalf("expected invalid lines kept as a trailing block, got %q", got)
	}
}

func TestMerge_RejectsNonMonotonicSourceFile(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "trades.txt", "2000 10 1 0\n1000 11 1 0\n")

	_, err := Merge(path, "BINANCE", "BTCUSDT", nil)
	if _, ok := err.(*ErrNonMonotonic); !ok {
		t.Fatalf("expected ErrNonMonotonic, got %v", err)
	}
}

func TestMerge_RoundTripsThroughGzip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "trades.txt.gz")

	// Seed a gzip-compressed source file directly.
	if err := os.WriteFile(path, mustGzip(t, "1000 10 1 0\n"), 0o644); err != nil {
		t.Fatalf("seed gz file: %v", err)
	}

	res, err := Merge(path, "BINANCE", "BTCUSDT", []trade.Trade{
		{Ts: 2000, PriceText: "11", SizeText: "1", Side: trade.SideBuy},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Inserted != 1 {
		t.Fatalf("expected 1 trade inserted, got %d", res.Inserted)
	}

	// The merged file must still be readable as gzip.
	unzipped := mustGunzip(t, path)
	if !strings.Contains(unzipped, "2000 ") {
		t.Fatalf("expected the recovered trade present in the regzipped output, got %q", unzipped)
	}
}
