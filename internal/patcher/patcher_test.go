package patcher

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"go.uber.org/zap"

	"candlestore/internal/candle"
	"candlestore/internal/catalog"
	"candlestore/internal/market"
	"candlestore/internal/processor"
)

func setupMarket(t *testing.T) (*catalog.Store, string, string, market.Key) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "catalog.db")
	store, err := catalog.Open(dbPath)
	if err != nil {
		t.Fatalf("open catalog: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	outRoot := t.TempDir()
	archiveRoot := t.TempDir()
	mk := market.Key{Collector: "ARCHIVE", Exchange: "BINANCE", Symbol: "BTCUSDT"}

	sourcePath := filepath.Join(archiveRoot, "f1.csv")
	if err := os.WriteFile(sourcePath, []byte("1000 10 1 0\n70000 12 1 0\n"), 0o644); err != nil {
		t.Fatalf("write source: %v", err)
	}
	rootID, err := store.UpsertRoot(archiveRoot)
	if err != nil {
		t.Fatalf("upsert root: %v", err)
	}
	row := catalog.FileRow{RootID: rootID, RelativePath: "f1.csv", Collector: mk.Collector, Exchange: mk.Exchange, Symbol: mk.Symbol, StartTs: 1000, Ext: ".csv"}
	if err := store.InsertFilesTx(context.Background(), []catalog.FileRow{row}); err != nil {
		t.Fatalf("insert file: %v", err)
	}

	proc := processor.New(store, outRoot, zap.NewNop(), nil, nil)
	if _, err := proc.ProcessMarket(context.Background(), mk, "1m", false); err != nil {
		t.Fatalf("seed process: %v", err)
	}
	return store, outRoot, sourcePath, mk
}

func TestPatchMarket_OverwritesAffectedSlotRange(t *testing.T) {
	ctx := context.Background()
	store, outRoot, sourcePath, mk := setupMarket(t)

	// Simulate the merger having inserted a recovered trade into the first
	// minute's source line.
	if err := os.WriteFile(sourcePath, []byte("1000 10 1 0\n1030 99 2 0\n70000 12 1 0\n"), 0o644); err != nil {
		t.Fatalf("rewrite source: %v", err)
	}

	p := New(store, outRoot, zap.NewNop(), nil, nil)
	patched, err := p.PatchMarket(ctx, mk, sourcePath, 1000, 1030)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(patched) != 1 || patched[0].Timeframe != "1m" {
		t.Fatalf("expected the 1m timeframe patched, got %+v", patched)
	}

	binPath := filepath.Join(outRoot, mk.Collector, mk.Exchange, mk.Symbol, "1m.bin")
	companion, err := candle.LoadCompanion(binPath)
	if err != nil {
		t.Fatalf("load companion: %v", err)
	}
	candles, err := candle.ReadRange(binPath, 0, 0)
	if err != nil {
		t.Fatalf("read range: %v", err)
	}
	if candles[0].BuyCount != 2 {
		t.Fatalf("expected the first slot's buy count to reflect both trades after patching, got %+v", candles[0])
	}
	_ = companion
}

func TestPatchMarket_RejectsMisalignedRange(t *testing.T) {
	ctx := context.Background()
	store, outRoot, sourcePath, mk := setupMarket(t)
	p := New(store, outRoot, zap.NewNop(), nil, nil)

	binPath := filepath.Join(outRoot, mk.Collector, mk.Exchange, mk.Symbol, "1m.bin")
	companion, err := candle.LoadCompanion(binPath)
	if err != nil {
		t.Fatalf("load companion: %v", err)
	}
	// Corrupt the companion's startTs so the computed fromSlot no longer
	// aligns to a multiple of the timeframe stride away from it.
	companion.StartTs += 7
	if err := candle.SaveCompanion(binPath, companion); err != nil {
		t.Fatalf("save companion: %v", err)
	}

	// minTs/maxTs both floor to the second minute slot (60000), whose
	// offset from the corrupted startTs (7) is 59993, not a multiple of
	// tfMs, so fromSlot does not land on a tfMs-aligned offset from
	// companion.StartTs.
	_, err = p.PatchMarket(ctx, mk, sourcePath, 70000, 70000)
	if err == nil {
		t.Fatalf("expected an alignment error")
	}
}

func TestPatchMarket_SkipsTimeframesOutsideRange(t *testing.T) {
	ctx := context.Background()
	store, outRoot, sourcePath, mk := setupMarket(t)
	p := New(store, outRoot, zap.NewNop(), nil, nil)

	// A window far beyond the companion's recorded range overlaps nothing.
	patched, err := p.PatchMarket(ctx, mk, sourcePath, 10_000_000, 10_000_100)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(patched) != 0 {
		t.Fatalf("expected no timeframe patched outside its range, got %+v", patched)
	}
}
