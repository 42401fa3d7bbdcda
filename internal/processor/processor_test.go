package processor

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"go.uber.org/zap"

	"candlestore/internal/candle"
	"candlestore/internal/catalog"
	"candlestore/internal/market"
)

func newTestProcessor(t *testing.T) (*Processor, *catalog.Store, string) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "catalog.db")
	store, err := catalog.Open(dbPath)
	if err != nil {
		t.Fatalf("open catalog: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	outRoot := t.TempDir()
	return New(store, outRoot, zap.NewNop(), nil, nil), store, outRoot
}

func seedFile(t *testing.T, store *catalog.Store, mk market.Key, archiveRoot, name, content string, startTs int64) {
	t.Helper()
	path := filepath.Join(archiveRoot, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write source file: %v", err)
	}
	rootID, err := store.UpsertRoot(archiveRoot)
	if err != nil {
		t.Fatalf("upsert root: %v", err)
	}
	row := catalog.FileRow{RootID: rootID, RelativePath: name, Collector: mk.Collector, Exchange: mk.Exchange, Symbol: mk.Symbol, StartTs: startTs, Ext: ".csv"}
	if err := store.InsertFilesTx(context.Background(), []catalog.FileRow{row}); err != nil {
		t.Fatalf("insert file: %v", err)
	}
}

func TestProcessMarket_FoldsTradesAndWritesCompanion(t *testing.T) {
	ctx := context.Background()
	p, store, _ := newTestProcessor(t)
	mk := market.Key{Collector: "ARCHIVE", Exchange: "BINANCE", Symbol: "BTCUSDT"}
	archiveRoot := t.TempDir()

	seedFile(t, store, mk, archiveRoot, "f1.csv", "1000 10 1 0\n1500 11 1 0\n70000 12 1 0\n", 1000)

	res, err := p.ProcessMarket(ctx, mk, "1m", false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Wrote || res.FilesProcessed != 1 || res.TradesFolded != 3 {
		t.Fatalf("expected 1 file processed, 3 trades folded, got %+v", res)
	}
	if res.Companion.Records < 2 {
		t.Fatalf("expected at least 2 minute slots spanning ts 1000..70000, got %d", res.Companion.Records)
	}

	reg, ok, err := store.GetRegistry(ctx, mk.Collector, mk.Exchange, mk.Symbol, "1m")
	if err != nil || !ok {
		t.Fatalf("expected a registry row written, ok=%v err=%v", ok, err)
	}
	if reg.StartTs != res.Companion.StartTs || reg.EndTs != res.Companion.EndTs {
		t.Fatalf("expected registry bounds to mirror the companion, got %+v vs companion %+v", reg, res.Companion)
	}
}

func TestProcessMarket_SkipsFilesBeforeResumeCutoff(t *testing.T) {
	ctx := context.Background()
	p, store, outRoot := newTestProcessor(t)
	mk := market.Key{Collector: "ARCHIVE", Exchange: "BINANCE", Symbol: "BTCUSDT"}
	archiveRoot := t.TempDir()

	seedFile(t, store, mk, archiveRoot, "f1.csv", "1000 10 1 0\n", 1000)
	if _, err := p.ProcessMarket(ctx, mk, "1m", false); err != nil {
		t.Fatalf("first pass: %v", err)
	}

	// A second source file whose start_ts is older than the committed
	// cutoff must be skipped entirely on a resuming (non-force) run.
	seedFile(t, store, mk, archiveRoot, "f0.csv", "500 9 1 0\n", 500)
	res, err := p.ProcessMarket(ctx, mk, "1m", false)
	if err != nil {
		t.Fatalf("second pass: %v", err)
	}
	if res.FilesSkipped != 1 {
		t.Fatalf("expected the older file skipped on resume, got skipped=%d processed=%d", res.FilesSkipped, res.FilesProcessed)
	}

	binPath := filepath.Join(outRoot, mk.Collector, mk.Exchange, mk.Symbol, "1m.bin")
	if _, err := candle.LoadCompanion(binPath); err != nil {
		t.Fatalf("expected the prior companion to remain loadable: %v", err)
	}
}

func TestProcessMarket_ForceReprocessesEverything(t *testing.T) {
	ctx := context.Background()
	p, store, _ := newTestProcessor(t)
	mk := market.Key{Collector: "ARCHIVE", Exchange: "BINANCE", Symbol: "BTCUSDT"}
	archiveRoot := t.TempDir()

	seedFile(t, store, mk, archiveRoot, "f1.csv", "1000 10 1 0\n", 1000)
	if _, err := p.ProcessMarket(ctx, mk, "1m", false); err != nil {
		t.Fatalf("first pass: %v", err)
	}

	res, err := p.ProcessMarket(ctx, mk, "1m", true)
	if err != nil {
		t.Fatalf("forced pass: %v", err)
	}
	if res.FilesSkipped != 0 || res.FilesProcessed != 1 {
		t.Fatalf("expected force to reprocess the file with nothing skipped, got %+v", res)
	}
}

func TestProcessMarket_InvalidLineDoesNotProduceGapEvent(t *testing.T) {
	ctx := context.Background()
	p, store, _ := newTestProcessor(t)
	mk := market.Key{Collector: "ARCHIVE", Exchange: "BINANCE", Symbol: "BTCUSDT"}
	archiveRoot := t.TempDir()

	seedFile(t, store, mk, archiveRoot, "f1.csv", "1000 10 1 0\nnot a trade line\n2000 11 1 0\n", 1000)

	if _, err := p.ProcessMarket(ctx, mk, "1m", false); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	events, err := store.ListGapEvents(ctx, catalog.EventFilter{Exchange: mk.Exchange})
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	for _, e := range events {
		if e.EventType == "gap" {
			t.Fatalf("did not expect a gap event from two closely spaced trades, got %+v", e)
		}
	}
}

func TestProcessMarket_UnknownTimeframeIsRejected(t *testing.T) {
	ctx := context.Background()
	p, store, _ := newTestProcessor(t)
	mk := market.Key{Collector: "ARCHIVE", Exchange: "BINANCE", Symbol: "BTCUSDT"}
	archiveRoot := t.TempDir()
	seedFile(t, store, mk, archiveRoot, "f1.csv", "1000 10 1 0\n", 1000)

	if _, err := p.ProcessMarket(ctx, mk, "7x", false); err == nil {
		t.Fatalf("expected an error for an unrecognized timeframe token")
	}
}
