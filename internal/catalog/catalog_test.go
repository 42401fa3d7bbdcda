package catalog

import (
	"context"
	"path/filepath"
	"testing"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "catalog.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestUpsertRoot_IsIdempotentByPath(t *testing.T) {
	s := openTestStore(t)
	id1, err := s.UpsertRoot("/archive")
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	id2, err := s.UpsertRoot("/archive")
	if err != nil {
		t.Fatalf("upsert again: %v", err)
	}
	if id1 != id2 {
		t.Fatalf("expected the same root id across repeat upserts, got %d and %d", id1, id2)
	}
	path, err := s.GetRootPath(id1)
	if err != nil || path != "/archive" {
		t.Fatalf("expected GetRootPath to return /archive, got %q err=%v", path, err)
	}
}

func TestInsertFilesTx_UpsertsOnConflict(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	rootID, _ := s.UpsertRoot("/archive")

	row := FileRow{RootID: rootID, RelativePath: "a/b/c.csv", Collector: "ARCHIVE", Exchange: "BINANCE", Symbol: "BTCUSDT", StartTs: 1000, Ext: ".csv"}
	if err := s.InsertFilesTx(ctx, []FileRow{row}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	row.StartTs = 2000
	if err := s.InsertFilesTx(ctx, []FileRow{row}); err != nil {
		t.Fatalf("insert again: %v", err)
	}

	files, err := s.ListFilesForMarket(ctx, "ARCHIVE", "BINANCE", "BTCUSDT")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(files) != 1 {
		t.Fatalf("expected the conflicting path to update in place, got %d rows", len(files))
	}
	if files[0].StartTs != 2000 {
		t.Fatalf("expected start_ts updated to 2000, got %d", files[0].StartTs)
	}
}

func TestListFilesForMarket_OrdersByStartTsThenPath(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	rootID, _ := s.UpsertRoot("/archive")

	rows := []FileRow{
		{RootID: rootID, RelativePath: "z.csv", Collector: "A", Exchange: "B", Symbol: "S", StartTs: 3000, Ext: ".csv"},
		{RootID: rootID, RelativePath: "a.csv", Collector: "A", Exchange: "B", Symbol: "S", StartTs: 1000, Ext: ".csv"},
		{RootID: rootID, RelativePath: "m.csv", Collector: "A", Exchange: "B", Symbol: "S", StartTs: 2000, Ext: ".csv"},
	}
	if err := s.InsertFilesTx(ctx, rows); err != nil {
		t.Fatalf("insert: %v", err)
	}

	got, err := s.ListFilesForMarket(ctx, "A", "B", "S")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	want := []string{"a.csv", "m.csv", "z.csv"}
	if len(got) != len(want) {
		t.Fatalf("expected %d files, got %d", len(want), len(got))
	}
	for i, w := range want {
		if got[i].RelativePath != w {
			t.Fatalf("expected order %v, got %v at index %d", want, got[i].RelativePath, i)
		}
	}
}

func TestUpsertRegistry_ReplacesStartEndOnConflict(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	r := RegistryRow{Collector: "A", Exchange: "B", Symbol: "S", Timeframe: "1m", StartTs: 1000, EndTs: 2000}
	if err := s.UpsertRegistry(ctx, r); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	r.EndTs = 5000
	if err := s.UpsertRegistry(ctx, r); err != nil {
		t.Fatalf("upsert again: %v", err)
	}

	got, ok, err := s.GetRegistry(ctx, "A", "B", "S", "1m")
	if err != nil || !ok {
		t.Fatalf("expected a row, ok=%v err=%v", ok, err)
	}
	if got.EndTs != 5000 {
		t.Fatalf("expected end_ts replaced to 5000, got %d", got.EndTs)
	}
}

func TestListGapEvents_OrdersForOrchestratorGrouping(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	rootID, _ := s.UpsertRoot("/archive")
	s.InsertFilesTx(ctx, []FileRow{{RootID: rootID, RelativePath: "f1.csv", Collector: "A", Exchange: "B", Symbol: "S", StartTs: 1, Ext: ".csv"}})

	events := []EventRow{
		{RootID: rootID, RelativePath: "f1.csv", Collector: "A", Exchange: "B", Symbol: "S", EventType: "gap", StartLine: 10, EndLine: 10},
		{RootID: rootID, RelativePath: "f1.csv", Collector: "A", Exchange: "B", Symbol: "S", EventType: "gap", StartLine: 2, EndLine: 2},
	}
	if err := s.InsertEventsTx(ctx, events); err != nil {
		t.Fatalf("insert events: %v", err)
	}

	got, err := s.ListGapEvents(ctx, EventFilter{Exchange: "B"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 gap events, got %d", len(got))
	}
	if got[0].StartLine != 2 || got[1].StartLine != 10 {
		t.Fatalf("expected rows ordered by start_line within the file, got %+v", got)
	}
	if got[0].GapFixStatus != StatusNone {
		t.Fatalf("expected a fresh gap event to seed gap_fix_status to the empty/none value, got %q", got[0].GapFixStatus)
	}
}

func TestListGapEvents_FiltersByStatus(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	rootID, _ := s.UpsertRoot("/archive")
	s.InsertFilesTx(ctx, []FileRow{{RootID: rootID, RelativePath: "f1.csv", Collector: "A", Exchange: "B", Symbol: "S", StartTs: 1, Ext: ".csv"}})
	s.InsertEventsTx(ctx, []EventRow{
		{RootID: rootID, RelativePath: "f1.csv", Collector: "A", Exchange: "B", Symbol: "S", EventType: "gap", StartLine: 1, EndLine: 1},
	})

	all, err := s.ListGapEvents(ctx, EventFilter{})
	if err != nil || len(all) != 1 {
		t.Fatalf("expected 1 gap event with no status filter, got %d err=%v", len(all), err)
	}
	if all[0].GapFixStatus != StatusNone {
		t.Fatalf("expected a freshly inserted gap event seeded to the none status, got %q", all[0].GapFixStatus)
	}

	if err := s.UpdateEventFixStatus(ctx, all[0].ID, StatusAdapterError, "boom", 0); err != nil {
		t.Fatalf("update: %v", err)
	}

	none, err := s.ListGapEvents(ctx, EventFilter{Statuses: []GapFixStatus{StatusNone}})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(none) != 0 {
		t.Fatalf("expected 0 rows still in the none status after marking adapter_error, got %d", len(none))
	}

	retryable, err := s.ListGapEvents(ctx, EventFilter{Statuses: []GapFixStatus{StatusAdapterError}})
	if err != nil || len(retryable) != 1 {
		t.Fatalf("expected 1 row matching an explicit adapter_error retry filter, got %d err=%v", len(retryable), err)
	}
	if retryable[0].GapFixError != "boom" {
		t.Fatalf("expected gap_fix_error populated, got %q", retryable[0].GapFixError)
	}
}
