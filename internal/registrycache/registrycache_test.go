package registrycache

import (
	"context"
	"testing"

	"candlestore/internal/catalog"
)

func TestNilMirror_AllMethodsAreSafeNoOps(t *testing.T) {
	var m *Mirror

	if err := m.Upsert(context.Background(), catalog.RegistryRow{Collector: "A"}); err != nil {
		t.Fatalf("expected Upsert on a nil mirror to be a no-op, got %v", err)
	}
	if _, ok := m.Get(context.Background(), "A", "B", "C", "1m"); ok {
		t.Fatalf("expected Get on a nil mirror to report a miss")
	}
	if _, err := m.Subscribe(context.Background()); err == nil {
		t.Fatalf("expected Subscribe on a nil mirror to refuse rather than panic")
	}
	if err := m.Close(); err != nil {
		t.Fatalf("expected Close on a nil mirror to be a no-op, got %v", err)
	}
}

func TestRegistryKey_EncodesTheFourTupleInOrder(t *testing.T) {
	r := catalog.RegistryRow{Collector: "ARCHIVE", Exchange: "BINANCE", Symbol: "BTCUSDT", Timeframe: "1m"}
	got := registryKey(r)
	want := "registry:ARCHIVE:BINANCE:BTCUSDT:1m"
	if got != want {
		t.Fatalf("expected %q, got %q", want, got)
	}
}
