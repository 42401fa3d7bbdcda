// Package eventacc implements the coalescing event accumulator (C5): a
// passive sink that folds consecutive parse/gap anomalies into line-range
// records, breaking the cyclic dependency between the trade codec, the
// processor, and the catalog's events table (the sink is passed by
// reference, never imported back into).
package eventacc

import "candlestore/internal/gaptrack"

// Kind is an event_type value from the catalog schema.
type Kind string

const (
	KindPartsShort       Kind = "parts_short"
	KindNonFinite        Kind = "non_finite"
	KindInvalidTsRange   Kind = "invalid_ts_range"
	KindNotionalTooLarge Kind = "notional_too_large"
	KindGap              Kind = "gap"
)

// Range is one coalesced anomaly span.
type Range struct {
	Kind               Kind
	StartLine, EndLine int
	GapMs, GapMiss     int64
	GapEndTs           int64
}

// Sink receives finished ranges. The processor wires it to a catalog
// events-table writer; tests can wire a plain slice append.
type Sink func(Range)

// Accumulator coalesces (kind, line) observations into Range records.
type Accumulator struct {
	current *Range
	sink    Sink
}

// New creates an accumulator that calls sink on every flushed range.
func New(sink Sink) *Accumulator {
	return &Accumulator{sink: sink}
}

// Observe records one anomaly at the given 1-based line number. gap is only
// consulted when kind is KindGap.
func (a *Accumulator) Observe(kind Kind, line int, gap *gaptrack.Event) {
	if a.current != nil && a.current.Kind == kind && line == a.current.EndLine+1 {
		a.current.EndLine = line
		a.mergeGap(gap)
		return
	}
	a.flush()
	a.current = &Range{Kind: kind, StartLine: line, EndLine: line}
	a.mergeGap(gap)
}

func (a *Accumulator) mergeGap(gap *gaptrack.Event) {
	if a.current.Kind != KindGap || gap == nil {
		return
	}
	if gap.GapMs > a.current.GapMs {
		a.current.GapMs = gap.GapMs
		a.current.GapMiss = gap.GapMiss
		a.current.GapEndTs = gap.GapEndTs
	}
}

func (a *Accumulator) flush() {
	if a.current == nil {
		return
	}
	a.sink(*a.current)
	a.current = nil
}

// Finish emits any still-open range. Call once at file end.
func (a *Accumulator) Finish() {
	a.flush()
}
