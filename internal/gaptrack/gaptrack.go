// Package gaptrack implements the adaptive per-market gap detector (C4).
// It generalizes the teacher's sequence-gap SequenceTracker
// (analytics/depth_gap_watcher.go) from integer sequence numbers to an
// EWMA baseline over inter-trade time spans.
package gaptrack

import "math"

// Event is a detected abnormal inter-trade span.
type Event struct {
	GapMs    int64
	GapMiss  int64
	GapEndTs int64
}

// State is the serializable snapshot of a Tracker, used to resume detection
// across processor runs without replaying already-folded trades.
type State struct {
	LastTradeTs int64   `json:"lastTradeTs"`
	HasLast     bool    `json:"hasLast"`
	AvgGapMs    float64 `json:"avgGapMs"`
	Samples     int     `json:"samples"`
	SameTsCount int     `json:"sameTsCount"`
}

// Tracker is the adaptive gap detector for one market.
type Tracker struct {
	State
	TimeframeMs int64
}

// New creates a fresh tracker for a market/timeframe.
func New(timeframeMs int64) *Tracker {
	return &Tracker{TimeframeMs: timeframeMs}
}

// Resume rebuilds a tracker from a prior snapshot.
func Resume(timeframeMs int64, s State) *Tracker {
	return &Tracker{State: s, TimeframeMs: timeframeMs}
}

// Snapshot returns the tracker's current serializable state.
func (t *Tracker) Snapshot() State {
	return t.State
}

const maxSamples = 1_000_000

// Observe folds one non-liquidation trade timestamp into the tracker and
// returns a gap Event if the inter-trade span was abnormal.
func (t *Tracker) Observe(ts int64) *Event {
	if !t.HasLast {
		t.LastTradeTs = ts
		t.HasLast = true
		return nil
	}

	span := ts - t.LastTradeTs
	if span < 0 {
		t.SameTsCount = 0
		return nil
	}
	if span == 0 {
		t.SameTsCount++
		return nil
	}

	effectiveDelta := float64(span) / float64(t.SameTsCount+1)
	t.SameTsCount = 0

	baseline := t.AvgGapMs
	var event *Event

	if t.Samples >= 2 && baseline > 0 {
		window := math.Max(float64(t.TimeframeMs), baseline*64)
		expectedCount := window / baseline
		logN := math.Max(1, math.Log(expectedCount))
		expectedMax := baseline * logN * logN
		if float64(span) > expectedMax {
			gapMiss := int64(math.Floor(float64(span)/baseline)) - 1
			if gapMiss < 0 {
				gapMiss = 0
			}
			event = &Event{GapMs: span, GapMiss: gapMiss, GapEndTs: ts}
		}
	}

	if t.Samples == 0 {
		t.AvgGapMs = effectiveDelta
	} else {
		window := math.Max(float64(t.TimeframeMs), baseline*64)
		cappedDelta := math.Min(effectiveDelta, baseline*8)
		alpha := cappedDelta / (window + cappedDelta)
		t.AvgGapMs += (cappedDelta - baseline) * alpha
	}
	if t.Samples < maxSamples {
		t.Samples++
	}

	t.LastTradeTs = ts
	return event
}
