// Package gapwindow implements the gap window extractor (C8): a single
// pass over a source trade file that turns each gap event's coalesced
// line range into a precise (fromTs, toTs) recovery window.
package gapwindow

import (
	"fmt"

	"candlestore/internal/catalog"
	"candlestore/internal/fileio"
	"candlestore/internal/trade"
)

// Window is one event's recovered (fromTs, toTs) pair. The interval is
// open: recovered trades must satisfy fromTs < ts < toTs.
type Window struct {
	EventID int64
	FromTs  int64
	ToTs    int64
}

// Result is the extractor's output: resolved windows plus any event ids
// that could not be resolved from the replay or the fallback.
type Result struct {
	Windows    []Window
	Unresolved []int64
}

// Extract replays path and derives a window per event in events. events
// must be sorted by StartLine (the orchestrator's ListGapEvents query
// already returns them in that order for one file).
func Extract(path string, exchange, symbol string, events []catalog.EventRow) (Result, error) {
	ls, err := fileio.OpenLines(path)
	if err != nil {
		return Result{}, fmt.Errorf("gapwindow: %w", err)
	}
	defer ls.Close()

	resolved := make(map[int64]Window, len(events))
	var lastValidTradeTs int64
	currentLine := 0
	nextIdx := 0
	var active []int

	for {
		line, ok := ls.Next()
		if !ok {
			break
		}
		currentLine++

		for nextIdx < len(events) && events[nextIdx].StartLine <= int64(currentLine) {
			active = append(active, nextIdx)
			nextIdx++
		}
		active = dropExpired(active, events, currentLine)

		t, perr := trade.ParseLine(line, exchange, symbol)
		if perr != nil {
			continue
		}

		for _, idx := range active {
			ev := events[idx]
			if ev.StartLine > int64(currentLine) || ev.EndLine < int64(currentLine) {
				continue
			}
			if _, already := resolved[ev.ID]; already {
				continue
			}
			if !t.Liquidation && t.Ts > lastValidTradeTs {
				resolved[ev.ID] = Window{EventID: ev.ID, FromTs: lastValidTradeTs, ToTs: t.Ts}
			}
		}
		lastValidTradeTs = t.Ts
	}
	if err := ls.Err(); err != nil {
		return Result{}, fmt.Errorf("gapwindow: scan %s: %w", path, err)
	}

	var res Result
	for _, ev := range events {
		if w, ok := resolved[ev.ID]; ok {
			res.Windows = append(res.Windows, w)
			continue
		}
		if ev.GapEndTs != 0 && ev.GapMs > 0 {
			res.Windows = append(res.Windows, Window{
				EventID: ev.ID,
				FromTs:  ev.GapEndTs - ev.GapMs,
				ToTs:    ev.GapEndTs,
			})
			continue
		}
		res.Unresolved = append(res.Unresolved, ev.ID)
	}
	return res, nil
}

// dropExpired removes indices whose event row's EndLine has already
// passed currentLine, keeping the active set small.
func dropExpired(active []int, events []catalog.EventRow, currentLine int) []int {
	out := active[:0]
	for _, idx := range active {
		if events[idx].EndLine >= int64(currentLine) {
			out = append(out, idx)
		}
	}
	return out
}
