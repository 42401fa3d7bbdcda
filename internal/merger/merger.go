// Package merger implements the trade file merger (C11): it folds
// recovered trades back into a source trade file in sorted order, key
// deduped against what is already on disk, using the atomic
// temp-file-then-rename idiom the candle store also uses.
package merger

import (
	"bufio"
	"compress/gzip"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"candlestore/internal/fileio"
	"candlestore/internal/trade"
)

// Result reports what Merge actually inserted.
type Result struct {
	Inserted       int
	InsertedTrades []trade.Trade
	InsertedMinTs  int64
	InsertedMaxTs  int64
}

// ErrNonMonotonic reports invariant I1: trades in a file must be
// timestamp non-decreasing.
type ErrNonMonotonic struct {
	Line int
	Prev int64
	Got  int64
}

func (e *ErrNonMonotonic) Error() string {
	return fmt.Sprintf("merger: non-monotonic ts at line %d: %d < %d", e.Line, e.Got, e.Prev)
}

type existingTrade struct {
	ts  int64
	raw string
}

// Merge folds recovered into the trade file at path, deduping against
// trades already present and against each other, and rewrites the file
// atomically if (and only if) new trades survive. Invalid (non-trade)
// lines encountered in the source are preserved as a trailing block.
func Merge(path, exchange, symbol string, recovered []trade.Trade) (Result, error) {
	existing, invalidLines, keys, err := scan(path, exchange, symbol)
	if err != nil {
		return Result{}, err
	}

	filtered := dedupe(recovered, keys)
	if len(filtered) == 0 {
		return Result{}, nil
	}
	sort.SliceStable(filtered, func(i, j int) bool { return filtered[i].Ts < filtered[j].Ts })

	lines := mergeLines(existing, filtered)
	lines = append(lines, invalidLines...)

	if err := writeAtomic(path, lines); err != nil {
		return Result{}, err
	}

	res := Result{Inserted: len(filtered), InsertedTrades: filtered}
	res.InsertedMinTs = filtered[0].Ts
	res.InsertedMaxTs = filtered[0].Ts
	for _, t := range filtered {
		if t.Ts < res.InsertedMinTs {
			res.InsertedMinTs = t.Ts
		}
		if t.Ts > res.InsertedMaxTs {
			res.InsertedMaxTs = t.Ts
		}
	}
	return res, nil
}

// scan reads path once, building the existing-trade list (in file order),
// the set of keys already present, and the invalid lines to preserve as a
// trailing block. It also enforces invariant I1.
func scan(path, exchange, symbol string) ([]existingTrade, []string, map[string]struct{}, error) {
	ls, err := fileio.OpenLines(path)
	if err != nil {
		return nil, nil, nil, err
	}
	defer ls.Close()

	var existing []existingTrade
	var invalid []string
	keys := make(map[string]struct{})

	var lastTs int64
	haveLast := false
	line := 0
	for {
		text, ok := ls.Next()
		if !ok {
			break
		}
		line++

		t, perr := trade.ParseLine(text, exchange, symbol)
		if perr != nil {
			invalid = append(invalid, text)
			continue
		}
		if haveLast && t.Ts < lastTs {
			return nil, nil, nil, &ErrNonMonotonic{Line: line, Prev: lastTs, Got: t.Ts}
		}
		lastTs = t.Ts
		haveLast = true

		existing = append(existing, existingTrade{ts: t.Ts, raw: text})
		keys[key(t)] = struct{}{}
	}
	if err := ls.Err(); err != nil {
		return nil, nil, nil, fmt.Errorf("merger: scan %s: %w", path, err)
	}
	return existing, invalid, keys, nil
}

// dedupe drops recovered trades already present on disk or duplicated
// (by key) within recovered itself, keeping the first occurrence.
func dedupe(recovered []trade.Trade, existingKeys map[string]struct{}) []trade.Trade {
	seen := make(map[string]struct{}, len(recovered))
	out := make([]trade.Trade, 0, len(recovered))
	for _, t := range recovered {
		k := key(t)
		if _, dup := existingKeys[k]; dup {
			continue
		}
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, t)
	}
	return out
}

// key identifies a trade by (ts, price, size, sideBit) using the original
// text formatting so dedup never suffers float round-trip drift.
func key(t trade.Trade) string {
	return fmt.Sprintf("%d|%s|%s|%d", t.Ts, t.PriceText, t.SizeText, t.Side)
}

// mergeLines interleaves recovered trades into existing by ts, flushing
// every recovered trade strictly less than the next existing trade's ts
// before emitting that existing line — so ties at equal ts keep existing
// trades first, matching file order priority.
func mergeLines(existing []existingTrade, recovered []trade.Trade) []string {
	lines := make([]string, 0, len(existing)+len(recovered))
	j := 0
	for i := range existing {
		for j < len(recovered) && recovered[j].Ts < existing[i].ts {
			lines = append(lines, formatLine(recovered[j]))
			j++
		}
		lines = append(lines, existing[i].raw)
	}
	for ; j < len(recovered); j++ {
		lines = append(lines, formatLine(recovered[j]))
	}
	return lines
}

// formatLine renders a recovered trade in the on-disk line format,
// preserving its original price/size text when the adapter supplied one.
func formatLine(t trade.Trade) string {
	priceText := t.PriceText
	if priceText == "" {
		priceText = strconv.FormatFloat(t.Price, 'f', -1, 64)
	}
	sizeText := t.SizeText
	if sizeText == "" {
		sizeText = strconv.FormatFloat(t.Size, 'f', -1, 64)
	}
	liq := "0"
	if t.Liquidation {
		liq = "1"
	}
	return fmt.Sprintf("%d %s %s %d %s", t.Ts, priceText, sizeText, int(t.Side), liq)
}

// writeAtomic rewrites path's contents to lines via a temp file, matching
// the source's gzip-ness, then renames into place.
func writeAtomic(path string, lines []string) error {
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("merger: create temp: %w", err)
	}

	var w *bufio.Writer
	var gz *gzip.Writer
	if fileio.IsGzip(path) {
		gz = gzip.NewWriter(f)
		w = bufio.NewWriter(gz)
	} else {
		w = bufio.NewWriter(f)
	}

	if len(lines) > 0 {
		w.WriteString(strings.Join(lines, "\n"))
		w.WriteString("\n")
	}
	if err := w.Flush(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("merger: flush: %w", err)
	}
	if gz != nil {
		if err := gz.Close(); err != nil {
			f.Close()
			os.Remove(tmp)
			return fmt.Errorf("merger: gzip close: %w", err)
		}
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("merger: close temp: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("merger: rename: %w", err)
	}
	return nil
}
