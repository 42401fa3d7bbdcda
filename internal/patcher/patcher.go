// Package patcher implements the binary patcher (C12): after the merger
// rewrites a source file, it recomputes and overwrites the affected slot
// range in every derived candle binary for that market.
package patcher

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"candlestore/internal/candle"
	"candlestore/internal/catalog"
	"candlestore/internal/fileio"
	"candlestore/internal/market"
	"candlestore/internal/metrics"
	"candlestore/internal/registrycache"
	"candlestore/internal/trade"
)

// ErrAlignment reports a misaligned patch range against a companion's
// startTs. This is a programming-error precondition per the spec; it is
// returned rather than panicked so the orchestrator can abort just this
// group's patch phase, record it on the group's events, and move on to the
// next group.
var ErrAlignment = errors.New("patcher: fromSlot misaligned with companion.startTs")

// Patcher recomputes candle slots for a market after its source file
// changed.
type Patcher struct {
	store      *catalog.Store
	outputRoot string
	logger     *zap.Logger
	metrics    *metrics.Metrics
	cache      *registrycache.Mirror
}

// New creates a Patcher writing under the same outputRoot the processor
// uses. cache may be nil when the Redis mirror is disabled.
func New(store *catalog.Store, outputRoot string, logger *zap.Logger, m *metrics.Metrics, cache *registrycache.Mirror) *Patcher {
	return &Patcher{store: store, outputRoot: outputRoot, logger: logger, metrics: m, cache: cache}
}

// Patched describes one timeframe's patched slot range.
type Patched struct {
	Timeframe string
	FromSlot  int64
	ToSlot    int64
}

// PatchMarket enumerates every registered timeframe for mk, and for each
// one whose range overlaps [minTs, maxTs], replays sourcePath and
// overwrites the affected slots in place.
func (p *Patcher) PatchMarket(ctx context.Context, mk market.Key, sourcePath string, minTs, maxTs int64) ([]Patched, error) {
	regs, err := p.store.ListRegistryForMarket(ctx, mk.Collector, mk.Exchange, mk.Symbol)
	if err != nil {
		return nil, fmt.Errorf("patcher: list registry: %w", err)
	}

	outDir := filepath.Join(p.outputRoot, mk.Collector, mk.Exchange, mk.Symbol)
	var results []Patched

	for _, reg := range regs {
		tfMs := market.TimeframeMs(reg.Timeframe)
		if tfMs <= 0 {
			p.logger.Warn("skipping registry row with unknown timeframe token", zap.String("timeframe", reg.Timeframe))
			continue
		}

		binPath := filepath.Join(outDir, reg.Timeframe+".bin")
		companion, err := candle.LoadCompanion(binPath)
		if err != nil {
			p.logger.Warn("skipping timeframe, companion unreadable", zap.String("timeframe", reg.Timeframe), zap.Error(err))
			continue
		}
		if fi, err := os.Stat(binPath); err != nil || candle.ValidateLength(companion, fi.Size()) != nil {
			p.logger.Warn("skipping timeframe, stale companion vs binary length", zap.String("timeframe", reg.Timeframe))
			continue
		}

		fromSlot := companion.StartTs
		if floor := candle.FloorDiv(minTs, tfMs) * tfMs; floor > fromSlot {
			fromSlot = floor
		}
		toSlot := companion.EndTs - tfMs
		if floor := candle.FloorDiv(maxTs, tfMs) * tfMs; floor < toSlot {
			toSlot = floor
		}
		if fromSlot > toSlot {
			continue
		}
		if (fromSlot-companion.StartTs)%tfMs != 0 {
			return results, fmt.Errorf("%w: timeframe %s", ErrAlignment, reg.Timeframe)
		}

		buckets, err := replay(sourcePath, mk.Exchange, mk.Symbol, tfMs, fromSlot, toSlot)
		if err != nil {
			return results, fmt.Errorf("patcher: replay %s: %w", reg.Timeframe, err)
		}

		records := (toSlot-fromSlot)/tfMs + 1
		candles := make([]candle.Candle, records)
		for i := int64(0); i < records; i++ {
			slot := fromSlot + i*tfMs
			if b, ok := buckets[slot]; ok {
				candles[i] = *b
			}
		}

		f, err := candle.OpenReadWrite(binPath)
		if err != nil {
			return results, fmt.Errorf("patcher: open %s: %w", binPath, err)
		}
		startIdx := (fromSlot - companion.StartTs) / tfMs
		writeErr := candle.WriteAt(f, startIdx, candles)
		closeErr := f.Close()
		if writeErr != nil {
			return results, fmt.Errorf("patcher: write %s: %w", binPath, writeErr)
		}
		if closeErr != nil {
			return results, fmt.Errorf("patcher: close %s: %w", binPath, closeErr)
		}

		regRow := catalog.RegistryRow{
			Collector: mk.Collector, Exchange: mk.Exchange, Symbol: mk.Symbol,
			Timeframe: reg.Timeframe, StartTs: companion.StartTs, EndTs: companion.EndTs,
		}
		if err := p.store.UpsertRegistry(ctx, regRow); err != nil {
			return results, fmt.Errorf("patcher: upsert registry: %w", err)
		}
		if p.cache != nil {
			if err := p.cache.Upsert(ctx, regRow); err != nil {
				p.logger.Warn("registry cache mirror failed", zap.Error(err))
			}
		}

		if p.metrics != nil {
			p.metrics.CandlesPatched.WithLabelValues(mk.Exchange, mk.Symbol, reg.Timeframe).Add(float64(records))
		}
		results = append(results, Patched{Timeframe: reg.Timeframe, FromSlot: fromSlot, ToSlot: toSlot})
	}
	return results, nil
}

// replay folds every trade in sourcePath whose slot falls within
// [fromSlot, toSlot] into a bucket map, using the same per-slot semantics
// as the candle accumulator (C3).
func replay(sourcePath, exchange, symbol string, tfMs, fromSlot, toSlot int64) (map[int64]*candle.Candle, error) {
	ls, err := fileio.OpenLines(sourcePath)
	if err != nil {
		return nil, err
	}
	defer ls.Close()

	acc := candle.NewAccumulator(tfMs)
	for {
		line, ok := ls.Next()
		if !ok {
			break
		}
		t, perr := trade.ParseLine(line, exchange, symbol)
		if perr != nil {
			continue
		}
		slot := candle.FloorDiv(t.Ts, tfMs) * tfMs
		if slot < fromSlot || slot > toSlot {
			continue
		}
		if err := acc.AddTrade(t); err != nil {
			return nil, err
		}
	}
	if err := ls.Err(); err != nil {
		return nil, fmt.Errorf("scan %s: %w", sourcePath, err)
	}
	return acc.Buckets, nil
}
