// Package resample implements the resampler (C14): it materialises a
// target timeframe on demand by folding an already-built, finer-grained
// timeframe's candles, reusing the C6 binary codec for both read and
// write.
package resample

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"candlestore/internal/candle"
	"candlestore/internal/catalog"
	"candlestore/internal/market"
	"candlestore/internal/metrics"
	"candlestore/internal/registrycache"
)

// ErrNoCompatibleSource reports that no registered timeframe for the
// market evenly divides the requested target timeframe.
var ErrNoCompatibleSource = errors.New("resample: no compatible source timeframe registered")

// Resampler materialises missing timeframes from whichever finer
// timeframe is already on disk for a market.
type Resampler struct {
	store      *catalog.Store
	outputRoot string
	logger     *zap.Logger
	metrics    *metrics.Metrics
	cache      *registrycache.Mirror
}

// New creates a Resampler. cache may be nil when the Redis mirror is
// disabled.
func New(store *catalog.Store, outputRoot string, logger *zap.Logger, m *metrics.Metrics, cache *registrycache.Mirror) *Resampler {
	return &Resampler{store: store, outputRoot: outputRoot, logger: logger, metrics: m, cache: cache}
}

// Materialize ensures target exists (building it if absent, or extending
// it with newly available source coverage if present) and returns its
// companion.
func (r *Resampler) Materialize(ctx context.Context, mk market.Key, target string) (candle.Companion, error) {
	targetMs := market.TimeframeMs(target)
	if targetMs <= 0 {
		return candle.Companion{}, fmt.Errorf("resample: unknown timeframe token %q", target)
	}

	regs, err := r.store.ListRegistryForMarket(ctx, mk.Collector, mk.Exchange, mk.Symbol)
	if err != nil {
		return candle.Companion{}, fmt.Errorf("resample: list registry: %w", err)
	}

	source, sourceMs, err := chooseSource(regs, target, targetMs)
	if err != nil {
		return candle.Companion{}, err
	}

	outDir := filepath.Join(r.outputRoot, mk.Collector, mk.Exchange, mk.Symbol)
	sourceBinPath := filepath.Join(outDir, source.Timeframe+".bin")
	sourceCompanion, err := candle.LoadCompanion(sourceBinPath)
	if err != nil {
		return candle.Companion{}, fmt.Errorf("resample: load source companion: %w", err)
	}

	targetBinPath := filepath.Join(outDir, target+".bin")
	targetCompanion, hasTarget := tryLoadCompanion(targetBinPath)

	rangeStart := candle.FloorDiv(sourceCompanion.StartTs, targetMs) * targetMs
	if hasTarget {
		rangeStart = targetCompanion.EndTs
	}
	rangeEnd := candle.FloorDiv(sourceCompanion.EndTs, targetMs) * targetMs
	if rangeEnd <= rangeStart {
		if hasTarget {
			return targetCompanion, nil
		}
		return candle.Companion{}, fmt.Errorf("resample: source %s has no complete target slot yet", source.Timeframe)
	}

	candles := make([]candle.Candle, 0, (rangeEnd-rangeStart)/targetMs)
	for slotStart := rangeStart; slotStart < rangeEnd; slotStart += targetMs {
		bucket, err := fold(sourceBinPath, sourceCompanion, sourceMs, slotStart, slotStart+targetMs)
		if err != nil {
			return candle.Companion{}, err
		}
		candles = append(candles, bucket)
	}

	var out candle.Companion
	if hasTarget {
		out, err = appendCandles(targetBinPath, targetCompanion, candles, rangeEnd)
	} else {
		out, err = writeFresh(outDir, mk.Exchange, mk.Symbol, target, targetMs, rangeStart, rangeEnd, candles)
	}
	if err != nil {
		return candle.Companion{}, err
	}

	regRow := catalog.RegistryRow{
		Collector: mk.Collector, Exchange: mk.Exchange, Symbol: mk.Symbol,
		Timeframe: target, StartTs: out.StartTs, EndTs: out.EndTs,
	}
	if err := r.store.UpsertRegistry(ctx, regRow); err != nil {
		return candle.Companion{}, fmt.Errorf("resample: upsert registry: %w", err)
	}
	if r.cache != nil {
		if err := r.cache.Upsert(ctx, regRow); err != nil {
			r.logger.Warn("registry cache mirror failed", zap.Error(err))
		}
	}
	if r.metrics != nil {
		r.metrics.CandlesWritten.WithLabelValues(mk.Exchange, mk.Symbol, target).Add(float64(len(candles)))
	}
	return out, nil
}

// chooseSource picks the best source timeframe for target per the
// freshest-compatible-then-coarsest rule, falling back to the finest
// compatible timeframe when none are fresh.
func chooseSource(regs []catalog.RegistryRow, target string, targetMs int64) (catalog.RegistryRow, int64, error) {
	var finest *catalog.RegistryRow
	var finestMs int64
	for i := range regs {
		if regs[i].Timeframe == target {
			continue
		}
		ms := market.TimeframeMs(regs[i].Timeframe)
		if ms <= 0 {
			continue
		}
		if finest == nil || ms < finestMs {
			finest = &regs[i]
			finestMs = ms
		}
	}
	if finest == nil {
		return catalog.RegistryRow{}, 0, ErrNoCompatibleSource
	}

	type candidate struct {
		row catalog.RegistryRow
		ms  int64
	}
	var compatible []candidate
	for i := range regs {
		if regs[i].Timeframe == target {
			continue
		}
		ms := market.TimeframeMs(regs[i].Timeframe)
		if ms <= 0 || ms > targetMs || targetMs%ms != 0 {
			continue
		}
		compatible = append(compatible, candidate{regs[i], ms})
	}
	if len(compatible) == 0 {
		return catalog.RegistryRow{}, 0, ErrNoCompatibleSource
	}

	var best *candidate
	for i := range compatible {
		c := &compatible[i]
		alignedEnd := candle.FloorDiv(finest.EndTs, c.ms) * c.ms
		if c.row.EndTs != alignedEnd {
			continue
		}
		if best == nil || c.ms > best.ms {
			best = c
		}
	}
	if best != nil {
		return best.row, best.ms, nil
	}

	// No fresh candidate: fall back to the finest compatible timeframe.
	best = &compatible[0]
	for i := range compatible {
		if compatible[i].ms < best.ms {
			best = &compatible[i]
		}
	}
	return best.row, best.ms, nil
}

// fold reads every source slot in [fromTs, toTs) and combines them into
// one target bucket: first non-gap open, running high/low, last non-gap
// close, summed volume/count/liquidation fields. A source slot contributes
// nothing to OHLC extremes when it carried no trades.
func fold(sourceBinPath string, sourceCompanion candle.Companion, sourceMs, fromTs, toTs int64) (candle.Candle, error) {
	firstIdx := (fromTs - sourceCompanion.StartTs) / sourceMs
	lastIdx := (toTs-sourceMs-sourceCompanion.StartTs)/sourceMs
	if firstIdx < 0 {
		firstIdx = 0
	}
	if lastIdx >= sourceCompanion.Records {
		lastIdx = sourceCompanion.Records - 1
	}
	if lastIdx < firstIdx {
		return candle.Candle{}, nil
	}

	slots, err := candle.ReadRange(sourceBinPath, firstIdx, lastIdx)
	if err != nil {
		return candle.Candle{}, fmt.Errorf("resample: read source range: %w", err)
	}

	var out candle.Candle
	haveOpen := false
	for _, s := range slots {
		if s.IsGap() {
			out.BuyVol += s.BuyVol
			out.SellVol += s.SellVol
			out.BuyCount += s.BuyCount
			out.SellCount += s.SellCount
			out.LiqBuy += s.LiqBuy
			out.LiqSell += s.LiqSell
			continue
		}
		if !haveOpen {
			out.Open = s.Open
			out.High = s.High
			out.Low = s.Low
			haveOpen = true
		} else {
			if s.High > out.High {
				out.High = s.High
			}
			if s.Low < out.Low {
				out.Low = s.Low
			}
		}
		out.Close = s.Close
		out.BuyVol += s.BuyVol
		out.SellVol += s.SellVol
		out.BuyCount += s.BuyCount
		out.SellCount += s.SellCount
		out.LiqBuy += s.LiqBuy
		out.LiqSell += s.LiqSell
	}
	return out, nil
}

func tryLoadCompanion(binPath string) (candle.Companion, bool) {
	c, err := candle.LoadCompanion(binPath)
	if err != nil {
		return candle.Companion{}, false
	}
	if _, err := os.Stat(binPath); err != nil {
		return candle.Companion{}, false
	}
	return c, true
}

func writeFresh(outDir, exchange, symbol, timeframe string, tfMs, startTs, endTs int64, candles []candle.Candle) (candle.Companion, error) {
	w, err := candle.NewWriter(outDir, exchange, symbol, timeframe, tfMs, startTs, endTs)
	if err != nil {
		return candle.Companion{}, err
	}
	for _, c := range candles {
		if err := w.WriteCandle(c); err != nil {
			w.Abort()
			return candle.Companion{}, err
		}
	}
	return w.Commit()
}

func appendCandles(binPath string, existing candle.Companion, candles []candle.Candle, newEndTs int64) (candle.Companion, error) {
	f, err := candle.OpenReadWrite(binPath)
	if err != nil {
		return candle.Companion{}, err
	}
	writeErr := candle.WriteAt(f, existing.Records, candles)
	closeErr := f.Close()
	if writeErr != nil {
		return candle.Companion{}, fmt.Errorf("resample: append: %w", writeErr)
	}
	if closeErr != nil {
		return candle.Companion{}, closeErr
	}

	existing.Records += int64(len(candles))
	existing.EndTs = newEndTs
	if err := candle.SaveCompanion(binPath, existing); err != nil {
		return candle.Companion{}, err
	}
	return existing, nil
}
