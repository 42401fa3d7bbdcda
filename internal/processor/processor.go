// Package processor implements the per-market ingestion pipeline (C7):
// it enumerates a market's source files, drives the trade codec, candle
// accumulator, gap tracker and event accumulator over every line, and
// commits a dense candle binary plus companion and registry row.
//
// Grounded on cmd/main.go's initialize/start construct-then-log sequencing
// and on the teacher's practice of injecting a *zap.Logger rather than
// reaching for a package global.
package processor

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"candlestore/internal/candle"
	"candlestore/internal/catalog"
	"candlestore/internal/eventacc"
	"candlestore/internal/fileio"
	"candlestore/internal/gaptrack"
	"candlestore/internal/market"
	"candlestore/internal/metrics"
	"candlestore/internal/registrycache"
	"candlestore/internal/trade"
)

// Processor drives C2-C6 for one market at a time.
type Processor struct {
	store      *catalog.Store
	outputRoot string
	logger     *zap.Logger
	metrics    *metrics.Metrics
	cache      *registrycache.Mirror
}

// New creates a Processor writing candle binaries under outputRoot. cache
// may be nil when the Redis mirror is disabled.
func New(store *catalog.Store, outputRoot string, logger *zap.Logger, m *metrics.Metrics, cache *registrycache.Mirror) *Processor {
	return &Processor{store: store, outputRoot: outputRoot, logger: logger, metrics: m, cache: cache}
}

// Result summarizes one ProcessMarket run, for callers/tests that want to
// assert on outcome without re-reading the companion.
type Result struct {
	FilesProcessed int
	FilesSkipped   int
	TradesFolded   int64
	BucketsWritten int64
	Companion      candle.Companion
	Wrote          bool
}

// ProcessMarket runs the full C2->C6 pipeline for one market/timeframe.
// force=true ignores any existing companion and resume cutoffs, reprocessing
// every file from scratch.
func (p *Processor) ProcessMarket(ctx context.Context, mk market.Key, timeframe string, force bool) (Result, error) {
	start := time.Now()
	logger := p.logger.With(
		zap.String("collector", mk.Collector), zap.String("exchange", mk.Exchange),
		zap.String("symbol", mk.Symbol), zap.String("timeframe", timeframe),
	)

	tfMs := market.TimeframeMs(timeframe)
	if tfMs <= 0 {
		return Result{}, fmt.Errorf("processor: unknown timeframe %q", timeframe)
	}

	files, err := p.store.ListFilesForMarket(ctx, mk.Collector, mk.Exchange, mk.Symbol)
	if err != nil {
		return Result{}, fmt.Errorf("processor: list files: %w", err)
	}
	if len(files) == 0 {
		logger.Info("no source files for market")
		return Result{}, nil
	}

	outDir := filepath.Join(p.outputRoot, mk.Collector, mk.Exchange, mk.Symbol)
	binPath := filepath.Join(outDir, timeframe+".bin")

	var existing candle.Companion
	hasExisting := false
	if !force {
		if c, err := candle.LoadCompanion(binPath); err == nil {
			existing = c
			hasExisting = true
		}
	}

	tracker := p.loadTracker(outDir, timeframe, tfMs, hasExisting, force)
	acc := candle.NewAccumulator(tfMs)

	res := Result{}
	for _, f := range files {
		if hasExisting && !force && f.StartTs < existing.LastInputStartTs {
			res.FilesSkipped++
			continue
		}

		folded, err := p.processFile(ctx, mk, f, tfMs, acc, tracker, hasExisting, force, existing.EndTs)
		if err != nil {
			logger.Error("market skipped after file error", zap.String("file", f.RelativePath), zap.Error(err))
			return res, fmt.Errorf("processor: file %s: %w", f.RelativePath, err)
		}
		res.FilesProcessed++
		res.TradesFolded += folded
		if f.StartTs > existing.LastInputStartTs {
			existing.LastInputStartTs = f.StartTs
		}
	}

	p.saveTracker(outDir, timeframe, tracker)

	if acc.BucketCount == 0 {
		logger.Info("no new trades folded, binary left untouched",
			zap.Int("filesProcessed", res.FilesProcessed), zap.Int("filesSkipped", res.FilesSkipped))
		if p.metrics != nil {
			p.metrics.ProcessLatency.WithLabelValues(mk.Exchange).Observe(time.Since(start).Seconds())
		}
		return res, nil
	}

	companion, err := p.commit(outDir, binPath, mk, timeframe, tfMs, acc, existing, hasExisting)
	if err != nil {
		return res, fmt.Errorf("processor: commit: %w", err)
	}
	res.Companion = companion
	res.BucketsWritten = companion.Records
	res.Wrote = true

	regRow := catalog.RegistryRow{
		Collector: mk.Collector, Exchange: mk.Exchange, Symbol: mk.Symbol,
		Timeframe: timeframe, StartTs: companion.StartTs, EndTs: companion.EndTs,
	}
	if err := p.store.UpsertRegistry(ctx, regRow); err != nil {
		return res, fmt.Errorf("processor: upsert registry: %w", err)
	}
	if p.cache != nil {
		if err := p.cache.Upsert(ctx, regRow); err != nil {
			logger.Warn("registry cache mirror failed", zap.Error(err))
		}
	}

	if p.metrics != nil {
		p.metrics.CandlesWritten.WithLabelValues(mk.Exchange, mk.Symbol, timeframe).Add(float64(acc.BucketCount))
		p.metrics.ProcessLatency.WithLabelValues(mk.Exchange).Observe(time.Since(start).Seconds())
	}
	logger.Info("market processed",
		zap.Int("filesProcessed", res.FilesProcessed), zap.Int("filesSkipped", res.FilesSkipped),
		zap.Int64("tradesFolded", res.TradesFolded), zap.Int64("records", companion.Records))
	return res, nil
}

// processFile streams one file through C2->C5, flushing its coalesced
// events atomically at file end, and returns the number of trades folded.
func (p *Processor) processFile(ctx context.Context, mk market.Key, f catalog.FileRow, tfMs int64,
	acc *candle.Accumulator, tracker *gaptrack.Tracker, hasExisting, force bool, existingEndTs int64) (int64, error) {

	rootPath, err := p.store.GetRootPath(f.RootID)
	if err != nil {
		return 0, err
	}
	path := filepath.Join(rootPath, f.RelativePath)

	ls, err := fileio.OpenLines(path)
	if err != nil {
		return 0, err
	}
	defer ls.Close()

	var events []catalog.EventRow
	eacc := eventacc.New(func(r eventacc.Range) {
		events = append(events, catalog.EventRow{
			RootID: f.RootID, RelativePath: f.RelativePath,
			Collector: mk.Collector, Exchange: mk.Exchange, Symbol: mk.Symbol,
			EventType: string(r.Kind), StartLine: int64(r.StartLine), EndLine: int64(r.EndLine),
			GapMs: r.GapMs, GapMiss: r.GapMiss, GapEndTs: r.GapEndTs,
		})
	})

	var folded int64
	lineNum := 0
	for {
		line, ok := ls.Next()
		if !ok {
			break
		}
		lineNum++

		t, err := trade.ParseLine(line, mk.Exchange, mk.Symbol)
		if err != nil {
			kind := classifyReject(err)
			eacc.Observe(kind, lineNum, nil)
			if p.metrics != nil {
				p.metrics.ParseRejects.WithLabelValues(mk.Exchange, mk.Symbol, string(kind)).Inc()
			}
			continue
		}

		if hasExisting && !force && t.Ts < existingEndTs {
			continue
		}

		if err := acc.AddTrade(t); err != nil {
			return folded, fmt.Errorf("line %d: %w", lineNum, err)
		}
		folded++

		if !t.Liquidation {
			if gapEvent := tracker.Observe(t.Ts); gapEvent != nil {
				eacc.Observe(eventacc.KindGap, lineNum, gapEvent)
				if p.metrics != nil {
					p.metrics.GapsDetected.WithLabelValues(mk.Exchange, mk.Symbol).Inc()
					p.metrics.GapSizes.WithLabelValues(mk.Exchange, mk.Symbol).Observe(float64(gapEvent.GapMs))
				}
			}
		}
	}
	if err := ls.Err(); err != nil {
		return folded, fmt.Errorf("scan: %w", err)
	}
	eacc.Finish()

	if len(events) > 0 {
		if err := p.store.InsertEventsTx(ctx, events); err != nil {
			return folded, fmt.Errorf("persist events: %w", err)
		}
	}
	return folded, nil
}

// commit computes the resume range, merges in any surviving slots from the
// prior binary, and atomically rewrites binary + companion.
func (p *Processor) commit(outDir, binPath string, mk market.Key, timeframe string, tfMs int64,
	acc *candle.Accumulator, existing candle.Companion, hasExisting bool) (candle.Companion, error) {

	startBase := acc.MinSlot
	endBase := acc.MaxSlot + tfMs
	if hasExisting {
		if existing.StartTs < startBase {
			startBase = existing.StartTs
		}
		if existing.EndTs > endBase {
			endBase = existing.EndTs
		}
	}

	var oldBuckets map[int64]candle.Candle
	if hasExisting && existing.Records > 0 {
		old, err := candle.ReadRange(binPath, 0, existing.Records-1)
		if err != nil {
			return candle.Companion{}, fmt.Errorf("read prior binary: %w", err)
		}
		oldBuckets = make(map[int64]candle.Candle, len(old))
		for i, c := range old {
			oldBuckets[existing.StartTs+int64(i)*tfMs] = c
		}
	}

	w, err := candle.NewWriter(outDir, mk.Exchange, mk.Symbol, timeframe, tfMs, startBase, endBase)
	if err != nil {
		return candle.Companion{}, err
	}

	records := (endBase - startBase) / tfMs
	for i := int64(0); i < records; i++ {
		slot := startBase + i*tfMs
		var c candle.Candle
		if bucket, ok := acc.Buckets[slot]; ok {
			c = *bucket
		} else if old, ok := oldBuckets[slot]; ok {
			c = old
		}
		if err := w.WriteCandle(c); err != nil {
			w.Abort()
			return candle.Companion{}, err
		}
	}
	w.SetLastInputStartTs(existing.LastInputStartTs)
	return w.Commit()
}

func classifyReject(err error) eventacc.Kind {
	pe, ok := err.(*trade.ParseError)
	if !ok {
		return eventacc.KindNonFinite
	}
	switch pe.Reason {
	case trade.RejectPartsShort:
		return eventacc.KindPartsShort
	case trade.RejectInvalidTsRange:
		return eventacc.KindInvalidTsRange
	case trade.RejectNotionalTooLarge:
		return eventacc.KindNotionalTooLarge
	default:
		return eventacc.KindNonFinite
	}
}
