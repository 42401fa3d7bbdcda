// Package orchestrator implements the gap-fix orchestrator (C13): it
// drives the event queue through window extraction, adapter recovery,
// merge, and patch, updating each event's lifecycle status in place.
package orchestrator

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"

	"candlestore/internal/adapters"
	"candlestore/internal/catalog"
	"candlestore/internal/gapwindow"
	"candlestore/internal/market"
	"candlestore/internal/merger"
	"candlestore/internal/metrics"
	"candlestore/internal/patcher"
	"candlestore/internal/trade"
)

// Filters narrows which event rows a run selects.
type Filters struct {
	Collector string
	Exchange  string
	Symbol    string
	ID        int64
}

// Stats summarizes one Run.
type Stats struct {
	SelectedEvents  int
	ProcessedFiles  int
	RecoveredTrades int
	FixedEvents     int
	DeletedEvents   int
	MissingAdapter  int
	AdapterError    int
	BinariesPatched int
}

// Orchestrator wires the catalog, recovery adapters, merger, and patcher
// into the C13 state machine.
type Orchestrator struct {
	store    *catalog.Store
	registry *adapters.Registry
	patcher  *patcher.Patcher
	logger   *zap.Logger
	metrics  *metrics.Metrics
}

func New(store *catalog.Store, registry *adapters.Registry, p *patcher.Patcher, logger *zap.Logger, m *metrics.Metrics) *Orchestrator {
	return &Orchestrator{store: store, registry: registry, patcher: p, logger: logger, metrics: m}
}

// group is one (root_id, relative_path)'s consecutive event rows.
type group struct {
	rootID       int64
	relativePath string
	collector    string
	exchange     string
	symbol       string
	events       []catalog.EventRow
}

// Run selects event rows matching f and any of retryStatuses (a nil/empty
// list selects only unattempted rows, gap_fix_status = StatusNone), then
// drives each file group through the C13 state machine. dryRun stops each
// group after adapter recovery and logs the recovered count: the source
// file and candle binaries are left untouched and no event is marked
// fixed, but missing_adapter and adapter_error statuses reached before
// that point are still written to the catalog.
func (o *Orchestrator) Run(ctx context.Context, f Filters, retryStatuses []catalog.GapFixStatus, dryRun bool) (Stats, error) {
	statuses := retryStatuses
	if len(statuses) == 0 {
		statuses = []catalog.GapFixStatus{catalog.StatusNone}
	}
	events, err := o.store.ListGapEvents(ctx, catalog.EventFilter{
		Collector: f.Collector, Exchange: f.Exchange, Symbol: f.Symbol, ID: f.ID,
		Statuses: statuses,
	})
	if err != nil {
		return Stats{}, fmt.Errorf("orchestrator: list events: %w", err)
	}

	var stats Stats
	stats.SelectedEvents = len(events)

	for _, g := range groupEvents(events) {
		o.processGroup(ctx, g, dryRun, &stats)
	}
	return stats, nil
}

// groupEvents splits events (already ordered by root_id, relative_path,
// start_line, id) into consecutive same-file runs.
func groupEvents(events []catalog.EventRow) []group {
	var groups []group
	for _, ev := range events {
		if n := len(groups); n > 0 {
			last := &groups[n-1]
			if last.rootID == ev.RootID && last.relativePath == ev.RelativePath {
				last.events = append(last.events, ev)
				continue
			}
		}
		groups = append(groups, group{
			rootID: ev.RootID, relativePath: ev.RelativePath,
			collector: ev.Collector, exchange: ev.Exchange, symbol: ev.Symbol,
			events: []catalog.EventRow{ev},
		})
	}
	return groups
}

func (o *Orchestrator) processGroup(ctx context.Context, g group, dryRun bool, stats *Stats) {
	logger := o.logger.With(
		zap.String("exchange", g.exchange), zap.String("symbol", g.symbol),
		zap.String("file", g.relativePath),
	)

	rootPath, err := o.store.GetRootPath(g.rootID)
	if err != nil {
		// The root itself is gone; these rows have nothing left to fix
		// against and are not worth retrying.
		logger.Warn("skipping group, root path unresolvable", zap.Error(err))
		stats.DeletedEvents += len(g.events)
		return
	}
	path := filepath.Join(rootPath, g.relativePath)

	adapter, ok := o.registry.Lookup(strings.ToUpper(g.exchange))
	if !ok {
		o.markAll(ctx, g.events, catalog.StatusMissingAdapter, "no adapter registered for exchange", 0)
		stats.MissingAdapter += len(g.events)
		return
	}

	gw, err := gapwindow.Extract(path, g.exchange, g.symbol, g.events)
	if err != nil {
		o.markAll(ctx, g.events, catalog.StatusAdapterError, err.Error(), 0)
		stats.AdapterError += len(g.events)
		return
	}

	for _, id := range gw.Unresolved {
		o.mark(ctx, id, catalog.StatusAdapterError, "Unable to resolve event lines", 0)
		stats.AdapterError++
	}
	if len(gw.Windows) == 0 {
		return
	}

	awindows := make([]adapters.Window, len(gw.Windows))
	for i, w := range gw.Windows {
		awindows[i] = adapters.Window{FromTs: w.FromTs, ToTs: w.ToTs}
	}

	recovered, err := adapter.Recover(ctx, g.symbol, awindows)
	if err != nil {
		o.markWindowed(ctx, gw.Windows, catalog.StatusAdapterError, err.Error())
		stats.AdapterError += len(gw.Windows)
		return
	}

	if dryRun {
		logger.Info("dry run: would recover trades", zap.Int("recovered", len(recovered)))
		stats.RecoveredTrades += len(recovered)
		return
	}

	mergeResult, err := merger.Merge(path, g.exchange, g.symbol, recovered)
	if err != nil {
		o.markWindowed(ctx, gw.Windows, catalog.StatusAdapterError, err.Error())
		stats.AdapterError += len(gw.Windows)
		return
	}

	mk := market.Normalize(g.collector, g.exchange, g.symbol)
	patched, err := o.patcher.PatchMarket(ctx, mk, path, mergeResult.InsertedMinTs, mergeResult.InsertedMaxTs)
	if err != nil {
		o.markWindowed(ctx, gw.Windows, catalog.StatusAdapterError, err.Error())
		stats.AdapterError += len(gw.Windows)
		return
	}

	for _, w := range gw.Windows {
		recoveredCount, note := summarizeWindow(mergeResult.InsertedTrades, w)
		o.mark(ctx, w.EventID, catalog.StatusFixed, note, int64(recoveredCount))
		stats.FixedEvents++
	}

	stats.ProcessedFiles++
	stats.RecoveredTrades += mergeResult.Inserted
	stats.BinariesPatched += len(patched)
	logger.Info("group fixed",
		zap.Int("recovered", mergeResult.Inserted),
		zap.Int("binaries_patched", len(patched)),
	)
}

// summarizeWindow counts trades (sorted by ts) with fromTs < ts < toTs and
// folds any adapter-attached quality warning among them into a single
// event note; StatusFixed events are otherwise left with an empty note.
func summarizeWindow(trades []trade.Trade, w gapwindow.Window) (int, string) {
	lo := sort.Search(len(trades), func(i int) bool { return trades[i].Ts > w.FromTs })
	count := 0
	note := ""
	for i := lo; i < len(trades) && trades[i].Ts < w.ToTs; i++ {
		count++
		if trades[i].Warning != "" {
			note = trades[i].Warning
		}
	}
	return count, note
}

func (o *Orchestrator) mark(ctx context.Context, id int64, status catalog.GapFixStatus, errText string, recovered int64) {
	if err := o.store.UpdateEventFixStatus(ctx, id, status, errText, recovered); err != nil {
		o.logger.Warn("failed to update event status", zap.Int64("event_id", id), zap.Error(err))
	}
	if o.metrics != nil {
		o.metrics.GapFixOutcomes.WithLabelValues(string(status)).Inc()
	}
}

func (o *Orchestrator) markAll(ctx context.Context, events []catalog.EventRow, status catalog.GapFixStatus, errText string, recovered int64) {
	for _, ev := range events {
		o.mark(ctx, ev.ID, status, errText, recovered)
	}
}

// markWindowed marks only the events the extractor actually resolved a
// window for; unresolved ones were already marked AdapterError above.
func (o *Orchestrator) markWindowed(ctx context.Context, windows []gapwindow.Window, status catalog.GapFixStatus, errText string) {
	for _, w := range windows {
		o.mark(ctx, w.EventID, status, errText, 0)
	}
}
