// Command candled is the batch entry point for the candle store pipeline:
// it scans an archive into the catalog, runs the per-market processor,
// drives the gap-fix orchestrator, and materialises resampled timeframes,
// one action per invocation.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"

	"candlestore/internal/adapters"
	"candlestore/internal/catalog"
	"candlestore/internal/config"
	"candlestore/internal/indexer"
	"candlestore/internal/market"
	"candlestore/internal/metrics"
	"candlestore/internal/orchestrator"
	"candlestore/internal/patcher"
	"candlestore/internal/processor"
	"candlestore/internal/ratelimit"
	"candlestore/internal/registrycache"
	"candlestore/internal/resample"
	"candlestore/internal/zaplog"
)

// Daemon holds every long-lived component, constructed once in initialize
// and driven by whichever action was requested on the command line.
type Daemon struct {
	cfg     *config.Config
	logger  *zap.Logger
	metrics *metrics.Metrics
	store   *catalog.Store
	cache   *registrycache.Mirror

	proc  *processor.Processor
	patch *patcher.Patcher
	orch  *orchestrator.Orchestrator
	rsmp  *resample.Resampler

	ctx    context.Context
	cancel context.CancelFunc
}

func main() {
	configPath := flag.String("config", "config.yaml", "path to pipeline config")
	action := flag.String("action", "", "process | fixgaps | resample | scan")
	collector := flag.String("collector", "", "filter: collector")
	exchange := flag.String("exchange", "", "filter: exchange")
	symbol := flag.String("symbol", "", "filter: symbol")
	timeframe := flag.String("timeframe", "", "timeframe token, e.g. 1m, 1h")
	force := flag.Bool("force", false, "reprocess ignoring any existing binary/resume state")
	dryRun := flag.Bool("dry-run", false, "fixgaps: recover and log without writing")
	retry := flag.String("retry", "", "fixgaps: comma-separated statuses to retry (missing_adapter,adapter_error)")
	eventID := flag.Int64("event-id", 0, "fixgaps: restrict to one event id")
	scanRoot := flag.String("root", "", "scan: archive directory to index")
	flag.Parse()

	d := &Daemon{}
	if err := d.initialize(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "candled: failed to initialize: %v\n", err)
		os.Exit(1)
	}
	defer d.shutdown()

	var err error
	switch *action {
	case "scan":
		err = d.runScan(*scanRoot)
	case "process":
		err = d.runProcess(*collector, *exchange, *symbol, *timeframe, *force)
	case "fixgaps":
		err = d.runFixGaps(*collector, *exchange, *symbol, *eventID, *retry, *dryRun)
	case "resample":
		err = d.runResample(*collector, *exchange, *symbol, *timeframe)
	default:
		fmt.Fprintln(os.Stderr, "candled: -action must be one of scan, process, fixgaps, resample")
		os.Exit(2)
	}
	if err != nil {
		d.logger.Error("action failed", zap.String("action", *action), zap.Error(err))
		os.Exit(1)
	}
}

// initialize loads configuration and wires every shared component. Actions
// below assume initialize succeeded.
func (d *Daemon) initialize(configPath string) error {
	d.ctx, d.cancel = context.WithCancel(context.Background())

	logger, err := zaplog.New(zaplog.FlagsFromEnv())
	if err != nil {
		return fmt.Errorf("setup logger: %w", err)
	}
	d.logger = logger

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	d.cfg = cfg

	d.metrics = metrics.New()
	d.metrics.Serve(":9090")

	store, err := catalog.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open catalog: %w", err)
	}
	d.store = store

	if cfg.Redis.Enabled {
		cache, err := registrycache.New(cfg.RedisAddress(), cfg.Redis.Password, cfg.Redis.DB, logger)
		if err != nil {
			logger.Warn("registry cache mirror disabled, connect failed", zap.Error(err))
		} else {
			d.cache = cache
		}
	}

	d.proc = processor.New(d.store, cfg.OutputRoot, logger, d.metrics, d.cache)
	d.patch = patcher.New(d.store, cfg.OutputRoot, logger, d.metrics, d.cache)
	d.rsmp = resample.New(d.store, cfg.OutputRoot, logger, d.metrics, d.cache)

	registry := buildAdapterRegistry(cfg, logger, d.metrics)
	d.orch = orchestrator.New(d.store, registry, d.patch, logger, d.metrics)

	logger.Info("candled initialized", zap.String("db", cfg.DBPath), zap.String("output_root", cfg.OutputRoot))
	return nil
}

// buildAdapterRegistry constructs every recovery adapter behind one shared
// rate-limit scheduler, keyed by the host each adapter actually dispatches
// requests against.
func buildAdapterRegistry(cfg *config.Config, logger *zap.Logger, m *metrics.Metrics) *adapters.Registry {
	sched := ratelimit.NewScheduler(nil, logger, m)
	reg := adapters.NewRegistry()

	host := func(h string) config.Host {
		if p, ok := cfg.RateLimits[h]; ok {
			return p
		}
		return config.DefaultHost()
	}
	base := func(key, fallback string) string {
		if v, ok := cfg.Adapters[key]; ok && v != "" {
			return v
		}
		return fallback
	}

	reg.Register("BINANCE", adapters.NewBinanceSpot(base("binance_spot", "https://data.binance.vision"), sched, host("data.binance.vision")))
	reg.Register("BINANCE_FUTURES", adapters.NewBinanceFutures(base("binance_futures", "https://data.binance.vision"), sched, host("data.binance.vision")))
	reg.Register("COINBASE", adapters.NewCoinbaseAdapter(
		base("coinbase_brokerage", "https://api.coinbase.com"),
		base("coinbase_exchange", "https://api.exchange.coinbase.com"),
		sched, host("api.exchange.coinbase.com")))
	reg.Register("BITFINEX", adapters.NewBitfinexAdapter(base("bitfinex", "https://api-pub.bitfinex.com"), sched, host("api-pub.bitfinex.com")))
	reg.Register("OKX", adapters.NewOKXAdapter(base("okx", "https://static.okx.com"), 1, "linear", sched, host("static.okx.com")))
	reg.Register("BITMEX", adapters.NewBitmexAdapter(base("bitmex", "https://s3-eu-west-1.amazonaws.com/public.bitmex.com"), sched, host("s3-eu-west-1.amazonaws.com")))
	reg.Register("HUOBI", adapters.NewHuobiSpot(base("huobi_spot", "https://futures.huobi.com"), sched, host("futures.huobi.com")))
	reg.Register("HUOBI_SWAP", adapters.NewHuobiLinearSwap(base("huobi_swap", "https://futures.huobi.com"), sched, host("futures.huobi.com")))
	reg.Register("KUCOIN", adapters.NewKucoinAdapter(base("kucoin", "https://historical-data.kucoin.com"), sched, host("historical-data.kucoin.com")))
	reg.Register("KRAKEN", adapters.NewKrakenAdapter(
		base("kraken_manifest", "https://drive.google.com/drive/folders/1VK8qPY6j6yAXqKHYCX5RFzSLQzNyAOcm"),
		base("kraken_api", "https://api.kraken.com"),
		cfg.CacheDir(), sched, host("api.kraken.com")))

	return reg
}

func (d *Daemon) runScan(root string) error {
	if root == "" {
		return fmt.Errorf("scan: -root is required")
	}
	n, err := indexer.Scan(d.ctx, d.store, root, d.logger)
	if err != nil {
		return err
	}
	d.logger.Info("scan complete", zap.Int("files_indexed", n))
	return nil
}

func (d *Daemon) runProcess(collector, exchange, symbol, timeframe string, force bool) error {
	if collector == "" || exchange == "" || symbol == "" || timeframe == "" {
		return fmt.Errorf("process: -collector, -exchange, -symbol, -timeframe are all required")
	}
	mk := market.Normalize(collector, exchange, symbol)
	res, err := d.proc.ProcessMarket(d.ctx, mk, timeframe, force)
	if err != nil {
		return err
	}
	d.logger.Info("process complete",
		zap.Int("files_processed", res.FilesProcessed), zap.Int("files_skipped", res.FilesSkipped),
		zap.Int64("trades_folded", res.TradesFolded), zap.Bool("wrote", res.Wrote))
	return nil
}

func (d *Daemon) runFixGaps(collector, exchange, symbol string, id int64, retry string, dryRun bool) error {
	var statuses []catalog.GapFixStatus
	if retry != "" {
		for _, tok := range strings.Split(retry, ",") {
			statuses = append(statuses, catalog.GapFixStatus(strings.TrimSpace(tok)))
		}
	}
	stats, err := d.orch.Run(d.ctx, orchestrator.Filters{
		Collector: collector, Exchange: exchange, Symbol: symbol, ID: id,
	}, statuses, dryRun)
	if err != nil {
		return err
	}
	d.logger.Info("fixgaps complete",
		zap.Int("selected_events", stats.SelectedEvents), zap.Int("processed_files", stats.ProcessedFiles),
		zap.Int("recovered_trades", stats.RecoveredTrades), zap.Int("fixed_events", stats.FixedEvents),
		zap.Int("deleted_events", stats.DeletedEvents), zap.Int("missing_adapter", stats.MissingAdapter),
		zap.Int("adapter_error", stats.AdapterError), zap.Int("binaries_patched", stats.BinariesPatched))
	return nil
}

func (d *Daemon) runResample(collector, exchange, symbol, timeframe string) error {
	if collector == "" || exchange == "" || symbol == "" || timeframe == "" {
		return fmt.Errorf("resample: -collector, -exchange, -symbol, -timeframe are all required")
	}
	mk := market.Normalize(collector, exchange, symbol)
	companion, err := d.rsmp.Materialize(d.ctx, mk, timeframe)
	if err != nil {
		return err
	}
	d.logger.Info("resample complete", zap.Int64("records", companion.Records),
		zap.Int64("start_ts", companion.StartTs), zap.Int64("end_ts", companion.EndTs))
	return nil
}

func (d *Daemon) shutdown() {
	d.cancel()
	if d.cache != nil {
		if err := d.cache.Close(); err != nil {
			d.logger.Warn("registry cache close failed", zap.Error(err))
		}
	}
	if err := d.metrics.Shutdown(context.Background()); err != nil {
		d.logger.Warn("metrics server shutdown failed", zap.Error(err))
	}
	if err := d.store.Close(); err != nil {
		d.logger.Warn("catalog close failed", zap.Error(err))
	}
}
