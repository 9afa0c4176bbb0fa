package engine

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/scanium/scan-engine/internal/aggregator"
	"github.com/scanium/scan-engine/internal/cache"
	"github.com/scanium/scan-engine/internal/config"
	"github.com/scanium/scan-engine/internal/dedup"
	"github.com/scanium/scan-engine/internal/enrich"
	"github.com/scanium/scan-engine/internal/state"
	"github.com/scanium/scan-engine/internal/store"
	"github.com/scanium/scan-engine/internal/taxonomy"
	"github.com/scanium/scan-engine/internal/telemetry"
	"github.com/scanium/scan-engine/pkg/classify"
	"github.com/scanium/scan-engine/pkg/listing"
	"github.com/scanium/scan-engine/pkg/pricing"
	"github.com/scanium/scan-engine/pkg/vision"
)

// Engine assembles the full scan pipeline: aggregation, single-writer state,
// persistence, enrichment coordinators, duplicate detection, and telemetry.
type Engine struct {
	cfg *config.Config

	Taxonomy *taxonomy.Taxonomy
	Manager  *state.Manager
	Thumbs   *cache.ThumbnailCache
	Store    store.Store

	Classification *enrich.ClassificationCoordinator
	Prefiller      *enrich.Prefiller
	Prices         *enrich.PriceSync
	Export         *enrich.ExportGenerator
	Dedup          *dedup.Detector
	Sampler        *telemetry.Sampler

	bridge *state.Bridge
	runCtx context.Context
	cancel context.CancelFunc
}

// New builds an engine from configuration. Nothing runs until Start.
func New(ctx context.Context, cfg *config.Config) (*Engine, error) {
	e := &Engine{cfg: cfg}

	tax, err := loadTaxonomy(cfg.Engine.TaxonomyPath)
	if err != nil {
		return nil, err
	}
	e.Taxonomy = tax

	st, err := openStore(ctx, cfg.Store)
	if err != nil {
		return nil, err
	}
	e.Store = st

	agg := aggregator.New(tax)
	if cfg.Engine.SimilarityThreshold > 0 {
		agg.UpdateSimilarityThreshold(cfg.Engine.SimilarityThreshold)
	}

	e.Thumbs = cache.NewThumbnailCache(cfg.Engine.ThumbnailCacheSize)
	pub := state.NewItemStore(e.Thumbs)

	// The bridge and the listener are created before the manager they
	// report into; both capture the engine and resolve it at call time.
	bridge := state.NewBridge(st, time.Duration(cfg.Store.DebounceMs)*time.Millisecond,
		func(ev state.ErrorEvent) {
			if e.Manager != nil {
				e.Manager.ReportError(ev.Op, ev.Err)
			}
		})
	e.bridge = bridge
	e.Manager = state.NewManager(agg, pub, bridge, e.onChange)

	e.Classification = enrich.NewClassificationCoordinator(e.Manager,
		classify.NewClient(cfg.Classify.Key, classify.WithBaseURL(cfg.Classify.BaseURL)),
		enrich.WithClassificationConcurrency(cfg.Classify.MaxInFlight),
		enrich.WithClassificationMode(classify.Mode(cfg.Classify.Mode)),
	)
	e.Prefiller = enrich.NewPrefiller(e.Manager,
		vision.NewClient(cfg.Vision.Key, vision.WithBaseURL(cfg.Vision.BaseURL)),
		enrich.WithEnrichConcurrency(cfg.Vision.MaxInFlight),
		enrich.WithFreshnessWindow(time.Duration(cfg.Vision.FreshnessWindowSecs)*time.Second),
	)
	e.Prices = enrich.NewPriceSync(e.Manager,
		pricing.NewClient(cfg.Pricing.Key, pricing.WithBaseURL(cfg.Pricing.BaseURL)),
		enrich.WithPriceConcurrency(cfg.Pricing.MaxInFlight),
	)
	e.Export = enrich.NewExportGenerator(e.Manager,
		listing.NewClient(cfg.Anthropic.Key, listing.WithModel(cfg.Anthropic.Model)),
	)
	e.Dedup = dedup.New(e.Manager, aggregator.NewScorer(tax),
		dedup.WithThreshold(cfg.Dedup.Threshold),
		dedup.WithScanInterval(time.Duration(cfg.Dedup.ScanIntervalSecs)*time.Second),
	)
	e.Sampler = telemetry.New(e.Manager, e.Thumbs,
		telemetry.WithInterval(time.Duration(cfg.Telemetry.SampleIntervalSecs)*time.Second),
	)

	return e, nil
}

// onChange is the manager's change listener. Coordinators run in a fixed
// order after every publish: classification first so new items get labeled,
// pricing next so fresh classifications get priced, then enrichment, then a
// duplicate rescan over the settled state. Each call only dispatches work;
// the actual requests run in the background.
func (e *Engine) onChange(cs state.ChangeSet) {
	ctx := e.Context()
	e.Classification.CheckAndDispatch(ctx)
	e.Prices.CheckAndDispatch(ctx)
	e.Prefiller.CheckAndDispatch(ctx)
	if len(cs.NewIDs) > 0 || len(cs.RemovedIDs) > 0 {
		e.Dedup.Rescan()
	}
}

// Context returns the engine's run context. Background tasks dispatched on
// behalf of short-lived callers (HTTP requests) are bound to it, so they
// stop with the engine rather than with the request.
func (e *Engine) Context() context.Context {
	if e.runCtx == nil {
		return context.Background()
	}
	return e.runCtx
}

// Start launches the state manager and the background loops.
func (e *Engine) Start(ctx context.Context) error {
	ctx, e.cancel = context.WithCancel(ctx)
	e.runCtx = ctx

	if err := e.Store.Migrate(ctx); err != nil {
		return eris.Wrap(err, "engine: migrate store")
	}
	if err := e.Manager.Start(ctx); err != nil {
		return eris.Wrap(err, "engine: start state manager")
	}

	go e.Dedup.Run(ctx)
	go e.Sampler.Run(ctx)
	go e.reapStale(ctx)
	go e.drainErrors(ctx)

	zap.L().Info("engine started",
		zap.String("store", e.cfg.Store.Driver),
		zap.Float64("similarity_threshold", e.cfg.Engine.SimilarityThreshold),
	)
	return nil
}

// Stop cancels the background loops, waits for the persistence bridge to
// finish its final flush, and closes the store.
func (e *Engine) Stop() error {
	if e.cancel != nil {
		e.cancel()
		select {
		case <-e.bridge.Done():
		case <-time.After(5 * time.Second):
			zap.L().Warn("engine: persistence flush timed out on shutdown")
		}
	}
	if err := e.Store.Close(); err != nil {
		return eris.Wrap(err, "engine: close store")
	}
	return nil
}

// reapStale periodically removes items not seen within the configured age.
// A non-positive engine.stale_after_secs disables reaping.
func (e *Engine) reapStale(ctx context.Context) {
	maxAge := time.Duration(e.cfg.Engine.StaleAfterSecs) * time.Second
	if maxAge <= 0 {
		return
	}
	interval := maxAge / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := e.Manager.RemoveStaleItems(ctx, maxAge)
			if err != nil {
				return
			}
			if len(removed) > 0 {
				zap.L().Info("engine: reaped stale items",
					zap.Int("count", len(removed)),
					zap.Duration("max_age", maxAge),
				)
			}
		}
	}
}

// drainErrors logs engine error events. The channel stays drained even when
// no other consumer is attached.
func (e *Engine) drainErrors(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-e.Manager.Errors():
			zap.L().Error("engine error event",
				zap.String("op", ev.Op),
				zap.Time("at", ev.At),
				zap.Error(ev.Err),
			)
		}
	}
}

func loadTaxonomy(path string) (*taxonomy.Taxonomy, error) {
	if path == "" {
		return taxonomy.Default(), nil
	}
	tax, err := taxonomy.Load(path)
	if err != nil {
		return nil, eris.Wrapf(err, "engine: load taxonomy %s", path)
	}
	return tax, nil
}

func openStore(ctx context.Context, cfg config.StoreConfig) (store.Store, error) {
	switch cfg.Driver {
	case "postgres":
		st, err := store.NewPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, eris.Wrap(err, "engine: open postgres store")
		}
		return st, nil
	case "sqlite":
		st, err := store.NewSQLite(cfg.SQLitePath)
		if err != nil {
			return nil, eris.Wrap(err, "engine: open sqlite store")
		}
		return st, nil
	case "memory", "":
		return store.NewMemory(), nil
	default:
		return nil, eris.Errorf("engine: unknown store driver %q", cfg.Driver)
	}
}
