package enrich

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/scanium/scan-engine/internal/model"
	"github.com/scanium/scan-engine/internal/resilience"
	"github.com/scanium/scan-engine/internal/state"
	"github.com/scanium/scan-engine/pkg/vision"
)

const (
	// DefaultFreshnessWindow is how long an enrichment result stays fresh.
	// Items whose last enrichment is older are picked up again by the
	// automatic scan.
	DefaultFreshnessWindow = 5 * time.Minute

	defaultMaxConcurrentEnrichments = 3

	// minVisionScore is the cutoff below which a vision extraction is not
	// promoted into an item attribute.
	minVisionScore = 0.5
)

// Prefiller runs the two-layer attribute enrichment for scanned items.
// Layer B is the fast local pass: it promotes vision data already attached
// to the item into attributes without any network call. Layer C calls the
// vision service on the item image and merges the fresh extraction.
type Prefiller struct {
	mgr    *state.Manager
	client vision.Client
	window time.Duration
	retry  resilience.RetryConfig

	tasks *taskSet
	limit int
	nowMs func() int64
}

// PrefillOption configures the prefiller.
type PrefillOption func(*Prefiller)

// WithFreshnessWindow overrides the enrichment freshness window.
func WithFreshnessWindow(d time.Duration) PrefillOption {
	return func(p *Prefiller) {
		if d > 0 {
			p.window = d
		}
	}
}

// WithEnrichConcurrency caps the number of items enriched at once per scan.
func WithEnrichConcurrency(n int) PrefillOption {
	return func(p *Prefiller) {
		if n > 0 {
			p.limit = n
		}
	}
}

// WithEnrichRetry overrides the request retry policy.
func WithEnrichRetry(cfg resilience.RetryConfig) PrefillOption {
	return func(p *Prefiller) { p.retry = cfg }
}

// NewPrefiller creates the enrichment prefiller.
func NewPrefiller(mgr *state.Manager, client vision.Client, opts ...PrefillOption) *Prefiller {
	p := &Prefiller{
		mgr:    mgr,
		client: client,
		window: DefaultFreshnessWindow,
		retry:  resilience.DefaultRetryConfig(),
		tasks:  newTaskSet(),
		limit:  defaultMaxConcurrentEnrichments,
		nowMs:  func() int64 { return time.Now().UnixMilli() },
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// WithNow fixes the prefiller clock for tests.
func (p *Prefiller) WithNow(nowMs func() int64) *Prefiller {
	p.nowMs = nowMs
	return p
}

// ShouldAutoEnrich decides whether the automatic scan picks up an item.
// An item qualifies when its enrichment is stale (never run, or older than
// the freshness window), no layer is currently in progress, the user has
// not taken over the summary, and a cached thumbnail is available. Photo
// references alone do not qualify: the vision pass reads only the cached
// thumbnail, so a thumbnail-less item could never complete and would be
// re-picked every window.
func (p *Prefiller) ShouldAutoEnrich(item model.ScannedItem, nowMs int64) bool {
	if item.SummaryUserEdited {
		return false
	}
	if item.Enrichment.IsEnriching() {
		return false
	}
	if item.ThumbKey == "" {
		return false
	}
	last := item.Enrichment.LastUpdatedMs
	return last == 0 || nowMs-last > p.window.Milliseconds()
}

// CheckAndDispatch scans the published state and enriches every stale item.
// The scan itself returns immediately; enrichment runs in the background
// with bounded concurrency.
func (p *Prefiller) CheckAndDispatch(ctx context.Context) {
	now := p.nowMs()
	var due []model.ScannedItem
	for _, item := range p.mgr.Items() {
		if p.ShouldAutoEnrich(item, now) && !p.tasks.inflight(item.ID) {
			due = append(due, item)
		}
	}
	if len(due) == 0 {
		return
	}

	// Dispatch off the caller's goroutine: Go blocks once the limit is
	// reached, and the change listener must never stall on enrichment.
	go func() {
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(p.limit)
		for _, item := range due {
			if p.tasks.inflight(item.ID) {
				continue
			}
			taskCtx, finish := p.tasks.begin(gctx, item.ID)
			g.Go(func() error {
				defer finish()
				p.enrich(taskCtx, item)
				return nil
			})
		}
		_ = g.Wait()
	}()
}

// Enrich runs both layers for one item on demand, cancelling any pass
// already in flight for it.
func (p *Prefiller) Enrich(ctx context.Context, id string) {
	item, ok := p.mgr.Get(id)
	if !ok {
		zap.L().Warn("enrich: unknown item", zap.String("item_id", id))
		return
	}
	p.tasks.cancel(id)
	taskCtx, finish := p.tasks.begin(ctx, id)
	go func() {
		defer finish()
		p.enrich(taskCtx, item)
	}()
}

// Cancel stops the in-flight enrichment for an item, if any.
func (p *Prefiller) Cancel(id string) {
	p.tasks.cancel(id)
}

func (p *Prefiller) enrich(ctx context.Context, item model.ScannedItem) {
	if err := p.mgr.StartEnrichment(ctx, item.ID, model.EnrichLayerB, model.EnrichLayerC); err != nil {
		return
	}
	p.runLayerB(ctx, item)
	p.runLayerC(ctx, item)
}

// runLayerB promotes the vision data already on the item into attributes.
// Purely local, so it only fails if the item disappeared mid-flight.
func (p *Prefiller) runLayerB(ctx context.Context, item model.ScannedItem) {
	attrs := deriveAttributes(item.Vision)
	if len(attrs) > 0 {
		if err := p.mgr.ApplyVision(ctx, item.ID, model.VisionAttributes{}, attrs); err != nil {
			return
		}
	}
	if err := p.mgr.CompleteEnrichmentLayer(ctx, item.ID, model.EnrichLayerB, true); err != nil {
		zap.L().Warn("enrich: layer b completion failed",
			zap.String("item_id", item.ID), zap.Error(err))
	}
}

func (p *Prefiller) runLayerC(ctx context.Context, item model.ScannedItem) {
	image, ok := p.mgr.Store().Thumbnail(item.ThumbKey)
	if !ok {
		// No image to send; the layer completes as failed rather than
		// staying in progress.
		_ = p.mgr.CompleteEnrichmentLayer(ctx, item.ID, model.EnrichLayerC, false)
		return
	}

	resp, err := resilience.DoVal(ctx, p.retry, func(ctx context.Context) (*vision.Response, error) {
		return p.client.Annotate(ctx, vision.Request{ImagePNG: image})
	})
	if ctx.Err() != nil {
		zap.L().Debug("enrich: dropping cancelled vision result",
			zap.String("item_id", item.ID))
		return
	}
	if err != nil {
		zap.L().Warn("enrich: vision request failed",
			zap.String("item_id", item.ID), zap.Error(err))
		_ = p.mgr.CompleteEnrichmentLayer(ctx, item.ID, model.EnrichLayerC, false)
		return
	}

	extracted := toVisionAttributes(resp)
	attrs := deriveAttributes(extracted)
	if err := p.mgr.ApplyVision(ctx, item.ID, extracted, attrs); err != nil {
		return
	}
	if err := p.mgr.CompleteEnrichmentLayer(ctx, item.ID, model.EnrichLayerC, true); err != nil {
		zap.L().Warn("enrich: layer c completion failed",
			zap.String("item_id", item.ID), zap.Error(err))
	}
}

func toVisionAttributes(resp *vision.Response) model.VisionAttributes {
	return model.VisionAttributes{
		Logos:    toModelScored(resp.Logos),
		Colors:   toModelScored(resp.Colors),
		Labels:   toModelScored(resp.Labels),
		OCRText:  resp.OCRText,
		OCRScore: resp.OCRScore,
	}
}

func toModelScored(in []vision.Annotation) []model.ScoredValue {
	if len(in) == 0 {
		return nil
	}
	out := make([]model.ScoredValue, len(in))
	for i, a := range in {
		out[i] = model.ScoredValue{Value: a.Value, Score: a.Score}
	}
	return out
}

// deriveAttributes maps vision extractions onto item attributes: the top
// logo becomes the brand and the top color the color, each keeping its
// detection score as the attribute confidence. Extractions below the score
// cutoff are ignored.
func deriveAttributes(v model.VisionAttributes) map[model.AttributeKey]model.ItemAttribute {
	attrs := make(map[model.AttributeKey]model.ItemAttribute)
	if best, ok := topScored(v.Logos); ok {
		attrs[model.AttrBrand] = model.ItemAttribute{
			Value:      best.Value,
			Confidence: best.Score,
			Source:     model.SourceVision,
		}
	}
	if best, ok := topScored(v.Colors); ok {
		attrs[model.AttrColor] = model.ItemAttribute{
			Value:      best.Value,
			Confidence: best.Score,
			Source:     model.SourceVision,
		}
	}
	if len(attrs) == 0 {
		return nil
	}
	return attrs
}

func topScored(values []model.ScoredValue) (model.ScoredValue, bool) {
	var best model.ScoredValue
	found := false
	for _, v := range values {
		if v.Score < minVisionScore {
			continue
		}
		if !found || v.Score > best.Score {
			best = v
			found = true
		}
	}
	return best, found
}
