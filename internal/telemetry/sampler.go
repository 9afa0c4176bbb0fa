package telemetry

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/scanium/scan-engine/internal/cache"
	"github.com/scanium/scan-engine/internal/model"
	"github.com/scanium/scan-engine/internal/state"
)

// DefaultSampleInterval is the period between telemetry samples.
const DefaultSampleInterval = 30 * time.Second

// Sampler periodically logs a snapshot of engine health: aggregation
// statistics, per-status item counts, and thumbnail cache occupancy. It is
// purely observational; stopping it has no effect on engine state.
type Sampler struct {
	mgr      *state.Manager
	thumbs   *cache.ThumbnailCache
	interval time.Duration
}

// Option configures the sampler.
type Option func(*Sampler)

// WithInterval overrides the sample period.
func WithInterval(iv time.Duration) Option {
	return func(s *Sampler) {
		if iv > 0 {
			s.interval = iv
		}
	}
}

// New creates a sampler. The cache may be nil.
func New(mgr *state.Manager, thumbs *cache.ThumbnailCache, opts ...Option) *Sampler {
	s := &Sampler{
		mgr:      mgr,
		thumbs:   thumbs,
		interval: DefaultSampleInterval,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Run samples on a fixed interval until the context is cancelled.
func (s *Sampler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sample(ctx)
		}
	}
}

// Sample logs one telemetry snapshot.
func (s *Sampler) Sample(ctx context.Context) {
	stats, err := s.mgr.Stats(ctx)
	if err != nil {
		zap.L().Warn("telemetry: stats unavailable", zap.Error(err))
		return
	}

	items := s.mgr.Items()
	var classified, priced, enriched, userEdited int
	for _, item := range items {
		if item.ClassificationStatus == model.ClassificationSuccess {
			classified++
		}
		if item.PriceStatus == model.PriceSuccess {
			priced++
		}
		if item.Enrichment.IsComplete() {
			enriched++
		}
		if item.SummaryUserEdited {
			userEdited++
		}
	}

	fields := []zap.Field{
		zap.Int("items", stats.TotalItems),
		zap.Int("merges", stats.TotalMerges),
		zap.Float64("avg_merges_per_item", stats.AverageMergesPerItem),
		zap.Int("classified", classified),
		zap.Int("priced", priced),
		zap.Int("enriched", enriched),
		zap.Int("summaries_user_edited", userEdited),
	}
	if s.thumbs != nil {
		fields = append(fields, zap.Int("thumbnails_cached", s.thumbs.Len()))
	}
	zap.L().Info("engine sample", fields...)
}
