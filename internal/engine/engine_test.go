package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scanium/scan-engine/internal/config"
	"github.com/scanium/scan-engine/internal/model"
)

func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Store.Driver = "memory"
	cfg.Store.DebounceMs = 10
	cfg.Engine.SimilarityThreshold = 0.6
	cfg.Engine.StaleAfterSecs = 1
	cfg.Engine.ThumbnailCacheSize = 16
	cfg.Classify.BaseURL = "http://127.0.0.1:1"
	cfg.Classify.MaxInFlight = 1
	cfg.Vision.BaseURL = "http://127.0.0.1:1"
	cfg.Vision.MaxInFlight = 1
	cfg.Vision.FreshnessWindowSecs = 300
	cfg.Pricing.BaseURL = "http://127.0.0.1:1"
	cfg.Pricing.MaxInFlight = 1
	cfg.Dedup.Threshold = 0.75
	cfg.Dedup.ScanIntervalSecs = 60
	cfg.Telemetry.SampleIntervalSecs = 60
	return cfg
}

func TestEngine_ReapsStaleItems(t *testing.T) {
	ctx := context.Background()
	e, err := New(ctx, testConfig())
	require.NoError(t, err)
	require.NoError(t, e.Start(ctx))
	t.Cleanup(func() { _ = e.Stop() })

	// Last seen well past the 1s stale threshold; the reaper ticks at most
	// a second apart, so the item must disappear without any other input.
	old := time.Now().Add(-10 * time.Second).UnixMilli()
	item, err := e.Manager.ProcessDetection(ctx, model.RawDetection{
		DetectionID: "d1",
		Category:    "shoe",
		Confidence:  0.9,
		BoundingBox: model.BoundingBox{Left: 0.1, Top: 0.1, Right: 0.3, Bottom: 0.3},
		TimestampMs: old,
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, ok := e.Manager.Get(item.ID)
		return !ok
	}, 5*time.Second, 20*time.Millisecond, "stale item was never reaped")
	assert.Empty(t, e.Manager.Items())
}

func TestEngine_ZeroStaleAgeDisablesReaper(t *testing.T) {
	cfg := testConfig()
	cfg.Engine.StaleAfterSecs = 0

	ctx := context.Background()
	e, err := New(ctx, cfg)
	require.NoError(t, err)
	require.NoError(t, e.Start(ctx))
	t.Cleanup(func() { _ = e.Stop() })

	old := time.Now().Add(-time.Hour).UnixMilli()
	item, err := e.Manager.ProcessDetection(ctx, model.RawDetection{
		DetectionID: "d1",
		Category:    "shoe",
		Confidence:  0.9,
		BoundingBox: model.BoundingBox{Left: 0.1, Top: 0.1, Right: 0.3, Bottom: 0.3},
		TimestampMs: old,
	})
	require.NoError(t, err)

	time.Sleep(100 * time.Millisecond)
	_, ok := e.Manager.Get(item.ID)
	assert.True(t, ok, "reaping is disabled when no age is configured")
}
