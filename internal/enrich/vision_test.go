package enrich

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scanium/scan-engine/internal/model"
	"github.com/scanium/scan-engine/pkg/vision"
)

type stubVision struct {
	mu    sync.Mutex
	calls int
	resp  *vision.Response
	err   error
}

func (s *stubVision) Annotate(_ context.Context, _ vision.Request) (*vision.Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return s.resp, s.err
}

func (s *stubVision) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func TestShouldAutoEnrich(t *testing.T) {
	t.Parallel()

	p := NewPrefiller(nil, nil)
	now := int64(10 * 60 * 1000)

	base := model.ScannedItem{ID: "a", ThumbKey: "a"}

	tests := []struct {
		name   string
		mutate func(*model.ScannedItem)
		want   bool
	}{
		{"never enriched", func(*model.ScannedItem) {}, true},
		{"user edited summary", func(i *model.ScannedItem) { i.SummaryUserEdited = true }, false},
		{"layer in progress", func(i *model.ScannedItem) { i.Enrichment.LayerB = model.LayerInProgress }, false},
		{"no image at all", func(i *model.ScannedItem) { i.ThumbKey = "" }, false},
		{"photos without a thumbnail do not count", func(i *model.ScannedItem) {
			i.ThumbKey = ""
			i.Photos = []model.PhotoRef{{PhotoID: "p1"}}
		}, false},
		{"fresh result", func(i *model.ScannedItem) { i.Enrichment.LastUpdatedMs = now - 1000 }, false},
		{"stale result", func(i *model.ScannedItem) {
			i.Enrichment.LastUpdatedMs = now - DefaultFreshnessWindow.Milliseconds() - 1
		}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			item := base
			tt.mutate(&item)
			assert.Equal(t, tt.want, p.ShouldAutoEnrich(item, now))
		})
	}
}

func TestDeriveAttributes(t *testing.T) {
	t.Parallel()

	v := model.VisionAttributes{
		Logos: []model.ScoredValue{
			{Value: "Adidas", Score: 0.6},
			{Value: "Nike", Score: 0.9},
			{Value: "Puma", Score: 0.3},
		},
		Colors: []model.ScoredValue{{Value: "red", Score: 0.7}},
	}

	attrs := deriveAttributes(v)
	require.Len(t, attrs, 2)
	assert.Equal(t, "Nike", attrs[model.AttrBrand].Value, "highest scoring logo wins")
	assert.InDelta(t, 0.9, attrs[model.AttrBrand].Confidence, 1e-9)
	assert.Equal(t, "red", attrs[model.AttrColor].Value)
	assert.Equal(t, model.SourceVision, attrs[model.AttrColor].Source)

	// Everything below the score cutoff is ignored.
	weak := model.VisionAttributes{
		Logos: []model.ScoredValue{{Value: "Nike", Score: 0.49}},
	}
	assert.Nil(t, deriveAttributes(weak))
	assert.Nil(t, deriveAttributes(model.VisionAttributes{}))
}

func TestPrefiller_EnrichRunsBothLayers(t *testing.T) {
	t.Parallel()

	m := newEnrichManager(t)
	item := seedItem(t, m, true)

	// Layer B promotes vision data already attached to the item.
	require.NoError(t, m.ApplyVision(context.Background(), item.ID, model.VisionAttributes{
		Logos: []model.ScoredValue{{Value: "Nike", Score: 0.95}},
	}, nil))

	stub := &stubVision{resp: &vision.Response{
		Colors:  []vision.Annotation{{Value: "red", Score: 0.85}},
		OCRText: "air zoom pegasus",
	}}
	p := NewPrefiller(m, stub, WithEnrichRetry(noRetry))

	p.Enrich(context.Background(), item.ID)

	require.Eventually(t, func() bool {
		got, _ := m.Get(item.ID)
		return got.Enrichment.LayerB == model.LayerSuccess &&
			got.Enrichment.LayerC == model.LayerSuccess
	}, time.Second, 5*time.Millisecond)

	got, _ := m.Get(item.ID)
	assert.Equal(t, "Nike", got.Attributes[model.AttrBrand].Value, "layer b promoted the existing logo")
	assert.Equal(t, "red", got.Attributes[model.AttrColor].Value, "layer c merged the fresh extraction")
	assert.Equal(t, "air zoom pegasus", got.Vision.OCRText)
	assert.NotZero(t, got.Enrichment.LastUpdatedMs)
}

func TestPrefiller_LayerCFailsWithoutImage(t *testing.T) {
	t.Parallel()

	m := newEnrichManager(t)
	item := seedItem(t, m, false)

	stub := &stubVision{resp: &vision.Response{}}
	p := NewPrefiller(m, stub, WithEnrichRetry(noRetry))

	p.Enrich(context.Background(), item.ID)

	require.Eventually(t, func() bool {
		got, _ := m.Get(item.ID)
		return got.Enrichment.LayerC == model.LayerFailed
	}, time.Second, 5*time.Millisecond)

	got, _ := m.Get(item.ID)
	assert.Equal(t, model.LayerSuccess, got.Enrichment.LayerB, "the local pass still completes")
	assert.Zero(t, stub.callCount(), "no request without an image")
}

func TestPrefiller_ServiceFailure(t *testing.T) {
	t.Parallel()

	m := newEnrichManager(t)
	item := seedItem(t, m, true)

	stub := &stubVision{err: errors.New("vision unavailable")}
	p := NewPrefiller(m, stub, WithEnrichRetry(noRetry))

	p.Enrich(context.Background(), item.ID)

	require.Eventually(t, func() bool {
		got, _ := m.Get(item.ID)
		return got.Enrichment.LayerC == model.LayerFailed
	}, time.Second, 5*time.Millisecond)
}

func TestPrefiller_CheckAndDispatchEnrichesStaleItems(t *testing.T) {
	t.Parallel()

	m := newEnrichManager(t)
	item := seedItem(t, m, true)

	stub := &stubVision{resp: &vision.Response{
		Colors: []vision.Annotation{{Value: "blue", Score: 0.8}},
	}}
	p := NewPrefiller(m, stub, WithEnrichRetry(noRetry))

	p.CheckAndDispatch(context.Background())

	require.Eventually(t, func() bool {
		got, _ := m.Get(item.ID)
		return got.Enrichment.LayerC == model.LayerSuccess
	}, time.Second, 5*time.Millisecond)

	// A second scan inside the freshness window finds nothing to do.
	p.CheckAndDispatch(context.Background())
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, stub.callCount())
}

func TestPrefiller_CheckAndDispatchSkipsPhotoOnlyItems(t *testing.T) {
	t.Parallel()

	m := newEnrichManager(t)
	item := seedItem(t, m, false)
	require.NoError(t, m.AddPhoto(context.Background(), item.ID,
		model.PhotoRef{PhotoID: "p1", URI: "file:///p1.png"}))

	stub := &stubVision{resp: &vision.Response{}}
	p := NewPrefiller(m, stub, WithEnrichRetry(noRetry))

	// Repeated scans never pick the item up: with no thumbnail the vision
	// pass would fail every time, so it is never dispatched at all.
	p.CheckAndDispatch(context.Background())
	p.CheckAndDispatch(context.Background())
	time.Sleep(50 * time.Millisecond)

	assert.Zero(t, stub.callCount())
	got, _ := m.Get(item.ID)
	assert.NotEqual(t, model.LayerFailed, got.Enrichment.LayerC)
	assert.Zero(t, got.Enrichment.LastUpdatedMs)
}

func TestPrefiller_EnrichUnknownItem(t *testing.T) {
	t.Parallel()

	m := newEnrichManager(t)
	p := NewPrefiller(m, &stubVision{}, WithEnrichRetry(noRetry))
	p.Enrich(context.Background(), "no-such-item")
}
