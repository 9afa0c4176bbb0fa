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
	"github.com/scanium/scan-engine/internal/state"
	"github.com/scanium/scan-engine/pkg/pricing"
)

type stubPricer struct {
	mu    sync.Mutex
	calls int
	last  pricing.Request
	resp  *pricing.Response
	err   error
}

func (s *stubPricer) Estimate(_ context.Context, req pricing.Request) (*pricing.Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	s.last = req
	return s.resp, s.err
}

func (s *stubPricer) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func classifyItem(t *testing.T, m *state.Manager, id string) {
	t.Helper()
	require.NoError(t, m.ApplyClassification(context.Background(), id, model.ClassificationResult{
		Category:   "shoe",
		Label:      "Pegasus",
		Confidence: 0.9,
	}))
}

func TestPriceSync_DispatchesClassifiedItems(t *testing.T) {
	t.Parallel()

	m := newEnrichManager(t)
	item := seedItem(t, m, true)
	classifyItem(t, m, item.ID)

	stub := &stubPricer{resp: &pricing.Response{LowCents: 4500, HighCents: 7000, Currency: "USD"}}
	p := NewPriceSync(m, stub, WithPriceRetry(noRetry))

	p.CheckAndDispatch(context.Background())

	require.Eventually(t, func() bool {
		got, _ := m.Get(item.ID)
		return got.PriceStatus == model.PriceSuccess
	}, time.Second, 5*time.Millisecond)

	got, _ := m.Get(item.ID)
	require.NotNil(t, got.PriceRange)
	assert.Equal(t, int64(4500), got.PriceRange.LowCents)
	assert.Equal(t, "USD", got.PriceRange.Currency)
}

func TestPriceSync_WaitsForClassification(t *testing.T) {
	t.Parallel()

	m := newEnrichManager(t)
	item := seedItem(t, m, true)

	stub := &stubPricer{resp: &pricing.Response{LowCents: 100, HighCents: 200}}
	p := NewPriceSync(m, stub, WithPriceRetry(noRetry))

	p.CheckAndDispatch(context.Background())

	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, stub.callCount())
	got, _ := m.Get(item.ID)
	assert.Equal(t, model.PricePending, got.PriceStatus)
}

func TestPriceSync_FailureRecordsError(t *testing.T) {
	t.Parallel()

	m := newEnrichManager(t)
	item := seedItem(t, m, true)
	classifyItem(t, m, item.ID)

	stub := &stubPricer{err: errors.New("no comparable sales")}
	p := NewPriceSync(m, stub, WithPriceRetry(noRetry))

	p.CheckAndDispatch(context.Background())

	require.Eventually(t, func() bool {
		got, _ := m.Get(item.ID)
		return got.PriceStatus == model.PriceError
	}, time.Second, 5*time.Millisecond)

	got, _ := m.Get(item.ID)
	assert.Contains(t, got.PriceError, "no comparable sales")
}

func TestPriceSync_ReestimateReplacesEstimate(t *testing.T) {
	t.Parallel()

	m := newEnrichManager(t)
	item := seedItem(t, m, true)
	classifyItem(t, m, item.ID)

	stub := &stubPricer{resp: &pricing.Response{LowCents: 100, HighCents: 200, Currency: "USD"}}
	p := NewPriceSync(m, stub, WithPriceRetry(noRetry))

	p.CheckAndDispatch(context.Background())
	require.Eventually(t, func() bool {
		got, _ := m.Get(item.ID)
		return got.PriceStatus == model.PriceSuccess
	}, time.Second, 5*time.Millisecond)

	// A repeat scan skips priced items; an explicit re-estimate does not.
	p.CheckAndDispatch(context.Background())
	p.Reestimate(context.Background(), item.ID)

	require.Eventually(t, func() bool {
		return stub.callCount() == 2
	}, time.Second, 5*time.Millisecond)

	p.Reestimate(context.Background(), "no-such-item")
}

func TestBuildEstimateRequest(t *testing.T) {
	t.Parallel()

	item := model.ScannedItem{
		Category:         "shoe",
		Label:            "Pegasus",
		DomainCategoryID: "93427",
		Attributes: map[model.AttributeKey]model.ItemAttribute{
			model.AttrCondition: {Value: "used_good"},
			model.AttrBrand:     {Value: "Nike"},
			model.AttrSize:      {Value: ""},
		},
	}

	req := buildEstimateRequest(item)
	assert.Equal(t, "shoe", req.Category)
	assert.Equal(t, "93427", req.DomainCategoryID)
	assert.Equal(t, "used_good", req.Condition, "condition travels in its own field")
	assert.Equal(t, map[string]string{"brand": "Nike"}, req.Attributes, "blank attributes are dropped")
}
