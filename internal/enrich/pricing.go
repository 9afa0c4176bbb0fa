package enrich

import (
	"context"

	"go.uber.org/zap"

	"github.com/scanium/scan-engine/internal/model"
	"github.com/scanium/scan-engine/internal/resilience"
	"github.com/scanium/scan-engine/internal/state"
	"github.com/scanium/scan-engine/pkg/pricing"
)

const defaultMaxConcurrentEstimates = 3

// PriceSync keeps price estimates in step with classification: once an item
// is classified it is priced, and a reclassified item can be re-priced on
// demand. At most one estimate per item is in flight at a time.
type PriceSync struct {
	mgr    *state.Manager
	client pricing.Client
	retry  resilience.RetryConfig

	tasks *taskSet
	sem   chan struct{}
}

// PriceOption configures the price sync.
type PriceOption func(*PriceSync)

// WithPriceConcurrency caps the number of simultaneous estimate requests.
func WithPriceConcurrency(n int) PriceOption {
	return func(p *PriceSync) {
		if n > 0 {
			p.sem = make(chan struct{}, n)
		}
	}
}

// WithPriceRetry overrides the request retry policy.
func WithPriceRetry(cfg resilience.RetryConfig) PriceOption {
	return func(p *PriceSync) { p.retry = cfg }
}

// NewPriceSync creates the coordinator.
func NewPriceSync(mgr *state.Manager, client pricing.Client, opts ...PriceOption) *PriceSync {
	p := &PriceSync{
		mgr:    mgr,
		client: client,
		retry:  resilience.DefaultRetryConfig(),
		tasks:  newTaskSet(),
		sem:    make(chan struct{}, defaultMaxConcurrentEstimates),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// CheckAndDispatch starts an estimate for every classified item whose price
// is still pending.
func (p *PriceSync) CheckAndDispatch(ctx context.Context) {
	for _, item := range p.mgr.Items() {
		if item.PriceStatus != model.PricePending {
			continue
		}
		if item.ClassificationStatus != model.ClassificationSuccess {
			continue
		}
		p.dispatch(ctx, item)
	}
}

// Reestimate forces a fresh estimate for one item, cancelling any request
// already in flight for it.
func (p *PriceSync) Reestimate(ctx context.Context, id string) {
	item, ok := p.mgr.Get(id)
	if !ok {
		zap.L().Warn("pricing: unknown item", zap.String("item_id", id))
		return
	}
	p.tasks.cancel(id)
	p.dispatch(ctx, item)
}

// Cancel stops the in-flight estimate for an item, if any.
func (p *PriceSync) Cancel(id string) {
	p.tasks.cancel(id)
}

func (p *PriceSync) dispatch(ctx context.Context, item model.ScannedItem) {
	if p.tasks.inflight(item.ID) {
		return
	}
	taskCtx, finish := p.tasks.begin(ctx, item.ID)
	go p.run(taskCtx, finish, item)
}

func (p *PriceSync) run(ctx context.Context, finish func(), item model.ScannedItem) {
	defer finish()

	select {
	case p.sem <- struct{}{}:
		defer func() { <-p.sem }()
	case <-ctx.Done():
		return
	}

	started, err := p.mgr.StartPriceEstimation(ctx, item.ID)
	if err != nil || !started {
		return
	}

	resp, err := resilience.DoVal(ctx, p.retry, func(ctx context.Context) (*pricing.Response, error) {
		return p.client.Estimate(ctx, buildEstimateRequest(item))
	})
	if ctx.Err() != nil {
		zap.L().Debug("pricing: dropping cancelled estimate",
			zap.String("item_id", item.ID))
		return
	}
	if err != nil {
		zap.L().Warn("pricing: estimate failed",
			zap.String("item_id", item.ID), zap.Error(err))
		if ferr := p.mgr.FailPriceEstimation(ctx, item.ID, err.Error()); ferr != nil {
			zap.L().Warn("pricing: failed to record failure",
				zap.String("item_id", item.ID), zap.Error(ferr))
		}
		return
	}

	pr := model.PriceRange{
		LowCents:  resp.LowCents,
		HighCents: resp.HighCents,
		Currency:  resp.Currency,
	}
	if aerr := p.mgr.ApplyPriceRange(ctx, item.ID, pr); aerr != nil {
		zap.L().Warn("pricing: failed to apply estimate",
			zap.String("item_id", item.ID), zap.Error(aerr))
	}
}

func buildEstimateRequest(item model.ScannedItem) pricing.Request {
	req := pricing.Request{
		Category:         item.Category,
		Label:            item.Label,
		DomainCategoryID: item.DomainCategoryID,
	}
	if cond, ok := item.Attributes[model.AttrCondition]; ok {
		req.Condition = cond.Value
	}
	for k, attr := range item.Attributes {
		if k == model.AttrCondition || attr.Value == "" {
			continue
		}
		if req.Attributes == nil {
			req.Attributes = make(map[string]string)
		}
		req.Attributes[string(k)] = attr.Value
	}
	return req
}
