package enrich

import (
	"context"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/scanium/scan-engine/internal/model"
	"github.com/scanium/scan-engine/internal/resilience"
	"github.com/scanium/scan-engine/internal/state"
	"github.com/scanium/scan-engine/pkg/classify"
)

const defaultMaxConcurrentClassifications = 4

// ClassificationCoordinator dispatches cloud classification for items that
// still need it. Each item has at most one classification task in flight;
// retrying an item cancels its current task before starting a new one, and
// a cancelled task's result is dropped before it reaches the state manager.
type ClassificationCoordinator struct {
	mgr    *state.Manager
	client classify.Client
	mode   classify.Mode
	retry  resilience.RetryConfig

	tasks *taskSet
	sem   chan struct{}
}

// ClassificationOption configures the coordinator.
type ClassificationOption func(*ClassificationCoordinator)

// WithClassificationConcurrency caps the number of simultaneous
// classification requests.
func WithClassificationConcurrency(n int) ClassificationOption {
	return func(c *ClassificationCoordinator) {
		if n > 0 {
			c.sem = make(chan struct{}, n)
		}
	}
}

// WithClassificationMode selects the backend mode sent with each request.
func WithClassificationMode(mode classify.Mode) ClassificationOption {
	return func(c *ClassificationCoordinator) { c.mode = mode }
}

// WithClassificationRetry overrides the request retry policy.
func WithClassificationRetry(cfg resilience.RetryConfig) ClassificationOption {
	return func(c *ClassificationCoordinator) { c.retry = cfg }
}

// NewClassificationCoordinator creates the coordinator. It does nothing
// until CheckAndDispatch or Retry is called.
func NewClassificationCoordinator(mgr *state.Manager, client classify.Client, opts ...ClassificationOption) *ClassificationCoordinator {
	c := &ClassificationCoordinator{
		mgr:    mgr,
		client: client,
		mode:   classify.ModeCloud,
		retry:  resilience.DefaultRetryConfig(),
		tasks:  newTaskSet(),
		sem:    make(chan struct{}, defaultMaxConcurrentClassifications),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// CheckAndDispatch scans the published state and starts classification for
// every pending item with an image. Items already in flight are skipped.
func (c *ClassificationCoordinator) CheckAndDispatch(ctx context.Context) {
	for _, item := range c.mgr.Items() {
		if item.ClassificationStatus != model.ClassificationPending {
			continue
		}
		c.dispatch(ctx, item)
	}
}

// Retry restarts classification for one item, cancelling any task already
// in flight for it. Unlike CheckAndDispatch it ignores the current status,
// so a failed or completed item can be reclassified on demand.
func (c *ClassificationCoordinator) Retry(ctx context.Context, id string) error {
	item, ok := c.mgr.Get(id)
	if !ok {
		return eris.Errorf("classification: unknown item %s", id)
	}
	c.tasks.cancel(id)
	c.dispatch(ctx, item)
	return nil
}

// Cancel stops the in-flight classification for an item, if any.
func (c *ClassificationCoordinator) Cancel(id string) {
	c.tasks.cancel(id)
}

// InFlight reports whether a classification task is running for the item.
func (c *ClassificationCoordinator) InFlight(id string) bool {
	return c.tasks.inflight(id)
}

func (c *ClassificationCoordinator) dispatch(ctx context.Context, item model.ScannedItem) {
	if c.tasks.inflight(item.ID) {
		return
	}
	image, ok := c.mgr.Store().Thumbnail(item.ThumbKey)
	if !ok {
		zap.L().Debug("classification: no image for item, skipping",
			zap.String("item_id", item.ID))
		return
	}
	taskCtx, finish := c.tasks.begin(ctx, item.ID)
	go c.run(taskCtx, finish, item, image)
}

func (c *ClassificationCoordinator) run(ctx context.Context, finish func(), item model.ScannedItem, image []byte) {
	defer finish()

	select {
	case c.sem <- struct{}{}:
		defer func() { <-c.sem }()
	case <-ctx.Done():
		return
	}

	correlationID := uuid.NewString()
	started, err := c.mgr.StartClassification(ctx, item.ID, correlationID)
	if err != nil || !started {
		return
	}

	resp, err := resilience.DoVal(ctx, c.retry, func(ctx context.Context) (*classify.Response, error) {
		return c.client.Classify(ctx, classify.Request{
			ImagePNG:      image,
			Mode:          c.mode,
			CategoryHint:  item.Category,
			CorrelationID: correlationID,
		})
	})
	if ctx.Err() != nil {
		// Cancelled mid-flight; the result, if any, belongs to a task the
		// caller already replaced or abandoned.
		zap.L().Debug("classification: dropping cancelled result",
			zap.String("item_id", item.ID),
			zap.String("correlation_id", correlationID))
		return
	}
	if err != nil {
		zap.L().Warn("classification: request failed",
			zap.String("item_id", item.ID),
			zap.String("correlation_id", correlationID),
			zap.Error(err))
		if ferr := c.mgr.FailClassification(ctx, item.ID, err.Error()); ferr != nil {
			zap.L().Warn("classification: failed to record failure",
				zap.String("item_id", item.ID), zap.Error(ferr))
		}
		return
	}

	result := toClassificationResult(correlationID, resp)
	if aerr := c.mgr.ApplyClassification(ctx, item.ID, result); aerr != nil {
		zap.L().Warn("classification: failed to apply result",
			zap.String("item_id", item.ID), zap.Error(aerr))
	}
}

// toClassificationResult converts the service response to the domain
// result. Attribute keys outside the known vocabulary are dropped.
func toClassificationResult(correlationID string, resp *classify.Response) model.ClassificationResult {
	result := model.ClassificationResult{
		CorrelationID:    correlationID,
		DomainCategoryID: resp.DomainCategoryID,
		Category:         resp.Category,
		Label:            resp.Label,
		Confidence:       resp.Confidence,
	}
	for key, scored := range resp.Attributes {
		k, ok := knownAttributeKey(key)
		if !ok {
			continue
		}
		if result.Attributes == nil {
			result.Attributes = make(map[model.AttributeKey]model.ItemAttribute)
		}
		result.Attributes[k] = model.ItemAttribute{
			Value:      scored.Value,
			Confidence: scored.Score,
			Source:     model.SourceClassifier,
		}
	}
	if resp.Vision != nil {
		result.Vision = &model.VisionAttributes{
			Logos:   toScoredValues(resp.Vision.Logos),
			Colors:  toScoredValues(resp.Vision.Colors),
			Labels:  toScoredValues(resp.Vision.Labels),
			OCRText: resp.Vision.OCRText,
		}
	}
	if resp.PriceHighCents > 0 {
		result.PriceRange = &model.PriceRange{
			LowCents:  resp.PriceLowCents,
			HighCents: resp.PriceHighCents,
			Currency:  resp.PriceCurrency,
		}
	}
	return result
}

func toScoredValues(in []classify.Scored) []model.ScoredValue {
	if len(in) == 0 {
		return nil
	}
	out := make([]model.ScoredValue, len(in))
	for i, s := range in {
		out[i] = model.ScoredValue{Value: s.Value, Score: s.Score}
	}
	return out
}

func knownAttributeKey(s string) (model.AttributeKey, bool) {
	for _, k := range model.KnownAttributeKeys {
		if string(k) == s {
			return k, true
		}
	}
	return "", false
}
