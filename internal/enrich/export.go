package enrich

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/scanium/scan-engine/internal/model"
	"github.com/scanium/scan-engine/internal/state"
	"github.com/scanium/scan-engine/pkg/listing"
)

// ExportGenerator produces marketplace listing copy for an item and stores
// it as export content. Generation is explicit, never automatic: the copy
// is only as good as the attributes behind it, so callers decide when an
// item is ready. A user-edited summary is never overwritten.
type ExportGenerator struct {
	mgr    *state.Manager
	client listing.Client
	tasks  *taskSet
	nowMs  func() int64
}

// NewExportGenerator creates the generator.
func NewExportGenerator(mgr *state.Manager, client listing.Client) *ExportGenerator {
	return &ExportGenerator{
		mgr:    mgr,
		client: client,
		tasks:  newTaskSet(),
		nowMs:  func() int64 { return time.Now().UnixMilli() },
	}
}

// WithNow fixes the generator clock for tests.
func (g *ExportGenerator) WithNow(nowMs func() int64) *ExportGenerator {
	g.nowMs = nowMs
	return g
}

// Generate produces listing copy for the item and stores it, replacing any
// previous export content. It blocks until generation finishes; a second
// call for the same item cancels the first.
func (g *ExportGenerator) Generate(ctx context.Context, id string) (model.ExportContent, error) {
	item, ok := g.mgr.Get(id)
	if !ok {
		return model.ExportContent{}, eris.Errorf("export: unknown item %s", id)
	}

	taskCtx, finish := g.tasks.begin(ctx, id)
	defer finish()

	generated, err := g.client.Generate(taskCtx, buildListingRequest(item))
	if taskCtx.Err() != nil {
		return model.ExportContent{}, eris.Wrap(taskCtx.Err(), "export: generation cancelled")
	}
	if err != nil {
		return model.ExportContent{}, eris.Wrapf(err, "export: generate for item %s", id)
	}

	content := model.ExportContent{
		AITitle:       generated.Title,
		AIDescription: generated.Description,
		Bullets:       generated.Bullets,
		GeneratedAtMs: g.nowMs(),
		Tier:          ComputeTier(item),
	}
	if err := g.mgr.UpdateExportContent(taskCtx, id, content); err != nil {
		return model.ExportContent{}, eris.Wrapf(err, "export: store content for item %s", id)
	}

	// The generated description doubles as the item summary unless the
	// user has taken it over.
	if !item.SummaryUserEdited {
		if err := g.mgr.UpdateSummary(taskCtx, id, generated.Description, false); err != nil {
			zap.L().Warn("export: summary update failed",
				zap.String("item_id", id), zap.Error(err))
		}
	}
	return content, nil
}

// Cancel stops an in-flight generation for the item, if any.
func (g *ExportGenerator) Cancel(id string) {
	g.tasks.cancel(id)
}

func buildListingRequest(item model.ScannedItem) listing.Request {
	req := listing.Request{
		Category: item.Category,
		Label:    item.Label,
	}
	if item.PriceRange != nil {
		req.PriceLowCents = item.PriceRange.LowCents
		req.PriceHighCents = item.PriceRange.HighCents
		req.Currency = item.PriceRange.Currency
	}
	for k, attr := range item.Attributes {
		if attr.Value == "" {
			continue
		}
		switch k {
		case model.AttrCondition:
			req.Condition = attr.Value
		case model.AttrNotes:
			req.Notes = attr.Value
		default:
			if req.Attributes == nil {
				req.Attributes = make(map[string]string)
			}
			req.Attributes[string(k)] = attr.Value
		}
	}
	return req
}

// ComputeTier buckets an item by how well its attributes support generated
// copy: high needs a confident classification and at least three confident
// attributes, medium at least one, low anything else. User-sourced values
// count as fully confident.
func ComputeTier(item model.ScannedItem) model.ConfidenceTier {
	confident := 0
	for _, attr := range item.Attributes {
		if attr.Value == "" {
			continue
		}
		if attr.Source == model.SourceUser || attr.Confidence >= 0.7 {
			confident++
		}
	}
	switch {
	case item.Confidence >= 0.8 && confident >= 3:
		return model.TierHigh
	case confident >= 1:
		return model.TierMedium
	default:
		return model.TierLow
	}
}
