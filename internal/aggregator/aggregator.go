package aggregator

import (
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/scanium/scan-engine/internal/model"
	"github.com/scanium/scan-engine/internal/taxonomy"
)

// DefaultSimilarityThreshold is the score cutoff above which a detection is
// merged into an existing item rather than starting a new one.
const DefaultSimilarityThreshold = 0.6

// Stats is a point-in-time view of aggregation activity.
type Stats struct {
	TotalItems           int     `json:"total_items"`
	TotalMerges          int     `json:"total_merges"`
	AverageMergesPerItem float64 `json:"average_merges_per_item"`
}

// Aggregator collapses raw per-frame detections into stable aggregated
// items using similarity scoring. It owns no I/O and performs no locking:
// the state manager serializes all access onto a single writer, so the
// aggregator only has to stay internally consistent under sequential calls.
type Aggregator struct {
	scorer    *Scorer
	tax       *taxonomy.Taxonomy
	threshold float64

	items map[string]*model.AggregatedItem
	order []string // aggregated ids in insertion order, for deterministic iteration
}

// New creates an empty aggregator with the default similarity threshold.
func New(tax *taxonomy.Taxonomy) *Aggregator {
	if tax == nil {
		tax = taxonomy.Default()
	}
	return &Aggregator{
		scorer:    NewScorer(tax),
		tax:       tax,
		threshold: DefaultSimilarityThreshold,
		items:     make(map[string]*model.AggregatedItem),
	}
}

// UpdateSimilarityThreshold sets the merge cutoff, clamped to [0,1].
// The change applies prospectively; already-merged items are not revisited.
func (a *Aggregator) UpdateSimilarityThreshold(t float64) {
	if t < 0 {
		t = 0
	}
	if t > 1 {
		t = 1
	}
	a.threshold = t
}

// SimilarityThreshold returns the current merge cutoff.
func (a *Aggregator) SimilarityThreshold() float64 {
	return a.threshold
}

// ProcessDetection routes one detection: merge into the best-scoring
// existing item above the threshold, or create a new item.
func (a *Aggregator) ProcessDetection(d model.RawDetection) *model.AggregatedItem {
	var best *model.AggregatedItem
	bestScore := 0.0
	for _, id := range a.order {
		item := a.items[id]
		score := a.scorer.Score(d, item)
		if score > bestScore {
			best, bestScore = item, score
		}
	}

	if best != nil && bestScore > a.threshold {
		a.merge(d, best)
		return best
	}
	return a.create(d)
}

// ProcessDetections applies a batch in input order. The result is identical
// to calling ProcessDetection once per element.
func (a *Aggregator) ProcessDetections(ds []model.RawDetection) []*model.AggregatedItem {
	out := make([]*model.AggregatedItem, 0, len(ds))
	for _, d := range ds {
		out = append(out, a.ProcessDetection(d))
	}
	return out
}

func (a *Aggregator) create(d model.RawDetection) *model.AggregatedItem {
	item := &model.AggregatedItem{
		AggregatedID:         uuid.New().String(),
		SourceDetectionIDs:   []string{d.DetectionID},
		Category:             d.Category,
		Label:                d.Label,
		Confidence:           d.Confidence,
		BoundingBox:          d.BoundingBox,
		ThumbnailPNG:         d.ThumbnailPNG,
		Attributes:           make(map[model.AttributeKey]model.ItemAttribute),
		PriceStatus:          model.PricePending,
		ClassificationStatus: model.ClassificationPending,
		Enrichment:           model.NewEnrichmentStatus(),
		Listing:              model.ListingInfo{Status: model.ListingNone},
		FirstSeenMs:          d.TimestampMs,
		LastSeenMs:           d.TimestampMs,
	}
	a.absorbText(d, item)
	a.items[item.AggregatedID] = item
	a.order = append(a.order, item.AggregatedID)
	return item
}

func (a *Aggregator) merge(d model.RawDetection, item *model.AggregatedItem) {
	item.SourceDetectionIDs = append(item.SourceDetectionIDs, d.DetectionID)
	item.MergeCount++
	item.BoundingBox = d.BoundingBox
	if d.TimestampMs > item.LastSeenMs {
		item.LastSeenMs = d.TimestampMs
	}
	if d.Confidence > item.Confidence {
		item.Confidence = d.Confidence
		if d.Label != "" {
			item.Label = d.Label
		}
	}
	if len(item.ThumbnailPNG) == 0 && len(d.ThumbnailPNG) > 0 {
		item.ThumbnailPNG = d.ThumbnailPNG
	}
	a.absorbText(d, item)
}

// absorbText folds detection-level OCR and barcode evidence into the item.
func (a *Aggregator) absorbText(d model.RawDetection, item *model.AggregatedItem) {
	if d.OCRText != "" && len(d.OCRText) > len(item.Vision.OCRText) {
		item.Vision.OCRText = d.OCRText
	}
	if d.BarcodeValue != "" {
		item.SetAttribute(model.AttrBarcode, model.ItemAttribute{
			Value:      d.BarcodeValue,
			Confidence: 1.0,
			Source:     model.SourceBarcode,
		})
	}
}

// Get returns the item for the given aggregated id.
func (a *Aggregator) Get(id string) (*model.AggregatedItem, bool) {
	item, ok := a.items[id]
	return item, ok
}

// Items returns all aggregated items in insertion order.
func (a *Aggregator) Items() []*model.AggregatedItem {
	out := make([]*model.AggregatedItem, 0, len(a.order))
	for _, id := range a.order {
		out = append(out, a.items[id])
	}
	return out
}

// RemoveItem deletes an item by id. Removing an unknown id is a no-op.
func (a *Aggregator) RemoveItem(id string) bool {
	if _, ok := a.items[id]; !ok {
		return false
	}
	delete(a.items, id)
	for i, oid := range a.order {
		if oid == id {
			a.order = append(a.order[:i], a.order[i+1:]...)
			break
		}
	}
	return true
}

// RemoveStaleItems deletes items whose last sighting is older than maxAgeMs
// relative to nowMs and returns the removed ids.
func (a *Aggregator) RemoveStaleItems(maxAgeMs, nowMs int64) []string {
	var stale []string
	for _, id := range a.order {
		if nowMs-a.items[id].LastSeenMs > maxAgeMs {
			stale = append(stale, id)
		}
	}
	for _, id := range stale {
		a.RemoveItem(id)
	}
	return stale
}

// Reset drops all aggregated state.
func (a *Aggregator) Reset() {
	a.items = make(map[string]*model.AggregatedItem)
	a.order = nil
}

// SeedFromScannedItems rehydrates the aggregator from a persisted snapshot.
// No similarity matching runs: each scanned item becomes its own aggregated
// item with its identity and history intact. In-progress task statuses are
// demoted to pending: no task survives a restart, and a snapshot frozen at
// in_progress would otherwise block redispatch forever.
func (a *Aggregator) SeedFromScannedItems(items []model.ScannedItem) {
	for _, s := range items {
		if _, exists := a.items[s.ID]; exists {
			continue
		}
		item := &model.AggregatedItem{
			AggregatedID:         s.ID,
			SourceDetectionIDs:   append([]string(nil), s.SourceDetectionIDs...),
			Category:             s.Category,
			Label:                s.Label,
			Confidence:           s.Confidence,
			BoundingBox:          s.BoundingBox,
			Attributes:           make(map[model.AttributeKey]model.ItemAttribute, len(s.Attributes)),
			Vision:               s.Vision,
			PriceStatus:          s.PriceStatus,
			PriceError:           s.PriceError,
			ClassificationStatus: s.ClassificationStatus,
			DomainCategoryID:     s.DomainCategoryID,
			CorrelationID:        s.CorrelationID,
			ClassificationError:  s.ClassificationError,
			Enrichment:           s.Enrichment,
			Export:               s.Export,
			Photos:               append([]model.PhotoRef(nil), s.Photos...),
			Listing:              s.Listing,
			SummaryText:          s.SummaryText,
			SummaryUserEdited:    s.SummaryUserEdited,
			MergeCount:           s.MergeCount,
			FirstSeenMs:          s.FirstSeenMs,
			LastSeenMs:           s.LastSeenMs,
		}
		if item.PriceStatus == "" || item.PriceStatus == model.PriceInProgress {
			item.PriceStatus = model.PricePending
		}
		if item.ClassificationStatus == "" || item.ClassificationStatus == model.ClassificationInProgress {
			item.ClassificationStatus = model.ClassificationPending
		}
		if item.Enrichment.LayerB == "" {
			item.Enrichment = model.NewEnrichmentStatus()
		}
		if item.Enrichment.LayerB == model.LayerInProgress {
			item.Enrichment.LayerB = model.LayerPending
		}
		if item.Enrichment.LayerC == model.LayerInProgress {
			item.Enrichment.LayerC = model.LayerPending
		}
		if item.Listing.Status == "" {
			item.Listing.Status = model.ListingNone
		}
		for k, v := range s.Attributes {
			item.Attributes[k] = v
		}
		a.items[item.AggregatedID] = item
		a.order = append(a.order, item.AggregatedID)
	}
}

// ApplyEnhancedClassification merges a classification result into an item.
// Classification results can race ahead of item removal, so an unknown id
// is logged and dropped rather than treated as an error.
func (a *Aggregator) ApplyEnhancedClassification(id string, result model.ClassificationResult) {
	item, ok := a.items[id]
	if !ok {
		zap.L().Warn("aggregator: classification result for unknown item",
			zap.String("item_id", id),
			zap.String("correlation_id", result.CorrelationID),
		)
		return
	}

	item.ClassificationStatus = model.ClassificationSuccess
	item.ClassificationError = ""
	if result.CorrelationID != "" {
		item.CorrelationID = result.CorrelationID
	}
	if result.DomainCategoryID != "" {
		item.DomainCategoryID = result.DomainCategoryID
	} else if result.Category != "" {
		item.DomainCategoryID = a.tax.DomainCategoryID(result.Category)
	}
	if result.Confidence > item.Confidence {
		item.Confidence = result.Confidence
		if result.Label != "" {
			item.Label = result.Label
		}
		if result.Category != "" {
			item.Category = result.Category
		}
	}
	for k, attr := range result.Attributes {
		if attr.Source == "" {
			attr.Source = model.SourceClassifier
		}
		item.SetAttribute(k, attr)
	}
	if result.Vision != nil && !result.Vision.IsEmpty() {
		mergeVision(&item.Vision, *result.Vision)
	}
	if result.PriceRange != nil && item.PriceRange == nil {
		pr := *result.PriceRange
		item.PriceRange = &pr
		item.PriceStatus = model.PriceSuccess
	}
}

// MergeVision unions vision extraction output into an item without touching
// its classification status. Unknown ids report false.
func (a *Aggregator) MergeVision(id string, v model.VisionAttributes) bool {
	item, ok := a.items[id]
	if !ok {
		zap.L().Warn("aggregator: vision result for unknown item", zap.String("item_id", id))
		return false
	}
	mergeVision(&item.Vision, v)
	return true
}

// mergeVision unions vision results, keeping the longer OCR text.
func mergeVision(dst *model.VisionAttributes, src model.VisionAttributes) {
	dst.Logos = mergeScored(dst.Logos, src.Logos)
	dst.Colors = mergeScored(dst.Colors, src.Colors)
	dst.Labels = mergeScored(dst.Labels, src.Labels)
	if len(src.OCRText) > len(dst.OCRText) {
		dst.OCRText = src.OCRText
		dst.OCRScore = src.OCRScore
	}
}

func mergeScored(dst, src []model.ScoredValue) []model.ScoredValue {
	seen := make(map[string]int, len(dst))
	for i, v := range dst {
		seen[v.Value] = i
	}
	for _, v := range src {
		if i, ok := seen[v.Value]; ok {
			if v.Score > dst[i].Score {
				dst[i].Score = v.Score
			}
			continue
		}
		dst = append(dst, v)
	}
	return dst
}

// Stats reports aggregation statistics over the current item set.
func (a *Aggregator) Stats() Stats {
	s := Stats{TotalItems: len(a.items)}
	for _, item := range a.items {
		s.TotalMerges += item.MergeCount
	}
	if s.TotalItems > 0 {
		s.AverageMergesPerItem = float64(s.TotalMerges) / float64(s.TotalItems)
	}
	return s
}
