package model

// ClassificationStatus tracks the cloud/on-device classification pipeline
// for one item.
type ClassificationStatus string

const (
	ClassificationPending    ClassificationStatus = "pending"
	ClassificationInProgress ClassificationStatus = "in_progress"
	ClassificationSuccess    ClassificationStatus = "success"
	ClassificationError      ClassificationStatus = "error"
)

// LayerState is the status of one enrichment layer.
type LayerState string

const (
	LayerPending    LayerState = "pending"
	LayerInProgress LayerState = "in_progress"
	LayerSuccess    LayerState = "success"
	LayerFailed     LayerState = "failed"
)

// Terminal reports whether the layer has finished (successfully or not).
func (s LayerState) Terminal() bool {
	return s == LayerSuccess || s == LayerFailed
}

// EnrichmentStatus tracks the two independent enrichment layers of an item.
// Layer B is the fast local pass, layer C the deep cloud/vision pass.
type EnrichmentStatus struct {
	LayerB        LayerState `json:"layer_b"`
	LayerC        LayerState `json:"layer_c"`
	LastUpdatedMs int64      `json:"last_updated_ms"`
}

// NewEnrichmentStatus returns a status with both layers pending.
func NewEnrichmentStatus() EnrichmentStatus {
	return EnrichmentStatus{LayerB: LayerPending, LayerC: LayerPending}
}

// IsEnriching reports whether either layer is currently in progress.
func (e EnrichmentStatus) IsEnriching() bool {
	return e.LayerB == LayerInProgress || e.LayerC == LayerInProgress
}

// IsComplete reports whether both layers have reached a terminal state.
func (e EnrichmentStatus) IsComplete() bool {
	return e.LayerB.Terminal() && e.LayerC.Terminal()
}

// Layer selects one of the two enrichment layers.
type Layer string

const (
	EnrichLayerB Layer = "layer_b"
	EnrichLayerC Layer = "layer_c"
)

// PriceStatus tracks price estimation for one item.
type PriceStatus string

const (
	PricePending    PriceStatus = "pending"
	PriceInProgress PriceStatus = "in_progress"
	PriceSuccess    PriceStatus = "success"
	PriceError      PriceStatus = "error"
)

// ListingStatus tracks marketplace listing state for one item.
type ListingStatus string

const (
	ListingNone      ListingStatus = "none"
	ListingDrafted   ListingStatus = "drafted"
	ListingPublished ListingStatus = "published"
)

// ConfidenceTier buckets generated listing content by how much of it is
// backed by high-confidence attributes.
type ConfidenceTier string

const (
	TierHigh   ConfidenceTier = "high"
	TierMedium ConfidenceTier = "medium"
	TierLow    ConfidenceTier = "low"
)
