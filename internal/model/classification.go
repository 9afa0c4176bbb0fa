package model

// ClassificationResult is the outcome of an on-device or cloud
// classification request, ready to be merged into an aggregated item.
type ClassificationResult struct {
	CorrelationID    string                         `json:"correlation_id,omitempty"`
	DomainCategoryID string                         `json:"domain_category_id,omitempty"`
	Category         string                         `json:"category,omitempty"`
	Label            string                         `json:"label,omitempty"`
	Confidence       float64                        `json:"confidence,omitempty"`
	Attributes       map[AttributeKey]ItemAttribute `json:"attributes,omitempty"`
	Vision           *VisionAttributes              `json:"vision,omitempty"`
	PriceRange       *PriceRange                    `json:"price_range,omitempty"`
}
