package model

import "strings"

// AttributeKey enumerates the known item attribute keys. Attribute maps are
// keyed by these constants rather than free-form strings so that writers and
// consumers agree on the vocabulary.
type AttributeKey string

const (
	AttrBrand        AttributeKey = "brand"
	AttrColor        AttributeKey = "color"
	AttrModel        AttributeKey = "model"
	AttrSize         AttributeKey = "size"
	AttrMaterial     AttributeKey = "material"
	AttrCondition    AttributeKey = "condition"
	AttrTitle        AttributeKey = "title"
	AttrCategoryPath AttributeKey = "category_path"
	AttrBarcode      AttributeKey = "barcode"
	AttrNotes        AttributeKey = "notes"
)

// KnownAttributeKeys lists every attribute key the engine understands.
var KnownAttributeKeys = []AttributeKey{
	AttrBrand, AttrColor, AttrModel, AttrSize, AttrMaterial,
	AttrCondition, AttrTitle, AttrCategoryPath, AttrBarcode, AttrNotes,
}

// Provenance tags for attribute values. SourceUser is authoritative:
// automatic writers must not replace a user-sourced value.
const (
	SourceUser       = "user"
	SourceVision     = "vision"
	SourceClassifier = "classifier"
	SourceBarcode    = "barcode"
	SourceListingAI  = "listing_ai"
)

// ItemAttribute is one attribute value with its confidence and provenance.
type ItemAttribute struct {
	Value      string  `json:"value"`
	Confidence float64 `json:"confidence"`
	Source     string  `json:"source"`
}

// VisionAttributes holds the raw output of vision extraction on an item
// image. Each field carries the detector confidence alongside the value.
type VisionAttributes struct {
	Logos    []ScoredValue `json:"logos,omitempty"`
	Colors   []ScoredValue `json:"colors,omitempty"`
	Labels   []ScoredValue `json:"labels,omitempty"`
	OCRText  string        `json:"ocr_text,omitempty"`
	OCRScore float64       `json:"ocr_score,omitempty"`
}

// ScoredValue is a vision result value with its detection confidence.
type ScoredValue struct {
	Value string  `json:"value"`
	Score float64 `json:"score"`
}

// IsEmpty reports whether the vision extraction produced nothing usable.
func (v VisionAttributes) IsEmpty() bool {
	return len(v.Logos) == 0 && len(v.Colors) == 0 && len(v.Labels) == 0 && v.OCRText == ""
}

// PriceRange is an estimated resale price band in minor currency units.
type PriceRange struct {
	LowCents  int64  `json:"low_cents"`
	HighCents int64  `json:"high_cents"`
	Currency  string `json:"currency"`
}

// ExportContent is the AI-generated listing copy for an item.
type ExportContent struct {
	AITitle       string         `json:"ai_title,omitempty"`
	AIDescription string         `json:"ai_description,omitempty"`
	Bullets       []string       `json:"bullets,omitempty"`
	GeneratedAtMs int64          `json:"generated_at_ms,omitempty"`
	Tier          ConfidenceTier `json:"tier,omitempty"`
}

// PhotoRef points at a captured photo for an item.
type PhotoRef struct {
	PhotoID    string `json:"photo_id"`
	URI        string `json:"uri"`
	CapturedMs int64  `json:"captured_ms"`
}

// AggregatedItem is the aggregator's unit of state: one physical object as
// reconstructed from one or more raw detections. It is mutated in place by
// the aggregator under the state manager's single-writer discipline and is
// never exposed outside that context; consumers see ScannedItem projections.
type AggregatedItem struct {
	AggregatedID       string
	SourceDetectionIDs []string
	Category           string
	Label              string
	Confidence         float64
	BoundingBox        BoundingBox
	ThumbnailPNG       []byte

	Attributes map[AttributeKey]ItemAttribute
	Vision     VisionAttributes

	PriceStatus PriceStatus
	PriceRange  *PriceRange
	PriceError  string

	ClassificationStatus ClassificationStatus
	DomainCategoryID     string
	CorrelationID        string
	ClassificationError  string

	Enrichment EnrichmentStatus

	Export  ExportContent
	Photos  []PhotoRef
	Listing ListingInfo

	SummaryText       string
	SummaryUserEdited bool

	MergeCount  int
	FirstSeenMs int64
	LastSeenMs  int64
}

// ListingInfo tracks where an item has been listed.
type ListingInfo struct {
	Status ListingStatus `json:"status"`
	ID     string        `json:"id,omitempty"`
	URL    string        `json:"url,omitempty"`
}

// HasAnyResults reports whether at least one attribute carries a non-blank
// value.
func (a *AggregatedItem) HasAnyResults() bool {
	for _, attr := range a.Attributes {
		if strings.TrimSpace(attr.Value) != "" {
			return true
		}
	}
	return false
}

// SetAttribute writes an attribute, honoring provenance: a value sourced
// from the user is never replaced by an automatic writer. It reports
// whether the write was applied.
func (a *AggregatedItem) SetAttribute(key AttributeKey, attr ItemAttribute) bool {
	if a.Attributes == nil {
		a.Attributes = make(map[AttributeKey]ItemAttribute)
	}
	existing, ok := a.Attributes[key]
	if ok && existing.Source == SourceUser && attr.Source != SourceUser {
		return false
	}
	a.Attributes[key] = attr
	return true
}

// ScannedItem is the externally visible, persistence-shaped projection of an
// AggregatedItem. Thumbnail bytes are replaced by a small cache key before
// publishing so the observable state never holds raw image data.
type ScannedItem struct {
	ID                 string                         `json:"id"`
	SourceDetectionIDs []string                       `json:"source_detection_ids"`
	Category           string                         `json:"category"`
	Label              string                         `json:"label,omitempty"`
	Confidence         float64                        `json:"confidence"`
	BoundingBox        BoundingBox                    `json:"bounding_box"`
	ThumbKey           string                         `json:"thumb_key,omitempty"`
	Attributes         map[AttributeKey]ItemAttribute `json:"attributes,omitempty"`
	Vision             VisionAttributes               `json:"vision,omitempty"`

	PriceStatus PriceStatus `json:"price_status"`
	PriceRange  *PriceRange `json:"price_range,omitempty"`
	PriceError  string      `json:"price_error,omitempty"`

	ClassificationStatus ClassificationStatus `json:"classification_status"`
	DomainCategoryID     string               `json:"domain_category_id,omitempty"`
	CorrelationID        string               `json:"correlation_id,omitempty"`
	ClassificationError  string               `json:"classification_error,omitempty"`

	Enrichment EnrichmentStatus `json:"enrichment"`

	Export  ExportContent `json:"export,omitempty"`
	Photos  []PhotoRef    `json:"photos,omitempty"`
	Listing ListingInfo   `json:"listing"`

	SummaryText       string `json:"summary_text,omitempty"`
	SummaryUserEdited bool   `json:"summary_user_edited"`

	MergeCount  int   `json:"merge_count"`
	FirstSeenMs int64 `json:"first_seen_ms"`
	LastSeenMs  int64 `json:"last_seen_ms"`
}

// Project derives the publishable projection of the item. The thumbnail is
// intentionally left off; the state store rewrites it into a cache key.
func (a *AggregatedItem) Project() ScannedItem {
	s := ScannedItem{
		ID:                   a.AggregatedID,
		SourceDetectionIDs:   append([]string(nil), a.SourceDetectionIDs...),
		Category:             a.Category,
		Label:                a.Label,
		Confidence:           a.Confidence,
		BoundingBox:          a.BoundingBox,
		PriceStatus:          a.PriceStatus,
		PriceError:           a.PriceError,
		ClassificationStatus: a.ClassificationStatus,
		DomainCategoryID:     a.DomainCategoryID,
		CorrelationID:        a.CorrelationID,
		ClassificationError:  a.ClassificationError,
		Enrichment:           a.Enrichment,
		Export:               a.Export,
		Listing:              a.Listing,
		SummaryText:          a.SummaryText,
		SummaryUserEdited:    a.SummaryUserEdited,
		MergeCount:           a.MergeCount,
		FirstSeenMs:          a.FirstSeenMs,
		LastSeenMs:           a.LastSeenMs,
		Vision:               a.Vision,
	}
	if a.PriceRange != nil {
		pr := *a.PriceRange
		s.PriceRange = &pr
	}
	if len(a.Attributes) > 0 {
		s.Attributes = make(map[AttributeKey]ItemAttribute, len(a.Attributes))
		for k, v := range a.Attributes {
			s.Attributes[k] = v
		}
	}
	if len(a.Photos) > 0 {
		s.Photos = append([]PhotoRef(nil), a.Photos...)
	}
	return s
}
