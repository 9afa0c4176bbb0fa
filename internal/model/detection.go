package model

import "math"

// BoundingBox is a detector box in normalized image coordinates, where
// (0,0) is the top-left corner and all values are in [0,1].
type BoundingBox struct {
	Left   float64 `json:"left"`
	Top    float64 `json:"top"`
	Right  float64 `json:"right"`
	Bottom float64 `json:"bottom"`
}

// Width returns the normalized box width, never negative.
func (b BoundingBox) Width() float64 {
	if b.Right < b.Left {
		return 0
	}
	return b.Right - b.Left
}

// Height returns the normalized box height, never negative.
func (b BoundingBox) Height() float64 {
	if b.Bottom < b.Top {
		return 0
	}
	return b.Bottom - b.Top
}

// Area returns the normalized box area.
func (b BoundingBox) Area() float64 {
	return b.Width() * b.Height()
}

// IoU returns the intersection-over-union of two boxes in [0,1].
func (b BoundingBox) IoU(o BoundingBox) float64 {
	il := math.Max(b.Left, o.Left)
	it := math.Max(b.Top, o.Top)
	ir := math.Min(b.Right, o.Right)
	ib := math.Min(b.Bottom, o.Bottom)
	if ir <= il || ib <= it {
		return 0
	}
	inter := (ir - il) * (ib - it)
	union := b.Area() + o.Area() - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}

// CenterDistance returns the Euclidean distance between box centers.
// The maximum possible value for normalized boxes is sqrt(2).
func (b BoundingBox) CenterDistance(o BoundingBox) float64 {
	bx := (b.Left + b.Right) / 2
	by := (b.Top + b.Bottom) / 2
	ox := (o.Left + o.Right) / 2
	oy := (o.Top + o.Bottom) / 2
	return math.Hypot(bx-ox, by-oy)
}

// RawDetection is one detector observation for a single frame. Detections
// are ephemeral: they feed the aggregator and are never persisted directly.
type RawDetection struct {
	DetectionID  string      `json:"detection_id"`
	Category     string      `json:"category"`
	Label        string      `json:"label,omitempty"`
	Confidence   float64     `json:"confidence"`
	BoundingBox  BoundingBox `json:"bounding_box"`
	ThumbnailPNG []byte      `json:"thumbnail_png,omitempty"`
	OCRText      string      `json:"ocr_text,omitempty"`
	BarcodeValue string      `json:"barcode_value,omitempty"`
	TimestampMs  int64       `json:"timestamp_ms"`
}
