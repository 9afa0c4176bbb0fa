package aggregator

import (
	"math"
	"strings"

	"golang.org/x/text/cases"

	"github.com/scanium/scan-engine/internal/model"
	"github.com/scanium/scan-engine/internal/taxonomy"
)

// Scoring weights. Category agreement is a hard gate, so its weight acts as
// the baseline score any same-category pair starts from.
const (
	weightCategory = 0.40
	weightSpatial  = 0.30
	weightRecency  = 0.20
	weightText     = 0.10
)

// defaultRecencyHalfLifeMs is how quickly spatial evidence goes stale: a
// candidate last seen one half-life ago contributes half the recency score.
const defaultRecencyHalfLifeMs = 3000

// Scorer computes the similarity between an incoming detection and an
// existing aggregated item.
type Scorer struct {
	tax              *taxonomy.Taxonomy
	recencyHalfLifMs int64
	fold             cases.Caser
}

// NewScorer creates a scorer using the given taxonomy for synonym-aware
// category matching. A nil taxonomy falls back to the built-in default.
func NewScorer(tax *taxonomy.Taxonomy) *Scorer {
	if tax == nil {
		tax = taxonomy.Default()
	}
	return &Scorer{
		tax:              tax,
		recencyHalfLifMs: defaultRecencyHalfLifeMs,
		fold:             cases.Fold(),
	}
}

// Score returns the similarity of d against item in [0,1]. A zero score
// means the pair can never merge: different categories and conflicting
// barcodes are hard gates.
func (s *Scorer) Score(d model.RawDetection, item *model.AggregatedItem) float64 {
	if !s.tax.SameCategory(d.Category, item.Category) {
		return 0
	}

	// Two different barcodes are two different physical objects.
	itemBarcode := ""
	if attr, ok := item.Attributes[model.AttrBarcode]; ok {
		itemBarcode = attr.Value
	}
	if d.BarcodeValue != "" && itemBarcode != "" && d.BarcodeValue != itemBarcode {
		return 0
	}

	score := weightCategory

	score += weightSpatial * spatialScore(d.BoundingBox, item.BoundingBox)
	score += weightRecency * s.recencyScore(d.TimestampMs, item.LastSeenMs)
	score += weightText * s.textScore(d, item, itemBarcode)

	if score > 1 {
		score = 1
	}
	return score
}

// ScoreSnapshot returns the similarity of two published items in [0,1],
// with the same hard gates as Score. Duplicate detection uses it to compare
// items that already exist side by side; recency carries no signal between
// two persistent items, so its weight folds into the spatial term.
func (s *Scorer) ScoreSnapshot(a, b model.ScannedItem) float64 {
	if !s.tax.SameCategory(a.Category, b.Category) {
		return 0
	}

	aCode := snapshotBarcode(a)
	bCode := snapshotBarcode(b)
	if aCode != "" && bCode != "" && aCode != bCode {
		return 0
	}

	score := weightCategory
	score += (weightSpatial + weightRecency) * spatialScore(a.BoundingBox, b.BoundingBox)

	switch {
	case aCode != "" && aCode == bCode:
		score += weightText
	case a.Vision.OCRText != "" && b.Vision.OCRText != "":
		score += weightText * tokenOverlap(s.tokens(a.Vision.OCRText), s.tokens(b.Vision.OCRText))
	}

	if score > 1 {
		score = 1
	}
	return score
}

func snapshotBarcode(item model.ScannedItem) string {
	if attr, ok := item.Attributes[model.AttrBarcode]; ok {
		return attr.Value
	}
	return ""
}

// spatialScore favors overlapping boxes, falling back to center proximity
// for boxes that drifted apart between frames.
func spatialScore(a, b model.BoundingBox) float64 {
	iou := a.IoU(b)
	proximity := 1 - a.CenterDistance(b)/math.Sqrt2
	if proximity < 0 {
		proximity = 0
	}
	if iou > proximity {
		return iou
	}
	return proximity
}

// recencyScore decays exponentially with the age of the item's last
// sighting relative to the detection timestamp.
func (s *Scorer) recencyScore(detectionMs, lastSeenMs int64) float64 {
	if lastSeenMs == 0 || detectionMs <= lastSeenMs {
		return 1
	}
	age := float64(detectionMs - lastSeenMs)
	return math.Pow(2, -age/float64(s.recencyHalfLifMs))
}

// textScore compares barcode and OCR evidence. A matching barcode is
// conclusive; otherwise OCR token overlap contributes proportionally.
func (s *Scorer) textScore(d model.RawDetection, item *model.AggregatedItem, itemBarcode string) float64 {
	if d.BarcodeValue != "" && d.BarcodeValue == itemBarcode {
		return 1
	}
	if d.OCRText == "" || item.Vision.OCRText == "" {
		return 0
	}
	return tokenOverlap(s.tokens(d.OCRText), s.tokens(item.Vision.OCRText))
}

func (s *Scorer) tokens(text string) map[string]struct{} {
	out := make(map[string]struct{})
	for _, tok := range strings.Fields(s.fold.String(text)) {
		if len(tok) >= 2 {
			out[tok] = struct{}{}
		}
	}
	return out
}

// tokenOverlap is the Jaccard index of two token sets.
func tokenOverlap(a, b map[string]struct{}) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	inter := 0
	for tok := range a {
		if _, ok := b[tok]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}
