package enrich

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scanium/scan-engine/internal/model"
	"github.com/scanium/scan-engine/pkg/listing"
)

type stubListing struct {
	copy *listing.Copy
	err  error
	last listing.Request
}

func (s *stubListing) Generate(_ context.Context, req listing.Request) (*listing.Copy, error) {
	s.last = req
	return s.copy, s.err
}

func TestComputeTier(t *testing.T) {
	t.Parallel()

	attr := func(value string, conf float64, source string) model.ItemAttribute {
		return model.ItemAttribute{Value: value, Confidence: conf, Source: source}
	}

	tests := []struct {
		name string
		item model.ScannedItem
		want model.ConfidenceTier
	}{
		{
			"no attributes",
			model.ScannedItem{Confidence: 0.9},
			model.TierLow,
		},
		{
			"one confident attribute",
			model.ScannedItem{
				Confidence: 0.9,
				Attributes: map[model.AttributeKey]model.ItemAttribute{
					model.AttrBrand: attr("Nike", 0.8, model.SourceVision),
				},
			},
			model.TierMedium,
		},
		{
			"three confident attributes and strong classification",
			model.ScannedItem{
				Confidence: 0.85,
				Attributes: map[model.AttributeKey]model.ItemAttribute{
					model.AttrBrand: attr("Nike", 0.9, model.SourceVision),
					model.AttrColor: attr("red", 0.75, model.SourceVision),
					model.AttrSize:  attr("10", 0, model.SourceUser),
				},
			},
			model.TierHigh,
		},
		{
			"three confident attributes but weak classification",
			model.ScannedItem{
				Confidence: 0.7,
				Attributes: map[model.AttributeKey]model.ItemAttribute{
					model.AttrBrand: attr("Nike", 0.9, model.SourceVision),
					model.AttrColor: attr("red", 0.9, model.SourceVision),
					model.AttrSize:  attr("10", 0.9, model.SourceVision),
				},
			},
			model.TierMedium,
		},
		{
			"low confidence attributes do not count",
			model.ScannedItem{
				Confidence: 0.9,
				Attributes: map[model.AttributeKey]model.ItemAttribute{
					model.AttrBrand: attr("Nike", 0.5, model.SourceVision),
					model.AttrColor: attr("", 0.9, model.SourceVision),
				},
			},
			model.TierLow,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, ComputeTier(tt.item))
		})
	}
}

func TestGenerate(t *testing.T) {
	t.Parallel()

	m := newEnrichManager(t)
	item := seedItem(t, m, true)
	_, err := m.UpdateAttribute(context.Background(), item.ID, model.AttrBrand,
		model.ItemAttribute{Value: "Nike", Confidence: 0.9, Source: model.SourceVision})
	require.NoError(t, err)

	stub := &stubListing{copy: &listing.Copy{
		Title:       "Nike Air Zoom Pegasus",
		Description: "Lightly used running shoe in great shape.",
		Bullets:     []string{"Nike", "size 10"},
	}}
	g := NewExportGenerator(m, stub).WithNow(func() int64 { return 99000 })

	content, err := g.Generate(context.Background(), item.ID)
	require.NoError(t, err)
	assert.Equal(t, "Nike Air Zoom Pegasus", content.AITitle)
	assert.Equal(t, int64(99000), content.GeneratedAtMs)
	assert.Equal(t, model.TierMedium, content.Tier)

	got, _ := m.Get(item.ID)
	assert.Equal(t, content, got.Export)
	assert.Equal(t, "Lightly used running shoe in great shape.", got.SummaryText,
		"the description doubles as the summary")
	assert.False(t, got.SummaryUserEdited)
}

func TestGenerate_KeepsUserSummary(t *testing.T) {
	t.Parallel()

	m := newEnrichManager(t)
	item := seedItem(t, m, true)
	require.NoError(t, m.UpdateSummary(context.Background(), item.ID, "my own words", true))

	stub := &stubListing{copy: &listing.Copy{Title: "t", Description: "generated"}}
	g := NewExportGenerator(m, stub)

	_, err := g.Generate(context.Background(), item.ID)
	require.NoError(t, err)

	got, _ := m.Get(item.ID)
	assert.Equal(t, "my own words", got.SummaryText)
	assert.True(t, got.SummaryUserEdited)
	assert.Equal(t, "t", got.Export.AITitle, "export content is still stored")
}

func TestGenerate_UnknownItem(t *testing.T) {
	t.Parallel()

	m := newEnrichManager(t)
	g := NewExportGenerator(m, &stubListing{})

	_, err := g.Generate(context.Background(), "no-such-item")
	assert.Error(t, err)
}

func TestGenerate_ClientError(t *testing.T) {
	t.Parallel()

	m := newEnrichManager(t)
	item := seedItem(t, m, true)

	g := NewExportGenerator(m, &stubListing{err: errors.New("rate limited")})

	_, err := g.Generate(context.Background(), item.ID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rate limited")
}

func TestBuildListingRequest(t *testing.T) {
	t.Parallel()

	item := model.ScannedItem{
		Category: "shoe",
		Label:    "Pegasus",
		PriceRange: &model.PriceRange{
			LowCents: 4500, HighCents: 7000, Currency: "USD",
		},
		Attributes: map[model.AttributeKey]model.ItemAttribute{
			model.AttrCondition: {Value: "used_good"},
			model.AttrNotes:     {Value: "small scuff on heel"},
			model.AttrBrand:     {Value: "Nike"},
			model.AttrSize:      {Value: ""},
		},
	}

	req := buildListingRequest(item)
	assert.Equal(t, "shoe", req.Category)
	assert.Equal(t, int64(4500), req.PriceLowCents)
	assert.Equal(t, "used_good", req.Condition)
	assert.Equal(t, "small scuff on heel", req.Notes)
	assert.Equal(t, map[string]string{"brand": "Nike"}, req.Attributes)
}
