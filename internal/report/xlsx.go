package report

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"

	"github.com/scanium/scan-engine/internal/model"
)

// inventoryColumns is the fixed column order of the inventory sheet.
var inventoryColumns = []string{
	"Item ID", "Category", "Label", "Confidence",
	"Brand", "Color", "Model", "Size", "Condition", "Barcode",
	"Price Low", "Price High", "Currency",
	"Classification", "Enrichment", "Listing",
	"Title", "Summary", "Merged From", "First Seen", "Last Seen",
}

// WriteInventory writes the scanned items as an XLSX workbook with one
// inventory row per item. Items are written in the given order, which the
// engine keeps as insertion order.
func WriteInventory(w io.Writer, items []model.ScannedItem) error {
	f := xlsx.NewFile()
	sheet, err := f.AddSheet("Inventory")
	if err != nil {
		return eris.Wrap(err, "report: add inventory sheet")
	}

	header := sheet.AddRow()
	for _, col := range inventoryColumns {
		header.AddCell().Value = col
	}

	for _, item := range items {
		writeItemRow(sheet.AddRow(), item)
	}

	if err := addSummarySheet(f, items); err != nil {
		return err
	}

	if err := f.Write(w); err != nil {
		return eris.Wrap(err, "report: write workbook")
	}
	return nil
}

func writeItemRow(row *xlsx.Row, item model.ScannedItem) {
	row.AddCell().Value = item.ID
	row.AddCell().Value = item.Category
	row.AddCell().Value = item.Label
	row.AddCell().SetFloatWithFormat(item.Confidence, "0.00")

	for _, key := range []model.AttributeKey{
		model.AttrBrand, model.AttrColor, model.AttrModel,
		model.AttrSize, model.AttrCondition, model.AttrBarcode,
	} {
		row.AddCell().Value = attributeValue(item, key)
	}

	if item.PriceRange != nil {
		row.AddCell().SetFloatWithFormat(float64(item.PriceRange.LowCents)/100, "0.00")
		row.AddCell().SetFloatWithFormat(float64(item.PriceRange.HighCents)/100, "0.00")
		row.AddCell().Value = item.PriceRange.Currency
	} else {
		row.AddCell()
		row.AddCell()
		row.AddCell()
	}

	row.AddCell().Value = string(item.ClassificationStatus)
	row.AddCell().Value = enrichmentSummary(item.Enrichment)
	row.AddCell().Value = string(item.Listing.Status)

	row.AddCell().Value = item.Export.AITitle
	row.AddCell().Value = item.SummaryText
	row.AddCell().SetInt(item.MergeCount)
	row.AddCell().Value = formatMs(item.FirstSeenMs)
	row.AddCell().Value = formatMs(item.LastSeenMs)
}

// addSummarySheet appends per-category counts after the inventory.
func addSummarySheet(f *xlsx.File, items []model.ScannedItem) error {
	sheet, err := f.AddSheet("Summary")
	if err != nil {
		return eris.Wrap(err, "report: add summary sheet")
	}

	counts := make(map[string]int)
	for _, item := range items {
		counts[item.Category]++
	}
	categories := make([]string, 0, len(counts))
	for c := range counts {
		categories = append(categories, c)
	}
	sort.Strings(categories)

	header := sheet.AddRow()
	header.AddCell().Value = "Category"
	header.AddCell().Value = "Items"
	for _, c := range categories {
		row := sheet.AddRow()
		row.AddCell().Value = c
		row.AddCell().SetInt(counts[c])
	}
	total := sheet.AddRow()
	total.AddCell().Value = "Total"
	total.AddCell().SetInt(len(items))
	return nil
}

func attributeValue(item model.ScannedItem, key model.AttributeKey) string {
	if attr, ok := item.Attributes[key]; ok {
		return attr.Value
	}
	return ""
}

func enrichmentSummary(e model.EnrichmentStatus) string {
	return fmt.Sprintf("b:%s c:%s", shortState(e.LayerB), shortState(e.LayerC))
}

func shortState(s model.LayerState) string {
	return strings.ReplaceAll(string(s), "in_progress", "running")
}

func formatMs(ms int64) string {
	if ms == 0 {
		return ""
	}
	return time.UnixMilli(ms).UTC().Format("2006-01-02 15:04:05")
}
