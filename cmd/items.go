package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/scanium/scan-engine/internal/model"
)

var itemsJSON bool

var itemsCmd = &cobra.Command{
	Use:   "items",
	Short: "List persisted scanned items",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate("items"); err != nil {
			return err
		}
		ctx := cmd.Context()

		st, err := openConfiguredStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		items, err := st.LoadAll(ctx)
		if err != nil {
			return err
		}

		if itemsJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(items)
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tCATEGORY\tLABEL\tCONF\tCLASS\tPRICE\tMERGES")
		for _, item := range items {
			fmt.Fprintf(w, "%s\t%s\t%s\t%.2f\t%s\t%s\t%d\n",
				item.ID, item.Category, item.Label, item.Confidence,
				item.ClassificationStatus, priceColumn(item), item.MergeCount)
		}
		if err := w.Flush(); err != nil {
			return err
		}
		fmt.Printf("\n%d items\n", len(items))
		return nil
	},
}

func priceColumn(item model.ScannedItem) string {
	if item.PriceRange == nil {
		return string(item.PriceStatus)
	}
	return fmt.Sprintf("%.2f-%.2f %s",
		float64(item.PriceRange.LowCents)/100,
		float64(item.PriceRange.HighCents)/100,
		item.PriceRange.Currency)
}

func init() {
	itemsCmd.Flags().BoolVar(&itemsJSON, "json", false, "output raw JSON")
	rootCmd.AddCommand(itemsCmd)
}
