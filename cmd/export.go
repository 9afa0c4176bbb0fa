package main

import (
	"context"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/scanium/scan-engine/internal/report"
	"github.com/scanium/scan-engine/internal/store"
)

var exportOut string

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Write the persisted inventory as an XLSX workbook",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate("export"); err != nil {
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

		f, err := os.Create(exportOut)
		if err != nil {
			return eris.Wrapf(err, "export: create %s", exportOut)
		}
		defer f.Close()

		if err := report.WriteInventory(f, items); err != nil {
			return err
		}

		zap.L().Info("inventory exported",
			zap.String("path", exportOut),
			zap.Int("items", len(items)),
		)
		return nil
	},
}

// openConfiguredStore opens the store named by the loaded configuration.
// Used by the read-only commands that do not need a full engine.
func openConfiguredStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "postgres":
		st, err := store.NewPostgres(ctx, cfg.Store.DatabaseURL)
		if err != nil {
			return nil, eris.Wrap(err, "open postgres store")
		}
		return st, nil
	case "sqlite":
		st, err := store.NewSQLite(cfg.Store.SQLitePath)
		if err != nil {
			return nil, eris.Wrap(err, "open sqlite store")
		}
		return st, nil
	case "memory", "":
		return store.NewMemory(), nil
	default:
		return nil, eris.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
}

func init() {
	exportCmd.Flags().StringVar(&exportOut, "out", "inventory.xlsx", "output file path")
	rootCmd.AddCommand(exportCmd)
}
