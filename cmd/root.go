package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/scanium/scan-engine/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "scan-engine",
	Short: "Camera-scan item aggregation and enrichment engine",
	Long:  "Aggregates raw camera detections into stable items, enriches them via classification, vision, and pricing services, and persists the inventory.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return fmt.Errorf("init logger: %w", err)
		}

		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
