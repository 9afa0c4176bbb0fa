package main

import (
	"bufio"
	"encoding/json"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/scanium/scan-engine/internal/engine"
	"github.com/scanium/scan-engine/internal/model"
)

var ingestBatchSize int

var ingestCmd = &cobra.Command{
	Use:   "ingest <detections.jsonl>",
	Short: "Replay a JSONL detection log through the aggregator",
	Long:  "Reads one raw detection per line, feeds them through the full aggregation pipeline in order, and persists the resulting items.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate("ingest"); err != nil {
			return err
		}
		ctx := cmd.Context()

		eng, err := engine.New(ctx, cfg)
		if err != nil {
			return err
		}
		if err := eng.Start(ctx); err != nil {
			return err
		}
		defer func() {
			if err := eng.Stop(); err != nil {
				zap.L().Warn("engine stop failed", zap.Error(err))
			}
		}()

		f, err := os.Open(args[0])
		if err != nil {
			return eris.Wrapf(err, "ingest: open %s", args[0])
		}
		defer f.Close()

		var batch []model.RawDetection
		processed := 0
		flush := func() error {
			if len(batch) == 0 {
				return nil
			}
			if _, err := eng.Manager.ProcessDetections(ctx, batch); err != nil {
				return eris.Wrap(err, "ingest: process batch")
			}
			processed += len(batch)
			batch = batch[:0]
			return nil
		}

		scanner := bufio.NewScanner(f)
		scanner.Buffer(make([]byte, 0, 1<<20), 16<<20)
		line := 0
		for scanner.Scan() {
			line++
			text := scanner.Bytes()
			if len(text) == 0 {
				continue
			}
			var d model.RawDetection
			if err := json.Unmarshal(text, &d); err != nil {
				zap.L().Warn("ingest: skipping malformed line",
					zap.Int("line", line), zap.Error(err))
				continue
			}
			batch = append(batch, d)
			if len(batch) >= ingestBatchSize {
				if err := flush(); err != nil {
					return err
				}
			}
		}
		if err := scanner.Err(); err != nil {
			return eris.Wrap(err, "ingest: read file")
		}
		if err := flush(); err != nil {
			return err
		}

		stats, err := eng.Manager.Stats(ctx)
		if err != nil {
			return err
		}
		zap.L().Info("ingest complete",
			zap.Int("detections", processed),
			zap.Int("items", stats.TotalItems),
			zap.Int("merges", stats.TotalMerges),
		)
		return nil
	},
}

func init() {
	ingestCmd.Flags().IntVar(&ingestBatchSize, "batch-size", 100, "detections per aggregation batch")
	rootCmd.AddCommand(ingestCmd)
}
