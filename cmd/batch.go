package main

import (
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/intel-engine/internal/batch"
)

var (
	batchOut   string
	batchLimit int
)

var batchCmd = &cobra.Command{
	Use:   "batch <rows.xlsx|rows.csv>",
	Short: "Research a spreadsheet of companies",
	Long:  "Reads {name, website} rows from an xlsx or csv file, researches each with adaptive concurrency, and writes one JSON result per line to the output file.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		rows, err := loadRows(args[0])
		if err != nil {
			return err
		}
		if batchLimit > 0 && len(rows) > batchLimit {
			rows = rows[:batchLimit]
		}
		if len(rows) == 0 {
			zap.L().Info("no rows to process")
			return nil
		}

		env, err := initEngine(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		sink, err := batch.NewJSONLFileSink(batchOut)
		if err != nil {
			return err
		}
		defer sink.Close()

		agg, err := env.newCoordinator().Run(ctx, "", rows, sink)
		if err != nil {
			return err
		}

		zap.L().Info("batch complete",
			zap.Int("processed", agg.Processed),
			zap.Int("successful", agg.Successful),
			zap.Int("failed", agg.Failed),
			zap.Int("resumed", agg.Resumed),
			zap.String("output", batchOut))
		return nil
	},
}

func loadRows(path string) ([]batch.Row, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".xlsx":
		return batch.ReadXLSXRows(path)
	case ".csv":
		f, err := os.Open(path)
		if err != nil {
			return nil, eris.Wrap(err, "open csv")
		}
		defer f.Close()
		return batch.ReadCSVRows(f)
	default:
		return nil, eris.Errorf("unsupported input %q: want .xlsx or .csv", path)
	}
}

func init() {
	batchCmd.Flags().StringVar(&batchOut, "out", "batch-results.jsonl", "output JSONL file")
	batchCmd.Flags().IntVar(&batchLimit, "limit", 0, "process at most this many rows (0 = all)")
	rootCmd.AddCommand(batchCmd)
}
