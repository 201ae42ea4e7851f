package main

import (
	"encoding/json"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var (
	companiesLimit  int
	companiesOffset int
)

var companiesCmd = &cobra.Command{
	Use:   "companies",
	Short: "List stored company embeddings",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		vs, err := initVectors(ctx)
		if err != nil {
			return err
		}
		defer vs.Close()

		recs, err := vs.List(ctx, companiesLimit, companiesOffset)
		if err != nil {
			return err
		}

		// Raw embeddings are noise on a terminal; print identity and
		// metadata only.
		type row struct {
			ID       string         `json:"id"`
			Metadata map[string]any `json:"metadata"`
		}
		rows := make([]row, 0, len(recs))
		for _, rec := range recs {
			rows = append(rows, row{ID: rec.ID, Metadata: rec.Metadata})
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(rows)
	},
}

func init() {
	companiesCmd.Flags().IntVar(&companiesLimit, "limit", 100, "maximum rows")
	companiesCmd.Flags().IntVar(&companiesOffset, "offset", 0, "rows to skip")
	rootCmd.AddCommand(companiesCmd)
}
