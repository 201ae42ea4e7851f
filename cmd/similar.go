package main

import (
	"encoding/json"
	"os"
	"os/signal"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/intel-engine/internal/similar"
)

var (
	similarID        string
	similarName      string
	similarSource    string
	similarK         int
	similarThreshold float64
	similarExplain   bool
)

var similarCmd = &cobra.Command{
	Use:   "similar",
	Short: "Find companies similar to a stored or named company",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEngine(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		results, err := env.Similar.Discover(ctx, similar.Query{
			ID:        similarID,
			Text:      similarName,
			Source:    similar.Source(similarSource),
			K:         similarK,
			Threshold: similarThreshold,
			Explain:   similarExplain,
		})
		if err != nil {
			return eris.Wrap(err, "similar")
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(results)
	},
}

func init() {
	similarCmd.Flags().StringVar(&similarID, "id", "", "stored company record id")
	similarCmd.Flags().StringVar(&similarName, "name", "", "company name (embedded on the fly)")
	similarCmd.Flags().StringVar(&similarSource, "source", "vector", "discovery source: vector, web, or hybrid")
	similarCmd.Flags().IntVar(&similarK, "k", 10, "number of results")
	similarCmd.Flags().Float64Var(&similarThreshold, "threshold", 0, "cosine similarity floor (default from config)")
	similarCmd.Flags().BoolVar(&similarExplain, "explain", false, "attach an LLM explanation to each result")
	rootCmd.AddCommand(similarCmd)
}
