package main

import (
	"encoding/json"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/sells-group/intel-engine/internal/model"
	"github.com/sells-group/intel-engine/internal/store"
)

var (
	runsOutcome string
	runsWebsite string
	runsLimit   int
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "List persisted research runs",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		runs, err := st.ListRuns(ctx, store.RunFilter{
			Outcome: model.PhaseState(runsOutcome),
			Website: runsWebsite,
			Limit:   runsLimit,
		})
		if err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(runs)
	},
}

func init() {
	runsCmd.Flags().StringVar(&runsOutcome, "outcome", "", "filter by outcome (completed, partial, failed, cancelled)")
	runsCmd.Flags().StringVar(&runsWebsite, "website", "", "filter by normalized website")
	runsCmd.Flags().IntVar(&runsLimit, "limit", 50, "maximum rows")
	rootCmd.AddCommand(runsCmd)
}
