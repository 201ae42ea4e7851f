package main

import (
	"encoding/json"
	"os"
	"os/signal"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/intel-engine/internal/pipeline"
)

var (
	researchWebsite string
	researchGuess   bool
)

var researchCmd = &cobra.Command{
	Use:   "research <company name>",
	Short: "Research one company and print its record",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEngine(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		rec, err := env.Engine.Research(ctx, pipeline.Request{
			Name:         args[0],
			Website:      researchWebsite,
			GuessWebsite: researchGuess,
		})
		if err != nil {
			return eris.Wrap(err, "research")
		}

		zap.L().Info("research complete",
			zap.String("company", rec.Name),
			zap.String("status", string(rec.ScrapeStatus)),
			zap.Float64("cost_usd", rec.TotalCost))

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(rec)
	},
}

func init() {
	researchCmd.Flags().StringVar(&researchWebsite, "website", "", "company website (derived from the name when omitted)")
	researchCmd.Flags().BoolVar(&researchGuess, "guess-website", true, "derive a website from the company name when none is given")
	rootCmd.AddCommand(researchCmd)
}
