package main

import (
	"encoding/json"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/Mellox11/opportunity-intel/internal/model"
	"github.com/Mellox11/opportunity-intel/internal/pipeline"
)

var (
	runSubreddits []string
	runKeywords   []string
	runDays       int
	runMaxCost    float64
	runJSON       bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one analysis synchronously",
	Long:  "Runs the full pipeline in-process with the direct strategy and prints the resulting opportunities.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, pipeline.StrategyDirect)
		if err != nil {
			return err
		}
		defer env.Close()

		maxCost := runMaxCost
		if maxCost <= 0 {
			maxCost = cfg.Pipeline.DefaultMaxCost
		}

		analysisCfg := model.AnalysisConfig{
			Subreddits: runSubreddits,
			TimeRange:  model.TimeRange{Days: runDays},
			Keywords:   model.Keywords{Custom: runKeywords},
			MaxCost:    maxCost,
		}

		a, _, err := env.Orchestrator.StartAnalysis(ctx, analysisCfg)
		if err != nil {
			return eris.Wrap(err, "run analysis")
		}

		opps, err := env.Store.ListOpportunities(ctx, a.ID)
		if err != nil {
			return eris.Wrap(err, "list opportunities")
		}

		if runJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(opps)
		}

		final, err := env.Store.GetAnalysis(ctx, a.ID)
		if err != nil {
			return eris.Wrap(err, "reload analysis")
		}
		formatAnalysis(os.Stdout, final, opps)
		return nil
	},
}

func init() {
	runCmd.Flags().StringSliceVar(&runSubreddits, "subreddit", nil, "subreddit to collect (repeatable)")
	runCmd.Flags().StringSliceVar(&runKeywords, "keyword", nil, "keyword to match (repeatable)")
	runCmd.Flags().IntVar(&runDays, "days", 7, "how many days back to collect")
	runCmd.Flags().Float64Var(&runMaxCost, "max-cost", 0, "budget ceiling in USD (default from config)")
	runCmd.Flags().BoolVar(&runJSON, "json", false, "print opportunities as JSON")
	_ = runCmd.MarkFlagRequired("subreddit")
	_ = runCmd.MarkFlagRequired("keyword")
	rootCmd.AddCommand(runCmd)
}
