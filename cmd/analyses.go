package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/Mellox11/opportunity-intel/internal/model"
	"github.com/Mellox11/opportunity-intel/internal/store"
)

var analysesCmd = &cobra.Command{
	Use:   "analyses",
	Short: "Inspect and manage analysis runs",
}

// -- analyses list --

var analysesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List analyses",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, "")
		if err != nil {
			return err
		}
		defer env.Close()

		status, _ := cmd.Flags().GetString("status")
		limit, _ := cmd.Flags().GetInt("limit")

		analyses, err := env.Store.ListAnalyses(ctx, store.AnalysisFilter{
			Status: model.AnalysisStatus(status),
			Limit:  limit,
		})
		if err != nil {
			return eris.Wrap(err, "list analyses")
		}

		if len(analyses) == 0 {
			fmt.Fprintln(os.Stderr, "No analyses found.")
			return nil
		}
		formatAnalysisList(os.Stdout, analyses)
		return nil
	},
}

// -- analyses show --

var analysesShowCmd = &cobra.Command{
	Use:   "show <analysis-id>",
	Short: "Show one analysis with its opportunities",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, "")
		if err != nil {
			return err
		}
		defer env.Close()

		a, err := env.Store.GetAnalysis(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "get analysis")
		}
		if a == nil {
			return eris.Errorf("analysis %s not found", args[0])
		}

		asJSON, _ := cmd.Flags().GetBool("json")
		if asJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(a)
		}

		opps, err := env.Store.ListOpportunities(ctx, a.ID)
		if err != nil {
			return eris.Wrap(err, "list opportunities")
		}
		formatAnalysis(os.Stdout, a, opps)
		return nil
	},
}

// -- analyses progress --

var analysesProgressCmd = &cobra.Command{
	Use:   "progress <analysis-id>",
	Short: "Show the current progress record",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, "")
		if err != nil {
			return err
		}
		defer env.Close()

		p, err := env.Orchestrator.GetAnalysisProgress(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "get progress")
		}
		if p == nil {
			fmt.Fprintln(os.Stderr, "No progress available.")
			return nil
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(p)
	},
}

// -- analyses cancel --

var analysesCancelCmd = &cobra.Command{
	Use:   "cancel <analysis-id>",
	Short: "Cancel an analysis",
	Long:  "Cancels an analysis. A queued run that has not started never executes; an in-flight stage runs to completion.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, "")
		if err != nil {
			return err
		}
		defer env.Close()

		if err := env.Orchestrator.CancelAnalysis(ctx, args[0]); err != nil {
			return eris.Wrap(err, "cancel analysis")
		}
		fmt.Printf("Analysis %s cancelled.\n", args[0])
		return nil
	},
}

// -- analyses estimate --

var analysesEstimateCmd = &cobra.Command{
	Use:   "estimate",
	Short: "Estimate the cost of a configuration",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, "")
		if err != nil {
			return err
		}
		defer env.Close()

		subreddits, _ := cmd.Flags().GetStringSlice("subreddit")
		estimate := env.Orchestrator.EstimateCost(model.AnalysisConfig{Subreddits: subreddits})
		fmt.Printf("Estimated cost: $%.4f\n", estimate)
		return nil
	},
}

func init() {
	analysesListCmd.Flags().String("status", "", "filter by status")
	analysesListCmd.Flags().Int("limit", 20, "maximum rows")
	analysesShowCmd.Flags().Bool("json", false, "print as JSON")
	analysesEstimateCmd.Flags().StringSlice("subreddit", nil, "subreddit to collect (repeatable)")
	_ = analysesEstimateCmd.MarkFlagRequired("subreddit")

	analysesCmd.AddCommand(analysesListCmd, analysesShowCmd, analysesProgressCmd, analysesCancelCmd, analysesEstimateCmd)
	rootCmd.AddCommand(analysesCmd)
}
