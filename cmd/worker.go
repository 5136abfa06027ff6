package main

import (
	"context"
	"encoding/json"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Mellox11/opportunity-intel/internal/model"
	"github.com/Mellox11/opportunity-intel/internal/pipeline"
	"github.com/Mellox11/opportunity-intel/internal/queue"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the queue worker",
	Long:  "Consumes pipeline and stage jobs from the durable queue until interrupted.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx, pipeline.StrategyQueued)
		if err != nil {
			return err
		}
		defer env.Close()

		w := queue.NewWorker(env.Queue, queue.WorkerConfig{
			PollInterval: time.Duration(cfg.Queue.PollIntervalMS) * time.Millisecond,
			StalledAfter: time.Duration(cfg.Queue.StalledAfterSecs) * time.Second,
			Concurrency:  cfg.Queue.Concurrency,
		})

		// Whole-run control jobs.
		w.Handle(pipeline.PipelineQueue, func(ctx context.Context, payload json.RawMessage) error {
			p, err := pipeline.ParsePayload(payload)
			if err != nil {
				return err
			}
			return env.Orchestrator.ProcessAnalysis(ctx, p.AnalysisID)
		})

		// Individual stage jobs, one handler per queue.
		stageQueues := map[string]model.Stage{
			pipeline.CollectionQueue:     model.StageCollection,
			pipeline.ClassificationQueue: model.StageAIProcessing,
			pipeline.ReportQueue:         model.StageReportGeneration,
		}
		for queueName, stage := range stageQueues {
			fn, err := env.Pipeline.Executor(stage)
			if err != nil {
				return err
			}
			w.Handle(queueName, func(ctx context.Context, payload json.RawMessage) error {
				p, perr := pipeline.ParsePayload(payload)
				if perr != nil {
					return perr
				}
				return fn(ctx, p.AnalysisID)
			})
		}

		zap.L().Info("worker starting")
		return w.Run(ctx)
	},
}

func init() {
	rootCmd.AddCommand(workerCmd)
}
