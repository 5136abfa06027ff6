package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/Mellox11/opportunity-intel/internal/cost"
	"github.com/Mellox11/opportunity-intel/internal/model"
	"github.com/Mellox11/opportunity-intel/internal/store"
)

// Orchestrator sequences the pipeline stages for an analysis, enforcing the
// budget at every stage boundary and owning all status and progress writes.
type Orchestrator struct {
	store    store.Store
	tracker  *cost.Tracker
	pipeline *Pipeline
	strategy ExecutionStrategy
}

// NewOrchestrator wires the orchestrator over a pipeline and its strategy.
func NewOrchestrator(st store.Store, tracker *cost.Tracker, p *Pipeline, strategy ExecutionStrategy) *Orchestrator {
	return &Orchestrator{
		store:    st,
		tracker:  tracker,
		pipeline: p,
		strategy: strategy,
	}
}

// StartAnalysis validates the configuration, creates the analysis record,
// and dispatches the run via the execution strategy. Under the queued
// strategy the returned job ID identifies the control job and the call
// returns immediately; under direct it is the analysis ID and the call
// blocks until the run finishes. A dispatch failure marks the analysis
// failed and is returned.
func (o *Orchestrator) StartAnalysis(ctx context.Context, cfg model.AnalysisConfig) (*model.Analysis, string, error) {
	a, err := o.createAnalysis(ctx, cfg)
	if err != nil {
		return nil, "", err
	}

	jobID, err := o.strategy.Dispatch(ctx, a.ID, o.ProcessAnalysis)
	if err != nil {
		if o.strategy.Name() == StrategyQueued {
			// The run never started; mark it failed before surfacing.
			o.handleAnalysisError(ctx, a.ID, model.StageInitializing, err)
		}
		return a, jobID, err
	}

	if jobID != "" && o.strategy.Name() == StrategyQueued {
		if merr := o.store.MergeAnalysisMetadata(ctx, a.ID, map[string]any{"job_id": jobID}); merr != nil {
			zap.L().Warn("failed to record job id", zap.String("analysis_id", a.ID), zap.Error(merr))
		}
	}
	return a, jobID, nil
}

// StartAnalysisDetached validates and creates the analysis, then dispatches
// it in a background goroutine. Used by callers that cannot block on a
// direct-strategy run (the HTTP API); run errors are already recorded on the
// analysis by ProcessAnalysis, so here they are only logged.
func (o *Orchestrator) StartAnalysisDetached(ctx context.Context, cfg model.AnalysisConfig) (*model.Analysis, error) {
	a, err := o.createAnalysis(ctx, cfg)
	if err != nil {
		return nil, err
	}

	bg := context.WithoutCancel(ctx)
	go func() {
		if _, derr := o.strategy.Dispatch(bg, a.ID, o.ProcessAnalysis); derr != nil {
			zap.L().Error("detached analysis run failed",
				zap.String("analysis_id", a.ID),
				zap.Error(derr),
			)
		}
	}()
	return a, nil
}

// createAnalysis validates the configuration and persists the new analysis
// with initialized progress.
func (o *Orchestrator) createAnalysis(ctx context.Context, cfg model.AnalysisConfig) (*model.Analysis, error) {
	if err := cfg.Validate(); err != nil {
		return nil, &ValidationError{Err: err}
	}

	a := &model.Analysis{
		ID:            uuid.NewString(),
		Status:        model.StatusProcessing,
		Config:        cfg,
		EstimatedCost: o.EstimateCost(cfg),
		BudgetLimit:   cfg.MaxCost,
		CreatedAt:     time.Now().UTC(),
	}

	init := model.Progress{Stage: model.StageInitializing, Message: "Starting analysis", Percentage: 0}
	raw, err := init.Marshal()
	if err != nil {
		return nil, err
	}
	a.Progress = raw

	if err := o.store.CreateAnalysis(ctx, a); err != nil {
		return nil, eris.Wrap(err, "pipeline: create analysis")
	}

	zap.L().Info("analysis started",
		zap.String("analysis_id", a.ID),
		zap.String("strategy", o.strategy.Name()),
		zap.Strings("subreddits", cfg.Subreddits),
		zap.Float64("max_cost", cfg.MaxCost),
	)
	return a, nil
}

// ProcessAnalysis runs the stages strictly in order. Before each stage it
// checks for cooperative cancellation and the budget ceiling; any stage
// error is recorded once via handleAnalysisError and rethrown. There is no
// orchestrator-level retry.
func (o *Orchestrator) ProcessAnalysis(ctx context.Context, analysisID string) error {
	a, err := o.store.GetAnalysis(ctx, analysisID)
	if err != nil {
		return eris.Wrapf(err, "pipeline: load analysis %s", analysisID)
	}
	if a == nil {
		return eris.Errorf("pipeline: analysis %s not found", analysisID)
	}
	if a.Status.Terminal() {
		zap.L().Info("analysis already terminal, skipping",
			zap.String("analysis_id", analysisID),
			zap.String("status", string(a.Status)),
		)
		return nil
	}
	if a.Status != model.StatusProcessing {
		// A cancel racing this write is caught by the boundary check below.
		uerr := o.store.UpdateAnalysisStatus(ctx, analysisID, model.StatusProcessing)
		if uerr != nil && !errors.Is(uerr, store.ErrIllegalStatusTransition) {
			return eris.Wrap(uerr, "pipeline: mark processing")
		}
	}

	rep := newReporter(ctx, o.store, analysisID, o.strategy.Name())

	for _, stage := range o.pipeline.Stages() {
		cancelled, cerr := o.isCancelled(ctx, analysisID)
		if cerr != nil {
			return cerr
		}
		if cancelled {
			rep.Terminal(ctx, model.StageCancelled, "Analysis cancelled", "")
			zap.L().Info("analysis cancelled at stage boundary",
				zap.String("analysis_id", analysisID),
				zap.String("next_stage", string(stage)),
			)
			return nil
		}

		if berr := o.tracker.CheckBudget(ctx, analysisID, a.Config.MaxCost); berr != nil {
			o.handleAnalysisError(ctx, analysisID, stage, berr)
			return berr
		}

		start := time.Now()
		if serr := o.strategy.RunStage(ctx, stage, analysisID); serr != nil {
			o.handleAnalysisError(ctx, analysisID, stage, serr)
			return serr
		}
		zap.L().Info("stage complete",
			zap.String("analysis_id", analysisID),
			zap.String("stage", string(stage)),
			zap.Duration("duration", time.Since(start)),
		)
	}

	if err := o.store.UpdateAnalysisStatus(ctx, analysisID, model.StatusCompleted); err != nil {
		if errors.Is(err, store.ErrIllegalStatusTransition) {
			// A cancel landed during the final stage; its terminal
			// status and progress stand.
			zap.L().Info("analysis reached a terminal status during the final stage",
				zap.String("analysis_id", analysisID))
			return nil
		}
		return eris.Wrap(err, "pipeline: mark completed")
	}
	rep.Terminal(ctx, model.StageCompleted, "Analysis complete", "")
	o.tracker.Forget(analysisID)

	zap.L().Info("analysis complete", zap.String("analysis_id", analysisID))
	return nil
}

// GetAnalysisProgress returns the parsed progress record, or nil when no
// progress exists or the persisted blob is corrupt. The two cases are
// deliberately conflated to match the engine's external contract; corrupt
// blobs are logged so operators can still tell them apart.
func (o *Orchestrator) GetAnalysisProgress(ctx context.Context, analysisID string) (*model.Progress, error) {
	raw, err := o.store.GetAnalysisProgress(ctx, analysisID)
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: load progress")
	}
	if len(raw) == 0 {
		return nil, nil
	}

	p, perr := model.ParseProgress(raw)
	if perr != nil {
		zap.L().Warn("corrupt progress record",
			zap.String("analysis_id", analysisID),
			zap.Error(perr),
		)
		return nil, nil
	}
	return p, nil
}

// CancelAnalysis flips the analysis to cancelled. A queued control job that
// has not started is removed and never runs; an in-flight stage runs to
// completion and the run stops at the next stage boundary.
func (o *Orchestrator) CancelAnalysis(ctx context.Context, analysisID string) error {
	a, err := o.store.GetAnalysis(ctx, analysisID)
	if err != nil {
		return eris.Wrapf(err, "pipeline: load analysis %s", analysisID)
	}
	if a == nil {
		return eris.Errorf("pipeline: analysis %s not found", analysisID)
	}
	if a.Status.Terminal() {
		return eris.Errorf("pipeline: analysis %s already %s", analysisID, a.Status)
	}

	if err := o.store.UpdateAnalysisStatus(ctx, analysisID, model.StatusCancelled); err != nil {
		return eris.Wrap(err, "pipeline: mark cancelled")
	}

	jobID, _ := a.Metadata["job_id"].(string)
	removed, rerr := o.strategy.Abort(ctx, jobID)
	if rerr != nil {
		zap.L().Warn("failed to remove queued job",
			zap.String("analysis_id", analysisID),
			zap.String("job_id", jobID),
			zap.Error(rerr),
		)
	}

	rep := newReporter(ctx, o.store, analysisID, o.strategy.Name())
	rep.Terminal(ctx, model.StageCancelled, "Analysis cancelled", "")

	zap.L().Info("analysis cancelled",
		zap.String("analysis_id", analysisID),
		zap.Bool("job_removed", removed),
	)
	return nil
}

// EstimateCost predicts the spend for a configuration before any work runs:
// one listing request per subreddit plus a rough classification allowance.
func (o *Orchestrator) EstimateCost(cfg model.AnalysisConfig) float64 {
	calc := o.tracker.Calculator()
	// Assume ~25 matched posts per subreddit, ~1200 input and ~300 output
	// tokens per classification call.
	perPost := calc.Claude(o.pipeline.cfg.Anthropic.HaikuModel, 1200, 300, 0, 0)
	posts := float64(len(cfg.Subreddits)) * 25
	return calc.RedditRequests(int64(len(cfg.Subreddits))) + posts*perPost
}

// isCancelled reloads the analysis status for the cooperative check.
func (o *Orchestrator) isCancelled(ctx context.Context, analysisID string) (bool, error) {
	a, err := o.store.GetAnalysis(ctx, analysisID)
	if err != nil {
		return false, eris.Wrap(err, "pipeline: reload status")
	}
	if a == nil {
		return false, eris.Errorf("pipeline: analysis %s not found", analysisID)
	}
	return a.Status == model.StatusCancelled, nil
}

// handleAnalysisError records a stage failure exactly once: the structured
// payload goes into metadata, the status flips to failed, and progress shows
// the failure. The caller rethrows the original error.
func (o *Orchestrator) handleAnalysisError(ctx context.Context, analysisID string, stage model.Stage, stageErr error) {
	log := zap.L().With(
		zap.String("analysis_id", analysisID),
		zap.String("stage", string(stage)),
	)
	log.Error("stage failed", zap.Error(stageErr))

	payload := model.FailurePayload{
		Stage:     string(stage),
		Error:     stageErr.Error(),
		Timestamp: time.Now().UTC(),
	}
	if err := o.store.MergeAnalysisMetadata(ctx, analysisID, map[string]any{"failure": payload}); err != nil {
		log.Warn("failed to record failure payload", zap.Error(err))
	}
	if err := o.store.UpdateAnalysisStatus(ctx, analysisID, model.StatusFailed); err != nil {
		if errors.Is(err, store.ErrIllegalStatusTransition) {
			// Already terminal (a cancel won the race); keep its status
			// and progress.
			log.Info("analysis already terminal, keeping its status")
			return
		}
		log.Warn("failed to mark analysis failed", zap.Error(err))
	}

	rep := newReporter(ctx, o.store, analysisID, o.strategy.Name())
	rep.Terminal(ctx, model.StageFailed, "Analysis failed", stageErr.Error())
}
