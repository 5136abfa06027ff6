// Package pipeline implements the cost-bounded analysis engine: sequential
// stage executors driven by an execution strategy, budget checks at stage
// boundaries, and a persisted progress state machine.
package pipeline

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/Mellox11/opportunity-intel/internal/config"
	"github.com/Mellox11/opportunity-intel/internal/cost"
	"github.com/Mellox11/opportunity-intel/internal/model"
	"github.com/Mellox11/opportunity-intel/internal/store"
	"github.com/Mellox11/opportunity-intel/pkg/reddit"
)

// StageFunc executes one pipeline stage for an analysis.
type StageFunc func(ctx context.Context, analysisID string) error

// Pipeline holds the stage executors and their shared dependencies. The
// same executors run under both execution strategies; mode only selects the
// stage ordering and progress bands.
type Pipeline struct {
	cfg        *config.Config
	store      store.Store
	reddit     reddit.Client
	classifier Classifier
	tracker    *cost.Tracker
	mode       string
}

// New creates a Pipeline. mode is StrategyDirect or StrategyQueued.
func New(cfg *config.Config, st store.Store, redditClient reddit.Client, classifier Classifier, tracker *cost.Tracker, mode string) *Pipeline {
	return &Pipeline{
		cfg:        cfg,
		store:      st,
		reddit:     redditClient,
		classifier: classifier,
		tracker:    tracker,
		mode:       mode,
	}
}

// Stages returns the stage ordering for this pipeline's mode. Queued runs
// skip comment analysis; sentiment there is a future stage of its own queue.
func (p *Pipeline) Stages() []model.Stage {
	if p.mode == StrategyQueued {
		return []model.Stage{
			model.StageCollection,
			model.StageAIProcessing,
			model.StageReportGeneration,
		}
	}
	return []model.Stage{
		model.StageCollection,
		model.StageCommentAnalysis,
		model.StageAIProcessing,
		model.StageReportGeneration,
	}
}

// Executor returns the StageFunc for a stage name.
func (p *Pipeline) Executor(stage model.Stage) (StageFunc, error) {
	switch stage {
	case model.StageCollection:
		return p.RunCollection, nil
	case model.StageCommentAnalysis:
		return p.RunCommentAnalysis, nil
	case model.StageAIProcessing:
		return p.RunClassification, nil
	case model.StageReportGeneration:
		return p.RunReport, nil
	default:
		return nil, eris.Errorf("pipeline: no executor for stage %q", stage)
	}
}

// loadAnalysis fetches the analysis a stage executor is operating on.
func (p *Pipeline) loadAnalysis(ctx context.Context, analysisID string) (*model.Analysis, error) {
	a, err := p.store.GetAnalysis(ctx, analysisID)
	if err != nil {
		return nil, eris.Wrapf(err, "pipeline: load analysis %s", analysisID)
	}
	if a == nil {
		return nil, eris.Errorf("pipeline: analysis %s not found", analysisID)
	}
	return a, nil
}
