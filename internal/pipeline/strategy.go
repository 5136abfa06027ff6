package pipeline

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"

	"github.com/Mellox11/opportunity-intel/internal/model"
	"github.com/Mellox11/opportunity-intel/internal/queue"
)

// Execution strategy names.
const (
	StrategyDirect = "direct"
	StrategyQueued = "queued"
)

// PipelineQueue is the control queue carrying whole-run jobs; stage queues
// carry individual stage executions.
const (
	PipelineQueue       = "pipeline"
	CollectionQueue     = "collection"
	ClassificationQueue = "classification"
	ReportQueue         = "report"
)

// StagePayload is the job payload for both control and stage jobs.
type StagePayload struct {
	AnalysisID string `json:"analysis_id"`
}

// ExecutionStrategy decides how stage functions are invoked and awaited.
// Stage logic is written once; the strategy only changes the call mechanism.
type ExecutionStrategy interface {
	Name() string

	// Dispatch starts the full pipeline run. Direct runs it in-process and
	// blocks; queued enqueues a control job and returns its ID immediately.
	Dispatch(ctx context.Context, analysisID string, run StageFunc) (string, error)

	// RunStage executes one stage and blocks until it finishes.
	RunStage(ctx context.Context, stage model.Stage, analysisID string) error

	// Abort removes a dispatched job that has not started. Returns true if
	// the job was removed before execution.
	Abort(ctx context.Context, jobID string) (bool, error)
}

// DirectStrategy awaits each stage as an in-process call.
type DirectStrategy struct {
	pipeline *Pipeline
}

// NewDirectStrategy creates the synchronous in-process strategy.
func NewDirectStrategy(p *Pipeline) *DirectStrategy {
	return &DirectStrategy{pipeline: p}
}

func (s *DirectStrategy) Name() string { return StrategyDirect }

func (s *DirectStrategy) Dispatch(ctx context.Context, analysisID string, run StageFunc) (string, error) {
	return analysisID, run(ctx, analysisID)
}

func (s *DirectStrategy) RunStage(ctx context.Context, stage model.Stage, analysisID string) error {
	fn, err := s.pipeline.Executor(stage)
	if err != nil {
		return err
	}
	return fn(ctx, analysisID)
}

// Abort is a no-op for direct runs; there is no queued job to remove.
func (s *DirectStrategy) Abort(ctx context.Context, jobID string) (bool, error) {
	return false, nil
}

// StageQueueName maps a pipeline stage to its job queue.
func StageQueueName(stage model.Stage) (string, error) {
	switch stage {
	case model.StageCollection:
		return CollectionQueue, nil
	case model.StageAIProcessing:
		return ClassificationQueue, nil
	case model.StageReportGeneration:
		return ReportQueue, nil
	default:
		return "", eris.Errorf("pipeline: no queue for stage %q", stage)
	}
}

// QueuedStrategy enqueues each stage as a durable job and suspends on its
// completion signal before advancing. Retries are the queue's concern, with
// its bounded attempt count; the strategy never re-runs a failed stage.
type QueuedStrategy struct {
	queue   queue.Queue
	timeout time.Duration
}

// NewQueuedStrategy creates the durable-queue strategy. timeout bounds how
// long one stage job may take end to end (the job TTL).
func NewQueuedStrategy(q queue.Queue, timeout time.Duration) *QueuedStrategy {
	if timeout <= 0 {
		timeout = 30 * time.Minute
	}
	return &QueuedStrategy{queue: q, timeout: timeout}
}

func (s *QueuedStrategy) Name() string { return StrategyQueued }

func (s *QueuedStrategy) Dispatch(ctx context.Context, analysisID string, _ StageFunc) (string, error) {
	job, err := s.queue.Enqueue(ctx, PipelineQueue, StagePayload{AnalysisID: analysisID})
	if err != nil {
		return "", eris.Wrap(err, "pipeline: enqueue run")
	}
	return job.ID, nil
}

func (s *QueuedStrategy) RunStage(ctx context.Context, stage model.Stage, analysisID string) error {
	queueName, err := StageQueueName(stage)
	if err != nil {
		return err
	}

	job, err := s.queue.Enqueue(ctx, queueName, StagePayload{AnalysisID: analysisID})
	if err != nil {
		return eris.Wrapf(err, "pipeline: enqueue stage %s", stage)
	}

	if _, err := s.queue.AwaitCompletion(ctx, job.ID, s.timeout); err != nil {
		return eris.Wrapf(err, "pipeline: stage %s", stage)
	}
	return nil
}

func (s *QueuedStrategy) Abort(ctx context.Context, jobID string) (bool, error) {
	if jobID == "" {
		return false, nil
	}
	return s.queue.Remove(ctx, jobID)
}

// ParsePayload decodes a stage job payload.
func ParsePayload(raw json.RawMessage) (StagePayload, error) {
	var p StagePayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return p, eris.Wrap(err, "pipeline: decode job payload")
	}
	if p.AnalysisID == "" {
		return p, eris.New("pipeline: job payload missing analysis_id")
	}
	return p, nil
}
