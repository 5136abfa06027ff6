// Package model defines the core entities of the opportunity analysis pipeline.
package model

import (
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"
)

// AnalysisStatus is the lifecycle state of an analysis run.
type AnalysisStatus string

const (
	StatusPending      AnalysisStatus = "pending"
	StatusCostApproved AnalysisStatus = "cost_approved"
	StatusQueued       AnalysisStatus = "queued"
	StatusProcessing   AnalysisStatus = "processing"
	StatusCompleted    AnalysisStatus = "completed"
	StatusFailed       AnalysisStatus = "failed"
	StatusCancelled    AnalysisStatus = "cancelled"
)

// Terminal returns true if no further status transition is allowed.
func (s AnalysisStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// statusTransitions encodes the allowed status FSM. Stages are never skipped;
// cancellation is reachable from any non-terminal state.
var statusTransitions = map[AnalysisStatus][]AnalysisStatus{
	StatusPending:      {StatusCostApproved, StatusQueued, StatusProcessing, StatusFailed, StatusCancelled},
	StatusCostApproved: {StatusQueued, StatusProcessing, StatusFailed, StatusCancelled},
	StatusQueued:       {StatusProcessing, StatusFailed, StatusCancelled},
	StatusProcessing:   {StatusCompleted, StatusFailed, StatusCancelled},
}

// CanTransition reports whether moving from s to next is a legal FSM edge.
func (s AnalysisStatus) CanTransition(next AnalysisStatus) bool {
	for _, allowed := range statusTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// TransitionSources returns every status allowed to move to next. Stores use
// it as an atomic guard so a late write cannot overwrite a terminal status.
func TransitionSources(next AnalysisStatus) []AnalysisStatus {
	var out []AnalysisStatus
	for s, targets := range statusTransitions {
		for _, t := range targets {
			if t == next {
				out = append(out, s)
				break
			}
		}
	}
	return out
}

// AnalysisConfig is the caller-supplied configuration for one run.
type AnalysisConfig struct {
	Subreddits []string  `json:"subreddits"`
	TimeRange  TimeRange `json:"time_range"`
	Keywords   Keywords  `json:"keywords"`
	MaxCost    float64   `json:"max_cost"`
	// CommentSampleSize bounds how many comments are stored per post at
	// collection time. Zero means the default (20).
	CommentSampleSize int `json:"comment_sample_size,omitempty"`
}

// TimeRange selects how far back collection reaches.
type TimeRange struct {
	Days int `json:"days"`
}

// Keywords holds the keyword sets used for post matching.
type Keywords struct {
	Predefined []string `json:"predefined"`
	Custom     []string `json:"custom"`
}

// All returns the union of predefined and custom keywords.
func (k Keywords) All() []string {
	out := make([]string, 0, len(k.Predefined)+len(k.Custom))
	out = append(out, k.Predefined...)
	out = append(out, k.Custom...)
	return out
}

// Validate checks an AnalysisConfig for use. It returns a plain error; the
// orchestrator wraps it into a ValidationError.
func (c AnalysisConfig) Validate() error {
	if len(c.Subreddits) == 0 {
		return eris.New("config: at least one subreddit is required")
	}
	if c.TimeRange.Days <= 0 || c.TimeRange.Days > 90 {
		return eris.New("config: time range must be between 1 and 90 days")
	}
	if len(c.Keywords.All()) == 0 {
		return eris.New("config: at least one keyword is required")
	}
	if c.MaxCost <= 0 {
		return eris.New("config: max cost must be positive")
	}
	return nil
}

// Analysis is one full pipeline run over a configured source scope.
// Status and progress are owned exclusively by the orchestrator.
type Analysis struct {
	ID            string          `json:"id"`
	Status        AnalysisStatus  `json:"status"`
	Config        AnalysisConfig  `json:"config"`
	Progress      json.RawMessage `json:"progress,omitempty"`
	EstimatedCost float64         `json:"estimated_cost"`
	BudgetLimit   float64         `json:"budget_limit"`
	Metadata      map[string]any  `json:"metadata,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	CompletedAt   *time.Time      `json:"completed_at,omitempty"`
}

// FailurePayload is recorded into analysis metadata when a stage fails.
type FailurePayload struct {
	Stage     string    `json:"stage"`
	Error     string    `json:"error"`
	Timestamp time.Time `json:"timestamp"`
}
