package model

import (
	"encoding/json"
	"fmt"
)

// Stage names the phases of the progress state machine.
type Stage string

const (
	StageInitializing     Stage = "initializing"
	StageCollection       Stage = "reddit_collection"
	StageCommentAnalysis  Stage = "comment_analysis"
	StageAIProcessing     Stage = "ai_processing"
	StageReportGeneration Stage = "report_generation"
	StageCompleted        Stage = "completed"
	StageFailed           Stage = "failed"
	StageCancelled        Stage = "cancelled"
)

// knownStages is the set of stages a persisted progress record may carry.
var knownStages = map[Stage]bool{
	StageInitializing:     true,
	StageCollection:       true,
	StageCommentAnalysis:  true,
	StageAIProcessing:     true,
	StageReportGeneration: true,
	StageCompleted:        true,
	StageFailed:           true,
	StageCancelled:        true,
}

// Progress is the state-machine record describing where an analysis is.
// It is persisted as an opaque serialized blob and overwritten wholesale on
// every update (last-write-wins; concurrent writers can race).
type Progress struct {
	Stage              Stage  `json:"stage"`
	Message            string `json:"message"`
	Percentage         int    `json:"percentage"`
	TotalPosts         *int   `json:"totalPosts,omitempty"`
	ProcessedPosts     *int   `json:"processedPosts,omitempty"`
	CommentsProcessed  *int   `json:"commentsProcessed,omitempty"`
	OpportunitiesFound *int   `json:"opportunitiesFound,omitempty"`
	Error              string `json:"error,omitempty"`
}

// SchemaValidationError reports a persisted blob that failed to parse or
// validate at the persistence boundary.
type SchemaValidationError struct {
	What string
	Err  error
}

func (e *SchemaValidationError) Error() string {
	return fmt.Sprintf("model: invalid %s: %v", e.What, e.Err)
}

func (e *SchemaValidationError) Unwrap() error { return e.Err }

// ParseProgress parses and validates a persisted progress blob. Malformed
// JSON, unknown stages, and out-of-range percentages all return a
// *SchemaValidationError rather than a best-effort record.
func ParseProgress(raw []byte) (*Progress, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var p Progress
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, &SchemaValidationError{What: "progress", Err: err}
	}
	if !knownStages[p.Stage] {
		return nil, &SchemaValidationError{What: "progress", Err: fmt.Errorf("unknown stage %q", p.Stage)}
	}
	if p.Percentage < 0 || p.Percentage > 100 {
		return nil, &SchemaValidationError{What: "progress", Err: fmt.Errorf("percentage %d out of range", p.Percentage)}
	}
	return &p, nil
}

// Marshal serializes the progress record for persistence.
func (p *Progress) Marshal() ([]byte, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, &SchemaValidationError{What: "progress", Err: err}
	}
	return raw, nil
}
