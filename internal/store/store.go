// Package store persists analyses, posts, comments, opportunities, and the
// cost-event audit trail.
package store

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/Mellox11/opportunity-intel/internal/model"
)

// ErrIllegalStatusTransition marks a status update rejected by the analysis
// FSM, most often a write landing after the analysis reached a terminal
// status. Check with errors.Is.
var ErrIllegalStatusTransition = eris.New("illegal status transition")

// AnalysisFilter specifies criteria for listing analyses.
type AnalysisFilter struct {
	Status model.AnalysisStatus `json:"status,omitempty"`
	Limit  int                  `json:"limit,omitempty"`
	Offset int                  `json:"offset,omitempty"`
}

// Store defines the persistence interface for the pipeline engine.
type Store interface {
	// Analyses. Status and progress writes are single-row atomic updates;
	// the progress blob is overwritten wholesale (last-write-wins).
	CreateAnalysis(ctx context.Context, a *model.Analysis) error
	GetAnalysis(ctx context.Context, id string) (*model.Analysis, error)
	UpdateAnalysisStatus(ctx context.Context, id string, status model.AnalysisStatus) error
	UpdateAnalysisProgress(ctx context.Context, id string, raw []byte) error
	GetAnalysisProgress(ctx context.Context, id string) ([]byte, error)
	MergeAnalysisMetadata(ctx context.Context, id string, patch map[string]any) error
	ListAnalyses(ctx context.Context, filter AnalysisFilter) ([]model.Analysis, error)

	// Posts. Upserts dedup on (analysis_id, external_id) and return the
	// number of newly inserted rows.
	UpsertPosts(ctx context.Context, posts []model.Post) (int, error)
	ListUnprocessedPosts(ctx context.Context, analysisID string) ([]model.Post, error)
	ListHighEngagementPosts(ctx context.Context, analysisID string, minScore float64) ([]model.Post, error)
	MarkPostProcessed(ctx context.Context, postID string) error
	CountPosts(ctx context.Context, analysisID string) (int, error)

	// Comments.
	UpsertComments(ctx context.Context, comments []model.Comment) (int, error)
	ListPendingComments(ctx context.Context, postID string) ([]model.Comment, error)
	UpdateCommentAnalysis(ctx context.Context, commentID string, status model.CommentStatus, blob []byte) error

	// Opportunities. Insert-only; the pipeline never mutates or deletes them.
	CreateOpportunity(ctx context.Context, o model.Opportunity) error
	ListOpportunities(ctx context.Context, analysisID string) ([]model.Opportunity, error)

	// Cost events (satisfies cost.Ledger). Append-only audit trail.
	AppendCostEvent(ctx context.Context, ev model.CostEvent) error
	SumCostEvents(ctx context.Context, analysisID string) (float64, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
