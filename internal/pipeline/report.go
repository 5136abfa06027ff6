package pipeline

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/Mellox11/opportunity-intel/internal/model"
)

// reportSummary is the aggregate written into analysis metadata by the
// report stage.
type reportSummary struct {
	TotalPosts         int      `json:"total_posts"`
	OpportunitiesFound int      `json:"opportunities_found"`
	AvgCompositeScore  float64  `json:"avg_composite_score"`
	TopOpportunities   []string `json:"top_opportunities,omitempty"`
	TotalCost          float64  `json:"total_cost"`
	GeneratedAt        string   `json:"generated_at"`
}

// RunReport aggregates the run's results into the analysis metadata.
func (p *Pipeline) RunReport(ctx context.Context, analysisID string) error {
	if _, err := p.loadAnalysis(ctx, analysisID); err != nil {
		return err
	}
	rep := newReporter(ctx, p.store, analysisID, p.mode)
	rep.Update(ctx, model.StageReportGeneration, 0, "Generating report", nil)

	totalPosts, err := p.store.CountPosts(ctx, analysisID)
	if err != nil {
		return eris.Wrap(err, "pipeline: count posts")
	}

	opps, err := p.store.ListOpportunities(ctx, analysisID)
	if err != nil {
		return eris.Wrap(err, "pipeline: list opportunities")
	}

	total, err := p.tracker.Total(ctx, analysisID)
	if err != nil {
		return eris.Wrap(err, "pipeline: total spend")
	}

	summary := reportSummary{
		TotalPosts:         totalPosts,
		OpportunitiesFound: len(opps),
		TotalCost:          total,
		GeneratedAt:        time.Now().UTC().Format(time.RFC3339),
	}

	if len(opps) > 0 {
		sum := 0
		for _, o := range opps {
			sum += o.CompositeScore
		}
		summary.AvgCompositeScore = math.Round(float64(sum)/float64(len(opps))*100) / 100

		sorted := make([]model.Opportunity, len(opps))
		copy(sorted, opps)
		sort.Slice(sorted, func(i, j int) bool { return sorted[i].CompositeScore > sorted[j].CompositeScore })
		top := min(5, len(sorted))
		for _, o := range sorted[:top] {
			summary.TopOpportunities = append(summary.TopOpportunities, o.Title)
		}
	}

	if err := p.store.MergeAnalysisMetadata(ctx, analysisID, map[string]any{"report": summary}); err != nil {
		return eris.Wrap(err, "pipeline: persist report summary")
	}

	rep.Update(ctx, model.StageReportGeneration, 1, "Report generated", func(pr *model.Progress) {
		pr.TotalPosts = intPtr(totalPosts)
		pr.OpportunitiesFound = intPtr(len(opps))
	})
	zap.L().Info("report generated",
		zap.String("analysis_id", analysisID),
		zap.Int("total_posts", totalPosts),
		zap.Int("opportunities", len(opps)),
		zap.Float64("total_cost", total),
	)
	return nil
}
