package pipeline

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/Mellox11/opportunity-intel/internal/model"
)

// RunClassification scores every unprocessed post with one classifier call
// each and persists the ones passing the publish gate. Batching exists only
// for progress-reporting cadence; a failing item is logged, marked
// processed, and never aborts the rest of the batch.
func (p *Pipeline) RunClassification(ctx context.Context, analysisID string) error {
	if _, err := p.loadAnalysis(ctx, analysisID); err != nil {
		return err
	}
	log := zap.L().With(zap.String("analysis_id", analysisID))
	rep := newReporter(ctx, p.store, analysisID, p.mode)

	posts, err := p.store.ListUnprocessedPosts(ctx, analysisID)
	if err != nil {
		return eris.Wrap(err, "pipeline: list unprocessed posts")
	}
	if len(posts) == 0 {
		rep.Update(ctx, model.StageAIProcessing, 1, "No posts to classify", func(pr *model.Progress) {
			pr.ProcessedPosts = intPtr(0)
			pr.OpportunitiesFound = intPtr(0)
		})
		return nil
	}

	batchSize := p.cfg.Pipeline.ClassificationBatchSize
	if batchSize <= 0 {
		batchSize = 10
	}

	processed := 0
	found := 0
	for start := 0; start < len(posts); start += batchSize {
		end := min(start+batchSize, len(posts))
		for _, post := range posts[start:end] {
			result, usage, cerr := p.classifier.ClassifyOpportunity(ctx, post)
			p.meterClaudeUsage(ctx, analysisID, usage)
			if cerr != nil {
				// No opportunity, item still counts as processed.
				log.Warn("classification failed for post",
					zap.String("post_id", post.ID),
					zap.Error(cerr),
				)
			} else if result.Publishable() {
				opp := model.NewOpportunity(uuid.NewString(), post, *result)
				if oerr := p.store.CreateOpportunity(ctx, opp); oerr != nil {
					return eris.Wrap(oerr, "pipeline: persist opportunity")
				}
				found++
				log.Info("opportunity found",
					zap.String("post_id", post.ID),
					zap.Int("composite_score", opp.CompositeScore),
					zap.Float64("confidence", opp.Confidence),
				)
			}

			if merr := p.store.MarkPostProcessed(ctx, post.ID); merr != nil {
				return eris.Wrap(merr, "pipeline: mark post processed")
			}
			processed++
		}

		rep.Update(ctx, model.StageAIProcessing, float64(end)/float64(len(posts)),
			fmt.Sprintf("Classifying posts (%d/%d)", end, len(posts)),
			func(pr *model.Progress) {
				pr.TotalPosts = intPtr(len(posts))
				pr.ProcessedPosts = intPtr(processed)
				pr.OpportunitiesFound = intPtr(found)
			})
	}

	log.Info("classification complete",
		zap.Int("posts_processed", processed),
		zap.Int("opportunities_found", found),
	)
	return nil
}
