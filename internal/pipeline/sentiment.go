package pipeline

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/Mellox11/opportunity-intel/internal/model"
	"github.com/Mellox11/opportunity-intel/pkg/anthropic"
)

// RunCommentAnalysis classifies sentiment for pending comments on
// high-engagement posts. The engagement threshold gates at the post level;
// posts below it never generate a classifier call. A classifier failure on
// one comment records the deterministic fallback and moves on.
func (p *Pipeline) RunCommentAnalysis(ctx context.Context, analysisID string) error {
	if _, err := p.loadAnalysis(ctx, analysisID); err != nil {
		return err
	}
	log := zap.L().With(zap.String("analysis_id", analysisID))
	rep := newReporter(ctx, p.store, analysisID, p.mode)

	posts, err := p.store.ListHighEngagementPosts(ctx, analysisID, p.cfg.Pipeline.EngagementThreshold)
	if err != nil {
		return eris.Wrap(err, "pipeline: list high engagement posts")
	}
	if len(posts) == 0 {
		rep.Update(ctx, model.StageCommentAnalysis, 1, "No high-engagement posts", nil)
		return nil
	}

	batchSize := p.cfg.Pipeline.SentimentBatchSize
	if batchSize <= 0 {
		batchSize = 5
	}

	processed := 0
	fallbacks := 0
	for pi, post := range posts {
		comments, err := p.store.ListPendingComments(ctx, post.ID)
		if err != nil {
			return eris.Wrap(err, "pipeline: list pending comments")
		}

		for start := 0; start < len(comments); start += batchSize {
			end := min(start+batchSize, len(comments))
			for _, comment := range comments[start:end] {
				result, usage, cerr := p.classifier.AnalyzeSentiment(ctx, comment)
				p.meterClaudeUsage(ctx, analysisID, usage)
				status := model.CommentCompleted
				if cerr != nil {
					log.Warn("sentiment classification failed, recording fallback",
						zap.String("comment_id", comment.ID),
						zap.Error(cerr),
					)
					fb := model.FallbackSentiment()
					result = &fb
					status = model.CommentFailed
					fallbacks++
				}

				blob, merr := json.Marshal(result)
				if merr != nil {
					return eris.Wrap(merr, "pipeline: marshal sentiment result")
				}
				if uerr := p.store.UpdateCommentAnalysis(ctx, comment.ID, status, blob); uerr != nil {
					return eris.Wrap(uerr, "pipeline: persist sentiment result")
				}
				processed++
			}

			// Progress moves per batch, not per comment.
			frac := (float64(pi) + float64(end)/float64(len(comments))) / float64(len(posts))
			rep.Update(ctx, model.StageCommentAnalysis, frac,
				fmt.Sprintf("Analyzing comments (%d processed)", processed),
				func(pr *model.Progress) {
					pr.CommentsProcessed = intPtr(processed)
				})
		}
	}

	rep.Update(ctx, model.StageCommentAnalysis, 1, "Comment analysis complete", func(pr *model.Progress) {
		pr.CommentsProcessed = intPtr(processed)
	})
	log.Info("comment analysis complete",
		zap.Int("posts", len(posts)),
		zap.Int("comments_processed", processed),
		zap.Int("fallbacks", fallbacks),
	)
	return nil
}

// meterClaudeUsage records one classifier call's token spend. Billed tokens
// count even when the response fails validation; zero usage means the call
// never reached the API and records nothing.
func (p *Pipeline) meterClaudeUsage(ctx context.Context, analysisID string, u anthropic.TokenUsage) {
	if u.InputTokens == 0 && u.OutputTokens == 0 &&
		u.CacheCreationInputTokens == 0 && u.CacheReadInputTokens == 0 {
		return
	}
	ev := model.CostEvent{
		AnalysisID: analysisID,
		EventType:  model.CostEventTokens,
		Provider:   "anthropic",
		Units:      u.InputTokens + u.OutputTokens,
		Cost: p.tracker.Calculator().Claude(p.cfg.Anthropic.HaikuModel,
			u.InputTokens, u.OutputTokens, u.CacheCreationInputTokens, u.CacheReadInputTokens),
	}
	if err := p.tracker.RecordEvent(ctx, ev); err != nil {
		zap.L().Warn("cost event dropped",
			zap.String("analysis_id", analysisID),
			zap.Error(err),
		)
	}
}
