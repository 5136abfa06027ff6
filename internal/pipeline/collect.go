package pipeline

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/Mellox11/opportunity-intel/internal/model"
	"github.com/Mellox11/opportunity-intel/internal/resilience"
	"github.com/Mellox11/opportunity-intel/pkg/reddit"
)

// normalizer lowercases and strips diacritics so keyword matching treats
// "café" and "Cafe" as the same token.
var normalizer = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

func normalizeText(s string) string {
	out, _, err := transform.String(normalizer, strings.ToLower(s))
	if err != nil {
		return strings.ToLower(s)
	}
	return out
}

// matchKeywords returns the keywords appearing in the post text, after
// normalization on both sides.
func matchKeywords(title, body string, keywords []string) []string {
	text := normalizeText(title + " " + body)
	var matched []string
	for _, kw := range keywords {
		if kw == "" {
			continue
		}
		if strings.Contains(text, normalizeText(kw)) {
			matched = append(matched, kw)
		}
	}
	return matched
}

// scoreEngagement maps raw vote and comment counts onto a 0-100 scale.
// Comments weigh more than votes: a discussion signals a felt problem.
func scoreEngagement(score, comments int) float64 {
	v := float64(score)*0.5 + float64(comments)*1.5
	if v > 100 {
		return 100
	}
	if v < 0 {
		return 0
	}
	return v
}

// RunCollection fetches posts for every configured subreddit, keeps the ones
// matching a keyword inside the time range, and samples comments for
// high-engagement posts. Each upstream request is metered as a cost event.
func (p *Pipeline) RunCollection(ctx context.Context, analysisID string) error {
	a, err := p.loadAnalysis(ctx, analysisID)
	if err != nil {
		return err
	}
	log := zap.L().With(zap.String("analysis_id", analysisID))
	rep := newReporter(ctx, p.store, analysisID, p.mode)

	cutoff := time.Now().UTC().AddDate(0, 0, -a.Config.TimeRange.Days)
	keywords := a.Config.Keywords.All()

	var collected []model.Post
	subreddits := a.Config.Subreddits
	for i, sub := range subreddits {
		rep.Update(ctx, model.StageCollection, float64(i)/float64(len(subreddits))*0.7,
			fmt.Sprintf("Collecting r/%s", sub), nil)

		posts, err := resilience.Do(ctx, resilience.DefaultRetryConfig("reddit", "fetch_posts"),
			func(ctx context.Context) ([]reddit.Post, error) {
				return p.reddit.FetchPosts(ctx, sub, reddit.WithSort("new"))
			})
		if err != nil {
			return &resilience.ExternalServiceError{Service: "reddit", Err: eris.Wrapf(err, "fetch posts r/%s", sub)}
		}
		p.meterRedditRequest(ctx, analysisID)

		kept := 0
		for _, rp := range posts {
			if rp.CreatedAt.Before(cutoff) {
				continue
			}
			matched := matchKeywords(rp.Title, rp.Body, keywords)
			if len(matched) == 0 {
				continue
			}
			collected = append(collected, model.Post{
				ID:              uuid.NewString(),
				AnalysisID:      analysisID,
				ExternalID:      rp.ID,
				Subreddit:       rp.Subreddit,
				Title:           rp.Title,
				Body:            rp.Body,
				EngagementScore: scoreEngagement(rp.Score, rp.NumComments),
				CommentCount:    rp.NumComments,
				MatchedKeywords: matched,
				CreatedAt:       rp.CreatedAt,
			})
			kept++
		}
		log.Info("subreddit collected",
			zap.String("subreddit", sub),
			zap.Int("fetched", len(posts)),
			zap.Int("matched", kept),
		)
	}

	inserted, err := p.store.UpsertPosts(ctx, collected)
	if err != nil {
		return eris.Wrap(err, "pipeline: persist collected posts")
	}

	rep.Update(ctx, model.StageCollection, 0.7, "Sampling comments", func(pr *model.Progress) {
		pr.TotalPosts = intPtr(len(collected))
	})

	if err := p.sampleComments(ctx, a, rep); err != nil {
		return err
	}

	rep.Update(ctx, model.StageCollection, 1, "Collection complete", func(pr *model.Progress) {
		pr.TotalPosts = intPtr(len(collected))
	})
	log.Info("collection complete",
		zap.Int("posts_matched", len(collected)),
		zap.Int("posts_new", inserted),
	)
	return nil
}

// sampleComments fetches and stores a bounded sample of comments for each
// high-engagement post, highest-scored first. Only these posts feed the
// sentiment stage, so low-signal posts never cost a comments request.
func (p *Pipeline) sampleComments(ctx context.Context, a *model.Analysis, rep *reporter) error {
	sampleSize := a.Config.CommentSampleSize
	if sampleSize <= 0 {
		sampleSize = p.cfg.Pipeline.CommentSampleSize
	}

	posts, err := p.store.ListHighEngagementPosts(ctx, a.ID, p.cfg.Pipeline.EngagementThreshold)
	if err != nil {
		return eris.Wrap(err, "pipeline: list high engagement posts")
	}

	for i, post := range posts {
		comments, err := resilience.Do(ctx, resilience.DefaultRetryConfig("reddit", "fetch_comments"),
			func(ctx context.Context) ([]reddit.Comment, error) {
				return p.reddit.FetchComments(ctx, post.Subreddit, post.ExternalID)
			})
		if err != nil {
			// A missing comment thread degrades sentiment coverage, it does
			// not fail collection.
			zap.L().Warn("fetch comments failed",
				zap.String("analysis_id", a.ID),
				zap.String("post_id", post.ID),
				zap.Error(err),
			)
			continue
		}
		p.meterRedditRequest(ctx, a.ID)

		sort.Slice(comments, func(i, j int) bool { return comments[i].Score > comments[j].Score })
		if len(comments) > sampleSize {
			comments = comments[:sampleSize]
		}

		batch := make([]model.Comment, 0, len(comments))
		for _, rc := range comments {
			batch = append(batch, model.Comment{
				ID:               uuid.NewString(),
				PostID:           post.ID,
				ExternalID:       rc.ID,
				Content:          rc.Body,
				EngagementScore:  scoreEngagement(rc.Score, 0),
				ProcessingStatus: model.CommentPending,
				CreatedAt:        rc.CreatedAt,
			})
		}
		if _, err := p.store.UpsertComments(ctx, batch); err != nil {
			return eris.Wrap(err, "pipeline: persist sampled comments")
		}

		rep.Update(ctx, model.StageCollection, 0.7+0.3*float64(i+1)/float64(len(posts)),
			"Sampling comments", nil)
	}
	return nil
}

// meterRedditRequest records one collection API request in the cost ledger.
// Metering failures are logged; losing one event must not abort collection.
func (p *Pipeline) meterRedditRequest(ctx context.Context, analysisID string) {
	ev := model.CostEvent{
		AnalysisID: analysisID,
		EventType:  model.CostEventAPICall,
		Provider:   "reddit",
		Units:      1,
		Cost:       p.tracker.Calculator().RedditRequests(1),
	}
	if err := p.tracker.RecordEvent(ctx, ev); err != nil {
		zap.L().Warn("cost event dropped",
			zap.String("analysis_id", analysisID),
			zap.Error(err),
		)
	}
}
