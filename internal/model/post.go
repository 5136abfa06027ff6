package model

import "time"

// Post is a collected discussion item (spec: SourceItem). ExternalID is the
// upstream identifier, unique per analysis, used as the dedup key.
type Post struct {
	ID              string    `json:"id"`
	AnalysisID      string    `json:"analysis_id"`
	ExternalID      string    `json:"external_id"`
	Subreddit       string    `json:"subreddit"`
	Title           string    `json:"title"`
	Body            string    `json:"body"`
	EngagementScore float64   `json:"engagement_score"`
	CommentCount    int       `json:"comment_count"`
	Processed       bool      `json:"processed"`
	MatchedKeywords []string  `json:"matched_keywords"`
	CreatedAt       time.Time `json:"created_at"`
}

// CommentStatus is the sentiment-processing state of a single comment.
type CommentStatus string

const (
	CommentPending   CommentStatus = "pending"
	CommentCompleted CommentStatus = "completed"
	CommentFailed    CommentStatus = "failed"
)

// Comment is a sampled comment attached to a post. AnalysisMetadata carries
// the serialized sentiment result once the comment has been processed.
type Comment struct {
	ID               string        `json:"id"`
	PostID           string        `json:"post_id"`
	ExternalID       string        `json:"external_id"`
	Content          string        `json:"content"`
	EngagementScore  float64       `json:"engagement_score"`
	ProcessingStatus CommentStatus `json:"processing_status"`
	AnalysisMetadata []byte        `json:"analysis_metadata,omitempty"`
	CreatedAt        time.Time     `json:"created_at"`
}

// SentimentLevel grades enthusiasm and skepticism in a sentiment result.
type SentimentLevel string

const (
	LevelLow    SentimentLevel = "low"
	LevelMedium SentimentLevel = "medium"
	LevelHigh   SentimentLevel = "high"
)

// ValidationSignals captures agreement markers found in a comment.
type ValidationSignals struct {
	Agreement            bool     `json:"agreement"`
	Disagreement         bool     `json:"disagreement"`
	AlternativeSolutions []string `json:"alternative_solutions,omitempty"`
}

// SentimentResult is the validated classifier output for one comment.
type SentimentResult struct {
	SentimentScore  float64           `json:"sentiment_score"`  // -1..1
	ConfidenceScore float64           `json:"confidence_score"` // 0..1
	EnthusiasmLevel SentimentLevel    `json:"enthusiasm_level"`
	SkepticismLevel SentimentLevel    `json:"skepticism_level"`
	Signals         ValidationSignals `json:"validation_signals"`
	Fallback        bool              `json:"fallback,omitempty"`
}

// FallbackSentiment is the deterministic result recorded when the classifier
// fails for a single comment. Item failures never abort the batch.
func FallbackSentiment() SentimentResult {
	return SentimentResult{
		SentimentScore:  0,
		ConfidenceScore: 0.1,
		EnthusiasmLevel: LevelLow,
		SkepticismLevel: LevelMedium,
		Signals:         ValidationSignals{},
		Fallback:        true,
	}
}
