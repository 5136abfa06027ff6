package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/Mellox11/opportunity-intel/internal/config"
	"github.com/Mellox11/opportunity-intel/internal/model"
	"github.com/Mellox11/opportunity-intel/internal/resilience"
	"github.com/Mellox11/opportunity-intel/pkg/anthropic"
)

// Classifier is the AI classification surface used by the stage executors.
// Both calls return token usage so the caller can meter spend.
type Classifier interface {
	ClassifyOpportunity(ctx context.Context, post model.Post) (*model.ClassificationResult, anthropic.TokenUsage, error)
	AnalyzeSentiment(ctx context.Context, comment model.Comment) (*model.SentimentResult, anthropic.TokenUsage, error)
}

const opportunitySystemPrompt = `You evaluate online discussions for viable software product opportunities. Given a post, respond with a single valid JSON object and nothing else:
{"is_feasible": <bool>, "confidence": <0.0-1.0>, "urgency_score": <0-100>, "market_signals_score": <0-100>, "feasibility_score": <0-100>, "problem_statement": "<one sentence>", "evidence": ["<quote>", ...], "anti_patterns": ["<concern>", ...], "reasoning": "<short classification label>"}`

const opportunityUserPrompt = `Subreddit: r/%s
Title: %s
Engagement score: %.0f (%d comments)
Matched keywords: %s

Post body:
%s`

const sentimentSystemPrompt = `You analyze a single discussion comment for sentiment toward the problem described. Respond with a single valid JSON object and nothing else:
{"sentiment_score": <-1.0 to 1.0>, "confidence_score": <0.0-1.0>, "enthusiasm_level": "low"|"medium"|"high", "skepticism_level": "low"|"medium"|"high", "validation_signals": {"agreement": <bool>, "disagreement": <bool>, "alternative_solutions": ["<solution>", ...]}}`

// aiClassifier implements Classifier over the Anthropic client.
type aiClassifier struct {
	client anthropic.Client
	cfg    config.AnthropicConfig
}

// NewClassifier creates the production classifier.
func NewClassifier(client anthropic.Client, cfg config.AnthropicConfig) Classifier {
	return &aiClassifier{client: client, cfg: cfg}
}

// opportunityWire is the raw classifier response shape before validation.
type opportunityWire struct {
	IsFeasible         *bool    `json:"is_feasible"`
	Confidence         *float64 `json:"confidence"`
	UrgencyScore       *int     `json:"urgency_score"`
	MarketSignalsScore *int     `json:"market_signals_score"`
	FeasibilityScore   *int     `json:"feasibility_score"`
	ProblemStatement   string   `json:"problem_statement"`
	Evidence           []string `json:"evidence"`
	AntiPatterns       []string `json:"anti_patterns"`
	Reasoning          string   `json:"reasoning"`
}

func (c *aiClassifier) ClassifyOpportunity(ctx context.Context, post model.Post) (*model.ClassificationResult, anthropic.TokenUsage, error) {
	body := post.Body
	if len(body) > 4000 {
		body = body[:4000]
	}
	prompt := fmt.Sprintf(opportunityUserPrompt,
		post.Subreddit, post.Title, post.EngagementScore, post.CommentCount,
		strings.Join(post.MatchedKeywords, ", "), body,
	)

	resp, err := c.call(ctx, "classify_opportunity", opportunitySystemPrompt, prompt)
	if err != nil {
		return nil, anthropic.TokenUsage{}, err
	}

	result, err := parseOpportunityResponse(resp.Text())
	if err != nil {
		return nil, resp.Usage, err
	}
	return result, resp.Usage, nil
}

// parseOpportunityResponse validates the raw classifier text into a typed
// result. Missing or out-of-range fields fail parsing; the caller treats
// that as an item-level classifier failure.
func parseOpportunityResponse(text string) (*model.ClassificationResult, error) {
	raw := extractJSON(text)
	var w opportunityWire
	if err := json.Unmarshal([]byte(raw), &w); err != nil {
		return nil, eris.Wrap(err, "pipeline: unmarshal classification response")
	}

	if w.IsFeasible == nil || w.Confidence == nil ||
		w.UrgencyScore == nil || w.MarketSignalsScore == nil || w.FeasibilityScore == nil {
		return nil, eris.New("pipeline: classification response missing required fields")
	}
	if *w.Confidence < 0 || *w.Confidence > 1 {
		return nil, eris.Errorf("pipeline: confidence %.2f out of range", *w.Confidence)
	}
	for _, s := range []int{*w.UrgencyScore, *w.MarketSignalsScore, *w.FeasibilityScore} {
		if s < 0 || s > 100 {
			return nil, eris.Errorf("pipeline: dimension score %d out of range", s)
		}
	}

	return &model.ClassificationResult{
		IsFeasible: *w.IsFeasible,
		Confidence: *w.Confidence,
		Scores: model.DimensionScores{
			Urgency:       *w.UrgencyScore,
			MarketSignals: *w.MarketSignalsScore,
			Feasibility:   *w.FeasibilityScore,
		},
		ProblemStatement: w.ProblemStatement,
		Evidence:         w.Evidence,
		AntiPatterns:     w.AntiPatterns,
		Reasoning:        w.Reasoning,
	}, nil
}

// sentimentWire is the raw sentiment response shape before validation.
type sentimentWire struct {
	SentimentScore  *float64 `json:"sentiment_score"`
	ConfidenceScore *float64 `json:"confidence_score"`
	EnthusiasmLevel string   `json:"enthusiasm_level"`
	SkepticismLevel string   `json:"skepticism_level"`
	Signals         struct {
		Agreement            bool     `json:"agreement"`
		Disagreement         bool     `json:"disagreement"`
		AlternativeSolutions []string `json:"alternative_solutions"`
	} `json:"validation_signals"`
}

func (c *aiClassifier) AnalyzeSentiment(ctx context.Context, comment model.Comment) (*model.SentimentResult, anthropic.TokenUsage, error) {
	content := comment.Content
	if len(content) > 2000 {
		content = content[:2000]
	}

	resp, err := c.call(ctx, "analyze_sentiment", sentimentSystemPrompt, content)
	if err != nil {
		return nil, anthropic.TokenUsage{}, err
	}

	result, err := parseSentimentResponse(resp.Text())
	if err != nil {
		return nil, resp.Usage, err
	}
	return result, resp.Usage, nil
}

func parseSentimentResponse(text string) (*model.SentimentResult, error) {
	raw := extractJSON(text)
	var w sentimentWire
	if err := json.Unmarshal([]byte(raw), &w); err != nil {
		return nil, eris.Wrap(err, "pipeline: unmarshal sentiment response")
	}

	if w.SentimentScore == nil || w.ConfidenceScore == nil {
		return nil, eris.New("pipeline: sentiment response missing required fields")
	}
	if *w.SentimentScore < -1 || *w.SentimentScore > 1 {
		return nil, eris.Errorf("pipeline: sentiment score %.2f out of range", *w.SentimentScore)
	}
	if *w.ConfidenceScore < 0 || *w.ConfidenceScore > 1 {
		return nil, eris.Errorf("pipeline: sentiment confidence %.2f out of range", *w.ConfidenceScore)
	}
	enth, err := parseLevel(w.EnthusiasmLevel)
	if err != nil {
		return nil, err
	}
	skep, err := parseLevel(w.SkepticismLevel)
	if err != nil {
		return nil, err
	}

	return &model.SentimentResult{
		SentimentScore:  *w.SentimentScore,
		ConfidenceScore: *w.ConfidenceScore,
		EnthusiasmLevel: enth,
		SkepticismLevel: skep,
		Signals: model.ValidationSignals{
			Agreement:            w.Signals.Agreement,
			Disagreement:         w.Signals.Disagreement,
			AlternativeSolutions: w.Signals.AlternativeSolutions,
		},
	}, nil
}

func parseLevel(s string) (model.SentimentLevel, error) {
	switch model.SentimentLevel(strings.ToLower(s)) {
	case model.LevelLow:
		return model.LevelLow, nil
	case model.LevelMedium:
		return model.LevelMedium, nil
	case model.LevelHigh:
		return model.LevelHigh, nil
	default:
		return "", eris.Errorf("pipeline: unknown sentiment level %q", s)
	}
}

// call issues one message request with transient-failure retries, caching
// the system prompt across items in a stage.
func (c *aiClassifier) call(ctx context.Context, operation, system, user string) (*anthropic.MessageResponse, error) {
	req := anthropic.MessageRequest{
		Model:     c.cfg.HaikuModel,
		MaxTokens: c.cfg.MaxTokens,
		System: []anthropic.SystemBlock{
			{Text: system, CacheControl: &anthropic.CacheControl{TTL: "5m"}},
		},
		Messages: []anthropic.Message{
			{Role: "user", Content: user},
		},
	}

	resp, err := resilience.Do(ctx, resilience.DefaultRetryConfig("anthropic", operation),
		func(ctx context.Context) (*anthropic.MessageResponse, error) {
			return c.client.CreateMessage(ctx, req)
		})
	if err != nil {
		return nil, &resilience.ExternalServiceError{Service: "anthropic", Err: err}
	}
	return resp, nil
}

// extractJSON strips markdown code fences and surrounding prose, returning
// the first top-level JSON object in the text.
func extractJSON(text string) string {
	text = strings.TrimSpace(text)
	if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```json")
		text = strings.TrimPrefix(text, "```")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
		text = strings.TrimSpace(text)
	}
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start >= 0 && end > start {
		return text[start : end+1]
	}
	return text
}
