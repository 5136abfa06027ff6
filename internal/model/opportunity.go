package model

import (
	"math"
	"time"
)

// Composite score weights. The three dimension scores are 0-100; confidence
// scales the weighted sum before rounding.
const (
	WeightUrgency       = 0.35
	WeightMarketSignals = 0.35
	WeightFeasibility   = 0.30

	// PublishThreshold is the minimum composite score for an opportunity
	// to be persisted.
	PublishThreshold = 70
)

// DimensionScores holds the three classifier dimension scores (0-100 each).
type DimensionScores struct {
	Urgency       int `json:"urgency"`
	MarketSignals int `json:"market_signals"`
	Feasibility   int `json:"feasibility"`
}

// ClassificationResult is the validated classifier output for one post.
type ClassificationResult struct {
	IsFeasible       bool            `json:"is_feasible"`
	Confidence       float64         `json:"confidence"` // 0..1
	Scores           DimensionScores `json:"scores"`
	ProblemStatement string          `json:"problem_statement"`
	Evidence         []string        `json:"evidence,omitempty"`
	AntiPatterns     []string        `json:"anti_patterns,omitempty"`
	Reasoning        string          `json:"reasoning,omitempty"`
}

// CompositeScore computes round((u*0.35 + m*0.35 + f*0.30) * confidence).
func (r ClassificationResult) CompositeScore() int {
	raw := float64(r.Scores.Urgency)*WeightUrgency +
		float64(r.Scores.MarketSignals)*WeightMarketSignals +
		float64(r.Scores.Feasibility)*WeightFeasibility
	return int(math.Round(raw * r.Confidence))
}

// Publishable reports whether the result passes the publish gate.
func (r ClassificationResult) Publishable() bool {
	return r.IsFeasible && r.CompositeScore() >= PublishThreshold
}

// Opportunity is a persisted, scored candidate derived from one post.
// Created only when the publish gate passes; never mutated afterward.
type Opportunity struct {
	ID               string          `json:"id"`
	AnalysisID       string          `json:"analysis_id"`
	PostID           string          `json:"post_id"`
	Title            string          `json:"title"`
	ProblemStatement string          `json:"problem_statement"`
	Scores           DimensionScores `json:"scores"`
	Confidence       float64         `json:"confidence"`
	CompositeScore   int             `json:"composite_score"`
	Classification   string          `json:"classification"`
	Evidence         []string        `json:"evidence,omitempty"`
	AntiPatterns     []string        `json:"anti_patterns,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
}

// NewOpportunity builds an Opportunity from a post and a publishable result.
func NewOpportunity(id string, post Post, r ClassificationResult) Opportunity {
	return Opportunity{
		ID:               id,
		AnalysisID:       post.AnalysisID,
		PostID:           post.ID,
		Title:            post.Title,
		ProblemStatement: r.ProblemStatement,
		Scores:           r.Scores,
		Confidence:       r.Confidence,
		CompositeScore:   r.CompositeScore(),
		Classification:   r.Reasoning,
		Evidence:         r.Evidence,
		AntiPatterns:     r.AntiPatterns,
	}
}
