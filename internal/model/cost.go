package model

import "time"

// CostEventType identifies what kind of metered spend an event records.
type CostEventType string

const (
	CostEventTokens  CostEventType = "ai_tokens"
	CostEventAPICall CostEventType = "api_call"
)

// CostEvent is one metered unit of externally-incurred spend, recorded
// against an analysis's running total. Events are append-only.
type CostEvent struct {
	ID         string        `json:"id"`
	AnalysisID string        `json:"analysis_id"`
	EventType  CostEventType `json:"event_type"`
	Provider   string        `json:"provider"`
	Units      int64         `json:"units"`
	Cost       float64       `json:"cost"`
	Timestamp  time.Time     `json:"timestamp"`
}
