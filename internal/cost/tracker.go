package cost

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/Mellox11/opportunity-intel/internal/model"
)

// Ledger is the persistence sink for cost events. Events are append-only;
// the ledger is the audit trail.
type Ledger interface {
	AppendCostEvent(ctx context.Context, ev model.CostEvent) error
	SumCostEvents(ctx context.Context, analysisID string) (float64, error)
}

// LimitExceededError is raised when an analysis's running total reaches its
// budget ceiling at a stage boundary.
type LimitExceededError struct {
	AnalysisID string
	Total      float64
	Limit      float64
}

func (e *LimitExceededError) Error() string {
	return fmt.Sprintf("cost: analysis %s spent $%.4f of $%.4f budget", e.AnalysisID, e.Total, e.Limit)
}

// Tracker meters spend per analysis. Each analysis has its own running
// total; totals for analyses resumed from the queue are rehydrated from the
// ledger on first access.
//
// The budget check fires only at stage boundaries, never mid-stage: a single
// expensive stage can overshoot the ceiling before the next check. That is a
// documented property of the engine, not a bug to fix here.
type Tracker struct {
	ledger Ledger
	calc   *Calculator

	mu     sync.Mutex
	totals map[string]float64
}

// NewTracker creates a Tracker backed by the given ledger and calculator.
func NewTracker(ledger Ledger, calc *Calculator) *Tracker {
	return &Tracker{
		ledger: ledger,
		calc:   calc,
		totals: make(map[string]float64),
	}
}

// Calculator exposes the pricing calculator for stage executors.
func (t *Tracker) Calculator() *Calculator {
	return t.calc
}

// RecordEvent appends a cost event to the ledger and updates the analysis's
// running total. A ledger write failure does not lose the in-memory total.
func (t *Tracker) RecordEvent(ctx context.Context, ev model.CostEvent) error {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	t.mu.Lock()
	if _, ok := t.totals[ev.AnalysisID]; !ok {
		// First event for this analysis in this process: rehydrate from the
		// ledger so resumed runs keep their prior spend.
		t.mu.Unlock()
		prior, err := t.ledger.SumCostEvents(ctx, ev.AnalysisID)
		if err != nil {
			return eris.Wrap(err, "cost: rehydrate running total")
		}
		t.mu.Lock()
		if _, ok := t.totals[ev.AnalysisID]; !ok {
			t.totals[ev.AnalysisID] = prior
		}
	}
	t.totals[ev.AnalysisID] += ev.Cost
	total := t.totals[ev.AnalysisID]
	t.mu.Unlock()

	if err := t.ledger.AppendCostEvent(ctx, ev); err != nil {
		return eris.Wrap(err, "cost: append event")
	}

	zap.L().Debug("cost event recorded",
		zap.String("analysis_id", ev.AnalysisID),
		zap.String("event_type", string(ev.EventType)),
		zap.String("provider", ev.Provider),
		zap.Float64("cost", ev.Cost),
		zap.Float64("running_total", total),
	)
	return nil
}

// Total returns the running total for an analysis, rehydrating from the
// ledger if this process has not metered it yet.
func (t *Tracker) Total(ctx context.Context, analysisID string) (float64, error) {
	t.mu.Lock()
	total, ok := t.totals[analysisID]
	t.mu.Unlock()
	if ok {
		return total, nil
	}

	prior, err := t.ledger.SumCostEvents(ctx, analysisID)
	if err != nil {
		return 0, eris.Wrap(err, "cost: load running total")
	}

	t.mu.Lock()
	if existing, ok := t.totals[analysisID]; ok {
		prior = existing
	} else {
		t.totals[analysisID] = prior
	}
	t.mu.Unlock()
	return prior, nil
}

// CheckBudget compares the running total against the ceiling and returns a
// *LimitExceededError when total >= maxCost.
func (t *Tracker) CheckBudget(ctx context.Context, analysisID string, maxCost float64) error {
	total, err := t.Total(ctx, analysisID)
	if err != nil {
		return err
	}
	if total >= maxCost {
		return &LimitExceededError{AnalysisID: analysisID, Total: total, Limit: maxCost}
	}
	return nil
}

// Forget drops the in-memory total for a finished analysis.
func (t *Tracker) Forget(analysisID string) {
	t.mu.Lock()
	delete(t.totals, analysisID)
	t.mu.Unlock()
}
