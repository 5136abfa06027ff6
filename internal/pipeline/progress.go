package pipeline

import (
	"context"
	"math"

	"go.uber.org/zap"

	"github.com/Mellox11/opportunity-intel/internal/model"
	"github.com/Mellox11/opportunity-intel/internal/store"
)

// band is the percentage range a stage occupies within a run.
type band struct {
	start, end int
}

// Stage percentage bands per execution mode. Queued runs skip the comment
// analysis stage, so collection gets a wider band.
var (
	queuedBands = map[model.Stage]band{
		model.StageInitializing:     {0, 0},
		model.StageCollection:       {0, 50},
		model.StageAIProcessing:     {50, 90},
		model.StageReportGeneration: {90, 100},
	}
	directBands = map[model.Stage]band{
		model.StageInitializing:     {0, 0},
		model.StageCollection:       {0, 40},
		model.StageCommentAnalysis:  {40, 70},
		model.StageAIProcessing:     {70, 90},
		model.StageReportGeneration: {90, 100},
	}
)

// reporter persists progress updates for one analysis run. Percentages are
// clamped non-decreasing against the last persisted value; the blob itself
// is overwritten wholesale (last-write-wins).
type reporter struct {
	store      store.Store
	analysisID string
	bands      map[model.Stage]band
	floor      int
}

// newReporter creates a reporter, seeding the percentage floor from any
// previously persisted progress so resumed runs never appear to move
// backwards.
func newReporter(ctx context.Context, st store.Store, analysisID, mode string) *reporter {
	bands := directBands
	if mode == StrategyQueued {
		bands = queuedBands
	}
	r := &reporter{store: st, analysisID: analysisID, bands: bands}

	if raw, err := st.GetAnalysisProgress(ctx, analysisID); err == nil {
		if prev, perr := model.ParseProgress(raw); perr == nil && prev != nil {
			r.floor = prev.Percentage
		}
	}
	return r
}

// Update persists a progress record for the given stage at frac (0..1)
// through that stage's percentage band. mutate, if non-nil, fills in the
// optional counters. Persistence failures are logged, never fatal.
func (r *reporter) Update(ctx context.Context, stage model.Stage, frac float64, message string, mutate func(*model.Progress)) {
	b, ok := r.bands[stage]
	if !ok {
		b = band{r.floor, r.floor}
	}
	frac = math.Min(math.Max(frac, 0), 1)
	pct := b.start + int(math.Round(frac*float64(b.end-b.start)))
	if pct < r.floor {
		pct = r.floor
	}
	r.floor = pct

	p := model.Progress{
		Stage:      stage,
		Message:    message,
		Percentage: pct,
	}
	if mutate != nil {
		mutate(&p)
	}
	r.persist(ctx, &p)
}

// Terminal persists a terminal progress record (completed, failed, cancelled).
func (r *reporter) Terminal(ctx context.Context, stage model.Stage, message, errMsg string) {
	pct := r.floor
	if stage == model.StageCompleted {
		pct = 100
	}
	r.floor = pct
	r.persist(ctx, &model.Progress{
		Stage:      stage,
		Message:    message,
		Percentage: pct,
		Error:      errMsg,
	})
}

func (r *reporter) persist(ctx context.Context, p *model.Progress) {
	raw, err := p.Marshal()
	if err != nil {
		zap.L().Warn("progress marshal failed",
			zap.String("analysis_id", r.analysisID),
			zap.Error(err),
		)
		return
	}
	if err := r.store.UpdateAnalysisProgress(ctx, r.analysisID, raw); err != nil {
		zap.L().Warn("progress update failed",
			zap.String("analysis_id", r.analysisID),
			zap.String("stage", string(p.Stage)),
			zap.Error(err),
		)
	}
}

func intPtr(n int) *int { return &n }
