package pipeline

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Mellox11/opportunity-intel/internal/config"
	"github.com/Mellox11/opportunity-intel/internal/cost"
	"github.com/Mellox11/opportunity-intel/internal/model"
	"github.com/Mellox11/opportunity-intel/internal/store"
	"github.com/Mellox11/opportunity-intel/pkg/anthropic"
	"github.com/Mellox11/opportunity-intel/pkg/reddit"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

// --- Classifier mock ---

type mockClassifier struct {
	mock.Mock
}

func (m *mockClassifier) ClassifyOpportunity(ctx context.Context, post model.Post) (*model.ClassificationResult, anthropic.TokenUsage, error) {
	args := m.Called(ctx, post)
	if args.Get(0) == nil {
		return nil, args.Get(1).(anthropic.TokenUsage), args.Error(2)
	}
	return args.Get(0).(*model.ClassificationResult), args.Get(1).(anthropic.TokenUsage), args.Error(2)
}

func (m *mockClassifier) AnalyzeSentiment(ctx context.Context, comment model.Comment) (*model.SentimentResult, anthropic.TokenUsage, error) {
	args := m.Called(ctx, comment)
	if args.Get(0) == nil {
		return nil, args.Get(1).(anthropic.TokenUsage), args.Error(2)
	}
	return args.Get(0).(*model.SentimentResult), args.Get(1).(anthropic.TokenUsage), args.Error(2)
}

// --- Reddit mock ---

type mockRedditClient struct {
	mock.Mock
}

func (m *mockRedditClient) FetchPosts(ctx context.Context, subreddit string, opts ...reddit.FetchOption) ([]reddit.Post, error) {
	args := m.Called(ctx, subreddit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]reddit.Post), args.Error(1)
}

func (m *mockRedditClient) FetchComments(ctx context.Context, subreddit, postID string, opts ...reddit.FetchOption) ([]reddit.Comment, error) {
	args := m.Called(ctx, subreddit, postID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]reddit.Comment), args.Error(1)
}

// --- In-memory store fake ---

// fakeStore is a thread-safe in-memory Store for pipeline tests. Methods can
// be forced to fail by name via failOn.
type fakeStore struct {
	mu            sync.Mutex
	analyses      map[string]*model.Analysis
	posts         map[string]*model.Post
	comments      map[string]*model.Comment
	opportunities []model.Opportunity
	events        []model.CostEvent
	statusLog     []model.AnalysisStatus
	progressLog   []model.Progress
	failOn        map[string]error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		analyses: make(map[string]*model.Analysis),
		posts:    make(map[string]*model.Post),
		comments: make(map[string]*model.Comment),
		failOn:   make(map[string]error),
	}
}

func (f *fakeStore) fail(method string) error {
	return f.failOn[method]
}

func (f *fakeStore) CreateAnalysis(_ context.Context, a *model.Analysis) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail("CreateAnalysis"); err != nil {
		return err
	}
	cp := *a
	f.analyses[a.ID] = &cp
	return nil
}

func (f *fakeStore) GetAnalysis(_ context.Context, id string) (*model.Analysis, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail("GetAnalysis"); err != nil {
		return nil, err
	}
	a, ok := f.analyses[id]
	if !ok {
		return nil, nil
	}
	cp := *a
	return &cp, nil
}

func (f *fakeStore) UpdateAnalysisStatus(_ context.Context, id string, status model.AnalysisStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail("UpdateAnalysisStatus"); err != nil {
		return err
	}
	if a, ok := f.analyses[id]; ok {
		if a.Status != status && !a.Status.CanTransition(status) {
			return store.ErrIllegalStatusTransition
		}
		a.Status = status
	}
	f.statusLog = append(f.statusLog, status)
	return nil
}

func (f *fakeStore) UpdateAnalysisProgress(_ context.Context, id string, raw []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail("UpdateAnalysisProgress"); err != nil {
		return err
	}
	if a, ok := f.analyses[id]; ok {
		a.Progress = append([]byte(nil), raw...)
	}
	if p, err := model.ParseProgress(raw); err == nil && p != nil {
		f.progressLog = append(f.progressLog, *p)
	}
	return nil
}

func (f *fakeStore) GetAnalysisProgress(_ context.Context, id string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail("GetAnalysisProgress"); err != nil {
		return nil, err
	}
	if a, ok := f.analyses[id]; ok {
		return a.Progress, nil
	}
	return nil, nil
}

func (f *fakeStore) MergeAnalysisMetadata(_ context.Context, id string, patch map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail("MergeAnalysisMetadata"); err != nil {
		return err
	}
	a, ok := f.analyses[id]
	if !ok {
		return nil
	}
	if a.Metadata == nil {
		a.Metadata = make(map[string]any)
	}
	for k, v := range patch {
		a.Metadata[k] = v
	}
	return nil
}

func (f *fakeStore) ListAnalyses(_ context.Context, filter store.AnalysisFilter) ([]model.Analysis, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.Analysis
	for _, a := range f.analyses {
		if filter.Status != "" && a.Status != filter.Status {
			continue
		}
		out = append(out, *a)
	}
	return out, nil
}

func (f *fakeStore) UpsertPosts(_ context.Context, posts []model.Post) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail("UpsertPosts"); err != nil {
		return 0, err
	}
	inserted := 0
	for _, p := range posts {
		dup := false
		for _, existing := range f.posts {
			if existing.AnalysisID == p.AnalysisID && existing.ExternalID == p.ExternalID {
				dup = true
				break
			}
		}
		if dup {
			continue
		}
		cp := p
		f.posts[p.ID] = &cp
		inserted++
	}
	return inserted, nil
}

func (f *fakeStore) ListUnprocessedPosts(_ context.Context, analysisID string) ([]model.Post, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail("ListUnprocessedPosts"); err != nil {
		return nil, err
	}
	var out []model.Post
	for _, p := range f.posts {
		if p.AnalysisID == analysisID && !p.Processed {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExternalID < out[j].ExternalID })
	return out, nil
}

func (f *fakeStore) ListHighEngagementPosts(_ context.Context, analysisID string, minScore float64) ([]model.Post, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail("ListHighEngagementPosts"); err != nil {
		return nil, err
	}
	var out []model.Post
	for _, p := range f.posts {
		if p.AnalysisID == analysisID && p.EngagementScore >= minScore {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EngagementScore > out[j].EngagementScore })
	return out, nil
}

func (f *fakeStore) MarkPostProcessed(_ context.Context, postID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail("MarkPostProcessed"); err != nil {
		return err
	}
	if p, ok := f.posts[postID]; ok {
		p.Processed = true
	}
	return nil
}

func (f *fakeStore) CountPosts(_ context.Context, analysisID string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, p := range f.posts {
		if p.AnalysisID == analysisID {
			n++
		}
	}
	return n, nil
}

func (f *fakeStore) UpsertComments(_ context.Context, comments []model.Comment) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail("UpsertComments"); err != nil {
		return 0, err
	}
	inserted := 0
	for _, c := range comments {
		dup := false
		for _, existing := range f.comments {
			if existing.PostID == c.PostID && existing.ExternalID == c.ExternalID {
				dup = true
				break
			}
		}
		if dup {
			continue
		}
		cp := c
		f.comments[c.ID] = &cp
		inserted++
	}
	return inserted, nil
}

func (f *fakeStore) ListPendingComments(_ context.Context, postID string) ([]model.Comment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail("ListPendingComments"); err != nil {
		return nil, err
	}
	var out []model.Comment
	for _, c := range f.comments {
		if c.PostID == postID && c.ProcessingStatus == model.CommentPending {
			out = append(out, *c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExternalID < out[j].ExternalID })
	return out, nil
}

func (f *fakeStore) UpdateCommentAnalysis(_ context.Context, commentID string, status model.CommentStatus, blob []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail("UpdateCommentAnalysis"); err != nil {
		return err
	}
	if c, ok := f.comments[commentID]; ok {
		c.ProcessingStatus = status
		c.AnalysisMetadata = append([]byte(nil), blob...)
	}
	return nil
}

func (f *fakeStore) CreateOpportunity(_ context.Context, o model.Opportunity) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail("CreateOpportunity"); err != nil {
		return err
	}
	f.opportunities = append(f.opportunities, o)
	return nil
}

func (f *fakeStore) ListOpportunities(_ context.Context, analysisID string) ([]model.Opportunity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.Opportunity
	for _, o := range f.opportunities {
		if o.AnalysisID == analysisID {
			out = append(out, o)
		}
	}
	return out, nil
}

func (f *fakeStore) AppendCostEvent(_ context.Context, ev model.CostEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail("AppendCostEvent"); err != nil {
		return err
	}
	f.events = append(f.events, ev)
	return nil
}

func (f *fakeStore) SumCostEvents(_ context.Context, analysisID string) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail("SumCostEvents"); err != nil {
		return 0, err
	}
	total := 0.0
	for _, ev := range f.events {
		if ev.AnalysisID == analysisID {
			total += ev.Cost
		}
	}
	return total, nil
}

func (f *fakeStore) Migrate(context.Context) error { return nil }
func (f *fakeStore) Close() error                  { return nil }

// lastProgress returns the most recent valid progress record written.
func (f *fakeStore) lastProgress() *model.Progress {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.progressLog) == 0 {
		return nil
	}
	p := f.progressLog[len(f.progressLog)-1]
	return &p
}

// --- Shared test harness ---

func testConfig() *config.Config {
	return &config.Config{
		Anthropic: config.AnthropicConfig{
			HaikuModel: "claude-haiku-4-5-20251001",
			MaxTokens:  1024,
		},
		Pipeline: config.PipelineConfig{
			Strategy:                StrategyDirect,
			ClassificationBatchSize: 10,
			SentimentBatchSize:      5,
			EngagementThreshold:     75,
			CommentSampleSize:       20,
			DefaultMaxCost:          10,
		},
	}
}

type testEnv struct {
	store      *fakeStore
	classifier *mockClassifier
	reddit     *mockRedditClient
	tracker    *cost.Tracker
	pipeline   *Pipeline
}

func newTestEnv(mode string) *testEnv {
	st := newFakeStore()
	cl := &mockClassifier{}
	rd := &mockRedditClient{}
	tracker := cost.NewTracker(st, cost.NewCalculator(cost.DefaultRates()))
	cfg := testConfig()
	return &testEnv{
		store:      st,
		classifier: cl,
		reddit:     rd,
		tracker:    tracker,
		pipeline:   New(cfg, st, rd, cl, tracker, mode),
	}
}

// seedAnalysis stores a processing analysis and returns its ID.
func (e *testEnv) seedAnalysis(t *testing.T, cfg model.AnalysisConfig) string {
	t.Helper()
	a := &model.Analysis{
		ID:          uuid.NewString(),
		Status:      model.StatusProcessing,
		Config:      cfg,
		BudgetLimit: cfg.MaxCost,
		CreatedAt:   time.Now().UTC(),
	}
	require.NoError(t, e.store.CreateAnalysis(context.Background(), a))
	return a.ID
}

func validConfig() model.AnalysisConfig {
	return model.AnalysisConfig{
		Subreddits: []string{"startups"},
		TimeRange:  model.TimeRange{Days: 7},
		Keywords:   model.Keywords{Predefined: []string{"problem"}},
		MaxCost:    10,
	}
}

// seedPost inserts a post directly into the fake store.
func (e *testEnv) seedPost(analysisID string, engagement float64, processed bool) model.Post {
	p := model.Post{
		ID:              uuid.NewString(),
		AnalysisID:      analysisID,
		ExternalID:      uuid.NewString(),
		Subreddit:       "startups",
		Title:           "Invoicing is a nightmare for freelancers",
		Body:            "I spend hours every week chasing payments.",
		EngagementScore: engagement,
		CommentCount:    10,
		Processed:       processed,
		CreatedAt:       time.Now().UTC(),
	}
	e.store.mu.Lock()
	e.store.posts[p.ID] = &p
	e.store.mu.Unlock()
	return p
}

// seedComment inserts a pending comment for a post.
func (e *testEnv) seedComment(postID string) model.Comment {
	c := model.Comment{
		ID:               uuid.NewString(),
		PostID:           postID,
		ExternalID:       uuid.NewString(),
		Content:          "Same here, I would pay for this.",
		EngagementScore:  50,
		ProcessingStatus: model.CommentPending,
		CreatedAt:        time.Now().UTC(),
	}
	e.store.mu.Lock()
	e.store.comments[c.ID] = &c
	e.store.mu.Unlock()
	return c
}
