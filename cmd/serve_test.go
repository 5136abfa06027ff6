package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Mellox11/opportunity-intel/internal/config"
	"github.com/Mellox11/opportunity-intel/internal/cost"
	"github.com/Mellox11/opportunity-intel/internal/model"
	"github.com/Mellox11/opportunity-intel/internal/pipeline"
	"github.com/Mellox11/opportunity-intel/internal/store"
	"github.com/Mellox11/opportunity-intel/pkg/anthropic"
	"github.com/Mellox11/opportunity-intel/pkg/reddit"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

// newServeEnv wires a direct-mode env over an in-memory store. The reddit
// and anthropic clients are never reached by the routes under test.
func newServeEnv(t *testing.T) *env {
	t.Helper()
	ctx := context.Background()

	st, err := store.NewSQLite(fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	require.NoError(t, st.Migrate(ctx))

	c := &config.Config{
		Anthropic: config.AnthropicConfig{HaikuModel: "claude-haiku-4-5-20251001", MaxTokens: 1024},
		Pipeline: config.PipelineConfig{
			ClassificationBatchSize: 10,
			SentimentBatchSize:      5,
			EngagementThreshold:     75,
			CommentSampleSize:       20,
			DefaultMaxCost:          10,
		},
	}
	tracker := cost.NewTracker(st, cost.NewCalculator(cost.DefaultRates()))
	classifier := pipeline.NewClassifier(anthropic.NewClient("test-key"), c.Anthropic)
	pipe := pipeline.New(c, st, reddit.NewClient(), classifier, tracker, pipeline.StrategyDirect)
	strategy := pipeline.NewDirectStrategy(pipe)

	return &env{
		Store:        st,
		Tracker:      tracker,
		Pipeline:     pipe,
		Orchestrator: pipeline.NewOrchestrator(st, tracker, pipe, strategy),
		mode:         pipeline.StrategyDirect,
	}
}

func doRequest(t *testing.T, handler http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestServe_Healthz(t *testing.T) {
	r := newRouter(newServeEnv(t))
	rec := doRequest(t, r, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestServe_CreateAnalysis_InvalidBody(t *testing.T) {
	r := newRouter(newServeEnv(t))
	rec := doRequest(t, r, http.MethodPost, "/analyses", "{not json")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServe_CreateAnalysis_ValidationError(t *testing.T) {
	r := newRouter(newServeEnv(t))
	// Valid JSON but an empty config fails validation before any work runs.
	rec := doRequest(t, r, http.MethodPost, "/analyses", `{"subreddits":[]}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "subreddit")
}

func TestServe_GetAnalysis(t *testing.T) {
	e := newServeEnv(t)
	r := newRouter(e)

	rec := doRequest(t, r, http.MethodGet, "/analyses/missing", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	a := &model.Analysis{Status: model.StatusProcessing, Config: model.AnalysisConfig{
		Subreddits: []string{"startups"},
		TimeRange:  model.TimeRange{Days: 7},
		Keywords:   model.Keywords{Predefined: []string{"problem"}},
		MaxCost:    10,
	}}
	require.NoError(t, e.Store.CreateAnalysis(context.Background(), a))

	rec = doRequest(t, r, http.MethodGet, "/analyses/"+a.ID, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var got model.Analysis
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, a.ID, got.ID)
	assert.Equal(t, model.StatusProcessing, got.Status)
}

func TestServe_ListAnalyses(t *testing.T) {
	e := newServeEnv(t)
	r := newRouter(e)

	rec := doRequest(t, r, http.MethodGet, "/analyses", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, "[]", rec.Body.String())
}

func TestServe_Progress_MissingIsNull(t *testing.T) {
	r := newRouter(newServeEnv(t))
	rec := doRequest(t, r, http.MethodGet, "/analyses/missing/progress", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "null", strings.TrimSpace(rec.Body.String()))
}

func TestServe_Cancel(t *testing.T) {
	e := newServeEnv(t)
	r := newRouter(e)

	rec := doRequest(t, r, http.MethodPost, "/analyses/missing/cancel", "")
	assert.Equal(t, http.StatusConflict, rec.Code)

	a := &model.Analysis{Status: model.StatusProcessing, Config: model.AnalysisConfig{
		Subreddits: []string{"startups"},
		TimeRange:  model.TimeRange{Days: 7},
		Keywords:   model.Keywords{Predefined: []string{"problem"}},
		MaxCost:    10,
	}}
	require.NoError(t, e.Store.CreateAnalysis(context.Background(), a))

	rec = doRequest(t, r, http.MethodPost, "/analyses/"+a.ID+"/cancel", "")
	require.Equal(t, http.StatusOK, rec.Code)

	got, err := e.Store.GetAnalysis(context.Background(), a.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCancelled, got.Status)
}
