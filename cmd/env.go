package main

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/Mellox11/opportunity-intel/internal/cost"
	"github.com/Mellox11/opportunity-intel/internal/pipeline"
	"github.com/Mellox11/opportunity-intel/internal/queue"
	"github.com/Mellox11/opportunity-intel/internal/store"
	"github.com/Mellox11/opportunity-intel/pkg/anthropic"
	"github.com/Mellox11/opportunity-intel/pkg/reddit"
)

// env bundles the wired subsystems a command needs. Queue is nil under the
// direct strategy.
type env struct {
	Store        store.Store
	Queue        queue.Queue
	Tracker      *cost.Tracker
	Pipeline     *pipeline.Pipeline
	Orchestrator *pipeline.Orchestrator
	mode         string
}

func (e *env) Close() {
	_ = e.Store.Close()
}

func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		dsn := cfg.Store.DatabaseURL
		if dsn == "" {
			dsn = "oppintel.db"
		}
		return store.NewSQLite(dsn)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, cfg.Store.MaxConns, cfg.Store.MinConns)
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

// initQueue builds the durable job queue on the store's Postgres pool. The
// queued strategy requires the postgres driver; sqlite has no SKIP LOCKED.
func initQueue(ctx context.Context, st store.Store) (queue.Queue, error) {
	pg, ok := st.(*store.PostgresStore)
	if !ok {
		return nil, eris.New("queued strategy requires the postgres store driver")
	}

	q := queue.NewPostgres(pg.Pool(), queue.Config{
		PollInterval:       time.Duration(cfg.Queue.PollIntervalMS) * time.Millisecond,
		DefaultMaxAttempts: cfg.Queue.MaxAttempts,
		InitialBackoff:     time.Duration(cfg.Queue.InitialBackoffSecs) * time.Second,
	})
	if err := q.Migrate(ctx); err != nil {
		return nil, eris.Wrap(err, "migrate queue")
	}
	return q, nil
}

// initEnv wires the full engine for the given execution mode. An empty mode
// uses the configured strategy.
func initEnv(ctx context.Context, mode string) (*env, error) {
	if mode == "" {
		mode = cfg.Pipeline.Strategy
	}
	if mode != pipeline.StrategyDirect && mode != pipeline.StrategyQueued {
		return nil, eris.Errorf("unknown execution strategy: %s", mode)
	}

	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}

	rates, err := cost.LoadRates(cfg.Cost.RatesFile)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	tracker := cost.NewTracker(st, cost.NewCalculator(rates))

	redditOpts := []reddit.Option{
		reddit.WithUserAgent(cfg.Reddit.UserAgent),
		reddit.WithRateLimit(float64(cfg.Reddit.RequestsPerMinute)/60.0, 1),
	}
	if cfg.Reddit.BaseURL != "" {
		redditOpts = append(redditOpts, reddit.WithBaseURL(cfg.Reddit.BaseURL))
	}
	redditClient := reddit.NewClient(redditOpts...)

	classifier := pipeline.NewClassifier(anthropic.NewClient(cfg.Anthropic.Key), cfg.Anthropic)
	pipe := pipeline.New(cfg, st, redditClient, classifier, tracker, mode)

	var strategy pipeline.ExecutionStrategy
	var q queue.Queue
	if mode == pipeline.StrategyQueued {
		q, err = initQueue(ctx, st)
		if err != nil {
			_ = st.Close()
			return nil, err
		}
		strategy = pipeline.NewQueuedStrategy(q, time.Duration(cfg.Queue.JobTTLSecs)*time.Second)
	} else {
		strategy = pipeline.NewDirectStrategy(pipe)
	}

	return &env{
		Store:        st,
		Queue:        q,
		Tracker:      tracker,
		Pipeline:     pipe,
		Orchestrator: pipeline.NewOrchestrator(st, tracker, pipe, strategy),
		mode:         mode,
	}, nil
}
