package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/Mellox11/opportunity-intel/internal/db"
	"github.com/Mellox11/opportunity-intel/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, maxConns, minConns int32) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	if maxConns <= 0 {
		maxConns = 10
	}
	if minConns <= 0 {
		minConns = 2
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// NewPostgresWithPool wraps an existing pool (used by tests with pgxmock and
// by the worker, which shares one pool between store and queue).
func NewPostgresWithPool(pool db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool, closeFn: func() {}}
}

// Pool returns the underlying database pool for subsystems that need direct
// access (the job queue shares it).
func (s *PostgresStore) Pool() db.Pool {
	return s.pool
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS analyses (
	id             TEXT PRIMARY KEY,
	status         TEXT NOT NULL DEFAULT 'pending',
	config         JSONB NOT NULL,
	progress       JSONB,
	estimated_cost DOUBLE PRECISION NOT NULL DEFAULT 0,
	budget_limit   DOUBLE PRECISION NOT NULL DEFAULT 0,
	metadata       JSONB NOT NULL DEFAULT '{}',
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	completed_at   TIMESTAMPTZ,
	updated_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS posts (
	id               TEXT PRIMARY KEY,
	analysis_id      TEXT NOT NULL REFERENCES analyses(id),
	external_id      TEXT NOT NULL,
	subreddit        TEXT NOT NULL DEFAULT '',
	title            TEXT NOT NULL DEFAULT '',
	body             TEXT NOT NULL DEFAULT '',
	engagement_score DOUBLE PRECISION NOT NULL DEFAULT 0,
	comment_count    INTEGER NOT NULL DEFAULT 0,
	processed        BOOLEAN NOT NULL DEFAULT FALSE,
	matched_keywords JSONB NOT NULL DEFAULT '[]',
	created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (analysis_id, external_id)
);

CREATE TABLE IF NOT EXISTS comments (
	id                TEXT PRIMARY KEY,
	post_id           TEXT NOT NULL REFERENCES posts(id),
	external_id       TEXT NOT NULL,
	content           TEXT NOT NULL DEFAULT '',
	engagement_score  DOUBLE PRECISION NOT NULL DEFAULT 0,
	processing_status TEXT NOT NULL DEFAULT 'pending',
	analysis_metadata JSONB,
	created_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (post_id, external_id)
);

CREATE TABLE IF NOT EXISTS opportunities (
	id                   TEXT PRIMARY KEY,
	analysis_id          TEXT NOT NULL REFERENCES analyses(id),
	post_id              TEXT NOT NULL REFERENCES posts(id),
	title                TEXT NOT NULL DEFAULT '',
	problem_statement    TEXT NOT NULL DEFAULT '',
	urgency_score        INTEGER NOT NULL DEFAULT 0,
	market_signals_score INTEGER NOT NULL DEFAULT 0,
	feasibility_score    INTEGER NOT NULL DEFAULT 0,
	confidence           DOUBLE PRECISION NOT NULL DEFAULT 0,
	composite_score      INTEGER NOT NULL DEFAULT 0,
	classification       TEXT NOT NULL DEFAULT '',
	evidence             JSONB NOT NULL DEFAULT '[]',
	anti_patterns        JSONB NOT NULL DEFAULT '[]',
	created_at           TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS cost_events (
	id          TEXT PRIMARY KEY,
	analysis_id TEXT NOT NULL,
	event_type  TEXT NOT NULL,
	provider    TEXT NOT NULL,
	units       BIGINT NOT NULL DEFAULT 0,
	cost        DOUBLE PRECISION NOT NULL DEFAULT 0,
	ts          TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_analyses_status ON analyses(status);
CREATE INDEX IF NOT EXISTS idx_posts_analysis ON posts(analysis_id);
CREATE INDEX IF NOT EXISTS idx_posts_unprocessed ON posts(analysis_id) WHERE NOT processed;
CREATE INDEX IF NOT EXISTS idx_comments_post ON comments(post_id);
CREATE INDEX IF NOT EXISTS idx_opportunities_analysis ON opportunities(analysis_id);
CREATE INDEX IF NOT EXISTS idx_cost_events_analysis ON cost_events(analysis_id);
`

// Migrate applies the embedded schema.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, postgresMigration); err != nil {
		return eris.Wrap(err, "postgres: migrate")
	}
	return nil
}

// Close releases the connection pool.
func (s *PostgresStore) Close() error {
	s.closeFn()
	return nil
}

func (s *PostgresStore) CreateAnalysis(ctx context.Context, a *model.Analysis) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.Status == "" {
		a.Status = model.StatusPending
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	cfgJSON, err := json.Marshal(a.Config)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal analysis config")
	}
	metaJSON, err := json.Marshal(orEmptyMeta(a.Metadata))
	if err != nil {
		return eris.Wrap(err, "postgres: marshal analysis metadata")
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO analyses (id, status, config, estimated_cost, budget_limit, metadata, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $7)`,
		a.ID, string(a.Status), cfgJSON, a.EstimatedCost, a.BudgetLimit, metaJSON, a.CreatedAt,
	)
	return eris.Wrap(err, "postgres: insert analysis")
}

func (s *PostgresStore) GetAnalysis(ctx context.Context, id string) (*model.Analysis, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, status, config, progress, estimated_cost, budget_limit, metadata, created_at, completed_at
		FROM analyses WHERE id = $1`, id)

	var a model.Analysis
	var status string
	var cfgJSON, metaJSON []byte
	var progress []byte
	err := row.Scan(&a.ID, &status, &cfgJSON, &progress, &a.EstimatedCost, &a.BudgetLimit, &metaJSON, &a.CreatedAt, &a.CompletedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: get analysis")
	}
	a.Status = model.AnalysisStatus(status)
	a.Progress = progress
	if err := json.Unmarshal(cfgJSON, &a.Config); err != nil {
		return nil, &model.SchemaValidationError{What: "analysis config", Err: err}
	}
	if len(metaJSON) > 0 {
		if err := json.Unmarshal(metaJSON, &a.Metadata); err != nil {
			return nil, &model.SchemaValidationError{What: "analysis metadata", Err: err}
		}
	}
	return &a, nil
}

func (s *PostgresStore) UpdateAnalysisStatus(ctx context.Context, id string, status model.AnalysisStatus) error {
	sources := make([]string, 0, 4)
	for _, src := range model.TransitionSources(status) {
		sources = append(sources, string(src))
	}

	var (
		tag pgconn.CommandTag
		err error
	)
	if status.Terminal() {
		tag, err = s.pool.Exec(ctx, `
			UPDATE analyses SET status = $1, completed_at = now(), updated_at = now()
			WHERE id = $2 AND status = ANY($3)`,
			string(status), id, sources)
	} else {
		tag, err = s.pool.Exec(ctx, `
			UPDATE analyses SET status = $1, updated_at = now()
			WHERE id = $2 AND status = ANY($3)`,
			string(status), id, sources)
	}
	if err != nil {
		return eris.Wrap(err, "postgres: update analysis status")
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	// The guard rejected the write: distinguish a missing row and a
	// same-status repeat from a genuine FSM violation.
	var current string
	err = s.pool.QueryRow(ctx, `SELECT status FROM analyses WHERE id = $1`, id).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil
	}
	if err != nil {
		return eris.Wrap(err, "postgres: read analysis status")
	}
	if current == string(status) {
		return nil
	}
	return eris.Wrapf(ErrIllegalStatusTransition, "postgres: %s -> %s", current, status)
}

func (s *PostgresStore) UpdateAnalysisProgress(ctx context.Context, id string, raw []byte) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE analyses SET progress = $1, updated_at = now() WHERE id = $2`,
		raw, id)
	return eris.Wrap(err, "postgres: update analysis progress")
}

func (s *PostgresStore) GetAnalysisProgress(ctx context.Context, id string) ([]byte, error) {
	var raw []byte
	err := s.pool.QueryRow(ctx, `SELECT progress FROM analyses WHERE id = $1`, id).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: get analysis progress")
	}
	return raw, nil
}

func (s *PostgresStore) MergeAnalysisMetadata(ctx context.Context, id string, patch map[string]any) error {
	patchJSON, err := json.Marshal(patch)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal metadata patch")
	}
	_, err = s.pool.Exec(ctx, `
		UPDATE analyses SET metadata = metadata || $1::jsonb, updated_at = now() WHERE id = $2`,
		patchJSON, id)
	return eris.Wrap(err, "postgres: merge analysis metadata")
}

func (s *PostgresStore) ListAnalyses(ctx context.Context, filter AnalysisFilter) ([]model.Analysis, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	var (
		rows pgx.Rows
		err  error
	)
	if filter.Status != "" {
		rows, err = s.pool.Query(ctx, `
			SELECT id, status, config, progress, estimated_cost, budget_limit, metadata, created_at, completed_at
			FROM analyses WHERE status = $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3`,
			string(filter.Status), limit, filter.Offset)
	} else {
		rows, err = s.pool.Query(ctx, `
			SELECT id, status, config, progress, estimated_cost, budget_limit, metadata, created_at, completed_at
			FROM analyses ORDER BY created_at DESC LIMIT $1 OFFSET $2`,
			limit, filter.Offset)
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list analyses")
	}
	defer rows.Close()

	var out []model.Analysis
	for rows.Next() {
		var a model.Analysis
		var status string
		var cfgJSON, metaJSON, progress []byte
		if err := rows.Scan(&a.ID, &status, &cfgJSON, &progress, &a.EstimatedCost, &a.BudgetLimit, &metaJSON, &a.CreatedAt, &a.CompletedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan analysis")
		}
		a.Status = model.AnalysisStatus(status)
		a.Progress = progress
		if err := json.Unmarshal(cfgJSON, &a.Config); err != nil {
			return nil, &model.SchemaValidationError{What: "analysis config", Err: err}
		}
		if len(metaJSON) > 0 {
			_ = json.Unmarshal(metaJSON, &a.Metadata)
		}
		out = append(out, a)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate analyses")
}

func (s *PostgresStore) UpsertPosts(ctx context.Context, posts []model.Post) (int, error) {
	if len(posts) == 0 {
		return 0, nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: begin upsert posts")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	inserted := 0
	for _, p := range posts {
		if p.ID == "" {
			p.ID = uuid.NewString()
		}
		kwJSON, err := json.Marshal(orEmptyList(p.MatchedKeywords))
		if err != nil {
			return 0, eris.Wrap(err, "postgres: marshal matched keywords")
		}
		tag, err := tx.Exec(ctx, `
			INSERT INTO posts (id, analysis_id, external_id, subreddit, title, body, engagement_score, comment_count, processed, matched_keywords)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, FALSE, $9)
			ON CONFLICT (analysis_id, external_id) DO NOTHING`,
			p.ID, p.AnalysisID, p.ExternalID, p.Subreddit, p.Title, p.Body, p.EngagementScore, p.CommentCount, kwJSON,
		)
		if err != nil {
			return 0, eris.Wrapf(err, "postgres: upsert post %s", p.ExternalID)
		}
		inserted += int(tag.RowsAffected())
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, eris.Wrap(err, "postgres: commit upsert posts")
	}
	return inserted, nil
}

const postColumns = `id, analysis_id, external_id, subreddit, title, body, engagement_score, comment_count, processed, matched_keywords, created_at`

func scanPost(rows pgx.Rows) (model.Post, error) {
	var p model.Post
	var kwJSON []byte
	err := rows.Scan(&p.ID, &p.AnalysisID, &p.ExternalID, &p.Subreddit, &p.Title, &p.Body,
		&p.EngagementScore, &p.CommentCount, &p.Processed, &kwJSON, &p.CreatedAt)
	if err != nil {
		return p, err
	}
	if len(kwJSON) > 0 {
		_ = json.Unmarshal(kwJSON, &p.MatchedKeywords)
	}
	return p, nil
}

func (s *PostgresStore) listPosts(ctx context.Context, query string, args ...any) ([]model.Post, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list posts")
	}
	defer rows.Close()

	var out []model.Post
	for rows.Next() {
		p, err := scanPost(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan post")
		}
		out = append(out, p)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate posts")
}

func (s *PostgresStore) ListUnprocessedPosts(ctx context.Context, analysisID string) ([]model.Post, error) {
	return s.listPosts(ctx, `
		SELECT `+postColumns+` FROM posts
		WHERE analysis_id = $1 AND NOT processed
		ORDER BY engagement_score DESC, external_id`, analysisID)
}

func (s *PostgresStore) ListHighEngagementPosts(ctx context.Context, analysisID string, minScore float64) ([]model.Post, error) {
	return s.listPosts(ctx, `
		SELECT `+postColumns+` FROM posts
		WHERE analysis_id = $1 AND engagement_score >= $2
		ORDER BY engagement_score DESC, external_id`, analysisID, minScore)
}

func (s *PostgresStore) MarkPostProcessed(ctx context.Context, postID string) error {
	_, err := s.pool.Exec(ctx, `UPDATE posts SET processed = TRUE WHERE id = $1`, postID)
	return eris.Wrap(err, "postgres: mark post processed")
}

func (s *PostgresStore) CountPosts(ctx context.Context, analysisID string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `SELECT count(*) FROM posts WHERE analysis_id = $1`, analysisID).Scan(&n)
	return n, eris.Wrap(err, "postgres: count posts")
}

func (s *PostgresStore) UpsertComments(ctx context.Context, comments []model.Comment) (int, error) {
	if len(comments) == 0 {
		return 0, nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: begin upsert comments")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	inserted := 0
	for _, c := range comments {
		if c.ID == "" {
			c.ID = uuid.NewString()
		}
		if c.ProcessingStatus == "" {
			c.ProcessingStatus = model.CommentPending
		}
		tag, err := tx.Exec(ctx, `
			INSERT INTO comments (id, post_id, external_id, content, engagement_score, processing_status)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (post_id, external_id) DO NOTHING`,
			c.ID, c.PostID, c.ExternalID, c.Content, c.EngagementScore, string(c.ProcessingStatus),
		)
		if err != nil {
			return 0, eris.Wrapf(err, "postgres: upsert comment %s", c.ExternalID)
		}
		inserted += int(tag.RowsAffected())
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, eris.Wrap(err, "postgres: commit upsert comments")
	}
	return inserted, nil
}

func (s *PostgresStore) ListPendingComments(ctx context.Context, postID string) ([]model.Comment, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, post_id, external_id, content, engagement_score, processing_status, analysis_metadata, created_at
		FROM comments
		WHERE post_id = $1 AND processing_status = 'pending'
		ORDER BY engagement_score DESC, external_id`, postID)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list pending comments")
	}
	defer rows.Close()

	var out []model.Comment
	for rows.Next() {
		var c model.Comment
		var status string
		if err := rows.Scan(&c.ID, &c.PostID, &c.ExternalID, &c.Content, &c.EngagementScore, &status, &c.AnalysisMetadata, &c.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan comment")
		}
		c.ProcessingStatus = model.CommentStatus(status)
		out = append(out, c)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate comments")
}

func (s *PostgresStore) UpdateCommentAnalysis(ctx context.Context, commentID string, status model.CommentStatus, blob []byte) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE comments SET processing_status = $1, analysis_metadata = $2 WHERE id = $3`,
		string(status), blob, commentID)
	return eris.Wrap(err, "postgres: update comment analysis")
}

func (s *PostgresStore) CreateOpportunity(ctx context.Context, o model.Opportunity) error {
	if o.ID == "" {
		o.ID = uuid.NewString()
	}
	evJSON, err := json.Marshal(orEmptyList(o.Evidence))
	if err != nil {
		return eris.Wrap(err, "postgres: marshal evidence")
	}
	apJSON, err := json.Marshal(orEmptyList(o.AntiPatterns))
	if err != nil {
		return eris.Wrap(err, "postgres: marshal anti-patterns")
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO opportunities (id, analysis_id, post_id, title, problem_statement,
			urgency_score, market_signals_score, feasibility_score, confidence, composite_score,
			classification, evidence, anti_patterns)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		o.ID, o.AnalysisID, o.PostID, o.Title, o.ProblemStatement,
		o.Scores.Urgency, o.Scores.MarketSignals, o.Scores.Feasibility, o.Confidence, o.CompositeScore,
		o.Classification, evJSON, apJSON,
	)
	return eris.Wrap(err, "postgres: insert opportunity")
}

func (s *PostgresStore) ListOpportunities(ctx context.Context, analysisID string) ([]model.Opportunity, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, analysis_id, post_id, title, problem_statement,
			urgency_score, market_signals_score, feasibility_score, confidence, composite_score,
			classification, evidence, anti_patterns, created_at
		FROM opportunities
		WHERE analysis_id = $1
		ORDER BY composite_score DESC, created_at`, analysisID)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list opportunities")
	}
	defer rows.Close()

	var out []model.Opportunity
	for rows.Next() {
		var o model.Opportunity
		var evJSON, apJSON []byte
		if err := rows.Scan(&o.ID, &o.AnalysisID, &o.PostID, &o.Title, &o.ProblemStatement,
			&o.Scores.Urgency, &o.Scores.MarketSignals, &o.Scores.Feasibility, &o.Confidence, &o.CompositeScore,
			&o.Classification, &evJSON, &apJSON, &o.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan opportunity")
		}
		_ = json.Unmarshal(evJSON, &o.Evidence)
		_ = json.Unmarshal(apJSON, &o.AntiPatterns)
		out = append(out, o)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate opportunities")
}

func (s *PostgresStore) AppendCostEvent(ctx context.Context, ev model.CostEvent) error {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO cost_events (id, analysis_id, event_type, provider, units, cost, ts)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		ev.ID, ev.AnalysisID, string(ev.EventType), ev.Provider, ev.Units, ev.Cost, ev.Timestamp,
	)
	return eris.Wrap(err, "postgres: append cost event")
}

func (s *PostgresStore) SumCostEvents(ctx context.Context, analysisID string) (float64, error) {
	var total float64
	err := s.pool.QueryRow(ctx, `
		SELECT COALESCE(sum(cost), 0) FROM cost_events WHERE analysis_id = $1`, analysisID).Scan(&total)
	return total, eris.Wrap(err, "postgres: sum cost events")
}

func orEmptyList(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func orEmptyMeta(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
