package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/Mellox11/opportunity-intel/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite. Used for local and
// single-process runs; the queued strategy requires the Postgres store.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS analyses (
	id             TEXT PRIMARY KEY,
	status         TEXT NOT NULL DEFAULT 'pending',
	config         TEXT NOT NULL,
	progress       TEXT,
	estimated_cost REAL NOT NULL DEFAULT 0,
	budget_limit   REAL NOT NULL DEFAULT 0,
	metadata       TEXT NOT NULL DEFAULT '{}',
	created_at     TIMESTAMP NOT NULL,
	completed_at   TIMESTAMP,
	updated_at     TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS posts (
	id               TEXT PRIMARY KEY,
	analysis_id      TEXT NOT NULL REFERENCES analyses(id),
	external_id      TEXT NOT NULL,
	subreddit        TEXT NOT NULL DEFAULT '',
	title            TEXT NOT NULL DEFAULT '',
	body             TEXT NOT NULL DEFAULT '',
	engagement_score REAL NOT NULL DEFAULT 0,
	comment_count    INTEGER NOT NULL DEFAULT 0,
	processed        INTEGER NOT NULL DEFAULT 0,
	matched_keywords TEXT NOT NULL DEFAULT '[]',
	created_at       TIMESTAMP NOT NULL,
	UNIQUE (analysis_id, external_id)
);

CREATE TABLE IF NOT EXISTS comments (
	id                TEXT PRIMARY KEY,
	post_id           TEXT NOT NULL REFERENCES posts(id),
	external_id       TEXT NOT NULL,
	content           TEXT NOT NULL DEFAULT '',
	engagement_score  REAL NOT NULL DEFAULT 0,
	processing_status TEXT NOT NULL DEFAULT 'pending',
	analysis_metadata TEXT,
	created_at        TIMESTAMP NOT NULL,
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
	confidence           REAL NOT NULL DEFAULT 0,
	composite_score      INTEGER NOT NULL DEFAULT 0,
	classification       TEXT NOT NULL DEFAULT '',
	evidence             TEXT NOT NULL DEFAULT '[]',
	anti_patterns        TEXT NOT NULL DEFAULT '[]',
	created_at           TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS cost_events (
	id          TEXT PRIMARY KEY,
	analysis_id TEXT NOT NULL,
	event_type  TEXT NOT NULL,
	provider    TEXT NOT NULL,
	units       INTEGER NOT NULL DEFAULT 0,
	cost        REAL NOT NULL DEFAULT 0,
	ts          TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_analyses_status ON analyses(status);
CREATE INDEX IF NOT EXISTS idx_posts_analysis ON posts(analysis_id);
CREATE INDEX IF NOT EXISTS idx_comments_post ON comments(post_id);
CREATE INDEX IF NOT EXISTS idx_opportunities_analysis ON opportunities(analysis_id);
CREATE INDEX IF NOT EXISTS idx_cost_events_analysis ON cost_events(analysis_id);
`

// Migrate applies the embedded schema.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, sqliteMigration); err != nil {
		return eris.Wrap(err, "sqlite: migrate")
	}
	return nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) CreateAnalysis(ctx context.Context, a *model.Analysis) error {
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
		return eris.Wrap(err, "sqlite: marshal analysis config")
	}
	metaJSON, err := json.Marshal(orEmptyMeta(a.Metadata))
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal analysis metadata")
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO analyses (id, status, config, estimated_cost, budget_limit, metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, string(a.Status), string(cfgJSON), a.EstimatedCost, a.BudgetLimit, string(metaJSON), a.CreatedAt, a.CreatedAt,
	)
	return eris.Wrap(err, "sqlite: insert analysis")
}

func (s *SQLiteStore) GetAnalysis(ctx context.Context, id string) (*model.Analysis, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, status, config, progress, estimated_cost, budget_limit, metadata, created_at, completed_at
		FROM analyses WHERE id = ?`, id)

	var a model.Analysis
	var status, cfgJSON, metaJSON string
	var progress sql.NullString
	var completedAt sql.NullTime
	err := row.Scan(&a.ID, &status, &cfgJSON, &progress, &a.EstimatedCost, &a.BudgetLimit, &metaJSON, &a.CreatedAt, &completedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get analysis")
	}
	a.Status = model.AnalysisStatus(status)
	if progress.Valid {
		a.Progress = []byte(progress.String)
	}
	if completedAt.Valid {
		t := completedAt.Time
		a.CompletedAt = &t
	}
	if err := json.Unmarshal([]byte(cfgJSON), &a.Config); err != nil {
		return nil, &model.SchemaValidationError{What: "analysis config", Err: err}
	}
	if metaJSON != "" {
		if err := json.Unmarshal([]byte(metaJSON), &a.Metadata); err != nil {
			return nil, &model.SchemaValidationError{What: "analysis metadata", Err: err}
		}
	}
	return &a, nil
}

func (s *SQLiteStore) UpdateAnalysisStatus(ctx context.Context, id string, status model.AnalysisStatus) error {
	sources := model.TransitionSources(status)
	guard := make([]string, 0, len(sources))
	args := make([]any, 0, len(sources)+4)

	now := time.Now().UTC()
	if status.Terminal() {
		args = append(args, string(status), now, now, id)
	} else {
		args = append(args, string(status), now, id)
	}
	for _, src := range sources {
		guard = append(guard, "?")
		args = append(args, string(src))
	}

	var query string
	if status.Terminal() {
		query = `UPDATE analyses SET status = ?, completed_at = ?, updated_at = ? WHERE id = ? AND status IN (` + strings.Join(guard, ", ") + `)`
	} else {
		query = `UPDATE analyses SET status = ?, updated_at = ? WHERE id = ? AND status IN (` + strings.Join(guard, ", ") + `)`
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return eris.Wrap(err, "sqlite: update analysis status")
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}

	// The guard rejected the write: distinguish a missing row and a
	// same-status repeat from a genuine FSM violation.
	var current string
	err = s.db.QueryRowContext(ctx, `SELECT status FROM analyses WHERE id = ?`, id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return eris.Wrap(err, "sqlite: read analysis status")
	}
	if current == string(status) {
		return nil
	}
	return eris.Wrapf(ErrIllegalStatusTransition, "sqlite: %s -> %s", current, status)
}

func (s *SQLiteStore) UpdateAnalysisProgress(ctx context.Context, id string, raw []byte) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE analyses SET progress = ?, updated_at = ? WHERE id = ?`,
		string(raw), time.Now().UTC(), id)
	return eris.Wrap(err, "sqlite: update analysis progress")
}

func (s *SQLiteStore) GetAnalysisProgress(ctx context.Context, id string) ([]byte, error) {
	var raw sql.NullString
	err := s.db.QueryRowContext(ctx, `SELECT progress FROM analyses WHERE id = ?`, id).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get analysis progress")
	}
	if !raw.Valid {
		return nil, nil
	}
	return []byte(raw.String), nil
}

func (s *SQLiteStore) MergeAnalysisMetadata(ctx context.Context, id string, patch map[string]any) error {
	// SQLite has no jsonb merge operator worth relying on; read-modify-write
	// inside a transaction.
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin metadata merge")
	}
	defer func() { _ = tx.Rollback() }()

	var metaJSON string
	err = tx.QueryRowContext(ctx, `SELECT metadata FROM analyses WHERE id = ?`, id).Scan(&metaJSON)
	if err != nil {
		return eris.Wrap(err, "sqlite: read metadata")
	}

	meta := map[string]any{}
	if metaJSON != "" {
		if err := json.Unmarshal([]byte(metaJSON), &meta); err != nil {
			return &model.SchemaValidationError{What: "analysis metadata", Err: err}
		}
	}
	for k, v := range patch {
		meta[k] = v
	}
	merged, err := json.Marshal(meta)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal merged metadata")
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE analyses SET metadata = ?, updated_at = ? WHERE id = ?`,
		string(merged), time.Now().UTC(), id); err != nil {
		return eris.Wrap(err, "sqlite: write metadata")
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit metadata merge")
}

func (s *SQLiteStore) ListAnalyses(ctx context.Context, filter AnalysisFilter) ([]model.Analysis, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	var (
		rows *sql.Rows
		err  error
	)
	if filter.Status != "" {
		rows, err = s.db.QueryContext(ctx, `
			SELECT id, status, config, progress, estimated_cost, budget_limit, metadata, created_at, completed_at
			FROM analyses WHERE status = ? ORDER BY created_at DESC LIMIT ? OFFSET ?`,
			string(filter.Status), limit, filter.Offset)
	} else {
		rows, err = s.db.QueryContext(ctx, `
			SELECT id, status, config, progress, estimated_cost, budget_limit, metadata, created_at, completed_at
			FROM analyses ORDER BY created_at DESC LIMIT ? OFFSET ?`,
			limit, filter.Offset)
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list analyses")
	}
	defer rows.Close()

	var out []model.Analysis
	for rows.Next() {
		var a model.Analysis
		var status, cfgJSON, metaJSON string
		var progress sql.NullString
		var completedAt sql.NullTime
		if err := rows.Scan(&a.ID, &status, &cfgJSON, &progress, &a.EstimatedCost, &a.BudgetLimit, &metaJSON, &a.CreatedAt, &completedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan analysis")
		}
		a.Status = model.AnalysisStatus(status)
		if progress.Valid {
			a.Progress = []byte(progress.String)
		}
		if completedAt.Valid {
			t := completedAt.Time
			a.CompletedAt = &t
		}
		if err := json.Unmarshal([]byte(cfgJSON), &a.Config); err != nil {
			return nil, &model.SchemaValidationError{What: "analysis config", Err: err}
		}
		if metaJSON != "" {
			_ = json.Unmarshal([]byte(metaJSON), &a.Metadata)
		}
		out = append(out, a)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate analyses")
}

func (s *SQLiteStore) UpsertPosts(ctx context.Context, posts []model.Post) (int, error) {
	if len(posts) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: begin upsert posts")
	}
	defer func() { _ = tx.Rollback() }()

	inserted := 0
	now := time.Now().UTC()
	for _, p := range posts {
		if p.ID == "" {
			p.ID = uuid.NewString()
		}
		kwJSON, err := json.Marshal(orEmptyList(p.MatchedKeywords))
		if err != nil {
			return 0, eris.Wrap(err, "sqlite: marshal matched keywords")
		}
		res, err := tx.ExecContext(ctx, `
			INSERT INTO posts (id, analysis_id, external_id, subreddit, title, body, engagement_score, comment_count, processed, matched_keywords, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?)
			ON CONFLICT (analysis_id, external_id) DO NOTHING`,
			p.ID, p.AnalysisID, p.ExternalID, p.Subreddit, p.Title, p.Body, p.EngagementScore, p.CommentCount, string(kwJSON), now,
		)
		if err != nil {
			return 0, eris.Wrapf(err, "sqlite: upsert post %s", p.ExternalID)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			inserted++
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, eris.Wrap(err, "sqlite: commit upsert posts")
	}
	return inserted, nil
}

func (s *SQLiteStore) listPosts(ctx context.Context, query string, args ...any) ([]model.Post, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list posts")
	}
	defer rows.Close()

	var out []model.Post
	for rows.Next() {
		var p model.Post
		var kwJSON string
		if err := rows.Scan(&p.ID, &p.AnalysisID, &p.ExternalID, &p.Subreddit, &p.Title, &p.Body,
			&p.EngagementScore, &p.CommentCount, &p.Processed, &kwJSON, &p.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan post")
		}
		if kwJSON != "" {
			_ = json.Unmarshal([]byte(kwJSON), &p.MatchedKeywords)
		}
		out = append(out, p)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate posts")
}

func (s *SQLiteStore) ListUnprocessedPosts(ctx context.Context, analysisID string) ([]model.Post, error) {
	return s.listPosts(ctx, `
		SELECT id, analysis_id, external_id, subreddit, title, body, engagement_score, comment_count, processed, matched_keywords, created_at
		FROM posts WHERE analysis_id = ? AND processed = 0
		ORDER BY engagement_score DESC, external_id`, analysisID)
}

func (s *SQLiteStore) ListHighEngagementPosts(ctx context.Context, analysisID string, minScore float64) ([]model.Post, error) {
	return s.listPosts(ctx, `
		SELECT id, analysis_id, external_id, subreddit, title, body, engagement_score, comment_count, processed, matched_keywords, created_at
		FROM posts WHERE analysis_id = ? AND engagement_score >= ?
		ORDER BY engagement_score DESC, external_id`, analysisID, minScore)
}

func (s *SQLiteStore) MarkPostProcessed(ctx context.Context, postID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE posts SET processed = 1 WHERE id = ?`, postID)
	return eris.Wrap(err, "sqlite: mark post processed")
}

func (s *SQLiteStore) CountPosts(ctx context.Context, analysisID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM posts WHERE analysis_id = ?`, analysisID).Scan(&n)
	return n, eris.Wrap(err, "sqlite: count posts")
}

func (s *SQLiteStore) UpsertComments(ctx context.Context, comments []model.Comment) (int, error) {
	if len(comments) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: begin upsert comments")
	}
	defer func() { _ = tx.Rollback() }()

	inserted := 0
	now := time.Now().UTC()
	for _, c := range comments {
		if c.ID == "" {
			c.ID = uuid.NewString()
		}
		if c.ProcessingStatus == "" {
			c.ProcessingStatus = model.CommentPending
		}
		res, err := tx.ExecContext(ctx, `
			INSERT INTO comments (id, post_id, external_id, content, engagement_score, processing_status, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (post_id, external_id) DO NOTHING`,
			c.ID, c.PostID, c.ExternalID, c.Content, c.EngagementScore, string(c.ProcessingStatus), now,
		)
		if err != nil {
			return 0, eris.Wrapf(err, "sqlite: upsert comment %s", c.ExternalID)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			inserted++
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, eris.Wrap(err, "sqlite: commit upsert comments")
	}
	return inserted, nil
}

func (s *SQLiteStore) ListPendingComments(ctx context.Context, postID string) ([]model.Comment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, post_id, external_id, content, engagement_score, processing_status, analysis_metadata, created_at
		FROM comments
		WHERE post_id = ? AND processing_status = 'pending'
		ORDER BY engagement_score DESC, external_id`, postID)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list pending comments")
	}
	defer rows.Close()

	var out []model.Comment
	for rows.Next() {
		var c model.Comment
		var status string
		var meta sql.NullString
		if err := rows.Scan(&c.ID, &c.PostID, &c.ExternalID, &c.Content, &c.EngagementScore, &status, &meta, &c.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan comment")
		}
		c.ProcessingStatus = model.CommentStatus(status)
		if meta.Valid {
			c.AnalysisMetadata = []byte(meta.String)
		}
		out = append(out, c)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate comments")
}

func (s *SQLiteStore) UpdateCommentAnalysis(ctx context.Context, commentID string, status model.CommentStatus, blob []byte) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE comments SET processing_status = ?, analysis_metadata = ? WHERE id = ?`,
		string(status), string(blob), commentID)
	return eris.Wrap(err, "sqlite: update comment analysis")
}

func (s *SQLiteStore) CreateOpportunity(ctx context.Context, o model.Opportunity) error {
	if o.ID == "" {
		o.ID = uuid.NewString()
	}
	evJSON, err := json.Marshal(orEmptyList(o.Evidence))
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal evidence")
	}
	apJSON, err := json.Marshal(orEmptyList(o.AntiPatterns))
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal anti-patterns")
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO opportunities (id, analysis_id, post_id, title, problem_statement,
			urgency_score, market_signals_score, feasibility_score, confidence, composite_score,
			classification, evidence, anti_patterns, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		o.ID, o.AnalysisID, o.PostID, o.Title, o.ProblemStatement,
		o.Scores.Urgency, o.Scores.MarketSignals, o.Scores.Feasibility, o.Confidence, o.CompositeScore,
		o.Classification, string(evJSON), string(apJSON), time.Now().UTC(),
	)
	return eris.Wrap(err, "sqlite: insert opportunity")
}

func (s *SQLiteStore) ListOpportunities(ctx context.Context, analysisID string) ([]model.Opportunity, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, analysis_id, post_id, title, problem_statement,
			urgency_score, market_signals_score, feasibility_score, confidence, composite_score,
			classification, evidence, anti_patterns, created_at
		FROM opportunities
		WHERE analysis_id = ?
		ORDER BY composite_score DESC, created_at`, analysisID)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list opportunities")
	}
	defer rows.Close()

	var out []model.Opportunity
	for rows.Next() {
		var o model.Opportunity
		var evJSON, apJSON string
		if err := rows.Scan(&o.ID, &o.AnalysisID, &o.PostID, &o.Title, &o.ProblemStatement,
			&o.Scores.Urgency, &o.Scores.MarketSignals, &o.Scores.Feasibility, &o.Confidence, &o.CompositeScore,
			&o.Classification, &evJSON, &apJSON, &o.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan opportunity")
		}
		_ = json.Unmarshal([]byte(evJSON), &o.Evidence)
		_ = json.Unmarshal([]byte(apJSON), &o.AntiPatterns)
		out = append(out, o)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate opportunities")
}

func (s *SQLiteStore) AppendCostEvent(ctx context.Context, ev model.CostEvent) error {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cost_events (id, analysis_id, event_type, provider, units, cost, ts)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.AnalysisID, string(ev.EventType), ev.Provider, ev.Units, ev.Cost, ev.Timestamp,
	)
	return eris.Wrap(err, "sqlite: append cost event")
}

func (s *SQLiteStore) SumCostEvents(ctx context.Context, analysisID string) (float64, error) {
	var total float64
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(sum(cost), 0) FROM cost_events WHERE analysis_id = ?`, analysisID).Scan(&total)
	return total, eris.Wrap(err, "sqlite: sum cost events")
}
