package queue

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/Mellox11/opportunity-intel/internal/db"
)

// Config tunes the Postgres queue.
type Config struct {
	// PollInterval is how often AwaitCompletion and Claim loops re-check.
	PollInterval time.Duration
	// DefaultMaxAttempts bounds retries when the enqueue call does not
	// override it.
	DefaultMaxAttempts int
	// InitialBackoff is the reschedule delay after the first failure;
	// it doubles per attempt.
	InitialBackoff time.Duration
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = 500 * time.Millisecond
	}
	if c.DefaultMaxAttempts <= 0 {
		c.DefaultMaxAttempts = 3
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = 2 * time.Second
	}
	return c
}

// PostgresQueue implements Queue on a jobs table with FOR UPDATE SKIP LOCKED
// claims, so multiple worker processes can share one queue safely.
type PostgresQueue struct {
	pool db.Pool
	cfg  Config
}

// NewPostgres creates a PostgresQueue on an existing pool.
func NewPostgres(pool db.Pool, cfg Config) *PostgresQueue {
	return &PostgresQueue{pool: pool, cfg: cfg.withDefaults()}
}

const queueMigration = `
CREATE TABLE IF NOT EXISTS jobs (
	id           TEXT PRIMARY KEY,
	queue        TEXT NOT NULL,
	payload      JSONB NOT NULL,
	status       TEXT NOT NULL DEFAULT 'pending',
	attempts     INTEGER NOT NULL DEFAULT 0,
	max_attempts INTEGER NOT NULL DEFAULT 3,
	last_error   TEXT NOT NULL DEFAULT '',
	run_after    TIMESTAMPTZ NOT NULL DEFAULT now(),
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	started_at   TIMESTAMPTZ,
	finished_at  TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_jobs_claim ON jobs(queue, run_after) WHERE status = 'pending';
CREATE INDEX IF NOT EXISTS idx_jobs_stalled ON jobs(updated_at) WHERE status = 'running';
`

// Migrate applies the jobs table schema.
func (q *PostgresQueue) Migrate(ctx context.Context) error {
	if _, err := q.pool.Exec(ctx, queueMigration); err != nil {
		return eris.Wrap(err, "queue: migrate")
	}
	return nil
}

func (q *PostgresQueue) Enqueue(ctx context.Context, queueName string, payload any, opts ...EnqueueOption) (*Job, error) {
	o := enqueueOpts{maxAttempts: q.cfg.DefaultMaxAttempts}
	for _, opt := range opts {
		opt(&o)
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, eris.Wrap(err, "queue: marshal payload")
	}

	job := &Job{
		ID:          uuid.NewString(),
		Queue:       queueName,
		Payload:     raw,
		Status:      JobPending,
		MaxAttempts: o.maxAttempts,
		RunAfter:    time.Now().UTC().Add(o.delay),
	}

	_, err = q.pool.Exec(ctx, `
		INSERT INTO jobs (id, queue, payload, status, max_attempts, run_after)
		VALUES ($1, $2, $3, 'pending', $4, $5)`,
		job.ID, job.Queue, raw, job.MaxAttempts, job.RunAfter,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "queue: enqueue %s", queueName)
	}

	zap.L().Debug("job enqueued",
		zap.String("job_id", job.ID),
		zap.String("queue", queueName),
	)
	return job, nil
}

const jobColumns = `id, queue, payload, status, attempts, max_attempts, last_error, run_after, created_at, updated_at, started_at, finished_at`

func scanJob(row pgx.Row) (*Job, error) {
	var j Job
	var status string
	err := row.Scan(&j.ID, &j.Queue, &j.Payload, &status, &j.Attempts, &j.MaxAttempts,
		&j.LastError, &j.RunAfter, &j.CreatedAt, &j.UpdatedAt, &j.StartedAt, &j.FinishedAt)
	if err != nil {
		return nil, err
	}
	j.Status = JobStatus(status)
	return &j, nil
}

func (q *PostgresQueue) GetJob(ctx context.Context, id string) (*Job, error) {
	job, err := scanJob(q.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "queue: get job")
	}
	return job, nil
}

func (q *PostgresQueue) AwaitCompletion(ctx context.Context, id string, timeout time.Duration) (*Job, error) {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(q.cfg.PollInterval)
	defer ticker.Stop()

	for {
		job, err := q.GetJob(ctx, id)
		if err != nil {
			return nil, err
		}
		if job == nil {
			return nil, eris.Errorf("queue: job %s not found", id)
		}

		switch job.Status {
		case JobCompleted:
			return job, nil
		case JobFailed:
			return job, eris.Errorf("queue: job %s failed: %s", id, job.LastError)
		case JobCancelled:
			return job, eris.Errorf("queue: job %s was cancelled", id)
		}

		if time.Now().After(deadline) {
			return job, &JobTimeoutError{JobID: id, Waited: timeout}
		}

		select {
		case <-ctx.Done():
			return job, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (q *PostgresQueue) Remove(ctx context.Context, id string) (bool, error) {
	tag, err := q.pool.Exec(ctx, `DELETE FROM jobs WHERE id = $1 AND status = 'pending'`, id)
	if err != nil {
		return false, eris.Wrap(err, "queue: remove job")
	}
	return tag.RowsAffected() > 0, nil
}

func (q *PostgresQueue) Claim(ctx context.Context, queueName string) (*Job, error) {
	// SKIP LOCKED lets concurrent workers claim without blocking each other.
	row := q.pool.QueryRow(ctx, `
		WITH next AS (
			SELECT id FROM jobs
			WHERE queue = $1 AND status = 'pending' AND run_after <= now()
			ORDER BY created_at
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		UPDATE jobs j
		SET status = 'running', attempts = attempts + 1, started_at = now(), updated_at = now()
		FROM next
		WHERE j.id = next.id
		RETURNING `+qualifiedJobColumns,
		queueName,
	)

	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "queue: claim from %s", queueName)
	}
	return job, nil
}

const qualifiedJobColumns = `j.id, j.queue, j.payload, j.status, j.attempts, j.max_attempts, j.last_error, j.run_after, j.created_at, j.updated_at, j.started_at, j.finished_at`

func (q *PostgresQueue) Touch(ctx context.Context, id string) error {
	_, err := q.pool.Exec(ctx, `UPDATE jobs SET updated_at = now() WHERE id = $1 AND status = 'running'`, id)
	return eris.Wrap(err, "queue: touch job")
}

func (q *PostgresQueue) Complete(ctx context.Context, id string) error {
	_, err := q.pool.Exec(ctx, `
		UPDATE jobs SET status = 'completed', finished_at = now(), updated_at = now() WHERE id = $1`, id)
	return eris.Wrap(err, "queue: complete job")
}

func (q *PostgresQueue) Fail(ctx context.Context, id string, jobErr error) error {
	job, err := q.GetJob(ctx, id)
	if err != nil {
		return err
	}
	if job == nil {
		return eris.Errorf("queue: job %s not found", id)
	}

	msg := ""
	if jobErr != nil {
		msg = jobErr.Error()
	}

	if job.Attempts >= job.MaxAttempts {
		_, err = q.pool.Exec(ctx, `
			UPDATE jobs SET status = 'failed', last_error = $1, finished_at = now(), updated_at = now()
			WHERE id = $2`, msg, id)
		if err == nil {
			zap.L().Warn("job failed permanently",
				zap.String("job_id", id),
				zap.String("queue", job.Queue),
				zap.Int("attempts", job.Attempts),
				zap.String("error", msg),
			)
		}
		return eris.Wrap(err, "queue: fail job")
	}

	// Reschedule with exponential backoff.
	shift := job.Attempts - 1
	if shift < 0 {
		shift = 0
	}
	if shift > 10 {
		shift = 10
	}
	backoff := q.cfg.InitialBackoff << shift
	_, err = q.pool.Exec(ctx, `
		UPDATE jobs SET status = 'pending', last_error = $1, run_after = now() + make_interval(secs => $2), updated_at = now()
		WHERE id = $3`, msg, backoff.Seconds(), id)
	if err == nil {
		zap.L().Info("job rescheduled",
			zap.String("job_id", id),
			zap.String("queue", job.Queue),
			zap.Int("attempt", job.Attempts),
			zap.Duration("backoff", backoff),
		)
	}
	return eris.Wrap(err, "queue: reschedule job")
}

func (q *PostgresQueue) RequeueStalled(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-olderThan)

	// Jobs out of attempts fail; the rest go back to pending for another
	// worker to pick up.
	failTag, err := q.pool.Exec(ctx, `
		UPDATE jobs SET status = 'failed', last_error = 'stalled: worker heartbeat lost',
			finished_at = now(), updated_at = now()
		WHERE status = 'running' AND updated_at < $1 AND attempts >= max_attempts`, cutoff)
	if err != nil {
		return 0, eris.Wrap(err, "queue: fail stalled jobs")
	}

	requeueTag, err := q.pool.Exec(ctx, `
		UPDATE jobs SET status = 'pending', started_at = NULL, updated_at = now()
		WHERE status = 'running' AND updated_at < $1 AND attempts < max_attempts`, cutoff)
	if err != nil {
		return 0, eris.Wrap(err, "queue: requeue stalled jobs")
	}

	n := int(failTag.RowsAffected() + requeueTag.RowsAffected())
	if n > 0 {
		zap.L().Warn("stalled jobs swept",
			zap.Int("affected", n),
			zap.Duration("older_than", olderThan),
		)
	}
	return n, nil
}
