package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

func newMockQueue(t *testing.T) (*PostgresQueue, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return NewPostgres(mock, Config{
		PollInterval:       10 * time.Millisecond,
		DefaultMaxAttempts: 3,
		InitialBackoff:     2 * time.Second,
	}), mock
}

func jobRow(id, queueName, status string, attempts, maxAttempts int, lastError string) *pgxmock.Rows {
	now := time.Now().UTC()
	return pgxmock.NewRows([]string{
		"id", "queue", "payload", "status", "attempts", "max_attempts",
		"last_error", "run_after", "created_at", "updated_at", "started_at", "finished_at",
	}).AddRow(
		id, queueName, []byte(`{"analysis_id":"a1"}`), status, attempts, maxAttempts,
		lastError, now, now, now, (*time.Time)(nil), (*time.Time)(nil),
	)
}

func TestEnqueue(t *testing.T) {
	q, mock := newMockQueue(t)

	mock.ExpectExec("INSERT INTO jobs").
		WithArgs(pgxmock.AnyArg(), "collection", []byte(`{"analysis_id":"a1"}`), 3, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	job, err := q.Enqueue(context.Background(), "collection", map[string]string{"analysis_id": "a1"})
	require.NoError(t, err)
	assert.NotEmpty(t, job.ID)
	assert.Equal(t, "collection", job.Queue)
	assert.Equal(t, JobPending, job.Status)
	assert.Equal(t, 3, job.MaxAttempts)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEnqueue_MaxAttemptsOverride(t *testing.T) {
	q, mock := newMockQueue(t)

	mock.ExpectExec("INSERT INTO jobs").
		WithArgs(pgxmock.AnyArg(), "pipeline", pgxmock.AnyArg(), 1, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	job, err := q.Enqueue(context.Background(), "pipeline", map[string]string{}, WithMaxAttempts(1))
	require.NoError(t, err)
	assert.Equal(t, 1, job.MaxAttempts)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestClaim(t *testing.T) {
	q, mock := newMockQueue(t)

	mock.ExpectQuery("WITH next AS").
		WithArgs("collection").
		WillReturnRows(jobRow("j1", "collection", "running", 1, 3, ""))

	job, err := q.Claim(context.Background(), "collection")
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, "j1", job.ID)
	assert.Equal(t, JobRunning, job.Status)
	assert.Equal(t, 1, job.Attempts)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestClaim_EmptyQueue(t *testing.T) {
	q, mock := newMockQueue(t)

	mock.ExpectQuery("WITH next AS").
		WithArgs("collection").
		WillReturnRows(pgxmock.NewRows([]string{"id"}))

	job, err := q.Claim(context.Background(), "collection")
	require.NoError(t, err)
	assert.Nil(t, job, "an empty queue yields no job and no error")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetJob_NotFound(t *testing.T) {
	q, mock := newMockQueue(t)

	mock.ExpectQuery("SELECT .+ FROM jobs WHERE id").
		WithArgs("missing").
		WillReturnRows(pgxmock.NewRows([]string{"id"}))

	job, err := q.GetJob(context.Background(), "missing")
	require.NoError(t, err)
	assert.Nil(t, job)
}

func TestComplete(t *testing.T) {
	q, mock := newMockQueue(t)

	mock.ExpectExec("UPDATE jobs SET status = 'completed'").
		WithArgs("j1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, q.Complete(context.Background(), "j1"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFail_ReschedulesWithBackoff(t *testing.T) {
	q, mock := newMockQueue(t)

	mock.ExpectQuery("SELECT .+ FROM jobs WHERE id").
		WithArgs("j1").
		WillReturnRows(jobRow("j1", "collection", "running", 1, 3, ""))
	// First failure: backoff is the initial 2s.
	mock.ExpectExec("UPDATE jobs SET status = 'pending'").
		WithArgs("fetch blew up", 2.0, "j1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, q.Fail(context.Background(), "j1", errors.New("fetch blew up")))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFail_BackoffDoubles(t *testing.T) {
	q, mock := newMockQueue(t)

	mock.ExpectQuery("SELECT .+ FROM jobs WHERE id").
		WithArgs("j1").
		WillReturnRows(jobRow("j1", "collection", "running", 2, 3, "earlier error"))
	mock.ExpectExec("UPDATE jobs SET status = 'pending'").
		WithArgs("still broken", 4.0, "j1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, q.Fail(context.Background(), "j1", errors.New("still broken")))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFail_ExhaustedAttempts(t *testing.T) {
	q, mock := newMockQueue(t)

	mock.ExpectQuery("SELECT .+ FROM jobs WHERE id").
		WithArgs("j1").
		WillReturnRows(jobRow("j1", "collection", "running", 3, 3, ""))
	mock.ExpectExec("UPDATE jobs SET status = 'failed'").
		WithArgs("gone for good", "j1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, q.Fail(context.Background(), "j1", errors.New("gone for good")))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRemove(t *testing.T) {
	q, mock := newMockQueue(t)

	mock.ExpectExec("DELETE FROM jobs WHERE id").
		WithArgs("j1").
		WillReturnResult(pgxmock.NewResult("DELETE", 1))

	removed, err := q.Remove(context.Background(), "j1")
	require.NoError(t, err)
	assert.True(t, removed)
}

func TestRemove_RunningJobUntouched(t *testing.T) {
	q, mock := newMockQueue(t)

	// The status = 'pending' guard means a running job matches no rows.
	mock.ExpectExec("DELETE FROM jobs WHERE id").
		WithArgs("j1").
		WillReturnResult(pgxmock.NewResult("DELETE", 0))

	removed, err := q.Remove(context.Background(), "j1")
	require.NoError(t, err)
	assert.False(t, removed)
}

func TestTouch(t *testing.T) {
	q, mock := newMockQueue(t)

	mock.ExpectExec("UPDATE jobs SET updated_at").
		WithArgs("j1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, q.Touch(context.Background(), "j1"))
}

func TestAwaitCompletion_Completed(t *testing.T) {
	q, mock := newMockQueue(t)

	mock.ExpectQuery("SELECT .+ FROM jobs WHERE id").
		WithArgs("j1").
		WillReturnRows(jobRow("j1", "collection", "completed", 1, 3, ""))

	job, err := q.AwaitCompletion(context.Background(), "j1", time.Second)
	require.NoError(t, err)
	assert.Equal(t, JobCompleted, job.Status)
}

func TestAwaitCompletion_FailedJobReturnsError(t *testing.T) {
	q, mock := newMockQueue(t)

	mock.ExpectQuery("SELECT .+ FROM jobs WHERE id").
		WithArgs("j1").
		WillReturnRows(jobRow("j1", "collection", "failed", 3, 3, "handler kept failing"))

	_, err := q.AwaitCompletion(context.Background(), "j1", time.Second)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "handler kept failing")
}

func TestAwaitCompletion_PollsUntilDone(t *testing.T) {
	q, mock := newMockQueue(t)

	mock.ExpectQuery("SELECT .+ FROM jobs WHERE id").
		WithArgs("j1").
		WillReturnRows(jobRow("j1", "collection", "running", 1, 3, ""))
	mock.ExpectQuery("SELECT .+ FROM jobs WHERE id").
		WithArgs("j1").
		WillReturnRows(jobRow("j1", "collection", "completed", 1, 3, ""))

	job, err := q.AwaitCompletion(context.Background(), "j1", time.Second)
	require.NoError(t, err)
	assert.Equal(t, JobCompleted, job.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRequeueStalled(t *testing.T) {
	q, mock := newMockQueue(t)

	mock.ExpectExec("UPDATE jobs SET status = 'failed'").
		WithArgs(pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("UPDATE jobs SET status = 'pending'").
		WithArgs(pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 2))

	n, err := q.RequeueStalled(context.Background(), 5*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}
