// Package queue provides the durable Postgres-backed job queue used by the
// queued execution strategy.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// JobStatus is the lifecycle state of a queued job.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// Job is one unit of queued work. Attempts counts claims, including the
// first; a job whose handler keeps failing goes to failed once attempts
// reaches MaxAttempts.
type Job struct {
	ID          string          `json:"id"`
	Queue       string          `json:"queue"`
	Payload     json.RawMessage `json:"payload"`
	Status      JobStatus       `json:"status"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"max_attempts"`
	LastError   string          `json:"last_error,omitempty"`
	RunAfter    time.Time       `json:"run_after"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	FinishedAt  *time.Time      `json:"finished_at,omitempty"`
}

// StalledJobError reports a running job whose worker stopped heartbeating.
type StalledJobError struct {
	JobID string
	Age   time.Duration
}

func (e *StalledJobError) Error() string {
	return fmt.Sprintf("queue: job %s stalled for %s", e.JobID, e.Age)
}

// JobTimeoutError reports that AwaitCompletion gave up waiting.
type JobTimeoutError struct {
	JobID  string
	Waited time.Duration
}

func (e *JobTimeoutError) Error() string {
	return fmt.Sprintf("queue: job %s did not finish within %s", e.JobID, e.Waited)
}

// EnqueueOption configures a single enqueue call.
type EnqueueOption func(*enqueueOpts)

type enqueueOpts struct {
	maxAttempts int
	delay       time.Duration
}

// WithMaxAttempts overrides the queue's default bounded retry count.
func WithMaxAttempts(n int) EnqueueOption {
	return func(o *enqueueOpts) { o.maxAttempts = n }
}

// WithDelay schedules the job to become claimable after d.
func WithDelay(d time.Duration) EnqueueOption {
	return func(o *enqueueOpts) { o.delay = d }
}

// Queue is the durable job queue contract. Producers use Enqueue / Await /
// Remove; workers use Claim / Touch / Complete / Fail; the stalled sweep
// uses RequeueStalled.
type Queue interface {
	Enqueue(ctx context.Context, queueName string, payload any, opts ...EnqueueOption) (*Job, error)
	GetJob(ctx context.Context, id string) (*Job, error)

	// AwaitCompletion blocks until the job reaches a terminal status or the
	// timeout elapses (*JobTimeoutError). A failed job returns an error
	// carrying its last handler error.
	AwaitCompletion(ctx context.Context, id string, timeout time.Duration) (*Job, error)

	// Remove deletes a job that has not started. Removing a running or
	// finished job is a no-op returning false.
	Remove(ctx context.Context, id string) (bool, error)

	// Claim atomically takes the oldest runnable job off the named queue,
	// or returns nil when the queue is empty.
	Claim(ctx context.Context, queueName string) (*Job, error)
	// Touch refreshes the heartbeat of a running job.
	Touch(ctx context.Context, id string) error
	Complete(ctx context.Context, id string) error
	// Fail records a handler error: the job is rescheduled with backoff
	// while attempts remain, otherwise marked failed.
	Fail(ctx context.Context, id string, jobErr error) error

	// RequeueStalled rescues running jobs whose heartbeat is older than the
	// threshold. Jobs out of attempts are failed instead of requeued.
	RequeueStalled(ctx context.Context, olderThan time.Duration) (int, error)

	Migrate(ctx context.Context) error
}
