package queue

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memQueue is an in-memory Queue for worker tests.
type memQueue struct {
	mu        sync.Mutex
	pending   []*Job
	completed []string
	failed    map[string]error
	touched   map[string]int
	swept     int
}

func newMemQueue() *memQueue {
	return &memQueue{
		failed:  make(map[string]error),
		touched: make(map[string]int),
	}
}

func (q *memQueue) push(queueName string, payload string) *Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	job := &Job{
		ID:          "j" + payload,
		Queue:       queueName,
		Payload:     json.RawMessage(payload),
		Status:      JobPending,
		MaxAttempts: 3,
	}
	q.pending = append(q.pending, job)
	return job
}

func (q *memQueue) Enqueue(_ context.Context, queueName string, payload any, _ ...EnqueueOption) (*Job, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return q.push(queueName, string(raw)), nil
}

func (q *memQueue) GetJob(context.Context, string) (*Job, error) { return nil, nil }

func (q *memQueue) AwaitCompletion(context.Context, string, time.Duration) (*Job, error) {
	return nil, nil
}

func (q *memQueue) Remove(context.Context, string) (bool, error) { return false, nil }

func (q *memQueue) Claim(_ context.Context, queueName string) (*Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, job := range q.pending {
		if job.Queue == queueName {
			q.pending = append(q.pending[:i], q.pending[i+1:]...)
			job.Status = JobRunning
			job.Attempts++
			return job, nil
		}
	}
	return nil, nil
}

func (q *memQueue) Touch(_ context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.touched[id]++
	return nil
}

func (q *memQueue) Complete(_ context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.completed = append(q.completed, id)
	return nil
}

func (q *memQueue) Fail(_ context.Context, id string, jobErr error) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.failed[id] = jobErr
	return nil
}

func (q *memQueue) RequeueStalled(context.Context, time.Duration) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.swept++
	return 0, nil
}

func (q *memQueue) Migrate(context.Context) error { return nil }

func TestWorkerProcess_CompletesOnSuccess(t *testing.T) {
	q := newMemQueue()
	job := q.push("collection", `{"analysis_id":"a1"}`)
	job.Status = JobRunning

	var got json.RawMessage
	w := NewWorker(q, WorkerConfig{})
	w.Handle("collection", func(_ context.Context, payload json.RawMessage) error {
		got = payload
		return nil
	})

	w.process(context.Background(), job)

	assert.JSONEq(t, `{"analysis_id":"a1"}`, string(got))
	assert.Equal(t, []string{job.ID}, q.completed)
	assert.Empty(t, q.failed)
}

func TestWorkerProcess_FailsOnHandlerError(t *testing.T) {
	q := newMemQueue()
	job := q.push("collection", `{}`)
	job.Status = JobRunning

	boom := errors.New("stage exploded")
	w := NewWorker(q, WorkerConfig{})
	w.Handle("collection", func(context.Context, json.RawMessage) error { return boom })

	w.process(context.Background(), job)

	assert.Empty(t, q.completed)
	assert.Equal(t, boom, q.failed[job.ID])
}

func TestWorkerProcess_UnregisteredQueueFails(t *testing.T) {
	q := newMemQueue()
	job := q.push("mystery", `{}`)
	job.Status = JobRunning

	w := NewWorker(q, WorkerConfig{})
	w.process(context.Background(), job)

	require.Contains(t, q.failed, job.ID)
	var sje *StalledJobError
	assert.ErrorAs(t, q.failed[job.ID], &sje)
}

func TestWorkerProcess_HeartbeatsDuringLongHandler(t *testing.T) {
	q := newMemQueue()
	job := q.push("collection", `{}`)
	job.Status = JobRunning

	w := NewWorker(q, WorkerConfig{HeartbeatInterval: 5 * time.Millisecond})
	w.Handle("collection", func(ctx context.Context, _ json.RawMessage) error {
		time.Sleep(40 * time.Millisecond)
		return nil
	})

	w.process(context.Background(), job)

	q.mu.Lock()
	touches := q.touched[job.ID]
	q.mu.Unlock()
	assert.GreaterOrEqual(t, touches, 1, "long handlers keep the job heartbeat fresh")
}

func TestWorkerRun_DrainsQueueUntilCancelled(t *testing.T) {
	q := newMemQueue()
	q.push("collection", `{"n":1}`)
	q.push("collection", `{"n":2}`)

	var mu sync.Mutex
	var handled []string
	done := make(chan struct{})

	w := NewWorker(q, WorkerConfig{PollInterval: 5 * time.Millisecond})
	w.Handle("collection", func(_ context.Context, payload json.RawMessage) error {
		mu.Lock()
		handled = append(handled, string(payload))
		if len(handled) == 2 {
			close(done)
		}
		mu.Unlock()
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- w.Run(ctx) }()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not drain the queue in time")
	}
	cancel()

	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop after cancellation")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, handled, 2)
	assert.Len(t, q.completed, 2)
}

func TestWorkerRun_ConcurrencyPerQueue(t *testing.T) {
	q := newMemQueue()
	for range 4 {
		q.push("collection", `{}`)
	}

	var mu sync.Mutex
	inFlight, peak, total := 0, 0, 0
	done := make(chan struct{})

	w := NewWorker(q, WorkerConfig{
		PollInterval: 5 * time.Millisecond,
		Concurrency:  map[string]int{"collection": 2},
	})
	w.Handle("collection", func(context.Context, json.RawMessage) error {
		mu.Lock()
		inFlight++
		if inFlight > peak {
			peak = inFlight
		}
		mu.Unlock()

		time.Sleep(20 * time.Millisecond)

		mu.Lock()
		inFlight--
		total++
		if total == 4 {
			close(done)
		}
		mu.Unlock()
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = w.Run(ctx) }()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("jobs not drained")
	}
	cancel()

	mu.Lock()
	defer mu.Unlock()
	assert.LessOrEqual(t, peak, 2, "concurrency bound respected")
}
