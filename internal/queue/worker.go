package queue

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// HandlerFunc processes one claimed job payload. Handlers must be idempotent:
// the queue guarantees at-least-once delivery, not exactly-once.
type HandlerFunc func(ctx context.Context, payload json.RawMessage) error

// WorkerConfig tunes the worker pool.
type WorkerConfig struct {
	// PollInterval is the idle sleep between claim attempts per loop.
	PollInterval time.Duration
	// StalledAfter is the heartbeat age beyond which a running job is
	// considered stalled and swept.
	StalledAfter time.Duration
	// HeartbeatInterval is how often a running handler's job is touched.
	HeartbeatInterval time.Duration
	// Concurrency maps queue name to the number of concurrent claim loops.
	// Queues absent from the map get one loop.
	Concurrency map[string]int
}

func (c WorkerConfig) withDefaults() WorkerConfig {
	if c.PollInterval <= 0 {
		c.PollInterval = 500 * time.Millisecond
	}
	if c.StalledAfter <= 0 {
		c.StalledAfter = 5 * time.Minute
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	return c
}

// Worker drains registered queues until its context is cancelled.
type Worker struct {
	queue    Queue
	cfg      WorkerConfig
	handlers map[string]HandlerFunc
}

// NewWorker creates a Worker over the given queue.
func NewWorker(q Queue, cfg WorkerConfig) *Worker {
	return &Worker{
		queue:    q,
		cfg:      cfg.withDefaults(),
		handlers: make(map[string]HandlerFunc),
	}
}

// Handle registers the handler for a queue name. Last registration wins.
func (w *Worker) Handle(queueName string, fn HandlerFunc) {
	w.handlers[queueName] = fn
}

// Run starts the claim loops and the stalled-job sweeper, blocking until the
// context is cancelled. In-flight handlers run to completion.
func (w *Worker) Run(ctx context.Context) error {
	g, gCtx := errgroup.WithContext(ctx)

	for queueName := range w.handlers {
		n := w.cfg.Concurrency[queueName]
		if n <= 0 {
			n = 1
		}
		for i := 0; i < n; i++ {
			g.Go(func() error {
				w.claimLoop(gCtx, queueName)
				return nil
			})
		}
		zap.L().Info("worker queue started",
			zap.String("queue", queueName),
			zap.Int("concurrency", n),
		)
	}

	g.Go(func() error {
		w.sweepLoop(gCtx)
		return nil
	})

	return g.Wait()
}

func (w *Worker) claimLoop(ctx context.Context, queueName string) {
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		job, err := w.queue.Claim(ctx, queueName)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			zap.L().Error("claim failed",
				zap.String("queue", queueName),
				zap.Error(err),
			)
		} else if job != nil {
			w.process(ctx, job)
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (w *Worker) process(ctx context.Context, job *Job) {
	log := zap.L().With(
		zap.String("job_id", job.ID),
		zap.String("queue", job.Queue),
		zap.Int("attempt", job.Attempts),
	)

	handler := w.handlers[job.Queue]
	if handler == nil {
		log.Error("no handler registered")
		_ = w.queue.Fail(ctx, job.ID, &StalledJobError{JobID: job.ID})
		return
	}

	// Heartbeat while the handler runs so the stalled sweep leaves us alone.
	hbCtx, stopHB := context.WithCancel(ctx)
	go func() {
		ticker := time.NewTicker(w.cfg.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-hbCtx.Done():
				return
			case <-ticker.C:
				if err := w.queue.Touch(hbCtx, job.ID); err != nil {
					log.Warn("heartbeat failed", zap.Error(err))
				}
			}
		}
	}()

	start := time.Now()
	err := handler(ctx, job.Payload)
	stopHB()
	duration := time.Since(start)

	if err != nil {
		log.Error("job handler failed",
			zap.Duration("duration", duration),
			zap.Error(err),
		)
		if failErr := w.queue.Fail(ctx, job.ID, err); failErr != nil {
			log.Error("failed to record job failure", zap.Error(failErr))
		}
		return
	}

	if err := w.queue.Complete(ctx, job.ID); err != nil {
		log.Error("failed to mark job complete", zap.Error(err))
		return
	}
	log.Info("job complete", zap.Duration("duration", duration))
}

func (w *Worker) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.StalledAfter / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := w.queue.RequeueStalled(ctx, w.cfg.StalledAfter); err != nil {
				zap.L().Error("stalled sweep failed", zap.Error(err))
			}
		}
	}
}
