package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/slipstream/dlsync/internal/metrics"
)

// Handler runs one job. A returned error schedules a retry.
type Handler func(ctx context.Context, payload json.RawMessage) error

// BackoffConfig configures the exponential delay between attempts.
type BackoffConfig struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
}

// DefaultBackoff starts at 5s and doubles up to 5m.
func DefaultBackoff() BackoffConfig {
	return BackoffConfig{
		InitialDelay: 5 * time.Second,
		MaxDelay:     5 * time.Minute,
		Multiplier:   2.0,
	}
}

// Delay returns the wait before the attempt following the given one (1-based).
func (b BackoffConfig) Delay(attempt int) time.Duration {
	delay := b.InitialDelay
	for i := 1; i < attempt; i++ {
		delay = time.Duration(float64(delay) * b.Multiplier)
		if delay >= b.MaxDelay {
			return b.MaxDelay
		}
	}
	if delay > b.MaxDelay {
		return b.MaxDelay
	}
	return delay
}

// Worker claims due jobs from a Queue and dispatches them by type.
type Worker struct {
	queue     *Queue
	logger    zerolog.Logger
	backoff   BackoffConfig
	batchSize int

	mu       sync.RWMutex
	handlers map[string]Handler
	runMu    sync.Mutex
}

// NewWorker creates a worker that processes at most batchSize jobs per call.
func NewWorker(queue *Queue, batchSize int, logger zerolog.Logger) *Worker {
	if batchSize < 1 {
		batchSize = 20
	}
	return &Worker{
		queue:     queue,
		logger:    logger.With().Str("component", "jobs").Logger(),
		backoff:   DefaultBackoff(),
		batchSize: batchSize,
		handlers:  make(map[string]Handler),
	}
}

// SetBackoff overrides the retry delay schedule.
func (w *Worker) SetBackoff(b BackoffConfig) {
	w.backoff = b
}

// Register binds a handler to a job type, replacing any previous one.
func (w *Worker) Register(jobType string, h Handler) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handlers[jobType] = h
}

func (w *Worker) handler(jobType string) (Handler, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	h, ok := w.handlers[jobType]
	return h, ok
}

// ProcessPending runs every due job in one batch, sequentially, and returns
// how many were processed. Overlapping calls are serialized.
func (w *Worker) ProcessPending(ctx context.Context) (int, error) {
	w.runMu.Lock()
	defer w.runMu.Unlock()

	due, err := w.queue.due(ctx, w.batchSize)
	if err != nil {
		return 0, err
	}

	processed := 0
	for _, job := range due {
		if ctx.Err() != nil {
			break
		}
		claimed, err := w.queue.claim(ctx, job.ID)
		if err != nil {
			return processed, err
		}
		if !claimed {
			continue
		}
		job.Attempts++
		w.run(ctx, job)
		processed++
	}
	return processed, nil
}

func (w *Worker) run(ctx context.Context, job *Job) {
	logger := w.logger.With().Str("jobId", job.ID).Str("type", job.Type).Int("attempt", job.Attempts).Logger()

	h, ok := w.handler(job.Type)
	if !ok {
		logger.Error().Msg("No handler registered for job type")
		w.record(logger, job.Type, "failed", w.queue.fail(ctx, job.ID, fmt.Sprintf("no handler for job type %q", job.Type)))
		return
	}

	err := safeCall(ctx, h, job.Payload)
	if err == nil {
		logger.Debug().Msg("Job completed")
		w.record(logger, job.Type, "done", w.queue.complete(ctx, job.ID))
		return
	}

	if job.Attempts >= job.MaxAttempts {
		logger.Error().Err(err).Msg("Job failed permanently")
		w.record(logger, job.Type, "failed", w.queue.fail(ctx, job.ID, err.Error()))
		return
	}

	delay := w.backoff.Delay(job.Attempts)
	logger.Warn().Err(err).Dur("retryIn", delay).Msg("Job failed, will retry")
	w.record(logger, job.Type, "retry", w.queue.retry(ctx, job.ID, err.Error(), w.queue.now().Add(delay)))
}

func (w *Worker) record(logger zerolog.Logger, jobType, result string, err error) {
	if err != nil {
		logger.Error().Err(err).Msg("Failed to record job result")
		return
	}
	metrics.JobsProcessed.WithLabelValues(jobType, result).Inc()
}

func safeCall(ctx context.Context, h Handler, payload json.RawMessage) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job handler panicked: %v", r)
		}
	}()
	return h(ctx, payload)
}
