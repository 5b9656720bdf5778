package tasks

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/slipstream/dlsync/internal/config"
	"github.com/slipstream/dlsync/internal/scheduler"
)

// JobProcessor drains due background jobs.
type JobProcessor interface {
	ProcessPending(ctx context.Context) (int, error)
}

// RegisterJobWorkerTask registers the background job worker with the scheduler.
func RegisterJobWorkerTask(
	sched *scheduler.Scheduler,
	worker JobProcessor,
	cfg *config.JobsConfig,
	logger *zerolog.Logger,
) error {
	taskLogger := logger.With().Str("task", "job-worker").Logger()

	interval := cfg.Interval
	if interval <= 0 {
		interval = 15 * time.Second
	}

	return sched.RegisterTask(&scheduler.TaskConfig{
		ID:          "job-worker",
		Name:        "Background Jobs",
		Description: "Runs queued import jobs and retries failed ones",
		Interval:    interval,
		Func: func(ctx context.Context) error {
			n, err := worker.ProcessPending(ctx)
			if n > 0 {
				taskLogger.Info().Int("processed", n).Msg("Processed background jobs")
			}
			return err
		},
	})
}
