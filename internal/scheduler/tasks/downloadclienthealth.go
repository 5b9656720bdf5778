package tasks

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/slipstream/dlsync/internal/config"
	"github.com/slipstream/dlsync/internal/downloader"
	"github.com/slipstream/dlsync/internal/scheduler"
)

// ClientTester lists stored clients and tests them. Test records the
// client's up/down gauge.
type ClientTester interface {
	List(ctx context.Context) ([]*downloader.DownloadClient, error)
	Test(ctx context.Context, id int64) (*downloader.TestResult, error)
}

// DownloadClientHealthTask handles scheduled health checks for download clients.
type DownloadClientHealthTask struct {
	clients ClientTester
	logger  *zerolog.Logger
}

// NewDownloadClientHealthTask creates a new download client health check task.
func NewDownloadClientHealthTask(clients ClientTester, logger *zerolog.Logger) *DownloadClientHealthTask {
	subLogger := logger.With().Str("task", "download-client-health").Logger()
	return &DownloadClientHealthTask{
		clients: clients,
		logger:  &subLogger,
	}
}

// Run executes the download client health check.
func (t *DownloadClientHealthTask) Run(ctx context.Context) error {
	clients, err := t.clients.List(ctx)
	if err != nil {
		t.logger.Error().Err(err).Msg("Failed to list download clients")
		return err
	}

	if len(clients) == 0 {
		t.logger.Debug().Msg("No download clients configured, skipping health check")
		return nil
	}

	checked, failed := 0, 0
	for _, client := range clients {
		if !client.Enabled {
			continue
		}

		result, err := t.clients.Test(ctx, client.ID)
		checked++
		if err != nil {
			failed++
			t.logger.Warn().Err(err).Int64("clientId", client.ID).Str("name", client.Name).Msg("Download client health check failed")
			continue
		}

		if result.Success {
			t.logger.Debug().Int64("clientId", client.ID).Str("name", client.Name).Msg("Download client health check passed")
		} else {
			failed++
			t.logger.Warn().Int64("clientId", client.ID).Str("name", client.Name).Str("message", result.Message).Msg("Download client health check failed")
		}
	}

	t.logger.Info().Int("checked", checked).Int("failed", failed).Int("total", len(clients)).Msg("Download client health check completed")
	return nil
}

// RegisterDownloadClientHealthTask registers the download client health check task with the scheduler.
func RegisterDownloadClientHealthTask(
	sched *scheduler.Scheduler,
	clients ClientTester,
	cfg *config.HealthConfig,
	logger *zerolog.Logger,
) error {
	task := NewDownloadClientHealthTask(clients, logger)

	interval := cfg.ClientCheckInterval
	if interval <= 0 {
		interval = 6 * time.Hour
	}

	return sched.RegisterTask(&scheduler.TaskConfig{
		ID:          "download-client-health",
		Name:        "Download Client Health Check",
		Description: "Tests connectivity to all enabled download clients",
		Interval:    interval,
		RunOnStart:  true,
		Func:        task.Run,
	})
}
