// Package reconcile compares tracked downloads against what the download
// clients report and applies the resulting state transitions.
package reconcile

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/slipstream/dlsync/internal/downloader/identifier"
	"github.com/slipstream/dlsync/internal/downloader/types"
	"github.com/slipstream/dlsync/internal/downloads"
	"github.com/slipstream/dlsync/internal/history"
	"github.com/slipstream/dlsync/internal/importer"
	"github.com/slipstream/dlsync/internal/metrics"
)

const (
	DefaultStuckThreshold = time.Hour
	DefaultParallelism    = 4
)

// ClientSource lists enabled backends and resolves their adapters.
type ClientSource interface {
	ListEnabled(ctx context.Context) ([]*types.ClientConfig, error)
	Adapter(cfg *types.ClientConfig) (types.Client, error)
}

// Store is the subset of the download store a pass needs.
type Store interface {
	ListUnfinished(ctx context.Context) ([]*downloads.Download, error)
	ListStuck(ctx context.Context, cutoff time.Time) ([]*downloads.Download, error)
	ListTrackedIDs(ctx context.Context) (map[string]struct{}, error)
	MarkCompleted(ctx context.Context, id int64, at time.Time, savePath string) (bool, error)
	MarkMissing(ctx context.Context, id int64, message string) (bool, error)
	MarkImportStalled(ctx context.Context, id int64, at time.Time, message string) (bool, error)
	Delete(ctx context.Context, id int64) (bool, error)
}

// Emitter publishes lifecycle events.
type Emitter interface {
	Emit(ctx context.Context, kind history.EventType, subject history.Subject, details map[string]any) error
}

// Enqueuer schedules background jobs.
type Enqueuer interface {
	Enqueue(ctx context.Context, jobType string, payload any) (string, error)
}

// UntrackedMatcher is offered every live torrent after a pass, together with
// the identifiers already tracked, so torrents added outside dlsync can be
// adopted.
type UntrackedMatcher interface {
	MatchUntracked(ctx context.Context, live map[string]LiveTorrent, tracked map[string]struct{})
}

// LiveTorrent is one torrent as reported by a backend during a pass.
type LiveTorrent struct {
	Client     string
	ClientType types.ClientType
	Status     types.TorrentStatus
}

// Config tunes the engine.
type Config struct {
	StuckThreshold time.Duration
	Parallelism    int
}

// Engine runs reconciliation passes. Concurrent Run calls share one pass.
type Engine struct {
	clients ClientSource
	store   Store
	events  Emitter
	jobs    Enqueuer
	matcher UntrackedMatcher
	cfg     Config
	logger  zerolog.Logger
	now     func() time.Time

	group   singleflight.Group
	trigger chan struct{}

	mu   sync.RWMutex
	last *Summary
}

// NewEngine creates a reconciliation engine.
func NewEngine(clients ClientSource, store Store, events Emitter, jobs Enqueuer, cfg Config, logger zerolog.Logger) *Engine {
	if cfg.StuckThreshold <= 0 {
		cfg.StuckThreshold = DefaultStuckThreshold
	}
	if cfg.Parallelism < 1 {
		cfg.Parallelism = DefaultParallelism
	}
	return &Engine{
		clients: clients,
		store:   store,
		events:  events,
		jobs:    jobs,
		cfg:     cfg,
		logger:  logger.With().Str("component", "reconcile").Logger(),
		now:     func() time.Time { return time.Now().UTC() },
		trigger: make(chan struct{}, 1),
	}
}

// SetUntrackedMatcher installs the hook that sees untracked live torrents.
func (e *Engine) SetUntrackedMatcher(m UntrackedMatcher) {
	e.matcher = m
}

// LastSummary returns the most recent pass summary, or nil before the first.
func (e *Engine) LastSummary() *Summary {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.last
}

// Run performs one pass, or joins the pass already in flight. It never
// fails as a whole: per-backend and per-download problems are recorded in
// the summary. Caller cancellation does not interrupt a pass once started.
func (e *Engine) Run(ctx context.Context) *Summary {
	ctx = context.WithoutCancel(ctx)
	v, _, _ := e.group.Do("pass", func() (any, error) {
		s := e.pass(ctx)
		e.mu.Lock()
		e.last = s
		e.mu.Unlock()
		return s, nil
	})
	return v.(*Summary)
}

// Trigger requests a pass without waiting for it. Requests made while one
// is already queued are coalesced.
func (e *Engine) Trigger() {
	select {
	case e.trigger <- struct{}{}:
	default:
	}
}

// Start serves Trigger requests until ctx is done.
func (e *Engine) Start(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.trigger:
			e.Run(ctx)
		}
	}
}

func (e *Engine) pass(ctx context.Context) *Summary {
	start := time.Now()
	summary := newSummary(uuid.NewString(), e.now())
	logger := e.logger.With().Str("passId", summary.PassID).Logger()

	live, unreported, enabled, known := e.gather(ctx, logger, summary)

	// Without the enabled set nothing can be told apart from missing, so
	// classification waits for the next pass.
	var unfinished []*downloads.Download
	if known {
		var err error
		unfinished, err = e.store.ListUnfinished(ctx)
		if err != nil {
			logger.Error().Err(err).Msg("Failed to load tracked downloads")
			summary.addError(fmt.Errorf("list downloads: %w", err))
		}
	}

	summary.Examined = len(unfinished)
	for _, dl := range unfinished {
		decision := classify(dl, live, unreported)
		summary.count(decision.category)

		var applyErr error
		switch decision.category {
		case CategoryCompleted:
			applyErr = e.applyCompleted(ctx, logger, summary, dl, decision.live)
		case CategoryFailed:
			applyErr = e.applyFailed(ctx, logger, summary, dl, decision.live)
		case CategoryMissing:
			applyErr = e.applyMissing(ctx, logger, summary, dl, enabled)
		case CategoryUnreported:
			logger.Debug().Int64("downloadId", dl.ID).Str("client", dl.DownloadClient).
				Msg("Download client did not report this pass, leaving download untouched")
		}
		if applyErr != nil {
			logger.Warn().Err(applyErr).Int64("downloadId", dl.ID).Str("category", string(decision.category)).
				Msg("Failed to apply reconciliation decision")
			summary.addError(applyErr)
		}
	}

	e.detectStuck(ctx, logger, summary)
	if known {
		e.matchUntracked(ctx, logger, live)
	}

	summary.Duration = time.Since(start)
	metrics.ReconcilePasses.Inc()
	metrics.ReconcileDuration.Observe(summary.Duration.Seconds())
	for category, n := range summary.Classified {
		metrics.ReconcileClassifications.WithLabelValues(string(category)).Add(float64(n))
	}

	logger.Info().
		Int("clients", summary.Clients).
		Int("live", summary.Live).
		Int("examined", summary.Examined).
		Int("completed", summary.Classified[CategoryCompleted]).
		Int("failed", summary.Classified[CategoryFailed]).
		Int("missing", summary.Classified[CategoryMissing]).
		Int("stuck", summary.Stuck).
		Int("clientErrors", len(summary.ClientErrors)).
		Dur("duration", summary.Duration).
		Msg("Reconciliation pass finished")

	return summary
}

// gather lists every enabled backend in parallel and merges the results by
// identifier. Backends listed earlier (lower priority value) win collisions.
// The final result is false when the enabled backends could not be loaded.
func (e *Engine) gather(ctx context.Context, logger zerolog.Logger, summary *Summary) (map[string]LiveTorrent, map[string]struct{}, map[string]struct{}, bool) {
	live := make(map[string]LiveTorrent)
	unreported := make(map[string]struct{})
	enabled := make(map[string]struct{})

	configs, err := e.clients.ListEnabled(ctx)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to list download clients")
		summary.addError(fmt.Errorf("list download clients: %w", err))
		return live, unreported, enabled, false
	}
	summary.Clients = len(configs)

	results := make([][]types.TorrentStatus, len(configs))
	var mu sync.Mutex

	var g errgroup.Group
	g.SetLimit(e.cfg.Parallelism)
	for i, cfg := range configs {
		enabled[cfg.Name] = struct{}{}
		g.Go(func() error {
			statuses, err := e.list(ctx, cfg)
			if err != nil {
				logger.Warn().Err(err).Str("client", cfg.Name).Msg("Download client failed to report status")
				metrics.ReconcileBackendErrors.WithLabelValues(cfg.Name).Inc()
				summary.clientError(cfg.Name, err)
				mu.Lock()
				unreported[cfg.Name] = struct{}{}
				mu.Unlock()
				return nil
			}
			results[i] = statuses
			return nil
		})
	}
	_ = g.Wait()

	for i, cfg := range configs {
		for _, st := range results[i] {
			id := identifier.Normalize(st.ID)
			if id == "" {
				continue
			}
			if _, seen := live[id]; seen {
				continue
			}
			st.ID = id
			live[id] = LiveTorrent{Client: cfg.Name, ClientType: cfg.Type, Status: st}
		}
	}
	summary.Live = len(live)
	return live, unreported, enabled, true
}

func (e *Engine) list(ctx context.Context, cfg *types.ClientConfig) ([]types.TorrentStatus, error) {
	adapter, err := e.clients.Adapter(cfg)
	if err != nil {
		return nil, err
	}
	return adapter.ListTorrents(ctx, cfg, types.ListOptions{State: "all"})
}

func (e *Engine) applyCompleted(ctx context.Context, logger zerolog.Logger, summary *Summary, dl *downloads.Download, lt LiveTorrent) error {
	savePath := lt.Status.SavePath
	applied, err := e.store.MarkCompleted(ctx, dl.ID, e.now(), savePath)
	if err != nil {
		return err
	}
	if !applied {
		return nil
	}

	logger.Info().Int64("downloadId", dl.ID).Str("client", lt.Client).Str("savePath", savePath).Msg("Download completed")
	e.emit(ctx, logger, summary, history.EventTypeDownloadCompleted, dl, map[string]any{
		"client":   lt.Client,
		"savePath": savePath,
	})
	e.enqueueImport(ctx, logger, dl.ID, savePath)
	return nil
}

func (e *Engine) applyFailed(ctx context.Context, logger zerolog.Logger, summary *Summary, dl *downloads.Download, lt LiveTorrent) error {
	reason := lt.Status.Error
	if reason == "" {
		reason = "download client reported an error"
	}

	logger.Warn().Int64("downloadId", dl.ID).Str("client", lt.Client).Str("error", reason).Msg("Download failed")
	e.emit(ctx, logger, summary, history.EventTypeDownloadFailed, dl, map[string]any{
		"client": lt.Client,
		"error":  reason,
	})
	_, err := e.store.Delete(ctx, dl.ID)
	return err
}

func (e *Engine) applyMissing(ctx context.Context, logger zerolog.Logger, summary *Summary, dl *downloads.Download, enabled map[string]struct{}) error {
	applied, err := e.store.MarkMissing(ctx, dl.ID, MissingMessage(dl.DownloadClient))
	if err != nil {
		return err
	}
	if !applied {
		return nil
	}

	_, clientEnabled := enabled[dl.DownloadClient]
	logger.Warn().Int64("downloadId", dl.ID).Str("client", dl.DownloadClient).Bool("clientEnabled", clientEnabled).
		Msg("Download removed from client before import")
	e.emit(ctx, logger, summary, history.EventTypeDownloadMissing, dl, map[string]any{
		"client":        dl.DownloadClient,
		"clientEnabled": clientEnabled,
	})
	return nil
}

func (e *Engine) detectStuck(ctx context.Context, logger zerolog.Logger, summary *Summary) {
	now := e.now()
	stuck, err := e.store.ListStuck(ctx, now.Add(-e.cfg.StuckThreshold))
	if err != nil {
		logger.Error().Err(err).Msg("Failed to load stuck downloads")
		summary.addError(fmt.Errorf("list stuck downloads: %w", err))
		return
	}

	for _, dl := range stuck {
		msg := StalledMessage(*dl.CompletedAt, e.cfg.StuckThreshold)
		applied, err := e.store.MarkImportStalled(ctx, dl.ID, now, msg)
		if err != nil {
			logger.Warn().Err(err).Int64("downloadId", dl.ID).Msg("Failed to flag stalled import")
			summary.addError(err)
			continue
		}
		if !applied {
			continue
		}
		summary.Stuck++

		logger.Warn().Int64("downloadId", dl.ID).Time("completedAt", *dl.CompletedAt).Msg("Import stalled")
		e.emit(ctx, logger, summary, history.EventTypeImportStalled, dl, map[string]any{"error": msg})

		savePath := ""
		if dl.SavePath != nil {
			savePath = *dl.SavePath
		}
		e.enqueueImport(ctx, logger, dl.ID, savePath)
	}
}

func (e *Engine) matchUntracked(ctx context.Context, logger zerolog.Logger, live map[string]LiveTorrent) {
	if e.matcher == nil {
		return
	}
	tracked, err := e.store.ListTrackedIDs(ctx)
	if err != nil {
		logger.Warn().Err(err).Msg("Failed to load tracked identifiers")
		return
	}
	e.matcher.MatchUntracked(ctx, live, tracked)
}

// enqueueImport failures are logged only; the completion stays recorded and
// stuck detection re-enqueues later.
func (e *Engine) enqueueImport(ctx context.Context, logger zerolog.Logger, downloadID int64, savePath string) {
	if e.jobs == nil {
		return
	}
	jobID, err := e.jobs.Enqueue(ctx, importer.JobType, importer.NewPayload(downloadID, savePath))
	if err != nil {
		logger.Warn().Err(err).Int64("downloadId", downloadID).Msg("Failed to enqueue import")
		return
	}
	logger.Debug().Int64("downloadId", downloadID).Str("jobId", jobID).Msg("Enqueued import")
}

// emit failures never undo the state change they describe.
func (e *Engine) emit(ctx context.Context, logger zerolog.Logger, summary *Summary, kind history.EventType, dl *downloads.Download, details map[string]any) {
	if e.events == nil {
		return
	}
	if err := e.events.Emit(ctx, kind, history.Subject{DownloadID: dl.ID, Title: dl.Title}, details); err != nil {
		logger.Warn().Err(err).Str("event", string(kind)).Int64("downloadId", dl.ID).Msg("Failed to record event")
		summary.addError(fmt.Errorf("emit %s for download %d: %w", kind, dl.ID, err))
	}
}

// MissingMessage is the terminal error recorded for a download that vanished
// from its client.
func MissingMessage(client string) string {
	return fmt.Sprintf("Removed from download client '%s' before import completed. Grab it again or delete this download.", client)
}

// StalledMessage is recorded when a completed download is not imported in time.
func StalledMessage(completedAt time.Time, threshold time.Duration) string {
	return fmt.Sprintf("Import stalled: download completed at %s and was not imported within %s",
		completedAt.UTC().Format(time.RFC3339), threshold)
}
