package watcher

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/slipstream/dlsync/internal/downloader/types"
)

// ClientLister lists enabled download client configs.
type ClientLister interface {
	ListEnabled(ctx context.Context) ([]*types.ClientConfig, error)
}

// Trigger requests an asynchronous reconciliation pass.
type Trigger interface {
	Trigger()
}

// Service watches the completed folder of every enabled blackhole client.
type Service struct {
	watcher *Watcher
	clients ClientLister
	engine  Trigger
	logger  zerolog.Logger

	// folder -> client name
	watchedFolders map[string]string
	mu             sync.Mutex
}

// NewService creates a new watcher service.
func NewService(config Config, clients ClientLister, engine Trigger, logger zerolog.Logger) (*Service, error) {
	w, err := New(config, logger)
	if err != nil {
		return nil, err
	}

	s := &Service{
		watcher:        w,
		clients:        clients,
		engine:         engine,
		logger:         logger.With().Str("component", "watcher-service").Logger(),
		watchedFolders: make(map[string]string),
	}
	w.SetHandler(s.handleEvents)
	return s, nil
}

// Start watches the current blackhole folders and begins delivering events.
func (s *Service) Start(ctx context.Context) error {
	if err := s.RefreshWatches(ctx); err != nil {
		return err
	}
	s.watcher.Start()

	s.mu.Lock()
	count := len(s.watchedFolders)
	s.mu.Unlock()
	s.logger.Info().Int("folderCount", count).Msg("Watcher service started")
	return nil
}

// Stop stops the watcher service.
func (s *Service) Stop() error {
	return s.watcher.Stop()
}

// RefreshWatches reconciles the watch list with the enabled blackhole
// clients, so client edits take effect without a restart.
func (s *Service) RefreshWatches(ctx context.Context) error {
	configs, err := s.clients.ListEnabled(ctx)
	if err != nil {
		return err
	}

	desired := make(map[string]string)
	for _, cfg := range configs {
		if cfg.Type != types.ClientTypeBlackhole {
			continue
		}
		if folder := cfg.String("completed_folder"); folder != "" {
			desired[folder] = cfg.Name
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for folder := range s.watchedFolders {
		if _, ok := desired[folder]; ok {
			continue
		}
		if err := s.watcher.RemovePath(folder); err != nil {
			s.logger.Warn().Err(err).Str("path", folder).Msg("Failed to remove watch")
		}
		delete(s.watchedFolders, folder)
	}

	for folder, client := range desired {
		if _, ok := s.watchedFolders[folder]; ok {
			continue
		}
		if err := s.watcher.AddPath(folder); err != nil {
			s.logger.Warn().Err(err).Str("client", client).Str("path", folder).Msg("Failed to watch folder")
			continue
		}
		s.watchedFolders[folder] = client
	}
	return nil
}

// WatchedFolders returns the watched folder for each client name.
func (s *Service) WatchedFolders() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]string, len(s.watchedFolders))
	for folder, client := range s.watchedFolders {
		out[client] = folder
	}
	return out
}

// handleEvents asks for a pass when anything appeared, moved or vanished.
// Writes alone mean a payload is still being filled in.
func (s *Service) handleEvents(events []FileEvent) {
	for _, event := range events {
		if event.Op == "write" {
			continue
		}
		s.logger.Debug().Str("path", event.Path).Str("op", event.Op).Int("batch", len(events)).
			Msg("Blackhole folder changed, requesting reconciliation")
		s.engine.Trigger()
		return
	}
}
