// Package importer places completed downloads into the library and retires
// them from their download client.
package importer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/slipstream/dlsync/internal/downloader"
	"github.com/slipstream/dlsync/internal/downloader/types"
	"github.com/slipstream/dlsync/internal/downloads"
	"github.com/slipstream/dlsync/internal/history"
)

// JobType is the job queue type for imports.
const JobType = "import_download"

// Payload is the import_download job payload.
type Payload struct {
	DownloadID    int64  `json:"download_id"`
	SavePath      string `json:"save_path"`
	CleanupClient bool   `json:"cleanup_client"`
	UseHardlinks  bool   `json:"use_hardlinks"`
	MoveFiles     bool   `json:"move_files"`
}

// NewPayload returns the default payload for a completed download.
func NewPayload(downloadID int64, savePath string) Payload {
	return Payload{
		DownloadID:    downloadID,
		SavePath:      savePath,
		CleanupClient: true,
		UseHardlinks:  true,
		MoveFiles:     false,
	}
}

// Store is the subset of the download store the importer needs.
type Store interface {
	Get(ctx context.Context, id int64) (*downloads.Download, error)
	MarkImported(ctx context.Context, id int64, at time.Time) (bool, error)
	SetImportError(ctx context.Context, id int64, message string) (bool, error)
	Delete(ctx context.Context, id int64) (bool, error)
}

// ClientResolver finds the adapter for a download's backend.
type ClientResolver interface {
	GetByName(ctx context.Context, name string) (*downloader.DownloadClient, error)
	Adapter(cfg *types.ClientConfig) (types.Client, error)
}

// Emitter publishes lifecycle events.
type Emitter interface {
	Emit(ctx context.Context, kind history.EventType, subject history.Subject, details map[string]any) error
}

// Result summarizes one import.
type Result struct {
	DownloadID int64        `json:"downloadId"`
	Skipped    bool         `json:"skipped"`
	Files      []PlacedFile `json:"files,omitempty"`
}

// Service runs imports.
type Service struct {
	store       Store
	clients     ClientResolver
	events      Emitter
	libraryPath string
	logger      zerolog.Logger
}

// NewService creates a new import service placing files under libraryPath.
func NewService(store Store, clients ClientResolver, events Emitter, libraryPath string, logger zerolog.Logger) *Service {
	return &Service{
		store:       store,
		clients:     clients,
		events:      events,
		libraryPath: libraryPath,
		logger:      logger.With().Str("component", "importer").Logger(),
	}
}

// Handle is the job handler for JobType.
func (s *Service) Handle(ctx context.Context, raw json.RawMessage) error {
	var p Payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return fmt.Errorf("invalid import payload: %w", err)
	}
	_, err := s.Import(ctx, p)
	return err
}

// Import places the download's files and deletes the record. A download that
// is gone or already imported is skipped, so duplicate jobs are harmless.
// A returned error leaves the record for the next attempt.
func (s *Service) Import(ctx context.Context, p Payload) (*Result, error) {
	logger := s.logger.With().Int64("downloadId", p.DownloadID).Logger()

	dl, err := s.store.Get(ctx, p.DownloadID)
	if errors.Is(err, downloads.ErrDownloadNotFound) {
		logger.Debug().Msg("Download no longer tracked, skipping import")
		return &Result{DownloadID: p.DownloadID, Skipped: true}, nil
	}
	if err != nil {
		return nil, err
	}
	if dl.ImportedAt != nil {
		logger.Debug().Msg("Download already imported, skipping")
		return &Result{DownloadID: dl.ID, Skipped: true}, nil
	}

	savePath := p.SavePath
	if savePath == "" && dl.SavePath != nil {
		savePath = *dl.SavePath
	}
	if savePath == "" {
		return nil, s.fail(ctx, dl, errors.New("download has no save path"))
	}

	pl := placer{logger: logger, move: p.MoveFiles, hardlink: p.UseHardlinks}
	files, err := pl.placeTree(savePath, s.libraryPath)
	if err != nil {
		return nil, s.fail(ctx, dl, err)
	}

	if _, err := s.store.MarkImported(ctx, dl.ID, time.Now()); err != nil {
		return nil, err
	}

	s.emit(ctx, history.EventTypeImportCompleted, dl, map[string]any{
		"savePath": savePath,
		"files":    len(files),
	})

	if p.CleanupClient {
		s.cleanupClient(ctx, dl, p.MoveFiles)
	}

	if _, err := s.store.Delete(ctx, dl.ID); err != nil {
		return nil, fmt.Errorf("failed to delete imported download: %w", err)
	}

	logger.Info().Str("savePath", savePath).Int("files", len(files)).Msg("Imported download")
	return &Result{DownloadID: dl.ID, Files: files}, nil
}

func (s *Service) fail(ctx context.Context, dl *downloads.Download, cause error) error {
	msg := fmt.Sprintf("Import failed: %s", cause.Error())
	if _, err := s.store.SetImportError(ctx, dl.ID, msg); err != nil {
		s.logger.Warn().Err(err).Int64("downloadId", dl.ID).Msg("Failed to record import error")
	}
	s.emit(ctx, history.EventTypeImportFailed, dl, map[string]any{"error": cause.Error()})
	return cause
}

// cleanupClient removes the torrent from its backend. Failure is logged
// only: the files are already in the library.
func (s *Service) cleanupClient(ctx context.Context, dl *downloads.Download, deleteFiles bool) {
	logger := s.logger.With().Int64("downloadId", dl.ID).Str("client", dl.DownloadClient).Logger()

	client, err := s.clients.GetByName(ctx, dl.DownloadClient)
	if err != nil {
		logger.Warn().Err(err).Msg("Download client not available for cleanup")
		return
	}
	cfg := client.ClientConfig
	adapter, err := s.clients.Adapter(&cfg)
	if err != nil {
		logger.Warn().Err(err).Msg("Download client not available for cleanup")
		return
	}
	if err := adapter.RemoveTorrent(ctx, &cfg, dl.DownloadClientID, types.RemoveOptions{DeleteFiles: deleteFiles}); err != nil {
		logger.Warn().Err(err).Msg("Failed to remove torrent from download client")
	}
}

func (s *Service) emit(ctx context.Context, kind history.EventType, dl *downloads.Download, details map[string]any) {
	if s.events == nil {
		return
	}
	if err := s.events.Emit(ctx, kind, history.Subject{DownloadID: dl.ID, Title: dl.Title}, details); err != nil {
		s.logger.Warn().Err(err).Str("event", string(kind)).Msg("Failed to record history event")
	}
}
