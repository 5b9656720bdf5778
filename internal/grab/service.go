// Package grab starts new downloads on the best available download client.
package grab

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"github.com/slipstream/dlsync/internal/downloader/identifier"
	"github.com/slipstream/dlsync/internal/downloader/types"
	"github.com/slipstream/dlsync/internal/downloads"
	"github.com/slipstream/dlsync/internal/history"
)

var (
	ErrClientNotFound      = errors.New("client_not_found: no enabled download client with that name")
	ErrNoClientsConfigured = errors.New("no enabled download clients configured")
	ErrInvalidRequest      = errors.New("invalid download request")
)

// ClientError is returned when the chosen backend rejects the request.
// No download record exists when this is returned.
type ClientError struct {
	Client string
	Err    *types.Error
}

func (e *ClientError) Error() string {
	return fmt.Sprintf("download client %q: %s", e.Client, e.Err.Error())
}

func (e *ClientError) Unwrap() error {
	return e.Err
}

// ClientProvider resolves enabled client configs and their adapters.
type ClientProvider interface {
	ListEnabled(ctx context.Context) ([]*types.ClientConfig, error)
	Adapter(cfg *types.ClientConfig) (types.Client, error)
}

// Recorder persists new downloads.
type Recorder interface {
	Create(ctx context.Context, input *downloads.CreateInput) (*downloads.Download, error)
}

// Emitter publishes lifecycle events.
type Emitter interface {
	Emit(ctx context.Context, kind history.EventType, subject history.Subject, details map[string]any) error
}

// Request describes a download to start. Exactly one of DownloadURL or
// FileContent is set.
type Request struct {
	Title       string         `json:"title" validate:"required,max=500"`
	DownloadURL string         `json:"downloadUrl" validate:"required_without=FileContent,excluded_with=FileContent"`
	FileContent []byte         `json:"fileContent" validate:"required_without=DownloadURL"`
	ClientName  string         `json:"clientName,omitempty" validate:"max=100"`
	Category    string         `json:"category,omitempty" validate:"max=100"`
	SavePath    string         `json:"savePath,omitempty"`
	Paused      bool           `json:"paused,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// Service handles the initiation path.
type Service struct {
	clients  ClientProvider
	store    Recorder
	events   Emitter
	validate *validator.Validate
	logger   zerolog.Logger
}

// NewService creates a new grab service.
func NewService(clients ClientProvider, store Recorder, events Emitter, logger zerolog.Logger) *Service {
	return &Service{
		clients:  clients,
		store:    store,
		events:   events,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		logger:   logger.With().Str("component", "grab").Logger(),
	}
}

// InitiateDownload selects a client, submits the content and records the
// download. A backend rejection returns *ClientError and records nothing.
func (s *Service) InitiateDownload(ctx context.Context, req Request) (*downloads.Download, error) {
	input, err := s.buildInput(&req)
	if err != nil {
		return nil, err
	}

	cfg, err := s.selectClient(ctx, req.ClientName)
	if err != nil {
		return nil, err
	}

	logger := s.logger.With().
		Str("title", req.Title).
		Str("client", cfg.Name).
		Str("input", identifier.Describe(input)).
		Logger()

	adapter, err := s.clients.Adapter(cfg)
	if err != nil {
		return nil, &ClientError{Client: cfg.Name, Err: types.AsError(err)}
	}

	hash, err := adapter.AddTorrent(ctx, cfg, input, types.AddOptions{
		Category: req.Category,
		SavePath: req.SavePath,
		Paused:   req.Paused,
	})
	if err != nil {
		logger.Warn().Err(err).Msg("Download client rejected download")
		return nil, &ClientError{Client: cfg.Name, Err: types.AsError(err)}
	}

	dl, err := s.store.Create(ctx, &downloads.CreateInput{
		Title:            req.Title,
		DownloadURL:      req.DownloadURL,
		DownloadClient:   cfg.Name,
		DownloadClientID: hash,
		Metadata:         req.Metadata,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to record download: %w", err)
	}

	if s.events != nil {
		if err := s.events.Emit(ctx, history.EventTypeDownloadGrabbed, history.Subject{DownloadID: dl.ID, Title: dl.Title}, map[string]any{
			"client":   cfg.Name,
			"clientId": dl.DownloadClientID,
		}); err != nil {
			logger.Warn().Err(err).Msg("Failed to record grab event")
		}
	}

	logger.Info().Int64("downloadId", dl.ID).Str("hash", hash).Msg("Download started")
	return dl, nil
}

// selectClient picks the enabled client with the lowest priority value,
// optionally restricted to one name.
func (s *Service) selectClient(ctx context.Context, name string) (*types.ClientConfig, error) {
	configs, err := s.clients.ListEnabled(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list download clients: %w", err)
	}

	candidates := make([]*types.ClientConfig, 0, len(configs))
	for _, cfg := range configs {
		if !cfg.Enabled {
			continue
		}
		if name != "" && cfg.Name != name {
			continue
		}
		candidates = append(candidates, cfg)
	}

	if len(candidates) == 0 {
		if name != "" {
			return nil, fmt.Errorf("%w: %q", ErrClientNotFound, name)
		}
		return nil, ErrNoClientsConfigured
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Priority < candidates[j].Priority
	})
	return candidates[0], nil
}

func (s *Service) buildInput(req *Request) (types.Input, error) {
	req.Title = strings.TrimSpace(req.Title)
	req.DownloadURL = strings.TrimSpace(req.DownloadURL)
	req.ClientName = strings.TrimSpace(req.ClientName)

	if err := s.validate.Struct(req); err != nil {
		return types.Input{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	if len(req.FileContent) > 0 {
		return types.FileInput(req.FileContent), nil
	}
	if identifier.IsMagnet(req.DownloadURL) {
		return types.MagnetInput(req.DownloadURL), nil
	}

	u, err := url.Parse(req.DownloadURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return types.Input{}, fmt.Errorf("%w: downloadUrl must be an http(s) or magnet URI", ErrInvalidRequest)
	}
	return types.URLInput(req.DownloadURL), nil
}
