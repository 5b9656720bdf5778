package downloader

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"github.com/slipstream/dlsync/internal/downloader/types"
	"github.com/slipstream/dlsync/internal/metrics"
)

// DefaultPriority is assigned when a client is created without one.
const DefaultPriority = 50

var (
	ErrClientNotFound = errors.New("download client not found")
	ErrInvalidClient  = errors.New("invalid download client")
	ErrDuplicateName  = errors.New("download client name already exists")
)

// DownloadClient is a persisted client configuration.
type DownloadClient struct {
	types.ClientConfig
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// ClientInput is the create/update payload for a download client.
type ClientInput struct {
	Name     string         `json:"name" validate:"required,max=100"`
	Type     string         `json:"type" validate:"required,max=50"`
	Enabled  bool           `json:"enabled"`
	Priority *int           `json:"priority,omitempty" validate:"omitempty,min=0,max=1000"`
	Category string         `json:"category" validate:"max=100"`
	Settings map[string]any `json:"settings"`
}

// TestResult is the outcome of a connection test.
type TestResult struct {
	Success    bool   `json:"success"`
	Message    string `json:"message"`
	Version    string `json:"version,omitempty"`
	APIVersion string `json:"apiVersion,omitempty"`
}

// Service manages download client configurations and resolves adapters.
type Service struct {
	db       *sql.DB
	registry *Registry
	validate *validator.Validate
	logger   zerolog.Logger
	timeout  time.Duration
}

// NewService creates a new download client service.
func NewService(db *sql.DB, registry *Registry, logger zerolog.Logger) *Service {
	return &Service{
		db:       db,
		registry: registry,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		logger:   logger.With().Str("component", "downloader").Logger(),
		timeout:  DefaultClientTimeout,
	}
}

// SetClientTimeout sets the per-call adapter timeout.
func (s *Service) SetClientTimeout(d time.Duration) {
	if d > 0 {
		s.timeout = d
	}
}

// Registry returns the adapter registry.
func (s *Service) Registry() *Registry {
	return s.registry
}

const clientColumns = `id, name, type, enabled, priority, category, settings, created_at, updated_at`

// Get retrieves a download client by ID.
func (s *Service) Get(ctx context.Context, id int64) (*DownloadClient, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+clientColumns+` FROM download_clients WHERE id = ?`, id)
	client, err := scanClient(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrClientNotFound
		}
		return nil, fmt.Errorf("failed to get download client: %w", err)
	}
	return client, nil
}

// GetByName retrieves a download client by its unique name.
func (s *Service) GetByName(ctx context.Context, name string) (*DownloadClient, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+clientColumns+` FROM download_clients WHERE name = ?`, name)
	client, err := scanClient(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrClientNotFound
		}
		return nil, fmt.Errorf("failed to get download client: %w", err)
	}
	return client, nil
}

// List returns all download clients ordered by priority.
func (s *Service) List(ctx context.Context) ([]*DownloadClient, error) {
	return s.query(ctx, `SELECT `+clientColumns+` FROM download_clients ORDER BY priority, id`)
}

// ListEnabled returns enabled client configs, lowest priority value first.
func (s *Service) ListEnabled(ctx context.Context) ([]*types.ClientConfig, error) {
	clients, err := s.query(ctx, `SELECT `+clientColumns+` FROM download_clients WHERE enabled = 1 ORDER BY priority, id`)
	if err != nil {
		return nil, err
	}

	configs := make([]*types.ClientConfig, 0, len(clients))
	for _, c := range clients {
		cfg := c.ClientConfig
		configs = append(configs, &cfg)
	}
	return configs, nil
}

func (s *Service) query(ctx context.Context, q string, args ...any) ([]*DownloadClient, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list download clients: %w", err)
	}
	defer rows.Close()

	var clients []*DownloadClient
	for rows.Next() {
		client, err := scanClient(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan download client: %w", err)
		}
		clients = append(clients, client)
	}
	return clients, rows.Err()
}

// Create creates a new download client.
func (s *Service) Create(ctx context.Context, input *ClientInput) (*DownloadClient, error) {
	if err := s.validateInput(input); err != nil {
		return nil, err
	}

	settings, err := json.Marshal(nonNilSettings(input.Settings))
	if err != nil {
		return nil, fmt.Errorf("%w: settings: %v", ErrInvalidClient, err)
	}

	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO download_clients (name, type, enabled, priority, category, settings, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		input.Name, input.Type, input.Enabled, priorityOrDefault(input.Priority), input.Category, string(settings), now, now,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrDuplicateName
		}
		return nil, fmt.Errorf("failed to create download client: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to create download client: %w", err)
	}

	s.logger.Info().Int64("id", id).Str("name", input.Name).Str("type", input.Type).Msg("Created download client")
	return s.Get(ctx, id)
}

// Update replaces an existing download client's configuration.
func (s *Service) Update(ctx context.Context, id int64, input *ClientInput) (*DownloadClient, error) {
	if err := s.validateInput(input); err != nil {
		return nil, err
	}

	settings, err := json.Marshal(nonNilSettings(input.Settings))
	if err != nil {
		return nil, fmt.Errorf("%w: settings: %v", ErrInvalidClient, err)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE download_clients
		SET name = ?, type = ?, enabled = ?, priority = ?, category = ?, settings = ?, updated_at = ?
		WHERE id = ?`,
		input.Name, input.Type, input.Enabled, priorityOrDefault(input.Priority), input.Category, string(settings), time.Now().UTC(), id,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrDuplicateName
		}
		return nil, fmt.Errorf("failed to update download client: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrClientNotFound
	}

	s.logger.Info().Int64("id", id).Str("name", input.Name).Msg("Updated download client")
	return s.Get(ctx, id)
}

// Delete deletes a download client.
func (s *Service) Delete(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM download_clients WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete download client: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrClientNotFound
	}

	s.logger.Info().Int64("id", id).Msg("Deleted download client")
	return nil
}

// Test tests a stored download client and records its up/down state.
func (s *Service) Test(ctx context.Context, id int64) (*TestResult, error) {
	client, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	cfg := client.ClientConfig
	result := s.testConfig(ctx, &cfg)
	metrics.SetClientUp(cfg.Name, result.Success)
	return result, nil
}

// TestConfig tests an unsaved configuration.
func (s *Service) TestConfig(ctx context.Context, input *ClientInput) (*TestResult, error) {
	if err := s.validateInput(input); err != nil {
		return nil, err
	}

	cfg := &types.ClientConfig{
		Name:     input.Name,
		Type:     types.ClientType(input.Type),
		Enabled:  input.Enabled,
		Priority: priorityOrDefault(input.Priority),
		Category: input.Category,
		Settings: nonNilSettings(input.Settings),
	}
	return s.testConfig(ctx, cfg), nil
}

func (s *Service) testConfig(ctx context.Context, cfg *types.ClientConfig) *TestResult {
	adapter, err := s.Adapter(cfg)
	if err != nil {
		return &TestResult{Success: false, Message: err.Error()}
	}

	info, err := adapter.TestConnection(ctx, cfg)
	if err != nil {
		s.logger.Warn().Err(err).Str("client", cfg.Name).Msg("Download client connection test failed")
		return &TestResult{Success: false, Message: fmt.Sprintf("Connection failed: %s", err.Error())}
	}

	return &TestResult{
		Success:    true,
		Message:    fmt.Sprintf("Successfully connected to %s", cfg.Type),
		Version:    info.Version,
		APIVersion: info.APIVersion,
	}
}

// Adapter returns the bounded adapter for cfg's type. An unregistered type
// is an invalid_config error.
func (s *Service) Adapter(cfg *types.ClientConfig) (Client, error) {
	client, err := s.registry.Get(cfg.Type)
	if err != nil {
		return nil, types.WrapError(types.KindInvalidConfig, err, "unsupported client type %q", cfg.Type)
	}
	return Bounded(client, s.timeout), nil
}

func (s *Service) validateInput(input *ClientInput) error {
	if input == nil {
		return ErrInvalidClient
	}
	input.Name = strings.TrimSpace(input.Name)
	if err := s.validate.Struct(input); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidClient, err)
	}
	if !s.registry.Has(types.ClientType(input.Type)) {
		return types.NewError(types.KindInvalidConfig, "unsupported client type %q", input.Type)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanClient(row rowScanner) (*DownloadClient, error) {
	var (
		c        DownloadClient
		typ      string
		settings string
	)
	if err := row.Scan(&c.ID, &c.Name, &typ, &c.Enabled, &c.Priority, &c.Category, &settings, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return nil, err
	}
	c.Type = types.ClientType(typ)
	c.Settings = map[string]any{}
	if settings != "" {
		if err := json.Unmarshal([]byte(settings), &c.Settings); err != nil {
			return nil, fmt.Errorf("invalid settings for client %d: %w", c.ID, err)
		}
	}
	return &c, nil
}

func priorityOrDefault(p *int) int {
	if p == nil {
		return DefaultPriority
	}
	return *p
}

func nonNilSettings(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

func isUniqueViolation(err error) bool {
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
