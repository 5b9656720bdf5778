package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Broadcaster pushes events to connected websocket clients.
type Broadcaster interface {
	Broadcast(msgType string, payload interface{}) error
}

// Service persists the event log and fans events out to the websocket hub.
type Service struct {
	db          *sql.DB
	logger      zerolog.Logger
	broadcaster Broadcaster
}

// NewService creates a new history service.
func NewService(db *sql.DB, logger zerolog.Logger) *Service {
	return &Service{
		db:     db,
		logger: logger.With().Str("component", "history").Logger(),
	}
}

// SetBroadcaster sets the WebSocket broadcaster for real-time events.
func (s *Service) SetBroadcaster(b Broadcaster) {
	s.broadcaster = b
}

// Emit records an event and broadcasts it as "history:<kind>". A broadcast
// failure is logged; only persistence errors are returned.
func (s *Service) Emit(ctx context.Context, kind EventType, subject Subject, details map[string]any) error {
	entry, err := s.create(ctx, kind, subject, details)
	if err != nil {
		return err
	}

	s.logger.Debug().
		Str("event", string(kind)).
		Int64("downloadId", subject.DownloadID).
		Msg("Recorded history event")

	if s.broadcaster != nil {
		if err := s.broadcaster.Broadcast("history:"+string(kind), entry); err != nil {
			s.logger.Warn().Err(err).Str("event", string(kind)).Msg("Failed to broadcast history event")
		}
	}
	return nil
}

func (s *Service) create(ctx context.Context, kind EventType, subject Subject, details map[string]any) (*Entry, error) {
	if details == nil {
		details = map[string]any{}
	}
	data, err := json.Marshal(details)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event data: %w", err)
	}

	var downloadID sql.NullInt64
	if subject.DownloadID > 0 {
		downloadID = sql.NullInt64{Int64: subject.DownloadID, Valid: true}
	}

	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO history (event_type, download_id, title, data, created_at) VALUES (?, ?, ?, ?, ?)`,
		string(kind), downloadID, subject.Title, string(data), now)
	if err != nil {
		return nil, fmt.Errorf("failed to record history event: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to record history event: %w", err)
	}

	return &Entry{
		ID:         id,
		EventType:  kind,
		DownloadID: subject.DownloadID,
		Title:      subject.Title,
		Data:       details,
		CreatedAt:  now.Format(time.RFC3339),
	}, nil
}

// List lists history entries with pagination and filtering.
func (s *Service) List(ctx context.Context, opts ListOptions) (*ListResponse, error) {
	if opts.Page < 1 {
		opts.Page = 1
	}
	if opts.PageSize < 1 {
		opts.PageSize = 50
	}
	if opts.PageSize > 100 {
		opts.PageSize = 100
	}

	var (
		where []string
		args  []any
	)
	if opts.EventType != "" {
		where = append(where, "event_type = ?")
		args = append(args, opts.EventType)
	}
	if opts.DownloadID > 0 {
		where = append(where, "download_id = ?")
		args = append(args, opts.DownloadID)
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var totalCount int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM history`+clause, args...).Scan(&totalCount); err != nil {
		return nil, fmt.Errorf("failed to count history: %w", err)
	}

	offset := (opts.Page - 1) * opts.PageSize
	entries, err := s.query(ctx,
		`SELECT id, event_type, download_id, title, data, created_at FROM history`+clause+` ORDER BY id DESC LIMIT ? OFFSET ?`,
		append(args, opts.PageSize, offset)...)
	if err != nil {
		return nil, err
	}

	totalPages := int(totalCount) / opts.PageSize
	if int(totalCount)%opts.PageSize > 0 {
		totalPages++
	}

	return &ListResponse{
		Items:      entries,
		Page:       opts.Page,
		PageSize:   opts.PageSize,
		TotalCount: totalCount,
		TotalPages: totalPages,
	}, nil
}

// ListByDownload returns all events for one download, oldest first.
func (s *Service) ListByDownload(ctx context.Context, downloadID int64) ([]*Entry, error) {
	return s.query(ctx,
		`SELECT id, event_type, download_id, title, data, created_at FROM history WHERE download_id = ? ORDER BY id`,
		downloadID)
}

// DeleteAll deletes all history entries.
func (s *Service) DeleteAll(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM history`); err != nil {
		return fmt.Errorf("failed to clear history: %w", err)
	}
	return nil
}

func (s *Service) query(ctx context.Context, q string, args ...any) ([]*Entry, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list history: %w", err)
	}
	defer rows.Close()

	entries := make([]*Entry, 0)
	for rows.Next() {
		var (
			entry      Entry
			eventType  string
			downloadID sql.NullInt64
			data       string
			createdAt  time.Time
		)
		if err := rows.Scan(&entry.ID, &eventType, &downloadID, &entry.Title, &data, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan history: %w", err)
		}
		entry.EventType = EventType(eventType)
		entry.DownloadID = downloadID.Int64
		entry.CreatedAt = createdAt.UTC().Format(time.RFC3339)
		if data != "" {
			var m map[string]any
			if err := json.Unmarshal([]byte(data), &m); err == nil {
				entry.Data = m
			}
		}
		entries = append(entries, &entry)
	}
	return entries, rows.Err()
}
