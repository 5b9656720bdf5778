// Package downloads is the system of record for tracked downloads.
package downloads

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/slipstream/dlsync/internal/downloader/identifier"
)

var (
	ErrDownloadNotFound = errors.New("download not found")
	ErrDuplicate        = errors.New("download already tracked for this client")
)

// Download is one acquisition attempt. Status is derived from the nullable
// marker fields; there is no separate state column.
type Download struct {
	ID               int64          `json:"id"`
	Title            string         `json:"title"`
	DownloadURL      string         `json:"downloadUrl"`
	DownloadClient   string         `json:"downloadClient"`
	DownloadClientID string         `json:"downloadClientId"`
	SavePath         *string        `json:"savePath,omitempty"`
	CompletedAt      *time.Time     `json:"completedAt,omitempty"`
	ImportedAt       *time.Time     `json:"importedAt,omitempty"`
	ErrorMessage     *string        `json:"errorMessage,omitempty"`
	ImportFailedAt   *time.Time     `json:"importFailedAt,omitempty"`
	ImportLastError  *string        `json:"importLastError,omitempty"`
	Metadata         map[string]any `json:"metadata,omitempty"`
	CreatedAt        time.Time      `json:"createdAt"`
	UpdatedAt        time.Time      `json:"updatedAt"`
}

// State summarizes the marker fields for display.
func (d *Download) State() string {
	switch {
	case d.ErrorMessage != nil:
		return "missing"
	case d.ImportedAt != nil:
		return "imported"
	case d.ImportFailedAt != nil:
		return "import_stalled"
	case d.CompletedAt != nil:
		return "completed"
	default:
		return "downloading"
	}
}

// CreateInput holds the fields set at initiation.
type CreateInput struct {
	Title            string
	DownloadURL      string
	DownloadClient   string
	DownloadClientID string
	Metadata         map[string]any
}

// ListFilter narrows List results.
type ListFilter struct {
	DownloadClient string
	Limit          int
	Offset         int
}

// Store persists downloads. Every mutation is a single statement, so
// concurrent writers resolve last-writer-wins per row.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// NewStore creates a new download store.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db, now: func() time.Time { return time.Now().UTC() }}
}

const downloadColumns = `id, title, download_url, download_client, download_client_id, save_path,
	completed_at, imported_at, error_message, import_failed_at, import_last_error,
	metadata, created_at, updated_at`

// Create inserts a new download with no status markers.
func (s *Store) Create(ctx context.Context, input *CreateInput) (*Download, error) {
	metadata := input.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}
	meta, err := json.Marshal(metadata)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal metadata: %w", err)
	}

	now := s.now()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO downloads (title, download_url, download_client, download_client_id, metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		input.Title, input.DownloadURL, input.DownloadClient, identifier.Normalize(input.DownloadClientID), string(meta), now, now,
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return nil, ErrDuplicate
		}
		return nil, fmt.Errorf("failed to create download: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to create download: %w", err)
	}
	return s.Get(ctx, id)
}

// Get retrieves a download by ID.
func (s *Store) Get(ctx context.Context, id int64) (*Download, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+downloadColumns+` FROM downloads WHERE id = ?`, id)
	d, err := scanDownload(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrDownloadNotFound
		}
		return nil, fmt.Errorf("failed to get download: %w", err)
	}
	return d, nil
}

// GetByClientID looks up a download by backend name and content identifier.
func (s *Store) GetByClientID(ctx context.Context, client, clientID string) (*Download, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+downloadColumns+` FROM downloads WHERE download_client = ? AND download_client_id = ?`,
		client, identifier.Normalize(clientID))
	d, err := scanDownload(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrDownloadNotFound
		}
		return nil, fmt.Errorf("failed to get download: %w", err)
	}
	return d, nil
}

// List returns downloads, newest first.
func (s *Store) List(ctx context.Context, filter ListFilter) ([]*Download, error) {
	q := `SELECT ` + downloadColumns + ` FROM downloads`
	var args []any
	if filter.DownloadClient != "" {
		q += ` WHERE download_client = ?`
		args = append(args, filter.DownloadClient)
	}
	q += ` ORDER BY id DESC`
	if filter.Limit > 0 {
		q += ` LIMIT ? OFFSET ?`
		args = append(args, filter.Limit, filter.Offset)
	}
	return s.query(ctx, q, args...)
}

// ListUnfinished returns downloads still eligible for classification:
// no completion and no error marker.
func (s *Store) ListUnfinished(ctx context.Context) ([]*Download, error) {
	return s.query(ctx, `SELECT `+downloadColumns+` FROM downloads
		WHERE completed_at IS NULL AND error_message IS NULL
		ORDER BY id`)
}

// ListStuck returns completed downloads that were never imported or
// flagged, and completed before cutoff.
func (s *Store) ListStuck(ctx context.Context, cutoff time.Time) ([]*Download, error) {
	return s.query(ctx, `SELECT `+downloadColumns+` FROM downloads
		WHERE completed_at IS NOT NULL AND imported_at IS NULL AND import_failed_at IS NULL
			AND completed_at < ?
		ORDER BY id`,
		cutoff.UTC())
}

// ListTrackedIDs returns every stored content identifier.
func (s *Store) ListTrackedIDs(ctx context.Context) (map[string]struct{}, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT download_client_id FROM downloads`)
	if err != nil {
		return nil, fmt.Errorf("failed to list tracked ids: %w", err)
	}
	defer rows.Close()

	ids := make(map[string]struct{})
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan tracked id: %w", err)
		}
		ids[identifier.Normalize(id)] = struct{}{}
	}
	return ids, rows.Err()
}

// MarkCompleted sets completed_at and save_path if the download is still
// unfinished. It reports whether the row changed.
func (s *Store) MarkCompleted(ctx context.Context, id int64, at time.Time, savePath string) (bool, error) {
	return s.exec(ctx, `UPDATE downloads SET completed_at = ?, save_path = ?, updated_at = ?
		WHERE id = ? AND completed_at IS NULL AND error_message IS NULL`,
		at.UTC(), nullString(savePath), s.now(), id)
}

// MarkMissing sets the terminal error message if no marker is set yet.
func (s *Store) MarkMissing(ctx context.Context, id int64, message string) (bool, error) {
	return s.exec(ctx, `UPDATE downloads SET error_message = ?, updated_at = ?
		WHERE id = ? AND completed_at IS NULL AND error_message IS NULL`,
		message, s.now(), id)
}

// MarkImportStalled flags a completed, unimported download once.
func (s *Store) MarkImportStalled(ctx context.Context, id int64, at time.Time, message string) (bool, error) {
	return s.exec(ctx, `UPDATE downloads SET import_failed_at = ?, import_last_error = ?, updated_at = ?
		WHERE id = ? AND completed_at IS NOT NULL AND imported_at IS NULL AND import_failed_at IS NULL`,
		at.UTC(), message, s.now(), id)
}

// MarkImported sets imported_at once.
func (s *Store) MarkImported(ctx context.Context, id int64, at time.Time) (bool, error) {
	return s.exec(ctx, `UPDATE downloads SET imported_at = ?, updated_at = ?
		WHERE id = ? AND imported_at IS NULL`,
		at.UTC(), s.now(), id)
}

// SetImportError records the latest import failure without touching
// import_failed_at, which belongs to stuck detection.
func (s *Store) SetImportError(ctx context.Context, id int64, message string) (bool, error) {
	return s.exec(ctx, `UPDATE downloads SET import_last_error = ?, updated_at = ? WHERE id = ?`,
		message, s.now(), id)
}

// Delete removes a download. Deleting a missing row is not an error.
func (s *Store) Delete(ctx context.Context, id int64) (bool, error) {
	return s.exec(ctx, `DELETE FROM downloads WHERE id = ?`, id)
}

func (s *Store) exec(ctx context.Context, q string, args ...any) (bool, error) {
	res, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return false, fmt.Errorf("failed to update download: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to update download: %w", err)
	}
	return n > 0, nil
}

func (s *Store) query(ctx context.Context, q string, args ...any) ([]*Download, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list downloads: %w", err)
	}
	defer rows.Close()

	var result []*Download
	for rows.Next() {
		d, err := scanDownload(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan download: %w", err)
		}
		result = append(result, d)
	}
	return result, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDownload(row rowScanner) (*Download, error) {
	var (
		d               Download
		savePath        sql.NullString
		completedAt     sql.NullTime
		importedAt      sql.NullTime
		errorMessage    sql.NullString
		importFailedAt  sql.NullTime
		importLastError sql.NullString
		metadata        string
	)

	err := row.Scan(
		&d.ID, &d.Title, &d.DownloadURL, &d.DownloadClient, &d.DownloadClientID, &savePath,
		&completedAt, &importedAt, &errorMessage, &importFailedAt, &importLastError,
		&metadata, &d.CreatedAt, &d.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	d.SavePath = fromNullString(savePath)
	d.CompletedAt = fromNullTime(completedAt)
	d.ImportedAt = fromNullTime(importedAt)
	d.ErrorMessage = fromNullString(errorMessage)
	d.ImportFailedAt = fromNullTime(importFailedAt)
	d.ImportLastError = fromNullString(importLastError)

	if metadata != "" {
		if err := json.Unmarshal([]byte(metadata), &d.Metadata); err != nil {
			return nil, fmt.Errorf("invalid metadata for download %d: %w", d.ID, err)
		}
	}
	return &d, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func fromNullString(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

func fromNullTime(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time.UTC()
	return &t
}
