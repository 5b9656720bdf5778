package history

// EventType represents the type of history event.
type EventType string

const (
	EventTypeDownloadGrabbed   EventType = "download_grabbed"
	EventTypeDownloadCompleted EventType = "download_completed"
	EventTypeDownloadFailed    EventType = "download_failed"
	EventTypeDownloadMissing   EventType = "download_missing"
	EventTypeImportStalled     EventType = "import_stalled"
	EventTypeImportCompleted   EventType = "import_completed"
	EventTypeImportFailed      EventType = "import_failed"
)

// Subject identifies the download an event is about.
type Subject struct {
	DownloadID int64
	Title      string
}

// Entry represents a history entry.
type Entry struct {
	ID         int64          `json:"id"`
	EventType  EventType      `json:"eventType"`
	DownloadID int64          `json:"downloadId,omitempty"`
	Title      string         `json:"title,omitempty"`
	Data       map[string]any `json:"data,omitempty"`
	CreatedAt  string         `json:"createdAt"`
}

// ListOptions contains options for listing history.
type ListOptions struct {
	EventType  string
	DownloadID int64
	Page       int
	PageSize   int
}

// ListResponse contains paginated history results.
type ListResponse struct {
	Items      []*Entry `json:"items"`
	Page       int      `json:"page"`
	PageSize   int      `json:"pageSize"`
	TotalCount int64    `json:"totalCount"`
	TotalPages int      `json:"totalPages"`
}
