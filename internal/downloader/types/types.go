// Package types defines the capability contract shared by all download
// client adapters.
package types

import (
	"context"
	"time"
)

// ClientType is the tag an adapter is registered under.
type ClientType string

const (
	ClientTypeBlackhole    ClientType = "blackhole"
	ClientTypeTransmission ClientType = "transmission"
	ClientTypeMock         ClientType = "mock" // in-memory client, no daemon needed
)

// Client is the capability contract every backend adapter implements.
// Adapters are stateless: all connection parameters arrive in the
// ClientConfig on each call. Every returned error is an *Error.
type Client interface {
	Type() ClientType

	// TestConnection checks reachability and credentials without side effects.
	TestConnection(ctx context.Context, cfg *ClientConfig) (*ClientInfo, error)

	// AddTorrent submits the input and returns the content identifier.
	AddTorrent(ctx context.Context, cfg *ClientConfig, input Input, opts AddOptions) (string, error)
	GetStatus(ctx context.Context, cfg *ClientConfig, id string) (*TorrentStatus, error)
	ListTorrents(ctx context.Context, cfg *ClientConfig, opts ListOptions) ([]TorrentStatus, error)

	// RemoveTorrent is idempotent: removing an unknown id is not an error.
	RemoveTorrent(ctx context.Context, cfg *ClientConfig, id string, opts RemoveOptions) error

	PauseTorrent(ctx context.Context, cfg *ClientConfig, id string) error
	ResumeTorrent(ctx context.Context, cfg *ClientConfig, id string) error
}

// InputKind distinguishes the three ways torrent content can be supplied.
type InputKind string

const (
	InputFile   InputKind = "file"
	InputMagnet InputKind = "magnet"
	InputURL    InputKind = "url"
)

// Input is torrent content as supplied by the caller.
type Input struct {
	Kind InputKind
	Data []byte // raw .torrent bytes for InputFile
	URI  string // magnet URI or remote URL
}

// FileInput wraps raw .torrent bytes.
func FileInput(data []byte) Input {
	return Input{Kind: InputFile, Data: data}
}

// MagnetInput wraps a magnet URI.
func MagnetInput(uri string) Input {
	return Input{Kind: InputMagnet, URI: uri}
}

// URLInput wraps a remote .torrent URL.
func URLInput(url string) Input {
	return Input{Kind: InputURL, URI: url}
}

// AddOptions specifies options for adding a torrent.
type AddOptions struct {
	Category string
	SavePath string
	Paused   bool
}

// ListOptions filters ListTorrents results. Empty fields match everything.
type ListOptions struct {
	State    string // "", "all", or a Status value
	Category string
}

// RemoveOptions controls torrent removal.
type RemoveOptions struct {
	DeleteFiles bool
}

// ClientInfo is returned by a successful connection test.
type ClientInfo struct {
	Version    string `json:"version"`
	APIVersion string `json:"apiVersion,omitempty"`
}

// Status is a backend-reported torrent state.
type Status string

const (
	StatusQueued      Status = "queued"
	StatusDownloading Status = "downloading"
	StatusPaused      Status = "paused"
	StatusCompleted   Status = "completed"
	StatusSeeding     Status = "seeding"
	StatusError       Status = "error"
	StatusUnknown     Status = "unknown"
)

// IsDone reports whether the payload is fully present on disk.
func (s Status) IsDone() bool {
	return s == StatusCompleted || s == StatusSeeding
}

// TorrentStatus is a live snapshot of one torrent on a backend.
type TorrentStatus struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	State       Status     `json:"state"`
	Progress    float64    `json:"progress"` // 0-100
	Downloaded  int64      `json:"downloaded"`
	Size        int64      `json:"size"`
	SavePath    string     `json:"savePath"`
	Category    string     `json:"category,omitempty"`
	AddedAt     *time.Time `json:"addedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	Error       string     `json:"error,omitempty"`
}

// MatchesList reports whether the status passes the list filter.
func (s *TorrentStatus) MatchesList(opts ListOptions) bool {
	switch opts.State {
	case "", "all":
	case string(StatusCompleted):
		if !s.State.IsDone() {
			return false
		}
	default:
		if string(s.State) != opts.State {
			return false
		}
	}
	return opts.Category == "" || s.Category == opts.Category
}
