// Package mock provides an in-memory download client for demos
// and tests.
package mock

import (
	"context"
	"crypto/rand"
	"path"
	"sync"
	"time"

	"github.com/slipstream/dlsync/internal/downloader/identifier"
	"github.com/slipstream/dlsync/internal/downloader/types"
)

const (
	// DownloadDuration is how long a simulated download takes (seconds).
	DownloadDuration = 300.0
	// QueueDelay is how long simulated items stay queued (seconds).
	QueueDelay = 2.0
	// MockDownloadDir is the simulated download directory.
	MockDownloadDir = "/mock/downloads/dlsync"
)

// Operation names accepted by FailOn.
const (
	OpTest   = "test"
	OpAdd    = "add"
	OpGet    = "get"
	OpList   = "list"
	OpRemove = "remove"
	OpPause  = "pause"
	OpResume = "resume"
)

type mockDownload struct {
	ID         string
	Name       string
	Size       int64
	SavePath   string
	Category   string
	AddedAt    time.Time
	PausedAt   time.Time
	PausedTime float64
	Status     types.Status
	Error      string
	Completed  bool
	Fixed      bool // state set explicitly, no simulation
}

// Client is an in-memory adapter. Simulated clients advance progress with
// wall-clock time; plain clients only change state through SetState.
type Client struct {
	identifier *identifier.Identifier
	simulate   bool

	mu        sync.RWMutex
	downloads map[string]*mockDownload
	failures  map[string]error
	removed   []string
}

// Compile-time check that Client implements the contract.
var _ types.Client = (*Client)(nil)

var (
	shared     *Client
	sharedOnce sync.Once
)

// Shared returns the process-wide simulated client behind the "mock" type.
func Shared() *Client {
	sharedOnce.Do(func() {
		shared = newClient(true)
	})
	return shared
}

// New creates an isolated client whose torrents never progress on their own.
func New() *Client {
	return newClient(false)
}

func newClient(simulate bool) *Client {
	return &Client{
		identifier: identifier.New(identifier.DefaultFetchTimeout),
		simulate:   simulate,
		downloads:  make(map[string]*mockDownload),
		failures:   make(map[string]error),
	}
}

// Type returns the client type.
func (c *Client) Type() types.ClientType {
	return types.ClientTypeMock
}

// FailOn makes every subsequent call of op return err. A nil err clears it.
func (c *Client) FailOn(op string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err == nil {
		delete(c.failures, op)
		return
	}
	c.failures[op] = types.AsError(err)
}

func (c *Client) failure(op string) error {
	if err, ok := c.failures[op]; ok {
		return err
	}
	return nil
}

// TestConnection always succeeds unless a failure is injected.
func (c *Client) TestConnection(_ context.Context, _ *types.ClientConfig) (*types.ClientInfo, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if err := c.failure(OpTest); err != nil {
		return nil, err
	}
	return &types.ClientInfo{Version: "mock", APIVersion: "1"}, nil
}

// AddTorrent records a download keyed by the input's info-hash.
func (c *Client) AddTorrent(ctx context.Context, cfg *types.ClientConfig, input types.Input, opts types.AddOptions) (string, error) {
	res, err := c.identifier.Resolve(ctx, input)
	if err != nil {
		return "", types.AsError(err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.failure(OpAdd); err != nil {
		return "", err
	}
	if _, ok := c.downloads[res.Hash]; ok {
		return res.Hash, nil
	}

	name := res.Name
	if name == "" {
		name = "Mock Download"
	}
	savePath := opts.SavePath
	if savePath == "" {
		savePath = path.Join(MockDownloadDir, name)
	}

	d := &mockDownload{
		ID:       res.Hash,
		Name:     name,
		Size:     int64(5+randInt(45)) * 1024 * 1024 * 1024,
		SavePath: savePath,
		Category: cfg.EffectiveCategory(opts),
		AddedAt:  time.Now(),
		Status:   types.StatusQueued,
	}
	if opts.Paused {
		d.Status = types.StatusPaused
		d.PausedAt = time.Now()
	}
	c.downloads[res.Hash] = d

	return res.Hash, nil
}

// GetStatus returns one download.
func (c *Client) GetStatus(_ context.Context, _ *types.ClientConfig, id string) (*types.TorrentStatus, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.failure(OpGet); err != nil {
		return nil, err
	}
	d, ok := c.downloads[identifier.Normalize(id)]
	if !ok {
		return nil, types.NewError(types.KindNotFound, "torrent %s not found", id)
	}
	status := c.calculateProgress(d, time.Now())
	return &status, nil
}

// ListTorrents returns all downloads matching the filter.
func (c *Client) ListTorrents(_ context.Context, _ *types.ClientConfig, opts types.ListOptions) ([]types.TorrentStatus, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.failure(OpList); err != nil {
		return nil, err
	}

	now := time.Now()
	items := make([]types.TorrentStatus, 0, len(c.downloads))
	for _, d := range c.downloads {
		status := c.calculateProgress(d, now)
		if status.MatchesList(opts) {
			items = append(items, status)
		}
	}
	return items, nil
}

// RemoveTorrent deletes a download; unknown ids are ignored.
func (c *Client) RemoveTorrent(_ context.Context, _ *types.ClientConfig, id string, _ types.RemoveOptions) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.failure(OpRemove); err != nil {
		return err
	}
	hash := identifier.Normalize(id)
	delete(c.downloads, hash)
	c.removed = append(c.removed, hash)
	return nil
}

// PauseTorrent pauses a download.
func (c *Client) PauseTorrent(_ context.Context, _ *types.ClientConfig, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.failure(OpPause); err != nil {
		return err
	}
	d, ok := c.downloads[identifier.Normalize(id)]
	if !ok {
		return types.NewError(types.KindNotFound, "torrent %s not found", id)
	}
	if d.Status != types.StatusPaused && !d.Completed {
		d.Status = types.StatusPaused
		d.PausedAt = time.Now()
	}
	return nil
}

// ResumeTorrent resumes a paused download.
func (c *Client) ResumeTorrent(_ context.Context, _ *types.ClientConfig, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.failure(OpResume); err != nil {
		return err
	}
	d, ok := c.downloads[identifier.Normalize(id)]
	if !ok {
		return types.NewError(types.KindNotFound, "torrent %s not found", id)
	}
	if d.Status == types.StatusPaused {
		d.PausedTime += time.Since(d.PausedAt).Seconds()
		d.PausedAt = time.Time{}
		d.Status = types.StatusDownloading
	}
	return nil
}

// Put inserts or replaces a download with a fixed state.
func (c *Client) Put(status types.TorrentStatus) {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := identifier.Normalize(status.ID)
	c.downloads[id] = &mockDownload{
		ID:        id,
		Name:      status.Name,
		Size:      status.Size,
		SavePath:  status.SavePath,
		Category:  status.Category,
		AddedAt:   time.Now(),
		Status:    status.State,
		Error:     status.Error,
		Completed: status.State.IsDone(),
		Fixed:     true,
	}
}

// SetState pins a download to state.
func (c *Client) SetState(id string, state types.Status) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	d, ok := c.downloads[identifier.Normalize(id)]
	if !ok {
		return types.NewError(types.KindNotFound, "torrent %s not found", id)
	}
	d.Status = state
	d.Completed = state.IsDone()
	d.Fixed = true
	return nil
}

// FastForward instantly completes a download.
func (c *Client) FastForward(id string) error {
	return c.SetState(id, types.StatusSeeding)
}

// Removed returns the ids passed to RemoveTorrent, in call order.
func (c *Client) Removed() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]string(nil), c.removed...)
}

// Clear removes all downloads and injected failures.
func (c *Client) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.downloads = make(map[string]*mockDownload)
	c.failures = make(map[string]error)
	c.removed = nil
}

// DownloadCount returns the number of downloads.
func (c *Client) DownloadCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.downloads)
}

// calculateProgress computes the current state of a download. Callers hold
// the write lock since simulation may promote the stored state.
func (c *Client) calculateProgress(d *mockDownload, now time.Time) types.TorrentStatus {
	status := types.TorrentStatus{
		ID:       d.ID,
		Name:     d.Name,
		State:    d.Status,
		Size:     d.Size,
		SavePath: d.SavePath,
		Category: d.Category,
		Error:    d.Error,
	}
	added := d.AddedAt
	status.AddedAt = &added

	if d.Fixed || !c.simulate {
		if d.Completed {
			status.Progress = 100
			status.Downloaded = d.Size
		}
		return status
	}

	elapsed := now.Sub(d.AddedAt).Seconds() - d.PausedTime
	if d.Status == types.StatusPaused && !d.PausedAt.IsZero() {
		elapsed -= now.Sub(d.PausedAt).Seconds()
	}

	switch {
	case d.Status == types.StatusPaused:
		status.Progress = min(max(elapsed-QueueDelay, 0)/DownloadDuration*100, 100)
	case d.Completed || elapsed >= QueueDelay+DownloadDuration:
		d.Completed = true
		d.Status = types.StatusSeeding
		status.State = types.StatusSeeding
		status.Progress = 100
	case elapsed < QueueDelay:
		status.State = types.StatusQueued
	default:
		d.Status = types.StatusDownloading
		status.State = types.StatusDownloading
		status.Progress = (elapsed - QueueDelay) / DownloadDuration * 100
	}

	status.Downloaded = int64(float64(d.Size) * status.Progress / 100)
	return status
}

// randInt returns a random int between 0 and maxVal-1.
func randInt(maxVal int) int {
	if maxVal <= 0 {
		return 0
	}
	b := make([]byte, 1)
	if _, err := rand.Read(b); err != nil {
		panic(err)
	}
	return int(b[0]) % maxVal
}
