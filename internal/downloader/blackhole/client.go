// Package blackhole implements a download client backed by a pair of
// shared folders: torrents are dropped into a watch folder for an external
// process, which moves finished payloads into a completed folder.
package blackhole

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/slipstream/dlsync/internal/downloader/identifier"
	"github.com/slipstream/dlsync/internal/downloader/types"
)

const (
	SettingWatchFolder     = "watch_folder"
	SettingCompletedFolder = "completed_folder"

	extTorrent = ".torrent"
	extMagnet  = ".magnet"
)

var hexRun = regexp.MustCompile(`[0-9a-fA-F]{40}`)

// Client is a stateless blackhole adapter.
type Client struct {
	identifier *identifier.Identifier
}

// Compile-time check that Client implements the contract.
var _ types.Client = (*Client)(nil)

// New creates a blackhole client. A nil identifier uses the package default.
func New(id *identifier.Identifier) *Client {
	if id == nil {
		id = identifier.New(identifier.DefaultFetchTimeout)
	}
	return &Client{identifier: id}
}

// Type returns the client type.
func (c *Client) Type() types.ClientType {
	return types.ClientTypeBlackhole
}

type folders struct {
	watch     string
	completed string
}

func foldersFrom(cfg *types.ClientConfig) (folders, error) {
	f := folders{
		watch:     cfg.String(SettingWatchFolder),
		completed: cfg.String(SettingCompletedFolder),
	}
	if f.watch == "" {
		return f, types.NewError(types.KindInvalidConfig, "%s is required", SettingWatchFolder)
	}
	if f.completed == "" {
		return f, types.NewError(types.KindInvalidConfig, "%s is required", SettingCompletedFolder)
	}
	return f, nil
}

// TestConnection verifies both folders exist, the watch folder is
// writable and the completed folder is readable.
func (c *Client) TestConnection(_ context.Context, cfg *types.ClientConfig) (*types.ClientInfo, error) {
	f, err := foldersFrom(cfg)
	if err != nil {
		return nil, err
	}

	for _, dir := range []string{f.watch, f.completed} {
		info, err := os.Stat(dir)
		if err != nil {
			return nil, types.WrapError(types.KindInvalidConfig, err, "folder %s is not accessible: %v", dir, err)
		}
		if !info.IsDir() {
			return nil, types.NewError(types.KindInvalidConfig, "%s is not a directory", dir)
		}
	}

	probe, err := os.CreateTemp(f.watch, ".dlsync-probe-*")
	if err != nil {
		return nil, types.WrapError(types.KindInvalidConfig, err, "watch folder is not writable: %v", err)
	}
	probe.Close()
	os.Remove(probe.Name())

	if _, err := os.ReadDir(f.completed); err != nil {
		return nil, types.WrapError(types.KindInvalidConfig, err, "completed folder is not readable: %v", err)
	}

	return &types.ClientInfo{Version: "blackhole", APIVersion: "1"}, nil
}

// AddTorrent writes <HASH>.torrent or <HASH>.magnet into the watch folder.
func (c *Client) AddTorrent(ctx context.Context, cfg *types.ClientConfig, input types.Input, opts types.AddOptions) (string, error) {
	f, err := foldersFrom(cfg)
	if err != nil {
		return "", err
	}

	res, err := c.identifier.Resolve(ctx, input)
	if err != nil {
		return "", types.AsError(err)
	}

	dir := f.watch
	if category := cfg.EffectiveCategory(opts); category != "" {
		dir = filepath.Join(dir, filepath.Clean("/" + category)[1:])
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", types.WrapError(types.KindAPIError, err, "failed to create watch folder: %v", err)
	}

	name, content := res.Hash+extTorrent, res.Data
	if res.Kind == types.InputMagnet {
		name, content = res.Hash+extMagnet, []byte(res.MagnetURI)
	}

	if err := writeAtomic(filepath.Join(dir, name), content); err != nil {
		return "", types.WrapError(types.KindAPIError, err, "failed to write %s: %v", name, err)
	}

	return res.Hash, nil
}

// writeAtomic writes via a hidden temp file so the watching process never
// picks up a partial descriptor.
func writeAtomic(path string, data []byte) error {
	tmp := filepath.Join(filepath.Dir(path), "."+filepath.Base(path)+".tmp")
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

// GetStatus reports a completed directory before a pending watch file.
func (c *Client) GetStatus(_ context.Context, cfg *types.ClientConfig, id string) (*types.TorrentStatus, error) {
	f, err := foldersFrom(cfg)
	if err != nil {
		return nil, err
	}
	hash := identifier.Normalize(id)
	if hash == "" {
		return nil, types.NewError(types.KindNotFound, "empty torrent id")
	}

	dir, ok, err := findCompleted(f.completed, hash)
	if err != nil {
		return nil, err
	}
	if ok {
		status := completedStatus(dir)
		status.ID = hash
		return &status, nil
	}

	pending, err := scanPending(f.watch)
	if err != nil {
		return nil, err
	}
	for _, p := range pending {
		if p.hash == hash {
			status := p.status()
			return &status, nil
		}
	}

	return nil, types.NewError(types.KindNotFound, "torrent %s not found", hash)
}

// ListTorrents lists pending watch files and completed directories. A hash
// present in both is reported once, as completed. An unreadable watch or
// completed folder fails the whole listing.
func (c *Client) ListTorrents(_ context.Context, cfg *types.ClientConfig, opts types.ListOptions) ([]types.TorrentStatus, error) {
	f, err := foldersFrom(cfg)
	if err != nil {
		return nil, err
	}

	pending, err := scanPending(f.watch)
	if err != nil {
		return nil, err
	}
	completed, err := scanCompleted(f.completed)
	if err != nil {
		return nil, err
	}

	byHash := make(map[string]types.TorrentStatus)
	for _, p := range pending {
		byHash[p.hash] = p.status()
	}
	for _, dir := range completed {
		hash := hexRun.FindString(filepath.Base(dir))
		if hash == "" {
			continue
		}
		status := completedStatus(dir)
		status.ID = identifier.Normalize(hash)
		byHash[status.ID] = status
	}

	stateFilter := types.ListOptions{State: opts.State}
	result := make([]types.TorrentStatus, 0, len(byHash))
	for _, s := range byHash {
		if !s.MatchesList(stateFilter) {
			continue
		}
		if opts.Category != "" && !strings.Contains(s.SavePath, opts.Category) {
			continue
		}
		result = append(result, s)
	}

	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

// RemoveTorrent deletes the watch file and, with DeleteFiles, the completed
// directory. Missing entries are ignored.
func (c *Client) RemoveTorrent(_ context.Context, cfg *types.ClientConfig, id string, opts types.RemoveOptions) error {
	f, err := foldersFrom(cfg)
	if err != nil {
		return err
	}
	hash := identifier.Normalize(id)
	if hash == "" {
		return nil
	}

	pending, err := scanPending(f.watch)
	if err != nil {
		return err
	}
	for _, p := range pending {
		if p.hash != hash {
			continue
		}
		if err := os.Remove(p.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return types.WrapError(types.KindAPIError, err, "failed to remove %s: %v", p.path, err)
		}
	}

	if opts.DeleteFiles {
		dir, ok, err := findCompleted(f.completed, hash)
		if err != nil {
			return err
		}
		if ok {
			if err := os.RemoveAll(dir); err != nil {
				return types.WrapError(types.KindAPIError, err, "failed to delete %s: %v", dir, err)
			}
		}
	}

	return nil
}

// PauseTorrent is not supported.
func (c *Client) PauseTorrent(_ context.Context, _ *types.ClientConfig, _ string) error {
	return types.NewError(types.KindAPIError, "pause is not supported for blackhole clients")
}

// ResumeTorrent is not supported.
func (c *Client) ResumeTorrent(_ context.Context, _ *types.ClientConfig, _ string) error {
	return types.NewError(types.KindAPIError, "resume is not supported for blackhole clients")
}

type pendingFile struct {
	hash     string
	path     string
	category string
	modTime  time.Time
}

func (p pendingFile) status() types.TorrentStatus {
	added := p.modTime
	return types.TorrentStatus{
		ID:       p.hash,
		Name:     p.hash,
		State:    types.StatusDownloading,
		Progress: 0,
		SavePath: filepath.Dir(p.path),
		Category: p.category,
		AddedAt:  &added,
	}
}

// scanPending lists descriptor files in the watch folder and one level of
// category subfolders. Unreadable category folders are skipped.
func scanPending(watch string) ([]pendingFile, error) {
	var files []pendingFile

	entries, err := os.ReadDir(watch)
	if err != nil {
		return nil, types.WrapError(types.KindAPIError, err, "failed to read watch folder %s: %v", watch, err)
	}
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".") {
			continue
		}
		if e.IsDir() {
			files = append(files, scanCategory(watch, e.Name())...)
			continue
		}
		if p, ok := pendingFromEntry(watch, "", e); ok {
			files = append(files, p)
		}
	}
	return files, nil
}

func scanCategory(watch, category string) []pendingFile {
	dir := filepath.Join(watch, category)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}

	var files []pendingFile
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		if p, ok := pendingFromEntry(dir, category, e); ok {
			files = append(files, p)
		}
	}
	return files
}

func pendingFromEntry(dir, category string, e fs.DirEntry) (pendingFile, bool) {
	name := e.Name()
	ext := strings.ToLower(filepath.Ext(name))
	if ext != extTorrent && ext != extMagnet {
		return pendingFile{}, false
	}
	stem := strings.TrimSuffix(name, filepath.Ext(name))
	if len(stem) < 40 || !identifier.IsHash(stem[:40]) {
		return pendingFile{}, false
	}

	p := pendingFile{
		hash:     identifier.Normalize(stem[:40]),
		path:     filepath.Join(dir, name),
		category: category,
	}
	if info, err := e.Info(); err == nil {
		p.modTime = info.ModTime()
	}
	return p, true
}

// scanCompleted returns completed payload directories. Directories with no
// hash in their name are treated as category folders and searched one
// level deeper.
func scanCompleted(completed string) ([]string, error) {
	var dirs []string

	entries, err := os.ReadDir(completed)
	if err != nil {
		return nil, types.WrapError(types.KindAPIError, err, "failed to read completed folder %s: %v", completed, err)
	}
	for _, e := range entries {
		if !e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		path := filepath.Join(completed, e.Name())
		if hexRun.MatchString(e.Name()) {
			dirs = append(dirs, path)
			continue
		}
		nested, err := os.ReadDir(path)
		if err != nil {
			continue
		}
		for _, n := range nested {
			if n.IsDir() && hexRun.MatchString(n.Name()) {
				dirs = append(dirs, filepath.Join(path, n.Name()))
			}
		}
	}
	return dirs, nil
}

// findCompleted returns the directory whose name contains hash, preferring
// names that start with it.
func findCompleted(completed, hash string) (string, bool, error) {
	dirs, err := scanCompleted(completed)
	if err != nil {
		return "", false, err
	}

	var loose string
	for _, dir := range dirs {
		name := strings.ToUpper(filepath.Base(dir))
		if strings.HasPrefix(name, hash) {
			return dir, true, nil
		}
		if loose == "" && strings.Contains(name, hash) {
			loose = dir
		}
	}
	return loose, loose != "", nil
}

func completedStatus(dir string) types.TorrentStatus {
	size := dirSize(dir)
	status := types.TorrentStatus{
		Name:       filepath.Base(dir),
		State:      types.StatusCompleted,
		Progress:   100,
		Downloaded: size,
		Size:       size,
		SavePath:   dir,
	}
	if info, err := os.Stat(dir); err == nil {
		done := info.ModTime()
		status.CompletedAt = &done
	}
	return status
}

func dirSize(dir string) int64 {
	var total int64
	_ = filepath.WalkDir(dir, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.Type().IsRegular() {
			if info, err := d.Info(); err == nil {
				total += info.Size()
			}
		}
		return nil
	})
	return total
}
