// Package transmission implements a thin Transmission RPC adapter.
package transmission

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/slipstream/dlsync/internal/downloader/identifier"
	"github.com/slipstream/dlsync/internal/downloader/types"
)

const (
	sessionIDHeader = "X-Transmission-Session-Id"
	defaultPort     = 9091
	defaultURLBase  = "/transmission/"
)

// Transmission status codes.
const (
	statusStopped      = 0
	statusCheckWait    = 1
	statusCheck        = 2
	statusDownloadWait = 3
	statusDownload     = 4
	statusSeedWait     = 5
	statusSeed         = 6
)

// Transmission "error" codes. Only local errors mean the payload is lost.
const (
	errTrackerWarning = 1
	errTrackerError   = 2
	errLocalError     = 3
)

var torrentFields = []string{
	"id", "name", "status", "percentDone", "isFinished",
	"downloadDir", "hashString", "labels",
	"downloadedEver", "sizeWhenDone", "addedDate", "doneDate",
	"error", "errorString",
}

// Client is a Transmission adapter. Connection settings come from the
// ClientConfig on each call; only CSRF session ids are cached, per endpoint.
type Client struct {
	httpClient *http.Client
	identifier *identifier.Identifier

	mu       sync.Mutex
	sessions map[string]string
}

// Compile-time check that Client implements the contract.
var _ types.Client = (*Client)(nil)

// New creates a Transmission adapter. A nil identifier uses the package default.
func New(id *identifier.Identifier) *Client {
	if id == nil {
		id = identifier.New(identifier.DefaultFetchTimeout)
	}
	return &Client{
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		identifier: id,
		sessions:   make(map[string]string),
	}
}

// Type returns the client type.
func (c *Client) Type() types.ClientType {
	return types.ClientTypeTransmission
}

// endpoint holds connection settings decoded from a ClientConfig.
type endpoint struct {
	url      string
	username string
	password string
}

func endpointFrom(cfg *types.ClientConfig) (endpoint, error) {
	host := cfg.String("host")
	if host == "" {
		return endpoint{}, types.NewError(types.KindInvalidConfig, "host is required")
	}

	scheme := "http"
	if cfg.Bool("use_ssl") {
		scheme = "https"
	}

	base := cfg.String("url_base")
	if base == "" {
		base = defaultURLBase
	}
	base = "/" + strings.Trim(base, "/") + "/"

	return endpoint{
		url:      fmt.Sprintf("%s://%s:%d%srpc", scheme, host, cfg.Int("port", defaultPort), base),
		username: cfg.String("username"),
		password: cfg.String("password"),
	}, nil
}

// TestConnection calls session-get and reports the daemon version.
func (c *Client) TestConnection(ctx context.Context, cfg *types.ClientConfig) (*types.ClientInfo, error) {
	resp, err := c.call(ctx, cfg, "session-get", nil)
	if err != nil {
		return nil, err
	}

	info := &types.ClientInfo{
		Version: getString(resp.Arguments, "version"),
	}
	if rpc := getInt(resp.Arguments, "rpc-version"); rpc > 0 {
		info.APIVersion = fmt.Sprintf("%d", rpc)
	}
	return info, nil
}

// AddTorrent submits the input. The returned id is the locally computed
// info-hash, not the daemon's numeric id.
func (c *Client) AddTorrent(ctx context.Context, cfg *types.ClientConfig, input types.Input, opts types.AddOptions) (string, error) {
	res, err := c.identifier.Resolve(ctx, input)
	if err != nil {
		return "", types.AsError(err)
	}

	args := make(map[string]interface{})
	if res.Kind == types.InputMagnet {
		args["filename"] = res.MagnetURI
	} else {
		args["metainfo"] = base64.StdEncoding.EncodeToString(res.Data)
	}
	if opts.SavePath != "" {
		args["download-dir"] = opts.SavePath
	}
	if opts.Paused {
		args["paused"] = true
	}
	if category := cfg.EffectiveCategory(opts); category != "" {
		args["labels"] = []string{category}
	}

	if _, err := c.call(ctx, cfg, "torrent-add", args); err != nil {
		return "", err
	}

	return res.Hash, nil
}

// GetStatus looks up a torrent by info-hash.
func (c *Client) GetStatus(ctx context.Context, cfg *types.ClientConfig, id string) (*types.TorrentStatus, error) {
	hash := identifier.Normalize(id)
	torrents, err := c.getTorrents(ctx, cfg, []string{strings.ToLower(hash)})
	if err != nil {
		return nil, err
	}
	for i := range torrents {
		if torrents[i].ID == hash {
			return &torrents[i], nil
		}
	}
	return nil, types.NewError(types.KindNotFound, "torrent %s not found", hash)
}

// ListTorrents returns all torrents matching the filter.
func (c *Client) ListTorrents(ctx context.Context, cfg *types.ClientConfig, opts types.ListOptions) ([]types.TorrentStatus, error) {
	torrents, err := c.getTorrents(ctx, cfg, nil)
	if err != nil {
		return nil, err
	}

	result := make([]types.TorrentStatus, 0, len(torrents))
	for i := range torrents {
		if torrents[i].MatchesList(opts) {
			result = append(result, torrents[i])
		}
	}
	return result, nil
}

// RemoveTorrent removes a torrent. Transmission ignores unknown ids.
func (c *Client) RemoveTorrent(ctx context.Context, cfg *types.ClientConfig, id string, opts types.RemoveOptions) error {
	args := map[string]interface{}{
		"ids":               []string{strings.ToLower(identifier.Normalize(id))},
		"delete-local-data": opts.DeleteFiles,
	}
	_, err := c.call(ctx, cfg, "torrent-remove", args)
	return err
}

// PauseTorrent stops a torrent.
func (c *Client) PauseTorrent(ctx context.Context, cfg *types.ClientConfig, id string) error {
	return c.action(ctx, cfg, "torrent-stop", id)
}

// ResumeTorrent starts a torrent.
func (c *Client) ResumeTorrent(ctx context.Context, cfg *types.ClientConfig, id string) error {
	return c.action(ctx, cfg, "torrent-start", id)
}

func (c *Client) action(ctx context.Context, cfg *types.ClientConfig, method, id string) error {
	args := map[string]interface{}{
		"ids": []string{strings.ToLower(identifier.Normalize(id))},
	}
	_, err := c.call(ctx, cfg, method, args)
	return err
}

func (c *Client) getTorrents(ctx context.Context, cfg *types.ClientConfig, ids []string) ([]types.TorrentStatus, error) {
	args := map[string]interface{}{
		"fields": torrentFields,
	}
	if ids != nil {
		args["ids"] = ids
	}

	resp, err := c.call(ctx, cfg, "torrent-get", args)
	if err != nil {
		return nil, err
	}

	torrentsRaw, ok := resp.Arguments["torrents"].([]interface{})
	if !ok {
		return []types.TorrentStatus{}, nil
	}

	result := make([]types.TorrentStatus, 0, len(torrentsRaw))
	for _, t := range torrentsRaw {
		torrent, ok := t.(map[string]interface{})
		if !ok {
			continue
		}
		result = append(result, mapToStatus(torrent))
	}
	return result, nil
}

// rpcRequest represents a Transmission RPC request.
type rpcRequest struct {
	Method    string                 `json:"method"`
	Arguments map[string]interface{} `json:"arguments,omitempty"`
}

// rpcResponse represents a Transmission RPC response.
type rpcResponse struct {
	Result    string                 `json:"result"`
	Arguments map[string]interface{} `json:"arguments,omitempty"`
}

// call performs one RPC, retrying once when the daemon hands out a new
// session id with a 409.
func (c *Client) call(ctx context.Context, cfg *types.ClientConfig, method string, args map[string]interface{}) (*rpcResponse, error) {
	ep, err := endpointFrom(cfg)
	if err != nil {
		return nil, err
	}

	body, err := json.Marshal(rpcRequest{Method: method, Arguments: args})
	if err != nil {
		return nil, types.WrapError(types.KindAPIError, err, "failed to marshal request: %v", err)
	}

	for attempt := 0; attempt < 2; attempt++ {
		resp, err := c.do(ctx, ep, body)
		if err != nil {
			return nil, err
		}

		if resp.StatusCode == http.StatusConflict {
			sessionID := resp.Header.Get(sessionIDHeader)
			resp.Body.Close()
			if sessionID == "" {
				return nil, types.NewError(types.KindAPIError, "received 409 but no session ID in response")
			}
			c.setSession(ep.url, sessionID)
			continue
		}

		rpcResp, err := parseRPCResponse(resp)
		resp.Body.Close()
		return rpcResp, err
	}

	return nil, types.NewError(types.KindAPIError, "session negotiation failed")
}

func (c *Client) do(ctx context.Context, ep endpoint, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.url, bytes.NewReader(body))
	if err != nil {
		return nil, types.WrapError(types.KindInvalidConfig, err, "failed to create request: %v", err)
	}

	req.Header.Set("Content-Type", "application/json")
	if sessionID := c.session(ep.url); sessionID != "" {
		req.Header.Set(sessionIDHeader, sessionID)
	}
	if ep.username != "" {
		req.SetBasicAuth(ep.username, ep.password)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, types.AsError(fmt.Errorf("failed to execute request: %w", err))
	}
	return resp, nil
}

func (c *Client) session(url string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessions[url]
}

func (c *Client) setSession(url, id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessions[url] = id
}

func parseRPCResponse(resp *http.Response) (*rpcResponse, error) {
	if resp.StatusCode == http.StatusUnauthorized {
		return nil, types.NewError(types.KindInvalidConfig, "authentication failed")
	}
	if resp.StatusCode != http.StatusOK {
		return nil, types.NewError(types.KindAPIError, "unexpected status code: %d", resp.StatusCode)
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, types.WrapError(types.KindAPIError, err, "failed to read response: %v", err)
	}

	var rpcResp rpcResponse
	if err := json.Unmarshal(respBody, &rpcResp); err != nil {
		return nil, types.WrapError(types.KindAPIError, err, "failed to unmarshal response: %v", err)
	}

	if rpcResp.Result != "success" {
		return nil, types.NewError(types.KindAPIError, "RPC error: %s", rpcResp.Result)
	}

	return &rpcResp, nil
}

// contentPath is where the torrent's payload lives on the daemon's
// filesystem. Daemon paths are always slash-separated.
func contentPath(downloadDir, name string) string {
	if downloadDir == "" || name == "" {
		return downloadDir
	}
	return path.Join(downloadDir, name)
}

// mapToStatus converts a torrent-get entry to a TorrentStatus.
func mapToStatus(torrent map[string]interface{}) types.TorrentStatus {
	progress := getFloat(torrent, "percentDone") * 100

	status := types.TorrentStatus{
		ID:          identifier.Normalize(getString(torrent, "hashString")),
		Name:        getString(torrent, "name"),
		State:       mapStatus(getInt(torrent, "status"), progress, getBool(torrent, "isFinished")),
		Progress:    progress,
		Size:        int64(getFloat(torrent, "sizeWhenDone")),
		Downloaded:  int64(getFloat(torrent, "downloadedEver")),
		SavePath:    contentPath(getString(torrent, "downloadDir"), getString(torrent, "name")),
		AddedAt:     getTime(torrent, "addedDate"),
		CompletedAt: getTime(torrent, "doneDate"),
	}

	if labels, ok := torrent["labels"].([]interface{}); ok && len(labels) > 0 {
		if label, ok := labels[0].(string); ok {
			status.Category = label
		}
	}

	switch getInt(torrent, "error") {
	case errLocalError:
		status.State = types.StatusError
		status.Error = getString(torrent, "errorString")
	case errTrackerWarning, errTrackerError:
		status.Error = getString(torrent, "errorString")
	}

	return status
}

// mapStatus maps Transmission status codes to contract states. A stopped
// torrent with all data present counts as completed.
func mapStatus(code int, progress float64, finished bool) types.Status {
	switch code {
	case statusStopped:
		if finished || progress >= 100 {
			return types.StatusCompleted
		}
		return types.StatusPaused
	case statusCheckWait, statusDownloadWait:
		return types.StatusQueued
	case statusCheck, statusDownload:
		return types.StatusDownloading
	case statusSeedWait, statusSeed:
		return types.StatusSeeding
	default:
		return types.StatusUnknown
	}
}

func getString(m map[string]interface{}, key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

func getInt(m map[string]interface{}, key string) int {
	if v, ok := m[key].(float64); ok {
		return int(v)
	}
	return 0
}

func getFloat(m map[string]interface{}, key string) float64 {
	if v, ok := m[key].(float64); ok {
		return v
	}
	return 0
}

func getBool(m map[string]interface{}, key string) bool {
	if v, ok := m[key].(bool); ok {
		return v
	}
	return false
}

func getTime(m map[string]interface{}, key string) *time.Time {
	secs := getInt(m, key)
	if secs <= 0 {
		return nil
	}
	t := time.Unix(int64(secs), 0).UTC()
	return &t
}
