// Package identifier derives the backend-agnostic content identifier
// (the BitTorrent v1 info-hash) from any accepted download input.
package identifier

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/anacrolix/torrent/metainfo"

	"github.com/slipstream/dlsync/internal/downloader/types"
)

const (
	// DefaultFetchTimeout bounds remote .torrent downloads.
	DefaultFetchTimeout = 30 * time.Second
	// MaxTorrentSize caps the body read from a remote URL.
	MaxTorrentSize = 10 << 20
)

var hashPattern = regexp.MustCompile(`(?i)^[0-9a-f]{40}$`)

// Resolved is an input after fetching and hashing.
type Resolved struct {
	Hash      string
	Kind      types.InputKind // InputFile or InputMagnet; URL inputs resolve to one of these
	Data      []byte          // .torrent bytes for file results
	MagnetURI string          // set for magnet results
	Name      string
}

// Identifier computes content identifiers. The zero value is not usable;
// construct with New.
type Identifier struct {
	httpClient *http.Client
}

// New returns an Identifier that fetches remote URLs with the given timeout.
func New(timeout time.Duration) *Identifier {
	if timeout <= 0 {
		timeout = DefaultFetchTimeout
	}
	return &Identifier{
		httpClient: &http.Client{
			Timeout: timeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if req.URL.Scheme == "magnet" {
					return http.ErrUseLastResponse
				}
				if len(via) >= 10 {
					return errors.New("stopped after 10 redirects")
				}
				return nil
			},
		},
	}
}

var defaultIdentifier = New(DefaultFetchTimeout)

// Identify returns the uppercase info-hash for input.
func Identify(ctx context.Context, input types.Input) (string, error) {
	return defaultIdentifier.Identify(ctx, input)
}

// Resolve hashes input, fetching remote URLs once.
func Resolve(ctx context.Context, input types.Input) (*Resolved, error) {
	return defaultIdentifier.Resolve(ctx, input)
}

// Identify returns the uppercase info-hash for input.
func (i *Identifier) Identify(ctx context.Context, input types.Input) (string, error) {
	res, err := i.Resolve(ctx, input)
	if err != nil {
		return "", err
	}
	return res.Hash, nil
}

// Resolve hashes input, fetching remote URLs once. Errors are *types.Error.
func (i *Identifier) Resolve(ctx context.Context, input types.Input) (*Resolved, error) {
	switch input.Kind {
	case types.InputFile:
		return FromTorrentBytes(input.Data)
	case types.InputMagnet:
		return FromMagnet(input.URI)
	case types.InputURL:
		if IsMagnet(input.URI) {
			return FromMagnet(input.URI)
		}
		return i.fetch(ctx, input.URI)
	default:
		return nil, types.NewError(types.KindInvalidTorrent, "unsupported input kind %q", input.Kind)
	}
}

// FromTorrentBytes hashes the bencoded info dictionary of a .torrent file.
func FromTorrentBytes(data []byte) (*Resolved, error) {
	if len(data) == 0 {
		return nil, types.NewError(types.KindInvalidTorrent, "torrent file is empty")
	}

	mi, err := metainfo.Load(bytes.NewReader(data))
	if err != nil {
		return nil, types.WrapError(types.KindInvalidTorrent, err, "failed to parse torrent file: %v", err)
	}
	if len(mi.InfoBytes) == 0 {
		return nil, types.NewError(types.KindInvalidTorrent, "torrent file has no info dictionary")
	}

	res := &Resolved{
		Hash: Normalize(mi.HashInfoBytes().HexString()),
		Kind: types.InputFile,
		Data: data,
	}
	if info, err := mi.UnmarshalInfo(); err == nil {
		res.Name = info.Name
	}
	return res, nil
}

// FromMagnet extracts the btih hash from a magnet URI without network access.
func FromMagnet(uri string) (*Resolved, error) {
	if !IsMagnet(uri) {
		return nil, types.NewError(types.KindInvalidTorrent, "not a magnet URI")
	}

	m, err := metainfo.ParseMagnetURI(uri)
	if err != nil {
		return nil, types.WrapError(types.KindInvalidTorrent, err, "failed to parse magnet URI: %v", err)
	}

	return &Resolved{
		Hash:      Normalize(m.InfoHash.HexString()),
		Kind:      types.InputMagnet,
		MagnetURI: uri,
		Name:      m.DisplayName,
	}, nil
}

func (i *Identifier) fetch(ctx context.Context, rawURL string) (*Resolved, error) {
	if !strings.HasPrefix(rawURL, "http://") && !strings.HasPrefix(rawURL, "https://") {
		return nil, types.NewError(types.KindInvalidTorrent, "unsupported URL scheme: %s", rawURL)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, http.NoBody)
	if err != nil {
		return nil, types.WrapError(types.KindInvalidTorrent, err, "invalid torrent URL: %v", err)
	}

	resp, err := i.httpClient.Do(req)
	if err != nil {
		return nil, types.WrapError(types.KindAPIError, err, "failed to fetch torrent: %v", err)
	}
	defer resp.Body.Close()

	if loc := resp.Header.Get("Location"); resp.StatusCode >= 300 && resp.StatusCode < 400 && IsMagnet(loc) {
		return FromMagnet(loc)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, types.NewError(types.KindAPIError, "failed to fetch torrent: HTTP %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, MaxTorrentSize+1))
	if err != nil {
		return nil, types.WrapError(types.KindAPIError, err, "failed to read torrent: %v", err)
	}
	if len(data) > MaxTorrentSize {
		return nil, types.NewError(types.KindInvalidTorrent, "torrent exceeds %d bytes", MaxTorrentSize)
	}

	return FromTorrentBytes(data)
}

// IsMagnet reports whether s is a magnet URI.
func IsMagnet(s string) bool {
	return strings.HasPrefix(strings.ToLower(strings.TrimSpace(s)), "magnet:")
}

// Normalize returns the canonical (uppercase, trimmed) form of a hash.
func Normalize(hash string) string {
	return strings.ToUpper(strings.TrimSpace(hash))
}

// IsHash reports whether s looks like a 40-char hex info-hash.
func IsHash(s string) bool {
	return hashPattern.MatchString(s)
}

// Equal compares two identifiers case-insensitively.
func Equal(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}

// Describe returns a short label for logs.
func Describe(input types.Input) string {
	switch input.Kind {
	case types.InputFile:
		return fmt.Sprintf("file (%d bytes)", len(input.Data))
	default:
		return string(input.Kind)
	}
}
