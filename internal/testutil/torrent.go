package testutil

import (
	"crypto/sha1" //nolint:gosec // BitTorrent v1 info-hash
	"encoding/hex"
	"strings"
	"testing"

	"github.com/anacrolix/torrent/bencode"
	"github.com/anacrolix/torrent/metainfo"
)

// TorrentBytes builds a minimal single-file .torrent and returns its bytes
// together with the expected uppercase info-hash.
func TorrentBytes(t *testing.T, name string) ([]byte, string) {
	t.Helper()

	info := metainfo.Info{
		Name:        name,
		PieceLength: 16384,
		Length:      int64(len(name)) * 1024,
		Pieces:      make([]byte, 20),
	}
	infoBytes, err := bencode.Marshal(info)
	if err != nil {
		t.Fatalf("Failed to marshal info: %v", err)
	}

	mi := &metainfo.MetaInfo{
		Announce:  "http://tracker.example/announce",
		CreatedBy: "dlsync-test",
		InfoBytes: infoBytes,
	}
	data, err := bencode.Marshal(mi)
	if err != nil {
		t.Fatalf("Failed to marshal metainfo: %v", err)
	}

	sum := sha1.Sum(infoBytes) //nolint:gosec
	return data, strings.ToUpper(hex.EncodeToString(sum[:]))
}

// MagnetURI returns a magnet link for hash.
func MagnetURI(hash, name string) string {
	return "magnet:?xt=urn:btih:" + hash + "&dn=" + name
}
