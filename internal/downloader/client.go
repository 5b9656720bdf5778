// Package downloader provides the download client registry, the bounded
// adapter wrapper and persisted client configuration.
package downloader

import (
	"github.com/slipstream/dlsync/internal/downloader/types"
)

// Re-export types so callers can use downloader.Client instead of types.Client.
type (
	ClientType    = types.ClientType
	ClientConfig  = types.ClientConfig
	Client        = types.Client
	ClientInfo    = types.ClientInfo
	Input         = types.Input
	AddOptions    = types.AddOptions
	ListOptions   = types.ListOptions
	RemoveOptions = types.RemoveOptions
	TorrentStatus = types.TorrentStatus
	Status        = types.Status
)

// Re-export constants.
const (
	ClientTypeBlackhole    = types.ClientTypeBlackhole
	ClientTypeTransmission = types.ClientTypeTransmission
	ClientTypeMock         = types.ClientTypeMock
)
