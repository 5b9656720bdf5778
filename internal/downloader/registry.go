package downloader

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/slipstream/dlsync/internal/downloader/blackhole"
	"github.com/slipstream/dlsync/internal/downloader/identifier"
	"github.com/slipstream/dlsync/internal/downloader/mock"
	"github.com/slipstream/dlsync/internal/downloader/transmission"
)

// ErrAdapterNotFound is returned when no adapter is registered for a type.
var ErrAdapterNotFound = errors.New("no adapter registered for client type")

// Registry maps client type tags to adapter implementations.
type Registry struct {
	mu       sync.RWMutex
	adapters map[ClientType]Client
}

// NewRegistry returns a registry seeded with the built-in adapters.
func NewRegistry() *Registry {
	id := identifier.New(identifier.DefaultFetchTimeout)

	r := NewEmptyRegistry()
	r.Register(ClientTypeBlackhole, blackhole.New(id))
	r.Register(ClientTypeTransmission, transmission.New(id))
	r.Register(ClientTypeMock, mock.Shared())
	return r
}

// NewEmptyRegistry returns a registry with no adapters.
func NewEmptyRegistry() *Registry {
	return &Registry{adapters: make(map[ClientType]Client)}
}

// Register installs or replaces the adapter for clientType.
func (r *Registry) Register(clientType ClientType, client Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[clientType] = client
}

// Get returns the adapter for clientType.
func (r *Registry) Get(clientType ClientType) (Client, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	client, ok := r.adapters[clientType]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAdapterNotFound, clientType)
	}
	return client, nil
}

// Has reports whether an adapter is registered for clientType.
func (r *Registry) Has(clientType ClientType) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.adapters[clientType]
	return ok
}

// Types returns the registered type tags, sorted.
func (r *Registry) Types() []ClientType {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]ClientType, 0, len(r.adapters))
	for t := range r.adapters {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
