package downloader

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slipstream/dlsync/internal/downloader/mock"
)

func TestNewRegistry_Builtins(t *testing.T) {
	r := NewRegistry()

	assert.Equal(t, []ClientType{ClientTypeBlackhole, ClientTypeMock, ClientTypeTransmission}, r.Types())

	for _, typ := range r.Types() {
		client, err := r.Get(typ)
		require.NoError(t, err)
		assert.Equal(t, typ, client.Type())
	}
}

func TestRegistry_GetUnknown(t *testing.T) {
	_, err := NewEmptyRegistry().Get("qbittorrent")
	assert.ErrorIs(t, err, ErrAdapterNotFound)
}

func TestRegistry_Override(t *testing.T) {
	r := NewRegistry()
	fake := mock.New()

	r.Register(ClientTypeTransmission, fake)

	got, err := r.Get(ClientTypeTransmission)
	require.NoError(t, err)
	assert.Same(t, fake, got)
}
