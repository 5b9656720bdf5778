package downloader

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slipstream/dlsync/internal/downloader/mock"
	"github.com/slipstream/dlsync/internal/downloader/types"
)

// stallingClient ignores its context and blocks until released.
type stallingClient struct {
	*mock.Client
	release chan struct{}
}

func (s *stallingClient) ListTorrents(_ context.Context, _ *types.ClientConfig, _ types.ListOptions) ([]types.TorrentStatus, error) {
	<-s.release
	return nil, nil
}

// rawErrorClient returns untyped errors.
type rawErrorClient struct {
	*mock.Client
}

func (r *rawErrorClient) RemoveTorrent(_ context.Context, _ *types.ClientConfig, _ string, _ types.RemoveOptions) error {
	return errors.New("socket closed")
}

func TestBounded_TimeoutBecomesAPIError(t *testing.T) {
	inner := &stallingClient{Client: mock.New(), release: make(chan struct{})}
	defer close(inner.release)

	client := Bounded(inner, 20*time.Millisecond)

	start := time.Now()
	_, err := client.ListTorrents(context.Background(), &types.ClientConfig{}, types.ListOptions{})
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrAPIError)
	assert.Contains(t, err.Error(), "timed out")
	assert.Less(t, time.Since(start), time.Second)
}

func TestBounded_NormalizesUntypedErrors(t *testing.T) {
	client := Bounded(&rawErrorClient{Client: mock.New()}, time.Second)

	err := client.RemoveTorrent(context.Background(), &types.ClientConfig{}, "x", types.RemoveOptions{})
	var typed *types.Error
	require.ErrorAs(t, err, &typed)
	assert.Equal(t, types.KindAPIError, typed.Kind)
	assert.Equal(t, "socket closed", typed.Message)
}

func TestBounded_PassesThrough(t *testing.T) {
	inner := mock.New()
	inner.Put(types.TorrentStatus{ID: "abc", State: types.StatusSeeding})
	client := Bounded(inner, time.Second)

	assert.Equal(t, ClientTypeMock, client.Type())

	status, err := client.GetStatus(context.Background(), &types.ClientConfig{}, "ABC")
	require.NoError(t, err)
	assert.Equal(t, types.StatusSeeding, status.State)

	_, err = client.GetStatus(context.Background(), &types.ClientConfig{}, "missing")
	assert.ErrorIs(t, err, types.ErrNotFound)

	// Rewrapping does not stack decorators.
	rebounded := Bounded(client, 2*time.Second)
	assert.Same(t, inner, rebounded.(*boundedClient).inner)
}
