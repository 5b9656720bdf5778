package downloader

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/slipstream/dlsync/internal/downloader/types"
	"github.com/slipstream/dlsync/internal/metrics"
)

// DefaultClientTimeout bounds each adapter call when no timeout is configured.
const DefaultClientTimeout = 30 * time.Second

// boundedClient runs every call under a deadline, normalizes errors to
// *types.Error and records call metrics.
type boundedClient struct {
	inner   Client
	timeout time.Duration
}

// Bounded decorates client so no call outlives timeout.
func Bounded(client Client, timeout time.Duration) Client {
	if timeout <= 0 {
		timeout = DefaultClientTimeout
	}
	if b, ok := client.(*boundedClient); ok {
		return &boundedClient{inner: b.inner, timeout: timeout}
	}
	return &boundedClient{inner: client, timeout: timeout}
}

func (b *boundedClient) Type() ClientType {
	return b.inner.Type()
}

func (b *boundedClient) TestConnection(ctx context.Context, cfg *ClientConfig) (*ClientInfo, error) {
	return call(ctx, b, "test_connection", func(ctx context.Context) (*ClientInfo, error) {
		return b.inner.TestConnection(ctx, cfg)
	})
}

func (b *boundedClient) AddTorrent(ctx context.Context, cfg *ClientConfig, input Input, opts AddOptions) (string, error) {
	return call(ctx, b, "add_torrent", func(ctx context.Context) (string, error) {
		return b.inner.AddTorrent(ctx, cfg, input, opts)
	})
}

func (b *boundedClient) GetStatus(ctx context.Context, cfg *ClientConfig, id string) (*TorrentStatus, error) {
	return call(ctx, b, "get_status", func(ctx context.Context) (*TorrentStatus, error) {
		return b.inner.GetStatus(ctx, cfg, id)
	})
}

func (b *boundedClient) ListTorrents(ctx context.Context, cfg *ClientConfig, opts ListOptions) ([]TorrentStatus, error) {
	return call(ctx, b, "list_torrents", func(ctx context.Context) ([]TorrentStatus, error) {
		return b.inner.ListTorrents(ctx, cfg, opts)
	})
}

func (b *boundedClient) RemoveTorrent(ctx context.Context, cfg *ClientConfig, id string, opts RemoveOptions) error {
	_, err := call(ctx, b, "remove_torrent", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, b.inner.RemoveTorrent(ctx, cfg, id, opts)
	})
	return err
}

func (b *boundedClient) PauseTorrent(ctx context.Context, cfg *ClientConfig, id string) error {
	_, err := call(ctx, b, "pause_torrent", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, b.inner.PauseTorrent(ctx, cfg, id)
	})
	return err
}

func (b *boundedClient) ResumeTorrent(ctx context.Context, cfg *ClientConfig, id string) error {
	_, err := call(ctx, b, "resume_torrent", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, b.inner.ResumeTorrent(ctx, cfg, id)
	})
	return err
}

type outcome[T any] struct {
	value T
	err   error
}

// call executes fn in its own goroutine so an adapter that ignores its
// context still cannot hold the caller past the deadline.
func call[T any](ctx context.Context, b *boundedClient, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	clientType := string(b.inner.Type())
	timer := prometheus.NewTimer(metrics.AdapterLatency.WithLabelValues(clientType, op))
	defer timer.ObserveDuration()

	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	done := make(chan outcome[T], 1)
	go func() {
		v, err := fn(ctx)
		done <- outcome[T]{value: v, err: err}
	}()

	var res outcome[T]
	select {
	case res = <-done:
	case <-ctx.Done():
		res.err = ctx.Err()
	}

	if res.err != nil && errors.Is(res.err, context.DeadlineExceeded) {
		res.err = types.WrapError(types.KindAPIError, res.err, "%s timed out after %s", op, b.timeout)
	}
	typed := types.AsError(res.err)

	result := "ok"
	if typed != nil {
		result = string(typed.Kind)
	}
	metrics.AdapterCalls.WithLabelValues(clientType, op, result).Inc()

	if typed != nil {
		var zero T
		return zero, typed
	}
	return res.value, nil
}
