package watcher

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slipstream/dlsync/internal/downloader/types"
)

type staticClients []*types.ClientConfig

func (s staticClients) ListEnabled(context.Context) ([]*types.ClientConfig, error) {
	return s, nil
}

type countingTrigger struct {
	n atomic.Int32
}

func (c *countingTrigger) Trigger() { c.n.Add(1) }

func TestService_TriggersOnNewCompletedDir(t *testing.T) {
	completed := t.TempDir()
	clients := staticClients{
		{Name: "bh", Type: types.ClientTypeBlackhole, Enabled: true, Settings: map[string]any{
			"watch_folder":     t.TempDir(),
			"completed_folder": completed,
		}},
		{Name: "tr", Type: types.ClientTypeTransmission, Enabled: true, Settings: map[string]any{"host": "localhost"}},
	}
	trigger := &countingTrigger{}

	svc, err := NewService(Config{DebounceDelay: 20 * time.Millisecond, MaxBatchSize: 10, MaxDepth: 1}, clients, trigger, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, svc.Start(context.Background()))
	t.Cleanup(func() { _ = svc.Stop() })

	assert.Equal(t, map[string]string{"bh": completed}, svc.WatchedFolders())

	require.NoError(t, os.Mkdir(filepath.Join(completed, "Show.S01.0123456789abcdef0123456789abcdef01234567"), 0o755))

	require.Eventually(t, func() bool { return trigger.n.Load() > 0 }, 3*time.Second, 10*time.Millisecond)
}

func TestService_IgnoresHiddenFiles(t *testing.T) {
	completed := t.TempDir()
	clients := staticClients{
		{Name: "bh", Type: types.ClientTypeBlackhole, Enabled: true, Settings: map[string]any{"completed_folder": completed}},
	}
	trigger := &countingTrigger{}

	svc, err := NewService(Config{DebounceDelay: 20 * time.Millisecond, MaxBatchSize: 10}, clients, trigger, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, svc.Start(context.Background()))
	t.Cleanup(func() { _ = svc.Stop() })

	require.NoError(t, os.WriteFile(filepath.Join(completed, ".dlsync-probe-1"), []byte("x"), 0o644))
	time.Sleep(200 * time.Millisecond)
	assert.Zero(t, trigger.n.Load())
}

func TestDepthBelow(t *testing.T) {
	root := filepath.FromSlash("/data/completed")
	assert.Equal(t, 0, depthBelow(root, root))
	assert.Equal(t, 1, depthBelow(root, filepath.Join(root, "tv")))
	assert.Equal(t, 2, depthBelow(root, filepath.Join(root, "tv", "Show")))
}
