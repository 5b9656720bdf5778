package downloader

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slipstream/dlsync/internal/downloader/mock"
	"github.com/slipstream/dlsync/internal/downloader/types"
	"github.com/slipstream/dlsync/internal/testutil"
)

func intPtr(i int) *int { return &i }

func newTestService(t *testing.T) (*Service, *mock.Client) {
	t.Helper()
	tdb := testutil.NewTestDB(t)

	fake := mock.New()
	registry := NewRegistry()
	registry.Register(ClientTypeMock, fake)

	return NewService(tdb.Conn, registry, tdb.Logger), fake
}

func TestService_CRUD(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	created, err := svc.Create(ctx, &ClientInput{
		Name:     "  qbit ",
		Type:     "mock",
		Enabled:  true,
		Category: "tv",
		Settings: map[string]any{"host": "localhost", "port": 8080},
	})
	require.NoError(t, err)
	assert.Equal(t, "qbit", created.Name)
	assert.Equal(t, DefaultPriority, created.Priority)
	assert.Equal(t, "localhost", created.String("host"))
	assert.Equal(t, 8080, created.Int("port", 0))
	assert.False(t, created.CreatedAt.IsZero())

	byName, err := svc.GetByName(ctx, "qbit")
	require.NoError(t, err)
	assert.Equal(t, created.ID, byName.ID)

	updated, err := svc.Update(ctx, created.ID, &ClientInput{Name: "qbit", Type: "mock", Priority: intPtr(5)})
	require.NoError(t, err)
	assert.Equal(t, 5, updated.Priority)
	assert.False(t, updated.Enabled)

	list, err := svc.List(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	require.NoError(t, svc.Delete(ctx, created.ID))
	_, err = svc.Get(ctx, created.ID)
	assert.ErrorIs(t, err, ErrClientNotFound)
	assert.ErrorIs(t, svc.Delete(ctx, created.ID), ErrClientNotFound)
}

func TestService_Validation(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Create(ctx, &ClientInput{Type: "mock"})
	assert.ErrorIs(t, err, ErrInvalidClient)

	_, err = svc.Create(ctx, &ClientInput{Name: "x", Type: "qbittorrent"})
	assert.ErrorIs(t, err, types.ErrInvalidConfig)

	_, err = svc.Create(ctx, &ClientInput{Name: "dup", Type: "mock"})
	require.NoError(t, err)
	_, err = svc.Create(ctx, &ClientInput{Name: "dup", Type: "mock"})
	assert.ErrorIs(t, err, ErrDuplicateName)

	_, err = svc.Update(ctx, 999, &ClientInput{Name: "y", Type: "mock"})
	assert.ErrorIs(t, err, ErrClientNotFound)
}

func TestService_ListEnabledOrdersByPriority(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	for _, in := range []*ClientInput{
		{Name: "second", Type: "mock", Enabled: true, Priority: intPtr(2)},
		{Name: "disabled", Type: "mock", Enabled: false, Priority: intPtr(0)},
		{Name: "first", Type: "mock", Enabled: true, Priority: intPtr(1)},
	} {
		_, err := svc.Create(ctx, in)
		require.NoError(t, err)
	}

	enabled, err := svc.ListEnabled(ctx)
	require.NoError(t, err)
	require.Len(t, enabled, 2)
	assert.Equal(t, "first", enabled[0].Name)
	assert.Equal(t, "second", enabled[1].Name)
}

func TestService_Test(t *testing.T) {
	svc, fake := newTestService(t)
	ctx := context.Background()

	created, err := svc.Create(ctx, &ClientInput{Name: "m", Type: "mock", Enabled: true})
	require.NoError(t, err)

	result, err := svc.Test(ctx, created.ID)
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, "mock", result.Version)

	fake.FailOn(mock.OpTest, types.NewError(types.KindAPIError, "down"))
	result, err = svc.Test(ctx, created.ID)
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Contains(t, result.Message, "down")
}

func TestService_TestConfigBlackhole(t *testing.T) {
	svc, _ := newTestService(t)
	root := t.TempDir()
	watch := filepath.Join(root, "watch")
	completed := filepath.Join(root, "completed")
	require.NoError(t, os.MkdirAll(watch, 0o755))
	require.NoError(t, os.MkdirAll(completed, 0o755))

	result, err := svc.TestConfig(context.Background(), &ClientInput{
		Name: "bh",
		Type: "blackhole",
		Settings: map[string]any{
			"watch_folder":     watch,
			"completed_folder": completed,
		},
	})
	require.NoError(t, err)
	assert.True(t, result.Success, result.Message)

	result, err = svc.TestConfig(context.Background(), &ClientInput{Name: "bh", Type: "blackhole"})
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Contains(t, result.Message, "invalid_config")
}

func TestService_AdapterUnregistered(t *testing.T) {
	svc, _ := newTestService(t)

	_, err := svc.Adapter(&types.ClientConfig{Type: "utorrent"})
	assert.ErrorIs(t, err, types.ErrInvalidConfig)

	adapter, err := svc.Adapter(&types.ClientConfig{Type: ClientTypeMock})
	require.NoError(t, err)
	assert.Equal(t, ClientTypeMock, adapter.Type())
}
