package types

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestError_IsMatchesKind(t *testing.T) {
	err := NewError(KindNotFound, "torrent %s not found", "ABC")

	assert.True(t, errors.Is(err, ErrNotFound))
	assert.False(t, errors.Is(err, ErrAPIError))
	assert.Equal(t, "not_found: torrent ABC not found", err.Error())

	wrapped := fmt.Errorf("lookup: %w", err)
	assert.True(t, errors.Is(wrapped, ErrNotFound))
}

func TestAsError(t *testing.T) {
	assert.Nil(t, AsError(nil))

	typed := NewError(KindInvalidConfig, "missing host")
	assert.Same(t, typed, AsError(fmt.Errorf("wrap: %w", typed)))

	plain := AsError(errors.New("boom"))
	assert.Equal(t, KindAPIError, plain.Kind)
	assert.Equal(t, "boom", plain.Message)

	timeout := AsError(context.DeadlineExceeded)
	assert.Equal(t, KindAPIError, timeout.Kind)
	assert.ErrorIs(t, timeout, context.DeadlineExceeded)
}

func TestClientConfig_Settings(t *testing.T) {
	cfg := &ClientConfig{Settings: map[string]any{
		"host":    " localhost ",
		"port":    float64(9091),
		"use_ssl": "true",
		"other":   42,
	}}

	assert.Equal(t, "localhost", cfg.String("host"))
	assert.Equal(t, "", cfg.String("missing"))
	assert.Equal(t, "42", cfg.String("other"))
	assert.Equal(t, 9091, cfg.Int("port", 0))
	assert.Equal(t, 7, cfg.Int("missing", 7))
	assert.True(t, cfg.Bool("use_ssl"))
	assert.False(t, cfg.Bool("missing"))
}

func TestTorrentStatus_MatchesList(t *testing.T) {
	seeding := &TorrentStatus{State: StatusSeeding, Category: "tv"}
	downloading := &TorrentStatus{State: StatusDownloading}

	assert.True(t, seeding.MatchesList(ListOptions{}))
	assert.True(t, seeding.MatchesList(ListOptions{State: "all"}))
	assert.True(t, seeding.MatchesList(ListOptions{State: "completed"}))
	assert.False(t, downloading.MatchesList(ListOptions{State: "completed"}))
	assert.True(t, downloading.MatchesList(ListOptions{State: "downloading"}))
	assert.False(t, seeding.MatchesList(ListOptions{Category: "movies"}))
	assert.True(t, seeding.MatchesList(ListOptions{Category: "tv"}))
}
