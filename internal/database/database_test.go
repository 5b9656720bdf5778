package database

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMigrate_CreatesSchema(t *testing.T) {
	db, err := New(filepath.Join(t.TempDir(), "nested", "dlsync.db"))
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, db.Migrate())

	for _, table := range []string{"download_clients", "downloads", "history", "jobs"} {
		var name string
		err := db.Conn().QueryRow(`SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?`, table).Scan(&name)
		require.NoError(t, err, "table %s", table)
		assert.Equal(t, table, name)
	}

	version, err := db.Version()
	require.NoError(t, err)
	assert.Equal(t, int64(1), version)
}

func TestMigrate_Idempotent(t *testing.T) {
	db, err := New(filepath.Join(t.TempDir(), "dlsync.db"))
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, db.Migrate())
	require.NoError(t, db.Migrate())
}

func TestMigrateDown(t *testing.T) {
	db, err := New(filepath.Join(t.TempDir(), "dlsync.db"))
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, db.Migrate())
	require.NoError(t, db.MigrateDown())

	var count int
	err = db.Conn().QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = 'downloads'`).Scan(&count)
	require.NoError(t, err)
	assert.Zero(t, count)
}
