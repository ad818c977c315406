package db

import (
	"bytes"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/gnss-integrity/internal/monitoring"
)

func setupMigrationTestDB(t *testing.T) (*DB, string) {
	t.Helper()
	monitoring.SetLogger(nil)
	path := filepath.Join(t.TempDir(), "migrate.db")
	db, err := OpenDB(path)
	if err != nil {
		t.Fatalf("OpenDB: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db, path
}

func tableExists(t *testing.T, db *DB, name string) bool {
	t.Helper()
	var n int
	err := db.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?`, name).Scan(&n)
	require.NoError(t, err)
	return n > 0
}

func TestMigrationsFS_Embedded(t *testing.T) {
	latest, err := LatestMigrationVersion(MigrationsFS())
	require.NoError(t, err)
	assert.Equal(t, uint(2), latest)

	for _, name := range []string{
		"000001_create_acquisitions.up.sql",
		"000001_create_acquisitions.down.sql",
		"000002_create_sessions.up.sql",
		"000002_create_sessions.down.sql",
	} {
		_, err := MigrationsFS().Open(name)
		assert.NoError(t, err, name)
	}
}

func TestLatestMigrationVersion_Empty(t *testing.T) {
	_, err := LatestMigrationVersion(fstest.MapFS{})
	assert.Error(t, err)
}

func TestMigrate_UpDownVersion(t *testing.T) {
	db, _ := setupMigrationTestDB(t)
	fsys := MigrationsFS()

	v, dirty, err := db.MigrateVersion(fsys)
	require.NoError(t, err)
	assert.Zero(t, v)
	assert.False(t, dirty)

	require.NoError(t, db.MigrateUp(fsys))
	assert.True(t, tableExists(t, db, "acquisitions"))
	assert.True(t, tableExists(t, db, "sessions"))

	// idempotent
	require.NoError(t, db.MigrateUp(fsys))

	require.NoError(t, db.MigrateDown(fsys))
	v, _, err = db.MigrateVersion(fsys)
	require.NoError(t, err)
	assert.Equal(t, uint(1), v)
	assert.False(t, tableExists(t, db, "sessions"))
	assert.True(t, tableExists(t, db, "acquisitions"))

	require.NoError(t, db.MigrateTo(fsys, 2))
	assert.True(t, tableExists(t, db, "sessions"))

	require.NoError(t, db.MigrateTo(fsys, 2), "no change is not an error")
}

func TestMigrate_ForceRecoversDirtyState(t *testing.T) {
	db, _ := setupMigrationTestDB(t)
	broken := fstest.MapFS{
		"000001_ok.up.sql":    {Data: []byte(`CREATE TABLE a (id INTEGER);`)},
		"000001_ok.down.sql":  {Data: []byte(`DROP TABLE a;`)},
		"000002_bad.up.sql":   {Data: []byte(`THIS IS NOT SQL;`)},
		"000002_bad.down.sql": {Data: []byte(`SELECT 1;`)},
	}

	err := db.MigrateUp(broken)
	require.Error(t, err)

	status, err := db.MigrationStatus(broken)
	require.NoError(t, err)
	assert.Equal(t, uint(2), status.Current)
	assert.True(t, status.Dirty)

	require.NoError(t, db.MigrateForce(broken, 1))
	status, err = db.MigrationStatus(broken)
	require.NoError(t, err)
	assert.Equal(t, uint(1), status.Current)
	assert.False(t, status.Dirty)
	assert.Equal(t, uint(1), status.Pending())
}

func TestMigrateCommand(t *testing.T) {
	_, path := setupMigrationTestDB(t)

	run := func(in string, args ...string) (string, error) {
		var out bytes.Buffer
		err := MigrateCommand{
			DBPath:     path,
			Migrations: MigrationsFS(),
			Out:        &out,
			In:         strings.NewReader(in),
		}.Run(args)
		return out.String(), err
	}

	out, err := run("", "status")
	require.NoError(t, err)
	assert.Contains(t, out, "Current version: 0")
	assert.Contains(t, out, "2 migration(s) pending")

	out, err = run("", "up")
	require.NoError(t, err)
	assert.Contains(t, out, "Current version: 2")

	out, err = run("", "down")
	require.NoError(t, err)
	assert.Contains(t, out, "Current version: 1")

	out, err = run("", "version", "2")
	require.NoError(t, err)
	assert.Contains(t, out, "Migrated to version 2")

	out, err = run("n\n", "force", "1")
	require.NoError(t, err)
	assert.Contains(t, out, "Aborted")

	_, err = run("y\n", "force", "1")
	require.NoError(t, err)
	out, err = run("", "status")
	require.NoError(t, err)
	assert.Contains(t, out, "Current version: 1")
}

func TestMigrateCommand_Usage(t *testing.T) {
	_, path := setupMigrationTestDB(t)
	cmd := MigrateCommand{DBPath: path, Migrations: MigrationsFS(), Out: &bytes.Buffer{}}

	tests := []struct {
		name string
		args []string
	}{
		{"no args", nil},
		{"unknown", []string{"sideways"}},
		{"version missing", []string{"version"}},
		{"version not a number", []string{"version", "two"}},
		{"force negative", []string{"force", "-1"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := cmd.Run(tt.args)
			assert.True(t, errors.Is(err, ErrUsage), "err = %v", err)
		})
	}

	var out bytes.Buffer
	cmd.Out = &out
	require.NoError(t, cmd.Run([]string{"help"}))
	assert.Contains(t, out.String(), "Usage: hpl-monitor migrate")
}
