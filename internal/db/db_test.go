package db

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRebind(t *testing.T) {
	q := `UPDATE escrow_transactions SET status=? WHERE id=? AND version=?`
	assert.Equal(t, `UPDATE escrow_transactions SET status=$1 WHERE id=$2 AND version=$3`, Postgres.Rebind(q))
	assert.Equal(t, q, SQLite.Rebind(q))
	assert.Equal(t, q, MySQL.Rebind(q))
}

func TestParseDialect(t *testing.T) {
	d, err := ParseDialect("")
	require.NoError(t, err)
	assert.Equal(t, SQLite, d)
	_, err = ParseDialect("mssql")
	assert.Error(t, err)
}

func TestOpenSQLiteWorkspace(t *testing.T) {
	dir := t.TempDir()
	conn, dialect, err := Open(Config{Workspace: dir})
	require.NoError(t, err)
	defer conn.Close()
	assert.Equal(t, SQLite, dialect)
	require.NoError(t, conn.Ping())
	assert.FileExists(t, filepath.Join(dir, ".escrowline", "escrowline.db"))
}
