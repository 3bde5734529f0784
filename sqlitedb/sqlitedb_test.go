package sqlitedb

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSchema = `CREATE TABLE IF NOT EXISTS kv (k TEXT PRIMARY KEY, v TEXT);`

func TestOpen_CreatesParentDirAndSchema(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "test.db")

	db, err := Open(path, testSchema)
	require.NoError(t, err)
	defer db.Close()

	_, err = os.Stat(filepath.Dir(path))
	require.NoError(t, err)

	_, err = db.Exec(`INSERT INTO kv (k, v) VALUES ('a', 'b')`)
	require.NoError(t, err)

	var mode string
	require.NoError(t, db.QueryRow("PRAGMA journal_mode").Scan(&mode))
	assert.Equal(t, "wal", mode)
}

func TestOpen_IsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	for i := 0; i < 2; i++ {
		db, err := Open(path, testSchema)
		require.NoError(t, err)
		require.NoError(t, db.Close())
	}
}

func TestOpen_RequiresDSN(t *testing.T) {
	_, err := Open("  ", testSchema)
	assert.Error(t, err)
}

func TestWithBusyTimeout(t *testing.T) {
	assert.Equal(t, "a.db?_pragma=busy_timeout(5000)", WithBusyTimeout("a.db"))
	assert.Equal(t, "file:a.db?cache=shared&_pragma=busy_timeout(5000)", WithBusyTimeout("file:a.db?cache=shared"))
	assert.Equal(t, "a.db?_pragma=busy_timeout(10)", WithBusyTimeout("a.db?_pragma=busy_timeout(10)"))
}

func TestIsMemory(t *testing.T) {
	assert.True(t, IsMemory(":memory:"))
	assert.True(t, IsMemory("file:x?mode=memory&cache=shared"))
	assert.False(t, IsMemory("/tmp/x.db"))
}
