package fileset

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func touch(t *testing.T, path string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))
}

func TestScanAndCleanParsesAndSorts(t *testing.T) {
	dir := t.TempDir()
	touch(t, filepath.Join(dir, "1", "2", "3-a.db"))
	touch(t, filepath.Join(dir, "1", "3", "4-b.db"))
	touch(t, filepath.Join(dir, "2", "0", "0-c.db"))

	files, deleted, err := ScanAndClean(dir, 10)
	require.NoError(t, err)
	require.Len(t, files, 3)
	require.Equal(t, 0, deleted)

	// newest (highest day/hour/minute) first
	require.Equal(t, 2, files[0].Day)
	require.Equal(t, "c", files[0].ShardID)
}

func TestScanAndCleanSkipsWalSidecars(t *testing.T) {
	dir := t.TempDir()
	touch(t, filepath.Join(dir, "1", "1", "1-a.db"))
	touch(t, filepath.Join(dir, "1", "1", "1-a.db-wal"))

	files, _, err := ScanAndClean(dir, 10)
	require.NoError(t, err)
	require.Len(t, files, 0)
}

func TestScanAndCleanDeletesOverflow(t *testing.T) {
	dir := t.TempDir()
	touch(t, filepath.Join(dir, "1", "0", "0-a.db"))
	touch(t, filepath.Join(dir, "2", "0", "0-b.db"))
	touch(t, filepath.Join(dir, "3", "0", "0-c.db"))

	files, deleted, err := ScanAndClean(dir, 2)
	require.NoError(t, err)
	require.Len(t, files, 2)
	require.Equal(t, 1, deleted)

	_, err = os.Stat(filepath.Join(dir, "1", "0", "0-a.db"))
	require.True(t, os.IsNotExist(err), "oldest file should have been deleted")
}

func TestScanAndCleanSkipsUnparseablePaths(t *testing.T) {
	dir := t.TempDir()
	touch(t, filepath.Join(dir, "not-a-number", "1", "1-a.db"))
	touch(t, filepath.Join(dir, "1", "1", "1-a.db"))

	files, _, err := ScanAndClean(dir, 10)
	require.NoError(t, err)
	require.Len(t, files, 1)
}

func TestToMinuteID(t *testing.T) {
	f := FileInfo{Day: 1, Hour: 2, Minute: 3, ShardID: "x"}
	id := f.ToMinuteID()
	require.Equal(t, uint32(1), id.Day)
	require.Equal(t, uint32(2), id.Hour)
	require.Equal(t, uint32(3), id.Minute)
	require.Equal(t, "x", id.ShardID)
}
