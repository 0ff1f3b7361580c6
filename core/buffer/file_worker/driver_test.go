package file_worker

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/sushant-115/gojocol/core/storage_engine/common"
	"github.com/sushant-115/gojocol/core/storage_engine/localfs"
)

func newTestDriver(t *testing.T) (*Driver, Dirs) {
	t.Helper()
	root := t.TempDir()
	dirs := Dirs{DataDir: filepath.Join(root, "data"), SpillDir: filepath.Join(root, "spill")}
	return NewDriver(localfs.New(), zaptest.NewLogger(t), common.NewSpillLimiter(64*1024*1024)), dirs
}

func fileExists(t *testing.T, path string) bool {
	t.Helper()
	_, err := os.Stat(path)
	if os.IsNotExist(err) {
		return false
	}
	require.NoError(t, err)
	return true
}

func TestDriver_WriteReadRoundTrip(t *testing.T) {
	d, dirs := newTestDriver(t)
	ctx := context.Background()

	for _, spill := range []bool{false, true} {
		w, err := NewColumnWorker(dirs, "tbl", "c.col", 1, 8)
		require.NoError(t, err)
		chunk := &ColumnChunk{Width: 1, Data: []byte("abcdefgh")}

		require.NoError(t, d.WriteToFile(ctx, w, chunk, spill))
		assert.True(t, fileExists(t, FilePath(w, spill)))
		assert.False(t, fileExists(t, FilePath(w, !spill)))

		got, err := d.ReadFromFile(w, spill)
		require.NoError(t, err)
		assert.Equal(t, chunk.Data, got.(*ColumnChunk).Data)

		require.NoError(t, d.CleanupFile(w))
		require.NoError(t, d.CleanupSpillFile(w))
	}
}

func TestDriver_RewriteTruncates(t *testing.T) {
	d, dirs := newTestDriver(t)
	ctx := context.Background()
	w, err := NewColumnWorker(dirs, "", "c.col", 1, 8)
	require.NoError(t, err)

	require.NoError(t, d.WriteToFile(ctx, w, &ColumnChunk{Width: 1, Data: []byte("0123456789")}, false))
	require.NoError(t, d.WriteToFile(ctx, w, &ColumnChunk{Width: 1, Data: []byte("xy")}, false))

	got, err := d.ReadFromFile(w, false)
	require.NoError(t, err)
	assert.Equal(t, []byte("xy"), got.(*ColumnChunk).Data)
}

func TestDriver_WriteNilPayload(t *testing.T) {
	d, dirs := newTestDriver(t)
	w, err := NewColumnWorker(dirs, "", "c.col", 1, 1)
	require.NoError(t, err)

	err = d.WriteToFile(context.Background(), w, nil, false)
	assert.ErrorIs(t, err, ErrNoData)
	assert.True(t, IsUnrecoverable(err))
	assert.False(t, fileExists(t, FilePath(w, false)))
}

func TestDriver_PrepareFailureLeavesEmptyFile(t *testing.T) {
	d, dirs := newTestDriver(t)
	w, err := NewColumnWorker(dirs, "", "c.col", 4, 1)
	require.NoError(t, err)

	err = d.WriteToFile(context.Background(), w, &ColumnChunk{Width: 4, Data: []byte{1, 2, 3}}, false)
	assert.ErrorIs(t, err, ErrPrepareWrite)

	info, statErr := os.Stat(FilePath(w, false))
	require.NoError(t, statErr)
	assert.Zero(t, info.Size())

	_, err = d.ReadFromFile(w, false)
	assert.ErrorIs(t, err, ErrCorruptData)
}

func TestDriver_PrepareFailureKeepsExistingFile(t *testing.T) {
	d, dirs := newTestDriver(t)
	ctx := context.Background()
	w, err := NewColumnWorker(dirs, "tbl", "c.col", 4, 2)
	require.NoError(t, err)

	require.NoError(t, d.WriteToFile(ctx, w, &ColumnChunk{Width: 4, Data: []byte("abcdefgh")}, false))
	before, err := os.ReadFile(FilePath(w, false))
	require.NoError(t, err)

	// Data is not a whole number of rows.
	err = d.WriteToFile(ctx, w, &ColumnChunk{Width: 4, Data: []byte("xyz")}, false)
	require.ErrorIs(t, err, ErrPrepareWrite)

	after, err := os.ReadFile(FilePath(w, false))
	require.NoError(t, err)
	assert.Equal(t, before, after)

	got, err := d.ReadFromFile(w, false)
	require.NoError(t, err)
	assert.Equal(t, []byte("abcdefgh"), got.(*ColumnChunk).Data)
}

func TestDriver_ReadMissing(t *testing.T) {
	d, dirs := newTestDriver(t)
	w, err := NewCatalogWorker(dirs, "", "none.cat", 0)
	require.NoError(t, err)

	_, err = d.ReadFromFile(w, false)
	assert.ErrorIs(t, err, ErrFileNotFound)
	_, err = d.ReadFromFile(w, true)
	assert.ErrorIs(t, err, ErrFileNotFound)
}

func TestDriver_ReadCorrupt(t *testing.T) {
	d, dirs := newTestDriver(t)
	w, err := NewIndexWorker(dirs, "", "bad.idx", 1, nil)
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(dirs.DataDir, 0o755))
	require.NoError(t, os.WriteFile(FilePath(w, false), []byte("not an index file at all"), 0o644))

	_, err = d.ReadFromFile(w, false)
	assert.ErrorIs(t, err, ErrCorruptData)
	assert.False(t, IsUnrecoverable(err))
}

func TestDriver_MoveFile(t *testing.T) {
	d, dirs := newTestDriver(t)
	ctx := context.Background()
	w, err := NewColumnWorker(dirs, "seg", "m.col", 1, 3)
	require.NoError(t, err)

	err = d.MoveFile(w)
	assert.ErrorIs(t, err, ErrFileNotFound)

	require.NoError(t, d.WriteToFile(ctx, w, &ColumnChunk{Width: 1, Data: []byte("old")}, false))
	require.NoError(t, d.WriteToFile(ctx, w, &ColumnChunk{Width: 1, Data: []byte("new")}, true))

	// The data-dir copy is replaced without complaint.
	require.NoError(t, d.MoveFile(w))
	assert.False(t, fileExists(t, FilePath(w, true)))
	got, err := d.ReadFromFile(w, false)
	require.NoError(t, err)
	assert.Equal(t, []byte("new"), got.(*ColumnChunk).Data)

	err = d.MoveFile(w)
	assert.ErrorIs(t, err, ErrFileNotFound)
}

func TestDriver_CleanupIdempotent(t *testing.T) {
	d, dirs := newTestDriver(t)
	w, err := NewColumnWorker(dirs, "", "x.col", 1, 1)
	require.NoError(t, err)
	require.NoError(t, d.WriteToFile(context.Background(), w, &ColumnChunk{Width: 1, Data: []byte("z")}, true))

	for i := 0; i < 3; i++ {
		require.NoError(t, d.CleanupSpillFile(w))
		require.NoError(t, d.CleanupFile(w))
	}
	assert.False(t, fileExists(t, FilePath(w, true)))
}
