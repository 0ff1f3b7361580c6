package manifest

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/sushant-115/gojocol/core/buffer/file_worker"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open("", true, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStore_PutGetDelete(t *testing.T) {
	s := openTestStore(t)
	now := time.Now().UTC().Truncate(time.Second)
	rec := Record{
		ObjectID:         "orders/c0",
		Kind:             file_worker.KindColumn,
		FileDir:          "orders",
		FileName:         "c0.col",
		CurrentTier:      TierSpill,
		LocationPointer:  "/spill/orders/c0.col",
		Size:             4096,
		Attributes:       map[string]string{"width": "8"},
		CreationTime:     now,
		LastModifiedTime: now,
	}
	require.NoError(t, s.Put(rec))

	got, err := s.Get("orders/c0")
	require.NoError(t, err)
	assert.True(t, now.Equal(got.CreationTime))
	assert.True(t, now.Equal(got.LastModifiedTime))
	got.CreationTime, got.LastModifiedTime = now, now
	assert.Equal(t, rec, got)

	rec.CurrentTier = TierData
	rec.Persisted = true
	require.NoError(t, s.Put(rec))
	got, err = s.Get("orders/c0")
	require.NoError(t, err)
	assert.Equal(t, TierData, got.CurrentTier)
	assert.True(t, got.Persisted)

	require.NoError(t, s.Delete("orders/c0"))
	_, err = s.Get("orders/c0")
	assert.ErrorIs(t, err, ErrRecordNotFound)

	require.NoError(t, s.Delete("orders/c0"))
}

func TestStore_PutRejectsEmptyID(t *testing.T) {
	s := openTestStore(t)
	assert.Error(t, s.Put(Record{}))
}

func TestStore_List(t *testing.T) {
	s := openTestStore(t)
	for _, id := range []string{"c", "a", "b"} {
		require.NoError(t, s.Put(Record{ObjectID: id, Kind: file_worker.KindIndex, FileName: id + ".idx"}))
	}
	records, err := s.List()
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, "a", records[0].ObjectID)
	assert.Equal(t, "b", records[1].ObjectID)
	assert.Equal(t, "c", records[2].ObjectID)
}

func TestStore_ReopenOnDisk(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, false, zaptest.NewLogger(t))
	require.NoError(t, err)
	require.NoError(t, s.Put(Record{ObjectID: "x", Kind: file_worker.KindCatalog, FileName: "x.cat"}))
	require.NoError(t, s.Close())

	s, err = Open(dir, false, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer s.Close()
	records, err := s.List()
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, file_worker.KindCatalog, records[0].Kind)
}
