package buffer

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/sushant-115/gojocol/core/buffer/file_worker"
	"github.com/sushant-115/gojocol/core/buffer/manifest"
)

func TestBufferManager_FlushAll(t *testing.T) {
	cfg := testConfig(t, 16*kib)
	m := newTestManager(t, cfg)

	var workers []*file_worker.ColumnWorker
	for i := 0; i < 5; i++ {
		w := columnWorker(t, cfg, fmt.Sprintf("f%d.col", i), kib)
		workers = append(workers, w)
		h, err := m.Allocate(ObjectID(fmt.Sprintf("f%d", i)), w)
		require.NoError(t, err)
		fill(t, h, byte(i))
		require.NoError(t, h.Release())
	}
	pinned, err := m.Allocate("pinned", columnWorker(t, cfg, "pinned.col", kib))
	require.NoError(t, err)

	require.NoError(t, m.FlushAll(context.Background()))
	for i, w := range workers {
		assert.FileExists(t, file_worker.FilePath(w, false))
		requireState(t, m, ObjectID(fmt.Sprintf("f%d", i)), StateLoaded)
	}
	assert.NoFileExists(t, filepath.Join(cfg.DataDir, "tbl", "pinned.col"))

	// Nothing is dirty any more, so a second pass writes nothing.
	info, err := os.Stat(file_worker.FilePath(workers[0], false))
	require.NoError(t, err)
	require.NoError(t, m.FlushAll(context.Background()))
	again, err := os.Stat(file_worker.FilePath(workers[0], false))
	require.NoError(t, err)
	assert.Equal(t, info.ModTime(), again.ModTime())

	require.NoError(t, pinned.Release())
}

func TestBufferManager_FlushAllCancelled(t *testing.T) {
	cfg := testConfig(t, 8*kib)
	m := newTestManager(t, cfg)

	w := columnWorker(t, cfg, "c.col", kib)
	h, err := m.Allocate("c", w)
	require.NoError(t, err)
	require.NoError(t, h.Release())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = m.FlushAll(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.NoFileExists(t, file_worker.FilePath(w, false))

	// The object is still dirty and idle.
	require.NoError(t, m.FlushAll(context.Background()))
	assert.FileExists(t, file_worker.FilePath(w, false))
}

func TestBufferManager_SweepSpillDir(t *testing.T) {
	cfg := testConfig(t, 8*kib)
	m := newTestManager(t, cfg)

	kept := tempColumnWorker(t, cfg, "kept.col", kib)
	writeColumnFile(t, kept, 'k', true)
	require.NoError(t, m.RegisterSpilled("kept", kept))
	requireState(t, m, "kept", StateSpilled)

	orphans := []string{
		filepath.Join(cfg.SpillDir, "query", "orphan1.col"),
		filepath.Join(cfg.SpillDir, "deep", "nested", "orphan2.idx"),
		filepath.Join(cfg.SpillDir, "orphan3"),
	}
	for _, p := range orphans {
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte("stale"), 0o644))
	}

	removed, err := m.SweepSpillDir()
	require.NoError(t, err)
	assert.Equal(t, len(orphans), removed)
	for _, p := range orphans {
		assert.NoFileExists(t, p)
	}
	assert.FileExists(t, file_worker.FilePath(kept, true))

	removed, err = m.SweepSpillDir()
	require.NoError(t, err)
	assert.Zero(t, removed)

	h, err := m.Get("kept")
	require.NoError(t, err)
	assert.True(t, filledWith(h, 'k', kib))
	require.NoError(t, h.Release())
}

func TestBufferManager_RestoreFromManifest(t *testing.T) {
	store, err := manifest.Open("", true, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	cfg := testConfig(t, 4*kib)
	first := newTestManager(t, cfg, WithManifest(store))

	persisted, err := first.Allocate("persisted", columnWorker(t, cfg, "p.col", 2*kib))
	require.NoError(t, err)
	fill(t, persisted, 'p')
	require.NoError(t, persisted.FlushAndRelease())

	spilled, err := first.Allocate("spilled", tempColumnWorker(t, cfg, "s.col", 2*kib))
	require.NoError(t, err)
	fill(t, spilled, 's')
	require.NoError(t, spilled.Release())

	catalog, err := file_worker.NewCatalogWorker(cfg.Dirs(), "catalog", "tables.cat", 128)
	require.NoError(t, err)
	require.NoError(t, first.Register("catalog", catalog))

	retired, err := first.Allocate("retired", columnWorker(t, cfg, "r.col", kib))
	require.NoError(t, err)
	require.NoError(t, retired.FlushAndRelease())
	require.NoError(t, first.Retire("retired"))

	// spilled was never written, so evicting it writes to the spill directory.
	filler, err := first.Allocate("filler", columnWorker(t, cfg, "f.col", 4*kib))
	require.NoError(t, err)
	requireState(t, first, "spilled", StateSpilled)
	requireState(t, first, "persisted", StateUnloaded)
	require.NoError(t, filler.Release())
	require.NoError(t, first.Close())

	records, err := store.List()
	require.NoError(t, err)
	// filler was never written, retired was deleted.
	assert.Len(t, records, 3)

	second := newTestManager(t, cfg, WithManifest(store))
	restored, err := second.Restore(DefaultWorkerFactory(cfg.Dirs()))
	require.NoError(t, err)
	assert.Equal(t, len(records), restored)

	requireState(t, second, "persisted", StateUnloaded)
	requireState(t, second, "spilled", StateSpilled)
	_, err = second.State("retired")
	assert.ErrorIs(t, err, ErrObjectNotFound)

	h, err := second.Get("persisted")
	require.NoError(t, err)
	assert.True(t, filledWith(h, 'p', 2*kib))
	require.NoError(t, h.Release())

	h, err = second.Get("spilled")
	require.NoError(t, err)
	assert.True(t, filledWith(h, 's', 2*kib))
	require.NoError(t, h.Release())

	again, err := second.Restore(DefaultWorkerFactory(cfg.Dirs()))
	require.NoError(t, err)
	assert.Zero(t, again)
}

func TestDefaultWorkerFactory(t *testing.T) {
	dirs := file_worker.Dirs{DataDir: "/d", SpillDir: "/s"}
	factory := DefaultWorkerFactory(dirs)

	w, err := factory(manifest.Record{
		ObjectID: "c", Kind: file_worker.KindColumn, FileDir: "t", FileName: "c.col",
		SpillOnly: true, Attributes: map[string]string{"width": "8", "rows": "4"},
	})
	require.NoError(t, err)
	assert.True(t, w.SpillOnly())
	assert.Equal(t, int64(32), w.EstimateSize())
	assert.Equal(t, "/s/t/c.col", file_worker.FilePath(w, true))

	w, err = factory(manifest.Record{ObjectID: "i", Kind: file_worker.KindIndex, FileName: "i.idx", Size: 160})
	require.NoError(t, err)
	assert.Equal(t, file_worker.KindIndex, w.Kind())
	assert.Equal(t, int64(160), w.EstimateSize())

	_, err = factory(manifest.Record{ObjectID: "c", Kind: file_worker.KindColumn, FileName: "c.col"})
	assert.Error(t, err)
	_, err = factory(manifest.Record{ObjectID: "x", Kind: "blob", FileName: "x"})
	assert.Error(t, err)
}
