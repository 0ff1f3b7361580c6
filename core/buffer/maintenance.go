package buffer

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/sushant-115/gojocol/core/buffer/file_worker"
	"github.com/sushant-115/gojocol/core/buffer/manifest"
)

// FlushAll writes back every dirty, unpinned resident object on the flush
// pool, like a checkpoint. Objects stay resident. Cancelling ctx stops new
// flushes from being scheduled; flushes already running complete.
func (m *BufferManager) FlushAll(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrManagerClosed
	}
	var jobs []flushJob
	for _, obj := range m.registry {
		obj.mu.Lock()
		if obj.state == StateLoaded && obj.pinCount == 0 && obj.dirty && obj.busy == busyNone {
			jobs = append(jobs, m.startFlushLocked(obj))
		}
		obj.mu.Unlock()
	}
	m.mu.Unlock()

	var (
		wg    sync.WaitGroup
		errMu sync.Mutex
		errs  error
	)
	appendErr := func(err error) {
		errMu.Lock()
		errs = multierr.Append(errs, err)
		errMu.Unlock()
	}

	for i, job := range jobs {
		if err := ctx.Err(); err != nil {
			for _, skipped := range jobs[i:] {
				m.finishFlush(skipped, err)
			}
			appendErr(err)
			break
		}
		wg.Add(1)
		err := m.pool.Submit(func() {
			defer wg.Done()
			werr := m.writeBack(job.obj, job.content, job.toSpill, job.wasSpilled)
			m.finishFlush(job, werr)
			if werr != nil {
				appendErr(werr)
			}
		})
		if err != nil {
			wg.Done()
			m.finishFlush(job, err)
			appendErr(fmt.Errorf("schedule flush of %s: %w", job.obj.id, err))
		}
	}
	wg.Wait()

	m.logger.Debug("Flushed dirty objects", zap.Int("scheduled", len(jobs)), zap.Error(errs))
	return errs
}

func (m *BufferManager) finishFlush(job flushJob, err error) {
	job.obj.mu.Lock()
	defer job.obj.mu.Unlock()
	if err == nil {
		commitWriteLocked(job.obj, job.toSpill, job.gen)
		m.metrics.FlushesCounter.Add(context.Background(), 1)
	}
	job.obj.finishLocked()
}

// SweepSpillDir deletes files under the spill directory that no registered
// object could own, such as those left behind by a crash. Run it when no
// object is being registered concurrently, typically right after Restore.
func (m *BufferManager) SweepSpillDir() (int, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return 0, ErrManagerClosed
	}
	owned := make(map[string]struct{}, len(m.registry))
	for _, obj := range m.registry {
		owned[filepath.Clean(file_worker.FilePath(obj.worker, true))] = struct{}{}
	}
	m.mu.Unlock()

	removed := 0
	err := filepath.WalkDir(m.cfg.SpillDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		if _, ok := owned[filepath.Clean(path)]; ok {
			return nil
		}
		if err := m.fs.DeleteFile(path); err != nil {
			return err
		}
		removed++
		m.logger.Debug("Removed orphaned spill file", zap.String("path", path))
		return nil
	})
	if err != nil {
		return removed, fmt.Errorf("sweep spill dir %s: %w", m.cfg.SpillDir, err)
	}
	if removed > 0 {
		m.logger.Info("Spill directory swept", zap.Int("removed", removed))
	}
	return removed, nil
}

// Restore registers every object recorded in the manifest, building each
// worker with factory. Ids already registered are skipped. It returns the
// number of objects registered; records that cannot be rebuilt are reported
// in the error without stopping the replay.
func (m *BufferManager) Restore(factory WorkerFactory) (int, error) {
	if m.manifest == nil {
		return 0, nil
	}
	records, err := m.manifest.List()
	if err != nil {
		return 0, fmt.Errorf("list manifest: %w", err)
	}

	var errs error
	restored := 0
	for _, rec := range records {
		worker, err := factory(rec)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		spilled := rec.CurrentTier == manifest.TierSpill
		state := StateUnloaded
		if spilled {
			state = StateSpilled
		}

		m.mu.Lock()
		obj, err := m.insertLocked(ObjectID(rec.ObjectID), worker, state)
		if err != nil {
			m.mu.Unlock()
			if errors.Is(err, ErrManagerClosed) {
				return restored, err
			}
			if !errors.Is(err, ErrObjectExists) {
				errs = multierr.Append(errs, err)
			}
			continue
		}
		obj.isSpilled = spilled
		obj.persisted = rec.Persisted
		if !rec.CreationTime.IsZero() {
			obj.created = rec.CreationTime
		}
		m.mu.Unlock()
		restored++
	}

	m.logger.Info("Restored objects from manifest", zap.Int("restored", restored), zap.Int("records", len(records)))
	return restored, errs
}
