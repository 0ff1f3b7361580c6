package buffer

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/sushant-115/gojocol/core/buffer/file_worker"
)

// reserveLocked charges need bytes, choosing victims from the front of the
// LRU list when the free budget is short. Nothing changes unless the
// evictable set can cover the shortfall. Chosen victims are marked busy and
// uncharged; the caller must pass them to evictAll once mu is released.
// Must be called with m.mu held.
func (m *BufferManager) reserveLocked(need int64) ([]*BufferObj, error) {
	if need > m.cfg.MemoryLimit {
		return nil, fmt.Errorf("%w: request of %d bytes exceeds the %d byte limit", ErrOutOfMemory, need, m.cfg.MemoryLimit)
	}
	free := m.cfg.MemoryLimit - m.memoryUsed
	if need <= free {
		m.memoryUsed += need
		return nil, nil
	}

	shortfall := need - free
	var (
		victims []*BufferObj
		freed   int64
	)
	for e := m.lruList.Front(); e != nil && freed < shortfall; e = e.Next() {
		v := e.Value.(*BufferObj)
		// Never wait on a victim; whoever holds its latch is using it.
		if !v.mu.TryLock() {
			continue
		}
		if v.pinCount > 0 || v.busy != busyNone || v.state != StateLoaded {
			v.mu.Unlock()
			continue
		}
		victims = append(victims, v)
		freed += v.size
	}
	if freed < shortfall {
		for _, v := range victims {
			v.mu.Unlock()
		}
		return nil, fmt.Errorf("%w: need %d bytes, %d free, %d evictable", ErrOutOfMemory, need, free, freed)
	}

	for _, v := range victims {
		m.lruList.Remove(v.lruElem)
		v.lruElem = nil
		v.busy = busyEvict
		m.memoryUsed -= v.size
		v.mu.Unlock()
	}
	m.memoryUsed += need
	return victims, nil
}

// evictAll evicts every victim chosen by reserveLocked. Runs with no locks held.
func (m *BufferManager) evictAll(victims []*BufferObj) error {
	var errs error
	for _, v := range victims {
		errs = multierr.Append(errs, m.evict(v))
	}
	return errs
}

// evict drops a victim's payload, writing it out first when it is dirty or
// has no copy on disk. Content that was never written anywhere and can be
// derived is dropped instead; once a copy exists, loads read it back, so
// dirty derivable content is written like any other. A failed write puts
// the victim back as it was.
func (m *BufferManager) evict(v *BufferObj) error {
	v.mu.Lock()
	content := v.content
	dirty, persisted, wasSpilled, gen := v.dirty, v.persisted, v.isSpilled, v.dirtyGen
	v.mu.Unlock()

	onDisk := persisted || wasSpilled
	needWrite := dirty || !onDisk
	if d, ok := v.worker.(file_worker.Deriver); ok && d.CanDerive() && !onDisk {
		needWrite = false
	}
	toSpill := !persisted
	wrote := false
	if needWrite {
		if err := m.writeBack(v, content, toSpill, wasSpilled); err != nil {
			m.mu.Lock()
			v.mu.Lock()
			m.memoryUsed += v.size
			v.lruElem = m.lruList.PushBack(v)
			v.finishLocked()
			m.unlock(v)
			m.logger.Warn("Eviction write-back failed", zap.String("objectID", string(v.id)), zap.Error(err))
			return err
		}
		wrote = true
	}

	m.mu.Lock()
	v.mu.Lock()
	if wrote {
		commitWriteLocked(v, toSpill, gen)
	}
	size := v.size
	v.content = nil
	v.size = 0
	v.dirty = false
	v.state = v.settledState()
	state := v.state
	v.finishLocked()
	m.unlock(v)

	m.metrics.EvictionsCounter.Add(context.Background(), 1,
		metric.WithAttributes(attribute.String("kind", string(v.worker.Kind()))))
	m.logger.Debug("Object evicted",
		zap.String("objectID", string(v.id)),
		zap.Int64("size", size),
		zap.Bool("wrote", wrote),
		zap.Stringer("state", state),
	)
	return nil
}
