// Package buffer keeps column chunks, index blocks and catalog blobs resident
// within a fixed memory budget. Objects are pinned while in use; unpinned
// objects are evicted least-recently-unpinned first, written to the spill
// directory when they have no valid copy in the data directory.
package buffer

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/sushant-115/gojocol/core/buffer/file_worker"
	"github.com/sushant-115/gojocol/core/buffer/manifest"
	"github.com/sushant-115/gojocol/core/storage_engine/common"
	"github.com/sushant-115/gojocol/core/storage_engine/localfs"
	internaltelemetry "github.com/sushant-115/gojocol/internal/telemetry"
)

// BufferManager owns every buffer object and charges resident payloads
// against a fixed memory limit.
//
// Locking: mu guards the registry, the tombstones, the LRU list and the
// memory counter. Each object has its own latch. mu is always taken before
// an object latch, and no file I/O happens while either is held.
type BufferManager struct {
	cfg      Config
	fs       localfs.FileSystem
	driver   *file_worker.Driver
	logger   *zap.Logger
	metrics  *internaltelemetry.BufferMetrics
	manifest Manifest
	pool     *ants.Pool

	mu         sync.Mutex
	registry   map[ObjectID]*BufferObj
	retired    map[ObjectID]struct{}
	lruList    *list.List // unpinned Loaded objects, front = least recently unpinned
	memoryUsed int64
	closed     bool
}

// Stats is a point-in-time summary for admission control and operators.
type Stats struct {
	MemoryUsed  int64
	MemoryLimit int64
	Objects     int
	Loaded      int
	Pinned      int
	Spilled     int
	Evictable   int
	Retired     int
}

// NewBufferManager creates both storage roots if needed and returns a
// manager with nothing resident. A nil fsys selects the local filesystem.
func NewBufferManager(cfg Config, fsys localfs.FileSystem, opts ...Option) (*BufferManager, error) {
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid buffer config: %w", err)
	}
	if fsys == nil {
		fsys = localfs.New()
	}
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	if o.meter == nil {
		o.meter = noop.NewMeterProvider().Meter("")
	}
	if cfg.FlushWorkers == 0 {
		cfg.FlushWorkers = defaultFlushWorkers
	}

	for _, dir := range []string{cfg.DataDir, cfg.SpillDir} {
		if err := fsys.CreateDirectory(dir); err != nil {
			return nil, err
		}
	}

	pool, err := ants.NewPool(cfg.FlushWorkers)
	if err != nil {
		return nil, fmt.Errorf("create flush pool: %w", err)
	}

	logger := o.logger.Named("buffer_manager")
	m := &BufferManager{
		cfg:      cfg,
		fs:       fsys,
		driver:   file_worker.NewDriver(fsys, o.logger, common.NewSpillLimiter(cfg.SpillBytesPerSec)),
		logger:   logger,
		manifest: o.manifest,
		pool:     pool,
		registry: make(map[ObjectID]*BufferObj),
		retired:  make(map[ObjectID]struct{}),
		lruList:  list.New(),
	}
	m.metrics, err = internaltelemetry.NewBufferMetrics(o.meter, m.MemoryUsed)
	if err != nil {
		pool.Release()
		return nil, fmt.Errorf("register buffer metrics: %w", err)
	}

	logger.Info("Buffer manager initialized",
		zap.Int64("memoryLimit", cfg.MemoryLimit),
		zap.String("dataDir", cfg.DataDir),
		zap.String("spillDir", cfg.SpillDir),
		zap.Int("flushWorkers", cfg.FlushWorkers),
	)
	return m, nil
}

// acquire returns the object with mu and its latch held, waiting while
// mustWait reports its in-flight operation as conflicting.
func (m *BufferManager) acquire(id ObjectID, mustWait func(busyOp) bool) (*BufferObj, error) {
	for {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return nil, ErrManagerClosed
		}
		obj, err := m.lookupLocked(id)
		if err != nil {
			m.mu.Unlock()
			return nil, err
		}
		obj.mu.Lock()
		if !mustWait(obj.busy) {
			return obj, nil
		}
		m.mu.Unlock()
		for mustWait(obj.busy) {
			obj.cond.Wait()
		}
		obj.mu.Unlock()
	}
}

func (m *BufferManager) lookupLocked(id ObjectID) (*BufferObj, error) {
	if obj, ok := m.registry[id]; ok {
		return obj, nil
	}
	if _, ok := m.retired[id]; ok {
		return nil, fmt.Errorf("%w: %s", ErrObjectFreed, id)
	}
	return nil, fmt.Errorf("%w: %s", ErrObjectNotFound, id)
}

func (m *BufferManager) insertLocked(id ObjectID, worker file_worker.FileWorker, state State) (*BufferObj, error) {
	if m.closed {
		return nil, ErrManagerClosed
	}
	if _, ok := m.registry[id]; ok {
		return nil, fmt.Errorf("%w: %s", ErrObjectExists, id)
	}
	if _, ok := m.retired[id]; ok {
		return nil, fmt.Errorf("%w: %s", ErrObjectFreed, id)
	}
	obj := newBufferObj(id, worker, state)
	m.registry[id] = obj
	return obj, nil
}

func (m *BufferManager) unlock(obj *BufferObj) {
	obj.mu.Unlock()
	m.mu.Unlock()
}

// Register references an object whose copy already lives in the data
// directory. Nothing is read until the first Get.
func (m *BufferManager) Register(id ObjectID, worker file_worker.FileWorker) error {
	return m.register(id, worker, false)
}

// RegisterSpilled references an object whose only copy is in the spill
// directory.
func (m *BufferManager) RegisterSpilled(id ObjectID, worker file_worker.FileWorker) error {
	return m.register(id, worker, true)
}

func (m *BufferManager) register(id ObjectID, worker file_worker.FileWorker, spilled bool) error {
	if worker == nil {
		return fmt.Errorf("register %s: nil file worker", id)
	}
	state := StateUnloaded
	if spilled {
		state = StateSpilled
	}

	m.mu.Lock()
	obj, err := m.insertLocked(id, worker, state)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	obj.isSpilled = spilled
	obj.persisted = !spilled
	obj.busy = busyRecord
	m.mu.Unlock()

	m.putRecord(obj, spilled, !spilled)

	obj.mu.Lock()
	obj.finishLocked()
	obj.mu.Unlock()

	m.logger.Debug("Object registered", zap.String("objectID", string(id)), zap.Stringer("state", state))
	return nil
}

// Allocate creates a fresh object for a first-time writer and returns it
// pinned, Loaded and dirty. If the estimate cannot be reserved the registry
// and budget are left untouched.
func (m *BufferManager) Allocate(id ObjectID, worker file_worker.FileWorker) (*Handle, error) {
	if worker == nil {
		return nil, fmt.Errorf("allocate %s: nil file worker", id)
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrManagerClosed
	}
	if _, err := m.lookupLocked(id); !errors.Is(err, ErrObjectNotFound) {
		m.mu.Unlock()
		if err == nil {
			return nil, fmt.Errorf("%w: %s", ErrObjectExists, id)
		}
		return nil, err
	}
	reserved := worker.EstimateSize()
	victims, err := m.reserveLocked(reserved)
	if err != nil {
		m.mu.Unlock()
		m.rejected(id, worker, err)
		return nil, err
	}
	obj, _ := m.insertLocked(id, worker, StateLoading)
	obj.busy = busyLoad
	m.mu.Unlock()

	abort := func() {
		m.mu.Lock()
		obj.mu.Lock()
		m.memoryUsed -= reserved
		delete(m.registry, id)
		obj.state = StateUnloaded
		obj.finishLocked()
		m.unlock(obj)
	}

	if err := m.evictAll(victims); err != nil {
		abort()
		return nil, fmt.Errorf("allocate %s: %w", id, err)
	}
	payload, err := worker.NewPayload()
	if err != nil {
		abort()
		return nil, fmt.Errorf("allocate %s: %w", id, err)
	}

	m.mu.Lock()
	obj.mu.Lock()
	defer m.unlock(obj)
	charged, err := m.chargeLocked(reserved, payload)
	if err != nil {
		delete(m.registry, id)
		obj.state = StateUnloaded
		obj.finishLocked()
		return nil, fmt.Errorf("allocate %s: %w", id, err)
	}
	obj.content = payload
	obj.size = charged
	obj.state = StateLoaded
	obj.pinCount = 1
	obj.markDirtyLocked()
	obj.finishLocked()
	return &Handle{m: m, obj: obj}, nil
}

// Get pins the object, loading it first if it is not resident. Concurrent
// callers for the same object share a single physical load.
func (m *BufferManager) Get(id ObjectID) (*Handle, error) {
	obj, err := m.acquire(id, busyOp.blocksPin)
	if err != nil {
		return nil, err
	}
	if obj.state == StateLoaded {
		m.pinLocked(obj)
		m.unlock(obj)
		return &Handle{m: m, obj: obj}, nil
	}

	reserved := obj.worker.EstimateSize()
	victims, err := m.reserveLocked(reserved)
	if err != nil {
		m.unlock(obj)
		m.rejected(id, obj.worker, err)
		return nil, err
	}
	fromSpill, persisted := obj.isSpilled, obj.persisted
	obj.state = StateLoading
	obj.busy = busyLoad
	m.unlock(obj)

	payload, err := m.load(obj, victims, fromSpill, persisted)

	m.mu.Lock()
	obj.mu.Lock()
	defer m.unlock(obj)
	var charged int64
	switch {
	case err != nil:
		m.memoryUsed -= reserved
	case m.closed:
		m.memoryUsed -= reserved
		err = ErrManagerClosed
	default:
		charged, err = m.chargeLocked(reserved, payload)
	}
	if err != nil {
		obj.state = StateUnloaded
		obj.finishLocked()
		m.logger.Warn("Failed to load object", zap.String("objectID", string(id)), zap.Error(err))
		return nil, err
	}
	obj.content = payload
	obj.size = charged
	obj.state = StateLoaded
	obj.dirty = false
	obj.pinCount = 1
	obj.finishLocked()
	return &Handle{m: m, obj: obj}, nil
}

// load makes room, then reads or derives the payload. Runs with no locks held.
func (m *BufferManager) load(obj *BufferObj, victims []*BufferObj, fromSpill, persisted bool) (file_worker.Payload, error) {
	if err := m.evictAll(victims); err != nil {
		return nil, fmt.Errorf("load %s: %w", obj.id, err)
	}

	start := time.Now()
	var (
		payload file_worker.Payload
		err     error
	)
	if d, ok := obj.worker.(file_worker.Deriver); ok && d.CanDerive() && !fromSpill && !persisted {
		payload, err = d.Derive()
	} else {
		payload, err = m.driver.ReadFromFile(obj.worker, fromSpill)
	}
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", obj.id, err)
	}

	kind := metric.WithAttributes(attribute.String("kind", string(obj.worker.Kind())))
	m.metrics.LoadsCounter.Add(context.Background(), 1, kind)
	m.metrics.LoadLatencyHistogram.Record(context.Background(), time.Since(start).Milliseconds(), kind)
	m.logger.Debug("Object loaded",
		zap.String("objectID", string(obj.id)),
		zap.Bool("fromSpill", fromSpill),
		zap.Int64("size", payload.Size()),
	)
	return payload, nil
}

// chargeLocked settles a reservation against the payload's real size. Growth
// beyond the reservation is only granted if it fits without evicting; on
// failure the whole reservation is released.
func (m *BufferManager) chargeLocked(reserved int64, payload file_worker.Payload) (int64, error) {
	size := payload.Size()
	if size <= reserved {
		return reserved, nil
	}
	extra := size - reserved
	if m.memoryUsed+extra > m.cfg.MemoryLimit {
		m.memoryUsed -= reserved
		m.metrics.OOMRejectionsCounter.Add(context.Background(), 1)
		return 0, fmt.Errorf("%w: payload of %d bytes exceeds its %d byte reservation", ErrOutOfMemory, size, reserved)
	}
	m.memoryUsed += extra
	return size, nil
}

func (m *BufferManager) pinLocked(obj *BufferObj) {
	if obj.pinCount == 0 && obj.lruElem != nil {
		m.lruList.Remove(obj.lruElem)
		obj.lruElem = nil
	}
	obj.pinCount++
}

func (m *BufferManager) unpinLocked(obj *BufferObj) error {
	if obj.pinCount == 0 {
		return fmt.Errorf("%w: %s", ErrNotPinned, obj.id)
	}
	obj.pinCount--
	if obj.pinCount == 0 && obj.state == StateLoaded && obj.lruElem == nil {
		obj.lruElem = m.lruList.PushBack(obj)
	}
	return nil
}

// Unpin drops one pin on id. At zero the object becomes evictable.
func (m *BufferManager) Unpin(id ObjectID) error {
	return m.unpin(id)
}

func (m *BufferManager) unpin(id ObjectID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrManagerClosed
	}
	obj, err := m.lookupLocked(id)
	if err != nil {
		return err
	}
	obj.mu.Lock()
	defer obj.mu.Unlock()
	return m.unpinLocked(obj)
}

// FlushAndRelease writes a pinned object to the data directory (the spill
// directory for spill-only content that was never persisted), fsyncs it and
// drops one pin. The pin is dropped even when the write fails.
func (m *BufferManager) FlushAndRelease(id ObjectID) error {
	obj, err := m.acquire(id, isBusy)
	if err != nil {
		return err
	}
	if obj.pinCount == 0 {
		m.unlock(obj)
		return fmt.Errorf("%w: %s", ErrNotPinned, id)
	}
	job := m.startFlushLocked(obj)
	m.unlock(obj)

	err = m.writeBack(obj, job.content, job.toSpill, job.wasSpilled)
	m.metrics.FlushesCounter.Add(context.Background(), 1)

	m.mu.Lock()
	obj.mu.Lock()
	defer m.unlock(obj)
	if err == nil {
		commitWriteLocked(obj, job.toSpill, job.gen)
	}
	obj.finishLocked()
	return multierr.Append(err, m.unpinLocked(obj))
}

// flushJob is the snapshot a flush writes from.
type flushJob struct {
	obj        *BufferObj
	content    file_worker.Payload
	toSpill    bool
	wasSpilled bool
	gen        uint64
}

func (m *BufferManager) startFlushLocked(obj *BufferObj) flushJob {
	obj.busy = busyFlush
	return flushJob{
		obj:        obj,
		content:    obj.content,
		toSpill:    !obj.persisted && obj.worker.SpillOnly(),
		wasSpilled: obj.isSpilled,
		gen:        obj.dirtyGen,
	}
}

// writeBack writes content out and drops a stale spill copy once the data
// directory holds the current one. Runs with no locks held.
func (m *BufferManager) writeBack(obj *BufferObj, content file_worker.Payload, toSpill, wasSpilled bool) error {
	if err := m.driver.WriteToFile(context.Background(), obj.worker, content, toSpill); err != nil {
		return fmt.Errorf("write back %s: %w", obj.id, err)
	}
	if toSpill {
		m.metrics.SpillWritesCounter.Add(context.Background(), 1,
			metric.WithAttributes(attribute.String("kind", string(obj.worker.Kind()))))
	} else if wasSpilled {
		if err := m.driver.CleanupSpillFile(obj.worker); err != nil {
			m.logger.Warn("Failed to remove stale spill copy", zap.String("objectID", string(obj.id)), zap.Error(err))
		}
	}
	m.putRecord(obj, toSpill, !toSpill)
	return nil
}

func commitWriteLocked(obj *BufferObj, toSpill bool, gen uint64) {
	if toSpill {
		obj.isSpilled = true
	} else {
		obj.persisted = true
		obj.isSpilled = false
	}
	if obj.dirtyGen == gen {
		obj.dirty = false
	}
}

// Persist moves a spilled object's file into the data directory. If the
// spill copy is absent file_worker.ErrFileNotFound is returned and the
// object is left as it was.
func (m *BufferManager) Persist(id ObjectID) error {
	obj, err := m.acquire(id, isBusy)
	if err != nil {
		return err
	}
	obj.busy = busyMove
	m.unlock(obj)

	err = m.driver.MoveFile(obj.worker)
	if err == nil {
		m.putRecord(obj, false, true)
	}

	obj.mu.Lock()
	defer obj.mu.Unlock()
	if err == nil {
		obj.isSpilled = false
		obj.persisted = true
		if obj.state == StateSpilled {
			obj.state = StateUnloaded
		}
	}
	obj.finishLocked()
	if err != nil {
		return fmt.Errorf("persist %s: %w", id, err)
	}
	return nil
}

// Retire drops the payload without writing it, deletes both on-disk copies
// and tombstones the id. Retiring an unknown or already retired id is a no-op.
func (m *BufferManager) Retire(id ObjectID) error {
	obj, err := m.acquire(id, isBusy)
	if err != nil {
		if errors.Is(err, ErrObjectNotFound) || errors.Is(err, ErrObjectFreed) {
			return nil
		}
		return err
	}
	if obj.pinCount > 0 {
		m.unlock(obj)
		return fmt.Errorf("%w: %s has %d pins", ErrObjectPinned, id, obj.pinCount)
	}
	if obj.lruElem != nil {
		m.lruList.Remove(obj.lruElem)
		obj.lruElem = nil
	}
	m.memoryUsed -= obj.size
	obj.size = 0
	obj.content = nil
	obj.dirty = false
	obj.state = StateCleaning
	obj.busy = busyClean
	m.unlock(obj)

	err = multierr.Combine(m.driver.CleanupFile(obj.worker), m.driver.CleanupSpillFile(obj.worker))
	if err == nil && m.manifest != nil {
		if derr := m.manifest.Delete(string(id)); derr != nil {
			m.logger.Warn("Failed to delete manifest record", zap.String("objectID", string(id)), zap.Error(derr))
		}
	}

	m.mu.Lock()
	obj.mu.Lock()
	defer m.unlock(obj)
	if err != nil {
		obj.state = obj.settledState()
		obj.finishLocked()
		return fmt.Errorf("retire %s: %w", id, err)
	}
	delete(m.registry, id)
	m.retired[id] = struct{}{}
	obj.state = StateFreed
	obj.finishLocked()
	m.logger.Debug("Object retired", zap.String("objectID", string(id)))
	return nil
}

// State reports the lifecycle state of id.
func (m *BufferManager) State(id ObjectID) (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	obj, err := m.lookupLocked(id)
	if err != nil {
		if errors.Is(err, ErrObjectFreed) {
			return StateFreed, nil
		}
		return StateUnloaded, err
	}
	obj.mu.Lock()
	defer obj.mu.Unlock()
	return obj.state, nil
}

func (m *BufferManager) MemoryUsed() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.memoryUsed
}

func (m *BufferManager) MemoryLimit() int64 { return m.cfg.MemoryLimit }

// Dirs returns the storage roots file workers must be built against.
func (m *BufferManager) Dirs() file_worker.Dirs { return m.cfg.Dirs() }

func (m *BufferManager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := Stats{
		MemoryUsed:  m.memoryUsed,
		MemoryLimit: m.cfg.MemoryLimit,
		Objects:     len(m.registry),
		Evictable:   m.lruList.Len(),
		Retired:     len(m.retired),
	}
	for _, obj := range m.registry {
		obj.mu.Lock()
		switch obj.state {
		case StateLoaded:
			s.Loaded++
		case StateSpilled:
			s.Spilled++
		}
		if obj.pinCount > 0 {
			s.Pinned++
		}
		obj.mu.Unlock()
	}
	return s
}

// Close drops every idle resident payload without writing it and stops the
// flush pool. Call FlushAll first to keep dirty content. Every later call
// returns ErrManagerClosed.
func (m *BufferManager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	dropped := 0
	for _, obj := range m.registry {
		obj.mu.Lock()
		if obj.busy == busyNone && obj.state == StateLoaded {
			m.memoryUsed -= obj.size
			obj.content = nil
			obj.size = 0
			obj.pinCount = 0
			obj.dirty = false
			obj.state = obj.settledState()
			dropped++
		}
		obj.lruElem = nil
		obj.mu.Unlock()
	}
	m.lruList.Init()
	m.mu.Unlock()

	m.pool.Release()
	m.logger.Info("Buffer manager closed", zap.Int("droppedPayloads", dropped))
	return nil
}

func (m *BufferManager) rejected(id ObjectID, worker file_worker.FileWorker, err error) {
	m.metrics.OOMRejectionsCounter.Add(context.Background(), 1,
		metric.WithAttributes(attribute.String("kind", string(worker.Kind()))))
	m.logger.Debug("Request rejected", zap.String("objectID", string(id)), zap.Error(err))
}

// putRecord stores obj's current location in the manifest. Failures are
// logged; SweepSpillDir reclaims anything a stale manifest loses track of.
func (m *BufferManager) putRecord(obj *BufferObj, isSpilled, persisted bool) {
	if m.manifest == nil {
		return
	}
	w := obj.worker
	rec := manifest.Record{
		ObjectID:         string(obj.id),
		Kind:             w.Kind(),
		FileDir:          w.FileDir(),
		FileName:         w.FileName(),
		SpillOnly:        w.SpillOnly(),
		CurrentTier:      manifest.TierNone,
		Persisted:        persisted,
		Size:             w.EstimateSize(),
		CreationTime:     obj.created,
		LastModifiedTime: time.Now().UTC(),
	}
	switch {
	case isSpilled:
		rec.CurrentTier = manifest.TierSpill
		rec.LocationPointer = file_worker.FilePath(w, true)
	case persisted:
		rec.CurrentTier = manifest.TierData
		rec.LocationPointer = file_worker.FilePath(w, false)
	}
	if d, ok := w.(file_worker.Describer); ok {
		rec.Attributes = d.Attributes()
	}
	if err := m.manifest.Put(rec); err != nil {
		m.logger.Warn("Failed to record object location", zap.String("objectID", string(obj.id)), zap.Error(err))
	}
}
