package buffer

import (
	"container/list"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/sushant-115/gojocol/core/buffer/file_worker"
)

// ObjectID identifies a buffer object for its whole lifetime.
type ObjectID string

// NewTempID returns a fresh id for an intermediate query buffer.
func NewTempID() ObjectID {
	return ObjectID("tmp-" + uuid.NewString())
}

// State is the lifecycle position of a buffer object.
type State int

const (
	StateUnloaded State = iota
	StateLoading
	StateLoaded
	StateSpilled
	StateCleaning
	StateFreed
)

func (s State) String() string {
	switch s {
	case StateUnloaded:
		return "Unloaded"
	case StateLoading:
		return "Loading"
	case StateLoaded:
		return "Loaded"
	case StateSpilled:
		return "Spilled"
	case StateCleaning:
		return "Cleaning"
	case StateFreed:
		return "Freed"
	default:
		return "Unknown"
	}
}

// busyOp is the physical operation in flight on an object, if any.
type busyOp int

const (
	busyNone busyOp = iota
	busyLoad
	busyEvict
	busyFlush
	busyMove
	busyClean
	busyRecord // first manifest write after registration
)

// blocksPin reports whether a Get must wait for the operation to finish.
// A flush reads the payload without changing it, so pinning may proceed.
func (b busyOp) blocksPin() bool {
	return b != busyNone && b != busyFlush
}

func isBusy(b busyOp) bool { return b != busyNone }

// BufferObj is one registered object. Fields below mu are guarded by it;
// lruElem is guarded by the manager lock.
type BufferObj struct {
	id      ObjectID
	worker  file_worker.FileWorker
	created time.Time
	lruElem *list.Element

	mu        sync.Mutex
	cond      *sync.Cond
	state     State
	busy      busyOp
	pinCount  int
	size      int64
	isSpilled bool
	persisted bool
	dirty     bool
	dirtyGen  uint64
	content   file_worker.Payload
}

func newBufferObj(id ObjectID, worker file_worker.FileWorker, state State) *BufferObj {
	obj := &BufferObj{
		id:      id,
		worker:  worker,
		created: time.Now().UTC(),
		state:   state,
	}
	obj.cond = sync.NewCond(&obj.mu)
	return obj
}

func (o *BufferObj) markDirtyLocked() {
	o.dirty = true
	o.dirtyGen++
}

// settledState is where an object rests once its payload is gone.
func (o *BufferObj) settledState() State {
	if o.isSpilled {
		return StateSpilled
	}
	return StateUnloaded
}

// finishLocked clears the busy marker and wakes every waiter.
func (o *BufferObj) finishLocked() {
	o.busy = busyNone
	o.cond.Broadcast()
}

// Handle is one pin on a loaded object. The payload stays resident until
// the handle is released; every Get returns a distinct handle.
type Handle struct {
	m        *BufferManager
	obj      *BufferObj
	released atomic.Bool
}

func (h *Handle) ID() ObjectID { return h.obj.id }

// Payload returns the resident content. Callers that change it must call
// MarkDirty before releasing the handle.
func (h *Handle) Payload() file_worker.Payload {
	h.obj.mu.Lock()
	defer h.obj.mu.Unlock()
	return h.obj.content
}

func (h *Handle) MarkDirty() {
	h.obj.mu.Lock()
	h.obj.markDirtyLocked()
	h.obj.mu.Unlock()
}

// Release drops the pin. A second call returns ErrHandleReleased.
func (h *Handle) Release() error {
	if !h.released.CompareAndSwap(false, true) {
		return ErrHandleReleased
	}
	return h.m.unpin(h.obj.id)
}

// FlushAndRelease writes the payload out, then drops the pin.
func (h *Handle) FlushAndRelease() error {
	if !h.released.CompareAndSwap(false, true) {
		return ErrHandleReleased
	}
	return h.m.FlushAndRelease(h.obj.id)
}
