package buffer

import "errors"

var (
	ErrOutOfMemory    = errors.New("not enough evictable memory to satisfy request")
	ErrObjectPinned   = errors.New("object is pinned")
	ErrObjectNotFound = errors.New("object not registered")
	ErrObjectExists   = errors.New("object already registered")
	ErrObjectFreed    = errors.New("object has been retired")
	ErrNotPinned      = errors.New("object is not pinned")
	ErrHandleReleased = errors.New("handle already released")
	ErrManagerClosed  = errors.New("buffer manager is closed")
)
