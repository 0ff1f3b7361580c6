// Package localfs wraps the local filesystem calls used by the buffer layer:
// existence checks, directory creation, advisory-locked file handles,
// rename and delete. All calls are synchronous.
package localfs

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
)

// OpenFlag selects how a file is opened. Flags can be OR-ed together.
type OpenFlag uint8

const (
	FlagRead OpenFlag = 1 << iota
	FlagWrite
	FlagCreate
	// FlagTruncate empties the file once the lock is held, so a concurrent
	// reader holding a shared lock never sees a half-truncated file.
	FlagTruncate
)

// LockType is the advisory lock held for the lifetime of an open handle.
type LockType uint8

const (
	NoLock LockType = iota
	ReadLock
	WriteLock
)

func (l LockType) String() string {
	switch l {
	case ReadLock:
		return "shared"
	case WriteLock:
		return "exclusive"
	default:
		return "none"
	}
}

const (
	defaultDirPerm  = 0755
	defaultFilePerm = 0644
)

var (
	ErrInvalidFlags  = errors.New("invalid open flags")
	ErrHandleClosed  = errors.New("file handle already closed")
	ErrLockFailed    = errors.New("failed to acquire advisory file lock")
	ErrNotAFile      = errors.New("path is a directory")
	ErrRenameFailure = errors.New("rename failed")
)

// FileHandle is an open, locked file.
type FileHandle interface {
	io.Reader
	io.Writer
	Path() string
	Fd() uintptr
	Lock() LockType
}

// FileSystem is the set of primitives the buffer layer consumes. Missing
// paths are never errors for Exists and DeleteFile.
type FileSystem interface {
	Exists(path string) (bool, error)
	CreateDirectory(path string) error
	OpenFile(path string, flags OpenFlag, lock LockType) (FileHandle, error)
	Close(h FileHandle) error
	SyncFile(h FileHandle) error
	Truncate(h FileHandle, size int64) error
	Rename(src, dst string) error
	DeleteFile(path string) error
}

// LocalFileSystem implements FileSystem on top of package os.
type LocalFileSystem struct{}

// New returns the local filesystem implementation.
func New() *LocalFileSystem {
	return &LocalFileSystem{}
}

type localFileHandle struct {
	file *os.File
	path string
	lock LockType
}

func (h *localFileHandle) Read(p []byte) (int, error) {
	if h.file == nil {
		return 0, ErrHandleClosed
	}
	return h.file.Read(p)
}

func (h *localFileHandle) Write(p []byte) (int, error) {
	if h.file == nil {
		return 0, ErrHandleClosed
	}
	return h.file.Write(p)
}

func (h *localFileHandle) Path() string   { return h.path }
func (h *localFileHandle) Lock() LockType { return h.lock }

func (h *localFileHandle) Fd() uintptr {
	if h.file == nil {
		return ^uintptr(0)
	}
	return h.file.Fd()
}

// Exists reports whether path exists. Errors other than "not exist" are returned.
func (l *LocalFileSystem) Exists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, fmt.Errorf("stat %s: %w", path, err)
}

// CreateDirectory creates path and any missing parents.
func (l *LocalFileSystem) CreateDirectory(path string) error {
	if err := os.MkdirAll(path, defaultDirPerm); err != nil {
		return fmt.Errorf("create directory %s: %w", path, err)
	}
	return nil
}

// OpenFile opens path and blocks until the requested advisory lock is held.
func (l *LocalFileSystem) OpenFile(path string, flags OpenFlag, lock LockType) (FileHandle, error) {
	osFlags, err := toOSFlags(flags)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s", err, path)
	}
	file, err := os.OpenFile(path, osFlags, defaultFilePerm)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	if info, statErr := file.Stat(); statErr == nil && info.IsDir() {
		_ = file.Close()
		return nil, fmt.Errorf("%w: %s", ErrNotAFile, path)
	}

	if lock != NoLock {
		if err := lockFile(file, lock); err != nil {
			_ = file.Close()
			return nil, fmt.Errorf("%w: %s (%s): %v", ErrLockFailed, path, lock, err)
		}
	}
	if flags&FlagTruncate != 0 {
		if err := file.Truncate(0); err != nil {
			_ = file.Close()
			return nil, fmt.Errorf("truncate %s: %w", path, err)
		}
	}
	return &localFileHandle{file: file, path: path, lock: lock}, nil
}

// Close releases the advisory lock and the descriptor. Closing twice is an error.
func (l *LocalFileSystem) Close(h FileHandle) error {
	lh, ok := h.(*localFileHandle)
	if !ok || lh == nil {
		return fmt.Errorf("close: unsupported handle %T", h)
	}
	if lh.file == nil {
		return fmt.Errorf("%w: %s", ErrHandleClosed, lh.path)
	}
	if lh.lock != NoLock {
		// Closing the descriptor drops the flock too; unlock first so the
		// error, if any, is attributed correctly.
		_ = unlockFile(lh.file)
	}
	err := lh.file.Close()
	lh.file = nil
	if err != nil {
		return fmt.Errorf("close %s: %w", lh.path, err)
	}
	return nil
}

// SyncFile flushes the handle's data to stable storage.
func (l *LocalFileSystem) SyncFile(h FileHandle) error {
	lh, ok := h.(*localFileHandle)
	if !ok || lh == nil {
		return fmt.Errorf("sync: unsupported handle %T", h)
	}
	if lh.file == nil {
		return fmt.Errorf("%w: %s", ErrHandleClosed, lh.path)
	}
	if err := lh.file.Sync(); err != nil {
		return fmt.Errorf("sync %s: %w", lh.path, err)
	}
	return nil
}

// Truncate resizes the handle's file to size bytes. The write offset is
// left where it was.
func (l *LocalFileSystem) Truncate(h FileHandle, size int64) error {
	lh, ok := h.(*localFileHandle)
	if !ok || lh == nil {
		return fmt.Errorf("truncate: unsupported handle %T", h)
	}
	if lh.file == nil {
		return fmt.Errorf("%w: %s", ErrHandleClosed, lh.path)
	}
	if err := lh.file.Truncate(size); err != nil {
		return fmt.Errorf("truncate %s: %w", lh.path, err)
	}
	return nil
}

// Rename atomically replaces dst with src.
func (l *LocalFileSystem) Rename(src, dst string) error {
	if err := os.Rename(src, dst); err != nil {
		return fmt.Errorf("%w: %s -> %s: %v", ErrRenameFailure, src, dst, err)
	}
	return nil
}

// DeleteFile removes path. A missing file is not an error.
func (l *LocalFileSystem) DeleteFile(path string) error {
	err := os.Remove(path)
	if err == nil || errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return fmt.Errorf("delete %s: %w", path, err)
}

func toOSFlags(flags OpenFlag) (int, error) {
	read := flags&FlagRead != 0
	write := flags&FlagWrite != 0

	var osFlags int
	switch {
	case read && write:
		osFlags = os.O_RDWR
	case write:
		osFlags = os.O_WRONLY
	case read:
		osFlags = os.O_RDONLY
	default:
		return 0, ErrInvalidFlags
	}
	if flags&FlagCreate != 0 {
		if !write {
			return 0, ErrInvalidFlags
		}
		osFlags |= os.O_CREATE
	}
	if flags&FlagTruncate != 0 && !write {
		return 0, ErrInvalidFlags
	}
	return osFlags, nil
}
