// Package file_worker defines how buffer contents become bytes and back.
//
// Every buffer object is bound to one FileWorker for its whole lifetime.
// The worker knows the object's logical file name, which directory (data or
// spill) a copy belongs in, and how to encode/decode its payload. The buffer
// manager drives workers only through the FileWorker contract and the
// Driver, never through the concrete kinds.
package file_worker

import (
	"io"
	"path/filepath"
	"sync/atomic"
)

// Kind names a content family. It is persisted in the object manifest so
// workers can be rebuilt on restart.
type Kind string

const (
	KindColumn  Kind = "column"
	KindIndex   Kind = "index"
	KindCatalog Kind = "catalog"
)

// Payload is the in-memory representation of an object's contents.
type Payload interface {
	// Size is the number of bytes the payload holds resident.
	Size() int64
}

// FileWorker is the per-object content strategy.
type FileWorker interface {
	Kind() Kind
	FileName() string
	// FileDir is the directory relative to the data or spill root.
	FileDir() string
	// ChooseFileDir maps the spill flag to an absolute directory. It must be
	// pure so paths can be computed before any I/O.
	ChooseFileDir(toSpill bool) string
	// SpillOnly reports content that never belongs in the data directory,
	// e.g. intermediate query results.
	SpillOnly() bool
	// EstimateSize is the reservation used before the payload is resident.
	EstimateSize() int64
	// NewPayload returns an empty payload for a first-time writer.
	NewPayload() (Payload, error)
	// PrepareWrite stages payload for Write. Failures wrap ErrPrepareWrite.
	PrepareWrite(payload Payload) error
	// Write streams the staged bytes. Failures wrap ErrIO.
	Write(w io.Writer) error
	// Read rebuilds a payload. Malformed input wraps ErrCorruptData, device
	// faults wrap ErrIO.
	Read(r io.Reader) (Payload, error)
}

// Deriver is implemented by workers whose content can be recomputed from
// other sources instead of being written out on eviction.
type Deriver interface {
	CanDerive() bool
	Derive() (Payload, error)
}

// Describer is implemented by workers that need construction parameters
// recorded alongside their location to be rebuilt later.
type Describer interface {
	Attributes() map[string]string
}

// Dirs holds the two storage roots.
type Dirs struct {
	DataDir  string
	SpillDir string
}

// fileWorkerBase carries the naming shared by every kind.
type fileWorkerBase struct {
	dirs      Dirs
	fileDir   string
	fileName  string
	spillOnly bool
	estimate  atomic.Int64
}

func (b *fileWorkerBase) FileName() string { return b.fileName }
func (b *fileWorkerBase) FileDir() string  { return b.fileDir }
func (b *fileWorkerBase) SpillOnly() bool  { return b.spillOnly }

func (b *fileWorkerBase) EstimateSize() int64 { return b.estimate.Load() }

func (b *fileWorkerBase) ChooseFileDir(toSpill bool) string {
	if toSpill {
		return filepath.Join(b.dirs.SpillDir, b.fileDir)
	}
	return filepath.Join(b.dirs.DataDir, b.fileDir)
}

// FilePath is the full path of a worker's file in the chosen directory.
func FilePath(w FileWorker, spill bool) string {
	return filepath.Join(w.ChooseFileDir(spill), w.FileName())
}
