package file_worker

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sushant-115/gojocol/core/storage_engine/common"
	"github.com/sushant-115/gojocol/core/storage_engine/localfs"
)

const writeBufferSize = 64 * 1024

// Driver performs the physical file operations for a FileWorker. It is
// stateless apart from its collaborators and safe for concurrent use; callers
// serialize operations on the same object.
type Driver struct {
	fs           localfs.FileSystem
	logger       *zap.Logger
	spillLimiter *rate.Limiter
}

// NewDriver returns a driver over fsys. spillLimiter paces writes to the
// spill directory and may be nil.
func NewDriver(fsys localfs.FileSystem, logger *zap.Logger, spillLimiter *rate.Limiter) *Driver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Driver{
		fs:           fsys,
		logger:       logger.Named("file_driver"),
		spillLimiter: spillLimiter,
	}
}

// WriteToFile stages payload through w and writes it to the data directory,
// or the spill directory when toSpill is set. An existing file is only
// truncated once PrepareWrite succeeded. The file is fsynced only when
// every step succeeded.
func (d *Driver) WriteToFile(ctx context.Context, w FileWorker, payload Payload, toSpill bool) (err error) {
	if payload == nil {
		return fmt.Errorf("%w: %s", ErrNoData, w.FileName())
	}

	dir := w.ChooseFileDir(toSpill)
	exists, err := d.fs.Exists(dir)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	if !exists {
		if err := d.fs.CreateDirectory(dir); err != nil {
			return fmt.Errorf("%w: %v", ErrIO, err)
		}
	}

	path := filepath.Join(dir, w.FileName())
	h, err := d.fs.OpenFile(path, localfs.FlagWrite|localfs.FlagCreate, localfs.WriteLock)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	if toSpill {
		d.logger.Debug("opened spill file for write", zap.String("path", path), zap.Uintptr("fd", h.Fd()))
	}
	defer func() {
		if cerr := d.fs.Close(h); cerr != nil {
			err = multierr.Append(err, fmt.Errorf("%w: %v", ErrIO, cerr))
		}
	}()

	if err := w.PrepareWrite(payload); err != nil {
		return err
	}
	if err := d.fs.Truncate(h, 0); err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}

	var limiter *rate.Limiter
	if toSpill {
		limiter = d.spillLimiter
	}
	bw := bufio.NewWriterSize(common.NewThrottledWriter(ctx, h, limiter), writeBufferSize)
	if err := w.Write(bw); err != nil {
		return err
	}
	if err := bw.Flush(); err != nil {
		return writeError(path, err)
	}
	if err := d.fs.SyncFile(h); err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	return nil
}

// ReadFromFile decodes the worker's file from the data or spill directory.
// A missing file is ErrFileNotFound; anything the worker did not classify is
// treated as corruption.
func (d *Driver) ReadFromFile(w FileWorker, fromSpill bool) (payload Payload, err error) {
	path := FilePath(w, fromSpill)
	h, err := d.fs.OpenFile(path, localfs.FlagRead, localfs.ReadLock)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrFileNotFound, path)
		}
		return nil, fmt.Errorf("%w: %v", ErrIO, err)
	}
	if fromSpill {
		d.logger.Debug("opened spill file for read", zap.String("path", path), zap.Uintptr("fd", h.Fd()))
	}
	defer func() {
		if cerr := d.fs.Close(h); cerr != nil {
			err = multierr.Append(err, fmt.Errorf("%w: %v", ErrIO, cerr))
		}
	}()

	payload, err = w.Read(bufio.NewReader(h))
	if err != nil {
		if !errors.Is(err, ErrCorruptData) && !errors.Is(err, ErrIO) {
			err = fmt.Errorf("%w: %s: %v", ErrCorruptData, path, err)
		}
		return nil, err
	}
	return payload, nil
}

// MoveFile renames the spill copy into the data directory. An existing file
// at the destination is replaced.
func (d *Driver) MoveFile(w FileWorker) error {
	src := FilePath(w, true)
	exists, err := d.fs.Exists(src)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	if !exists {
		return fmt.Errorf("%w: %s", ErrFileNotFound, src)
	}
	dstDir := w.ChooseFileDir(false)
	if err := d.fs.CreateDirectory(dstDir); err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	dst := filepath.Join(dstDir, w.FileName())
	if err := d.fs.Rename(src, dst); err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	d.logger.Debug("moved spill file", zap.String("from", src), zap.String("to", dst))
	return nil
}

// CleanupFile deletes the data directory copy. A missing file is fine.
func (d *Driver) CleanupFile(w FileWorker) error {
	return d.cleanup(FilePath(w, false))
}

// CleanupSpillFile deletes the spill directory copy. A missing file is fine.
func (d *Driver) CleanupSpillFile(w FileWorker) error {
	return d.cleanup(FilePath(w, true))
}

func (d *Driver) cleanup(path string) error {
	exists, err := d.fs.Exists(path)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	if !exists {
		d.logger.Debug("nothing to clean up", zap.String("path", path))
		return nil
	}
	if err := d.fs.DeleteFile(path); err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	d.logger.Debug("deleted file", zap.String("path", path))
	return nil
}
