package file_worker

import (
	"errors"
	"fmt"
	"io"
)

var (
	// Unrecoverable: the request path cannot continue.
	ErrNoData = errors.New("no data will be written")
	ErrIO     = errors.New("i/o error")

	// Recoverable: reported to the caller, disk state untouched.
	ErrPrepareWrite = errors.New("payload cannot be prepared for writing")
	ErrCorruptData  = errors.New("corrupt data")
	ErrFileNotFound = errors.New("file not found")
	ErrNotDerivable = errors.New("content cannot be derived")
)

// IsUnrecoverable reports whether err belongs to the fault class that must
// not be retried by the caller.
func IsUnrecoverable(err error) bool {
	return errors.Is(err, ErrNoData) || errors.Is(err, ErrIO)
}

// readError maps a failure while decoding what into the error taxonomy:
// short reads are corruption, everything else is a device fault.
func readError(what string, err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("%w: truncated %s", ErrCorruptData, what)
	}
	if errors.Is(err, ErrCorruptData) || errors.Is(err, ErrIO) {
		return err
	}
	return fmt.Errorf("%w: reading %s: %v", ErrIO, what, err)
}

func writeError(what string, err error) error {
	if errors.Is(err, ErrIO) {
		return err
	}
	return fmt.Errorf("%w: writing %s: %v", ErrIO, what, err)
}
