package file_worker

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/cespare/xxhash/v2"
)

// Every file starts with a fixed 16-byte header:
//
//	magic u32 | version u16 | aux u16 | length u64   (little endian)
//
// The meaning of aux and length is kind specific.
const (
	frameHeaderSize = 16
	frameVersion    = 1
	checksumSize    = 8

	// A length above this is treated as corruption rather than trusted.
	maxFrameLength = 1 << 36
)

type frameHeader struct {
	Magic   uint32
	Version uint16
	Aux     uint16
	Length  uint64
}

func (h frameHeader) encode(dst []byte) []byte {
	var buf [frameHeaderSize]byte
	binary.LittleEndian.PutUint32(buf[0:4], h.Magic)
	binary.LittleEndian.PutUint16(buf[4:6], h.Version)
	binary.LittleEndian.PutUint16(buf[6:8], h.Aux)
	binary.LittleEndian.PutUint64(buf[8:16], h.Length)
	return append(dst, buf[:]...)
}

func readFrameHeader(r io.Reader, magic uint32, what string) (frameHeader, error) {
	var buf [frameHeaderSize]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return frameHeader{}, readError(what+" header", err)
	}
	h := frameHeader{
		Magic:   binary.LittleEndian.Uint32(buf[0:4]),
		Version: binary.LittleEndian.Uint16(buf[4:6]),
		Aux:     binary.LittleEndian.Uint16(buf[6:8]),
		Length:  binary.LittleEndian.Uint64(buf[8:16]),
	}
	if h.Magic != magic {
		return frameHeader{}, fmt.Errorf("%w: %s magic 0x%x, expected 0x%x", ErrCorruptData, what, h.Magic, magic)
	}
	if h.Version != frameVersion {
		return frameHeader{}, fmt.Errorf("%w: %s version %d unsupported", ErrCorruptData, what, h.Version)
	}
	return h, nil
}

// readBody reads exactly n bytes without trusting n for the allocation size,
// so a corrupt length cannot trigger a huge up-front allocation.
func readBody(r io.Reader, n uint64, what string) ([]byte, error) {
	if n > maxFrameLength {
		return nil, fmt.Errorf("%w: %s length %d out of range", ErrCorruptData, what, n)
	}
	var buf bytes.Buffer
	if _, err := io.CopyN(&buf, r, int64(n)); err != nil {
		return nil, readError(what, err)
	}
	return buf.Bytes(), nil
}

func appendChecksum(dst, body []byte) []byte {
	return binary.LittleEndian.AppendUint64(dst, xxhash.Sum64(body))
}

func verifyChecksum(r io.Reader, body []byte, what string) error {
	var buf [checksumSize]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return readError(what+" checksum", err)
	}
	want := binary.LittleEndian.Uint64(buf[:])
	if got := xxhash.Sum64(body); got != want {
		return fmt.Errorf("%w: %s checksum mismatch (got 0x%x, want 0x%x)", ErrCorruptData, what, got, want)
	}
	return nil
}

// expectEOF fails if anything follows the frame.
func expectEOF(r io.Reader, what string) error {
	var one [1]byte
	n, err := io.ReadFull(r, one[:])
	if n > 0 {
		return fmt.Errorf("%w: %s has trailing bytes", ErrCorruptData, what)
	}
	if errors.Is(err, io.EOF) {
		return nil
	}
	return readError(what, err)
}

func writeStaged(w io.Writer, staged []byte, what string) error {
	if staged == nil {
		return fmt.Errorf("%w: %s has no staged bytes", ErrNoData, what)
	}
	if _, err := w.Write(staged); err != nil {
		return writeError(what, err)
	}
	return nil
}
