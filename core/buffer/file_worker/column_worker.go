package file_worker

import (
	"fmt"
	"io"
	"math"
	"strconv"
	"sync"
)

const columnMagic uint32 = 0x47434F4C // "GCOL"

// ColumnChunk is a run of fixed-width values.
type ColumnChunk struct {
	Width int
	Data  []byte
}

func (c *ColumnChunk) Size() int64 { return int64(len(c.Data)) }

// Rows is the number of complete values in the chunk.
func (c *ColumnChunk) Rows() int {
	if c.Width == 0 {
		return 0
	}
	return len(c.Data) / c.Width
}

// Value returns the bytes of row i, aliasing the chunk.
func (c *ColumnChunk) Value(i int) []byte {
	return c.Data[i*c.Width : (i+1)*c.Width]
}

// SetValue copies v into row i. v must be exactly Width bytes.
func (c *ColumnChunk) SetValue(i int, v []byte) error {
	if len(v) != c.Width {
		return fmt.Errorf("value of %d bytes does not fit width %d", len(v), c.Width)
	}
	if i < 0 || i >= c.Rows() {
		return fmt.Errorf("row %d out of range [0,%d)", i, c.Rows())
	}
	copy(c.Data[i*c.Width:], v)
	return nil
}

// ColumnWorker stores a ColumnChunk as header | raw values | xxhash64.
// The header length field is the row count, aux is the value width.
type ColumnWorker struct {
	fileWorkerBase
	width int

	mu     sync.Mutex
	rows   int
	staged []byte
}

// NewColumnWorker binds a persisted column chunk of rows values of width bytes.
func NewColumnWorker(dirs Dirs, fileDir, fileName string, width, rows int) (*ColumnWorker, error) {
	return newColumnWorker(dirs, fileDir, fileName, width, rows, false)
}

// NewTempColumnWorker binds an intermediate query buffer that only ever
// lives in memory or the spill directory.
func NewTempColumnWorker(dirs Dirs, fileDir, fileName string, width, rows int) (*ColumnWorker, error) {
	return newColumnWorker(dirs, fileDir, fileName, width, rows, true)
}

func newColumnWorker(dirs Dirs, fileDir, fileName string, width, rows int, spillOnly bool) (*ColumnWorker, error) {
	if width <= 0 || width > math.MaxUint16 {
		return nil, fmt.Errorf("column width %d out of range (1..%d)", width, math.MaxUint16)
	}
	if rows < 0 {
		return nil, fmt.Errorf("column row count %d is negative", rows)
	}
	if fileName == "" {
		return nil, fmt.Errorf("column worker requires a file name")
	}
	w := &ColumnWorker{
		fileWorkerBase: fileWorkerBase{dirs: dirs, fileDir: fileDir, fileName: fileName, spillOnly: spillOnly},
		width:          width,
		rows:           rows,
	}
	w.estimate.Store(int64(width) * int64(rows))
	return w, nil
}

func (w *ColumnWorker) Kind() Kind { return KindColumn }
func (w *ColumnWorker) Width() int { return w.width }

func (w *ColumnWorker) Rows() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.rows
}

func (w *ColumnWorker) Attributes() map[string]string {
	return map[string]string{
		"width": strconv.Itoa(w.width),
		"rows":  strconv.Itoa(w.Rows()),
	}
}

func (w *ColumnWorker) NewPayload() (Payload, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return &ColumnChunk{Width: w.width, Data: make([]byte, w.width*w.rows)}, nil
}

func (w *ColumnWorker) PrepareWrite(payload Payload) error {
	chunk, ok := payload.(*ColumnChunk)
	if !ok || chunk == nil {
		return fmt.Errorf("%w: %s expects *ColumnChunk, got %T", ErrPrepareWrite, w.fileName, payload)
	}
	if chunk.Width != w.width {
		return fmt.Errorf("%w: %s chunk width %d, worker width %d", ErrPrepareWrite, w.fileName, chunk.Width, w.width)
	}
	if len(chunk.Data)%w.width != 0 {
		return fmt.Errorf("%w: %s has %d bytes, not a multiple of width %d", ErrPrepareWrite, w.fileName, len(chunk.Data), w.width)
	}

	rows := len(chunk.Data) / w.width
	staged := make([]byte, 0, frameHeaderSize+len(chunk.Data)+checksumSize)
	staged = frameHeader{Magic: columnMagic, Version: frameVersion, Aux: uint16(w.width), Length: uint64(rows)}.encode(staged)
	staged = append(staged, chunk.Data...)
	staged = appendChecksum(staged, chunk.Data)

	w.mu.Lock()
	w.staged = staged
	w.rows = rows
	w.mu.Unlock()
	w.estimate.Store(int64(len(chunk.Data)))
	return nil
}

func (w *ColumnWorker) Write(out io.Writer) error {
	w.mu.Lock()
	staged := w.staged
	w.staged = nil
	w.mu.Unlock()
	return writeStaged(out, staged, w.fileName)
}

func (w *ColumnWorker) Read(r io.Reader) (Payload, error) {
	h, err := readFrameHeader(r, columnMagic, w.fileName)
	if err != nil {
		return nil, err
	}
	if int(h.Aux) != w.width {
		return nil, fmt.Errorf("%w: %s stored width %d, expected %d", ErrCorruptData, w.fileName, h.Aux, w.width)
	}
	if h.Length > maxFrameLength/uint64(w.width) {
		return nil, fmt.Errorf("%w: %s row count %d out of range", ErrCorruptData, w.fileName, h.Length)
	}
	data, err := readBody(r, h.Length*uint64(w.width), w.fileName)
	if err != nil {
		return nil, err
	}
	if err := verifyChecksum(r, data, w.fileName); err != nil {
		return nil, err
	}
	if err := expectEOF(r, w.fileName); err != nil {
		return nil, err
	}

	w.mu.Lock()
	w.rows = int(h.Length)
	w.mu.Unlock()
	w.estimate.Store(int64(len(data)))
	return &ColumnChunk{Width: w.width, Data: data}, nil
}
