package file_worker

import (
	"encoding/binary"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/klauspost/compress/zstd"
)

const (
	indexMagic     uint32 = 0x47494458 // "GIDX"
	indexEntrySize        = 16
)

// Shared codecs; EncodeAll/DecodeAll are safe for concurrent use.
var (
	indexEncoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	indexDecoder, _ = zstd.NewReader(nil, zstd.WithDecoderConcurrency(0), zstd.WithDecoderMaxMemory(maxFrameLength))
)

// IndexEntry maps a key to the row offset holding it.
type IndexEntry struct {
	Key       uint64
	RowOffset uint64
}

// IndexBlock is a key-sorted run of index entries.
type IndexBlock struct {
	Entries []IndexEntry
}

// Size counts capacity so preallocated room is charged up front.
func (b *IndexBlock) Size() int64 { return int64(cap(b.Entries)) * indexEntrySize }

// Lookup returns the row offset of the first entry with key.
func (b *IndexBlock) Lookup(key uint64) (uint64, bool) {
	i := sort.Search(len(b.Entries), func(i int) bool { return b.Entries[i].Key >= key })
	if i < len(b.Entries) && b.Entries[i].Key == key {
		return b.Entries[i].RowOffset, true
	}
	return 0, false
}

// IndexWorker stores an IndexBlock as header | zstd(varint stream).
// The varint stream is: count, then per entry key delta and row offset.
// When built with a source the block is derivable and is dropped instead of
// written out on eviction.
type IndexWorker struct {
	fileWorkerBase
	source func() ([]IndexEntry, error)

	mu     sync.Mutex
	staged []byte
}

// NewIndexWorker binds an index block expected to hold about capacityHint entries.
// source may be nil.
func NewIndexWorker(dirs Dirs, fileDir, fileName string, capacityHint int, source func() ([]IndexEntry, error)) (*IndexWorker, error) {
	if fileName == "" {
		return nil, fmt.Errorf("index worker requires a file name")
	}
	if capacityHint < 0 {
		return nil, fmt.Errorf("index capacity hint %d is negative", capacityHint)
	}
	w := &IndexWorker{
		fileWorkerBase: fileWorkerBase{dirs: dirs, fileDir: fileDir, fileName: fileName},
		source:         source,
	}
	w.estimate.Store(int64(capacityHint) * indexEntrySize)
	return w, nil
}

func (w *IndexWorker) Kind() Kind { return KindIndex }

func (w *IndexWorker) NewPayload() (Payload, error) {
	return &IndexBlock{Entries: make([]IndexEntry, 0, w.EstimateSize()/indexEntrySize)}, nil
}

func (w *IndexWorker) PrepareWrite(payload Payload) error {
	block, ok := payload.(*IndexBlock)
	if !ok || block == nil {
		return fmt.Errorf("%w: %s expects *IndexBlock, got %T", ErrPrepareWrite, w.fileName, payload)
	}
	for i := 1; i < len(block.Entries); i++ {
		if block.Entries[i].Key < block.Entries[i-1].Key {
			return fmt.Errorf("%w: %s entries not sorted at position %d", ErrPrepareWrite, w.fileName, i)
		}
	}

	raw := make([]byte, 0, binary.MaxVarintLen64*(1+2*len(block.Entries)))
	raw = binary.AppendUvarint(raw, uint64(len(block.Entries)))
	var prev uint64
	for _, e := range block.Entries {
		raw = binary.AppendUvarint(raw, e.Key-prev)
		raw = binary.AppendUvarint(raw, e.RowOffset)
		prev = e.Key
	}
	compressed := indexEncoder.EncodeAll(raw, nil)

	staged := make([]byte, 0, frameHeaderSize+len(compressed))
	staged = frameHeader{Magic: indexMagic, Version: frameVersion, Length: uint64(len(compressed))}.encode(staged)
	staged = append(staged, compressed...)

	w.mu.Lock()
	w.staged = staged
	w.mu.Unlock()
	w.estimate.Store(block.Size())
	return nil
}

func (w *IndexWorker) Write(out io.Writer) error {
	w.mu.Lock()
	staged := w.staged
	w.staged = nil
	w.mu.Unlock()
	return writeStaged(out, staged, w.fileName)
}

func (w *IndexWorker) Read(r io.Reader) (Payload, error) {
	h, err := readFrameHeader(r, indexMagic, w.fileName)
	if err != nil {
		return nil, err
	}
	compressed, err := readBody(r, h.Length, w.fileName)
	if err != nil {
		return nil, err
	}
	if err := expectEOF(r, w.fileName); err != nil {
		return nil, err
	}
	raw, err := indexDecoder.DecodeAll(compressed, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorruptData, w.fileName, err)
	}
	block, err := decodeIndexEntries(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorruptData, w.fileName, err)
	}
	w.estimate.Store(block.Size())
	return block, nil
}

func (w *IndexWorker) CanDerive() bool { return w.source != nil }

// Derive rebuilds the block from the source, sorting it by key.
func (w *IndexWorker) Derive() (Payload, error) {
	if w.source == nil {
		return nil, fmt.Errorf("%w: %s has no source", ErrNotDerivable, w.fileName)
	}
	entries, err := w.source()
	if err != nil {
		return nil, fmt.Errorf("deriving %s: %w", w.fileName, err)
	}
	sorted := make([]IndexEntry, len(entries))
	copy(sorted, entries)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Key < sorted[j].Key })
	block := &IndexBlock{Entries: sorted}
	w.estimate.Store(block.Size())
	return block, nil
}

func decodeIndexEntries(raw []byte) (*IndexBlock, error) {
	count, n := binary.Uvarint(raw)
	if n <= 0 {
		return nil, fmt.Errorf("bad entry count")
	}
	raw = raw[n:]
	// Each entry needs at least two bytes; reject counts the stream cannot hold.
	if count > uint64(len(raw)/2) {
		return nil, fmt.Errorf("entry count %d exceeds stream length %d", count, len(raw))
	}
	entries := make([]IndexEntry, 0, count)
	var key uint64
	for i := uint64(0); i < count; i++ {
		delta, n := binary.Uvarint(raw)
		if n <= 0 {
			return nil, fmt.Errorf("bad key delta at entry %d", i)
		}
		raw = raw[n:]
		offset, n := binary.Uvarint(raw)
		if n <= 0 {
			return nil, fmt.Errorf("bad row offset at entry %d", i)
		}
		raw = raw[n:]
		key += delta
		entries = append(entries, IndexEntry{Key: key, RowOffset: offset})
	}
	if len(raw) != 0 {
		return nil, fmt.Errorf("%d trailing bytes", len(raw))
	}
	return &IndexBlock{Entries: entries}, nil
}
