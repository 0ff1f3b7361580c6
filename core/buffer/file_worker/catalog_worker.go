package file_worker

import (
	"fmt"
	"io"
	"sync"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

const catalogMagic uint32 = 0x47434154 // "GCAT"

// CatalogBlob is a catalog metadata document (table schemas, segment
// listings, statistics) kept as a protobuf Struct.
type CatalogBlob struct {
	Fields *structpb.Struct
}

func (c *CatalogBlob) Size() int64 {
	if c.Fields == nil {
		return 0
	}
	return int64(proto.Size(c.Fields))
}

// Set stores v under key, converting it with structpb.NewValue.
func (c *CatalogBlob) Set(key string, v any) error {
	val, err := structpb.NewValue(v)
	if err != nil {
		return err
	}
	if c.Fields == nil {
		c.Fields = &structpb.Struct{Fields: map[string]*structpb.Value{}}
	}
	if c.Fields.Fields == nil {
		c.Fields.Fields = map[string]*structpb.Value{}
	}
	c.Fields.Fields[key] = val
	return nil
}

// Get returns the native form of key.
func (c *CatalogBlob) Get(key string) (any, bool) {
	if c.Fields == nil {
		return nil, false
	}
	v, ok := c.Fields.Fields[key]
	if !ok {
		return nil, false
	}
	return v.AsInterface(), true
}

// CatalogWorker stores a CatalogBlob as header | protobuf | xxhash64.
type CatalogWorker struct {
	fileWorkerBase

	mu     sync.Mutex
	staged []byte
}

var catalogMarshal = proto.MarshalOptions{Deterministic: true}

// NewCatalogWorker binds a catalog blob expected to occupy about sizeHint bytes.
func NewCatalogWorker(dirs Dirs, fileDir, fileName string, sizeHint int64) (*CatalogWorker, error) {
	if fileName == "" {
		return nil, fmt.Errorf("catalog worker requires a file name")
	}
	if sizeHint < 0 {
		return nil, fmt.Errorf("catalog size hint %d is negative", sizeHint)
	}
	w := &CatalogWorker{
		fileWorkerBase: fileWorkerBase{dirs: dirs, fileDir: fileDir, fileName: fileName},
	}
	w.estimate.Store(sizeHint)
	return w, nil
}

func (w *CatalogWorker) Kind() Kind { return KindCatalog }

func (w *CatalogWorker) NewPayload() (Payload, error) {
	return &CatalogBlob{Fields: &structpb.Struct{Fields: map[string]*structpb.Value{}}}, nil
}

func (w *CatalogWorker) PrepareWrite(payload Payload) error {
	blob, ok := payload.(*CatalogBlob)
	if !ok || blob == nil {
		return fmt.Errorf("%w: %s expects *CatalogBlob, got %T", ErrPrepareWrite, w.fileName, payload)
	}
	if blob.Fields == nil {
		return fmt.Errorf("%w: %s catalog blob is empty", ErrPrepareWrite, w.fileName)
	}
	body, err := catalogMarshal.Marshal(blob.Fields)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrPrepareWrite, w.fileName, err)
	}

	staged := make([]byte, 0, frameHeaderSize+len(body)+checksumSize)
	staged = frameHeader{Magic: catalogMagic, Version: frameVersion, Length: uint64(len(body))}.encode(staged)
	staged = append(staged, body...)
	staged = appendChecksum(staged, body)

	w.mu.Lock()
	w.staged = staged
	w.mu.Unlock()
	w.estimate.Store(int64(len(body)))
	return nil
}

func (w *CatalogWorker) Write(out io.Writer) error {
	w.mu.Lock()
	staged := w.staged
	w.staged = nil
	w.mu.Unlock()
	return writeStaged(out, staged, w.fileName)
}

func (w *CatalogWorker) Read(r io.Reader) (Payload, error) {
	h, err := readFrameHeader(r, catalogMagic, w.fileName)
	if err != nil {
		return nil, err
	}
	body, err := readBody(r, h.Length, w.fileName)
	if err != nil {
		return nil, err
	}
	if err := verifyChecksum(r, body, w.fileName); err != nil {
		return nil, err
	}
	if err := expectEOF(r, w.fileName); err != nil {
		return nil, err
	}
	fields := &structpb.Struct{}
	if err := proto.Unmarshal(body, fields); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorruptData, w.fileName, err)
	}
	w.estimate.Store(int64(len(body)))
	return &CatalogBlob{Fields: fields}, nil
}
