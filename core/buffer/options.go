package buffer

import (
	"fmt"
	"strconv"

	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/sushant-115/gojocol/core/buffer/file_worker"
	"github.com/sushant-115/gojocol/core/buffer/manifest"
)

const defaultFlushWorkers = 4

// Config sizes the manager and names its two storage roots.
type Config struct {
	MemoryLimit int64
	DataDir     string
	SpillDir    string
	// FlushWorkers bounds FlushAll concurrency; 0 selects a default.
	FlushWorkers int
	// SpillBytesPerSec throttles spill writes; 0 disables throttling.
	SpillBytesPerSec int64
}

func (c Config) validate() error {
	if c.MemoryLimit <= 0 {
		return fmt.Errorf("memory limit must be positive, got %d", c.MemoryLimit)
	}
	if c.DataDir == "" || c.SpillDir == "" {
		return fmt.Errorf("data and spill directories are required")
	}
	if c.DataDir == c.SpillDir {
		return fmt.Errorf("data and spill directories must differ (%s)", c.DataDir)
	}
	if c.FlushWorkers < 0 {
		return fmt.Errorf("flush workers must not be negative, got %d", c.FlushWorkers)
	}
	return nil
}

// Dirs returns the storage roots for building file workers.
func (c Config) Dirs() file_worker.Dirs {
	return file_worker.Dirs{DataDir: c.DataDir, SpillDir: c.SpillDir}
}

// Manifest is the durable location log the manager keeps current.
// *manifest.Store implements it.
type Manifest interface {
	Put(rec manifest.Record) error
	Delete(id string) error
	List() ([]manifest.Record, error)
}

type options struct {
	logger   *zap.Logger
	meter    metric.Meter
	manifest Manifest
}

// Option configures a BufferManager.
type Option func(*options)

func WithLogger(logger *zap.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithMeter registers the manager's instruments on meter.
func WithMeter(meter metric.Meter) Option {
	return func(o *options) { o.meter = meter }
}

// WithManifest makes every on-disk location change durable in m.
func WithManifest(m Manifest) Option {
	return func(o *options) { o.manifest = m }
}

// WorkerFactory rebuilds a file worker from a manifest record.
type WorkerFactory func(rec manifest.Record) (file_worker.FileWorker, error)

// DefaultWorkerFactory rebuilds the built-in kinds. Index workers come back
// without a derivation source.
func DefaultWorkerFactory(dirs file_worker.Dirs) WorkerFactory {
	return func(rec manifest.Record) (file_worker.FileWorker, error) {
		switch rec.Kind {
		case file_worker.KindColumn:
			width, err := strconv.Atoi(rec.Attributes["width"])
			if err != nil {
				return nil, fmt.Errorf("column %s: bad width attribute: %w", rec.ObjectID, err)
			}
			rows, err := strconv.Atoi(rec.Attributes["rows"])
			if err != nil {
				return nil, fmt.Errorf("column %s: bad rows attribute: %w", rec.ObjectID, err)
			}
			if rec.SpillOnly {
				return file_worker.NewTempColumnWorker(dirs, rec.FileDir, rec.FileName, width, rows)
			}
			return file_worker.NewColumnWorker(dirs, rec.FileDir, rec.FileName, width, rows)
		case file_worker.KindIndex:
			return file_worker.NewIndexWorker(dirs, rec.FileDir, rec.FileName, int(rec.Size/16), nil)
		case file_worker.KindCatalog:
			return file_worker.NewCatalogWorker(dirs, rec.FileDir, rec.FileName, rec.Size)
		default:
			return nil, fmt.Errorf("object %s: unknown kind %q", rec.ObjectID, rec.Kind)
		}
	}
}
