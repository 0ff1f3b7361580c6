// Package manifest durably records where every buffer object's on-disk copy
// lives so the buffer manager can re-register objects after a restart.
package manifest

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"
	"go.uber.org/zap"

	"github.com/sushant-115/gojocol/core/buffer/file_worker"
)

const recordPrefix = "bufobj:"

// Tier is the directory holding an object's current copy.
type Tier string

const (
	TierNone  Tier = "none"
	TierData  Tier = "data"
	TierSpill Tier = "spill"
)

var ErrRecordNotFound = errors.New("manifest record not found")

// Record holds the location metadata for one buffer object.
type Record struct {
	ObjectID         string            `json:"object_id"`
	Kind             file_worker.Kind  `json:"kind"`
	FileDir          string            `json:"file_dir"`
	FileName         string            `json:"file_name"`
	SpillOnly        bool              `json:"spill_only"`
	CurrentTier      Tier              `json:"current_tier"`
	Persisted        bool              `json:"persisted"`
	LocationPointer  string            `json:"location_pointer"` // absolute path of the current copy
	Size             int64             `json:"size"`
	Attributes       map[string]string `json:"attributes,omitempty"`
	CreationTime     time.Time         `json:"creation_time"`
	LastModifiedTime time.Time         `json:"last_modified_time"`
}

// Store is a badger-backed manifest. It is safe for concurrent use.
type Store struct {
	db     *badger.DB
	logger *zap.Logger
}

type badgerLoggerAdapter struct {
	logger *zap.SugaredLogger
}

var _ badger.Logger = (*badgerLoggerAdapter)(nil)

func (bl *badgerLoggerAdapter) Errorf(msg string, items ...any)   { bl.logger.Errorf(msg, items...) }
func (bl *badgerLoggerAdapter) Warningf(msg string, items ...any) { bl.logger.Warnf(msg, items...) }
func (bl *badgerLoggerAdapter) Infof(msg string, items ...any)    { bl.logger.Debugf(msg, items...) }
func (bl *badgerLoggerAdapter) Debugf(msg string, items ...any)   { bl.logger.Debugf(msg, items...) }

// Open opens the manifest stored under dir, creating it if needed. With
// inMemory set dir is ignored and nothing touches disk.
func Open(dir string, inMemory bool, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("manifest")

	var opts badger.Options
	if inMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create manifest directory %s: %w", dir, err)
		}
		opts = badger.DefaultOptions(dir)
	}
	opts.Logger = &badgerLoggerAdapter{logger: logger.Sugar()}
	opts.Compression = options.None

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open manifest: %w", err)
	}
	logger.Info("Manifest opened", zap.String("dir", dir), zap.Bool("inMemory", inMemory))
	return &Store{db: db, logger: logger}, nil
}

func recordKey(id string) []byte {
	return []byte(recordPrefix + id)
}

// Put inserts or replaces the record for rec.ObjectID.
func (s *Store) Put(rec Record) error {
	if rec.ObjectID == "" {
		return fmt.Errorf("manifest record has empty object id")
	}
	value, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal manifest record %s: %w", rec.ObjectID, err)
	}
	return s.db.Update(func(tx *badger.Txn) error {
		return tx.Set(recordKey(rec.ObjectID), value)
	})
}

// Get returns the record for id or ErrRecordNotFound.
func (s *Store) Get(id string) (Record, error) {
	var rec Record
	err := s.db.View(func(tx *badger.Txn) error {
		item, err := tx.Get(recordKey(id))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return fmt.Errorf("%w: %s", ErrRecordNotFound, id)
			}
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &rec)
		})
	})
	return rec, err
}

// Delete removes the record for id. Deleting a missing record is not an error.
func (s *Store) Delete(id string) error {
	return s.db.Update(func(tx *badger.Txn) error {
		return tx.Delete(recordKey(id))
	})
}

// List returns every record ordered by object id.
func (s *Store) List() ([]Record, error) {
	var records []Record
	err := s.db.View(func(tx *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(recordPrefix)
		iter := tx.NewIterator(opts)
		defer iter.Close()

		for iter.Rewind(); iter.Valid(); iter.Next() {
			item := iter.Item()
			err := item.Value(func(val []byte) error {
				var rec Record
				if err := json.Unmarshal(val, &rec); err != nil {
					return fmt.Errorf("decode manifest record %s: %w",
						strings.TrimPrefix(string(item.Key()), recordPrefix), err)
				}
				records = append(records, rec)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	return records, err
}

// Close flushes and closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}
