// Package config loads the YAML configuration shared by gojocol binaries.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"

	"github.com/sushant-115/gojocol/core/buffer"
	"github.com/sushant-115/gojocol/pkg/logger"
	"github.com/sushant-115/gojocol/pkg/telemetry"
)

const (
	defaultMemoryLimit  = "256MiB"
	defaultFlushWorkers = 4
	defaultServiceName  = "gojocol"
)

// BufferConfig is the on-disk form of buffer.Config. Sizes are human
// readable ("512MiB", "2GB").
type BufferConfig struct {
	MemoryLimit  string `yaml:"memory_limit"`
	DataDir      string `yaml:"data_dir"`
	SpillDir     string `yaml:"spill_dir"`
	ManifestDir  string `yaml:"manifest_dir"`
	FlushWorkers int    `yaml:"flush_workers"`
	// SpillRate caps spill write bandwidth per second; empty is unlimited.
	SpillRate string `yaml:"spill_rate"`
}

// Config is the root of a gojocol config file.
type Config struct {
	Logger    logger.Config    `yaml:"logger"`
	Telemetry telemetry.Config `yaml:"telemetry"`
	Buffer    BufferConfig     `yaml:"buffer"`
}

// Default returns a config rooted at dir.
func Default(dir string) Config {
	c := Config{}
	c.Buffer.DataDir = filepath.Join(dir, "data")
	c.applyDefaults()
	return c
}

// Load reads, defaults and validates the config at path.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}
	c, err := Parse(bytes.NewReader(data))
	if err != nil {
		return Config{}, fmt.Errorf("config %s: %w", path, err)
	}
	return c, nil
}

// Parse decodes YAML from r. Unknown keys are rejected.
func Parse(r io.Reader) (Config, error) {
	var c Config
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&c); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("decode yaml: %w", err)
	}
	c.applyDefaults()
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

func (c *Config) applyDefaults() {
	if c.Buffer.MemoryLimit == "" {
		c.Buffer.MemoryLimit = defaultMemoryLimit
	}
	if c.Buffer.FlushWorkers == 0 {
		c.Buffer.FlushWorkers = defaultFlushWorkers
	}
	if c.Buffer.DataDir != "" {
		root := filepath.Dir(c.Buffer.DataDir)
		if c.Buffer.SpillDir == "" {
			c.Buffer.SpillDir = filepath.Join(root, "spill")
		}
		if c.Buffer.ManifestDir == "" {
			c.Buffer.ManifestDir = filepath.Join(root, "manifest")
		}
	}
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = defaultServiceName
	}
}

// Validate checks the fields that cannot be defaulted.
func (c Config) Validate() error {
	if c.Buffer.DataDir == "" {
		return fmt.Errorf("buffer.data_dir is required")
	}
	if _, err := c.Buffer.ToBufferConfig(); err != nil {
		return err
	}
	if c.Buffer.ManifestDir == c.Buffer.DataDir || c.Buffer.ManifestDir == c.Buffer.SpillDir {
		return fmt.Errorf("buffer.manifest_dir must differ from the data and spill directories")
	}
	return nil
}

// ToBufferConfig parses the human readable sizes.
func (b BufferConfig) ToBufferConfig() (buffer.Config, error) {
	limit, err := humanize.ParseBytes(b.MemoryLimit)
	if err != nil {
		return buffer.Config{}, fmt.Errorf("buffer.memory_limit: %w", err)
	}
	if limit == 0 {
		return buffer.Config{}, fmt.Errorf("buffer.memory_limit must be positive")
	}
	var rate uint64
	if b.SpillRate != "" {
		if rate, err = humanize.ParseBytes(b.SpillRate); err != nil {
			return buffer.Config{}, fmt.Errorf("buffer.spill_rate: %w", err)
		}
	}
	if b.FlushWorkers < 0 {
		return buffer.Config{}, fmt.Errorf("buffer.flush_workers must not be negative")
	}
	if b.SpillDir == b.DataDir {
		return buffer.Config{}, fmt.Errorf("buffer.spill_dir must differ from buffer.data_dir")
	}
	return buffer.Config{
		MemoryLimit:      int64(limit),
		DataDir:          b.DataDir,
		SpillDir:         b.SpillDir,
		FlushWorkers:     b.FlushWorkers,
		SpillBytesPerSec: int64(rate),
	}, nil
}
