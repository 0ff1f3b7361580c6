package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_Full(t *testing.T) {
	c, err := Parse(strings.NewReader(`
logger:
  level: debug
  format: console
telemetry:
  enabled: true
  prometheus_port: 9464
buffer:
  memory_limit: 512MiB
  data_dir: /var/lib/gojocol/data
  spill_dir: /scratch/gojocol
  flush_workers: 8
  spill_rate: 64MB
`))
	require.NoError(t, err)
	assert.Equal(t, "debug", c.Logger.Level)
	assert.True(t, c.Telemetry.Enabled)
	assert.Equal(t, "gojocol", c.Telemetry.ServiceName)
	assert.Equal(t, "/var/lib/gojocol/manifest", c.Buffer.ManifestDir)

	bc, err := c.Buffer.ToBufferConfig()
	require.NoError(t, err)
	assert.Equal(t, int64(512*1024*1024), bc.MemoryLimit)
	assert.Equal(t, int64(64_000_000), bc.SpillBytesPerSec)
	assert.Equal(t, "/scratch/gojocol", bc.SpillDir)
	assert.Equal(t, 8, bc.FlushWorkers)
}

func TestParse_Defaults(t *testing.T) {
	c, err := Parse(strings.NewReader("buffer:\n  data_dir: /srv/col/data\n"))
	require.NoError(t, err)
	assert.Equal(t, "/srv/col/spill", c.Buffer.SpillDir)
	assert.Equal(t, "/srv/col/manifest", c.Buffer.ManifestDir)
	assert.Equal(t, defaultFlushWorkers, c.Buffer.FlushWorkers)

	bc, err := c.Buffer.ToBufferConfig()
	require.NoError(t, err)
	assert.Equal(t, int64(256*1024*1024), bc.MemoryLimit)
	assert.Zero(t, bc.SpillBytesPerSec)
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"empty", ""},
		{"unknown key", "buffer:\n  data_dir: /d\n  colour: blue\n"},
		{"bad size", "buffer:\n  data_dir: /d\n  memory_limit: lots\n"},
		{"zero size", "buffer:\n  data_dir: /d\n  memory_limit: 0B\n"},
		{"bad rate", "buffer:\n  data_dir: /d\n  spill_rate: fast\n"},
		{"same dirs", "buffer:\n  data_dir: /d\n  spill_dir: /d\n"},
		{"manifest clash", "buffer:\n  data_dir: /d\n  manifest_dir: /d\n"},
		{"negative workers", "buffer:\n  data_dir: /d\n  flush_workers: -2\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(strings.NewReader(tt.yaml))
			assert.Error(t, err)
		})
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gojocol.yaml")
	require.NoError(t, os.WriteFile(path, []byte("buffer:\n  data_dir: /x/data\n  memory_limit: 1GiB\n"), 0o644))
	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "1GiB", c.Buffer.MemoryLimit)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestDefault(t *testing.T) {
	c := Default("/tmp/gojocol")
	require.NoError(t, c.Validate())
	assert.Equal(t, "/tmp/gojocol/spill", c.Buffer.SpillDir)
}
