package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tunnelmesh/oarchive/internal/archive/checksum"
	"github.com/tunnelmesh/oarchive/internal/layout"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "archive.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadArchiveConfig(t *testing.T) {
	path := writeConfig(t, `
backend: memory
data_dir: /srv/archive
disks:
  - {node: 0, index: 0}
  - {node: 0, index: 1, path: /mnt/fast}
  - {node: 1, index: 0}
  - {node: 1, index: 1}
layout_maps: 8
reliability: {data: 2, parity: 1}
block_size: 64KB
chunk_blocks: 16
inline_threshold: 4KB
checksum:
  algorithm: xxhash
  bytes_per_checksum: 1KB
  block_size: 1040
content_hash: blake2b
pools: {max: 3, wait_timeout: 2s}
locks: {initial_interval: 5ms, max_interval: 50ms, max_elapsed: 1s}
heal: {rate: 0}
block_cache_entries: 0
log_level: debug
`)
	cfg, err := LoadArchiveConfig(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "memory", cfg.Backend)
	assert.Equal(t, filepath.Join("/srv/archive", "n0", "d0"), cfg.Disks[0].Path)
	assert.Equal(t, "/mnt/fast", cfg.Disks[1].Path)
	assert.Equal(t, 8, cfg.LayoutMaps)

	s, err := cfg.Settings()
	require.NoError(t, err)
	assert.Equal(t, 2, s.Data)
	assert.Equal(t, 1, s.Parity)
	assert.Equal(t, 64<<10, s.BlockSize)
	assert.Equal(t, 16, s.ChunkBlocks)
	assert.Equal(t, 4<<10, s.InlineThreshold)
	assert.Equal(t, checksum.XXHash, s.Checksum.Alg)
	assert.Equal(t, int64(1024), s.Checksum.Unit)
	assert.Equal(t, "blake2b", s.ContentHash)
	assert.Equal(t, 3, s.Pools.Max)
	assert.Equal(t, 2*time.Second, s.Pools.WaitTimeout)
	assert.Equal(t, 5*time.Millisecond, s.Locks.InitialInterval)
	assert.Equal(t, time.Second, s.Locks.MaxElapsed)
	assert.Zero(t, s.Heal.Rate)
	assert.Zero(t, s.BlockCacheEntries)

	disks := cfg.LayoutDisks()
	require.Len(t, disks, 4)
	assert.Equal(t, layout.DiskID{Node: 1, Index: 1}, disks[3].ID)
}

func TestLoadArchiveConfig_Defaults(t *testing.T) {
	path := writeConfig(t, `
disks:
  - {index: 0}
  - {index: 1}
  - {index: 2}
  - {index: 3}
  - {index: 4}
  - {index: 5}
`)
	cfg, err := LoadArchiveConfig(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "local", cfg.Backend)
	assert.Equal(t, "/var/lib/oarchive", cfg.DataDir)
	assert.Equal(t, 6, cfg.LayoutMaps)
	assert.Equal(t, "info", cfg.LogLevel)

	s, err := cfg.Settings()
	require.NoError(t, err)
	assert.Equal(t, 4, s.Data)
	assert.Equal(t, 2, s.Parity)
	assert.Equal(t, 1<<20, s.BlockSize)
	assert.Equal(t, checksum.Adler32, s.Checksum.Alg)
	assert.Equal(t, 50.0, s.Heal.Rate)
	assert.Equal(t, 64, s.BlockCacheEntries)
}

func TestLoadArchiveConfig_HomeExpansion(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory")
	}
	cfg, err := LoadArchiveConfig(writeConfig(t, "data_dir: ~/archive\ndisks: [{index: 0}]\n"))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, "archive"), cfg.DataDir)
	assert.Equal(t, filepath.Join(home, "archive", "n0", "d0"), cfg.Disks[0].Path)
}

func TestLoadArchiveConfig_FileNotFound(t *testing.T) {
	_, err := LoadArchiveConfig("/nonexistent/path/archive.yaml")
	assert.Error(t, err)
}

func TestLoadArchiveConfig_InvalidYAML(t *testing.T) {
	_, err := LoadArchiveConfig(writeConfig(t, "disks: [invalid yaml\n"))
	assert.Error(t, err)

	_, err = LoadArchiveConfig(writeConfig(t, "block_size: huge\n"))
	assert.Error(t, err)
}

func TestDefault(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Len(t, cfg.Disks, 6)
}

func TestArchiveConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*ArchiveConfig)
		errMsg string
	}{
		{"unknown backend", func(c *ArchiveConfig) { c.Backend = "tape" }, "backend"},
		{"no disks", func(c *ArchiveConfig) { c.Disks = nil }, "at least one disk"},
		{"duplicate disk", func(c *ArchiveConfig) { c.Disks[1] = c.Disks[0] }, "listed twice"},
		{"negative index", func(c *ArchiveConfig) { c.Disks[0].Index = -1 }, "must not be negative"},
		{"too few disks", func(c *ArchiveConfig) { c.Reliability.Parity = 3 }, "needs 7 disks"},
		{"no layout maps", func(c *ArchiveConfig) { c.LayoutMaps = 0 }, "layout_maps"},
		{"bad log level", func(c *ArchiveConfig) { c.LogLevel = "chatty" }, "log_level"},
		{"bad checksum", func(c *ArchiveConfig) { c.Checksum.Algorithm = "md5" }, "checksum.algorithm"},
		{"bad checksum block", func(c *ArchiveConfig) { c.Checksum.BlockSize = 17 }, "checksum"},
		{"bad duration", func(c *ArchiveConfig) { c.Locks.MaxElapsed = "soon" }, "locks.max_elapsed"},
		{"bad geometry", func(c *ArchiveConfig) { c.BlockSize = 1002 }, "block size 1002"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}
