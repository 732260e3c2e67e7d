// Package config handles configuration loading and validation for oarchive.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/tunnelmesh/oarchive/internal/archive"
	"github.com/tunnelmesh/oarchive/internal/archive/checksum"
	"github.com/tunnelmesh/oarchive/internal/daal"
	"github.com/tunnelmesh/oarchive/internal/layout"
	"github.com/tunnelmesh/oarchive/pkg/bytesize"
)

// DiskConfig names one disk and where the local backend keeps it.
type DiskConfig struct {
	Node  int    `yaml:"node"`
	Index int    `yaml:"index"`
	Path  string `yaml:"path"` // default: <data_dir>/n<node>/d<index>
}

// ReliabilityConfig is the erasure code geometry.
type ReliabilityConfig struct {
	Data   int `yaml:"data"`
	Parity int `yaml:"parity"`
}

// ChecksumConfig selects the fragment data checksum.
type ChecksumConfig struct {
	Algorithm        string        `yaml:"algorithm"` // adler32, crc32c, xxhash or none
	BytesPerChecksum bytesize.Size `yaml:"bytes_per_checksum"`
	BlockSize        bytesize.Size `yaml:"block_size"` // encoded checksum block, header included
}

// PoolConfig bounds concurrent fragment fan-outs.
type PoolConfig struct {
	Max         int    `yaml:"max"`
	WaitTimeout string `yaml:"wait_timeout"` // Duration string, e.g. "30s"
}

// LockConfig is the retry policy for fragment locks.
type LockConfig struct {
	InitialInterval string `yaml:"initial_interval"`
	MaxInterval     string `yaml:"max_interval"`
	MaxElapsed      string `yaml:"max_elapsed"`
}

// HealConfig limits repair rewrites. A rate of 0 disables healing.
type HealConfig struct {
	Rate  *float64 `yaml:"rate"`
	Burst int      `yaml:"burst"`
}

// ArchiveConfig holds the configuration of an archive node.
type ArchiveConfig struct {
	Backend           string            `yaml:"backend"`  // local (default) or memory
	DataDir           string            `yaml:"data_dir"` // default: /var/lib/oarchive
	Disks             []DiskConfig      `yaml:"disks"`
	LayoutMaps        int               `yaml:"layout_maps"` // default: number of disks
	Reliability       ReliabilityConfig `yaml:"reliability"`
	BlockSize         bytesize.Size     `yaml:"block_size"`
	ChunkBlocks       int               `yaml:"chunk_blocks"`
	InlineThreshold   bytesize.Size     `yaml:"inline_threshold"`
	Checksum          ChecksumConfig    `yaml:"checksum"`
	ContentHash       string            `yaml:"content_hash"`
	Pools             PoolConfig        `yaml:"pools"`
	Locks             LockConfig        `yaml:"locks"`
	Heal              HealConfig        `yaml:"heal"`
	BlockCacheEntries *int              `yaml:"block_cache_entries"`
	LogLevel          string            `yaml:"log_level"`
}

// LoadArchiveConfig loads archive configuration from a YAML file.
func LoadArchiveConfig(path string) (*ArchiveConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := &ArchiveConfig{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	cfg.applyDefaults()
	return cfg, nil
}

// Default returns the configuration used when no file is given: six disks
// on one node under the default data directory.
func Default() *ArchiveConfig {
	cfg := &ArchiveConfig{}
	for i := 0; i < 6; i++ {
		cfg.Disks = append(cfg.Disks, DiskConfig{Index: i})
	}
	cfg.applyDefaults()
	return cfg
}

func (c *ArchiveConfig) applyDefaults() {
	d := archive.DefaultSettings()

	if c.Backend == "" {
		c.Backend = string(daal.KindLocal)
	}
	if c.DataDir == "" {
		c.DataDir = "/var/lib/oarchive"
	}
	c.DataDir = expandHome(c.DataDir)
	for i := range c.Disks {
		if c.Disks[i].Path == "" {
			c.Disks[i].Path = filepath.Join(c.DataDir, fmt.Sprintf("n%d", c.Disks[i].Node), fmt.Sprintf("d%d", c.Disks[i].Index))
		}
		c.Disks[i].Path = expandHome(c.Disks[i].Path)
	}
	if c.LayoutMaps == 0 {
		c.LayoutMaps = len(c.Disks)
	}
	if c.Reliability.Data == 0 {
		c.Reliability.Data = d.Data
		if c.Reliability.Parity == 0 {
			c.Reliability.Parity = d.Parity
		}
	}
	if c.BlockSize == 0 {
		c.BlockSize = bytesize.Size(d.BlockSize)
	}
	if c.ChunkBlocks == 0 {
		c.ChunkBlocks = d.ChunkBlocks
	}
	if c.InlineThreshold == 0 {
		c.InlineThreshold = bytesize.Size(min(int64(d.InlineThreshold), c.BlockSize.Int64()))
	}
	if c.Checksum.Algorithm == "" {
		c.Checksum.Algorithm = d.Checksum.Alg.String()
	}
	if c.Checksum.BytesPerChecksum == 0 {
		c.Checksum.BytesPerChecksum = bytesize.Size(d.Checksum.Unit)
	}
	if c.Checksum.BlockSize == 0 {
		c.Checksum.BlockSize = bytesize.Size(d.Checksum.BlockSize)
	}
	if c.ContentHash == "" {
		c.ContentHash = d.ContentHash
	}
	if c.Pools.Max == 0 {
		c.Pools.Max = d.Pools.Max
	}
	if c.Pools.WaitTimeout == "" {
		c.Pools.WaitTimeout = d.Pools.WaitTimeout.String()
	}
	if c.Locks.InitialInterval == "" {
		c.Locks.InitialInterval = d.Locks.InitialInterval.String()
	}
	if c.Locks.MaxInterval == "" {
		c.Locks.MaxInterval = d.Locks.MaxInterval.String()
	}
	if c.Locks.MaxElapsed == "" {
		c.Locks.MaxElapsed = d.Locks.MaxElapsed.String()
	}
	if c.Heal.Rate == nil {
		r := d.Heal.Rate
		c.Heal.Rate = &r
	}
	if c.Heal.Burst == 0 {
		c.Heal.Burst = d.Heal.Burst
	}
	if c.BlockCacheEntries == nil {
		n := d.BlockCacheEntries
		c.BlockCacheEntries = &n
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}

func expandHome(p string) string {
	if strings.HasPrefix(p, "~/") {
		homeDir, err := os.UserHomeDir()
		if err == nil {
			return filepath.Join(homeDir, p[2:])
		}
	}
	return p
}

// Validate checks if the archive configuration is valid.
func (c *ArchiveConfig) Validate() error {
	if _, err := daal.ParseKind(c.Backend); err != nil {
		return fmt.Errorf("backend: %w", err)
	}
	if len(c.Disks) == 0 {
		return fmt.Errorf("at least one disk is required")
	}
	seen := make(map[layout.DiskID]bool, len(c.Disks))
	for _, d := range c.Disks {
		id := layout.DiskID{Node: d.Node, Index: d.Index}
		if d.Node < 0 || d.Index < 0 {
			return fmt.Errorf("disk %s: node and index must not be negative", id)
		}
		if seen[id] {
			return fmt.Errorf("disk %s is listed twice", id)
		}
		seen[id] = true
	}
	if width := c.Reliability.Data + c.Reliability.Parity; width > len(c.Disks) {
		return fmt.Errorf("reliability %d+%d needs %d disks, have %d", c.Reliability.Data, c.Reliability.Parity, width, len(c.Disks))
	}
	if c.LayoutMaps < 1 {
		return fmt.Errorf("layout_maps must be at least 1")
	}
	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("log_level: %w", err)
	}
	_, err := c.Settings()
	return err
}

// Settings converts the configuration to engine settings and checks them.
func (c *ArchiveConfig) Settings() (archive.Settings, error) {
	s := archive.DefaultSettings()
	s.Data = c.Reliability.Data
	s.Parity = c.Reliability.Parity
	s.BlockSize = int(c.BlockSize)
	s.ChunkBlocks = c.ChunkBlocks
	s.InlineThreshold = int(c.InlineThreshold)
	s.ContentHash = c.ContentHash
	s.Pools.Max = c.Pools.Max
	s.Heal.Burst = c.Heal.Burst
	if c.Heal.Rate != nil {
		s.Heal.Rate = *c.Heal.Rate
	}
	if c.BlockCacheEntries != nil {
		s.BlockCacheEntries = *c.BlockCacheEntries
	}

	alg, err := checksum.ParseAlgorithm(c.Checksum.Algorithm)
	if err != nil {
		return s, fmt.Errorf("checksum.algorithm: %w", err)
	}
	s.Checksum, err = checksum.NewGeometry(alg, c.Checksum.BytesPerChecksum.Int64(), int(c.Checksum.BlockSize))
	if err != nil {
		return s, fmt.Errorf("checksum: %w", err)
	}

	durations := []struct {
		name string
		in   string
		out  *time.Duration
	}{
		{"pools.wait_timeout", c.Pools.WaitTimeout, &s.Pools.WaitTimeout},
		{"locks.initial_interval", c.Locks.InitialInterval, &s.Locks.InitialInterval},
		{"locks.max_interval", c.Locks.MaxInterval, &s.Locks.MaxInterval},
		{"locks.max_elapsed", c.Locks.MaxElapsed, &s.Locks.MaxElapsed},
	}
	for _, d := range durations {
		v, err := time.ParseDuration(d.in)
		if err != nil {
			return s, fmt.Errorf("invalid %s: %w", d.name, err)
		}
		*d.out = v
	}

	if err := s.Validate(); err != nil {
		return s, err
	}
	return s, nil
}

// LayoutDisks returns the configured disks for layout.NewStatic.
func (c *ArchiveConfig) LayoutDisks() []layout.Disk {
	disks := make([]layout.Disk, len(c.Disks))
	for i, d := range c.Disks {
		disks[i] = layout.Disk{ID: layout.DiskID{Node: d.Node, Index: d.Index}, Path: d.Path}
	}
	return disks
}
