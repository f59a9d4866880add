// Package config handles sharedheap.toml configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"

	"github.com/chazu/sharedheap/heap"
)

// FileName is the configuration file looked up by Load and FindAndLoad.
const FileName = "sharedheap.toml"

// ErrNotFound is returned by FindAndLoad when no configuration file exists
// between the start directory and the filesystem root.
var ErrNotFound = errors.New(FileName + " not found")

// Config represents a sharedheap.toml file.
type Config struct {
	Heap  HeapSection  `toml:"heap"`
	GC    GCSection    `toml:"gc"`
	Trace TraceSection `toml:"trace"`
	Log   LogSection   `toml:"log"`

	// Dir is the directory containing the file (set at load time).
	Dir string `toml:"-"`
}

// HeapSection sizes the heap. Sizes are in KiB.
type HeapSection struct {
	RegionSizeKiB       int `toml:"region-size-kib"`
	RegionCache         int `toml:"region-cache"`
	MaxHeapSizeKiB      int `toml:"max-heap-size-kib"`
	OldSpaceKiB         int `toml:"old-space-kib"`
	NonMovableKiB       int `toml:"non-movable-kib"`
	HugeObjectSpaceKiB  int `toml:"huge-object-space-kib"`
	HugeObjectThreshKiB int `toml:"huge-object-threshold-kib"`
}

// GCSection tunes the collector.
type GCSection struct {
	InitialAllocLimitKiB int     `toml:"initial-alloc-limit-kib"`
	GrowFactor           float64 `toml:"grow-factor"`
	ConcurrentMarkRatio  float64 `toml:"concurrent-mark-ratio"`
	NativeSizeLimitKiB   int     `toml:"native-size-limit-kib"`
	MarkWorkers          int     `toml:"mark-workers"`
	SweepWorkers         int     `toml:"sweep-workers"`
	// ConcurrentSweep and ConcurrentMark are pointers so that an absent key
	// keeps the default.
	ConcurrentSweep *bool `toml:"concurrent-sweep"`
	ConcurrentMark  *bool `toml:"concurrent-mark"`
}

// TraceSection configures the GC event recorder.
type TraceSection struct {
	Enabled bool   `toml:"enabled"`
	DB      string `toml:"db"`
}

// LogSection configures logging.
type LogSection struct {
	Verbosity int    `toml:"verbosity"`
	File      string `toml:"file"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	c := &Config{}
	c.applyDefaults()
	return c
}

// Load parses sharedheap.toml from the given directory.
func Load(dir string) (*Config, error) {
	path := filepath.Join(dir, FileName)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}

	var c Config
	if err := toml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse error in %s: %w", path, err)
	}

	c.Dir, err = filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("cannot resolve path %s: %w", dir, err)
	}
	c.applyDefaults()
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &c, nil
}

// FindAndLoad walks up from startDir to find sharedheap.toml and loads it.
// It returns ErrNotFound when there is none.
func FindAndLoad(startDir string) (*Config, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return nil, err
	}

	for {
		path := filepath.Join(dir, FileName)
		if _, err := os.Stat(path); err == nil {
			return Load(dir)
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return nil, ErrNotFound
		}
		dir = parent
	}
}

// applyDefaults fills every unset field from heap.DefaultConfig.
func (c *Config) applyDefaults() {
	d := heap.DefaultConfig()
	setKiB := func(v *int, def uintptr) {
		if *v == 0 {
			*v = int(def >> 10)
		}
	}
	setKiB(&c.Heap.RegionSizeKiB, d.RegionSize)
	setKiB(&c.Heap.MaxHeapSizeKiB, d.MaxHeapSize)
	setKiB(&c.Heap.OldSpaceKiB, d.OldSpaceCapacity)
	setKiB(&c.Heap.NonMovableKiB, d.NonMovableCapacity)
	setKiB(&c.Heap.HugeObjectSpaceKiB, d.HugeObjectCapacity)
	setKiB(&c.Heap.HugeObjectThreshKiB, d.HugeObjectThreshold)
	setKiB(&c.GC.InitialAllocLimitKiB, d.InitialAllocLimit)
	setKiB(&c.GC.NativeSizeLimitKiB, d.NativeSizeLimit)
	if c.Heap.RegionCache == 0 {
		c.Heap.RegionCache = d.RegionCacheLimit
	}
	if c.GC.GrowFactor == 0 {
		c.GC.GrowFactor = d.GrowFactor
	}
	if c.GC.ConcurrentMarkRatio == 0 {
		c.GC.ConcurrentMarkRatio = d.ConcurrentMarkRatio
	}
	if c.GC.MarkWorkers == 0 {
		c.GC.MarkWorkers = d.MarkWorkers
	}
	if c.GC.ConcurrentSweep == nil {
		c.GC.ConcurrentSweep = &d.ConcurrentSweep
	}
	if c.GC.ConcurrentMark == nil {
		c.GC.ConcurrentMark = &d.ConcurrentMark
	}
	if c.Trace.DB == "" {
		c.Trace.DB = "gctrace.db"
	}
}

// Validate checks the settings against the heap's own rules.
func (c *Config) Validate() error {
	if c.GC.SweepWorkers < 0 || c.GC.MarkWorkers < 0 {
		return errors.New("worker counts must not be negative")
	}
	if c.Log.Verbosity < 0 {
		return fmt.Errorf("log verbosity %d is negative", c.Log.Verbosity)
	}
	return c.HeapConfig().Validate()
}

// HeapConfig converts the file settings into a heap.Config.
func (c *Config) HeapConfig() heap.Config {
	kib := func(v int) uintptr { return uintptr(v) << 10 }
	hc := heap.Config{
		RegionSize:          kib(c.Heap.RegionSizeKiB),
		RegionCacheLimit:    c.Heap.RegionCache,
		MaxHeapSize:         kib(c.Heap.MaxHeapSizeKiB),
		OldSpaceCapacity:    kib(c.Heap.OldSpaceKiB),
		NonMovableCapacity:  kib(c.Heap.NonMovableKiB),
		HugeObjectCapacity:  kib(c.Heap.HugeObjectSpaceKiB),
		HugeObjectThreshold: kib(c.Heap.HugeObjectThreshKiB),
		InitialAllocLimit:   kib(c.GC.InitialAllocLimitKiB),
		GrowFactor:          c.GC.GrowFactor,
		ConcurrentMarkRatio: c.GC.ConcurrentMarkRatio,
		NativeSizeLimit:     kib(c.GC.NativeSizeLimitKiB),
		MarkWorkers:         c.GC.MarkWorkers,
		ConcurrentSweep:     true,
		ConcurrentMark:      true,
	}
	if c.GC.ConcurrentSweep != nil {
		hc.ConcurrentSweep = *c.GC.ConcurrentSweep
	}
	if c.GC.ConcurrentMark != nil {
		hc.ConcurrentMark = *c.GC.ConcurrentMark
	}
	return hc
}

// TracePath returns the trace database path, resolved against Dir.
func (c *Config) TracePath() string {
	if filepath.IsAbs(c.Trace.DB) || c.Dir == "" {
		return c.Trace.DB
	}
	return filepath.Join(c.Dir, c.Trace.DB)
}

// LogPath returns the log file path resolved against Dir, or nil for
// standard error.
func (c *Config) LogPath() *string {
	if c.Log.File == "" {
		return nil
	}
	p := c.Log.File
	if !filepath.IsAbs(p) && c.Dir != "" {
		p = filepath.Join(c.Dir, p)
	}
	return &p
}
