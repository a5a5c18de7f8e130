// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package tape

import (
	"fmt"
	"runtime"
	"time"
)

// RecorderConfig encapsulates the build-time parameters of a tape.
type RecorderConfig struct {
	// zstd compression level, 1 (fastest) to 22 (smallest).
	CompressionLevel int
	// Every CheckpointEvery-th version is stored in full. CheckpointFirstOnly
	// stores only the first.
	CheckpointEvery int

	// --- Dictionary training ---
	// Target size of a trained dictionary in bytes.
	DictSize int
	// Training is refused with fewer samples than this.
	MinSamples int
	// Stop collecting samples once this many raw bytes were seen.
	MaxSampleBytes int
}

// Validate validates the configuration object has reasonable(not obviously
// wrong) values.
func (c RecorderConfig) Validate() error {
	if c.CompressionLevel < 1 || c.CompressionLevel > 22 {
		return fmt.Errorf("CompressionLevel %d is not in [1, 22]", c.CompressionLevel)
	}
	if c.CheckpointEvery < 0 {
		return fmt.Errorf("CheckpointEvery can not be negative")
	}
	if c.DictSize < 0 || c.MinSamples < 0 || c.MaxSampleBytes < 0 {
		return fmt.Errorf("dictionary parameters can not be negative")
	}
	return nil
}

// DefaultRecorderConfig specifies the default values for RecorderConfig.
var DefaultRecorderConfig = RecorderConfig{
	CompressionLevel: 19,
	CheckpointEvery:  64,

	DictSize:       112 << 10,
	MinSamples:     16,
	MaxSampleBytes: 256 << 20,
}

// ReaderConfig encapsulates parameters for opening a Database.
type ReaderConfig struct {
	// --- Decompressed block cache ---
	// Maximum number of decompressed blocks kept. Zero sizes the cache from
	// CacheMemoryFraction of system memory; negative disables it.
	CacheEntries int
	// Fraction of total memory to spend on the cache when CacheEntries is 0.
	CacheMemoryFraction float64
	// Number of independently locked cache shards.
	CacheShards int
	// How long a block stays cached after it was decompressed. Zero means
	// no limit.
	CacheTTL time.Duration
	// How long a block stays cached after it was last used. Zero means no
	// limit.
	CacheTTI time.Duration

	// Batch fetches above this many ids run on this many goroutines. Zero
	// means GOMAXPROCS.
	Workers int

	// Fault the whole file into memory at open time.
	Populate bool
}

// Validate validates the configuration object has reasonable(not obviously
// wrong) values.
func (c ReaderConfig) Validate() error {
	if c.CacheEntries == 0 && (c.CacheMemoryFraction <= 0 || c.CacheMemoryFraction > 1) {
		return fmt.Errorf("CacheMemoryFraction %v is not in (0, 1]", c.CacheMemoryFraction)
	}
	if c.CacheShards < 1 {
		return fmt.Errorf("CacheShards can not be 0")
	}
	if c.CacheTTL < 0 || c.CacheTTI < 0 {
		return fmt.Errorf("cache lifetimes can not be negative")
	}
	if c.Workers < 0 {
		return fmt.Errorf("Workers can not be negative")
	}
	return nil
}

func (c ReaderConfig) workers() int {
	if c.Workers > 0 {
		return c.Workers
	}
	return runtime.GOMAXPROCS(0)
}

// DefaultReaderConfig specifies the default values for ReaderConfig that is
// used for serving.
var DefaultReaderConfig = ReaderConfig{
	CacheEntries:        0,
	CacheMemoryFraction: 0.125,
	CacheShards:         16,
	CacheTTL:            30 * time.Minute,
	CacheTTI:            5 * time.Minute,
	Workers:             0,
	Populate:            true,
}

// DefaultTestReaderConfig specifies the default values for ReaderConfig that
// is used for testing.
var DefaultTestReaderConfig = ReaderConfig{
	CacheEntries:        256,
	CacheMemoryFraction: 0.125,
	CacheShards:         4,
	CacheTTL:            time.Minute,
	CacheTTI:            time.Minute,
	Workers:             4,
	Populate:            false,
}
