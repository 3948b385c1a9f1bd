// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package window

import (
	"fmt"
	"math/rand/v2"
	"time"

	"go.uber.org/zap"
)

// Options defines settings for a Window.
type Options struct {
	// SizeFunc estimates the memory footprint of the window.
	SizeFunc SizeFunc

	Logger *zap.Logger

	PersistenceOptions PersistenceOptions

	Config Config

	// MemoryCeiling is the footprint (in SizeFunc units) at which the
	// memory-pressure flag engages: crossing 80% of the ceiling sets the flag,
	// dropping back below clears it. Defaults to Config.MaxTotalUnits.
	MemoryCeiling int64
}

// SizeFunc estimates the memory footprint of the window from the chunk count
// and the total number of retained units.
//
// The source data gives no true bytes-per-unit function, so sizing is a
// caller-supplied heuristic; the default counts each retained unit as one.
type SizeFunc func(chunkCount int, totalUnits int64) int64

// PersistenceOptions defines settings for snapshot persistence.
type PersistenceOptions struct {
	// SnapshotPath is the path of the snapshot file.
	//
	// If SnapshotPath is empty, persistence is disabled. Snapshots are
	// payload-stripped: they preserve structure and statistics, not unit
	// content.
	SnapshotPath string

	// FlushInterval writes the snapshot to disk every FlushInterval (if there
	// were any changes).
	FlushInterval time.Duration

	// FlushJitter adds random jitter to FlushInterval to avoid thundering herd
	// problem (a ratio of FlushInterval).
	FlushJitter float64
}

// NextInterval calculates next flush interval with jitter.
func (p PersistenceOptions) NextInterval() time.Duration {
	return time.Duration(((rand.Float64()*2-1)*p.FlushJitter + 1.0) * float64(p.FlushInterval))
}

// defaultOptions returns default initial values.
func defaultOptions() Options {
	return Options{
		Config: DefaultConfig(),
		Logger: zap.NewNop(),
		SizeFunc: func(_ int, totalUnits int64) int64 {
			return totalUnits
		},
	}
}

// OptionFunc allows setting Window options.
type OptionFunc func(*Options) error

// WithConfig replaces the whole configuration.
func WithConfig(c Config) OptionFunc {
	return func(opt *Options) error {
		opt.Config = c

		return nil
	}
}

// WithMaxTotalUnits sets the ceiling on total retained units.
func WithMaxTotalUnits(units int64) OptionFunc {
	return func(opt *Options) error {
		if units <= 0 {
			return fmt.Errorf("%w: max total units should be positive: %d", ErrInvalidConfiguration, units)
		}

		opt.Config.MaxTotalUnits = units

		return nil
	}
}

// WithActiveWindowUnits sets the active window budget.
func WithActiveWindowUnits(units int64) OptionFunc {
	return func(opt *Options) error {
		if units <= 0 {
			return fmt.Errorf("%w: active window units should be positive: %d", ErrInvalidConfiguration, units)
		}

		opt.Config.ActiveWindowUnits = units

		return nil
	}
}

// WithChunkSizing sets the chunk size and the overlap between adjacent chunks.
func WithChunkSizing(size, overlap int64) OptionFunc {
	return func(opt *Options) error {
		if size <= 0 {
			return fmt.Errorf("%w: chunk unit size should be positive: %d", ErrInvalidConfiguration, size)
		}

		if overlap < 0 || overlap >= size {
			return fmt.Errorf("%w: overlap unit size (%d) should be in range [0, %d)", ErrInvalidConfiguration, overlap, size)
		}

		opt.Config.ChunkUnitSize = size
		opt.Config.OverlapUnitSize = overlap

		return nil
	}
}

// WithMaxResidentChunks sets the number of chunks allowed to keep payloads
// resident before maintenance compaction kicks in.
func WithMaxResidentChunks(n int) OptionFunc {
	return func(opt *Options) error {
		if n <= 0 {
			return fmt.Errorf("%w: max resident chunks should be positive: %d", ErrInvalidConfiguration, n)
		}

		opt.Config.MaxResidentChunks = n

		return nil
	}
}

// WithGCInterval sets the period of the background garbage-collection pass.
func WithGCInterval(interval time.Duration) OptionFunc {
	return func(opt *Options) error {
		if interval <= 0 {
			return fmt.Errorf("%w: gc interval should be positive: %s", ErrInvalidConfiguration, interval)
		}

		opt.Config.GCInterval = interval

		return nil
	}
}

// WithGCUtilizationThreshold sets the utilization ratio above which a
// garbage-collection pass runs opportunistically on the ingest path.
func WithGCUtilizationThreshold(threshold float64) OptionFunc {
	return func(opt *Options) error {
		if threshold <= 0 || threshold > 1 {
			return fmt.Errorf("%w: gc utilization threshold should be in range (0, 1]: %f", ErrInvalidConfiguration, threshold)
		}

		opt.Config.GCUtilizationThreshold = threshold

		return nil
	}
}

// WithGCRemovalFraction sets the share of the chunk population removed per
// garbage-collection pass.
func WithGCRemovalFraction(fraction float64) OptionFunc {
	return func(opt *Options) error {
		if fraction < 0 || fraction >= 1 {
			return fmt.Errorf("%w: gc removal fraction should be in range [0, 1): %f", ErrInvalidConfiguration, fraction)
		}

		opt.Config.GCRemovalFraction = fraction

		return nil
	}
}

// WithHighPriorityThreshold sets the priority above which chunks are protected
// from eviction.
func WithHighPriorityThreshold(threshold float64) OptionFunc {
	return func(opt *Options) error {
		if threshold < 0 || threshold > 1 {
			return fmt.Errorf("%w: high priority threshold should be in range [0, 1]: %f", ErrInvalidConfiguration, threshold)
		}

		opt.Config.HighPriorityThreshold = threshold

		return nil
	}
}

// WithSizing sets the memory sizing function and the footprint ceiling used by
// the memory-pressure flag.
func WithSizing(fn SizeFunc, ceiling int64) OptionFunc {
	return func(opt *Options) error {
		if fn == nil {
			return fmt.Errorf("%w: size function should be set", ErrInvalidConfiguration)
		}

		if ceiling <= 0 {
			return fmt.Errorf("%w: memory ceiling should be positive: %d", ErrInvalidConfiguration, ceiling)
		}

		opt.SizeFunc = fn
		opt.MemoryCeiling = ceiling

		return nil
	}
}

// WithPersistence enables snapshot persistence to disk.
func WithPersistence(options PersistenceOptions) OptionFunc {
	return func(opt *Options) error {
		if options.SnapshotPath == "" {
			return fmt.Errorf("%w: snapshot path should be set", ErrInvalidConfiguration)
		}

		if options.FlushJitter < 0 || options.FlushJitter > 1 {
			return fmt.Errorf("%w: flush jitter should be in range [0, 1]: %f", ErrInvalidConfiguration, options.FlushJitter)
		}

		opt.PersistenceOptions = options

		return nil
	}
}

// WithLogger sets logger for the Window.
func WithLogger(logger *zap.Logger) OptionFunc {
	return func(opt *Options) error {
		opt.Logger = logger

		return nil
	}
}
