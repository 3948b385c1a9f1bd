// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package window

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Config defines the sliding-window sizing and maintenance parameters.
//
// The zero value is not usable; start from DefaultConfig.
type Config struct {
	// MaxTotalUnits is the ceiling on the total number of units (active and
	// inactive) retained by the window.
	MaxTotalUnits int64 `json:"max_total_units" yaml:"max_total_units"`

	// ActiveWindowUnits is the budget for units resident in the active window.
	ActiveWindowUnits int64 `json:"active_window_units" yaml:"active_window_units"`

	// ChunkUnitSize is the maximum number of units per chunk.
	ChunkUnitSize int64 `json:"chunk_unit_size" yaml:"chunk_unit_size"`

	// OverlapUnitSize is the number of units shared by adjacent chunks; must be
	// smaller than ChunkUnitSize.
	OverlapUnitSize int64 `json:"overlap_unit_size" yaml:"overlap_unit_size"`

	// MaxResidentChunks is the number of chunks allowed to keep their payload
	// resident; maintenance compacts the oldest inactive chunks beyond it.
	MaxResidentChunks int `json:"max_resident_chunks" yaml:"max_resident_chunks"`

	// GCUtilizationThreshold triggers an opportunistic garbage-collection pass
	// when total_units/max_total_units exceeds it.
	GCUtilizationThreshold float64 `json:"gc_utilization_threshold" yaml:"gc_utilization_threshold"`

	// GCInterval is the period of the background garbage-collection pass.
	GCInterval time.Duration `json:"gc_interval" yaml:"gc_interval"`

	// HighPriorityThreshold protects chunks with Metadata.Priority above it
	// from the eviction scan.
	HighPriorityThreshold float64 `json:"high_priority_threshold" yaml:"high_priority_threshold"`

	// GCRemovalFraction is the share of the total chunk population removed per
	// garbage-collection pass (taken from the inactive pool only).
	GCRemovalFraction float64 `json:"gc_removal_fraction" yaml:"gc_removal_fraction"`
}

// DefaultConfig returns the default window configuration.
func DefaultConfig() Config {
	return Config{
		MaxTotalUnits:          1_000_000,
		ActiveWindowUnits:      100_000,
		ChunkUnitSize:          10_000,
		OverlapUnitSize:        500,
		MaxResidentChunks:      20,
		GCUtilizationThreshold: 0.9,
		GCInterval:             60 * time.Second,
		HighPriorityThreshold:  0.8,
		GCRemovalFraction:      0.2,
	}
}

// Validate checks the configuration for consistency.
func (c Config) Validate() error {
	switch {
	case c.ChunkUnitSize <= 0:
		return fmt.Errorf("%w: chunk unit size should be positive: %d", ErrInvalidConfiguration, c.ChunkUnitSize)
	case c.OverlapUnitSize < 0:
		return fmt.Errorf("%w: overlap unit size should be non-negative: %d", ErrInvalidConfiguration, c.OverlapUnitSize)
	case c.OverlapUnitSize >= c.ChunkUnitSize:
		return fmt.Errorf("%w: overlap unit size (%d) should be less than chunk unit size (%d)", ErrInvalidConfiguration, c.OverlapUnitSize, c.ChunkUnitSize)
	case c.MaxTotalUnits <= 0:
		return fmt.Errorf("%w: max total units should be positive: %d", ErrInvalidConfiguration, c.MaxTotalUnits)
	case c.ActiveWindowUnits <= 0:
		return fmt.Errorf("%w: active window units should be positive: %d", ErrInvalidConfiguration, c.ActiveWindowUnits)
	case c.ActiveWindowUnits > c.MaxTotalUnits:
		return fmt.Errorf("%w: active window units (%d) should be less or equal to max total units (%d)", ErrInvalidConfiguration, c.ActiveWindowUnits, c.MaxTotalUnits)
	case c.MaxResidentChunks <= 0:
		return fmt.Errorf("%w: max resident chunks should be positive: %d", ErrInvalidConfiguration, c.MaxResidentChunks)
	case c.GCUtilizationThreshold <= 0 || c.GCUtilizationThreshold > 1:
		return fmt.Errorf("%w: gc utilization threshold should be in range (0, 1]: %f", ErrInvalidConfiguration, c.GCUtilizationThreshold)
	case c.GCInterval <= 0:
		return fmt.Errorf("%w: gc interval should be positive: %s", ErrInvalidConfiguration, c.GCInterval)
	case c.HighPriorityThreshold < 0 || c.HighPriorityThreshold > 1:
		return fmt.Errorf("%w: high priority threshold should be in range [0, 1]: %f", ErrInvalidConfiguration, c.HighPriorityThreshold)
	case c.GCRemovalFraction < 0 || c.GCRemovalFraction >= 1:
		return fmt.Errorf("%w: gc removal fraction should be in range [0, 1): %f", ErrInvalidConfiguration, c.GCRemovalFraction)
	}

	return nil
}

// ConfigFromYAML parses a configuration document, applying defaults for
// omitted fields.
func ConfigFromYAML(data []byte) (Config, error) {
	c := DefaultConfig()

	if err := yaml.Unmarshal(data, &c); err != nil {
		return Config{}, fmt.Errorf("%w: %w", ErrInvalidConfiguration, err)
	}

	if err := c.Validate(); err != nil {
		return Config{}, err
	}

	return c, nil
}

// UnmarshalYAML implements custom unmarshaling so that gc_interval accepts
// human-readable durations ("30s", "1m"). Omitted fields keep their current
// values.
func (c *Config) UnmarshalYAML(value *yaml.Node) error {
	type rawConfig struct {
		MaxTotalUnits          int64   `yaml:"max_total_units"`
		ActiveWindowUnits      int64   `yaml:"active_window_units"`
		ChunkUnitSize          int64   `yaml:"chunk_unit_size"`
		OverlapUnitSize        int64   `yaml:"overlap_unit_size"`
		MaxResidentChunks      int     `yaml:"max_resident_chunks"`
		GCUtilizationThreshold float64 `yaml:"gc_utilization_threshold"`
		GCInterval             string  `yaml:"gc_interval"`
		HighPriorityThreshold  float64 `yaml:"high_priority_threshold"`
		GCRemovalFraction      float64 `yaml:"gc_removal_fraction"`
	}

	raw := rawConfig{
		MaxTotalUnits:          c.MaxTotalUnits,
		ActiveWindowUnits:      c.ActiveWindowUnits,
		ChunkUnitSize:          c.ChunkUnitSize,
		OverlapUnitSize:        c.OverlapUnitSize,
		MaxResidentChunks:      c.MaxResidentChunks,
		GCUtilizationThreshold: c.GCUtilizationThreshold,
		GCInterval:             c.GCInterval.String(),
		HighPriorityThreshold:  c.HighPriorityThreshold,
		GCRemovalFraction:      c.GCRemovalFraction,
	}

	if err := value.Decode(&raw); err != nil {
		return err
	}

	interval, err := time.ParseDuration(raw.GCInterval)
	if err != nil {
		return fmt.Errorf("invalid gc interval %q: %w", raw.GCInterval, err)
	}

	*c = Config{
		MaxTotalUnits:          raw.MaxTotalUnits,
		ActiveWindowUnits:      raw.ActiveWindowUnits,
		ChunkUnitSize:          raw.ChunkUnitSize,
		OverlapUnitSize:        raw.OverlapUnitSize,
		MaxResidentChunks:      raw.MaxResidentChunks,
		GCUtilizationThreshold: raw.GCUtilizationThreshold,
		GCInterval:             interval,
		HighPriorityThreshold:  raw.HighPriorityThreshold,
		GCRemovalFraction:      raw.GCRemovalFraction,
	}

	return nil
}
