// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package window provides a sliding-window memory manager for unbounded
// ordered unit streams.
//
// The manager ingests already-tokenized units, splits them into overlapping
// chunks, keeps a bounded active subset resident, deactivates and compacts
// cold chunks under memory pressure, garbage-collects the lowest-value
// inactive chunks, and reconstructs neighboring context across chunk
// boundaries through continuity links. The entire state can be exported and
// imported as a versioned, payload-stripped snapshot.
package window

import (
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Window is a sliding-window manager over a stream of opaque units.
//
// All mutations are serialized under a single writer lock; queries run
// concurrently against the committed state and never observe a partially
// applied ingest, eviction or garbage-collection pass.
type Window[Unit any] struct {
	// chunk arena addressed by opaque handles
	chunks map[ChunkID]*chunk[Unit]

	// insertion order of chunk IDs; chunk positions are strictly increasing
	// along this slice, so it doubles as the position index
	order []ChunkID

	codec *snapshotCodec

	// limits opportunistic garbage collection on the ingest path
	gcLimiter *rate.Limiter

	stopCh chan struct{}

	opt Options

	totalUnits  int64
	activeUnits int64

	gcRuns int64

	// seq counts committed mutations; flushedSeq is the last one persisted
	seq        int64
	flushedSeq int64

	pressure bool

	// waitgroup to wait for the maintenance goroutine to finish
	wg sync.WaitGroup

	// closed flag (to disable mutations after close)
	closed atomic.Bool

	// synchronizing access to chunks, order, counters
	mu sync.RWMutex
}

// New creates a Window with the specified options.
func New[Unit any](opts ...OptionFunc) (*Window[Unit], error) {
	w := &Window[Unit]{
		opt:    defaultOptions(),
		chunks: map[ChunkID]*chunk[Unit]{},
	}

	for _, o := range opts {
		if err := o(&w.opt); err != nil {
			return nil, err
		}
	}

	if err := w.opt.Config.Validate(); err != nil {
		return nil, err
	}

	if w.opt.MemoryCeiling == 0 {
		w.opt.MemoryCeiling = w.opt.Config.MaxTotalUnits
	}

	w.gcLimiter = rate.NewLimiter(rate.Every(w.opt.Config.GCInterval/10), 1)

	if w.opt.PersistenceOptions.SnapshotPath != "" {
		var err error

		if w.codec, err = newSnapshotCodec(); err != nil {
			return nil, err
		}

		if err = w.load(); err != nil {
			return nil, err
		}
	}

	w.run()

	return w, nil
}

// Close stops background maintenance, persisting a final snapshot if
// persistence is enabled, and fails subsequent mutations with ErrClosed.
func (w *Window[Unit]) Close() error {
	if w.closed.Swap(true) {
		return nil
	}

	close(w.stopCh)

	w.wg.Wait()

	return nil
}

// AddUnits ingests a batch of units, splitting it into overlapping chunks, and
// returns the IDs of the new chunks in stream order.
//
// If committing the batch would exceed the active window budget, the oldest
// non-protected active chunks are deactivated first; when that cannot free
// enough space the call fails with ErrCapacityExceeded and no state changes.
// The batch commits atomically: no partially constructed chunk is ever visible
// to queries.
func (w *Window[Unit]) AddUnits(units []Unit, md Metadata) ([]ChunkID, error) {
	return w.addUnits(units, md, false)
}

// AddUnitsForced is AddUnits with the eviction override: the capacity scan
// also deactivates priority-protected chunks.
func (w *Window[Unit]) AddUnitsForced(units []Unit, md Metadata) ([]ChunkID, error) {
	return w.addUnits(units, md, true)
}

func (w *Window[Unit]) addUnits(units []Unit, md Metadata, force bool) ([]ChunkID, error) {
	if w.closed.Load() {
		return nil, ErrClosed
	}

	if len(units) == 0 {
		return nil, nil
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	// chunk sizing comes from the live config, which Import may replace, so
	// the split runs under the lock
	pieces := splitUnits(units, w.opt.Config.ChunkUnitSize, w.opt.Config.OverlapUnitSize)

	var batchUnits int64

	for _, p := range pieces {
		batchUnits += int64(len(p.units))
	}

	// plan the eviction fully before mutating anything, so a capacity failure
	// leaves no visible state change
	evict, err := w.planEviction(batchUnits, force)
	if err != nil {
		return nil, err
	}

	for _, id := range evict {
		w.deactivateLocked(w.chunks[id])
	}

	base := w.nextPosition()
	now := time.Now()

	var prev *chunk[Unit]

	if len(w.order) > 0 {
		prev = w.chunks[w.order[len(w.order)-1]]
	}

	ids := make([]ChunkID, 0, len(pieces))

	for _, p := range pieces {
		c := &chunk[Unit]{
			id:        uuid.New(),
			position:  base + p.offset,
			unitCount: int64(len(p.units)),
			units:     p.units,
			createdAt: now,
			md:        md,
			active:    true,
		}

		if prev != nil {
			prev.nextID = c.id
			c.prevID = prev.id
		}

		w.chunks[c.id] = c
		w.order = append(w.order, c.id)
		w.totalUnits += c.unitCount
		w.activeUnits += c.unitCount

		ids = append(ids, c.id)
		prev = c
	}

	w.updatePressureLocked()
	w.enforceResidencyLocked()
	w.seq++

	if w.utilizationLocked() > w.opt.Config.GCUtilizationThreshold && w.gcLimiter.Allow() {
		if removed := w.collectLocked(); removed > 0 {
			w.opt.Logger.Debug("opportunistic garbage collection on ingest",
				zap.Int("removed_chunks", removed),
				zap.Int64("total_units", w.totalUnits),
			)
		}
	}

	return ids, nil
}

// planEviction returns the IDs of active chunks to deactivate so that
// incoming additional active units still fit the budget. Chunks are scanned
// oldest first; unless force is set, chunks with priority above the
// high-priority threshold are skipped.
func (w *Window[Unit]) planEviction(incoming int64, force bool) ([]ChunkID, error) {
	overflow := w.activeUnits + incoming - w.opt.Config.ActiveWindowUnits
	if overflow <= 0 {
		return nil, nil
	}

	var (
		plan  []ChunkID
		freed int64
	)

	for _, id := range w.order {
		c := w.chunks[id]

		if !c.active {
			continue
		}

		if !force && c.md.Priority > w.opt.Config.HighPriorityThreshold {
			continue
		}

		plan = append(plan, id)

		freed += c.unitCount
		if freed >= overflow {
			return plan, nil
		}
	}

	return nil, fmt.Errorf("%w: %d units still over budget after scanning eligible active chunks", ErrCapacityExceeded, overflow-freed)
}

// deactivateLocked removes the chunk from the active window, retaining its
// payload unless the memory-pressure flag is set, in which case the chunk is
// compacted immediately.
func (w *Window[Unit]) deactivateLocked(c *chunk[Unit]) {
	if !c.active {
		return
	}

	c.active = false
	w.activeUnits -= c.unitCount

	if w.pressure {
		w.compactLocked(c)
	}
}

// Remove deletes the chunk and repairs index entries and continuity links of
// its neighbors.
func (w *Window[Unit]) Remove(id ChunkID) error {
	if w.closed.Load() {
		return ErrClosed
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	c, ok := w.chunks[id]
	if !ok {
		return fmt.Errorf("chunk %s: %w", id, ErrChunkNotFound)
	}

	w.removeLocked(c)
	w.updatePressureLocked()
	w.seq++

	return nil
}

// removeLocked deletes the chunk from the arena and the order index, splicing
// the continuity chain around it: both-sided neighbors are linked directly to
// each other, one-sided neighbors get their dangling end cleared.
func (w *Window[Unit]) removeLocked(c *chunk[Unit]) {
	if p, ok := w.chunks[c.prevID]; ok {
		p.nextID = c.nextID
	}

	if n, ok := w.chunks[c.nextID]; ok {
		n.prevID = c.prevID
	}

	if i, ok := w.orderIndex(c); ok {
		w.order = slices.Delete(w.order, i, i+1)
	}

	delete(w.chunks, c.id)

	w.totalUnits -= c.unitCount

	if c.active {
		w.activeUnits -= c.unitCount
	}
}

// orderIndex locates the chunk in the order slice via binary search over the
// strictly increasing positions.
func (w *Window[Unit]) orderIndex(c *chunk[Unit]) (int, bool) {
	lo, hi := 0, len(w.order)

	for lo < hi {
		mid := (lo + hi) / 2

		if w.chunks[w.order[mid]].position < c.position {
			lo = mid + 1
		} else {
			hi = mid
		}
	}

	if lo < len(w.order) && w.order[lo] == c.id {
		return lo, true
	}

	return 0, false
}

// nextPosition returns the absolute position of the next ingested unit: the
// running total of retained units, bumped past the last chunk's end so that
// positions stay strictly increasing after garbage collection shrank the
// total.
func (w *Window[Unit]) nextPosition() int64 {
	base := w.totalUnits

	if len(w.order) > 0 {
		if end := w.chunks[w.order[len(w.order)-1]].end(); end > base {
			base = end
		}
	}

	return base
}

func (w *Window[Unit]) utilizationLocked() float64 {
	return float64(w.totalUnits) / float64(w.opt.Config.MaxTotalUnits)
}

// Stats is a point-in-time summary of the window state.
type Stats struct {
	TotalUnits         int64   `json:"total_units" yaml:"total_units"`
	ActiveUnits        int64   `json:"active_units" yaml:"active_units"`
	ChunkCount         int     `json:"chunk_count" yaml:"chunk_count"`
	ActiveChunkCount   int     `json:"active_chunk_count" yaml:"active_chunk_count"`
	InactiveChunkCount int     `json:"inactive_chunk_count" yaml:"inactive_chunk_count"`
	UtilizationRatio   float64 `json:"utilization_ratio" yaml:"utilization_ratio"`
	CompressionRatio   float64 `json:"compression_ratio" yaml:"compression_ratio"`
	GCRunCount         int64   `json:"gc_run_count" yaml:"gc_run_count"`
	MemoryPressure     bool    `json:"memory_pressure" yaml:"memory_pressure"`
}

// Statistics returns a consistent summary of the window state.
func (w *Window[Unit]) Statistics() Stats {
	w.mu.RLock()
	defer w.mu.RUnlock()

	return w.statisticsLocked()
}

func (w *Window[Unit]) statisticsLocked() Stats {
	var active, compacted int

	for _, c := range w.chunks {
		if c.active {
			active++
		}

		if c.compacted {
			compacted++
		}
	}

	s := Stats{
		TotalUnits:         w.totalUnits,
		ActiveUnits:        w.activeUnits,
		ChunkCount:         len(w.chunks),
		ActiveChunkCount:   active,
		InactiveChunkCount: len(w.chunks) - active,
		UtilizationRatio:   w.utilizationLocked(),
		MemoryPressure:     w.pressure,
		GCRunCount:         w.gcRuns,
	}

	if len(w.chunks) > 0 {
		s.CompressionRatio = float64(compacted) / float64(len(w.chunks))
	}

	return s
}
