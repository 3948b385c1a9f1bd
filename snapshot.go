// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package window

import (
	"fmt"
	"slices"
	"time"

	"github.com/siderolabs/gen/xslices"
)

// SnapshotVersion is the snapshot format version produced by Export.
const SnapshotVersion = "1"

// Snapshot is a versioned, payload-stripped export of the entire window state.
//
// Snapshots preserve structure (chunk records, order, continuity links, active
// set) and statistics, not unit payloads: chunks restored from a snapshot are
// addressable but cannot serve raw content until repopulated from an external
// source of truth.
type Snapshot struct {
	Timestamp time.Time `json:"timestamp"`

	Version string `json:"version"`

	Config Config `json:"config"`

	Stats Stats `json:"stats"`

	Chunks []SnapshotChunk `json:"chunks"`

	ChunkOrder []ChunkID `json:"chunk_order"`

	ActiveChunkIDs []ChunkID `json:"active_chunk_ids"`

	ContinuityLinks []ContinuityLink `json:"continuity_links"`
}

// SnapshotChunk is a chunk record with the payload stripped.
type SnapshotChunk struct {
	CreatedAt time.Time `json:"created_at"`

	Metadata Metadata `json:"metadata"`

	ID ChunkID `json:"id"`

	Position int64 `json:"position"`

	UnitCount int64 `json:"unit_count"`

	Compacted bool `json:"compacted"`

	// HasUnits is always false in exported snapshots.
	HasUnits bool `json:"has_units"`
}

// ContinuityLink records the neighbor links of a chunk; absent neighbors are
// NilChunkID.
type ContinuityLink struct {
	ChunkID ChunkID `json:"chunk_id"`
	PrevID  ChunkID `json:"prev_id"`
	NextID  ChunkID `json:"next_id"`
}

// Export produces a snapshot of the window state.
func (w *Window[Unit]) Export() *Snapshot {
	w.mu.RLock()
	defer w.mu.RUnlock()

	return w.exportLocked()
}

func (w *Window[Unit]) exportLocked() *Snapshot {
	snap := &Snapshot{
		Version:   SnapshotVersion,
		Timestamp: time.Now(),
		Config:    w.opt.Config,
		Stats:     w.statisticsLocked(),

		Chunks: xslices.Map(w.order, func(id ChunkID) SnapshotChunk {
			c := w.chunks[id]

			return SnapshotChunk{
				ID:        c.id,
				Position:  c.position,
				UnitCount: c.unitCount,
				CreatedAt: c.createdAt,
				Metadata:  c.md,
				Compacted: c.compacted,
			}
		}),

		ChunkOrder: slices.Clone(w.order),

		ContinuityLinks: xslices.Map(w.order, func(id ChunkID) ContinuityLink {
			c := w.chunks[id]

			return ContinuityLink{
				ChunkID: c.id,
				PrevID:  c.prevID,
				NextID:  c.nextID,
			}
		}),
	}

	for _, id := range w.order {
		if w.chunks[id].active {
			snap.ActiveChunkIDs = append(snap.ActiveChunkIDs, id)
		}
	}

	return snap
}

// Import validates the snapshot and atomically replaces the entire window
// state with it, including the configuration the snapshot was taken with.
//
// On any validation failure (ErrVersionMismatch, ErrCorruptSnapshot) the
// current state is left untouched. Restored chunks carry no payload; the
// garbage-collection run counter restarts from zero. The maintenance cadence
// is fixed at construction and keeps ticking at the original GCInterval even
// after the snapshot's configuration is adopted.
func (w *Window[Unit]) Import(snap *Snapshot) error {
	if w.closed.Load() {
		return ErrClosed
	}

	if snap == nil {
		return fmt.Errorf("%w: no snapshot", ErrCorruptSnapshot)
	}

	if snap.Version != SnapshotVersion {
		return fmt.Errorf("%w: %q (supported: %q)", ErrVersionMismatch, snap.Version, SnapshotVersion)
	}

	chunks, order, err := restoreChunks[Unit](snap)
	if err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	w.opt.Config = snap.Config
	w.chunks = chunks
	w.order = order

	w.totalUnits = 0
	w.activeUnits = 0

	for _, c := range chunks {
		w.totalUnits += c.unitCount

		if c.active {
			w.activeUnits += c.unitCount
		}
	}

	w.gcRuns = 0
	w.updatePressureLocked()
	w.seq++

	return nil
}

// restoreChunks rebuilds the chunk arena and order index from the snapshot,
// verifying structural consistency before anything is published.
//
//nolint:gocognit
func restoreChunks[Unit any](snap *Snapshot) (map[ChunkID]*chunk[Unit], []ChunkID, error) {
	if err := snap.Config.Validate(); err != nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrCorruptSnapshot, err)
	}

	if len(snap.ChunkOrder) != len(snap.Chunks) {
		return nil, nil, fmt.Errorf("%w: chunk order length %d does not match chunk count %d", ErrCorruptSnapshot, len(snap.ChunkOrder), len(snap.Chunks))
	}

	chunks := make(map[ChunkID]*chunk[Unit], len(snap.Chunks))

	for _, sc := range snap.Chunks {
		if sc.ID == NilChunkID {
			return nil, nil, fmt.Errorf("%w: chunk with nil id", ErrCorruptSnapshot)
		}

		if sc.UnitCount <= 0 {
			return nil, nil, fmt.Errorf("%w: chunk %s has non-positive unit count %d", ErrCorruptSnapshot, sc.ID, sc.UnitCount)
		}

		if _, ok := chunks[sc.ID]; ok {
			return nil, nil, fmt.Errorf("%w: duplicate chunk %s", ErrCorruptSnapshot, sc.ID)
		}

		chunks[sc.ID] = &chunk[Unit]{
			id:        sc.ID,
			position:  sc.Position,
			unitCount: sc.UnitCount,
			createdAt: sc.CreatedAt,
			md:        sc.Metadata,
			compacted: sc.Compacted,
		}
	}

	order := make([]ChunkID, 0, len(snap.ChunkOrder))
	lastPosition := int64(-1)

	for _, id := range snap.ChunkOrder {
		c, ok := chunks[id]
		if !ok {
			return nil, nil, fmt.Errorf("%w: chunk order references unknown chunk %s", ErrCorruptSnapshot, id)
		}

		if c.position <= lastPosition {
			return nil, nil, fmt.Errorf("%w: chunk %s breaks position ordering", ErrCorruptSnapshot, id)
		}

		lastPosition = c.position

		order = append(order, id)
	}

	if len(order) != len(chunks) {
		return nil, nil, fmt.Errorf("%w: chunk order has duplicates", ErrCorruptSnapshot)
	}

	var activeUnits int64

	for _, id := range snap.ActiveChunkIDs {
		c, ok := chunks[id]
		if !ok {
			return nil, nil, fmt.Errorf("%w: active set references unknown chunk %s", ErrCorruptSnapshot, id)
		}

		if c.compacted {
			return nil, nil, fmt.Errorf("%w: chunk %s is both active and compacted", ErrCorruptSnapshot, id)
		}

		if c.active {
			return nil, nil, fmt.Errorf("%w: duplicate active chunk %s", ErrCorruptSnapshot, id)
		}

		c.active = true
		activeUnits += c.unitCount
	}

	// the active budget holds after every completed mutation, importing a
	// snapshot included
	if activeUnits > snap.Config.ActiveWindowUnits {
		return nil, nil, fmt.Errorf("%w: active units %d exceed the active window budget %d", ErrCorruptSnapshot, activeUnits, snap.Config.ActiveWindowUnits)
	}

	for _, link := range snap.ContinuityLinks {
		c, ok := chunks[link.ChunkID]
		if !ok {
			return nil, nil, fmt.Errorf("%w: continuity link references unknown chunk %s", ErrCorruptSnapshot, link.ChunkID)
		}

		for _, neighbor := range []ChunkID{link.PrevID, link.NextID} {
			if neighbor == NilChunkID {
				continue
			}

			if _, ok := chunks[neighbor]; !ok {
				return nil, nil, fmt.Errorf("%w: continuity link of chunk %s references unknown chunk %s", ErrCorruptSnapshot, link.ChunkID, neighbor)
			}
		}

		c.prevID = link.PrevID
		c.nextID = link.NextID
	}

	// continuity links form a doubly linked chain, so every link must be
	// reciprocated by its neighbor
	for _, id := range order {
		c := chunks[id]

		if n, ok := chunks[c.nextID]; ok && n.prevID != c.id {
			return nil, nil, fmt.Errorf("%w: chunk %s links forward to %s, which does not link back", ErrCorruptSnapshot, c.id, c.nextID)
		}

		if p, ok := chunks[c.prevID]; ok && p.nextID != c.id {
			return nil, nil, fmt.Errorf("%w: chunk %s links backward to %s, which does not link back", ErrCorruptSnapshot, c.id, c.prevID)
		}
	}

	return chunks, order, nil
}
