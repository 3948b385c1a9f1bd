// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package window

import (
	"fmt"
	"slices"
	"sort"
)

// Get returns a copy of the chunk.
func (w *Window[Unit]) Get(id ChunkID) (Chunk[Unit], error) {
	w.mu.RLock()
	defer w.mu.RUnlock()

	c, ok := w.chunks[id]
	if !ok {
		return Chunk[Unit]{}, fmt.Errorf("chunk %s: %w", id, ErrChunkNotFound)
	}

	return c.view(), nil
}

// GetChunksByRange returns the chunks whose unit ranges intersect
// [start, end), in stream order. Chunks removed by garbage collection are not
// covered by the position index, so gaps in the result are possible.
func (w *Window[Unit]) GetChunksByRange(start, end int64) []Chunk[Unit] {
	if start >= end {
		return nil
	}

	w.mu.RLock()
	defer w.mu.RUnlock()

	// positions (and chunk ends) are strictly increasing along the order
	// slice, so binary search finds the first intersecting chunk
	i := sort.Search(len(w.order), func(i int) bool {
		return w.chunks[w.order[i]].end() > start
	})

	var out []Chunk[Unit]

	for ; i < len(w.order); i++ {
		c := w.chunks[w.order[i]]

		if c.position >= end {
			break
		}

		out = append(out, c.view())
	}

	return out
}

// GetWithContinuity returns the chain segment around the anchor chunk: up to
// before hops over prev links and up to after hops over next links, in stream
// order with the anchor included. Membership in the active window does not
// matter.
//
// The walk stops early at a garbage-collected neighbor, returning a shorter
// segment rather than failing; ErrChunkNotFound is returned only when the
// anchor itself no longer exists.
func (w *Window[Unit]) GetWithContinuity(id ChunkID, before, after int) ([]Chunk[Unit], error) {
	w.mu.RLock()
	defer w.mu.RUnlock()

	anchor, ok := w.chunks[id]
	if !ok {
		return nil, fmt.Errorf("chunk %s: %w", id, ErrChunkNotFound)
	}

	out := []Chunk[Unit]{anchor.view()}

	for c, n := anchor, 0; n < before; n++ {
		p, ok := w.chunks[c.prevID]
		if !ok {
			break
		}

		out = append(out, p.view())
		c = p
	}

	slices.Reverse(out)

	for c, n := anchor, 0; n < after; n++ {
		nx, ok := w.chunks[c.nextID]
		if !ok {
			break
		}

		out = append(out, nx.view())
		c = nx
	}

	return out, nil
}

// Repopulate restores the payload of a chunk that lost it through a snapshot
// round-trip, from an external source of truth. The unit count must match the
// chunk's bookkeeping; compacted chunks are not restorable.
func (w *Window[Unit]) Repopulate(id ChunkID, units []Unit) error {
	if w.closed.Load() {
		return ErrClosed
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	c, ok := w.chunks[id]
	if !ok {
		return fmt.Errorf("chunk %s: %w", id, ErrChunkNotFound)
	}

	if c.compacted {
		return fmt.Errorf("chunk %s is compacted, payload is not restorable", id)
	}

	if int64(len(units)) != c.unitCount {
		return fmt.Errorf("payload of %d units does not match chunk unit count %d", len(units), c.unitCount)
	}

	c.units = slices.Clone(units)
	w.seq++

	return nil
}
