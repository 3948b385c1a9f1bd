// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package window

import (
	"slices"
	"time"

	"github.com/google/uuid"
)

// ChunkID is an opaque handle of a chunk, stable for the chunk's lifetime.
type ChunkID = uuid.UUID

// NilChunkID is the zero ChunkID, used for absent continuity links.
var NilChunkID = uuid.Nil

// Metadata is caller-supplied chunk annotation.
type Metadata struct {
	// Priority in [0, 1]; chunks above the configured high-priority threshold
	// are skipped by the eviction scan.
	Priority float64 `json:"priority" yaml:"priority"`

	// Tags are free-form annotations; dropped when the chunk is compacted.
	Tags map[string]string `json:"tags,omitempty" yaml:"tags,omitempty"`
}

type chunk[Unit any] struct {
	// units is the owned payload; nil once compacted, or for chunks imported
	// from a payload-stripped snapshot
	units []Unit

	md Metadata

	createdAt time.Time

	id ChunkID

	// continuity links to the immediate neighbors, NilChunkID when absent
	prevID ChunkID
	nextID ChunkID

	// absolute offset of the chunk's first unit in the global stream
	position int64

	unitCount int64

	active    bool
	compacted bool
}

// gcScore computes the garbage-collection retention score of the chunk;
// lower-scoring inactive chunks are removed first.
func (c *chunk[Unit]) gcScore(now time.Time) float64 {
	return gcScore(c.active, c.compacted, now.Sub(c.createdAt), c.md.Priority)
}

func (c *chunk[Unit]) end() int64 {
	return c.position + c.unitCount
}

// view returns a caller-owned copy of the chunk.
func (c *chunk[Unit]) view() Chunk[Unit] {
	return Chunk[Unit]{
		ID:        c.id,
		Position:  c.position,
		UnitCount: c.unitCount,
		Units:     slices.Clone(c.units),
		CreatedAt: c.createdAt,
		Metadata:  c.md,
		Active:    c.active,
		Compacted: c.compacted,
		PrevID:    c.prevID,
		NextID:    c.nextID,
		HasUnits:  c.units != nil,
	}
}

// Chunk is a read-only copy of a chunk record returned by queries.
type Chunk[Unit any] struct {
	// Units is the payload; nil when the chunk is compacted or its payload was
	// stripped by a snapshot round-trip (see HasUnits).
	Units []Unit

	Metadata Metadata

	CreatedAt time.Time

	ID ChunkID

	// PrevID and NextID are continuity links, NilChunkID when the chunk is at
	// the end of the chain or the neighbor was garbage-collected.
	PrevID ChunkID
	NextID ChunkID

	// Position is the absolute offset of the chunk's first unit in the stream.
	Position int64

	UnitCount int64

	Active    bool
	Compacted bool

	// HasUnits reports whether Units carries the payload.
	HasUnits bool
}
