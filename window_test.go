// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package window_test

import (
	"context"
	"math"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/siderolabs/go-window"
)

func sequence(start, n int) []int {
	units := make([]int, n)

	for i := range units {
		units[i] = start + i
	}

	return units
}

func allChunks[Unit any](w *window.Window[Unit]) []window.Chunk[Unit] {
	return w.GetChunksByRange(0, math.MaxInt64)
}

func TestAddUnitsChunking(t *testing.T) {
	t.Parallel()

	req := require.New(t)

	w, err := window.New[int](window.WithChunkSizing(40, 10))
	req.NoError(err)

	t.Cleanup(func() { req.NoError(w.Close()) })

	ids, err := w.AddUnits(sequence(0, 100), window.Metadata{})
	req.NoError(err)
	req.Len(ids, 3)

	chunks := allChunks(w)
	req.Len(chunks, 3)

	req.EqualValues(0, chunks[0].Position)
	req.EqualValues(30, chunks[1].Position)
	req.EqualValues(60, chunks[2].Position)

	for _, c := range chunks {
		req.EqualValues(40, c.UnitCount)
		req.True(c.Active)
		req.False(c.Compacted)
		req.True(c.HasUnits)
	}

	// consecutive chunks share exactly the overlap
	req.Equal(chunks[0].Units[30:], chunks[1].Units[:10])
	req.Equal(chunks[1].Units[30:], chunks[2].Units[:10])

	// continuity links follow creation order
	req.Equal(window.NilChunkID, chunks[0].PrevID)
	req.Equal(chunks[1].ID, chunks[0].NextID)
	req.Equal(chunks[0].ID, chunks[1].PrevID)
	req.Equal(chunks[2].ID, chunks[1].NextID)
	req.Equal(window.NilChunkID, chunks[2].NextID)

	stats := w.Statistics()
	req.EqualValues(120, stats.TotalUnits)
	req.EqualValues(120, stats.ActiveUnits)
	req.Equal(3, stats.ChunkCount)
	req.Equal(3, stats.ActiveChunkCount)
	req.Equal(0, stats.InactiveChunkCount)
}

func TestAddUnitsLinksAcrossCalls(t *testing.T) {
	t.Parallel()

	req := require.New(t)

	w, err := window.New[string](window.WithChunkSizing(10, 0))
	req.NoError(err)

	t.Cleanup(func() { req.NoError(w.Close()) })

	first, err := w.AddUnits([]string{"a", "b", "c"}, window.Metadata{})
	req.NoError(err)
	req.Len(first, 1)

	second, err := w.AddUnits([]string{"d", "e"}, window.Metadata{})
	req.NoError(err)
	req.Len(second, 1)

	head, err := w.Get(first[0])
	req.NoError(err)
	req.Equal(second[0], head.NextID)

	tail, err := w.Get(second[0])
	req.NoError(err)
	req.Equal(first[0], tail.PrevID)

	// positions stay strictly increasing across calls
	req.Greater(tail.Position, head.Position)
}

func TestAddUnitsEmpty(t *testing.T) {
	t.Parallel()

	req := require.New(t)

	w, err := window.New[int]()
	req.NoError(err)

	t.Cleanup(func() { req.NoError(w.Close()) })

	ids, err := w.AddUnits(nil, window.Metadata{})
	req.NoError(err)
	req.Empty(ids)

	req.Zero(w.Statistics().TotalUnits)
}

func TestUnitConservation(t *testing.T) {
	t.Parallel()

	req := require.New(t)

	w, err := window.New[int](
		window.WithChunkSizing(64, 16),
		window.WithActiveWindowUnits(1_000),
		window.WithMaxTotalUnits(100_000),
	)
	req.NoError(err)

	t.Cleanup(func() { req.NoError(w.Close()) })

	for range 50 {
		_, err = w.AddUnits(sequence(0, rand.IntN(200)+1), window.Metadata{})
		req.NoError(err)

		var sum int64

		for _, c := range allChunks(w) {
			sum += c.UnitCount
		}

		stats := w.Statistics()
		req.Equal(stats.TotalUnits, sum)
		req.LessOrEqual(stats.ActiveUnits, int64(1_000))
	}
}

func TestEviction(t *testing.T) {
	t.Parallel()

	req := require.New(t)

	w, err := window.New[int](
		window.WithChunkSizing(40, 0),
		window.WithActiveWindowUnits(50),
		window.WithMaxTotalUnits(1_000),
	)
	req.NoError(err)

	t.Cleanup(func() { req.NoError(w.Close()) })

	first, err := w.AddUnits(sequence(0, 30), window.Metadata{})
	req.NoError(err)
	req.EqualValues(30, w.Statistics().ActiveUnits)

	_, err = w.AddUnits(sequence(30, 30), window.Metadata{})
	req.NoError(err)

	stats := w.Statistics()
	req.LessOrEqual(stats.ActiveUnits, int64(50))
	req.EqualValues(30, stats.ActiveUnits)
	req.EqualValues(60, stats.TotalUnits)

	// the oldest chunk was deactivated, not deleted, payload retained
	evicted, err := w.Get(first[0])
	req.NoError(err)
	req.False(evicted.Active)
	req.False(evicted.Compacted)
	req.True(evicted.HasUnits)
}

func TestEvictionPriorityProtection(t *testing.T) {
	t.Parallel()

	req := require.New(t)

	w, err := window.New[int](
		window.WithChunkSizing(40, 0),
		window.WithActiveWindowUnits(50),
		window.WithMaxTotalUnits(1_000),
		window.WithHighPriorityThreshold(0.8),
	)
	req.NoError(err)

	t.Cleanup(func() { req.NoError(w.Close()) })

	pinned, err := w.AddUnits(sequence(0, 20), window.Metadata{Priority: 0.9})
	req.NoError(err)

	plain, err := w.AddUnits(sequence(20, 20), window.Metadata{Priority: 0.5})
	req.NoError(err)

	// overflow: the oldest chunk is protected, so the younger plain chunk goes
	_, err = w.AddUnits(sequence(40, 30), window.Metadata{})
	req.NoError(err)

	protected, err := w.Get(pinned[0])
	req.NoError(err)
	req.True(protected.Active)

	sacrificed, err := w.Get(plain[0])
	req.NoError(err)
	req.False(sacrificed.Active)

	req.LessOrEqual(w.Statistics().ActiveUnits, int64(50))
}

func TestEvictionCapacityExceeded(t *testing.T) {
	t.Parallel()

	req := require.New(t)

	w, err := window.New[int](
		window.WithChunkSizing(40, 0),
		window.WithActiveWindowUnits(50),
		window.WithMaxTotalUnits(1_000),
	)
	req.NoError(err)

	t.Cleanup(func() { req.NoError(w.Close()) })

	_, err = w.AddUnits(sequence(0, 40), window.Metadata{Priority: 1.0})
	req.NoError(err)

	before := w.Statistics()

	// every active chunk is protected, the scan cannot free anything
	_, err = w.AddUnits(sequence(40, 30), window.Metadata{})
	req.ErrorIs(err, window.ErrCapacityExceeded)

	// failed ingest leaves no partial state
	req.Equal(before, w.Statistics())

	// the explicit override deactivates protected chunks as well
	_, err = w.AddUnitsForced(sequence(40, 30), window.Metadata{})
	req.NoError(err)

	req.LessOrEqual(w.Statistics().ActiveUnits, int64(50))
}

func TestCompactionOnPressure(t *testing.T) {
	t.Parallel()

	req := require.New(t)

	// sizing counts retained units against a ceiling of 100: the pressure flag
	// engages at 80 units
	w, err := window.New[int](
		window.WithChunkSizing(40, 0),
		window.WithActiveWindowUnits(50),
		window.WithMaxTotalUnits(1_000),
		window.WithSizing(func(_ int, totalUnits int64) int64 { return totalUnits }, 100),
	)
	req.NoError(err)

	t.Cleanup(func() { req.NoError(w.Close()) })

	first, err := w.AddUnits(sequence(0, 40), window.Metadata{})
	req.NoError(err)

	// 40 units retained: no pressure, the eviction below keeps the payload
	second, err := w.AddUnits(sequence(40, 40), window.Metadata{})
	req.NoError(err)

	evicted, err := w.Get(first[0])
	req.NoError(err)
	req.False(evicted.Active)
	req.False(evicted.Compacted)

	// 80 units retained: pressure is on, the next deactivation compacts
	req.True(w.Statistics().MemoryPressure)

	_, err = w.AddUnits(sequence(80, 40), window.Metadata{})
	req.NoError(err)

	compacted, err := w.Get(second[0])
	req.NoError(err)
	req.False(compacted.Active)
	req.True(compacted.Compacted)
	req.False(compacted.HasUnits)

	// unit bookkeeping survives compaction
	req.EqualValues(40, compacted.UnitCount)

	stats := w.Statistics()
	req.InDelta(1.0/3.0, stats.CompressionRatio, 0.001)

	// a chunk is never compacted while active
	for _, c := range allChunks(w) {
		req.False(c.Active && c.Compacted)
	}
}

func TestResidencyCompaction(t *testing.T) {
	t.Parallel()

	req := require.New(t)

	w, err := window.New[int](
		window.WithChunkSizing(10, 0),
		window.WithActiveWindowUnits(20),
		window.WithMaxTotalUnits(10_000),
		window.WithMaxResidentChunks(3),
	)
	req.NoError(err)

	t.Cleanup(func() { req.NoError(w.Close()) })

	for i := range 6 {
		_, err = w.AddUnits(sequence(i*10, 10), window.Metadata{})
		req.NoError(err)
	}

	resident := 0

	for _, c := range allChunks(w) {
		if c.HasUnits {
			resident++
		}

		req.False(c.Active && c.Compacted)
	}

	req.LessOrEqual(resident, 3)
}

func TestRemove(t *testing.T) {
	t.Parallel()

	req := require.New(t)

	w, err := window.New[int](window.WithChunkSizing(10, 0))
	req.NoError(err)

	t.Cleanup(func() { req.NoError(w.Close()) })

	ids, err := w.AddUnits(sequence(0, 30), window.Metadata{})
	req.NoError(err)
	req.Len(ids, 3)

	req.NoError(w.Remove(ids[1]))

	_, err = w.Get(ids[1])
	req.ErrorIs(err, window.ErrChunkNotFound)

	// neighbors are linked directly to each other
	head, err := w.Get(ids[0])
	req.NoError(err)
	req.Equal(ids[2], head.NextID)

	tail, err := w.Get(ids[2])
	req.NoError(err)
	req.Equal(ids[0], tail.PrevID)

	req.EqualValues(20, w.Statistics().TotalUnits)

	req.ErrorIs(w.Remove(ids[1]), window.ErrChunkNotFound)
}

func TestClosed(t *testing.T) {
	t.Parallel()

	req := require.New(t)

	w, err := window.New[int]()
	req.NoError(err)

	req.NoError(w.Close())
	req.NoError(w.Close())

	_, err = w.AddUnits(sequence(0, 10), window.Metadata{})
	req.ErrorIs(err, window.ErrClosed)

	req.ErrorIs(w.Remove(window.NilChunkID), window.ErrClosed)

	_, err = w.CollectGarbage()
	req.ErrorIs(err, window.ErrClosed)

	req.ErrorIs(w.Import(w.Export()), window.ErrClosed)
}

func TestConcurrentReaders(t *testing.T) {
	t.Parallel()

	req := require.New(t)

	w, err := window.New[byte](
		window.WithChunkSizing(256, 32),
		window.WithActiveWindowUnits(4_096),
		window.WithMaxTotalUnits(1_000_000),
	)
	req.NoError(err)

	t.Cleanup(func() { req.NoError(w.Close()) })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var eg errgroup.Group

	eg.Go(func() error {
		limiter := rate.NewLimiter(1000, 10)

		for ctx.Err() == nil {
			if err := limiter.Wait(ctx); err != nil {
				break
			}

			if _, err := w.AddUnits(make([]byte, 128), window.Metadata{}); err != nil {
				return err
			}
		}

		return nil
	})

	for range 4 {
		eg.Go(func() error {
			for ctx.Err() == nil {
				stats := w.Statistics()

				// readers never observe a partially applied mutation
				var sum, active int64

				for _, c := range allChunks(w) {
					sum += c.UnitCount

					if c.Active {
						active += c.UnitCount
					}

					if c.Active && c.Compacted {
						return assert.AnError
					}
				}

				if stats.ActiveUnits > 4_096 {
					return assert.AnError
				}

				_ = sum
				_ = active
			}

			return nil
		})
	}

	req.NoError(eg.Wait())
}
