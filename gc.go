// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package window

import (
	"cmp"
	"slices"
	"time"

	"go.uber.org/zap"
)

// Retention score weights: active chunks are effectively pinned, fresh chunks
// decay linearly over the first five hours, priority contributes up to five
// points, compaction halves whatever is left.
const (
	activeScoreBonus     = 10.0
	freshnessScoreHours  = 5.0
	priorityScoreWeight  = 5.0
	compactedScoreFactor = 0.5
)

// gcScore computes the retention score of a chunk; lower-scoring inactive
// chunks are garbage-collected first.
func gcScore(active, compacted bool, age time.Duration, priority float64) float64 {
	score := 1.0

	if active {
		score += activeScoreBonus
	}

	if hours := age.Hours(); hours < freshnessScoreHours {
		score += freshnessScoreHours - hours
	}

	score += priority * priorityScoreWeight

	if compacted {
		score *= compactedScoreFactor
	}

	return score
}

// CollectGarbage runs a garbage-collection pass immediately: it permanently
// removes the lowest-scoring inactive chunks and repairs continuity links.
// The pass commits as one atomic unit.
//
// It returns the number of chunks removed.
func (w *Window[Unit]) CollectGarbage() (int, error) {
	if w.closed.Load() {
		return 0, ErrClosed
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	return w.collectLocked(), nil
}

// collectLocked removes up to GCRemovalFraction of the total chunk population,
// lowest retention score first, from the inactive pool only. Active chunks are
// never eligible.
func (w *Window[Unit]) collectLocked() int {
	w.gcRuns++

	target := int(float64(len(w.order)) * w.opt.Config.GCRemovalFraction)
	if target == 0 {
		return 0
	}

	now := time.Now()

	type scored struct {
		id    ChunkID
		score float64
		pos   int64
	}

	var candidates []scored

	for _, id := range w.order {
		c := w.chunks[id]

		if c.active {
			continue
		}

		candidates = append(candidates, scored{
			id:    id,
			score: c.gcScore(now),
			pos:   c.position,
		})
	}

	// stable order: by score, oldest position first on ties
	slices.SortFunc(candidates, func(a, b scored) int {
		if c := cmp.Compare(a.score, b.score); c != 0 {
			return c
		}

		return cmp.Compare(a.pos, b.pos)
	})

	if len(candidates) > target {
		candidates = candidates[:target]
	}

	for _, s := range candidates {
		w.removeLocked(w.chunks[s.id])
	}

	if len(candidates) > 0 {
		w.updatePressureLocked()
		w.seq++
	}

	return len(candidates)
}

// run starts the background maintenance goroutine.
//
// The garbage-collection cadence is captured here, before the goroutine
// starts: Import may replace the configuration later, concurrently with the
// goroutine, and the interval must not be re-read without the lock.
func (w *Window[Unit]) run() {
	w.stopCh = make(chan struct{})

	gcInterval := w.opt.Config.GCInterval

	w.wg.Add(1)

	go func() {
		defer w.wg.Done()

		w.runMaintenance(gcInterval)
	}()
}

// runMaintenance drives the periodic garbage-collection pass and, when
// persistence is enabled, the jittered snapshot flush. Each pass competes for
// the writer lock as a single atomic unit, so an interrupted run never leaves
// partial state behind.
func (w *Window[Unit]) runMaintenance(gcInterval time.Duration) {
	gcTicker := time.NewTicker(gcInterval)
	defer gcTicker.Stop()

	var (
		flushC     <-chan time.Time
		flushTimer *time.Timer
	)

	persistent := w.opt.PersistenceOptions.SnapshotPath != ""

	if persistent && w.opt.PersistenceOptions.FlushInterval > 0 {
		flushTimer = time.NewTimer(w.opt.PersistenceOptions.NextInterval())
		flushC = flushTimer.C

		defer flushTimer.Stop()
	}

	for {
		select {
		case <-w.stopCh:
			if persistent {
				if persisted, err := w.flush(); err != nil {
					w.opt.Logger.Error("failed to persist snapshot on close", zap.Error(err))
				} else if persisted {
					w.opt.Logger.Debug("persisted snapshot on close")
				}
			}

			return

		case <-gcTicker.C:
			w.mu.Lock()
			removed := w.collectLocked()
			w.enforceResidencyLocked()
			total := w.totalUnits
			w.mu.Unlock()

			if removed > 0 {
				w.opt.Logger.Debug("garbage collection pass",
					zap.Int("removed_chunks", removed),
					zap.Int64("total_units", total),
				)
			}

		case <-flushC:
			if persisted, err := w.flush(); err != nil {
				// best effort: log and retry on the next tick
				w.opt.Logger.Error("failed to persist snapshot on timer", zap.Error(err))
			} else if persisted {
				w.opt.Logger.Debug("persisted snapshot on timer")
			}

			flushTimer.Reset(w.opt.PersistenceOptions.NextInterval())
		}
	}
}
