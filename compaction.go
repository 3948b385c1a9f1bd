// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package window

// pressureRatio is the fraction of the memory ceiling at which the pressure
// flag engages.
const pressureRatio = 0.8

// compactLocked shrinks a deactivated chunk to its residual record: the
// payload and free-form tags are discarded, keeping only the bookkeeping
// fields and the priority. An active chunk is never compacted.
//
// Compaction is irreversible within the manager; restoring the original
// payload is the job of an external source-of-truth log.
func (w *Window[Unit]) compactLocked(c *chunk[Unit]) {
	if c.active || c.compacted {
		return
	}

	c.units = nil
	c.md.Tags = nil
	c.compacted = true
}

// updatePressureLocked recomputes the memory-pressure flag from the sizing
// heuristic: set at or above 80% of the ceiling, cleared below.
func (w *Window[Unit]) updatePressureLocked() {
	size := w.opt.SizeFunc(len(w.order), w.totalUnits)

	w.pressure = float64(size) >= pressureRatio*float64(w.opt.MemoryCeiling)
}

// enforceResidencyLocked compacts the oldest inactive chunks while more than
// MaxResidentChunks chunks still hold payloads.
func (w *Window[Unit]) enforceResidencyLocked() {
	resident := 0

	for _, c := range w.chunks {
		if c.units != nil {
			resident++
		}
	}

	for _, id := range w.order {
		if resident <= w.opt.Config.MaxResidentChunks {
			return
		}

		c := w.chunks[id]

		if c.active || c.units == nil {
			continue
		}

		w.compactLocked(c)

		resident--
	}
}
