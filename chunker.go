// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package window

import "slices"

// piece is a planned chunk payload before it is committed to the window.
type piece[Unit any] struct {
	units []Unit

	// offset of the first unit relative to the start of the batch
	offset int64
}

// splitUnits splits the batch into pieces of at most size units, advancing the
// start by (size - overlap) so that consecutive pieces share exactly overlap
// units. The last piece is not emitted twice: splitting stops as soon as a
// piece reaches the end of the batch, so the final piece may carry a smaller
// overlap or none at all.
//
// Payloads are cloned: the window owns its unit sequences.
func splitUnits[Unit any](units []Unit, size, overlap int64) []piece[Unit] {
	if len(units) == 0 {
		return nil
	}

	step := size - overlap

	pieces := make([]piece[Unit], 0, (int64(len(units))+step-1)/step)

	for start := int64(0); ; start += step {
		end := min(start+size, int64(len(units)))

		pieces = append(pieces, piece[Unit]{
			offset: start,
			units:  slices.Clone(units[start:end]),
		})

		if end == int64(len(units)) {
			return pieces
		}
	}
}
