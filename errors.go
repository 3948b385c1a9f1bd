// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package window

import "errors"

// Sentinel errors returned by the window manager.
//
// Errors are wrapped with additional context; use errors.Is to match.
var (
	// ErrInvalidConfiguration is returned by New when the configuration is
	// inconsistent, e.g. the overlap is not smaller than the chunk size.
	ErrInvalidConfiguration = errors.New("invalid configuration")

	// ErrCapacityExceeded is returned by AddUnits when the eviction scan runs
	// out of non-protected active chunks before enough active capacity is
	// freed. The caller may retry with AddUnitsForced or reject the ingest.
	ErrCapacityExceeded = errors.New("active window capacity exceeded")

	// ErrChunkNotFound is returned by queries referencing a chunk ID that was
	// garbage-collected or never existed.
	ErrChunkNotFound = errors.New("chunk not found")

	// ErrVersionMismatch is returned by Import for a snapshot with an
	// unsupported version; the window state is left untouched.
	ErrVersionMismatch = errors.New("unsupported snapshot version")

	// ErrCorruptSnapshot is returned by Import for a snapshot with missing or
	// inconsistent fields; the window state is left untouched.
	ErrCorruptSnapshot = errors.New("corrupt snapshot")

	// ErrClosed is returned for mutations after Close.
	ErrClosed = errors.New("window is closed")
)
