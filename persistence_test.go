// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package window_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/siderolabs/go-window"
)

func TestPersistenceFlushOnTimer(t *testing.T) {
	t.Parallel()

	req := require.New(t)

	path := filepath.Join(t.TempDir(), "window.snapshot")

	w, err := window.New[int](
		window.WithChunkSizing(10, 0),
		window.WithLogger(zaptest.NewLogger(t)),
		window.WithPersistence(window.PersistenceOptions{
			SnapshotPath:  path,
			FlushInterval: 10 * time.Millisecond,
			FlushJitter:   0.1,
		}),
	)
	req.NoError(err)

	_, err = w.AddUnits(sequence(0, 30), window.Metadata{})
	req.NoError(err)

	require.Eventually(t, func() bool {
		_, statErr := os.Stat(path)

		return statErr == nil
	}, 2*time.Second, 10*time.Millisecond)

	req.NoError(w.Close())
}

func TestPersistenceRoundTrip(t *testing.T) {
	t.Parallel()

	req := require.New(t)

	path := filepath.Join(t.TempDir(), "window.snapshot")

	persistence := window.WithPersistence(window.PersistenceOptions{
		SnapshotPath: path,
		// no flush timer: the snapshot is written once on close
	})

	w, err := window.New[int](
		window.WithChunkSizing(10, 0),
		window.WithActiveWindowUnits(20),
		window.WithMaxTotalUnits(10_000),
		window.WithLogger(zaptest.NewLogger(t)),
		persistence,
	)
	req.NoError(err)

	for i := range 5 {
		_, err = w.AddUnits(sequence(i*10, 10), window.Metadata{Priority: 0.5})
		req.NoError(err)
	}

	snap := w.Export()

	req.NoError(w.Close())

	// reopen from the same path: structure and statistics are restored,
	// payloads are not
	reopened, err := window.New[int](
		window.WithLogger(zaptest.NewLogger(t)),
		persistence,
	)
	req.NoError(err)

	t.Cleanup(func() { req.NoError(reopened.Close()) })

	restored := reopened.Export()

	req.Equal(snap.ChunkOrder, restored.ChunkOrder)
	req.Equal(snap.ContinuityLinks, restored.ContinuityLinks)
	req.Equal(snap.ActiveChunkIDs, restored.ActiveChunkIDs)
	req.Equal(snap.Config, restored.Config)

	for _, c := range allChunks(reopened) {
		req.False(c.HasUnits)
	}

	stats := reopened.Statistics()
	req.Equal(snap.Stats.TotalUnits, stats.TotalUnits)
	req.Equal(snap.Stats.ActiveUnits, stats.ActiveUnits)
	req.Equal(snap.Stats.ChunkCount, stats.ChunkCount)
}

func TestPersistenceCorruptFile(t *testing.T) {
	t.Parallel()

	req := require.New(t)

	path := filepath.Join(t.TempDir(), "window.snapshot")

	req.NoError(os.WriteFile(path, []byte("not a snapshot"), 0o644))

	// an unreadable snapshot is logged and skipped, the window starts empty
	w, err := window.New[int](
		window.WithLogger(zaptest.NewLogger(t)),
		window.WithPersistence(window.PersistenceOptions{SnapshotPath: path}),
	)
	req.NoError(err)

	t.Cleanup(func() { req.NoError(w.Close()) })

	req.Zero(w.Statistics().ChunkCount)
}

func TestPersistenceUnchangedStateSkipsFlush(t *testing.T) {
	t.Parallel()

	req := require.New(t)

	path := filepath.Join(t.TempDir(), "window.snapshot")

	w, err := window.New[int](
		window.WithLogger(zaptest.NewLogger(t)),
		window.WithPersistence(window.PersistenceOptions{SnapshotPath: path}),
	)
	req.NoError(err)

	// nothing was ever ingested, close does not write a snapshot
	req.NoError(w.Close())

	_, err = os.Stat(path)
	req.True(os.IsNotExist(err))
}

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}
