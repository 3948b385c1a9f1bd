// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package window

import (
	"fmt"
	"io/fs"
	"os"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"
	"go.uber.org/zap"
)

// snapshotCodec encodes snapshots for disk storage: deterministic CBOR
// compressed with zstd, so the same logical state always produces identical
// bytes.
type snapshotCodec struct {
	enc *zstd.Encoder
	dec *zstd.Decoder

	em cbor.EncMode
	dm cbor.DecMode
}

func newSnapshotCodec() (*snapshotCodec, error) {
	em, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		return nil, err
	}

	dm, err := cbor.DecOptions{}.DecMode()
	if err != nil {
		return nil, err
	}

	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, err
	}

	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}

	return &snapshotCodec{
		enc: enc,
		dec: dec,
		em:  em,
		dm:  dm,
	}, nil
}

func (c *snapshotCodec) encode(snap *Snapshot) ([]byte, error) {
	data, err := c.em.Marshal(snap)
	if err != nil {
		return nil, err
	}

	return c.enc.EncodeAll(data, nil), nil
}

func (c *snapshotCodec) decode(data []byte) (*Snapshot, error) {
	decompressed, err := c.dec.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCorruptSnapshot, err)
	}

	var snap Snapshot

	if err := c.dm.Unmarshal(decompressed, &snap); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCorruptSnapshot, err)
	}

	return &snap, nil
}

// load restores window state from the snapshot file, if any. An unreadable or
// unsupported snapshot is logged and skipped, the window starts empty; the
// external source of truth still holds the stream.
func (w *Window[Unit]) load() error {
	path := w.opt.PersistenceOptions.SnapshotPath

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}

		return err
	}

	snap, err := w.codec.decode(data)
	if err != nil {
		w.opt.Logger.Error("failed to decode snapshot, starting empty", zap.String("path", path), zap.Error(err))

		return nil
	}

	if err := w.Import(snap); err != nil {
		w.opt.Logger.Error("failed to import snapshot, starting empty", zap.String("path", path), zap.Error(err))

		return nil
	}

	w.mu.Lock()
	// freshly loaded state is in sync with the file
	w.flushedSeq = w.seq
	w.mu.Unlock()

	w.opt.Logger.Debug("loaded snapshot from disk",
		zap.String("path", path),
		zap.Int64("total_units", w.totalUnits),
		zap.Int("chunks", len(w.order)),
	)

	return nil
}

// flush writes the current snapshot to disk if the state changed since the
// last successful flush.
func (w *Window[Unit]) flush() (bool, error) {
	w.mu.RLock()

	seq := w.seq
	if seq == w.flushedSeq {
		w.mu.RUnlock()

		return false, nil
	}

	snap := w.exportLocked()

	w.mu.RUnlock()

	data, err := w.codec.encode(snap)
	if err != nil {
		return false, fmt.Errorf("failed to encode snapshot: %w", err)
	}

	if err := atomicWriteFile(w.opt.PersistenceOptions.SnapshotPath, data, 0o644); err != nil {
		return false, err
	}

	w.mu.Lock()

	if seq > w.flushedSeq {
		w.flushedSeq = seq
	}

	w.mu.Unlock()

	return true, nil
}

func atomicWriteFile(path string, data []byte, mode fs.FileMode) error {
	tmpPath := path + ".tmp"

	if err := os.WriteFile(tmpPath, data, mode); err != nil {
		return fmt.Errorf("failed to write temporary file: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath) //nolint:errcheck

		return fmt.Errorf("failed to rename temporary file: %w", err)
	}

	return nil
}
