// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package freemap

import (
	"fmt"

	"github.com/bureau-foundation/chainfs/lib/block"
	"github.com/bureau-foundation/chainfs/lib/codec"
)

// snapshotVersion guards the snapshot schema. Bumped when the layout
// changes incompatibly.
const snapshotVersion = 1

// snapshotRegion is one region's bitmap in the serialized snapshot.
type snapshotRegion struct {
	Words []uint64 `cbor:"words"`
}

// snapshotPending is one pending-free block. The wall-clock freedAt is
// deliberately not persisted: after a remount, the retention window
// restarts, which only ever delays reclamation.
type snapshotPending struct {
	TxnID  uint64 `cbor:"txn"`
	Offset int64  `cbor:"offset"`
	Class  uint8  `cbor:"class"`
}

// snapshotDedup is one dedup index entry.
type snapshotDedup struct {
	Fingerprint []byte `cbor:"fp"`
	Ref         []byte `cbor:"ref"`
	Shares      uint32 `cbor:"shares"`
}

// snapshotBody is the full serialized allocator state. Written as a
// freemap block on every commit and restored on mount.
type snapshotBody struct {
	Version    uint32            `cbor:"version"`
	DataStart  int64             `cbor:"data_start"`
	DataSize   int64             `cbor:"data_size"`
	RegionSize int64             `cbor:"region_size"`
	Regions    []snapshotRegion  `cbor:"regions"`
	Pending    []snapshotPending `cbor:"pending"`
	Dedup      []snapshotDedup   `cbor:"dedup"`
}

// Snapshot serializes the allocator's complete state (bitmaps,
// pending-free queue, dedup index) to CBOR. The encoding is
// deterministic: identical allocator state always produces identical
// bytes.
func (a *Allocator) Snapshot() ([]byte, error) {
	body := snapshotBody{
		Version:    snapshotVersion,
		DataStart:  a.config.DataStart,
		DataSize:   a.config.DataSize,
		RegionSize: a.config.RegionSize,
		Regions:    make([]snapshotRegion, len(a.regions)),
	}
	for i, r := range a.regions {
		body.Regions[i] = snapshotRegion{Words: r.snapshotWords()}
	}

	a.pendingMu.Lock()
	a.pending.Ascend(func(entry pendingFree) bool {
		body.Pending = append(body.Pending, snapshotPending{
			TxnID:  entry.txnID,
			Offset: entry.offset,
			Class:  uint8(entry.class),
		})
		return true
	})
	a.pendingMu.Unlock()

	for _, entry := range a.dedup.snapshot() {
		body.Dedup = append(body.Dedup, snapshotDedup{
			Fingerprint: entry.fingerprint[:],
			Ref:         entry.ref.Encode(),
			Shares:      entry.shares,
		})
	}

	data, err := codec.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encoding freemap snapshot: %w", err)
	}
	return data, nil
}

// Restore replaces the allocator's state with a snapshot produced by
// Snapshot on an allocator with the same geometry.
func (a *Allocator) Restore(data []byte) error {
	var body snapshotBody
	if err := codec.Unmarshal(data, &body); err != nil {
		return fmt.Errorf("decoding freemap snapshot: %w", err)
	}
	if body.Version != snapshotVersion {
		return fmt.Errorf("freemap snapshot version %d is not supported (this code supports version %d)",
			body.Version, snapshotVersion)
	}
	if body.DataStart != a.config.DataStart || body.DataSize != a.config.DataSize ||
		body.RegionSize != a.config.RegionSize {
		return fmt.Errorf("freemap snapshot geometry (start=%d size=%d region=%d) does not match volume (start=%d size=%d region=%d)",
			body.DataStart, body.DataSize, body.RegionSize,
			a.config.DataStart, a.config.DataSize, a.config.RegionSize)
	}
	if len(body.Regions) != len(a.regions) {
		return fmt.Errorf("freemap snapshot has %d regions, volume has %d", len(body.Regions), len(a.regions))
	}

	grainsPerRegion := a.config.RegionSize / grainSize
	for i, snap := range body.Regions {
		if err := a.regions[i].restoreWords(snap.Words, grainsPerRegion); err != nil {
			return fmt.Errorf("restoring region %d: %w", i, err)
		}
	}

	now := a.clock.Now()
	a.pendingMu.Lock()
	a.pending.Clear(false)
	for _, entry := range body.Pending {
		a.pending.ReplaceOrInsert(pendingFree{
			txnID:   entry.TxnID,
			offset:  entry.Offset,
			class:   block.Class(entry.Class),
			freedAt: now,
		})
	}
	a.pendingMu.Unlock()

	dedupEntries := make([]dedupEntry, 0, len(body.Dedup))
	for i, snap := range body.Dedup {
		if len(snap.Fingerprint) != 32 {
			return fmt.Errorf("dedup entry %d has a %d-byte fingerprint, want 32", i, len(snap.Fingerprint))
		}
		ref, err := block.DecodeRef(snap.Ref)
		if err != nil {
			return fmt.Errorf("dedup entry %d: %w", i, err)
		}
		var entry dedupEntry
		copy(entry.fingerprint[:], snap.Fingerprint)
		entry.ref = ref
		entry.shares = snap.Shares
		dedupEntries = append(dedupEntries, entry)
	}
	a.dedup.restore(dedupEntries)
	return nil
}
