// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package txn

import (
	"fmt"

	"github.com/bureau-foundation/chainfs/lib/block"
	"github.com/bureau-foundation/chainfs/lib/codec"
	"github.com/bureau-foundation/chainfs/lib/compress"
	"github.com/bureau-foundation/chainfs/lib/integrity"
)

// Freemap persistence. Each commit serializes the allocator and
// stores it in ordinary allocated blocks: chunk blocks carrying the
// snapshot bytes and one head block listing the chunk references. The
// superblock points at the head. The snapshot is taken after its own
// blocks are reserved, so the persisted image already accounts for
// them; a reserve-then-resnapshot loop handles the rare case where
// the reservation itself grows the snapshot across a chunk boundary.

// freemapChunkPayload is the snapshot bytes per chunk block.
const freemapChunkPayload = 48 * 1024

// freemapHead is the head block body.
type freemapHead struct {
	Chunks [][]byte `cbor:"chunks"`
}

type freemapSlot struct {
	offset int64
	class  block.Class
}

// writeFreemapSnapshot persists the allocator state and returns the
// head reference plus every block reference involved (head first).
// The caller releases the previous commit's set once this one is
// durable.
func (t *Txn) writeFreemapSnapshot() (block.Ref, []block.Ref, error) {
	alloc := t.engine.config.Alloc

	chunkClass, err := block.ClassFor(freemapChunkPayload)
	if err != nil {
		return block.Ref{}, nil, err
	}

	var chunkSlots []freemapSlot
	var headSlot *freemapSlot
	var snapshot []byte

	unreserveAll := func() {
		for _, slot := range chunkSlots {
			if err := alloc.Unreserve(slot.offset, slot.class); err != nil {
				t.engine.logger.Warn("leaked freemap chunk reservation",
					"txn", t.id, "offset", slot.offset, "error", err)
			}
		}
		if headSlot != nil {
			if err := alloc.Unreserve(headSlot.offset, headSlot.class); err != nil {
				t.engine.logger.Warn("leaked freemap head reservation",
					"txn", t.id, "offset", headSlot.offset, "error", err)
			}
		}
	}

	stable := false
	for range 8 {
		snapshot, err = alloc.Snapshot()
		if err != nil {
			unreserveAll()
			return block.Ref{}, nil, err
		}
		needChunks := (len(snapshot) + freemapChunkPayload - 1) / freemapChunkPayload
		if needChunks == 0 {
			needChunks = 1
		}

		adjusted := false
		for len(chunkSlots) < needChunks {
			offset, err := alloc.Reserve(chunkClass, t.lastAlloc)
			if err != nil {
				unreserveAll()
				return block.Ref{}, nil, fmt.Errorf("reserving freemap chunk: %w", err)
			}
			t.lastAlloc = offset
			chunkSlots = append(chunkSlots, freemapSlot{offset: offset, class: chunkClass})
			adjusted = true
		}
		for len(chunkSlots) > needChunks {
			last := chunkSlots[len(chunkSlots)-1]
			chunkSlots = chunkSlots[:len(chunkSlots)-1]
			if err := alloc.Unreserve(last.offset, last.class); err != nil {
				unreserveAll()
				return block.Ref{}, nil, err
			}
			adjusted = true
		}

		// The head holds one encoded reference per chunk.
		headEstimate := 16 + needChunks*(block.RefEncodedSize+4)
		headClass, err := block.ClassFor(headEstimate)
		if err != nil {
			unreserveAll()
			return block.Ref{}, nil, err
		}
		if headSlot == nil || headSlot.class != headClass {
			if headSlot != nil {
				if err := alloc.Unreserve(headSlot.offset, headSlot.class); err != nil {
					unreserveAll()
					return block.Ref{}, nil, err
				}
			}
			offset, err := alloc.Reserve(headClass, t.lastAlloc)
			if err != nil {
				unreserveAll()
				return block.Ref{}, nil, fmt.Errorf("reserving freemap head: %w", err)
			}
			headSlot = &freemapSlot{offset: offset, class: headClass}
			adjusted = true
		}

		if !adjusted {
			stable = true
			break
		}
	}
	if !stable {
		unreserveAll()
		return block.Ref{}, nil, fmt.Errorf("freemap snapshot did not stabilize")
	}

	store := t.engine.config.Store
	head := freemapHead{Chunks: make([][]byte, len(chunkSlots))}
	refs := make([]block.Ref, 0, len(chunkSlots)+1)

	for i, slot := range chunkSlots {
		start := i * freemapChunkPayload
		end := min(start+freemapChunkPayload, len(snapshot))
		payload := snapshot[start:end]

		stored, tag, err := compress.Auto(payload, t.engine.config.PreferredCodec)
		if err != nil {
			unreserveAll()
			return block.Ref{}, nil, fmt.Errorf("compressing freemap chunk %d: %w", i, err)
		}
		ref := block.Ref{
			Offset:      slot.offset,
			Class:       slot.class,
			Type:        block.TypeFreemap,
			Codec:       tag,
			TxnID:       t.id,
			StoredSize:  uint32(len(stored)),
			LogicalSize: uint32(len(payload)),
			Checksum:    integrity.Checksum(payload),
		}
		if err := store.WriteBlock(ref, stored); err != nil {
			unreserveAll()
			return block.Ref{}, nil, fmt.Errorf("writing freemap chunk %d: %w", i, err)
		}
		head.Chunks[i] = ref.Encode()
		refs = append(refs, ref)
	}

	headPayload, err := codec.Marshal(head)
	if err != nil {
		unreserveAll()
		return block.Ref{}, nil, fmt.Errorf("encoding freemap head: %w", err)
	}
	headRef := block.Ref{
		Offset:      headSlot.offset,
		Class:       headSlot.class,
		Type:        block.TypeFreemap,
		Codec:       compress.None,
		TxnID:       t.id,
		StoredSize:  uint32(len(headPayload)),
		LogicalSize: uint32(len(headPayload)),
		Checksum:    integrity.Checksum(headPayload),
	}
	if err := store.WriteBlock(headRef, headPayload); err != nil {
		unreserveAll()
		return block.Ref{}, nil, fmt.Errorf("writing freemap head: %w", err)
	}

	return headRef, append([]block.Ref{headRef}, refs...), nil
}

// ReadFreemapSnapshot loads a persisted allocator snapshot by its
// head reference. Returns the snapshot bytes and every block
// reference in the set (head first), which the mounting engine
// releases at its first commit.
func ReadFreemapSnapshot(store block.Store, headRef block.Ref) ([]byte, []block.Ref, error) {
	headPayload, err := store.ReadBlock(headRef)
	if err != nil {
		return nil, nil, fmt.Errorf("reading freemap head: %w", err)
	}
	var head freemapHead
	if err := codec.Unmarshal(headPayload, &head); err != nil {
		return nil, nil, fmt.Errorf("decoding freemap head: %w", err)
	}

	refs := make([]block.Ref, 0, len(head.Chunks)+1)
	refs = append(refs, headRef)
	var snapshot []byte
	for i, encoded := range head.Chunks {
		ref, err := block.DecodeRef(encoded)
		if err != nil {
			return nil, nil, fmt.Errorf("decoding freemap chunk %d reference: %w", i, err)
		}
		payload, err := store.ReadBlock(ref)
		if err != nil {
			return nil, nil, fmt.Errorf("reading freemap chunk %d: %w", i, err)
		}
		snapshot = append(snapshot, payload...)
		refs = append(refs, ref)
	}
	return snapshot, refs, nil
}
