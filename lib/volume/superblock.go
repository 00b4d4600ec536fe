// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package volume

import (
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"

	"github.com/bureau-foundation/chainfs/lib/block"
	"github.com/bureau-foundation/chainfs/lib/integrity"
)

// The superblock lives in two 4 KiB slots at the start of the device.
// Commits alternate slots, so one fully written superblock survives a
// torn write of the other. Allocation space begins at the first
// max-class boundary past the slots.
const (
	// SlotSize is the reserved space per superblock slot.
	SlotSize = 4096

	// slotOffsetA and slotOffsetB are the device offsets of the two
	// slots.
	slotOffsetA = int64(0)
	slotOffsetB = int64(SlotSize)

	// superblockSize is the encoded byte count; the rest of the slot
	// is zero.
	superblockSize = 224

	// superblockVersion is the current format version.
	superblockVersion = 1
)

// superblockMagic identifies a chainfs volume.
var superblockMagic = [8]byte{'C', 'H', 'A', 'I', 'N', 'F', 'S', 0}

// Superblock is the decoded form of one superblock slot: the volume's
// identity, its allocation geometry, and the references that make the
// newest committed version reachable.
type Superblock struct {
	// VolumeID identifies the volume across remounts and copies.
	VolumeID uuid.UUID

	// TxnID is the transaction that published this superblock. Zero
	// on a freshly formatted volume.
	TxnID uint64

	// DataStart, DataSize, and RegionSize are the allocator geometry,
	// fixed at format time.
	DataStart  int64
	DataSize   int64
	RegionSize int64

	// Root is the volume root block. Zero until the first commit.
	Root block.Ref

	// FreemapRoot is the head block of the allocator snapshot written
	// by the same commit. Zero until the first commit.
	FreemapRoot block.Ref
}

// Encode serializes the superblock into a full slot, trailing zeros
// included. The checksum covers everything before it, in the
// superblock hash domain so a block payload can never masquerade as a
// superblock.
func (sb Superblock) Encode() []byte {
	out := make([]byte, SlotSize)
	copy(out[0:8], superblockMagic[:])
	out[8] = superblockVersion
	// out[9:16] reserved
	copy(out[16:32], sb.VolumeID[:])
	binary.LittleEndian.PutUint64(out[32:40], sb.TxnID)
	binary.LittleEndian.PutUint64(out[40:48], uint64(sb.DataStart))
	binary.LittleEndian.PutUint64(out[48:56], uint64(sb.DataSize))
	binary.LittleEndian.PutUint64(out[56:64], uint64(sb.RegionSize))
	copy(out[64:128], sb.Root.Encode())
	copy(out[128:192], sb.FreemapRoot.Encode())
	checksum := integrity.SuperblockChecksum(out[0 : superblockSize-32])
	copy(out[superblockSize-32:superblockSize], checksum[:])
	return out
}

// DecodeSuperblock parses and validates one slot's bytes.
func DecodeSuperblock(data []byte) (Superblock, error) {
	if len(data) < superblockSize {
		return Superblock{}, fmt.Errorf("superblock slot is %d bytes, want at least %d", len(data), superblockSize)
	}
	if [8]byte(data[0:8]) != superblockMagic {
		return Superblock{}, fmt.Errorf("not a chainfs volume (invalid magic bytes %x)", data[0:8])
	}
	if data[8] != superblockVersion {
		return Superblock{}, fmt.Errorf("superblock version %d is not supported (this code supports version %d)",
			data[8], superblockVersion)
	}

	var stored integrity.Digest
	copy(stored[:], data[superblockSize-32:superblockSize])
	if computed := integrity.SuperblockChecksum(data[0 : superblockSize-32]); computed != stored {
		return Superblock{}, fmt.Errorf("superblock checksum mismatch: %w", integrity.ErrChecksum)
	}

	var sb Superblock
	copy(sb.VolumeID[:], data[16:32])
	sb.TxnID = binary.LittleEndian.Uint64(data[32:40])
	sb.DataStart = int64(binary.LittleEndian.Uint64(data[40:48]))
	sb.DataSize = int64(binary.LittleEndian.Uint64(data[48:56]))
	sb.RegionSize = int64(binary.LittleEndian.Uint64(data[56:64]))

	var err error
	if sb.Root, err = block.DecodeRef(data[64:128]); err != nil {
		return Superblock{}, fmt.Errorf("superblock root reference: %w", err)
	}
	if sb.FreemapRoot, err = block.DecodeRef(data[128:192]); err != nil {
		return Superblock{}, fmt.Errorf("superblock freemap reference: %w", err)
	}

	if sb.DataStart < 2*SlotSize || sb.DataSize <= 0 || sb.RegionSize <= 0 {
		return Superblock{}, fmt.Errorf("superblock geometry is invalid: start %d size %d region %d",
			sb.DataStart, sb.DataSize, sb.RegionSize)
	}
	return sb, nil
}
