// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package block

import (
	"encoding/binary"
	"fmt"

	"github.com/bureau-foundation/chainfs/lib/compress"
	"github.com/bureau-foundation/chainfs/lib/integrity"
)

// Type tags the kind of payload a block carries. Stored in block
// headers and references (1 byte). On-media constants.
type Type uint8

const (
	// TypeIndex is an interior tree node: an ordered set of child
	// block references.
	TypeIndex Type = 1

	// TypeLeaf is a leaf node carrying caller payload (file data or a
	// directory entry).
	TypeLeaf Type = 2

	// TypeInode is an inode node: the inode record plus the ordered
	// child references of that inode's own subtree.
	TypeInode Type = 3

	// TypeFreemap is a serialized freemap snapshot.
	TypeFreemap Type = 4
)

// String returns the human-readable name of a block type.
func (t Type) String() string {
	switch t {
	case TypeIndex:
		return "index"
	case TypeLeaf:
		return "leaf"
	case TypeInode:
		return "inode"
	case TypeFreemap:
		return "freemap"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(t))
	}
}

// Valid reports whether the type tag is one of the defined block types.
func (t Type) Valid() bool {
	return t >= TypeIndex && t <= TypeFreemap
}

// Class is a block size class: the log2 of the allocated block size.
// Allocations are always a full class size, so a class plus an offset
// fully describes the space a block occupies.
type Class uint8

const (
	// MinClass is the smallest allocation: 1 KiB.
	MinClass Class = 10

	// MaxClass is the largest allocation: 64 KiB.
	MaxClass Class = 16
)

// Size returns the allocation size of the class in bytes.
func (c Class) Size() int64 {
	return 1 << c
}

// Valid reports whether the class is within the supported range.
func (c Class) Valid() bool {
	return c >= MinClass && c <= MaxClass
}

// ClassFor returns the smallest class whose allocation fits a block
// header plus storedSize payload bytes. Returns an error when the
// payload exceeds MaxClass capacity; callers split their payloads
// before reaching that point.
func ClassFor(storedSize int) (Class, error) {
	needed := int64(storedSize) + HeaderSize
	for class := MinClass; class <= MaxClass; class++ {
		if needed <= class.Size() {
			return class, nil
		}
	}
	return 0, fmt.Errorf("payload of %d bytes exceeds maximum block size %d", storedSize, MaxClass.Size()-HeaderSize)
}

// MaxPayload is the largest stored payload a single block can carry.
const MaxPayload = int(1<<16) - HeaderSize

// Ref is the durable pointer to a flushed, checksummed block.
// Immutable once written: a modification always produces a new block
// and therefore a new Ref.
type Ref struct {
	// Offset is the byte offset of the block header on the device.
	Offset int64

	// Class is the allocation size class the block occupies.
	Class Class

	// Type is the block's payload type tag.
	Type Type

	// Codec is the compression codec the stored payload was written
	// with.
	Codec compress.Tag

	// TxnID is the transaction that wrote the block.
	TxnID uint64

	// StoredSize is the stored (post-compression) payload length.
	StoredSize uint32

	// LogicalSize is the uncompressed payload length.
	LogicalSize uint32

	// Checksum is the block-domain digest of the uncompressed payload.
	Checksum integrity.Digest
}

// RefEncodedSize is the fixed encoded size of a Ref: offset (8) +
// class (1) + type (1) + codec (1) + reserved (1) + txn id (8) +
// stored size (4) + logical size (4) + checksum (32) + reserved (4).
const RefEncodedSize = 64

// IsZero reports whether the Ref is the zero value. A zero Ref marks
// "no block": an unflushed in-memory node or an empty tree root.
func (r Ref) IsZero() bool {
	return r == Ref{}
}

// String formats the Ref for logs and chainfs-inspect output.
func (r Ref) String() string {
	if r.IsZero() {
		return "ref{unflushed}"
	}
	return fmt.Sprintf("ref{%s @%d class=%d txn=%d %s}", r.Type, r.Offset, r.Class, r.TxnID, r.Checksum.Short())
}

// Encode serializes the Ref into its fixed 64-byte representation.
func (r Ref) Encode() []byte {
	out := make([]byte, RefEncodedSize)
	binary.LittleEndian.PutUint64(out[0:8], uint64(r.Offset))
	out[8] = byte(r.Class)
	out[9] = byte(r.Type)
	out[10] = byte(r.Codec)
	// out[11] reserved
	binary.LittleEndian.PutUint64(out[12:20], r.TxnID)
	binary.LittleEndian.PutUint32(out[20:24], r.StoredSize)
	binary.LittleEndian.PutUint32(out[24:28], r.LogicalSize)
	copy(out[28:60], r.Checksum[:])
	// out[60:64] reserved
	return out
}

// DecodeRef parses a Ref from its fixed 64-byte representation.
func DecodeRef(data []byte) (Ref, error) {
	if len(data) != RefEncodedSize {
		return Ref{}, fmt.Errorf("encoded ref is %d bytes, want %d", len(data), RefEncodedSize)
	}

	var r Ref
	r.Offset = int64(binary.LittleEndian.Uint64(data[0:8]))
	r.Class = Class(data[8])
	r.Type = Type(data[9])
	r.Codec = compress.Tag(data[10])
	r.TxnID = binary.LittleEndian.Uint64(data[12:20])
	r.StoredSize = binary.LittleEndian.Uint32(data[20:24])
	r.LogicalSize = binary.LittleEndian.Uint32(data[24:28])
	copy(r.Checksum[:], data[28:60])

	// A zero ref round-trips without validation; anything else must
	// carry valid tags.
	if r.IsZero() {
		return r, nil
	}
	if !r.Class.Valid() {
		return Ref{}, fmt.Errorf("encoded ref has invalid size class %d", r.Class)
	}
	if !r.Type.Valid() {
		return Ref{}, fmt.Errorf("encoded ref has invalid block type %d", r.Type)
	}
	if !r.Codec.Valid() {
		return Ref{}, fmt.Errorf("encoded ref has invalid codec tag %d", r.Codec)
	}
	return r, nil
}
