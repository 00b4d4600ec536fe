// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package block

import (
	"encoding/binary"
	"fmt"

	"github.com/bureau-foundation/chainfs/lib/compress"
	"github.com/bureau-foundation/chainfs/lib/integrity"
)

// HeaderSize is the fixed on-media header at the start of every
// allocated block: magic (4) + version (1) + type (1) + class (1) +
// codec (1) + txn id (8) + stored size (4) + logical size (4) +
// checksum (32) + reserved (8).
const HeaderSize = 64

// headerVersion is the current block header format version.
const headerVersion = 1

// headerMagic is the 4-byte block header signature.
var headerMagic = [4]byte{'C', 'F', 'S', 'B'}

// Header is the decoded form of a block's on-media header. It repeats
// the fields of the block's Ref so that a read can validate it found
// the intended block before trusting the payload.
type Header struct {
	Type        Type
	Class       Class
	Codec       compress.Tag
	TxnID       uint64
	StoredSize  uint32
	LogicalSize uint32
	Checksum    integrity.Digest
}

// headerForRef builds the Header matching a Ref.
func headerForRef(ref Ref) Header {
	return Header{
		Type:        ref.Type,
		Class:       ref.Class,
		Codec:       ref.Codec,
		TxnID:       ref.TxnID,
		StoredSize:  ref.StoredSize,
		LogicalSize: ref.LogicalSize,
		Checksum:    ref.Checksum,
	}
}

// Encode serializes the header into its fixed 64-byte representation.
func (h Header) Encode() []byte {
	out := make([]byte, HeaderSize)
	copy(out[0:4], headerMagic[:])
	out[4] = headerVersion
	out[5] = byte(h.Type)
	out[6] = byte(h.Class)
	out[7] = byte(h.Codec)
	binary.LittleEndian.PutUint64(out[8:16], h.TxnID)
	binary.LittleEndian.PutUint32(out[16:20], h.StoredSize)
	binary.LittleEndian.PutUint32(out[20:24], h.LogicalSize)
	copy(out[24:56], h.Checksum[:])
	// out[56:64] reserved
	return out
}

// DecodeHeader parses and validates a block header.
func DecodeHeader(data []byte) (Header, error) {
	if len(data) < HeaderSize {
		return Header{}, fmt.Errorf("block header is %d bytes, want %d", len(data), HeaderSize)
	}
	if [4]byte(data[0:4]) != headerMagic {
		return Header{}, fmt.Errorf("not a chainfs block (invalid magic bytes %x)", data[0:4])
	}
	if data[4] != headerVersion {
		return Header{}, fmt.Errorf("block header version %d is not supported (this code supports version %d)",
			data[4], headerVersion)
	}

	var h Header
	h.Type = Type(data[5])
	h.Class = Class(data[6])
	h.Codec = compress.Tag(data[7])
	h.TxnID = binary.LittleEndian.Uint64(data[8:16])
	h.StoredSize = binary.LittleEndian.Uint32(data[16:20])
	h.LogicalSize = binary.LittleEndian.Uint32(data[20:24])
	copy(h.Checksum[:], data[24:56])

	if !h.Type.Valid() {
		return Header{}, fmt.Errorf("block header has invalid type tag %d", h.Type)
	}
	if !h.Class.Valid() {
		return Header{}, fmt.Errorf("block header has invalid size class %d", h.Class)
	}
	if !h.Codec.Valid() {
		return Header{}, fmt.Errorf("block header has invalid codec tag %d", h.Codec)
	}
	if int64(h.StoredSize)+HeaderSize > h.Class.Size() {
		return Header{}, fmt.Errorf("block header stored size %d exceeds class %d capacity", h.StoredSize, h.Class)
	}
	return h, nil
}

// matches reports whether the header agrees with the Ref that led the
// reader to it. Disagreement means the reference is stale or the read
// was misdirected.
func (h Header) matches(ref Ref) error {
	expected := headerForRef(ref)
	if h != expected {
		return fmt.Errorf("block at offset %d does not match its reference: header %+v, ref %+v",
			ref.Offset, h, expected)
	}
	return nil
}
