// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package block

import (
	"fmt"

	"github.com/bureau-foundation/chainfs/lib/compress"
	"github.com/bureau-foundation/chainfs/lib/integrity"
)

// Store is the block store surface the chain manager, freemap, and
// transaction engine consume. The production implementation is
// [DeviceStore]; tests wrap it to inject write failures.
type Store interface {
	// ReadBlock reads the block a Ref points at, validates the header
	// against the Ref, decompresses the payload, and verifies its
	// checksum. Returns the uncompressed payload.
	ReadBlock(ref Ref) ([]byte, error)

	// WriteBlock writes a block header derived from ref followed by
	// the stored payload at ref.Offset. The ref must already carry
	// the payload's checksum and sizes; WriteBlock does not reorder
	// or buffer — durability is the caller's job via FlushDurable.
	WriteBlock(ref Ref, stored []byte) error

	// FlushDurable blocks until every preceding WriteBlock is on
	// stable media.
	FlushDurable() error
}

// DeviceStore implements Store over a Device.
type DeviceStore struct {
	device *Device
}

// NewDeviceStore wraps a Device in the Store interface.
func NewDeviceStore(device *Device) *DeviceStore {
	return &DeviceStore{device: device}
}

// ReadBlock implements Store.
func (s *DeviceStore) ReadBlock(ref Ref) ([]byte, error) {
	if ref.IsZero() {
		return nil, fmt.Errorf("reading zero block reference")
	}

	headerBytes := make([]byte, HeaderSize)
	if _, err := s.device.ReadAt(headerBytes, ref.Offset); err != nil {
		return nil, fmt.Errorf("reading block header at offset %d: %w", ref.Offset, err)
	}
	header, err := DecodeHeader(headerBytes)
	if err != nil {
		return nil, fmt.Errorf("decoding block header at offset %d: %w", ref.Offset, err)
	}
	if err := header.matches(ref); err != nil {
		return nil, err
	}

	stored := make([]byte, ref.StoredSize)
	if _, err := s.device.ReadAt(stored, ref.Offset+HeaderSize); err != nil {
		return nil, fmt.Errorf("reading block payload at offset %d: %w", ref.Offset, err)
	}

	payload, err := compress.Decompress(stored, ref.Codec, int(ref.LogicalSize))
	if err != nil {
		return nil, fmt.Errorf("decompressing block at offset %d: %w", ref.Offset, err)
	}

	if err := integrity.Verify(payload, ref.Checksum); err != nil {
		return nil, fmt.Errorf("block at offset %d: %w", ref.Offset, err)
	}
	return payload, nil
}

// WriteBlock implements Store.
func (s *DeviceStore) WriteBlock(ref Ref, stored []byte) error {
	if ref.IsZero() {
		return fmt.Errorf("writing zero block reference")
	}
	if uint32(len(stored)) != ref.StoredSize {
		return fmt.Errorf("stored payload is %d bytes but reference says %d", len(stored), ref.StoredSize)
	}
	if int64(len(stored))+HeaderSize > ref.Class.Size() {
		return fmt.Errorf("payload of %d bytes does not fit class %d block", len(stored), ref.Class)
	}

	// Header and payload in one contiguous write. The allocator never
	// hands the same block to two writers, so no interleaving hazard.
	buffer := make([]byte, HeaderSize+len(stored))
	copy(buffer, headerForRef(ref).Encode())
	copy(buffer[HeaderSize:], stored)

	if _, err := s.device.WriteAt(buffer, ref.Offset); err != nil {
		return fmt.Errorf("writing block at offset %d: %w", ref.Offset, err)
	}
	return nil
}

// FlushDurable implements Store.
func (s *DeviceStore) FlushDurable() error {
	return s.device.Sync()
}

// ReadHeader reads and decodes the block header at an arbitrary
// offset, without requiring a Ref. chainfs-inspect uses this to scan a
// volume.
func (s *DeviceStore) ReadHeader(offset int64) (Header, error) {
	headerBytes := make([]byte, HeaderSize)
	if _, err := s.device.ReadAt(headerBytes, offset); err != nil {
		return Header{}, fmt.Errorf("reading block header at offset %d: %w", offset, err)
	}
	return DecodeHeader(headerBytes)
}
