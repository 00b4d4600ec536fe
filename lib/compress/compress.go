// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package compress provides the per-block compression codecs.
//
// The codec used for a block is a per-block attribute recorded in its
// block reference and header, not a volume-wide choice. Index, inode,
// and freemap blocks are always stored uncompressed; leaf data blocks
// use the codec the caller selects (or [Select] probes for).
package compress

import (
	"errors"
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Tag identifies the compression codec used for a block's payload.
// Tags are stored in block headers and block references (1 byte each).
// These values are on-media constants — changing them breaks volume
// compatibility.
type Tag uint8

const (
	// None indicates uncompressed payload. Used for all metadata
	// blocks and for data that does not compress smaller than its
	// original size.
	None Tag = 0

	// LZ4 indicates LZ4 block compression. Fast default for binary
	// data where decompression sits on the read path of every lookup.
	LZ4 Tag = 1

	// Zstd indicates zstd compression at the default level. Better
	// ratios for text-like data at higher CPU cost.
	Zstd Tag = 2
)

// maxTag is the highest valid codec tag. Decoders reject anything
// above it.
const maxTag = Zstd

// String returns the human-readable name of a codec tag.
func (tag Tag) String() string {
	switch tag {
	case None:
		return "none"
	case LZ4:
		return "lz4"
	case Zstd:
		return "zstd"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(tag))
	}
}

// Valid reports whether the tag names a supported codec.
func (tag Tag) Valid() bool {
	return tag <= maxTag
}

// ParseTag parses a codec tag from its string representation, as used
// in volume configuration files.
func ParseTag(name string) (Tag, error) {
	switch name {
	case "none":
		return None, nil
	case "lz4":
		return LZ4, nil
	case "zstd":
		return Zstd, nil
	default:
		return 0, fmt.Errorf("unknown compression codec: %q", name)
	}
}

// errIncompressible is returned when the compressed output is not
// smaller than the input. The caller should store the payload with
// [None].
var errIncompressible = errors.New("payload is incompressible")

// IsIncompressible reports whether the error indicates that data could
// not be compressed smaller than its original size.
func IsIncompressible(err error) bool {
	return errors.Is(err, errIncompressible)
}

// Compress compresses payload with the given codec. For [None] the
// input is returned unchanged (no copy). Returns an error satisfying
// [IsIncompressible] when compression would not shrink the payload.
func Compress(payload []byte, tag Tag) ([]byte, error) {
	switch tag {
	case None:
		return payload, nil
	case LZ4:
		return compressLZ4(payload)
	case Zstd:
		return compressZstd(payload)
	default:
		return nil, fmt.Errorf("unsupported compression codec: %d", tag)
	}
}

// Decompress decompresses stored payload bytes. The uncompressedSize
// must match the original length exactly — this is verified and a
// mismatch returns an error, since the size comes from a checksummed
// header and disagreement means corruption.
func Decompress(stored []byte, tag Tag, uncompressedSize int) ([]byte, error) {
	switch tag {
	case None:
		if len(stored) != uncompressedSize {
			return nil, fmt.Errorf("uncompressed payload: size %d does not match expected %d",
				len(stored), uncompressedSize)
		}
		return stored, nil
	case LZ4:
		return decompressLZ4(stored, uncompressedSize)
	case Zstd:
		return decompressZstd(stored, uncompressedSize)
	default:
		return nil, fmt.Errorf("unsupported compression codec: %d", tag)
	}
}

// Auto compresses payload with the given preferred codec, falling back
// to [None] when the payload is incompressible. Returns the stored
// bytes and the tag actually used.
func Auto(payload []byte, preferred Tag) ([]byte, Tag, error) {
	stored, err := Compress(payload, preferred)
	if err != nil {
		if IsIncompressible(err) {
			return payload, None, nil
		}
		return nil, 0, err
	}
	return stored, preferred, nil
}

// Select probes payload to pick a codec: zstd when the ratio justifies
// the CPU cost, LZ4 for moderately compressible data, None otherwise.
// Used when the volume configuration does not force a codec.
func Select(payload []byte) Tag {
	if len(payload) == 0 {
		return None
	}

	compressed := zstdEncoder.EncodeAll(payload, nil)
	ratio := float64(len(payload)) / float64(len(compressed))

	switch {
	case ratio >= 1.5:
		return Zstd
	case ratio >= 1.1:
		return LZ4
	default:
		return None
	}
}

// LZ4 compression: block mode.

func compressLZ4(payload []byte) ([]byte, error) {
	bound := lz4.CompressBlockBound(len(payload))
	destination := make([]byte, bound)

	written, err := lz4.CompressBlock(payload, destination, nil)
	if err != nil {
		return nil, fmt.Errorf("lz4 compress: %w", err)
	}

	// CompressBlock returns 0 when it determines the data is
	// incompressible. We also check whether the compressed output is
	// actually smaller than the input.
	if written == 0 || written >= len(payload) {
		return nil, errIncompressible
	}

	return destination[:written], nil
}

func decompressLZ4(stored []byte, uncompressedSize int) ([]byte, error) {
	destination := make([]byte, uncompressedSize)
	read, err := lz4.UncompressBlock(stored, destination)
	if err != nil {
		return nil, fmt.Errorf("lz4 decompress: %w", err)
	}
	if read != uncompressedSize {
		return nil, fmt.Errorf("lz4 decompress: got %d bytes, expected %d", read, uncompressedSize)
	}
	return destination, nil
}

// Zstd compression at the default level.

// zstdEncoder and zstdDecoder are reused across calls to avoid
// repeated initialization overhead. zstd.Encoder and zstd.Decoder are
// safe for concurrent use.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil,
		zstd.WithEncoderLevel(zstd.SpeedDefault),
	)
	if err != nil {
		panic("compress: zstd encoder initialization failed: " + err.Error())
	}

	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("compress: zstd decoder initialization failed: " + err.Error())
	}
}

func compressZstd(payload []byte) ([]byte, error) {
	compressed := zstdEncoder.EncodeAll(payload, nil)
	if len(compressed) >= len(payload) {
		return nil, errIncompressible
	}
	return compressed, nil
}

func decompressZstd(stored []byte, uncompressedSize int) ([]byte, error) {
	destination := make([]byte, 0, uncompressedSize)
	result, err := zstdDecoder.DecodeAll(stored, destination)
	if err != nil {
		return nil, fmt.Errorf("zstd decompress: %w", err)
	}
	if len(result) != uncompressedSize {
		return nil, fmt.Errorf("zstd decompress: got %d bytes, expected %d", len(result), uncompressedSize)
	}
	return result, nil
}
