// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec provides chainfs's standard CBOR encoding configuration.
//
// Fixed-size on-media structures (block headers, block references, the
// superblock) use hand-rolled little-endian layouts in lib/block.
// Everything variable-length that reaches the media — index and inode
// node bodies, directory entries, the freemap snapshot — goes through
// this package.
//
// The encoder uses Core Deterministic Encoding (RFC 8949 §4.2): sorted
// map keys, smallest integer encoding, no indefinite-length items.
// Determinism is load-bearing here, not cosmetic: block checksums and
// dedup fingerprints are computed over encoded node bodies, so the same
// logical node must always produce identical bytes.
//
//	data, err := codec.Marshal(value)
//	err = codec.Unmarshal(data, &value)
//
// Types serialized by this package carry `cbor` struct tags: they are
// on-disk formats and never interact with JSON or CLI tooling.
package codec
