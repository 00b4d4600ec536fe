// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package block implements the chainfs block store: raw addressable
// storage of fixed-size-class blocks on a single backing device file.
//
// Every allocated block begins with a fixed 64-byte header carrying
// its type tag, size class, compression codec, payload checksum, and
// owning transaction id. The header is followed by the stored
// (possibly compressed) payload; the block occupies the power-of-two
// allocation size of its class.
//
// A [Ref] is the durable pointer to a flushed block. It repeats the
// header fields, so a reader can verify that the block it found at an
// offset is the block the reference was created for — a stale or
// misdirected read fails header validation before the payload
// checksum is even consulted.
//
// Reads go through a read-only memory map of the device (no syscall
// per read); writes use pwrite. [Store.FlushDurable] is the fsync
// barrier the transaction engine places between writing a
// transaction's blocks and publishing its root.
//
// Checksums are verified on every read. A mismatch surfaces
// [github.com/bureau-foundation/chainfs/lib/integrity.ErrChecksum] and
// is never silently ignored.
package block
