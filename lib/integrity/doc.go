// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package integrity computes and verifies the BLAKE3 digests that
// protect every chainfs block.
//
// Three keyed hash domains are in use:
//
//   - block: the payload checksum stored in every block header and
//     block reference, verified on every read from the block store.
//   - fingerprint: the content hash the allocator uses to detect and
//     share identical data blocks (deduplication).
//   - name: the 64-bit directory-entry key derived from a file name.
//
// Domain separation means a block checksum can never collide with a
// dedup fingerprint for different purposes: the same bytes produce
// unrelated digests in each domain.
//
// A checksum mismatch is always an integrity error, surfaced as
// [ErrChecksum]. It is never auto-corrected or silently ignored.
package integrity
