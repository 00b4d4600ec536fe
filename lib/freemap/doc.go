// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package freemap tracks which blocks of a chainfs volume are free,
// allocated, and pending-free.
//
// The device's allocation space is divided into fixed-size regions,
// each with its own bitmap and its own mutex — reservation contends
// per region, never on a global allocator lock. Allocation is
// first-fit within the hinted region with forward fallback, which
// biases blocks of the same chain subtree toward spatial locality.
//
// A released block never returns to the free bitmap directly. Release
// records it pending-free, tagged with the freeing transaction; the
// reclaim sweep promotes it to truly free only once that transaction
// is durable, no live reader snapshot predates it, and the configured
// retention window has elapsed. This is what makes crash recovery
// safe: blocks referenced by the previous committed tree are never
// overwritten before the transaction that freed them is on stable
// media.
//
// The allocator also owns the deduplication index: a fingerprint →
// block reference map with share counts. A data block with a known
// fingerprint is reused (share count incremented) instead of
// allocated twice, and is only released to pending-free when its last
// sharer lets go.
package freemap
