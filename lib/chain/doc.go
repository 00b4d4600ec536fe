// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package chain implements the copy-on-write versioned block tree at
// the core of chainfs.
//
// Every piece of durable state — inode records, directory entries,
// file data — lives in one tree of chain nodes. Interior index nodes
// route 64-bit keys to children; leaf nodes carry a single key and its
// payload; inode nodes are both: they sit in the volume tree keyed by
// inode number, carry the inode record as payload, and root their own
// subtree of data and directory-entry keys. An operation therefore
// addresses a value by a key path: (inode number, local key) for
// anything inside an inode, or a single key for the volume level.
//
// Modifications never alter a flushed node. Mutating a clean node
// clones it, splices the clone into a cloned parent, and so on up to
// the transaction's working root; the superseded block references are
// handed to the allocator as pending-free. Readers traversing the
// last committed root never observe a partial modification because
// nothing they can reach is ever written to.
//
// Nodes live in an [Arena] and are addressed by generation-tagged
// handles with explicit pin/unpin counts instead of garbage
// collection; a node is recycled only when nothing pins it and its
// slot generation advances, so a stale handle can never resurrect a
// recycled node.
package chain
