// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package txn runs transactions over the chain tree: grouping
// mutations, flushing dirty nodes bottom-up into checksummed blocks,
// and publishing the new root atomically.
//
// A transaction moves through Open, Flushing, and then Committed or
// Aborted. While Open it mutates a private copy-on-write view of the
// last committed tree; nothing touches the device. Commit writes
// every dirty node child-first so each parent embeds its children's
// final references, syncs the data, persists the allocator snapshot
// into its own blocks, and then hands the new root and snapshot head
// to the publish hook, which writes the superblock. A crash at any point before the superblock lands leaves
// the previous version intact, because no committed block is ever
// overwritten in place.
//
// Conflicts resolve first-committer-wins: a transaction whose base
// version is no longer the committed version fails with
// chain.ErrConflict at commit, and two live transactions touching the
// same dirty node fail at mutation time.
//
// Snapshots pin the committed root in memory and register a read
// horizon with the allocator so blocks freed after the snapshot was
// taken are not reclaimed under it.
package txn
