// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package volume assembles a chainfs volume: the device, the block
// store, the freemap allocator, the transaction engine, and the inode
// service, bound together by the dual-slot superblock.
//
// The first two 4 KiB slots of the device hold superblocks. A commit
// publishes by writing the slot the mounted version did not come
// from, so the previous version's superblock is never overwritten;
// mount reads both slots and follows the newest one that validates.
// Everything else the superblock references (tree blocks, the freemap
// snapshot) lives in allocated space and is reached from the root and
// freemap references it carries.
package volume
