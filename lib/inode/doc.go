// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package inode gives the chain tree filesystem semantics: inodes
// with attributes, directories mapping names to inode numbers, and
// file content addressed by block index.
//
// Every inode is a chain inode node at the volume level, keyed by
// inode number, whose record is the CBOR-encoded attributes. The
// inode's subtree holds its content: directories store one leaf per
// entry, keyed by the entry's name hash plus a collision slot; files
// store fixed-size data blocks keyed by block index, with holes
// simply absent.
//
// The layer operates inside a transaction: it wraps the transaction's
// tree view and inherits its isolation, conflict, and durability
// behavior. Nothing here touches the device directly.
package inode
