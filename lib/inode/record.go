// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package inode

import (
	"fmt"
	"time"

	"github.com/bureau-foundation/chainfs/lib/codec"
)

// RootIno is the inode number of the volume's root directory, created
// at format time.
const RootIno = 1

// FileType discriminates what an inode is.
type FileType uint8

const (
	// TypeFile is a regular file.
	TypeFile FileType = iota + 1

	// TypeDirectory maps names to inode numbers.
	TypeDirectory

	// TypeSymlink holds a target path in its record.
	TypeSymlink
)

func (t FileType) String() string {
	switch t {
	case TypeFile:
		return "file"
	case TypeDirectory:
		return "directory"
	case TypeSymlink:
		return "symlink"
	default:
		return fmt.Sprintf("filetype(%d)", uint8(t))
	}
}

// Valid reports whether t is a known file type.
func (t FileType) Valid() bool {
	return t >= TypeFile && t <= TypeSymlink
}

// Record is an inode's attributes, stored CBOR-encoded as the chain
// inode node's record payload.
type Record struct {
	// Ino is the inode number, repeated inside the record so a
	// record is self-describing when inspected in isolation.
	Ino uint64 `cbor:"ino"`

	// Type is the inode's file type.
	Type FileType `cbor:"type"`

	// Mode is the permission bits (the low 12 bits of a POSIX mode).
	Mode uint32 `cbor:"mode"`

	// UID and GID are the owner.
	UID uint32 `cbor:"uid"`
	GID uint32 `cbor:"gid"`

	// Size is the logical content size in bytes. Directories keep it
	// zero; sparse files may be larger than their allocated blocks.
	Size uint64 `cbor:"size"`

	// Links is the number of directory entries referring to this
	// inode. Directories count their own entry plus one per child
	// directory.
	Links uint32 `cbor:"links"`

	// CreatedAt and ModifiedAt are UnixNano timestamps.
	CreatedAt  int64 `cbor:"created_at"`
	ModifiedAt int64 `cbor:"modified_at"`

	// Target is the symlink destination; empty for other types.
	Target string `cbor:"target,omitempty"`
}

// Created returns the creation timestamp as a time.Time.
func (r *Record) Created() time.Time { return time.Unix(0, r.CreatedAt) }

// Modified returns the modification timestamp as a time.Time.
func (r *Record) Modified() time.Time { return time.Unix(0, r.ModifiedAt) }

func (r *Record) encode() ([]byte, error) {
	data, err := codec.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("encoding inode %d record: %w", r.Ino, err)
	}
	return data, nil
}

func decodeRecord(data []byte) (Record, error) {
	var record Record
	if err := codec.Unmarshal(data, &record); err != nil {
		return Record{}, fmt.Errorf("decoding inode record: %w", err)
	}
	if !record.Type.Valid() {
		return Record{}, fmt.Errorf("inode %d record has invalid type %d", record.Ino, record.Type)
	}
	return record, nil
}

// dirent is one directory entry leaf. The leaf key is the name hash
// plus a collision slot; the stored name disambiguates hash
// collisions at lookup time.
type dirent struct {
	Name string `cbor:"name"`
	Ino  uint64 `cbor:"ino"`
}

func (d *dirent) encode() ([]byte, error) {
	data, err := codec.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("encoding directory entry %q: %w", d.Name, err)
	}
	return data, nil
}

func decodeDirent(data []byte) (dirent, error) {
	var entry dirent
	if err := codec.Unmarshal(data, &entry); err != nil {
		return dirent{}, fmt.Errorf("decoding directory entry: %w", err)
	}
	return entry, nil
}
