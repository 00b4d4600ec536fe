// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package inode

import (
	"errors"
	"fmt"
	"io"

	"github.com/bureau-foundation/chainfs/lib/chain"
)

// DataBlockSize is the logical unit of file content: one chain leaf
// per block, keyed by block index. Missing leaves read as zeros, so
// sparse files cost nothing between their written extents.
const DataBlockSize = 32 * 1024

// file loads an inode and requires regular-file type.
func (l *Layer) file(ino uint64) (Record, error) {
	record, err := l.Attrs(ino)
	if err != nil {
		return Record{}, err
	}
	switch record.Type {
	case TypeFile:
		return record, nil
	case TypeDirectory:
		return Record{}, fmt.Errorf("inode %d: %w", ino, ErrIsDirectory)
	default:
		return Record{}, fmt.Errorf("inode %d is a %s, not a file", ino, record.Type)
	}
}

// ReadAt reads file content at the given offset, io.ReaderAt style:
// a short read past end of file returns io.EOF alongside the bytes.
// Holes read as zeros.
func (l *Layer) ReadAt(ino uint64, p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("reading inode %d: negative offset %d", ino, off)
	}
	record, err := l.file(ino)
	if err != nil {
		return 0, err
	}
	size := int64(record.Size)
	if off >= size {
		return 0, io.EOF
	}

	want := int64(len(p))
	if remaining := size - off; want > remaining {
		want = remaining
	}

	var done int64
	for done < want {
		pos := off + done
		index := pos / DataBlockSize
		within := pos % DataBlockSize
		span := DataBlockSize - within
		if span > want-done {
			span = want - done
		}

		out := p[done : done+span]
		value, err := l.tree.Get(chain.Path{chain.Key(ino), chain.Key(index)})
		switch {
		case errors.Is(err, chain.ErrNotFound):
			clear(out)
		case err != nil:
			return int(done), err
		default:
			n := copy(out, value[min(within, int64(len(value))):])
			clear(out[n:])
		}
		done += span
	}

	if done < int64(len(p)) {
		return int(done), io.EOF
	}
	return int(done), nil
}

// WriteAt writes file content at the given offset, extending the file
// when the write reaches past its current size. Partially covered
// blocks are read-modified-rewritten; fully covered blocks are
// replaced outright.
func (l *Layer) WriteAt(ino uint64, p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("writing inode %d: negative offset %d", ino, off)
	}
	record, err := l.file(ino)
	if err != nil {
		return 0, err
	}

	var done int64
	for done < int64(len(p)) {
		pos := off + done
		index := pos / DataBlockSize
		within := pos % DataBlockSize
		span := int64(DataBlockSize) - within
		if span > int64(len(p))-done {
			span = int64(len(p)) - done
		}

		path := chain.Path{chain.Key(ino), chain.Key(index)}
		existing, err := l.tree.Get(path)
		exists := true
		if errors.Is(err, chain.ErrNotFound) {
			exists = false
		} else if err != nil {
			return int(done), err
		}

		// The block value is as long as its furthest written byte;
		// reads zero-fill the rest.
		blockLen := within + span
		if exists && int64(len(existing)) > blockLen {
			blockLen = int64(len(existing))
		}
		buf := make([]byte, blockLen)
		copy(buf, existing)
		copy(buf[within:], p[done:done+span])

		if exists {
			err = l.tree.Update(path, buf)
		} else {
			err = l.tree.Insert(path, buf)
		}
		if err != nil {
			return int(done), err
		}
		done += span
	}

	end := uint64(off + int64(len(p)))
	now := l.clock.Now().UnixNano()
	if end > record.Size {
		record.Size = end
	}
	record.ModifiedAt = now
	if err := l.writeRecord(&record); err != nil {
		return int(done), err
	}
	return int(done), nil
}

// Resize truncates or extends a file. Shrinking drops every data
// block past the new end and trims the block straddling it; growing
// is sparse and writes nothing.
func (l *Layer) Resize(ino uint64, size uint64) error {
	record, err := l.file(ino)
	if err != nil {
		return err
	}
	if size == record.Size {
		return nil
	}

	if size < record.Size {
		boundary := chain.Key(size / DataBlockSize)
		within := int64(size % DataBlockSize)

		// Collect doomed block keys first; the range walk must not
		// race its own mutations.
		var doomed []chain.Key
		firstDoomed := boundary
		if within > 0 {
			firstDoomed++
		}
		err := l.tree.Range(chain.Key(ino), firstDoomed, ^chain.Key(0), func(key chain.Key, _ []byte) bool {
			doomed = append(doomed, key)
			return true
		})
		if err != nil {
			return err
		}
		for _, key := range doomed {
			if err := l.tree.Delete(chain.Path{chain.Key(ino), key}); err != nil {
				return err
			}
		}

		if within > 0 {
			path := chain.Path{chain.Key(ino), boundary}
			value, err := l.tree.Get(path)
			if err != nil && !errors.Is(err, chain.ErrNotFound) {
				return err
			}
			if err == nil && int64(len(value)) > within {
				if err := l.tree.Update(path, value[:within]); err != nil {
					return err
				}
			}
		}
	}

	record.Size = size
	record.ModifiedAt = l.clock.Now().UnixNano()
	return l.writeRecord(&record)
}
