// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package freemap

import (
	"bytes"
	"fmt"
	"sync"

	"github.com/google/btree"

	"github.com/bureau-foundation/chainfs/lib/block"
	"github.com/bureau-foundation/chainfs/lib/integrity"
)

// dedupEntry maps a content fingerprint to the physical block that
// stores it, with a count of how many chain leaves share it.
type dedupEntry struct {
	fingerprint integrity.Digest
	ref         block.Ref
	shares      uint32
}

func dedupLess(a, b dedupEntry) bool {
	return bytes.Compare(a.fingerprint[:], b.fingerprint[:]) < 0
}

// dedupIndex is the allocator's fingerprint index. Ordered by
// fingerprint so snapshots serialize deterministically.
type dedupIndex struct {
	mu     sync.Mutex
	byFp   *btree.BTreeG[dedupEntry]
	byAddr map[int64]integrity.Digest
}

func (d *dedupIndex) init() {
	d.byFp = btree.NewG(16, dedupLess)
	d.byAddr = make(map[int64]integrity.Digest)
}

// DedupReuse looks up a fingerprint and, when a block with that
// content already exists, increments its share count and returns its
// reference. The caller stores the returned reference instead of
// allocating a new block.
func (a *Allocator) DedupReuse(fingerprint integrity.Digest) (block.Ref, bool) {
	d := &a.dedup
	d.mu.Lock()
	defer d.mu.Unlock()

	entry, ok := d.byFp.Get(dedupEntry{fingerprint: fingerprint})
	if !ok {
		return block.Ref{}, false
	}
	entry.shares++
	d.byFp.ReplaceOrInsert(entry)
	return entry.ref, true
}

// DedupRecord registers a freshly written data block under its
// fingerprint with a share count of one. Overwrites any stale entry
// for the same fingerprint (possible when the previous holder was
// released and reclaimed between the caller's fingerprint computation
// and now).
func (a *Allocator) DedupRecord(fingerprint integrity.Digest, ref block.Ref) {
	d := &a.dedup
	d.mu.Lock()
	defer d.mu.Unlock()

	if old, ok := d.byFp.Get(dedupEntry{fingerprint: fingerprint}); ok {
		delete(d.byAddr, old.ref.Offset)
	}
	d.byFp.ReplaceOrInsert(dedupEntry{fingerprint: fingerprint, ref: ref, shares: 1})
	d.byAddr[ref.Offset] = fingerprint
}

// SharedRelease records what one ReleaseShared call did, with enough
// detail for UnreleaseShared to reverse it when the commit fails.
type SharedRelease struct {
	ref         block.Ref
	txnID       uint64
	freed       bool
	tracked     bool
	fingerprint integrity.Digest
}

// Freed reports whether the release sent the block to pending-free
// (true) or only dropped a share count (false).
func (r SharedRelease) Freed() bool { return r.freed }

// ReleaseShared releases one share of a data block. When the block is
// in the dedup index and other sharers remain, only the count drops;
// the block stays allocated. The last share (or a block that was
// never deduplicated) goes pending-free tagged with the freeing
// transaction, exactly like Release.
func (a *Allocator) ReleaseShared(ref block.Ref, txnID uint64) SharedRelease {
	result := SharedRelease{ref: ref, txnID: txnID}

	d := &a.dedup
	d.mu.Lock()
	fingerprint, tracked := d.byAddr[ref.Offset]
	if tracked {
		result.tracked = true
		result.fingerprint = fingerprint
		entry, ok := d.byFp.Get(dedupEntry{fingerprint: fingerprint})
		if ok && entry.shares > 1 {
			entry.shares--
			d.byFp.ReplaceOrInsert(entry)
			d.mu.Unlock()
			return result
		}
		d.byFp.Delete(dedupEntry{fingerprint: fingerprint})
		delete(d.byAddr, ref.Offset)
	}
	d.mu.Unlock()

	result.freed = true
	a.Release(ref.Offset, ref.Class, txnID)
	return result
}

// UnreleaseShared reverses one ReleaseShared. Share counts come back,
// deleted index entries are reinstated, and pending-free entries are
// withdrawn. Only valid while the freeing transaction's pending
// entries have not been reclaimed, which the horizon rules guarantee
// for a failed commit.
func (a *Allocator) UnreleaseShared(r SharedRelease) error {
	d := &a.dedup
	if !r.freed {
		d.mu.Lock()
		defer d.mu.Unlock()
		entry, ok := d.byFp.Get(dedupEntry{fingerprint: r.fingerprint})
		if !ok {
			return fmt.Errorf("no dedup entry for block at offset %d", r.ref.Offset)
		}
		entry.shares++
		d.byFp.ReplaceOrInsert(entry)
		return nil
	}
	if r.tracked {
		d.mu.Lock()
		d.byFp.ReplaceOrInsert(dedupEntry{fingerprint: r.fingerprint, ref: r.ref, shares: 1})
		d.byAddr[r.ref.Offset] = r.fingerprint
		d.mu.Unlock()
	}
	return a.Unrelease(r.ref.Offset, r.ref.Class, r.txnID)
}

// DedupForget drops the index entry for a block outright, regardless
// of share count. Used when a freshly written block is unreserved
// because its transaction failed; leaving the entry would let later
// writers deduplicate against a block that no longer exists.
func (a *Allocator) DedupForget(ref block.Ref) {
	d := &a.dedup
	d.mu.Lock()
	defer d.mu.Unlock()

	fingerprint, tracked := d.byAddr[ref.Offset]
	if !tracked {
		return
	}
	d.byFp.Delete(dedupEntry{fingerprint: fingerprint})
	delete(d.byAddr, ref.Offset)
}

// DedupShares returns the current share count for a fingerprint, or
// zero when the fingerprint is not indexed. Exposed for tests and
// chainfs-inspect.
func (a *Allocator) DedupShares(fingerprint integrity.Digest) uint32 {
	d := &a.dedup
	d.mu.Lock()
	defer d.mu.Unlock()
	entry, ok := d.byFp.Get(dedupEntry{fingerprint: fingerprint})
	if !ok {
		return 0
	}
	return entry.shares
}

// dedupSnapshot captures every entry in fingerprint order.
func (d *dedupIndex) snapshot() []dedupEntry {
	d.mu.Lock()
	defer d.mu.Unlock()
	entries := make([]dedupEntry, 0, d.byFp.Len())
	d.byFp.Ascend(func(entry dedupEntry) bool {
		entries = append(entries, entry)
		return true
	})
	return entries
}

// restore replaces the index contents.
func (d *dedupIndex) restore(entries []dedupEntry) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.byFp.Clear(false)
	d.byAddr = make(map[int64]integrity.Digest, len(entries))
	for _, entry := range entries {
		d.byFp.ReplaceOrInsert(entry)
		d.byAddr[entry.ref.Offset] = entry.fingerprint
	}
}
