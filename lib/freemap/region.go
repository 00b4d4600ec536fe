// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package freemap

import (
	"fmt"
	"math/bits"
	"sync"

	"github.com/bureau-foundation/chainfs/lib/block"
)

// grainSize is the allocation granularity: one bit in a region bitmap
// covers one grain. Equal to the smallest block size class, so every
// allocation is a whole number of grains.
const grainSize = 1 << block.MinClass

// region is one allocation region: a bitmap of grains with its own
// lock. A set bit means the grain is allocated.
type region struct {
	mu     sync.Mutex
	bitmap []uint64
	free   int64 // free grain count, kept in sync with bitmap
}

func newRegion(grains int64) *region {
	words := (grains + 63) / 64
	r := &region{
		bitmap: make([]uint64, words),
		free:   grains,
	}
	// Mark the tail of the last word allocated so a partial final
	// word never satisfies a reservation.
	if tail := grains % 64; tail != 0 {
		r.bitmap[words-1] = ^uint64(0) << tail
	}
	return r
}

// grainsFor returns the grain count of a size class. Classes are
// powers of two at least grainSize, so this is exact.
func grainsFor(class block.Class) int64 {
	return class.Size() / grainSize
}

// reserve finds and marks the first free aligned run of n grains.
// Runs are aligned to their own length, so a run never straddles a
// region boundary and never partially overlaps another class's run.
// Returns the grain index, or false when the region cannot satisfy
// the request.
func (r *region) reserve(n int64) (int64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.free < n {
		return 0, false
	}

	if n <= 64 {
		mask := ^uint64(0)
		if n < 64 {
			mask = (uint64(1) << n) - 1
		}
		for wordIndex, word := range r.bitmap {
			if word == ^uint64(0) {
				continue
			}
			// Check each aligned position within the word.
			for shift := int64(0); shift+n <= 64; shift += n {
				if word&(mask<<shift) == 0 {
					r.bitmap[wordIndex] |= mask << shift
					r.free -= n
					return int64(wordIndex)*64 + shift, true
				}
			}
		}
		return 0, false
	}

	// Multi-word run: n is a multiple of 64, aligned to n/64 words.
	words := n / 64
	for start := int64(0); start+words <= int64(len(r.bitmap)); start += words {
		clear := true
		for i := start; i < start+words; i++ {
			if r.bitmap[i] != 0 {
				clear = false
				break
			}
		}
		if !clear {
			continue
		}
		for i := start; i < start+words; i++ {
			r.bitmap[i] = ^uint64(0)
		}
		r.free -= n
		return start * 64, true
	}
	return 0, false
}

// release clears a previously reserved run of n grains starting at
// grain index. Called only by the reclaim sweep; double-free is a
// logic error and returns one.
func (r *region) release(grain, n int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := grain; i < grain+n; i++ {
		word, bit := i/64, uint(i%64)
		if r.bitmap[word]&(1<<bit) == 0 {
			return fmt.Errorf("double free of grain %d", i)
		}
		r.bitmap[word] &^= 1 << bit
	}
	r.free += n
	return nil
}

// freeGrains returns the current free grain count.
func (r *region) freeGrains() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.free
}

// allocatedGrains counts set bits. Used by snapshots and inspect.
func (r *region) allocatedGrains() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	var count int64
	for _, word := range r.bitmap {
		count += int64(bits.OnesCount64(word))
	}
	return count
}

// snapshotWords copies the bitmap under the region lock.
func (r *region) snapshotWords() []uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	words := make([]uint64, len(r.bitmap))
	copy(words, r.bitmap)
	return words
}

// restoreWords replaces the bitmap contents and recomputes the free
// count. The tail guard bits are part of the snapshot, so no
// re-masking is needed.
func (r *region) restoreWords(words []uint64, grains int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(words) != len(r.bitmap) {
		return fmt.Errorf("snapshot has %d bitmap words, region has %d", len(words), len(r.bitmap))
	}
	copy(r.bitmap, words)
	var allocated int64
	for _, word := range r.bitmap {
		allocated += int64(bits.OnesCount64(word))
	}
	// Guard bits in the final word count as allocated here; subtract
	// the same guard count newRegion introduced.
	guard := int64(len(r.bitmap))*64 - grains
	r.free = grains - (allocated - guard)
	return nil
}
