// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package chain

import (
	"fmt"
	"sync"
)

// Handle addresses a node in an Arena. The generation tag makes
// handles single-use: once the slot is recycled, old handles to it
// stop resolving instead of silently aliasing the new occupant.
type Handle struct {
	slot       uint32
	generation uint32
}

// IsZero reports whether the handle is the zero value (no node).
func (h Handle) IsZero() bool {
	return h == Handle{}
}

// arenaSlot is one storage cell. The generation starts at 1 so the
// zero Handle never resolves.
type arenaSlot struct {
	node       *Node
	generation uint32
}

// Arena owns the in-memory chain nodes of one volume. It hands out
// generation-tagged handles and recycles slots when a node is
// released. Safe for concurrent use.
type Arena struct {
	mu       sync.Mutex
	slots    []arenaSlot
	freeList []uint32
	live     int
}

// NewArena creates an empty arena.
func NewArena() *Arena {
	return &Arena{}
}

// adopt places a node in the arena and stamps it with its handle.
func (a *Arena) adopt(node *Node) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.adoptLocked(node)
}

// adoptLocked is adopt for callers already holding the arena lock.
func (a *Arena) adoptLocked(node *Node) {
	var slot uint32
	if n := len(a.freeList); n > 0 {
		slot = a.freeList[n-1]
		a.freeList = a.freeList[:n-1]
	} else {
		a.slots = append(a.slots, arenaSlot{generation: 1})
		slot = uint32(len(a.slots) - 1)
	}
	a.slots[slot].node = node
	node.handle = Handle{slot: slot, generation: a.slots[slot].generation}
	a.live++
}

// Get resolves a handle. Returns nil when the handle is stale (its
// slot was recycled) or zero.
func (a *Arena) Get(handle Handle) *Node {
	if handle.IsZero() {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if int(handle.slot) >= len(a.slots) {
		return nil
	}
	slot := a.slots[handle.slot]
	if slot.generation != handle.generation {
		return nil
	}
	return slot.node
}

// Release recycles a node's slot. The node must be unpinned; pinned
// nodes are still in use by a holder and releasing them is a logic
// error.
func (a *Arena) Release(node *Node) error {
	if pins := node.pins.Load(); pins != 0 {
		return fmt.Errorf("releasing node with %d pins", pins)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	handle := node.handle
	if int(handle.slot) >= len(a.slots) || a.slots[handle.slot].generation != handle.generation {
		return fmt.Errorf("releasing node with stale handle")
	}
	a.slots[handle.slot].node = nil
	a.slots[handle.slot].generation++
	a.freeList = append(a.freeList, handle.slot)
	a.live--
	node.handle = Handle{}
	return nil
}

// Live returns the number of nodes currently held by the arena.
func (a *Arena) Live() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.live
}
