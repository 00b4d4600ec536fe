// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package chain

import (
	"errors"
	"fmt"

	"github.com/bureau-foundation/chainfs/lib/block"
)

// Sentinel errors for tree operations.
var (
	// ErrNotFound means the key (or an inode along the key path) does
	// not exist.
	ErrNotFound = errors.New("key not found")

	// ErrExists means an insert hit a key that is already present.
	ErrExists = errors.New("key already exists")

	// ErrConflict means the operation touched a node dirtied by a
	// different open transaction. The later writer loses; retry
	// against the next committed root.
	ErrConflict = errors.New("concurrent modification conflict")
)

// Path addresses a value in the nested key space: a single element
// addresses the volume level (inode numbers), two elements address a
// key inside that inode's subtree.
type Path []Key

// TreeConfig wires a Tree to its transaction.
type TreeConfig struct {
	// Store reads blocks for nodes not yet materialized in memory.
	Store block.Store

	// Arena owns the in-memory nodes.
	Arena *Arena

	// Root is the working root (volume-level index node).
	Root *Node

	// TxnID is the owning transaction. Zero marks a read-only view;
	// mutating operations fail on it.
	TxnID uint64

	// OnDirty is called for every node newly added to the dirty set
	// (clones and fresh nodes). Returning an error — typically the
	// allocator's admission check — fails the mutation before it is
	// applied.
	OnDirty func(*Node) error

	// OnRelease is called with the durable reference of every node
	// removed from the tree (deleted leaves, merged siblings,
	// collapsed roots, removed subtrees). The transaction engine
	// routes these to the freemap as pending-free at commit.
	OnRelease func(block.Ref)

	// OnRootChange is called when copy-on-write replaces the working
	// root node.
	OnRootChange func(*Node)

	// OnSupersede is called with the clean in-memory node a clone
	// replaced. The node stays valid for older snapshots; the engine
	// recycles it once no open snapshot can reach it.
	OnSupersede func(*Node)
}

// Tree is one transaction's view of the chain tree. Not safe for
// concurrent use: a transaction is single-threaded by contract, and
// read-only views are cheap to create per goroutine.
type Tree struct {
	config TreeConfig
	root   *Node
	frozen bool
}

// NewTree creates a tree view over the given working root.
func NewTree(config TreeConfig) *Tree {
	if config.OnDirty == nil {
		config.OnDirty = func(*Node) error { return nil }
	}
	if config.OnRelease == nil {
		config.OnRelease = func(block.Ref) {}
	}
	if config.OnRootChange == nil {
		config.OnRootChange = func(*Node) {}
	}
	if config.OnSupersede == nil {
		config.OnSupersede = func(*Node) {}
	}
	return &Tree{config: config, root: config.Root}
}

// NewRootNode creates the empty volume-level root for a freshly
// formatted volume.
func NewRootNode(arena *Arena) *Node {
	root := &Node{typ: block.TypeIndex}
	arena.adopt(root)
	return root
}

// Root returns the current working root.
func (t *Tree) Root() *Node { return t.root }

// Get returns the leaf payload at the given path.
func (t *Tree) Get(path Path) ([]byte, error) {
	leaf, err := t.findLeaf(path)
	if err != nil {
		return nil, err
	}
	return leaf.value, nil
}

// InodeRecord returns the record payload of the inode node at ino.
func (t *Tree) InodeRecord(ino Key) ([]byte, error) {
	node, err := t.findInode(ino)
	if err != nil {
		return nil, err
	}
	return node.record, nil
}

// InodeExists reports whether an inode node exists at ino.
func (t *Tree) InodeExists(ino Key) (bool, error) {
	_, err := t.findInode(ino)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// InodeHasEntries reports whether the inode's subtree contains any
// keys. Used for non-empty directory checks.
func (t *Tree) InodeHasEntries(ino Key) (bool, error) {
	node, err := t.findInode(ino)
	if err != nil {
		return false, err
	}
	return len(node.entries) > 0, nil
}

// Range calls fn for each leaf with key in [lo, hi] inside the inode
// subtree at ino, in ascending key order, until fn returns false.
func (t *Tree) Range(ino Key, lo, hi Key, fn func(key Key, value []byte) bool) error {
	subroot, err := t.findInode(ino)
	if err != nil {
		return err
	}
	_, err = t.rangeWalk(subroot, lo, hi, fn)
	return err
}

// RangeInodes calls fn for each inode node at the volume level, in
// ascending inode-number order, until fn returns false.
func (t *Tree) RangeInodes(fn func(ino Key, record []byte) bool) error {
	_, err := t.rangeInodeWalk(t.root, fn)
	return err
}

// WalkRefs visits the durable reference of every node reachable from
// the root, parents before children, until fn returns false. Every
// visited block is read and checksum-verified along the way, which is
// what chainfs-inspect wants; it is far too expensive for anything on
// a hot path.
func (t *Tree) WalkRefs(fn func(ref block.Ref) bool) error {
	_, err := t.walkRefs(t.root, fn)
	return err
}

func (t *Tree) walkRefs(node *Node, fn func(ref block.Ref) bool) (bool, error) {
	if !node.ref.IsZero() {
		if !fn(node.ref) {
			return false, nil
		}
	}
	for i := range node.entries {
		child, err := t.materialize(node, i)
		if err != nil {
			return false, err
		}
		keepGoing, err := t.walkRefs(child, fn)
		if err != nil || !keepGoing {
			return keepGoing, err
		}
	}
	return true, nil
}

// Insert creates a leaf at the given path. The final path element is
// the new leaf's key; any preceding elements must name existing
// inodes. Fails with ErrExists if the key is present.
func (t *Tree) Insert(path Path, value []byte) error {
	if err := t.checkMutable(); err != nil {
		return err
	}
	if len(value) > MaxValueSize {
		return fmt.Errorf("value of %d bytes exceeds maximum leaf payload %d", len(value), MaxValueSize)
	}

	parent, err := t.mutableLeafParent(path, true)
	if err != nil {
		return err
	}
	key := path[len(path)-1]

	if index := parent.findEntry(key); index >= 0 {
		return fmt.Errorf("inserting key %d: %w", key, ErrExists)
	}

	leaf := &Node{
		typ:    block.TypeLeaf,
		key:    key,
		value:  append([]byte(nil), value...),
		dirty:  true,
		txnID:  t.config.TxnID,
		parent: parent,
	}
	t.config.Arena.adopt(leaf)
	if err := t.config.OnDirty(leaf); err != nil {
		_ = t.config.Arena.Release(leaf)
		return err
	}
	parent.insertEntry(Edge{Key: key, child: leaf})
	return t.splitUpward(parent)
}

// Update replaces the payload of an existing leaf.
func (t *Tree) Update(path Path, value []byte) error {
	if err := t.checkMutable(); err != nil {
		return err
	}
	if len(value) > MaxValueSize {
		return fmt.Errorf("value of %d bytes exceeds maximum leaf payload %d", len(value), MaxValueSize)
	}

	parent, err := t.mutableLeafParent(path, false)
	if err != nil {
		return err
	}
	key := path[len(path)-1]

	index := parent.findEntry(key)
	if index < 0 {
		return fmt.Errorf("updating key %d: %w", key, ErrNotFound)
	}
	leaf, err := t.materialize(parent, index)
	if err != nil {
		return err
	}
	if leaf.typ != block.TypeLeaf {
		return fmt.Errorf("updating key %d: target is a %s node, not a leaf", key, leaf.typ)
	}

	mutable, err := t.cow(parent, leaf)
	if err != nil {
		return err
	}
	mutable.value = append([]byte(nil), value...)
	return nil
}

// Delete removes the leaf at the given path.
func (t *Tree) Delete(path Path) error {
	if err := t.checkMutable(); err != nil {
		return err
	}

	parent, err := t.mutableLeafParent(path, false)
	if err != nil {
		return err
	}
	key := path[len(path)-1]

	index := parent.findEntry(key)
	if index < 0 {
		return fmt.Errorf("deleting key %d: %w", key, ErrNotFound)
	}
	leaf, err := t.materialize(parent, index)
	if err != nil {
		return err
	}
	if leaf.typ != block.TypeLeaf {
		return fmt.Errorf("deleting key %d: target is a %s node, not a leaf", key, leaf.typ)
	}

	t.releaseNode(leaf)
	parent.removeEntry(index)
	return t.mergeUpward(parent)
}

// CreateInode inserts a fresh inode node at the volume level.
func (t *Tree) CreateInode(ino Key, record []byte) error {
	if err := t.checkMutable(); err != nil {
		return err
	}

	parent, err := t.mutableInodeParent(ino, true)
	if err != nil {
		return err
	}
	if index := parent.findEntry(ino); index >= 0 {
		return fmt.Errorf("creating inode %d: %w", ino, ErrExists)
	}

	node := &Node{
		typ:    block.TypeInode,
		key:    ino,
		record: append([]byte(nil), record...),
		dirty:  true,
		txnID:  t.config.TxnID,
		parent: parent,
	}
	t.config.Arena.adopt(node)
	if err := t.config.OnDirty(node); err != nil {
		_ = t.config.Arena.Release(node)
		return err
	}
	parent.insertEntry(Edge{Key: ino, child: node})
	return t.splitUpward(parent)
}

// SetInodeRecord replaces the record payload of an existing inode
// node, copy-on-write.
func (t *Tree) SetInodeRecord(ino Key, record []byte) error {
	if err := t.checkMutable(); err != nil {
		return err
	}
	parent, err := t.mutableInodeParent(ino, false)
	if err != nil {
		return err
	}
	index := parent.findEntry(ino)
	if index < 0 {
		return fmt.Errorf("inode %d: %w", ino, ErrNotFound)
	}
	node, err := t.materialize(parent, index)
	if err != nil {
		return err
	}
	if node.typ != block.TypeInode {
		return fmt.Errorf("inode %d: key is held by a %s node", ino, node.typ)
	}
	mutable, err := t.cow(parent, node)
	if err != nil {
		return err
	}
	mutable.record = append([]byte(nil), record...)
	return nil
}

// DeleteInode removes an inode node and its entire subtree, releasing
// every durable block the subtree owns.
func (t *Tree) DeleteInode(ino Key) error {
	if err := t.checkMutable(); err != nil {
		return err
	}

	parent, err := t.mutableInodeParent(ino, false)
	if err != nil {
		return err
	}
	index := parent.findEntry(ino)
	if index < 0 {
		return fmt.Errorf("deleting inode %d: %w", ino, ErrNotFound)
	}

	node, err := t.materialize(parent, index)
	if err != nil {
		return err
	}
	if node.typ != block.TypeInode {
		return fmt.Errorf("deleting inode %d: target is a %s node", ino, node.typ)
	}

	if err := t.releaseSubtree(node); err != nil {
		return err
	}
	parent.removeEntry(index)
	return t.mergeUpward(parent)
}

// Freeze permanently stops further mutations through this view. Reads
// keep working.
func (t *Tree) Freeze() {
	t.frozen = true
}

// checkMutable rejects mutations on read-only or frozen views.
func (t *Tree) checkMutable() error {
	if t.config.TxnID == 0 {
		return fmt.Errorf("tree view is read-only")
	}
	if t.frozen {
		return fmt.Errorf("tree view is frozen")
	}
	return nil
}

// materialize ensures the child at parent.entries[index] is in
// memory, loading and decoding its block if needed. Concurrent
// readers may race to materialize the same edge of a shared clean
// node; the arena's load lock arbitrates.
func (t *Tree) materialize(parent *Node, index int) (*Node, error) {
	edge := &parent.entries[index]

	t.config.Arena.mu.Lock()
	if edge.child != nil {
		node := edge.child
		t.config.Arena.mu.Unlock()
		return node, nil
	}
	ref := edge.Ref
	t.config.Arena.mu.Unlock()

	payload, err := t.config.Store.ReadBlock(ref)
	if err != nil {
		return nil, err
	}
	node, err := decodeNode(payload, ref)
	if err != nil {
		return nil, err
	}
	if node.typ == block.TypeLeaf {
		// Leaf bodies carry no key of their own.
		node.key = edge.Key
	}

	t.config.Arena.mu.Lock()
	defer t.config.Arena.mu.Unlock()
	if edge.child != nil {
		// Another reader won the race; use its node and drop ours.
		return edge.child, nil
	}
	t.config.Arena.adoptLocked(node)
	edge.child = node
	return node, nil
}

// findInode descends the volume level to the inode node at ino,
// read-only.
func (t *Tree) findInode(ino Key) (*Node, error) {
	node := t.root
	for {
		index := node.routeEntry(ino)
		if index < 0 {
			return nil, fmt.Errorf("inode %d: %w", ino, ErrNotFound)
		}
		child, err := t.materialize(node, index)
		if err != nil {
			return nil, err
		}
		switch child.typ {
		case block.TypeIndex:
			node = child
		case block.TypeInode:
			if child.key != ino {
				return nil, fmt.Errorf("inode %d: %w", ino, ErrNotFound)
			}
			return child, nil
		default:
			return nil, fmt.Errorf("inode %d: volume level contains a %s node", ino, child.typ)
		}
	}
}

// findLeaf descends the full path to a leaf, read-only.
func (t *Tree) findLeaf(path Path) (*Node, error) {
	if len(path) == 0 {
		return nil, fmt.Errorf("empty key path")
	}

	subroot := t.root
	for _, ino := range path[:len(path)-1] {
		node, err := t.findInodeFrom(subroot, ino)
		if err != nil {
			return nil, err
		}
		subroot = node
	}

	key := path[len(path)-1]
	node := subroot
	for {
		index := node.routeEntry(key)
		if index < 0 {
			return nil, fmt.Errorf("key %d: %w", key, ErrNotFound)
		}
		child, err := t.materialize(node, index)
		if err != nil {
			return nil, err
		}
		switch child.typ {
		case block.TypeIndex:
			node = child
		case block.TypeLeaf:
			if child.key != key {
				return nil, fmt.Errorf("key %d: %w", key, ErrNotFound)
			}
			return child, nil
		default:
			return nil, fmt.Errorf("key %d: subtree contains a %s node", key, child.typ)
		}
	}
}

// findInodeFrom is findInode starting at an arbitrary subtree root.
func (t *Tree) findInodeFrom(subroot *Node, ino Key) (*Node, error) {
	saved := t.root
	t.root = subroot
	node, err := t.findInode(ino)
	t.root = saved
	return node, err
}

// rangeWalk visits leaves with keys in [lo, hi] under node in order.
// Returns false when fn stopped the walk.
func (t *Tree) rangeWalk(node *Node, lo, hi Key, fn func(Key, []byte) bool) (bool, error) {
	for index := range node.entries {
		// Skip subtrees entirely outside the range. An edge covers
		// keys from its own key up to the next edge's key. Only the
		// keys are read here: the child pointer is owned by the
		// materialize lock.
		if node.entries[index].Key > hi {
			break
		}
		if index+1 < len(node.entries) && node.entries[index+1].Key <= lo {
			continue
		}
		child, err := t.materialize(node, index)
		if err != nil {
			return false, err
		}
		switch child.typ {
		case block.TypeLeaf:
			if child.key < lo || child.key > hi {
				continue
			}
			if !fn(child.key, child.value) {
				return false, nil
			}
		case block.TypeIndex:
			keepGoing, err := t.rangeWalk(child, lo, hi, fn)
			if err != nil || !keepGoing {
				return keepGoing, err
			}
		default:
			return false, fmt.Errorf("range walk found a %s node inside a subtree", child.typ)
		}
	}
	return true, nil
}

// rangeInodeWalk visits inode nodes at the volume level in order.
func (t *Tree) rangeInodeWalk(node *Node, fn func(Key, []byte) bool) (bool, error) {
	for index := range node.entries {
		child, err := t.materialize(node, index)
		if err != nil {
			return false, err
		}
		switch child.typ {
		case block.TypeInode:
			if !fn(child.key, child.record) {
				return false, nil
			}
		case block.TypeIndex:
			keepGoing, err := t.rangeInodeWalk(child, fn)
			if err != nil || !keepGoing {
				return keepGoing, err
			}
		default:
			return false, fmt.Errorf("volume level contains a %s node", child.typ)
		}
	}
	return true, nil
}
