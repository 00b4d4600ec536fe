// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package chain

import (
	"fmt"

	"github.com/bureau-foundation/chainfs/lib/block"
)

// cow returns a mutable version of node, spliced into the
// transaction-local parent in place of the original. parent must be
// dirty (cloned earlier on this descent) and nil exactly when node is
// the working root. Dirty nodes owned by this transaction are returned
// as-is; clean nodes are cloned. The clean original is never written:
// it stays shared with snapshot readers and with other open
// transactions, each of which splices its own clone into its own
// private ancestors.
func (t *Tree) cow(parent, node *Node) (*Node, error) {
	if node.dirty {
		if node.txnID != t.config.TxnID {
			return nil, fmt.Errorf("node for key %d is dirty in transaction %d: %w",
				node.key, node.txnID, ErrConflict)
		}
		return node, nil
	}

	// Concurrent readers cache materialized children into the shared
	// original's edges under the arena lock; the copy takes the same
	// lock so it never observes a half-written edge.
	t.config.Arena.mu.Lock()
	entries := append([]Edge(nil), node.entries...)
	t.config.Arena.mu.Unlock()

	clone := &Node{
		typ:      node.typ,
		key:      node.key,
		entries:  entries,
		value:    append([]byte(nil), node.value...),
		record:   append([]byte(nil), node.record...),
		priorRef: node.ref,
		dirty:    true,
		txnID:    t.config.TxnID,
		parent:   parent,
	}
	t.config.Arena.adopt(clone)
	if err := t.config.OnDirty(clone); err != nil {
		_ = t.config.Arena.Release(clone)
		return nil, err
	}

	if parent != nil {
		index := parent.childIndex(node)
		if index < 0 {
			return nil, fmt.Errorf("node for key %d is not linked from its parent", node.key)
		}
		parent.entries[index].child = clone
	} else {
		t.root = clone
		t.config.OnRootChange(clone)
	}
	t.config.OnSupersede(node)
	return clone, nil
}

// mutableInodeParent descends the volume level, copy-on-write, to the
// node that holds (or would hold) the edge for inode ino.
func (t *Tree) mutableInodeParent(ino Key, creating bool) (*Node, error) {
	root, err := t.cow(nil, t.root)
	if err != nil {
		return nil, err
	}
	return t.descendForKey(root, ino, creating)
}

// mutableLeafParent descends the full path, copy-on-write, to the
// node that holds (or would hold) the edge for the leaf at the final
// path element. Intermediate elements must name existing inodes.
func (t *Tree) mutableLeafParent(path Path, creating bool) (*Node, error) {
	if len(path) == 0 {
		return nil, fmt.Errorf("empty key path")
	}
	node, err := t.cow(nil, t.root)
	if err != nil {
		return nil, err
	}
	for _, ino := range path[:len(path)-1] {
		parent, err := t.descendForKey(node, ino, false)
		if err != nil {
			return nil, err
		}
		index := parent.findEntry(ino)
		if index < 0 {
			return nil, fmt.Errorf("inode %d: %w", ino, ErrNotFound)
		}
		child, err := t.materialize(parent, index)
		if err != nil {
			return nil, err
		}
		if child.typ != block.TypeInode {
			return nil, fmt.Errorf("inode %d: key is held by a %s node", ino, child.typ)
		}
		node, err = t.cow(parent, child)
		if err != nil {
			return nil, err
		}
	}
	return t.descendForKey(node, path[len(path)-1], creating)
}

// descendForKey walks from a dirty subtree root down through index
// nodes to the direct parent of key's slot, cloning as it goes. When
// creating and key sorts below every existing edge, the leftmost edge
// keys along the descent are lowered to key so routing finds the new
// entry afterward.
func (t *Tree) descendForKey(node *Node, key Key, creating bool) (*Node, error) {
	for {
		index := node.routeEntry(key)
		if index < 0 {
			if len(node.entries) == 0 {
				return node, nil
			}
			index = 0
		}
		child, err := t.materialize(node, index)
		if err != nil {
			return nil, err
		}
		if child.typ != block.TypeIndex {
			return node, nil
		}
		mutable, err := t.cow(node, child)
		if err != nil {
			return nil, err
		}
		if creating && key < node.entries[index].Key {
			node.entries[index].Key = key
			mutable.key = key
		}
		node = mutable
	}
}

// splitUpward restores the fanout bound after an insert, walking from
// the insertion node toward the root. Ordinary index nodes split into
// a sibling pair; subtree roots (the volume root and inode nodes)
// stay in place and push their entries down into two new index
// children instead.
func (t *Tree) splitUpward(node *Node) error {
	for node != nil && len(node.entries) > MaxFanout {
		if node.parent == nil || node.typ == block.TypeInode {
			if err := t.pushDown(node); err != nil {
				return err
			}
			return nil
		}

		mid := len(node.entries) / 2
		sibling := &Node{
			typ:     block.TypeIndex,
			key:     node.entries[mid].Key,
			entries: append([]Edge(nil), node.entries[mid:]...),
			dirty:   true,
			txnID:   t.config.TxnID,
			parent:  node.parent,
		}
		repointDirtyChildren(sibling)
		node.entries = append([]Edge(nil), node.entries[:mid]...)

		t.config.Arena.adopt(sibling)
		if err := t.config.OnDirty(sibling); err != nil {
			return err
		}
		node.parent.insertEntry(Edge{Key: sibling.key, child: sibling})
		node = node.parent
	}
	return nil
}

// pushDown converts an overfull subtree root into a root with two
// index children holding its former entries.
func (t *Tree) pushDown(node *Node) error {
	mid := len(node.entries) / 2
	halves := [2][]Edge{
		append([]Edge(nil), node.entries[:mid]...),
		append([]Edge(nil), node.entries[mid:]...),
	}
	edges := make([]Edge, 0, 2)
	for _, half := range halves {
		child := &Node{
			typ:     block.TypeIndex,
			key:     half[0].Key,
			entries: half,
			dirty:   true,
			txnID:   t.config.TxnID,
			parent:  node,
		}
		repointDirtyChildren(child)
		t.config.Arena.adopt(child)
		if err := t.config.OnDirty(child); err != nil {
			return err
		}
		edges = append(edges, Edge{Key: child.key, child: child})
	}
	node.entries = edges
	return nil
}

// repointDirtyChildren updates the parent pointer of every dirty child
// after edges moved between nodes. Clean children are shared and left
// alone.
func repointDirtyChildren(node *Node) {
	for index := range node.entries {
		if child := node.entries[index].child; child != nil && child.dirty {
			child.parent = node
		}
	}
}

// mergeUpward restores the minimum fanout after a delete, walking
// from the deletion node toward the root. Emptied nodes are unlinked;
// underfull nodes merge with or borrow from a sibling; a subtree root
// left with a single index child absorbs it.
func (t *Tree) mergeUpward(node *Node) error {
	for node != nil {
		parent := node.parent
		isSubtreeRoot := parent == nil || node.typ == block.TypeInode

		if isSubtreeRoot {
			return t.collapseRoot(node)
		}

		if len(node.entries) == 0 {
			index := parent.childIndex(node)
			if index < 0 {
				return fmt.Errorf("emptied node for key %d is not linked from its parent", node.key)
			}
			parent.removeEntry(index)
			if err := t.releaseNode(node); err != nil {
				return err
			}
			node = parent
			continue
		}

		if len(node.entries) >= MinFanout {
			return nil
		}

		done, err := t.rebalance(node)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
		node = parent
	}
	return nil
}

// collapseRoot absorbs a single index child into a subtree root, so
// deletes do not leave chains of one-child index levels behind.
func (t *Tree) collapseRoot(node *Node) error {
	for len(node.entries) == 1 {
		child, err := t.materialize(node, 0)
		if err != nil {
			return err
		}
		if child.typ != block.TypeIndex {
			return nil
		}
		mutable, err := t.cow(node, child)
		if err != nil {
			return err
		}
		node.entries = mutable.entries
		repointDirtyChildren(node)
		mutable.entries = nil
		if err := t.releaseNode(mutable); err != nil {
			return err
		}
	}
	return nil
}

// rebalance fixes an underfull non-root index node by merging with a
// sibling when the combined entries fit, or borrowing one edge from a
// richer sibling otherwise. Returns true when the parent needs no
// further attention.
func (t *Tree) rebalance(node *Node) (bool, error) {
	parent := node.parent
	index := parent.childIndex(node)
	if index < 0 {
		return false, fmt.Errorf("underfull node for key %d is not linked from its parent", node.key)
	}

	siblingIndex := index - 1
	if siblingIndex < 0 {
		siblingIndex = index + 1
	}
	if siblingIndex >= len(parent.entries) {
		// Only child of its parent; let the walk continue upward.
		return false, nil
	}

	sibling, err := t.materialize(parent, siblingIndex)
	if err != nil {
		return false, err
	}
	if sibling.typ != block.TypeIndex {
		// Siblings at this level are leaves or inodes; nothing to
		// merge with.
		return true, nil
	}
	sibling, err = t.cow(parent, sibling)
	if err != nil {
		return false, err
	}

	left, right := node, sibling
	leftIndex := index
	if siblingIndex < index {
		left, right = sibling, node
		leftIndex = siblingIndex
	}

	if len(left.entries)+len(right.entries) <= MaxFanout {
		left.entries = append(left.entries, right.entries...)
		repointDirtyChildren(left)
		right.entries = nil
		parent.removeEntry(leftIndex + 1)
		if err := t.releaseNode(right); err != nil {
			return false, err
		}
		// The parent lost an edge and may now be underfull itself.
		return false, nil
	}

	// Borrow one edge from the richer side.
	if len(left.entries) > len(right.entries) {
		moved := left.entries[len(left.entries)-1]
		left.entries = left.entries[:len(left.entries)-1]
		right.insertEntry(moved)
		if child := moved.child; child != nil && child.dirty {
			child.parent = right
		}
		right.key = right.entries[0].Key
		parent.entries[leftIndex+1].Key = right.key
	} else {
		moved := right.entries[0]
		right.removeEntry(0)
		left.insertEntry(moved)
		if child := moved.child; child != nil && child.dirty {
			child.parent = left
		}
		right.key = right.entries[0].Key
		parent.entries[leftIndex+1].Key = right.key
	}
	return true, nil
}

// releaseNode drops a node from the tree, reporting its durable
// block (if any) to OnRelease. Dirty nodes are private to this
// transaction and recycle their arena slot immediately; clean nodes
// stay untouched for snapshot readers and are handed to OnSupersede
// for deferred retirement.
func (t *Tree) releaseNode(node *Node) error {
	if !node.dirty {
		if !node.ref.IsZero() {
			t.config.OnRelease(node.ref)
		}
		t.config.OnSupersede(node)
		return nil
	}
	if !node.priorRef.IsZero() {
		t.config.OnRelease(node.priorRef)
	}
	return t.config.Arena.Release(node)
}

// releaseSubtree drops a node and everything below it. Clean subtrees
// are walked by reference so the shared in-memory nodes are never
// mutated; dirty nodes recurse through their live edges.
func (t *Tree) releaseSubtree(node *Node) error {
	if !node.dirty {
		if err := t.releaseRefTree(node.ref); err != nil {
			return err
		}
		t.config.OnSupersede(node)
		return nil
	}
	for index := range node.entries {
		edge := node.entries[index]
		if edge.child != nil {
			if err := t.releaseSubtree(edge.child); err != nil {
				return err
			}
			continue
		}
		if err := t.releaseRefTree(edge.Ref); err != nil {
			return err
		}
	}
	node.entries = nil
	return t.releaseNode(node)
}

// releaseRefTree releases a durable subtree by reference, walking
// stored index and inode blocks to find nested references.
func (t *Tree) releaseRefTree(ref block.Ref) error {
	if ref.IsZero() {
		return nil
	}
	if ref.Type != block.TypeLeaf {
		payload, err := t.config.Store.ReadBlock(ref)
		if err != nil {
			return err
		}
		node, err := decodeNode(payload, ref)
		if err != nil {
			return err
		}
		for _, edge := range node.entries {
			if err := t.releaseRefTree(edge.Ref); err != nil {
				return err
			}
		}
	}
	t.config.OnRelease(ref)
	return nil
}
