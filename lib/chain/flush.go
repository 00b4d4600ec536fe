// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package chain

import (
	"fmt"

	"github.com/bureau-foundation/chainfs/lib/block"
)

// Flush support. The transaction engine walks dirty nodes bottom-up,
// writes each one, and marks it flushed; these methods are the
// tree-side half of that protocol.

// LoadRoot reads and decodes the node at ref and adopts it into the
// arena as a tree root. Used at mount to materialize the committed
// root from the superblock.
func LoadRoot(store block.Store, arena *Arena, ref block.Ref) (*Node, error) {
	payload, err := store.ReadBlock(ref)
	if err != nil {
		return nil, fmt.Errorf("reading root block: %w", err)
	}
	node, err := decodeNode(payload, ref)
	if err != nil {
		return nil, fmt.Errorf("decoding root block: %w", err)
	}
	arena.adopt(node)
	return node, nil
}

// DirtyChildren returns the materialized children of n that are
// dirty. Children still on disk are clean by definition.
func (n *Node) DirtyChildren() []*Node {
	var dirty []*Node
	for index := range n.entries {
		if child := n.entries[index].child; child != nil && child.dirty {
			dirty = append(dirty, child)
		}
	}
	return dirty
}

// PriorRef returns the durable block this dirty node superseded, or
// the zero Ref for nodes created inside the transaction.
func (n *Node) PriorRef() block.Ref { return n.priorRef }

// MarkFlushed records the node's new durable reference, clears the
// dirty flag, and patches the parent edge so the parent's own
// encoding sees the child's final address. Children must be flushed
// before their parents.
func (n *Node) MarkFlushed(ref block.Ref) {
	n.ref = ref
	n.priorRef = block.Ref{}
	n.dirty = false
	n.txnID = 0
	if n.parent != nil {
		if index := n.parent.childIndex(n); index >= 0 {
			n.parent.entries[index].Ref = ref
		}
	}
}
