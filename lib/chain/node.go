// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package chain

import (
	"fmt"
	"sync/atomic"

	"github.com/bureau-foundation/chainfs/lib/block"
	"github.com/bureau-foundation/chainfs/lib/codec"
)

// Key is a 64-bit tree key. Keys are unique within a parent's child
// set and ordered ascending.
type Key uint64

// MaxFanout is the largest child count of an index or inode node;
// inserting beyond it splits the node. MinFanout is the smallest
// child count of a non-root node; deleting below it merges.
const (
	MaxFanout = 64
	MinFanout = MaxFanout / 4
)

// MaxValueSize is the largest leaf payload. Bounded so that a leaf
// body always fits the largest block size class even after CBOR
// framing and with incompressible data.
const MaxValueSize = 48 * 1024

// Edge is one ordered child reference within an index or inode node.
// Ref is the child's durable block reference (zero while the child
// exists only in memory); child is the materialized in-memory node
// (nil while the child exists only on media). At least one of the two
// is always set.
type Edge struct {
	Key   Key
	Ref   block.Ref
	child *Node
}

// Node is one versioned node of the chain tree. Exactly one parent
// edge points at a node at any time (strict hierarchy); transient
// pins keep it in memory without owning it.
type Node struct {
	handle Handle
	typ    block.Type

	// key is the key this node is indexed under in its parent. For
	// leaves it is the payload key; for inode nodes the inode number.
	key Key

	// entries are the ordered children (index and inode nodes).
	entries []Edge

	// value is the leaf payload (leaf nodes only).
	value []byte

	// record is the opaque inode record (inode nodes only). The chain
	// layer never interprets it; lib/inode owns its schema.
	record []byte

	// ref is the node's durable block reference, zero while the node
	// is unflushed. priorRef is the reference this version superseded,
	// released pending-free when the superseding transaction commits.
	ref      block.Ref
	priorRef block.Ref

	// dirty marks membership in txnID's dirty set.
	dirty bool
	txnID uint64

	// parent is maintained only while the node is dirty and private
	// to its transaction. On clean shared nodes the field is stale
	// and never read: each transaction tracks its own path through
	// the ancestors it has cloned.
	parent *Node

	pins atomic.Int32
}

// Type returns the node's block type.
func (n *Node) Type() block.Type { return n.typ }

// Key returns the key the node is indexed under in its parent.
func (n *Node) Key() Key { return n.key }

// Ref returns the node's durable block reference (zero if unflushed).
func (n *Node) Ref() block.Ref { return n.ref }

// IsDirty reports whether the node belongs to an uncommitted
// transaction's dirty set.
func (n *Node) IsDirty() bool { return n.dirty }

// Handle returns the node's arena handle.
func (n *Node) Handle() Handle { return n.handle }

// EntryCount returns the number of child edges.
func (n *Node) EntryCount() int { return len(n.entries) }

// Record returns the inode record payload of an inode node.
func (n *Node) Record() []byte { return n.record }

// Value returns the payload of a leaf node.
func (n *Node) Value() []byte { return n.value }

// Pin increments the node's holder count, keeping it in memory. Pins
// express a borrowed relation: they prevent reclamation but confer no
// ownership and no right to mutate.
func (n *Node) Pin() { n.pins.Add(1) }

// Unpin releases one holder count.
func (n *Node) Unpin() {
	if n.pins.Add(-1) < 0 {
		panic("chain: node unpinned below zero")
	}
}

// findEntry returns the index of the edge with exactly this key, or
// -1. Entries are ordered by key, so this is a binary search.
func (n *Node) findEntry(key Key) int {
	lo, hi := 0, len(n.entries)
	for lo < hi {
		mid := (lo + hi) / 2
		switch {
		case n.entries[mid].Key == key:
			return mid
		case n.entries[mid].Key < key:
			lo = mid + 1
		default:
			hi = mid
		}
	}
	return -1
}

// routeEntry returns the index of the edge whose subtree covers key:
// the greatest edge key ≤ key. Returns -1 when every edge key is
// greater (the key would belong before the first child).
func (n *Node) routeEntry(key Key) int {
	lo, hi := 0, len(n.entries)
	for lo < hi {
		mid := (lo + hi) / 2
		if n.entries[mid].Key <= key {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo - 1
}

// insertEntry splices an edge into the ordered entry set. The key
// must not already be present.
func (n *Node) insertEntry(edge Edge) {
	position := n.routeEntry(edge.Key) + 1
	n.entries = append(n.entries, Edge{})
	copy(n.entries[position+1:], n.entries[position:])
	n.entries[position] = edge
}

// removeEntry removes the edge at the given index.
func (n *Node) removeEntry(index int) {
	n.entries = append(n.entries[:index], n.entries[index+1:]...)
}

// childIndex finds the edge holding the given materialized child, or
// -1 if no edge points at it.
func (n *Node) childIndex(child *Node) int {
	for index := range n.entries {
		if n.entries[index].child == child {
			return index
		}
	}
	return -1
}

// Node body encoding. Index and inode bodies are CBOR; the
// deterministic encoding guarantees a node's checksum is a pure
// function of its logical content.

type encodedEdge struct {
	Key uint64 `cbor:"key"`
	Ref []byte `cbor:"ref"`
}

type nodeBody struct {
	Key     uint64        `cbor:"key"`
	Entries []encodedEdge `cbor:"entries,omitempty"`
	Record  []byte        `cbor:"record,omitempty"`
}

// EncodeBody serializes the node's body for writing. Leaf bodies are
// the raw value bytes with no framing: a leaf's key lives on its
// parent edge, so two leaves with equal content produce equal bodies
// and deduplicate regardless of where they sit in the tree. Index and
// inode bodies are CBOR. Every child must already have a durable
// reference: the flush walk is children-first precisely so that a
// parent's body embeds its children's finalized references and
// checksums.
func (n *Node) EncodeBody() ([]byte, error) {
	if n.typ == block.TypeLeaf {
		return n.value, nil
	}

	body := nodeBody{Key: uint64(n.key)}
	switch n.typ {
	case block.TypeInode:
		body.Record = n.record
		fallthrough
	case block.TypeIndex:
		body.Entries = make([]encodedEdge, len(n.entries))
		for i, edge := range n.entries {
			if edge.Ref.IsZero() {
				return nil, fmt.Errorf("encoding %s node key %d: child %d has no durable reference", n.typ, n.key, edge.Key)
			}
			body.Entries[i] = encodedEdge{Key: uint64(edge.Key), Ref: edge.Ref.Encode()}
		}
	default:
		return nil, fmt.Errorf("encoding node with unexpected type %s", n.typ)
	}

	data, err := codec.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encoding %s node key %d: %w", n.typ, n.key, err)
	}
	return data, nil
}

// decodeNode builds an in-memory node from a block payload read from
// the store. The ref supplies the type tag and becomes the node's
// durable reference. Leaf payloads are opaque; the caller assigns the
// leaf key from the parent edge.
func decodeNode(payload []byte, ref block.Ref) (*Node, error) {
	if ref.Type == block.TypeLeaf {
		return &Node{typ: block.TypeLeaf, value: payload, ref: ref}, nil
	}

	var body nodeBody
	if err := codec.Unmarshal(payload, &body); err != nil {
		return nil, fmt.Errorf("decoding %s node: %w", ref.Type, err)
	}

	node := &Node{
		typ: ref.Type,
		key: Key(body.Key),
		ref: ref,
	}
	switch ref.Type {
	case block.TypeInode:
		node.record = body.Record
		fallthrough
	case block.TypeIndex:
		node.entries = make([]Edge, len(body.Entries))
		previous := Key(0)
		for i, encoded := range body.Entries {
			childRef, err := block.DecodeRef(encoded.Ref)
			if err != nil {
				return nil, fmt.Errorf("decoding %s node key %d child %d: %w", ref.Type, body.Key, encoded.Key, err)
			}
			key := Key(encoded.Key)
			if i > 0 && key <= previous {
				return nil, fmt.Errorf("decoding %s node key %d: child keys out of order", ref.Type, body.Key)
			}
			previous = key
			node.entries[i] = Edge{Key: key, Ref: childRef}
		}
	default:
		return nil, fmt.Errorf("decoding node with unexpected type %s", ref.Type)
	}
	return node, nil
}
