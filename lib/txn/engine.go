// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package txn

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/bureau-foundation/chainfs/lib/block"
	"github.com/bureau-foundation/chainfs/lib/chain"
	"github.com/bureau-foundation/chainfs/lib/compress"
	"github.com/bureau-foundation/chainfs/lib/freemap"
)

// CommitRecord is what a successful flush hands to the publish hook:
// everything the superblock needs to make the new version the
// mounted one.
type CommitRecord struct {
	// TxnID is the committing transaction.
	TxnID uint64

	// Root is the flushed volume root.
	Root block.Ref

	// FreemapRoot is the head block of the allocator snapshot written
	// during this commit. The snapshot lives in ordinary allocated
	// blocks; ReadFreemapSnapshot walks them at mount.
	FreemapRoot block.Ref
}

// EngineConfig configures an Engine.
type EngineConfig struct {
	// Store reads and writes blocks on the device.
	Store block.Store

	// Alloc is the volume's freemap allocator.
	Alloc *freemap.Allocator

	// Arena owns the in-memory tree nodes.
	Arena *chain.Arena

	// Root is the committed root reference from the superblock. Zero
	// on a freshly formatted volume.
	Root block.Ref

	// LastTxnID is the transaction counter from the superblock; new
	// transactions number upward from it.
	LastTxnID uint64

	// FreemapRefs are the blocks holding the allocator snapshot the
	// volume mounted from (head first, as ReadFreemapSnapshot returns
	// them). The first commit releases them once its own snapshot is
	// durable. Empty on a freshly formatted volume.
	FreemapRefs []block.Ref

	// PreferredCodec is the compression codec tried first for leaf
	// payloads. Defaults to zstd.
	PreferredCodec compress.Tag

	// Publish durably records a committed version. The record's blocks
	// (tree and freemap snapshot) are already synced when it runs; it
	// must write the superblock and sync before returning. An error
	// aborts the commit and the engine stays on the prior version.
	// Nil disables publication (volatile engine, used in tests).
	Publish func(ctx context.Context, record CommitRecord) error

	// Logger receives commit and abort events. Defaults to a
	// discarding logger.
	Logger *slog.Logger
}

// Engine serializes commits over one volume's chain tree and tracks
// the reader horizons that gate block reclamation. Safe for
// concurrent use; individual transactions are not.
type Engine struct {
	config EngineConfig
	logger *slog.Logger

	// commitMu serializes the commit pipeline: one flush-and-publish
	// at a time. It is held across device I/O, so nothing that serves
	// readers may wait on it; mu alone guards the fields below and is
	// never held while writing blocks. Lock order: commitMu before mu.
	commitMu sync.Mutex

	mu            sync.Mutex
	committedNode *chain.Node
	committedRef  block.Ref
	lastTxnID     uint64
	durableTxnID  uint64
	freemapRefs   []block.Ref
	snapshots     map[*Snapshot]uint64
	retired       []retiredSet
}

// retiredSet holds the in-memory node versions superseded by one
// commit. They stay resolvable until every snapshot that predates
// the commit has closed.
type retiredSet struct {
	txnID uint64
	nodes []*chain.Node
}

// NewEngine creates an engine over the given committed state,
// materializing the root node from the store when one exists.
func NewEngine(config EngineConfig) (*Engine, error) {
	if config.Store == nil || config.Alloc == nil || config.Arena == nil {
		return nil, fmt.Errorf("engine needs a store, an allocator, and an arena")
	}
	if config.PreferredCodec == compress.None {
		config.PreferredCodec = compress.Zstd
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	var root *chain.Node
	if config.Root.IsZero() {
		root = chain.NewRootNode(config.Arena)
	} else {
		var err error
		root, err = chain.LoadRoot(config.Store, config.Arena, config.Root)
		if err != nil {
			return nil, fmt.Errorf("loading committed root: %w", err)
		}
	}

	return &Engine{
		config:        config,
		logger:        logger,
		committedNode: root,
		committedRef:  config.Root,
		lastTxnID:     config.LastTxnID,
		durableTxnID:  config.LastTxnID,
		freemapRefs:   config.FreemapRefs,
		snapshots:     make(map[*Snapshot]uint64),
	}, nil
}

// Begin opens a transaction over the current committed version.
func (e *Engine) Begin() *Txn {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.lastTxnID++
	t := &Txn{
		engine: e,
		id:     e.lastTxnID,
		base:   e.committedNode,
		state:  StateOpen,
	}
	t.tree = chain.NewTree(chain.TreeConfig{
		Store:       e.config.Store,
		Arena:       e.config.Arena,
		Root:        e.committedNode,
		TxnID:       t.id,
		OnDirty:     t.admitDirty,
		OnRelease:   t.recordRelease,
		OnSupersede: t.recordSupersede,
	})
	return t
}

// Snapshot opens a read-only view of the current committed version.
// The caller must Close it; an open snapshot holds back both block
// reclamation and in-memory node recycling.
func (e *Engine) Snapshot() *Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.committedNode.Pin()
	s := &Snapshot{
		engine: e,
		root:   e.committedNode,
		ref:    e.committedRef,
		txnID:  e.durableTxnID,
	}
	e.snapshots[s] = s.txnID
	return s
}

// CommittedRoot returns the reference of the last committed root.
func (e *Engine) CommittedRoot() block.Ref {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.committedRef
}

// DurableTxn returns the newest transaction whose superblock is on
// the device.
func (e *Engine) DurableTxn() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.durableTxnID
}

// Horizons reports the durable-transaction horizon and the oldest
// open reader, in the shape the allocator's sweep wants.
func (e *Engine) Horizons() (durableTxn, oldestSnapshot uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.durableTxnID, e.oldestSnapshotLocked()
}

func (e *Engine) oldestSnapshotLocked() uint64 {
	oldest := e.durableTxnID
	for _, txnID := range e.snapshots {
		if txnID < oldest {
			oldest = txnID
		}
	}
	return oldest
}

// closeSnapshot detaches a snapshot and recycles any retired node
// versions it was the last reader of.
func (e *Engine) closeSnapshot(s *Snapshot) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, open := e.snapshots[s]; !open {
		return
	}
	delete(e.snapshots, s)
	s.root.Unpin()
	e.releaseRetiredLocked()
}

// releaseRetiredLocked recycles superseded in-memory nodes no open
// snapshot can still reach. Pinned nodes (snapshot roots) stay until
// their pins drop.
func (e *Engine) releaseRetiredLocked() {
	oldest := e.oldestSnapshotLocked()
	kept := e.retired[:0]
	for _, set := range e.retired {
		if set.txnID > oldest {
			kept = append(kept, set)
			continue
		}
		var pinned []*chain.Node
		for _, node := range set.nodes {
			if node.Handle().IsZero() {
				continue
			}
			if err := e.config.Arena.Release(node); err != nil {
				pinned = append(pinned, node)
			}
		}
		if len(pinned) > 0 {
			kept = append(kept, retiredSet{txnID: set.txnID, nodes: pinned})
		}
	}
	e.retired = kept
}
