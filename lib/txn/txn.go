// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package txn

import (
	"context"
	"fmt"

	"github.com/bureau-foundation/chainfs/lib/block"
	"github.com/bureau-foundation/chainfs/lib/chain"
	"github.com/bureau-foundation/chainfs/lib/compress"
	"github.com/bureau-foundation/chainfs/lib/freemap"
	"github.com/bureau-foundation/chainfs/lib/integrity"
)

// State is a transaction's lifecycle position.
type State int

const (
	// StateOpen accepts mutations.
	StateOpen State = iota + 1

	// StateStaged accepts no further mutations; the dirty set is
	// final and waiting for Commit.
	StateStaged

	// StateFlushing is writing dirty nodes to the device.
	StateFlushing

	// StateCommitted is durable; the transaction is finished.
	StateCommitted

	// StateAborted discarded its changes; the transaction is
	// finished.
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateStaged:
		return "staged"
	case StateFlushing:
		return "flushing"
	case StateCommitted:
		return "committed"
	case StateAborted:
		return "aborted"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Txn is one transaction. Not safe for concurrent use; run a
// transaction on a single goroutine and hand results across channels
// if needed.
type Txn struct {
	engine *Engine
	id     uint64
	base   *chain.Node
	tree   *chain.Tree
	state  State

	dirty      []*chain.Node
	superseded []*chain.Node
	releases   []block.Ref
	estimated  int64

	// Flush bookkeeping, for undo when the commit fails partway.
	reservedRefs []block.Ref
	reusedRefs   []block.Ref
	flushedNodes []*chain.Node
	lastAlloc    int64
}

// ID returns the transaction's identifier.
func (t *Txn) ID() uint64 { return t.id }

// State returns the transaction's lifecycle state.
func (t *Txn) State() State { return t.state }

// Tree returns the transaction's mutable view of the chain tree. All
// reads and writes inside the transaction go through it.
func (t *Txn) Tree() *chain.Tree { return t.tree }

// admitDirty is the tree's OnDirty hook: a soft space check against
// the worst-case flush cost of the new dirty node. Exact reservation
// happens at flush time when encoded sizes are known.
func (t *Txn) admitDirty(node *chain.Node) error {
	need := block.MaxClass.Size()
	if t.estimated+need > t.engine.config.Alloc.FreeBytes() {
		return fmt.Errorf("admitting modification: %w", freemap.ErrOutOfSpace)
	}
	t.estimated += need
	t.dirty = append(t.dirty, node)
	return nil
}

// recordRelease is the tree's OnRelease hook. Releases are queued and
// applied to the allocator only if the transaction commits.
func (t *Txn) recordRelease(ref block.Ref) {
	t.releases = append(t.releases, ref)
}

// recordSupersede is the tree's OnSupersede hook.
func (t *Txn) recordSupersede(node *chain.Node) {
	t.superseded = append(t.superseded, node)
}

// Stage closes the transaction to further mutations. The dirty set is
// final; only Commit or Abort may follow. Staging an already staged
// transaction is a no-op.
func (t *Txn) Stage() error {
	switch t.state {
	case StateOpen:
		t.tree.Freeze()
		t.state = StateStaged
		return nil
	case StateStaged:
		return nil
	default:
		return fmt.Errorf("staging a %s transaction", t.state)
	}
}

// Commit flushes the transaction's dirty nodes bottom-up, publishes
// the new root, and makes the version durable. On any error the
// transaction aborts: reservations return to the freemap and the
// engine stays on the previous committed version. A base-version
// mismatch (another transaction committed first) fails with
// chain.ErrConflict. Commits run one at a time; Begin and Snapshot
// never wait on a commit's device writes.
func (t *Txn) Commit(ctx context.Context) error {
	if t.state != StateOpen && t.state != StateStaged {
		return fmt.Errorf("committing a %s transaction", t.state)
	}

	e := t.engine
	e.commitMu.Lock()
	defer e.commitMu.Unlock()

	e.mu.Lock()
	if t.base != e.committedNode {
		t.abortLocked()
		e.mu.Unlock()
		return fmt.Errorf("base version superseded by transaction %d: %w",
			e.durableTxnID, chain.ErrConflict)
	}

	root := t.tree.Root()
	if !root.IsDirty() {
		// Nothing changed; there is no new version to publish.
		t.state = StateCommitted
		e.mu.Unlock()
		return nil
	}

	t.state = StateFlushing
	e.mu.Unlock()

	// The flush writes without the engine lock: the dirty set is
	// private to this transaction, and the allocator and store take
	// their own locks. Begin and Snapshot stay responsive while a
	// large flush is on the device; commitMu keeps a second commit
	// from interleaving with this one.
	if err := t.flush(ctx, root); err != nil {
		e.mu.Lock()
		defer e.mu.Unlock()
		t.undoFlushLocked()
		t.abortLocked()
		return fmt.Errorf("flushing transaction %d: %w", t.id, err)
	}

	if err := e.config.Store.FlushDurable(); err != nil {
		e.mu.Lock()
		defer e.mu.Unlock()
		t.undoFlushLocked()
		t.abortLocked()
		return fmt.Errorf("syncing transaction %d: %w", t.id, err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	// Superseded blocks move to pending-free now, before the freemap
	// snapshot, so the persisted image carries them and a crash after
	// publish leaks nothing. The pending entries are tagged with this
	// transaction, which the reclaim horizons hold back until a commit
	// at least this new is durable; a failure below withdraws them and
	// the blocks stay allocated for the prior version.
	alloc := e.config.Alloc
	var plain []block.Ref
	var shared []freemap.SharedRelease
	for _, ref := range t.releases {
		if ref.Type == block.TypeLeaf {
			shared = append(shared, alloc.ReleaseShared(ref, t.id))
		} else {
			alloc.Release(ref.Offset, ref.Class, t.id)
			plain = append(plain, ref)
		}
	}
	undoReleases := func() {
		for _, r := range shared {
			if err := alloc.UnreleaseShared(r); err != nil {
				e.logger.Warn("failed to withdraw shared release",
					"txn", t.id, "error", err)
			}
		}
		for _, ref := range plain {
			if err := alloc.Unrelease(ref.Offset, ref.Class, t.id); err != nil {
				e.logger.Warn("failed to withdraw release",
					"txn", t.id, "offset", ref.Offset, "error", err)
			}
		}
	}

	if e.config.Publish != nil {
		// The previous commit's freemap blocks become garbage the
		// moment this version publishes; release them ahead of the
		// snapshot for the same reason as above.
		priorFreemap := e.freemapRefs
		for _, ref := range priorFreemap {
			alloc.Release(ref.Offset, ref.Class, t.id)
		}
		undoPrior := func() {
			for _, ref := range priorFreemap {
				if err := alloc.Unrelease(ref.Offset, ref.Class, t.id); err != nil {
					e.logger.Warn("failed to withdraw freemap release",
						"txn", t.id, "offset", ref.Offset, "error", err)
				}
			}
		}

		headRef, freemapRefs, err := t.writeFreemapSnapshot()
		if err != nil {
			undoPrior()
			undoReleases()
			t.undoFlushLocked()
			t.abortLocked()
			return fmt.Errorf("persisting freemap for transaction %d: %w", t.id, err)
		}
		unreserveFreemap := func() {
			for _, ref := range freemapRefs {
				if uerr := alloc.Unreserve(ref.Offset, ref.Class); uerr != nil {
					e.logger.Warn("leaked freemap block",
						"txn", t.id, "offset", ref.Offset, "error", uerr)
				}
			}
		}

		if err := e.config.Store.FlushDurable(); err != nil {
			unreserveFreemap()
			undoPrior()
			undoReleases()
			t.undoFlushLocked()
			t.abortLocked()
			return fmt.Errorf("syncing freemap for transaction %d: %w", t.id, err)
		}

		record := CommitRecord{
			TxnID:       t.id,
			Root:        root.Ref(),
			FreemapRoot: headRef,
		}
		if err := e.config.Publish(ctx, record); err != nil {
			unreserveFreemap()
			undoPrior()
			undoReleases()
			t.undoFlushLocked()
			t.abortLocked()
			return fmt.Errorf("publishing transaction %d: %w", t.id, err)
		}
		e.freemapRefs = freemapRefs
	}

	if len(t.superseded) > 0 {
		e.retired = append(e.retired, retiredSet{txnID: t.id, nodes: t.superseded})
	}

	e.committedNode = root
	e.committedRef = root.Ref()
	e.durableTxnID = t.id
	t.state = StateCommitted
	e.releaseRetiredLocked()

	e.logger.Info("transaction committed",
		"txn", t.id,
		"root", root.Ref().Offset,
		"dirty_nodes", len(t.flushedNodes),
		"released_blocks", len(t.releases))
	return nil
}

// Abort discards the transaction's changes. The committed version is
// untouched; the transaction's clones are recycled.
func (t *Txn) Abort() error {
	if t.state != StateOpen && t.state != StateStaged {
		return fmt.Errorf("aborting a %s transaction", t.state)
	}
	e := t.engine
	e.mu.Lock()
	defer e.mu.Unlock()
	t.abortLocked()
	return nil
}

func (t *Txn) abortLocked() {
	for _, node := range t.dirty {
		if node.Handle().IsZero() {
			// Already recycled by a merge or collapse.
			continue
		}
		if err := t.engine.config.Arena.Release(node); err != nil {
			t.engine.logger.Warn("leaked node on abort", "txn", t.id, "error", err)
		}
	}
	t.dirty = nil
	t.releases = nil
	t.superseded = nil
	t.state = StateAborted
	t.engine.logger.Info("transaction aborted", "txn", t.id)
}

// flush writes every dirty node reachable from root, children before
// parents, using an explicit stack. Honors ctx between nodes so a
// large flush can be cancelled cleanly.
func (t *Txn) flush(ctx context.Context, root *chain.Node) error {
	type frame struct {
		node     *chain.Node
		children []*chain.Node
		next     int
	}
	stack := []frame{{node: root, children: root.DirtyChildren()}}
	for len(stack) > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		top := &stack[len(stack)-1]
		if top.next < len(top.children) {
			child := top.children[top.next]
			top.next++
			stack = append(stack, frame{node: child, children: child.DirtyChildren()})
			continue
		}
		if err := t.flushNode(top.node); err != nil {
			return err
		}
		stack = stack[:len(stack)-1]
	}
	return nil
}

// flushNode encodes and writes one dirty node. Leaves go through the
// dedup index and the compression codecs; index and inode nodes are
// stored uncompressed so recovery and inspection never depend on a
// codec to walk the tree.
func (t *Txn) flushNode(node *chain.Node) error {
	payload, err := node.EncodeBody()
	if err != nil {
		return err
	}
	if prior := node.PriorRef(); !prior.IsZero() {
		t.releases = append(t.releases, prior)
	}

	alloc := t.engine.config.Alloc

	var fingerprint integrity.Digest
	stored := payload
	codec := compress.None
	if node.Type() == block.TypeLeaf {
		fingerprint = integrity.Fingerprint(payload)
		if ref, ok := alloc.DedupReuse(fingerprint); ok {
			node.MarkFlushed(ref)
			t.reusedRefs = append(t.reusedRefs, ref)
			t.flushedNodes = append(t.flushedNodes, node)
			return nil
		}
		stored, codec, err = compress.Auto(payload, t.engine.config.PreferredCodec)
		if err != nil {
			return fmt.Errorf("compressing leaf for key %d: %w", node.Key(), err)
		}
	}

	class, err := block.ClassFor(len(stored))
	if err != nil {
		return err
	}
	hint := t.lastAlloc
	if prior := node.PriorRef(); !prior.IsZero() {
		hint = prior.Offset
	}
	offset, err := alloc.Reserve(class, hint)
	if err != nil {
		return fmt.Errorf("reserving %s block: %w", node.Type(), err)
	}
	t.lastAlloc = offset

	ref := block.Ref{
		Offset:      offset,
		Class:       class,
		Type:        node.Type(),
		Codec:       codec,
		TxnID:       t.id,
		StoredSize:  uint32(len(stored)),
		LogicalSize: uint32(len(payload)),
		Checksum:    integrity.Checksum(payload),
	}
	if err := t.engine.config.Store.WriteBlock(ref, stored); err != nil {
		if uerr := alloc.Unreserve(offset, class); uerr != nil {
			t.engine.logger.Warn("leaked reservation after write failure",
				"txn", t.id, "offset", offset, "error", uerr)
		}
		return err
	}
	t.reservedRefs = append(t.reservedRefs, ref)
	if node.Type() == block.TypeLeaf {
		alloc.DedupRecord(fingerprint, ref)
	}
	node.MarkFlushed(ref)
	t.flushedNodes = append(t.flushedNodes, node)
	return nil
}

// undoFlushLocked returns every reservation a failed commit made and
// unwinds the dedup share counts it took.
func (t *Txn) undoFlushLocked() {
	alloc := t.engine.config.Alloc
	for _, ref := range t.reservedRefs {
		if ref.Type == block.TypeLeaf {
			alloc.DedupForget(ref)
		}
		if err := alloc.Unreserve(ref.Offset, ref.Class); err != nil {
			t.engine.logger.Warn("leaked reservation on abort",
				"txn", t.id, "offset", ref.Offset, "error", err)
		}
	}
	for _, ref := range t.reusedRefs {
		alloc.ReleaseShared(ref, t.id)
	}
	t.reservedRefs = nil
	t.reusedRefs = nil
	t.flushedNodes = nil
}
