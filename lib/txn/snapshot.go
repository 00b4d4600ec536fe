// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package txn

import (
	"github.com/bureau-foundation/chainfs/lib/block"
	"github.com/bureau-foundation/chainfs/lib/chain"
)

// Snapshot is a stable read-only view of one committed version.
// Blocks the snapshot can reach stay allocated until it closes, even
// if later transactions delete or rewrite them.
type Snapshot struct {
	engine *Engine
	root   *chain.Node
	ref    block.Ref
	txnID  uint64
}

// TxnID returns the committed transaction this snapshot observes.
func (s *Snapshot) TxnID() uint64 { return s.txnID }

// Root returns the snapshot's root reference.
func (s *Snapshot) Root() block.Ref { return s.ref }

// View returns a read-only tree over the snapshot. Views are cheap;
// callers running concurrent reads take one view per goroutine.
func (s *Snapshot) View() *chain.Tree {
	return chain.NewTree(chain.TreeConfig{
		Store: s.engine.config.Store,
		Arena: s.engine.config.Arena,
		Root:  s.root,
	})
}

// Close releases the snapshot's hold on reclamation. Closing twice is
// harmless.
func (s *Snapshot) Close() {
	s.engine.closeSnapshot(s)
}
