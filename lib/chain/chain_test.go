// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package chain

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/bureau-foundation/chainfs/lib/block"
	"github.com/bureau-foundation/chainfs/lib/compress"
	"github.com/bureau-foundation/chainfs/lib/integrity"
)

// memStore keeps logical block payloads in a map keyed by offset. It
// skips the device-level framing; the tree only needs ReadBlock to
// return what WriteBlock stored.
type memStore struct {
	mu     sync.Mutex
	blocks map[int64][]byte
	next   int64
}

func newMemStore() *memStore {
	return &memStore{blocks: make(map[int64][]byte), next: 1 << 16}
}

func (s *memStore) alloc() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	offset := s.next
	s.next += 1 << 16
	return offset
}

func (s *memStore) ReadBlock(ref block.Ref) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	payload, ok := s.blocks[ref.Offset]
	if !ok {
		return nil, fmt.Errorf("no block at offset %d", ref.Offset)
	}
	return append([]byte(nil), payload...), nil
}

func (s *memStore) WriteBlock(ref block.Ref, stored []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blocks[ref.Offset] = append([]byte(nil), stored...)
	return nil
}

func (s *memStore) FlushDurable() error { return nil }

// flushTree writes every dirty node bottom-up, the way the
// transaction engine does, so the tree's root becomes a clean
// committed version.
func flushTree(t *testing.T, store *memStore, tree *Tree, txnID uint64) {
	t.Helper()
	flushNode(t, store, tree.Root(), txnID)
}

func flushNode(t *testing.T, store *memStore, node *Node, txnID uint64) {
	t.Helper()
	for _, child := range node.DirtyChildren() {
		flushNode(t, store, child, txnID)
	}
	if !node.IsDirty() {
		return
	}
	payload, err := node.EncodeBody()
	if err != nil {
		t.Fatalf("encoding node body: %v", err)
	}
	class, err := block.ClassFor(len(payload))
	if err != nil {
		t.Fatalf("sizing node body: %v", err)
	}
	ref := block.Ref{
		Offset:      store.alloc(),
		Class:       class,
		Type:        node.Type(),
		Codec:       compress.None,
		TxnID:       txnID,
		StoredSize:  uint32(len(payload)),
		LogicalSize: uint32(len(payload)),
		Checksum:    integrity.Checksum(payload),
	}
	if err := store.WriteBlock(ref, payload); err != nil {
		t.Fatalf("writing node block: %v", err)
	}
	node.MarkFlushed(ref)
}

func newTestTree(store *memStore, arena *Arena, root *Node, txnID uint64) *Tree {
	return NewTree(TreeConfig{
		Store: store,
		Arena: arena,
		Root:  root,
		TxnID: txnID,
	})
}

func TestInsertLookup(t *testing.T) {
	store := newMemStore()
	arena := NewArena()
	tree := newTestTree(store, arena, NewRootNode(arena), 1)

	// Insert in a scrambled order so routing is exercised on both
	// sides of existing entries.
	const count = 200
	for i := range count {
		key := Key((i * 37) % count)
		value := []byte(fmt.Sprintf("value-%d", key))
		if err := tree.Insert(Path{key}, value); err != nil {
			t.Fatalf("inserting key %d: %v", key, err)
		}
	}

	for i := range count {
		key := Key(i)
		got, err := tree.Get(Path{key})
		if err != nil {
			t.Fatalf("looking up key %d: %v", key, err)
		}
		want := fmt.Sprintf("value-%d", key)
		if string(got) != want {
			t.Errorf("key %d: got %q, want %q", key, got, want)
		}
	}

	if _, err := tree.Get(Path{count + 5}); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing key: got %v, want ErrNotFound", err)
	}
}

func TestInsertDuplicate(t *testing.T) {
	store := newMemStore()
	arena := NewArena()
	tree := newTestTree(store, arena, NewRootNode(arena), 1)

	if err := tree.Insert(Path{7}, []byte("first")); err != nil {
		t.Fatalf("first insert: %v", err)
	}
	if err := tree.Insert(Path{7}, []byte("second")); !errors.Is(err, ErrExists) {
		t.Errorf("duplicate insert: got %v, want ErrExists", err)
	}
	got, err := tree.Get(Path{7})
	if err != nil {
		t.Fatalf("lookup after duplicate insert: %v", err)
	}
	if string(got) != "first" {
		t.Errorf("value after duplicate insert: got %q, want %q", got, "first")
	}
}

func TestUpdateAndDelete(t *testing.T) {
	store := newMemStore()
	arena := NewArena()
	tree := newTestTree(store, arena, NewRootNode(arena), 1)

	if err := tree.Insert(Path{10}, []byte("before")); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := tree.Update(Path{10}, []byte("after")); err != nil {
		t.Fatalf("update: %v", err)
	}
	got, err := tree.Get(Path{10})
	if err != nil {
		t.Fatalf("lookup after update: %v", err)
	}
	if string(got) != "after" {
		t.Errorf("value after update: got %q, want %q", got, "after")
	}

	if err := tree.Update(Path{11}, []byte("x")); !errors.Is(err, ErrNotFound) {
		t.Errorf("updating missing key: got %v, want ErrNotFound", err)
	}

	if err := tree.Delete(Path{10}); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := tree.Get(Path{10}); !errors.Is(err, ErrNotFound) {
		t.Errorf("lookup after delete: got %v, want ErrNotFound", err)
	}
	if err := tree.Delete(Path{10}); !errors.Is(err, ErrNotFound) {
		t.Errorf("double delete: got %v, want ErrNotFound", err)
	}
}

func TestSplitMergeLargeKeySet(t *testing.T) {
	store := newMemStore()
	arena := NewArena()
	tree := newTestTree(store, arena, NewRootNode(arena), 1)

	// Enough keys to force the root push-down and several interior
	// splits. Descending order also exercises leftmost inserts.
	const count = 1500
	for i := count - 1; i >= 0; i-- {
		key := Key(i * 3)
		if err := tree.Insert(Path{key}, []byte(fmt.Sprintf("v%d", key))); err != nil {
			t.Fatalf("inserting key %d: %v", key, err)
		}
	}
	if got := tree.Root().EntryCount(); got > MaxFanout {
		t.Fatalf("root fanout after inserts: %d exceeds %d", got, MaxFanout)
	}
	for i := range count {
		key := Key(i * 3)
		got, err := tree.Get(Path{key})
		if err != nil {
			t.Fatalf("looking up key %d: %v", key, err)
		}
		if want := fmt.Sprintf("v%d", key); string(got) != want {
			t.Errorf("key %d: got %q, want %q", key, got, want)
		}
	}

	// Delete everything; merges and root collapses must leave a
	// consistent (and eventually empty) tree.
	for i := range count {
		key := Key(i * 3)
		if err := tree.Delete(Path{key}); err != nil {
			t.Fatalf("deleting key %d: %v", key, err)
		}
	}
	if got := tree.Root().EntryCount(); got != 0 {
		t.Errorf("root entries after deleting all keys: %d, want 0", got)
	}
}

func TestInodeSubtrees(t *testing.T) {
	store := newMemStore()
	arena := NewArena()
	tree := newTestTree(store, arena, NewRootNode(arena), 1)

	if err := tree.CreateInode(5, []byte("record-5")); err != nil {
		t.Fatalf("creating inode: %v", err)
	}
	if err := tree.CreateInode(5, nil); !errors.Is(err, ErrExists) {
		t.Errorf("duplicate inode: got %v, want ErrExists", err)
	}

	record, err := tree.InodeRecord(5)
	if err != nil {
		t.Fatalf("reading inode record: %v", err)
	}
	if string(record) != "record-5" {
		t.Errorf("inode record: got %q, want %q", record, "record-5")
	}

	empty, err := tree.InodeHasEntries(5)
	if err != nil {
		t.Fatalf("checking inode entries: %v", err)
	}
	if empty {
		t.Errorf("fresh inode reports entries")
	}

	for i := range 100 {
		key := Key(i)
		if err := tree.Insert(Path{5, key}, []byte(fmt.Sprintf("data-%d", key))); err != nil {
			t.Fatalf("inserting under inode: key %d: %v", key, err)
		}
	}
	for i := range 100 {
		key := Key(i)
		got, err := tree.Get(Path{5, key})
		if err != nil {
			t.Fatalf("looking up under inode: key %d: %v", key, err)
		}
		if want := fmt.Sprintf("data-%d", key); string(got) != want {
			t.Errorf("inode key %d: got %q, want %q", key, got, want)
		}
	}

	// Keys inside the subtree are invisible at the volume level.
	if _, err := tree.Get(Path{3}); !errors.Is(err, ErrNotFound) {
		t.Errorf("volume-level lookup of subtree key: got %v, want ErrNotFound", err)
	}

	hasEntries, err := tree.InodeHasEntries(5)
	if err != nil {
		t.Fatalf("checking inode entries: %v", err)
	}
	if !hasEntries {
		t.Errorf("populated inode reports no entries")
	}

	if err := tree.SetInodeRecord(5, []byte("record-5b")); err != nil {
		t.Fatalf("updating inode record: %v", err)
	}
	record, err = tree.InodeRecord(5)
	if err != nil {
		t.Fatalf("re-reading inode record: %v", err)
	}
	if string(record) != "record-5b" {
		t.Errorf("updated inode record: got %q, want %q", record, "record-5b")
	}
	// The record update must not disturb the subtree.
	if _, err := tree.Get(Path{5, 42}); err != nil {
		t.Errorf("subtree lookup after record update: %v", err)
	}

	if err := tree.DeleteInode(5); err != nil {
		t.Fatalf("deleting inode: %v", err)
	}
	if _, err := tree.InodeRecord(5); !errors.Is(err, ErrNotFound) {
		t.Errorf("deleted inode lookup: got %v, want ErrNotFound", err)
	}
	if err := tree.DeleteInode(5); !errors.Is(err, ErrNotFound) {
		t.Errorf("double inode delete: got %v, want ErrNotFound", err)
	}
}

func TestSnapshotIsolation(t *testing.T) {
	store := newMemStore()
	arena := NewArena()
	base := newTestTree(store, arena, NewRootNode(arena), 1)

	for i := range 300 {
		if err := base.Insert(Path{Key(i)}, []byte(fmt.Sprintf("old-%d", i))); err != nil {
			t.Fatalf("seeding key %d: %v", i, err)
		}
	}
	flushTree(t, store, base, 1)
	committed := base.Root()
	if committed.IsDirty() {
		t.Fatalf("root still dirty after flush")
	}

	// A second transaction mutates on top of the committed root.
	writer := newTestTree(store, arena, committed, 2)
	if err := writer.Update(Path{7}, []byte("new-7")); err != nil {
		t.Fatalf("updating in second transaction: %v", err)
	}
	if err := writer.Insert(Path{1000}, []byte("new-1000")); err != nil {
		t.Fatalf("inserting in second transaction: %v", err)
	}
	if err := writer.Delete(Path{9}); err != nil {
		t.Fatalf("deleting in second transaction: %v", err)
	}

	// The committed root still serves the old view.
	reader := newTestTree(store, arena, committed, 0)
	got, err := reader.Get(Path{7})
	if err != nil {
		t.Fatalf("snapshot lookup: %v", err)
	}
	if string(got) != "old-7" {
		t.Errorf("snapshot sees writer's update: got %q, want %q", got, "old-7")
	}
	if _, err := reader.Get(Path{1000}); !errors.Is(err, ErrNotFound) {
		t.Errorf("snapshot sees writer's insert: got %v, want ErrNotFound", err)
	}
	if _, err := reader.Get(Path{9}); err != nil {
		t.Errorf("snapshot lost a key the writer deleted: %v", err)
	}

	// The writer sees its own changes.
	got, err = writer.Get(Path{7})
	if err != nil {
		t.Fatalf("writer lookup: %v", err)
	}
	if string(got) != "new-7" {
		t.Errorf("writer value: got %q, want %q", got, "new-7")
	}
}

func TestDirtyNodeConflict(t *testing.T) {
	store := newMemStore()
	arena := NewArena()
	first := newTestTree(store, arena, NewRootNode(arena), 1)
	if err := first.Insert(Path{1}, []byte("a")); err != nil {
		t.Fatalf("insert: %v", err)
	}

	// A different transaction touching the same dirty root must be
	// turned away, not silently interleaved.
	second := newTestTree(store, arena, first.Root(), 2)
	if err := second.Insert(Path{2}, []byte("b")); !errors.Is(err, ErrConflict) {
		t.Errorf("cross-transaction mutation: got %v, want ErrConflict", err)
	}
}

func TestReadOnlyViewRejectsMutations(t *testing.T) {
	store := newMemStore()
	arena := NewArena()
	view := newTestTree(store, arena, NewRootNode(arena), 0)

	if err := view.Insert(Path{1}, []byte("x")); err == nil {
		t.Errorf("read-only insert succeeded")
	}
	if err := view.Delete(Path{1}); err == nil {
		t.Errorf("read-only delete succeeded")
	}
	if err := view.CreateInode(1, nil); err == nil {
		t.Errorf("read-only inode create succeeded")
	}
}

func TestRange(t *testing.T) {
	store := newMemStore()
	arena := NewArena()
	tree := newTestTree(store, arena, NewRootNode(arena), 1)

	if err := tree.CreateInode(9, nil); err != nil {
		t.Fatalf("creating inode: %v", err)
	}
	for i := range 400 {
		key := Key(i * 2)
		if err := tree.Insert(Path{9, key}, []byte(fmt.Sprintf("r%d", key))); err != nil {
			t.Fatalf("inserting key %d: %v", key, err)
		}
	}

	var keys []Key
	err := tree.Range(9, 100, 140, func(key Key, value []byte) bool {
		keys = append(keys, key)
		if want := fmt.Sprintf("r%d", key); string(value) != want {
			t.Errorf("range value for key %d: got %q, want %q", key, value, want)
		}
		return true
	})
	if err != nil {
		t.Fatalf("range: %v", err)
	}
	if len(keys) != 21 {
		t.Fatalf("range over [100, 140] step 2: got %d keys, want 21", len(keys))
	}
	for i, key := range keys {
		if want := Key(100 + i*2); key != want {
			t.Errorf("range key %d: got %d, want %d", i, key, want)
		}
	}

	// Early stop.
	var seen int
	err = tree.Range(9, 0, 798, func(Key, []byte) bool {
		seen++
		return seen < 5
	})
	if err != nil {
		t.Fatalf("range with early stop: %v", err)
	}
	if seen != 5 {
		t.Errorf("early-stopped range visited %d keys, want 5", seen)
	}
}

func TestRangeInodes(t *testing.T) {
	store := newMemStore()
	arena := NewArena()
	tree := newTestTree(store, arena, NewRootNode(arena), 1)

	for _, ino := range []Key{40, 10, 30, 20} {
		if err := tree.CreateInode(ino, []byte(fmt.Sprintf("i%d", ino))); err != nil {
			t.Fatalf("creating inode %d: %v", ino, err)
		}
	}

	var inos []Key
	err := tree.RangeInodes(func(ino Key, record []byte) bool {
		inos = append(inos, ino)
		if want := fmt.Sprintf("i%d", ino); string(record) != want {
			t.Errorf("inode %d record: got %q, want %q", ino, record, want)
		}
		return true
	})
	if err != nil {
		t.Fatalf("ranging inodes: %v", err)
	}
	want := []Key{10, 20, 30, 40}
	if len(inos) != len(want) {
		t.Fatalf("inode walk: got %v, want %v", inos, want)
	}
	for i := range want {
		if inos[i] != want[i] {
			t.Fatalf("inode walk: got %v, want %v", inos, want)
		}
	}
}

func TestReleaseTracking(t *testing.T) {
	store := newMemStore()
	arena := NewArena()

	released := make(map[int64]bool)
	config := TreeConfig{
		Store: store,
		Arena: arena,
		Root:  NewRootNode(arena),
		TxnID: 1,
		OnRelease: func(ref block.Ref) {
			if released[ref.Offset] {
				t.Errorf("offset %d released twice", ref.Offset)
			}
			released[ref.Offset] = true
		},
	}
	tree := NewTree(config)

	if err := tree.CreateInode(3, []byte("dir")); err != nil {
		t.Fatalf("creating inode: %v", err)
	}
	for i := range 50 {
		if err := tree.Insert(Path{3, Key(i)}, []byte("payload")); err != nil {
			t.Fatalf("inserting key %d: %v", i, err)
		}
	}
	flushTree(t, store, tree, 1)

	// Deleting a committed leaf must surface its block for
	// reclamation.
	writer := NewTree(TreeConfig{
		Store:        store,
		Arena:        arena,
		Root:         tree.Root(),
		TxnID:        2,
		OnRelease:    config.OnRelease,
		OnRootChange: func(*Node) {},
	})
	leaf, err := writer.findLeaf(Path{3, 7})
	if err != nil {
		t.Fatalf("finding leaf: %v", err)
	}
	leafOffset := leaf.Ref().Offset
	if err := writer.Delete(Path{3, 7}); err != nil {
		t.Fatalf("deleting leaf: %v", err)
	}
	if !released[leafOffset] {
		t.Errorf("deleted leaf block at offset %d was not released", leafOffset)
	}

	// Deleting the inode releases its whole remaining subtree.
	before := len(released)
	if err := writer.DeleteInode(3); err != nil {
		t.Fatalf("deleting inode: %v", err)
	}
	if len(released) <= before {
		t.Errorf("inode delete released no blocks")
	}
}

func TestValueSizeLimit(t *testing.T) {
	store := newMemStore()
	arena := NewArena()
	tree := newTestTree(store, arena, NewRootNode(arena), 1)

	oversized := make([]byte, MaxValueSize+1)
	if err := tree.Insert(Path{1}, oversized); err == nil {
		t.Errorf("oversized insert succeeded")
	}
	exact := make([]byte, MaxValueSize)
	if err := tree.Insert(Path{1}, exact); err != nil {
		t.Errorf("insert at the size limit: %v", err)
	}
}

func TestArenaHandles(t *testing.T) {
	arena := NewArena()
	node := &Node{typ: block.TypeLeaf, key: 1}
	arena.adopt(node)

	handle := node.Handle()
	if got := arena.Get(handle); got != node {
		t.Fatalf("handle does not resolve to its node")
	}
	if got := arena.Live(); got != 1 {
		t.Errorf("live count: got %d, want 1", got)
	}

	node.Pin()
	if err := arena.Release(node); err == nil {
		t.Errorf("released a pinned node")
	}
	node.Unpin()
	if err := arena.Release(node); err != nil {
		t.Fatalf("releasing unpinned node: %v", err)
	}
	if got := arena.Get(handle); got != nil {
		t.Errorf("stale handle resolved to %v", got)
	}

	// The recycled slot gets a new generation; the old handle stays
	// dead.
	replacement := &Node{typ: block.TypeLeaf, key: 2}
	arena.adopt(replacement)
	if got := arena.Get(handle); got != nil {
		t.Errorf("stale handle resolved to the slot's new occupant")
	}
	if got := arena.Get(replacement.Handle()); got != replacement {
		t.Errorf("fresh handle does not resolve")
	}
}
