// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package freemap

import (
	"errors"
	"testing"
	"time"

	"github.com/bureau-foundation/chainfs/lib/block"
	"github.com/bureau-foundation/chainfs/lib/clock"
	"github.com/bureau-foundation/chainfs/lib/integrity"
	"github.com/bureau-foundation/chainfs/lib/testutil"
)

func testConfig() Config {
	return Config{
		DataStart:  65536,
		DataSize:   4 << 20, // 4 regions
		RegionSize: 1 << 20,
	}
}

func testAllocator(t *testing.T, config Config) *Allocator {
	t.Helper()
	allocator, err := New(config)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return allocator
}

func TestReserveRelease(t *testing.T) {
	allocator := testAllocator(t, testConfig())

	offset, err := allocator.Reserve(block.MinClass, 0)
	if err != nil {
		t.Fatalf("Reserve failed: %v", err)
	}
	if offset < 65536 {
		t.Errorf("reserved offset %d is inside the superblock area", offset)
	}
	if offset%block.MinClass.Size() != 0 {
		t.Errorf("reserved offset %d is not aligned to its class size", offset)
	}

	before := allocator.FreeBytes()
	allocator.Release(offset, block.MinClass, 5)

	// Release alone must not make the block reusable.
	if allocator.FreeBytes() != before {
		t.Error("Release changed the free byte count before reclaim")
	}
	if allocator.PendingCount() != 1 {
		t.Errorf("PendingCount = %d, want 1", allocator.PendingCount())
	}

	// Reclaim with the freeing transaction not yet durable: no-op.
	reclaimed, err := allocator.Reclaim(4, 1000)
	if err != nil {
		t.Fatalf("Reclaim failed: %v", err)
	}
	if reclaimed != 0 {
		t.Errorf("Reclaim before durability reclaimed %d blocks", reclaimed)
	}

	// Reclaim with a reader snapshot older than the free: no-op.
	if reclaimed, _ = allocator.Reclaim(10, 4); reclaimed != 0 {
		t.Errorf("Reclaim with an old reader reclaimed %d blocks", reclaimed)
	}

	// Both horizons past: the block returns to the bitmap.
	if reclaimed, _ = allocator.Reclaim(10, 1000); reclaimed != 1 {
		t.Errorf("Reclaim = %d, want 1", reclaimed)
	}
	if allocator.FreeBytes() != before+block.MinClass.Size() {
		t.Error("reclaimed block did not return its bytes")
	}
	if allocator.PendingCount() != 0 {
		t.Errorf("PendingCount after reclaim = %d, want 0", allocator.PendingCount())
	}
}

func TestReserveDistinct(t *testing.T) {
	allocator := testAllocator(t, testConfig())
	seen := make(map[int64]bool)
	for i := 0; i < 1000; i++ {
		offset, err := allocator.Reserve(block.MinClass, 0)
		if err != nil {
			t.Fatalf("Reserve %d failed: %v", i, err)
		}
		if seen[offset] {
			t.Fatalf("Reserve returned offset %d twice", offset)
		}
		seen[offset] = true
	}
}

func TestReserveLocalityHint(t *testing.T) {
	config := testConfig()
	allocator := testAllocator(t, config)

	first, err := allocator.Reserve(block.MinClass, 0)
	if err != nil {
		t.Fatalf("Reserve failed: %v", err)
	}
	second, err := allocator.Reserve(block.MinClass, first)
	if err != nil {
		t.Fatalf("hinted Reserve failed: %v", err)
	}

	regionOf := func(offset int64) int64 { return (offset - config.DataStart) / config.RegionSize }
	if regionOf(first) != regionOf(second) {
		t.Errorf("hinted reservation landed in region %d, sibling is in region %d",
			regionOf(second), regionOf(first))
	}
}

func TestOutOfSpace(t *testing.T) {
	config := Config{
		DataStart:  65536,
		DataSize:   1 << 20,
		RegionSize: 1 << 20,
	}
	allocator := testAllocator(t, config)

	// Exhaust the single region with max-class blocks.
	var last int64
	count := config.DataSize / block.MaxClass.Size()
	for i := int64(0); i < count; i++ {
		offset, err := allocator.Reserve(block.MaxClass, 0)
		if err != nil {
			t.Fatalf("Reserve %d failed: %v", i, err)
		}
		last = offset
	}

	_, err := allocator.Reserve(block.MinClass, 0)
	if !errors.Is(err, ErrOutOfSpace) {
		t.Fatalf("Reserve on full volume = %v, want ErrOutOfSpace", err)
	}

	// The failure must not corrupt region state: a release and
	// reclaim of an unrelated block still works and makes space.
	allocator.Release(last, block.MaxClass, 3)
	if _, err := allocator.Reclaim(3, 1000); err != nil {
		t.Fatalf("Reclaim after out-of-space failed: %v", err)
	}
	if _, err := allocator.Reserve(block.MinClass, 0); err != nil {
		t.Fatalf("Reserve after reclaim failed: %v", err)
	}
}

func TestMixedClasses(t *testing.T) {
	allocator := testAllocator(t, testConfig())

	offsets := make(map[int64]block.Class)
	for i := 0; i < 100; i++ {
		class := block.MinClass + block.Class(i%int(block.MaxClass-block.MinClass+1))
		offset, err := allocator.Reserve(class, 0)
		if err != nil {
			t.Fatalf("Reserve class %d failed: %v", class, err)
		}
		if offset%class.Size() != 0 {
			t.Errorf("class %d block at %d is not aligned to %d", class, offset, class.Size())
		}
		offsets[offset] = class
	}

	// No two allocations overlap.
	type span struct{ start, end int64 }
	var spans []span
	for offset, class := range offsets {
		spans = append(spans, span{offset, offset + class.Size()})
	}
	for i, a := range spans {
		for j, b := range spans {
			if i == j {
				continue
			}
			if a.start < b.end && b.start < a.end {
				t.Fatalf("allocations overlap: [%d,%d) and [%d,%d)", a.start, a.end, b.start, b.end)
			}
		}
	}
}

func TestRetentionWindow(t *testing.T) {
	fakeClock := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	config := testConfig()
	config.Clock = fakeClock
	config.RetentionWindow = time.Minute
	allocator := testAllocator(t, config)

	offset, err := allocator.Reserve(block.MinClass, 0)
	if err != nil {
		t.Fatalf("Reserve failed: %v", err)
	}
	allocator.Release(offset, block.MinClass, 1)

	// Horizons are satisfied but the window has not elapsed.
	if reclaimed, _ := allocator.Reclaim(10, 1000); reclaimed != 0 {
		t.Errorf("Reclaim inside the retention window reclaimed %d blocks", reclaimed)
	}

	fakeClock.Advance(time.Minute)
	if reclaimed, _ := allocator.Reclaim(10, 1000); reclaimed != 1 {
		t.Errorf("Reclaim after the retention window = %d, want 1", reclaimed)
	}
}

func TestBackgroundSweep(t *testing.T) {
	fakeClock := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	notify := make(chan SweepStats, 4)
	config := testConfig()
	config.Clock = fakeClock
	config.SweepNotify = notify
	allocator := testAllocator(t, config)

	offset, err := allocator.Reserve(block.MinClass, 0)
	if err != nil {
		t.Fatalf("Reserve failed: %v", err)
	}
	allocator.Release(offset, block.MinClass, 1)

	allocator.StartSweep(30*time.Second, func() (uint64, uint64) { return 10, 1000 })
	defer allocator.StopSweep()

	fakeClock.WaitForTimers(1)
	fakeClock.Advance(30 * time.Second)

	stats := testutil.RequireReceive(t, notify, 5*time.Second, "waiting for sweep pass")
	if stats.Reclaimed != 1 {
		t.Errorf("sweep reclaimed %d blocks, want 1", stats.Reclaimed)
	}
	if stats.Remaining != 0 {
		t.Errorf("sweep left %d blocks pending, want 0", stats.Remaining)
	}
}

func TestDedup(t *testing.T) {
	allocator := testAllocator(t, testConfig())
	fingerprint := integrity.Fingerprint([]byte("identical content"))

	offset, err := allocator.Reserve(block.MinClass, 0)
	if err != nil {
		t.Fatalf("Reserve failed: %v", err)
	}
	ref := block.Ref{
		Offset: offset, Class: block.MinClass, Type: block.TypeLeaf,
		TxnID: 1, StoredSize: 17, LogicalSize: 17,
		Checksum: integrity.Checksum([]byte("identical content")),
	}
	allocator.DedupRecord(fingerprint, ref)

	// Second writer with the same content reuses the block.
	shared, ok := allocator.DedupReuse(fingerprint)
	if !ok {
		t.Fatal("DedupReuse missed a recorded fingerprint")
	}
	if shared.Offset != offset {
		t.Errorf("DedupReuse returned offset %d, want %d", shared.Offset, offset)
	}
	if shares := allocator.DedupShares(fingerprint); shares != 2 {
		t.Errorf("DedupShares = %d, want 2", shares)
	}

	// Releasing one share keeps the block allocated.
	allocator.ReleaseShared(ref, 5)
	if allocator.PendingCount() != 0 {
		t.Error("first ReleaseShared sent a still-shared block pending-free")
	}
	if shares := allocator.DedupShares(fingerprint); shares != 1 {
		t.Errorf("DedupShares after one release = %d, want 1", shares)
	}

	// Releasing the last share frees it.
	allocator.ReleaseShared(ref, 6)
	if allocator.PendingCount() != 1 {
		t.Error("final ReleaseShared did not send the block pending-free")
	}
	if shares := allocator.DedupShares(fingerprint); shares != 0 {
		t.Errorf("DedupShares after final release = %d, want 0", shares)
	}
}

func TestUnrelease(t *testing.T) {
	allocator := testAllocator(t, testConfig())

	offset, err := allocator.Reserve(block.MinClass, 0)
	if err != nil {
		t.Fatalf("Reserve failed: %v", err)
	}
	allocator.Release(offset, block.MinClass, 4)
	if err := allocator.Unrelease(offset, block.MinClass, 4); err != nil {
		t.Fatalf("Unrelease failed: %v", err)
	}
	if allocator.PendingCount() != 0 {
		t.Error("Unrelease left the entry pending")
	}
	// The block is back to allocated, not free.
	if reclaimed, _ := allocator.Reclaim(10, 10); reclaimed != 0 {
		t.Errorf("Reclaim after Unrelease reclaimed %d blocks", reclaimed)
	}
	if err := allocator.Unrelease(offset, block.MinClass, 4); err == nil {
		t.Error("Unrelease of a withdrawn entry succeeded")
	}
}

func TestUnreleaseShared(t *testing.T) {
	allocator := testAllocator(t, testConfig())
	content := []byte("shared content")
	fingerprint := integrity.Fingerprint(content)

	offset, err := allocator.Reserve(block.MinClass, 0)
	if err != nil {
		t.Fatalf("Reserve failed: %v", err)
	}
	ref := block.Ref{
		Offset: offset, Class: block.MinClass, Type: block.TypeLeaf,
		TxnID: 1, StoredSize: 14, LogicalSize: 14,
		Checksum: integrity.Checksum(content),
	}
	allocator.DedupRecord(fingerprint, ref)
	if _, ok := allocator.DedupReuse(fingerprint); !ok {
		t.Fatal("DedupReuse missed a recorded fingerprint")
	}

	// Withdrawing a share-count decrement restores the count.
	release := allocator.ReleaseShared(ref, 5)
	if release.Freed() {
		t.Fatal("releasing one of two shares freed the block")
	}
	if err := allocator.UnreleaseShared(release); err != nil {
		t.Fatalf("UnreleaseShared failed: %v", err)
	}
	if shares := allocator.DedupShares(fingerprint); shares != 2 {
		t.Errorf("DedupShares after withdraw = %d, want 2", shares)
	}

	// Withdrawing a last-share release reinstates the index entry and
	// pulls the block back from pending-free.
	allocator.ReleaseShared(ref, 6)
	final := allocator.ReleaseShared(ref, 7)
	if !final.Freed() {
		t.Fatal("releasing the last share did not free the block")
	}
	if err := allocator.UnreleaseShared(final); err != nil {
		t.Fatalf("UnreleaseShared of final share failed: %v", err)
	}
	if allocator.PendingCount() != 0 {
		t.Errorf("pending count after withdraw = %d, want 0", allocator.PendingCount())
	}
	if shares := allocator.DedupShares(fingerprint); shares != 1 {
		t.Errorf("DedupShares after reinstatement = %d, want 1", shares)
	}
}

func TestSnapshotRestore(t *testing.T) {
	allocator := testAllocator(t, testConfig())

	var offsets []int64
	for i := 0; i < 20; i++ {
		offset, err := allocator.Reserve(block.MinClass+block.Class(i%3), 0)
		if err != nil {
			t.Fatalf("Reserve failed: %v", err)
		}
		offsets = append(offsets, offset)
	}
	allocator.Release(offsets[7], block.MinClass+block.Class(7%3), 3)

	fingerprint := integrity.Fingerprint([]byte("snapshot me"))
	allocator.DedupRecord(fingerprint, block.Ref{
		Offset: offsets[0], Class: block.MinClass, Type: block.TypeLeaf,
		TxnID: 1, StoredSize: 11, LogicalSize: 11,
		Checksum: integrity.Checksum([]byte("snapshot me")),
	})

	snapshot, err := allocator.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}

	restored := testAllocator(t, testConfig())
	if err := restored.Restore(snapshot); err != nil {
		t.Fatalf("Restore failed: %v", err)
	}

	if restored.FreeBytes() != allocator.FreeBytes() {
		t.Errorf("restored free bytes %d, want %d", restored.FreeBytes(), allocator.FreeBytes())
	}
	if restored.PendingCount() != 1 {
		t.Errorf("restored pending count %d, want 1", restored.PendingCount())
	}
	if shares := restored.DedupShares(fingerprint); shares != 1 {
		t.Errorf("restored dedup shares %d, want 1", shares)
	}

	// Snapshot determinism: same state, same bytes.
	again, err := allocator.Snapshot()
	if err != nil {
		t.Fatalf("second Snapshot failed: %v", err)
	}
	if string(snapshot) != string(again) {
		t.Error("snapshot encoding is not deterministic")
	}

	// Geometry mismatch is rejected.
	other := testAllocator(t, Config{DataStart: 65536, DataSize: 2 << 20, RegionSize: 1 << 20})
	if err := other.Restore(snapshot); err == nil {
		t.Error("Restore accepted a snapshot with mismatched geometry")
	}
}
