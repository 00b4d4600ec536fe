// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package freemap

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/btree"

	"github.com/bureau-foundation/chainfs/lib/block"
	"github.com/bureau-foundation/chainfs/lib/clock"
)

// ErrOutOfSpace is returned by Reserve when no region can satisfy the
// requested size class.
var ErrOutOfSpace = errors.New("out of space")

// Config holds the allocator geometry and policy.
type Config struct {
	// DataStart is the device byte offset where allocatable space
	// begins (after the superblock area).
	DataStart int64

	// DataSize is the allocatable byte count. Must be a multiple of
	// RegionSize.
	DataSize int64

	// RegionSize is the byte size of one allocation region. Must be a
	// power of two and a multiple of the largest block size class.
	RegionSize int64

	// RetentionWindow is the minimum wall-clock time a pending-free
	// block stays unavailable after its release, beyond the
	// transaction-horizon requirements. Zero means the horizon alone
	// decides. This is a policy choice, not a correctness constant;
	// longer windows widen the safety margin for external readers of
	// the raw device (backup tools, crash dumps).
	RetentionWindow time.Duration

	// Clock supplies time for the retention window and the sweep
	// ticker. Defaults to clock.Real().
	Clock clock.Clock

	// Logger receives sweep statistics. Defaults to a discard logger.
	Logger *slog.Logger

	// SweepNotify, when non-nil, receives a SweepStats after every
	// background sweep pass. Sends are non-blocking; a full channel
	// drops the notification. Tests use this to synchronize with the
	// sweep goroutine.
	SweepNotify chan<- SweepStats
}

// SweepStats summarizes one reclaim pass.
type SweepStats struct {
	// Reclaimed is the number of pending-free blocks promoted to free.
	Reclaimed int

	// Remaining is the number of blocks still pending-free.
	Remaining int
}

// pendingFree is one released block waiting for reclamation, ordered
// by (freeing transaction, offset) so the sweep scans oldest-first and
// stops at the first ineligible entry.
type pendingFree struct {
	txnID    uint64
	offset   int64
	class    block.Class
	freedAt  time.Time
}

func pendingLess(a, b pendingFree) bool {
	if a.txnID != b.txnID {
		return a.txnID < b.txnID
	}
	return a.offset < b.offset
}

// Allocator tracks free, allocated, and pending-free blocks across
// the volume's allocation regions. Safe for concurrent use; Reserve
// and Release contend only on per-region locks and the pending queue.
type Allocator struct {
	config Config
	clock  clock.Clock
	logger *slog.Logger

	regions []*region

	// cursor is the region index where the next unhinted reservation
	// starts scanning. Advancing it spreads load and keeps related
	// allocations (which arrive together) in the same region.
	cursorMu sync.Mutex
	cursor   int

	pendingMu sync.Mutex
	pending   *btree.BTreeG[pendingFree]

	dedup dedupIndex

	sweepStop chan struct{}
	sweepDone chan struct{}
}

// New creates an allocator with everything free.
func New(config Config) (*Allocator, error) {
	if config.RegionSize <= 0 || config.RegionSize&(config.RegionSize-1) != 0 {
		return nil, fmt.Errorf("region size %d is not a power of two", config.RegionSize)
	}
	if config.RegionSize%block.MaxClass.Size() != 0 {
		return nil, fmt.Errorf("region size %d is not a multiple of the largest block size %d",
			config.RegionSize, block.MaxClass.Size())
	}
	if config.DataSize <= 0 || config.DataSize%config.RegionSize != 0 {
		return nil, fmt.Errorf("data size %d is not a positive multiple of region size %d",
			config.DataSize, config.RegionSize)
	}
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	if config.Logger == nil {
		config.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	regionCount := config.DataSize / config.RegionSize
	grainsPerRegion := config.RegionSize / grainSize

	a := &Allocator{
		config:  config,
		clock:   config.Clock,
		logger:  config.Logger,
		regions: make([]*region, regionCount),
		pending: btree.NewG(16, pendingLess),
	}
	for i := range a.regions {
		a.regions[i] = newRegion(grainsPerRegion)
	}
	a.dedup.init()
	return a, nil
}

// Reserve allocates a block of the given size class. The hint is a
// device offset whose region is tried first — passing the offset of a
// sibling block keeps a chain subtree spatially close. A zero or
// out-of-range hint starts at the allocator's cursor.
//
// Returns ErrOutOfSpace when no region can satisfy the class; the
// allocator state is unchanged in that case.
func (a *Allocator) Reserve(class block.Class, hint int64) (int64, error) {
	if !class.Valid() {
		return 0, fmt.Errorf("invalid size class %d", class)
	}
	grains := grainsFor(class)

	start := a.regionOf(hint)
	if start < 0 {
		a.cursorMu.Lock()
		start = a.cursor
		a.cursorMu.Unlock()
	}

	for i := 0; i < len(a.regions); i++ {
		regionIndex := (start + i) % len(a.regions)
		grain, ok := a.regions[regionIndex].reserve(grains)
		if !ok {
			continue
		}
		if i > 0 {
			// The hinted region was full; move the cursor so the
			// next unhinted reservation skips the scan.
			a.cursorMu.Lock()
			a.cursor = regionIndex
			a.cursorMu.Unlock()
		}
		return a.config.DataStart + int64(regionIndex)*a.config.RegionSize + grain*grainSize, nil
	}
	return 0, fmt.Errorf("%w: no region satisfies class %d", ErrOutOfSpace, class)
}

// Release marks a block pending-free, tagged with the transaction
// that freed it. It never scans or blocks on region state — the block
// becomes reusable only after a later Reclaim promotes it.
func (a *Allocator) Release(offset int64, class block.Class, txnID uint64) {
	entry := pendingFree{
		txnID:   txnID,
		offset:  offset,
		class:   class,
		freedAt: a.clock.Now(),
	}
	a.pendingMu.Lock()
	a.pending.ReplaceOrInsert(entry)
	a.pendingMu.Unlock()
}

// Unreserve immediately returns a reserved-but-never-written block to
// the free bitmap. Used when a transaction aborts: the block was
// never referenced by any tree, so no retention applies.
func (a *Allocator) Unreserve(offset int64, class block.Class) error {
	return a.free(offset, class)
}

// Unrelease removes a pending-free entry, returning the block to the
// allocated state. Used when the commit that released the block fails
// after taking its freemap snapshot: the block is still live in the
// committed tree and must not be reclaimed.
func (a *Allocator) Unrelease(offset int64, class block.Class, txnID uint64) error {
	a.pendingMu.Lock()
	_, found := a.pending.Delete(pendingFree{txnID: txnID, offset: offset, class: class})
	a.pendingMu.Unlock()
	if !found {
		return fmt.Errorf("no pending-free entry for offset %d in transaction %d", offset, txnID)
	}
	return nil
}

// Reclaim promotes pending-free blocks to truly free. A block freed
// by transaction T is eligible when:
//
//   - T ≤ durableTxn (the freeing transaction is on stable media),
//   - T ≤ oldestSnapshot (no live reader began before the free), and
//   - the retention window has elapsed on the allocator's clock.
//
// Returns the number of blocks reclaimed. Runs inline; the background
// sweep calls it on a ticker.
func (a *Allocator) Reclaim(durableTxn, oldestSnapshot uint64) (int, error) {
	horizon := durableTxn
	if oldestSnapshot < horizon {
		horizon = oldestSnapshot
	}
	now := a.clock.Now()

	a.pendingMu.Lock()
	var eligible []pendingFree
	a.pending.Ascend(func(entry pendingFree) bool {
		if entry.txnID > horizon {
			// Entries are ordered by txn; nothing further is eligible.
			return false
		}
		if a.config.RetentionWindow > 0 && now.Sub(entry.freedAt) < a.config.RetentionWindow {
			return true // keep scanning; later txns may be older by clock
		}
		eligible = append(eligible, entry)
		return true
	})
	for _, entry := range eligible {
		a.pending.Delete(entry)
	}
	a.pendingMu.Unlock()

	for _, entry := range eligible {
		if err := a.free(entry.offset, entry.class); err != nil {
			return 0, fmt.Errorf("reclaiming block at offset %d: %w", entry.offset, err)
		}
	}
	return len(eligible), nil
}

// PendingCount returns the number of blocks currently pending-free.
func (a *Allocator) PendingCount() int {
	a.pendingMu.Lock()
	defer a.pendingMu.Unlock()
	return a.pending.Len()
}

// FreeBytes returns the total bytes currently free for reservation
// (excluding pending-free).
func (a *Allocator) FreeBytes() int64 {
	var grains int64
	for _, r := range a.regions {
		grains += r.freeGrains()
	}
	return grains * grainSize
}

// StartSweep launches the background reclaim sweep, calling horizons
// before each pass to learn the durable transaction and the oldest
// live snapshot. Stop it with StopSweep. Starting an already started
// sweep panics — the volume owns exactly one.
func (a *Allocator) StartSweep(interval time.Duration, horizons func() (durableTxn, oldestSnapshot uint64)) {
	if a.sweepStop != nil {
		panic("freemap: sweep already started")
	}
	a.sweepStop = make(chan struct{})
	a.sweepDone = make(chan struct{})

	go func() {
		defer close(a.sweepDone)
		ticker := a.clock.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-a.sweepStop:
				return
			case <-ticker.C:
				durable, oldest := horizons()
				reclaimed, err := a.Reclaim(durable, oldest)
				if err != nil {
					a.logger.Error("reclaim sweep failed", "error", err)
					continue
				}
				remaining := a.PendingCount()
				if reclaimed > 0 {
					a.logger.Debug("reclaim sweep",
						"reclaimed", reclaimed,
						"remaining", remaining,
						"durable_txn", durable,
						"oldest_snapshot", oldest)
				}
				if a.config.SweepNotify != nil {
					select {
					case a.config.SweepNotify <- SweepStats{Reclaimed: reclaimed, Remaining: remaining}:
					default:
					}
				}
			}
		}
	}()
}

// StopSweep stops the background sweep and waits for it to exit.
// Safe to call when the sweep was never started.
func (a *Allocator) StopSweep() {
	if a.sweepStop == nil {
		return
	}
	close(a.sweepStop)
	<-a.sweepDone
	a.sweepStop = nil
	a.sweepDone = nil
}

// regionOf maps a device offset to its region index, or -1 when the
// offset is outside the allocation space.
func (a *Allocator) regionOf(offset int64) int {
	if offset < a.config.DataStart || offset >= a.config.DataStart+a.config.DataSize {
		return -1
	}
	return int((offset - a.config.DataStart) / a.config.RegionSize)
}

// free returns a block's grains to its region bitmap.
func (a *Allocator) free(offset int64, class block.Class) error {
	regionIndex := a.regionOf(offset)
	if regionIndex < 0 {
		return fmt.Errorf("offset %d is outside the allocation space", offset)
	}
	grain := (offset - a.config.DataStart - int64(regionIndex)*a.config.RegionSize) / grainSize
	return a.regions[regionIndex].release(grain, grainsFor(class))
}
