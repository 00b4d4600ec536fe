// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package volume

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/bureau-foundation/chainfs/lib/block"
	"github.com/bureau-foundation/chainfs/lib/chain"
	"github.com/bureau-foundation/chainfs/lib/clock"
	"github.com/bureau-foundation/chainfs/lib/compress"
	"github.com/bureau-foundation/chainfs/lib/freemap"
	"github.com/bureau-foundation/chainfs/lib/inode"
	"github.com/bureau-foundation/chainfs/lib/txn"
)

// FormatConfig sets the geometry of a new volume.
type FormatConfig struct {
	// Size is the device size in bytes.
	Size int64

	// RegionSize is the allocation region size. Must be a power of
	// two and a multiple of the largest block size. Defaults to 8 MiB.
	RegionSize int64

	// VolumeID, when non-zero, fixes the volume identity instead of
	// generating one.
	VolumeID uuid.UUID
}

// Format creates a chainfs volume at path: a fresh device with both
// superblock slots valid at transaction zero and everything past the
// data start free. The root directory is created by the first mount.
func Format(path string, config FormatConfig) error {
	if config.RegionSize == 0 {
		config.RegionSize = 8 << 20
	}
	if config.RegionSize&(config.RegionSize-1) != 0 || config.RegionSize%block.MaxClass.Size() != 0 {
		return fmt.Errorf("region size %d is not a power-of-two multiple of the largest block size", config.RegionSize)
	}

	dataStart := alignUp(2*SlotSize, block.MaxClass.Size())
	dataSize := (config.Size - dataStart) / config.RegionSize * config.RegionSize
	if dataSize < config.RegionSize {
		return fmt.Errorf("device size %d leaves no room for an allocation region of %d bytes",
			config.Size, config.RegionSize)
	}
	if config.VolumeID == (uuid.UUID{}) {
		config.VolumeID = uuid.New()
	}

	device, err := block.CreateDevice(path, config.Size)
	if err != nil {
		return fmt.Errorf("creating volume device: %w", err)
	}
	defer device.Close()

	sb := Superblock{
		VolumeID:   config.VolumeID,
		TxnID:      0,
		DataStart:  dataStart,
		DataSize:   dataSize,
		RegionSize: config.RegionSize,
	}
	encoded := sb.Encode()
	if _, err := device.WriteAt(encoded, slotOffsetA); err != nil {
		return fmt.Errorf("writing superblock slot A: %w", err)
	}
	if _, err := device.WriteAt(encoded, slotOffsetB); err != nil {
		return fmt.Errorf("writing superblock slot B: %w", err)
	}
	if err := device.Sync(); err != nil {
		return fmt.Errorf("syncing formatted volume: %w", err)
	}
	return nil
}

// MountOptions are runtime policy for a mounted volume; none affect
// the on-media format.
type MountOptions struct {
	// RetentionWindow is the wall-clock hold on pending-free blocks.
	RetentionWindow time.Duration

	// SweepInterval is the background reclaim cadence. Zero disables
	// the sweep; reclamation then only happens through explicit
	// Reclaim calls.
	SweepInterval time.Duration

	// PreferredCodec is the compression codec tried first for data
	// blocks. Defaults to zstd.
	PreferredCodec compress.Tag

	// Clock drives retention and the sweep ticker. Defaults to
	// clock.Real().
	Clock clock.Clock

	// Logger receives mount, commit, and sweep events. Defaults to a
	// discarding logger.
	Logger *slog.Logger
}

// Volume is a mounted chainfs volume: the device, the allocator, the
// transaction engine, and the inode service, wired together. All
// state lives here; mounting two volumes in one process is fine.
type Volume struct {
	device *block.Device
	store  *block.DeviceStore
	alloc  *freemap.Allocator
	arena  *chain.Arena
	engine *txn.Engine
	clock  clock.Clock
	logger *slog.Logger

	superMu    sync.Mutex
	super      Superblock
	activeSlot int

	ino    atomic.Uint64
	closed atomic.Bool
}

// Mount opens the volume at path. Both superblock slots are read; the
// newest valid one wins, so a torn superblock write from a crashed
// commit falls back to the previous committed version. A freshly
// formatted volume gets its root directory here, in a first
// transaction.
func Mount(path string, options MountOptions) (*Volume, error) {
	if options.Clock == nil {
		options.Clock = clock.Real()
	}
	logger := options.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	device, err := block.OpenDevice(path)
	if err != nil {
		return nil, fmt.Errorf("opening volume device: %w", err)
	}
	sb, activeSlot, err := pickSuperblock(device, logger)
	if err != nil {
		device.Close()
		return nil, err
	}

	store := block.NewDeviceStore(device)
	alloc, err := freemap.New(freemap.Config{
		DataStart:       sb.DataStart,
		DataSize:        sb.DataSize,
		RegionSize:      sb.RegionSize,
		RetentionWindow: options.RetentionWindow,
		Clock:           options.Clock,
		Logger:          logger,
	})
	if err != nil {
		device.Close()
		return nil, fmt.Errorf("creating allocator: %w", err)
	}

	var freemapRefs []block.Ref
	if !sb.FreemapRoot.IsZero() {
		snapshot, refs, err := txn.ReadFreemapSnapshot(store, sb.FreemapRoot)
		if err != nil {
			device.Close()
			return nil, fmt.Errorf("reading freemap snapshot: %w", err)
		}
		if err := alloc.Restore(snapshot); err != nil {
			device.Close()
			return nil, fmt.Errorf("restoring freemap snapshot: %w", err)
		}
		freemapRefs = refs
	}

	v := &Volume{
		device:     device,
		store:      store,
		alloc:      alloc,
		arena:      chain.NewArena(),
		clock:      options.Clock,
		logger:     logger,
		super:      sb,
		activeSlot: activeSlot,
	}
	v.engine, err = txn.NewEngine(txn.EngineConfig{
		Store:          store,
		Alloc:          alloc,
		Arena:          v.arena,
		Root:           sb.Root,
		LastTxnID:      sb.TxnID,
		FreemapRefs:    freemapRefs,
		PreferredCodec: options.PreferredCodec,
		Publish:        v.publish,
		Logger:         logger,
	})
	if err != nil {
		device.Close()
		return nil, fmt.Errorf("creating engine: %w", err)
	}

	if sb.Root.IsZero() {
		if err := v.initRoot(); err != nil {
			device.Close()
			return nil, fmt.Errorf("initializing root directory: %w", err)
		}
	}
	maxIno, err := v.scanMaxIno()
	if err != nil {
		device.Close()
		return nil, fmt.Errorf("scanning inode numbers: %w", err)
	}
	v.ino.Store(maxIno)

	if options.SweepInterval > 0 {
		alloc.StartSweep(options.SweepInterval, v.engine.Horizons)
	}

	logger.Info("volume mounted",
		"volume", sb.VolumeID,
		"txn", v.engine.DurableTxn(),
		"data_size", sb.DataSize,
		"free_bytes", alloc.FreeBytes())
	return v, nil
}

// pickSuperblock reads both slots and returns the newest valid one.
func pickSuperblock(device *block.Device, logger *slog.Logger) (Superblock, int, error) {
	offsets := [2]int64{slotOffsetA, slotOffsetB}
	var best Superblock
	bestSlot := -1
	for slot, offset := range offsets {
		raw := make([]byte, SlotSize)
		if _, err := device.ReadAt(raw, offset); err != nil {
			return Superblock{}, 0, fmt.Errorf("reading superblock slot %d: %w", slot, err)
		}
		sb, err := DecodeSuperblock(raw)
		if err != nil {
			logger.Warn("superblock slot unusable", "slot", slot, "error", err)
			continue
		}
		if bestSlot < 0 || sb.TxnID > best.TxnID {
			best = sb
			bestSlot = slot
		}
	}
	if bestSlot < 0 {
		return Superblock{}, 0, fmt.Errorf("no valid superblock in either slot")
	}
	return best, bestSlot, nil
}

// initRoot commits the root directory on a freshly formatted volume.
func (v *Volume) initRoot() error {
	t := v.engine.Begin()
	layer := inode.NewLayer(t.Tree(), v.clock, v.nextIno)
	if err := layer.InitRoot(); err != nil {
		if aerr := t.Abort(); aerr != nil {
			v.logger.Warn("aborting root initialization", "error", aerr)
		}
		return err
	}
	return t.Commit(context.Background())
}

// scanMaxIno walks the volume-level inode keys so freshly created
// inodes number past everything durable.
func (v *Volume) scanMaxIno() (uint64, error) {
	snapshot := v.engine.Snapshot()
	defer snapshot.Close()

	highest := uint64(inode.RootIno)
	err := snapshot.View().RangeInodes(func(ino chain.Key, _ []byte) bool {
		if uint64(ino) > highest {
			highest = uint64(ino)
		}
		return true
	})
	return highest, err
}

// publish is the engine's publish hook: it writes the new superblock
// into the inactive slot and syncs, making the commit the volume's
// durable version. Alternating slots means a torn write here cannot
// destroy the previous version.
func (v *Volume) publish(ctx context.Context, record txn.CommitRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	v.superMu.Lock()
	defer v.superMu.Unlock()

	sb := v.super
	sb.TxnID = record.TxnID
	sb.Root = record.Root
	sb.FreemapRoot = record.FreemapRoot

	target := 1 - v.activeSlot
	offset := slotOffsetA
	if target == 1 {
		offset = slotOffsetB
	}
	if _, err := v.device.WriteAt(sb.Encode(), offset); err != nil {
		return fmt.Errorf("writing superblock slot %d: %w", target, err)
	}
	if err := v.device.Sync(); err != nil {
		return fmt.Errorf("syncing superblock slot %d: %w", target, err)
	}
	v.super = sb
	v.activeSlot = target
	return nil
}

// Begin opens a read-write transaction.
func (v *Volume) Begin() *txn.Txn {
	return v.engine.Begin()
}

// Snapshot opens a read-only view of the last committed version.
func (v *Volume) Snapshot() *txn.Snapshot {
	return v.engine.Snapshot()
}

// Inodes returns the inode service bound to a transaction's tree.
func (v *Volume) Inodes(t *txn.Txn) *inode.Layer {
	return inode.NewLayer(t.Tree(), v.clock, v.nextIno)
}

// InodesView returns a read-only inode service over a snapshot.
func (v *Volume) InodesView(s *txn.Snapshot) *inode.Layer {
	return inode.NewLayer(s.View(), v.clock, v.nextIno)
}

func (v *Volume) nextIno() uint64 {
	return v.ino.Add(1)
}

// ID returns the volume identity.
func (v *Volume) ID() uuid.UUID {
	v.superMu.Lock()
	defer v.superMu.Unlock()
	return v.super.VolumeID
}

// Superblock returns the superblock of the newest published version.
func (v *Volume) Superblock() Superblock {
	v.superMu.Lock()
	defer v.superMu.Unlock()
	return v.super
}

// Engine returns the volume's transaction engine.
func (v *Volume) Engine() *txn.Engine { return v.engine }

// Allocator returns the volume's freemap allocator.
func (v *Volume) Allocator() *freemap.Allocator { return v.alloc }

// Close stops the sweep and releases the device mapping. Open
// transactions and snapshots must be finished first; their reads
// would touch unmapped memory afterwards.
func (v *Volume) Close() error {
	if !v.closed.CompareAndSwap(false, true) {
		return nil
	}
	v.alloc.StopSweep()
	if err := v.device.Close(); err != nil {
		return fmt.Errorf("closing volume device: %w", err)
	}
	v.logger.Info("volume closed", "volume", v.super.VolumeID)
	return nil
}

// alignUp rounds n up to the next multiple of align.
func alignUp(n, align int64) int64 {
	return (n + align - 1) / align * align
}
