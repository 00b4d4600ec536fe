// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// chainfs-inspect prints the state of a chainfs volume without
// mounting it: both superblock slots, the allocator state recovered
// from the freemap snapshot, and (with --verify) a checksum-verified
// walk of the whole tree.
//
// Inspection never writes to the device.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/chainfs/lib/block"
	"github.com/bureau-foundation/chainfs/lib/chain"
	"github.com/bureau-foundation/chainfs/lib/config"
	"github.com/bureau-foundation/chainfs/lib/freemap"
	"github.com/bureau-foundation/chainfs/lib/txn"
	"github.com/bureau-foundation/chainfs/lib/version"
	"github.com/bureau-foundation/chainfs/lib/volume"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "chainfs-inspect: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var configPath string
	var devicePath string
	var verify bool

	flagSet := pflag.NewFlagSet("chainfs-inspect", pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", "", "path to YAML config file (default: $CHAINFS_CONFIG)")
	flagSet.StringVar(&devicePath, "device", "", "device file to inspect (overrides config)")
	flagSet.BoolVar(&verify, "verify", false, "walk the whole tree and verify every checksum")
	flagSet.BoolP("help", "h", false, "show help")

	if len(os.Args) > 1 && os.Args[1] == "--version" {
		version.Print("chainfs-inspect")
		return nil
	}
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}
	if devicePath == "" && flagSet.NArg() > 0 {
		devicePath = flagSet.Arg(0)
	}
	if devicePath == "" {
		cfg, err := loadConfig(configPath)
		if err != nil {
			return err
		}
		devicePath = cfg.Device.Path
	}
	if devicePath == "" {
		return fmt.Errorf("no device path: pass one as an argument, with --device, or in the config")
	}

	device, err := block.OpenDevice(devicePath)
	if err != nil {
		return err
	}
	defer device.Close()

	newest, err := printSuperblocks(device)
	if err != nil {
		return err
	}

	store := block.NewDeviceStore(device)
	if err := printAllocator(store, newest); err != nil {
		return err
	}
	if verify {
		return verifyTree(store, newest)
	}
	return nil
}

// printSuperblocks dumps both slots and returns the newest valid one.
func printSuperblocks(device *block.Device) (volume.Superblock, error) {
	var newest volume.Superblock
	found := false
	for slot := range 2 {
		raw := make([]byte, volume.SlotSize)
		if _, err := device.ReadAt(raw, int64(slot)*volume.SlotSize); err != nil {
			return volume.Superblock{}, fmt.Errorf("reading superblock slot %d: %w", slot, err)
		}
		sb, err := volume.DecodeSuperblock(raw)
		if err != nil {
			fmt.Printf("slot %d: INVALID (%v)\n", slot, err)
			continue
		}
		active := ""
		if !found || sb.TxnID > newest.TxnID {
			newest = sb
			found = true
			active = "  <- newest"
		}
		fmt.Printf("slot %d: txn %d%s\n", slot, sb.TxnID, active)
		fmt.Printf("  volume id: %s\n", sb.VolumeID)
		fmt.Printf("  geometry:  data %s at %d, regions of %s\n",
			config.Bytes(sb.DataSize), sb.DataStart, config.Bytes(sb.RegionSize))
		fmt.Printf("  root:      %s\n", sb.Root)
		fmt.Printf("  freemap:   %s\n", sb.FreemapRoot)
	}
	if !found {
		return volume.Superblock{}, errors.New("no valid superblock in either slot")
	}
	return newest, nil
}

// printAllocator restores the freemap snapshot and reports space use.
func printAllocator(store block.Store, sb volume.Superblock) error {
	alloc, err := freemap.New(freemap.Config{
		DataStart:  sb.DataStart,
		DataSize:   sb.DataSize,
		RegionSize: sb.RegionSize,
	})
	if err != nil {
		return err
	}
	if !sb.FreemapRoot.IsZero() {
		snapshot, refs, err := txn.ReadFreemapSnapshot(store, sb.FreemapRoot)
		if err != nil {
			return fmt.Errorf("reading freemap snapshot: %w", err)
		}
		if err := alloc.Restore(snapshot); err != nil {
			return fmt.Errorf("restoring freemap snapshot: %w", err)
		}
		fmt.Printf("freemap: %d snapshot blocks\n", len(refs))
	} else {
		fmt.Printf("freemap: empty (no commits yet)\n")
	}
	fmt.Printf("  free:    %s of %s\n", config.Bytes(alloc.FreeBytes()), config.Bytes(sb.DataSize))
	fmt.Printf("  pending: %d blocks\n", alloc.PendingCount())
	return nil
}

// verifyTree walks every reachable block, letting the store verify
// header and checksum on each read, and prints per-type totals.
func verifyTree(store block.Store, sb volume.Superblock) error {
	if sb.Root.IsZero() {
		fmt.Println("tree: empty")
		return nil
	}
	arena := chain.NewArena()
	root, err := chain.LoadRoot(store, arena, sb.Root)
	if err != nil {
		return fmt.Errorf("loading root: %w", err)
	}
	tree := chain.NewTree(chain.TreeConfig{Store: store, Arena: arena, Root: root})

	counts := make(map[block.Type]int)
	var stored, logical int64
	if err := tree.WalkRefs(func(ref block.Ref) bool {
		counts[ref.Type]++
		stored += int64(ref.StoredSize)
		logical += int64(ref.LogicalSize)
		return true
	}); err != nil {
		return fmt.Errorf("tree verification failed: %w", err)
	}

	inodes := 0
	if err := tree.RangeInodes(func(chain.Key, []byte) bool {
		inodes++
		return true
	}); err != nil {
		return fmt.Errorf("inode walk failed: %w", err)
	}

	fmt.Printf("tree: verified\n")
	fmt.Printf("  inodes:  %d\n", inodes)
	for _, typ := range []block.Type{block.TypeIndex, block.TypeInode, block.TypeLeaf} {
		fmt.Printf("  %-7s %d blocks\n", typ.String()+":", counts[typ])
	}
	fmt.Printf("  stored:  %s (%s logical)\n", config.Bytes(stored), config.Bytes(logical))
	return nil
}

func loadConfig(path string) (config.Config, error) {
	if path != "" {
		return config.LoadFile(path)
	}
	return config.Load()
}
