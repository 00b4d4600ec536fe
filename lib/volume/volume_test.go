// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package volume

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/bureau-foundation/chainfs/lib/chain"
	"github.com/bureau-foundation/chainfs/lib/inode"
	"github.com/bureau-foundation/chainfs/lib/testutil"
)

func formatTestVolume(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.chainfs")
	if err := Format(path, FormatConfig{Size: 32 << 20, RegionSize: 1 << 20}); err != nil {
		t.Fatalf("formatting: %v", err)
	}
	return path
}

func mountTestVolume(t *testing.T, path string) *Volume {
	t.Helper()
	v, err := Mount(path, MountOptions{})
	if err != nil {
		t.Fatalf("mounting %s: %v", path, err)
	}
	return v
}

func commitFile(t *testing.T, v *Volume, name string, content []byte) uint64 {
	t.Helper()
	tx := v.Begin()
	layer := v.Inodes(tx)
	record, err := layer.Create(inode.RootIno, name, inode.TypeFile, 0o644, "")
	if err != nil {
		t.Fatalf("creating %s: %v", name, err)
	}
	if _, err := layer.WriteAt(record.Ino, content, 0); err != nil {
		t.Fatalf("writing %s: %v", name, err)
	}
	if err := tx.Commit(context.Background()); err != nil {
		t.Fatalf("committing %s: %v", name, err)
	}
	return record.Ino
}

func readFile(t *testing.T, v *Volume, name string) []byte {
	t.Helper()
	snapshot := v.Snapshot()
	defer snapshot.Close()
	layer := v.InodesView(snapshot)
	record, err := layer.Lookup(inode.RootIno, name)
	if err != nil {
		t.Fatalf("looking up %s: %v", name, err)
	}
	content := make([]byte, record.Size)
	if _, err := layer.ReadAt(record.Ino, content, 0); err != nil {
		t.Fatalf("reading %s: %v", name, err)
	}
	return content
}

func TestFormatMountRoundTrip(t *testing.T) {
	path := formatTestVolume(t)
	v := mountTestVolume(t, path)

	// The first mount created the root directory.
	snapshot := v.Snapshot()
	root, err := v.InodesView(snapshot).Attrs(inode.RootIno)
	snapshot.Close()
	if err != nil {
		t.Fatalf("reading root attrs: %v", err)
	}
	if root.Type != inode.TypeDirectory || root.Links != 2 {
		t.Errorf("root inode: type %s links %d, want directory with 2 links", root.Type, root.Links)
	}

	content := bytes.Repeat([]byte("chainfs round trip "), 4000)
	ino := commitFile(t, v, "hello.txt", content)
	id := v.ID()
	if err := v.Close(); err != nil {
		t.Fatalf("closing: %v", err)
	}

	v2 := mountTestVolume(t, path)
	defer v2.Close()
	if v2.ID() != id {
		t.Errorf("volume identity changed across remount: %s then %s", id, v2.ID())
	}
	if got := readFile(t, v2, "hello.txt"); !bytes.Equal(got, content) {
		t.Errorf("content mismatch after remount: got %d bytes, want %d", len(got), len(content))
	}

	// Fresh inodes number past everything durable.
	ino2 := commitFile(t, v2, "next.txt", []byte("later"))
	if ino2 <= ino {
		t.Errorf("inode numbering went backwards after remount: %d then %d", ino, ino2)
	}
}

func TestSuperblockSlotAlternation(t *testing.T) {
	path := formatTestVolume(t)
	v := mountTestVolume(t, path)
	defer v.Close()

	for range 3 {
		name := testutil.UniqueID("file")
		commitFile(t, v, name, []byte(name))
	}
	newest := v.Superblock().TxnID

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading device file: %v", err)
	}
	slotA, errA := DecodeSuperblock(raw[0:SlotSize])
	slotB, errB := DecodeSuperblock(raw[SlotSize : 2*SlotSize])
	if errA != nil || errB != nil {
		t.Fatalf("decoding slots: %v, %v", errA, errB)
	}

	older, newer := slotA.TxnID, slotB.TxnID
	if older > newer {
		older, newer = newer, older
	}
	if newer != newest {
		t.Errorf("newest slot txn %d, want %d", newer, newest)
	}
	if older != newest-1 {
		t.Errorf("older slot txn %d, want %d", older, newest-1)
	}
	if slotA.VolumeID != slotB.VolumeID {
		t.Errorf("slots disagree on volume identity")
	}
}

func TestCorruptNewestSlotFallsBack(t *testing.T) {
	path := formatTestVolume(t)
	v := mountTestVolume(t, path)

	commitFile(t, v, "doc.txt", []byte("version one"))
	tx := v.Begin()
	layer := v.Inodes(tx)
	record, err := layer.Lookup(inode.RootIno, "doc.txt")
	if err != nil {
		t.Fatalf("looking up doc.txt: %v", err)
	}
	if _, err := layer.WriteAt(record.Ino, []byte("version two"), 0); err != nil {
		t.Fatalf("rewriting doc.txt: %v", err)
	}
	if err := tx.Commit(context.Background()); err != nil {
		t.Fatalf("committing rewrite: %v", err)
	}
	newest := v.Superblock().TxnID
	if err := v.Close(); err != nil {
		t.Fatalf("closing: %v", err)
	}

	// Tear the newest superblock, as a crash mid-publish would.
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading device file: %v", err)
	}
	newestOffset := int64(0)
	if sb, err := DecodeSuperblock(raw[SlotSize : 2*SlotSize]); err == nil && sb.TxnID == newest {
		newestOffset = SlotSize
	}
	file, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		t.Fatalf("opening device file: %v", err)
	}
	if _, err := file.WriteAt([]byte{0xde, 0xad, 0xbe, 0xef}, newestOffset+100); err != nil {
		t.Fatalf("corrupting slot: %v", err)
	}
	if err := file.Close(); err != nil {
		t.Fatalf("closing device file: %v", err)
	}

	recovered := mountTestVolume(t, path)
	defer recovered.Close()
	if got := recovered.Superblock().TxnID; got != newest-1 {
		t.Errorf("recovered txn %d, want %d", got, newest-1)
	}
	if got := readFile(t, recovered, "doc.txt"); string(got) != "version one" {
		t.Errorf("recovered content %q, want %q", got, "version one")
	}
}

func TestFormatValidation(t *testing.T) {
	dir := t.TempDir()

	tiny := filepath.Join(dir, "tiny.chainfs")
	if err := Format(tiny, FormatConfig{Size: 128 << 10, RegionSize: 1 << 20}); err == nil {
		t.Error("formatting a device smaller than one region succeeded")
	}

	odd := filepath.Join(dir, "odd.chainfs")
	if err := Format(odd, FormatConfig{Size: 32 << 20, RegionSize: 3 << 20}); err == nil {
		t.Error("formatting with a non-power-of-two region size succeeded")
	}

	path := filepath.Join(dir, "dup.chainfs")
	if err := Format(path, FormatConfig{Size: 32 << 20, RegionSize: 1 << 20}); err != nil {
		t.Fatalf("formatting: %v", err)
	}
	if err := Format(path, FormatConfig{Size: 32 << 20, RegionSize: 1 << 20}); err == nil {
		t.Error("reformatting an existing device succeeded without --force semantics")
	}
}

func TestMountRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "garbage.chainfs")
	if err := os.WriteFile(path, bytes.Repeat([]byte{0x5a}, 64<<10), 0o644); err != nil {
		t.Fatalf("writing garbage file: %v", err)
	}
	if _, err := Mount(path, MountOptions{}); err == nil {
		t.Fatal("mounting a non-volume succeeded")
	}
}

func TestSuperblockRoundTrip(t *testing.T) {
	path := formatTestVolume(t)
	v := mountTestVolume(t, path)
	commitFile(t, v, "seed", []byte("seed"))
	sb := v.Superblock()
	if err := v.Close(); err != nil {
		t.Fatalf("closing: %v", err)
	}

	decoded, err := DecodeSuperblock(sb.Encode())
	if err != nil {
		t.Fatalf("decoding encoded superblock: %v", err)
	}
	if decoded != sb {
		t.Errorf("superblock did not round-trip:\n got %+v\nwant %+v", decoded, sb)
	}

	// Any bit flip inside the checksummed range is detected.
	tampered := sb.Encode()
	tampered[40] ^= 0x01
	if _, err := DecodeSuperblock(tampered); err == nil {
		t.Error("tampered superblock decoded successfully")
	}
	if _, err := DecodeSuperblock(tampered[:100]); err == nil {
		t.Error("truncated superblock decoded successfully")
	}
}

// Mount hands back a usable engine: a raw transaction through it and
// an inode operation through the volume land in the same tree.
func TestEngineAndInodeShareTree(t *testing.T) {
	path := formatTestVolume(t)
	v := mountTestVolume(t, path)
	defer v.Close()

	ino := commitFile(t, v, "shared.txt", []byte("shared"))

	tx := v.Begin()
	if _, err := tx.Tree().InodeRecord(chain.Key(ino)); err != nil {
		t.Errorf("inode %d not visible through the engine: %v", ino, err)
	}
	if err := tx.Abort(); err != nil {
		t.Fatalf("aborting: %v", err)
	}
}
