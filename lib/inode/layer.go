// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package inode

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/bureau-foundation/chainfs/lib/chain"
	"github.com/bureau-foundation/chainfs/lib/clock"
	"github.com/bureau-foundation/chainfs/lib/integrity"
)

// Sentinel errors beyond the tree's own ErrNotFound and ErrExists,
// which pass through unchanged.
var (
	// ErrNotEmpty rejects removing a directory that still has
	// entries.
	ErrNotEmpty = errors.New("directory not empty")

	// ErrNotDirectory means an operation needing a directory got
	// something else.
	ErrNotDirectory = errors.New("not a directory")

	// ErrIsDirectory means an operation got a directory where it
	// needs a file or symlink.
	ErrIsDirectory = errors.New("is a directory")

	// ErrInvalidName rejects empty names, names containing a slash,
	// and the "." and ".." pseudo-entries.
	ErrInvalidName = errors.New("invalid name")
)

// Layer exposes filesystem operations over one transaction's tree
// view. Like the transaction itself it is single-threaded; create one
// layer per transaction.
type Layer struct {
	tree    *chain.Tree
	clock   clock.Clock
	nextIno func() uint64

	// nameHash maps a directory entry name to its slot-aligned key
	// base. Tests substitute a degenerate hash to force collisions.
	nameHash func(string) uint64
}

// NewLayer wraps a transaction's tree. nextIno hands out fresh inode
// numbers; the volume owns that counter so it survives across
// transactions. Read-only layers may pass nil.
func NewLayer(tree *chain.Tree, clk clock.Clock, nextIno func() uint64) *Layer {
	if clk == nil {
		clk = clock.Real()
	}
	return &Layer{
		tree:     tree,
		clock:    clk,
		nextIno:  nextIno,
		nameHash: integrity.NameHash,
	}
}

// InitRoot creates the root directory inode. Called once, at format
// time, on an empty volume.
func (l *Layer) InitRoot() error {
	now := l.clock.Now().UnixNano()
	record := Record{
		Ino:        RootIno,
		Type:       TypeDirectory,
		Mode:       0o755,
		Links:      2,
		CreatedAt:  now,
		ModifiedAt: now,
	}
	data, err := record.encode()
	if err != nil {
		return err
	}
	return l.tree.CreateInode(RootIno, data)
}

// Attrs returns an inode's attributes.
func (l *Layer) Attrs(ino uint64) (Record, error) {
	data, err := l.tree.InodeRecord(chain.Key(ino))
	if err != nil {
		return Record{}, err
	}
	return decodeRecord(data)
}

// UpdateAttrs applies fn to an inode's attributes and stores the
// result. The inode number and type are pinned; fn cannot change
// them.
func (l *Layer) UpdateAttrs(ino uint64, fn func(*Record)) error {
	record, err := l.Attrs(ino)
	if err != nil {
		return err
	}
	pinnedIno, pinnedType := record.Ino, record.Type
	fn(&record)
	record.Ino, record.Type = pinnedIno, pinnedType
	return l.writeRecord(&record)
}

func (l *Layer) writeRecord(record *Record) error {
	data, err := record.encode()
	if err != nil {
		return err
	}
	return l.tree.SetInodeRecord(chain.Key(record.Ino), data)
}

// Create makes a new file, directory, or symlink named name in the
// directory dirIno and returns its attributes. target is the symlink
// destination and must be empty for other types.
func (l *Layer) Create(dirIno uint64, name string, typ FileType, mode uint32, target string) (Record, error) {
	if err := checkName(name); err != nil {
		return Record{}, err
	}
	if !typ.Valid() {
		return Record{}, fmt.Errorf("creating %q: invalid file type %d", name, typ)
	}
	if (typ == TypeSymlink) != (target != "") {
		return Record{}, fmt.Errorf("creating %q: symlinks need a target and nothing else takes one", name)
	}
	dir, err := l.directory(dirIno)
	if err != nil {
		return Record{}, err
	}
	if l.nextIno == nil {
		return Record{}, fmt.Errorf("creating %q: layer has no inode number source", name)
	}

	now := l.clock.Now().UnixNano()
	record := Record{
		Ino:        l.nextIno(),
		Type:       typ,
		Mode:       mode,
		Links:      1,
		CreatedAt:  now,
		ModifiedAt: now,
		Target:     target,
	}
	if typ == TypeDirectory {
		record.Links = 2
	}

	data, err := record.encode()
	if err != nil {
		return Record{}, err
	}
	if err := l.tree.CreateInode(chain.Key(record.Ino), data); err != nil {
		return Record{}, err
	}
	if err := l.addDirent(dirIno, name, record.Ino); err != nil {
		return Record{}, err
	}
	if typ == TypeDirectory {
		dir.Links++
	}
	dir.ModifiedAt = now
	if err := l.writeRecord(&dir); err != nil {
		return Record{}, err
	}
	return record, nil
}

// Lookup resolves name in the directory dirIno.
func (l *Layer) Lookup(dirIno uint64, name string) (Record, error) {
	if err := checkName(name); err != nil {
		return Record{}, err
	}
	if _, err := l.directory(dirIno); err != nil {
		return Record{}, err
	}
	_, entry, err := l.findDirent(dirIno, name)
	if err != nil {
		return Record{}, err
	}
	return l.Attrs(entry.Ino)
}

// Link adds a second name for an existing file or symlink. Hard links
// to directories are not a thing.
func (l *Layer) Link(dirIno uint64, name string, ino uint64) error {
	if err := checkName(name); err != nil {
		return err
	}
	dir, err := l.directory(dirIno)
	if err != nil {
		return err
	}
	record, err := l.Attrs(ino)
	if err != nil {
		return err
	}
	if record.Type == TypeDirectory {
		return fmt.Errorf("linking %q: %w", name, ErrIsDirectory)
	}

	if err := l.addDirent(dirIno, name, ino); err != nil {
		return err
	}
	now := l.clock.Now().UnixNano()
	record.Links++
	if err := l.writeRecord(&record); err != nil {
		return err
	}
	dir.ModifiedAt = now
	return l.writeRecord(&dir)
}

// Remove unlinks name from the directory dirIno. The last link to a
// file frees its inode and content; a directory must be empty.
func (l *Layer) Remove(dirIno uint64, name string) error {
	if err := checkName(name); err != nil {
		return err
	}
	dir, err := l.directory(dirIno)
	if err != nil {
		return err
	}
	_, entry, err := l.findDirent(dirIno, name)
	if err != nil {
		return err
	}
	record, err := l.Attrs(entry.Ino)
	if err != nil {
		return err
	}

	if record.Type == TypeDirectory {
		hasEntries, err := l.tree.InodeHasEntries(chain.Key(entry.Ino))
		if err != nil {
			return err
		}
		if hasEntries {
			return fmt.Errorf("removing %q: %w", name, ErrNotEmpty)
		}
	}

	if err := l.removeDirent(dirIno, name); err != nil {
		return err
	}

	now := l.clock.Now().UnixNano()
	if record.Type == TypeDirectory {
		if err := l.tree.DeleteInode(chain.Key(entry.Ino)); err != nil {
			return err
		}
		dir.Links--
	} else if record.Links <= 1 {
		if err := l.tree.DeleteInode(chain.Key(entry.Ino)); err != nil {
			return err
		}
	} else {
		record.Links--
		if err := l.writeRecord(&record); err != nil {
			return err
		}
	}
	dir.ModifiedAt = now
	return l.writeRecord(&dir)
}

// Rename moves srcName from srcDir to dstName in dstDir, replacing an
// existing destination the way rename(2) does: files silently, and
// only empty directories.
func (l *Layer) Rename(srcDir uint64, srcName string, dstDir uint64, dstName string) error {
	if err := checkName(srcName); err != nil {
		return err
	}
	if err := checkName(dstName); err != nil {
		return err
	}
	if _, err := l.directory(srcDir); err != nil {
		return err
	}
	if _, err := l.directory(dstDir); err != nil {
		return err
	}
	_, entry, err := l.findDirent(srcDir, srcName)
	if err != nil {
		return err
	}
	moved, err := l.Attrs(entry.Ino)
	if err != nil {
		return err
	}

	if _, existing, err := l.findDirent(dstDir, dstName); err == nil {
		if existing.Ino == entry.Ino {
			// Renaming onto another link of the same inode is a no-op
			// per POSIX; the source entry stays.
			if srcDir == dstDir && srcName == dstName {
				return nil
			}
			return l.Remove(srcDir, srcName)
		}
		replaced, err := l.Attrs(existing.Ino)
		if err != nil {
			return err
		}
		if replaced.Type == TypeDirectory && moved.Type != TypeDirectory {
			return fmt.Errorf("renaming over %q: %w", dstName, ErrIsDirectory)
		}
		if replaced.Type != TypeDirectory && moved.Type == TypeDirectory {
			return fmt.Errorf("renaming over %q: %w", dstName, ErrNotDirectory)
		}
		if err := l.Remove(dstDir, dstName); err != nil {
			return err
		}
	} else if !errors.Is(err, chain.ErrNotFound) {
		return err
	}

	if err := l.addDirent(dstDir, dstName, entry.Ino); err != nil {
		return err
	}
	if err := l.removeDirent(srcDir, srcName); err != nil {
		return err
	}

	now := l.clock.Now().UnixNano()
	if moved.Type == TypeDirectory && srcDir != dstDir {
		if err := l.UpdateAttrs(srcDir, func(r *Record) {
			r.Links--
			r.ModifiedAt = now
		}); err != nil {
			return err
		}
		if err := l.UpdateAttrs(dstDir, func(r *Record) {
			r.Links++
			r.ModifiedAt = now
		}); err != nil {
			return err
		}
		return nil
	}
	if err := l.touchDir(srcDir, now); err != nil {
		return err
	}
	if srcDir != dstDir {
		return l.touchDir(dstDir, now)
	}
	return nil
}

// Entry is one directory listing entry.
type Entry struct {
	Name string
	Ino  uint64
	Type FileType
}

// ReadDir lists a directory, sorted by name.
func (l *Layer) ReadDir(dirIno uint64) ([]Entry, error) {
	if _, err := l.directory(dirIno); err != nil {
		return nil, err
	}

	var entries []Entry
	var walkErr error
	err := l.tree.Range(chain.Key(dirIno), 0, ^chain.Key(0), func(_ chain.Key, value []byte) bool {
		entry, err := decodeDirent(value)
		if err != nil {
			walkErr = err
			return false
		}
		record, err := l.Attrs(entry.Ino)
		if err != nil {
			walkErr = fmt.Errorf("directory %d entry %q: %w", dirIno, entry.Name, err)
			return false
		}
		entries = append(entries, Entry{Name: entry.Name, Ino: entry.Ino, Type: record.Type})
		return true
	})
	if err != nil {
		return nil, err
	}
	if walkErr != nil {
		return nil, walkErr
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries, nil
}

// Readlink returns a symlink's target.
func (l *Layer) Readlink(ino uint64) (string, error) {
	record, err := l.Attrs(ino)
	if err != nil {
		return "", err
	}
	if record.Type != TypeSymlink {
		return "", fmt.Errorf("inode %d is a %s, not a symlink", ino, record.Type)
	}
	return record.Target, nil
}

// directory loads an inode and requires it to be a directory.
func (l *Layer) directory(ino uint64) (Record, error) {
	record, err := l.Attrs(ino)
	if err != nil {
		return Record{}, err
	}
	if record.Type != TypeDirectory {
		return Record{}, fmt.Errorf("inode %d: %w", ino, ErrNotDirectory)
	}
	return record, nil
}

func (l *Layer) touchDir(ino uint64, now int64) error {
	return l.UpdateAttrs(ino, func(r *Record) { r.ModifiedAt = now })
}

func checkName(name string) error {
	if name == "" || name == "." || name == ".." || strings.ContainsRune(name, '/') {
		return fmt.Errorf("name %q: %w", name, ErrInvalidName)
	}
	return nil
}

// Directory entry storage. An entry's key is its name hash plus a
// collision slot; slots for one hash are kept dense, so a probe can
// stop at the first vacant slot.

func (l *Layer) direntKey(name string, slot uint64) chain.Key {
	return chain.Key(l.nameHash(name) + slot)
}

// findDirent probes the collision slots for name. Returns the slot
// and the entry, or chain.ErrNotFound.
func (l *Layer) findDirent(dirIno uint64, name string) (uint64, dirent, error) {
	for slot := uint64(0); slot < integrity.NameHashCollisionSlots; slot++ {
		value, err := l.tree.Get(chain.Path{chain.Key(dirIno), l.direntKey(name, slot)})
		if errors.Is(err, chain.ErrNotFound) {
			break
		}
		if err != nil {
			return 0, dirent{}, err
		}
		entry, err := decodeDirent(value)
		if err != nil {
			return 0, dirent{}, err
		}
		if entry.Name == name {
			return slot, entry, nil
		}
	}
	return 0, dirent{}, fmt.Errorf("entry %q: %w", name, chain.ErrNotFound)
}

// addDirent claims the first vacant collision slot for name. A
// same-name entry found along the probe is ErrExists.
func (l *Layer) addDirent(dirIno uint64, name string, ino uint64) error {
	for slot := uint64(0); slot < integrity.NameHashCollisionSlots; slot++ {
		value, err := l.tree.Get(chain.Path{chain.Key(dirIno), l.direntKey(name, slot)})
		if errors.Is(err, chain.ErrNotFound) {
			entry := dirent{Name: name, Ino: ino}
			data, err := entry.encode()
			if err != nil {
				return err
			}
			return l.tree.Insert(chain.Path{chain.Key(dirIno), l.direntKey(name, slot)}, data)
		}
		if err != nil {
			return err
		}
		entry, err := decodeDirent(value)
		if err != nil {
			return err
		}
		if entry.Name == name {
			return fmt.Errorf("entry %q: %w", name, chain.ErrExists)
		}
	}
	return fmt.Errorf("entry %q: all %d collision slots occupied", name, integrity.NameHashCollisionSlots)
}

// removeDirent deletes name's entry and backfills the hole with the
// chain's last entry, keeping occupied slots dense.
func (l *Layer) removeDirent(dirIno uint64, name string) error {
	slot, _, err := l.findDirent(dirIno, name)
	if err != nil {
		return err
	}

	// Find the last occupied slot sharing this hash.
	last := slot
	var lastValue []byte
	for probe := slot + 1; probe < integrity.NameHashCollisionSlots; probe++ {
		value, err := l.tree.Get(chain.Path{chain.Key(dirIno), l.direntKey(name, probe)})
		if errors.Is(err, chain.ErrNotFound) {
			break
		}
		if err != nil {
			return err
		}
		last = probe
		lastValue = value
	}

	if last != slot {
		if err := l.tree.Update(chain.Path{chain.Key(dirIno), l.direntKey(name, slot)}, lastValue); err != nil {
			return err
		}
	}
	return l.tree.Delete(chain.Path{chain.Key(dirIno), l.direntKey(name, last)})
}
