// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

//go:build darwin || linux

package block

import (
	"fmt"
	"io"
	"runtime/debug"

	"golang.org/x/sys/unix"
)

// Device is the fixed-size file backing a chainfs volume. Reads go
// through a read-only memory map for zero-syscall overhead; writes use
// pwrite to avoid triggering read-before-write page faults.
//
// Device is safe for concurrent use. ReadAt calls are lock-free (they
// access the memory map directly). WriteAt calls to disjoint offsets
// may run concurrently; the allocator guarantees writers never share a
// block.
type Device struct {
	fd   int
	data []byte // mmap'd MAP_SHARED, PROT_READ
	size int64
}

// CreateDevice creates a new device file of the given size. Fails if
// the file already exists — formatting an existing volume must be an
// explicit, destructive decision made by the caller (chainfs-mkfs has
// a --force flag that unlinks first).
func CreateDevice(path string, size int64) (*Device, error) {
	if size <= 0 {
		return nil, fmt.Errorf("device size must be positive, got %d", size)
	}

	fd, err := unix.Open(path, unix.O_CREAT|unix.O_EXCL|unix.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("creating device %s: %w", path, err)
	}
	if err := unix.Ftruncate(fd, size); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("truncating new device to %d bytes: %w", size, err)
	}
	return mapDevice(fd, size)
}

// OpenDevice opens an existing device file. The size is taken from
// the file itself.
func OpenDevice(path string) (*Device, error) {
	fd, err := unix.Open(path, unix.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("opening device %s: %w", path, err)
	}

	var stat unix.Stat_t
	if err := unix.Fstat(fd, &stat); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("stating device: %w", err)
	}
	if stat.Size == 0 {
		unix.Close(fd)
		return nil, fmt.Errorf("device %s is empty; format it with chainfs-mkfs", path)
	}
	return mapDevice(fd, stat.Size)
}

func mapDevice(fd int, size int64) (*Device, error) {
	// Memory-map the file read-only. Writes go through pwrite() and
	// the kernel updates the shared mapping automatically.
	data, err := unix.Mmap(fd, 0, int(size), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("memory-mapping device: %w", err)
	}
	return &Device{fd: fd, data: data, size: size}, nil
}

// ReadAt reads len(p) bytes from the device starting at byte offset
// off. Reads go through the memory map — no system call overhead for
// data that is in the page cache.
func (d *Device) ReadAt(p []byte, off int64) (readCount int, err error) {
	if off < 0 || off >= d.size {
		return 0, io.EOF
	}

	// Guard against page faults from I/O errors on the underlying
	// storage (e.g., disk failure). Without this, a SIGBUS would
	// crash the process.
	old := debug.SetPanicOnFault(true)
	defer func() {
		debug.SetPanicOnFault(old)
		if r := recover(); r != nil {
			err = fmt.Errorf("page fault reading device at offset %d: %v", off, r)
		}
	}()

	readCount = copy(p, d.data[off:])
	if readCount < len(p) {
		return readCount, io.EOF
	}
	return readCount, nil
}

// WriteAt writes len(p) bytes to the device starting at byte offset
// off. Writes use pwrite() to avoid triggering read-before-write page
// faults on the memory map.
func (d *Device) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 || off+int64(len(p)) > d.size {
		return 0, fmt.Errorf("write at offset %d with length %d exceeds device size %d",
			off, len(p), d.size)
	}

	totalWritten := 0
	for len(p) > 0 {
		written, err := unix.Pwrite(d.fd, p, off)
		totalWritten += written
		if err != nil {
			return totalWritten, fmt.Errorf("pwrite at offset %d: %w", off, err)
		}
		p = p[written:]
		off += int64(written)
	}
	return totalWritten, nil
}

// Sync flushes all pending writes to stable media. This is the
// durability barrier between a transaction's block writes and its
// root publish.
func (d *Device) Sync() error {
	if err := unix.Fsync(d.fd); err != nil {
		return fmt.Errorf("fsync: %w", err)
	}
	return nil
}

// Close unmaps the memory region and closes the file descriptor.
func (d *Device) Close() error {
	var firstErr error
	if err := unix.Munmap(d.data); err != nil {
		firstErr = fmt.Errorf("unmapping device: %w", err)
	}
	if err := unix.Close(d.fd); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("closing device fd: %w", err)
	}
	d.data = nil
	d.fd = -1
	return firstErr
}

// Size returns the device size in bytes.
func (d *Device) Size() int64 {
	return d.size
}
