// Package shm creates, maps and resizes the backing files of the shared
// regions exchanged with the VM: the aux buffer, the coverage bitmap, the
// input buffer, and the IJON feedback page. Every region is a file inside
// the worker's shm workdir, mapped MAP_SHARED so the VM's mapping of the
// same file observes host writes and vice versa.
package shm

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// bitmapAlign and inputAlign are the rounding units mandated for
// capability-driven resizes: coverage regions round up to a
// 64-byte multiple, page-backed regions round up to a 4 KiB multiple.
const (
	bitmapAlign = 64
	inputAlign  = 4096
)

// sentinel is written into a freshly created input file so a VM that reads
// it before the first iteration fails predictably instead of silently
// consuming zero bytes.
var sentinel = []byte("not_init")

// Region is a live mmap mapping of one backing file.
type Region struct {
	path string
	file *os.File
	mem  []byte
}

// Bytes returns the mapped region. The slice is invalidated by any
// subsequent call to Resize or Close.
func (r *Region) Bytes() []byte { return r.mem }

// Len returns the current mapped size.
func (r *Region) Len() int { return len(r.mem) }

// Path returns the backing file's path.
func (r *Region) Path() string { return r.path }

// Create truncates (or creates) the file at path to size bytes and maps it
// shared read-write. fill, if non-nil, is written into the start of the new
// mapping (used for the input region's "not_init" sentinel).
func Create(path string, size int, fill []byte) (*Region, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("shm: open %s: %w", path, err)
	}
	if err := f.Truncate(int64(size)); err != nil {
		f.Close()
		return nil, fmt.Errorf("shm: truncate %s to %d: %w", path, size, err)
	}
	mem, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("shm: mmap %s: %w", path, err)
	}
	if len(fill) > 0 {
		copy(mem, fill)
	}
	return &Region{path: path, file: f, mem: mem}, nil
}

// CreateInput creates the input region pre-filled with the "not_init"
// sentinel.
func CreateInput(path string, size int) (*Region, error) {
	return Create(path, size, sentinel)
}

// Open maps an existing file shared read-write without truncating it —
// used by the child role, which maps regions the parent already created.
func Open(path string) (*Region, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("shm: open %s: %w", path, err)
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("shm: stat %s: %w", path, err)
	}
	size := int(st.Size())
	mem, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("shm: mmap %s: %w", path, err)
	}
	return &Region{path: path, file: f, mem: mem}, nil
}

// RoundUpBitmap rounds n up to the next multiple of 64.
func RoundUpBitmap(n uint32) uint32 { return roundUp(n, bitmapAlign) }

// RoundUpInput rounds n up to the next multiple of 4096.
func RoundUpInput(n uint32) uint32 { return roundUp(n, inputAlign) }

func roundUp(n, align uint32) uint32 {
	if n%align == 0 {
		return n
	}
	return (n/align + 1) * align
}

// Resize grows the region to newSize in place: unmaps the old mapping,
// truncates the file, and remaps. The previous Bytes() slice must not be
// used again after this call. The resize only ever grows a region;
// shrinking is never requested by the VM's capability advertisement.
func (r *Region) Resize(newSize int) error {
	if newSize <= len(r.mem) {
		return nil
	}
	if err := unix.Munmap(r.mem); err != nil {
		return fmt.Errorf("shm: munmap %s during resize: %w", r.path, err)
	}
	if err := r.file.Truncate(int64(newSize)); err != nil {
		return fmt.Errorf("shm: truncate %s to %d: %w", r.path, newSize, err)
	}
	mem, err := unix.Mmap(int(r.file.Fd()), 0, newSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return fmt.Errorf("shm: remap %s at %d: %w", r.path, newSize, err)
	}
	r.mem = mem
	return nil
}

// Close unmaps the region and closes the backing file descriptor. It does
// not remove the file — ownership of the shm workdir lifecycle belongs to
// internal/workdir.
func (r *Region) Close() error {
	var err error
	if r.mem != nil {
		err = unix.Munmap(r.mem)
		r.mem = nil
	}
	if cerr := r.file.Close(); cerr != nil && err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("shm: close %s: %w", r.path, err)
	}
	return nil
}

// Symlink installs (or replaces) a stable symlink at linkPath pointing at
// target, removing any stale link left over from a crashed prior run first.
func Symlink(target, linkPath string) error {
	if _, err := os.Lstat(linkPath); err == nil {
		if rerr := os.Remove(linkPath); rerr != nil {
			return fmt.Errorf("shm: remove stale symlink %s: %w", linkPath, rerr)
		}
	}
	if err := os.Symlink(target, linkPath); err != nil {
		return fmt.Errorf("shm: symlink %s -> %s: %w", linkPath, target, err)
	}
	return nil
}
