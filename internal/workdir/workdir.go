// Package workdir manages the two directory trees a worker touches: the
// user-visible "workdir" (corpus, seeds, snapshot) and the private
// per-worker shared-memory directory under /dev/shm that backs the live
// mmap regions.
package workdir

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sys/unix"
)

// ErrWorkdirUnsafe marks a refusal to delete a path that does not look
// like a workdir skeleton.
var ErrWorkdirUnsafe = errors.New("workdir: path does not look like a workdir, refusing to delete")

// Skeleton subdirectories created under a workdir.
var skeletonDirs = []string{
	filepath.Join("corpus", "normal"),
	filepath.Join("corpus", "crash"),
	filepath.Join("corpus", "kasan"),
	filepath.Join("corpus", "timeout"),
	"imports",
	"seeds",
	"snapshot",
	"forced_imports",
}

// Touch-files created empty under a workdir.
var markerFiles = []string{
	"filter",
	"page_cache.lock",
	"page_cache.dump",
	"page_cache.addr",
	"program",
}

// snapshotFiles are the files a parent materializes and a child polls for
// in WaitForWorkdir — the authoritative set a child waits on before
// attaching to a snapshot it didn't create itself.
var snapshotFiles = []string{
	"page_cache.lock",
	"page_cache.dump",
	"page_cache.addr",
}

const waitPollInterval = time.Second

// PrepareWorkdir removes any existing tree at path, reaps orphaned shm
// directories sharing shmPrefix, recreates the skeleton, touches marker
// files, and copies each regular file under seedsDir in as
// seeds/seed_<i>.bin. seedsDir may be empty to skip seeding.
func PrepareWorkdir(path, shmPrefix, seedsDir string) error {
	if err := os.RemoveAll(path); err != nil {
		return fmt.Errorf("workdir: remove existing tree %s: %w", path, err)
	}
	if shmPrefix != "" {
		if _, err := ReapOrphans(shmPrefix); err != nil {
			return fmt.Errorf("workdir: reap orphans: %w", err)
		}
	}
	for _, d := range skeletonDirs {
		full := filepath.Join(path, d)
		if err := os.MkdirAll(full, 0o755); err != nil {
			return fmt.Errorf("workdir: mkdir %s: %w", full, err)
		}
	}
	for _, m := range markerFiles {
		full := filepath.Join(path, m)
		f, err := os.OpenFile(full, os.O_CREATE|os.O_RDONLY, 0o644)
		if err != nil {
			return fmt.Errorf("workdir: touch %s: %w", full, err)
		}
		f.Close()
	}
	if seedsDir == "" {
		return nil
	}
	entries, err := os.ReadDir(seedsDir)
	if err != nil {
		return fmt.Errorf("workdir: read seed dir %s: %w", seedsDir, err)
	}
	i := 0
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		src := filepath.Join(seedsDir, e.Name())
		data, err := os.ReadFile(src)
		if err != nil {
			return fmt.Errorf("workdir: read seed %s: %w", src, err)
		}
		dst := filepath.Join(path, "seeds", fmt.Sprintf("seed_%d.bin", i))
		if err := os.WriteFile(dst, data, 0o644); err != nil {
			return fmt.Errorf("workdir: write seed %s: %w", dst, err)
		}
		i++
	}
	return nil
}

// ShmWorkDir is the live lock held for a worker's shm directory lifetime.
type ShmWorkDir struct {
	Path     string
	lockFile *os.File
}

// CreateShmWorkDir builds /dev/shm/<prefix>_<pid>_<tid>/ and takes an
// exclusive advisory lock on its lock file, held for the worker's entire
// lifetime. tid identifies the owning goroutine/worker slot, not an OS
// thread id — Go does not expose the latter, and orphan detection only
// needs a stable per-worker discriminator.
func CreateShmWorkDir(prefix string, pid, tid int) (*ShmWorkDir, error) {
	path := filepath.Join("/dev/shm", fmt.Sprintf("%s_%d_%d", prefix, pid, tid))
	if err := os.MkdirAll(path, 0o700); err != nil {
		return nil, fmt.Errorf("workdir: mkdir shm dir %s: %w", path, err)
	}
	lockPath := filepath.Join(path, "lock")
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("workdir: open lock %s: %w", lockPath, err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX); err != nil {
		f.Close()
		return nil, fmt.Errorf("workdir: flock %s: %w", lockPath, err)
	}
	return &ShmWorkDir{Path: path, lockFile: f}, nil
}

// PrepareWorkerScratch creates the redqueen scratch directory the VM's
// tracer expects to exist alongside the shm workdir.
func (s *ShmWorkDir) PrepareWorkerScratch(workerID int) (string, error) {
	scratch := filepath.Join(filepath.Dir(s.Path), fmt.Sprintf("redqueen_workdir_%d", workerID))
	if err := os.MkdirAll(scratch, 0o700); err != nil {
		return "", fmt.Errorf("workdir: mkdir redqueen scratch %s: %w", scratch, err)
	}
	return scratch, nil
}

// Release unlocks and closes the lock file. It does not remove the shm
// directory — callers that want the directory gone call RemoveAll
// themselves once they've copied out anything worth keeping.
func (s *ShmWorkDir) Release() error {
	if err := unix.Flock(int(s.lockFile.Fd()), unix.LOCK_UN); err != nil {
		return fmt.Errorf("workdir: unlock %s: %w", s.lockFile.Name(), err)
	}
	return s.lockFile.Close()
}

// WaitForWorkdir polls at 1 Hz until the parent's snapshot file set exists
// under path, used by the child role once role.MustWaitForWorkdir reports
// it must wait.
func WaitForWorkdir(path string) error {
	for {
		allPresent := true
		for _, f := range snapshotFiles {
			if _, err := os.Stat(filepath.Join(path, f)); err != nil {
				allPresent = false
				break
			}
		}
		if allPresent {
			return nil
		}
		time.Sleep(waitPollInterval)
	}
}

// RemoveWorkdirSafe refuses to delete anything unless path exists and every
// skeleton subfolder exists — the bulwark against a misconfigured path
// pointing somewhere unrelated.
func RemoveWorkdirSafe(path string) error {
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrWorkdirUnsafe, path, err)
	}
	for _, d := range skeletonDirs {
		full := filepath.Join(path, d)
		if _, err := os.Stat(full); err != nil {
			return fmt.Errorf("%w: %s is missing expected subfolder %s", ErrWorkdirUnsafe, path, d)
		}
	}
	return os.RemoveAll(path)
}

// ReapOrphans scans /dev/shm for directories named <prefix>_<pid>_<tid> and
// removes every one whose lock file can be acquired non-blocking — a
// directory is deletable iff it lives under /dev/shm/ and its lock can be
// acquired without blocking, meaning no live worker still holds it. It
// returns the paths it removed.
func ReapOrphans(prefix string) ([]string, error) {
	const shmRoot = "/dev/shm"
	entries, err := os.ReadDir(shmRoot)
	if err != nil {
		return nil, fmt.Errorf("workdir: read %s: %w", shmRoot, err)
	}
	matchPrefix := prefix + "_"
	var removed []string
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), matchPrefix) {
			continue
		}
		dirPath := filepath.Join(shmRoot, e.Name())
		if !isOwnedByPrefix(e.Name(), prefix) {
			continue
		}
		lockPath := filepath.Join(dirPath, "lock")
		f, err := os.OpenFile(lockPath, os.O_RDWR, 0o600)
		if err != nil {
			// No lock file at all — not one of ours in a recognizable state;
			// leave it alone rather than guess.
			continue
		}
		lockErr := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
		if lockErr != nil {
			// Owner still alive.
			f.Close()
			continue
		}
		unix.Flock(int(f.Fd()), unix.LOCK_UN)
		f.Close()
		if err := os.RemoveAll(dirPath); err != nil {
			return removed, fmt.Errorf("workdir: remove orphan %s: %w", dirPath, err)
		}
		removed = append(removed, dirPath)
	}
	return removed, nil
}

// isOwnedByPrefix checks the remainder after the prefix looks like
// "<pid>_<tid>", guarding against an unrelated directory that merely
// happens to share the prefix string.
func isOwnedByPrefix(name, prefix string) bool {
	rest := strings.TrimPrefix(name, prefix+"_")
	if rest == name {
		return false
	}
	parts := strings.SplitN(rest, "_", 2)
	if len(parts) != 2 {
		return false
	}
	if _, err := strconv.Atoi(parts[0]); err != nil {
		return false
	}
	if _, err := strconv.Atoi(parts[1]); err != nil {
		return false
	}
	return true
}
