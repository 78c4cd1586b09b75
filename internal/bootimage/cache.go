package bootimage

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// ociPrefix marks a QemuKernelConfig.Kernel/Ramfs or QemuSnapshotConfig.Disk
// path as an OCI reference to resolve through a Cache, rather than a local
// filesystem path.
const ociPrefix = "oci://"

// IsRef reports whether path names an OCI boot-artifact reference rather
// than a local filesystem path.
func IsRef(path string) bool { return strings.HasPrefix(path, ociPrefix) }

// Cache provides digest-keyed caching of unpacked OCI boot-artifact bundles.
// Layout: {cacheDir}/sha256_{digest}/ holding whatever files the image's
// layers contained (kernel, initrd, or disk image). A ref→digest index
// avoids a registry round-trip on every worker launch once an image has
// been resolved once.
type Cache struct {
	mu       sync.Mutex
	cacheDir string
	arch     string
	refIndex map[string]string // imageRef -> digest
}

// NewCache creates a boot-image cache rooted at cacheDir for guest
// architecture arch.
func NewCache(cacheDir, arch string) *Cache {
	return &Cache{cacheDir: cacheDir, arch: arch, refIndex: make(map[string]string)}
}

// GetOrPull returns the local directory holding the unpacked contents of
// imageRef (an "oci://" reference with the prefix already stripped),
// pulling and unpacking it only if it is not already cached by digest.
func (c *Cache) GetOrPull(ctx context.Context, imageRef string) (dir, digest string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if d, ok := c.refIndex[imageRef]; ok {
		cachedDir := filepath.Join(c.cacheDir, digestToDirName(d))
		if _, err := os.Stat(cachedDir); err == nil {
			return cachedDir, d, nil
		}
		delete(c.refIndex, imageRef)
	}
	if len(c.refIndex) == 0 {
		c.rebuildIndex()
		if d, ok := c.refIndex[imageRef]; ok {
			cachedDir := filepath.Join(c.cacheDir, digestToDirName(d))
			if _, err := os.Stat(cachedDir); err == nil {
				return cachedDir, d, nil
			}
		}
	}

	log.Printf("bootimage: resolving %s", imageRef)
	result, err := Pull(ctx, imageRef, c.arch)
	if err != nil {
		return "", "", fmt.Errorf("bootimage: pull %s: %w", imageRef, err)
	}
	digest = result.Digest
	cachedDir := filepath.Join(c.cacheDir, digestToDirName(digest))
	c.refIndex[imageRef] = digest

	if _, err := os.Stat(cachedDir); err == nil {
		c.writeRefFile(cachedDir, imageRef)
		return cachedDir, digest, nil
	}

	log.Printf("bootimage: unpacking %s (%s)", imageRef, digest)
	tmpDir := cachedDir + ".tmp"
	os.RemoveAll(tmpDir)
	if err := os.MkdirAll(tmpDir, 0o755); err != nil {
		return "", "", fmt.Errorf("bootimage: create tmp dir: %w", err)
	}
	if err := Unpack(result.Image, tmpDir); err != nil {
		os.RemoveAll(tmpDir)
		return "", "", fmt.Errorf("bootimage: unpack %s: %w", imageRef, err)
	}
	if err := os.Rename(tmpDir, cachedDir); err != nil {
		os.RemoveAll(tmpDir)
		return "", "", fmt.Errorf("bootimage: rename cache dir: %w", err)
	}
	c.writeRefFile(cachedDir, imageRef)
	log.Printf("bootimage: cached %s at %s", imageRef, cachedDir)
	return cachedDir, digest, nil
}

// ResolveKernel pulls ref (with the "oci://" prefix already stripped) and
// returns the absolute paths to the bundle's "kernel" and "initrd" files, as
// used to populate a QemuKernelConfig.
func (c *Cache) ResolveKernel(ctx context.Context, ref string) (kernel, initrd string, err error) {
	dir, _, err := c.GetOrPull(ctx, ref)
	if err != nil {
		return "", "", err
	}
	kernel = filepath.Join(dir, "kernel")
	initrd = filepath.Join(dir, "initrd")
	if _, err := os.Stat(kernel); err != nil {
		return "", "", fmt.Errorf("bootimage: %s: no kernel file in unpacked bundle", ref)
	}
	if _, err := os.Stat(initrd); err != nil {
		return "", "", fmt.Errorf("bootimage: %s: no initrd file in unpacked bundle", ref)
	}
	return kernel, initrd, nil
}

// ResolveDisk pulls ref and returns the absolute path to the bundle's "disk"
// file, as used to populate a QemuSnapshotConfig.
func (c *Cache) ResolveDisk(ctx context.Context, ref string) (disk string, err error) {
	dir, _, err := c.GetOrPull(ctx, ref)
	if err != nil {
		return "", err
	}
	disk = filepath.Join(dir, "disk")
	if _, err := os.Stat(disk); err != nil {
		return "", fmt.Errorf("bootimage: %s: no disk file in unpacked bundle", ref)
	}
	return disk, nil
}

// StripRef removes the "oci://" prefix, the form ResolveKernel/ResolveDisk
// expect their ref argument in.
func StripRef(path string) string { return strings.TrimPrefix(path, ociPrefix) }

func (c *Cache) writeRefFile(cachedDir, imageRef string) {
	os.WriteFile(filepath.Join(cachedDir, ".image-ref"), []byte(imageRef), 0o644)
}

func (c *Cache) rebuildIndex() {
	entries, err := os.ReadDir(c.cacheDir)
	if err != nil {
		return
	}
	for _, e := range entries {
		if !e.IsDir() || strings.HasSuffix(e.Name(), ".tmp") {
			continue
		}
		refFile := filepath.Join(c.cacheDir, e.Name(), ".image-ref")
		data, err := os.ReadFile(refFile)
		if err != nil {
			continue
		}
		ref := strings.TrimSpace(string(data))
		digest := strings.Replace(e.Name(), "_", ":", 1)
		c.refIndex[ref] = digest
	}
}

func digestToDirName(digest string) string {
	return strings.Replace(digest, ":", "_", 1)
}
