// nyx-imagepull prefetches an OCI-packaged kernel+initrd (or disk) bundle
// into the local boot-image cache, so a worker host can launch VMs offline
// and so the first real worker launch never pays a registry round-trip.
//
// Usage: nyx-imagepull [-cache-dir dir] [-arch arch] <oci-ref>
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/xfeldman/nyxctrl/internal/bootimage"
)

func defaultCacheDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "nyx-bootimages")
	}
	return filepath.Join(home, ".cache", "nyxctrl", "bootimages")
}

func main() {
	cacheDir := flag.String("cache-dir", defaultCacheDir(), "local boot-image cache directory")
	arch := flag.String("arch", runtime.GOARCH, "guest architecture to pull")
	timeout := flag.Duration("timeout", 10*time.Minute, "pull timeout")
	flag.Parse()

	if flag.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: nyx-imagepull [-cache-dir dir] [-arch arch] <oci-ref>")
		os.Exit(1)
	}
	ref := bootimage.StripRef(flag.Arg(0))

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	cache := bootimage.NewCache(*cacheDir, *arch)
	dir, digest, err := cache.GetOrPull(ctx, ref)
	if err != nil {
		fmt.Fprintf(os.Stderr, "nyx-imagepull: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("cached %s\n  digest: %s\n  dir:    %s\n", ref, digest, dir)
}
