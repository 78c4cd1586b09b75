package bootimage

import (
	"context"
	"fmt"

	"github.com/xfeldman/nyxctrl/internal/nyxconfig"
)

// ResolveConfig rewrites any "oci://" kernel/ramfs/disk references in cfg's
// runner selection into local filesystem paths, pulling and unpacking
// through cache as needed. Config values that are already local paths are
// left untouched. Called through nyx.ResolveBootImages before nyx.New builds
// the VM command line, so launcher.BuildCommand never needs to know about
// OCI references.
func ResolveConfig(ctx context.Context, cfg *nyxconfig.Config, cache *Cache) error {
	switch cfg.Runner.Kind {
	case nyxconfig.RunnerKernel:
		k := cfg.Runner.Kernel
		if IsRef(k.Kernel) {
			kernel, initrd, err := cache.ResolveKernel(ctx, StripRef(k.Kernel))
			if err != nil {
				return fmt.Errorf("bootimage: resolve kernel config: %w", err)
			}
			k.Kernel = kernel
			if IsRef(k.Ramfs) {
				k.Ramfs = initrd
			}
		} else if IsRef(k.Ramfs) {
			return fmt.Errorf("bootimage: ramfs %q is an oci:// reference but kernel is not; they must be pulled from the same bundle", k.Ramfs)
		}
	case nyxconfig.RunnerSnapshot:
		s := cfg.Runner.Snapshot
		if IsRef(s.Disk) {
			disk, err := cache.ResolveDisk(ctx, StripRef(s.Disk))
			if err != nil {
				return fmt.Errorf("bootimage: resolve disk config: %w", err)
			}
			s.Disk = disk
		}
	}
	return nil
}
