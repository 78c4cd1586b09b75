// Package nyx is the public façade for harnesses: load a config, construct
// a worker, submit input, execute iterations, and read back coverage and
// verdicts.
package nyx

import (
	"context"

	"github.com/xfeldman/nyxctrl/internal/bootimage"
	"github.com/xfeldman/nyxctrl/internal/nyxconfig"
)

// Config is the resolved, per-campaign configuration a harness loads once
// and then customizes with the Set* methods before constructing a Worker.
type Config = nyxconfig.Config

// LoadConfig reads <sharedir>/config.ron, merges it with its referenced
// defaults file, and resolves every path to absolute form.
func LoadConfig(sharedir string) (*Config, error) {
	return nyxconfig.LoadConfig(sharedir)
}

// ResolveBootImages rewrites any "oci://" kernel/ramfs/disk references in
// cfg's runner selection into local paths, pulling and unpacking through a
// digest-keyed cache under cacheDir as needed. A no-op for configs that
// only name local filesystem paths. Call once, before New, when a campaign
// is distributed across worker hosts that share a boot-artifact registry
// instead of a locally built kernel.
func ResolveBootImages(ctx context.Context, cfg *Config, cacheDir, arch string) error {
	cache := bootimage.NewCache(cacheDir, arch)
	return bootimage.ResolveConfig(ctx, cfg, cache)
}
