// Package bootimage resolves oci://registry/name:tag boot-artifact
// references into a local, digest-keyed cache of unpacked kernel/initrd (or
// disk) files, so a fleet of worker hosts can share one distribution story
// for the VM boot artifacts instead of each needing a locally built kernel.
package bootimage

import (
	"context"
	"fmt"

	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/name"
	"github.com/google/go-containerregistry/pkg/v1/remote"
	"github.com/google/go-containerregistry/pkg/v1/types"
)

// PullResult is a resolved, not-yet-unpacked image and its content digest.
type PullResult struct {
	Image  v1.Image
	Digest string // e.g. "sha256:abc123..."
}

// Pull resolves imageRef and pulls the linux variant matching arch (the
// guest architecture the VM binary was built for — "amd64" in the common
// case, since the nyx device and kAFL64 machine type are x86-only, but kept
// a parameter rather than hardcoded for forward compatibility).
func Pull(ctx context.Context, imageRef, arch string) (*PullResult, error) {
	ref, err := name.ParseReference(imageRef)
	if err != nil {
		return nil, fmt.Errorf("bootimage: parse image ref %q: %w", imageRef, err)
	}

	platform := &v1.Platform{OS: "linux", Architecture: arch}
	desc, err := remote.Get(ref, remote.WithContext(ctx), remote.WithPlatform(*platform))
	if err != nil {
		return nil, fmt.Errorf("bootimage: pull %s: %w", imageRef, err)
	}

	var img v1.Image
	switch desc.MediaType {
	case types.OCIImageIndex, types.DockerManifestList:
		idx, err := desc.ImageIndex()
		if err != nil {
			return nil, fmt.Errorf("bootimage: get image index: %w", err)
		}
		indexManifest, err := idx.IndexManifest()
		if err != nil {
			return nil, fmt.Errorf("bootimage: get index manifest: %w", err)
		}
		for _, m := range indexManifest.Manifests {
			if m.Platform != nil && m.Platform.OS == "linux" && m.Platform.Architecture == arch {
				img, err = idx.Image(m.Digest)
				if err != nil {
					return nil, fmt.Errorf("bootimage: get %s image: %w", arch, err)
				}
				break
			}
		}
		if img == nil {
			return nil, fmt.Errorf("bootimage: no linux/%s variant found in %s", arch, imageRef)
		}
	default:
		img, err = desc.Image()
		if err != nil {
			return nil, fmt.Errorf("bootimage: get image: %w", err)
		}
		cfg, err := img.ConfigFile()
		if err != nil {
			return nil, fmt.Errorf("bootimage: get image config: %w", err)
		}
		if cfg.OS != "linux" || cfg.Architecture != arch {
			return nil, fmt.Errorf("bootimage: image %s is %s/%s, want linux/%s", imageRef, cfg.OS, cfg.Architecture, arch)
		}
	}

	digest, err := img.Digest()
	if err != nil {
		return nil, fmt.Errorf("bootimage: get digest: %w", err)
	}
	return &PullResult{Image: img, Digest: digest.String()}, nil
}
