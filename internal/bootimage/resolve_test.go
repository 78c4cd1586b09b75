package bootimage

import (
	"context"
	"testing"

	"github.com/xfeldman/nyxctrl/internal/nyxconfig"
)

func TestResolveConfigLeavesLocalPathsUntouched(t *testing.T) {
	cfg := &nyxconfig.Config{
		Runner: nyxconfig.FuzzRunnerConfig{
			Kind: nyxconfig.RunnerKernel,
			Kernel: &nyxconfig.QemuKernelConfig{
				Kernel: "/var/lib/nyx/kernel",
				Ramfs:  "/var/lib/nyx/initrd",
			},
		},
	}
	cache := NewCache(t.TempDir(), "amd64")

	if err := ResolveConfig(context.Background(), cfg, cache); err != nil {
		t.Fatalf("ResolveConfig: %v", err)
	}
	if cfg.Runner.Kernel.Kernel != "/var/lib/nyx/kernel" {
		t.Errorf("Kernel path mutated: %q", cfg.Runner.Kernel.Kernel)
	}
	if cfg.Runner.Kernel.Ramfs != "/var/lib/nyx/initrd" {
		t.Errorf("Ramfs path mutated: %q", cfg.Runner.Kernel.Ramfs)
	}
}

func TestResolveConfigRejectsMismatchedRef(t *testing.T) {
	cfg := &nyxconfig.Config{
		Runner: nyxconfig.FuzzRunnerConfig{
			Kind: nyxconfig.RunnerKernel,
			Kernel: &nyxconfig.QemuKernelConfig{
				Kernel: "/var/lib/nyx/kernel",
				Ramfs:  "oci://registry.example.com/kernels/nyx:latest",
			},
		},
	}
	cache := NewCache(t.TempDir(), "amd64")

	if err := ResolveConfig(context.Background(), cfg, cache); err == nil {
		t.Fatal("expected error when ramfs is an oci:// ref but kernel is not")
	}
}

func TestResolveConfigSnapshotLocalPathUntouched(t *testing.T) {
	cfg := &nyxconfig.Config{
		Runner: nyxconfig.FuzzRunnerConfig{
			Kind: nyxconfig.RunnerSnapshot,
			Snapshot: &nyxconfig.QemuSnapshotConfig{
				Disk: "/var/lib/nyx/disk.img",
			},
		},
	}
	cache := NewCache(t.TempDir(), "amd64")

	if err := ResolveConfig(context.Background(), cfg, cache); err != nil {
		t.Fatalf("ResolveConfig: %v", err)
	}
	if cfg.Runner.Snapshot.Disk != "/var/lib/nyx/disk.img" {
		t.Errorf("Disk path mutated: %q", cfg.Runner.Snapshot.Disk)
	}
}
