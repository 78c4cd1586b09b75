// Package launcher assembles the VM command line from an active config,
// spawns the VM, connects the control socket, maps the aux buffer, and
// drives bring-up to a ready worker.
package launcher

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"time"

	"github.com/xfeldman/nyxctrl/internal/auxbuf"
	"github.com/xfeldman/nyxctrl/internal/control"
	"github.com/xfeldman/nyxctrl/internal/execloop"
	"github.com/xfeldman/nyxctrl/internal/nyxconfig"
	"github.com/xfeldman/nyxctrl/internal/role"
	"github.com/xfeldman/nyxctrl/internal/shm"
)

// qemuKernelAppend is the fixed kernel command line appended for kernel
// boots; it disables ASLR and a handful of behaviors that would otherwise
// make snapshot-reset execution non-deterministic.
const qemuKernelAppend = "nokaslr oops=panic nopti ignore_rlimit_data"

// dialTimeout bounds how long the launcher waits for the VM to create its
// control socket before giving up with a launch error.
const dialTimeout = 30 * time.Second

// BuildCommand assembles the full VM argv from the resolved config:
// runner-specific boot args, generic display/serial/kvm/net flags, the
// per-worker chardev and nyx device with its keyed options, the machine/cpu
// pair, and the role-dependent snapshot options.
func BuildCommand(sharedir string, cfg *nyxconfig.Config) ([]string, string, string) {
	var cmd []string
	workerID := cfg.Runtime.WorkerID
	workdir := cfg.Fuzz.WorkdirPath
	debug := cfg.Runtime.DebugMode

	auxFilename := filepath.Join(workdir, fmt.Sprintf("aux_buffer_%d", workerID))
	controlFilename := filepath.Join(workdir, fmt.Sprintf("interface_%d", workerID))

	switch cfg.Runner.Kind {
	case nyxconfig.RunnerKernel:
		k := cfg.Runner.Kernel
		cmd = append(cmd, k.QemuBinary, "-kernel", k.Kernel, "-initrd", k.Ramfs, "-append", qemuKernelAppend)
	case nyxconfig.RunnerSnapshot:
		s := cfg.Runner.Snapshot
		cmd = append(cmd, s.QemuBinary, "-drive", fmt.Sprintf("file=%s,index=0,media=disk", s.Disk))
	}

	if !debug {
		cmd = append(cmd, "-display", "none")
	} else {
		cmd = append(cmd, "-vnc", fmt.Sprintf(":%d", workerID))
	}

	cmd = append(cmd, "-serial")
	if debug {
		cmd = append(cmd, "mon:stdio")
	} else if cfg.Runner.Kind == nyxconfig.RunnerKernel {
		cmd = append(cmd, "none")
	} else {
		cmd = append(cmd, "stdio")
	}

	cmd = append(cmd,
		"-enable-kvm",
		"-net", "none",
		"-k", "de",
		"-m", strconv.FormatUint(cfg.Fuzz.MemLimit, 10),
		"-chardev", fmt.Sprintf("socket,server,path=%s,id=nyx_interface", controlFilename),
		"-device", buildNyxDeviceOptions(sharedir, workdir, workerID, cfg),
		"-machine", "kAFL64-v1",
		"-cpu", "kAFL64-Hypervisor-v1",
	)

	cmd = append(cmd, snapshotArgs(workdir, cfg)...)

	return cmd, auxFilename, controlFilename
}

func buildNyxDeviceOptions(sharedir, workdir string, workerID int, cfg *nyxconfig.Config) string {
	opts := "nyx,chardev=nyx_interface"
	opts += fmt.Sprintf(",bitmap_size=%d", cfg.Fuzz.BitmapSize)
	opts += fmt.Sprintf(",input_buffer_size=%d", cfg.Fuzz.InputBufferSize)
	opts += fmt.Sprintf(",worker_id=%d", workerID)
	opts += fmt.Sprintf(",workdir=%s", workdir)
	opts += fmt.Sprintf(",sharedir=%s", sharedir)
	opts += fmt.Sprintf(",aux_buffer_size=%d", cfg.Runtime.AuxBufferSize)

	for i, f := range cfg.Fuzz.IptFilters {
		if f.Active() {
			opts += fmt.Sprintf(",ip%d_a=%d,ip%d_b=%d", i, f.A, i, f.B)
		}
	}
	if cfg.Fuzz.CowPrimarySize != 0 {
		opts += fmt.Sprintf(",cow_primary_size=%d", cfg.Fuzz.CowPrimarySize)
	}
	return opts
}

// snapshotArgs builds the role-dependent -fast_vm_reload table. A pinned
// ReuseSnapshotPath overrides role entirely.
func snapshotArgs(workdir string, cfg *nyxconfig.Config) []string {
	snapPath := filepath.Join(workdir, "snapshot") + "/"

	if cfg.Runtime.ReuseSnapshotPath != "" {
		return []string{"-fast_vm_reload", fmt.Sprintf("path=%s,load=on", cfg.Runtime.ReuseSnapshotPath)}
	}

	if cfg.Runner.Kind == nyxconfig.RunnerSnapshot {
		presnap := cfg.Runner.Snapshot.Presnapshot
		switch cfg.Runtime.ProcessRole {
		case role.Standalone:
			if presnap == "" {
				return []string{"-fast_vm_reload", fmt.Sprintf("path=%s,load=off,skip_serialization=on", snapPath)}
			}
			return []string{"-fast_vm_reload", fmt.Sprintf("path=%s,load=off,pre_path=%s,skip_serialization=on", snapPath, presnap)}
		case role.Parent:
			return []string{"-fast_vm_reload", fmt.Sprintf("path=%s,load=off,pre_path=%s", snapPath, presnap)}
		default: // Child
			return []string{"-fast_vm_reload", fmt.Sprintf("path=%s,load=on", snapPath)}
		}
	}

	switch cfg.Runtime.ProcessRole {
	case role.Standalone:
		return []string{"-fast_vm_reload", fmt.Sprintf("path=%s,load=off,skip_serialization=on", snapPath)}
	case role.Parent:
		return []string{"-fast_vm_reload", fmt.Sprintf("path=%s,load=off", snapPath)}
	default: // Child
		return []string{"-fast_vm_reload", fmt.Sprintf("path=%s,load=on", snapPath)}
	}
}

// Handle is a spawned, fully-brought-up VM worker: the live process, its
// control socket, and its mapped aux buffer.
type Handle struct {
	Cmd     *exec.Cmd
	Ctrl    *control.Client
	AuxFile *shm.Region
	Aux     *auxbuf.Buffer
	Loop    *execloop.Loop
}

// Launch spawns the VM with the given argv, connects the control socket,
// maps and validates the aux buffer, and drives bring-up. On
// any failure it kills and reaps the VM before returning, to avoid leaving
// a zombie or an orphaned process behind.
func Launch(argv []string, auxFilename, controlFilename string, auxBufferSize int, hprintfDest io.Writer) (*Handle, error) {
	if len(argv) == 0 {
		return nil, fmt.Errorf("launcher: empty command line")
	}
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("launcher: spawn %s: %w", argv[0], err)
	}

	ctrl, err := control.Dial(controlFilename, dialTimeout)
	if err != nil {
		killAndReap(cmd)
		return nil, fmt.Errorf("launcher: connect control socket: %w", err)
	}

	region, err := waitForAuxFile(auxFilename, auxBufferSize)
	if err != nil {
		ctrl.Close()
		killAndReap(cmd)
		return nil, fmt.Errorf("launcher: map aux buffer: %w", err)
	}

	aux, err := auxbuf.New(region.Bytes())
	if err != nil {
		region.Close()
		ctrl.Close()
		killAndReap(cmd)
		return nil, fmt.Errorf("launcher: aux buffer: %w", err)
	}
	if err := aux.ValidateHeader(); err != nil {
		region.Close()
		ctrl.Close()
		killAndReap(cmd)
		return nil, fmt.Errorf("launcher: %w", err)
	}

	loop := execloop.New(ctrl, aux, hprintfDest)
	if err := loop.RunToReady(); err != nil {
		region.Close()
		ctrl.Close()
		killAndReap(cmd)
		return nil, fmt.Errorf("launcher: bring-up: %w", err)
	}

	applyBringUpConfig(aux, cfgDefaults())

	return &Handle{Cmd: cmd, Ctrl: ctrl, AuxFile: region, Aux: aux, Loop: loop}, nil
}

// bringUpConfig holds the reload mode and timeout the launcher commits
// once the VM reaches state 3.
type bringUpConfig struct {
	reloadMode uint8
	timeoutSec uint8
	timeoutUs  uint32
}

func cfgDefaults() bringUpConfig {
	return bringUpConfig{reloadMode: 1, timeoutSec: 2, timeoutUs: 0}
}

func applyBringUpConfig(aux *auxbuf.Buffer, c bringUpConfig) {
	aux.SetReloadMode(c.reloadMode)
	aux.SetTimeout(c.timeoutSec, c.timeoutUs)
	aux.SetChanged(1)
}

// waitForAuxFile polls for the aux-buffer file the VM creates at startup,
// then maps it shared read-write.
func waitForAuxFile(path string, size int) (*shm.Region, error) {
	deadline := time.Now().Add(dialTimeout)
	for {
		if _, err := os.Stat(path); err == nil {
			return shm.Open(path)
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("aux buffer file %s never appeared", path)
		}
		time.Sleep(time.Millisecond)
	}
}

func killAndReap(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	cmd.Process.Kill()
	cmd.Wait()
}
