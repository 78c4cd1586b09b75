// Package nyxconfig loads the layered config.ron / defaults.ron pair that
// describes a fuzzing campaign: runner selection (kernel boot vs. snapshot
// boot), fuzzer tuning, and instruction-pointer filters. It parses RON over
// a hand-rolled parser since no Go ecosystem library speaks the format (see
// DESIGN.md).
package nyxconfig

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/xfeldman/nyxctrl/internal/role"
	"golang.org/x/sys/unix"
)

const defaultAuxBufferSize = 4096
const defaultInputBufferSize = 128 * 1024

// IptFilter is one instruction-pointer filter range; it is active only when
// both bounds are non-zero.
type IptFilter struct {
	A uint64
	B uint64
}

func (f IptFilter) Active() bool { return f.A != 0 && f.B != 0 }

// RunnerKind selects between kernel and pre-built-disk boot.
type RunnerKind int

const (
	RunnerKernel RunnerKind = iota
	RunnerSnapshot
)

// SnapshotPlacementKind controls the fuzzer's incremental-snapshot strategy.
type SnapshotPlacementKind int

const (
	SnapshotPlacementNone SnapshotPlacementKind = iota
	SnapshotPlacementBalanced
	SnapshotPlacementAggressive
)

// SnapshotRefKind selects how a QemuSnapshotConfig's root snapshot is
// obtained.
type SnapshotRefKind int

const (
	SnapshotRefReuse SnapshotRefKind = iota
	SnapshotRefCreate
	SnapshotRefDefaultPath
)

// SnapshotRef is the parsed form of the Reuse/Create/DefaultPath RON enum.
type SnapshotRef struct {
	Kind SnapshotRefKind
	Path string // set for Reuse and Create
}

// QemuKernelConfig boots from a kernel/initrd pair plus an append string.
type QemuKernelConfig struct {
	QemuBinary string
	Kernel     string
	Ramfs      string
	Debug      bool
}

// QemuSnapshotConfig boots from a pre-built disk image plus a presnapshot.
type QemuSnapshotConfig struct {
	QemuBinary  string
	Disk        string
	Presnapshot string
	SnapshotRef SnapshotRef
	Debug       bool
}

// FuzzRunnerConfig is the resolved runner selection — exactly one of Kernel
// or Snapshot is populated, discriminated by Kind.
type FuzzRunnerConfig struct {
	Kind     RunnerKind
	Kernel   *QemuKernelConfig
	Snapshot *QemuSnapshotConfig
}

// FuzzerConfig is the resolved fuzzer tuning block.
type FuzzerConfig struct {
	WorkdirPath               string
	BitmapSize                uint32
	InputBufferSize           uint32
	MemLimit                  uint64
	TimeLimitSec              uint64
	SeedPath                  string // empty if unset
	Dict                      [][]byte
	SnapshotPlacement         SnapshotPlacementKind
	DumpPythonCodeForInputs   bool
	ExitAfterFirstCrash       bool
	WriteProtectedInputBuffer bool
	CowPrimarySize            uint64 // 0 = unset
	IptFilters                [4]IptFilter
}

// RuntimeConfig holds the programmatic-only options — never read
// from config.ron, only ever set through the façade's setters.
type RuntimeConfig struct {
	HprintfFD         *int
	ProcessRole       role.Role
	ReuseSnapshotPath string
	DebugMode         bool
	WorkerID          int
	AuxBufferSize     uint32
}

// Config is the fully resolved, immutable-except-for-setters configuration
// of one worker.
type Config struct {
	// Sharedir is the directory config.ron was loaded from — the VM
	// command line's sharedir device option and this package's relative
	// path resolution both refer back to it.
	Sharedir string
	Runner   FuzzRunnerConfig
	Fuzz     FuzzerConfig
	Runtime  RuntimeConfig
}

// absPath mirrors into_absolute_path: a relative path is joined to baseDir
// and made absolute and lexically cleaned (symlinks are not resolved); an
// absolute path passes through unchanged.
func absPath(baseDir, p string) (string, error) {
	if p == "" {
		return "", nil
	}
	if filepath.IsAbs(p) {
		return p, nil
	}
	joined := filepath.Join(baseDir, p)
	abs, err := filepath.Abs(joined)
	if err != nil {
		return "", fmt.Errorf("nyxconfig: resolve path %s: %w", joined, err)
	}
	return abs, nil
}

// LoadConfig loads <sharedir>/config.ron, follows its
// include_default_config_path to a defaults file, merges the two (config
// values win, defaults fill gaps), and resolves every path to absolute
// form.
func LoadConfig(sharedir string) (*Config, error) {
	primaryPath := filepath.Join(sharedir, "config.ron")
	primaryText, err := os.ReadFile(primaryPath)
	if err != nil {
		return nil, fmt.Errorf("nyxconfig: read %s: %w", primaryPath, err)
	}
	primary, err := parseRON(string(primaryText))
	if err != nil {
		return nil, fmt.Errorf("nyxconfig: parse %s: %w", primaryPath, err)
	}

	includeNode := primary.field("include_default_config_path").someValue()
	includeRel, ok := includeNode.asString()
	if !ok {
		return nil, fmt.Errorf("nyxconfig: %s: no include_default_config_path given", primaryPath)
	}
	defaultPath, err := absPath(sharedir, includeRel)
	if err != nil {
		return nil, err
	}
	defaultDir := filepath.Dir(defaultPath)

	defaultText, err := os.ReadFile(defaultPath)
	if err != nil {
		return nil, fmt.Errorf("nyxconfig: default config not found (%s): %w", defaultPath, err)
	}
	defaults, err := parseRON(string(defaultText))
	if err != nil {
		return nil, fmt.Errorf("nyxconfig: parse %s: %w", defaultPath, err)
	}

	runner, err := mergeRunner(defaultDir, defaults.field("runner"), primary.field("runner"))
	if err != nil {
		return nil, err
	}
	fuzz, err := mergeFuzz(sharedir, defaults.field("fuzz"), primary.field("fuzz"))
	if err != nil {
		return nil, err
	}

	absSharedir, err := filepath.Abs(sharedir)
	if err != nil {
		return nil, fmt.Errorf("nyxconfig: resolve sharedir %s: %w", sharedir, err)
	}

	return &Config{
		Sharedir: absSharedir,
		Runner:   runner,
		Fuzz:     fuzz,
		Runtime: RuntimeConfig{
			ProcessRole:   role.Standalone,
			AuxBufferSize: defaultAuxBufferSize,
		},
	}, nil
}

func mergeRunner(defaultConfigDir string, def, cfg *node) (FuzzRunnerConfig, error) {
	if cfg == nil {
		cfg = def
	}
	if cfg == nil {
		return FuzzRunnerConfig{}, fmt.Errorf("nyxconfig: no runner configuration given")
	}
	ident := cfg.ident
	if ident == "" && def != nil {
		ident = def.ident
	}
	switch ident {
	case "QemuSnapshot":
		snap, err := mergeQemuSnapshot(defaultConfigDir, def, cfg)
		if err != nil {
			return FuzzRunnerConfig{}, err
		}
		return FuzzRunnerConfig{Kind: RunnerSnapshot, Snapshot: &snap}, nil
	default:
		kern, err := mergeQemuKernel(defaultConfigDir, def, cfg)
		if err != nil {
			return FuzzRunnerConfig{}, err
		}
		return FuzzRunnerConfig{Kind: RunnerKernel, Kernel: &kern}, nil
	}
}

func pickString(def, cfg *node, name string) (string, bool) {
	if cfg != nil {
		if s, ok := cfg.field(name).someValue().asString(); ok {
			return s, true
		}
	}
	if def != nil {
		if s, ok := def.field(name).someValue().asString(); ok {
			return s, true
		}
	}
	return "", false
}

func pickBool(def, cfg *node, name string) (bool, bool) {
	if cfg != nil {
		if b, ok := cfg.field(name).someValue().asBool(); ok {
			return b, true
		}
	}
	if def != nil {
		if b, ok := def.field(name).someValue().asBool(); ok {
			return b, true
		}
	}
	return false, false
}

func mergeQemuKernel(defaultConfigDir string, def, cfg *node) (QemuKernelConfig, error) {
	binary, ok := pickString(def, cfg, "qemu_binary")
	if !ok {
		return QemuKernelConfig{}, fmt.Errorf("nyxconfig: no qemu_binary specified")
	}
	kernel, ok := pickString(def, cfg, "kernel")
	if !ok {
		return QemuKernelConfig{}, fmt.Errorf("nyxconfig: no kernel specified")
	}
	ramfs, ok := pickString(def, cfg, "ramfs")
	if !ok {
		return QemuKernelConfig{}, fmt.Errorf("nyxconfig: no ramfs specified")
	}
	debug, ok := pickBool(def, cfg, "debug")
	if !ok {
		return QemuKernelConfig{}, fmt.Errorf("nyxconfig: no debug specified")
	}
	var err error
	if binary, err = absPath(defaultConfigDir, binary); err != nil {
		return QemuKernelConfig{}, err
	}
	if kernel, err = absPath(defaultConfigDir, kernel); err != nil {
		return QemuKernelConfig{}, err
	}
	if ramfs, err = absPath(defaultConfigDir, ramfs); err != nil {
		return QemuKernelConfig{}, err
	}
	return QemuKernelConfig{QemuBinary: binary, Kernel: kernel, Ramfs: ramfs, Debug: debug}, nil
}

func mergeQemuSnapshot(defaultConfigDir string, def, cfg *node) (QemuSnapshotConfig, error) {
	binary, ok := pickString(def, cfg, "qemu_binary")
	if !ok {
		return QemuSnapshotConfig{}, fmt.Errorf("nyxconfig: no qemu_binary specified")
	}
	disk, ok := pickString(def, cfg, "hda")
	if !ok {
		return QemuSnapshotConfig{}, fmt.Errorf("nyxconfig: no hda specified")
	}
	presnap, ok := pickString(def, cfg, "presnapshot")
	if !ok {
		return QemuSnapshotConfig{}, fmt.Errorf("nyxconfig: no presnapshot specified")
	}
	debug, ok := pickBool(def, cfg, "debug")
	if !ok {
		return QemuSnapshotConfig{}, fmt.Errorf("nyxconfig: no debug specified")
	}

	var snapNode *node
	if cfg != nil {
		snapNode = cfg.field("snapshot_path")
	}
	if snapNode == nil && def != nil {
		snapNode = def.field("snapshot_path")
	}
	ref, err := parseSnapshotRef(snapNode)
	if err != nil {
		return QemuSnapshotConfig{}, err
	}

	var convErr error
	if binary, convErr = absPath(defaultConfigDir, binary); convErr != nil {
		return QemuSnapshotConfig{}, convErr
	}
	if disk, convErr = absPath(defaultConfigDir, disk); convErr != nil {
		return QemuSnapshotConfig{}, convErr
	}
	if presnap, convErr = absPath(defaultConfigDir, presnap); convErr != nil {
		return QemuSnapshotConfig{}, convErr
	}
	if ref.Kind != SnapshotRefDefaultPath {
		if ref.Path, convErr = absPath(defaultConfigDir, ref.Path); convErr != nil {
			return QemuSnapshotConfig{}, convErr
		}
	}

	return QemuSnapshotConfig{
		QemuBinary:  binary,
		Disk:        disk,
		Presnapshot: presnap,
		SnapshotRef: ref,
		Debug:       debug,
	}, nil
}

func parseSnapshotRef(n *node) (SnapshotRef, error) {
	if n == nil {
		return SnapshotRef{}, fmt.Errorf("nyxconfig: no snapshot_path specified")
	}
	switch n.ident {
	case "Reuse":
		if len(n.items) != 1 {
			return SnapshotRef{}, fmt.Errorf("nyxconfig: Reuse requires one path argument")
		}
		s, _ := n.items[0].asString()
		return SnapshotRef{Kind: SnapshotRefReuse, Path: s}, nil
	case "Create":
		if len(n.items) != 1 {
			return SnapshotRef{}, fmt.Errorf("nyxconfig: Create requires one path argument")
		}
		s, _ := n.items[0].asString()
		return SnapshotRef{Kind: SnapshotRefCreate, Path: s}, nil
	case "DefaultPath":
		return SnapshotRef{Kind: SnapshotRefDefaultPath}, nil
	default:
		return SnapshotRef{}, fmt.Errorf("nyxconfig: unrecognized snapshot_path variant %q", n.ident)
	}
}

func mergeFuzz(sharedir string, def, cfg *node) (FuzzerConfig, error) {
	workdir, ok := pickString(def, cfg, "workdir_path")
	if !ok {
		return FuzzerConfig{}, fmt.Errorf("nyxconfig: no workdir_path specified")
	}
	workdir, err := absPath(sharedir, workdir)
	if err != nil {
		return FuzzerConfig{}, err
	}

	var bitmapSize int64
	if cfg != nil {
		bitmapSize, ok = cfg.field("bitmap_size").someValue().asInt()
	}
	if !ok && def != nil {
		bitmapSize, ok = def.field("bitmap_size").someValue().asInt()
	}
	if !ok {
		return FuzzerConfig{}, fmt.Errorf("nyxconfig: no bitmap_size specified")
	}

	inputBufferSize := int64(defaultInputBufferSize)
	if v, ok := fieldInt(cfg, "input_buffer_size"); ok {
		inputBufferSize = v
	} else if v, ok := fieldInt(def, "input_buffer_size"); ok {
		inputBufferSize = v
	}

	memLimit, ok := fieldIntEither(def, cfg, "mem_limit")
	if !ok {
		return FuzzerConfig{}, fmt.Errorf("nyxconfig: no mem_limit specified")
	}
	timeLimit, ok := fieldIntEither(def, cfg, "time_limit")
	if !ok {
		return FuzzerConfig{}, fmt.Errorf("nyxconfig: no time_limit specified")
	}

	seedPathRaw, _ := pickOptionString(def, cfg, "seed_path")
	seedPath := ""
	if seedPathRaw != "" {
		var err error
		seedPath, err = absPath(sharedir, seedPathRaw)
		if err != nil {
			return FuzzerConfig{}, err
		}
	}

	dict := parseDict(pickField(def, cfg, "dict"))

	placement := SnapshotPlacementNone
	if n := pickField(def, cfg, "snapshot_placement").someValue(); n != nil {
		switch n.ident {
		case "balanced":
			placement = SnapshotPlacementBalanced
		case "aggressive":
			placement = SnapshotPlacementAggressive
		}
	}

	dump, _ := pickBool(def, cfg, "dump_python_code_for_inputs")
	exitFirst, _ := pickBool(def, cfg, "exit_after_first_crash")
	writeProtected, _ := pickBool(def, cfg, "write_protected_input_buffer")

	cow, _ := fieldIntEither(def, cfg, "cow_primary_size")

	var filters [4]IptFilter
	for i := 0; i < 4; i++ {
		name := fmt.Sprintf("ip%d", i)
		n := pickField(def, cfg, name)
		if n == nil {
			continue
		}
		a, _ := fieldIntEither(nil, n, "a")
		b, _ := fieldIntEither(nil, n, "b")
		filters[i] = IptFilter{A: uint64(a), B: uint64(b)}
	}

	return FuzzerConfig{
		WorkdirPath:               workdir,
		BitmapSize:                uint32(bitmapSize),
		InputBufferSize:           uint32(inputBufferSize),
		MemLimit:                  uint64(memLimit),
		TimeLimitSec:              uint64(timeLimit),
		SeedPath:                  seedPath,
		Dict:                      dict,
		SnapshotPlacement:         placement,
		DumpPythonCodeForInputs:   dump,
		ExitAfterFirstCrash:       exitFirst,
		WriteProtectedInputBuffer: writeProtected,
		CowPrimarySize:            uint64(cow),
		IptFilters:                filters,
	}, nil
}

func pickField(def, cfg *node, name string) *node {
	if cfg != nil {
		if f := cfg.field(name); f != nil {
			return f
		}
	}
	if def != nil {
		return def.field(name)
	}
	return nil
}

func fieldInt(n *node, name string) (int64, bool) {
	if n == nil {
		return 0, false
	}
	return n.field(name).someValue().asInt()
}

func fieldIntEither(def, cfg *node, name string) (int64, bool) {
	if cfg != nil {
		if v, ok := fieldInt(cfg, name); ok {
			return v, ok
		}
	}
	if def != nil {
		if v, ok := fieldInt(def, name); ok {
			return v, ok
		}
	}
	return 0, false
}

func pickOptionString(def, cfg *node, name string) (string, bool) {
	n := pickField(def, cfg, name)
	return n.someValue().asString()
}

func parseDict(n *node) [][]byte {
	n = n.someValue()
	if n == nil || n.kind != kindList {
		return nil
	}
	var out [][]byte
	for _, item := range n.items {
		if item.kind != kindList {
			continue
		}
		entry := make([]byte, 0, len(item.items))
		for _, b := range item.items {
			if v, ok := b.asInt(); ok {
				entry = append(entry, byte(v))
			}
		}
		out = append(out, entry)
	}
	return out
}

// --- Runtime setters (programmatic only, never persisted to config.ron) ---

// SetWorkdirPath overrides the resolved workdir path.
func (c *Config) SetWorkdirPath(path string) { c.Fuzz.WorkdirPath = path }

// SetInputBufferSize validates a 4 KiB-multiple size before applying it.
func (c *Config) SetInputBufferSize(size uint32) bool {
	if size == 0 || size%4096 != 0 {
		return false
	}
	c.Fuzz.InputBufferSize = size
	return true
}

// SetInputBufferWriteProtection toggles whether the VM is forbidden from
// writing to the input region after handoff.
func (c *Config) SetInputBufferWriteProtection(protect bool) {
	c.Fuzz.WriteProtectedInputBuffer = protect
}

// SetHprintfFD validates fd with F_GETFD before recording it; the core
// never takes ownership of it (never closes it) — the caller opened it and
// the caller closes it.
func (c *Config) SetHprintfFD(fd int) error {
	if _, err := unix.FcntlInt(uintptr(fd), unix.F_GETFD, 0); err != nil {
		return fmt.Errorf("nyxconfig: hprintf fd %d is not live: %w", fd, err)
	}
	c.Runtime.HprintfFD = &fd
	return nil
}

// SetProcessRole sets the worker's cooperation role.
func (c *Config) SetProcessRole(r role.Role) { c.Runtime.ProcessRole = r }

// SetReuseSnapshotPath pins a snapshot path to load regardless of role.
func (c *Config) SetReuseSnapshotPath(path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("nyxconfig: resolve reuse snapshot path %s: %w", path, err)
	}
	c.Runtime.ReuseSnapshotPath = abs
	return nil
}

// SetWorkerID sets the worker id used for VM instance naming and role
// validation.
func (c *Config) SetWorkerID(id int) { c.Runtime.WorkerID = id }

// SetAuxBufferSize validates n >= 4096 and n % 4096 == 0 before applying it.
func (c *Config) SetAuxBufferSize(n uint32) bool {
	if n < defaultAuxBufferSize || n%4096 != 0 {
		return false
	}
	c.Runtime.AuxBufferSize = n
	return true
}
