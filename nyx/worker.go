package nyx

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/xfeldman/nyxctrl/internal/auxbuf"
	"github.com/xfeldman/nyxctrl/internal/execloop"
	"github.com/xfeldman/nyxctrl/internal/hprintflog"
	"github.com/xfeldman/nyxctrl/internal/launcher"
	"github.com/xfeldman/nyxctrl/internal/role"
	"github.com/xfeldman/nyxctrl/internal/shm"
	"github.com/xfeldman/nyxctrl/internal/telemetry"
	"github.com/xfeldman/nyxctrl/internal/workdir"
)

// shmPrefix names this project's per-worker shm directories and orphan
// scan, distinguishing them from any other tool sharing /dev/shm.
const shmPrefix = "nyx"

const ijonRegionSize = 4096

// Worker owns one VM child process and the shared regions that back it,
// from construction until Shutdown.
type Worker struct {
	cfg               *Config
	workerID          int
	shmDir            *workdir.ShmWorkDir
	bitmap            *shm.Region
	input             *shm.Region
	ijon              *shm.Region
	vm                *launcher.Handle
	traceMode         uint8
	telemetry         *telemetry.Run
	priorHprintfCount int
	hprintfLog        *hprintflog.Sink
}

// AttachTelemetry associates run with this worker: every subsequent Exec
// call records its verdict and hprintf line count into run, and Shutdown
// marks it finished. Optional — a Worker with no attached run behaves
// exactly as one built before telemetry existed.
func (w *Worker) AttachTelemetry(run *telemetry.Run) { w.telemetry = run }

// New constructs and brings up a worker: validates the role/worker-id
// precondition, prepares or waits for the workdir depending on role,
// creates the per-worker shm directory and its backing regions, spawns the
// VM, and drives it to readiness.
func New(cfg *Config, workerID int) (*Worker, error) {
	cfg.SetWorkerID(workerID)
	if err := role.Validate(cfg.Runtime.ProcessRole, workerID); err != nil {
		return nil, fmt.Errorf("nyx: %w", err)
	}

	if role.MustPrepareWorkdir(cfg.Runtime.ProcessRole) {
		if err := workdir.PrepareWorkdir(cfg.Fuzz.WorkdirPath, shmPrefix, cfg.Fuzz.SeedPath); err != nil {
			return nil, fmt.Errorf("nyx: %w", err)
		}
	}
	if role.MustWaitForWorkdir(cfg.Runtime.ProcessRole) {
		if err := workdir.WaitForWorkdir(cfg.Fuzz.WorkdirPath); err != nil {
			return nil, fmt.Errorf("nyx: %w", err)
		}
	}

	shmDir, err := workdir.CreateShmWorkDir(shmPrefix, os.Getpid(), workerID)
	if err != nil {
		return nil, fmt.Errorf("nyx: %w", err)
	}
	if _, err := shmDir.PrepareWorkerScratch(workerID); err != nil {
		shmDir.Release()
		return nil, fmt.Errorf("nyx: %w", err)
	}

	bitmap, err := shm.Create(filepath.Join(shmDir.Path, "bitmap"), int(cfg.Fuzz.BitmapSize), nil)
	if err != nil {
		shmDir.Release()
		return nil, fmt.Errorf("nyx: %w", err)
	}
	input, err := shm.CreateInput(filepath.Join(shmDir.Path, "input"), int(cfg.Fuzz.InputBufferSize))
	if err != nil {
		bitmap.Close()
		shmDir.Release()
		return nil, fmt.Errorf("nyx: %w", err)
	}
	ijon, err := shm.Create(filepath.Join(shmDir.Path, "ijon"), ijonRegionSize, nil)
	if err != nil {
		input.Close()
		bitmap.Close()
		shmDir.Release()
		return nil, fmt.Errorf("nyx: %w", err)
	}

	if err := symlinkRegions(cfg.Fuzz.WorkdirPath, workerID, bitmap, input, ijon); err != nil {
		ijon.Close()
		input.Close()
		bitmap.Close()
		shmDir.Release()
		return nil, fmt.Errorf("nyx: %w", err)
	}

	argv, auxFilename, ctrlFilename := launcher.BuildCommand(cfg.Sharedir, cfg)

	var hprintfWriter io.Writer
	if cfg.Runtime.HprintfFD != nil {
		hprintfWriter = os.NewFile(uintptr(*cfg.Runtime.HprintfFD), "hprintf")
	}

	logPath := filepath.Join(cfg.Fuzz.WorkdirPath, "hprintf", fmt.Sprintf("worker_%d.ndjson", workerID))
	hlog, err := hprintflog.New(workerID, logPath)
	if err != nil {
		ijon.Close()
		input.Close()
		bitmap.Close()
		shmDir.Release()
		return nil, fmt.Errorf("nyx: %w", err)
	}
	if hprintfWriter != nil {
		hprintfWriter = execloop.NewFanoutWriter(hprintfWriter, hlog)
	} else {
		hprintfWriter = execloop.NewFanoutWriter(execloop.NewColorStdout(os.Stdout), hlog)
	}

	vm, err := launcher.Launch(argv, auxFilename, ctrlFilename, int(cfg.Runtime.AuxBufferSize), hprintfWriter)
	if err != nil {
		hlog.Close()
		ijon.Close()
		input.Close()
		bitmap.Close()
		shmDir.Release()
		return nil, fmt.Errorf("nyx: %w", err)
	}

	w := &Worker{cfg: cfg, workerID: workerID, shmDir: shmDir, bitmap: bitmap, input: input, ijon: ijon, vm: vm, hprintfLog: hlog}
	w.resizeFromCapabilities()
	w.traceMode = vm.Aux.CapAgentTraceBitmap()

	return w, nil
}

// resizeFromCapabilities grows the bitmap and input regions in place when
// the VM advertises a larger size than currently mapped, rounding to the
// alignment each region requires.
func (w *Worker) resizeFromCapabilities() {
	aux := w.vm.Aux
	if want := aux.CapAgentCoverageBitmapSize(); want > uint32(w.bitmap.Len()) {
		w.bitmap.Resize(int(shm.RoundUpBitmap(want)))
	}
	if want := aux.CapAgentInputBufferSize(); want > uint32(w.input.Len()) {
		w.input.Resize(int(shm.RoundUpInput(want)))
	}
}

func symlinkRegions(workdirPath string, workerID int, bitmap, input, ijon *shm.Region) error {
	links := []struct {
		region *shm.Region
		name   string
	}{
		{bitmap, fmt.Sprintf("bitmap_%d", workerID)},
		{input, fmt.Sprintf("payload_%d", workerID)},
		{ijon, fmt.Sprintf("ijon_%d", workerID)},
	}
	for _, l := range links {
		if err := shm.Symlink(l.region.Path(), filepath.Join(workdirPath, l.name)); err != nil {
			return err
		}
	}
	return nil
}

// InputBuffer returns the live input region. The slice is valid until
// Shutdown or the next capability-driven resize.
func (w *Worker) InputBuffer() []byte { return w.input.Bytes() }

// BitmapBuffer returns the live coverage bitmap region.
func (w *Worker) BitmapBuffer() []byte { return w.bitmap.Bytes() }

// IjonBuffer returns the live feedback region.
func (w *Worker) IjonBuffer() []byte { return w.ijon.Bytes() }

// IjonView returns a typed overlay over the live feedback region: the
// interpreter-stats header and the 256 high-water max slots.
func (w *Worker) IjonView() *auxbuf.IjonView { return auxbuf.NewIjonView(w.ijon.Bytes()) }

// TraceMode reports the VM's announced coverage collection mode: 0 for
// hardware tracing, 1 for compile-time instrumentation.
func (w *Worker) TraceMode() uint8 { return w.traceMode }

// SetInput writes the 4-byte little-endian length prefix followed by up to
// min(len(data), region_size-4) bytes of payload.
func (w *Worker) SetInput(data []byte) {
	buf := w.input.Bytes()
	max := len(buf) - 4
	n := len(data)
	if n > max {
		n = max
	}
	binary.LittleEndian.PutUint32(buf, uint32(n))
	copy(buf[4:], data[:n])
}

// OptionSetReloadMode stages the reload-mode flag for the next OptionApply.
func (w *Worker) OptionSetReloadMode(v bool) { w.vm.Aux.SetReloadMode(boolToU8(v)) }

// OptionSetTraceMode stages the trace-mode flag for the next OptionApply.
func (w *Worker) OptionSetTraceMode(v bool) { w.vm.Aux.SetTraceMode(boolToU8(v)) }

// OptionSetRedqueenMode stages the redqueen-mode flag for the next OptionApply.
func (w *Worker) OptionSetRedqueenMode(v bool) { w.vm.Aux.SetRedqueenMode(boolToU8(v)) }

// OptionSetDeleteIncrementalSnapshot stages the discard-tmp-snapshot flag.
func (w *Worker) OptionSetDeleteIncrementalSnapshot(v bool) {
	w.vm.Aux.SetDiscardTmpSnapshot(boolToU8(v))
}

// OptionSetTimeout stages the per-iteration timeout.
func (w *Worker) OptionSetTimeout(sec uint8, usec uint32) { w.vm.Aux.SetTimeout(sec, usec) }

// OptionApply commits staged config changes by setting changed=1; the VM
// observes them only between iterations.
func (w *Worker) OptionApply() { w.vm.Aux.SetChanged(1) }

// Exec runs one fuzzing iteration over the previously written input region
// and returns the classified verdict.
func (w *Worker) Exec() (NyxReturnValue, error) {
	verdict, err := w.vm.Loop.Exec()
	if w.telemetry != nil && err == nil {
		total := w.vm.Loop.HprintfCount()
		w.telemetry.RecordIteration(verdict.String(), total-w.priorHprintfCount)
		w.priorHprintfCount = total
	}
	return verdict, err
}

// AuxString returns the current misc-region payload decoded as a string —
// used for post-iteration inspection of hprintf/abort/sanitizer text.
func (w *Worker) AuxString() string { return w.vm.Aux.MiscString() }

// AuxTmpSnapshotCreated reports whether the last iteration created an
// incremental snapshot.
func (w *Worker) AuxTmpSnapshotCreated() bool { return w.vm.Aux.TmpSnapshotCreated() }

// RecentHprintf returns up to the last n hprintf lines drained from this
// worker's VM, oldest first, independent of AuxString (which only ever
// reflects the current iteration's misc payload).
func (w *Worker) RecentHprintf(n int) []hprintflog.Entry { return w.hprintfLog.Recent(n) }

func boolToU8(v bool) uint8 {
	if v {
		return 1
	}
	return 0
}

// Shutdown kills and reaps the VM, copies live shm files into the workdir
// for post-mortem, and tears down the shm directory.
func (w *Worker) Shutdown() error {
	if w.telemetry != nil {
		w.telemetry.Finish()
	}
	if w.vm.Cmd.Process != nil {
		w.vm.Cmd.Process.Kill()
		w.vm.Cmd.Wait()
	}
	w.vm.Ctrl.Close()
	w.vm.AuxFile.Close()

	w.copyLiveFilesToWorkdir()

	if w.hprintfLog != nil {
		w.hprintfLog.Close()
	}
	w.ijon.Close()
	w.input.Close()
	w.bitmap.Close()
	if err := w.shmDir.Release(); err != nil {
		return fmt.Errorf("nyx: %w", err)
	}
	return os.RemoveAll(w.shmDir.Path)
}

// copyLiveFilesToWorkdir snapshots the shm region files into the workdir's
// snapshot directory before the shm directory is torn down, so a crashed
// run can still be inspected post-mortem.
func (w *Worker) copyLiveFilesToWorkdir() {
	dest := filepath.Join(w.cfg.Fuzz.WorkdirPath, "snapshot", fmt.Sprintf("worker_%d", w.workerID))
	os.MkdirAll(dest, 0o755)
	for _, r := range []*shm.Region{w.bitmap, w.input, w.ijon} {
		data, err := os.ReadFile(r.Path())
		if err != nil {
			continue
		}
		os.WriteFile(filepath.Join(dest, filepath.Base(r.Path())), data, 0o644)
	}
}
