package nyx

import (
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/xfeldman/nyxctrl/internal/auxbuf"
	"github.com/xfeldman/nyxctrl/internal/control"
	"github.com/xfeldman/nyxctrl/internal/execloop"
	"github.com/xfeldman/nyxctrl/internal/launcher"
	"github.com/xfeldman/nyxctrl/internal/shm"
	"github.com/xfeldman/nyxctrl/internal/workdir"
)

// fakeVM plays the guest side of the protocol over a real unix socket, with
// the worker's bitmap/input/ijon regions backed by real mmap'd files, so
// the façade is exercised without an actual VM binary.
type fakeVM struct {
	t    *testing.T
	ln   net.Listener
	conn net.Conn
	aux  *auxbuf.Buffer

	auxRegion    *shm.Region
	bitmapRegion *shm.Region
	inputRegion  *shm.Region
	ijonRegion   *shm.Region
}

func newFakeWorker(t *testing.T) (*fakeVM, *Worker) {
	t.Helper()
	dir := t.TempDir()

	sockPath := filepath.Join(dir, "ctrl.sock")
	ln, err := net.Listen("unix", sockPath)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}

	auxRegion, err := shm.Create(filepath.Join(dir, "aux"), auxbuf.MinBufferSize, nil)
	if err != nil {
		t.Fatalf("shm.Create aux: %v", err)
	}
	hostAux, err := auxbuf.New(auxRegion.Bytes())
	if err != nil {
		t.Fatal(err)
	}
	hostAux.SetHeader()
	hostAux.SetState(3)
	hostAux.SetExecResultCode(auxbuf.NyxSuccess)

	bitmapRegion, err := shm.Create(filepath.Join(dir, "bitmap"), 64*1024, nil)
	if err != nil {
		t.Fatalf("shm.Create bitmap: %v", err)
	}
	inputRegion, err := shm.CreateInput(filepath.Join(dir, "input"), 4096)
	if err != nil {
		t.Fatalf("shm.CreateInput: %v", err)
	}
	ijonRegion, err := shm.Create(filepath.Join(dir, "ijon"), ijonRegionSize, nil)
	if err != nil {
		t.Fatalf("shm.Create ijon: %v", err)
	}

	fv := &fakeVM{
		t: t, ln: ln, aux: hostAux,
		auxRegion: auxRegion, bitmapRegion: bitmapRegion, inputRegion: inputRegion, ijonRegion: ijonRegion,
	}

	connCh := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err == nil {
			connCh <- c
		}
	}()

	cl, err := control.Dial(sockPath, 2*time.Second)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	fv.conn = <-connCh

	// A real but harmless child process stands in for the VM so Shutdown's
	// kill/wait has something to operate on.
	cmd := exec.Command("sleep", "5")
	if err := cmd.Start(); err != nil {
		t.Fatalf("spawn stand-in process: %v", err)
	}

	loop := execloop.New(cl, hostAux, nil)
	handle := &launcher.Handle{Cmd: cmd, Ctrl: cl, AuxFile: auxRegion, Aux: hostAux, Loop: loop}

	cfg := &Config{Sharedir: dir}
	cfg.Fuzz.WorkdirPath = dir

	w := &Worker{
		cfg: cfg, workerID: 0,
		bitmap: bitmapRegion, input: inputRegion, ijon: ijonRegion,
		vm: handle, traceMode: hostAux.CapAgentTraceBitmap(),
	}

	return fv, w
}

func (fv *fakeVM) step(set func(*auxbuf.Buffer), replyByte byte) {
	buf := make([]byte, 1)
	if _, err := fv.conn.Read(buf); err != nil {
		fv.t.Fatalf("fakeVM read request: %v", err)
	}
	if set != nil {
		set(fv.aux)
	}
	if _, err := fv.conn.Write([]byte{replyByte}); err != nil {
		fv.t.Fatalf("fakeVM write reply: %v", err)
	}
}

func (fv *fakeVM) close() {
	fv.conn.Close()
	fv.ln.Close()
	fv.auxRegion.Close()
	fv.bitmapRegion.Close()
	fv.inputRegion.Close()
	fv.ijonRegion.Close()
}

func TestSetInputWritesLengthPrefix(t *testing.T) {
	fv, w := newFakeWorker(t)
	defer fv.close()
	defer w.vm.Ctrl.Close()

	payload := []byte("hello world")
	w.SetInput(payload)

	buf := w.InputBuffer()
	n := uint32(buf[0]) | uint32(buf[1])<<8 | uint32(buf[2])<<16 | uint32(buf[3])<<24
	if int(n) != len(payload) {
		t.Fatalf("length prefix = %d, want %d", n, len(payload))
	}
	if string(buf[4:4+n]) != string(payload) {
		t.Fatalf("payload = %q, want %q", buf[4:4+n], payload)
	}
}

func TestSetInputTruncatesToRegionSize(t *testing.T) {
	fv, w := newFakeWorker(t)
	defer fv.close()
	defer w.vm.Ctrl.Close()

	oversized := make([]byte, 8192)
	for i := range oversized {
		oversized[i] = 0xAA
	}
	w.SetInput(oversized)

	buf := w.InputBuffer()
	n := uint32(buf[0]) | uint32(buf[1])<<8 | uint32(buf[2])<<16 | uint32(buf[3])<<24
	if int(n) != len(buf)-4 {
		t.Fatalf("length prefix = %d, want %d (clamped)", n, len(buf)-4)
	}
}

func TestOptionApplyExecutesOneIteration(t *testing.T) {
	fv, w := newFakeWorker(t)
	defer fv.close()
	defer w.vm.Ctrl.Close()

	w.OptionSetTimeout(3, 0)
	w.OptionSetRedqueenMode(true)
	w.OptionApply()
	if w.vm.Aux.Changed() != 1 {
		t.Fatalf("OptionApply did not set changed=1")
	}

	done := make(chan struct{})
	go func() {
		fv.step(func(a *auxbuf.Buffer) { a.SetExecResultCode(auxbuf.NyxSuccess) }, 0)
		close(done)
	}()

	verdict, err := w.Exec()
	<-done
	if err != nil {
		t.Fatalf("Exec: %v", err)
	}
	if verdict != Normal {
		t.Fatalf("verdict = %v, want Normal", verdict)
	}
}

func TestExecCrashVerdict(t *testing.T) {
	fv, w := newFakeWorker(t)
	defer fv.close()
	defer w.vm.Ctrl.Close()

	done := make(chan struct{})
	go func() {
		fv.step(func(a *auxbuf.Buffer) {
			a.SetExecResultCode(auxbuf.NyxCrash)
			a.SetMisc([]byte("panic in guest\n"))
		}, 0)
		close(done)
	}()

	verdict, err := w.Exec()
	<-done
	if err != nil {
		t.Fatalf("Exec: %v", err)
	}
	if verdict != Crash {
		t.Fatalf("verdict = %v, want Crash", verdict)
	}
	if w.AuxString() != "panic in guest\n" {
		t.Fatalf("AuxString() = %q", w.AuxString())
	}
}

func TestAuxTmpSnapshotCreated(t *testing.T) {
	fv, w := newFakeWorker(t)
	defer fv.close()
	defer w.vm.Ctrl.Close()

	w.vm.Aux.SetTmpSnapshotCreated(true)
	if !w.AuxTmpSnapshotCreated() {
		t.Fatalf("AuxTmpSnapshotCreated() = false, want true")
	}
}

func TestShutdownTearsDownWithoutPanicking(t *testing.T) {
	fv, w := newFakeWorker(t)
	// Shutdown itself closes the aux/bitmap/input/ijon regions and the
	// control connection; only the listener and guest-side socket end
	// remain for us to clean up.
	defer fv.ln.Close()
	defer fv.conn.Close()

	shmDir, err := workdir.CreateShmWorkDir("nyxtest", os.Getpid(), 99999)
	if err != nil {
		t.Fatalf("CreateShmWorkDir: %v", err)
	}
	w.shmDir = shmDir

	if err := w.Shutdown(); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if _, err := os.Stat(shmDir.Path); !os.IsNotExist(err) {
		t.Fatalf("shm workdir still exists after Shutdown")
	}
}
