package execloop

import (
	"bytes"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/xfeldman/nyxctrl/internal/auxbuf"
	"github.com/xfeldman/nyxctrl/internal/control"
	"github.com/xfeldman/nyxctrl/internal/shm"
)

// fakeVM plays the guest side of the rendezvous protocol over a real unix
// socket and a real mmap'd aux-buffer file, so execloop is exercised
// end-to-end without the actual VM binary.
type fakeVM struct {
	t      *testing.T
	ln     net.Listener
	conn   net.Conn
	aux    *auxbuf.Buffer
	region *shm.Region
}

func newFakeVM(t *testing.T) (*fakeVM, *control.Client, *auxbuf.Buffer) {
	t.Helper()
	dir := t.TempDir()

	sockPath := filepath.Join(dir, "ctrl.sock")
	ln, err := net.Listen("unix", sockPath)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}

	auxPath := filepath.Join(dir, "aux")
	region, err := shm.Create(auxPath, auxbuf.MinBufferSize, nil)
	if err != nil {
		t.Fatalf("shm.Create: %v", err)
	}
	hostAux, err := auxbuf.New(region.Bytes())
	if err != nil {
		t.Fatal(err)
	}
	hostAux.SetHeader()

	fv := &fakeVM{t: t, ln: ln, aux: hostAux, region: region}

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

	return fv, cl, hostAux
}

// step replies to one pending Execute() with replyByte after running set
// against the shared aux buffer.
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
	fv.region.Close()
}

func TestExecNormalIteration(t *testing.T) {
	fv, cl, aux := newFakeVM(t)
	defer fv.close()
	defer cl.Close()

	done := make(chan struct{})
	go func() {
		fv.step(func(a *auxbuf.Buffer) { a.SetExecResultCode(auxbuf.NyxSuccess) }, 0)
		close(done)
	}()

	loop := New(cl, aux, nil)
	verdict, err := loop.Exec()
	<-done
	if err != nil {
		t.Fatalf("Exec: %v", err)
	}
	if verdict != VerdictNormal {
		t.Fatalf("verdict = %v, want Normal", verdict)
	}
}

func TestExecHprintfDrain(t *testing.T) {
	fv, cl, aux := newFakeVM(t)
	defer fv.close()
	defer cl.Close()

	var out bytes.Buffer
	loop := New(cl, aux, &out)

	done := make(chan struct{})
	go func() {
		fv.step(func(a *auxbuf.Buffer) {
			a.SetExecResultCode(auxbuf.NyxHprintf)
			a.SetMisc([]byte("hello\n"))
		}, 0)
		fv.step(func(a *auxbuf.Buffer) { a.SetExecResultCode(auxbuf.NyxSuccess) }, 0)
		close(done)
	}()

	verdict, err := loop.Exec()
	<-done
	if err != nil {
		t.Fatalf("Exec: %v", err)
	}
	if verdict != VerdictNormal {
		t.Fatalf("verdict = %v, want Normal", verdict)
	}
	if out.String() != "hello\n" {
		t.Fatalf("captured hprintf = %q, want %q", out.String(), "hello\n")
	}
}

func TestExecAbort(t *testing.T) {
	fv, cl, aux := newFakeVM(t)
	defer fv.close()
	defer cl.Close()

	done := make(chan struct{})
	go func() {
		fv.step(func(a *auxbuf.Buffer) {
			a.SetExecResultCode(auxbuf.NyxAbort)
			a.SetMisc([]byte("boom"))
		}, 0)
		close(done)
	}()

	loop := New(cl, aux, nil)
	verdict, err := loop.Exec()
	<-done
	if err != nil {
		t.Fatalf("Exec: %v", err)
	}
	if verdict != VerdictAbort {
		t.Fatalf("verdict = %v, want Abort", verdict)
	}
}

func TestExecPageFaultRecoveryTerminatesOnRepeat(t *testing.T) {
	fv, cl, aux := newFakeVM(t)
	defer fv.close()
	defer cl.Close()

	done := make(chan struct{})
	go func() {
		// First wait: reports the fault.
		fv.step(func(a *auxbuf.Buffer) {
			a.SetPageNotFound(true)
			a.SetPageNotFoundAddr(0xDEADB000)
			a.SetExecResultCode(auxbuf.NyxSuccess)
		}, 0)
		// Retry (second wait): same address again — the loop must
		// terminate on this result without a third rendezvous, and
		// classify using the code that accompanies it.
		fv.step(func(a *auxbuf.Buffer) {
			a.SetPageNotFound(true)
			a.SetPageNotFoundAddr(0xDEADB000)
			a.SetExecResultCode(auxbuf.NyxCrash)
		}, 0)
		close(done)
	}()

	loop := New(cl, aux, nil)
	verdict, err := loop.Exec()
	<-done
	if err != nil {
		t.Fatalf("Exec: %v", err)
	}
	if verdict != VerdictCrash {
		t.Fatalf("verdict = %v, want Crash (terminated on repeated fault addr)", verdict)
	}
}

func TestExecIoErrorOnDeadVM(t *testing.T) {
	fv, cl, aux := newFakeVM(t)
	fv.close()

	loop := New(cl, aux, nil)
	verdict, err := loop.Exec()
	if err != nil {
		t.Fatalf("Exec should report IoError, not a Go error: %v", err)
	}
	if verdict != VerdictIoError {
		t.Fatalf("verdict = %v, want IoError", verdict)
	}
	cl.Close()
}

func TestRunToReadyWaitsForState(t *testing.T) {
	fv, cl, aux := newFakeVM(t)
	defer fv.close()
	defer cl.Close()

	done := make(chan struct{})
	go func() {
		fv.step(func(a *auxbuf.Buffer) { a.SetState(0); a.SetExecResultCode(auxbuf.NyxSuccess) }, 0)
		fv.step(func(a *auxbuf.Buffer) { a.SetState(1); a.SetExecResultCode(auxbuf.NyxSuccess) }, 0)
		fv.step(func(a *auxbuf.Buffer) { a.SetState(3); a.SetExecResultCode(auxbuf.NyxSuccess) }, 0)
		close(done)
	}()

	loop := New(cl, aux, nil)
	if err := loop.RunToReady(); err != nil {
		t.Fatalf("RunToReady: %v", err)
	}
	<-done
	if aux.State() != 3 {
		t.Fatalf("State() = %d, want 3", aux.State())
	}
}
