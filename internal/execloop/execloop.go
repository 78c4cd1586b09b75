// Package execloop drives the per-iteration rendezvous with the VM: the
// request/reply kick, the barriers around it, the hprintf drain, the
// missing-page recovery retry, and the result-code state machine that
// turns a completed rendezvous into a verdict.
package execloop

import (
	"fmt"
	"io"
	"os"

	"github.com/xfeldman/nyxctrl/internal/auxbuf"
	"github.com/xfeldman/nyxctrl/internal/barrier"
	"github.com/xfeldman/nyxctrl/internal/control"
)

// Verdict is the classified outcome of one completed iteration. It is
// never itself an error — IoError included, since a dead VM is a defined
// member of exec()'s result space.
type Verdict int

const (
	VerdictNormal Verdict = iota
	VerdictCrash
	VerdictTimeout
	VerdictInvalidWriteToPayload
	VerdictAbort
	VerdictIoError
	VerdictSanitizer
)

func (v Verdict) String() string {
	switch v {
	case VerdictNormal:
		return "normal"
	case VerdictCrash:
		return "crash"
	case VerdictTimeout:
		return "timeout"
	case VerdictInvalidWriteToPayload:
		return "invalid-write-to-payload"
	case VerdictAbort:
		return "abort"
	case VerdictIoError:
		return "io-error"
	case VerdictSanitizer:
		return "sanitizer"
	default:
		return fmt.Sprintf("verdict(%d)", int(v))
	}
}

// ErrProtocolViolation marks an exec_result_code this loop does not
// recognize. Exec returns it as an error; the Loop keeps no failed state,
// so a later Exec call kicks the VM again as usual.
type ErrProtocolViolation struct {
	Code uint8
}

func (e *ErrProtocolViolation) Error() string {
	return fmt.Sprintf("execloop: unrecognized exec_result_code %d, protocol violation", e.Code)
}

// readyState is the result.state value meaning the VM has finished booting
// and is waiting for the first real iteration.
const readyState = 3

// Loop owns one worker's control-socket client, aux-buffer view, and
// hprintf sink, and runs both the bring-up wait and steady-state execution
// through the same result-code switch, differing only in the
// loop-termination condition.
type Loop struct {
	ctrl        *control.Client
	aux         *auxbuf.Buffer
	hprintfDest io.Writer

	lastPageFaultAddr uint64
	havePageFault     bool
	hprintfCount      int
}

// HprintfCount returns the total number of NYX_HPRINTF lines drained over
// this Loop's lifetime, for callers that want a per-iteration delta (e.g.
// internal/telemetry run records).
func (l *Loop) HprintfCount() int { return l.hprintfCount }

// New builds a Loop over an already-connected control client and a mapped
// aux buffer. hprintfDest defaults to os.Stdout when nil.
func New(ctrl *control.Client, aux *auxbuf.Buffer, hprintfDest io.Writer) *Loop {
	if hprintfDest == nil {
		hprintfDest = os.Stdout
	}
	return &Loop{ctrl: ctrl, aux: aux, hprintfDest: hprintfDest}
}

// kick performs one full rendezvous: barrier, execute, wait, barrier.
func (l *Loop) kick() error {
	barrier.Full()
	if err := l.ctrl.Execute(); err != nil {
		return err
	}
	if err := l.ctrl.Wait(); err != nil {
		return err
	}
	barrier.Full()
	return nil
}

// RunToReady drives the bring-up sub-loop until
// result.state == readyState, applying the same hprintf/abort handling as
// steady-state execution. It does not itself classify a terminal verdict:
// bring-up only ends in readiness or a launch error.
func (l *Loop) RunToReady() error {
	if err := l.kick(); err != nil {
		return fmt.Errorf("execloop: bring-up rendezvous: %w", err)
	}
	for {
		if recovered, err := l.handlePageFault(); err != nil {
			return err
		} else if recovered {
			continue
		}

		code := l.aux.ExecResultCode()
		switch code {
		case auxbuf.NyxHprintf:
			l.drainHprintf(false)
		case auxbuf.NyxAbort:
			l.drainHprintf(true)
			return fmt.Errorf("execloop: VM aborted during bring-up: %s", l.aux.MiscString())
		}

		if l.aux.State() == readyState {
			return nil
		}

		if err := l.kick(); err != nil {
			return fmt.Errorf("execloop: bring-up rendezvous: %w", err)
		}
	}
}

// Exec runs exactly one fuzzing iteration: the harness must have already
// written the input region. It returns the classified verdict for that
// iteration.
func (l *Loop) Exec() (Verdict, error) {
	l.havePageFault = false
	if err := l.kick(); err != nil {
		return VerdictIoError, nil
	}
	for {
		if recovered, err := l.handlePageFault(); err != nil {
			return 0, err
		} else if recovered {
			continue
		}

		code := l.aux.ExecResultCode()
		switch code {
		case auxbuf.NyxSuccess, auxbuf.NyxStarved:
			return VerdictNormal, nil
		case auxbuf.NyxCrash:
			return VerdictCrash, nil
		case auxbuf.NyxTimeout:
			return VerdictTimeout, nil
		case auxbuf.NyxInputWrite:
			return VerdictInvalidWriteToPayload, nil
		case auxbuf.NyxSanitizer:
			return VerdictSanitizer, nil
		case auxbuf.NyxHprintf:
			l.drainHprintf(false)
			if err := l.kick(); err != nil {
				return VerdictIoError, nil
			}
			continue
		case auxbuf.NyxAbort:
			l.drainHprintf(true)
			return VerdictAbort, nil
		default:
			return 0, &ErrProtocolViolation{Code: code}
		}
	}
}

// handlePageFault runs before the result-code switch: if a page fault is
// reported, compare against the previous retry's address. A new address
// retries once more; a repeated address ends the retry loop so the caller
// falls through to the ordinary result-code handling instead of looping
// forever.
func (l *Loop) handlePageFault() (recovered bool, err error) {
	if !l.aux.PageNotFound() {
		l.havePageFault = false
		return false, nil
	}
	addr := l.aux.PageNotFoundAddr()
	if l.havePageFault && addr == l.lastPageFaultAddr {
		// Progress stalled — stop retrying and let the caller classify
		// whatever code accompanied this result.
		return false, nil
	}
	l.havePageFault = true
	l.lastPageFaultAddr = addr

	l.aux.SetPageAddr(addr)
	l.aux.SetPageDumpMode(1)
	l.aux.SetChanged(1)
	if err := l.kick(); err != nil {
		return false, fmt.Errorf("execloop: page-fault retry rendezvous: %w", err)
	}
	return true, nil
}

// drainHprintf writes the current misc payload to the configured
// destination; the caller decides whether to kick again. isAbort selects the
// abort coloring on a destination that renders the two differently; a plain
// io.Writer gets the bytes verbatim either way. Only non-abort drains count
// toward HprintfCount.
func (l *Loop) drainHprintf(isAbort bool) {
	if cw, ok := l.hprintfDest.(coloredWriter); ok {
		if isAbort {
			cw.writeAbort(l.aux.MiscBytes())
		} else {
			cw.writeHprintf(l.aux.MiscBytes())
		}
	} else {
		l.hprintfDest.Write(l.aux.MiscBytes())
	}
	if !isAbort {
		l.hprintfCount++
	}
}
