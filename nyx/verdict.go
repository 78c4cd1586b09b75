package nyx

import "github.com/xfeldman/nyxctrl/internal/execloop"

// NyxReturnValue is the classified outcome of one exec() call — the
// defined success-space of execution, not a Go error.
type NyxReturnValue = execloop.Verdict

const (
	Normal                NyxReturnValue = execloop.VerdictNormal
	Crash                 NyxReturnValue = execloop.VerdictCrash
	Timeout               NyxReturnValue = execloop.VerdictTimeout
	InvalidWriteToPayload NyxReturnValue = execloop.VerdictInvalidWriteToPayload
	Abort                 NyxReturnValue = execloop.VerdictAbort
	IoError               NyxReturnValue = execloop.VerdictIoError
	Sanitizer             NyxReturnValue = execloop.VerdictSanitizer
)
