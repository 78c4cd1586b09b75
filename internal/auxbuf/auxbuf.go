// Package auxbuf provides a typed overlay on the fixed-layout auxiliary
// buffer shared between the host controller and the VM: header, capability,
// config, result and misc regions at fixed byte offsets within one shared
// page.
//
// The buffer is backed by a live mmap mapping owned by the caller (see
// internal/shm). Views here never keep their own copy of the bytes and never
// outlive the mapping — each accessor reborrows from the slice passed to
// New, exactly once, on every call.
package auxbuf

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrHeaderMismatch marks a header validation failure — the caller (the
// launcher) must kill and reap the VM rather than proceed.
var ErrHeaderMismatch = errors.New("auxbuf: header mismatch")

// Exec result codes — part of the wire contract with the VM;
// these eight values must never be renumbered.
const (
	NyxSuccess    uint8 = 0
	NyxCrash      uint8 = 1
	NyxHprintf    uint8 = 2
	NyxTimeout    uint8 = 3
	NyxInputWrite uint8 = 4
	NyxAbort      uint8 = 5
	NyxSanitizer  uint8 = 6
	NyxStarved    uint8 = 7
)

const (
	auxMagic      uint64 = 0x54502d554d4551
	auxVersion    uint16 = 3
	auxHash       uint16 = 84
	MinBufferSize        = 4096

	headerOffset = 0
	headerSize   = 128

	capOffset = headerOffset + headerSize
	capSize   = 256

	configOffset = capOffset + capSize
	configSize   = 512

	resultOffset = configOffset + configSize
	resultSize   = 512

	miscOffset = resultOffset + resultSize
)

// Field byte offsets within each region, packed with no padding — these
// match the C layout the VM writes.
const (
	hdrMagic   = 0
	hdrVersion = 8
	hdrHash    = 10

	capRedqueen              = 0
	capAgentTimeoutDetection = 1
	capAgentTraceBitmap      = 2
	capAgentIjonTraceBitmap  = 3
	capAgentInputBufferSize  = 4
	capAgentCoverageBitmap   = 8

	cfgChanged               = 0
	cfgTimeoutSec            = 1
	cfgTimeoutUsec           = 2
	cfgRedqueenMode          = 6
	cfgTraceMode             = 7
	cfgReloadMode            = 8
	cfgVerboseLevel          = 9
	cfgPageDumpMode          = 10
	cfgPageAddr              = 11
	cfgProtectPayloadBuffer  = 19
	cfgDiscardTmpSnapshot    = 20

	resState              = 0
	resExecDone           = 1
	resExecResultCode     = 2
	resReloaded           = 3
	resPtOverflow         = 4
	resPageNotFound       = 5
	resTmpSnapshotCreated = 6
	resPageNotFoundAddr   = 8
	resDirtyPages         = 16
	resPtTraceSize        = 20
	resBbCoverage         = 24
	resRuntimeUsec        = 28
	resRuntimeSec         = 32

	miscLen = 0
	miscHdr = 2
)

// Buffer is a typed overlay over a shared memory-mapped aux buffer page.
type Buffer struct {
	mem []byte
}

// New wraps mem (a live mmap of at least MinBufferSize bytes, size a
// multiple of 4096) as an aux buffer view. The caller retains ownership of
// the mapping's lifetime.
func New(mem []byte) (*Buffer, error) {
	if len(mem) < MinBufferSize || len(mem)%4096 != 0 {
		return nil, fmt.Errorf("auxbuf: buffer size %d must be a multiple of %d", len(mem), MinBufferSize)
	}
	return &Buffer{mem: mem}, nil
}

// Size returns the mapped buffer's total size.
func (b *Buffer) Size() int { return len(b.mem) }

// ValidateHeader compares the header triple against the compiled constants.
// Must be called only after a barrier following VM bring-up.
func (b *Buffer) ValidateHeader() error {
	magic := binary.LittleEndian.Uint64(b.mem[headerOffset+hdrMagic:])
	if magic != auxMagic {
		return fmt.Errorf("%w: magic %#x != %#x (corrupted aux buffer)", ErrHeaderMismatch, auxMagic, magic)
	}
	version := binary.LittleEndian.Uint16(b.mem[headerOffset+hdrVersion:])
	if version != auxVersion {
		return fmt.Errorf("%w: version %d != %d (outdated controller or VM)", ErrHeaderMismatch, auxVersion, version)
	}
	hash := binary.LittleEndian.Uint16(b.mem[headerOffset+hdrHash:])
	if hash != auxHash {
		return fmt.Errorf("%w: hash %d != %d (outdated controller or VM)", ErrHeaderMismatch, auxHash, hash)
	}
	return nil
}

// --- Cap region (read-only, VM-written once) ---

func (b *Buffer) CapRedqueen() bool             { return b.mem[capOffset+capRedqueen] != 0 }
func (b *Buffer) CapAgentTimeoutDetection() bool { return b.mem[capOffset+capAgentTimeoutDetection] != 0 }
func (b *Buffer) CapAgentTraceBitmap() uint8     { return b.mem[capOffset+capAgentTraceBitmap] }
func (b *Buffer) CapAgentIjonTraceBitmap() bool  { return b.mem[capOffset+capAgentIjonTraceBitmap] != 0 }

func (b *Buffer) CapAgentInputBufferSize() uint32 {
	return binary.LittleEndian.Uint32(b.mem[capOffset+capAgentInputBufferSize:])
}

func (b *Buffer) CapAgentCoverageBitmapSize() uint32 {
	return binary.LittleEndian.Uint32(b.mem[capOffset+capAgentCoverageBitmap:])
}

// --- Config region (host-writable, cleared only by the VM) ---

// SetChanged writes the doorbell byte. Callers must issue a barrier.Full
// immediately before the next kick.
func (b *Buffer) SetChanged(v uint8) { b.mem[configOffset+cfgChanged] = v }

func (b *Buffer) SetTimeout(sec uint8, usec uint32) {
	b.mem[configOffset+cfgTimeoutSec] = sec
	binary.LittleEndian.PutUint32(b.mem[configOffset+cfgTimeoutUsec:], usec)
}

func (b *Buffer) SetRedqueenMode(v uint8)       { b.mem[configOffset+cfgRedqueenMode] = v }
func (b *Buffer) SetTraceMode(v uint8)          { b.mem[configOffset+cfgTraceMode] = v }
func (b *Buffer) SetReloadMode(v uint8)         { b.mem[configOffset+cfgReloadMode] = v }
func (b *Buffer) SetVerboseLevel(v uint8)       { b.mem[configOffset+cfgVerboseLevel] = v }
func (b *Buffer) SetPageDumpMode(v uint8)       { b.mem[configOffset+cfgPageDumpMode] = v }
func (b *Buffer) SetProtectPayloadBuffer(v uint8) { b.mem[configOffset+cfgProtectPayloadBuffer] = v }
func (b *Buffer) SetDiscardTmpSnapshot(v uint8) { b.mem[configOffset+cfgDiscardTmpSnapshot] = v }

func (b *Buffer) SetPageAddr(addr uint64) {
	binary.LittleEndian.PutUint64(b.mem[configOffset+cfgPageAddr:], addr)
}

// --- Result region (VM-written, valid only after a completed rendezvous) ---

func (b *Buffer) State() uint8             { return b.mem[resultOffset+resState] }
func (b *Buffer) ExecDone() uint8          { return b.mem[resultOffset+resExecDone] }
func (b *Buffer) ExecResultCode() uint8    { return b.mem[resultOffset+resExecResultCode] }
func (b *Buffer) Reloaded() bool           { return b.mem[resultOffset+resReloaded] != 0 }
func (b *Buffer) PtOverflow() bool         { return b.mem[resultOffset+resPtOverflow] != 0 }
func (b *Buffer) PageNotFound() bool       { return b.mem[resultOffset+resPageNotFound] != 0 }
func (b *Buffer) TmpSnapshotCreated() bool { return b.mem[resultOffset+resTmpSnapshotCreated] != 0 }

func (b *Buffer) PageNotFoundAddr() uint64 {
	return binary.LittleEndian.Uint64(b.mem[resultOffset+resPageNotFoundAddr:])
}

func (b *Buffer) DirtyPages() uint32  { return binary.LittleEndian.Uint32(b.mem[resultOffset+resDirtyPages:]) }
func (b *Buffer) PtTraceSize() uint32 { return binary.LittleEndian.Uint32(b.mem[resultOffset+resPtTraceSize:]) }
func (b *Buffer) BbCoverage() uint32  { return binary.LittleEndian.Uint32(b.mem[resultOffset+resBbCoverage:]) }
func (b *Buffer) RuntimeUsec() uint32 { return binary.LittleEndian.Uint32(b.mem[resultOffset+resRuntimeUsec:]) }
func (b *Buffer) RuntimeSec() uint32  { return binary.LittleEndian.Uint32(b.mem[resultOffset+resRuntimeSec:]) }

// --- Misc region: 2-byte length prefix + payload, clamped to the region ---

func (b *Buffer) miscCapacity() int { return len(b.mem) - miscOffset - miscHdr }

// MiscBytes returns the misc payload, clamped to [0, region size - 2].
func (b *Buffer) MiscBytes() []byte {
	n := int(binary.LittleEndian.Uint16(b.mem[miscOffset+miscLen:]))
	cap := b.miscCapacity()
	if n > cap {
		n = cap
	}
	start := miscOffset + miscHdr
	return b.mem[start : start+n]
}

// MiscString returns the misc payload as a string. Bytes are copied as-is;
// invalid UTF-8 sequences are not replaced.
func (b *Buffer) MiscString() string { return string(b.MiscBytes()) }

// SetMisc writes a length-prefixed misc payload, truncating to fit. Used by
// tests that play the VM role.
func (b *Buffer) SetMisc(data []byte) {
	cap := b.miscCapacity()
	if len(data) > cap {
		data = data[:cap]
	}
	binary.LittleEndian.PutUint16(b.mem[miscOffset+miscLen:], uint16(len(data)))
	copy(b.mem[miscOffset+miscHdr:], data)
}

// --- Test/VM-role helpers used by the fake-VM harness ---

func (b *Buffer) SetHeader() {
	binary.LittleEndian.PutUint64(b.mem[headerOffset+hdrMagic:], auxMagic)
	binary.LittleEndian.PutUint16(b.mem[headerOffset+hdrVersion:], auxVersion)
	binary.LittleEndian.PutUint16(b.mem[headerOffset+hdrHash:], auxHash)
}

func (b *Buffer) SetState(v uint8)          { b.mem[resultOffset+resState] = v }
func (b *Buffer) SetExecResultCode(v uint8) { b.mem[resultOffset+resExecResultCode] = v }

func (b *Buffer) SetPageNotFound(v bool) {
	if v {
		b.mem[resultOffset+resPageNotFound] = 1
	} else {
		b.mem[resultOffset+resPageNotFound] = 0
	}
}

func (b *Buffer) SetPageNotFoundAddr(addr uint64) {
	binary.LittleEndian.PutUint64(b.mem[resultOffset+resPageNotFoundAddr:], addr)
}

func (b *Buffer) SetTmpSnapshotCreated(v bool) {
	if v {
		b.mem[resultOffset+resTmpSnapshotCreated] = 1
	} else {
		b.mem[resultOffset+resTmpSnapshotCreated] = 0
	}
}

func (b *Buffer) SetAgentInputBufferSize(v uint32) {
	binary.LittleEndian.PutUint32(b.mem[capOffset+capAgentInputBufferSize:], v)
}

func (b *Buffer) SetAgentCoverageBitmapSize(v uint32) {
	binary.LittleEndian.PutUint32(b.mem[capOffset+capAgentCoverageBitmap:], v)
}

func (b *Buffer) SetAgentTraceBitmap(v uint8) { b.mem[capOffset+capAgentTraceBitmap] = v }

// Changed reports the doorbell byte — used by the fake-VM test harness to
// observe a host-committed config change.
func (b *Buffer) Changed() uint8 { return b.mem[configOffset+cfgChanged] }
func (b *Buffer) PageAddr() uint64 {
	return binary.LittleEndian.Uint64(b.mem[configOffset+cfgPageAddr:])
}
func (b *Buffer) PageDumpMode() uint8 { return b.mem[configOffset+cfgPageDumpMode] }
