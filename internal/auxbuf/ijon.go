package auxbuf

import "encoding/binary"

// IJON feedback region layout: a small interpreter-stats header followed by
// a fixed array of 256 high-water "max" slots. The header is padded out to
// half the page so the max-slot array starts on a predictable offset
// regardless of future header growth.
const (
	ijonInterpreterHeaderSize = 2048
	ijonExecutedOpcodeNum     = 0

	IjonMaxSlotCount = 256
)

// IjonView is a typed overlay over the IJON feedback page (nyx.Worker's
// IjonBuffer), distinct from the aux buffer's own Buffer type above — it
// maps a different shared file.
type IjonView struct {
	mem []byte
}

// NewIjonView wraps mem (a live mmap of the 4 KiB ijon region) as a typed
// view. The caller retains ownership of the mapping's lifetime.
func NewIjonView(mem []byte) *IjonView { return &IjonView{mem: mem} }

// ExecutedOpcodeNum returns the interpreter-stats block's opcode counter,
// written by the guest's bytecode interpreter on each iteration.
func (v *IjonView) ExecutedOpcodeNum() uint32 {
	return binary.LittleEndian.Uint32(v.mem[ijonExecutedOpcodeNum:])
}

// MaxSlot returns the high-water value the guest has recorded at slot i
// (0 <= i < IjonMaxSlotCount) via IJON's MAX() macro.
func (v *IjonView) MaxSlot(i int) uint64 {
	off := ijonInterpreterHeaderSize + i*8
	return binary.LittleEndian.Uint64(v.mem[off:])
}

// MaxSlots returns all 256 high-water slots at once, for harnesses that
// want to diff a full round against the previous one.
func (v *IjonView) MaxSlots() [IjonMaxSlotCount]uint64 {
	var out [IjonMaxSlotCount]uint64
	for i := range out {
		out[i] = v.MaxSlot(i)
	}
	return out
}

// SetExecutedOpcodeNum is a test/VM-role helper used by the fake-VM harness.
func (v *IjonView) SetExecutedOpcodeNum(n uint32) {
	binary.LittleEndian.PutUint32(v.mem[ijonExecutedOpcodeNum:], n)
}

// SetMaxSlot is a test/VM-role helper used by the fake-VM harness.
func (v *IjonView) SetMaxSlot(i int, val uint64) {
	off := ijonInterpreterHeaderSize + i*8
	binary.LittleEndian.PutUint64(v.mem[off:], val)
}
