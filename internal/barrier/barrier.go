// Package barrier provides the memory fence used around every control-socket
// rendezvous with the VM. The aux buffer is written concurrently by a
// separate address space; ordinary Go memory ordering (which only governs
// goroutines within one process) says nothing about visibility of those
// writes, so every read of a VM-written field must be preceded by Full.
package barrier

import "sync/atomic"

// seq is touched only to force a real atomic RMW through the runtime's
// memory model — its value is never meaningful.
var seq atomic.Uint64

// Full is both a compiler barrier and a full hardware fence: on amd64 the
// atomic.Add compiles to a LOCK-prefixed instruction, the same technique x86
// code uses to fence without a dedicated fence instruction; on arm64 it is a
// sequentially consistent atomic read-modify-write.
// Call it immediately before kicking the VM and immediately after reading
// its reply; no other code path may assume field ordering across a
// rendezvous without it.
func Full() {
	seq.Add(1)
}
