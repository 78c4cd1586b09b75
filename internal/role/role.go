// Package role enforces standalone/parent/child startup ordering: who must
// prepare the workdir first, and who must wait for snapshot files to
// appear before mapping them.
package role

import "fmt"

// Role selects how a worker's VM handles snapshot serialization.
type Role int

const (
	// Standalone runs without any snapshot sharing: boots fresh, discards
	// on shutdown.
	Standalone Role = iota
	// Parent boots fresh and serializes a snapshot to the workdir for
	// children to consume.
	Parent
	// Child waits for the parent's snapshot files and loads from them.
	Child
)

func (r Role) String() string {
	switch r {
	case Standalone:
		return "standalone"
	case Parent:
		return "parent"
	case Child:
		return "child"
	default:
		return fmt.Sprintf("role(%d)", int(r))
	}
}

// Validate enforces the role/worker-id precondition: a child can never be
// worker 0, because worker 0 is the one responsible for calling
// PrepareWorkdir before any peer exists.
func Validate(r Role, workerID int) error {
	if r == Child && workerID == 0 {
		return fmt.Errorf("role: worker 0 cannot take the child role (it must prepare the workdir, not wait for it)")
	}
	if (r == Standalone || r == Parent) && workerID != 0 {
		return fmt.Errorf("role: %s role requires worker id 0, got %d", r, workerID)
	}
	return nil
}

// MustPrepareWorkdir reports whether r is responsible for calling
// workdir.PrepareWorkdir before any other worker exists.
func MustPrepareWorkdir(r Role) bool {
	return r == Standalone || r == Parent
}

// MustWaitForWorkdir reports whether r must block on workdir.WaitForWorkdir
// before mapping any region the parent materializes.
func MustWaitForWorkdir(r Role) bool {
	return r == Child
}
