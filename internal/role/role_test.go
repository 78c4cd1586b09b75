package role

import "testing"

func TestValidateRejectsChildWorkerZero(t *testing.T) {
	if err := Validate(Child, 0); err == nil {
		t.Fatal("expected error for child with worker id 0")
	}
}

func TestValidateAcceptsChildNonZero(t *testing.T) {
	if err := Validate(Child, 3); err != nil {
		t.Fatalf("Validate(Child, 3): %v", err)
	}
}

func TestValidateRejectsStandaloneNonZero(t *testing.T) {
	if err := Validate(Standalone, 1); err == nil {
		t.Fatal("expected error for standalone with non-zero worker id")
	}
	if err := Validate(Parent, 2); err == nil {
		t.Fatal("expected error for parent with non-zero worker id")
	}
}

func TestPrepareAndWaitPredicates(t *testing.T) {
	if !MustPrepareWorkdir(Standalone) || !MustPrepareWorkdir(Parent) {
		t.Fatal("standalone and parent must prepare the workdir")
	}
	if MustPrepareWorkdir(Child) {
		t.Fatal("child must not prepare the workdir")
	}
	if !MustWaitForWorkdir(Child) {
		t.Fatal("child must wait for the workdir")
	}
	if MustWaitForWorkdir(Standalone) || MustWaitForWorkdir(Parent) {
		t.Fatal("standalone/parent must not wait for the workdir")
	}
}
