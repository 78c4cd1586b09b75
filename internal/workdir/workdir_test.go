package workdir

import (
	"os"
	"path/filepath"
	"testing"
)

func TestPrepareWorkdirCreatesSkeleton(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "campaign")
	seeds := t.TempDir()
	if err := os.WriteFile(filepath.Join(seeds, "a.bin"), []byte("AAAA"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(seeds, "b.bin"), []byte("BBBB"), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := PrepareWorkdir(path, "", seeds); err != nil {
		t.Fatalf("PrepareWorkdir: %v", err)
	}

	for _, d := range skeletonDirs {
		if fi, err := os.Stat(filepath.Join(path, d)); err != nil || !fi.IsDir() {
			t.Errorf("missing skeleton dir %s", d)
		}
	}
	for _, m := range markerFiles {
		if _, err := os.Stat(filepath.Join(path, m)); err != nil {
			t.Errorf("missing marker file %s", m)
		}
	}
	seed0, err := os.ReadFile(filepath.Join(path, "seeds", "seed_0.bin"))
	if err != nil {
		t.Fatalf("read seed_0.bin: %v", err)
	}
	if len(seed0) != 4 {
		t.Fatalf("seed_0.bin unexpected contents: %q", seed0)
	}
}

func TestRemoveWorkdirSafeRefusesIncompleteTree(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "not-a-workdir")
	if err := os.MkdirAll(filepath.Join(path, "corpus", "normal"), 0o755); err != nil {
		t.Fatal(err)
	}

	if err := RemoveWorkdirSafe(path); err == nil {
		t.Fatal("expected error for incomplete skeleton")
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatal("RemoveWorkdirSafe must not delete an unsafe path")
	}
}

func TestRemoveWorkdirSafeDeletesCompleteTree(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "campaign")
	if err := PrepareWorkdir(path, "", ""); err != nil {
		t.Fatalf("PrepareWorkdir: %v", err)
	}
	if err := RemoveWorkdirSafe(path); err != nil {
		t.Fatalf("RemoveWorkdirSafe: %v", err)
	}
	if _, err := os.Stat(path); err == nil {
		t.Fatal("expected path to be removed")
	}
}

func TestIsOwnedByPrefix(t *testing.T) {
	if !isOwnedByPrefix("nyx_123_4", "nyx") {
		t.Fatal("expected nyx_123_4 to be owned by prefix nyx")
	}
	if isOwnedByPrefix("nyxextra_123_4", "nyx") {
		t.Fatal("nyxextra_123_4 must not match prefix nyx")
	}
	if isOwnedByPrefix("nyx_abc_4", "nyx") {
		t.Fatal("non-numeric pid must not match")
	}
}
