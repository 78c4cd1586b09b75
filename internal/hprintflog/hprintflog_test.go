package hprintflog

import (
	"bufio"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func readLines(t *testing.T, path string) []string {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open %s: %v", path, err)
	}
	defer f.Close()
	var lines []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	return lines
}

func TestWriteRecordsToRingBufferAndFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "hprintf", "worker_0.ndjson")

	s, err := New(0, path)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if _, err := s.Write([]byte("hello\n")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if _, err := s.Write([]byte("world\n")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	lines := readLines(t, path)
	if len(lines) != 2 {
		t.Fatalf("want 2 lines on disk, got %d", len(lines))
	}
	if !strings.Contains(lines[0], "hello") {
		t.Fatalf("first line missing hello: %q", lines[0])
	}
	if !strings.Contains(lines[1], "world") {
		t.Fatalf("second line missing world: %q", lines[1])
	}
}

func TestRecentReturnsMostRecentInOrder(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "hprintf", "worker_1.ndjson")
	s, err := New(1, path)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Close()

	for i := 0; i < 5; i++ {
		s.Write([]byte{byte('a' + i)})
	}

	recent := s.Recent(3)
	if len(recent) != 3 {
		t.Fatalf("Recent(3) returned %d entries", len(recent))
	}
	want := []string{"c", "d", "e"}
	for i, e := range recent {
		if e.Line != want[i] {
			t.Fatalf("entry %d = %q, want %q", i, e.Line, want[i])
		}
	}
}

func TestRecentEvictsOldestBeyondCapacity(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "hprintf", "worker_2.ndjson")
	s, err := New(2, path)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Close()

	for i := 0; i < maxLines+10; i++ {
		s.Write([]byte("x"))
	}
	recent := s.Recent(maxLines + 10)
	if len(recent) != maxLines {
		t.Fatalf("ring buffer grew past maxLines: got %d", len(recent))
	}
}
