package storage

import (
	"os"
	"path/filepath"
	"testing"
)

func TestWorkspace_PrepareAndCleanup(t *testing.T) {
	tmp := t.TempDir()
	ws := NewWorkspace(tmp)

	dir, cleanup, err := ws.Prepare("job-1")
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if !filepath.IsAbs(dir) {
		t.Fatalf("expected absolute path, got %q", dir)
	}
	if filepath.Dir(dir) != filepath.Join(tmp, "work") {
		t.Fatalf("job dir %q not under workspace root", dir)
	}
	if err := os.WriteFile(filepath.Join(dir, "video.mp4"), []byte("data"), 0o600); err != nil {
		t.Fatalf("write into job dir: %v", err)
	}

	if err := cleanup(); err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Fatalf("expected job dir removed, stat err=%v", err)
	}
}

func TestWorkspace_PrepareDiscardsLeftovers(t *testing.T) {
	ws := NewWorkspace(t.TempDir())
	dir, _, err := ws.Prepare("job-2")
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	stale := filepath.Join(dir, "stale.part")
	if err := os.WriteFile(stale, []byte("x"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	again, cleanup, err := ws.Prepare("job-2")
	if err != nil {
		t.Fatalf("Prepare again: %v", err)
	}
	defer func() { _ = cleanup() }()
	if again != dir {
		t.Fatalf("expected same dir, got %q and %q", dir, again)
	}
	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Fatalf("expected leftover removed, stat err=%v", err)
	}
}

func TestWorkspace_RejectsUnsafeIDs(t *testing.T) {
	ws := NewWorkspace(t.TempDir())
	for _, id := range []string{"", ".", "..", "../escape", "a/b", ".hidden"} {
		if _, _, err := ws.Prepare(id); err == nil {
			t.Errorf("expected error for id %q", id)
		}
	}
}
