package source

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
)

func TestIndexHitOnSameFingerprint(t *testing.T) {
	ix := NewIndex()
	src := []byte("my $x = 1;\nprint $x;\n")

	a := ix.Get("/tmp/script.pl", src)
	b := ix.Get("/tmp/script.pl", src)
	if a != b {
		t.Error("unchanged content must return the cached classification")
	}
}

func TestIndexMissOnContentChange(t *testing.T) {
	ix := NewIndex()
	a := ix.Get("/tmp/script.pl", []byte("my $x = 1;\n"))
	b := ix.Get("/tmp/script.pl", []byte("my $x = 2;\n"))
	if a == b {
		t.Error("changed content must be reclassified")
	}
	if a.Fingerprint() == b.Fingerprint() {
		t.Error("fingerprints of different content must differ")
	}

	// The new entry replaced the old one wholesale.
	c := ix.Get("/tmp/script.pl", []byte("my $x = 2;\n"))
	if c != b {
		t.Error("replacement entry should now be served from cache")
	}
	if ix.Len() != 1 {
		t.Errorf("Len = %d, want 1", ix.Len())
	}
}

func TestIndexInvalidate(t *testing.T) {
	ix := NewIndex()
	src := []byte("print;\n")
	a := ix.Get("x.pl", src)
	ix.Invalidate("x.pl")
	b := ix.Get("x.pl", src)
	if a == b {
		t.Error("Invalidate must drop the cached entry")
	}
}

func TestIndexLoadReadsFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "script.pl")
	if err := os.WriteFile(path, []byte("my $x = 1;\n# c\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	ix := NewIndex()
	c, err := ix.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c.Class(1) != ClassExecutable || c.Class(2) != ClassComment {
		t.Errorf("unexpected classes: %s, %s", c.Class(1), c.Class(2))
	}

	if _, err := ix.Load(filepath.Join(dir, "missing.pl")); err == nil {
		t.Error("Load of missing file must fail")
	}
}

func TestIndexConcurrentAccess(t *testing.T) {
	ix := NewIndex()
	src := []byte("my $x = 1;\nmy $y = 2;\n")

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				c := ix.Get("shared.pl", src)
				if c.Class(1) != ClassExecutable {
					t.Error("bad classification under concurrency")
					return
				}
			}
		}()
	}
	wg.Wait()
}
