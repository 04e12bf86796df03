package dirindex

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/latticefs/latticefs/merkle"
)

func mustPath(t *testing.T, s string) merkle.Path {
	t.Helper()
	p, err := merkle.ParsePath(s)
	if err != nil {
		t.Fatalf("ParsePath(%q) failed: %v", s, err)
	}
	return p
}

func TestBuilderFlushThenLookup(t *testing.T) {
	dir, err := os.MkdirTemp("", "dirindex_test_")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(dir)

	b := NewBuilder()
	h := merkle.HashFromContent([]byte("data"))
	b.Set(mustPath(t, "a/b/c.txt"), h)
	b.Set(mustPath(t, "a/b"), merkle.HashFromContent([]byte("dir")))

	path := filepath.Join(dir, "index.db")
	if err := b.Flush(path); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}

	s, err := Open(path, true)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer s.Close()

	got, found, err := s.Lookup(mustPath(t, "a/b/c.txt"))
	if err != nil {
		t.Fatalf("Lookup failed: %v", err)
	}
	if !found {
		t.Fatal("expected path to be found")
	}
	if got != h {
		t.Errorf("expected hash %v, got %v", h, got)
	}
}

func TestLookupMissingReturnsNotFound(t *testing.T) {
	dir, err := os.MkdirTemp("", "dirindex_test_")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(dir)

	path := filepath.Join(dir, "index.db")
	s, err := Open(path, false)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer s.Close()

	_, found, err := s.Lookup(mustPath(t, "missing/path"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if found {
		t.Error("expected missing path to not be found")
	}
}

func TestListChildrenAtRootAndNested(t *testing.T) {
	dir, err := os.MkdirTemp("", "dirindex_test_")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(dir)

	b := NewBuilder()
	b.Set(mustPath(t, "a"), merkle.HashFromContent([]byte("a")))
	b.Set(mustPath(t, "a/one.txt"), merkle.HashFromContent([]byte("1")))
	b.Set(mustPath(t, "a/two.txt"), merkle.HashFromContent([]byte("2")))
	b.Set(mustPath(t, "b.txt"), merkle.HashFromContent([]byte("b")))

	path := filepath.Join(dir, "index.db")
	if err := b.Flush(path); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}

	s, err := Open(path, true)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer s.Close()

	rootChildren, err := s.ListChildren(merkle.Root)
	if err != nil {
		t.Fatalf("ListChildren(root) failed: %v", err)
	}
	if len(rootChildren) != 2 {
		t.Fatalf("expected 2 root children, got %v", rootChildren)
	}

	nested, err := s.ListChildren(mustPath(t, "a"))
	if err != nil {
		t.Fatalf("ListChildren(a) failed: %v", err)
	}
	if len(nested) != 2 || nested[0] != "one.txt" || nested[1] != "two.txt" {
		t.Errorf("expected [one.txt two.txt], got %v", nested)
	}
}

func TestBuilderLen(t *testing.T) {
	b := NewBuilder()
	if b.Len() != 0 {
		t.Errorf("expected empty builder len 0, got %d", b.Len())
	}
	b.Set(mustPath(t, "x"), merkle.HashFromContent([]byte("x")))
	if b.Len() != 1 {
		t.Errorf("expected len 1, got %d", b.Len())
	}
}
