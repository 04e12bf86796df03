package cache

import (
	"testing"

	"github.com/latticefs/latticefs/merkle"
)

func TestSatisfiesFiniteDepth(t *testing.T) {
	n := &CachedNode{LoadedDepth: 2}
	if !n.Satisfies(2, false) {
		t.Error("expected depth 2 to satisfy a request for depth 2")
	}
	if n.Satisfies(3, false) {
		t.Error("expected depth 2 to not satisfy a request for depth 3")
	}
	if n.Satisfies(1, true) {
		t.Error("expected a non-recursive entry to not satisfy a recursive request")
	}
}

func TestSatisfiesRecursive(t *testing.T) {
	n := &CachedNode{IsRecursive: true, LoadedDepth: -1}
	if !n.Satisfies(0, true) {
		t.Error("expected recursive entry to satisfy a recursive request")
	}
	if !n.Satisfies(100, false) {
		t.Error("expected recursive entry to satisfy any finite depth request")
	}
}

func TestCacheGetPutRoundTrips(t *testing.T) {
	c, err := New(16)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	h := merkle.HashFromContent([]byte("x"))
	node := &CachedNode{Hash: h, LoadedDepth: 0}
	c.Put(node)

	got, ok := c.Get(h)
	if !ok {
		t.Fatal("expected entry to be found")
	}
	if got != node {
		t.Error("expected the same cached entry to be returned")
	}
}

func TestCacheEvictsUnderCapacity(t *testing.T) {
	c, err := New(2)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	ha := merkle.HashFromContent([]byte("a"))
	hb := merkle.HashFromContent([]byte("b"))
	hc := merkle.HashFromContent([]byte("c"))

	c.Put(&CachedNode{Hash: ha})
	c.Put(&CachedNode{Hash: hb})
	c.Put(&CachedNode{Hash: hc})

	if c.Len() != 2 {
		t.Errorf("expected LRU to cap at 2 entries, got %d", c.Len())
	}
	if _, ok := c.Get(ha); ok {
		t.Error("expected the oldest entry to have been evicted")
	}
}

func TestForReturnsSharedInstance(t *testing.T) {
	defer Drop("/tmp/some-repo")

	c1, err := For("/tmp/some-repo", 16)
	if err != nil {
		t.Fatalf("For failed: %v", err)
	}
	c2, err := For("/tmp/some-repo", 16)
	if err != nil {
		t.Fatalf("For failed: %v", err)
	}
	if c1 != c2 {
		t.Error("expected For to return the same cache instance for the same repo path")
	}
}

func TestDropReleasesRepoCache(t *testing.T) {
	c1, err := For("/tmp/other-repo", 16)
	if err != nil {
		t.Fatalf("For failed: %v", err)
	}
	c1.Put(&CachedNode{Hash: merkle.HashFromContent([]byte("x"))})

	Drop("/tmp/other-repo")

	c2, err := For("/tmp/other-repo", 16)
	if err != nil {
		t.Fatalf("For failed: %v", err)
	}
	if c2.Len() != 0 {
		t.Error("expected a fresh cache after Drop")
	}
}
