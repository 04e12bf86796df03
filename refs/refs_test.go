package refs

import (
	"os"
	"testing"

	"github.com/latticefs/latticefs/merkle"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	dir, err := os.MkdirTemp("", "refs_test_")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })

	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	return s
}

func TestCreateBranchThenRead(t *testing.T) {
	s := testStore(t)
	h := merkle.HashFromContent([]byte("commit1"))

	if err := s.CreateBranch(DefaultBranch, h); err != nil {
		t.Fatalf("CreateBranch failed: %v", err)
	}

	got, err := s.Branch(DefaultBranch)
	if err != nil {
		t.Fatalf("Branch failed: %v", err)
	}
	if got != h {
		t.Errorf("expected %v, got %v", h, got)
	}
}

func TestCreateBranchRejectsDuplicate(t *testing.T) {
	s := testStore(t)
	h := merkle.HashFromContent([]byte("commit1"))

	if err := s.CreateBranch(DefaultBranch, h); err != nil {
		t.Fatalf("CreateBranch failed: %v", err)
	}
	if err := s.CreateBranch(DefaultBranch, h); err == nil {
		t.Error("expected duplicate CreateBranch to fail")
	}
}

func TestSetBranchAdvancesRef(t *testing.T) {
	s := testStore(t)
	h1 := merkle.HashFromContent([]byte("commit1"))
	h2 := merkle.HashFromContent([]byte("commit2"))

	if err := s.CreateBranch(DefaultBranch, h1); err != nil {
		t.Fatalf("CreateBranch failed: %v", err)
	}
	if err := s.SetBranch(DefaultBranch, h2); err != nil {
		t.Fatalf("SetBranch failed: %v", err)
	}

	got, err := s.Branch(DefaultBranch)
	if err != nil {
		t.Fatalf("Branch failed: %v", err)
	}
	if got != h2 {
		t.Errorf("expected %v, got %v", h2, got)
	}
}

func TestHeadRoundTrips(t *testing.T) {
	s := testStore(t)
	if err := s.SetHead(DefaultBranch); err != nil {
		t.Fatalf("SetHead failed: %v", err)
	}
	got, err := s.Head()
	if err != nil {
		t.Fatalf("Head failed: %v", err)
	}
	if got != DefaultBranch {
		t.Errorf("expected %q, got %q", DefaultBranch, got)
	}
}

func TestDeleteBranchRejectsCurrentHead(t *testing.T) {
	s := testStore(t)
	h := merkle.HashFromContent([]byte("commit1"))

	if err := s.CreateBranch(DefaultBranch, h); err != nil {
		t.Fatalf("CreateBranch failed: %v", err)
	}
	if err := s.SetHead(DefaultBranch); err != nil {
		t.Fatalf("SetHead failed: %v", err)
	}
	if err := s.DeleteBranch(DefaultBranch); err == nil {
		t.Error("expected deleting the current HEAD branch to fail")
	}
}

func TestListBranchesSorted(t *testing.T) {
	s := testStore(t)
	h := merkle.HashFromContent([]byte("commit1"))

	for _, name := range []string{"zeta", "alpha", "main"} {
		if err := s.CreateBranch(name, h); err != nil {
			t.Fatalf("CreateBranch(%q) failed: %v", name, err)
		}
	}

	names, err := s.ListBranches()
	if err != nil {
		t.Fatalf("ListBranches failed: %v", err)
	}
	want := []string{"alpha", "main", "zeta"}
	if len(names) != len(want) {
		t.Fatalf("expected %v, got %v", want, names)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Errorf("expected %v, got %v", want, names)
		}
	}
}
