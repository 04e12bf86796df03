package commit

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"testing"

	"github.com/latticefs/latticefs/cache"
	"github.com/latticefs/latticefs/merkle"
	"github.com/latticefs/latticefs/refs"
	"github.com/latticefs/latticefs/store"
	"github.com/latticefs/latticefs/tree"
)

func testRepo(t *testing.T) (string, store.VersionStore, *cache.Cache, *refs.Store) {
	t.Helper()
	dir, err := os.MkdirTemp("", "commit_test_")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })

	vs := store.NewMemStore()
	c, err := cache.New(256)
	if err != nil {
		t.Fatalf("cache.New failed: %v", err)
	}
	r, err := refs.Open(dir)
	if err != nil {
		t.Fatalf("refs.Open failed: %v", err)
	}
	return dir, vs, c, r
}

func mustPath(t *testing.T, s string) merkle.Path {
	t.Helper()
	p, err := merkle.ParsePath(s)
	if err != nil {
		t.Fatalf("ParsePath(%q) failed: %v", s, err)
	}
	return p
}

func opener(content []byte) func() (io.ReadCloser, error) {
	return func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(content)), nil
	}
}

func TestCommitAddsOneFile(t *testing.T) {
	dir, vs, c, r := testRepo(t)
	cfg := Config{RepoRoot: dir, VNodeSize: 10000, Branch: refs.DefaultBranch}

	b := NewBuilder(cfg, vs, c, r, merkle.Hash{}, nil)
	content := []byte("hello from the commit writer")
	if err := b.Stage(StagedChange{Path: mustPath(t, "test.txt"), Status: Added, Open: opener(content)}); err != nil {
		t.Fatalf("Stage failed: %v", err)
	}

	commitHash, err := b.Commit(context.Background(), "tester", "initial commit")
	if err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	if commitHash.IsZero() {
		t.Fatal("expected a non-zero commit hash")
	}

	branchHash, err := r.Branch(refs.DefaultBranch)
	if err != nil {
		t.Fatalf("Branch failed: %v", err)
	}
	if branchHash != commitHash {
		t.Errorf("expected branch to point at %v, got %v", commitHash, branchHash)
	}

	tr := tree.New(dir, c, cfg.numVNodes)
	node, err := tr.ResolveFile(commitHash, mustPath(t, "test.txt"))
	if err != nil {
		t.Fatalf("ResolveFile failed: %v", err)
	}
	fp := node.Payload.(merkle.FilePayload)
	if fp.Size != int64(len(content)) {
		t.Errorf("expected size %d, got %d", len(content), fp.Size)
	}

	rc, err := vs.Get(context.Background(), merkle.HashFromContent(content))
	if err != nil {
		t.Fatalf("VersionStore Get failed: %v", err)
	}
	defer rc.Close()
	got, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("ReadAll failed: %v", err)
	}
	if !bytes.Equal(got, content) {
		t.Errorf("expected %q, got %q", content, got)
	}
}

func TestCommitDedupsSameContentDifferentPaths(t *testing.T) {
	dir, vs, c, r := testRepo(t)
	cfg := Config{RepoRoot: dir, VNodeSize: 10000, Branch: refs.DefaultBranch}

	b := NewBuilder(cfg, vs, c, r, merkle.Hash{}, nil)
	content := []byte("identical content, two names")
	if err := b.Stage(StagedChange{Path: mustPath(t, "a.txt"), Status: Added, Open: opener(content)}); err != nil {
		t.Fatalf("Stage(a.txt) failed: %v", err)
	}
	if err := b.Stage(StagedChange{Path: mustPath(t, "dir/b.txt"), Status: Added, Open: opener(content)}); err != nil {
		t.Fatalf("Stage(dir/b.txt) failed: %v", err)
	}

	commitHash, err := b.Commit(context.Background(), "tester", "dedup commit")
	if err != nil {
		t.Fatalf("Commit failed: %v", err)
	}

	tr := tree.New(dir, c, cfg.numVNodes)
	nodeA, err := tr.ResolveFile(commitHash, mustPath(t, "a.txt"))
	if err != nil {
		t.Fatalf("ResolveFile(a.txt) failed: %v", err)
	}
	nodeB, err := tr.ResolveFile(commitHash, mustPath(t, "dir/b.txt"))
	if err != nil {
		t.Fatalf("ResolveFile(dir/b.txt) failed: %v", err)
	}
	if nodeA.Hash != nodeB.Hash {
		t.Errorf("expected identical content to share a FileNode hash, got %v and %v", nodeA.Hash, nodeB.Hash)
	}
}

func TestCommitShardsDirectoryAcrossVNodes(t *testing.T) {
	dir, vs, c, r := testRepo(t)
	cfg := Config{RepoRoot: dir, VNodeSize: 10, Branch: refs.DefaultBranch}

	b := NewBuilder(cfg, vs, c, r, merkle.Hash{}, nil)
	const numFiles = 25
	for i := 0; i < numFiles; i++ {
		name := fmt.Sprintf("file-%02d.txt", i)
		content := []byte(fmt.Sprintf("content of %s", name))
		if err := b.Stage(StagedChange{Path: mustPath(t, name), Status: Added, Open: opener(content)}); err != nil {
			t.Fatalf("Stage(%s) failed: %v", name, err)
		}
	}

	commitHash, err := b.Commit(context.Background(), "tester", "shard commit")
	if err != nil {
		t.Fatalf("Commit failed: %v", err)
	}

	tr := tree.New(dir, c, cfg.numVNodes)
	entries, err := tr.ListDir(commitHash, merkle.Root)
	if err != nil {
		t.Fatalf("ListDir failed: %v", err)
	}
	if len(entries) != numFiles {
		t.Fatalf("expected %d entries, got %d", numFiles, len(entries))
	}

	for i := 0; i < numFiles; i++ {
		name := fmt.Sprintf("file-%02d.txt", i)
		if _, err := tr.ResolveFile(commitHash, mustPath(t, name)); err != nil {
			t.Errorf("ResolveFile(%s) failed: %v", name, err)
		}
	}
}

func TestCommitChainCarriesForwardUnaffectedFiles(t *testing.T) {
	dir, vs, c, r := testRepo(t)
	cfg := Config{RepoRoot: dir, VNodeSize: 10000, Branch: refs.DefaultBranch}

	b1 := NewBuilder(cfg, vs, c, r, merkle.Hash{}, nil)
	contentA := []byte("a content")
	contentB := []byte("b content")
	if err := b1.Stage(StagedChange{Path: mustPath(t, "a.txt"), Status: Added, Open: opener(contentA)}); err != nil {
		t.Fatalf("Stage(a.txt) failed: %v", err)
	}
	if err := b1.Stage(StagedChange{Path: mustPath(t, "b.txt"), Status: Added, Open: opener(contentB)}); err != nil {
		t.Fatalf("Stage(b.txt) failed: %v", err)
	}
	commit1, err := b1.Commit(context.Background(), "tester", "first commit")
	if err != nil {
		t.Fatalf("first Commit failed: %v", err)
	}

	b2 := NewBuilder(cfg, vs, c, r, commit1, nil)
	contentC := []byte("c content")
	if err := b2.Stage(StagedChange{Path: mustPath(t, "c.txt"), Status: Added, Open: opener(contentC)}); err != nil {
		t.Fatalf("Stage(c.txt) failed: %v", err)
	}
	commit2, err := b2.Commit(context.Background(), "tester", "second commit")
	if err != nil {
		t.Fatalf("second Commit failed: %v", err)
	}

	tr := tree.New(dir, c, cfg.numVNodes)
	if _, err := tr.ResolveFile(commit2, mustPath(t, "a.txt")); err != nil {
		t.Errorf("expected a.txt to still resolve in the second commit: %v", err)
	}
	if _, err := tr.ResolveFile(commit2, mustPath(t, "b.txt")); err != nil {
		t.Errorf("expected b.txt to still resolve in the second commit: %v", err)
	}
	if _, err := tr.ResolveFile(commit2, mustPath(t, "c.txt")); err != nil {
		t.Errorf("expected c.txt to resolve in the second commit: %v", err)
	}

	entries, err := tr.ListDir(commit2, merkle.Root)
	if err != nil {
		t.Fatalf("ListDir failed: %v", err)
	}
	if len(entries) != 3 {
		t.Errorf("expected 3 entries after the second commit, got %d", len(entries))
	}
}

func TestCommitRemovesFile(t *testing.T) {
	dir, vs, c, r := testRepo(t)
	cfg := Config{RepoRoot: dir, VNodeSize: 10000, Branch: refs.DefaultBranch}

	b1 := NewBuilder(cfg, vs, c, r, merkle.Hash{}, nil)
	content := []byte("to be removed")
	if err := b1.Stage(StagedChange{Path: mustPath(t, "gone.txt"), Status: Added, Open: opener(content)}); err != nil {
		t.Fatalf("Stage failed: %v", err)
	}
	commit1, err := b1.Commit(context.Background(), "tester", "add gone.txt")
	if err != nil {
		t.Fatalf("first Commit failed: %v", err)
	}

	b2 := NewBuilder(cfg, vs, c, r, commit1, nil)
	if err := b2.Stage(StagedChange{Path: mustPath(t, "gone.txt"), Status: Removed}); err != nil {
		t.Fatalf("Stage(removed) failed: %v", err)
	}
	commit2, err := b2.Commit(context.Background(), "tester", "remove gone.txt")
	if err != nil {
		t.Fatalf("second Commit failed: %v", err)
	}

	tr := tree.New(dir, c, cfg.numVNodes)
	if _, err := tr.ResolveFile(commit2, mustPath(t, "gone.txt")); err == nil {
		t.Error("expected gone.txt to no longer resolve after removal")
	}

	entries, err := tr.ListDir(commit2, merkle.Root)
	if err != nil {
		t.Fatalf("ListDir failed: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("expected an empty root after removing its only file, got %+v", entries)
	}
}

func TestCommitRenameAcrossDirectories(t *testing.T) {
	dir, vs, c, r := testRepo(t)
	cfg := Config{RepoRoot: dir, VNodeSize: 10000, Branch: refs.DefaultBranch}

	b1 := NewBuilder(cfg, vs, c, r, merkle.Hash{}, nil)
	content := []byte("renamed across directories")
	if err := b1.Stage(StagedChange{Path: mustPath(t, "src/file.txt"), Status: Added, Open: opener(content)}); err != nil {
		t.Fatalf("Stage failed: %v", err)
	}
	commit1, err := b1.Commit(context.Background(), "tester", "add src/file.txt")
	if err != nil {
		t.Fatalf("first Commit failed: %v", err)
	}

	b2 := NewBuilder(cfg, vs, c, r, commit1, nil)
	if err := b2.Stage(StagedChange{Path: mustPath(t, "src/file.txt"), Status: Removed}); err != nil {
		t.Fatalf("Stage(removed) failed: %v", err)
	}
	if err := b2.Stage(StagedChange{Path: mustPath(t, "dst/file.txt"), Status: Added, Open: opener(content)}); err != nil {
		t.Fatalf("Stage(dst/file.txt) failed: %v", err)
	}
	commit2, err := b2.Commit(context.Background(), "tester", "move to dst/file.txt")
	if err != nil {
		t.Fatalf("second Commit failed: %v", err)
	}

	tr := tree.New(dir, c, cfg.numVNodes)
	if _, err := tr.ResolveFile(commit2, mustPath(t, "src/file.txt")); err == nil {
		t.Error("expected src/file.txt to no longer resolve after the move")
	}
	node, err := tr.ResolveFile(commit2, mustPath(t, "dst/file.txt"))
	if err != nil {
		t.Fatalf("ResolveFile(dst/file.txt) failed: %v", err)
	}
	if node.Hash != merkle.HashFromContent(content) {
		t.Errorf("expected the moved file to keep its content hash")
	}
}

func TestCommitWithNoStagedChangesFails(t *testing.T) {
	dir, vs, c, r := testRepo(t)
	cfg := Config{RepoRoot: dir, VNodeSize: 10000, Branch: refs.DefaultBranch}

	b := NewBuilder(cfg, vs, c, r, merkle.Hash{}, nil)
	if _, err := b.Commit(context.Background(), "tester", "empty commit"); err == nil {
		t.Error("expected Commit with no staged changes to fail")
	}
}
