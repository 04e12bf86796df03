// Package refs implements spec.md §3 invariant 6's named pointers: a
// branch ref names exactly one CommitNode hash, and HEAD names at
// most one branch. No teacher file has an equivalent (treedb has no
// notion of branches), so this is grounded directly on spec.md §4.6
// step 6's "atomically advance the branch ref... write-temp-then-rename
// pattern" and needs no third-party library — plain os.Rename is
// already atomic on the same filesystem, and nothing in the example
// pack does ref-file updates any differently.
package refs

import (
	"os"
	"path/filepath"
	"sort"

	"github.com/google/uuid"
	"github.com/latticefs/latticefs/errs"
	"github.com/latticefs/latticefs/merkle"
)

// DefaultBranch is the branch created by Repo.Init.
const DefaultBranch = "main"

// Store manages a repository's branch refs and HEAD pointer, both
// stored as plain files under <repo>/.hidden/refs.
type Store struct {
	headsDir string
	headFile string
}

// Open returns a Store rooted at repoRoot, creating the refs
// directory if absent.
func Open(repoRoot string) (*Store, error) {
	headsDir := filepath.Join(repoRoot, ".hidden", "refs", "heads")
	if err := os.MkdirAll(headsDir, 0755); err != nil {
		return nil, errs.IOf("refs.open", headsDir, err)
	}
	return &Store{
		headsDir: headsDir,
		headFile: filepath.Join(repoRoot, ".hidden", "refs", "HEAD"),
	}, nil
}

func (s *Store) branchPath(branch string) string {
	return filepath.Join(s.headsDir, branch)
}

// writeAtomic writes data to path via a temp file in the same
// directory followed by os.Rename, so a reader never observes a
// partially written ref.
func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, uuid.NewString()+".tmp")
	if err != nil {
		return errs.IOf("refs.write", path, err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return errs.IOf("refs.write", path, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return errs.IOf("refs.write", path, err)
	}
	if err := tmp.Close(); err != nil {
		return errs.IOf("refs.write", path, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return errs.IOf("refs.write", path, err)
	}
	return nil
}

// SetBranch atomically advances branch to point at commit — spec.md
// §4.6 step 6, the one step whose failure must never leave an
// intermediate value.
func (s *Store) SetBranch(branch string, commit merkle.Hash) error {
	return writeAtomic(s.branchPath(branch), []byte(commit.String()))
}

// Branch returns the commit hash branch currently points at.
func (s *Store) Branch(branch string) (merkle.Hash, error) {
	data, err := os.ReadFile(s.branchPath(branch))
	if err != nil {
		if os.IsNotExist(err) {
			return merkle.Hash{}, errs.NotFoundf("refs.branch", branch, err)
		}
		return merkle.Hash{}, errs.IOf("refs.branch", branch, err)
	}
	h, err := merkle.ParseHash(string(data))
	if err != nil {
		return merkle.Hash{}, errs.Corruptedf("refs.branch", branch, err)
	}
	return h, nil
}

// CreateBranch creates a new branch pointing at commit, failing with
// errs.AlreadyExists if it already has a ref.
func (s *Store) CreateBranch(branch string, commit merkle.Hash) error {
	if _, err := os.Stat(s.branchPath(branch)); err == nil {
		return errs.AlreadyExistsf("refs.create_branch", branch, nil)
	}
	return s.SetBranch(branch, commit)
}

// DeleteBranch removes branch's ref file. Deleting the branch HEAD
// currently points at is rejected, mirroring ordinary VCS behavior.
func (s *Store) DeleteBranch(branch string) error {
	head, err := s.Head()
	if err == nil && head == branch {
		return errs.InvalidArgumentf("refs.delete_branch", branch, nil)
	}
	if err := os.Remove(s.branchPath(branch)); err != nil {
		if os.IsNotExist(err) {
			return errs.NotFoundf("refs.delete_branch", branch, err)
		}
		return errs.IOf("refs.delete_branch", branch, err)
	}
	return nil
}

// ListBranches returns every branch name in sorted order.
func (s *Store) ListBranches() ([]string, error) {
	entries, err := os.ReadDir(s.headsDir)
	if err != nil {
		return nil, errs.IOf("refs.list_branches", s.headsDir, err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// SetHead points HEAD at branch (branch need not exist yet, mirroring
// an unborn-branch checkout).
func (s *Store) SetHead(branch string) error {
	return writeAtomic(s.headFile, []byte(branch))
}

// Head returns the branch name HEAD currently points at.
func (s *Store) Head() (string, error) {
	data, err := os.ReadFile(s.headFile)
	if err != nil {
		if os.IsNotExist(err) {
			return "", errs.NotFoundf("refs.head", s.headFile, err)
		}
		return "", errs.IOf("refs.head", s.headFile, err)
	}
	return string(data), nil
}
