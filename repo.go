// Package latticefs is a versioned, content-addressed data
// repository: commits are immutable Merkle trees of directories and
// files, branches are named pointers at commit hashes, and large
// files are content-defined-chunked so unchanged regions of a big
// dataset dedupe across versions. Repo is the single facade over the
// storage/cache/tree/commit/ref packages beneath it, the same role
// the teacher's root treedb.FileSystem played over its bolt-backed
// storage — generalized here from a raw POSIX-like file API to the
// versioned-repo API this package exposes.
package latticefs

import (
	"context"
	"io"
	"iter"
	"os"
	"path/filepath"
	"sync"

	"github.com/latticefs/latticefs/cache"
	"github.com/latticefs/latticefs/commit"
	"github.com/latticefs/latticefs/errs"
	"github.com/latticefs/latticefs/fork"
	"github.com/latticefs/latticefs/merkle"
	"github.com/latticefs/latticefs/nodedb"
	"github.com/latticefs/latticefs/refs"
	"github.com/latticefs/latticefs/repolock"
	"github.com/latticefs/latticefs/store"
	"github.com/latticefs/latticefs/tree"
	"github.com/sirupsen/logrus"
)

// Repo is a handle on one repository rooted at a directory on disk.
// Safe for concurrent reads; Add, Remove and Commit serialize on an
// in-process mutex, and Commit's build also holds repolock's
// cross-process file lock, so a Repo opened twice (in this process or
// another) never races itself during a commit build.
type Repo struct {
	root      string
	cfg       RepoConfig
	vs        store.VersionStore
	cache     *cache.Cache
	refs      *refs.Store
	lock      *repolock.Lock
	treeH     *tree.Tree
	log       logrus.FieldLogger
	validator *commit.Validator

	mu     sync.Mutex
	staged map[string]commit.StagedChange
}

// Branches is a small wrapper around refs.Store exposing branch
// management as its own namespace, per spec.md §6's ADDED
// Repo.Branches.Create/Delete.
type Branches struct{ r *Repo }

// DirDiff is the tree-structural comparison between two commits:
// added, removed and modified paths, by hash comparison only — not a
// line-level or dataframe diff (those stay out of scope per spec.md's
// Non-goals).
type DirDiff struct {
	Added    []string
	Removed  []string
	Modified []string
}

func hiddenDir(root string) string { return filepath.Join(root, ".hidden") }

// Init creates a new repository at path using a LocalFS VersionStore
// rooted alongside it, writes DefaultConfig, creates the "main"
// branch's absence (first commit creates it), and points HEAD at
// "main".
func Init(path string) (*Repo, error) {
	return initWithConfig(path, DefaultConfig(), nil)
}

// InitWithStore creates a new repository at path using a
// caller-supplied VersionStore (e.g. an S3Store for a repo whose
// blobs live in object storage while its tree metadata stays local).
func InitWithStore(path string, vs store.VersionStore) (*Repo, error) {
	cfg := DefaultConfig()
	if _, ok := vs.(*store.S3Store); ok {
		cfg.StorageKind = StorageS3
	}
	return initWithConfig(path, cfg, vs)
}

// InitWithConfig creates a new repository at path using an explicit
// RepoConfig and VersionStore (nil selects a LocalFS store rooted
// alongside the repo). Exposed for callers that need to tune
// sharding or chunking width directly, e.g. test helpers exercising
// small VNode buckets.
func InitWithConfig(path string, cfg RepoConfig, vs store.VersionStore) (*Repo, error) {
	return initWithConfig(path, cfg, vs)
}

func initWithConfig(path string, cfg RepoConfig, vs store.VersionStore) (*Repo, error) {
	if _, err := os.Stat(hiddenDir(path)); err == nil {
		return nil, errs.AlreadyExistsf("repo.init", path, nil)
	}
	if err := os.MkdirAll(hiddenDir(path), 0755); err != nil {
		return nil, errs.IOf("repo.init", path, err)
	}

	if vs == nil {
		localVS := store.NewLocalFS(filepath.Join(path, ".hidden", "versions"))
		localVS.CompressAbove = cfg.CompressAboveBytes
		vs = localVS
	}
	if err := vs.Init(context.Background()); err != nil {
		return nil, err
	}

	if err := writeConfig(path, cfg); err != nil {
		return nil, err
	}

	r, err := open(path, cfg, vs)
	if err != nil {
		return nil, err
	}
	if err := r.refs.SetHead(refs.DefaultBranch); err != nil {
		return nil, err
	}
	return r, nil
}

// Open reopens an existing repository at path, refusing one written
// by an unrecognized on-disk version.
func Open(path string) (*Repo, error) {
	cfg, err := readConfig(path)
	if err != nil {
		return nil, err
	}

	var vs store.VersionStore
	switch cfg.StorageKind {
	case StorageS3:
		vs, err = store.NewS3Store(context.Background(), cfg.S3Bucket, cfg.S3Prefix)
		if err != nil {
			return nil, err
		}
	default:
		localVS := store.NewLocalFS(filepath.Join(path, ".hidden", "versions"))
		localVS.CompressAbove = cfg.CompressAboveBytes
		vs = localVS
	}

	return open(path, cfg, vs)
}

func open(path string, cfg RepoConfig, vs store.VersionStore) (*Repo, error) {
	c, err := cache.For(path, cfg.CacheCapacity)
	if err != nil {
		return nil, err
	}
	refStore, err := refs.Open(path)
	if err != nil {
		return nil, err
	}

	log := logrus.StandardLogger().WithField("repo", path)
	r := &Repo{
		root:   path,
		cfg:    cfg,
		vs:     vs,
		cache:  c,
		refs:   refStore,
		lock:   repolock.Open(path),
		treeH:  tree.New(path, c, cfg.numVNodes),
		log:    log,
		staged: make(map[string]commit.StagedChange),
	}
	if cfg.EnableBackgroundValidation {
		r.validator = commit.NewValidator(r.treeH, vs, log)
	}
	return r, nil
}

func (cfg RepoConfig) numVNodes(n int64) int {
	size := cfg.VNodeSize
	if size <= 0 {
		size = 10000
	}
	if n <= 0 {
		return 1
	}
	return int((n + size - 1) / size)
}

// Add stages path's content for the next Commit, reading it fully
// into memory now (rather than holding content open, whose reader
// could outlive the caller's intent between Add and Commit).
func (r *Repo) Add(path string, content io.Reader) error {
	p, err := merkle.ParsePath(path)
	if err != nil {
		return err
	}
	data, err := io.ReadAll(content)
	if err != nil {
		return errs.IOf("repo.add", path, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.staged[p.String()] = commit.StagedChange{
		Path:   p,
		Status: commit.Added,
		Open:   func() (io.ReadCloser, error) { return io.NopCloser(newByteReader(data)), nil },
	}
	return nil
}

// Remove stages path's removal for the next Commit.
func (r *Repo) Remove(path string) error {
	p, err := merkle.ParsePath(path)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.staged[p.String()] = commit.StagedChange{Path: p, Status: commit.Removed}
	return nil
}

// Commit takes and clears the staged set, then builds a new commit
// from those Adds/Removes against HEAD's current branch tip,
// acquiring the repo's exclusive lock for the duration of the build
// so no second Commit call races it, and advances the branch ref. A
// failed Commit does not put the taken changes back.
func (r *Repo) Commit(ctx context.Context, author, message string) (merkle.Hash, error) {
	r.mu.Lock()
	staged := r.staged
	r.staged = make(map[string]commit.StagedChange)
	r.mu.Unlock()

	if len(staged) == 0 {
		return merkle.Hash{}, errs.InvalidArgumentf("repo.commit", r.root, nil)
	}

	retry := repolock.DefaultRetryInterval
	if r.cfg.LockRetryInterval > 0 {
		retry = durationFromMillis(r.cfg.LockRetryInterval)
	}
	if err := r.lock.Acquire(ctx, retry); err != nil {
		return merkle.Hash{}, err
	}
	defer r.lock.Unlock()

	branch, err := r.refs.Head()
	if err != nil {
		branch = refs.DefaultBranch
	}
	parent, err := r.refs.Branch(branch)
	if err != nil && !errs.Is(err, errs.NotFound) {
		return merkle.Hash{}, err
	}

	b := commit.NewBuilder(commit.Config{
		RepoRoot:       r.root,
		VNodeSize:      r.cfg.VNodeSize,
		ChunkThreshold: r.cfg.ChunkThreshold,
		ChunkBounds:    r.cfg.chunkBounds(),
		Branch:         branch,
	}, r.vs, r.cache, r.refs, parent, r.log)

	for _, c := range staged {
		if err := b.Stage(c); err != nil {
			return merkle.Hash{}, err
		}
	}

	commitHash, err := b.Commit(ctx, author, message)
	if err != nil {
		return merkle.Hash{}, err
	}

	if r.validator != nil {
		r.validator.Validate(commitHash)
	}
	return commitHash, nil
}

// Checkout points HEAD at branch, without touching the staged set
// (mirroring the source's "checkout only moves HEAD, staged changes
// carry over" behavior).
func (r *Repo) Checkout(branch string) error {
	return r.refs.SetHead(branch)
}

// HEAD returns the branch HEAD currently names. detached is
// merkle.ZeroHash; latticefs has no detached-HEAD mode (every commit
// is reachable only through a branch ref).
func (r *Repo) HEAD() (branch string, detached merkle.Hash, err error) {
	branch, err = r.refs.Head()
	return branch, merkle.ZeroHash, err
}

// ListBranches returns every branch name, sorted.
func (r *Repo) ListBranches() ([]string, error) {
	return r.refs.ListBranches()
}

// Branches returns the branch-management namespace for this Repo.
func (r *Repo) Branches() Branches { return Branches{r: r} }

// Create makes a new branch name pointing at commit at.
func (b Branches) Create(name string, at merkle.Hash) error {
	return b.r.refs.CreateBranch(name, at)
}

// Delete removes branch name's ref.
func (b Branches) Delete(name string) error {
	return b.r.refs.DeleteBranch(name)
}

// headCommit resolves HEAD's branch to its current commit hash.
func (r *Repo) headCommit() (merkle.Hash, error) {
	branch, err := r.refs.Head()
	if err != nil {
		return merkle.Hash{}, err
	}
	return r.refs.Branch(branch)
}

// ReadFile resolves path against HEAD and returns a reader over its
// full content, concatenating chunks in order for a chunked file.
func (r *Repo) ReadFile(ctx context.Context, path string) (io.ReadCloser, error) {
	commitHash, err := r.headCommit()
	if err != nil {
		return nil, err
	}
	return r.ReadFileAt(ctx, commitHash, path)
}

// ReadFileAt is ReadFile against an explicit commit rather than HEAD,
// letting a caller read an older version without checking it out.
func (r *Repo) ReadFileAt(ctx context.Context, commitHash merkle.Hash, path string) (io.ReadCloser, error) {
	p, err := merkle.ParsePath(path)
	if err != nil {
		return nil, err
	}
	node, err := r.treeH.ResolveFile(commitHash, p)
	if err != nil {
		return nil, err
	}
	fp, ok := node.Payload.(merkle.FilePayload)
	if !ok {
		return nil, errs.Corruptedf("repo.read_file", path, nil)
	}

	if len(fp.ChunkHashes) == 0 {
		return r.vs.Get(ctx, node.Hash)
	}

	readers := make([]io.Reader, 0, len(fp.ChunkHashes))
	closers := make([]io.Closer, 0, len(fp.ChunkHashes))
	for _, ch := range fp.ChunkHashes {
		rc, err := r.vs.Get(ctx, ch)
		if err != nil {
			for _, c := range closers {
				c.Close()
			}
			return nil, err
		}
		readers = append(readers, rc)
		closers = append(closers, rc)
	}
	return &multiReadCloser{r: io.MultiReader(readers...), closers: closers}, nil
}

// ListDir lists path's direct children at HEAD.
func (r *Repo) ListDir(ctx context.Context, path string) ([]merkle.Entry, error) {
	commitHash, err := r.headCommit()
	if err != nil {
		return nil, err
	}
	p, err := merkle.ParsePath(path)
	if err != nil {
		return nil, err
	}
	return r.treeH.ListDir(commitHash, p)
}

// Fork launches an asynchronous copy of this repository into dstPath,
// returning a Handle for tracking its progress.
func (r *Repo) Fork(ctx context.Context, dstPath string) (*fork.Handle, error) {
	return fork.Start(ctx, r.root, dstPath)
}

// ForkStatus reads dstPath's fork progress log without needing the
// in-process Handle Fork returned — useful for a process that started
// a fork, exited, and wants another process to poll its outcome.
func (r *Repo) ForkStatus(dstPath string) (fork.StateRecord, error) {
	return fork.Status(dstPath)
}

// ValidationStatus reports a commit's background content-validation
// outcome, Pending if EnableBackgroundValidation is off or the commit
// hasn't been submitted.
func (r *Repo) ValidationStatus(hash merkle.Hash) commit.ValidationState {
	if r.validator == nil {
		return commit.ValidationPending
	}
	return r.validator.Status(hash)
}

// Log walks commit history from branch's tip back through parent
// links, yielding each CommitNode and any error encountered walking
// further (after which iteration stops).
func (r *Repo) Log(ctx context.Context, branch string) iter.Seq2[merkle.Node, error] {
	return func(yield func(merkle.Node, error) bool) {
		current, err := r.refs.Branch(branch)
		if err != nil {
			yield(merkle.Node{}, err)
			return
		}
		for !current.IsZero() {
			node, err := r.loadCommitNode(current)
			if err != nil {
				yield(merkle.Node{}, err)
				return
			}
			if !yield(node, nil) {
				return
			}
			cp, ok := node.Payload.(merkle.CommitPayload)
			if !ok || len(cp.ParentIDs) == 0 {
				return
			}
			current = cp.ParentIDs[0]
		}
	}
}

func (r *Repo) loadCommitNode(hash merkle.Hash) (merkle.Node, error) {
	layout := tree.Layout{RepoRoot: r.root}
	db, err := nodedb.Open(layout.NodeDBPath(hash), true)
	if err != nil {
		return merkle.Node{}, err
	}
	defer db.Close()
	header, found, err := db.Self()
	if err != nil {
		return merkle.Node{}, err
	}
	if !found {
		return merkle.Node{}, errs.Corruptedf("repo.log", hash.String(), nil)
	}
	return merkle.DecodeNode(header)
}

// Diff compares commits a and b structurally: which paths were added,
// removed, or changed hash, walking both trees in lockstep rather
// than diffing their contents byte-for-byte. Recursively prefetches
// both commits' full trees into the NodeCache first (spec.md §4.5's
// recursive reconstruction depth), so the lockstep walk below resolves
// every subdirectory from cache instead of a node DB open per level.
func (r *Repo) Diff(ctx context.Context, a, b merkle.Hash) (DirDiff, error) {
	if !a.IsZero() {
		if _, err := r.treeH.ListDirAtDepth(a, merkle.Root, -1); err != nil && !errs.Is(err, errs.NotFound) {
			return DirDiff{}, err
		}
	}
	if !b.IsZero() {
		if _, err := r.treeH.ListDirAtDepth(b, merkle.Root, -1); err != nil && !errs.Is(err, errs.NotFound) {
			return DirDiff{}, err
		}
	}

	var d DirDiff
	if err := r.diffDir(a, b, merkle.Root, &d); err != nil {
		return DirDiff{}, err
	}
	return d, nil
}

func (r *Repo) diffDir(a, b merkle.Hash, dir merkle.Path, d *DirDiff) error {
	aEntries, aErr := r.entriesOf(a, dir)
	if aErr != nil && !errs.Is(aErr, errs.NotFound) {
		return aErr
	}
	bEntries, bErr := r.entriesOf(b, dir)
	if bErr != nil && !errs.Is(bErr, errs.NotFound) {
		return bErr
	}

	aMap := entryMap(aEntries)
	bMap := entryMap(bEntries)

	for name, ae := range aMap {
		path := dir.Join(name)
		be, present := bMap[name]
		if !present {
			d.Removed = append(d.Removed, path.String())
			continue
		}
		if ae.Kind == merkle.KindDir && be.Kind == merkle.KindDir {
			if ae.Hash != be.Hash {
				if err := r.diffDir(a, b, path, d); err != nil {
					return err
				}
			}
			continue
		}
		if ae.Hash != be.Hash {
			d.Modified = append(d.Modified, path.String())
		}
	}
	for name := range bMap {
		if _, present := aMap[name]; !present {
			d.Added = append(d.Added, dir.Join(name).String())
		}
	}
	return nil
}

func (r *Repo) entriesOf(commitHash merkle.Hash, dir merkle.Path) ([]merkle.Entry, error) {
	if commitHash.IsZero() {
		return nil, errs.NotFoundf("repo.diff", dir.String(), nil)
	}
	return r.treeH.ListDir(commitHash, dir)
}

func entryMap(entries []merkle.Entry) map[string]merkle.Entry {
	m := make(map[string]merkle.Entry, len(entries))
	for _, e := range entries {
		m[e.Name] = e
	}
	return m
}
