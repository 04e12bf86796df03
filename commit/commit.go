// Package commit is the CommitWriter spec.md §4.6 describes:
// Builder.Stage accumulates a working set of (path, status) changes;
// Builder.Commit runs the six-step build (hash changed files, load
// parent dirs via dir_hashes, re-shard and re-hash affected
// directories, write node DBs and the new dir_hashes index, synthesize
// the CommitNode, atomically advance the branch ref) and returns the
// new commit hash. Grounded on the teacher's layerfs.cow copy-on-write
// merge (keep unchanged children, only rewrite the touched ones) and
// on simplefs.ChunkBuf for the chunking step, generalized from a
// single flat bucket to the vnode-sharded, multi-level tree spec.md
// §4.3 requires.
package commit

import (
	"bytes"
	"context"
	"io"
	"runtime"
	"sort"

	"github.com/latticefs/latticefs/cache"
	"github.com/latticefs/latticefs/dirindex"
	"github.com/latticefs/latticefs/errs"
	"github.com/latticefs/latticefs/merkle"
	"github.com/latticefs/latticefs/nodedb"
	"github.com/latticefs/latticefs/refs"
	"github.com/latticefs/latticefs/store"
	"github.com/latticefs/latticefs/tree"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Status is a staged change's kind.
type Status int

const (
	Added Status = iota
	Modified
	Removed
)

// StagedChange is one entry of a Builder's working set.
type StagedChange struct {
	Path   merkle.Path
	Status Status
	// Open returns a fresh reader over the file's content; required
	// for Added/Modified, ignored for Removed.
	Open func() (io.ReadCloser, error)
	Mime string
}

// Config parameterizes a Builder's build, mirroring the relevant
// fields of the root package's RepoConfig without importing it (which
// would cycle back into commit).
type Config struct {
	RepoRoot       string
	VNodeSize      int64
	ChunkThreshold int64
	ChunkBounds    merkle.ChunkBounds
	Branch         string
}

func (c Config) numVNodes(n int64) int {
	size := c.VNodeSize
	if size <= 0 {
		size = 10000
	}
	if n <= 0 {
		return 1
	}
	return int((n + size - 1) / size)
}

// Builder accumulates staged changes and produces a new commit.
type Builder struct {
	cfg    Config
	store  store.VersionStore
	treeH  *tree.Tree
	refs   *refs.Store
	layout tree.Layout
	log    logrus.FieldLogger

	staged map[string]StagedChange
	parent merkle.Hash
}

// NewBuilder constructs a Builder for one commit build against
// parent (merkle.ZeroHash for a repo's first commit).
func NewBuilder(cfg Config, vs store.VersionStore, c *cache.Cache, r *refs.Store, parent merkle.Hash, log logrus.FieldLogger) *Builder {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Builder{
		cfg:    cfg,
		store:  vs,
		treeH:  tree.New(cfg.RepoRoot, c, cfg.numVNodes),
		refs:   r,
		layout: tree.Layout{RepoRoot: cfg.RepoRoot},
		log:    log,
		staged: make(map[string]StagedChange),
		parent: parent,
	}
}

// Stage records one change; a later Stage on the same path replaces
// the earlier one.
func (b *Builder) Stage(c StagedChange) error {
	if err := c.Path.Validate(); err != nil {
		return err
	}
	b.staged[c.Path.String()] = c
	return nil
}

// fileResult is the outcome of hashing one staged file (step 1).
type fileResult struct {
	path    merkle.Path
	removed bool
	hash    merkle.Hash
	header  []byte
	size    int64
}

// Commit runs the six-step build and, on success, advances
// cfg.Branch to the new commit hash. A failure at any point before
// the branch-ref write leaves the ref untouched; partially written
// node DBs for the attempted commit are tolerable garbage, addressable
// only by hash and otherwise unreachable (spec.md §4.6's failure
// semantics).
func (b *Builder) Commit(ctx context.Context, author, message string) (merkle.Hash, error) {
	if len(b.staged) == 0 {
		return merkle.Hash{}, errs.InvalidArgumentf("commit.commit", "", nil)
	}

	results, err := b.hashStagedFiles(ctx)
	if err != nil {
		return merkle.Hash{}, err
	}

	rootHash, idx, err := b.rebuildTree(results)
	if err != nil {
		return merkle.Hash{}, err
	}

	ts, tns := merkle.NowTimestamp()
	cp := merkle.CommitPayload{
		Message: message, Author: author,
		TimestampS: ts, TimestampNs: tns,
		RootDirHash: rootHash,
	}
	if !b.parent.IsZero() {
		cp.ParentIDs = []merkle.Hash{b.parent}
	}
	commitHash := cp.Hash()
	commitHeader, err := merkle.EncodeNode(merkle.Node{Hash: commitHash, Kind: merkle.KindCommit, Payload: cp})
	if err != nil {
		return merkle.Hash{}, err
	}

	rootDirHeader, err := b.readSelfHeader(rootHash)
	if err != nil {
		return merkle.Hash{}, err
	}

	commitDB, err := nodedb.Open(b.layout.NodeDBPath(commitHash), false)
	if err != nil {
		return merkle.Hash{}, err
	}
	if err := commitDB.Put(rootHash, rootDirHeader); err != nil {
		commitDB.Close()
		return merkle.Hash{}, err
	}
	if err := commitDB.SetSelf(commitHeader); err != nil {
		commitDB.Close()
		return merkle.Hash{}, err
	}
	if err := commitDB.Close(); err != nil {
		return merkle.Hash{}, err
	}

	if err := idx.Flush(b.layout.DirHashesPath(commitHash)); err != nil {
		return merkle.Hash{}, err
	}

	branch := b.cfg.Branch
	if branch == "" {
		branch = refs.DefaultBranch
	}
	if err := b.refs.SetBranch(branch, commitHash); err != nil {
		return merkle.Hash{}, err
	}

	b.log.WithFields(logrus.Fields{"commit": commitHash.String(), "branch": branch, "files": len(results)}).Info("commit advanced branch ref")
	return commitHash, nil
}

// hashStagedFiles is step 1: stream each added/modified file to the
// VersionStore, chunking it first if it exceeds ChunkThreshold, fanned
// out across GOMAXPROCS workers via errgroup (bounded so a large
// commit doesn't open unbounded file descriptors at once).
func (b *Builder) hashStagedFiles(ctx context.Context) ([]fileResult, error) {
	changes := make([]StagedChange, 0, len(b.staged))
	for _, c := range b.staged {
		changes = append(changes, c)
	}

	results := make([]fileResult, len(changes))
	g, ctx := errgroup.WithContext(ctx)
	sem := make(chan struct{}, runtime.GOMAXPROCS(0))

	for i, c := range changes {
		i, c := i, c
		if c.Status == Removed {
			results[i] = fileResult{path: c.Path, removed: true}
			continue
		}
		g.Go(func() error {
			sem <- struct{}{}
			defer func() { <-sem }()

			r, err := c.Open()
			if err != nil {
				return err
			}
			defer r.Close()

			fr, err := b.hashOneFile(ctx, c, r)
			if err != nil {
				return err
			}
			results[i] = fr
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func (b *Builder) hashOneFile(ctx context.Context, c StagedChange, r io.Reader) (fileResult, error) {
	bounds := b.cfg.ChunkBounds
	if bounds.Min == 0 {
		bounds = merkle.DefaultChunkBounds
	}
	threshold := b.cfg.ChunkThreshold
	if threshold <= 0 {
		threshold = 4 * 1024 * 1024
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return fileResult{}, errs.IOf("commit.hash_file", c.Path.String(), err)
	}

	var fp merkle.FilePayload
	var hash merkle.Hash
	fp.Name = c.Path.Base()
	fp.Mime = c.Mime
	fp.Size = int64(len(data))
	fp.LastModifiedS, fp.LastModifiedNs = merkle.NowTimestamp()

	if fp.Size > threshold {
		chunks, err := merkle.SplitChunksBytes(data, bounds)
		if err != nil {
			return fileResult{}, err
		}
		hashes := make([]merkle.Hash, len(chunks))
		for i, ch := range chunks {
			if err := b.store.Put(ctx, ch.Hash, bytes.NewReader(ch.Data)); err != nil {
				return fileResult{}, err
			}
			hashes[i] = ch.Hash
		}
		fp.ChunkHashes = hashes
		hash = merkle.HashFromChunks(hashes)
	} else {
		hash = merkle.HashFromContent(data)
		if err := b.store.Put(ctx, hash, bytes.NewReader(data)); err != nil {
			return fileResult{}, err
		}
	}

	node := merkle.Node{Hash: hash, Kind: merkle.KindFile, Payload: fp}
	header, err := merkle.EncodeNode(node)
	if err != nil {
		return fileResult{}, err
	}
	return fileResult{path: c.Path, hash: hash, header: header, size: fp.Size}, nil
}

// dirBuild is the working state for one directory being rebuilt:
// its current entry set (name -> Entry) as it will look in the new
// commit.
type dirBuild struct {
	path    merkle.Path
	entries map[string]merkle.Entry
}

// rebuildTree is steps 2-3-4: load each affected directory's existing
// entries via dir_hashes, apply the staged changes and any
// newly-rehashed subdirectory, then re-shard into VNodes and re-hash
// bottom-up, writing node DBs as it goes. It returns the new root
// DirNode hash and a Builder for the new commit's full dir_hashes
// index (unaffected directories carried forward unchanged from the
// parent commit's index, per spec.md §4.4).
func (b *Builder) rebuildTree(results []fileResult) (merkle.Hash, *dirindex.Builder, error) {
	affected := map[string]*dirBuild{}
	headerByHash := map[merkle.Hash][]byte{}

	ensureDir := func(p merkle.Path) *dirBuild {
		key := p.String()
		if d, ok := affected[key]; ok {
			return d
		}
		d := &dirBuild{path: p, entries: map[string]merkle.Entry{}}
		if !b.parent.IsZero() {
			if headers, err := b.treeH.LoadDirEntryHeaders(b.parent, p); err == nil {
				for name, header := range headers {
					n, err := merkle.DecodeNode(header)
					if err != nil {
						continue
					}
					d.entries[name] = merkle.Entry{Name: name, Kind: n.Kind, Hash: n.Hash}
					headerByHash[n.Hash] = header
				}
			}
		}
		affected[key] = d
		return d
	}

	// mark every ancestor of every changed path as affected, since a
	// directory's hash depends on all of its descendants' hashes.
	for _, r := range results {
		for anc := r.path.Parent(); ; anc = anc.Parent() {
			ensureDir(anc)
			if len(anc) == 0 {
				break
			}
		}
	}

	for _, r := range results {
		dir := ensureDir(r.path.Parent())
		name := r.path.Base()
		if r.removed {
			delete(dir.entries, name)
			continue
		}
		dir.entries[name] = merkle.Entry{Name: name, Kind: merkle.KindFile, Hash: r.hash}
		headerByHash[r.hash] = r.header
	}

	// process directories deepest-first so a subdirectory's new hash
	// and header are known before its parent is rehashed.
	order := make([]string, 0, len(affected))
	for k := range affected {
		order = append(order, k)
	}
	sort.Slice(order, func(i, j int) bool {
		return len(affected[order[i]].path) > len(affected[order[j]].path)
	})

	newHashes := map[string]merkle.Hash{}
	idx := dirindex.NewBuilder()
	if !b.parent.IsZero() {
		if parentIdx, err := dirindex.Open(b.layout.DirHashesPath(b.parent), true); err == nil {
			all, allErr := parentIdx.All()
			parentIdx.Close()
			if allErr == nil {
				for _, e := range all {
					idx.SetPath(e.Path, e.Hash)
				}
			}
		}
	}

	for _, key := range order {
		d := affected[key]
		hash, header, err := b.writeDirNode(d, headerByHash)
		if err != nil {
			return merkle.Hash{}, nil, err
		}
		newHashes[key] = hash
		headerByHash[hash] = header
		idx.Set(d.path, hash)

		// record this directory's freshly computed hash as an entry in
		// its own parent, which is processed later in this same loop
		// (directories are ordered deepest-first) — covers both a
		// changed existing subdirectory and a brand-new one.
		if len(d.path) > 0 {
			parent := ensureDir(d.path.Parent())
			parent.entries[d.path.Base()] = merkle.Entry{Name: d.path.Base(), Kind: merkle.KindDir, Hash: hash}
		}
	}

	root, ok := newHashes[merkle.Root.String()]
	if !ok {
		return merkle.Hash{}, nil, errs.Corruptedf("commit.rebuild_tree", "", nil)
	}
	return root, idx, nil
}

// writeDirNode re-shards d's entries into VNodes by the bucket rule
// (spec.md §4.3), writes each VNode's and the directory's own node
// DB, and returns the DirNode's hash and encoded self header.
func (b *Builder) writeDirNode(d *dirBuild, headerByHash map[merkle.Hash][]byte) (merkle.Hash, []byte, error) {
	numVNodes := b.cfg.numVNodes(int64(len(d.entries)))
	buckets := make([][]merkle.Entry, numVNodes)
	for name, e := range d.entries {
		fullPath := d.path.Join(name).String()
		bucket := merkle.Bucket(fullPath, numVNodes)
		buckets[bucket] = append(buckets[bucket], e)
	}

	vnodeHashes := make([]merkle.Hash, numVNodes)
	var numFiles, totalBytes int64
	for i, entries := range buckets {
		vp := merkle.VNodePayload{Entries: entries}
		vp.Sort()
		vHash := vp.Hash()
		vHeader, err := merkle.EncodeNode(merkle.Node{Hash: vHash, Kind: merkle.KindVNode, Payload: vp})
		if err != nil {
			return merkle.Hash{}, nil, err
		}

		vdb, err := nodedb.Open(b.layout.NodeDBPath(vHash), false)
		if err != nil {
			return merkle.Hash{}, nil, err
		}
		for _, e := range entries {
			if e.Kind == merkle.KindFile {
				if n, err := merkle.DecodeNode(headerByHash[e.Hash]); err == nil {
					if fp, ok := n.Payload.(merkle.FilePayload); ok {
						numFiles++
						totalBytes += fp.Size
					}
				}
			}
			if header, ok := headerByHash[e.Hash]; ok {
				if err := vdb.Put(e.Hash, header); err != nil {
					vdb.Close()
					return merkle.Hash{}, nil, err
				}
			}
		}
		if err := vdb.SetSelf(vHeader); err != nil {
			vdb.Close()
			return merkle.Hash{}, nil, err
		}
		if err := vdb.Close(); err != nil {
			return merkle.Hash{}, nil, err
		}

		vnodeHashes[i] = vHash
		headerByHash[vHash] = vHeader
	}

	dp := merkle.DirPayload{
		Name: d.path.Base(), NumEntries: int64(len(d.entries)),
		NumFiles: numFiles, TotalBytes: totalBytes, VNodeHashes: vnodeHashes,
	}
	dirHash := dp.Hash()
	dirHeader, err := merkle.EncodeNode(merkle.Node{Hash: dirHash, Kind: merkle.KindDir, Payload: dp})
	if err != nil {
		return merkle.Hash{}, nil, err
	}

	ddb, err := nodedb.Open(b.layout.NodeDBPath(dirHash), false)
	if err != nil {
		return merkle.Hash{}, nil, err
	}
	for _, vh := range vnodeHashes {
		if err := ddb.Put(vh, headerByHash[vh]); err != nil {
			ddb.Close()
			return merkle.Hash{}, nil, err
		}
	}
	if err := ddb.SetSelf(dirHeader); err != nil {
		ddb.Close()
		return merkle.Hash{}, nil, err
	}
	if err := ddb.Close(); err != nil {
		return merkle.Hash{}, nil, err
	}

	return dirHash, dirHeader, nil
}

// readSelfHeader re-reads a node's own encoded header after it has
// been written, used to populate the CommitNode's own node DB entry
// for the root DirNode.
func (b *Builder) readSelfHeader(hash merkle.Hash) ([]byte, error) {
	db, err := nodedb.Open(b.layout.NodeDBPath(hash), true)
	if err != nil {
		return nil, err
	}
	defer db.Close()
	header, found, err := db.Self()
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, errs.Corruptedf("commit.read_self_header", hash.String(), nil)
	}
	return header, nil
}
