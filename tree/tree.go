// Package tree is the MerkleTree spec.md §4.3 describes: path
// resolution, vnode routing and cache-backed reconstruction layered
// on top of the pure types in merkle, the per-node child stores in
// nodedb, and the per-commit path index in dirindex. Split out of
// merkle itself to keep merkle free of any on-disk dependency — this
// package is the one place those three come together, plus cache for
// the depth-aware LRU spec.md §4.5 describes.
package tree

import (
	"path/filepath"
	"sort"

	"github.com/latticefs/latticefs/cache"
	"github.com/latticefs/latticefs/dirindex"
	"github.com/latticefs/latticefs/errs"
	"github.com/latticefs/latticefs/merkle"
	"github.com/latticefs/latticefs/nodedb"
)

// Layout locates the on-disk pieces of a repository's tree storage.
// Grounded on the teacher's own directory-sharded layout convention
// (treedb's path-prefixed bolt keys), adapted to spec.md §4.2's
// literal `.hidden/tree/<hash-prefix>/<hash>/nodes.db` layout.
type Layout struct {
	RepoRoot string
}

// NodeDBPath returns the path to hash's MerkleNodeDB file.
func (l Layout) NodeDBPath(hash merkle.Hash) string {
	hex := hash.String()
	return filepath.Join(l.RepoRoot, ".hidden", "tree", hex[:2], hex, "nodes.db")
}

// DirHashesPath returns the path to a commit's DirHashes index file.
func (l Layout) DirHashesPath(commitID merkle.Hash) string {
	return filepath.Join(l.RepoRoot, ".hidden", "history", commitID.String(), "dir_hashes", "index.db")
}

// Tree is a handle on one repository's Merkle tree storage: the
// layout, the shared NodeCache, and the vnode-count function. Each
// lookup opens the commit's DirHashes index it needs.
type Tree struct {
	layout    Layout
	cache     *cache.Cache
	numVNodes func(numEntries int64) int
}

// New builds a Tree handle. numVNodes computes ceil(N/VNODE_SIZE) per
// spec.md §4.3; callers pass a closure bound to RepoConfig.VNodeSize
// rather than a bare constant so repos can vary it.
func New(repoRoot string, c *cache.Cache, numVNodes func(int64) int) *Tree {
	return &Tree{layout: Layout{RepoRoot: repoRoot}, cache: c, numVNodes: numVNodes}
}

// openDirIndex opens a commit's DirHashes index read-only.
func (t *Tree) openDirIndex(commitID merkle.Hash) (*dirindex.Store, error) {
	return dirindex.Open(t.layout.DirHashesPath(commitID), true)
}

// openNodeDB opens a node's MerkleNodeDB read-only.
func (t *Tree) openNodeDB(hash merkle.Hash) (*nodedb.Store, error) {
	return nodedb.Open(t.layout.NodeDBPath(hash), true)
}

// loadNode fetches a single node's own decoded header: first from the
// shared cache, falling back to its parent's child-header table on a
// miss. header must be the already-known encoded bytes for hash (the
// caller looked it up via its parent's nodedb.Entry or dirindex), so
// this never needs to guess which node DB holds it. A node fetched
// this way has no descendants loaded, so it only ever satisfies a
// depth-0, non-recursive request.
func (t *Tree) loadNode(hash merkle.Hash, header []byte) (merkle.Node, error) {
	if c, ok := t.cache.Get(hash); ok && c.Payload != nil && c.Satisfies(0, false) {
		return merkle.Node{Hash: hash, Payload: c.Payload, Kind: c.Payload.Kind()}, nil
	}
	n, err := merkle.DecodeNode(header)
	if err != nil {
		return merkle.Node{}, err
	}
	t.cache.Put(&cache.CachedNode{Hash: hash, Payload: n.Payload, LoadedDepth: 0})
	return n, nil
}

// ResolveDir resolves a directory path to its DirNode hash via a
// single dir_hashes lookup (spec.md §4.3 step 1), without a tree
// walk.
func (t *Tree) ResolveDir(commitID merkle.Hash, dir merkle.Path) (merkle.Hash, error) {
	idx, err := t.openDirIndex(commitID)
	if err != nil {
		return merkle.Hash{}, err
	}
	defer idx.Close()

	h, found, err := idx.Lookup(dir)
	if err != nil {
		return merkle.Hash{}, err
	}
	if !found {
		return merkle.Hash{}, errs.NotFoundf("tree.resolve_dir", dir.String(), nil)
	}
	return h, nil
}

// ResolveFile resolves a full file path to its FileNode (spec.md
// §4.3's four-step path resolution): dir_hashes lookup for the
// containing directory (NotFound if it is absent), bucket
// computation, VNode load, and a binary search within that VNode.
func (t *Tree) ResolveFile(commitID merkle.Hash, path merkle.Path) (merkle.Node, error) {
	return t.ResolveFileAtDepth(commitID, path, 0)
}

// ResolveFileAtDepth is ResolveFile with an explicit reconstruction
// depth (spec.md §4.5): depth 0 resolves the single requested file;
// depth > 0 (or -1 for recursive) also warms the cache down through
// the containing directory's subdirectories, so a subsequent resolve
// or list under the same subtree is satisfied from cache rather than
// the node DB.
func (t *Tree) ResolveFileAtDepth(commitID merkle.Hash, path merkle.Path, depth int) (merkle.Node, error) {
	dirPath := path.Parent()

	dirHash, err := t.ResolveDir(commitID, dirPath)
	if err != nil {
		return merkle.Node{}, err
	}

	dirNode, err := t.loadDirNode(dirHash, depth)
	if err != nil {
		return merkle.Node{}, err
	}
	dp, ok := dirNode.Payload.(merkle.DirPayload)
	if !ok {
		return merkle.Node{}, errs.Corruptedf("tree.resolve_file", dirHash.String(), nil)
	}

	numVNodes := len(dp.VNodeHashes)
	if numVNodes == 0 {
		return merkle.Node{}, errs.NotFoundf("tree.resolve_file", path.String(), nil)
	}
	bucket := merkle.Bucket(path.String(), numVNodes)
	vnodeHash := dp.VNodeHashes[bucket]

	vnode, err := t.loadVNode(vnodeHash, true)
	if err != nil {
		return merkle.Node{}, err
	}
	vp, ok := vnode.Payload.(merkle.VNodePayload)
	if !ok {
		return merkle.Node{}, errs.Corruptedf("tree.resolve_file", vnodeHash.String(), nil)
	}

	entry, found := vp.Find(path.Base())
	if !found || entry.Kind != merkle.KindFile {
		return merkle.Node{}, errs.NotFoundf("tree.resolve_file", path.String(), nil)
	}

	return t.loadFileNode(vnodeHash, entry.Hash)
}

// loadDirNode loads a DirNode by hash at the given reconstruction
// depth (spec.md §4.5: depth 0 = this node's own VNodeHashes only;
// depth > 0 = also warm depth-1 non-VNode descendants, i.e. every
// VNode under this dir plus, for each subdirectory entry found there,
// a recursive load at depth-1; -1 = fully recursive). A cache hit is
// accepted only if CachedNode.Satisfies(depth, recursive) — a shallow
// entry left by an earlier depth-0 resolve does not satisfy a deeper
// request and falls through to disk.
//
// Falls back to reconstructing a minimal payload from a node's
// children if it predates self-describing headers (nodedb.Store.Self,
// e.g. a node DB written by an older tool version).
func (t *Tree) loadDirNode(hash merkle.Hash, depth int) (merkle.Node, error) {
	recursive := depth < 0
	if c, ok := t.cache.Get(hash); ok && c.Satisfies(depth, recursive) {
		return merkle.Node{Hash: hash, Kind: merkle.KindDir, Payload: c.Payload}, nil
	}

	dp, err := t.readDirPayload(hash)
	if err != nil {
		return merkle.Node{}, err
	}
	t.cache.Put(&cache.CachedNode{Hash: hash, Payload: dp, LoadedDepth: 0, ChildHashes: dp.VNodeHashes})
	node := merkle.Node{Hash: hash, Kind: merkle.KindDir, Payload: dp}

	if depth == 0 {
		return node, nil
	}

	childDepth := depth - 1
	if recursive {
		childDepth = -1
	}
	for _, vh := range dp.VNodeHashes {
		vnode, err := t.loadVNode(vh, true)
		if err != nil {
			return merkle.Node{}, err
		}
		vp := vnode.Payload.(merkle.VNodePayload)
		for _, e := range vp.Entries {
			if e.Kind == merkle.KindDir {
				if _, err := t.loadDirNode(e.Hash, childDepth); err != nil {
					return merkle.Node{}, err
				}
				continue
			}
			if _, err := t.loadFileNode(vh, e.Hash); err != nil {
				return merkle.Node{}, err
			}
		}
	}
	t.cache.Put(&cache.CachedNode{Hash: hash, Payload: dp, LoadedDepth: depth, IsRecursive: recursive, ChildHashes: dp.VNodeHashes})
	return node, nil
}

// readDirPayload reads a DirNode's payload from disk, without
// consulting or populating the cache.
func (t *Tree) readDirPayload(hash merkle.Hash) (merkle.DirPayload, error) {
	db, err := t.openNodeDB(hash)
	if err != nil {
		return merkle.DirPayload{}, err
	}
	defer db.Close()

	if header, found, err := db.Self(); err != nil {
		return merkle.DirPayload{}, err
	} else if found {
		n, err := merkle.DecodeNode(header)
		if err != nil {
			return merkle.DirPayload{}, err
		}
		return n.Payload.(merkle.DirPayload), nil
	}

	entries, err := db.Map()
	if err != nil {
		return merkle.DirPayload{}, err
	}
	vnodeHashes := make([]merkle.Hash, 0, len(entries))
	for _, e := range entries {
		vnodeHashes = append(vnodeHashes, e.Hash)
	}
	return merkle.DirPayload{NumEntries: int64(len(entries)), VNodeHashes: vnodeHashes}, nil
}

// loadVNode loads a VNode's full entry list by hash. VNodes have no
// partial-load state — recursive is the only depth axis that matters,
// so a cache hit is accepted only if Satisfies(0, recursive) holds,
// i.e. the cached entry is fully materialized whenever recursive is
// requested.
func (t *Tree) loadVNode(hash merkle.Hash, recursive bool) (merkle.Node, error) {
	if c, ok := t.cache.Get(hash); ok && c.Satisfies(0, recursive) {
		return merkle.Node{Hash: hash, Kind: merkle.KindVNode, Payload: c.Payload}, nil
	}

	db, err := t.openNodeDB(hash)
	if err != nil {
		return merkle.Node{}, err
	}
	defer db.Close()

	entries, err := db.Map()
	if err != nil {
		return merkle.Node{}, err
	}

	vp := merkle.VNodePayload{}
	children := make([]merkle.Hash, 0, len(entries))
	for _, e := range entries {
		n, err := merkle.DecodeNode(e.Header)
		if err != nil {
			return merkle.Node{}, err
		}
		var kind merkle.Kind
		var name string
		switch p := n.Payload.(type) {
		case merkle.FilePayload:
			kind, name = merkle.KindFile, p.Name
		case merkle.DirPayload:
			kind, name = merkle.KindDir, p.Name
		default:
			return merkle.Node{}, errs.Corruptedf("tree.load_vnode", hash.String(), nil)
		}
		vp.Entries = append(vp.Entries, merkle.Entry{Name: name, Kind: kind, Hash: e.Hash})
		children = append(children, e.Hash)
	}
	vp.Sort()

	t.cache.Put(&cache.CachedNode{Hash: hash, Payload: vp, LoadedDepth: -1, IsRecursive: true, ChildHashes: children})
	return merkle.Node{Hash: hash, Kind: merkle.KindVNode, Payload: vp}, nil
}

// loadFileNode loads a FileNode by hash from its containing VNode's
// node DB — FileNodes are leaves (merkle.Kind.IsLeaf) and so have no
// node DB of their own; they exist only inside their parent VNode's
// child table and, once evicted there, only in the cache. A leaf's
// cache entry has no descendants, so it only ever satisfies depth 0.
func (t *Tree) loadFileNode(vnodeHash, fileHash merkle.Hash) (merkle.Node, error) {
	if c, ok := t.cache.Get(fileHash); ok && c.Satisfies(0, false) {
		return merkle.Node{Hash: fileHash, Kind: merkle.KindFile, Payload: c.Payload}, nil
	}

	db, err := t.openNodeDB(vnodeHash)
	if err != nil {
		return merkle.Node{}, err
	}
	defer db.Close()

	header, found, err := db.Get(fileHash)
	if err != nil {
		return merkle.Node{}, err
	}
	if !found {
		return merkle.Node{}, errs.NotFoundf("tree.load_file_node", fileHash.String(), nil)
	}

	n, err := merkle.DecodeNode(header)
	if err != nil {
		return merkle.Node{}, err
	}
	t.cache.Put(&cache.CachedNode{Hash: fileHash, Payload: n.Payload, LoadedDepth: 0})
	return n, nil
}

// LoadDirEntryHeaders returns, for every direct child of dir, the full
// encoded header its containing VNode stored for it, keyed by name.
// CommitWriter uses this to carry a directory's unchanged entries
// forward into a new commit without losing their FilePayload/DirPayload
// fields (a bare merkle.Entry only carries Name/Kind/Hash). Returns an
// empty map, not an error, if dir doesn't exist in commitID.
func (t *Tree) LoadDirEntryHeaders(commitID merkle.Hash, dir merkle.Path) (map[string][]byte, error) {
	dirHash, err := t.ResolveDir(commitID, dir)
	if errs.Is(err, errs.NotFound) {
		return map[string][]byte{}, nil
	}
	if err != nil {
		return nil, err
	}

	dirNode, err := t.loadDirNode(dirHash, 0)
	if err != nil {
		return nil, err
	}
	dp, ok := dirNode.Payload.(merkle.DirPayload)
	if !ok {
		return nil, errs.Corruptedf("tree.load_dir_entry_headers", dirHash.String(), nil)
	}

	out := make(map[string][]byte)
	for _, vh := range dp.VNodeHashes {
		db, err := t.openNodeDB(vh)
		if err != nil {
			return nil, err
		}
		entries, err := db.Map()
		db.Close()
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			n, err := merkle.DecodeNode(e.Header)
			if err != nil {
				continue
			}
			switch p := n.Payload.(type) {
			case merkle.FilePayload:
				out[p.Name] = e.Header
			case merkle.DirPayload:
				out[p.Name] = e.Header
			}
		}
	}
	return out, nil
}

// ListDir returns the child entries of dir (both files and
// subdirectories) sorted by name, materializing every VNode bucket
// under it.
func (t *Tree) ListDir(commitID merkle.Hash, dir merkle.Path) ([]merkle.Entry, error) {
	return t.ListDirAtDepth(commitID, dir, 0)
}

// ListDirAtDepth is ListDir with an explicit reconstruction depth
// (spec.md §4.5): depth 0 lists dir itself; depth > 0 (or -1 for
// recursive) also warms every subdirectory found under dir down to
// that depth, so a caller about to walk a whole subtree (e.g. Diff)
// can prefetch it in one pass instead of paying a disk trip per
// directory level.
func (t *Tree) ListDirAtDepth(commitID merkle.Hash, dir merkle.Path, depth int) ([]merkle.Entry, error) {
	dirHash, err := t.ResolveDir(commitID, dir)
	if err != nil {
		return nil, err
	}
	dirNode, err := t.loadDirNode(dirHash, depth)
	if err != nil {
		return nil, err
	}
	dp := dirNode.Payload.(merkle.DirPayload)

	var out []merkle.Entry
	for _, vh := range dp.VNodeHashes {
		vnode, err := t.loadVNode(vh, true)
		if err != nil {
			return nil, err
		}
		out = append(out, vnode.Payload.(merkle.VNodePayload).Entries...)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}
