// Package cache is the NodeCache spec.md §4.5 describes: a
// depth-aware LRU of decoded nodes, shared process-wide per repo path.
// No teacher file has an equivalent layer (treedb has no cache at
// all), so the depth-tracking mechanics here are grounded instead on
// the pack's trie/state-node caches — vechain-thor's muxdb cache and
// go-ethereum's trie/triedb/pathdb diskcache both hold decoded node
// headers rather than raw bytes, the same shape this package takes.
package cache

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/latticefs/latticefs/merkle"
)

// CachedNode is one cached, decoded node plus how much of its subtree
// is known to be loaded — matching spec.md §4.5's struct verbatim.
type CachedNode struct {
	Hash        merkle.Hash
	Payload     merkle.Payload
	ParentHash  *merkle.Hash // nil for the repo root / a commit
	ChildHashes []merkle.Hash
	LoadedDepth int  // -1 = recursive; >=0 = finite depth below this node
	IsRecursive bool // true iff subtree fully materialized
}

// Satisfies reports whether this entry already covers a request for
// depth d (or recursive, when recursive is true). VNodes are
// transparent to depth counting elsewhere (the tree package's job);
// here it is a plain comparison against what was already loaded.
func (c *CachedNode) Satisfies(d int, recursive bool) bool {
	if recursive {
		return c.IsRecursive
	}
	if c.IsRecursive {
		return true
	}
	return c.LoadedDepth >= d
}

// DefaultCapacity is the NodeCache's default entry count. spec.md
// §4.5 calls for "tens of millions" in production; kept far smaller
// here since this library has no daemon to size it against real
// memory, and RepoConfig.CacheCapacity overrides it per repo.
const DefaultCapacity = 1 << 16

// Cache is a single repository's NodeCache: an LRU behind a mutex.
// The underlying hashicorp/golang-lru/v2 cache is itself
// goroutine-safe, but the coarse outer mutex is what lets a caller
// treat "check cache, else reconstruct from disk and insert" as one
// atomic step — the same "coarse locking is acceptable because
// operations under the lock are in-memory only" stance spec.md §5
// takes for this exact cache.
type Cache struct {
	mu  sync.Mutex
	lru *lru.Cache[merkle.Hash, *CachedNode]
}

// New creates a standalone cache of the given capacity. Most callers
// should use For to share one per repo path instead.
func New(capacity int) (*Cache, error) {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	l, err := lru.New[merkle.Hash, *CachedNode](capacity)
	if err != nil {
		return nil, err
	}
	return &Cache{lru: l}, nil
}

// Get returns the cached entry for hash, if present.
func (c *Cache) Get(hash merkle.Hash) (*CachedNode, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Get(hash)
}

// Put inserts or replaces the cached entry for node.Hash.
func (c *Cache) Put(node *CachedNode) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Add(node.Hash, node)
}

// WithLock runs fn while holding the cache's mutex, letting a caller
// perform the full "check cache, else reconstruct and insert"
// sequence atomically rather than racing two separate Get/Put calls.
func (c *Cache) WithLock(fn func(get func(merkle.Hash) (*CachedNode, bool), put func(*CachedNode))) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn(c.lru.Get, func(n *CachedNode) { c.lru.Add(n.Hash, n) })
}

// Len reports the number of entries currently cached.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

// Purge empties the cache entirely.
func (c *Cache) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Purge()
}

// --- process-global registry, keyed by repo path ---

var (
	registryMu sync.Mutex
	registry   = map[string]*Cache{}
)

// For returns the shared Cache for repoPath, creating one with
// capacity if this is the first caller to ask for it. Every Repo
// handle opened on the same path shares one NodeCache, per spec.md
// §4.5's "per repository and process-global".
func For(repoPath string, capacity int) (*Cache, error) {
	registryMu.Lock()
	defer registryMu.Unlock()

	if c, ok := registry[repoPath]; ok {
		return c, nil
	}
	c, err := New(capacity)
	if err != nil {
		return nil, err
	}
	registry[repoPath] = c
	return c, nil
}

// Drop releases repoPath's shared cache, per spec.md §4.5's
// "drop(repo_path) to release a repo's cache in full on repo close".
func Drop(repoPath string) {
	registryMu.Lock()
	defer registryMu.Unlock()
	delete(registry, repoPath)
}
