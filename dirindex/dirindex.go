// Package dirindex is the per-commit DirHashesDB spec.md §4.4
// describes: a flat path -> Hash map letting the MerkleTree resolve
// "what is the hash of /a/b/c" in one lookup instead of walking the
// tree from the root, vnode bucket by vnode bucket. Grounded on the
// same bolt bucket/cursor idiom nodedb uses, applied here to a single
// flat bucket keyed by the path string itself rather than by node
// hash.
package dirindex

import (
	"sort"
	"strings"

	"github.com/latticefs/latticefs/errs"
	"github.com/latticefs/latticefs/merkle"
	"go.etcd.io/bbolt"
)

var pathsBucket = []byte("paths")

// Store is one commit's path -> Hash index, stored at
// <repo>/.hidden/history/<commit-id>/dir_hashes/index.db.
type Store struct {
	db       *bbolt.DB
	path     string
	readOnly bool
}

// Open opens (creating if absent) the index file at path.
func Open(path string, readOnly bool) (*Store, error) {
	opts := &bbolt.Options{ReadOnly: readOnly}
	db, err := bbolt.Open(path, 0644, opts)
	if err != nil {
		return nil, errs.IOf("dirindex.open", path, err)
	}

	if !readOnly {
		if err := db.Update(func(tx *bbolt.Tx) error {
			_, err := tx.CreateBucketIfNotExists(pathsBucket)
			return err
		}); err != nil {
			db.Close()
			return nil, errs.IOf("dirindex.open", path, err)
		}
	}

	return &Store{db: db, path: path, readOnly: readOnly}, nil
}

func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return errs.IOf("dirindex.close", s.path, err)
	}
	return nil
}

// PathHash is one entry of a full index listing.
type PathHash struct {
	Path string
	Hash merkle.Hash
}

// All returns every path->hash entry in the index, used by
// CommitWriter to carry forward the unaffected directories of a
// parent commit's index into the new commit's index (spec.md §4.4's
// index is rebuilt per commit, not patched in place).
func (s *Store) All() ([]PathHash, error) {
	var out []PathHash
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(pathsBucket)
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			if len(v) != merkle.HashSize {
				return nil
			}
			var h merkle.Hash
			copy(h[:], v)
			out = append(out, PathHash{Path: string(k), Hash: h})
			return nil
		})
	})
	if err != nil {
		return nil, errs.IOf("dirindex.all", s.path, err)
	}
	return out, nil
}

// Lookup returns the DirNode or FileNode hash stored at path, the
// MerkleTree's primary path resolution operation (spec.md §4.4:
// "path resolution ... is a single index lookup, not a tree walk").
func (s *Store) Lookup(path merkle.Path) (merkle.Hash, bool, error) {
	key := []byte(path.String())
	var out merkle.Hash
	var found bool
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(pathsBucket)
		if b == nil {
			return nil
		}
		v := b.Get(key)
		if v == nil || len(v) != merkle.HashSize {
			return nil
		}
		found = true
		copy(out[:], v)
		return nil
	})
	if err != nil {
		return merkle.Hash{}, false, errs.IOf("dirindex.lookup", s.path, err)
	}
	return out, found, nil
}

// ListChildren returns the immediate children of dir (one path
// component below it) in name order.
func (s *Store) ListChildren(dir merkle.Path) ([]string, error) {
	prefix := dir.String()
	if prefix != merkle.PathSeparator {
		prefix += merkle.PathSeparator
	}

	seen := map[string]bool{}
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(pathsBucket)
		if b == nil {
			return nil
		}
		c := b.Cursor()
		for k, _ := c.Seek([]byte(prefix)); k != nil && strings.HasPrefix(string(k), prefix); k, _ = c.Next() {
			rest := strings.TrimPrefix(string(k), prefix)
			if rest == "" {
				continue
			}
			if i := strings.Index(rest, merkle.PathSeparator); i >= 0 {
				rest = rest[:i]
			}
			seen[rest] = true
		}
		return nil
	})
	if err != nil {
		return nil, errs.IOf("dirindex.list_children", s.path, err)
	}

	out := make([]string, 0, len(seen))
	for name := range seen {
		out = append(out, name)
	}
	sort.Strings(out)
	return out, nil
}

// Builder accumulates path->hash entries while a CommitWriter builds a
// tree, then flushes them in one transaction (spec.md §4.6 step 4:
// "write the full dir_hashes index for the new commit in a single
// bolt transaction").
type Builder struct {
	entries map[string]merkle.Hash
}

func NewBuilder() *Builder {
	return &Builder{entries: make(map[string]merkle.Hash)}
}

func (b *Builder) Set(path merkle.Path, h merkle.Hash) {
	b.entries[path.String()] = h
}

// SetPath is Set for an already-rendered path string, used when
// carrying forward entries read back via All.
func (b *Builder) SetPath(path string, h merkle.Hash) {
	b.entries[path] = h
}

func (b *Builder) Len() int { return len(b.entries) }

// Flush writes every accumulated entry to a freshly opened store at
// path, in one transaction.
func (b *Builder) Flush(path string) error {
	s, err := Open(path, false)
	if err != nil {
		return err
	}
	defer s.Close()

	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(pathsBucket)
		for p, h := range b.entries {
			if err := bucket.Put([]byte(p), h[:]); err != nil {
				return err
			}
		}
		return nil
	})
}
