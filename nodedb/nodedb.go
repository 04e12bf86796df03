// Package nodedb stores the per-node child-header table every non-leaf
// MerkleNode keeps (spec.md §5): one bbolt file per node, mapping each
// child's Hash to the opaque header bytes merkle.EncodeNode produced
// for that child, plus a small "meta" bucket holding the node's own
// header so it can describe itself to a caller that only has its hash
// (as the dir_hashes index hands back). Grounded on the teacher's
// layerfs.cow/NodeBucketName and simplefs.nodeTx bucket layout,
// adapted from a single shared bolt file with id-prefixed keys to one
// bolt file per node keyed directly by the 128-bit content hash.
package nodedb

import (
	"bytes"
	"sort"

	"github.com/latticefs/latticefs/errs"
	"github.com/latticefs/latticefs/merkle"
	"go.etcd.io/bbolt"
)

var (
	childrenBucket = []byte("children")
	metaBucket     = []byte("meta")
	selfKey        = []byte("self")
)

// Store is the per-node child table backing a single MerkleNodeDB file
// (spec.md §5: "one database per Dir or VNode node").
type Store struct {
	db       *bbolt.DB
	path     string
	readOnly bool
}

// Open opens (creating if absent) the bolt file at path. readOnly
// opens it for sharing across concurrent readers without taking the
// write lock the way a CommitWriter build would.
func Open(path string, readOnly bool) (*Store, error) {
	opts := &bbolt.Options{ReadOnly: readOnly}
	db, err := bbolt.Open(path, 0644, opts)
	if err != nil {
		return nil, errs.IOf("nodedb.open", path, err)
	}

	if !readOnly {
		if err := db.Update(func(tx *bbolt.Tx) error {
			if _, err := tx.CreateBucketIfNotExists(childrenBucket); err != nil {
				return err
			}
			_, err := tx.CreateBucketIfNotExists(metaBucket)
			return err
		}); err != nil {
			db.Close()
			return nil, errs.IOf("nodedb.open", path, err)
		}
	}

	return &Store{db: db, path: path, readOnly: readOnly}, nil
}

// Close releases the underlying bolt file.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return errs.IOf("nodedb.close", s.path, err)
	}
	return nil
}

// Put writes header under childHash, overwriting any prior value.
// CommitWriter calls it once per child while filling the node DB of
// a newly built Dir or VNode.
func (s *Store) Put(childHash merkle.Hash, header []byte) error {
	if s.readOnly {
		return errs.UnsupportedOperationf("nodedb.put", s.path, nil)
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(childrenBucket)
		return b.Put(childHash[:], header)
	})
}

// PutAll writes a batch of children in a single transaction.
func (s *Store) PutAll(entries map[merkle.Hash][]byte) error {
	if s.readOnly {
		return errs.UnsupportedOperationf("nodedb.put_all", s.path, nil)
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(childrenBucket)
		for h, header := range entries {
			if err := b.Put(h[:], header); err != nil {
				return err
			}
		}
		return nil
	})
}

// SetSelf stores this node's own encoded header alongside its
// children bucket, so a node can be loaded by hash alone without
// needing its parent's context — the dir_hashes index only hands back
// a bare hash, so the Dir or VNode it names must be able to describe
// itself.
func (s *Store) SetSelf(header []byte) error {
	if s.readOnly {
		return errs.UnsupportedOperationf("nodedb.set_self", s.path, nil)
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(metaBucket).Put(selfKey, header)
	})
}

// Self returns this node's own encoded header, if one was stored.
func (s *Store) Self() ([]byte, bool, error) {
	var out []byte
	var found bool
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(metaBucket)
		if b == nil {
			return nil
		}
		v := b.Get(selfKey)
		if v == nil {
			return nil
		}
		found = true
		out = make([]byte, len(v))
		copy(out, v)
		return nil
	})
	if err != nil {
		return nil, false, errs.IOf("nodedb.self", s.path, err)
	}
	return out, found, nil
}

// Get reads a single child's header, returning (nil, false) if absent.
func (s *Store) Get(childHash merkle.Hash) ([]byte, bool, error) {
	var out []byte
	var found bool
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(childrenBucket)
		if b == nil {
			return nil
		}
		v := b.Get(childHash[:])
		if v == nil {
			return nil
		}
		found = true
		out = make([]byte, len(v))
		copy(out, v)
		return nil
	})
	if err != nil {
		return nil, false, errs.IOf("nodedb.get", s.path, err)
	}
	return out, found, nil
}

// Entry is one (Hash, header) pair from a Map iteration.
type Entry struct {
	Hash   merkle.Hash
	Header []byte
}

// Map returns every child entry in ascending hash order, the form the
// tree package uses to materialize a Dir's or VNode's children on a
// cache miss and to read a directory's child headers.
func (s *Store) Map() ([]Entry, error) {
	var out []Entry
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(childrenBucket)
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			var h merkle.Hash
			copy(h[:], k)
			header := make([]byte, len(v))
			copy(header, v)
			out = append(out, Entry{Hash: h, Header: header})
			return nil
		})
	})
	if err != nil {
		return nil, errs.IOf("nodedb.map", s.path, err)
	}
	sort.Slice(out, func(i, j int) bool {
		return bytes.Compare(out[i].Hash[:], out[j].Hash[:]) < 0
	})
	return out, nil
}

// Len reports how many children this node currently has, without
// reading their payloads.
func (s *Store) Len() (int, error) {
	var n int
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(childrenBucket)
		if b == nil {
			return nil
		}
		n = b.Stats().KeyN
		return nil
	})
	if err != nil {
		return 0, errs.IOf("nodedb.len", s.path, err)
	}
	return n, nil
}
