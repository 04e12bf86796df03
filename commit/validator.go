package commit

import (
	"context"
	"sync"

	"github.com/latticefs/latticefs/merkle"
	"github.com/latticefs/latticefs/store"
	"github.com/latticefs/latticefs/tree"
	"github.com/sirupsen/logrus"
)

// ValidationState is a commit's best-effort background validation
// outcome, per spec.md §9's "content validator placeholder pass":
// an in-memory annotation, never persisted to the immutable
// CommitNode payload (a mutable flag on a hash-identified node would
// break the Merkle property).
type ValidationState int

const (
	ValidationPending ValidationState = iota
	ValidationValid
	ValidationInvalid
)

func (s ValidationState) String() string {
	switch s {
	case ValidationValid:
		return "valid"
	case ValidationInvalid:
		return "invalid"
	default:
		return "pending"
	}
}

// Validator walks a freshly written commit's reachable tree and blobs
// on a background goroutine, recording whether every FileNode's
// content is actually present in the VersionStore. Its contract is
// "eventually marks a commit valid or invalid"; it never blocks
// Builder.Commit's return.
type Validator struct {
	mu     sync.Mutex
	status map[merkle.Hash]ValidationState
	tree   *tree.Tree
	store  store.VersionStore
	log    logrus.FieldLogger
}

// NewValidator builds a Validator sharing a repo's Tree and
// VersionStore handles.
func NewValidator(t *tree.Tree, vs store.VersionStore, log logrus.FieldLogger) *Validator {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Validator{status: make(map[merkle.Hash]ValidationState), tree: t, store: vs, log: log}
}

// Validate launches a background check of commitHash, recoverable
// from a panic in the walk (converted to ValidationInvalid rather
// than crashing the process).
func (v *Validator) Validate(commitHash merkle.Hash) {
	v.setStatus(commitHash, ValidationPending)
	go v.run(commitHash)
}

func (v *Validator) run(commitHash merkle.Hash) {
	defer func() {
		if r := recover(); r != nil {
			v.log.WithFields(logrus.Fields{"commit": commitHash.String(), "panic": r}).Error("validator recovered from panic")
			v.setStatus(commitHash, ValidationInvalid)
		}
	}()

	ctx := context.Background()
	if err := v.walkDir(ctx, commitHash, merkle.Root); err != nil {
		v.log.WithFields(logrus.Fields{"commit": commitHash.String(), "error": err}).Warn("commit failed background validation")
		v.setStatus(commitHash, ValidationInvalid)
		return
	}
	v.setStatus(commitHash, ValidationValid)
}

// walkDir recursively visits every entry under dir, checking each
// FileNode's blob (or, for a chunked file, every chunk) actually
// exists in the VersionStore.
func (v *Validator) walkDir(ctx context.Context, commitHash merkle.Hash, dir merkle.Path) error {
	entries, err := v.tree.ListDir(commitHash, dir)
	if err != nil {
		return err
	}

	for _, e := range entries {
		path := dir.Join(e.Name)
		if e.Kind == merkle.KindDir {
			if err := v.walkDir(ctx, commitHash, path); err != nil {
				return err
			}
			continue
		}

		node, err := v.tree.ResolveFile(commitHash, path)
		if err != nil {
			return err
		}
		fp, ok := node.Payload.(merkle.FilePayload)
		if !ok {
			continue
		}

		if len(fp.ChunkHashes) > 0 {
			for _, ch := range fp.ChunkHashes {
				exists, err := v.store.Exists(ctx, ch)
				if err != nil {
					return err
				}
				if !exists {
					return errMissingBlob(ch)
				}
			}
			continue
		}

		exists, err := v.store.Exists(ctx, node.Hash)
		if err != nil {
			return err
		}
		if !exists {
			return errMissingBlob(node.Hash)
		}
	}
	return nil
}

func (v *Validator) setStatus(commitHash merkle.Hash, s ValidationState) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.status[commitHash] = s
}

// Status returns commitHash's current validation state, Pending if it
// has never been submitted.
func (v *Validator) Status(commitHash merkle.Hash) ValidationState {
	v.mu.Lock()
	defer v.mu.Unlock()
	s, ok := v.status[commitHash]
	if !ok {
		return ValidationPending
	}
	return s
}

type missingBlobError struct{ hash merkle.Hash }

func (e missingBlobError) Error() string { return "missing blob: " + e.hash.String() }

func errMissingBlob(hash merkle.Hash) error { return missingBlobError{hash: hash} }
