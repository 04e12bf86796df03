// Package store implements the VersionStore contract from spec.md
// §4.1: a pluggable, content-addressed blob store keyed by
// merkle.Hash, with a local-filesystem back-end, an in-memory one for
// tests, and an S3-compatible one for the object-store option the
// spec calls out.
package store

import (
	"context"
	"io"

	"github.com/latticefs/latticefs/merkle"
)

// VersionStore is the keyed blob store contract every back-end
// implements. put is atomic: readers never observe a partial blob,
// and writing an already-present hash is a no-op (content addressing
// means same hash implies same bytes).
type VersionStore interface {
	// Init idempotently prepares the back-end (creating directories,
	// verifying bucket access, etc).
	Init(ctx context.Context) error

	// Put writes src under hash if absent. Safe to call repeatedly
	// with the same hash.
	Put(ctx context.Context, hash merkle.Hash, src io.Reader) error

	// Get returns a reader for the blob stored under hash, or
	// errs.NotFound if absent. Callers must Close the reader.
	Get(ctx context.Context, hash merkle.Hash) (io.ReadCloser, error)

	// Exists reports whether hash is present.
	Exists(ctx context.Context, hash merkle.Hash) (bool, error)

	// Delete removes hash. Callers are responsible for proving no
	// reachable commit references it first (spec.md §4.1); the store
	// itself does no reference counting.
	Delete(ctx context.Context, hash merkle.Hash) error

	// List enumerates every stored hash, used by garbage collection.
	List(ctx context.Context) ([]merkle.Hash, error)

	// StorageKind names the back-end, e.g. "localfs", "memstore", "s3".
	StorageKind() string

	// StorageSettings returns an opaque map describing the back-end's
	// configuration for diagnostics (CLI `status`-style output), not
	// meant to be parsed by callers.
	StorageSettings() map[string]string
}
