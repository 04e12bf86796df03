package store

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/latticefs/latticefs/merkle"
)

func testStores(t *testing.T) map[string]VersionStore {
	t.Helper()
	dir, err := os.MkdirTemp("", "store_test_")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })

	localfs := NewLocalFS(dir)
	if err := localfs.Init(context.Background()); err != nil {
		t.Fatalf("localfs Init failed: %v", err)
	}

	return map[string]VersionStore{
		"localfs":  localfs,
		"memstore": NewMemStore(),
	}
}

func TestPutGetRoundTrips(t *testing.T) {
	for name, s := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			content := []byte("hello from the version store")
			hash := merkle.HashFromContent(content)

			if err := s.Put(ctx, hash, bytes.NewReader(content)); err != nil {
				t.Fatalf("Put failed: %v", err)
			}

			r, err := s.Get(ctx, hash)
			if err != nil {
				t.Fatalf("Get failed: %v", err)
			}
			defer r.Close()

			got, err := io.ReadAll(r)
			if err != nil {
				t.Fatalf("ReadAll failed: %v", err)
			}
			if !bytes.Equal(got, content) {
				t.Errorf("expected %q, got %q", content, got)
			}
		})
	}
}

func TestPutIsIdempotent(t *testing.T) {
	for name, s := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			content := []byte("same content twice")
			hash := merkle.HashFromContent(content)

			if err := s.Put(ctx, hash, bytes.NewReader(content)); err != nil {
				t.Fatalf("first Put failed: %v", err)
			}
			if err := s.Put(ctx, hash, bytes.NewReader(content)); err != nil {
				t.Fatalf("second Put failed: %v", err)
			}

			exists, err := s.Exists(ctx, hash)
			if err != nil {
				t.Fatalf("Exists failed: %v", err)
			}
			if !exists {
				t.Error("expected blob to exist after Put")
			}
		})
	}
}

func TestGetMissingReturnsNotFound(t *testing.T) {
	for name, s := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			_, err := s.Get(ctx, merkle.HashFromContent([]byte("never written")))
			if err == nil {
				t.Error("expected Get of a missing hash to fail")
			}
		})
	}
}

func TestDeleteThenExistsIsFalse(t *testing.T) {
	for name, s := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			content := []byte("to be deleted")
			hash := merkle.HashFromContent(content)

			if err := s.Put(ctx, hash, bytes.NewReader(content)); err != nil {
				t.Fatalf("Put failed: %v", err)
			}
			if err := s.Delete(ctx, hash); err != nil {
				t.Fatalf("Delete failed: %v", err)
			}

			exists, err := s.Exists(ctx, hash)
			if err != nil {
				t.Fatalf("Exists failed: %v", err)
			}
			if exists {
				t.Error("expected blob to no longer exist after Delete")
			}
		})
	}
}

func TestListEnumeratesStoredHashes(t *testing.T) {
	for name, s := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			a := merkle.HashFromContent([]byte("a"))
			b := merkle.HashFromContent([]byte("b"))

			if err := s.Put(ctx, a, bytes.NewReader([]byte("a"))); err != nil {
				t.Fatalf("Put(a) failed: %v", err)
			}
			if err := s.Put(ctx, b, bytes.NewReader([]byte("b"))); err != nil {
				t.Fatalf("Put(b) failed: %v", err)
			}

			hashes, err := s.List(ctx)
			if err != nil {
				t.Fatalf("List failed: %v", err)
			}
			if len(hashes) != 2 {
				t.Errorf("expected 2 hashes, got %d", len(hashes))
			}
		})
	}
}

func TestLocalFSCompressesAboveThreshold(t *testing.T) {
	dir, err := os.MkdirTemp("", "store_test_compress_")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(dir)

	s := NewLocalFS(dir)
	s.CompressAbove = 1
	ctx := context.Background()

	content := bytes.Repeat([]byte("compressible-data "), 1000)
	hash := merkle.HashFromContent(content)

	if err := s.Put(ctx, hash, bytes.NewReader(content)); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	r, err := s.Get(ctx, hash)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	defer r.Close()

	got, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("ReadAll failed: %v", err)
	}
	if !bytes.Equal(got, content) {
		t.Error("expected decompressed content to match original")
	}
}

func TestLocalFSLeavesSmallBlobsUncompressed(t *testing.T) {
	dir, err := os.MkdirTemp("", "store_test_compress_")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(dir)

	s := NewLocalFS(dir)
	s.CompressAbove = 4096
	ctx := context.Background()

	content := []byte("tiny")
	hash := merkle.HashFromContent(content)
	if err := s.Put(ctx, hash, bytes.NewReader(content)); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	raw, err := os.ReadFile(filepath.Join(dir, hash.String()[:2], hash.String()))
	if err != nil {
		t.Fatalf("failed to read stored blob directly: %v", err)
	}
	if !bytes.Equal(raw, content) {
		t.Errorf("expected a blob under the compression threshold to be stored raw, got %q", raw)
	}

	r, err := s.Get(ctx, hash)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	defer r.Close()
	got, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("ReadAll failed: %v", err)
	}
	if !bytes.Equal(got, content) {
		t.Error("expected round-tripped content to match original")
	}
}

func TestStorageKindAndSettings(t *testing.T) {
	for name, s := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			if s.StorageKind() == "" {
				t.Error("expected a non-empty StorageKind")
			}
			settings := s.StorageSettings()
			if settings["kind"] != s.StorageKind() {
				t.Errorf("expected StorageSettings()[\"kind\"] to match StorageKind(), got %q vs %q", settings["kind"], s.StorageKind())
			}
		})
	}
}
