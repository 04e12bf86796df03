package testutil

import (
	"bytes"
	"context"
	"testing"

	"go.etcd.io/bbolt"
)

func TestTempRepoAddAndCommit(t *testing.T) {
	r := TempRepo(t, 4)
	if err := r.Add("a.txt", bytes.NewBufferString("x")); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	if _, err := r.Commit(context.Background(), "tester", "seed commit"); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
}

func TestQuickRunsEverySeed(t *testing.T) {
	seen := make(map[int64]bool)
	Quick(t, 5, func(seed int64) bool {
		seen[seed] = true
		return true
	})
	if len(seen) != 5 {
		t.Fatalf("expected 5 seeds visited, got %d", len(seen))
	}
}

func TestTempBoltDBIsUsable(t *testing.T) {
	db := TempBoltDB(t)
	err := db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte("scratch"))
		if err != nil {
			return err
		}
		return b.Put([]byte("k"), []byte("v"))
	})
	if err != nil {
		t.Fatalf("Update failed: %v", err)
	}
}
