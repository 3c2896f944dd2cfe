// Copyright 2025 Certen Protocol

package trees

import (
	"context"
	"database/sql"
	"math/big"
	"os"
	"testing"

	_ "github.com/lib/pq"
)

// openTestDB connects to the database named by TEST_DATABASE_URL, or
// skips the test when it isn't set. Tree tests exercise real SQL
// (window functions, upserts) that a mock driver can't stand in for.
func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set, skipping tree integration test")
	}
	db, err := sql.Open("postgres", url)
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestIndexedTreeInsertAndProve(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	tree := NewIndexedTree(db, "test_account_tree", 32)

	if err := tree.Initialize(ctx); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	key1 := big.NewInt(100)
	pos1, err := tree.Insert(ctx, 1, key1, 0)
	if err != nil {
		t.Fatalf("insert key1: %v", err)
	}
	if pos1 != 1 {
		t.Errorf("expected key1 at position 1 (after dummy), got %d", pos1)
	}

	proof, err := tree.Prove(ctx, 1, key1)
	if err != nil {
		t.Fatalf("prove key1: %v", err)
	}
	if !proof.IsIncluded {
		t.Error("expected key1 to be included")
	}

	missingKey := big.NewInt(200)
	nonMembership, err := tree.Prove(ctx, 1, missingKey)
	if err != nil {
		t.Fatalf("prove missing key: %v", err)
	}
	if nonMembership.IsIncluded {
		t.Error("expected missing key to be non-included")
	}
}

func TestIndexedTreeRejectsDuplicateInsert(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	tree := NewIndexedTree(db, "test_account_tree_dup", 32)

	if err := tree.Initialize(ctx); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	key := big.NewInt(42)
	if _, err := tree.Insert(ctx, 1, key, 0); err != nil {
		t.Fatalf("first insert: %v", err)
	}
	if _, err := tree.Insert(ctx, 2, key, 0); err == nil {
		t.Error("expected error inserting already-registered key")
	}
}

func TestIndexedTreeUpdateLeafConsistency(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	tree := NewIndexedTree(db, "test_account_tree_update", 32)

	if err := tree.Initialize(ctx); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	key := big.NewInt(7)
	if _, err := tree.Insert(ctx, 1, key, 0); err != nil {
		t.Fatalf("insert: %v", err)
	}
	rootBefore, err := tree.Root(ctx, 1)
	if err != nil {
		t.Fatalf("root before update: %v", err)
	}

	if _, err := tree.Update(ctx, 2, key, 5); err != nil {
		t.Fatalf("update: %v", err)
	}
	rootAfter, err := tree.Root(ctx, 2)
	if err != nil {
		t.Fatalf("root after update: %v", err)
	}

	if rootBefore == rootAfter {
		t.Error("expected root to change after updating leaf value")
	}

	// Historical root at version 1 must be unaffected by the version-2 update.
	rootAtOne, err := tree.Root(ctx, 1)
	if err != nil {
		t.Fatalf("historical root: %v", err)
	}
	if rootAtOne != rootBefore {
		t.Error("historical root changed after a later update: as-of versioning is broken")
	}
}

func TestIncrementalTreePushAndProve(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	tree := NewIncrementalTree(db, "test_block_tree", 32, Hash{})

	for i := 0; i < 3; i++ {
		leaf := sha256Sum([]byte{byte(i)})
		idx, err := tree.Push(ctx, int64(i+1), leaf)
		if err != nil {
			t.Fatalf("push %d: %v", i, err)
		}
		if idx != uint64(i) {
			t.Errorf("push %d: expected index %d, got %d", i, i, idx)
		}
	}

	n, err := tree.Len(ctx, 3)
	if err != nil {
		t.Fatalf("len: %v", err)
	}
	if n != 3 {
		t.Errorf("expected len 3, got %d", n)
	}
}
