// Copyright 2025 Certen Protocol
//
// Incremental (append-only) Merkle tree: the block-hash tree and the
// deposit-hash tree. Unlike the indexed tree, leaves are never
// rewritten once pushed - only appended.

package trees

import (
	"context"
	"database/sql"
	"fmt"
)

// IncrementalTree is an append-only binary Merkle tree.
type IncrementalTree struct {
	nodes *NodeStore
}

// NewIncrementalTree opens the append-only tree identified by tag.
func NewIncrementalTree(db *sql.DB, tag string, height int, leafZero Hash) *IncrementalTree {
	return &IncrementalTree{nodes: NewNodeStore(db, tag, height, leafZero)}
}

// Len returns the number of leaves pushed as of asOf.
func (t *IncrementalTree) Len(ctx context.Context, asOf int64) (uint64, error) {
	n, err := t.nodes.Len(ctx, asOf)
	return uint64(n), err
}

// Root returns the tree's root hash as of asOf.
func (t *IncrementalTree) Root(ctx context.Context, asOf int64) (Hash, error) {
	return t.nodes.Root(ctx, asOf)
}

// ProveBeforePush returns the Merkle proof for the next free leaf slot
// (still holding its zero hash) so callers can build an inclusion
// proof for the leaf they are about to push, before actually pushing
// it. The witness generator needs this ordering: capture the pre-push
// proof, then Push, matching the original's "build proof, then push"
// sequencing for the block tree.
func (t *IncrementalTree) ProveBeforePush(ctx context.Context, asOf int64) (uint64, []Hash, error) {
	n, err := t.nodes.Len(ctx, asOf)
	if err != nil {
		return 0, nil, err
	}
	siblings, err := t.nodes.SiblingPath(ctx, asOf, uint64(n))
	if err != nil {
		return 0, nil, err
	}
	return uint64(n), siblings, nil
}

// Push appends a new leaf hash at the current length, as of asOf.
func (t *IncrementalTree) Push(ctx context.Context, asOf int64, leaf Hash) (uint64, error) {
	n, err := t.nodes.Len(ctx, asOf)
	if err != nil {
		return 0, err
	}
	if _, err := t.nodes.UpdateLeafPath(ctx, asOf, uint64(n), leaf); err != nil {
		return 0, err
	}
	if err := t.nodes.SetLen(ctx, asOf, n+1); err != nil {
		return 0, err
	}
	return uint64(n), nil
}

// SiblingPath returns the inclusion-proof sibling hashes for an
// already-pushed leaf, as of asOf.
func (t *IncrementalTree) SiblingPath(ctx context.Context, asOf int64, leafIndex uint64) ([]Hash, error) {
	return t.nodes.SiblingPath(ctx, asOf, leafIndex)
}

// Reset rolls the tree back to its state just before fromVersion.
func (t *IncrementalTree) Reset(ctx context.Context, fromVersion int64) error {
	if err := t.nodes.Reset(ctx, fromVersion); err != nil {
		return fmt.Errorf("reset incremental tree: %w", err)
	}
	return nil
}
