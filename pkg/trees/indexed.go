// Copyright 2025 Certen Protocol
//
// Indexed Merkle tree: the account tree. Leaves form a sorted linked
// list keyed by sender public key (as a big integer); each leaf points
// at the next-higher key in the set, which makes both membership and
// non-membership provable with a single leaf lookup.

package trees

import (
	"context"
	"database/sql"
	"fmt"
	"math/big"
)

// IndexedLeaf is one slot of the account indexed tree.
type IndexedLeaf struct {
	NextIndex uint64
	Key       *big.Int
	NextKey   *big.Int
	Value     uint64 // last_block_number for account leaves
}

func (l IndexedLeaf) hash() Hash {
	buf := make([]byte, 0, 8+32+32+8)
	buf = appendUint64(buf, l.NextIndex)
	buf = appendBigInt(buf, l.Key)
	buf = appendBigInt(buf, l.NextKey)
	buf = appendUint64(buf, l.Value)
	return sha256Sum(buf)
}

func appendUint64(buf []byte, v uint64) []byte {
	b := make([]byte, 8)
	for i := 0; i < 8; i++ {
		b[7-i] = byte(v >> (8 * i))
	}
	return append(buf, b...)
}

func appendBigInt(buf []byte, v *big.Int) []byte {
	b := make([]byte, 32)
	if v != nil {
		v.FillBytes(b)
	}
	return append(buf, b...)
}

var emptyLeaf = IndexedLeaf{NextIndex: 0, Key: big.NewInt(0), NextKey: big.NewInt(0), Value: 0}

// IndexedTree is the account indexed Merkle tree, backed by a
// NodeStore for its internal hashes and a leaf table for its linked
// list membership structure.
type IndexedTree struct {
	db    *sql.DB
	tag   string
	nodes *NodeStore
}

// NewIndexedTree opens the indexed tree identified by tag with the
// given height (capacity = 2^height leaves).
func NewIndexedTree(db *sql.DB, tag string, height int) *IndexedTree {
	return &IndexedTree{
		db:    db,
		tag:   tag,
		nodes: NewNodeStore(db, tag, height, emptyLeaf.hash()),
	}
}

// Initialize seeds the tree with its empty default leaf at index 0 if
// it has never been pushed to. The dummy account (all-zero key) always
// occupies slot 0 so index 0 is never a valid account id.
func (t *IndexedTree) Initialize(ctx context.Context) error {
	n, err := t.nodes.Len(ctx, 0)
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	return t.push(ctx, 0, emptyLeaf)
}

// getLeaf returns the leaf stored at position, valid as of asOf.
func (t *IndexedTree) getLeaf(ctx context.Context, asOf int64, position uint64) (IndexedLeaf, error) {
	var nextIndex int64
	var keyStr, nextKeyStr string
	var value int64
	err := t.db.QueryRowContext(ctx, `
		SELECT next_index, leaf_key, next_key, leaf_value FROM indexed_leaves
		WHERE tag = $1 AND position = $2 AND as_of <= $3
		ORDER BY as_of DESC LIMIT 1`,
		t.tag, int64(position), asOf,
	).Scan(&nextIndex, &keyStr, &nextKeyStr, &value)
	if err == sql.ErrNoRows {
		return emptyLeaf, nil
	}
	if err != nil {
		return IndexedLeaf{}, fmt.Errorf("get leaf %s/%d@%d: %w", t.tag, position, asOf, err)
	}
	key, _ := new(big.Int).SetString(keyStr, 10)
	nextKey, _ := new(big.Int).SetString(nextKeyStr, 10)
	return IndexedLeaf{NextIndex: uint64(nextIndex), Key: key, NextKey: nextKey, Value: uint64(value)}, nil
}

// saveLeaf upserts the leaf at position, visible from asOf onward, and
// updates its Merkle path.
func (t *IndexedTree) saveLeaf(ctx context.Context, asOf int64, position uint64, leaf IndexedLeaf) error {
	_, err := t.db.ExecContext(ctx, `
		INSERT INTO indexed_leaves (tag, as_of, position, leaf_key, next_key, next_index, leaf_value)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (tag, as_of, position) DO UPDATE SET
			leaf_key = EXCLUDED.leaf_key, next_key = EXCLUDED.next_key,
			next_index = EXCLUDED.next_index, leaf_value = EXCLUDED.leaf_value`,
		t.tag, asOf, int64(position), leaf.Key.String(), leaf.NextKey.String(), int64(leaf.NextIndex), int64(leaf.Value),
	)
	if err != nil {
		return fmt.Errorf("save leaf %s/%d@%d: %w", t.tag, position, asOf, err)
	}
	_, err = t.nodes.UpdateLeafPath(ctx, asOf, position, leaf.hash())
	return err
}

// push appends a new leaf at the current length and advances the
// tree's length counter, both as of asOf.
func (t *IndexedTree) push(ctx context.Context, asOf int64, leaf IndexedLeaf) error {
	n, err := t.nodes.Len(ctx, asOf)
	if err != nil {
		return err
	}
	if err := t.saveLeaf(ctx, asOf, uint64(n), leaf); err != nil {
		return err
	}
	if _, err := t.nodes.UpdateLeafPath(ctx, asOf, uint64(n), leaf.hash()); err != nil {
		return err
	}
	return t.nodes.SetLen(ctx, asOf, n+1)
}

// Len returns the number of leaves in the tree as of asOf.
func (t *IndexedTree) Len(ctx context.Context, asOf int64) (uint64, error) {
	n, err := t.nodes.Len(ctx, asOf)
	return uint64(n), err
}

// Root returns the account tree's root hash as of asOf.
func (t *IndexedTree) Root(ctx context.Context, asOf int64) (Hash, error) {
	return t.nodes.Root(ctx, asOf)
}

// lowIndex finds the position of the leaf whose key is the greatest
// key strictly less than the target, and whose next_key is either
// zero (tail of the list) or strictly greater than the target. That
// leaf is the unique insertion/non-membership anchor point for key.
func (t *IndexedTree) lowIndex(ctx context.Context, asOf int64, key *big.Int) (uint64, error) {
	rows, err := t.db.QueryContext(ctx, `
		WITH latest_leaves AS (
			SELECT DISTINCT ON (position) position, leaf_key, next_key
			FROM indexed_leaves
			WHERE tag = $1 AND as_of <= $2
			ORDER BY position, as_of DESC
		)
		SELECT position FROM latest_leaves
		WHERE leaf_key < $3 AND ($3 < next_key OR next_key = 0)`,
		t.tag, asOf, key.String(),
	)
	if err != nil {
		return 0, fmt.Errorf("low_index query: %w", err)
	}
	defer rows.Close()

	if rows.Next() {
		var pos int64
		if err := rows.Scan(&pos); err != nil {
			return 0, err
		}
		return uint64(pos), nil
	}
	return 0, fmt.Errorf("no low leaf found for key %s", key.String())
}

// Index returns the leaf position holding exactly key, if registered.
func (t *IndexedTree) Index(ctx context.Context, asOf int64, key *big.Int) (uint64, bool, error) {
	var pos int64
	err := t.db.QueryRowContext(ctx, `
		WITH latest_leaves AS (
			SELECT DISTINCT ON (position) position, leaf_key
			FROM indexed_leaves WHERE tag = $1 AND as_of <= $2
			ORDER BY position, as_of DESC
		)
		SELECT position FROM latest_leaves WHERE leaf_key = $3 LIMIT 1`,
		t.tag, asOf, key.String(),
	).Scan(&pos)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("index query: %w", err)
	}
	return uint64(pos), true, nil
}

// MembershipProof is an inclusion or non-inclusion proof for a key in
// the indexed tree, anchored at the low leaf.
type MembershipProof struct {
	IsIncluded bool
	LeafIndex  uint64
	Leaf       IndexedLeaf
	Siblings   []Hash
}

// Prove builds a membership or non-membership proof for key as of asOf.
func (t *IndexedTree) Prove(ctx context.Context, asOf int64, key *big.Int) (MembershipProof, error) {
	pos, included, err := t.Index(ctx, asOf, key)
	if err != nil {
		return MembershipProof{}, err
	}
	if !included {
		pos, err = t.lowIndex(ctx, asOf, key)
		if err != nil {
			return MembershipProof{}, err
		}
	}
	leaf, err := t.getLeaf(ctx, asOf, pos)
	if err != nil {
		return MembershipProof{}, err
	}
	siblings, err := t.nodes.SiblingPath(ctx, asOf, pos)
	if err != nil {
		return MembershipProof{}, err
	}
	return MembershipProof{IsIncluded: included, LeafIndex: pos, Leaf: leaf, Siblings: siblings}, nil
}

// Insert registers a brand new key, splitting it into the sorted
// linked list via its low leaf, and returns the new leaf's position.
// Fails if key is already registered.
func (t *IndexedTree) Insert(ctx context.Context, asOf int64, key *big.Int, value uint64) (uint64, error) {
	if _, included, err := t.Index(ctx, asOf, key); err != nil {
		return 0, err
	} else if included {
		return 0, fmt.Errorf("key %s already registered", key.String())
	}

	lowPos, err := t.lowIndex(ctx, asOf, key)
	if err != nil {
		return 0, err
	}
	lowLeaf, err := t.getLeaf(ctx, asOf, lowPos)
	if err != nil {
		return 0, err
	}

	n, err := t.nodes.Len(ctx, asOf)
	if err != nil {
		return 0, err
	}
	newPos := uint64(n)

	newLeaf := IndexedLeaf{NextIndex: lowLeaf.NextIndex, Key: key, NextKey: lowLeaf.NextKey, Value: value}
	updatedLow := IndexedLeaf{NextIndex: newPos, Key: lowLeaf.Key, NextKey: key, Value: lowLeaf.Value}

	if err := t.saveLeaf(ctx, asOf, lowPos, updatedLow); err != nil {
		return 0, err
	}
	if _, err := t.nodes.UpdateLeafPath(ctx, asOf, lowPos, updatedLow.hash()); err != nil {
		return 0, err
	}
	if err := t.push(ctx, asOf, newLeaf); err != nil {
		return 0, err
	}
	return newPos, nil
}

// Update replaces the value field of an already-registered key's leaf
// (used to bump last_block_number on a returning sender) and returns
// its position.
func (t *IndexedTree) Update(ctx context.Context, asOf int64, key *big.Int, newValue uint64) (uint64, error) {
	pos, included, err := t.Index(ctx, asOf, key)
	if err != nil {
		return 0, err
	}
	if !included {
		return 0, fmt.Errorf("key %s not registered", key.String())
	}
	leaf, err := t.getLeaf(ctx, asOf, pos)
	if err != nil {
		return 0, err
	}
	leaf.Value = newValue
	if err := t.saveLeaf(ctx, asOf, pos, leaf); err != nil {
		return 0, err
	}
	if _, err := t.nodes.UpdateLeafPath(ctx, asOf, pos, leaf.hash()); err != nil {
		return 0, err
	}
	return pos, nil
}

// Reset rolls the tree back to its state just before fromVersion.
func (t *IndexedTree) Reset(ctx context.Context, fromVersion int64) error {
	tx, err := t.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin reset tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM indexed_leaves WHERE tag = $1 AND as_of >= $2`, t.tag, fromVersion); err != nil {
		return fmt.Errorf("reset leaves: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit reset: %w", err)
	}
	return t.nodes.Reset(ctx, fromVersion)
}
