// Copyright 2025 Certen Protocol
//
// As-of versioned Merkle node storage shared by the account indexed
// tree and the incremental block-hash / deposit-hash trees. Every
// write is tagged with the tree version it becomes visible at ("as
// of"); reads ask for the latest row at-or-before a given version, so
// historical proofs can be reconstructed without mutating past state.

package trees

import (
	"context"
	"database/sql"
	"fmt"
)

// Hash is a 32-byte node digest. The zero value is never stored; it is
// always synthesized as the default hash of an empty subtree.
type Hash [32]byte

// NodeStore persists one versioned binary Merkle tree's internal node
// hashes, keyed by (tag, bitPath, asOf).
type NodeStore struct {
	db     *sql.DB
	tag    string
	height int
	zero   []Hash // zero[i] is the hash of an empty subtree of height i
}

// NewNodeStore creates a node store for the tree identified by tag,
// with the given height (number of levels above the leaves).
func NewNodeStore(db *sql.DB, tag string, height int, leafZero Hash) *NodeStore {
	zero := make([]Hash, height+1)
	zero[0] = leafZero
	for i := 1; i <= height; i++ {
		zero[i] = hashPair(zero[i-1], zero[i-1])
	}
	return &NodeStore{db: db, tag: tag, height: height, zero: zero}
}

func hashPair(left, right Hash) Hash {
	return sha256Pair(left[:], right[:])
}

// ZeroHash returns the default hash of an empty subtree at the given
// level (0 = leaf level).
func (s *NodeStore) ZeroHash(level int) Hash {
	return s.zero[level]
}

// GetNode returns the hash stored at bitPath as of the latest version
// <= asOf, or the level's zero hash if no row exists yet.
func (s *NodeStore) GetNode(ctx context.Context, asOf int64, level int, bitPath string) (Hash, error) {
	var blob []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT node_hash FROM tree_nodes
		WHERE tag = $1 AND bit_path = $2 AND as_of <= $3
		ORDER BY as_of DESC LIMIT 1`,
		s.tag, bitPath, asOf,
	).Scan(&blob)
	if err == sql.ErrNoRows {
		return s.zero[level], nil
	}
	if err != nil {
		return Hash{}, fmt.Errorf("get node %s/%s@%d: %w", s.tag, bitPath, asOf, err)
	}
	var h Hash
	copy(h[:], blob)
	return h, nil
}

// PutNode upserts the hash at bitPath, visible from version asOf onward.
func (s *NodeStore) PutNode(ctx context.Context, asOf int64, bitPath string, h Hash) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tree_nodes (tag, as_of, bit_path, node_hash)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (tag, as_of, bit_path) DO UPDATE SET node_hash = EXCLUDED.node_hash`,
		s.tag, asOf, bitPath, h[:],
	)
	if err != nil {
		return fmt.Errorf("put node %s/%s@%d: %w", s.tag, bitPath, asOf, err)
	}
	return nil
}

// Len returns the number of leaves in the tree as of asOf (0 if the
// tree has never been pushed to).
func (s *NodeStore) Len(ctx context.Context, asOf int64) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `
		SELECT tree_len FROM tree_lengths
		WHERE tag = $1 AND as_of <= $2
		ORDER BY as_of DESC LIMIT 1`,
		s.tag, asOf,
	).Scan(&n)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("tree len %s@%d: %w", s.tag, asOf, err)
	}
	return n, nil
}

// SetLen records the tree's leaf count as of asOf.
func (s *NodeStore) SetLen(ctx context.Context, asOf int64, n int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tree_lengths (tag, as_of, tree_len)
		VALUES ($1, $2, $3)
		ON CONFLICT (tag, as_of) DO UPDATE SET tree_len = EXCLUDED.tree_len`,
		s.tag, asOf, n,
	)
	if err != nil {
		return fmt.Errorf("set tree len %s@%d: %w", s.tag, asOf, err)
	}
	return nil
}

// UpdateLeafPath recomputes and persists every ancestor hash on the
// path from a leaf up to the root, given the new leaf hash, all as of
// version asOf. Sibling hashes are fetched at the same asOf so the
// write only ever depends on state already visible at that version.
func (s *NodeStore) UpdateLeafPath(ctx context.Context, asOf int64, leafIndex uint64, leafHash Hash) (Hash, error) {
	current := leafHash
	path := bitPathFor(leafIndex, s.height)

	if err := s.PutNode(ctx, asOf, path, current); err != nil {
		return Hash{}, err
	}

	for level := 0; level < s.height; level++ {
		parentPath := path[:len(path)-1]
		siblingBit := path[len(path)-1]
		var siblingPath string
		if siblingBit == '0' {
			siblingPath = parentPath + "1"
		} else {
			siblingPath = parentPath + "0"
		}

		sibling, err := s.GetNode(ctx, asOf, level, siblingPath)
		if err != nil {
			return Hash{}, err
		}

		var parent Hash
		if siblingBit == '0' {
			parent = hashPair(current, sibling)
		} else {
			parent = hashPair(sibling, current)
		}

		if err := s.PutNode(ctx, asOf, parentPath, parent); err != nil {
			return Hash{}, err
		}

		current = parent
		path = parentPath
	}

	return current, nil
}

// SiblingPath returns the sibling hashes from the leaf level up to
// (but not including) the root, as of asOf, suitable for a Merkle
// inclusion/exclusion proof.
func (s *NodeStore) SiblingPath(ctx context.Context, asOf int64, leafIndex uint64) ([]Hash, error) {
	path := bitPathFor(leafIndex, s.height)
	siblings := make([]Hash, 0, s.height)

	for level := 0; level < s.height; level++ {
		parentPath := path[:len(path)-1]
		siblingBit := path[len(path)-1]
		var siblingPath string
		if siblingBit == '0' {
			siblingPath = parentPath + "1"
		} else {
			siblingPath = parentPath + "0"
		}
		sibling, err := s.GetNode(ctx, asOf, level, siblingPath)
		if err != nil {
			return nil, err
		}
		siblings = append(siblings, sibling)
		path = parentPath
	}
	return siblings, nil
}

// Root returns the hash of the root node as of asOf.
func (s *NodeStore) Root(ctx context.Context, asOf int64) (Hash, error) {
	return s.GetNode(ctx, asOf, s.height, "")
}

// Reset discards every node/length row with as_of >= fromVersion,
// rolling the tree back to its state just before fromVersion. Used
// when a reorg or gap forces the witness generator to rebuild.
func (s *NodeStore) Reset(ctx context.Context, fromVersion int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin reset tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM tree_nodes WHERE tag = $1 AND as_of >= $2`, s.tag, fromVersion); err != nil {
		return fmt.Errorf("reset nodes: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM tree_lengths WHERE tag = $1 AND as_of >= $2`, s.tag, fromVersion); err != nil {
		return fmt.Errorf("reset lengths: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit reset: %w", err)
	}
	return nil
}

// bitPathFor returns the leaf's root-to-leaf bit path as a string of
// '0'/'1' characters, most significant bit first, height bits long.
func bitPathFor(index uint64, height int) string {
	buf := make([]byte, height)
	for i := 0; i < height; i++ {
		bit := (index >> uint(height-1-i)) & 1
		if bit == 1 {
			buf[i] = '1'
		} else {
			buf[i] = '0'
		}
	}
	return string(buf)
}
