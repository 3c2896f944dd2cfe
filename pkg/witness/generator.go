// Copyright 2025 Certen Protocol
//
// Witness generator: turns posted blocks into validity-transition
// witnesses by replaying each block against the authenticated account
// and block trees, advancing both trees, and handing the resulting
// witness to the transition-proof task queue. Runs strictly in block
// order off the validity_state singleton row's last_witnessed_block,
// so a restart resumes exactly where it left off.

package witness

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"math/big"

	"github.com/certen/rollup-validator/pkg/trees"
	"github.com/certen/rollup-validator/pkg/types"
)

const (
	accountTreeTag = "account"
	blockTreeTag   = "block"
	accountTreeHeight = 32
	blockTreeHeight   = 32
)

// Generator advances the account and block trees block by block and
// emits a ValidityTransitionWitness per block for the transition-proof
// task queue to consume.
type Generator struct {
	db      *sql.DB
	log     *log.Logger
	account *trees.IndexedTree
	block   *trees.IncrementalTree
}

// New creates a Generator backed by db, initializing the account and
// block trees' dummy/zero state if they are empty.
func New(ctx context.Context, db *sql.DB, logger *log.Logger) (*Generator, error) {
	account := trees.NewIndexedTree(db, accountTreeTag, accountTreeHeight)
	if err := account.Initialize(ctx); err != nil {
		return nil, fmt.Errorf("initialize account tree: %w", err)
	}
	block := trees.NewIncrementalTree(db, blockTreeTag, blockTreeHeight, trees.Hash{})

	return &Generator{db: db, log: logger, account: account, block: block}, nil
}

// lastWitnessedBlock returns the block number the generator has
// already produced a witness for (0 if none yet).
func (g *Generator) lastWitnessedBlock(ctx context.Context) (uint32, error) {
	var last int64
	row := g.db.QueryRowContext(ctx, `SELECT last_witnessed_block FROM validity_state WHERE id = true`)
	if err := row.Scan(&last); err != nil {
		return 0, fmt.Errorf("load validity state: %w", err)
	}
	return uint32(last), nil
}

func (g *Generator) advanceWitnessed(ctx context.Context, blockNumber uint32) error {
	_, err := g.db.ExecContext(ctx,
		`UPDATE validity_state SET last_witnessed_block = $1, updated_at = now() WHERE id = true`,
		int64(blockNumber))
	return err
}

// PendingBlocks loads posted blocks strictly after the last witnessed
// block, in ascending order, up to limit rows.
func (g *Generator) PendingBlocks(ctx context.Context, limit int) ([]types.FullBlock, error) {
	last, err := g.lastWitnessedBlock(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := g.db.QueryContext(ctx, `
		SELECT block_number, block_hash, deposit_tree_root, signature_aggregator, tx_hash
		FROM block_posted_events
		WHERE block_number > $1
		ORDER BY block_number ASC
		LIMIT $2`, int64(last), limit)
	if err != nil {
		return nil, fmt.Errorf("query pending blocks: %w", err)
	}
	defer rows.Close()

	var blocks []types.FullBlock
	for rows.Next() {
		var blockNumber int64
		var blockHash, depositRoot, sigFlags, txHash []byte
		if err := rows.Scan(&blockNumber, &blockHash, &depositRoot, &sigFlags, &txHash); err != nil {
			return nil, fmt.Errorf("scan pending block: %w", err)
		}
		var root [32]byte
		copy(root[:], depositRoot)
		block := types.FullBlock{
			BlockNumber: uint32(blockNumber),
			TxTreeRoot:  root,
		}
		copy(block.TxHash[:], txHash)
		blocks = append(blocks, block)
	}
	return blocks, rows.Err()
}

// ResolveSenders fills in a pending block's sender set, signature
// aggregate, and registration kind by pulling its posting transaction's
// calldata back from the chain, via resolve (backed by
// chain.Client.ResolveFullBlock in production).
func (g *Generator) ResolveSenders(ctx context.Context, block types.FullBlock, resolve func(ctx context.Context, txHash [32]byte, blockNumber uint32) (types.FullBlock, error)) (types.FullBlock, error) {
	resolved, err := resolve(ctx, block.TxHash, block.BlockNumber)
	if err != nil {
		return types.FullBlock{}, fmt.Errorf("resolve full block %d: %w", block.BlockNumber, err)
	}
	resolved.TxTreeRoot = block.TxTreeRoot
	resolved.TxHash = block.TxHash
	return resolved, nil
}

// ApplyBlock replays one posted block against the account and block
// trees, producing the transition witness and advancing both trees'
// as-of version to the block's number.
func (g *Generator) ApplyBlock(ctx context.Context, block types.FullBlock, senders []types.SenderWithFlag) (types.ValidityTransitionWitness, error) {
	asOf := int64(block.BlockNumber)

	prevAccountRoot, err := g.account.Root(ctx, asOf-1)
	if err != nil {
		return types.ValidityTransitionWitness{}, fmt.Errorf("prev account root: %w", err)
	}
	prevBlockRoot, err := g.block.Root(ctx, asOf-1)
	if err != nil {
		return types.ValidityTransitionWitness{}, fmt.Errorf("prev block root: %w", err)
	}
	prevNextAccountID, err := g.account.Len(ctx, asOf-1)
	if err != nil {
		return types.ValidityTransitionWitness{}, fmt.Errorf("prev account len: %w", err)
	}

	var registrations []types.AccountRegistrationProof
	var updates []types.AccountUpdateProof
	var accountProofs []types.AccountMembershipProof

	for _, sw := range senders {
		key := pubkeyToKey(sw.PublicKey)
		membership, err := g.account.Prove(ctx, asOf, key)
		if err != nil {
			return types.ValidityTransitionWitness{}, fmt.Errorf("prove account membership: %w", err)
		}
		accountProofs = append(accountProofs, types.AccountMembershipProof{
			IsIncluded: membership.IsIncluded,
			LeafIndex:  membership.LeafIndex,
			LeafProof:  toProofSlice(membership.Siblings),
		})

		if !sw.DidSign {
			registrations = append(registrations, types.AccountRegistrationProof{IsDummy: true})
			continue
		}

		if membership.IsIncluded {
			accountID, err := g.account.Update(ctx, asOf, key, uint64(block.BlockNumber))
			if err != nil {
				return types.ValidityTransitionWitness{}, fmt.Errorf("update account last block: %w", err)
			}
			updates = append(updates, types.AccountUpdateProof{
				AccountID:          accountID,
				NewLastBlockNumber: block.BlockNumber,
				LeafProof:          toProofSlice(membership.Siblings),
			})
			continue
		}

		if block.IsRegistration {
			if _, err := g.account.Insert(ctx, asOf, key, uint64(block.BlockNumber)); err != nil {
				return types.ValidityTransitionWitness{}, fmt.Errorf("insert new account: %w", err)
			}
			registrations = append(registrations, types.AccountRegistrationProof{
				PublicKey:    sw.PublicKey,
				LowLeafIndex: membership.LeafIndex,
				LowLeafProof: toProofSlice(membership.Siblings),
			})
		}
	}

	_, blockProof, err := g.block.ProveBeforePush(ctx, asOf)
	if err != nil {
		return types.ValidityTransitionWitness{}, fmt.Errorf("prove block slot: %w", err)
	}
	var leafHash trees.Hash
	copy(leafHash[:], block.TxTreeRoot[:])
	if _, err := g.block.Push(ctx, asOf, leafHash); err != nil {
		return types.ValidityTransitionWitness{}, fmt.Errorf("push block leaf: %w", err)
	}

	if err := g.advanceWitnessed(ctx, block.BlockNumber); err != nil {
		return types.ValidityTransitionWitness{}, fmt.Errorf("advance witnessed marker: %w", err)
	}

	newAccountRoot, err := g.account.Root(ctx, asOf)
	if err != nil {
		return types.ValidityTransitionWitness{}, fmt.Errorf("new account root: %w", err)
	}
	newBlockRoot, err := g.block.Root(ctx, asOf)
	if err != nil {
		return types.ValidityTransitionWitness{}, fmt.Errorf("new block root: %w", err)
	}

	bw := types.BlockWitness{
		Block:                   block,
		PrevAccountTreeRoot:     prevAccountRoot,
		PrevNextAccountID:       prevNextAccountID,
		PrevBlockTreeRoot:       prevBlockRoot,
		NewAccountTreeRoot:      newAccountRoot,
		NewBlockTreeRoot:        newBlockRoot,
		AccountMembershipProofs: accountProofs,
		BlockMerkleProof:        toProofSlice(blockProof),
	}

	g.log.Printf("witness: applied block %d (%d senders, %d registrations, %d updates)",
		block.BlockNumber, len(senders), len(registrations), len(updates))

	return types.ValidityTransitionWitness{
		BlockWitness:        bw,
		SenderLeaves:        senders,
		AccountRegistration: registrations,
		AccountUpdate:       updates,
	}, nil
}

func pubkeyToKey(pk types.PublicKey) *big.Int {
	return new(big.Int).SetBytes(pk[:])
}

func toProofSlice(hashes []trees.Hash) [][32]byte {
	out := make([][32]byte, len(hashes))
	for i, h := range hashes {
		out[i] = [32]byte(h)
	}
	return out
}
