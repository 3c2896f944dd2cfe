// Copyright 2025 Certen Protocol
//
// Package types holds the core data model shared by the block-builder
// and validity-prover services: senders, transactions, proposals, and
// the witnesses exchanged between the chain observer and the prover.

package types

import (
	"crypto/sha256"
	"time"

	"github.com/google/uuid"
)

// NumSendersInBlock is the fixed number of sender slots in every block;
// unused slots are filled with dummy senders so every block has the
// same shape regardless of how many real senders participated.
const NumSendersInBlock = 128

// PublicKey is a sender's BLS12-381 public key, serialized as the
// compressed G2 point.
type PublicKey [96]byte

// IsDummy reports whether this public key is the reserved all-zero
// placeholder used to pad a block out to NumSendersInBlock senders.
func (p PublicKey) IsDummy() bool {
	return p == PublicKey{}
}

// Tx is a single rollup transaction as submitted by a sender.
type Tx struct {
	TxHash        [32]byte
	FeeTokenIndex uint32
	Nonce         uint32
}

// TxRequest is a sender's request to include a Tx in the next block,
// carrying everything the builder needs before a signature arrives.
type TxRequest struct {
	ID        uuid.UUID
	Sender    PublicKey
	Tx        Tx
	FeeProof  []byte
	RequestedAt time.Time
}

// SenderWithFlag pairs a sender's public key with the flag bit
// recorded in the block's sender bitmap (1 = this sender signed).
type SenderWithFlag struct {
	PublicKey PublicKey
	DidSign   bool
}

// PubkeyHash hashes a block's ordered sender list into the public
// input the aggregated signature is bound against, so the block
// builder (building a proposal) and the validity prover (replaying a
// posted block) derive the identical value.
func PubkeyHash(senders []SenderWithFlag) [32]byte {
	h := sha256.New()
	for _, s := range senders {
		h.Write(s.PublicKey[:])
	}
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// ProposalMemo is the block builder's frozen view of a proposed block:
// senders sorted by public key descending, padded with dummies, along
// with the tx tree root and each real request's Merkle proof.
type ProposalMemo struct {
	BlockID       uuid.UUID
	IsRegistration bool
	Senders       []SenderWithFlag
	TxTreeRoot    [32]byte
	PubkeyHash    [32]byte
	ProposedAt    time.Time

	// TxIndex and MerkleProof per TxRequest.ID, populated for every
	// request that was folded into this proposal.
	TxIndex     map[uuid.UUID]uint32
	MerkleProof map[uuid.UUID][][32]byte
}

// BuilderState is the block builder's state-machine stage.
type BuilderState int

const (
	StatePausing BuilderState = iota
	StateAcceptingTxs
	StateProposing
	StateFinalized
)

func (s BuilderState) String() string {
	switch s {
	case StatePausing:
		return "pausing"
	case StateAcceptingTxs:
		return "accepting_txs"
	case StateProposing:
		return "proposing"
	case StateFinalized:
		return "finalized"
	default:
		return "unknown"
	}
}

// FullBlock is a block as posted on-chain: the parts needed to
// reconstruct the tx tree and sender set from calldata alone.
type FullBlock struct {
	BlockNumber    uint32
	IsRegistration bool
	TxHash         [32]byte // the on-chain post transaction's hash, for ResolveFullBlock
	TxTreeRoot     [32]byte
	SenderFlags    []byte // packed bitmap, one bit per sender in block order
	PublicKeys     []PublicKey
	AggregatedSignature [48]byte
	AggregatedPublicKey [96]byte
	MessagePoint        [96]byte
	ForcePost           bool // deposit-check anchor block: post even though empty
}

// AccountMembershipProof proves a public key's (non-)membership in the
// account indexed Merkle tree as of a given block.
type AccountMembershipProof struct {
	IsIncluded bool
	LeafIndex  uint64
	LeafProof  [][32]byte
}

// BlockWitness bundles everything the prover needs to validate one
// posted block against the authenticated trees as they stood just
// before this block.
type BlockWitness struct {
	Block                  FullBlock
	PrevAccountTreeRoot    [32]byte
	PrevNextAccountID      uint64
	PrevBlockTreeRoot      [32]byte
	NewAccountTreeRoot     [32]byte
	NewBlockTreeRoot       [32]byte
	AccountMerkleProofs    []AccountMembershipProof
	AccountMembershipProofs []AccountMembershipProof
	BlockMerkleProof       [][32]byte
}

// ValidityTransitionWitness is the delta the transition circuit must
// prove was applied correctly: the account tree update(s) plus the
// block tree append resulting from one BlockWitness.
type ValidityTransitionWitness struct {
	BlockWitness        BlockWitness
	SenderLeaves        []SenderWithFlag
	AccountRegistration []AccountRegistrationProof
	AccountUpdate       []AccountUpdateProof
}

// AccountRegistrationProof records the indexed-tree insertion proof for
// a newly registered account, or a dummy proof when the sender did not
// sign / was already registered.
type AccountRegistrationProof struct {
	IsDummy    bool
	PublicKey  PublicKey
	LowLeafIndex uint64
	LowLeafProof [][32]byte
}

// AccountUpdateProof records the indexed-tree update proof for an
// already-registered sender's last-block-number bump.
type AccountUpdateProof struct {
	AccountID        uint64
	PrevLastBlockNumber uint32
	NewLastBlockNumber  uint32
	LeafProof           [][32]byte
}

// ValidityWitness is the complete input to one step of validity-proof
// chaining: the previous validity proof (opaque, held by the prover
// oracle) plus this block's transition witness.
type ValidityWitness struct {
	BlockNumber uint32
	Transition  ValidityTransitionWitness
}

// TransitionProofTask is one unit of work handed to the transition
// worker pool: prove block N's witness against proof N-1.
type TransitionProofTask struct {
	BlockNumber  uint32
	Witness      ValidityWitness
	PrevProofRef string // opaque reference into the prover oracle's proof store
}

// Nullifier marks a withdrawal or claim request as consumed so it
// cannot be relayed twice.
type Nullifier [32]byte

// WithdrawalStatus is the lifecycle stage of a withdrawal/claim request.
type WithdrawalStatus int

const (
	WithdrawalRequested WithdrawalStatus = iota
	WithdrawalRelayed
	WithdrawalSuccess
	WithdrawalFailed
	WithdrawalNeedsReview
)

func (s WithdrawalStatus) String() string {
	switch s {
	case WithdrawalRequested:
		return "requested"
	case WithdrawalRelayed:
		return "relayed"
	case WithdrawalSuccess:
		return "success"
	case WithdrawalFailed:
		return "failed"
	case WithdrawalNeedsReview:
		return "needs_review"
	default:
		return "unknown"
	}
}

// WithdrawalRequest is a request to relay a withdrawal or mining claim
// to L1, tracked from submission through on-chain settlement.
type WithdrawalRequest struct {
	ID          uuid.UUID
	Nullifier   Nullifier
	Recipient   [20]byte
	TokenIndex  uint32
	Amount      string
	IsClaim     bool
	Status      WithdrawalStatus
	TxHash      *[32]byte
	RequestedAt time.Time
	UpdatedAt   time.Time
}
