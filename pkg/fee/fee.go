// Copyright 2025 Certen Protocol
//
// Fee subsystem: validates a sender's main fee (required to include a
// tx request) and optional collateral fee (required for registration
// blocks, to cover the cost of the account-tree insertion the sender
// is asking the builder to perform on their behalf), and tracks
// nullifier bookkeeping for collected fees.

package fee

import (
	"fmt"
	"math/big"
	"time"

	"github.com/certen/rollup-validator/pkg/blssig"
	"github.com/certen/rollup-validator/pkg/builderrors"
)

// Schedule maps a fee token index to the minimum amount required.
type Schedule map[uint32]*big.Int

// Proof is the sender-supplied evidence that a fee of a given token
// and amount was paid, verified against the schedule and (for
// collateral) an additional on-chain check performed by the caller.
type Proof struct {
	TokenIndex uint32
	Amount     *big.Int
	Nullifier  [32]byte

	// Collateral is the sender's fallback single-sender block, present
	// only when the builder lane has a non-empty collateral schedule.
	Collateral *CollateralBlock
}

// ValidateMain checks a sender's main fee proof against the main fee
// schedule. The main fee is required for every tx request regardless
// of whether the block is a registration block.
func ValidateMain(schedule Schedule, proof Proof) error {
	return validateAgainstSchedule(schedule, proof, "main")
}

// ValidateCollateral checks a sender's collateral fee proof against
// the collateral schedule. Only required when the sender is not yet
// registered and the block being proposed is a registration block.
func ValidateCollateral(schedule Schedule, proof Proof) error {
	return validateAgainstSchedule(schedule, proof, "collateral")
}

func validateAgainstSchedule(schedule Schedule, proof Proof, kind string) error {
	required, ok := schedule[proof.TokenIndex]
	if !ok {
		return fmt.Errorf("%w: no %s fee configured for token %d", builderrors.ErrInvalidFee, kind, proof.TokenIndex)
	}
	if proof.Amount == nil || proof.Amount.Cmp(required) < 0 {
		return fmt.Errorf("%w: %s fee %s below required %s for token %d",
			builderrors.ErrFeeVerification, kind, amountString(proof.Amount), required.String(), proof.TokenIndex)
	}
	return nil
}

func amountString(a *big.Int) string {
	if a == nil {
		return "<nil>"
	}
	return a.String()
}

// CollateralBlock is a sender's fallback payload, handed to the
// builder alongside a tx request: a fully-formed single-sender block
// (padded with dummies, like any other proposal) that the sender
// signs for itself up front. The builder only posts it if this sender
// never returns a signature for the real proposal it ends up batched
// into, so the sender's collateral fee is still collected even when
// its main signature never arrives.
type CollateralBlock struct {
	BuilderAddress [20]byte
	TxTreeRoot     [32]byte
	Expiry         time.Time
	Sender         [96]byte // sender's BLS public key, compressed G2 point
	Signature      []byte   // BLS signature over TxTreeRoot, by Sender
	Proof          Proof    // collateral fee proof, checked like any other fee proof
}

// ValidateCollateralBlock checks a sender-supplied collateral block:
// its embedded fee proof against the collateral schedule, that it was
// built for this builder's on-chain posting address, and that its BLS
// signature verifies against the sender's own public key.
func ValidateCollateralBlock(schedule Schedule, builderAddress [20]byte, block CollateralBlock) error {
	if err := ValidateCollateral(schedule, block.Proof); err != nil {
		return err
	}
	if block.BuilderAddress != builderAddress {
		return fmt.Errorf("%w: collateral block builder address %x does not match %x",
			builderrors.ErrInvalidSignature, block.BuilderAddress, builderAddress)
	}
	pk, err := blssig.PublicKeyFromBytes(block.Sender[:])
	if err != nil {
		return fmt.Errorf("%w: decode collateral sender pubkey: %v", builderrors.ErrInvalidSignature, err)
	}
	sig, err := blssig.SignatureFromBytes(block.Signature)
	if err != nil {
		return fmt.Errorf("%w: decode collateral signature: %v", builderrors.ErrInvalidSignature, err)
	}
	if !pk.VerifyWithDomain(sig, block.TxTreeRoot[:], blssig.DomainBlock) {
		return builderrors.ErrSignatureVerification
	}
	return nil
}

// CollectedFee is a fee amount collected for a specific block, tagged
// with the nullifier that must not be reused.
type CollectedFee struct {
	BlockNumber uint32
	TokenIndex  uint32
	Amount      *big.Int
	Nullifier   [32]byte
}

// Ledger tracks nullifiers already spent against fee collection so the
// same fee proof cannot be redeemed twice across blocks.
type Ledger struct {
	seen map[[32]byte]struct{}
}

// NewLedger creates an empty in-memory nullifier ledger. The builder
// seeds it from persisted collected-fee rows at startup.
func NewLedger() *Ledger {
	return &Ledger{seen: make(map[[32]byte]struct{})}
}

// Seed marks a nullifier as already spent, used to replay persisted
// state into a fresh ledger.
func (l *Ledger) Seed(nullifier [32]byte) {
	l.seen[nullifier] = struct{}{}
}

// Collect records a fee collection, rejecting a reused nullifier.
func (l *Ledger) Collect(fee CollectedFee) error {
	if _, exists := l.seen[fee.Nullifier]; exists {
		return fmt.Errorf("%w: nullifier %x already spent", builderrors.ErrDuplicateNullifier, fee.Nullifier)
	}
	l.seen[fee.Nullifier] = struct{}{}
	return nil
}
