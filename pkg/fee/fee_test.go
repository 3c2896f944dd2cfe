// Copyright 2025 Certen Protocol

package fee

import (
	"errors"
	"math/big"
	"testing"

	"github.com/certen/rollup-validator/pkg/blssig"
	"github.com/certen/rollup-validator/pkg/builderrors"
)

func testSchedule() Schedule {
	return Schedule{0: big.NewInt(10)}
}

func TestValidateMainRejectsBelowSchedule(t *testing.T) {
	err := ValidateMain(testSchedule(), Proof{TokenIndex: 0, Amount: big.NewInt(5)})
	if err == nil {
		t.Fatal("expected rejection for a fee below the schedule")
	}
}

func TestValidateMainRejectsUnconfiguredToken(t *testing.T) {
	err := ValidateMain(testSchedule(), Proof{TokenIndex: 7, Amount: big.NewInt(100)})
	if err == nil {
		t.Fatal("expected rejection for a token with no configured fee")
	}
}

func TestValidateMainAcceptsAtOrAboveSchedule(t *testing.T) {
	if err := ValidateMain(testSchedule(), Proof{TokenIndex: 0, Amount: big.NewInt(10)}); err != nil {
		t.Fatalf("expected exact-match fee to be accepted, got %v", err)
	}
}

func TestValidateCollateralBlockVerifiesSignature(t *testing.T) {
	sk, pk, err := blssig.GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate key pair: %v", err)
	}
	var builderAddress [20]byte
	copy(builderAddress[:], []byte("builder-address-one"))
	var root [32]byte
	copy(root[:], []byte("this-is-a-tx-tree-root-32-bytes"))
	var pkBytes [96]byte
	copy(pkBytes[:], pk.Bytes())

	sig := sk.SignWithDomain(root[:], blssig.DomainBlock)
	block := CollateralBlock{
		BuilderAddress: builderAddress,
		TxTreeRoot:     root,
		Sender:         pkBytes,
		Signature:      sig.Bytes(),
		Proof:          Proof{TokenIndex: 0, Amount: big.NewInt(10)},
	}

	if err := ValidateCollateralBlock(testSchedule(), builderAddress, block); err != nil {
		t.Fatalf("expected valid collateral block to pass, got %v", err)
	}

	block.TxTreeRoot[0] ^= 0xff
	if err := ValidateCollateralBlock(testSchedule(), builderAddress, block); err == nil {
		t.Fatal("expected a tampered tx tree root to fail signature verification")
	}
}

func TestValidateCollateralBlockRejectsWrongBuilderAddress(t *testing.T) {
	sk, pk, err := blssig.GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate key pair: %v", err)
	}
	var root [32]byte
	copy(root[:], []byte("this-is-a-tx-tree-root-32-bytes"))
	var pkBytes [96]byte
	copy(pkBytes[:], pk.Bytes())
	sig := sk.SignWithDomain(root[:], blssig.DomainBlock)

	var configured, other [20]byte
	copy(configured[:], []byte("configured-address12"))
	copy(other[:], []byte("some-other-address!!"))

	block := CollateralBlock{
		BuilderAddress: other,
		TxTreeRoot:     root,
		Sender:         pkBytes,
		Signature:      sig.Bytes(),
		Proof:          Proof{TokenIndex: 0, Amount: big.NewInt(10)},
	}
	if err := ValidateCollateralBlock(testSchedule(), configured, block); err == nil {
		t.Fatal("expected rejection for a collateral block built for a different builder address")
	}
}

func TestLedgerRejectsDuplicateNullifier(t *testing.T) {
	ledger := NewLedger()
	var nullifier [32]byte
	copy(nullifier[:], []byte("a-spent-nullifier-32-bytes-long!"))

	collected := CollectedFee{BlockNumber: 1, TokenIndex: 0, Amount: big.NewInt(10), Nullifier: nullifier}
	if err := ledger.Collect(collected); err != nil {
		t.Fatalf("first collection should succeed: %v", err)
	}

	err := ledger.Collect(collected)
	if !errors.Is(err, builderrors.ErrDuplicateNullifier) {
		t.Fatalf("expected ErrDuplicateNullifier, got %v", err)
	}
}
