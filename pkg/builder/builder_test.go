// Copyright 2025 Certen Protocol

package builder

import (
	"context"
	"crypto/sha256"
	"log"
	"math/big"
	"os"
	"testing"

	"github.com/google/uuid"

	"github.com/certen/rollup-validator/pkg/blssig"
	"github.com/certen/rollup-validator/pkg/builderrors"
	"github.com/certen/rollup-validator/pkg/fee"
	"github.com/certen/rollup-validator/pkg/types"
)

func testLogger() *log.Logger { return log.New(os.Stderr, "", 0) }

func testSchedule() fee.Schedule {
	return fee.Schedule{0: big.NewInt(1)}
}

func TestFullCycleSingleSender(t *testing.T) {
	b := New(KindNonRegistration, testSchedule(), testLogger())
	if err := b.StartAcceptingTxs(); err != nil {
		t.Fatalf("start accepting: %v", err)
	}

	sk, pk, err := blssig.GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate key pair: %v", err)
	}
	var pubkey types.PublicKey
	copy(pubkey[:], pk.Bytes())

	req := types.TxRequest{ID: uuid.New(), Sender: pubkey, Tx: types.Tx{Nonce: 1}}
	if err := b.SendTxRequest(context.Background(), req, fee.Proof{TokenIndex: 0, Amount: big.NewInt(1)}); err != nil {
		t.Fatalf("send tx request: %v", err)
	}

	memo, err := b.StartProposing()
	if err != nil {
		t.Fatalf("start proposing: %v", err)
	}
	if _, ok := memo.TxIndex[req.ID]; !ok {
		t.Fatal("expected request to be indexed in proposal memo")
	}

	sig := sk.SignWithDomain(memo.TxTreeRoot[:], blssig.DomainBlock)
	if err := b.PostSignature(req.ID, sig); err != nil {
		t.Fatalf("post signature: %v", err)
	}

	if !b.ReadyToFinalize() {
		t.Fatal("expected builder to be ready to finalize")
	}

	full, auxiliary, err := b.Finalize(context.Background(), 1)
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if full.BlockNumber != 1 {
		t.Fatalf("expected block number 1, got %d", full.BlockNumber)
	}
	if len(auxiliary) != 0 {
		t.Fatalf("expected no auxiliary collateral posts, got %d", len(auxiliary))
	}
}

func TestPostSignatureRejectsUncontainedRequest(t *testing.T) {
	b := New(KindNonRegistration, testSchedule(), testLogger())
	_ = b.StartAcceptingTxs()

	_, pk, _ := blssig.GenerateKeyPair()
	var pubkey types.PublicKey
	copy(pubkey[:], pk.Bytes())

	req := types.TxRequest{ID: uuid.New(), Sender: pubkey}
	_ = b.SendTxRequest(context.Background(), req, fee.Proof{TokenIndex: 0, Amount: big.NewInt(1)})
	if _, err := b.StartProposing(); err != nil {
		t.Fatalf("start proposing: %v", err)
	}

	_, otherPk, _ := blssig.GenerateKeyPair()
	sig := mustSign(t, otherPk)
	foreignID := uuid.New()
	err := b.PostSignature(foreignID, sig)
	if err == nil {
		t.Fatal("expected rejection for a request never contained in the memo")
	}
	if err != builderrors.ErrTxRequestNotFound {
		t.Fatalf("expected ErrTxRequestNotFound, got %v", err)
	}
}

func TestSendTxRequestRejectsDuplicateSender(t *testing.T) {
	b := New(KindNonRegistration, testSchedule(), testLogger())
	_ = b.StartAcceptingTxs()

	_, pk, _ := blssig.GenerateKeyPair()
	var pubkey types.PublicKey
	copy(pubkey[:], pk.Bytes())

	proof := fee.Proof{TokenIndex: 0, Amount: big.NewInt(1)}
	first := types.TxRequest{ID: uuid.New(), Sender: pubkey, Tx: types.Tx{Nonce: 1}}
	if err := b.SendTxRequest(context.Background(), first, proof); err != nil {
		t.Fatalf("send first request: %v", err)
	}

	second := types.TxRequest{ID: uuid.New(), Sender: pubkey, Tx: types.Tx{Nonce: 2}}
	err := b.SendTxRequest(context.Background(), second, proof)
	if err != builderrors.ErrOnlyOneSenderAllowed {
		t.Fatalf("expected ErrOnlyOneSenderAllowed for a repeat sender, got %v", err)
	}
}

func TestSendTxRequestBatchesMultipleSenders(t *testing.T) {
	b := New(KindRegistration, testSchedule(), testLogger())
	_ = b.StartAcceptingTxs()

	for i := 0; i < 3; i++ {
		_, pk, err := blssig.GenerateKeyPair()
		if err != nil {
			t.Fatalf("generate key pair %d: %v", i, err)
		}
		var pubkey types.PublicKey
		copy(pubkey[:], pk.Bytes())
		req := types.TxRequest{ID: uuid.New(), Sender: pubkey, Tx: types.Tx{Nonce: uint32(i)}}
		if err := b.SendTxRequest(context.Background(), req, fee.Proof{TokenIndex: 0, Amount: big.NewInt(1)}); err != nil {
			t.Fatalf("send request %d: %v", i, err)
		}
	}

	if got := b.PendingCount(); got != 3 {
		t.Fatalf("expected 3 pending senders batched into one memo, got %d", got)
	}
}

type stubAccountChecker struct {
	registered map[types.PublicKey]bool
}

func (s *stubAccountChecker) AccountRegistered(ctx context.Context, pubkey types.PublicKey) (bool, error) {
	return s.registered[pubkey], nil
}

func TestSendTxRequestRejectsAlreadyRegisteredAccount(t *testing.T) {
	_, pk, _ := blssig.GenerateKeyPair()
	var pubkey types.PublicKey
	copy(pubkey[:], pk.Bytes())

	checker := &stubAccountChecker{registered: map[types.PublicKey]bool{pubkey: true}}
	b := New(KindRegistration, testSchedule(), testLogger(), WithAccountChecker(checker))
	_ = b.StartAcceptingTxs()

	req := types.TxRequest{ID: uuid.New(), Sender: pubkey, Tx: types.Tx{Nonce: 1}}
	err := b.SendTxRequest(context.Background(), req, fee.Proof{TokenIndex: 0, Amount: big.NewInt(1)})
	if err != builderrors.ErrAccountAlreadyRegistered {
		t.Fatalf("expected ErrAccountAlreadyRegistered, got %v", err)
	}
}

func TestSendTxRequestRejectsUnregisteredAccountForNonRegistrationLane(t *testing.T) {
	_, pk, _ := blssig.GenerateKeyPair()
	var pubkey types.PublicKey
	copy(pubkey[:], pk.Bytes())

	checker := &stubAccountChecker{registered: map[types.PublicKey]bool{}}
	b := New(KindNonRegistration, testSchedule(), testLogger(), WithAccountChecker(checker))
	_ = b.StartAcceptingTxs()

	req := types.TxRequest{ID: uuid.New(), Sender: pubkey, Tx: types.Tx{Nonce: 1}}
	err := b.SendTxRequest(context.Background(), req, fee.Proof{TokenIndex: 0, Amount: big.NewInt(1)})
	if err != builderrors.ErrAccountNotFound {
		t.Fatalf("expected ErrAccountNotFound, got %v", err)
	}
}

func TestFinalizeFallsBackToCollateralAfterExpiry(t *testing.T) {
	collateralSchedule := fee.Schedule{0: big.NewInt(1)}
	var builderAddress [20]byte
	copy(builderAddress[:], []byte("builder-address-one"))

	b := New(KindNonRegistration, testSchedule(), testLogger(),
		WithCollateralSchedule(collateralSchedule),
		WithBuilderAddress(builderAddress),
		WithLedger(fee.NewLedger()),
	)
	if err := b.StartAcceptingTxs(); err != nil {
		t.Fatalf("start accepting: %v", err)
	}

	sk, pk, err := blssig.GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate key pair: %v", err)
	}
	var pubkey types.PublicKey
	copy(pubkey[:], pk.Bytes())

	collateralRoot := sha256Sum("collateral-tx-tree-root")
	collateralSig := sk.SignWithDomain(collateralRoot[:], blssig.DomainBlock)
	var pkBytes [96]byte
	copy(pkBytes[:], pk.Bytes())
	collateral := fee.CollateralBlock{
		BuilderAddress: builderAddress,
		TxTreeRoot:     collateralRoot,
		Sender:         pkBytes,
		Signature:      collateralSig.Bytes(),
		Proof:          fee.Proof{TokenIndex: 0, Amount: big.NewInt(1), Nullifier: sha256Sum("collateral-nullifier")},
	}

	req := types.TxRequest{ID: uuid.New(), Sender: pubkey, Tx: types.Tx{Nonce: 1}}
	proof := fee.Proof{TokenIndex: 0, Amount: big.NewInt(1), Nullifier: sha256Sum("main-nullifier"), Collateral: &collateral}
	if err := b.SendTxRequest(context.Background(), req, proof); err != nil {
		t.Fatalf("send tx request: %v", err)
	}

	if _, err := b.StartProposing(); err != nil {
		t.Fatalf("start proposing: %v", err)
	}

	// No signature ever arrives; the lane must still become eligible to
	// finalize once the proposing interval elapses.
	if !b.Expired(0) {
		t.Fatal("expected lane to be expired with a zero interval")
	}

	full, auxiliary, err := b.Finalize(context.Background(), 1)
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if len(auxiliary) != 1 {
		t.Fatalf("expected exactly one auxiliary collateral post, got %d", len(auxiliary))
	}
	if auxiliary[0].TxTreeRoot != collateralRoot {
		t.Fatalf("expected auxiliary block to carry the collateral tx tree root")
	}
	for _, flagByte := range full.SenderFlags {
		if flagByte != 0 {
			t.Fatal("expected main block's sender flags to all be unset for a sender that never signed")
		}
	}
}

func sha256Sum(s string) [32]byte {
	return sha256.Sum256([]byte(s))
}

func mustSign(t *testing.T, pk *blssig.PublicKey) *blssig.Signature {
	t.Helper()
	sk, _, err := blssig.GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate key pair: %v", err)
	}
	return sk.SignWithDomain(pk.Bytes(), blssig.DomainBlock)
}
