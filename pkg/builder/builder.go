// Copyright 2025 Certen Protocol
//
// Block builder state machine. Each logical builder (registration or
// non-registration) cycles Pausing -> AcceptingTxs -> Proposing ->
// Finalized: it accepts tx requests while AcceptingTxs, freezes them
// into a ProposalMemo when it starts Proposing, collects per-sender
// signatures against that frozen memo, and once every real sender has
// signed (or the proposing interval has elapsed) finalizes and hands
// the block off to the on-chain poster.

package builder

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/certen/rollup-validator/pkg/blssig"
	"github.com/certen/rollup-validator/pkg/builderrors"
	"github.com/certen/rollup-validator/pkg/fee"
	"github.com/certen/rollup-validator/pkg/merkle"
	"github.com/certen/rollup-validator/pkg/types"
)

// Kind distinguishes the registration and non-registration builder
// lanes; each runs its own independent state machine and nonce lane.
type Kind string

const (
	KindRegistration    Kind = "registration"
	KindNonRegistration Kind = "non_registration"
)

// AccountChecker reports whether a public key already has an account
// in the account tree, mirroring the validity-prover's
// get_account_info RPC, so request intake can enforce
// AccountAlreadyRegistered / AccountNotFound without waiting for the
// witness generator to discover the conflict at proving time.
type AccountChecker interface {
	AccountRegistered(ctx context.Context, pubkey types.PublicKey) (bool, error)
}

// Builder drives one lane's accept/propose/finalize cycle in memory.
// The proposing memo and signatures are held here rather than
// persisted mid-cycle: a crash mid-proposal simply restarts the cycle,
// senders resubmit, and no partial state needs reconciling.
type Builder struct {
	mu sync.Mutex

	kind Kind
	log  *log.Logger
	fees fee.Schedule

	accounts       AccountChecker
	collateralFees fee.Schedule
	builderAddress [20]byte
	ledger         *fee.Ledger

	state   types.BuilderState
	pending []types.TxRequest // accepted, not yet frozen into a proposal

	feeProofs  map[uuid.UUID]fee.Proof
	collateral map[uuid.UUID]fee.CollateralBlock

	memo      *types.ProposalMemo
	signed    map[uuid.UUID]*blssig.Signature
	accountOf map[uuid.UUID]types.PublicKey

	blockNumber uint32
}

// Option configures optional Builder dependencies not every caller
// (in particular unit tests) needs to supply.
type Option func(*Builder)

// WithAccountChecker wires the validity-prover account lookup used to
// reject AccountAlreadyRegistered / AccountNotFound at intake. Without
// it, account-existence validation is skipped.
func WithAccountChecker(checker AccountChecker) Option {
	return func(b *Builder) { b.accounts = checker }
}

// WithCollateralSchedule wires the collateral fee schedule, enabling
// collateral-block validation at intake.
func WithCollateralSchedule(schedule fee.Schedule) Option {
	return func(b *Builder) { b.collateralFees = schedule }
}

// WithBuilderAddress records this builder's on-chain posting address,
// checked against a collateral block's own builder_address field.
func WithBuilderAddress(addr [20]byte) Option {
	return func(b *Builder) { b.builderAddress = addr }
}

// WithLedger wires the nullifier ledger fee collection records spent
// nullifiers against, rejecting reuse across blocks. Without it,
// finalize skips nullifier bookkeeping.
func WithLedger(ledger *fee.Ledger) Option {
	return func(b *Builder) { b.ledger = ledger }
}

// New creates a Builder in the Pausing state.
func New(kind Kind, fees fee.Schedule, logger *log.Logger, opts ...Option) *Builder {
	b := &Builder{
		kind:  kind,
		log:   logger,
		fees:  fees,
		state: types.StatePausing,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// State returns the builder's current state-machine stage.
func (b *Builder) State() types.BuilderState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Kind returns which lane (registration or non-registration) this
// builder drives.
func (b *Builder) Kind() Kind {
	return b.kind
}

// StartAcceptingTxs transitions Pausing -> AcceptingTxs, opening the
// lane to new tx requests.
func (b *Builder) StartAcceptingTxs() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != types.StatePausing {
		return builderrors.ErrShouldBePausing
	}
	b.state = types.StateAcceptingTxs
	b.pending = nil
	b.feeProofs = make(map[uuid.UUID]fee.Proof)
	b.collateral = make(map[uuid.UUID]fee.CollateralBlock)
	return nil
}

// SendTxRequest enqueues a sender's tx request: the batch must still
// have room and must not already contain this pubkey (BlockIsFull
// guards the NumSendersInBlock limit, OnlyOneSenderAllowed the
// no-duplicate-pubkey invariant), the account tree must already agree with this lane
// (AccountAlreadyRegistered / AccountNotFound), and the fee proof(s)
// must check out. The account lookup and fee checks can block on an
// external call, so the batch predicates are re-checked once more
// right before the request is actually appended.
func (b *Builder) SendTxRequest(ctx context.Context, req types.TxRequest, feeProof fee.Proof) error {
	b.mu.Lock()
	if b.state != types.StateAcceptingTxs {
		b.mu.Unlock()
		return builderrors.ErrNotAcceptingTx
	}
	if err := b.checkBatchPredicates(req.Sender); err != nil {
		b.mu.Unlock()
		return err
	}
	checker := b.accounts
	kind := b.kind
	collateralFees := b.collateralFees
	builderAddress := b.builderAddress
	b.mu.Unlock()

	if checker != nil {
		registered, err := checker.AccountRegistered(ctx, req.Sender)
		if err != nil {
			return fmt.Errorf("%w: %v", builderrors.ErrValidityProverNotSynced, err)
		}
		if kind == KindRegistration && registered {
			return builderrors.ErrAccountAlreadyRegistered
		}
		if kind == KindNonRegistration && !registered {
			return builderrors.ErrAccountNotFound
		}
	}

	if err := fee.ValidateMain(b.fees, feeProof); err != nil {
		return err
	}
	if len(collateralFees) > 0 && feeProof.Collateral != nil {
		if err := fee.ValidateCollateralBlock(collateralFees, builderAddress, *feeProof.Collateral); err != nil {
			return err
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != types.StateAcceptingTxs {
		return builderrors.ErrNotAcceptingTx
	}
	if err := b.checkBatchPredicates(req.Sender); err != nil {
		return err
	}

	b.pending = append(b.pending, req)
	b.feeProofs[req.ID] = feeProof
	if feeProof.Collateral != nil {
		b.collateral[req.ID] = *feeProof.Collateral
	}
	return nil
}

// PendingCount returns the number of tx requests accepted into the
// current cycle so far, used by the deposit-check tick to decide
// whether a lane is idle enough to post an empty anchor block.
func (b *Builder) PendingCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// BuildDepositCheckBlock builds the deposit-check tick's empty,
// all-dummy, force-posted block: an anchor block with no real senders,
// posted so the validity prover observes newly available deposits even
// when this lane's cycle collected no tx requests to carry them.
func (b *Builder) BuildDepositCheckBlock(blockNumber uint32) (types.FullBlock, error) {
	memo, _, err := buildProposalMemo(b.kind == KindRegistration, nil)
	if err != nil {
		return types.FullBlock{}, fmt.Errorf("build deposit-check block: %w", err)
	}
	publicKeys := make([]types.PublicKey, len(memo.Senders))
	for i, s := range memo.Senders {
		publicKeys[i] = s.PublicKey
	}
	return types.FullBlock{
		BlockNumber:    blockNumber,
		IsRegistration: b.kind == KindRegistration,
		TxTreeRoot:     memo.TxTreeRoot,
		SenderFlags:    blssig.SenderFlagBitmap(make([]bool, len(memo.Senders))),
		PublicKeys:     publicKeys,
		ForcePost:      true,
	}, nil
}

// checkBatchPredicates enforces the batch is not yet full and does not
// already contain sender. Callers must hold b.mu.
func (b *Builder) checkBatchPredicates(sender types.PublicKey) error {
	if len(b.pending) >= types.NumSendersInBlock {
		return builderrors.ErrBlockIsFull
	}
	for _, p := range b.pending {
		if p.Sender == sender {
			return builderrors.ErrOnlyOneSenderAllowed
		}
	}
	return nil
}

// StartProposing transitions AcceptingTxs -> Proposing, freezing the
// current pending requests into a ProposalMemo: senders are sorted by
// public key descending, padded out to NumSendersInBlock with dummy
// senders, and the tx tree root/per-request Merkle proofs are computed
// once so every subsequent signature check is against a fixed memo.
func (b *Builder) StartProposing() (*types.ProposalMemo, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != types.StateAcceptingTxs {
		return nil, builderrors.ErrNotAcceptingTx
	}

	memo, accountOf, err := buildProposalMemo(b.kind == KindRegistration, b.pending)
	if err != nil {
		return nil, fmt.Errorf("build proposal memo: %w", err)
	}

	b.memo = memo
	b.accountOf = accountOf
	b.signed = make(map[uuid.UUID]*blssig.Signature)
	b.state = types.StateProposing
	b.log.Printf("builder[%s]: proposing block with %d real senders", b.kind, len(b.pending))
	return memo, nil
}

// QueryProposal returns the frozen memo for a sender's request, so it
// can verify its own inclusion and sign.
func (b *Builder) QueryProposal(requestID uuid.UUID) (*types.ProposalMemo, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != types.StateProposing {
		return nil, builderrors.ErrNotProposing
	}
	if _, ok := b.memo.TxIndex[requestID]; !ok {
		return nil, builderrors.ErrTxRequestNotFound
	}
	return b.memo, nil
}

// PostSignature records a sender's signature over the frozen proposal
// memo. The precondition checks that requestID is actually contained
// in this proposing memo: a request absent from the memo (never
// admitted, or admitted into a since-discarded cycle) must be
// rejected, never treated as valid.
func (b *Builder) PostSignature(requestID uuid.UUID, sig *blssig.Signature) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != types.StateProposing {
		return builderrors.ErrNotProposing
	}
	if _, contained := b.memo.TxIndex[requestID]; !contained {
		return builderrors.ErrTxRequestNotFound
	}

	pubkey, ok := b.accountOf[requestID]
	if !ok {
		return builderrors.ErrAccountNotFound
	}
	pk, err := blssig.PublicKeyFromBytes(pubkey[:])
	if err != nil {
		return fmt.Errorf("%w: %v", builderrors.ErrInvalidSignature, err)
	}
	if !pk.VerifyWithDomain(sig, b.memo.TxTreeRoot[:], blssig.DomainBlock) {
		return builderrors.ErrSignatureVerification
	}

	b.signed[requestID] = sig
	return nil
}

// ReadyToFinalize reports whether every real sender included in the
// memo has signed. Proposing lanes with stragglers still finalize once
// Expired is true; ReadyToFinalize alone is the happy-path early exit.
func (b *Builder) ReadyToFinalize() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, s := range b.memo.Senders {
		if s.PublicKey.IsDummy() {
			continue
		}
		found := false
		for id, pk := range b.accountOf {
			if pk == s.PublicKey {
				if _, signed := b.signed[id]; signed {
					found = true
				}
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// Expired reports whether the current proposing memo has been open
// longer than interval, the process-signatures tick's deadline for
// posting with whatever signatures were actually collected instead of
// waiting indefinitely on a straggling sender.
func (b *Builder) Expired(interval time.Duration) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.memo == nil {
		return false
	}
	return time.Since(b.memo.ProposedAt) >= interval
}

// Finalize aggregates every collected signature into the block's
// weighted aggregate signature/public key and sender-flag bitmap,
// transitions Proposing -> Finalized, and returns the posted-block
// payload for the on-chain poster. Senders that never signed but
// supplied a valid collateral block at intake are instead returned as
// auxiliary single-sender blocks the poster posts on their own, at low
// priority; every sender that did sign has its main fee nullifier
// recorded against the ledger.
func (b *Builder) Finalize(ctx context.Context, blockNumber uint32) (types.FullBlock, []types.FullBlock, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != types.StateProposing {
		return types.FullBlock{}, nil, builderrors.ErrNotProposing
	}

	signed := make([]bool, len(b.memo.Senders))
	var signers []blssig.WeightedSigner
	publicKeys := make([]types.PublicKey, len(b.memo.Senders))
	var auxiliary []types.FullBlock

	for i, s := range b.memo.Senders {
		publicKeys[i] = s.PublicKey
		if s.PublicKey.IsDummy() {
			// Dummy padding never signs and contributes the identity.
			continue
		}
		pk, err := blssig.PublicKeyFromBytes(s.PublicKey[:])
		if err != nil {
			return types.FullBlock{}, nil, fmt.Errorf("decode sender pubkey: %w", err)
		}

		var reqID uuid.UUID
		var found bool
		for id, accountPk := range b.accountOf {
			if accountPk == s.PublicKey {
				reqID, found = id, true
				break
			}
		}

		var sig *blssig.Signature
		if found {
			sig = b.signed[reqID]
		}
		signed[i] = sig != nil
		signers = append(signers, blssig.WeightedSigner{PublicKey: pk, Signature: sig})

		if !found {
			continue
		}
		if sig != nil {
			b.collectFee(reqID, blockNumber)
			continue
		}
		if aux, ok := b.buildCollateralPost(reqID, s.PublicKey); ok {
			auxiliary = append(auxiliary, aux)
		}
	}

	aggSig, aggPk, err := blssig.AggregateWeighted(signers, b.memo.PubkeyHash)
	if err != nil {
		return types.FullBlock{}, nil, fmt.Errorf("aggregate weighted signature: %w", err)
	}

	full := types.FullBlock{
		BlockNumber:         blockNumber,
		IsRegistration:      b.kind == KindRegistration,
		TxTreeRoot:          b.memo.TxTreeRoot,
		SenderFlags:         blssig.SenderFlagBitmap(signed),
		PublicKeys:          publicKeys,
		AggregatedSignature: toSig48(aggSig),
		AggregatedPublicKey: toPk96(aggPk),
	}

	b.state = types.StateFinalized
	b.blockNumber = blockNumber
	b.log.Printf("builder[%s]: finalized block %d (%d auxiliary collateral posts)", b.kind, blockNumber, len(auxiliary))
	return full, auxiliary, nil
}

// collectFee records a signed request's main fee nullifier against the
// ledger, satisfying the no-nullifier-reused-across-blocks invariant.
// Callers must hold b.mu.
func (b *Builder) collectFee(reqID uuid.UUID, blockNumber uint32) {
	if b.ledger == nil {
		return
	}
	proof, ok := b.feeProofs[reqID]
	if !ok {
		return
	}
	collected := fee.CollectedFee{BlockNumber: blockNumber, TokenIndex: proof.TokenIndex, Amount: proof.Amount, Nullifier: proof.Nullifier}
	if err := b.ledger.Collect(collected); err != nil {
		b.log.Printf("builder[%s]: collect fee for request %s: %v", b.kind, reqID, err)
	}
}

// buildCollateralPost builds the auxiliary single-sender low-priority
// block for a sender that never returned a main-block signature but
// did hand the builder a valid collateral block at intake. Callers
// must hold b.mu.
func (b *Builder) buildCollateralPost(reqID uuid.UUID, pubkey types.PublicKey) (types.FullBlock, bool) {
	coll, ok := b.collateral[reqID]
	if !ok {
		return types.FullBlock{}, false
	}

	var sig48 [48]byte
	copy(sig48[:], coll.Signature)

	if b.ledger != nil {
		collected := fee.CollectedFee{TokenIndex: coll.Proof.TokenIndex, Amount: coll.Proof.Amount, Nullifier: coll.Proof.Nullifier}
		if err := b.ledger.Collect(collected); err != nil {
			b.log.Printf("builder[%s]: collect collateral fee for request %s: %v", b.kind, reqID, err)
		}
	}

	return types.FullBlock{
		IsRegistration:      b.kind == KindRegistration,
		TxTreeRoot:          coll.TxTreeRoot,
		SenderFlags:         blssig.SenderFlagBitmap([]bool{true}),
		PublicKeys:          []types.PublicKey{pubkey},
		AggregatedSignature: sig48,
		AggregatedPublicKey: coll.Sender,
	}, true
}

// Reset transitions Finalized -> Pausing, ready for the next cycle.
func (b *Builder) Reset() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != types.StateFinalized {
		return builderrors.ErrBuilderIsPausing
	}
	b.state = types.StatePausing
	b.memo = nil
	b.signed = nil
	b.accountOf = nil
	b.feeProofs = nil
	b.collateral = nil
	return nil
}

func toSig48(sig *blssig.Signature) [48]byte {
	var out [48]byte
	copy(out[:], sig.Bytes())
	return out
}

func toPk96(pk *blssig.PublicKey) [96]byte {
	var out [96]byte
	copy(out[:], pk.Bytes())
	return out
}

// buildProposalMemo sorts senders by public key descending, pads with
// dummy senders up to NumSendersInBlock, builds the tx tree, and
// records each real request's tx index and Merkle inclusion proof.
func buildProposalMemo(isRegistration bool, requests []types.TxRequest) (*types.ProposalMemo, map[uuid.UUID]types.PublicKey, error) {
	sorted := make([]types.TxRequest, len(requests))
	copy(sorted, requests)
	sort.Slice(sorted, func(i, j int) bool {
		return string(sorted[i].Sender[:]) > string(sorted[j].Sender[:])
	})

	senders := make([]types.SenderWithFlag, types.NumSendersInBlock)
	leaves := make([][]byte, types.NumSendersInBlock)
	accountOf := make(map[uuid.UUID]types.PublicKey, len(sorted))

	for i := 0; i < types.NumSendersInBlock; i++ {
		if i < len(sorted) {
			senders[i] = types.SenderWithFlag{PublicKey: sorted[i].Sender}
			accountOf[sorted[i].ID] = sorted[i].Sender
			leaves[i] = txLeafHash(sorted[i].Tx)
		} else {
			senders[i] = types.SenderWithFlag{}
			leaves[i] = txLeafHash(types.Tx{})
		}
	}

	tree, err := merkle.BuildTree(leaves)
	if err != nil {
		return nil, nil, fmt.Errorf("build tx tree: %w", err)
	}

	var root [32]byte
	copy(root[:], tree.Root())

	txIndex := make(map[uuid.UUID]uint32, len(sorted))
	proofs := make(map[uuid.UUID][][32]byte, len(sorted))
	for i, req := range sorted {
		txIndex[req.ID] = uint32(i)
		proof, err := tree.GenerateProof(i)
		if err != nil {
			return nil, nil, fmt.Errorf("generate tx proof for %s: %w", req.ID, err)
		}
		proofs[req.ID] = proofPath(proof)
	}

	return &types.ProposalMemo{
		BlockID:        uuid.New(),
		IsRegistration: isRegistration,
		Senders:        senders,
		TxTreeRoot:     root,
		PubkeyHash:     types.PubkeyHash(senders),
		ProposedAt:     time.Now(),
		TxIndex:        txIndex,
		MerkleProof:    proofs,
	}, accountOf, nil
}

func txLeafHash(tx types.Tx) []byte {
	buf := make([]byte, 0, 32+4+4)
	buf = append(buf, tx.TxHash[:]...)
	var tokenBuf, nonceBuf [4]byte
	binary.BigEndian.PutUint32(tokenBuf[:], tx.FeeTokenIndex)
	binary.BigEndian.PutUint32(nonceBuf[:], tx.Nonce)
	buf = append(buf, tokenBuf[:]...)
	buf = append(buf, nonceBuf[:]...)
	sum := sha256.Sum256(buf)
	return sum[:]
}

func proofPath(proof *merkle.InclusionProof) [][32]byte {
	out := make([][32]byte, len(proof.Path))
	for i, node := range proof.Path {
		var h [32]byte
		b, err := hex.DecodeString(node.Hash)
		if err == nil {
			copy(h[:], b)
		}
		out[i] = h
	}
	return out
}
