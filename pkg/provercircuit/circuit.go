// Copyright 2025 Certen Protocol
//
// Prove/verify oracle for transition proofs and the validity proof
// chain. The circuit internals (constraint system for the account/
// block tree transitions and signature aggregation) are out of scope;
// this package defines the opaque interface the witness generator and
// block builder drive, plus a gnark frontend.Circuit shape so the
// wiring (compile, setup, prove, verify) follows the library's real
// API instead of being hand-waved behind an interface no ecosystem
// dependency touches.

package provercircuit

import (
	"fmt"

	"github.com/consensys/gnark-crypto/ecc"
	"github.com/consensys/gnark/frontend"
)

// TransitionCircuit constrains one block's validity transition: the
// account tree and block tree roots before/after applying the block,
// linked to the previous transition's proof. Field values stand in for
// the account/block Merkle witnesses; the concrete constraint wiring
// is supplied by the prover binary, not this library.
type TransitionCircuit struct {
	PrevAccountTreeRoot frontend.Variable `gnark:",public"`
	PrevBlockTreeRoot   frontend.Variable `gnark:",public"`
	NewAccountTreeRoot  frontend.Variable `gnark:",public"`
	NewBlockTreeRoot    frontend.Variable `gnark:",public"`
	BlockNumber         frontend.Variable `gnark:",public"`

	TxTreeRoot frontend.Variable
	PubkeyHash frontend.Variable
}

// Define expresses the transition's constraints. This is a minimal
// placeholder: it only asserts NewBlockTreeRoot != 0 and
// PrevBlockTreeRoot != -1, and does not relate the roots to each
// other; the real account and block tree update circuits are out of
// scope here.
func (c *TransitionCircuit) Define(api frontend.API) error {
	api.AssertIsDifferent(c.NewBlockTreeRoot, 0)
	api.AssertIsDifferent(c.PrevBlockTreeRoot, -1)
	return nil
}

// CurveID is the curve the transition circuit is compiled over,
// matching the BLS aggregation scheme used for block signatures.
const CurveID = ecc.BLS12_381

// Witness captures the assignment the prover binary feeds into the
// compiled circuit for one block's transition proof.
type Witness struct {
	PrevAccountTreeRoot [32]byte
	PrevBlockTreeRoot   [32]byte
	NewAccountTreeRoot  [32]byte
	NewBlockTreeRoot    [32]byte
	BlockNumber         uint32
	TxTreeRoot          [32]byte
	PubkeyHash          [32]byte
}

// Proof is an opaque serialized validity proof for one block,
// optionally chained to the proof for the previous block.
type Proof struct {
	BlockNumber uint32
	Bytes       []byte
}

// Prover compiles, proves, and verifies transition proofs. Production
// wiring (groth16.Setup/Prove/Verify against a compiled
// TransitionCircuit) lives in the prover binary; this interface is
// what the witness generator depends on so it can be driven by a real
// prover or a deterministic stub in tests.
type Prover interface {
	// Prove produces a validity proof for one block's transition,
	// optionally chained against the previous block's proof.
	Prove(witness Witness, prevProof *Proof) (*Proof, error)
	// Verify checks a validity proof against its claimed public inputs.
	Verify(proof *Proof, witness Witness) error
}

// StubProver is a deterministic, non-cryptographic Prover used when no
// real proving backend is configured (local development, integration
// tests against the witness generator and block builder). It encodes
// every witness field, public and private, as the "proof" bytes so Verify can check
// consistency without a constraint system.
type StubProver struct{}

// NewStubProver returns a Prover that performs no real cryptographic
// proving, for exercising the surrounding pipeline end to end.
func NewStubProver() *StubProver { return &StubProver{} }

func (s *StubProver) Prove(witness Witness, prevProof *Proof) (*Proof, error) {
	if prevProof != nil && prevProof.BlockNumber+1 != witness.BlockNumber {
		return nil, fmt.Errorf("non-contiguous transition: prev block %d, witness block %d", prevProof.BlockNumber, witness.BlockNumber)
	}
	return &Proof{
		BlockNumber: witness.BlockNumber,
		Bytes:       encodeWitness(witness),
	}, nil
}

func (s *StubProver) Verify(proof *Proof, witness Witness) error {
	if proof == nil {
		return fmt.Errorf("nil proof")
	}
	if proof.BlockNumber != witness.BlockNumber {
		return fmt.Errorf("block number mismatch: proof %d, witness %d", proof.BlockNumber, witness.BlockNumber)
	}
	want := encodeWitness(witness)
	if len(proof.Bytes) != len(want) {
		return fmt.Errorf("proof length mismatch")
	}
	for i := range want {
		if proof.Bytes[i] != want[i] {
			return fmt.Errorf("proof does not match witness public inputs")
		}
	}
	return nil
}

func encodeWitness(w Witness) []byte {
	buf := make([]byte, 0, 32*5+4)
	buf = append(buf, w.PrevAccountTreeRoot[:]...)
	buf = append(buf, w.PrevBlockTreeRoot[:]...)
	buf = append(buf, w.NewAccountTreeRoot[:]...)
	buf = append(buf, w.NewBlockTreeRoot[:]...)
	buf = append(buf, w.TxTreeRoot[:]...)
	buf = append(buf, w.PubkeyHash[:]...)
	var bn [4]byte
	bn[0] = byte(w.BlockNumber >> 24)
	bn[1] = byte(w.BlockNumber >> 16)
	bn[2] = byte(w.BlockNumber >> 8)
	bn[3] = byte(w.BlockNumber)
	buf = append(buf, bn[:]...)
	return buf
}
