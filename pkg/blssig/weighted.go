// Copyright 2025 Certen Protocol
//
// Weighted BLS aggregation for block proposals. Each sender's
// signature is scaled by a weight derived from its own public key and
// the block's pubkey hash, before aggregation, so that no sender
// benefits from choosing its key after seeing the others (rogue-key
// resistance without a proof-of-possession round).

package blssig

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"math/big"

	bls12381 "github.com/consensys/gnark-crypto/ecc/bls12-381"
	"github.com/consensys/gnark-crypto/ecc/bls12-381/fr"
)

// HashToWeight derives a sender's aggregation weight from its public
// key and the block's pubkey hash: weight = H(pubkey || pubkeyHash) mod r.
func HashToWeight(pubkey *PublicKey, pubkeyHash [32]byte) fr.Element {
	h := sha256.New()
	h.Write(pubkey.Bytes())
	h.Write(pubkeyHash[:])
	digest := h.Sum(nil)

	var w fr.Element
	w.SetBytes(digest)
	return w
}

// WeightedSigner is one signer's contribution to a weighted aggregate:
// its public key and (if it signed) its raw signature.
type WeightedSigner struct {
	PublicKey *PublicKey
	Signature *Signature // nil if this sender did not sign
}

// AggregateWeighted computes weight_i * pubkey_i (the weighted
// aggregate public key) and weight_i * sig_i (the weighted aggregate
// signature), both summed over the signers that actually signed, using
// the same per-signer weight for both sums so the pairing check
// balances. Signers without a signature contribute the identity to
// both sums; if nobody signed, both results are the identity point.
func AggregateWeighted(signers []WeightedSigner, pubkeyHash [32]byte) (*Signature, *PublicKey, error) {
	if err := Initialize(); err != nil {
		return nil, nil, fmt.Errorf("initialize BLS: %w", err)
	}
	if len(signers) == 0 {
		return nil, nil, errors.New("no signers to aggregate")
	}

	var aggPkJac bls12381.G2Jac
	var aggSigJac bls12381.G1Jac
	haveSig := false

	for _, s := range signers {
		if s.Signature != nil {
			weight := HashToWeight(s.PublicKey, pubkeyHash)
			var weightBig big.Int
			weight.BigInt(&weightBig)

			var scaledPk bls12381.G2Affine
			scaledPk.ScalarMultiplication(&s.PublicKey.point, &weightBig)
			var pkJac bls12381.G2Jac
			pkJac.FromAffine(&scaledPk)
			aggPkJac.AddAssign(&pkJac)

			var scaledSig bls12381.G1Affine
			scaledSig.ScalarMultiplication(&s.Signature.point, &weightBig)
			var sigJac bls12381.G1Jac
			sigJac.FromAffine(&scaledSig)
			if !haveSig {
				aggSigJac = sigJac
				haveSig = true
			} else {
				aggSigJac.AddAssign(&sigJac)
			}
		}
	}

	// With no signature present both Jacobian sums are still zero,
	// which FromJacobian maps to the identity point.
	var aggPk bls12381.G2Affine
	aggPk.FromJacobian(&aggPkJac)
	var aggSig bls12381.G1Affine
	aggSig.FromJacobian(&aggSigJac)

	return &Signature{point: aggSig}, &PublicKey{point: aggPk}, nil
}

// VerifyWeightedAggregate verifies a weighted aggregate signature
// produced by AggregateWeighted against the weighted aggregate of
// only the senders that actually signed.
func VerifyWeightedAggregate(aggSig *Signature, signedSigners []WeightedSigner, pubkeyHash [32]byte, message []byte) bool {
	if err := Initialize(); err != nil {
		return false
	}
	if len(signedSigners) == 0 {
		return false
	}

	var aggPkJac bls12381.G2Jac
	first := true
	for _, s := range signedSigners {
		weight := HashToWeight(s.PublicKey, pubkeyHash)
		var weightBig big.Int
		weight.BigInt(&weightBig)

		var scaledPk bls12381.G2Affine
		scaledPk.ScalarMultiplication(&s.PublicKey.point, &weightBig)
		var pkJac bls12381.G2Jac
		pkJac.FromAffine(&scaledPk)
		if first {
			aggPkJac = pkJac
			first = false
		} else {
			aggPkJac.AddAssign(&pkJac)
		}
	}

	var aggPk bls12381.G2Affine
	aggPk.FromJacobian(&aggPkJac)
	return (&PublicKey{point: aggPk}).Verify(aggSig, message)
}

// SenderFlagBitmap packs a per-sender signed/not-signed bitmap into
// bytes, one bit per sender in block order, most significant bit
// first within each byte.
func SenderFlagBitmap(signed []bool) []byte {
	out := make([]byte, (len(signed)+7)/8)
	for i, didSign := range signed {
		if didSign {
			out[i/8] |= 1 << (7 - uint(i%8))
		}
	}
	return out
}

// SenderFlagsFromBitmap unpacks a sender-flag bitmap back into a
// per-sender bool slice of length n.
func SenderFlagsFromBitmap(bitmap []byte, n int) []bool {
	out := make([]bool, n)
	for i := range out {
		byteIdx := i / 8
		if byteIdx >= len(bitmap) {
			continue
		}
		out[i] = bitmap[byteIdx]&(1<<(7-uint(i%8))) != 0
	}
	return out
}
