// Copyright 2025 Certen Protocol

package blssig

import "testing"

func TestAggregateWeightedRoundtrip(t *testing.T) {
	const n = 4
	message := []byte("block tx tree root")
	var pubkeyHash [32]byte
	copy(pubkeyHash[:], []byte("deterministic-pubkey-hash-bytes!"))

	signers := make([]WeightedSigner, n)
	for i := 0; i < n; i++ {
		sk, pk, err := GenerateKeyPair()
		if err != nil {
			t.Fatalf("generate key pair %d: %v", i, err)
		}
		signers[i] = WeightedSigner{PublicKey: pk, Signature: sk.Sign(message)}
	}

	aggSig, _, err := AggregateWeighted(signers, pubkeyHash)
	if err != nil {
		t.Fatalf("aggregate weighted: %v", err)
	}

	if !VerifyWeightedAggregate(aggSig, signers, pubkeyHash, message) {
		t.Error("weighted aggregate failed to verify against its own signers")
	}
	if VerifyWeightedAggregate(aggSig, signers, pubkeyHash, []byte("wrong message")) {
		t.Error("weighted aggregate verified against wrong message")
	}
}

func TestAggregateWeightedPartialSigners(t *testing.T) {
	message := []byte("block tx tree root")
	var pubkeyHash [32]byte
	copy(pubkeyHash[:], []byte("another-deterministic-hash-here"))

	sk1, pk1, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate key pair: %v", err)
	}
	_, pk2, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate key pair: %v", err)
	}

	// pk2 is in the sender set but did not sign.
	allSigners := []WeightedSigner{
		{PublicKey: pk1, Signature: sk1.Sign(message)},
		{PublicKey: pk2, Signature: nil},
	}

	aggSig, _, err := AggregateWeighted(allSigners, pubkeyHash)
	if err != nil {
		t.Fatalf("aggregate weighted: %v", err)
	}

	signedOnly := []WeightedSigner{allSigners[0]}
	if !VerifyWeightedAggregate(aggSig, signedOnly, pubkeyHash, message) {
		t.Error("weighted aggregate over signed-only set failed to verify")
	}
}

func TestSenderFlagBitmapRoundtrip(t *testing.T) {
	flags := []bool{true, false, true, true, false, false, false, true, true}
	bitmap := SenderFlagBitmap(flags)
	got := SenderFlagsFromBitmap(bitmap, len(flags))

	for i := range flags {
		if got[i] != flags[i] {
			t.Errorf("flag %d: got %v, want %v", i, got[i], flags[i])
		}
	}
}
