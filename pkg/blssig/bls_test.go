// Copyright 2025 Certen Protocol

package blssig

import (
	"bytes"
	"testing"
)

func TestGenerateKeyPair(t *testing.T) {
	sk, pk, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("failed to generate key pair: %v", err)
	}
	if !IsValidPrivateKeySize(sk.Bytes()) {
		t.Errorf("invalid private key size: got %d", len(sk.Bytes()))
	}
	if !IsValidPublicKeySize(pk.Bytes()) {
		t.Errorf("invalid public key size: got %d", len(pk.Bytes()))
	}
}

func TestGenerateKeyPairFromSeedDeterministic(t *testing.T) {
	seed := []byte("this is a test seed for BLS key generation - 32+ bytes required")

	sk1, pk1, err := GenerateKeyPairFromSeed(seed)
	if err != nil {
		t.Fatalf("generate from seed: %v", err)
	}
	sk2, pk2, err := GenerateKeyPairFromSeed(seed)
	if err != nil {
		t.Fatalf("generate from seed again: %v", err)
	}

	if !bytes.Equal(sk1.Bytes(), sk2.Bytes()) {
		t.Error("same seed produced different private keys")
	}
	if !bytes.Equal(pk1.Bytes(), pk2.Bytes()) {
		t.Error("same seed produced different public keys")
	}
}

func TestSignAndVerify(t *testing.T) {
	sk, pk, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate key pair: %v", err)
	}

	message := []byte("tx request payload")
	sig := sk.Sign(message)

	if !IsValidSignatureSize(sig.Bytes()) {
		t.Errorf("invalid signature size: got %d", len(sig.Bytes()))
	}
	if !pk.Verify(sig, message) {
		t.Error("valid signature failed to verify")
	}
	if pk.Verify(sig, []byte("wrong message")) {
		t.Error("verification succeeded with wrong message")
	}
}

func TestSerializationRoundtrip(t *testing.T) {
	sk1, _, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate key pair: %v", err)
	}

	sk2, err := PrivateKeyFromBytes(sk1.Bytes())
	if err != nil {
		t.Fatalf("deserialize private key: %v", err)
	}
	if !bytes.Equal(sk1.Bytes(), sk2.Bytes()) {
		t.Error("private key roundtrip mismatch")
	}

	pk1 := sk1.PublicKey()
	pk2, err := PublicKeyFromBytes(pk1.Bytes())
	if err != nil {
		t.Fatalf("deserialize public key: %v", err)
	}
	if !pk1.Equal(pk2) {
		t.Error("public key roundtrip mismatch")
	}

	message := []byte("roundtrip message")
	sig1 := sk1.Sign(message)
	sig2, err := SignatureFromBytes(sig1.Bytes())
	if err != nil {
		t.Fatalf("deserialize signature: %v", err)
	}
	if !pk1.Verify(sig2, message) {
		t.Error("deserialized signature failed to verify")
	}
}

func TestAggregateSignatures(t *testing.T) {
	const numSigners = 5
	privateKeys := make([]*PrivateKey, numSigners)
	publicKeys := make([]*PublicKey, numSigners)

	for i := range privateKeys {
		sk, pk, err := GenerateKeyPair()
		if err != nil {
			t.Fatalf("generate key pair %d: %v", i, err)
		}
		privateKeys[i] = sk
		publicKeys[i] = pk
	}

	message := []byte("block proposal message")
	signatures := make([]*Signature, numSigners)
	for i, sk := range privateKeys {
		signatures[i] = sk.Sign(message)
	}

	aggSig, err := AggregateSignatures(signatures)
	if err != nil {
		t.Fatalf("aggregate signatures: %v", err)
	}
	if !VerifyAggregateSignature(aggSig, publicKeys, message) {
		t.Error("aggregate signature verification failed")
	}
	if VerifyAggregateSignature(aggSig, publicKeys, []byte("wrong message")) {
		t.Error("aggregate verification succeeded with wrong message")
	}
}

func TestEmptyAggregation(t *testing.T) {
	if _, err := AggregateSignatures([]*Signature{}); err == nil {
		t.Error("expected error for empty signatures")
	}
	if _, err := AggregatePublicKeys([]*PublicKey{}); err == nil {
		t.Error("expected error for empty public keys")
	}
}

func TestValidatePublicKeySubgroupRejectsBadSize(t *testing.T) {
	if err := ValidatePublicKeySubgroup([]byte{1, 2, 3}); err == nil {
		t.Error("expected error for undersized public key")
	}
}
