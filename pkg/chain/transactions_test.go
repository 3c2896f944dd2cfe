// Copyright 2025 Certen Protocol

package chain

import (
	"bytes"
	"testing"
)

func sampleCall() PostBlockCall {
	call := PostBlockCall{
		SenderFlags: make([]byte, senderFlagsLen),
	}
	call.TxTreeRoot[0] = 0xAA
	call.AggregatedPublicKey[0] = 0xBB
	call.AggregatedSignature[0] = 0xCC
	call.MessagePoint[0] = 0xDD
	call.SenderFlags[0] = 0x80
	call.PublicKeys = [][96]byte{{1, 2, 3}, {4, 5, 6}}
	return call
}

func TestEncodeDecodeCallRegistrationRoundTrip(t *testing.T) {
	call := sampleCall()
	data, err := encodePostRegistrationBlock(call)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	decoded, isRegistration, err := decodeCall(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !isRegistration {
		t.Fatalf("expected isRegistration true for postRegistrationBlock")
	}
	if decoded.TxTreeRoot != call.TxTreeRoot {
		t.Fatalf("tx tree root mismatch: got %x want %x", decoded.TxTreeRoot, call.TxTreeRoot)
	}
	if decoded.AggregatedPublicKey != call.AggregatedPublicKey {
		t.Fatalf("aggregated public key mismatch")
	}
	if decoded.AggregatedSignature != call.AggregatedSignature {
		t.Fatalf("aggregated signature mismatch")
	}
	if decoded.MessagePoint != call.MessagePoint {
		t.Fatalf("message point mismatch")
	}
	if !bytes.Equal(decoded.SenderFlags, call.SenderFlags) {
		t.Fatalf("sender flags mismatch: got %x want %x", decoded.SenderFlags, call.SenderFlags)
	}
	if len(decoded.PublicKeys) != len(call.PublicKeys) {
		t.Fatalf("public key count mismatch: got %d want %d", len(decoded.PublicKeys), len(call.PublicKeys))
	}
	for i := range call.PublicKeys {
		if decoded.PublicKeys[i] != call.PublicKeys[i] {
			t.Fatalf("public key %d mismatch", i)
		}
	}
}

func TestEncodeDecodeCallNonRegistrationSelector(t *testing.T) {
	call := sampleCall()
	data, err := encodePostNonRegistrationBlock(call)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	_, isRegistration, err := decodeCall(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if isRegistration {
		t.Fatalf("expected isRegistration false for postNonRegistrationBlock")
	}
}

func TestDecodeCallTooShort(t *testing.T) {
	if _, _, err := decodeCall([]byte{1, 2, 3}); err == nil {
		t.Fatalf("expected error decoding truncated calldata")
	}
}
