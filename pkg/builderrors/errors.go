// Copyright 2025 Certen Protocol
//
// Package builderrors defines the closed set of sentinel errors used
// across the block-builder and validity-prover services.

package builderrors

import "errors"

var (
	// Builder state machine
	ErrNotAcceptingTx       = errors.New("block builder is not accepting tx requests")
	ErrBlockIsFull          = errors.New("block is full")
	ErrOnlyOneSenderAllowed = errors.New("sender already has a pending request in this batch")
	ErrTxRequestNotFound    = errors.New("tx request not found in proposing memo")
	ErrShouldBePausing      = errors.New("block builder should be pausing")
	ErrNotProposing         = errors.New("block builder is not proposing")
	ErrBuilderIsPausing     = errors.New("block builder is pausing")

	// Account / registration
	ErrAccountAlreadyRegistered = errors.New("account already registered")
	ErrAccountNotFound          = errors.New("account not found")
	ErrValidityProverNotSynced  = errors.New("validity prover is not synced")

	// Signature / fee verification
	ErrInvalidSignature          = errors.New("invalid signature")
	ErrInvalidFee                = errors.New("invalid fee")
	ErrFeeVerification           = errors.New("fee verification failed")
	ErrSignatureVerification     = errors.New("signature verification failed")

	// Observer / chain
	ErrEventGapDetected         = errors.New("event gap detected")
	ErrDepositTreeRootMismatch  = errors.New("deposit tree root mismatch")

	// Witness generation / tree transitions
	ErrBlockWitnessGeneration = errors.New("block witness generation failed")
	ErrFailedToUpdateTrees    = errors.New("failed to update trees")

	// Task / queue
	ErrTask  = errors.New("task execution error")
	ErrQueue = errors.New("queue error")

	// Nullifiers
	ErrDuplicateNullifier = errors.New("duplicate nullifier")
)
