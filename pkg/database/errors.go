// Copyright 2025 Certen Protocol
//
// Package database provides sentinel errors for repository operations.
// Explicit errors instead of nil, nil returns.

package database

import "errors"

// Sentinel errors for database operations
var (
	// ErrNotFound is returned when a requested entity is not found in the database
	ErrNotFound = errors.New("entity not found")

	// ErrEventNotFound is returned when a chain event record is not found
	ErrEventNotFound = errors.New("event not found")

	// ErrCheckpointNotFound is returned when no ingestion checkpoint exists yet
	ErrCheckpointNotFound = errors.New("checkpoint not found")

	// ErrLeafNotFound is returned when a tree leaf record is not found
	ErrLeafNotFound = errors.New("leaf not found")

	// ErrNodeNotFound is returned when a tree node hash record is not found
	ErrNodeNotFound = errors.New("node not found")

	// ErrValidityStateNotFound is returned when no validity-prover state row exists
	ErrValidityStateNotFound = errors.New("validity state not found")

	// ErrValidityProofNotFound is returned when a chained validity proof is not found
	ErrValidityProofNotFound = errors.New("validity proof not found")

	// ErrWithdrawalNotFound is returned when a withdrawal/claim request is not found
	ErrWithdrawalNotFound = errors.New("withdrawal request not found")

	// ErrNullifierAlreadyUsed is returned on a duplicate nullifier insert
	ErrNullifierAlreadyUsed = errors.New("nullifier already used")
)
