// Copyright 2025 Certen Protocol
//
// Withdrawal and mining-claim relay tracking. A withdrawal/claim
// request moves Requested -> Relayed -> Success, or to Failed /
// NeedsReview if the relay transaction reverts or cannot be classified
// automatically. The nullifier uniqueness constraint on the backing
// table is the actual double-spend guard; this package is the status
// machine layered on top of it.

package withdrawal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/certen/rollup-validator/pkg/database"
	"github.com/certen/rollup-validator/pkg/types"
)

// Store persists withdrawal/claim requests and their status transitions.
type Store struct {
	db *sql.DB
}

// NewStore creates a Store backed by db.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Submit records a new withdrawal or claim request in the Requested
// state, rejecting a reused nullifier.
func (s *Store) Submit(ctx context.Context, req types.WithdrawalRequest) error {
	req.Status = types.WithdrawalRequested
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO withdrawal_requests (id, nullifier, recipient, token_index, amount, is_claim, status, requested_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)`,
		req.ID, req.Nullifier[:], req.Recipient[:], req.TokenIndex, req.Amount, req.IsClaim, req.Status.String(), req.RequestedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %x", database.ErrNullifierAlreadyUsed, req.Nullifier)
		}
		return fmt.Errorf("submit withdrawal request: %w", err)
	}
	return nil
}

// MarkRelayed transitions a request to Relayed once its relay
// transaction has been submitted to L1, recording its tx hash.
func (s *Store) MarkRelayed(ctx context.Context, id uuid.UUID, txHash [32]byte) error {
	return s.setStatus(ctx, id, types.WithdrawalRelayed, &txHash)
}

// MarkSuccess transitions a request to Success once its relay
// transaction has confirmed.
func (s *Store) MarkSuccess(ctx context.Context, id uuid.UUID) error {
	return s.setStatus(ctx, id, types.WithdrawalSuccess, nil)
}

// MarkFailed transitions a request to Failed, e.g. after a reverted
// relay transaction.
func (s *Store) MarkFailed(ctx context.Context, id uuid.UUID) error {
	return s.setStatus(ctx, id, types.WithdrawalFailed, nil)
}

// MarkNeedsReview flags a request for manual operator attention, used
// when the automated relay flow cannot classify the outcome (e.g. the
// relay transaction's receipt is ambiguous).
func (s *Store) MarkNeedsReview(ctx context.Context, id uuid.UUID) error {
	return s.setStatus(ctx, id, types.WithdrawalNeedsReview, nil)
}

func (s *Store) setStatus(ctx context.Context, id uuid.UUID, status types.WithdrawalStatus, txHash *[32]byte) error {
	var txHashBytes interface{}
	if txHash != nil {
		txHashBytes = txHash[:]
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE withdrawal_requests
		SET status = $1, tx_hash = COALESCE($2, tx_hash), updated_at = now()
		WHERE id = $3`,
		status.String(), txHashBytes, id,
	)
	if err != nil {
		return fmt.Errorf("update withdrawal status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if n == 0 {
		return database.ErrWithdrawalNotFound
	}
	return nil
}

// Get loads a withdrawal request by id.
func (s *Store) Get(ctx context.Context, id uuid.UUID) (types.WithdrawalRequest, error) {
	var req types.WithdrawalRequest
	var nullifier, recipient []byte
	var txHash []byte
	var status string
	var amount string

	row := s.db.QueryRowContext(ctx, `
		SELECT id, nullifier, recipient, token_index, amount, is_claim, status, tx_hash, requested_at, updated_at
		FROM withdrawal_requests WHERE id = $1`, id)
	err := row.Scan(&req.ID, &nullifier, &recipient, &req.TokenIndex, &amount, &req.IsClaim, &status, &txHash, &req.RequestedAt, &req.UpdatedAt)
	if err == sql.ErrNoRows {
		return types.WithdrawalRequest{}, database.ErrWithdrawalNotFound
	}
	if err != nil {
		return types.WithdrawalRequest{}, fmt.Errorf("load withdrawal request: %w", err)
	}

	copy(req.Nullifier[:], nullifier)
	copy(req.Recipient[:], recipient)
	req.Amount = amount
	req.Status = parseStatus(status)
	if txHash != nil {
		var h [32]byte
		copy(h[:], txHash)
		req.TxHash = &h
	}
	return req, nil
}

// Pending loads requests still awaiting relay (Requested state),
// ordered oldest first, for the relay worker to drain.
func (s *Store) Pending(ctx context.Context, limit int) ([]types.WithdrawalRequest, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, nullifier, recipient, token_index, amount, is_claim, status, tx_hash, requested_at, updated_at
		FROM withdrawal_requests
		WHERE status = $1
		ORDER BY requested_at ASC
		LIMIT $2`, types.WithdrawalRequested.String(), limit)
	if err != nil {
		return nil, fmt.Errorf("query pending withdrawals: %w", err)
	}
	defer rows.Close()

	var out []types.WithdrawalRequest
	for rows.Next() {
		var req types.WithdrawalRequest
		var nullifier, recipient, txHash []byte
		var status, amount string
		if err := rows.Scan(&req.ID, &nullifier, &recipient, &req.TokenIndex, &amount, &req.IsClaim, &status, &txHash, &req.RequestedAt, &req.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan pending withdrawal: %w", err)
		}
		copy(req.Nullifier[:], nullifier)
		copy(req.Recipient[:], recipient)
		req.Amount = amount
		req.Status = parseStatus(status)
		out = append(out, req)
	}
	return out, rows.Err()
}

func parseStatus(s string) types.WithdrawalStatus {
	switch s {
	case "requested":
		return types.WithdrawalRequested
	case "relayed":
		return types.WithdrawalRelayed
	case "success":
		return types.WithdrawalSuccess
	case "failed":
		return types.WithdrawalFailed
	case "needs_review":
		return types.WithdrawalNeedsReview
	default:
		return types.WithdrawalNeedsReview
	}
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code.Name() == "unique_violation"
	}
	return false
}
