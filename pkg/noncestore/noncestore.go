// Copyright 2025 Certen Protocol
//
// Redis-backed nonce manager for the on-chain poster. Reserves
// monotonically increasing nonces for registration and
// non-registration block transactions so concurrent builder replicas
// never submit with a colliding nonce, and reconciles against the
// chain's actual nonce when a transaction is dropped or replaced.

package noncestore

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Kind distinguishes the two transaction lanes the poster maintains
// independent nonce sequences for.
type Kind string

const (
	KindRegistration    Kind = "registration"
	KindNonRegistration Kind = "non_registration"
)

// Manager reserves and reconciles nonces in Redis.
type Manager struct {
	client    *redis.Client
	keyPrefix string
}

// NewManager creates a nonce manager scoped under keyPrefix.
func NewManager(client *redis.Client, keyPrefix string) *Manager {
	return &Manager{client: client, keyPrefix: keyPrefix}
}

func (m *Manager) counterKey(kind Kind) string {
	return fmt.Sprintf("%snonce:%s:counter", m.keyPrefix, kind)
}

func (m *Manager) reservedKey(kind Kind) string {
	return fmt.Sprintf("%snonce:%s:reserved", m.keyPrefix, kind)
}

// Reserve atomically increments and returns the next nonce for kind,
// recording it in a sorted set of in-flight nonces so Sweep can later
// tell which ones never confirmed.
func (m *Manager) Reserve(ctx context.Context, kind Kind) (uint64, error) {
	n, err := m.client.Incr(ctx, m.counterKey(kind)).Result()
	if err != nil {
		return 0, fmt.Errorf("incr nonce counter: %w", err)
	}
	nonce := uint64(n) - 1

	if err := m.client.ZAdd(ctx, m.reservedKey(kind), redis.Z{Score: float64(nonce), Member: nonce}).Err(); err != nil {
		return 0, fmt.Errorf("record reserved nonce: %w", err)
	}
	return nonce, nil
}

// Release removes a nonce from the in-flight set once its transaction
// has confirmed (or been abandoned after exhausting gas-bump retries).
func (m *Manager) Release(ctx context.Context, kind Kind, nonce uint64) error {
	if err := m.client.ZRem(ctx, m.reservedKey(kind), nonce).Err(); err != nil {
		return fmt.Errorf("release nonce: %w", err)
	}
	return nil
}

// SyncOnchain reconciles the counter against the chain's actual
// account nonce: if the chain is ahead (a prior process crashed after
// submitting but before recording release), the counter is fast
// forwarded so Reserve never hands out an already-used nonce.
func (m *Manager) SyncOnchain(ctx context.Context, kind Kind, onchainNonce uint64) error {
	current, err := m.client.Get(ctx, m.counterKey(kind)).Uint64()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("read nonce counter: %w", err)
	}
	if onchainNonce > current {
		if err := m.client.Set(ctx, m.counterKey(kind), onchainNonce, 0).Err(); err != nil {
			return fmt.Errorf("fast forward nonce counter: %w", err)
		}
	}
	return nil
}

// Sweep drops any reserved nonce strictly below the chain's current
// nonce from the in-flight set - those transactions are confirmed (or
// were replaced by one that is) and no longer need tracking.
func (m *Manager) Sweep(ctx context.Context, kind Kind, onchainNonce uint64) (int64, error) {
	removed, err := m.client.ZRemRangeByScore(ctx, m.reservedKey(kind), "-inf", fmt.Sprintf("(%d", onchainNonce)).Result()
	if err != nil {
		return 0, fmt.Errorf("sweep reserved nonces: %w", err)
	}
	return removed, nil
}

// InFlight returns the set of nonces currently reserved but not yet
// released, for diagnostics and stuck-transaction detection.
func (m *Manager) InFlight(ctx context.Context, kind Kind) ([]uint64, error) {
	vals, err := m.client.ZRange(ctx, m.reservedKey(kind), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list in-flight nonces: %w", err)
	}
	out := make([]uint64, 0, len(vals))
	for _, v := range vals {
		var n uint64
		if _, err := fmt.Sscanf(v, "%d", &n); err != nil {
			continue
		}
		out = append(out, n)
	}
	return out, nil
}
