// Copyright 2025 Certen Protocol

package noncestore

import (
	"context"
	"os"
	"testing"

	"github.com/redis/go-redis/v9"
)

func openTestClient(t *testing.T) *redis.Client {
	t.Helper()
	url := os.Getenv("TEST_REDIS_URL")
	if url == "" {
		t.Skip("TEST_REDIS_URL not set, skipping noncestore integration test")
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		t.Fatalf("parse redis url: %v", err)
	}
	client := redis.NewClient(opts)
	t.Cleanup(func() { client.Close() })
	return client
}

func TestReserveIncrements(t *testing.T) {
	client := openTestClient(t)
	ctx := context.Background()
	m := NewManager(client, "test:noncestore:reserve:")

	first, err := m.Reserve(ctx, KindNonRegistration)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	second, err := m.Reserve(ctx, KindNonRegistration)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if second != first+1 {
		t.Errorf("expected sequential nonces, got %d then %d", first, second)
	}
}

func TestSweepRemovesConfirmed(t *testing.T) {
	client := openTestClient(t)
	ctx := context.Background()
	m := NewManager(client, "test:noncestore:sweep:")

	n0, _ := m.Reserve(ctx, KindRegistration)
	n1, _ := m.Reserve(ctx, KindRegistration)

	removed, err := m.Sweep(ctx, KindRegistration, n1)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if removed != 1 {
		t.Errorf("expected to sweep nonce %d, removed=%d", n0, removed)
	}

	inFlight, err := m.InFlight(ctx, KindRegistration)
	if err != nil {
		t.Fatalf("in flight: %v", err)
	}
	if len(inFlight) != 1 || inFlight[0] != n1 {
		t.Errorf("expected only nonce %d in flight, got %v", n1, inFlight)
	}
}
