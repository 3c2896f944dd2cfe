// Copyright 2025 Certen Protocol
//
// Redis lease-based leader election. A single logical block builder
// (or validity prover) can run several replicas for availability; only
// the replica holding the lease is allowed to drive ticks, drain
// queues, or post blocks. The lease is a plain SET NX EX key renewed
// on a fixed cadence, released with a compare-and-delete Lua script so
// a replica never releases a lease it no longer holds.

package leader

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end
`)

// Lease is a held or contended leadership lease over a single Redis key.
type Lease struct {
	client   *redis.Client
	key      string
	token    string
	ttl      time.Duration
}

// NewLease creates a lease handle for key. Each process gets its own
// random token so Release can never clobber another holder's lease.
func NewLease(client *redis.Client, key string, ttl time.Duration) *Lease {
	return &Lease{client: client, key: key, token: uuid.NewString(), ttl: ttl}
}

// TryAcquire attempts a single non-blocking acquisition, returning
// true if this process now holds the lease.
func (l *Lease) TryAcquire(ctx context.Context) (bool, error) {
	ok, err := l.client.SetNX(ctx, l.key, l.token, l.ttl).Result()
	if err != nil {
		return false, err
	}
	return ok, nil
}

// Renew extends the lease's TTL if this process still holds it.
func (l *Lease) Renew(ctx context.Context) (bool, error) {
	current, err := l.client.Get(ctx, l.key).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if current != l.token {
		return false, nil
	}
	if err := l.client.Expire(ctx, l.key, l.ttl).Err(); err != nil {
		return false, err
	}
	return true, nil
}

// Release gives up the lease if this process still holds it.
func (l *Lease) Release(ctx context.Context) error {
	return releaseScript.Run(ctx, l.client, []string{l.key}, l.token).Err()
}

// WaitForLeadership blocks, retrying acquisition every retryInterval,
// until this process becomes leader or ctx is cancelled. Once leader,
// it spawns a renewal goroutine that exits (and is expected to cause
// the caller to re-enter WaitForLeadership) if the lease is ever lost.
func (l *Lease) WaitForLeadership(ctx context.Context, retryInterval time.Duration) (<-chan struct{}, error) {
	ticker := time.NewTicker(retryInterval)
	defer ticker.Stop()

	for {
		ok, err := l.TryAcquire(ctx)
		if err != nil {
			return nil, err
		}
		if ok {
			break
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}

	lost := make(chan struct{})
	go l.renewLoop(ctx, retryInterval, lost)
	return lost, nil
}

// renewLoop renews the lease on every tick until the lease is lost or
// ctx is cancelled, then closes lost exactly once.
func (l *Lease) renewLoop(ctx context.Context, interval time.Duration, lost chan<- struct{}) {
	ticker := time.NewTicker(interval / 2)
	defer ticker.Stop()
	defer close(lost)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ok, err := l.Renew(ctx)
			if err != nil || !ok {
				return
			}
		}
	}
}
