// Package admission caps how many requests one client may have waiting in
// or running through the turn queue at the same time.
package admission

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "claude-proxy:pending:"

// Decision is the outcome of an Acquire call.
type Decision struct {
	Admitted bool
	// Pending is the client's outstanding request count after the call,
	// including the new request when it was admitted.
	Pending int64
}

// Counter hands out per-client slots. Every admitted Acquire must be
// paired with one Release once the request has left the queue.
type Counter interface {
	Acquire(ctx context.Context, client string, limit int64) (Decision, error)
	Release(ctx context.Context, client string) error
}

// Slots counts outstanding requests per client. With a Redis client the
// counters are shared by every proxy instance pointed at the same Redis and
// carry a lease so a crashed instance cannot pin a client's count forever.
// Without one the counters live in process memory.
type Slots struct {
	rdb   *redis.Client
	lease time.Duration

	mu    sync.Mutex
	local map[string]int64
}

// NewSlots creates a Counter. rdb may be nil.
func NewSlots(rdb *redis.Client, lease time.Duration) *Slots {
	if lease <= 0 {
		lease = 30 * time.Minute
	}
	return &Slots{rdb: rdb, lease: lease, local: make(map[string]int64)}
}

// acquireScript takes a slot when one is free and refreshes the lease.
// KEYS[1] = counter key
// ARGV[1] = limit
// ARGV[2] = lease in milliseconds
// Returns: [pending, 1=admitted/0=rejected]
var acquireScript = redis.NewScript(`
local pending = redis.call('INCR', KEYS[1])
if pending > tonumber(ARGV[1]) then
    pending = redis.call('DECR', KEYS[1])
    redis.call('PEXPIRE', KEYS[1], ARGV[2])
    return {pending, 0}
end
redis.call('PEXPIRE', KEYS[1], ARGV[2])
return {pending, 1}
`)

// releaseScript gives a slot back and drops the key once it reaches zero.
// A counter that already expired stays at zero.
var releaseScript = redis.NewScript(`
local pending = redis.call('DECR', KEYS[1])
if pending <= 0 then
    redis.call('DEL', KEYS[1])
    return 0
end
return pending
`)

func (s *Slots) Acquire(ctx context.Context, client string, limit int64) (Decision, error) {
	if s.rdb == nil {
		return s.acquireLocal(client, limit), nil
	}

	reply, err := acquireScript.Run(ctx, s.rdb, []string{keyPrefix + client}, limit, s.lease.Milliseconds()).Int64Slice()
	if err != nil {
		// The queue must stay reachable while Redis is down.
		slog.Warn("admission counter unavailable, admitting request", "client", client, "error", err)
		return Decision{Admitted: true}, nil
	}
	if len(reply) != 2 {
		return Decision{Admitted: true}, fmt.Errorf("unexpected admission script reply: %v", reply)
	}
	return Decision{Admitted: reply[1] == 1, Pending: reply[0]}, nil
}

func (s *Slots) Release(ctx context.Context, client string) error {
	if s.rdb == nil {
		s.releaseLocal(client)
		return nil
	}
	if err := releaseScript.Run(ctx, s.rdb, []string{keyPrefix + client}).Err(); err != nil {
		return fmt.Errorf("release admission slot for %s: %w", client, err)
	}
	return nil
}

func (s *Slots) acquireLocal(client string, limit int64) Decision {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.local[client]
	if n >= limit {
		return Decision{Pending: n}
	}
	s.local[client] = n + 1
	return Decision{Admitted: true, Pending: n + 1}
}

func (s *Slots) releaseLocal(client string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n := s.local[client]; n > 1 {
		s.local[client] = n - 1
		return
	}
	delete(s.local, client)
}

// Pending reports the in-process count for client. It is always zero when
// the counters live in Redis.
func (s *Slots) Pending(client string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.local[client]
}
