package redis

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the lock only while it is still held by the caller.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// extendScript pushes the expiry out only while the lock is still held by the caller.
var extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// LeaderLock is a single-holder lease on a Redis key. Scheduled jobs run only on the
// replica holding it, so several instances can share one key-pool database.
type LeaderLock struct {
	client redis.UniversalClient
	key    string
	owner  string
	ttl    time.Duration
}

// NewLeaderLock creates a lock on key with the given lease time.
func NewLeaderLock(client redis.UniversalClient, key string, ttl time.Duration) *LeaderLock {
	return &LeaderLock{client: client, key: key, owner: uuid.NewString(), ttl: ttl}
}

// TryAcquire takes the lease or renews it when already held. It reports whether this
// instance is the holder afterwards.
func (l *LeaderLock) TryAcquire(ctx context.Context) (bool, error) {
	ok, err := l.client.SetNX(ctx, l.key, l.owner, l.ttl).Result()
	if err != nil {
		return false, err
	}
	if ok {
		return true, nil
	}
	n, err := extendScript.Run(ctx, l.client, []string{l.key}, l.owner, l.ttl.Milliseconds()).Int64()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Release gives up the lease if this instance holds it.
func (l *LeaderLock) Release(ctx context.Context) error {
	return releaseScript.Run(ctx, l.client, []string{l.key}, l.owner).Err()
}
