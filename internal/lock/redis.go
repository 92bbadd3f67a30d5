// Package lock keeps a scheduled job to one execution per tick across
// service instances.
package lock

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

const keyPrefix = "payment-sync:lock:"

// releaseScript deletes the key only while it still holds our token, so a
// lock that expired and was taken by another instance is left alone.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

type RedisLock struct {
	client redis.UniversalClient
}

func NewRedisLock(client redis.UniversalClient) *RedisLock {
	return &RedisLock{client: client}
}

// Lease is a held lock. Release it once the job finished; the TTL frees it
// if the holder dies.
type Lease interface {
	// Release reports false when the lease had already expired.
	Release(ctx context.Context) (bool, error)
}

type redisLease struct {
	key    string
	token  string
	client redis.UniversalClient
}

// Acquire tries once to take the lock for name. ok is false when another
// holder has it.
func (l *RedisLock) Acquire(ctx context.Context, name string, ttl time.Duration) (Lease, bool, error) {
	key := keyPrefix + name
	token := uuid.NewString()

	ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, false, errors.Wrapf(err, "acquiring lock %s", name)
	}
	if !ok {
		return nil, false, nil
	}
	return &redisLease{key: key, token: token, client: l.client}, true, nil
}

func (r *redisLease) Release(ctx context.Context) (bool, error) {
	n, err := releaseScript.Run(ctx, r.client, []string{r.key}, r.token).Int()
	if err != nil {
		return false, errors.Wrapf(err, "releasing lock %s", r.key)
	}
	return n == 1, nil
}
