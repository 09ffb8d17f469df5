package webhook

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v7"
	"github.com/google/uuid"
	extErrors "github.com/pkg/errors"
)

// Locker rejects a second delivery of an event while the first one is still being processed
type Locker interface {
	// Acquire returns ok=false when the key is already held. release must be called once ok is true.
	Acquire(ctx context.Context, key string) (release func(), ok bool, err error)
}

const defaultLockTTL = time.Minute

// only delete the key if it still holds our token
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

type RedisLockerOptions struct {
	Redis  redis.UniversalClient
	Prefix string
	TTL    time.Duration
}

// RedisLocker holds per-event locks in redis with SETNX
type RedisLocker struct {
	RedisLockerOptions
}

func NewRedisLocker(option RedisLockerOptions) (*RedisLocker, error) {
	if option.Redis == nil {
		return nil, fmt.Errorf("nil Redis is invalid")
	}
	if option.TTL <= 0 {
		option.TTL = defaultLockTTL
	}
	if len(option.Prefix) == 0 {
		option.Prefix = "billing:webhook:"
	}
	return &RedisLocker{
		RedisLockerOptions: option,
	}, nil
}

func (l *RedisLocker) Acquire(ctx context.Context, key string) (func(), bool, error) {
	k := l.Prefix + key
	token := uuid.New().String()
	ok, err := l.Redis.SetNX(k, token, l.TTL).Result()
	if err != nil {
		return nil, false, extErrors.Wrap(err, "Cannot acquire event lock")
	}
	if !ok {
		return nil, false, nil
	}
	release := func() {
		releaseScript.Run(l.Redis, []string{k}, token)
	}
	return release, true, nil
}
