package lock

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var ErrLockHeld = errors.New("lock is held by another owner")

// releaseScript deletes the key only while it still carries our token, so an
// expired lease can never release a lock someone else acquired since.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

var extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// Client is the part of a redis client the lock needs.
type Client interface {
	redis.Scripter
	SetNX(ctx context.Context, key string, value any, expiration time.Duration) *redis.BoolCmd
}

type RedisLock struct {
	client    Client
	ttl       time.Duration
	keyPrefix string
	newToken  func() string
}

func NewRedisLock(client Client, ttl time.Duration, keyPrefix string) (*RedisLock, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if ttl <= 0 {
		return nil, fmt.Errorf("ttl must be positive")
	}
	if strings.TrimSpace(keyPrefix) == "" {
		keyPrefix = "photobatch:lock:"
	}

	return &RedisLock{
		client:    client,
		ttl:       ttl,
		keyPrefix: keyPrefix,
		newToken:  uuid.NewString,
	}, nil
}

func (l *RedisLock) TTL() time.Duration {
	return l.ttl
}

func (l *RedisLock) key(subject string) string {
	return l.keyPrefix + strings.TrimSpace(subject)
}

// Acquire takes the lock for subject or fails with ErrLockHeld.
func (l *RedisLock) Acquire(ctx context.Context, subject string) (*Lease, error) {
	key := l.key(subject)
	token := l.newToken()

	ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire lock %s: %w", key, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrLockHeld, key)
	}
	return &Lease{lock: l, key: key, token: token}, nil
}

type Lease struct {
	lock  *RedisLock
	key   string
	token string
}

func (l *Lease) Key() string {
	return l.key
}

// Extend pushes the expiry out by the lock TTL while the lease is still ours.
func (l *Lease) Extend(ctx context.Context) error {
	n, err := extendScript.Run(ctx, l.lock.client, []string{l.key}, l.token, l.lock.ttl.Milliseconds()).Int64()
	if err != nil {
		return fmt.Errorf("extend lock %s: %w", l.key, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrLockHeld, l.key)
	}
	return nil
}

func (l *Lease) Release(ctx context.Context) error {
	n, err := releaseScript.Run(ctx, l.lock.client, []string{l.key}, l.token).Int64()
	if err != nil {
		return fmt.Errorf("release lock %s: %w", l.key, err)
	}
	if n == 0 {
		return fmt.Errorf("lock %s expired before release", l.key)
	}
	return nil
}
