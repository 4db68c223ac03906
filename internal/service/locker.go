package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrLockTimeout means another request held the key for longer than the
// configured wait.
var ErrLockTimeout = errors.New("timed out waiting for lock")

// Locker serializes work on a key across request handlers.
type Locker interface {
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

// RedisLocker is a SET NX lock with a token so only the holder releases it.
// The TTL bounds how long a crashed holder can block others.
type RedisLocker struct {
	redis *redis.Client
	ttl   time.Duration
	wait  time.Duration
	retry time.Duration
}

func NewRedisLocker(redisClient *redis.Client, ttl, wait time.Duration) *RedisLocker {
	return &RedisLocker{redis: redisClient, ttl: ttl, wait: wait, retry: 50 * time.Millisecond}
}

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

func (l *RedisLocker) Lock(ctx context.Context, key string) (func(), error) {
	redisKey := "lock:" + key
	token := uuid.New().String()
	deadline := time.Now().Add(l.wait)

	for {
		ok, err := l.redis.SetNX(ctx, redisKey, token, l.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to acquire lock: %w", err)
		}
		if ok {
			return func() {
				releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
				defer cancel()
				_ = releaseScript.Run(releaseCtx, l.redis, []string{redisKey}, token).Err()
			}, nil
		}
		if time.Now().After(deadline) {
			return nil, ErrLockTimeout
		}

		timer := time.NewTimer(l.retry)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

// LocalLocker is an in-process keyed mutex for single-instance runs and tests.
type LocalLocker struct {
	mu    sync.Mutex
	locks map[string]*localLock
}

type localLock struct {
	ch   chan struct{}
	refs int
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{locks: make(map[string]*localLock)}
}

func (l *LocalLocker) Lock(ctx context.Context, key string) (func(), error) {
	l.mu.Lock()
	e, ok := l.locks[key]
	if !ok {
		e = &localLock{ch: make(chan struct{}, 1)}
		l.locks[key] = e
	}
	e.refs++
	l.mu.Unlock()

	select {
	case e.ch <- struct{}{}:
		var once sync.Once
		return func() {
			once.Do(func() {
				<-e.ch
				l.drop(key, e)
			})
		}, nil
	case <-ctx.Done():
		l.drop(key, e)
		return nil, ctx.Err()
	}
}

func (l *LocalLocker) drop(key string, e *localLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(l.locks, key)
	}
}
