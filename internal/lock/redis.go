package lock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"pricesync/internal/logger"
)

var (
	// refreshScript extends the TTL only while the key still holds our token.
	refreshScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)

	// releaseScript deletes the key only while it still holds our token.
	releaseScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0`)
)

// Redis is a lease lock on a single key (SET NX PX). A background goroutine
// renews the lease every ttl/3 while the lock is held; a crashed run loses
// the lock after ttl.
type Redis struct {
	client goredis.Cmdable
	key    string
	ttl    time.Duration
	log    *logger.Logger
}

// NewRedis returns a lock on "pricesync:lock:<job>".
func NewRedis(client goredis.Cmdable, job string, ttl time.Duration, log *logger.Logger) *Redis {
	if log == nil {
		log = logger.NewNop()
	}
	return &Redis{client: client, key: "pricesync:lock:" + job, ttl: ttl, log: log}
}

// Key returns the Redis key guarded by this lock.
func (l *Redis) Key() string { return l.key }

func (l *Redis) Acquire(ctx context.Context) (Release, error) {
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, l.key, token, l.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("lock: redis setnx %s: %w", l.key, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: redis key %s", ErrLocked, l.key)
	}

	kaCtx, stop := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		l.keepAlive(kaCtx, token)
	}()

	var once sync.Once
	return func(ctx context.Context) error {
		var rerr error
		once.Do(func() {
			stop()
			wg.Wait()
			if err := releaseScript.Run(ctx, l.client, []string{l.key}, token).Err(); err != nil {
				rerr = fmt.Errorf("lock: redis release %s: %w", l.key, err)
			}
		})
		return rerr
	}, nil
}

func (l *Redis) keepAlive(ctx context.Context, token string) {
	every := l.ttl / 3
	if every <= 0 {
		every = time.Second
	}
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			n, err := refreshScript.Run(ctx, l.client, []string{l.key}, token, l.ttl.Milliseconds()).Int()
			if err != nil {
				if ctx.Err() == nil {
					l.log.Warn("lock: redis refresh failed", "key", l.key, "err", err)
				}
				continue
			}
			if n == 0 {
				l.log.Error("lock: redis lease lost", "key", l.key)
				return
			}
		}
	}
}
