package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"liquidity-jackpot/internal/engine"
)

var ErrLockHeld = errors.New("redis: lock held by another holder")

// unlockLua deletes the key only while it still holds the caller's token.
const unlockLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`

// LockManager is an engine.Locker using SET NX with a TTL.
type LockManager struct {
	rdb      *redis.Client
	unlockSc *redis.Script
	retry    time.Duration
	wait     time.Duration
}

// NewLockManager returns a locker that retries a held lock for up to wait
// before giving up with ErrLockHeld.
func NewLockManager(c *Client, wait time.Duration) *LockManager {
	return &LockManager{
		rdb:      c.rdb,
		unlockSc: redis.NewScript(unlockLua),
		retry:    25 * time.Millisecond,
		wait:     wait,
	}
}

func lockKey(key string) string { return "lock:" + key }

// Acquire returns an unlock func that may be called more than once.
func (lm *LockManager) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	token := uuid.New().String()
	lk := lockKey(key)
	deadline := time.Now().Add(lm.wait)

	for {
		ok, err := lm.rdb.SetNX(ctx, lk, token, ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("redis: acquire lock %s: %w", key, err)
		}
		if ok {
			break
		}
		if !time.Now().Before(deadline) {
			return nil, ErrLockHeld
		}
		timer := time.NewTimer(lm.retry)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}

	released := false
	return func() {
		if released {
			return
		}
		released = true
		// The caller's context may already be done.
		unlockCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = lm.unlockSc.Run(unlockCtx, lm.rdb, []string{lk}, token).Err()
	}, nil
}

var _ engine.Locker = (*LockManager)(nil)
