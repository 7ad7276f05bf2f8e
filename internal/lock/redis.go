package lock

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisConfig tunes lock acquisition.
type RedisConfig struct {
	// TTL bounds how long a crashed holder can block the key.
	TTL time.Duration

	// RetryInterval is the pause between SET NX attempts.
	RetryInterval time.Duration

	// WaitTimeout caps the total time spent acquiring. Zero waits for ctx.
	WaitTimeout time.Duration
}

// RedisLocker implements Locker with SET NX PX and a token-checked release.
type RedisLocker struct {
	client *redis.Client
	config RedisConfig
	logger *slog.Logger
}

func NewRedisLocker(client *redis.Client, config RedisConfig, logger *slog.Logger) *RedisLocker {
	if config.TTL <= 0 {
		config.TTL = 2 * time.Minute
	}
	if config.RetryInterval <= 0 {
		config.RetryInterval = 50 * time.Millisecond
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisLocker{client: client, config: config, logger: logger}
}

func (r *RedisLocker) Lock(ctx context.Context, key string) (Unlock, error) {
	if r.config.WaitTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.config.WaitTimeout)
		defer cancel()
	}

	token := uuid.NewString()
	ticker := time.NewTicker(r.config.RetryInterval)
	defer ticker.Stop()

	for {
		ok, err := r.client.SetNX(ctx, key, token, r.config.TTL).Result()
		if err != nil {
			if ctx.Err() != nil {
				return nil, ErrNotAcquired
			}
			return nil, fmt.Errorf("lock: acquire %s: %w", key, err)
		}
		if ok {
			return r.unlocker(key, token), nil
		}

		select {
		case <-ctx.Done():
			return nil, ErrNotAcquired
		case <-ticker.C:
		}
	}
}

func (r *RedisLocker) unlocker(key, token string) Unlock {
	var once sync.Once
	return func() {
		once.Do(func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := releaseScript.Run(ctx, r.client, []string{key}, token).Err(); err != nil {
				r.logger.Warn("failed to release lock",
					slog.String("key", key),
					slog.String("error", err.Error()))
			}
		})
	}
}

// releaseScript deletes the key only while it still holds our token, so an
// expired holder can't release a lock someone else has since taken.
var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)
