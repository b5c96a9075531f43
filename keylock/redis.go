package keylock

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/vitalslot/booking-engine/errs"
)

// =============================================================================
// REDIS - Cross-process keyed lock
// =============================================================================

// releaseScript deletes the key only if it still holds our token, so an
// expired-then-reacquired lock is never released by its previous owner.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

type RedisOptions struct {
	Prefix string        // default "booking:lock:"
	TTL    time.Duration // lease; default 30s
	Retry  time.Duration // poll interval; default 25ms
	Logger zerolog.Logger
}

type Redis struct {
	client redis.UniversalClient
	opts   RedisOptions
}

func NewRedis(client redis.UniversalClient, opts RedisOptions) *Redis {
	if opts.Prefix == "" {
		opts.Prefix = "booking:lock:"
	}
	if opts.TTL <= 0 {
		opts.TTL = 30 * time.Second
	}
	if opts.Retry <= 0 {
		opts.Retry = 25 * time.Millisecond
	}
	return &Redis{client: client, opts: opts}
}

func (r *Redis) Acquire(ctx context.Context, key string, timeout time.Duration) (Unlock, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	redisKey := r.opts.Prefix + key
	token := uuid.NewString()
	deadline := time.Now().Add(timeout)

	ticker := time.NewTicker(r.opts.Retry)
	defer ticker.Stop()

	for {
		ok, err := r.client.SetNX(ctx, redisKey, token, r.opts.TTL).Result()
		if err != nil {
			return nil, err
		}
		if ok {
			return once(func() { r.release(redisKey, token) }), nil
		}
		if time.Now().After(deadline) {
			return nil, &errs.LockTimeoutError{Key: key, Waited: timeout}
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (r *Redis) release(redisKey, token string) {
	// The caller's context may already be done; release on a short fresh one.
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := releaseScript.Run(ctx, r.client, []string{redisKey}, token).Err(); err != nil {
		r.opts.Logger.Warn().Err(err).Str("key", redisKey).Msg("release lock failed, lease will expire")
	}
}
