package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/telemyapp/fleet-control-plane/internal/logger"
)

// releaseScript deletes the key only while it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0`)

const keyPrefix = "fleet:lock:"

// Redis is a Locker shared by every control-plane instance.
type Redis struct {
	client redis.UniversalClient
}

func NewRedis(client redis.UniversalClient) *Redis {
	return &Redis{client: client}
}

func (r *Redis) Acquire(ctx context.Context, key string, opts Options) (Release, error) {
	token := uuid.NewString()
	fullKey := keyPrefix + key
	err := poll(ctx, opts.Wait, func() (bool, error) {
		ok, err := r.client.SetNX(ctx, fullKey, token, opts.TTL).Result()
		if err != nil {
			return false, fmt.Errorf("acquire %s: %w", key, err)
		}
		return ok, nil
	})
	if err != nil {
		return nil, err
	}
	return func(ctx context.Context) error {
		if err := releaseScript.Run(ctx, r.client, []string{fullKey}, token).Err(); err != nil && !errors.Is(err, redis.Nil) {
			return fmt.Errorf("release %s: %w", key, err)
		}
		return nil
	}, nil
}

type ConnectOptions struct {
	Addr           string
	User           string
	Password       string
	DB             int
	ConnectTimeout time.Duration
	RetryInterval  time.Duration
}

// Connect opens a client and pings it with exponential backoff until
// ConnectTimeout passes.
func Connect(ctx context.Context, opts ConnectOptions, log logger.Logger) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Username: opts.User,
		Password: opts.Password,
		DB:       opts.DB,
	})

	ctx, cancel := context.WithTimeout(ctx, opts.ConnectTimeout)
	defer cancel()

	wait := opts.RetryInterval
	if wait <= 0 {
		wait = 500 * time.Millisecond
	}
	for attempt := 1; ; attempt++ {
		err := client.Ping(ctx).Err()
		if err == nil {
			log.Info("connected to redis", logger.String("addr", opts.Addr), logger.Int("attempts", attempt))
			return client, nil
		}
		log.Warn("redis connection failed, retrying",
			logger.String("addr", opts.Addr),
			logger.Int("attempt", attempt),
			logger.Duration("next_retry_in", wait),
			logger.Error(err))

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			_ = client.Close()
			return nil, fmt.Errorf("redis unavailable at %s after %d attempts: %w", opts.Addr, attempt, err)
		case <-timer.C:
		}
		wait *= 2
		if wait > 5*time.Second {
			wait = 5 * time.Second
		}
	}
}
