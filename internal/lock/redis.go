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

const (
	defaultLeaseTTL   = 5 * time.Minute
	defaultRetryEvery = 200 * time.Millisecond
	defaultKeyPrefix  = "pinecone:lock:"
)

// releaseScript deletes the lease only if it is still ours.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Redis is a lease lock shared by every process using the same Redis.
// A lease expires after its TTL even if the holder dies without unlocking.
type Redis struct {
	client     redis.UniversalClient
	ttl        time.Duration
	retryEvery time.Duration
	prefix     string
}

type RedisOption func(*Redis)

func WithLeaseTTL(d time.Duration) RedisOption {
	return func(r *Redis) {
		if d > 0 {
			r.ttl = d
		}
	}
}

func WithRetryEvery(d time.Duration) RedisOption {
	return func(r *Redis) {
		if d > 0 {
			r.retryEvery = d
		}
	}
}

func WithKeyPrefix(prefix string) RedisOption {
	return func(r *Redis) {
		if p := strings.TrimSpace(prefix); p != "" {
			r.prefix = p
		}
	}
}

func NewRedis(client redis.UniversalClient, opts ...RedisOption) (*Redis, error) {
	if client == nil {
		return nil, errors.New("lock: redis client must not be nil")
	}
	r := &Redis{
		client:     client,
		ttl:        defaultLeaseTTL,
		retryEvery: defaultRetryEvery,
		prefix:     defaultKeyPrefix,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Lock polls until the lease is acquired or ctx is done.
func (r *Redis) Lock(ctx context.Context, key string) (func(), error) {
	for {
		unlock, ok, err := r.TryLock(ctx, key)
		if err != nil {
			return nil, err
		}
		if ok {
			return unlock, nil
		}
		t := time.NewTimer(r.retryEvery)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-t.C:
		}
	}
}

// TryLock makes a single SET NX attempt.
func (r *Redis) TryLock(ctx context.Context, key string) (func(), bool, error) {
	k := r.prefix + key
	token := uuid.NewString()
	ok, err := r.client.SetNX(ctx, k, token, r.ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("lock: acquire %q: %w", k, err)
	}
	if !ok {
		return nil, false, nil
	}
	return func() {
		// Release with a fresh context: the caller's may already be cancelled.
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = releaseScript.Run(ctx, r.client, []string{k}, token).Err()
	}, true, nil
}
