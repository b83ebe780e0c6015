package lock

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// unlockScript deletes the key only if this holder still owns it.
var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Redis is a lease lock shared by every replica pointing at the same server.
type Redis struct {
	client *redis.Client
	mu     sync.Mutex
	tokens map[string]string
}

func Connect(addr, password string, db int) (*redis.Client, error) {
	if strings.HasPrefix(addr, "redis://") {
		opt, err := redis.ParseURL(addr)
		if err != nil {
			return nil, errors.Wrap(err, "parse redis url")
		}
		return redis.NewClient(opt), nil
	}
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	}), nil
}

func NewRedis(client *redis.Client) *Redis {
	return &Redis{
		client: client,
		tokens: make(map[string]string),
	}
}

func (r *Redis) TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	token := uuid.NewString()
	ok, err := r.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return false, errors.Wrapf(err, "acquire lock %s", key)
	}
	if !ok {
		return false, nil
	}

	r.mu.Lock()
	r.tokens[key] = token
	r.mu.Unlock()
	return true, nil
}

func (r *Redis) Unlock(ctx context.Context, key string) error {
	r.mu.Lock()
	token, ok := r.tokens[key]
	delete(r.tokens, key)
	r.mu.Unlock()
	if !ok {
		return nil
	}

	if err := unlockScript.Run(ctx, r.client, []string{key}, token).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return errors.Wrapf(err, "release lock %s", key)
	}
	return nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}
