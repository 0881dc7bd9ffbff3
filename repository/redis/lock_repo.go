package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	redislib "github.com/redis/go-redis/v9"

	"github.com/fastygo/attribution/repository"
)

var releaseScript = redislib.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

type periodLocker struct {
	client redislib.UniversalClient
	prefix string
}

// NewPeriodLocker creates a lease table backed by SET NX PX.
func NewPeriodLocker(client redislib.UniversalClient) repository.PeriodLocker {
	return &periodLocker{client: client, prefix: "lock:"}
}

func (l *periodLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	if ttl <= 0 {
		ttl = time.Minute
	}
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, l.key(key), token, ttl).Result()
	if err != nil {
		return "", false, err
	}
	if !ok {
		return "", false, nil
	}
	return token, true, nil
}

// Release deletes the lease only while it still carries the caller's token.
func (l *periodLocker) Release(ctx context.Context, key, token string) error {
	return releaseScript.Run(ctx, l.client, []string{l.key(key)}, token).Err()
}

func (l *periodLocker) key(key string) string {
	return fmt.Sprintf("%s%s", l.prefix, key)
}
