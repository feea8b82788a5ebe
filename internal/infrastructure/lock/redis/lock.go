package redis

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const keyPrefix = "scholarchat:lock:"

// Lock is a SETNX lock shared by every process ingesting into the same index.
// Only the owner that acquired a lock can release it.
type Lock struct {
	client  *redis.Client
	ownerID string
}

func NewLock(client *redis.Client) *Lock {
	hostname, _ := os.Hostname()
	return &Lock{
		client:  client,
		ownerID: fmt.Sprintf("%s:%d:%s", hostname, os.Getpid(), uuid.NewString()),
	}
}

func (l *Lock) Acquire(ctx context.Context, name string, ttl time.Duration) (bool, error) {
	ok, err := l.client.SetNX(ctx, keyPrefix+name, l.ownerID, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire lock %s: %w", name, err)
	}
	return ok, nil
}

var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// Release is a no-op when the lock expired or belongs to another owner.
func (l *Lock) Release(ctx context.Context, name string) error {
	_, err := releaseScript.Run(ctx, l.client, []string{keyPrefix + name}, l.ownerID).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("release lock %s: %w", name, err)
	}
	return nil
}

func (l *Lock) Ping(ctx context.Context) error {
	return l.client.Ping(ctx).Err()
}

func (l *Lock) OwnerID() string {
	return l.ownerID
}
