package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Deletes the key only if it still holds our token.
var settlementUnlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisSettlementLocker serializes settlement of a family across processes.
type RedisSettlementLocker struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

func NewRedisSettlementLocker(client redis.UniversalClient, prefix string, ttl time.Duration) *RedisSettlementLocker {
	trimmedPrefix := strings.TrimSpace(prefix)
	if trimmedPrefix == "" {
		trimmedPrefix = "habithero:settlement_lock"
	}
	trimmedPrefix = strings.TrimSuffix(trimmedPrefix, ":")
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}

	return &RedisSettlementLocker{
		client: client,
		prefix: trimmedPrefix,
		ttl:    ttl,
	}
}

func (l *RedisSettlementLocker) key(familyID string) string {
	return fmt.Sprintf("%s:%s", l.prefix, strings.TrimSpace(familyID))
}

// Lock acquires the family lock with SET NX PX. The returned func releases it.
func (l *RedisSettlementLocker) Lock(ctx context.Context, familyID string) (func(context.Context), error) {
	if l == nil || l.client == nil {
		return func(context.Context) {}, nil
	}

	key := l.key(familyID)
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire settlement lock: %w", err)
	}
	if !ok {
		return nil, ErrSettlementInProgress
	}

	return func(ctx context.Context) {
		_ = settlementUnlockScript.Run(ctx, l.client, []string{key}, token).Err()
	}, nil
}
