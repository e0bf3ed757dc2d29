package lock

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"mailsync/internal/model"
)

const redisKeyPrefix = "mailsync:lock:"

// value layout: holder|acquiredMillis|expiresMillis. Holder ids may contain
// '|', so the holder is everything before the last two fields.
var releaseIfOwned = redis.NewScript(`
local v = redis.call('GET', KEYS[1])
if not v then
  return 0
end
local holder = string.match(v, '^(.*)|%d+|%d+$')
if holder == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

var deleteIfExpired = redis.NewScript(`
local v = redis.call('GET', KEYS[1])
if not v then
  return 0
end
local exp = tonumber(string.match(v, '|(%d+)$'))
if exp and exp < tonumber(ARGV[1]) then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

// RedisStore keeps leases as keys with a PX TTL. Redis expires them on its
// own, so PurgeExpired has nothing to do.
type RedisStore struct {
	rdb redis.UniversalClient
}

func NewRedisStore(rdb redis.UniversalClient) *RedisStore {
	return &RedisStore{rdb: rdb}
}

func (s *RedisStore) Insert(ctx context.Context, lease model.Lease) (bool, error) {
	ttl := lease.ExpiresAt.Sub(lease.AcquiredAt)
	if ttl <= 0 {
		return false, fmt.Errorf("lease %s has no ttl", lease.Key)
	}
	return s.rdb.SetNX(ctx, redisKeyPrefix+lease.Key, encodeLease(lease), ttl).Result()
}

func (s *RedisStore) Get(ctx context.Context, key string) (*model.Lease, error) {
	v, err := s.rdb.Get(ctx, redisKeyPrefix+key).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return decodeLease(key, v)
}

func (s *RedisStore) DeleteExpired(ctx context.Context, key string, now time.Time) (bool, error) {
	n, err := deleteIfExpired.Run(ctx, s.rdb, []string{redisKeyPrefix + key}, now.UnixMilli()).Int64()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *RedisStore) DeleteIfOwned(ctx context.Context, key, holder string) (bool, error) {
	n, err := releaseIfOwned.Run(ctx, s.rdb, []string{redisKeyPrefix + key}, holder).Int64()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *RedisStore) PurgeExpired(context.Context, time.Time) (int64, error) {
	return 0, nil
}

func encodeLease(l model.Lease) string {
	return fmt.Sprintf("%s|%d|%d", l.HolderID, l.AcquiredAt.UnixMilli(), l.ExpiresAt.UnixMilli())
}

func decodeLease(key, v string) (*model.Lease, error) {
	// holder ids may contain '|', so split from the right
	last := strings.LastIndex(v, "|")
	if last < 0 {
		return nil, fmt.Errorf("malformed lease value for %s", key)
	}
	mid := strings.LastIndex(v[:last], "|")
	if mid < 0 {
		return nil, fmt.Errorf("malformed lease value for %s", key)
	}
	acquired, err := strconv.ParseInt(v[mid+1:last], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("lease %s acquired-at: %w", key, err)
	}
	expires, err := strconv.ParseInt(v[last+1:], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("lease %s expires-at: %w", key, err)
	}
	return &model.Lease{
		Key:        key,
		HolderID:   v[:mid],
		AcquiredAt: time.UnixMilli(acquired),
		ExpiresAt:  time.UnixMilli(expires),
	}, nil
}
