package infra

import (
	"context"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/frewsxcv/ichnaea/middleware/ratelimit/domain"
)

// incrScript incrementa a chave e define a expiração apenas quando o incremento a
// criou. Uma chave sem expiração (PTTL -1) também recebe uma, para nunca ficar
// eterna.
var incrScript = redis.NewScript(`
local n = redis.call('INCR', KEYS[1])
if n == 1 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
local ttl = redis.call('PTTL', KEYS[1])
if ttl < 0 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
  ttl = tonumber(ARGV[1])
end
return {n, ttl}
`)

// RedisCounterStore implementa domain.CounterStore sobre um Redis compartilhado por
// todas as instâncias do serviço.
type RedisCounterStore struct {
	rdb    redis.UniversalClient
	prefix string
}

type RedisCounterOption func(*RedisCounterStore)

func WithCounterPrefix(prefix string) RedisCounterOption {
	return func(s *RedisCounterStore) { s.prefix = strings.Trim(prefix, ":") }
}

func NewRedisCounterStore(rdb redis.UniversalClient, opts ...RedisCounterOption) *RedisCounterStore {
	s := &RedisCounterStore{rdb: rdb, prefix: "apilimit"}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RedisCounterStore) redisKey(key domain.Key) string {
	if s.prefix == "" {
		return string(key)
	}
	return s.prefix + ":" + string(key)
}

// Incr implementa domain.CounterStore.
func (s *RedisCounterStore) Incr(ctx context.Context, key domain.Key, window time.Duration) (domain.Counter, error) {
	ms := window.Milliseconds()
	if ms <= 0 {
		ms = 1
	}

	vals, err := incrScript.Run(ctx, s.rdb, []string{s.redisKey(key)}, ms).Int64Slice()
	if err != nil {
		return domain.Counter{}, errors.Wrapf(err, "incrementing %s", key)
	}
	if len(vals) != 2 {
		return domain.Counter{}, errors.Errorf("incrementing %s: unexpected script reply %v", key, vals)
	}
	return domain.Counter{Count: vals[0], TTL: time.Duration(vals[1]) * time.Millisecond}, nil
}

// Peek lê contador e TTL sem incrementar.
func (s *RedisCounterStore) Peek(ctx context.Context, key domain.Key) (domain.Counter, error) {
	k := s.redisKey(key)

	pipe := s.rdb.Pipeline()
	get := pipe.Get(ctx, k)
	pttl := pipe.PTTL(ctx, k)
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return domain.Counter{}, errors.Wrapf(err, "reading %s", key)
	}

	n, err := get.Int64()
	if err == redis.Nil {
		return domain.Counter{}, nil
	} else if err != nil {
		return domain.Counter{}, errors.Wrapf(err, "reading %s", key)
	}

	ttl := pttl.Val()
	if ttl < 0 {
		ttl = 0
	}
	return domain.Counter{Count: n, TTL: ttl}, nil
}
