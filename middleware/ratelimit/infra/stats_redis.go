package infra

import (
	"context"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/frewsxcv/ichnaea/middleware/ratelimit/domain"
)

// RedisStatsStore acumula decisões em hashes do Redis:
//
//	<prefix>:total            allowed|denied
//	<prefix>:action           <ação>:allowed|<ação>:denied
//	<prefix>:day:<AAAAMMDD>   allowed|denied   (expira após ttl)
//	<prefix>:key:<chave>      allowed|denied   (só com trackKeys; expira após ttl)
//
// Tudo em um único pipeline por evento.
type RedisStatsStore struct {
	rdb redis.UniversalClient

	prefix string
	// ttl aplica apenas às chaves diárias e por chave; total e action são cumulativos.
	ttl time.Duration

	trackKeys bool
}

type RedisStatsOption func(*RedisStatsStore)

func WithStatsPrefix(prefix string) RedisStatsOption {
	return func(s *RedisStatsStore) {
		s.prefix = strings.Trim(prefix, ":")
	}
}

func WithStatsTTL(d time.Duration) RedisStatsOption {
	return func(s *RedisStatsStore) { s.ttl = d }
}

func WithStatsTrackKeys(track bool) RedisStatsOption {
	return func(s *RedisStatsStore) { s.trackKeys = track }
}

func NewRedisStatsStore(rdb redis.UniversalClient, opts ...RedisStatsOption) *RedisStatsStore {
	s := &RedisStatsStore{
		rdb:    rdb,
		prefix: "apilimit:stats",
		ttl:    8 * 24 * time.Hour,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RedisStatsStore) Record(ctx context.Context, ev domain.StatsEvent) error {
	if s == nil || s.rdb == nil {
		return nil
	}

	at := ev.At
	if at.IsZero() {
		at = time.Now()
	}

	field := "denied"
	if ev.Allowed {
		field = "allowed"
	}

	pipe := s.rdb.Pipeline()
	pipe.HIncrBy(ctx, s.prefix+":total", field, 1)

	if action := strings.TrimSpace(ev.Action); action != "" {
		pipe.HIncrBy(ctx, s.prefix+":action", action+":"+field, 1)
	}

	dayKey := s.prefix + ":day:" + at.UTC().Format("20060102")
	pipe.HIncrBy(ctx, dayKey, field, 1)
	if s.ttl > 0 {
		pipe.Expire(ctx, dayKey, s.ttl)
	}

	if s.trackKeys {
		if k := strings.TrimSpace(string(ev.Key)); k != "" {
			keyKey := s.prefix + ":key:" + k
			pipe.HIncrBy(ctx, keyKey, field, 1)
			if s.ttl > 0 {
				pipe.Expire(ctx, keyKey, s.ttl)
			}
		}
	}

	_, err := pipe.Exec(ctx)
	return errors.Wrap(err, "recording rate limit stats")
}
