package infra

import (
	"context"
	"sync"
	"time"

	"github.com/frewsxcv/ichnaea/middleware/ratelimit/domain"
)

// MemoryCounterStore é um domain.CounterStore em memória, com a mesma semântica de
// janela fixa do RedisCounterStore. Vale apenas para um processo (desenvolvimento,
// testes, instância única).
type MemoryCounterStore struct {
	mu           sync.Mutex
	entries      map[domain.Key]*windowEntry
	cleanupEvery time.Duration
	now          func() time.Time
}

type windowEntry struct {
	count   int64
	expires time.Time
}

type MemoryCounterOption func(*MemoryCounterStore)

func WithCleanupEvery(d time.Duration) MemoryCounterOption {
	return func(s *MemoryCounterStore) { s.cleanupEvery = d }
}

// WithClock troca o relógio (testes).
func WithClock(now func() time.Time) MemoryCounterOption {
	return func(s *MemoryCounterStore) { s.now = now }
}

func NewMemoryCounterStore(opts ...MemoryCounterOption) *MemoryCounterStore {
	s := &MemoryCounterStore{
		entries:      make(map[domain.Key]*windowEntry),
		cleanupEvery: 2 * time.Minute,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *MemoryCounterStore) CleanupEvery() time.Duration { return s.cleanupEvery }

// Incr implementa domain.CounterStore.
func (s *MemoryCounterStore) Incr(_ context.Context, key domain.Key, window time.Duration) (domain.Counter, error) {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	ent, ok := s.entries[key]
	if !ok || !now.Before(ent.expires) {
		ent = &windowEntry{expires: now.Add(window)}
		s.entries[key] = ent
	}
	ent.count++
	return domain.Counter{Count: ent.count, TTL: ent.expires.Sub(now)}, nil
}

// Peek implementa domain.CounterStore.
func (s *MemoryCounterStore) Peek(_ context.Context, key domain.Key) (domain.Counter, error) {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	ent, ok := s.entries[key]
	if !ok || !now.Before(ent.expires) {
		return domain.Counter{}, nil
	}
	return domain.Counter{Count: ent.count, TTL: ent.expires.Sub(now)}, nil
}

// Len é o número de janelas guardadas (inclusive expiradas ainda não limpas).
func (s *MemoryCounterStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Cleanup remove janelas expiradas.
func (s *MemoryCounterStore) Cleanup() {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	for k, ent := range s.entries {
		if !now.Before(ent.expires) {
			delete(s.entries, k)
		}
	}
}

// Run limpa janelas expiradas periodicamente até o ctx encerrar.
func (s *MemoryCounterStore) Run(ctx context.Context) error {
	if s.cleanupEvery <= 0 {
		<-ctx.Done()
		return nil
	}

	t := time.NewTicker(s.cleanupEvery)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			s.Cleanup()
		}
	}
}
