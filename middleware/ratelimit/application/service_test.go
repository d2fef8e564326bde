package application

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/frewsxcv/ichnaea/middleware/ratelimit/domain"
)

// fakeStore conta por chave e nunca expira; ttl é devolvido como está.
type fakeStore struct {
	counts map[domain.Key]int64
	ttl    time.Duration
	err    error
	calls  int
}

func newFakeStore() *fakeStore {
	return &fakeStore{counts: make(map[domain.Key]int64)}
}

func (s *fakeStore) Incr(_ context.Context, key domain.Key, window time.Duration) (domain.Counter, error) {
	s.calls++
	if s.err != nil {
		return domain.Counter{}, s.err
	}
	s.counts[key]++
	ttl := s.ttl
	if ttl == 0 {
		ttl = window
	}
	return domain.Counter{Count: s.counts[key], TTL: ttl}, nil
}

func (s *fakeStore) Peek(_ context.Context, key domain.Key) (domain.Counter, error) {
	return domain.Counter{Count: s.counts[key]}, s.err
}

func TestLimited_AdmitsMaxRequestsThenRejects(t *testing.T) {
	store := newFakeStore()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		limited, err := Limited(ctx, store, "search:key_a", 5, time.Second)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if limited {
			t.Fatalf("request %d: expected admit", i+1)
		}
	}
	limited, err := Limited(ctx, store, "search:key_a", 5, time.Second)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !limited {
		t.Fatalf("expected 6th request to be rejected")
	}
}

func TestLimited_KeysAreIndependent(t *testing.T) {
	store := newFakeStore()
	ctx := context.Background()

	if limited, _ := Limited(ctx, store, "a", 1, time.Second); limited {
		t.Fatalf("expected first request for a to be admitted")
	}
	if limited, _ := Limited(ctx, store, "b", 1, time.Second); limited {
		t.Fatalf("expected first request for b to be admitted")
	}
	if limited, _ := Limited(ctx, store, "a", 1, time.Second); !limited {
		t.Fatalf("expected second request for a to be rejected")
	}
}

func TestLimited_ZeroMaxNeverRejectsNorTouchesStore(t *testing.T) {
	store := newFakeStore()

	for i := 0; i < 10; i++ {
		if limited, err := Limited(context.Background(), store, "k", 0, time.Second); limited || err != nil {
			t.Fatalf("expected admit without error, got limited=%v err=%v", limited, err)
		}
	}
	if store.calls != 0 {
		t.Fatalf("expected no store calls, got %d", store.calls)
	}
}

func TestService_Decide_AllowsWhenNoStore(t *testing.T) {
	svc := Service{Rule: domain.Rule{MaxRequests: 1, Window: time.Second}}
	dec, err := svc.Decide(context.Background(), "k")
	if err != nil || !dec.Allowed {
		t.Fatalf("expected allowed without error, got %+v %v", dec, err)
	}
	if dec.RetryAfter != 0 {
		t.Fatalf("expected RetryAfter=0 when allowed, got %s", dec.RetryAfter)
	}
}

func TestService_Decide_ReportsRemainingAndRetryAfter(t *testing.T) {
	store := newFakeStore()
	store.ttl = 1500 * time.Millisecond
	svc := Service{Store: store, Rule: domain.Rule{MaxRequests: 2, Window: time.Minute}}
	ctx := context.Background()

	dec, _ := svc.Decide(ctx, "k")
	if !dec.Allowed || dec.Remaining != 1 || dec.Limit != 2 {
		t.Fatalf("unexpected first decision: %+v", dec)
	}
	dec, _ = svc.Decide(ctx, "k")
	if !dec.Allowed || dec.Remaining != 0 {
		t.Fatalf("unexpected second decision: %+v", dec)
	}
	dec, _ = svc.Decide(ctx, "k")
	if dec.Allowed {
		t.Fatalf("expected blocked")
	}
	if dec.Remaining != 0 || dec.Count != 3 {
		t.Fatalf("unexpected blocked decision: %+v", dec)
	}
	if dec.RetryAfter != 1500*time.Millisecond {
		t.Fatalf("expected RetryAfter=1.5s (rest of the window), got %s", dec.RetryAfter)
	}
}

func TestService_Decide_FailsOpenOnStoreError(t *testing.T) {
	store := newFakeStore()
	store.err = errors.New("redis: connection refused")
	svc := Service{Store: store, Rule: domain.Rule{MaxRequests: 1, Window: time.Second}}

	dec, err := svc.Decide(context.Background(), "k")
	if err == nil {
		t.Fatalf("expected store error to be returned")
	}
	if !dec.Allowed {
		t.Fatalf("expected allowed on store error")
	}
}

func TestService_DecideRule_OverridesDefaultRule(t *testing.T) {
	store := newFakeStore()
	svc := Service{Store: store, Rule: domain.Rule{MaxRequests: 100, Window: time.Second}}
	ctx := context.Background()

	rule := domain.Rule{MaxRequests: 1, Window: time.Second}
	if dec, _ := svc.DecideRule(ctx, "k", rule); !dec.Allowed {
		t.Fatalf("expected first request allowed")
	}
	if dec, _ := svc.DecideRule(ctx, "k", rule); dec.Allowed {
		t.Fatalf("expected second request blocked by the override")
	}
}
