package application

import (
	"context"
	"time"

	"github.com/frewsxcv/ichnaea/middleware/ratelimit/domain"
)

// Limited incrementa o contador de `key` e retorna true quando a requisição deve ser
// **rejeitada** (o contador passou de maxRequests dentro da janela).
// maxRequests <= 0 nunca rejeita e não toca o store.
func Limited(ctx context.Context, store domain.CounterStore, key domain.Key, maxRequests int64, window time.Duration) (bool, error) {
	dec, err := Service{Store: store, Rule: domain.Rule{MaxRequests: maxRequests, Window: window}}.Decide(ctx, key)
	return !dec.Allowed, err
}

// Service concentra a regra de aplicação do rate limit.
//
// Ele não sabe nada sobre HTTP (headers/status), apenas retorna uma decisão.
type Service struct {
	Store domain.CounterStore
	Rule  domain.Rule
}

// Decide consome uma unidade da cota de `key`. Em erro do store a decisão é
// permitir (fail open) e o erro é devolvido para log.
func (s Service) Decide(ctx context.Context, key domain.Key) (domain.Decision, error) {
	return s.DecideRule(ctx, key, s.Rule)
}

// DecideRule é Decide com uma cota específica para esta chave.
func (s Service) DecideRule(ctx context.Context, key domain.Key, rule domain.Rule) (domain.Decision, error) {
	if s.Store == nil || rule.MaxRequests <= 0 {
		return domain.Decision{Allowed: true}, nil
	}
	if rule.Window <= 0 {
		rule.Window = time.Second
	}

	ctr, err := s.Store.Incr(ctx, key, rule.Window)
	if err != nil {
		return domain.Decision{Allowed: true, Limit: rule.MaxRequests}, err
	}

	dec := domain.Decision{
		Allowed:   ctr.Count <= rule.MaxRequests,
		Count:     ctr.Count,
		Limit:     rule.MaxRequests,
		Remaining: rule.MaxRequests - ctr.Count,
	}
	if dec.Remaining < 0 {
		dec.Remaining = 0
	}
	if !dec.Allowed {
		dec.RetryAfter = ctr.TTL
		if dec.RetryAfter <= 0 {
			dec.RetryAfter = rule.Window
		}
	}
	return dec, nil
}
