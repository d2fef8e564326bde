package domain

import (
	"context"
	"time"
)

// Key identifica um bucket de cota, tipicamente "<ação>:<cliente>".
type Key string

// Counter é o estado de um bucket logo após uma operação.
type Counter struct {
	Count int64
	// TTL é o tempo restante da janela. Zero quando a chave não existe.
	TTL time.Duration
}

// CounterStore é o contador compartilhado com expiração.
//
// Incr soma 1 à chave e, somente quando este incremento criou a chave, define a
// expiração para `window`, tudo de forma atômica em relação a outros chamadores da
// mesma chave. Incrementos seguintes nunca renovam a expiração: a janela é fixa e
// começa no primeiro uso.
type CounterStore interface {
	Incr(ctx context.Context, key Key, window time.Duration) (Counter, error)
	Peek(ctx context.Context, key Key) (Counter, error)
}

// Rule é a cota de um bucket. MaxRequests <= 0 desliga o limite.
type Rule struct {
	MaxRequests int64
	Window      time.Duration
}

type Decision struct {
	Allowed bool
	Count   int64
	Limit   int64
	// Remaining é quantas requisições ainda cabem na janela corrente.
	Remaining int64
	// RetryAfter é o valor a ser retornado em Retry-After quando bloquear
	// (o que resta da janela).
	RetryAfter time.Duration
}
