package domain

import (
	"context"
	"time"
)

// StatsEvent representa uma decisão do rate limit.
//
// Cuidado com cardinalidade: Key tem um valor por cliente e não deve virar série
// de métrica sem controle.
type StatsEvent struct {
	Key     Key
	Action  string
	Allowed bool

	Method string
	Path   string

	At time.Time
}

// StatsStore persiste estatísticas de decisões. O middleware trata erros como
// best-effort (não derrubam a requisição).
type StatsStore interface {
	Record(ctx context.Context, ev StatsEvent) error
}
