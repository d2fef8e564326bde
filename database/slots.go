package database

import (
	"context"
	"sync"
	"time"
)

// slotPool é um semáforo baseado em channel com capacidade `max`: cada slot é uma
// conexão em checkout. Acquire espera até `timeout` (ou até o ctx encerrar).
type slotPool struct {
	sem chan struct{}
}

func newSlotPool(max int) *slotPool {
	return &slotPool{sem: make(chan struct{}, max)}
}

// acquire retorna (release, ok). release deve ser chamado exatamente uma vez; chamadas
// extras são ignoradas.
//   - timeout <= 0: espera até o ctx cancelar.
//   - timeout > 0: espera até o timeout.
func (p *slotPool) acquire(ctx context.Context, timeout time.Duration) (func(), bool) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	select {
	case p.sem <- struct{}{}:
		var once sync.Once
		return func() { once.Do(func() { <-p.sem }) }, true
	case <-ctx.Done():
		return nil, false
	}
}

func (p *slotPool) inUse() int    { return len(p.sem) }
func (p *slotPool) capacity() int { return cap(p.sem) }
