package database

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// Valores padrão do pool (mesmos da implantação de referência).
const (
	DefaultPoolSize        = 10
	DefaultPoolRecycle     = time.Hour
	DefaultCheckoutTimeout = 10 * time.Second
	DefaultProbeAttempts   = 3
)

// PoolConfig configura um Pool. Campos zerados recebem os valores padrão.
type PoolConfig struct {
	// Size é o número máximo de conexões em checkout ao mesmo tempo.
	Size int
	// Recycle: conexões mais antigas que isso são descartadas no checkin.
	Recycle time.Duration
	// CheckoutTimeout limita a espera por um slot livre e a validação da conexão.
	CheckoutTimeout time.Duration
	// ProbeAttempts é o número de conexões testadas antes de ErrConnectionUnavailable.
	ProbeAttempts int
	// ReconnectRate (por segundo) e ReconnectBurst limitam novas tentativas após falhas
	// transitórias. ReconnectRate <= 0 desliga o limite.
	ReconnectRate  float64
	ReconnectBurst int
}

func (c PoolConfig) withDefaults() PoolConfig {
	if c.Size <= 0 {
		c.Size = DefaultPoolSize
	}
	if c.Recycle <= 0 {
		c.Recycle = DefaultPoolRecycle
	}
	if c.CheckoutTimeout <= 0 {
		c.CheckoutTimeout = DefaultCheckoutTimeout
	}
	if c.ProbeAttempts <= 0 {
		c.ProbeAttempts = DefaultProbeAttempts
	}
	if c.ReconnectBurst <= 0 {
		c.ReconnectBurst = c.Size
	}
	return c
}

// Pool entrega conexões validadas e exclusivas de um *sqlx.DB.
//
// O checkout passa por um semáforo de Size slots (backpressure: estourado o
// CheckoutTimeout, ErrPoolExhausted). O ping de validação acontece depois de o slot
// ser reservado, sem nenhum lock do pool.
//
// Thread Safety: todos os métodos podem ser chamados de várias goroutines.
type Pool struct {
	name      string
	db        *sqlx.DB
	cfg       PoolConfig
	slots     *slotPool
	reconnect *rate.Limiter
	closed    atomic.Bool
}

// NewPool passa a controlar `db`. O limite de conexões abertas e o tempo de vida
// (Recycle) são aplicados no próprio database/sql, que descarta no checkin as
// conexões expiradas.
func NewPool(name string, db *sqlx.DB, cfg PoolConfig) *Pool {
	cfg = cfg.withDefaults()

	db.SetMaxOpenConns(cfg.Size)
	db.SetMaxIdleConns(cfg.Size)
	db.SetConnMaxLifetime(cfg.Recycle)

	var limit = rate.Inf
	if cfg.ReconnectRate > 0 {
		limit = rate.Limit(cfg.ReconnectRate)
	}

	return &Pool{
		name:      name,
		db:        db,
		cfg:       cfg,
		slots:     newSlotPool(cfg.Size),
		reconnect: rate.NewLimiter(limit, cfg.ReconnectBurst),
	}
}

// Conn é uma conexão em checkout. Close a devolve ao pool.
type Conn struct {
	*sqlx.Conn

	pool    *Pool
	release func()
	once    sync.Once
}

// Close devolve a conexão ao pool. Pode ser chamado mais de uma vez.
func (c *Conn) Close() error {
	var err error
	c.once.Do(func() {
		err = c.Conn.Close()
		c.release()
		if errors.Is(err, sql.ErrConnDone) {
			err = nil
		}
	})
	return errors.Wrap(err, "releasing connection")
}

// Discard libera o slot mas fecha a conexão física em vez de reaproveitá-la.
func (c *Conn) Discard() {
	c.once.Do(func() {
		discard(c.Conn)
		c.release()
	})
}

// Acquire retorna uma conexão validada ou:
//   - ErrPoolExhausted, se nenhum slot liberar dentro do CheckoutTimeout;
//   - ErrConnectionUnavailable, se todas as ProbeAttempts falharem de forma transitória;
//   - *FatalConnectionError, se o probe falhar com um erro não transitório.
//
// Falhas transitórias são invisíveis para quem chama: a conexão é descartada e outra
// é testada.
func (p *Pool) Acquire(ctx context.Context) (*Conn, error) {
	if p.closed.Load() {
		return nil, ErrPoolClosed
	}
	var start = time.Now()

	release, ok := p.slots.acquire(ctx, p.cfg.CheckoutTimeout)
	if !ok {
		if err := ctx.Err(); err != nil {
			return nil, errors.Wrap(err, "waiting for a free connection")
		}
		poolExhaustedTotal.WithLabelValues(p.name).Inc()
		log.WithFields(log.Fields{
			"db":      p.name,
			"size":    p.cfg.Size,
			"timeout": p.cfg.CheckoutTimeout,
		}).Warn("connection pool exhausted")
		return nil, ErrPoolExhausted
	}

	var probeCtx, cancel = context.WithTimeout(ctx, p.cfg.CheckoutTimeout)
	defer cancel()

	for attempt := 1; ; attempt++ {
		conn, err := p.checkout(probeCtx)
		if err == nil {
			poolCheckoutsTotal.WithLabelValues(p.name).Inc()
			poolCheckoutSeconds.WithLabelValues(p.name).Observe(time.Since(start).Seconds())
			return &Conn{Conn: conn, pool: p, release: release}, nil
		}

		if ctx.Err() != nil {
			release()
			return nil, errors.Wrap(ctx.Err(), "validating connection")
		}
		if probeCtx.Err() != nil {
			release()
			poolProbeFailuresTotal.WithLabelValues(p.name, ClassTransient.String()).Inc()
			return nil, errors.WithMessagef(ErrConnectionUnavailable,
				"no live connection within %s, last error: %v", p.cfg.CheckoutTimeout, err)
		}

		var class = Classify(err)
		poolProbeFailuresTotal.WithLabelValues(p.name, class.String()).Inc()

		if class == ClassFatal {
			release()
			log.WithFields(log.Fields{"db": p.name, "err": err}).Error("connection probe failed")
			return nil, &FatalConnectionError{Err: err}
		}

		log.WithFields(log.Fields{
			"db":      p.name,
			"attempt": attempt,
			"err":     err,
		}).Info("discarding disconnected connection")

		if attempt >= p.cfg.ProbeAttempts {
			release()
			return nil, errors.WithMessagef(ErrConnectionUnavailable,
				"%d attempts, last error: %v", attempt, err)
		}
		if err := p.reconnect.Wait(probeCtx); err != nil {
			release()
			return nil, errors.WithMessagef(ErrConnectionUnavailable, "waiting to reconnect: %v", err)
		}
	}
}

// checkout obtém uma conexão física e executa o probe de liveness.
// Uma conexão que falha no probe nunca volta ao conjunto ocioso.
func (p *Pool) checkout(ctx context.Context) (*sqlx.Conn, error) {
	conn, err := p.db.Connx(ctx)
	if err != nil {
		return nil, err
	}
	if err = conn.PingContext(ctx); err != nil {
		discard(conn)
		return nil, err
	}
	return conn, nil
}

// discard faz o database/sql fechar a conexão física: um driver.ErrBadConn devolvido
// por Raw marca a conexão como inutilizável.
func discard(conn *sqlx.Conn) {
	_ = conn.Raw(func(any) error { return driver.ErrBadConn })
	_ = conn.Close()
}

// PoolStats resume o estado do pool.
type PoolStats struct {
	Size  int
	InUse int
	sql.DBStats
}

func (p *Pool) Stats() PoolStats {
	return PoolStats{
		Size:    p.cfg.Size,
		InUse:   p.slots.inUse(),
		DBStats: p.db.Stats(),
	}
}

// Config retorna a configuração efetiva (com padrões aplicados).
func (p *Pool) Config() PoolConfig { return p.cfg }

// DriverName é o nome do driver database/sql por trás do pool.
func (p *Pool) DriverName() string { return p.db.DriverName() }

// Close fecha todas as conexões. Acquire passa a retornar ErrPoolClosed.
func (p *Pool) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	return errors.Wrap(p.db.Close(), "closing pool")
}
