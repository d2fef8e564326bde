package database

import (
	"context"
	"database/sql"
	"strings"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	// Drivers database/sql dos dialetos suportados.
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

// DefaultIsolationLevel é o nível usado quando Config.IsolationLevel está vazio.
const DefaultIsolationLevel = "REPEATABLE READ"

// Config descreve um Database. É imutável depois de Open.
type Config struct {
	URI            string
	PoolSize       int
	PoolRecycle    time.Duration
	PoolTimeout    time.Duration
	Echo           bool
	IsolationLevel string
	ProbeAttempts  int
	ReconnectRate  float64
	ReconnectBurst int
}

func (c Config) poolConfig() PoolConfig {
	return PoolConfig{
		Size:            c.PoolSize,
		Recycle:         c.PoolRecycle,
		CheckoutTimeout: c.PoolTimeout,
		ProbeAttempts:   c.ProbeAttempts,
		ReconnectRate:   c.ReconnectRate,
		ReconnectBurst:  c.ReconnectBurst,
	}
}

// ParseIsolation aceita os nomes SQL ("READ COMMITTED") ou com underscore
// ("READ_COMMITTED"), sem diferenciar maiúsculas.
func ParseIsolation(s string) (sql.IsolationLevel, error) {
	var norm = strings.ToUpper(strings.Join(strings.FieldsFunc(s, func(r rune) bool {
		return r == ' ' || r == '_' || r == '-'
	}), " "))

	switch norm {
	case "":
		return sql.LevelRepeatableRead, nil
	case "DEFAULT":
		return sql.LevelDefault, nil
	case "READ UNCOMMITTED":
		return sql.LevelReadUncommitted, nil
	case "READ COMMITTED":
		return sql.LevelReadCommitted, nil
	case "REPEATABLE READ":
		return sql.LevelRepeatableRead, nil
	case "SERIALIZABLE":
		return sql.LevelSerializable, nil
	default:
		return 0, errors.Errorf("unknown isolation level %q", s)
	}
}

// Database é uma fábrica de Sessions sobre um Pool próprio.
type Database struct {
	target    Target
	isolation sql.IsolationLevel
	echo      bool
	pool      *Pool
}

// Open resolve cfg.URI e abre o Database. Nenhuma conexão é feita aqui: a primeira
// acontece no primeiro checkout (use Ping para validar na inicialização).
func Open(cfg Config) (*Database, error) {
	target, err := ParseURI(cfg.URI)
	if err != nil {
		return nil, err
	}
	return OpenTarget(cfg, target)
}

// OpenTarget abre um Database para um Target já resolvido. cfg.URI é ignorado.
func OpenTarget(cfg Config, target Target) (*Database, error) {
	isolation, err := ParseIsolation(cfg.IsolationLevel)
	if err != nil {
		return nil, err
	}
	if target.Dialect == nil {
		if target.Dialect, err = DialectFor(target.Driver); err != nil {
			return nil, err
		}
	}
	if target.Name == "" {
		target.Name = target.Driver
	}

	db, err := sqlx.Open(target.Driver, target.DSN)
	if err != nil {
		return nil, errors.Wrapf(err, "opening %s", target.Name)
	}
	var pool = NewPool(target.Name, db, cfg.poolConfig())

	log.WithFields(log.Fields{
		"db":        target.Name,
		"dialect":   target.Dialect.Name(),
		"poolSize":  pool.Config().Size,
		"isolation": isolation.String(),
	}).Debug("opened database")

	return &Database{
		target:    target,
		isolation: isolation,
		echo:      cfg.Echo,
		pool:      pool,
	}, nil
}

// Session faz checkout de uma conexão e inicia uma transação no papel pedido.
func (d *Database) Session(ctx context.Context, role Role) (*Session, error) {
	return newSession(ctx, d, role)
}

// Ping faz um checkout validado e devolve a conexão em seguida.
func (d *Database) Ping(ctx context.Context) error {
	conn, err := d.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	return conn.Close()
}

func (d *Database) Name() string     { return d.target.Name }
func (d *Database) Target() Target   { return d.target }
func (d *Database) Dialect() Dialect { return d.target.Dialect }
func (d *Database) Pool() *Pool      { return d.pool }
func (d *Database) Stats() PoolStats { return d.pool.Stats() }
func (d *Database) Close() error     { return d.pool.Close() }

// Cluster agrupa os Databases master e replica. Quando os dois apontam para o mesmo
// destino, um único Database atende os dois papéis.
type Cluster struct {
	Master  *Database
	Replica *Database

	closeOnce sync.Once
	closeErr  error
}

// OpenCluster abre master e replica. Uma replica sem URI usa o master.
func OpenCluster(master, replica Config) (*Cluster, error) {
	masterDB, err := Open(master)
	if err != nil {
		return nil, errors.WithMessage(err, "master")
	}
	if replica.URI == "" {
		return NewCluster(masterDB, masterDB), nil
	}

	target, err := ParseURI(replica.URI)
	if err != nil {
		_ = masterDB.Close()
		return nil, errors.WithMessage(err, "replica")
	}
	if target.Same(masterDB.Target()) {
		return NewCluster(masterDB, masterDB), nil
	}

	replicaDB, err := OpenTarget(replica, target)
	if err != nil {
		_ = masterDB.Close()
		return nil, errors.WithMessage(err, "replica")
	}
	return NewCluster(masterDB, replicaDB), nil
}

func NewCluster(master, replica *Database) *Cluster {
	return &Cluster{Master: master, Replica: replica}
}

// SingleNode informa se master e replica são o mesmo Database.
func (c *Cluster) SingleNode() bool { return c.Master == c.Replica }

// Ping valida os dois papéis.
func (c *Cluster) Ping(ctx context.Context) error {
	if err := c.Master.Ping(ctx); err != nil {
		return errors.WithMessage(err, "master")
	}
	if c.SingleNode() {
		return nil
	}
	return errors.WithMessage(c.Replica.Ping(ctx), "replica")
}

// Close fecha os pools, uma única vez cada.
func (c *Cluster) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.Master.Close()
		if !c.SingleNode() {
			if err := c.Replica.Close(); err != nil && c.closeErr == nil {
				c.closeErr = err
			}
		}
	})
	return c.closeErr
}
