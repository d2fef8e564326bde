package database

import (
	"context"
	"database/sql"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// Role distingue sessões de leitura e escrita (master) das somente leitura (replica).
type Role int

const (
	RoleMaster Role = iota
	RoleReplica
)

func (r Role) String() string {
	if r == RoleReplica {
		return "replica"
	}
	return "master"
}

// SessionState: open -> (committed | rolledback) -> closed.
type SessionState int

const (
	StateOpen SessionState = iota
	StateCommitted
	StateRolledBack
	StateClosed
)

func (s SessionState) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateCommitted:
		return "committed"
	case StateRolledBack:
		return "rolledback"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

type pendingWrite struct {
	query string
	args  []any
}

// Session é uma transação sobre uma conexão em checkout. Não é segura para uso
// concorrente: pertence a uma única requisição ou tarefa.
//
// Uma Session obtida por ReadOnlyView não possui conexão nem transação próprias: ela lê
// pela transação da sessão de origem, e Rollback/Close não afetam a origem.
type Session struct {
	db      *Database
	role    Role
	conn    *Conn
	tx      *sqlx.Tx
	state   SessionState
	pending []pendingWrite
	origin  *Session
	log     *log.Entry
}

func newSession(ctx context.Context, db *Database, role Role) (*Session, error) {
	conn, err := db.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}

	tx, err := conn.BeginTxx(ctx, &sql.TxOptions{
		Isolation: db.isolation,
		ReadOnly:  role == RoleReplica,
	})
	if err != nil {
		conn.Discard()
		return nil, errors.Wrapf(err, "beginning %s transaction", role)
	}

	return &Session{
		db:   db,
		role: role,
		conn: conn,
		tx:   tx,
		log:  log.WithFields(log.Fields{"db": db.Name(), "role": role.String()}),
	}, nil
}

func (s *Session) Role() Role          { return s.role }
func (s *Session) State() SessionState { return s.state }
func (s *Session) Dialect() Dialect    { return s.db.Dialect() }

// Borrowed informa se a sessão é uma visão sobre a transação de outra sessão.
func (s *Session) Borrowed() bool { return s.origin != nil }

// Tx expõe a transação corrente para consultas que os métodos abaixo não cobrem.
func (s *Session) Tx() *sqlx.Tx { return s.tx }

// ReadOnlyView retorna uma sessão replica que lê pela transação desta sessão master.
// Usada quando master e replica são o mesmo banco: os papéis continuam em sessões
// distintas, mas só a master possui a conexão.
func (s *Session) ReadOnlyView() (*Session, error) {
	if s.role != RoleMaster || s.origin != nil {
		return nil, errors.New("database: read-only views are taken from master sessions")
	}
	if s.state != StateOpen {
		return nil, &SessionStateError{Op: "view", State: s.state}
	}
	return &Session{
		db:     s.db,
		role:   RoleReplica,
		tx:     s.tx,
		origin: s,
		log:    s.log.WithField("role", RoleReplica.String()),
	}, nil
}

func (s *Session) usable(op string) error {
	if s.state != StateOpen {
		return &SessionStateError{Op: op, State: s.state}
	}
	if s.origin != nil && s.origin.state != StateOpen {
		return &SessionStateError{Op: op, State: s.origin.state}
	}
	return nil
}

func (s *Session) echo(query string, args []any) {
	if s.db.echo {
		s.log.WithFields(log.Fields{"query": query, "args": args}).Info("sql")
	}
}

// Exec executa um comando. Placeholders "?" são convertidos para o estilo do driver.
func (s *Session) Exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	if err := s.usable("exec"); err != nil {
		return nil, err
	}
	return s.exec(ctx, s.tx.Rebind(query), args)
}

func (s *Session) exec(ctx context.Context, query string, args []any) (sql.Result, error) {
	s.echo(query, args)
	res, err := s.tx.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "exec")
	}
	return res, nil
}

// Get lê uma linha em dest. Sem resultado, retorna sql.ErrNoRows (via errors.Is).
func (s *Session) Get(ctx context.Context, dest any, query string, args ...any) error {
	if err := s.usable("query"); err != nil {
		return err
	}
	query = s.tx.Rebind(query)
	s.echo(query, args)
	return errors.Wrap(s.tx.GetContext(ctx, dest, query, args...), "get")
}

// Select lê todas as linhas em dest (ponteiro para slice).
func (s *Session) Select(ctx context.Context, dest any, query string, args ...any) error {
	if err := s.usable("query"); err != nil {
		return err
	}
	query = s.tx.Rebind(query)
	s.echo(query, args)
	return errors.Wrap(s.tx.SelectContext(ctx, dest, query, args...), "select")
}

// Query retorna um cursor. Quem chama deve fechá-lo antes de encerrar a sessão.
func (s *Session) Query(ctx context.Context, query string, args ...any) (*sqlx.Rows, error) {
	if err := s.usable("query"); err != nil {
		return nil, err
	}
	query = s.tx.Rebind(query)
	s.echo(query, args)
	rows, err := s.tx.QueryxContext(ctx, query, args...)
	return rows, errors.Wrap(err, "query")
}

// Add enfileira uma escrita para o próximo Flush (ou Commit).
func (s *Session) Add(query string, args ...any) error {
	if err := s.usable("add"); err != nil {
		return err
	}
	if s.role == RoleReplica {
		return ErrReadOnlySession
	}
	s.pending = append(s.pending, pendingWrite{query: s.tx.Rebind(query), args: args})
	return nil
}

// Pending é o número de escritas enfileiradas.
func (s *Session) Pending() int { return len(s.pending) }

// Flush executa as escritas enfileiradas, em ordem. Em caso de erro as escritas
// restantes continuam na fila.
func (s *Session) Flush(ctx context.Context) error {
	if err := s.usable("flush"); err != nil {
		return err
	}
	for len(s.pending) != 0 {
		var w = s.pending[0]
		if _, err := s.exec(ctx, w.query, w.args); err != nil {
			return errors.WithMessagef(err, "flushing %d pending writes", len(s.pending))
		}
		s.pending = s.pending[1:]
	}
	s.pending = nil
	return nil
}

// Upsert compila `ins` para o dialeto da sessão e o executa com `args` (um por coluna).
func (s *Session) Upsert(ctx context.Context, ins Insert, args ...any) (sql.Result, error) {
	if err := s.usable("upsert"); err != nil {
		return nil, err
	}
	if s.role == RoleReplica {
		return nil, ErrReadOnlySession
	}
	query, err := ins.SQL(s.db.Dialect())
	if err != nil {
		return nil, err
	}
	return s.exec(ctx, query, args)
}

// Commit grava as escritas pendentes e confirma a transação. Só é válido no estado
// open; sessões replica retornam ErrReadOnlySession. Se o commit falhar a sessão passa
// para rolledback.
func (s *Session) Commit(ctx context.Context) error {
	if s.state != StateOpen {
		return &SessionStateError{Op: "commit", State: s.state}
	}
	if s.role == RoleReplica {
		return ErrReadOnlySession
	}

	if err := s.Flush(ctx); err != nil {
		if rerr := s.Rollback(); rerr != nil {
			s.log.WithFields(log.Fields{"err": rerr, "flushErr": err}).Warn("rollback failed, discarding connection")
			s.conn.Discard()
		}
		s.outcome("commit_failed")
		return err
	}
	if err := s.tx.Commit(); err != nil {
		s.state = StateRolledBack
		s.pending = nil
		s.outcome("commit_failed")
		return errors.Wrap(err, "commit")
	}
	s.state = StateCommitted
	s.outcome("committed")
	return nil
}

// Rollback descarta a transação e as escritas pendentes. Só é válido no estado open.
// Em uma visão somente leitura a transação de origem não é tocada.
func (s *Session) Rollback() error {
	if s.state != StateOpen {
		return &SessionStateError{Op: "rollback", State: s.state}
	}
	s.pending = nil
	s.state = StateRolledBack
	s.outcome("rolledback")

	if s.origin != nil {
		return nil
	}
	if err := s.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return errors.Wrap(err, "rollback")
	}
	return nil
}

// Close encerra a sessão: faz rollback se ainda estiver open e sempre devolve a
// conexão ao pool, mesmo se o rollback falhar (nesse caso a conexão é descartada).
// Chamadas repetidas não fazem nada.
func (s *Session) Close() error {
	if s.state == StateClosed {
		return nil
	}
	var err error
	if s.state == StateOpen {
		err = s.Rollback()
	}
	s.state = StateClosed

	if s.origin != nil {
		return err
	}
	if err != nil {
		s.log.WithField("err", err).Warn("rollback failed, discarding connection")
		s.conn.Discard()
		return err
	}
	return s.conn.Close()
}

func (s *Session) outcome(o string) {
	sessionOutcomesTotal.WithLabelValues(s.db.Name(), s.role.String(), o).Inc()
}
