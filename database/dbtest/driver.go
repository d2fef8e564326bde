// Package dbtest provides a scripted implementation of "database/sql/driver".Driver
// for exercising the connection pool and sessions without a database server.
package dbtest

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/frewsxcv/ichnaea/database"
)

var registered atomic.Int64

// ErrHang, queued with FailPings, makes that ping block until its context is done.
var ErrHang = errors.New("dbtest: hang until context is done")

// Driver records every connection, ping and transaction it sees. Ping, commit and
// rollback failures can be scripted ahead of time.
type Driver struct {
	name string

	mu        sync.Mutex
	conns     int
	closedIDs []int
	pinged    []int
	pingErrs  []error
	execErr   error
	commitErr error
	rollErr   error
	commits   int
	rollbacks int
	txOpts    []driver.TxOptions
	execs     []string
}

// New registers a fresh Driver under a unique name with database/sql.
func New() *Driver {
	var d = &Driver{name: fmt.Sprintf("dbtest-%d", registered.Add(1))}
	sql.Register(d.name, d)
	return d
}

// Name is the name the Driver is registered under.
func (d *Driver) Name() string { return d.name }

// Target resolves to this Driver with the MySQL dialect.
func (d *Driver) Target() database.Target {
	return database.Target{Driver: d.name, DSN: d.name, Dialect: database.MySQL, Name: d.name}
}

// Open opens a new connection. Connection IDs start at 1.
func (d *Driver) Open(string) (driver.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.conns++
	return &conn{driver: d, id: d.conns}, nil
}

// FailPings queues errors returned by the next pings, one per ping, on any connection.
func (d *Driver) FailPings(errs ...error) {
	d.mu.Lock()
	d.pingErrs = append(d.pingErrs, errs...)
	d.mu.Unlock()
}

// FailExec makes every following exec return err.
func (d *Driver) FailExec(err error) {
	d.mu.Lock()
	d.execErr = err
	d.mu.Unlock()
}

// FailCommit makes every following commit return err.
func (d *Driver) FailCommit(err error) {
	d.mu.Lock()
	d.commitErr = err
	d.mu.Unlock()
}

// FailRollback makes every following rollback return err.
func (d *Driver) FailRollback(err error) {
	d.mu.Lock()
	d.rollErr = err
	d.mu.Unlock()
}

// Opened is the number of physical connections opened.
func (d *Driver) Opened() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conns
}

// Closed returns the IDs of physical connections closed, in order.
func (d *Driver) Closed() []int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]int(nil), d.closedIDs...)
}

// Pinged returns the connection ID of every ping, in order.
func (d *Driver) Pinged() []int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]int(nil), d.pinged...)
}

func (d *Driver) Commits() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.commits
}

func (d *Driver) Rollbacks() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.rollbacks
}

// TxOptions returns the options of every transaction begun, in order.
func (d *Driver) TxOptions() []driver.TxOptions {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]driver.TxOptions(nil), d.txOpts...)
}

// Execs returns every statement executed, in order.
func (d *Driver) Execs() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.execs...)
}

type conn struct {
	driver *Driver
	id     int
}

var (
	_ driver.Pinger            = (*conn)(nil)
	_ driver.ConnBeginTx       = (*conn)(nil)
	_ driver.ExecerContext     = (*conn)(nil)
	_ driver.QueryerContext    = (*conn)(nil)
	_ driver.NamedValueChecker = (*conn)(nil)
)

func (c *conn) Ping(ctx context.Context) error {
	var d = c.driver
	d.mu.Lock()
	d.pinged = append(d.pinged, c.id)
	var err error
	if len(d.pingErrs) != 0 {
		err = d.pingErrs[0]
		d.pingErrs = d.pingErrs[1:]
	}
	d.mu.Unlock()

	if err == ErrHang {
		<-ctx.Done()
		return ctx.Err()
	}
	return err
}

func (c *conn) Close() error {
	c.driver.mu.Lock()
	c.driver.closedIDs = append(c.driver.closedIDs, c.id)
	c.driver.mu.Unlock()
	return nil
}

func (c *conn) Begin() (driver.Tx, error) {
	return c.BeginTx(context.Background(), driver.TxOptions{})
}

func (c *conn) BeginTx(_ context.Context, opts driver.TxOptions) (driver.Tx, error) {
	c.driver.mu.Lock()
	c.driver.txOpts = append(c.driver.txOpts, opts)
	c.driver.mu.Unlock()
	return &tx{driver: c.driver}, nil
}

func (c *conn) Prepare(query string) (driver.Stmt, error) {
	return &stmt{conn: c, query: query}, nil
}

func (c *conn) ExecContext(_ context.Context, query string, _ []driver.NamedValue) (driver.Result, error) {
	c.driver.mu.Lock()
	defer c.driver.mu.Unlock()

	if c.driver.execErr != nil {
		return nil, c.driver.execErr
	}
	c.driver.execs = append(c.driver.execs, query)
	return driver.RowsAffected(1), nil
}

func (c *conn) QueryContext(context.Context, string, []driver.NamedValue) (driver.Rows, error) {
	return &rows{}, nil
}

// CheckNamedValue accepts any argument as is.
func (c *conn) CheckNamedValue(*driver.NamedValue) error { return nil }

type tx struct {
	driver *Driver
}

func (t *tx) Commit() error {
	t.driver.mu.Lock()
	defer t.driver.mu.Unlock()

	if t.driver.commitErr != nil {
		return t.driver.commitErr
	}
	t.driver.commits++
	return nil
}

func (t *tx) Rollback() error {
	t.driver.mu.Lock()
	defer t.driver.mu.Unlock()

	if t.driver.rollErr != nil {
		return t.driver.rollErr
	}
	t.driver.rollbacks++
	return nil
}

type stmt struct {
	conn  *conn
	query string
}

func (s *stmt) Close() error  { return nil }
func (s *stmt) NumInput() int { return -1 }

func (s *stmt) Exec([]driver.Value) (driver.Result, error) {
	return s.conn.ExecContext(context.Background(), s.query, nil)
}

func (s *stmt) Query([]driver.Value) (driver.Rows, error) {
	return &rows{}, nil
}

// rows is always empty.
type rows struct{}

func (*rows) Columns() []string         { return nil }
func (*rows) Close() error              { return nil }
func (*rows) Next([]driver.Value) error { return io.EOF }
