// Package pool narrows pgxpool to the surface the catalog needs, so that
// query code depends on small interfaces instead of the concrete pool.
package pool

import (
	"context"

	"github.com/jackc/pgconn"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
)

// Queryer sends SQL. Extracted from `*pgxpool.Conn` and `pgx.Tx`.
type Queryer interface {
	// sending SQL command which does not have any result rows.
	Exec(ctx context.Context, sql string, arguments ...interface{}) (pgconn.CommandTag, error)

	// sending SQL command which has result rows.
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)

	// sending SQL command which has just a single result row.
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

// Conn is a checked-out connection. Release it on every exit path.
//
// This is a subset of `*pgxpool.Conn`; when you need more methods, declare
// them here and forward in pgxPoolConn.
type Conn interface {
	Queryer

	Release()
	Ping(ctx context.Context) error
}

// Pool hands out connections.
//
// `*pgxpool.Pool` does not implement Pool directly (golang lacks covariance
// in typing); Wrap it instead.
type Pool interface {
	Acquire(ctx context.Context) (Conn, error)
}

// Wrap makes a *pgxpool.Pool usable as Pool.
func Wrap(base *pgxpool.Pool) Pool {
	return &pgxPool{base: base}
}

type pgxPool struct {
	base *pgxpool.Pool
}

var _ Pool = &pgxPool{}

func (p *pgxPool) Acquire(ctx context.Context) (Conn, error) {
	conn, err := p.base.Acquire(ctx)
	if conn == nil {
		return nil, err
	}
	return &pgxPoolConn{base: conn}, err
}

// thin wrapper of *pgxpool.Conn as Conn
type pgxPoolConn struct {
	base *pgxpool.Conn
}

var _ Conn = &pgxPoolConn{}

func (c *pgxPoolConn) Release() {
	c.base.Release()
}

func (c *pgxPoolConn) Exec(ctx context.Context, sql string, arguments ...interface{}) (pgconn.CommandTag, error) {
	return c.base.Exec(ctx, sql, arguments...)
}

func (c *pgxPoolConn) Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error) {
	return c.base.Query(ctx, sql, args...)
}

func (c *pgxPoolConn) QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row {
	return c.base.QueryRow(ctx, sql, args...)
}

func (c *pgxPoolConn) Ping(ctx context.Context) error {
	return c.base.Ping(ctx)
}
