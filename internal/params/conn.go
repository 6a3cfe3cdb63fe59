package params

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jmoiron/sqlx"

	"github.com/ehr/fhirparams/internal/platform/db"
)

// rows is the subset of pgx.Rows and *sql.Rows the resolvers read through.
type rows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
	Close()
}

// conn is the statement surface shared by both drivers. SQL is written with
// '?' placeholders and rebound per driver.
type conn interface {
	Query(ctx context.Context, query string, args ...any) (rows, error)
	Exec(ctx context.Context, query string, args ...any) error
	// ExecBatch runs query once per argument row.
	ExecBatch(ctx context.Context, query string, argRows [][]any) error
	// InTx reports whether ctx carries an open transaction for this driver.
	InTx(ctx context.Context) bool
}

// pgxQueryable is satisfied by *pgxpool.Pool, *pgxpool.Conn and pgx.Tx.
type pgxQueryable interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

type pgxConn struct {
	pool *pgxpool.Pool
}

func (c *pgxConn) q(ctx context.Context) pgxQueryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if conn := db.ConnFromContext(ctx); conn != nil {
		return conn
	}
	return c.pool
}

func (c *pgxConn) Query(ctx context.Context, query string, args ...any) (rows, error) {
	r, err := c.q(ctx).Query(ctx, sqlx.Rebind(sqlx.DOLLAR, query), args...)
	if err != nil {
		return nil, err
	}
	return r, nil
}

func (c *pgxConn) Exec(ctx context.Context, query string, args ...any) error {
	_, err := c.q(ctx).Exec(ctx, sqlx.Rebind(sqlx.DOLLAR, query), args...)
	return err
}

func (c *pgxConn) ExecBatch(ctx context.Context, query string, argRows [][]any) error {
	if len(argRows) == 0 {
		return nil
	}
	query = sqlx.Rebind(sqlx.DOLLAR, query)
	batch := &pgx.Batch{}
	for _, args := range argRows {
		batch.Queue(query, args...)
	}
	br := c.q(ctx).SendBatch(ctx, batch)
	for i := range argRows {
		if _, err := br.Exec(); err != nil {
			br.Close()
			return fmt.Errorf("batch row %d: %w", i, err)
		}
	}
	return br.Close()
}

func (c *pgxConn) InTx(ctx context.Context) bool {
	return db.TxFromContext(ctx) != nil
}

// sqlQueryable is satisfied by *sqlx.DB and *sqlx.Tx.
type sqlQueryable interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	PreparexContext(ctx context.Context, query string) (*sqlx.Stmt, error)
	Rebind(query string) string
}

type sqlConn struct {
	db *sqlx.DB
}

func (c *sqlConn) q(ctx context.Context) sqlQueryable {
	if tx := db.SQLTxFromContext(ctx); tx != nil {
		return tx
	}
	return c.db
}

type sqlRows struct {
	*sql.Rows
}

func (r sqlRows) Close() { _ = r.Rows.Close() }

func (c *sqlConn) Query(ctx context.Context, query string, args ...any) (rows, error) {
	q := c.q(ctx)
	r, err := q.QueryContext(ctx, q.Rebind(query), args...)
	if err != nil {
		return nil, err
	}
	return sqlRows{r}, nil
}

func (c *sqlConn) Exec(ctx context.Context, query string, args ...any) error {
	q := c.q(ctx)
	_, err := q.ExecContext(ctx, q.Rebind(query), args...)
	return err
}

func (c *sqlConn) ExecBatch(ctx context.Context, query string, argRows [][]any) error {
	if len(argRows) == 0 {
		return nil
	}
	q := c.q(ctx)
	stmt, err := q.PreparexContext(ctx, q.Rebind(query))
	if err != nil {
		return err
	}
	defer stmt.Close()
	for i, args := range argRows {
		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			return fmt.Errorf("batch row %d: %w", i, err)
		}
	}
	return nil
}

func (c *sqlConn) InTx(ctx context.Context) bool {
	return db.SQLTxFromContext(ctx) != nil
}
