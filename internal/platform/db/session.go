package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jmoiron/sqlx"
)

type contextKey string

const (
	DBConnKey contextKey = "db_conn"
	DBTxKey   contextKey = "db_tx"
	SQLTxKey  contextKey = "sql_tx"
)

var errNoConn = errors.New("no database connection in context")

// WithConn binds a pooled connection to ctx. Everything run with the returned
// context shares that connection's session.
func WithConn(ctx context.Context, conn *pgxpool.Conn) context.Context {
	return context.WithValue(ctx, DBConnKey, conn)
}

// ConnFromContext retrieves the session connection from context.
func ConnFromContext(ctx context.Context) *pgxpool.Conn {
	conn, _ := ctx.Value(DBConnKey).(*pgxpool.Conn)
	return conn
}

// WithTx begins a transaction on the connection bound to ctx and returns a
// context carrying it.
func WithTx(ctx context.Context) (context.Context, pgx.Tx, error) {
	conn := ConnFromContext(ctx)
	if conn == nil {
		return ctx, nil, errNoConn
	}
	tx, err := conn.Begin(ctx)
	if err != nil {
		return ctx, nil, fmt.Errorf("begin transaction: %w", err)
	}
	return context.WithValue(ctx, DBTxKey, tx), tx, nil
}

// TxFromContext retrieves the open transaction from context.
func TxFromContext(ctx context.Context) pgx.Tx {
	tx, _ := ctx.Value(DBTxKey).(pgx.Tx)
	return tx
}

// WithSQLTx begins a database/sql transaction and returns a context carrying it.
func WithSQLTx(ctx context.Context, sdb *sqlx.DB) (context.Context, *sqlx.Tx, error) {
	if sdb == nil {
		return ctx, nil, errNoConn
	}
	tx, err := sdb.BeginTxx(ctx, nil)
	if err != nil {
		return ctx, nil, fmt.Errorf("begin transaction: %w", err)
	}
	return context.WithValue(ctx, SQLTxKey, tx), tx, nil
}

// SQLTxFromContext retrieves the open database/sql transaction from context.
func SQLTxFromContext(ctx context.Context) *sqlx.Tx {
	tx, _ := ctx.Value(SQLTxKey).(*sqlx.Tx)
	return tx
}
