package ingest

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jmoiron/sqlx"

	"github.com/ehr/fhirparams/internal/params"
	"github.com/ehr/fhirparams/internal/platform/db"
)

// Tx is the transaction a unit of work runs in.
type Tx interface {
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// Session is one worker's database session: the engine to resolve and write
// with and a way to begin transactions on the session's connection.
type Session interface {
	Engine() *params.Engine
	// Begin returns a context carrying the new transaction.
	Begin(ctx context.Context) (context.Context, Tx, error)
	Close()
}

// SessionFactory opens a session for a new worker.
type SessionFactory func(ctx context.Context) (Session, error)

type pgxSession struct {
	conn   *pgxpool.Conn
	engine *params.Engine
}

// PgxSessions gives every worker its own pooled connection for its lifetime.
func PgxSessions(pool *pgxpool.Pool, variant params.Variant) SessionFactory {
	engine := params.NewPgxEngine(pool, variant)
	return func(ctx context.Context) (Session, error) {
		conn, err := pool.Acquire(ctx)
		if err != nil {
			return nil, fmt.Errorf("acquire connection: %w", err)
		}
		return &pgxSession{conn: conn, engine: engine}, nil
	}
}

func (s *pgxSession) Engine() *params.Engine { return s.engine }

func (s *pgxSession) Begin(ctx context.Context) (context.Context, Tx, error) {
	ctx, tx, err := db.WithTx(db.WithConn(ctx, s.conn))
	if err != nil {
		return ctx, nil, err
	}
	return ctx, tx, nil
}

func (s *pgxSession) Close() { s.conn.Release() }

type sqlSession struct {
	db     *sqlx.DB
	engine *params.Engine
}

// SQLSessions runs workers on a database/sql handle. Each transaction pins a
// connection for its duration.
func SQLSessions(sdb *sqlx.DB, variant params.Variant) SessionFactory {
	engine := params.NewSQLEngine(sdb, variant)
	return func(ctx context.Context) (Session, error) {
		return &sqlSession{db: sdb, engine: engine}, nil
	}
}

func (s *sqlSession) Engine() *params.Engine { return s.engine }

func (s *sqlSession) Begin(ctx context.Context) (context.Context, Tx, error) {
	ctx, tx, err := db.WithSQLTx(ctx, s.db)
	if err != nil {
		return ctx, nil, err
	}
	return ctx, sqlTx{tx}, nil
}

func (s *sqlSession) Close() {}

type sqlTx struct {
	tx *sqlx.Tx
}

func (t sqlTx) Commit(context.Context) error   { return t.tx.Commit() }
func (t sqlTx) Rollback(context.Context) error { return t.tx.Rollback() }
