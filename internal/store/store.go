package store

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// dbtx is the subset of pgxpool.Pool the repositories use.
type dbtx interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
}

type pinger interface {
	Ping(ctx context.Context) error
}

// TokenSealer encrypts OAuth tokens before they are written to the database.
type TokenSealer interface {
	Seal(plaintext string) (string, error)
	Open(sealed string) (string, error)
}

// Store aggregates repositories backed by PostgreSQL.
type Store struct {
	pool dbtx

	Credentials   CredentialRepository
	Links         SyncLinkRepository
	Items         ItemRepository
	Collaborators CollaboratorRepository
	Locks         *AdvisoryLocker
}

// New wires concrete repository implementations with shared connection pool.
func New(pool *pgxpool.Pool, sealer TokenSealer) *Store {
	return &Store{
		pool:          pool,
		Credentials:   &credentialRepo{pool: pool, sealer: sealer},
		Links:         &syncLinkRepo{pool: pool},
		Items:         &itemRepo{pool: pool},
		Collaborators: &collaboratorRepo{pool: pool},
		Locks:         NewAdvisoryLocker(pool),
	}
}

// BeginTx starts a transaction with default options.
func (s *Store) BeginTx(ctx context.Context) (pgx.Tx, error) {
	defer observeDB(ctx, "db.begin_tx")()
	return s.pool.BeginTx(ctx, pgx.TxOptions{})
}

// HealthCheck verifies that the underlying database is reachable.
func (s *Store) HealthCheck(ctx context.Context) error {
	defer observeDB(ctx, "db.healthcheck")()
	if p, ok := s.pool.(pinger); ok {
		return p.Ping(ctx)
	}
	var one int
	return s.pool.QueryRow(ctx, "SELECT 1").Scan(&one)
}
