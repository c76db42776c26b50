package store

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// lockConn is a dedicated session holding an advisory lock.
type lockConn interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Release()
	Discard(ctx context.Context)
}

type connSource interface {
	acquire(ctx context.Context) (lockConn, error)
}

type pooledConn struct {
	*pgxpool.Conn
}

// Discard closes the session so any lock it still holds is dropped by the server.
func (c pooledConn) Discard(ctx context.Context) {
	_ = c.Conn.Conn().Close(ctx)
	c.Conn.Release()
}

type poolSource struct {
	pool *pgxpool.Pool
}

func (p poolSource) acquire(ctx context.Context) (lockConn, error) {
	conn, err := p.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	return pooledConn{Conn: conn}, nil
}

// AdvisoryLocker serializes sync runs per user across processes using
// session-level Postgres advisory locks. A crashed holder's session ends and
// the server drops its locks.
type AdvisoryLocker struct {
	src connSource
}

func NewAdvisoryLocker(pool *pgxpool.Pool) *AdvisoryLocker {
	return &AdvisoryLocker{src: poolSource{pool: pool}}
}

func userLockKey(userID int64) string {
	return "calsync:user:" + strconv.FormatInt(userID, 10)
}

// TryLock attempts to take the user's lock without waiting. When acquired is
// true the caller must invoke unlock exactly once; extra calls are no-ops.
func (l *AdvisoryLocker) TryLock(ctx context.Context, userID int64) (unlock func(), acquired bool, err error) {
	defer observeDB(ctx, "lock.try")()

	conn, err := l.src.acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire lock connection: %w", err)
	}

	key := userLockKey(userID)
	var ok bool
	if err := conn.QueryRow(ctx, `SELECT pg_try_advisory_lock(hashtextextended($1, 0))`, key).Scan(&ok); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !ok {
		conn.Release()
		return nil, false, nil
	}

	var once sync.Once
	unlock = func() {
		once.Do(func() {
			releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if _, err := conn.Exec(releaseCtx, `SELECT pg_advisory_unlock(hashtextextended($1, 0))`, key); err != nil {
				log.Printf("[WARN] advisory unlock failed user=%d, discarding session: %v", userID, err)
				conn.Discard(releaseCtx)
				return
			}
			conn.Release()
		})
	}
	return unlock, true, nil
}
