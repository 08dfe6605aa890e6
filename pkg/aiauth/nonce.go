package aiauth

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// ErrNonceReplayed is returned when a (client, nonce) pair has been seen
// before. The unique index on the ledger table is the replay detector; there
// is no read-then-write window.
var ErrNonceReplayed = errors.New("nonce already consumed")

// NonceLedger records each accepted (client, nonce) pair exactly once.
type NonceLedger interface {
	Record(ctx context.Context, internalClientID, nonce string) error
}

type nonceDB interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
}

// NonceCache is the optional redis fast path in front of the durable insert.
// A SetNX miss rejects cheaply; Postgres stays the source of truth.
type NonceCache interface {
	SetNX(ctx context.Context, key string, value string, ttl time.Duration) (bool, error)
}

type PostgresNonces struct {
	DB       nonceDB
	Cache    NonceCache
	CacheTTL time.Duration
}

func (l *PostgresNonces) Record(ctx context.Context, internalClientID, nonce string) error {
	if l.Cache != nil {
		ttl := l.CacheTTL
		if ttl <= 0 {
			ttl = 2 * time.Minute
		}
		ok, err := l.Cache.SetNX(ctx, "ainonce:"+internalClientID+":"+nonce, "1", ttl)
		if err == nil && !ok {
			return ErrNonceReplayed
		}
		// Cache errors fall through to the durable check.
	}
	_, err := l.DB.Exec(ctx, `
		INSERT INTO ai_nonces (ai_client_id, nonce) VALUES ($1,$2)
	`, internalClientID, nonce)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrNonceReplayed
		}
		return err
	}
	return nil
}
