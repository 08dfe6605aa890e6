package aiauth

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Client is one registered autonomous agent. PublicKey holds the base64url
// encoded raw ed25519 verification key exactly as presented at registration.
type Client struct {
	ID                 string
	ClientID           string
	Name               string
	PublicKey          string
	SponsorUserID      string
	RevokedAt          *time.Time
	RateLimitWindowSec int
	RateLimitMaxWrites int
	CreatedAt          time.Time
}

// ClientStore resolves and mutates registered clients. The signature verifier
// only needs GetByClientID; the gateway admin surface uses the rest.
type ClientStore interface {
	GetByClientID(ctx context.Context, clientID string) (*Client, error)
}

type clientDB interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresClients is the pgx-backed ClientStore.
type PostgresClients struct {
	DB clientDB
}

func (s *PostgresClients) GetByClientID(ctx context.Context, clientID string) (*Client, error) {
	row := s.DB.QueryRow(ctx, `
		SELECT id, client_id, name, public_key, sponsor_user_id, revoked_at,
		       rate_limit_window_sec, rate_limit_max_writes, created_at
		FROM ai_clients WHERE client_id=$1
	`, clientID)
	var c Client
	if err := row.Scan(&c.ID, &c.ClientID, &c.Name, &c.PublicKey, &c.SponsorUserID,
		&c.RevokedAt, &c.RateLimitWindowSec, &c.RateLimitMaxWrites, &c.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &c, nil
}

// SetRevoked flips the revocation timestamp. Revoking an already revoked
// client (or unrevoking an active one) is a no-op reported via the bool.
func (s *PostgresClients) SetRevoked(ctx context.Context, clientID string, revoked bool) (bool, error) {
	var tag pgconn.CommandTag
	var err error
	if revoked {
		tag, err = s.DB.Exec(ctx, `
			UPDATE ai_clients SET revoked_at=now() WHERE client_id=$1 AND revoked_at IS NULL
		`, clientID)
	} else {
		tag, err = s.DB.Exec(ctx, `
			UPDATE ai_clients SET revoked_at=NULL WHERE client_id=$1 AND revoked_at IS NOT NULL
		`, clientID)
	}
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// List returns clients newest first. Public keys are included for the admin
// surface only; they must never leak into error bodies or events.
func (s *PostgresClients) List(ctx context.Context, limit int) ([]Client, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	rows, err := s.DB.Query(ctx, `
		SELECT id, client_id, name, public_key, sponsor_user_id, revoked_at,
		       rate_limit_window_sec, rate_limit_max_writes, created_at
		FROM ai_clients ORDER BY created_at DESC LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	items := make([]Client, 0, limit)
	for rows.Next() {
		var c Client
		if err := rows.Scan(&c.ID, &c.ClientID, &c.Name, &c.PublicKey, &c.SponsorUserID,
			&c.RevokedAt, &c.RateLimitWindowSec, &c.RateLimitMaxWrites, &c.CreatedAt); err == nil {
			items = append(items, c)
		}
	}
	return items, rows.Err()
}
