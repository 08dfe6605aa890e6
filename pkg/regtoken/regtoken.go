package regtoken

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// Terminal consumption failures; the caller must get a fresh token from a
// human sponsor. All map to 403 at the HTTP layer.
var (
	ErrInvalidToken = errors.New("invalid registration token")
	ErrAlreadyUsed  = errors.New("registration token already used")
	ErrExpired      = errors.New("registration token expired")
)

const (
	MinTTLMinutes     = 5
	MaxTTLMinutes     = 180
	DefaultTTLMinutes = 30
)

type tokenDB interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Service issues and consumes single-use, sponsor-bound onboarding tokens.
// Only the SHA-256 of a token is ever stored.
type Service struct {
	DB  tokenDB
	Now func() time.Time
}

func NewService(db tokenDB) *Service {
	return &Service{DB: db, Now: func() time.Time { return time.Now().UTC() }}
}

type Issued struct {
	Token      string    `json:"token"`
	ExpiresAt  time.Time `json:"expiresAt"`
	TTLMinutes int       `json:"ttlMinutes"`
}

// Issue mints a fresh token for the sponsor and proactively expires any other
// live unused token they hold, keeping at most one outstanding token per
// sponsor. The raw token is returned exactly once.
func (s *Service) Issue(ctx context.Context, sponsorUserID string, ttlMinutes int) (Issued, error) {
	if sponsorUserID == "" {
		return Issued{}, errors.New("sponsor user id required")
	}
	if ttlMinutes == 0 {
		ttlMinutes = DefaultTTLMinutes
	}
	if ttlMinutes < MinTTLMinutes {
		ttlMinutes = MinTTLMinutes
	}
	if ttlMinutes > MaxTTLMinutes {
		ttlMinutes = MaxTTLMinutes
	}

	raw := make([]byte, 24)
	if _, err := rand.Read(raw); err != nil {
		return Issued{}, fmt.Errorf("token entropy: %w", err)
	}
	token := base64.RawURLEncoding.EncodeToString(raw)
	now := s.Now()
	expiresAt := now.Add(time.Duration(ttlMinutes) * time.Minute)

	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return Issued{}, fmt.Errorf("begin issue tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `
		UPDATE ai_registration_tokens SET expires_at=$2
		WHERE sponsor_user_id=$1 AND used_at IS NULL AND expires_at > $2
	`, sponsorUserID, now); err != nil {
		return Issued{}, fmt.Errorf("expire prior tokens: %w", err)
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO ai_registration_tokens (token_hash, sponsor_user_id, expires_at)
		VALUES ($1,$2,$3)
	`, HashToken(token), sponsorUserID, expiresAt); err != nil {
		return Issued{}, fmt.Errorf("insert token: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return Issued{}, fmt.Errorf("commit issue tx: %w", err)
	}
	return Issued{Token: token, ExpiresAt: expiresAt, TTLMinutes: ttlMinutes}, nil
}

// Consume marks the presented token used inside the caller's transaction and
// returns the sponsor it was bound to. Running inside the registration
// transaction means token use and client creation commit or fail together;
// the row lock serializes concurrent consumption so exactly one wins.
func (s *Service) Consume(ctx context.Context, tx pgx.Tx, rawToken string) (string, error) {
	now := s.Now()
	var (
		id        string
		sponsorID string
		usedAt    *time.Time
		expiresAt time.Time
	)
	row := tx.QueryRow(ctx, `
		SELECT id, sponsor_user_id, used_at, expires_at
		FROM ai_registration_tokens WHERE token_hash=$1
		FOR UPDATE
	`, HashToken(rawToken))
	if err := row.Scan(&id, &sponsorID, &usedAt, &expiresAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrInvalidToken
		}
		return "", fmt.Errorf("load token: %w", err)
	}
	if usedAt != nil {
		return "", ErrAlreadyUsed
	}
	if !now.Before(expiresAt) {
		return "", ErrExpired
	}
	tag, err := tx.Exec(ctx, `
		UPDATE ai_registration_tokens SET used_at=$2 WHERE id=$1 AND used_at IS NULL
	`, id, now)
	if err != nil {
		return "", fmt.Errorf("consume token: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return "", ErrAlreadyUsed
	}
	return sponsorID, nil
}

// HashToken is the only representation of a token that touches storage.
func HashToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}
