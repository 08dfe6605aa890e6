package pow

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Verification failure reasons surfaced to callers. All of them map to a 400
// at the HTTP layer; the caller must fetch a fresh challenge and retry.
var (
	ErrNotFound       = errors.New("unknown pow challenge")
	ErrActionMismatch = errors.New("pow challenge action mismatch")
	ErrAlreadyUsed    = errors.New("pow challenge already used")
	ErrExpired        = errors.New("pow challenge expired")
	ErrInsufficient   = errors.New("pow solution below difficulty")
)

const (
	DefaultDifficulty = 20
	DefaultTTL        = 2 * time.Minute
)

// ActionPolicy is the cost attached to one action tag.
type ActionPolicy struct {
	Difficulty int
	TTL        time.Duration
}

// Config enumerates per-action policies. Unknown actions fall back to Default.
type Config struct {
	Default ActionPolicy
	Actions map[string]ActionPolicy
}

func DefaultConfig() Config {
	return Config{
		Default: ActionPolicy{Difficulty: DefaultDifficulty, TTL: DefaultTTL},
		Actions: map[string]ActionPolicy{
			"register":      {Difficulty: 22, TTL: DefaultTTL},
			"catalog_write": {Difficulty: 20, TTL: DefaultTTL},
			"forum_post":    {Difficulty: 18, TTL: DefaultTTL},
			"forum_patch":   {Difficulty: 16, TTL: DefaultTTL},
			"forum_comment": {Difficulty: 16, TTL: DefaultTTL},
		},
	}
}

func (c Config) policyFor(action string) ActionPolicy {
	if p, ok := c.Actions[action]; ok {
		return p
	}
	p := c.Default
	if p.Difficulty <= 0 {
		p.Difficulty = DefaultDifficulty
	}
	if p.TTL <= 0 {
		p.TTL = DefaultTTL
	}
	return p
}

type powDB interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Challenge is an issued, not-yet-solved puzzle.
type Challenge struct {
	ID         string    `json:"id"`
	Action     string    `json:"action"`
	Challenge  string    `json:"challenge"`
	Difficulty int       `json:"difficulty"`
	ExpiresAt  time.Time `json:"expiresAt"`
}

// Engine issues and verifies single-use proof-of-work challenges backed by a
// durable store, so verification stays correct across gateway replicas.
type Engine struct {
	DB     powDB
	Config Config
	Now    func() time.Time
}

func NewEngine(db powDB, cfg Config) *Engine {
	if cfg.Default.Difficulty <= 0 {
		cfg.Default = ActionPolicy{Difficulty: DefaultDifficulty, TTL: DefaultTTL}
	}
	return &Engine{DB: db, Config: cfg, Now: func() time.Time { return time.Now().UTC() }}
}

// Issue persists a fresh random challenge for the given action tag.
func (e *Engine) Issue(ctx context.Context, action string) (Challenge, error) {
	action = strings.TrimSpace(action)
	policy := e.Config.policyFor(action)
	raw := make([]byte, 16)
	if _, err := rand.Read(raw); err != nil {
		return Challenge{}, fmt.Errorf("challenge entropy: %w", err)
	}
	ch := Challenge{
		ID:         uuid.New().String(),
		Action:     action,
		Challenge:  base64.RawURLEncoding.EncodeToString(raw),
		Difficulty: policy.Difficulty,
		ExpiresAt:  e.Now().Add(policy.TTL),
	}
	_, err := e.DB.Exec(ctx, `
		INSERT INTO pow_challenges (id, action, challenge, difficulty, expires_at)
		VALUES ($1,$2,$3,$4,$5)
	`, ch.ID, ch.Action, ch.Challenge, ch.Difficulty, ch.ExpiresAt)
	if err != nil {
		return Challenge{}, fmt.Errorf("persist pow challenge: %w", err)
	}
	return ch, nil
}

// Verify checks a solution and consumes the challenge on success. The consume
// is a conditional update on used_at, so a racing duplicate submission loses
// with ErrAlreadyUsed rather than double-spending the challenge.
func (e *Engine) Verify(ctx context.Context, id, nonce, expectedAction string) error {
	var (
		action     string
		challenge  string
		difficulty int
		expiresAt  time.Time
		usedAt     *time.Time
	)
	row := e.DB.QueryRow(ctx, `
		SELECT action, challenge, difficulty, expires_at, used_at
		FROM pow_challenges WHERE id=$1
	`, id)
	if err := row.Scan(&action, &challenge, &difficulty, &expiresAt, &usedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("load pow challenge: %w", err)
	}
	if expectedAction != "" && action != expectedAction {
		return ErrActionMismatch
	}
	if usedAt != nil {
		return ErrAlreadyUsed
	}
	if !e.Now().Before(expiresAt) {
		return ErrExpired
	}
	if LeadingZeroBits(SolutionHash(challenge, nonce)) < difficulty {
		return ErrInsufficient
	}
	tag, err := e.DB.Exec(ctx, `
		UPDATE pow_challenges SET used_at=$2 WHERE id=$1 AND used_at IS NULL
	`, id, e.Now())
	if err != nil {
		return fmt.Errorf("consume pow challenge: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAlreadyUsed
	}
	return nil
}

// SolutionHash is the hex digest the difficulty target is measured against.
func SolutionHash(challenge, nonce string) string {
	sum := sha256.Sum256([]byte(challenge + ":" + nonce))
	return hex.EncodeToString(sum[:])
}

// LeadingZeroBits counts zero bits from the most-significant end of a hex
// digest: 4 per zero nibble, then 0-3 inside the first non-zero nibble.
func LeadingZeroBits(hexDigest string) int {
	bits := 0
	for i := 0; i < len(hexDigest); i++ {
		nibble, err := hexNibble(hexDigest[i])
		if err != nil {
			return bits
		}
		if nibble == 0 {
			bits += 4
			continue
		}
		if nibble < 8 {
			bits++
		}
		if nibble < 4 {
			bits++
		}
		if nibble < 2 {
			bits++
		}
		break
	}
	return bits
}

func hexNibble(c byte) (int, error) {
	switch {
	case c >= '0' && c <= '9':
		return int(c - '0'), nil
	case c >= 'a' && c <= 'f':
		return int(c-'a') + 10, nil
	case c >= 'A' && c <= 'F':
		return int(c-'A') + 10, nil
	}
	return 0, fmt.Errorf("invalid hex digit %q", c)
}

// Solve brute-forces a nonce meeting the difficulty. Intended for tests and
// the reference client; difficulty above ~24 bits gets slow.
func Solve(challenge string, difficulty int) string {
	for i := 0; ; i++ {
		nonce := fmt.Sprintf("%d", i)
		if LeadingZeroBits(SolutionHash(challenge, nonce)) >= difficulty {
			return nonce
		}
	}
}
