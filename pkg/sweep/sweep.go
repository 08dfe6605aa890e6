package sweep

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

type sweepDB interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
}

// Retention windows are generous relative to the TTLs they clean up after, so
// a missed sweep costs disk, never correctness.
const (
	DefaultProbability   = 0.02
	DefaultPowKeep       = 6 * time.Hour
	DefaultNonceKeep     = 24 * time.Hour
	DefaultRateKeep      = 72 * time.Hour
	DefaultRegTokenKeep  = 24 * time.Hour
	DefaultActionLogKeep = 30 * 24 * time.Hour
)

// Sweeper deletes expired challenges, old nonces, stale rate windows and dead
// registration tokens. Maybe runs it behind a coin flip from unrelated request
// handlers; Run is for the periodic loop and the admin endpoint.
type Sweeper struct {
	DB            sweepDB
	Probability   float64
	PowKeep       time.Duration
	NonceKeep     time.Duration
	RateKeep      time.Duration
	RegTokenKeep  time.Duration
	ActionLogKeep time.Duration
	Now           func() time.Time
	coin          func() float64
}

func New(db sweepDB) *Sweeper {
	return &Sweeper{
		DB:            db,
		Probability:   DefaultProbability,
		PowKeep:       DefaultPowKeep,
		NonceKeep:     DefaultNonceKeep,
		RateKeep:      DefaultRateKeep,
		RegTokenKeep:  DefaultRegTokenKeep,
		ActionLogKeep: DefaultActionLogKeep,
		Now:           func() time.Time { return time.Now().UTC() },
		coin:          rand.Float64,
	}
}

// Maybe runs a sweep with the configured probability. Errors are returned so
// callers can log them, but a failed sweep never fails the request that
// happened to trigger it.
func (s *Sweeper) Maybe(ctx context.Context) (bool, error) {
	if s.coin() > s.Probability {
		return false, nil
	}
	return true, s.Run(ctx)
}

// Report counts deleted rows per table.
type Report struct {
	PowChallenges      int64 `json:"powChallenges"`
	Nonces             int64 `json:"nonces"`
	RateWindows        int64 `json:"rateWindows"`
	RegistrationTokens int64 `json:"registrationTokens"`
	ActionLogs         int64 `json:"actionLogs"`
}

func (s *Sweeper) Run(ctx context.Context) error {
	_, err := s.RunReport(ctx)
	return err
}

func (s *Sweeper) RunReport(ctx context.Context) (Report, error) {
	now := s.Now()
	var rep Report

	tag, err := s.DB.Exec(ctx, `
		DELETE FROM pow_challenges
		WHERE expires_at < $1 OR (used_at IS NOT NULL AND created_at < $1)
	`, now.Add(-s.PowKeep))
	if err != nil {
		return rep, fmt.Errorf("sweep pow challenges: %w", err)
	}
	rep.PowChallenges = tag.RowsAffected()

	tag, err = s.DB.Exec(ctx, `DELETE FROM ai_nonces WHERE created_at < $1`, now.Add(-s.NonceKeep))
	if err != nil {
		return rep, fmt.Errorf("sweep nonces: %w", err)
	}
	rep.Nonces = tag.RowsAffected()

	tag, err = s.DB.Exec(ctx, `DELETE FROM ai_rate_windows WHERE window_start < $1`, now.Add(-s.RateKeep))
	if err != nil {
		return rep, fmt.Errorf("sweep rate windows: %w", err)
	}
	rep.RateWindows = tag.RowsAffected()

	// Consumed tokens are dead the moment they are used, so they age out on
	// used_at; unconsumed tokens have to stay until expiry has passed.
	tag, err = s.DB.Exec(ctx, `
		DELETE FROM ai_registration_tokens
		WHERE (used_at IS NOT NULL AND used_at < $1) OR expires_at < $1
	`, now.Add(-s.RegTokenKeep))
	if err != nil {
		return rep, fmt.Errorf("sweep registration tokens: %w", err)
	}
	rep.RegistrationTokens = tag.RowsAffected()

	tag, err = s.DB.Exec(ctx, `DELETE FROM ai_action_log WHERE created_at < $1`, now.Add(-s.ActionLogKeep))
	if err != nil {
		return rep, fmt.Errorf("sweep action log: %w", err)
	}
	rep.ActionLogs = tag.RowsAffected()
	return rep, nil
}
