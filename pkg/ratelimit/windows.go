package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
)

// Limit is one fixed-window budget.
type Limit struct {
	Window time.Duration
	Max    int
}

// Config carries the per-action budgets for every scope the limiter
// evaluates. Comment-class actions additionally get thread and global rules.
type Config struct {
	Default Limit
	Client  map[string]Limit
	Thread  map[string]Limit
	Global  map[string]Limit
}

func DefaultConfig() Config {
	return Config{
		Default: Limit{Window: time.Hour, Max: 10},
		Client: map[string]Limit{
			"catalog_write": {Window: time.Hour, Max: 1},
			"forum_post":    {Window: time.Hour, Max: 2},
			"forum_patch":   {Window: time.Hour, Max: 6},
			"forum_comment": {Window: 10 * time.Minute, Max: 5},
		},
		Thread: map[string]Limit{
			"forum_comment": {Window: 10 * time.Minute, Max: 10},
		},
		Global: map[string]Limit{
			"forum_comment": {Window: time.Minute, Max: 60},
		},
	}
}

// WindowStore persists per-scope fixed-window counters. TryIncr must be a
// single atomic conditional increment: it either counts the attempt and
// reports true, or leaves the stored count untouched and reports false.
type WindowStore interface {
	TryIncr(ctx context.Context, scopeKey, action string, windowStart time.Time, max int) (bool, error)
}

type windowQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresWindows backs the limiter with one row per (scope, action, window).
// The upsert's WHERE clause makes the increment conditional, so a rejected
// attempt is never counted; there is no increment-then-rollback drift window.
type PostgresWindows struct {
	DB windowQuerier
}

func (s *PostgresWindows) TryIncr(ctx context.Context, scopeKey, action string, windowStart time.Time, max int) (bool, error) {
	var count int
	err := s.DB.QueryRow(ctx, `
		INSERT INTO ai_rate_windows (scope_key, action, window_start, count)
		VALUES ($1,$2,$3,1)
		ON CONFLICT (scope_key, action, window_start)
		DO UPDATE SET count = ai_rate_windows.count + 1
		WHERE ai_rate_windows.count < $4
		RETURNING count
	`, scopeKey, action, windowStart, max).Scan(&count)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("rate window upsert: %w", err)
	}
	return true, nil
}

// Decision is the outcome of evaluating all rules for one attempt.
type Decision struct {
	Allowed       bool
	Scope         string // scope key of the first failing rule
	RetryAfterSec int
}

// Windows evaluates ordered scoped rules against the durable window store.
type Windows struct {
	Store  WindowStore
	Config Config
	Now    func() time.Time
}

func NewWindows(store WindowStore, cfg Config) *Windows {
	if cfg.Default.Max <= 0 {
		cfg.Default = Limit{Window: time.Hour, Max: 10}
	}
	return &Windows{Store: store, Config: cfg, Now: func() time.Time { return time.Now().UTC() }}
}

type rule struct {
	scopeKey string
	limit    Limit
}

// Consume counts one attempt of action for the client. threadID scopes the
// per-thread rule for comment-class actions; clientOverride, when set,
// replaces the configured per-client budget (per-client defaults stored on
// the AiClient row). Rules are applied in order and the first failure wins.
func (w *Windows) Consume(ctx context.Context, clientID, action, threadID string, clientOverride *Limit) (Decision, error) {
	clientLimit := w.limitFor(w.Config.Client, action)
	if clientOverride != nil && clientOverride.Max > 0 && clientOverride.Window > 0 {
		clientLimit = *clientOverride
	}
	rules := []rule{{scopeKey: "client:" + clientID, limit: clientLimit}}
	if threadID != "" {
		if limit, ok := w.Config.Thread[action]; ok {
			rules = append(rules, rule{scopeKey: "thread:" + threadID, limit: limit})
		}
	}
	if limit, ok := w.Config.Global[action]; ok {
		rules = append(rules, rule{scopeKey: "global", limit: limit})
	}

	now := w.Now()
	for _, r := range rules {
		max := r.limit.Max
		if max <= 0 {
			max = 1
		}
		windowMs := r.limit.Window.Milliseconds()
		if windowMs <= 0 {
			windowMs = time.Minute.Milliseconds()
		}
		startMs := now.UnixMilli() / windowMs * windowMs
		ok, err := w.Store.TryIncr(ctx, r.scopeKey, action, time.UnixMilli(startMs).UTC(), max)
		if err != nil {
			return Decision{}, err
		}
		if !ok {
			remainingMs := startMs + windowMs - now.UnixMilli()
			retry := int((remainingMs + 999) / 1000)
			if retry < 1 {
				retry = 1
			}
			return Decision{Scope: r.scopeKey, RetryAfterSec: retry}, nil
		}
	}
	return Decision{Allowed: true}, nil
}

func (w *Windows) limitFor(m map[string]Limit, action string) Limit {
	if limit, ok := m[strings.TrimSpace(action)]; ok {
		return limit
	}
	return w.Config.Default
}
