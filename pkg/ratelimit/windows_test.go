package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
)

type memWindowStore struct {
	counts map[string]int
	err    error
}

func windowKey(scopeKey, action string, windowStart time.Time) string {
	return scopeKey + "|" + action + "|" + windowStart.UTC().Format(time.RFC3339Nano)
}

func (m *memWindowStore) TryIncr(ctx context.Context, scopeKey, action string, windowStart time.Time, max int) (bool, error) {
	if m.err != nil {
		return false, m.err
	}
	if m.counts == nil {
		m.counts = map[string]int{}
	}
	key := windowKey(scopeKey, action, windowStart)
	if m.counts[key] >= max {
		return false, nil
	}
	m.counts[key]++
	return true, nil
}

func fixedClock(at time.Time) func() time.Time {
	return func() time.Time { return at }
}

func TestConsumeEnforcesPerClientWindow(t *testing.T) {
	store := &memWindowStore{}
	cfg := DefaultConfig()
	cfg.Client["catalog_write"] = Limit{Window: time.Minute, Max: 1}
	w := NewWindows(store, cfg)
	base := time.Unix(1_700_000_000, 0).UTC()
	w.Now = fixedClock(base.Add(10 * time.Second))

	first, err := w.Consume(context.Background(), "c1", "catalog_write", "", nil)
	if err != nil || !first.Allowed {
		t.Fatalf("first consume should pass: %+v err=%v", first, err)
	}
	second, err := w.Consume(context.Background(), "c1", "catalog_write", "", nil)
	if err != nil {
		t.Fatalf("second consume: %v", err)
	}
	if second.Allowed {
		t.Fatalf("second consume should be limited: %+v", second)
	}
	if second.RetryAfterSec <= 0 || second.RetryAfterSec > 60 {
		t.Fatalf("retry-after out of bounds: %d", second.RetryAfterSec)
	}
	if second.Scope != "client:c1" {
		t.Fatalf("expected client scope failure, got %q", second.Scope)
	}

	// Next window boundary frees the budget.
	w.Now = fixedClock(base.Add(70 * time.Second))
	third, err := w.Consume(context.Background(), "c1", "catalog_write", "", nil)
	if err != nil || !third.Allowed {
		t.Fatalf("post-boundary consume should pass: %+v err=%v", third, err)
	}
}

func TestConsumeIsolatesScopes(t *testing.T) {
	store := &memWindowStore{}
	cfg := DefaultConfig()
	cfg.Client["catalog_write"] = Limit{Window: time.Minute, Max: 1}
	w := NewWindows(store, cfg)
	w.Now = fixedClock(time.Unix(1_700_000_000, 0).UTC())

	if d, _ := w.Consume(context.Background(), "c1", "catalog_write", "", nil); !d.Allowed {
		t.Fatalf("c1 first consume should pass: %+v", d)
	}
	if d, _ := w.Consume(context.Background(), "c2", "catalog_write", "", nil); !d.Allowed {
		t.Fatalf("c2 should have its own budget: %+v", d)
	}
}

func TestConsumeCommentRulesThreadThenGlobal(t *testing.T) {
	store := &memWindowStore{}
	cfg := Config{
		Default: Limit{Window: time.Hour, Max: 100},
		Client:  map[string]Limit{"forum_comment": {Window: time.Minute, Max: 100}},
		Thread:  map[string]Limit{"forum_comment": {Window: time.Minute, Max: 2}},
		Global:  map[string]Limit{"forum_comment": {Window: time.Minute, Max: 3}},
	}
	w := NewWindows(store, cfg)
	w.Now = fixedClock(time.Unix(1_700_000_000, 0).UTC())

	for i := 0; i < 2; i++ {
		if d, err := w.Consume(context.Background(), "c1", "forum_comment", "t1", nil); err != nil || !d.Allowed {
			t.Fatalf("comment %d should pass: %+v err=%v", i, d, err)
		}
	}
	d, err := w.Consume(context.Background(), "c1", "forum_comment", "t1", nil)
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if d.Allowed || d.Scope != "thread:t1" {
		t.Fatalf("expected thread rule failure, got %+v", d)
	}

	// Another thread passes but then trips the global rule.
	if d, _ := w.Consume(context.Background(), "c1", "forum_comment", "t2", nil); !d.Allowed {
		t.Fatalf("other thread should pass: %+v", d)
	}
	d, _ = w.Consume(context.Background(), "c1", "forum_comment", "t3", nil)
	if d.Allowed || d.Scope != "global" {
		t.Fatalf("expected global rule failure, got %+v", d)
	}
}

func TestConsumeClientOverride(t *testing.T) {
	store := &memWindowStore{}
	w := NewWindows(store, DefaultConfig())
	w.Now = fixedClock(time.Unix(1_700_000_000, 0).UTC())

	override := &Limit{Window: time.Minute, Max: 1}
	if d, _ := w.Consume(context.Background(), "c1", "forum_post", "", override); !d.Allowed {
		t.Fatalf("first consume should pass: %+v", d)
	}
	if d, _ := w.Consume(context.Background(), "c1", "forum_post", "", override); d.Allowed {
		t.Fatalf("override budget of 1 should limit second consume: %+v", d)
	}
}

func TestConsumePropagatesStoreErrors(t *testing.T) {
	boom := errors.New("pg down")
	w := NewWindows(&memWindowStore{err: boom}, DefaultConfig())
	if _, err := w.Consume(context.Background(), "c1", "forum_post", "", nil); !errors.Is(err, boom) {
		t.Fatalf("expected store error propagation, got %v", err)
	}
}

type fakeWindowRow struct {
	count int
	err   error
}

func (r fakeWindowRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	*(dest[0].(*int)) = r.count
	return nil
}

type fakeWindowQuerier struct {
	row fakeWindowRow
}

func (f *fakeWindowQuerier) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return f.row
}

func TestPostgresWindowsNoRowMeansRejected(t *testing.T) {
	s := &PostgresWindows{DB: &fakeWindowQuerier{row: fakeWindowRow{err: pgx.ErrNoRows}}}
	ok, err := s.TryIncr(context.Background(), "client:c1", "forum_post", time.Now(), 1)
	if err != nil {
		t.Fatalf("try incr: %v", err)
	}
	if ok {
		t.Fatal("missing RETURNING row must mean the conditional increment was rejected")
	}
	s = &PostgresWindows{DB: &fakeWindowQuerier{row: fakeWindowRow{count: 1}}}
	ok, err = s.TryIncr(context.Background(), "client:c1", "forum_post", time.Now(), 1)
	if err != nil || !ok {
		t.Fatalf("expected accepted increment, got ok=%v err=%v", ok, err)
	}
}
