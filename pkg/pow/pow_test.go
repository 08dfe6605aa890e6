package pow

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type fakePowDB struct {
	rows     map[string][]any
	execSQL  []string
	execErr  error
	consumed map[string]bool
}

func newFakePowDB() *fakePowDB {
	return &fakePowDB{rows: map[string][]any{}, consumed: map[string]bool{}}
}

func (f *fakePowDB) Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error) {
	f.execSQL = append(f.execSQL, sql)
	if f.execErr != nil {
		return pgconn.CommandTag{}, f.execErr
	}
	if strings.Contains(sql, "INSERT INTO pow_challenges") {
		id := arguments[0].(string)
		f.rows[id] = []any{arguments[1], arguments[2], arguments[3], arguments[4], (*time.Time)(nil)}
		return pgconn.NewCommandTag("INSERT 0 1"), nil
	}
	if strings.Contains(sql, "SET used_at") {
		id := arguments[0].(string)
		if f.consumed[id] {
			return pgconn.NewCommandTag("UPDATE 0"), nil
		}
		f.consumed[id] = true
		usedAt := arguments[1].(time.Time)
		if row, ok := f.rows[id]; ok {
			row[4] = &usedAt
		}
		return pgconn.NewCommandTag("UPDATE 1"), nil
	}
	return pgconn.NewCommandTag("UPDATE 1"), nil
}

func (f *fakePowDB) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	id := args[0].(string)
	row, ok := f.rows[id]
	if !ok {
		return fakePowRow{err: pgx.ErrNoRows}
	}
	return fakePowRow{values: row}
}

type fakePowRow struct {
	values []any
	err    error
}

func (r fakePowRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	if len(dest) != len(r.values) {
		return errors.New("scan arity mismatch")
	}
	for i := range dest {
		switch d := dest[i].(type) {
		case *string:
			*d = r.values[i].(string)
		case *int:
			*d = r.values[i].(int)
		case *time.Time:
			*d = r.values[i].(time.Time)
		case **time.Time:
			*d = r.values[i].(*time.Time)
		default:
			return errors.New("unsupported scan type")
		}
	}
	return nil
}

func TestLeadingZeroBits(t *testing.T) {
	cases := []struct {
		hex  string
		want int
	}{
		{"ffffffff", 0},
		{"8fffffff", 0},
		{"7fffffff", 1},
		{"3fffffff", 2},
		{"1fffffff", 3},
		{"0fffffff", 4},
		{"00ffffff", 8},
		{"000a1fff", 12},
		{"0001ffff", 15},
		{"00000000", 32},
		{"", 0},
		{"zz", 0},
	}
	for _, tc := range cases {
		if got := LeadingZeroBits(tc.hex); got != tc.want {
			t.Errorf("LeadingZeroBits(%q)=%d want %d", tc.hex, got, tc.want)
		}
	}
}

func TestIssueUsesActionPolicy(t *testing.T) {
	db := newFakePowDB()
	e := NewEngine(db, DefaultConfig())
	ch, err := e.Issue(context.Background(), "register")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if ch.Difficulty != 22 {
		t.Fatalf("expected register difficulty 22, got %d", ch.Difficulty)
	}
	if ch.Challenge == "" || ch.ID == "" {
		t.Fatalf("expected populated challenge, got %+v", ch)
	}
	unknown, err := e.Issue(context.Background(), "weird_action")
	if err != nil {
		t.Fatalf("issue unknown action: %v", err)
	}
	if unknown.Difficulty != DefaultDifficulty {
		t.Fatalf("expected default difficulty for unknown action, got %d", unknown.Difficulty)
	}
}

func TestVerifyConsumesExactlyOnce(t *testing.T) {
	db := newFakePowDB()
	cfg := DefaultConfig()
	cfg.Actions["register"] = ActionPolicy{Difficulty: 8, TTL: time.Minute}
	e := NewEngine(db, cfg)
	ch, err := e.Issue(context.Background(), "register")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	nonce := Solve(ch.Challenge, ch.Difficulty)
	if err := e.Verify(context.Background(), ch.ID, nonce, "register"); err != nil {
		t.Fatalf("verify: %v", err)
	}
	if err := e.Verify(context.Background(), ch.ID, nonce, "register"); !errors.Is(err, ErrAlreadyUsed) {
		t.Fatalf("expected ErrAlreadyUsed on replay, got %v", err)
	}
}

func TestVerifyFailureReasons(t *testing.T) {
	db := newFakePowDB()
	cfg := DefaultConfig()
	cfg.Actions["forum_post"] = ActionPolicy{Difficulty: 8, TTL: time.Minute}
	e := NewEngine(db, cfg)

	if err := e.Verify(context.Background(), "missing-id", "0", ""); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	ch, err := e.Issue(context.Background(), "forum_post")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if err := e.Verify(context.Background(), ch.ID, "0", "register"); !errors.Is(err, ErrActionMismatch) {
		t.Fatalf("expected ErrActionMismatch, got %v", err)
	}

	// A nonce that trivially misses an 8-bit target would be rare; find one.
	bad := ""
	for i := 0; ; i++ {
		candidate := "x" + string(rune('a'+i%26))
		if LeadingZeroBits(SolutionHash(ch.Challenge, candidate)) < 8 {
			bad = candidate
			break
		}
	}
	if err := e.Verify(context.Background(), ch.ID, bad, "forum_post"); !errors.Is(err, ErrInsufficient) {
		t.Fatalf("expected ErrInsufficient, got %v", err)
	}

	e.Now = func() time.Time { return time.Now().UTC().Add(2 * time.Minute) }
	nonce := Solve(ch.Challenge, 8)
	if err := e.Verify(context.Background(), ch.ID, nonce, "forum_post"); !errors.Is(err, ErrExpired) {
		t.Fatalf("expected ErrExpired, got %v", err)
	}
}
