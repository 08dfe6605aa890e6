package regtoken

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// fakeTokenTx implements just enough of pgx.Tx to drive the service.
type fakeTokenTx struct {
	execFn     func(sql string, args ...any) (pgconn.CommandTag, error)
	queryRowFn func(sql string, args ...any) pgx.Row
	execSQL    []string
	committed  bool
	rolledBack bool
}

func (t *fakeTokenTx) Begin(ctx context.Context) (pgx.Tx, error) { return t, nil }
func (t *fakeTokenTx) Commit(ctx context.Context) error {
	t.committed = true
	return nil
}
func (t *fakeTokenTx) Rollback(ctx context.Context) error {
	t.rolledBack = true
	return nil
}
func (t *fakeTokenTx) CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error) {
	return 0, errors.New("not implemented")
}
func (t *fakeTokenTx) SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults { return nil }
func (t *fakeTokenTx) LargeObjects() pgx.LargeObjects                               { return pgx.LargeObjects{} }
func (t *fakeTokenTx) Prepare(ctx context.Context, name, sql string) (*pgconn.StatementDescription, error) {
	return nil, errors.New("not implemented")
}
func (t *fakeTokenTx) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	t.execSQL = append(t.execSQL, sql)
	if t.execFn != nil {
		return t.execFn(sql, args...)
	}
	return pgconn.NewCommandTag("UPDATE 1"), nil
}
func (t *fakeTokenTx) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return nil, errors.New("not implemented")
}
func (t *fakeTokenTx) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	if t.queryRowFn != nil {
		return t.queryRowFn(sql, args...)
	}
	return fakeTokenRow{err: pgx.ErrNoRows}
}
func (t *fakeTokenTx) Conn() *pgx.Conn { return nil }

type fakeTokenDB struct{ tx *fakeTokenTx }

func (f *fakeTokenDB) Begin(ctx context.Context) (pgx.Tx, error) { return f.tx, nil }

type fakeTokenRow struct {
	values []any
	err    error
}

func (r fakeTokenRow) Scan(dest ...any) error {
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

func TestIssueClampsTTLAndSupersedesPriorTokens(t *testing.T) {
	cases := []struct {
		in   int
		want int
	}{
		{0, DefaultTTLMinutes},
		{1, MinTTLMinutes},
		{30, 30},
		{999, MaxTTLMinutes},
	}
	for _, tc := range cases {
		tx := &fakeTokenTx{}
		svc := NewService(&fakeTokenDB{tx: tx})
		issued, err := svc.Issue(context.Background(), "user-1", tc.in)
		if err != nil {
			t.Fatalf("issue(%d): %v", tc.in, err)
		}
		if issued.TTLMinutes != tc.want {
			t.Errorf("issue(%d): ttl=%d want %d", tc.in, issued.TTLMinutes, tc.want)
		}
		if issued.Token == "" {
			t.Fatalf("issue(%d): empty token", tc.in)
		}
		if !tx.committed {
			t.Fatalf("issue(%d): tx not committed", tc.in)
		}
		if len(tx.execSQL) != 2 || !strings.Contains(tx.execSQL[0], "UPDATE ai_registration_tokens") {
			t.Fatalf("issue(%d): expected supersede UPDATE before INSERT, got %v", tc.in, tx.execSQL)
		}
	}
}

func TestConsumeHappyPath(t *testing.T) {
	now := time.Now().UTC()
	tx := &fakeTokenTx{
		queryRowFn: func(sql string, args ...any) pgx.Row {
			return fakeTokenRow{values: []any{"tok-1", "user-9", (*time.Time)(nil), now.Add(time.Hour)}}
		},
	}
	svc := NewService(&fakeTokenDB{tx: tx})
	sponsor, err := svc.Consume(context.Background(), tx, "raw-token")
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if sponsor != "user-9" {
		t.Fatalf("expected sponsor user-9, got %q", sponsor)
	}
}

func TestConsumeFailureModes(t *testing.T) {
	now := time.Now().UTC()
	used := now.Add(-time.Minute)

	cases := []struct {
		name string
		row  fakeTokenRow
		exec func(sql string, args ...any) (pgconn.CommandTag, error)
		want error
	}{
		{
			name: "invalid",
			row:  fakeTokenRow{err: pgx.ErrNoRows},
			want: ErrInvalidToken,
		},
		{
			name: "already used",
			row:  fakeTokenRow{values: []any{"tok-1", "user-9", &used, now.Add(time.Hour)}},
			want: ErrAlreadyUsed,
		},
		{
			name: "expired",
			row:  fakeTokenRow{values: []any{"tok-1", "user-9", (*time.Time)(nil), now.Add(-time.Second)}},
			want: ErrExpired,
		},
		{
			name: "lost consume race",
			row:  fakeTokenRow{values: []any{"tok-1", "user-9", (*time.Time)(nil), now.Add(time.Hour)}},
			exec: func(sql string, args ...any) (pgconn.CommandTag, error) {
				return pgconn.NewCommandTag("UPDATE 0"), nil
			},
			want: ErrAlreadyUsed,
		},
	}
	for _, tc := range cases {
		tx := &fakeTokenTx{
			execFn:     tc.exec,
			queryRowFn: func(sql string, args ...any) pgx.Row { return tc.row },
		}
		svc := NewService(&fakeTokenDB{tx: tx})
		if _, err := svc.Consume(context.Background(), tx, "raw-token"); !errors.Is(err, tc.want) {
			t.Errorf("%s: got %v want %v", tc.name, err, tc.want)
		}
	}
}

func TestHashTokenStable(t *testing.T) {
	if HashToken("abc") != HashToken("abc") {
		t.Fatal("hash must be deterministic")
	}
	if len(HashToken("abc")) != 64 {
		t.Fatalf("expected hex sha256, got %q", HashToken("abc"))
	}
}
