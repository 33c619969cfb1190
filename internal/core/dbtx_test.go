package core

import (
	"context"
	"fmt"
	"log/slog"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/pagosyradicacion/carga/internal/config"
)

// fakeDB scripts Exec and Query per statement and records everything it
// was asked to run.
type fakeDB struct {
	execSQL  []string
	execArgs [][]any
	queries  []string

	// execFn decides the outcome per statement; nil means success with an
	// empty tag.
	execFn func(sql string, args []any) (pgconn.CommandTag, error)
	// queryFn returns the result rows per query; nil means no rows.
	queryFn func(sql string, args []any) ([][]any, error)
}

func (f *fakeDB) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.execSQL = append(f.execSQL, sql)
	f.execArgs = append(f.execArgs, args)
	if f.execFn != nil {
		return f.execFn(sql, args)
	}
	return pgconn.CommandTag{}, nil
}

func (f *fakeDB) Query(_ context.Context, sql string, args ...any) (pgx.Rows, error) {
	f.queries = append(f.queries, sql)
	if f.queryFn != nil {
		rows, err := f.queryFn(sql, args)
		if err != nil {
			return nil, err
		}
		return &fakeRows{rows: rows}, nil
	}
	return &fakeRows{}, nil
}

func (f *fakeDB) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	rows, err := f.Query(ctx, sql, args...)
	return &fakeRow{rows: rows, err: err}
}

// fakeRows walks a fixed [][]any result set.
type fakeRows struct {
	rows [][]any
	idx  int
	err  error
}

func (r *fakeRows) Close()                                       {}
func (r *fakeRows) Err() error                                   { return r.err }
func (r *fakeRows) CommandTag() pgconn.CommandTag                { return pgconn.CommandTag{} }
func (r *fakeRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *fakeRows) Next() bool {
	if r.idx >= len(r.rows) {
		return false
	}
	r.idx++
	return true
}

func (r *fakeRows) Scan(dest ...any) error {
	row := r.rows[r.idx-1]
	if len(dest) != len(row) {
		return fmt.Errorf("scan: want %d destinations, got %d", len(row), len(dest))
	}
	for i, src := range row {
		switch d := dest[i].(type) {
		case *string:
			*d = src.(string)
		case *int:
			*d = src.(int)
		case *int64:
			*d = src.(int64)
		default:
			return fmt.Errorf("scan: unsupported destination %T", dest[i])
		}
	}
	return nil
}

func (r *fakeRows) Values() ([]any, error) { return r.rows[r.idx-1], nil }
func (r *fakeRows) RawValues() [][]byte    { return nil }
func (r *fakeRows) Conn() *pgx.Conn        { return nil }

type fakeRow struct {
	rows pgx.Rows
	err  error
}

func (r *fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	defer r.rows.Close()
	if !r.rows.Next() {
		return pgx.ErrNoRows
	}
	return r.rows.Scan(dest...)
}

// diskFullErr mimics Postgres running out of storage.
func diskFullErr() error {
	return &pgconn.PgError{Code: "53100", Message: "could not extend file: No space left on device"}
}

func newTestService(t *testing.T, db *fakeDB) *Service {
	t.Helper()
	cfg := config.CargaConfig{LoadBatchSize: 100, CorrectionBatchSize: 200}
	return NewService(db, cfg, slog.New(slog.DiscardHandler))
}
