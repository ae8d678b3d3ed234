package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// fakeRow scans fixed values into int64, string and time.Time destinations.
type fakeRow struct {
	vals []any
	err  error
}

func (r fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	if len(dest) != len(r.vals) {
		return fmt.Errorf("scan: want %d dest, got %d", len(r.vals), len(dest))
	}
	for i, d := range dest {
		switch p := d.(type) {
		case *int64:
			*p = r.vals[i].(int64)
		case *string:
			*p = r.vals[i].(string)
		case *time.Time:
			*p = r.vals[i].(time.Time)
		default:
			return fmt.Errorf("scan: unsupported dest %T", d)
		}
	}
	return nil
}

type fakeBatchResults struct {
	pgx.BatchResults
	remaining int
	failAt    int
}

func (b *fakeBatchResults) Exec() (pgconn.CommandTag, error) {
	b.remaining--
	if b.failAt > 0 && b.remaining == b.failAt {
		return pgconn.CommandTag{}, errors.New("batch exec failed")
	}
	return pgconn.NewCommandTag("INSERT 0 1"), nil
}

func (b *fakeBatchResults) Close() error { return nil }

// fakeTx is an in-memory stand-in for a pgx transaction, keyed on the SQL
// text issued by this package.
type fakeTx struct {
	pgx.Tx

	nextID    int64
	refs      map[string]int64
	accounts  map[string][]any
	videos    map[string]bool
	failKeys  map[string]bool
	copyErr   error
	execLog   []string
	execArgs  [][]any
	copied    int
	released  int
	rolledBck int
	batched   int
}

func newFakeTx() *fakeTx {
	return &fakeTx{
		refs:     make(map[string]int64),
		accounts: make(map[string][]any),
		videos:   make(map[string]bool),
		failKeys: make(map[string]bool),
	}
}

func (f *fakeTx) refID(key string) int64 {
	if id, ok := f.refs[key]; ok {
		return id
	}
	f.nextID++
	f.refs[key] = f.nextID
	return f.nextID
}

func (f *fakeTx) QueryRow(_ context.Context, sql string, args ...any) pgx.Row {
	switch sql {
	case upsertSubjectSQL:
		return fakeRow{vals: []any{f.refID(fmt.Sprintf("subject:%v", args[0]))}}
	case upsertCourseSQL:
		return fakeRow{vals: []any{f.refID(fmt.Sprintf("course:%v/%v", args[0], args[1]))}}
	case upsertPackageSQL:
		return fakeRow{vals: []any{f.refID(fmt.Sprintf("package:%v", args[0]))}}
	case selectAccountSQL:
		vals, ok := f.accounts[args[0].(string)]
		if !ok {
			return fakeRow{err: pgx.ErrNoRows}
		}
		return fakeRow{vals: vals}
	case insertVideoSQL:
		id := args[0].(string)
		if f.videos[id] {
			return fakeRow{err: pgx.ErrNoRows}
		}
		f.videos[id] = true
		return fakeRow{vals: []any{id}}
	}
	return fakeRow{err: fmt.Errorf("unexpected query: %s", sql)}
}

func (f *fakeTx) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.execLog = append(f.execLog, sql)
	f.execArgs = append(f.execArgs, args)
	if sql == mergeStagingSQL {
		return pgconn.NewCommandTag(fmt.Sprintf("INSERT 0 %d", f.copied)), nil
	}
	return pgconn.NewCommandTag("INSERT 0 1"), nil
}

func (f *fakeTx) CopyFrom(_ context.Context, _ pgx.Identifier, _ []string, src pgx.CopyFromSource) (int64, error) {
	if f.copyErr != nil {
		return 0, f.copyErr
	}
	n := 0
	for src.Next() {
		n++
	}
	f.copied = n
	return int64(n), nil
}

func (f *fakeTx) SendBatch(_ context.Context, b *pgx.Batch) pgx.BatchResults {
	f.batched += b.Len()
	return &fakeBatchResults{remaining: b.Len()}
}

func (f *fakeTx) Begin(context.Context) (pgx.Tx, error) {
	return &fakeSavepoint{parent: f}, nil
}

type fakeSavepoint struct {
	pgx.Tx
	parent *fakeTx
}

func (s *fakeSavepoint) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	if key, ok := args[0].(string); ok && s.parent.failKeys[key] {
		return pgconn.CommandTag{}, errors.New("violates foreign key constraint")
	}
	return s.parent.Exec(ctx, sql, args...)
}

func (s *fakeSavepoint) Commit(context.Context) error {
	s.parent.released++
	return nil
}

func (s *fakeSavepoint) Rollback(context.Context) error {
	s.parent.rolledBck++
	return nil
}
