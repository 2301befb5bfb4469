package budget

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"statgate/pkg/policy"
)

type fakeBudgetDB struct {
	execFn     func(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	queryRowFn func(ctx context.Context, sql string, args ...any) pgx.Row
}

func (f *fakeBudgetDB) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	if f.execFn != nil {
		return f.execFn(ctx, sql, args...)
	}
	return pgconn.NewCommandTag("INSERT 0 1"), nil
}

func (f *fakeBudgetDB) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	if f.queryRowFn != nil {
		return f.queryRowFn(ctx, sql, args...)
	}
	return fakeBudgetRow{err: pgx.ErrNoRows}
}

type fakeBudgetRow struct {
	consumed float64
	err      error
}

func (r fakeBudgetRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	*(dest[0].(*float64)) = r.consumed
	return nil
}

func TestPostgresRemainingNoRowMeansFullBudget(t *testing.T) {
	l := &PostgresLedger{db: &fakeBudgetDB{}, total: 10}
	remaining, err := l.Remaining(context.Background(), "fresh")
	if err != nil || remaining != 10 {
		t.Fatalf("remaining=%g err=%v", remaining, err)
	}
}

func TestPostgresRemainingClampsToZero(t *testing.T) {
	l := &PostgresLedger{
		db: &fakeBudgetDB{
			queryRowFn: func(ctx context.Context, sql string, args ...any) pgx.Row {
				return fakeBudgetRow{consumed: 12.5}
			},
		},
		total: 10,
	}
	remaining, err := l.Remaining(context.Background(), "overdrawn")
	if err != nil || remaining != 0 {
		t.Fatalf("remaining=%g err=%v", remaining, err)
	}
}

func TestPostgresConsumeZeroRowsIsBudgetExceeded(t *testing.T) {
	l := &PostgresLedger{
		db: &fakeBudgetDB{
			execFn: func(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
				return pgconn.NewCommandTag("UPDATE 0"), nil
			},
			queryRowFn: func(ctx context.Context, sql string, args ...any) pgx.Row {
				return fakeBudgetRow{consumed: 9.8}
			},
		},
		total: 10,
	}
	err := l.Consume(context.Background(), "nearly-empty", 0.5)
	var exceeded *policy.BudgetExceeded
	if !errors.As(err, &exceeded) {
		t.Fatalf("expected BudgetExceeded, got %v", err)
	}
	if exceeded.Required != 0.5 {
		t.Fatalf("required: %g", exceeded.Required)
	}
	if exceeded.Remaining < 0.19 || exceeded.Remaining > 0.21 {
		t.Fatalf("remaining: %g", exceeded.Remaining)
	}
}

func TestPostgresConsumeRejectsNegativeAndOversized(t *testing.T) {
	l := &PostgresLedger{db: &fakeBudgetDB{}, total: 10}
	if err := l.Consume(context.Background(), "r", -1); err == nil {
		t.Fatal("negative epsilon must fail")
	}
	err := l.Consume(context.Background(), "r", 11)
	var exceeded *policy.BudgetExceeded
	if !errors.As(err, &exceeded) {
		t.Fatalf("expected BudgetExceeded for epsilon over total, got %v", err)
	}
}

func TestPostgresCheckUsesRemaining(t *testing.T) {
	l := &PostgresLedger{
		db: &fakeBudgetDB{
			queryRowFn: func(ctx context.Context, sql string, args ...any) pgx.Row {
				return fakeBudgetRow{consumed: 7}
			},
		},
		total: 10,
	}
	if err := l.Check(context.Background(), "r", 3); err != nil {
		t.Fatalf("exact remaining must pass: %v", err)
	}
	err := l.Check(context.Background(), "r", 3.0001)
	var exceeded *policy.BudgetExceeded
	if !errors.As(err, &exceeded) {
		t.Fatalf("expected BudgetExceeded, got %v", err)
	}
}

func TestPostgresConsumeDBErrorPropagates(t *testing.T) {
	l := &PostgresLedger{
		db: &fakeBudgetDB{
			execFn: func(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
				return pgconn.CommandTag{}, errors.New("connection reset")
			},
		},
		total: 10,
	}
	err := l.Consume(context.Background(), "r", 1)
	if err == nil || errors.As(err, new(*policy.BudgetExceeded)) {
		t.Fatalf("db error must not look like a policy violation: %v", err)
	}
}
