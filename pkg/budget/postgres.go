package budget

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"statgate/pkg/policy"
)

// budgetDB is the slice of pgxpool.Pool the ledger uses; tests can
// substitute a single connection.
type budgetDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const budgetSchema = `
CREATE TABLE IF NOT EXISTS privacy_budgets (
    requester_id TEXT PRIMARY KEY,
    consumed     DOUBLE PRECISION NOT NULL DEFAULT 0,
    updated_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
    CHECK (consumed >= 0)
);`

// PostgresLedger persists consumed budget per requester. The total
// allowance is deployment configuration, not a row attribute, so
// operators can raise it without a migration.
type PostgresLedger struct {
	db    budgetDB
	total float64
}

func NewPostgresLedger(pool *pgxpool.Pool, total float64) *PostgresLedger {
	if total <= 0 {
		total = DefaultTotal
	}
	return &PostgresLedger{db: pool, total: total}
}

// EnsureSchema creates the ledger table if missing.
func (l *PostgresLedger) EnsureSchema(ctx context.Context) error {
	_, err := l.db.Exec(ctx, budgetSchema)
	return err
}

func (l *PostgresLedger) Check(ctx context.Context, requesterID string, required float64) error {
	remaining, err := l.Remaining(ctx, requesterID)
	if err != nil {
		return err
	}
	if required > remaining {
		return &policy.BudgetExceeded{Required: required, Remaining: remaining}
	}
	return nil
}

// Consume adds epsilon atomically. The UPDATE carries the ceiling in
// its WHERE clause so concurrent consumers serialize on the row and
// the loser observes zero affected rows instead of overspending.
func (l *PostgresLedger) Consume(ctx context.Context, requesterID string, epsilon float64) error {
	if epsilon < 0 {
		return fmt.Errorf("budget: negative epsilon %f", epsilon)
	}
	if epsilon > l.total {
		return &policy.BudgetExceeded{Required: epsilon, Remaining: l.total}
	}
	tag, err := l.db.Exec(ctx, `
        INSERT INTO privacy_budgets (requester_id, consumed, updated_at)
        VALUES ($1, $2, now())
        ON CONFLICT (requester_id) DO UPDATE
        SET consumed = privacy_budgets.consumed + $2, updated_at = now()
        WHERE privacy_budgets.consumed + $2 <= $3`,
		requesterID, epsilon, l.total)
	if err != nil {
		return fmt.Errorf("budget: consume: %w", err)
	}
	if tag.RowsAffected() == 0 {
		remaining, rerr := l.Remaining(ctx, requesterID)
		if rerr != nil {
			remaining = 0
		}
		return &policy.BudgetExceeded{Required: epsilon, Remaining: remaining}
	}
	return nil
}

func (l *PostgresLedger) Remaining(ctx context.Context, requesterID string) (float64, error) {
	var consumed float64
	err := l.db.QueryRow(ctx,
		`SELECT consumed FROM privacy_budgets WHERE requester_id = $1`,
		requesterID).Scan(&consumed)
	if errors.Is(err, pgx.ErrNoRows) {
		return l.total, nil
	}
	if err != nil {
		return 0, fmt.Errorf("budget: remaining: %w", err)
	}
	remaining := l.total - consumed
	if remaining < 0 {
		remaining = 0
	}
	return remaining, nil
}
