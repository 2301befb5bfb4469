package budget

import (
	"context"
	"fmt"
	"sync"

	"statgate/pkg/policy"
)

// DefaultTotal mirrors the provider-side default allowance.
const DefaultTotal = 10.0

// Ledger tracks consumed privacy budget per requester. Consumed
// epsilon is monotonically non-decreasing and never exceeds the total;
// an attempt that would cross the total fails before any mutation.
type Ledger interface {
	// Check fails with policy.BudgetExceeded iff required > remaining.
	// It never mutates.
	Check(ctx context.Context, requesterID string, required float64) error
	// Consume irreversibly adds epsilon to the requester's consumed
	// budget. It re-validates under the same critical section so two
	// concurrent consumers cannot both cross the total.
	Consume(ctx context.Context, requesterID string, epsilon float64) error
	Remaining(ctx context.Context, requesterID string) (float64, error)
}

type MemoryLedger struct {
	mu       sync.Mutex
	total    float64
	consumed map[string]float64
}

func NewMemoryLedger(total float64) *MemoryLedger {
	if total <= 0 {
		total = DefaultTotal
	}
	return &MemoryLedger{
		total:    total,
		consumed: make(map[string]float64),
	}
}

func (l *MemoryLedger) Check(ctx context.Context, requesterID string, required float64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	remaining := l.total - l.consumed[requesterID]
	if required > remaining {
		return &policy.BudgetExceeded{Required: required, Remaining: remaining}
	}
	return nil
}

func (l *MemoryLedger) Consume(ctx context.Context, requesterID string, epsilon float64) error {
	if epsilon < 0 {
		return fmt.Errorf("budget: negative epsilon %f", epsilon)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	remaining := l.total - l.consumed[requesterID]
	if epsilon > remaining {
		return &policy.BudgetExceeded{Required: epsilon, Remaining: remaining}
	}
	l.consumed[requesterID] += epsilon
	return nil
}

func (l *MemoryLedger) Remaining(ctx context.Context, requesterID string) (float64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.total - l.consumed[requesterID], nil
}
