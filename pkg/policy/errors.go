package policy

import (
	"fmt"
	"time"
)

// Violation kinds. These are stable reason codes surfaced to callers;
// they never cross the module boundary as raw errors.
const (
	KindInvalidMetadata       = "INVALID_METADATA"
	KindKAnonymityViolation   = "K_ANONYMITY_VIOLATION"
	KindNonAggregateQuery     = "NON_AGGREGATE_QUERY"
	KindRateLimitExceeded     = "RATE_LIMIT_EXCEEDED"
	KindReconstructionAttack  = "RECONSTRUCTION_ATTACK_SUSPECTED"
	KindBudgetExceeded        = "BUDGET_EXCEEDED"
)

// Violation is a structured policy rejection. Every gate failure is one
// of the concrete types below; callers pattern-match on Kind().
type Violation interface {
	error
	Kind() string
}

type InvalidMetadata struct {
	Field  string
	Reason string
}

func (v *InvalidMetadata) Kind() string { return KindInvalidMetadata }

func (v *InvalidMetadata) Error() string {
	return fmt.Sprintf("invalid metadata: field %q %s", v.Field, v.Reason)
}

type KAnonymityViolation struct {
	SampleSize int
	MinK       int
}

func (v *KAnonymityViolation) Kind() string { return KindKAnonymityViolation }

func (v *KAnonymityViolation) Error() string {
	return fmt.Sprintf("k-anonymity violation: need at least %d samples, got %d", v.MinK, v.SampleSize)
}

type NonAggregateQuery struct {
	Operation string
}

func (v *NonAggregateQuery) Kind() string { return KindNonAggregateQuery }

func (v *NonAggregateQuery) Error() string {
	return fmt.Sprintf("individual data decryption not allowed: operation %q is not an aggregate function", v.Operation)
}

type RateLimitExceeded struct {
	Limit      int
	Window     time.Duration
	RetryAfter time.Duration
}

func (v *RateLimitExceeded) Kind() string { return KindRateLimitExceeded }

func (v *RateLimitExceeded) Error() string {
	return fmt.Sprintf("rate limit exceeded: %d requests per %s", v.Limit, v.Window)
}

type ReconstructionAttackSuspected struct {
	SimilarCount int
	Window       time.Duration
}

func (v *ReconstructionAttackSuspected) Kind() string { return KindReconstructionAttack }

func (v *ReconstructionAttackSuspected) Error() string {
	return fmt.Sprintf("potential data reconstruction attack: %d similar queries in last %s", v.SimilarCount, v.Window)
}

type BudgetExceeded struct {
	Required  float64
	Remaining float64
}

func (v *BudgetExceeded) Kind() string { return KindBudgetExceeded }

func (v *BudgetExceeded) Error() string {
	return fmt.Sprintf("privacy budget exceeded: required %.4f, remaining %.4f", v.Required, v.Remaining)
}
