package policy

import "sort"

// DefaultMinK is the minimum record count an aggregate may be computed
// over before release is considered for approval.
const DefaultMinK = 100

// aggregateOperations is the fixed whitelist of release-safe
// operations. Anything else is treated as an individual-record
// disclosure request and rejected.
var aggregateOperations = map[string]struct{}{
	"mean":        {},
	"average":     {},
	"sum":         {},
	"std":         {},
	"variance":    {},
	"median":      {},
	"percentile":  {},
	"correlation": {},
	"count":       {},
	"min":         {},
	"max":         {},
}

// AggregateOperations returns the whitelist in sorted order.
func AggregateOperations() []string {
	ops := make([]string, 0, len(aggregateOperations))
	for op := range aggregateOperations {
		ops = append(ops, op)
	}
	sort.Strings(ops)
	return ops
}

// ValidateMetadata checks required fields once at the boundary.
// It has no side effects.
func ValidateMetadata(md QueryMetadata) error {
	if md.Operation == "" {
		return &InvalidMetadata{Field: "operation", Reason: "is required"}
	}
	if md.SampleSize == 0 {
		return &InvalidMetadata{Field: "sample_size", Reason: "is required"}
	}
	if md.SampleSize < 0 {
		return &InvalidMetadata{Field: "sample_size", Reason: "must be a positive integer"}
	}
	if md.Epsilon < 0 {
		return &InvalidMetadata{Field: "epsilon", Reason: "must not be negative"}
	}
	return nil
}

// CheckKAnonymity fails iff sampleSize < minK. Pure predicate.
func CheckKAnonymity(sampleSize, minK int) error {
	if minK <= 0 {
		minK = DefaultMinK
	}
	if sampleSize < minK {
		return &KAnonymityViolation{SampleSize: sampleSize, MinK: minK}
	}
	return nil
}

// CheckAggregateOperation fails unless operation is whitelisted.
func CheckAggregateOperation(operation string) error {
	if _, ok := aggregateOperations[operation]; !ok {
		return &NonAggregateQuery{Operation: operation}
	}
	return nil
}
