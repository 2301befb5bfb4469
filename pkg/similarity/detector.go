package similarity

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"statgate/pkg/policy"
)

const (
	// DefaultThreshold is the number of near-identical queries a
	// requester may issue inside the window before the next one is
	// treated as a differencing attack.
	DefaultThreshold = 5
	DefaultWindow    = 24 * time.Hour

	jaccardCutoff = 0.8
)

type loggedQuery struct {
	metadata policy.QueryMetadata
	at       time.Time
}

// Detector keeps a bounded per-requester query log and flags bursts of
// near-identical aggregate queries. A blocked attempt is never logged,
// so it cannot count as precedent for later checks.
type Detector struct {
	mu  sync.Mutex
	log map[string][]loggedQuery
	now func() time.Time
}

func NewDetector() *Detector {
	return &Detector{
		log: make(map[string][]loggedQuery),
		now: time.Now,
	}
}

// Detect counts logged queries within the window whose filter-token
// Jaccard similarity to query exceeds the cutoff, the candidate query
// included in the tally. If the tally strictly exceeds threshold the
// query is rejected and not logged; otherwise it is appended.
func (d *Detector) Detect(requesterID string, query policy.QueryMetadata, threshold int, window time.Duration) error {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	if window <= 0 {
		window = DefaultWindow
	}
	now := d.now().UTC()
	cutoff := now.Add(-window)
	tokens := filterTokens(query.Filters)

	d.mu.Lock()
	defer d.mu.Unlock()

	recent := make([]loggedQuery, 0, len(d.log[requesterID]))
	for _, past := range d.log[requesterID] {
		if past.at.After(cutoff) {
			recent = append(recent, past)
		}
	}
	d.log[requesterID] = recent

	similar := 1
	for _, past := range recent {
		if jaccard(tokens, filterTokens(past.metadata.Filters)) > jaccardCutoff {
			similar++
		}
	}
	if similar > threshold {
		return &policy.ReconstructionAttackSuspected{SimilarCount: similar - 1, Window: window}
	}
	d.log[requesterID] = append(recent, loggedQuery{metadata: query, at: now})
	return nil
}

// Logged returns the number of retained queries for a requester.
func (d *Detector) Logged(requesterID string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.log[requesterID])
}

// filterTokens serializes the filter object to a string and splits on
// whitespace. The serialization is deliberately loose: it only has to
// be stable for equal filter sets.
func filterTokens(filters map[string]interface{}) map[string]struct{} {
	if len(filters) == 0 {
		return nil
	}
	keys := make([]string, 0, len(filters))
	for k := range filters {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, filters[k]))
	}
	serialized := strings.Join(parts, " ")
	tokens := make(map[string]struct{})
	for _, tok := range strings.Fields(serialized) {
		tokens[tok] = struct{}{}
	}
	return tokens
}

// jaccard returns |a∩b| / |a∪b|. An empty set on either side is
// defined as non-similar.
func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	intersection := 0
	for tok := range a {
		if _, ok := b[tok]; ok {
			intersection++
		}
	}
	union := len(a) + len(b) - intersection
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}
