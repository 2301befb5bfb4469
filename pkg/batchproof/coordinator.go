package batchproof

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"statgate/pkg/dp"
	"statgate/pkg/merkle"
)

var (
	ErrExternalProofTimeout = errors.New("batchproof: external proof timed out")
	ErrExternalProofInvalid = errors.New("batchproof: external proof invalid")
	ErrNoRecords            = errors.New("batchproof: no records")
)

// Record is one provider row: numeric clinical attributes by field.
type Record map[string]float64

// Hash serializes the record canonically (fields sorted, values in
// shortest round-trip form) and hashes it. Field presence never
// changes the ordering of the fields that are present.
func (r Record) Hash() []byte {
	fields := make([]string, 0, len(r))
	for f := range r {
		fields = append(fields, f)
	}
	sort.Strings(fields)
	parts := make([]string, 0, len(fields))
	for _, f := range fields {
		parts = append(parts, f+":"+strconv.FormatFloat(r[f], 'g', -1, 64))
	}
	return merkle.HashLeaf([]byte(strings.Join(parts, "|")))
}

// Prover produces a range-validity proof for one record against its
// field constraints. Implementations wrap the external proof system.
type Prover interface {
	Prove(ctx context.Context, record Record, constraints map[string]dp.Range) (proof json.RawMessage, publicSignals []string, err error)
}

// ProofVerifier re-checks an external proof. Kept separate from Prover
// so verification-only deployments carry no proving key.
type ProofVerifier interface {
	Verify(ctx context.Context, proof json.RawMessage, publicSignals []string, verificationKey string) (bool, error)
}

// SampleProof pairs a sampled record with its external proof and its
// Merkle inclusion proof. A failed sample carries Error instead.
type SampleProof struct {
	Index          int                `json:"index"`
	RecordHash     string             `json:"record_hash"`
	Proof          json.RawMessage    `json:"proof,omitempty"`
	PublicSignals  []string           `json:"public_signals,omitempty"`
	InclusionProof []merkle.ProofStep `json:"inclusion_proof,omitempty"`
	Error          string             `json:"error,omitempty"`
}

// Coverage summarizes how much of the record set the samples attest.
type Coverage struct {
	TotalRecords    int     `json:"total_records"`
	SampledCount    int     `json:"sampled_count"`
	SuccessfulCount int     `json:"successful_count"`
	CoveragePercent float64 `json:"coverage_percent"`
	Indices         []int   `json:"indices"`
}

// Bundle is the persisted batch-proof artifact.
type Bundle struct {
	MerkleRoot   string        `json:"merkle_root"`
	LeafCount    int           `json:"leaf_count"`
	TreeHeight   int           `json:"tree_height"`
	SampleProofs []SampleProof `json:"sample_proofs"`
	Coverage     Coverage      `json:"coverage"`
}

// Coordinator drives Merkle accumulation and external proving at
// packaging time, and re-verification at audit time.
type Coordinator struct {
	Prover       Prover
	Verifier     ProofVerifier
	ProofTimeout time.Duration
}

func NewCoordinator(prover Prover, verifier ProofVerifier) *Coordinator {
	return &Coordinator{
		Prover:       prover,
		Verifier:     verifier,
		ProofTimeout: 30 * time.Second,
	}
}

// SampleIndices selects min(sampleSize, total) indices by equal-stride
// sampling: index_i = floor(i*total/sampleSize). Strictly increasing,
// always starting at 0.
func SampleIndices(total, sampleSize int) []int {
	if total <= 0 {
		return nil
	}
	if sampleSize >= total || sampleSize <= 0 {
		out := make([]int, total)
		for i := range out {
			out[i] = i
		}
		return out
	}
	out := make([]int, 0, sampleSize)
	for i := 0; i < sampleSize; i++ {
		out = append(out, i*total/sampleSize)
	}
	return out
}

// GenerateBatchProof hashes every record in order, builds the Merkle
// root, and attaches an external proof plus an inclusion proof to each
// sampled record. A failing sample records its error and the batch
// continues.
func (c *Coordinator) GenerateBatchProof(ctx context.Context, records []Record, sampleSize int) (*Bundle, error) {
	if len(records) == 0 {
		return nil, ErrNoRecords
	}
	tree := merkle.New()
	hashes := make([][]byte, len(records))
	for i, rec := range records {
		hashes[i] = rec.Hash()
		tree.AddLeaf(hashes[i])
	}
	root, err := tree.Build()
	if err != nil {
		return nil, err
	}

	indices := SampleIndices(len(records), sampleSize)
	samples := make([]SampleProof, 0, len(indices))
	successful := 0
	for _, idx := range indices {
		sample := SampleProof{
			Index:      idx,
			RecordHash: hex.EncodeToString(hashes[idx]),
		}
		if err := c.proveSample(ctx, records[idx], &sample); err != nil {
			sample.Error = err.Error()
			samples = append(samples, sample)
			continue
		}
		inclusion, err := tree.Proof(idx)
		if err != nil {
			sample.Error = err.Error()
			samples = append(samples, sample)
			continue
		}
		sample.InclusionProof = inclusion
		samples = append(samples, sample)
		successful++
	}

	return &Bundle{
		MerkleRoot:   hex.EncodeToString(root),
		LeafCount:    tree.LeafCount(),
		TreeHeight:   tree.Height(),
		SampleProofs: samples,
		Coverage: Coverage{
			TotalRecords:    len(records),
			SampledCount:    len(indices),
			SuccessfulCount: successful,
			CoveragePercent: float64(successful) / float64(len(records)) * 100,
			Indices:         indices,
		},
	}, nil
}

func (c *Coordinator) proveSample(ctx context.Context, rec Record, sample *SampleProof) error {
	constraints, err := validateRanges(rec)
	if err != nil {
		return err
	}
	if c.Prover == nil {
		return errors.New("batchproof: no prover configured")
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout())
	defer cancel()
	proof, signals, err := c.Prover.Prove(ctx, rec, constraints)
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrExternalProofTimeout
	}
	if err != nil {
		return err
	}
	sample.Proof = proof
	sample.PublicSignals = signals
	return nil
}

// validateRanges checks each field against the shared range table and
// returns the per-field constraints fed to the prover.
func validateRanges(rec Record) (map[string]dp.Range, error) {
	constraints := make(map[string]dp.Range, len(rec))
	for field, value := range rec {
		r := dp.RangeFor(field)
		if value < r.Min || value > r.Max {
			return nil, fmt.Errorf("batchproof: field %q value %g outside [%g, %g]", field, value, r.Min, r.Max)
		}
		constraints[field] = r
	}
	return constraints, nil
}

// SampleResult is the per-sample outcome of a bundle re-verification.
type SampleResult struct {
	Index         int    `json:"index"`
	ProofValid    bool   `json:"proof_valid"`
	InclusionOK   bool   `json:"inclusion_ok"`
	FailureReason string `json:"failure_reason,omitempty"`
}

// Report aggregates a full bundle verification.
type Report struct {
	Valid   bool           `json:"valid"`
	Passed  int            `json:"passed"`
	Failed  int            `json:"failed"`
	Samples []SampleResult `json:"samples"`
}

// VerifyBatchProof independently re-checks every sample's external
// proof and Merkle inclusion proof against root. Overall validity
// requires every sample to pass both. The function mutates nothing and
// repeated invocation yields an identical report.
func (c *Coordinator) VerifyBatchProof(ctx context.Context, root string, samples []SampleProof, verificationKey string) (*Report, error) {
	rootBytes, err := hex.DecodeString(root)
	if err != nil {
		return nil, fmt.Errorf("batchproof: bad root: %w", err)
	}
	report := &Report{Samples: make([]SampleResult, 0, len(samples))}
	for _, sample := range samples {
		res := SampleResult{Index: sample.Index}
		if sample.Error != "" {
			res.FailureReason = sample.Error
			report.Failed++
			report.Samples = append(report.Samples, res)
			continue
		}
		res.ProofValid, res.FailureReason = c.verifyExternal(ctx, sample, verificationKey)
		leaf, err := hex.DecodeString(sample.RecordHash)
		if err != nil {
			res.InclusionOK = false
			if res.FailureReason == "" {
				res.FailureReason = "bad record hash encoding"
			}
		} else {
			res.InclusionOK = merkle.VerifyProof(leaf, sample.InclusionProof, rootBytes)
			if !res.InclusionOK && res.FailureReason == "" {
				res.FailureReason = "merkle inclusion proof failed"
			}
		}
		if res.ProofValid && res.InclusionOK {
			report.Passed++
		} else {
			report.Failed++
		}
		report.Samples = append(report.Samples, res)
	}
	report.Valid = report.Failed == 0 && len(samples) > 0
	return report, nil
}

func (c *Coordinator) verifyExternal(ctx context.Context, sample SampleProof, verificationKey string) (bool, string) {
	if c.Verifier == nil {
		return false, "no verifier configured"
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout())
	defer cancel()
	ok, err := c.Verifier.Verify(ctx, sample.Proof, sample.PublicSignals, verificationKey)
	if errors.Is(err, context.DeadlineExceeded) {
		return false, ErrExternalProofTimeout.Error()
	}
	if err != nil {
		return false, err.Error()
	}
	if !ok {
		return false, ErrExternalProofInvalid.Error()
	}
	return true, ""
}

func (c *Coordinator) timeout() time.Duration {
	if c.ProofTimeout <= 0 {
		return 30 * time.Second
	}
	return c.ProofTimeout
}
