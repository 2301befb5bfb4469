package batchproof

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"testing"

	"statgate/pkg/dp"
)

type fakeProver struct {
	failAt map[int]error
	calls  int
}

func (p *fakeProver) Prove(ctx context.Context, record Record, constraints map[string]dp.Range) (json.RawMessage, []string, error) {
	call := p.calls
	p.calls++
	if err, ok := p.failAt[call]; ok {
		return nil, nil, err
	}
	return json.RawMessage(`{"pi_a":"ok"}`), []string{"1"}, nil
}

type fakeVerifier struct {
	valid bool
	err   error
	calls int
}

func (v *fakeVerifier) Verify(ctx context.Context, proof json.RawMessage, publicSignals []string, verificationKey string) (bool, error) {
	v.calls++
	return v.valid, v.err
}

func testRecords(n int) []Record {
	out := make([]Record, n)
	for i := range out {
		out[i] = Record{
			"age":         float64(20 + i%60),
			"blood_sugar": float64(80 + i),
			"bmi":         22.5,
		}
	}
	return out
}

func TestSampleIndicesEqualStride(t *testing.T) {
	got := SampleIndices(23, 5)
	want := []int{0, 4, 9, 13, 18}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("SampleIndices(23, 5) = %v, want %v", got, want)
	}
	for i := 1; i < len(got); i++ {
		if got[i] <= got[i-1] {
			t.Fatalf("indices must be strictly increasing: %v", got)
		}
	}
	if got[0] != 0 {
		t.Fatalf("first index must be 0: %v", got)
	}
}

func TestSampleIndicesCoversAllWhenSampleLarge(t *testing.T) {
	got := SampleIndices(3, 10)
	if !reflect.DeepEqual(got, []int{0, 1, 2}) {
		t.Fatalf("sampleSize >= total must select every index, got %v", got)
	}
}

func TestRecordHashCanonical(t *testing.T) {
	a := Record{"age": 42, "bmi": 22.5}
	b := Record{"bmi": 22.5, "age": 42}
	if fmt.Sprintf("%x", a.Hash()) != fmt.Sprintf("%x", b.Hash()) {
		t.Fatal("field order must not change the record hash")
	}
	c := Record{"age": 43, "bmi": 22.5}
	if fmt.Sprintf("%x", a.Hash()) == fmt.Sprintf("%x", c.Hash()) {
		t.Fatal("distinct records must hash differently")
	}
}

func TestGenerateBatchProof(t *testing.T) {
	coord := NewCoordinator(&fakeProver{}, &fakeVerifier{valid: true})
	records := testRecords(23)
	bundle, err := coord.GenerateBatchProof(context.Background(), records, 5)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if bundle.LeafCount != 23 {
		t.Fatalf("leaf count: %d", bundle.LeafCount)
	}
	if len(bundle.SampleProofs) != 5 {
		t.Fatalf("sample count: %d", len(bundle.SampleProofs))
	}
	if bundle.Coverage.SuccessfulCount != 5 {
		t.Fatalf("successful count: %d", bundle.Coverage.SuccessfulCount)
	}
	wantPct := float64(5) / 23 * 100
	if bundle.Coverage.CoveragePercent != wantPct {
		t.Fatalf("coverage percent: %f want %f", bundle.Coverage.CoveragePercent, wantPct)
	}

	report, err := coord.VerifyBatchProof(context.Background(), bundle.MerkleRoot, bundle.SampleProofs, "vk")
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !report.Valid || report.Passed != 5 || report.Failed != 0 {
		t.Fatalf("round-trip verification failed: %+v", report)
	}
}

func TestGenerateBatchProofToleratesSampleFailure(t *testing.T) {
	prover := &fakeProver{failAt: map[int]error{1: errors.New("circuit exploded")}}
	coord := NewCoordinator(prover, &fakeVerifier{valid: true})
	bundle, err := coord.GenerateBatchProof(context.Background(), testRecords(10), 4)
	if err != nil {
		t.Fatalf("a failing sample must not abort the batch: %v", err)
	}
	if bundle.Coverage.SuccessfulCount != 3 {
		t.Fatalf("successful count: %d", bundle.Coverage.SuccessfulCount)
	}
	failed := 0
	for _, s := range bundle.SampleProofs {
		if s.Error != "" {
			failed++
			if s.Proof != nil || s.InclusionProof != nil {
				t.Fatalf("failed sample must not carry proofs: %+v", s)
			}
		}
	}
	if failed != 1 {
		t.Fatalf("expected 1 failed sample, got %d", failed)
	}

	// A bundle with a failed sample never verifies as a whole.
	report, err := coord.VerifyBatchProof(context.Background(), bundle.MerkleRoot, bundle.SampleProofs, "vk")
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if report.Valid || report.Failed != 1 || report.Passed != 3 {
		t.Fatalf("unexpected report: %+v", report)
	}
}

func TestGenerateBatchProofTimeoutMapped(t *testing.T) {
	prover := &fakeProver{failAt: map[int]error{0: context.DeadlineExceeded}}
	coord := NewCoordinator(prover, nil)
	bundle, err := coord.GenerateBatchProof(context.Background(), testRecords(5), 1)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if got := bundle.SampleProofs[0].Error; got != ErrExternalProofTimeout.Error() {
		t.Fatalf("timeout must map to the sentinel, got %q", got)
	}
}

func TestGenerateBatchProofRangeViolation(t *testing.T) {
	coord := NewCoordinator(&fakeProver{}, nil)
	records := testRecords(3)
	records[0]["age"] = 300
	bundle, err := coord.GenerateBatchProof(context.Background(), records, 3)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if bundle.SampleProofs[0].Error == "" || !strings.Contains(bundle.SampleProofs[0].Error, "age") {
		t.Fatalf("range violation must be recorded on the sample: %+v", bundle.SampleProofs[0])
	}
	if bundle.Coverage.SuccessfulCount != 2 {
		t.Fatalf("other samples must survive: %+v", bundle.Coverage)
	}
}

func TestGenerateBatchProofNoRecords(t *testing.T) {
	coord := NewCoordinator(&fakeProver{}, nil)
	if _, err := coord.GenerateBatchProof(context.Background(), nil, 5); !errors.Is(err, ErrNoRecords) {
		t.Fatalf("expected ErrNoRecords, got %v", err)
	}
}

func TestVerifyBatchProofIsPure(t *testing.T) {
	verifier := &fakeVerifier{valid: true}
	coord := NewCoordinator(&fakeProver{}, verifier)
	bundle, err := coord.GenerateBatchProof(context.Background(), testRecords(8), 3)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	first, err := coord.VerifyBatchProof(context.Background(), bundle.MerkleRoot, bundle.SampleProofs, "vk")
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	for i := 0; i < 5; i++ {
		again, err := coord.VerifyBatchProof(context.Background(), bundle.MerkleRoot, bundle.SampleProofs, "vk")
		if err != nil {
			t.Fatalf("verify %d: %v", i, err)
		}
		if !reflect.DeepEqual(first, again) {
			t.Fatalf("repeated verification diverged: %+v vs %+v", first, again)
		}
	}
}

func TestVerifyBatchProofRejectsInvalidExternalProof(t *testing.T) {
	coord := NewCoordinator(&fakeProver{}, &fakeVerifier{valid: true})
	bundle, err := coord.GenerateBatchProof(context.Background(), testRecords(6), 2)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	coord.Verifier = &fakeVerifier{valid: false}
	report, err := coord.VerifyBatchProof(context.Background(), bundle.MerkleRoot, bundle.SampleProofs, "vk")
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if report.Valid || report.Passed != 0 {
		t.Fatalf("invalid external proofs must fail every sample: %+v", report)
	}
	for _, s := range report.Samples {
		if s.FailureReason != ErrExternalProofInvalid.Error() {
			t.Fatalf("expected invalid-proof reason, got %q", s.FailureReason)
		}
	}
}

func TestVerifyBatchProofRejectsForeignRoot(t *testing.T) {
	coord := NewCoordinator(&fakeProver{}, &fakeVerifier{valid: true})
	bundle, err := coord.GenerateBatchProof(context.Background(), testRecords(6), 2)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	other, err := coord.GenerateBatchProof(context.Background(), testRecords(7), 2)
	if err != nil {
		t.Fatalf("generate other: %v", err)
	}
	report, err := coord.VerifyBatchProof(context.Background(), other.MerkleRoot, bundle.SampleProofs, "vk")
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if report.Valid {
		t.Fatal("samples must not verify against a foreign root")
	}
}

func TestBundleJSONShape(t *testing.T) {
	coord := NewCoordinator(&fakeProver{}, nil)
	bundle, err := coord.GenerateBatchProof(context.Background(), testRecords(4), 2)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	raw, err := json.Marshal(bundle)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(raw, &doc); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	for _, key := range []string{"merkle_root", "leaf_count", "tree_height", "sample_proofs", "coverage"} {
		if _, ok := doc[key]; !ok {
			t.Fatalf("bundle document missing %q", key)
		}
	}
}
