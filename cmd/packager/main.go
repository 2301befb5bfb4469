package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"statgate/pkg/batchproof"
	"statgate/pkg/proofclient"
)

// Testable variables for main()
var osExit = os.Exit

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		log.Print(err)
		osExit(1)
	}
}

// newCoordinator is swapped in tests to avoid a live proof service.
var newCoordinator = func(proofURL string, timeout time.Duration) *batchproof.Coordinator {
	client := proofclient.New(proofURL, timeout)
	c := batchproof.NewCoordinator(client, client)
	c.ProofTimeout = timeout
	return c
}

func run(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("packager", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	recordsPath := fs.String("records", "", "records JSON file (array of field->value objects)")
	outPath := fs.String("out", "bundle.json", "bundle output path")
	sampleSize := fs.Int("sample-size", 10, "number of records to prove")
	proofURL := fs.String("proof-url", os.Getenv("PROOF_SERVICE_URL"), "proof service base URL")
	timeoutSec := fs.Int("timeout-sec", 30, "per-proof timeout in seconds")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *recordsPath == "" {
		return errors.New("records required")
	}
	if *proofURL == "" {
		return errors.New("proof-url or PROOF_SERVICE_URL required")
	}

	records, err := loadRecords(*recordsPath)
	if err != nil {
		return err
	}

	coordinator := newCoordinator(*proofURL, time.Duration(*timeoutSec)*time.Second)
	bundle, err := coordinator.GenerateBatchProof(context.Background(), records, *sampleSize)
	if err != nil {
		return fmt.Errorf("generate batch proof: %w", err)
	}

	encoded, err := json.MarshalIndent(bundle, "", "  ")
	if err != nil {
		return fmt.Errorf("encode bundle: %w", err)
	}
	if err := os.WriteFile(*outPath, encoded, 0o600); err != nil {
		return fmt.Errorf("write bundle: %w", err)
	}
	fmt.Fprintf(out, "wrote %s: root=%s leaves=%d sampled=%d coverage=%.1f%%\n",
		*outPath, bundle.MerkleRoot, bundle.LeafCount,
		bundle.Coverage.SampledCount, bundle.Coverage.CoveragePercent)
	return nil
}

func loadRecords(path string) ([]batchproof.Record, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read records: %w", err)
	}
	var records []batchproof.Record
	if err := json.Unmarshal(raw, &records); err != nil {
		return nil, fmt.Errorf("decode records: %w", err)
	}
	if len(records) == 0 {
		return nil, errors.New("records file is empty")
	}
	return records, nil
}
