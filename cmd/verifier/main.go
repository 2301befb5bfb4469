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

// errBundleInvalid distinguishes a clean "proofs do not check out" from
// operational failures; both exit nonzero.
var errBundleInvalid = errors.New("bundle verification failed")

// newCoordinator is swapped in tests to avoid a live proof service.
var newCoordinator = func(proofURL string, timeout time.Duration) *batchproof.Coordinator {
	client := proofclient.New(proofURL, timeout)
	c := batchproof.NewCoordinator(client, client)
	c.ProofTimeout = timeout
	return c
}

func run(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("verifier", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	bundlePath := fs.String("bundle", "", "bundle JSON produced by packager")
	verifyURL := fs.String("verify-url", os.Getenv("PROOF_SERVICE_URL"), "proof service base URL")
	verificationKey := fs.String("verification-key", os.Getenv("PROOF_VERIFICATION_KEY"), "verification key identifier")
	timeoutSec := fs.Int("timeout-sec", 30, "per-proof timeout in seconds")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *bundlePath == "" {
		return errors.New("bundle required")
	}
	if *verifyURL == "" {
		return errors.New("verify-url or PROOF_SERVICE_URL required")
	}

	raw, err := os.ReadFile(*bundlePath)
	if err != nil {
		return fmt.Errorf("read bundle: %w", err)
	}
	var bundle batchproof.Bundle
	if err := json.Unmarshal(raw, &bundle); err != nil {
		return fmt.Errorf("decode bundle: %w", err)
	}

	coordinator := newCoordinator(*verifyURL, time.Duration(*timeoutSec)*time.Second)
	report, err := coordinator.VerifyBatchProof(context.Background(), bundle.MerkleRoot, bundle.SampleProofs, *verificationKey)
	if err != nil {
		return fmt.Errorf("verify batch proof: %w", err)
	}

	encoded, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("encode report: %w", err)
	}
	fmt.Fprintln(out, string(encoded))
	if !report.Valid {
		return fmt.Errorf("%w: %d of %d samples failed", errBundleInvalid, report.Failed, len(bundle.SampleProofs))
	}
	return nil
}
