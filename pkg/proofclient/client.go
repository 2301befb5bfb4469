package proofclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"statgate/pkg/batchproof"
	"statgate/pkg/dp"
	"statgate/pkg/telemetry"
)

// Client talks to the external zero-knowledge proof service. It
// implements both batchproof.Prover and batchproof.ProofVerifier.
type Client struct {
	baseURL string
	http    *http.Client
}

func New(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		http:    telemetry.InstrumentClient(&http.Client{Timeout: timeout}),
	}
}

type proveRequest struct {
	Record      map[string]float64  `json:"record"`
	Constraints map[string]dp.Range `json:"constraints"`
}

type proveResponse struct {
	Proof         json.RawMessage `json:"proof"`
	PublicSignals []string        `json:"public_signals"`
	Error         string          `json:"error,omitempty"`
}

func (c *Client) Prove(ctx context.Context, record batchproof.Record, constraints map[string]dp.Range) (json.RawMessage, []string, error) {
	var out proveResponse
	err := c.post(ctx, "/prove", proveRequest{Record: record, Constraints: constraints}, &out)
	if err != nil {
		return nil, nil, err
	}
	if out.Error != "" {
		return nil, nil, fmt.Errorf("proof service: %s", out.Error)
	}
	if len(out.Proof) == 0 {
		return nil, nil, fmt.Errorf("proof service: empty proof")
	}
	return out.Proof, out.PublicSignals, nil
}

type verifyRequest struct {
	Proof           json.RawMessage `json:"proof"`
	PublicSignals   []string        `json:"public_signals"`
	VerificationKey string          `json:"verification_key,omitempty"`
}

type verifyResponse struct {
	Valid bool   `json:"valid"`
	Error string `json:"error,omitempty"`
}

func (c *Client) Verify(ctx context.Context, proof json.RawMessage, publicSignals []string, verificationKey string) (bool, error) {
	var out verifyResponse
	err := c.post(ctx, "/verify", verifyRequest{
		Proof:           proof,
		PublicSignals:   publicSignals,
		VerificationKey: verificationKey,
	}, &out)
	if err != nil {
		return false, err
	}
	if out.Error != "" {
		return false, fmt.Errorf("proof service: %s", out.Error)
	}
	return out.Valid, nil
}

func (c *Client) post(ctx context.Context, path string, in, out interface{}) error {
	body, err := json.Marshal(in)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("proof service: %w", err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return fmt.Errorf("proof service: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("proof service: status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("proof service: invalid response: %w", err)
	}
	return nil
}
