package main

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// httpDecryptor forwards ciphertexts to the homomorphic-encryption
// service. It never inspects plaintext beyond decoding the envelope.
type httpDecryptor struct {
	baseURL string
	client  *http.Client
}

type decryptUpstreamRequest struct {
	Ciphertext string `json:"ciphertext"`
	KeyID      string `json:"key_id,omitempty"`
}

type decryptUpstreamResponse struct {
	Plaintext string `json:"plaintext"`
	Error     string `json:"error,omitempty"`
}

func (d *httpDecryptor) Decrypt(ctx context.Context, ciphertext []byte, keyID string) ([]byte, error) {
	body, err := json.Marshal(decryptUpstreamRequest{
		Ciphertext: base64.StdEncoding.EncodeToString(ciphertext),
		KeyID:      keyID,
	})
	if err != nil {
		return nil, err
	}
	url := strings.TrimRight(d.baseURL, "/") + "/decrypt"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("he service: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("he service: read response: %w", err)
	}
	var out decryptUpstreamResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("he service: status %d: invalid response", resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		msg := out.Error
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return nil, fmt.Errorf("he service: status %d: %s", resp.StatusCode, msg)
	}
	plaintext, err := base64.StdEncoding.DecodeString(out.Plaintext)
	if err != nil {
		return nil, fmt.Errorf("he service: plaintext not base64: %w", err)
	}
	return plaintext, nil
}
