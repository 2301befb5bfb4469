package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func newFakeHEService(t *testing.T, handler http.HandlerFunc) (*httpDecryptor, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return &httpDecryptor{
		baseURL: srv.URL,
		client:  &http.Client{Timeout: 5 * time.Second},
	}, srv
}

func TestHTTPDecryptorRoundTrip(t *testing.T) {
	var gotKeyID string
	d, _ := newFakeHEService(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/decrypt" {
			t.Errorf("path: %s", r.URL.Path)
		}
		var req decryptUpstreamRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode: %v", err)
		}
		gotKeyID = req.KeyID
		ct, err := base64.StdEncoding.DecodeString(req.Ciphertext)
		if err != nil || string(ct) != "cipherbytes" {
			t.Errorf("ciphertext: %q err=%v", req.Ciphertext, err)
		}
		_ = json.NewEncoder(w).Encode(decryptUpstreamResponse{
			Plaintext: base64.StdEncoding.EncodeToString([]byte("36.8")),
		})
	})

	plain, err := d.Decrypt(context.Background(), []byte("cipherbytes"), "key-7")
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if string(plain) != "36.8" {
		t.Fatalf("plaintext: %q", plain)
	}
	if gotKeyID != "key-7" {
		t.Fatalf("key id: %s", gotKeyID)
	}
}

func TestHTTPDecryptorUpstreamError(t *testing.T) {
	d, _ := newFakeHEService(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_ = json.NewEncoder(w).Encode(decryptUpstreamResponse{Error: "unknown key"})
	})
	_, err := d.Decrypt(context.Background(), []byte("x"), "missing")
	if err == nil || !strings.Contains(err.Error(), "unknown key") {
		t.Fatalf("expected upstream error, got %v", err)
	}
}

func TestHTTPDecryptorMalformedResponse(t *testing.T) {
	d, _ := newFakeHEService(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("<html>gateway timeout</html>"))
	})
	_, err := d.Decrypt(context.Background(), []byte("x"), "")
	if err == nil || !strings.Contains(err.Error(), "invalid response") {
		t.Fatalf("expected parse error, got %v", err)
	}
}

func TestHTTPDecryptorHonorsContext(t *testing.T) {
	d, _ := newFakeHEService(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := d.Decrypt(ctx, []byte("x"), "")
	if err == nil {
		t.Fatal("expected context deadline error")
	}
}

func TestHTTPDecryptorTrimsBaseURL(t *testing.T) {
	d, srv := newFakeHEService(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/decrypt" {
			t.Errorf("path: %s", r.URL.Path)
		}
		_ = json.NewEncoder(w).Encode(decryptUpstreamResponse{
			Plaintext: base64.StdEncoding.EncodeToString([]byte("ok")),
		})
	})
	d.baseURL = srv.URL + "/"
	if _, err := d.Decrypt(context.Background(), []byte("x"), ""); err != nil {
		t.Fatalf("decrypt: %v", err)
	}
}
