package gateway

import (
	"context"
	"errors"
	"testing"
	"time"

	"statgate/pkg/budget"
	"statgate/pkg/policy"
	"statgate/pkg/ratelimit"
	"statgate/pkg/similarity"
)

func TestMemoryKeyStoreAvailability(t *testing.T) {
	ks := NewMemoryKeyStore("key-1", "key-2", "")
	ctx := context.Background()

	if err := ks.Available(ctx, "key-1"); err != nil {
		t.Fatalf("registered key must be available: %v", err)
	}
	if err := ks.Available(ctx, "key-9"); !errors.Is(err, ErrKeyUnavailable) {
		t.Fatalf("unknown key: %v", err)
	}

	ks.Disable("key-1")
	if err := ks.Available(ctx, "key-1"); !errors.Is(err, ErrKeyUnavailable) {
		t.Fatalf("disabled key: %v", err)
	}

	ks.Register("key-1")
	if err := ks.Available(ctx, "key-1"); err != nil {
		t.Fatalf("re-registered key must be available: %v", err)
	}

	// Disabling an unknown key must not register it.
	ks.Disable("phantom")
	if err := ks.Available(ctx, "phantom"); !errors.Is(err, ErrKeyUnavailable) {
		t.Fatalf("phantom key: %v", err)
	}
}

func TestDecryptMissingKeyConsumesNoBudget(t *testing.T) {
	ledger := budget.NewMemoryLedger(10)
	events := make([]string, 0)
	g := New(
		Config{MinK: 100, MaxRequests: 10, RateWindow: time.Hour},
		ratelimit.NewInMemory(),
		similarity.NewDetector(),
		ledger,
		WithDecryptor(stubDecryptor{plaintext: []byte("ok")}),
		WithKeyStore(NewMemoryKeyStore("key-1")),
		WithSecurityLog(logFunc(func(eventType string) { events = append(events, eventType) })),
	)

	md := policy.QueryMetadata{Operation: "mean", Field: "age", SampleSize: 500, Epsilon: 1}
	_, err := g.Decrypt(context.Background(), "r1", md, []byte("c"), "key-9")
	if !errors.Is(err, ErrKeyUnavailable) {
		t.Fatalf("expected key unavailable, got %v", err)
	}
	remaining, _ := ledger.Remaining(context.Background(), "r1")
	if remaining != 10 {
		t.Fatalf("missing key must not consume budget, remaining %g", remaining)
	}
	found := false
	for _, e := range events {
		if e == "KEY_UNAVAILABLE" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected KEY_UNAVAILABLE event, got %v", events)
	}

	res, err := g.Decrypt(context.Background(), "r1", md, []byte("c"), "key-1")
	if err != nil {
		t.Fatalf("known key must decrypt: %v", err)
	}
	if string(res.Plaintext) != "ok" {
		t.Fatalf("plaintext: %q", res.Plaintext)
	}
}

type stubDecryptor struct{ plaintext []byte }

func (s stubDecryptor) Decrypt(ctx context.Context, ciphertext []byte, keyID string) ([]byte, error) {
	return s.plaintext, nil
}

type logFunc func(eventType string)

func (f logFunc) LogSecurityEvent(ctx context.Context, eventType, requesterID, detail, severity string) {
	f(eventType)
}
