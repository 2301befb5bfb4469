package gateway

import (
	"context"
	"fmt"
	"sync"
)

// ErrKeyUnavailable reports a decrypt request naming a key the service
// does not hold or has disabled. No budget is consumed for it.
var ErrKeyUnavailable = fmt.Errorf("gateway: secret key unavailable")

// KeyStore answers whether a provider's secret key context is available
// for decryption.
type KeyStore interface {
	Available(ctx context.Context, keyID string) error
}

// MemoryKeyStore tracks key availability in process. Keys can be
// disabled without being forgotten, so a rotated key rejects cleanly
// instead of looking like a typo.
type MemoryKeyStore struct {
	mu   sync.RWMutex
	keys map[string]bool
}

func NewMemoryKeyStore(keyIDs ...string) *MemoryKeyStore {
	s := &MemoryKeyStore{keys: make(map[string]bool, len(keyIDs))}
	for _, id := range keyIDs {
		if id != "" {
			s.keys[id] = true
		}
	}
	return s
}

func (s *MemoryKeyStore) Register(keyID string) {
	if keyID == "" {
		return
	}
	s.mu.Lock()
	s.keys[keyID] = true
	s.mu.Unlock()
}

func (s *MemoryKeyStore) Disable(keyID string) {
	s.mu.Lock()
	if _, ok := s.keys[keyID]; ok {
		s.keys[keyID] = false
	}
	s.mu.Unlock()
}

func (s *MemoryKeyStore) Available(ctx context.Context, keyID string) error {
	s.mu.RLock()
	enabled, ok := s.keys[keyID]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: unknown key %q", ErrKeyUnavailable, keyID)
	}
	if !enabled {
		return fmt.Errorf("%w: key %q is disabled", ErrKeyUnavailable, keyID)
	}
	return nil
}

func WithKeyStore(ks KeyStore) Option { return func(g *Gateway) { g.keyStore = ks } }
