package certstore

import (
	"context"
	"sync"
)

// MemoryStore keeps certificates in a mutex-guarded map. It backs tests
// and single-node deployments that can afford to re-issue on restart.
type MemoryStore struct {
	mu    sync.RWMutex
	certs map[string]*Certificate
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{certs: make(map[string]*Certificate)}
}

func (s *MemoryStore) Get(_ context.Context, name string) (*Certificate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cert, ok := s.certs[name]
	if !ok {
		return nil, nil
	}
	return cert.copy(), nil
}

func (s *MemoryStore) Put(_ context.Context, name string, cert *Certificate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.certs[name] = cert.copy()
	return nil
}

func (s *MemoryStore) AsMap(_ context.Context) (map[string]*Certificate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	certs := make(map[string]*Certificate, len(s.certs))
	for name, cert := range s.certs {
		certs[name] = cert.copy()
	}
	return certs, nil
}
