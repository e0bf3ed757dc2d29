package lock

import (
	"context"
	"sync"
	"time"

	"mailsync/internal/model"
)

// MemoryStore keeps leases in process. It only coordinates goroutines of a
// single node and is meant for local runs and tests.
type MemoryStore struct {
	mu     sync.Mutex
	leases map[string]model.Lease
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{leases: make(map[string]model.Lease)}
}

func (s *MemoryStore) Insert(_ context.Context, lease model.Lease) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.leases[lease.Key]; exists {
		return false, nil
	}
	s.leases[lease.Key] = lease
	return true, nil
}

func (s *MemoryStore) Get(_ context.Context, key string) (*model.Lease, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	lease, ok := s.leases[key]
	if !ok {
		return nil, nil
	}
	return &lease, nil
}

func (s *MemoryStore) DeleteExpired(_ context.Context, key string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	lease, ok := s.leases[key]
	if !ok || !lease.Expired(now) {
		return false, nil
	}
	delete(s.leases, key)
	return true, nil
}

func (s *MemoryStore) DeleteIfOwned(_ context.Context, key, holder string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	lease, ok := s.leases[key]
	if !ok || lease.HolderID != holder {
		return false, nil
	}
	delete(s.leases, key)
	return true, nil
}

func (s *MemoryStore) PurgeExpired(_ context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for key, lease := range s.leases {
		if lease.Expired(now) {
			delete(s.leases, key)
			n++
		}
	}
	return n, nil
}
