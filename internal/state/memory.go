package state

import (
	"context"
	"sync"
)

// MemoryStore keeps records in process. Used by tests and dry runs.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]InstanceRecord
	saves   int
}

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]InstanceRecord)}
}

func (s *MemoryStore) Load(_ context.Context, name string) (*InstanceRecord, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec := s.records[name]
	return &rec, nil
}

func (s *MemoryStore) Save(_ context.Context, name string, rec *InstanceRecord) error {
	if err := validateName(name); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saves++
	if rec == nil || rec.Empty() {
		delete(s.records, name)
		return nil
	}
	s.records[name] = *rec
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, name)
	return nil
}

func (s *MemoryStore) List(_ context.Context) (map[string]InstanceRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]InstanceRecord, len(s.records))
	for k, v := range s.records {
		out[k] = v
	}
	return out, nil
}

func (s *MemoryStore) Close() error { return nil }

// Saves counts Save calls, for checkpoint assertions.
func (s *MemoryStore) Saves() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.saves
}
