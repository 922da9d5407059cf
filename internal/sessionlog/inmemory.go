package sessionlog

import (
	"context"
	"sync"
	"time"
)

// InMemoryStore keeps session records in process memory. Used when no
// DATABASE_URL is configured and in tests.
type InMemoryStore struct {
	mu      sync.Mutex
	records []Record
	index   map[string]int
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{index: make(map[string]int)}
}

func (s *InMemoryStore) RecordStart(_ context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec.StartedAt.IsZero() {
		rec.StartedAt = time.Now().UTC()
	}
	s.index[rec.SessionID] = len(s.records)
	s.records = append(s.records, rec)
	return nil
}

func (s *InMemoryStore) RecordEnd(_ context.Context, sessionID, reason string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	i, ok := s.index[sessionID]
	if !ok {
		return nil
	}
	if at.IsZero() {
		at = time.Now().UTC()
	}
	s.records[i].EndedAt = at
	s.records[i].EndReason = reason
	return nil
}

func (s *InMemoryStore) Recent(_ context.Context, limit int) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 {
		limit = 10
	}
	start := len(s.records) - limit
	if start < 0 {
		start = 0
	}
	out := make([]Record, len(s.records)-start)
	copy(out, s.records[start:])
	return out, nil
}

func (s *InMemoryStore) Close() {}
