package admission

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is a process-local admission store for single-node deployments
// and tests. Same semantics as RedisStore without the shared backend.
type MemoryStore struct {
	mu      sync.Mutex
	limits  Limits
	active  map[string]map[string]time.Time // tenant -> jobID -> slot expiry
	last    map[string]time.Time
	nowFunc func() time.Time
}

// NewMemoryStore builds an in-process admission store.
func NewMemoryStore(limits Limits) *MemoryStore {
	return &MemoryStore{
		limits:  limits.withDefaults(),
		active:  make(map[string]map[string]time.Time),
		last:    make(map[string]time.Time),
		nowFunc: time.Now,
	}
}

func (s *MemoryStore) sweep(tenantID string, now time.Time) map[string]time.Time {
	slots := s.active[tenantID]
	if slots == nil {
		slots = make(map[string]time.Time)
		s.active[tenantID] = slots
	}
	for id, expiry := range slots {
		if !expiry.After(now) {
			delete(slots, id)
		}
	}
	return slots
}

func (s *MemoryStore) Acquire(_ context.Context, tenantID, jobID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.nowFunc()
	slots := s.sweep(tenantID, now)
	if len(slots) >= s.limits.MaxConcurrency {
		return false, nil
	}
	if last, ok := s.last[tenantID]; ok && now.Sub(last) < s.limits.MinGap {
		return false, nil
	}
	slots[jobID] = now.Add(s.limits.SlotTTL)
	s.last[tenantID] = now
	return true, nil
}

func (s *MemoryStore) Release(_ context.Context, tenantID, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if slots := s.active[tenantID]; slots != nil {
		delete(slots, jobID)
	}
	return nil
}

func (s *MemoryStore) Stats(_ context.Context, tenantID string) (Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	slots := s.sweep(tenantID, s.nowFunc())
	return Stats{ActiveCount: len(slots), LastDispatchAt: s.last[tenantID]}, nil
}

func (s *MemoryStore) Penalize(_ context.Context, tenantID string, d time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.last[tenantID] = s.nowFunc().Add(d)
	return nil
}
