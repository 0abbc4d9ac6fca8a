package store

import (
	"slices"
	"strings"
	"sync"
	"time"
)

// ExecutorInfo is the listing view of one executor.
type ExecutorInfo struct {
	Name            string    `json:"name"`
	Type            string    `json:"type"`
	BinaryVersion   string    `json:"binary_version"`
	State           string    `json:"state"`
	PID             int       `json:"pid"`
	RunID           string    `json:"run_id,omitempty"`
	Launches        int       `json:"launches"`
	UnexpectedExits int       `json:"unexpected_exits"`
	LastExit        string    `json:"last_exit,omitempty"`
	Health          string    `json:"health,omitempty"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// MemoryStore is a tiny in-memory store for executor status.
type MemoryStore struct {
	mu    sync.RWMutex
	items map[string]ExecutorInfo
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: make(map[string]ExecutorInfo)}
}

// Upsert stores ei; empty fields keep their previous value.
func (s *MemoryStore) Upsert(ei ExecutorInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.items[ei.Name]; ok {
		if ei.Type == "" {
			ei.Type = prev.Type
		}
		if ei.BinaryVersion == "" {
			ei.BinaryVersion = prev.BinaryVersion
		}
		if ei.State == "" {
			ei.State = prev.State
		}
	}
	if ei.UpdatedAt.IsZero() {
		ei.UpdatedAt = time.Now()
	}
	s.items[ei.Name] = ei
}

// Update applies fn to the stored entry for name, creating it if needed.
func (s *MemoryStore) Update(name string, fn func(*ExecutorInfo)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ei, ok := s.items[name]
	if !ok {
		ei = ExecutorInfo{Name: name}
	}
	fn(&ei)
	ei.UpdatedAt = time.Now()
	s.items[name] = ei
}

// List returns the entries sorted by name.
func (s *MemoryStore) List() []ExecutorInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ExecutorInfo, 0, len(s.items))
	for _, v := range s.items {
		out = append(out, v)
	}
	slices.SortFunc(out, func(a, b ExecutorInfo) int { return strings.Compare(a.Name, b.Name) })
	return out
}

func (s *MemoryStore) Get(name string) (ExecutorInfo, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.items[name]
	return v, ok
}
