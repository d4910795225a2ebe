package api

import (
	"sync"

	"github.com/google/uuid"
)

// FillStore keeps completed fills in memory until deleted.
type FillStore struct {
	mu    sync.Mutex
	fills map[string]FillResponse
}

func NewFillStore() *FillStore {
	return &FillStore{
		fills: make(map[string]FillResponse),
	}
}

// Put stores resp, assigning an id when it has none, and returns the stored
// copy.
func (s *FillStore) Put(resp FillResponse) FillResponse {
	if resp.ID == "" {
		resp.ID = newFillID()
	}
	s.mu.Lock()
	s.fills[resp.ID] = resp
	s.mu.Unlock()
	return resp
}

func (s *FillStore) Get(id string) (FillResponse, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	resp, ok := s.fills[id]
	return resp, ok
}

func (s *FillStore) Delete(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.fills[id]; !ok {
		return false
	}
	delete(s.fills, id)
	return true
}

func (s *FillStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.fills)
}

func newFillID() string {
	return "fill_" + uuid.NewString()
}
