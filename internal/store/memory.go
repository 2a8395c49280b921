package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/groweye/plantcount/internal/model"
)

// MemoryStore is an in-memory SessionStore used by tests and the local CLI.
type MemoryStore struct {
	mu         sync.Mutex
	sessions   map[string]model.Session
	containers map[string][]ContainerResult
}

var _ SessionStore = (*MemoryStore)(nil)

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions:   make(map[string]model.Session),
		containers: make(map[string][]ContainerResult),
	}
}

func (s *MemoryStore) CreateSession(_ context.Context, session *model.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[session.ID]; ok {
		return ErrSessionExists
	}
	s.sessions[session.ID] = *session
	return nil
}

func (s *MemoryStore) GetSession(_ context.Context, sessionID string) (*model.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[sessionID]
	if !ok {
		return nil, nil
	}
	return &session, nil
}

func (s *MemoryStore) UpdateSessionStatus(_ context.Context, sessionID string, status model.SessionStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[sessionID]
	if !ok {
		return fmt.Errorf("session %s not found", sessionID)
	}
	session.Status = status
	s.sessions[sessionID] = session
	return nil
}

func (s *MemoryStore) FinalizeSession(_ context.Context, result *FinalResult) error {
	if err := result.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[result.Session.ID] = result.Session
	s.containers[result.Session.ID] = append([]ContainerResult(nil), result.Containers...)
	return nil
}

func (s *MemoryStore) GetContainerResults(_ context.Context, sessionID string) ([]ContainerResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	results := append([]ContainerResult(nil), s.containers[sessionID]...)
	sort.Slice(results, func(i, j int) bool {
		return results[i].Container.ID < results[j].Container.ID
	})
	return results, nil
}
