package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pomodex/sandboxd/pkg/types"
)

// MemoryStore is an in-memory Store for tests and local development.
// It mirrors the Postgres store's semantics, including owner-scoped
// reads and duplicate-email conflicts.
type MemoryStore struct {
	mu       sync.RWMutex
	users    map[uuid.UUID]*types.User
	tokens   map[uuid.UUID]*types.RefreshToken
	projects map[uuid.UUID]*types.Project
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:    make(map[uuid.UUID]*types.User),
		tokens:   make(map[uuid.UUID]*types.RefreshToken),
		projects: make(map[uuid.UUID]*types.Project),
	}
}

func (s *MemoryStore) CreateUser(ctx context.Context, user *types.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if u.Email == user.Email {
			return types.Conflict("email already registered")
		}
	}
	cp := *user
	s.users[user.ID] = &cp
	return nil
}

func (s *MemoryStore) GetUser(ctx context.Context, id uuid.UUID) (*types.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return nil, types.NotFound("user not found")
	}
	cp := *u
	return &cp, nil
}

func (s *MemoryStore) GetUserByEmail(ctx context.Context, email string) (*types.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, u := range s.users {
		if u.Email == email {
			cp := *u
			return &cp, nil
		}
	}
	return nil, types.NotFound("user not found")
}

func (s *MemoryStore) UpdateUserTenant(ctx context.Context, user *types.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[user.ID]
	if !ok {
		return types.NotFound("user not found")
	}
	u.Bucket = user.Bucket
	u.IdentityEmail = user.IdentityEmail
	u.CredentialKey = user.CredentialKey
	return nil
}

func (s *MemoryStore) CreateRefreshToken(ctx context.Context, token *types.RefreshToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *token
	s.tokens[token.ID] = &cp
	return nil
}

func (s *MemoryStore) GetRefreshToken(ctx context.Context, tokenHash string) (*types.RefreshToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, t := range s.tokens {
		if t.TokenHash == tokenHash {
			cp := *t
			return &cp, nil
		}
	}
	return nil, types.NotFound("refresh token not found")
}

func (s *MemoryStore) DeleteRefreshToken(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tokens, id)
	return nil
}

func (s *MemoryStore) CreateProject(ctx context.Context, project *types.Project) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *project
	s.projects[project.ID] = &cp
	return nil
}

func (s *MemoryStore) GetProject(ctx context.Context, id, userID uuid.UUID) (*types.Project, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.projects[id]
	if !ok || p.UserID != userID {
		return nil, types.NotFound("project not found")
	}
	cp := *p
	return &cp, nil
}

func (s *MemoryStore) ListProjects(ctx context.Context, userID uuid.UUID) ([]*types.Project, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*types.Project
	for _, p := range s.projects {
		if p.UserID == userID {
			cp := *p
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (s *MemoryStore) UpdateProject(ctx context.Context, project *types.Project) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.projects[project.ID]; !ok {
		return types.NotFound("project not found")
	}
	cp := *project
	s.projects[project.ID] = &cp
	return nil
}

func (s *MemoryStore) DeleteProject(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.projects, id)
	return nil
}

func (s *MemoryStore) TouchConnection(ctx context.Context, id uuid.UUID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.projects[id]
	if !ok {
		return types.NotFound("project not found")
	}
	t := at
	p.LastConnectionAt = &t
	p.LastActiveAt = at
	return nil
}

// ListIdleRunning returns running projects whose last connection is
// strictly before cutoff; a project that never saw a connection counts
// as idle.
func (s *MemoryStore) ListIdleRunning(ctx context.Context, cutoff time.Time) ([]*types.Project, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*types.Project
	for _, p := range s.projects {
		if p.Status != types.StatusRunning {
			continue
		}
		if p.LastConnectionAt == nil || p.LastConnectionAt.Before(cutoff) {
			cp := *p
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *MemoryStore) ListStuckTransitional(ctx context.Context, cutoff time.Time) ([]*types.Project, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*types.Project
	for _, p := range s.projects {
		if p.Status.Transitional() && p.LastActiveAt.Before(cutoff) {
			cp := *p
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *MemoryStore) CountByStatus(ctx context.Context) (map[types.ProjectStatus]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	counts := make(map[types.ProjectStatus]int)
	for _, p := range s.projects {
		counts[p.Status]++
	}
	return counts, nil
}

func (s *MemoryStore) Close() {}
