package storage

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pomodex/sandboxd/pkg/types"
)

// Store defines the interface for orchestrator state persistence.
// Implemented by the Postgres-backed store; tests use in-memory fakes.
type Store interface {
	// Users
	CreateUser(ctx context.Context, user *types.User) error
	GetUser(ctx context.Context, id uuid.UUID) (*types.User, error)
	GetUserByEmail(ctx context.Context, email string) (*types.User, error)
	UpdateUserTenant(ctx context.Context, user *types.User) error

	// Refresh tokens
	CreateRefreshToken(ctx context.Context, token *types.RefreshToken) error
	GetRefreshToken(ctx context.Context, tokenHash string) (*types.RefreshToken, error)
	DeleteRefreshToken(ctx context.Context, id uuid.UUID) error

	// Projects. Get/Update/Delete with a userID argument are
	// owner-scoped: a row owned by someone else reads as absent.
	CreateProject(ctx context.Context, project *types.Project) error
	GetProject(ctx context.Context, id, userID uuid.UUID) (*types.Project, error)
	ListProjects(ctx context.Context, userID uuid.UUID) ([]*types.Project, error)
	UpdateProject(ctx context.Context, project *types.Project) error
	DeleteProject(ctx context.Context, id uuid.UUID) error
	TouchConnection(ctx context.Context, id uuid.UUID, at time.Time) error

	// Reconciler queries
	ListIdleRunning(ctx context.Context, cutoff time.Time) ([]*types.Project, error)
	ListStuckTransitional(ctx context.Context, cutoff time.Time) ([]*types.Project, error)
	CountByStatus(ctx context.Context) (map[types.ProjectStatus]int, error)

	// Utility
	Close()
}
