package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pomodex/sandboxd/pkg/types"
)

// PostgresStore implements Store on a pgx connection pool.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to the database at dsn.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to reach database: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

// Close releases the connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

// Migrate creates the tables if they do not exist. Production uses
// proper migrations; this covers dev and test databases.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, schema)
	if err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

const schema = `
CREATE TABLE IF NOT EXISTS users (
	id UUID PRIMARY KEY,
	email TEXT UNIQUE NOT NULL,
	password_hash TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	bucket TEXT,
	identity_email TEXT,
	credential_key TEXT
);

CREATE TABLE IF NOT EXISTS refresh_tokens (
	id UUID PRIMARY KEY,
	user_id UUID NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	token_hash TEXT UNIQUE NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS projects (
	id UUID PRIMARY KEY,
	user_id UUID NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	name TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'creating',
	container_id TEXT,
	container_name TEXT,
	volume_name TEXT,
	ssh_host_port INTEGER,
	ssh_public_key TEXT NOT NULL,
	ssh_private_key TEXT NOT NULL,
	storage_prefix TEXT NOT NULL,
	snapshot_image TEXT,
	last_snapshot_at TIMESTAMPTZ,
	snapshot_size_bytes BIGINT,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	last_active_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	last_backup_at TIMESTAMPTZ,
	last_connection_at TIMESTAMPTZ
);
`

func (s *PostgresStore) CreateUser(ctx context.Context, user *types.User) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO users (id, email, password_hash, created_at) VALUES ($1, $2, $3, $4)`,
		user.ID, user.Email, user.PasswordHash, user.CreatedAt)
	if isUniqueViolation(err) {
		return types.Conflict("email already registered")
	}
	if err != nil {
		return fmt.Errorf("failed to insert user: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetUser(ctx context.Context, id uuid.UUID) (*types.User, error) {
	return s.scanUser(s.pool.QueryRow(ctx, userColumns+` WHERE id = $1`, id))
}

func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (*types.User, error) {
	return s.scanUser(s.pool.QueryRow(ctx, userColumns+` WHERE email = $1`, email))
}

const userColumns = `SELECT id, email, password_hash, created_at,
	COALESCE(bucket, ''), COALESCE(identity_email, ''), COALESCE(credential_key, '')
	FROM users`

func (s *PostgresStore) scanUser(row pgx.Row) (*types.User, error) {
	var u types.User
	err := row.Scan(&u.ID, &u.Email, &u.PasswordHash, &u.CreatedAt,
		&u.Bucket, &u.IdentityEmail, &u.CredentialKey)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, types.NotFound("user not found")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan user: %w", err)
	}
	return &u, nil
}

// UpdateUserTenant persists only the tenant material columns. Written
// after every provisioner step so retries skip completed work.
func (s *PostgresStore) UpdateUserTenant(ctx context.Context, user *types.User) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE users SET bucket = NULLIF($2, ''), identity_email = NULLIF($3, ''),
			credential_key = NULLIF($4, '') WHERE id = $1`,
		user.ID, user.Bucket, user.IdentityEmail, user.CredentialKey)
	if err != nil {
		return fmt.Errorf("failed to update tenant material: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreateRefreshToken(ctx context.Context, token *types.RefreshToken) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO refresh_tokens (id, user_id, token_hash, expires_at, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		token.ID, token.UserID, token.TokenHash, token.ExpiresAt, token.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert refresh token: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetRefreshToken(ctx context.Context, tokenHash string) (*types.RefreshToken, error) {
	var t types.RefreshToken
	err := s.pool.QueryRow(ctx,
		`SELECT id, user_id, token_hash, expires_at, created_at
		 FROM refresh_tokens WHERE token_hash = $1`, tokenHash).
		Scan(&t.ID, &t.UserID, &t.TokenHash, &t.ExpiresAt, &t.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, types.NotFound("refresh token not found")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan refresh token: %w", err)
	}
	return &t, nil
}

func (s *PostgresStore) DeleteRefreshToken(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM refresh_tokens WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete refresh token: %w", err)
	}
	return nil
}

const projectColumns = `SELECT id, user_id, name, status,
	COALESCE(container_id, ''), COALESCE(container_name, ''), COALESCE(volume_name, ''),
	COALESCE(ssh_host_port, 0), ssh_public_key, ssh_private_key, storage_prefix,
	COALESCE(snapshot_image, ''), last_snapshot_at, snapshot_size_bytes,
	created_at, last_active_at, last_backup_at, last_connection_at
	FROM projects`

func (s *PostgresStore) CreateProject(ctx context.Context, p *types.Project) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO projects (id, user_id, name, status, ssh_public_key, ssh_private_key,
			storage_prefix, created_at, last_active_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		p.ID, p.UserID, p.Name, p.Status, p.SSHPublicKey, p.SSHPrivateKey,
		p.StoragePrefix, p.CreatedAt, p.LastActiveAt)
	if err != nil {
		return fmt.Errorf("failed to insert project: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetProject(ctx context.Context, id, userID uuid.UUID) (*types.Project, error) {
	return s.scanProject(s.pool.QueryRow(ctx,
		projectColumns+` WHERE id = $1 AND user_id = $2`, id, userID))
}

func (s *PostgresStore) ListProjects(ctx context.Context, userID uuid.UUID) ([]*types.Project, error) {
	rows, err := s.pool.Query(ctx,
		projectColumns+` WHERE user_id = $1 ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list projects: %w", err)
	}
	return s.collectProjects(rows)
}

func (s *PostgresStore) UpdateProject(ctx context.Context, p *types.Project) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE projects SET name = $2, status = $3,
			container_id = NULLIF($4, ''), container_name = NULLIF($5, ''),
			volume_name = NULLIF($6, ''), ssh_host_port = NULLIF($7, 0),
			snapshot_image = NULLIF($8, ''), last_snapshot_at = $9, snapshot_size_bytes = $10,
			last_active_at = $11, last_backup_at = $12, last_connection_at = $13
		 WHERE id = $1`,
		p.ID, p.Name, p.Status, p.ContainerID, p.ContainerName, p.VolumeName,
		p.SSHHostPort, p.SnapshotImage, p.LastSnapshotAt, p.SnapshotSizeBytes,
		p.LastActiveAt, p.LastBackupAt, p.LastConnectionAt)
	if err != nil {
		return fmt.Errorf("failed to update project: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteProject(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM projects WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete project: %w", err)
	}
	return nil
}

func (s *PostgresStore) TouchConnection(ctx context.Context, id uuid.UUID, at time.Time) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE projects SET last_connection_at = $2, last_active_at = $2 WHERE id = $1`, id, at)
	if err != nil {
		return fmt.Errorf("failed to touch connection time: %w", err)
	}
	return nil
}

// ListIdleRunning returns running projects whose last terminal
// connection is strictly before cutoff. A project that never had a
// connection counts as idle.
func (s *PostgresStore) ListIdleRunning(ctx context.Context, cutoff time.Time) ([]*types.Project, error) {
	rows, err := s.pool.Query(ctx,
		projectColumns+` WHERE status = $1
			AND (last_connection_at IS NULL OR last_connection_at < $2)`,
		types.StatusRunning, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to list idle projects: %w", err)
	}
	return s.collectProjects(rows)
}

// ListStuckTransitional returns projects parked in a transitional
// status since before cutoff.
func (s *PostgresStore) ListStuckTransitional(ctx context.Context, cutoff time.Time) ([]*types.Project, error) {
	rows, err := s.pool.Query(ctx,
		projectColumns+` WHERE status = ANY($1) AND last_active_at < $2`,
		[]types.ProjectStatus{types.StatusCreating, types.StatusSnapshotting, types.StatusRestoring},
		cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to list stuck projects: %w", err)
	}
	return s.collectProjects(rows)
}

// CountByStatus returns the number of projects per status, feeding the
// fleet gauge.
func (s *PostgresStore) CountByStatus(ctx context.Context) (map[types.ProjectStatus]int, error) {
	rows, err := s.pool.Query(ctx, `SELECT status, COUNT(*) FROM projects GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count projects: %w", err)
	}
	defer rows.Close()

	counts := make(map[types.ProjectStatus]int)
	for rows.Next() {
		var status types.ProjectStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan status count: %w", err)
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

func (s *PostgresStore) collectProjects(rows pgx.Rows) ([]*types.Project, error) {
	defer rows.Close()
	var projects []*types.Project
	for rows.Next() {
		p, err := s.scanProject(rows)
		if err != nil {
			return nil, err
		}
		projects = append(projects, p)
	}
	return projects, rows.Err()
}

func (s *PostgresStore) scanProject(row pgx.Row) (*types.Project, error) {
	var p types.Project
	err := row.Scan(&p.ID, &p.UserID, &p.Name, &p.Status,
		&p.ContainerID, &p.ContainerName, &p.VolumeName, &p.SSHHostPort,
		&p.SSHPublicKey, &p.SSHPrivateKey, &p.StoragePrefix,
		&p.SnapshotImage, &p.LastSnapshotAt, &p.SnapshotSizeBytes,
		&p.CreatedAt, &p.LastActiveAt, &p.LastBackupAt, &p.LastConnectionAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, types.NotFound("project not found")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan project: %w", err)
	}
	return &p, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
