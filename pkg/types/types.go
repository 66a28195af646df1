package types

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// User is an account that owns projects. Tenant material (bucket,
// cloud identity, credential blob) is populated lazily by the tenant
// provisioner on first project creation and reused afterwards.
type User struct {
	ID           uuid.UUID
	Email        string
	PasswordHash string
	CreatedAt    time.Time

	// Tenant material, all empty until provisioned
	Bucket        string
	IdentityEmail string
	CredentialKey string
}

// Provisioned reports whether the user's tenant material is complete.
func (u *User) Provisioned() bool {
	return u.CredentialKey != ""
}

// RefreshToken stores only the SHA-256 digest of an opaque refresh
// token. Rows are single-use: consumed and replaced on every refresh.
type RefreshToken struct {
	ID        uuid.UUID
	UserID    uuid.UUID
	TokenHash string
	ExpiresAt time.Time
	CreatedAt time.Time
}

// ProjectStatus represents the current lifecycle state of a project
type ProjectStatus string

const (
	StatusCreating     ProjectStatus = "creating"
	StatusRunning      ProjectStatus = "running"
	StatusSnapshotting ProjectStatus = "snapshotting"
	StatusStopped      ProjectStatus = "stopped"
	StatusRestoring    ProjectStatus = "restoring"
	StatusError        ProjectStatus = "error"
)

// Transitional reports whether the status is one the process may crash
// out of, leaving the project stuck.
func (s ProjectStatus) Transitional() bool {
	return s == StatusCreating || s == StatusSnapshotting || s == StatusRestoring
}

// Project is a user-owned sandbox: one container, one volume, one
// bridge network, and a workspace prefix in the owner's bucket.
type Project struct {
	ID     uuid.UUID
	UserID uuid.UUID
	Name   string
	Status ProjectStatus

	// Container runtime
	ContainerID   string
	ContainerName string
	VolumeName    string
	SSHHostPort   int

	// SSH material
	SSHPublicKey  string
	SSHPrivateKey string

	// Workspace prefix within the owner's bucket, immutable after create
	StoragePrefix string

	// Snapshot
	SnapshotImage     string
	LastSnapshotAt    *time.Time
	SnapshotSizeBytes *int64

	CreatedAt        time.Time
	LastActiveAt     time.Time
	LastBackupAt     *time.Time
	LastConnectionAt *time.Time
}

// Resource names are derived deterministically from the project ID so
// that cleanup never needs the DB row.

// NetworkName returns the per-project bridge network name.
func NetworkName(projectID string) string {
	return fmt.Sprintf("net-%s", projectID)
}

// VolumeName returns the per-project named volume.
func VolumeName(projectID string) string {
	return fmt.Sprintf("vol-%s", projectID)
}

// ContainerName returns the sandbox container name.
func ContainerName(projectID string) string {
	return fmt.Sprintf("sandbox-%s", projectID)
}

// WorkspacePrefix returns the object-storage prefix holding the
// project's workspace replica.
func WorkspacePrefix(projectID string) string {
	return fmt.Sprintf("%s/workspace", projectID)
}

// SandboxSpec carries everything the runtime needs to create a sandbox
// container.
type SandboxSpec struct {
	Image         string
	Bucket        string
	StoragePrefix string
	CredentialKey string
	SSHPublicKey  string
}

// Snapshot describes the result of a completed snapshot.
type Snapshot struct {
	ImageRef   string
	SnapshotAt time.Time
}

// SnapshotVersion is one timestamped tag in the registry.
type SnapshotVersion struct {
	Tag       string
	CreatedAt time.Time
}

// NewID allocates a fresh identity.
func NewID() uuid.UUID {
	return uuid.New()
}
