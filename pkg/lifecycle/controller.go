package lifecycle

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pomodex/sandboxd/pkg/log"
	"github.com/pomodex/sandboxd/pkg/metrics"
	"github.com/pomodex/sandboxd/pkg/storage"
	"github.com/pomodex/sandboxd/pkg/types"
)

// ContainerRuntime is the slice of the runtime adapter the controller
// drives directly. Snapshot and restore go through the engine.
type ContainerRuntime interface {
	CreateSandbox(ctx context.Context, projectID string, spec types.SandboxSpec) (string, int, error)
	ConnectProxyToNetwork(ctx context.Context, projectID string) error
	DisconnectProxyFromNetwork(ctx context.Context, projectID string) error
	DeleteContainer(ctx context.Context, projectID string) error
	CleanupProjectResources(ctx context.Context, projectID string) error
}

// SnapshotEngine captures and restores container state.
type SnapshotEngine interface {
	Snapshot(ctx context.Context, project *types.Project, user *types.User) (*types.Snapshot, error)
	Restore(ctx context.Context, project *types.Project, user *types.User, baseImage string) (string, int, error)
}

// TenantProvisioner lazily materializes user tenant material.
type TenantProvisioner interface {
	EnsureTenant(ctx context.Context, user *types.User) error
}

// ObjectStorage deletes workspace data on project teardown.
type ObjectStorage interface {
	DeletePrefix(ctx context.Context, bucket, prefix string) error
}

// VersionPurger removes all snapshot images for a project.
type VersionPurger interface {
	DeleteAllVersions(ctx context.Context, projectID, credentialKey string) error
}

// Controller is the project lifecycle state machine. Every operation
// on a project holds that project's lock for its full duration, so
// overlapping operations serialize while distinct projects run in
// parallel. Ownership is enforced on every fetch: a project owned by
// someone else is indistinguishable from a missing one.
type Controller struct {
	store        storage.Store
	runtime      ContainerRuntime
	engine       SnapshotEngine
	provisioner  TenantProvisioner
	objects      ObjectStorage
	purger       VersionPurger
	sandboxImage string
	locks        *projectLocks
}

// NewController wires the lifecycle controller.
func NewController(store storage.Store, rt ContainerRuntime, engine SnapshotEngine,
	prov TenantProvisioner, objects ObjectStorage, purger VersionPurger, sandboxImage string) *Controller {
	return &Controller{
		store:        store,
		runtime:      rt,
		engine:       engine,
		provisioner:  prov,
		objects:      objects,
		purger:       purger,
		sandboxImage: sandboxImage,
		locks:        newProjectLocks(),
	}
}

// Get fetches a project owned by userID.
func (c *Controller) Get(ctx context.Context, projectID, userID uuid.UUID) (*types.Project, error) {
	return c.store.GetProject(ctx, projectID, userID)
}

// List returns the caller's projects, newest first.
func (c *Controller) List(ctx context.Context, userID uuid.UUID) ([]*types.Project, error) {
	return c.store.ListProjects(ctx, userID)
}

// Create provisions a new project end to end: tenant material, bridge
// network, volume, container, proxy attachment. On failure after the
// row exists, per-project resources are torn down and the row is left
// in status error; tenant-level bucket and identity are never rolled
// back because they are per-user and shared across projects.
func (c *Controller) Create(ctx context.Context, userID uuid.UUID, name string) (*types.Project, error) {
	user, err := c.store.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	projectID := types.NewID()
	publicKey, privateKey, err := generateSSHKeypair()
	if err != nil {
		return nil, types.External("failed to generate ssh keys", err)
	}

	now := time.Now().UTC()
	project := &types.Project{
		ID:            projectID,
		UserID:        userID,
		Name:          name,
		Status:        types.StatusCreating,
		SSHPublicKey:  publicKey,
		SSHPrivateKey: privateKey,
		StoragePrefix: types.WorkspacePrefix(projectID.String()),
		CreatedAt:     now,
		LastActiveAt:  now,
	}
	if err := c.store.CreateProject(ctx, project); err != nil {
		return nil, err
	}

	c.locks.acquire(projectID)
	defer c.locks.release(projectID)

	logger := log.WithProject(projectID.String())

	fail := func(cause error) (*types.Project, error) {
		logger.Error().Err(cause).Msg("project create failed")
		if err := c.runtime.CleanupProjectResources(ctx, projectID.String()); err != nil {
			logger.Warn().Err(err).Msg("cleanup after failed create incomplete")
		}
		project.Status = types.StatusError
		if err := c.store.UpdateProject(ctx, project); err != nil {
			logger.Error().Err(err).Msg("failed to mark project as error")
		}
		metrics.LifecycleOpsTotal.WithLabelValues("create", "error").Inc()
		return nil, types.External("failed to create project", cause)
	}

	if err := c.provisioner.EnsureTenant(ctx, user); err != nil {
		return fail(err)
	}

	containerID, sshPort, err := c.runtime.CreateSandbox(ctx, projectID.String(), types.SandboxSpec{
		Image:         c.sandboxImage,
		Bucket:        user.Bucket,
		StoragePrefix: project.StoragePrefix,
		CredentialKey: user.CredentialKey,
		SSHPublicKey:  publicKey,
	})
	if err != nil {
		return fail(err)
	}

	if err := c.runtime.ConnectProxyToNetwork(ctx, projectID.String()); err != nil {
		return fail(err)
	}

	project.ContainerID = containerID
	project.ContainerName = types.ContainerName(projectID.String())
	project.VolumeName = types.VolumeName(projectID.String())
	project.SSHHostPort = sshPort
	project.Status = types.StatusRunning
	if err := c.store.UpdateProject(ctx, project); err != nil {
		return fail(err)
	}

	metrics.LifecycleOpsTotal.WithLabelValues("create", "ok").Inc()
	logger.Info().Str("container_id", containerID).Int("ssh_port", sshPort).Msg("project created")
	return project, nil
}

// Stop snapshots a running project and leaves it stopped. Snapshot is
// an alias for Stop: a snapshot always ends with the container gone
// and the volume kept.
func (c *Controller) Stop(ctx context.Context, projectID, userID uuid.UUID) (*types.Project, error) {
	c.locks.acquire(projectID)
	defer c.locks.release(projectID)

	project, err := c.store.GetProject(ctx, projectID, userID)
	if err != nil {
		return nil, err
	}
	if project.Status != types.StatusRunning {
		return nil, types.InvalidState(fmt.Sprintf("project is not running (status=%s)", project.Status))
	}

	project.Status = types.StatusSnapshotting
	if err := c.store.UpdateProject(ctx, project); err != nil {
		return nil, err
	}

	result, err := c.snapshotLocked(ctx, project)
	if err != nil {
		metrics.LifecycleOpsTotal.WithLabelValues("stop", "error").Inc()
		return nil, err
	}
	metrics.LifecycleOpsTotal.WithLabelValues("stop", "ok").Inc()
	return result, nil
}

// snapshotLocked runs the snapshot engine for a project already marked
// snapshotting and persists the outcome. Caller holds the project
// lock. Shared by Stop and the reconciler's idle auto-snapshot.
func (c *Controller) snapshotLocked(ctx context.Context, project *types.Project) (*types.Project, error) {
	user, err := c.store.GetUser(ctx, project.UserID)
	if err != nil {
		return nil, err
	}

	timer := metrics.NewTimer()
	snap, err := c.engine.Snapshot(ctx, project, user)
	if err != nil {
		logger := log.WithProject(project.ID.String())
		logger.Error().Err(err).Msg("snapshot failed")
		project.Status = types.StatusError
		if uerr := c.store.UpdateProject(ctx, project); uerr != nil {
			logger.Error().Err(uerr).Msg("failed to mark project as error")
		}
		return nil, types.External("snapshot failed", err)
	}
	timer.ObserveDuration(metrics.SnapshotDuration)

	project.SnapshotImage = snap.ImageRef
	project.LastSnapshotAt = &snap.SnapshotAt
	project.LastBackupAt = &snap.SnapshotAt
	project.Status = types.StatusStopped
	// The container is gone now; the handle must go with it.
	project.ContainerID = ""
	project.SSHHostPort = 0
	if err := c.store.UpdateProject(ctx, project); err != nil {
		return nil, err
	}
	return project, nil
}

// Start restores a stopped project: fast path from its snapshot image,
// fallback from the base image with a workspace pull on first boot.
func (c *Controller) Start(ctx context.Context, projectID, userID uuid.UUID) (*types.Project, error) {
	c.locks.acquire(projectID)
	defer c.locks.release(projectID)

	project, err := c.store.GetProject(ctx, projectID, userID)
	if err != nil {
		return nil, err
	}
	if project.Status != types.StatusStopped {
		return nil, types.InvalidState(fmt.Sprintf("project is not stopped (status=%s)", project.Status))
	}

	project.Status = types.StatusRestoring
	if err := c.store.UpdateProject(ctx, project); err != nil {
		return nil, err
	}

	logger := log.WithProject(projectID.String())

	user, err := c.store.GetUser(ctx, project.UserID)
	if err != nil {
		return nil, err
	}

	containerID, sshPort, err := c.engine.Restore(ctx, project, user, c.sandboxImage)
	if err != nil {
		logger.Error().Err(err).Msg("restore failed")
		project.Status = types.StatusError
		if uerr := c.store.UpdateProject(ctx, project); uerr != nil {
			logger.Error().Err(uerr).Msg("failed to mark project as error")
		}
		metrics.LifecycleOpsTotal.WithLabelValues("start", "error").Inc()
		return nil, types.External("restore failed", err)
	}

	// A sandbox the proxy cannot reach is unusable, so a failed attach
	// fails the restore, same as on create. The volume and its snapshot
	// survive; only the fresh container goes.
	if err := c.runtime.ConnectProxyToNetwork(ctx, projectID.String()); err != nil {
		logger.Error().Err(err).Msg("failed to reattach proxy to network")
		if derr := c.runtime.DeleteContainer(ctx, projectID.String()); derr != nil {
			logger.Warn().Err(derr).Msg("failed to remove container after proxy attach failure")
		}
		project.Status = types.StatusError
		if uerr := c.store.UpdateProject(ctx, project); uerr != nil {
			logger.Error().Err(uerr).Msg("failed to mark project as error")
		}
		metrics.LifecycleOpsTotal.WithLabelValues("start", "error").Inc()
		return nil, types.External("restore failed", err)
	}

	project.ContainerID = containerID
	project.ContainerName = types.ContainerName(projectID.String())
	project.VolumeName = types.VolumeName(projectID.String())
	project.SSHHostPort = sshPort
	project.Status = types.StatusRunning
	project.LastActiveAt = time.Now().UTC()
	if err := c.store.UpdateProject(ctx, project); err != nil {
		return nil, err
	}

	metrics.LifecycleOpsTotal.WithLabelValues("start", "ok").Inc()
	logger.Info().Str("container_id", containerID).Msg("project restored")
	return project, nil
}

// Delete tears a project down completely: proxy detach, container,
// volume, network, workspace objects, registry versions, then the
// row. Every external step is best-effort: a failure is logged and
// the teardown continues, so a retry always finds less to do.
func (c *Controller) Delete(ctx context.Context, projectID, userID uuid.UUID) error {
	c.locks.acquire(projectID)
	defer c.locks.release(projectID)

	project, err := c.store.GetProject(ctx, projectID, userID)
	if err != nil {
		return err
	}
	logger := log.WithProject(projectID.String())

	if err := c.runtime.DisconnectProxyFromNetwork(ctx, projectID.String()); err != nil {
		logger.Warn().Err(err).Msg("failed to disconnect proxy")
	}
	if err := c.runtime.CleanupProjectResources(ctx, projectID.String()); err != nil {
		logger.Warn().Err(err).Msg("failed to clean up runtime resources")
	}

	user, err := c.store.GetUser(ctx, project.UserID)
	if err == nil && user.Bucket != "" {
		// Scope: everything under "{P}/", not just the workspace.
		prefix := projectID.String() + "/"
		if err := c.objects.DeletePrefix(ctx, user.Bucket, prefix); err != nil {
			logger.Warn().Err(err).Msg("failed to delete workspace objects")
		}
		if err := c.purger.DeleteAllVersions(ctx, projectID.String(), user.CredentialKey); err != nil {
			logger.Warn().Err(err).Msg("failed to delete registry versions")
		}
	}

	if err := c.store.DeleteProject(ctx, projectID); err != nil {
		return err
	}
	metrics.LifecycleOpsTotal.WithLabelValues("delete", "ok").Inc()
	logger.Info().Msg("project deleted")
	return nil
}

// AutoSnapshot is the reconciler entry point: snapshot an idle running
// project with the same transitions as Stop, without an owner check
// (the reconciler acts on behalf of the system).
func (c *Controller) AutoSnapshot(ctx context.Context, project *types.Project) error {
	c.locks.acquire(project.ID)
	defer c.locks.release(project.ID)

	// Re-read inside the lock; a user op may have raced us here.
	current, err := c.store.GetProject(ctx, project.ID, project.UserID)
	if err != nil {
		return err
	}
	if current.Status != types.StatusRunning {
		return nil
	}

	current.Status = types.StatusSnapshotting
	if err := c.store.UpdateProject(ctx, current); err != nil {
		return err
	}
	_, err = c.snapshotLocked(ctx, current)
	return err
}

// MarkStuck flips a project stuck in a transitional status to error.
// Holds the project lock so it cannot race a live operation.
func (c *Controller) MarkStuck(ctx context.Context, project *types.Project) error {
	c.locks.acquire(project.ID)
	defer c.locks.release(project.ID)

	current, err := c.store.GetProject(ctx, project.ID, project.UserID)
	if err != nil {
		return err
	}
	if !current.Status.Transitional() {
		return nil
	}
	current.Status = types.StatusError
	return c.store.UpdateProject(ctx, current)
}
