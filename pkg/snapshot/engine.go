package snapshot

import (
	"context"
	"fmt"
	"time"

	"github.com/pomodex/sandboxd/pkg/log"
	"github.com/pomodex/sandboxd/pkg/registry"
	"github.com/pomodex/sandboxd/pkg/types"
)

// StopTimeout is how long a sandbox gets to shut down cleanly before
// the engine kills it.
const StopTimeout = 30 // seconds

// credentialFile is where the sandbox init wrote the tenant key, used
// by the in-container workspace flush.
const credentialFile = "/tmp/gcs-key.json"

// ContainerRuntime is the slice of the runtime adapter the engine
// needs. The engine depends on this interface, never on the lifecycle
// controller, which breaks the controller/engine cycle.
type ContainerRuntime interface {
	ExecInContainer(ctx context.Context, projectID string, cmd []string, user string) (int, string, error)
	StopContainer(ctx context.Context, projectID string, timeoutSeconds int) error
	DeleteContainer(ctx context.Context, projectID string) error
	RunSandbox(ctx context.Context, projectID, image string, spec types.SandboxSpec, hostPort int) (string, int, error)
	EnsureNetwork(ctx context.Context, projectID string) error
	CreateVolume(ctx context.Context, projectID string) (string, error)
}

// ImageRegistry is the slice of the registry adapter the engine needs.
type ImageRegistry interface {
	Repo(projectID string) string
	Commit(ctx context.Context, containerName, repo, tag string) (string, error)
	Tag(ctx context.Context, imageID, repo, tag string) error
	Push(ctx context.Context, repo, tag, credentialKey string) error
	Pull(ctx context.Context, ref, credentialKey string) error
}

// Engine captures container state to the snapshot registry and
// rebuilds containers from snapshots or from scratch.
type Engine struct {
	runtime  ContainerRuntime
	registry ImageRegistry
}

// NewEngine creates a snapshot engine. It keeps no per-project state;
// one instance serves all projects.
func NewEngine(rt ContainerRuntime, reg ImageRegistry) *Engine {
	return &Engine{runtime: rt, registry: reg}
}

// WorkspaceMount is the path synced by the flush. Mirrors the runtime
// adapter's mount point without importing it.
const WorkspaceMount = "/home/agent"

// Snapshot captures a running project:
//
//  1. flush the workspace to object storage from inside the container
//  2. commit the container filesystem (volume paths excluded)
//  3. tag with a UTC timestamp and "latest", push both
//  4. stop (graceful) and remove the container, keeping the volume
//
// The flush is best-effort: the committed image is still valid without
// it because the volume carries the workspace.
func (e *Engine) Snapshot(ctx context.Context, project *types.Project, user *types.User) (*types.Snapshot, error) {
	projectID := project.ID.String()
	logger := log.WithProject(projectID)

	flushCmd := []string{
		"rclone", "sync", WorkspaceMount,
		fmt.Sprintf(":gcs:%s/%s", user.Bucket, project.StoragePrefix),
		"--transfers=8", "--checksum",
		"--gcs-service-account-file=" + credentialFile,
		"--gcs-bucket-policy-only",
	}
	exitCode, output, err := e.runtime.ExecInContainer(ctx, projectID, flushCmd, "root")
	if err != nil {
		logger.Warn().Err(err).Msg("workspace flush could not run")
	} else if exitCode != 0 {
		logger.Warn().Int("exit_code", exitCode).Str("output", output).Msg("workspace flush returned non-zero")
	}

	now := time.Now().UTC()
	tag := registry.SnapshotTag(now)
	repo := e.registry.Repo(projectID)

	logger.Info().Str("repo", repo).Str("tag", tag).Msg("committing container")
	imageID, err := e.registry.Commit(ctx, types.ContainerName(projectID), repo, tag)
	if err != nil {
		return nil, err
	}
	if err := e.registry.Tag(ctx, imageID, repo, registry.LatestTag); err != nil {
		return nil, err
	}

	if err := e.registry.Push(ctx, repo, tag, user.CredentialKey); err != nil {
		return nil, err
	}
	if err := e.registry.Push(ctx, repo, registry.LatestTag, user.CredentialKey); err != nil {
		return nil, err
	}

	logger.Info().Msg("stopping and removing container")
	if err := e.runtime.StopContainer(ctx, projectID, StopTimeout); err != nil {
		return nil, err
	}
	if err := e.runtime.DeleteContainer(ctx, projectID); err != nil {
		return nil, err
	}

	return &types.Snapshot{
		ImageRef:   fmt.Sprintf("%s:%s", repo, registry.LatestTag),
		SnapshotAt: now,
	}, nil
}

// RestoreImage chooses which image to restore from. Pure: snapshot
// image if one exists, otherwise the base image.
func RestoreImage(snapshotImage, baseImage string) (image string, fromSnapshot bool) {
	if snapshotImage != "" {
		return snapshotImage, true
	}
	return baseImage, false
}

// Restore rebuilds the project's container using the appropriate path
// and returns the new container ID and host SSH port.
func (e *Engine) Restore(ctx context.Context, project *types.Project, user *types.User, baseImage string) (string, int, error) {
	image, fromSnapshot := RestoreImage(project.SnapshotImage, baseImage)
	if fromSnapshot {
		return e.restoreFromSnapshot(ctx, project, user, image)
	}
	return e.restoreFromBase(ctx, project, user, image)
}

// restoreFromSnapshot is the fast path: pull the snapshot image if
// needed and rerun it on the existing volume and network.
func (e *Engine) restoreFromSnapshot(ctx context.Context, project *types.Project, user *types.User, image string) (string, int, error) {
	projectID := project.ID.String()

	if err := e.registry.Pull(ctx, image, user.CredentialKey); err != nil {
		return "", 0, err
	}
	return e.runtime.RunSandbox(ctx, projectID, image, e.sandboxSpec(project, user, image), 0)
}

// restoreFromBase is the fallback: fresh volume, base image, and the
// in-container init pulls the workspace from object storage on first
// boot.
func (e *Engine) restoreFromBase(ctx context.Context, project *types.Project, user *types.User, image string) (string, int, error) {
	projectID := project.ID.String()

	if err := e.runtime.EnsureNetwork(ctx, projectID); err != nil {
		return "", 0, err
	}
	if _, err := e.runtime.CreateVolume(ctx, projectID); err != nil {
		return "", 0, err
	}
	return e.runtime.RunSandbox(ctx, projectID, image, e.sandboxSpec(project, user, image), 0)
}

func (e *Engine) sandboxSpec(project *types.Project, user *types.User, image string) types.SandboxSpec {
	return types.SandboxSpec{
		Image:         image,
		Bucket:        user.Bucket,
		StoragePrefix: project.StoragePrefix,
		CredentialKey: user.CredentialKey,
		SSHPublicKey:  project.SSHPublicKey,
	}
}
