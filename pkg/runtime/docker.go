package runtime

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/api/types/volume"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
	"github.com/pomodex/sandboxd/pkg/log"
	"github.com/pomodex/sandboxd/pkg/types"
)

const (
	// MaxPortRetries bounds retries when the daemon loses the race for
	// a probed host port ("port is already allocated").
	MaxPortRetries = 3

	// WorkspaceMount is where the project volume is mounted inside the
	// sandbox.
	WorkspaceMount = "/home/agent"

	// ProxyContainer is the terminal proxy's own container name. It is
	// attached to each sandbox network so it can reach the in-container
	// PTY server over the bridge.
	ProxyContainer = "terminal-proxy"

	sshPort = "22/tcp"
)

// DockerRuntime implements the container runtime adapter on the Docker
// engine API.
type DockerRuntime struct {
	client client.APIClient
}

// NewDockerRuntime creates a runtime adapter from the environment
// (DOCKER_HOST et al).
func NewDockerRuntime() (*DockerRuntime, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to connect to docker daemon: %w", err)
	}
	return &DockerRuntime{client: cli}, nil
}

// NewDockerRuntimeWithClient wraps an existing engine client. Used by
// the registry adapter and tests.
func NewDockerRuntimeWithClient(cli client.APIClient) *DockerRuntime {
	return &DockerRuntime{client: cli}
}

// Client exposes the underlying engine client.
func (r *DockerRuntime) Client() client.APIClient {
	return r.client
}

// CreateNetwork creates the per-project bridge network. The caller
// guarantees a fresh project ID, so name conflicts are real errors.
func (r *DockerRuntime) CreateNetwork(ctx context.Context, projectID string) (string, error) {
	name := types.NetworkName(projectID)
	ipv6 := false
	_, err := r.client.NetworkCreate(ctx, name, network.CreateOptions{
		Driver:     "bridge",
		EnableIPv6: &ipv6,
	})
	if err != nil {
		return "", fmt.Errorf("failed to create network %s: %w", name, err)
	}
	return name, nil
}

// DeleteNetwork removes the project network. Absence is success.
func (r *DockerRuntime) DeleteNetwork(ctx context.Context, projectID string) error {
	err := r.client.NetworkRemove(ctx, types.NetworkName(projectID))
	if err != nil && !cerrdefs.IsNotFound(err) {
		return fmt.Errorf("failed to remove network: %w", err)
	}
	return nil
}

// CreateVolume creates the project's named volume.
func (r *DockerRuntime) CreateVolume(ctx context.Context, projectID string) (string, error) {
	name := types.VolumeName(projectID)
	_, err := r.client.VolumeCreate(ctx, volume.CreateOptions{Name: name})
	if err != nil {
		return "", fmt.Errorf("failed to create volume %s: %w", name, err)
	}
	return name, nil
}

// DeleteVolume removes the project volume. Absence is success.
func (r *DockerRuntime) DeleteVolume(ctx context.Context, projectID string) error {
	err := r.client.VolumeRemove(ctx, types.VolumeName(projectID), true)
	if err != nil && !cerrdefs.IsNotFound(err) {
		return fmt.Errorf("failed to remove volume: %w", err)
	}
	return nil
}

// DeleteContainer force-removes the sandbox container. Absence is
// success. Volume and network are left alone.
func (r *DockerRuntime) DeleteContainer(ctx context.Context, projectID string) error {
	err := r.client.ContainerRemove(ctx, types.ContainerName(projectID), container.RemoveOptions{Force: true})
	if err != nil && !cerrdefs.IsNotFound(err) {
		return fmt.Errorf("failed to remove container: %w", err)
	}
	return nil
}

// CreateSandbox orchestrates network, volume, port allocation and
// container start for a new project. On any failure it rolls back the
// network and volume it created. Returns the container ID and the host
// SSH port.
func (r *DockerRuntime) CreateSandbox(ctx context.Context, projectID string, spec types.SandboxSpec) (string, int, error) {
	logger := log.WithProject(projectID)

	// Reject duplicate sandboxes before touching any resource.
	if _, err := r.client.ContainerInspect(ctx, types.ContainerName(projectID)); err == nil {
		return "", 0, fmt.Errorf("container %s already exists", types.ContainerName(projectID))
	} else if !cerrdefs.IsNotFound(err) {
		return "", 0, fmt.Errorf("failed to inspect container: %w", err)
	}

	networkCreated := false
	volumeCreated := false
	rollback := func() {
		if volumeCreated {
			if err := r.DeleteVolume(ctx, projectID); err != nil {
				logger.Warn().Err(err).Msg("rollback: failed to delete volume")
			}
		}
		if networkCreated {
			if err := r.DeleteNetwork(ctx, projectID); err != nil {
				logger.Warn().Err(err).Msg("rollback: failed to delete network")
			}
		}
	}

	if _, err := r.CreateNetwork(ctx, projectID); err != nil {
		return "", 0, err
	}
	networkCreated = true

	if _, err := r.CreateVolume(ctx, projectID); err != nil {
		rollback()
		return "", 0, err
	}
	volumeCreated = true

	var lastErr error
	for attempt := 0; attempt < MaxPortRetries; attempt++ {
		port, err := FindFreePort(PortRangeStart, PortRangeEnd)
		if err != nil {
			rollback()
			return "", 0, err
		}

		id, err := r.runSandbox(ctx, projectID, spec.Image, spec, port)
		if err == nil {
			return id, port, nil
		}
		if isPortAllocated(err) {
			lastErr = err
			continue
		}
		rollback()
		return "", 0, err
	}

	rollback()
	return "", 0, fmt.Errorf("failed to bind a host port after %d attempts: %w", MaxPortRetries, lastErr)
}

// RunSandbox creates and starts a sandbox container from the given
// image on the project's existing network and volume. hostPort 0
// selects a fresh port. Used by the snapshot engine's restore paths.
func (r *DockerRuntime) RunSandbox(ctx context.Context, projectID, image string, spec types.SandboxSpec, hostPort int) (string, int, error) {
	if hostPort == 0 {
		port, err := FindFreePort(PortRangeStart, PortRangeEnd)
		if err != nil {
			return "", 0, err
		}
		hostPort = port
	}
	id, err := r.runSandbox(ctx, projectID, image, spec, hostPort)
	if err != nil {
		return "", 0, err
	}
	return id, hostPort, nil
}

// EnsureNetwork creates the project network, tolerating one that
// already exists. Restores reuse the network from the original create.
func (r *DockerRuntime) EnsureNetwork(ctx context.Context, projectID string) error {
	_, err := r.CreateNetwork(ctx, projectID)
	if err == nil || strings.Contains(strings.ToLower(err.Error()), "already exists") {
		return nil
	}
	return err
}

func (r *DockerRuntime) runSandbox(ctx context.Context, projectID, image string, spec types.SandboxSpec, hostPort int) (string, error) {
	name := types.ContainerName(projectID)

	cfg := &container.Config{
		Image: image,
		Env: []string{
			"PROJECT_ID=" + projectID,
			"GCS_BUCKET=" + spec.Bucket,
			"GCS_PREFIX=" + spec.StoragePrefix,
			"GCS_SA_KEY=" + spec.CredentialKey,
			"SSH_PUBLIC_KEY=" + spec.SSHPublicKey,
		},
		ExposedPorts: nat.PortSet{sshPort: struct{}{}},
	}

	hostCfg := &container.HostConfig{
		Mounts: []mount.Mount{{
			Type:   mount.TypeVolume,
			Source: types.VolumeName(projectID),
			Target: WorkspaceMount,
		}},
		PortBindings: nat.PortMap{
			sshPort: []nat.PortBinding{{HostIP: "0.0.0.0", HostPort: strconv.Itoa(hostPort)}},
		},
		CapAdd:      []string{"SYS_ADMIN"},
		SecurityOpt: []string{"apparmor:unconfined"},
		Resources: container.Resources{
			Memory:   1 << 30, // 1 GiB
			NanoCPUs: 1_000_000_000,
			Devices: []container.DeviceMapping{{
				PathOnHost:        "/dev/fuse",
				PathInContainer:   "/dev/fuse",
				CgroupPermissions: "rwm",
			}},
		},
	}

	netCfg := &network.NetworkingConfig{
		EndpointsConfig: map[string]*network.EndpointSettings{
			types.NetworkName(projectID): {},
		},
	}

	created, err := r.client.ContainerCreate(ctx, cfg, hostCfg, netCfg, nil, name)
	if err != nil {
		return "", fmt.Errorf("failed to create container %s: %w", name, err)
	}

	if err := r.client.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		// The half-created container would block the name on retry.
		if rmErr := r.client.ContainerRemove(ctx, created.ID, container.RemoveOptions{Force: true}); rmErr != nil {
			logger := log.WithProject(projectID)
			logger.Warn().Err(rmErr).Msg("failed to remove unstarted container")
		}
		return "", fmt.Errorf("failed to start container %s: %w", name, err)
	}

	return created.ID, nil
}

// StartContainer starts an existing stopped sandbox.
func (r *DockerRuntime) StartContainer(ctx context.Context, projectID string) error {
	if err := r.client.ContainerStart(ctx, types.ContainerName(projectID), container.StartOptions{}); err != nil {
		return fmt.Errorf("failed to start container: %w", err)
	}
	return nil
}

// StopContainer gracefully stops the sandbox: SIGTERM, wait up to
// timeout seconds, then SIGKILL.
func (r *DockerRuntime) StopContainer(ctx context.Context, projectID string, timeoutSeconds int) error {
	if err := r.client.ContainerStop(ctx, types.ContainerName(projectID), container.StopOptions{Timeout: &timeoutSeconds}); err != nil {
		return fmt.Errorf("failed to stop container: %w", err)
	}
	return nil
}

// GetContainerIP returns the sandbox's IPv4 address on its own bridge
// network. Errors if the container is absent, not running, or not
// attached to that network.
func (r *DockerRuntime) GetContainerIP(ctx context.Context, projectID string) (string, error) {
	name := types.ContainerName(projectID)
	netName := types.NetworkName(projectID)

	info, err := r.client.ContainerInspect(ctx, name)
	if err != nil {
		if cerrdefs.IsNotFound(err) {
			return "", types.NotFound(fmt.Sprintf("container %s not found", name))
		}
		return "", fmt.Errorf("failed to inspect container: %w", err)
	}
	if info.State == nil || !info.State.Running {
		return "", types.InvalidState(fmt.Sprintf("container %s is not running", name))
	}
	ep, ok := info.NetworkSettings.Networks[netName]
	if !ok {
		return "", types.InvalidState(fmt.Sprintf("container not connected to network %s", netName))
	}
	if ep.IPAddress == "" {
		return "", types.InvalidState(fmt.Sprintf("no IP for %s on %s", name, netName))
	}
	return ep.IPAddress, nil
}

// ConnectProxyToNetwork attaches the terminal proxy container to the
// project network. Idempotent on "already connected".
func (r *DockerRuntime) ConnectProxyToNetwork(ctx context.Context, projectID string) error {
	err := r.client.NetworkConnect(ctx, types.NetworkName(projectID), ProxyContainer, nil)
	if err != nil && !strings.Contains(strings.ToLower(err.Error()), "already exists") {
		return fmt.Errorf("failed to connect proxy to network: %w", err)
	}
	return nil
}

// DisconnectProxyFromNetwork detaches the proxy. Idempotent on both
// "network gone" and "not connected".
func (r *DockerRuntime) DisconnectProxyFromNetwork(ctx context.Context, projectID string) error {
	err := r.client.NetworkDisconnect(ctx, types.NetworkName(projectID), ProxyContainer, true)
	if err == nil || cerrdefs.IsNotFound(err) {
		return nil
	}
	if strings.Contains(strings.ToLower(err.Error()), "is not connected") {
		return nil
	}
	return fmt.Errorf("failed to disconnect proxy from network: %w", err)
}

// ExecInContainer runs a command inside the running sandbox as the
// given user and returns its exit code and combined output.
func (r *DockerRuntime) ExecInContainer(ctx context.Context, projectID string, cmd []string, user string) (int, string, error) {
	name := types.ContainerName(projectID)

	exec, err := r.client.ContainerExecCreate(ctx, name, container.ExecOptions{
		Cmd:          cmd,
		User:         user,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return 0, "", fmt.Errorf("failed to create exec: %w", err)
	}

	attach, err := r.client.ContainerExecAttach(ctx, exec.ID, container.ExecAttachOptions{})
	if err != nil {
		return 0, "", fmt.Errorf("failed to attach exec: %w", err)
	}
	defer attach.Close()

	output, err := io.ReadAll(attach.Reader)
	if err != nil {
		return 0, "", fmt.Errorf("failed to read exec output: %w", err)
	}

	inspect, err := r.client.ContainerExecInspect(ctx, exec.ID)
	if err != nil {
		return 0, "", fmt.Errorf("failed to inspect exec: %w", err)
	}

	return inspect.ExitCode, string(output), nil
}

// CleanupProjectResources removes container, volume and network, each
// tolerant of absence. Errors are collected so one failure does not
// stop the rest.
func (r *DockerRuntime) CleanupProjectResources(ctx context.Context, projectID string) error {
	var errs []string
	if err := r.DeleteContainer(ctx, projectID); err != nil {
		errs = append(errs, err.Error())
	}
	if err := r.DeleteVolume(ctx, projectID); err != nil {
		errs = append(errs, err.Error())
	}
	if err := r.DeleteNetwork(ctx, projectID); err != nil {
		errs = append(errs, err.Error())
	}
	if len(errs) > 0 {
		return fmt.Errorf("cleanup incomplete: %s", strings.Join(errs, "; "))
	}
	return nil
}

func isPortAllocated(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "port is already allocated")
}
