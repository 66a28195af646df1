package runtime

import (
	"context"
	"errors"
	"fmt"
	"testing"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/api/types/volume"
	"github.com/docker/docker/client"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pomodex/sandboxd/pkg/types"
)

// fakeEngine fakes the slice of the engine API the runtime adapter
// uses. Unimplemented methods panic through the embedded nil client.
type fakeEngine struct {
	client.APIClient

	networks   map[string]bool
	volumes    map[string]bool
	containers map[string]string // name -> id

	networkCreateErr   error
	volumeCreateErr    error
	containerCreateErr error
	startErrs          []error // consumed one per ContainerStart

	calls []string
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		networks:   make(map[string]bool),
		volumes:    make(map[string]bool),
		containers: make(map[string]string),
	}
}

func notFoundErr(what string) error {
	return fmt.Errorf("no such object %s: %w", what, cerrdefs.ErrNotFound)
}

func (f *fakeEngine) ContainerInspect(ctx context.Context, name string) (container.InspectResponse, error) {
	f.calls = append(f.calls, "ContainerInspect")
	if id, ok := f.containers[name]; ok {
		return container.InspectResponse{ContainerJSONBase: &container.ContainerJSONBase{ID: id}}, nil
	}
	return container.InspectResponse{}, notFoundErr(name)
}

func (f *fakeEngine) NetworkCreate(ctx context.Context, name string, opts network.CreateOptions) (network.CreateResponse, error) {
	f.calls = append(f.calls, "NetworkCreate")
	if f.networkCreateErr != nil {
		return network.CreateResponse{}, f.networkCreateErr
	}
	f.networks[name] = true
	return network.CreateResponse{ID: name}, nil
}

func (f *fakeEngine) NetworkRemove(ctx context.Context, name string) error {
	f.calls = append(f.calls, "NetworkRemove")
	if !f.networks[name] {
		return notFoundErr(name)
	}
	delete(f.networks, name)
	return nil
}

func (f *fakeEngine) VolumeCreate(ctx context.Context, opts volume.CreateOptions) (volume.Volume, error) {
	f.calls = append(f.calls, "VolumeCreate")
	if f.volumeCreateErr != nil {
		return volume.Volume{}, f.volumeCreateErr
	}
	f.volumes[opts.Name] = true
	return volume.Volume{Name: opts.Name}, nil
}

func (f *fakeEngine) VolumeRemove(ctx context.Context, name string, force bool) error {
	f.calls = append(f.calls, "VolumeRemove")
	if !f.volumes[name] {
		return notFoundErr(name)
	}
	delete(f.volumes, name)
	return nil
}

func (f *fakeEngine) ContainerCreate(ctx context.Context, cfg *container.Config, hostCfg *container.HostConfig, netCfg *network.NetworkingConfig, platform *ocispec.Platform, name string) (container.CreateResponse, error) {
	f.calls = append(f.calls, "ContainerCreate")
	if f.containerCreateErr != nil {
		return container.CreateResponse{}, f.containerCreateErr
	}
	id := fmt.Sprintf("cid-%d", len(f.calls))
	f.containers[name] = id
	return container.CreateResponse{ID: id}, nil
}

func (f *fakeEngine) ContainerStart(ctx context.Context, id string, opts container.StartOptions) error {
	f.calls = append(f.calls, "ContainerStart")
	if len(f.startErrs) > 0 {
		err := f.startErrs[0]
		f.startErrs = f.startErrs[1:]
		return err
	}
	return nil
}

func (f *fakeEngine) ContainerRemove(ctx context.Context, ref string, opts container.RemoveOptions) error {
	f.calls = append(f.calls, "ContainerRemove")
	for name, id := range f.containers {
		if name == ref || id == ref {
			delete(f.containers, name)
			return nil
		}
	}
	return notFoundErr(ref)
}

func (f *fakeEngine) callCount(method string) int {
	n := 0
	for _, c := range f.calls {
		if c == method {
			n++
		}
	}
	return n
}

func (f *fakeEngine) callIndex(method string) int {
	for i, c := range f.calls {
		if c == method {
			return i
		}
	}
	return -1
}

var portAllocatedErr = errors.New("driver failed programming external connectivity: Bind for 0.0.0.0:30000 failed: port is already allocated")

func testSpec() types.SandboxSpec {
	return types.SandboxSpec{
		Image:         "registry.test/sandbox:latest",
		Bucket:        "sandbox-u-cafe",
		StoragePrefix: "p-1/workspace",
		CredentialKey: "{}",
		SSHPublicKey:  "ssh-ed25519 AAAA test",
	}
}

func TestCreateSandboxRollsBackOnContainerCreateFailure(t *testing.T) {
	eng := newFakeEngine()
	eng.containerCreateErr = errors.New("boom")
	rt := NewDockerRuntimeWithClient(eng)

	_, _, err := rt.CreateSandbox(context.Background(), "p-1", testSpec())
	require.Error(t, err)

	// Both half-created resources are gone, volume removed before network.
	assert.Empty(t, eng.networks)
	assert.Empty(t, eng.volumes)
	volIdx := eng.callIndex("VolumeRemove")
	netIdx := eng.callIndex("NetworkRemove")
	require.NotEqual(t, -1, volIdx)
	require.NotEqual(t, -1, netIdx)
	assert.Less(t, volIdx, netIdx)
}

func TestCreateSandboxRetriesAllocatedPort(t *testing.T) {
	t.Run("succeeds on second attempt", func(t *testing.T) {
		eng := newFakeEngine()
		eng.startErrs = []error{portAllocatedErr}
		rt := NewDockerRuntimeWithClient(eng)

		id, port, err := rt.CreateSandbox(context.Background(), "p-1", testSpec())
		require.NoError(t, err)
		assert.NotEmpty(t, id)
		assert.GreaterOrEqual(t, port, PortRangeStart)
		assert.LessOrEqual(t, port, PortRangeEnd)
		assert.Equal(t, 2, eng.callCount("ContainerCreate"))

		// Resources survive a successful create.
		assert.Len(t, eng.networks, 1)
		assert.Len(t, eng.volumes, 1)
		assert.Len(t, eng.containers, 1)
	})

	t.Run("gives up after bounded attempts", func(t *testing.T) {
		eng := newFakeEngine()
		eng.startErrs = []error{portAllocatedErr, portAllocatedErr, portAllocatedErr}
		rt := NewDockerRuntimeWithClient(eng)

		_, _, err := rt.CreateSandbox(context.Background(), "p-1", testSpec())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "after 3 attempts")
		assert.Equal(t, MaxPortRetries, eng.callCount("ContainerCreate"))

		// Nothing leaks: each unstarted container is removed, then the
		// volume and network roll back.
		assert.Empty(t, eng.containers)
		assert.Empty(t, eng.volumes)
		assert.Empty(t, eng.networks)
	})
}

func TestCreateSandboxRemovesUnstartedContainerOnStartFailure(t *testing.T) {
	eng := newFakeEngine()
	eng.startErrs = []error{errors.New("oci runtime error")}
	rt := NewDockerRuntimeWithClient(eng)

	_, _, err := rt.CreateSandbox(context.Background(), "p-1", testSpec())
	require.Error(t, err)

	// A non-port failure does not retry; the half-created container
	// would otherwise block the name.
	assert.Equal(t, 1, eng.callCount("ContainerCreate"))
	assert.Equal(t, 1, eng.callCount("ContainerRemove"))
	assert.Empty(t, eng.containers)
	assert.Empty(t, eng.volumes)
	assert.Empty(t, eng.networks)
}

func TestCreateSandboxRejectsDuplicate(t *testing.T) {
	eng := newFakeEngine()
	eng.containers[types.ContainerName("p-1")] = "cid-existing"
	rt := NewDockerRuntimeWithClient(eng)

	_, _, err := rt.CreateSandbox(context.Background(), "p-1", testSpec())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")
	assert.Equal(t, 0, eng.callCount("NetworkCreate"))
	assert.Equal(t, 0, eng.callCount("VolumeCreate"))
}

func TestDeleteToleratesAbsence(t *testing.T) {
	eng := newFakeEngine()
	rt := NewDockerRuntimeWithClient(eng)
	ctx := context.Background()

	assert.NoError(t, rt.DeleteNetwork(ctx, "p-1"))
	assert.NoError(t, rt.DeleteVolume(ctx, "p-1"))
	assert.NoError(t, rt.DeleteContainer(ctx, "p-1"))
	assert.NoError(t, rt.CleanupProjectResources(ctx, "p-1"))
}

func TestCleanupProjectResourcesRemovesEverything(t *testing.T) {
	eng := newFakeEngine()
	eng.networks[types.NetworkName("p-1")] = true
	eng.volumes[types.VolumeName("p-1")] = true
	eng.containers[types.ContainerName("p-1")] = "cid-1"
	rt := NewDockerRuntimeWithClient(eng)

	require.NoError(t, rt.CleanupProjectResources(context.Background(), "p-1"))
	assert.Empty(t, eng.networks)
	assert.Empty(t, eng.volumes)
	assert.Empty(t, eng.containers)

	// Running it again is still clean.
	assert.NoError(t, rt.CleanupProjectResources(context.Background(), "p-1"))
}
