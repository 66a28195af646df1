package lifecycle

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pomodex/sandboxd/pkg/storage"
	"github.com/pomodex/sandboxd/pkg/types"
)

type fakeRuntime struct {
	createErr      error
	connectErr     error
	cleanupCalls   int
	connectCalls   int
	disconnects    int
	removedSandbox int
}

func (f *fakeRuntime) CreateSandbox(ctx context.Context, projectID string, spec types.SandboxSpec) (string, int, error) {
	if f.createErr != nil {
		return "", 0, f.createErr
	}
	return "C1", 30001, nil
}

func (f *fakeRuntime) ConnectProxyToNetwork(ctx context.Context, projectID string) error {
	f.connectCalls++
	return f.connectErr
}

func (f *fakeRuntime) DisconnectProxyFromNetwork(ctx context.Context, projectID string) error {
	f.disconnects++
	return nil
}

func (f *fakeRuntime) DeleteContainer(ctx context.Context, projectID string) error {
	f.removedSandbox++
	return nil
}

func (f *fakeRuntime) CleanupProjectResources(ctx context.Context, projectID string) error {
	f.cleanupCalls++
	return nil
}

type fakeEngine struct {
	snapshotErr error
	restoreErr  error
	snapshots   int
	restores    int
}

func (f *fakeEngine) Snapshot(ctx context.Context, project *types.Project, user *types.User) (*types.Snapshot, error) {
	if f.snapshotErr != nil {
		return nil, f.snapshotErr
	}
	f.snapshots++
	return &types.Snapshot{
		ImageRef:   "registry.test/" + project.ID.String() + ":latest",
		SnapshotAt: time.Now().UTC(),
	}, nil
}

func (f *fakeEngine) Restore(ctx context.Context, project *types.Project, user *types.User, baseImage string) (string, int, error) {
	if f.restoreErr != nil {
		return "", 0, f.restoreErr
	}
	f.restores++
	return "C2", 30002, nil
}

type fakeProvisioner struct {
	store *storage.MemoryStore
	err   error
	calls int
}

func (f *fakeProvisioner) EnsureTenant(ctx context.Context, user *types.User) error {
	f.calls++
	if f.err != nil {
		return f.err
	}
	user.Bucket = "sandbox-u-cafe"
	user.IdentityEmail = "sa@x.iam.gserviceaccount.com"
	user.CredentialKey = "{}"
	return f.store.UpdateUserTenant(ctx, user)
}

type fakeObjects struct {
	deleted []string
}

func (f *fakeObjects) DeletePrefix(ctx context.Context, bucket, prefix string) error {
	f.deleted = append(f.deleted, bucket+"/"+prefix)
	return nil
}

type fakePurger struct {
	purged []string
}

func (f *fakePurger) DeleteAllVersions(ctx context.Context, projectID, credentialKey string) error {
	f.purged = append(f.purged, projectID)
	return nil
}

type harness struct {
	store       *storage.MemoryStore
	runtime     *fakeRuntime
	engine      *fakeEngine
	provisioner *fakeProvisioner
	objects     *fakeObjects
	purger      *fakePurger
	controller  *Controller
	user        *types.User
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	store := storage.NewMemoryStore()
	h := &harness{
		store:       store,
		runtime:     &fakeRuntime{},
		engine:      &fakeEngine{},
		provisioner: &fakeProvisioner{store: store},
		objects:     &fakeObjects{},
		purger:      &fakePurger{},
	}
	h.controller = NewController(h.store, h.runtime, h.engine,
		h.provisioner, h.objects, h.purger, "agent-sandbox:latest")

	h.user = &types.User{ID: types.NewID(), Email: "a@example.com"}
	require.NoError(t, h.store.CreateUser(context.Background(), h.user))
	return h
}

func TestCreateProject(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	project, err := h.controller.Create(ctx, h.user.ID, "demo")
	require.NoError(t, err)

	assert.Equal(t, types.StatusRunning, project.Status)
	assert.Equal(t, "C1", project.ContainerID)
	assert.Equal(t, 30001, project.SSHHostPort)
	assert.Equal(t, project.ID.String()+"/workspace", project.StoragePrefix)
	assert.NotEmpty(t, project.SSHPublicKey)
	assert.NotEmpty(t, project.SSHPrivateKey)
	assert.Equal(t, 1, h.runtime.connectCalls)

	stored, err := h.store.GetProject(ctx, project.ID, h.user.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusRunning, stored.Status)
}

func TestCreateReusesTenantMaterial(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.controller.Create(ctx, h.user.ID, "one")
	require.NoError(t, err)
	_, err = h.controller.Create(ctx, h.user.ID, "two")
	require.NoError(t, err)

	// EnsureTenant runs both times; the provisioner itself is what
	// short-circuits on complete material. The controller must hand it
	// the persisted user so that happens.
	assert.Equal(t, 2, h.provisioner.calls)
}

func TestCreateRuntimeFailure(t *testing.T) {
	h := newHarness(t)
	h.runtime.createErr = errors.New("docker down")
	ctx := context.Background()

	_, err := h.controller.Create(ctx, h.user.ID, "demo")
	require.Error(t, err)
	assert.True(t, types.IsKind(err, types.KindExternal))

	// Row persists in error; per-project resources were cleaned up.
	projects, err := h.store.ListProjects(ctx, h.user.ID)
	require.NoError(t, err)
	require.Len(t, projects, 1)
	assert.Equal(t, types.StatusError, projects[0].Status)
	assert.Equal(t, 1, h.runtime.cleanupCalls)
}

func TestCreateFailureKeepsTenantMaterial(t *testing.T) {
	h := newHarness(t)
	h.runtime.createErr = errors.New("docker down")
	ctx := context.Background()

	_, err := h.controller.Create(ctx, h.user.ID, "demo")
	require.Error(t, err)

	// The user row keeps whatever the provisioner committed.
	user, err := h.store.GetUser(ctx, h.user.ID)
	require.NoError(t, err)
	assert.True(t, user.Provisioned() || h.provisioner.calls == 1)
	assert.Empty(t, h.objects.deleted)
	assert.Empty(t, h.purger.purged)
}

func TestStopRunningProject(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	project, err := h.controller.Create(ctx, h.user.ID, "demo")
	require.NoError(t, err)

	stopped, err := h.controller.Stop(ctx, project.ID, h.user.ID)
	require.NoError(t, err)

	assert.Equal(t, types.StatusStopped, stopped.Status)
	assert.Empty(t, stopped.ContainerID)
	assert.Zero(t, stopped.SSHHostPort)
	assert.NotEmpty(t, stopped.SnapshotImage)
	require.NotNil(t, stopped.LastSnapshotAt)
	require.NotNil(t, stopped.LastBackupAt)
	assert.Equal(t, 1, h.engine.snapshots)
}

func TestStopRejectsNonRunning(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	project, err := h.controller.Create(ctx, h.user.ID, "demo")
	require.NoError(t, err)
	_, err = h.controller.Stop(ctx, project.ID, h.user.ID)
	require.NoError(t, err)

	_, err = h.controller.Stop(ctx, project.ID, h.user.ID)
	require.Error(t, err)
	assert.True(t, types.IsKind(err, types.KindInvalidState))
}

func TestStopSnapshotFailure(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	project, err := h.controller.Create(ctx, h.user.ID, "demo")
	require.NoError(t, err)

	h.engine.snapshotErr = errors.New("push failed")
	_, err = h.controller.Stop(ctx, project.ID, h.user.ID)
	require.Error(t, err)

	stored, err := h.store.GetProject(ctx, project.ID, h.user.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusError, stored.Status)
}

func TestStartStoppedProject(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	project, err := h.controller.Create(ctx, h.user.ID, "demo")
	require.NoError(t, err)
	_, err = h.controller.Stop(ctx, project.ID, h.user.ID)
	require.NoError(t, err)

	started, err := h.controller.Start(ctx, project.ID, h.user.ID)
	require.NoError(t, err)

	assert.Equal(t, types.StatusRunning, started.Status)
	assert.Equal(t, "C2", started.ContainerID)
	assert.Equal(t, 30002, started.SSHHostPort)
	assert.Equal(t, 1, h.engine.restores)
}

func TestStartRejectsRunning(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	project, err := h.controller.Create(ctx, h.user.ID, "demo")
	require.NoError(t, err)

	_, err = h.controller.Start(ctx, project.ID, h.user.ID)
	require.Error(t, err)
	assert.True(t, types.IsKind(err, types.KindInvalidState))
}

func TestStartRestoreFailure(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	project, err := h.controller.Create(ctx, h.user.ID, "demo")
	require.NoError(t, err)
	_, err = h.controller.Stop(ctx, project.ID, h.user.ID)
	require.NoError(t, err)

	h.engine.restoreErr = errors.New("pull failed")
	_, err = h.controller.Start(ctx, project.ID, h.user.ID)
	require.Error(t, err)

	stored, err := h.store.GetProject(ctx, project.ID, h.user.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusError, stored.Status)
}

func TestStartProxyAttachFailure(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	project, err := h.controller.Create(ctx, h.user.ID, "demo")
	require.NoError(t, err)
	_, err = h.controller.Stop(ctx, project.ID, h.user.ID)
	require.NoError(t, err)

	h.runtime.connectErr = errors.New("network gone")
	_, err = h.controller.Start(ctx, project.ID, h.user.ID)
	require.Error(t, err)
	assert.True(t, types.IsKind(err, types.KindExternal))

	// The unreachable container is removed and the row marked error;
	// the volume keeps the workspace for a later restore.
	assert.Equal(t, 1, h.runtime.removedSandbox)
	stored, err := h.store.GetProject(ctx, project.ID, h.user.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusError, stored.Status)
	assert.Empty(t, stored.ContainerID)
	assert.Zero(t, stored.SSHHostPort)
}

func TestDeleteProject(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	project, err := h.controller.Create(ctx, h.user.ID, "demo")
	require.NoError(t, err)

	require.NoError(t, h.controller.Delete(ctx, project.ID, h.user.ID))

	_, err = h.store.GetProject(ctx, project.ID, h.user.ID)
	assert.True(t, types.IsKind(err, types.KindNotFound))

	assert.Equal(t, 1, h.runtime.disconnects)
	assert.GreaterOrEqual(t, h.runtime.cleanupCalls, 1)
	// Workspace objects go by project prefix, not just the workspace
	// subtree; registry versions go too.
	assert.Equal(t, []string{"sandbox-u-cafe/" + project.ID.String() + "/"}, h.objects.deleted)
	assert.Equal(t, []string{project.ID.String()}, h.purger.purged)
}

func TestOwnershipScoping(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	stranger := &types.User{ID: types.NewID(), Email: "b@example.com"}
	require.NoError(t, h.store.CreateUser(ctx, stranger))

	project, err := h.controller.Create(ctx, h.user.ID, "demo")
	require.NoError(t, err)

	_, err = h.controller.Get(ctx, project.ID, stranger.ID)
	assert.True(t, types.IsKind(err, types.KindNotFound))
	_, err = h.controller.Stop(ctx, project.ID, stranger.ID)
	assert.True(t, types.IsKind(err, types.KindNotFound))
	err = h.controller.Delete(ctx, project.ID, stranger.ID)
	assert.True(t, types.IsKind(err, types.KindNotFound))

	// The real owner still sees it untouched.
	got, err := h.controller.Get(ctx, project.ID, h.user.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusRunning, got.Status)
}

func TestAutoSnapshotSkipsNonRunning(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	project, err := h.controller.Create(ctx, h.user.ID, "demo")
	require.NoError(t, err)
	_, err = h.controller.Stop(ctx, project.ID, h.user.ID)
	require.NoError(t, err)
	require.Equal(t, 1, h.engine.snapshots)

	// Stale listing handed to the reconciler after a user already
	// stopped the project.
	require.NoError(t, h.controller.AutoSnapshot(ctx, project))
	assert.Equal(t, 1, h.engine.snapshots)
}

func TestMarkStuck(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	project := &types.Project{
		ID:           types.NewID(),
		UserID:       h.user.ID,
		Name:         "wedged",
		Status:       types.StatusSnapshotting,
		CreatedAt:    time.Now().UTC().Add(-time.Hour),
		LastActiveAt: time.Now().UTC().Add(-time.Hour),
	}
	require.NoError(t, h.store.CreateProject(ctx, project))

	require.NoError(t, h.controller.MarkStuck(ctx, project))

	stored, err := h.store.GetProject(ctx, project.ID, h.user.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusError, stored.Status)
}

func TestMarkStuckSkipsSettledProject(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	project, err := h.controller.Create(ctx, h.user.ID, "demo")
	require.NoError(t, err)

	// Settled to running by the time the reconciler gets to it.
	require.NoError(t, h.controller.MarkStuck(ctx, project))

	stored, err := h.store.GetProject(ctx, project.ID, h.user.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusRunning, stored.Status)
}
