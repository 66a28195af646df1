package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"time"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	regtypes "github.com/docker/docker/api/types/registry"
	"github.com/docker/docker/client"
	"github.com/google/go-containerregistry/pkg/authn"
	gcrname "github.com/google/go-containerregistry/pkg/name"
	"github.com/google/go-containerregistry/pkg/v1/remote"
	"github.com/pomodex/sandboxd/pkg/log"
	"github.com/pomodex/sandboxd/pkg/types"
)

const (
	// LatestTag is the alias always pointing at the newest snapshot.
	LatestTag = "latest"

	// TagTimeFormat is the timestamped snapshot tag layout (UTC).
	TagTimeFormat = "20060102-150405"

	// registryUser authenticates pushes with a service-account key as
	// the password.
	registryUser = "_json_key"
)

// Registry commits containers to images and moves them to and from the
// remote snapshot registry. The namespace is partitioned by project ID:
// images live at {registry}/{projectID}.
type Registry struct {
	client   client.APIClient
	registry string
}

// New creates a registry adapter on an engine client. registry is the
// remote root, e.g. "europe-west1-docker.pkg.dev/acme/sandboxes".
func New(cli client.APIClient, registry string) *Registry {
	return &Registry{client: cli, registry: registry}
}

// Repo returns the image repository for a project.
func (r *Registry) Repo(projectID string) string {
	return fmt.Sprintf("%s/%s", r.registry, projectID)
}

// SnapshotTag formats a timestamped tag for the given instant.
func SnapshotTag(at time.Time) string {
	return at.UTC().Format(TagTimeFormat)
}

// ParseSnapshotTag parses a timestamped tag; errors on "latest" and
// anything else that is not YYYYMMDD-HHMMSS.
func ParseSnapshotTag(tag string) (time.Time, error) {
	return time.Parse(TagTimeFormat, tag)
}

// Commit snapshots the container's root filesystem into {repo}:{tag}.
// Volume-mounted paths are excluded by the engine, which is exactly
// what keeps the workspace out of the image.
func (r *Registry) Commit(ctx context.Context, containerName, repo, tag string) (string, error) {
	resp, err := r.client.ContainerCommit(ctx, containerName, container.CommitOptions{
		Reference: fmt.Sprintf("%s:%s", repo, tag),
	})
	if err != nil {
		return "", fmt.Errorf("failed to commit container %s: %w", containerName, err)
	}
	return resp.ID, nil
}

// Tag applies an additional tag to a committed image.
func (r *Registry) Tag(ctx context.Context, imageID, repo, tag string) error {
	if err := r.client.ImageTag(ctx, imageID, fmt.Sprintf("%s:%s", repo, tag)); err != nil {
		return fmt.Errorf("failed to tag image: %w", err)
	}
	return nil
}

// Push streams {repo}:{tag} to the remote registry, authenticating
// with the tenant credential key. The engine reports errors in-band as
// NDJSON, so the stream is scanned and any error token fails the push.
func (r *Registry) Push(ctx context.Context, repo, tag, credentialKey string) error {
	auth, err := encodeAuth(credentialKey)
	if err != nil {
		return err
	}
	ref := fmt.Sprintf("%s:%s", repo, tag)
	out, err := r.client.ImagePush(ctx, ref, image.PushOptions{RegistryAuth: auth})
	if err != nil {
		return fmt.Errorf("failed to push %s: %w", ref, err)
	}
	defer out.Close()
	if err := scanStream(out); err != nil {
		return fmt.Errorf("push failed for %s: %w", ref, err)
	}
	return nil
}

// Pull fetches ref unless a local copy already exists, in which case no
// network traffic happens.
func (r *Registry) Pull(ctx context.Context, ref, credentialKey string) error {
	if r.HasLocalImage(ctx, ref) {
		logger := log.WithComponent("registry")
		logger.Debug().Str("image", ref).Msg("using local image")
		return nil
	}
	auth, err := encodeAuth(credentialKey)
	if err != nil {
		return err
	}
	out, err := r.client.ImagePull(ctx, ref, image.PullOptions{RegistryAuth: auth})
	if err != nil {
		return fmt.Errorf("failed to pull %s: %w", ref, err)
	}
	defer out.Close()
	if err := scanStream(out); err != nil {
		return fmt.Errorf("pull failed for %s: %w", ref, err)
	}
	return nil
}

// HasLocalImage reports whether the engine already holds ref.
func (r *Registry) HasLocalImage(ctx context.Context, ref string) bool {
	_, err := r.client.ImageInspect(ctx, ref)
	return err == nil
}

// ListVersions enumerates the timestamped snapshot tags for a project,
// newest first. The "latest" alias is excluded.
func (r *Registry) ListVersions(ctx context.Context, projectID, credentialKey string) ([]types.SnapshotVersion, error) {
	repoRef, err := gcrname.NewRepository(r.Repo(projectID))
	if err != nil {
		return nil, fmt.Errorf("failed to parse repository: %w", err)
	}
	tags, err := remote.List(repoRef, r.remoteOptions(ctx, credentialKey)...)
	if err != nil {
		return nil, fmt.Errorf("failed to list tags for %s: %w", projectID, err)
	}

	var versions []types.SnapshotVersion
	for _, tag := range tags {
		if tag == LatestTag {
			continue
		}
		at, err := ParseSnapshotTag(tag)
		if err != nil {
			continue
		}
		versions = append(versions, types.SnapshotVersion{Tag: tag, CreatedAt: at})
	}
	sort.Slice(versions, func(i, j int) bool {
		return versions[i].CreatedAt.After(versions[j].CreatedAt)
	})
	return versions, nil
}

// DeleteAllVersions removes every tag and manifest for a project from
// the remote registry, plus any local copies. Best-effort: failures
// are logged, and the first error is returned only if nothing could be
// deleted.
func (r *Registry) DeleteAllVersions(ctx context.Context, projectID, credentialKey string) error {
	logger := log.WithProject(projectID)
	repo := r.Repo(projectID)

	repoRef, err := gcrname.NewRepository(repo)
	if err != nil {
		return fmt.Errorf("failed to parse repository: %w", err)
	}
	opts := r.remoteOptions(ctx, credentialKey)

	tags, err := remote.List(repoRef, opts...)
	if err != nil {
		logger.Info().Msg("no registry versions to delete")
		return nil
	}

	digests := make(map[string]struct{})
	for _, tag := range tags {
		tagRef := repoRef.Tag(tag)
		desc, err := remote.Head(tagRef, opts...)
		if err == nil {
			digests[desc.Digest.String()] = struct{}{}
		}
		if err := remote.Delete(tagRef, opts...); err != nil {
			logger.Warn().Err(err).Str("tag", tag).Msg("failed to delete tag")
		}
	}
	for digest := range digests {
		if err := remote.Delete(repoRef.Digest(digest), opts...); err != nil {
			logger.Warn().Err(err).Str("digest", digest).Msg("failed to delete manifest")
		}
	}

	// Local copies as well, so a recreated project never resurrects.
	for _, ref := range []string{fmt.Sprintf("%s:%s", repo, LatestTag), repo} {
		_, err := r.client.ImageRemove(ctx, ref, image.RemoveOptions{Force: true})
		if err != nil && !cerrdefs.IsNotFound(err) {
			logger.Debug().Err(err).Str("image", ref).Msg("failed to remove local image")
		}
	}
	return nil
}

func (r *Registry) remoteOptions(ctx context.Context, credentialKey string) []remote.Option {
	return []remote.Option{
		remote.WithContext(ctx),
		remote.WithAuth(authn.FromConfig(authn.AuthConfig{
			Username: registryUser,
			Password: credentialKey,
		})),
	}
}

func encodeAuth(credentialKey string) (string, error) {
	auth, err := regtypes.EncodeAuthConfig(regtypes.AuthConfig{
		Username: registryUser,
		Password: credentialKey,
	})
	if err != nil {
		return "", fmt.Errorf("failed to encode registry auth: %w", err)
	}
	return auth, nil
}

// scanStream reads an engine NDJSON progress stream and fails on the
// first message carrying an error token.
func scanStream(r io.Reader) error {
	dec := json.NewDecoder(r)
	for {
		var msg struct {
			Error string `json:"error"`
		}
		if err := dec.Decode(&msg); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("failed to decode progress stream: %w", err)
		}
		if msg.Error != "" {
			return errors.New(msg.Error)
		}
	}
}
