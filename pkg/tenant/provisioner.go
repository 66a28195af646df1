package tenant

import (
	"context"

	"github.com/pomodex/sandboxd/pkg/cloud"
	"github.com/pomodex/sandboxd/pkg/log"
	"github.com/pomodex/sandboxd/pkg/types"
)

// CloudAdapter is the slice of the object-storage IAM adapter the
// provisioner drives. All operations are idempotent remotely.
type CloudAdapter interface {
	CreateBucket(ctx context.Context, name, region string) error
	CreateIdentity(ctx context.Context, userID string) (string, error)
	GrantBucketIAM(ctx context.Context, identityEmail, bucket string) error
	CreateCredential(ctx context.Context, identityEmail string) (string, error)
}

// TenantStore persists the user's tenant columns.
type TenantStore interface {
	UpdateUserTenant(ctx context.Context, user *types.User) error
}

// Provisioner lazily materializes a user's tenant material: bucket,
// cloud identity, credential key. Each step commits the user row
// before the next starts, so a crash leaves a valid intermediate state
// and a retry skips completed work. Concurrent runs for the same user
// converge: the remote calls are idempotent and the DB writes are
// last-writer-wins on equal values.
type Provisioner struct {
	cloud      CloudAdapter
	store      TenantStore
	bucketRoot string
	region     string
}

// NewProvisioner creates a tenant provisioner.
func NewProvisioner(c CloudAdapter, s TenantStore, bucketRoot, region string) *Provisioner {
	return &Provisioner{cloud: c, store: s, bucketRoot: bucketRoot, region: region}
}

// EnsureTenant makes sure user has bucket, identity and credential,
// mutating user in place. Short-circuits when material is complete.
func (p *Provisioner) EnsureTenant(ctx context.Context, user *types.User) error {
	if user.Provisioned() {
		return nil
	}
	logger := log.WithUser(user.ID.String())

	if user.Bucket == "" {
		name := cloud.MakeBucketName(user.ID.String(), p.bucketRoot)
		if err := p.cloud.CreateBucket(ctx, name, p.region); err != nil {
			return err
		}
		user.Bucket = name
		if err := p.store.UpdateUserTenant(ctx, user); err != nil {
			return err
		}
		logger.Info().Str("bucket", name).Msg("tenant bucket provisioned")
	}

	if user.IdentityEmail == "" {
		email, err := p.cloud.CreateIdentity(ctx, user.ID.String())
		if err != nil {
			return err
		}
		user.IdentityEmail = email
		if err := p.store.UpdateUserTenant(ctx, user); err != nil {
			return err
		}
		// The grant is idempotent; it rides on identity creation and
		// needs no persistence of its own.
		if err := p.cloud.GrantBucketIAM(ctx, email, user.Bucket); err != nil {
			return err
		}
		logger.Info().Str("identity", email).Msg("tenant identity provisioned")
	}

	if user.CredentialKey == "" {
		key, err := p.cloud.CreateCredential(ctx, user.IdentityEmail)
		if err != nil {
			return err
		}
		user.CredentialKey = key
		if err := p.store.UpdateUserTenant(ctx, user); err != nil {
			return err
		}
		logger.Info().Msg("tenant credential provisioned")
	}

	return nil
}
