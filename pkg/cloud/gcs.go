package cloud

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"

	"cloud.google.com/go/iam"
	"cloud.google.com/go/storage"
	"github.com/pomodex/sandboxd/pkg/log"
	"google.golang.org/api/googleapi"
	iamadmin "google.golang.org/api/iam/v1"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

// Adapter talks to object storage and the IAM admin API for tenant
// provisioning. All mutating operations are idempotent against
// pre-existing remote state: "already exists" reads as success.
type Adapter struct {
	gcpProject string
	storage    *storage.Client
	iam        *iamadmin.Service
}

// NewAdapter builds an adapter authenticated by the credentials file.
func NewAdapter(ctx context.Context, gcpProject, credentialsPath string) (*Adapter, error) {
	sc, err := storage.NewClient(ctx, option.WithCredentialsFile(credentialsPath))
	if err != nil {
		return nil, fmt.Errorf("failed to create storage client: %w", err)
	}
	is, err := iamadmin.NewService(ctx, option.WithCredentialsFile(credentialsPath))
	if err != nil {
		sc.Close()
		return nil, fmt.Errorf("failed to create iam service: %w", err)
	}
	return &Adapter{gcpProject: gcpProject, storage: sc, iam: is}, nil
}

// Close releases the storage client.
func (a *Adapter) Close() error {
	return a.storage.Close()
}

// CreateBucket creates the bucket in the given region. Success if it
// already exists.
func (a *Adapter) CreateBucket(ctx context.Context, name, region string) error {
	err := a.storage.Bucket(name).Create(ctx, a.gcpProject, &storage.BucketAttrs{
		Location: region,
	})
	if err != nil && !isConflict(err) {
		return fmt.Errorf("failed to create bucket %s: %w", name, err)
	}
	return nil
}

// DeleteBucket force-deletes the bucket: every object first, then the
// bucket itself. Absence is success.
func (a *Adapter) DeleteBucket(ctx context.Context, name string) error {
	if err := a.DeletePrefix(ctx, name, ""); err != nil {
		return err
	}
	err := a.storage.Bucket(name).Delete(ctx)
	if err != nil && !errors.Is(err, storage.ErrBucketNotExist) && !isNotFound(err) {
		return fmt.Errorf("failed to delete bucket %s: %w", name, err)
	}
	return nil
}

// DeletePrefix removes every object under prefix. Idempotent; an empty
// prefix empties the whole bucket.
func (a *Adapter) DeletePrefix(ctx context.Context, bucket, prefix string) error {
	it := a.storage.Bucket(bucket).Objects(ctx, &storage.Query{Prefix: prefix})
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			return nil
		}
		if errors.Is(err, storage.ErrBucketNotExist) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to list objects under %s/%s: %w", bucket, prefix, err)
		}
		err = a.storage.Bucket(bucket).Object(attrs.Name).Delete(ctx)
		if err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
			return fmt.Errorf("failed to delete object %s: %w", attrs.Name, err)
		}
	}
}

// CreateIdentity creates the user's service account and returns its
// email. Success if it already exists.
func (a *Adapter) CreateIdentity(ctx context.Context, userID string) (string, error) {
	identityID := MakeIdentityID(userID)
	email := IdentityEmail(identityID, a.gcpProject)

	_, err := a.iam.Projects.ServiceAccounts.Create(
		fmt.Sprintf("projects/%s", a.gcpProject),
		&iamadmin.CreateServiceAccountRequest{
			AccountId: identityID,
			ServiceAccount: &iamadmin.ServiceAccount{
				DisplayName: fmt.Sprintf("Sandbox tenant for %s", userID),
			},
		}).Context(ctx).Do()
	if err != nil && !isConflict(err) {
		return "", fmt.Errorf("failed to create service account %s: %w", identityID, err)
	}
	return email, nil
}

// CreateCredential generates a key for the identity and returns the
// decoded JSON blob the sandbox uses to authenticate.
func (a *Adapter) CreateCredential(ctx context.Context, identityEmail string) (string, error) {
	name := fmt.Sprintf("projects/%s/serviceAccounts/%s", a.gcpProject, identityEmail)
	key, err := a.iam.Projects.ServiceAccounts.Keys.Create(name,
		&iamadmin.CreateServiceAccountKeyRequest{
			PrivateKeyType: "TYPE_GOOGLE_CREDENTIALS_FILE",
		}).Context(ctx).Do()
	if err != nil {
		return "", fmt.Errorf("failed to create key for %s: %w", identityEmail, err)
	}
	decoded, err := base64.StdEncoding.DecodeString(key.PrivateKeyData)
	if err != nil {
		return "", fmt.Errorf("failed to decode key material: %w", err)
	}
	return string(decoded), nil
}

// GrantBucketIAM grants the identity object-admin on the bucket.
// Re-granting an existing role is a no-op, so the call is idempotent.
func (a *Adapter) GrantBucketIAM(ctx context.Context, identityEmail, bucket string) error {
	handle := a.storage.Bucket(bucket).IAM()
	policy, err := handle.Policy(ctx)
	if err != nil {
		return fmt.Errorf("failed to read bucket policy: %w", err)
	}
	member := "serviceAccount:" + identityEmail
	policy.Add(member, iam.RoleName("roles/storage.objectAdmin"))
	if err := handle.SetPolicy(ctx, policy); err != nil {
		return fmt.Errorf("failed to set bucket policy: %w", err)
	}
	return nil
}

// DeleteIdentity deletes the service account. Absence is success; IAM
// bindings referencing a deleted account become inert.
func (a *Adapter) DeleteIdentity(ctx context.Context, identityEmail string) error {
	name := fmt.Sprintf("projects/%s/serviceAccounts/%s", a.gcpProject, identityEmail)
	_, err := a.iam.Projects.ServiceAccounts.Delete(name).Context(ctx).Do()
	if err != nil && !isNotFound(err) {
		return fmt.Errorf("failed to delete service account %s: %w", identityEmail, err)
	}
	if err != nil {
		logger := log.WithComponent("cloud")
		logger.Debug().Str("identity", identityEmail).Msg("identity already absent")
	}
	return nil
}

func isConflict(err error) bool {
	var apiErr *googleapi.Error
	return errors.As(err, &apiErr) && apiErr.Code == http.StatusConflict
}

func isNotFound(err error) bool {
	var apiErr *googleapi.Error
	return errors.As(err, &apiErr) && apiErr.Code == http.StatusNotFound
}
