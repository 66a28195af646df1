package cloud

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Bucket and service-account IDs are derived deterministically from the
// user ID so provisioning retries always converge on the same names.

// MakeBucketName returns the per-user bucket name under the tenant
// root. GCS bucket names must be 3-63 chars of lowercase letters,
// digits and hyphens; the root plus a 16-hex-char digest stays well
// inside that.
func MakeBucketName(userID, root string) string {
	digest := sha256.Sum256([]byte(userID))
	return fmt.Sprintf("%s-u-%s", root, hex.EncodeToString(digest[:])[:16])
}

// MakeIdentityID returns the deterministic service-account ID for a
// user. GCP constraints: 6-30 chars, lowercase letters, digits and
// hyphens, starts with a letter, does not end with a hyphen. "sa-"
// plus 26 hex chars is 29 chars and always ends with a hex digit.
func MakeIdentityID(userID string) string {
	digest := sha256.Sum256([]byte(userID))
	return fmt.Sprintf("sa-%s", hex.EncodeToString(digest[:])[:26])
}

// IdentityEmail returns the service-account email for an identity ID
// in the given GCP project.
func IdentityEmail(identityID, gcpProject string) string {
	return fmt.Sprintf("%s@%s.iam.gserviceaccount.com", identityID, gcpProject)
}
