/*
Package tenant provisions per-user cloud material: one bucket, one
service identity with objectAdmin on that bucket, and one credential
key handed into the user's sandboxes.

Provisioning is lazy (first project create triggers it) and
step-committed: each step persists the user row before the next step
starts, so an interruption leaves resumable state instead of orphaned
cloud resources. All remote calls treat "already exists" as success,
which is what makes retries and concurrent runs converge.
*/
package tenant
