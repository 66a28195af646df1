/*
Package lifecycle implements the project state machine: the controller
that takes a project through creating, running, snapshotting, stopped,
restoring and error.

# State machine

	creating ──────► running ◄───────── restoring
	    │               │                   ▲
	    │               ▼                   │
	    └──► error ◄─ snapshotting ──► stopped
	              ▲________________________│

Transitions out of a transitional state (creating, snapshotting,
restoring) are driven by exactly one operation, which holds the
project's lock for its full duration. A crash mid-transition leaves the
row in the transitional state; the reconciler later flips such rows to
error once they exceed the stuck threshold.

# Invariants

A project holds a container handle (ContainerID, SSHHostPort) exactly
while its status is running, snapshotting or restoring. Leaving for
stopped or error clears the handle.

Tenant material (bucket, identity, credential) belongs to the user, not
the project. Create provisions it lazily through the tenant package and
never rolls it back on failure: other projects of the same user share
it.

# Concurrency

Operations on the same project serialize on a per-project mutex;
operations on different projects run in parallel. The reconciler's
AutoSnapshot and MarkStuck take the same locks, so background work can
never interleave with a user-driven transition on one project.
*/
package lifecycle
