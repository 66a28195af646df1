/*
Package runtime adapts the Docker Engine API for sandbox containers.

Each project gets an isolated bridge network (net-{id}), a named volume
(vol-{id}) mounted at /home/agent, and one container (sandbox-{id})
with SSH published on a host port from the 30000-60000 range. Names
derive from the project ID alone, so cleanup works from the ID without
a database row.

Port allocation probes for a free host port and retries container
creation a bounded number of times when the daemon reports the port
taken, since the probe releases the port before the bind happens.

Delete operations tolerate absence: removing a container, volume or
network that is already gone is success, which keeps teardown
idempotent.
*/
package runtime
